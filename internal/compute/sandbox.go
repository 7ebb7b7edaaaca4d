// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package compute

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/tombee/workbench/pkg/httpclient"

	wberrors "github.com/tombee/workbench/pkg/errors"
)

// DefaultAckTimeout bounds how long a dispatch waits for the orchestrator
// to acknowledge a run.
const DefaultAckTimeout = 30 * time.Second

// SandboxConfig carries the settings NewSandbox needs. It mirrors the
// daemon's compute.sandbox config section.
type SandboxConfig struct {
	URL        string
	Token      string
	AckTimeout time.Duration
}

// Sandbox dispatches agent runs to the sandbox orchestrator. It only
// handles the hand-off: the orchestrator acknowledges synchronously and
// reports the outcome later on the run's callback URL. Workspace lifecycle
// operations are refused.
type Sandbox struct {
	url        string
	token      string
	ackTimeout time.Duration
	httpClient *http.Client
	logger     *slog.Logger
}

// NewSandbox creates the sandbox dispatcher.
func NewSandbox(cfg SandboxConfig, logger *slog.Logger) (*Sandbox, error) {
	if cfg.URL == "" {
		return nil, &wberrors.ConfigError{
			Key:    "compute.sandbox.url",
			Reason: "sandbox orchestrator URL is required",
		}
	}
	ackTimeout := cfg.AckTimeout
	if ackTimeout <= 0 {
		ackTimeout = DefaultAckTimeout
	}

	hcfg := httpclient.DefaultConfig()
	hcfg.UserAgent = "workbench-sandbox/1.0"
	hcfg.Timeout = ackTimeout
	// Dispatch is not idempotent: an unacknowledged run is rolled back by
	// the scheduler, never replayed by the transport.
	hcfg.RetryAttempts = 0
	client, err := httpclient.New(hcfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP client: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Sandbox{
		url:        strings.TrimRight(cfg.URL, "/"),
		token:      cfg.Token,
		ackTimeout: ackTimeout,
		httpClient: client,
		logger:     logger,
	}, nil
}

// CreateWorkspace is refused; sandbox providers never host workspaces.
func (s *Sandbox) CreateWorkspace(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	return nil, fmt.Errorf("sandbox provider: %w", ErrNotSupported)
}

// CreatePersistentWorkspace is refused.
func (s *Sandbox) CreatePersistentWorkspace(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	return nil, fmt.Errorf("sandbox provider: %w", ErrNotSupported)
}

// StopWorkspace is refused.
func (s *Sandbox) StopWorkspace(ctx context.Context, req StopRequest) error {
	return fmt.Errorf("sandbox provider: %w", ErrNotSupported)
}

// RestartWorkspace is refused.
func (s *Sandbox) RestartWorkspace(ctx context.Context, req StopRequest) error {
	return fmt.Errorf("sandbox provider: %w", ErrNotSupported)
}

// TerminateWorkspace is refused.
func (s *Sandbox) TerminateWorkspace(ctx context.Context, req TerminateRequest) error {
	return fmt.Errorf("sandbox provider: %w", ErrNotSupported)
}

// sandboxRunRequest is the dispatch wire format.
type sandboxRunRequest struct {
	RunID            string            `json:"run_id"`
	LoopID           string            `json:"loop_id"`
	UserID           string            `json:"user_id"`
	RunNumber        int               `json:"run_number"`
	Prompt           string            `json:"prompt,omitempty"`
	RepoURL          string            `json:"repo_url"`
	BranchName       string            `json:"branch_name"`
	Model            string            `json:"model"`
	ModelProvider    string            `json:"model_provider"`
	Credential       *RunCredential    `json:"credential,omitempty"`
	PlanFilePath     string            `json:"plan_file_path"`
	ProgressFilePath string            `json:"progress_file_path,omitempty"`
	Env              map[string]string `json:"env,omitempty"`
	CallbackURL      string            `json:"callback_url"`
	CallbackSecret   string            `json:"callback_secret"`
}

// sandboxRunResponse is the orchestrator's acknowledgement.
type sandboxRunResponse struct {
	Acknowledged bool   `json:"acknowledged"`
	SandboxID    string `json:"sandbox_id"`
	Error        string `json:"error,omitempty"`
}

// StartSandboxRun posts the run descriptor and waits for acknowledgement,
// bounded by the ack timeout. A refusal or timeout means the run must be
// rolled back; the sandbox never starts work it has not acknowledged.
func (s *Sandbox) StartSandboxRun(ctx context.Context, req RunRequest) (*RunAck, error) {
	payload, err := json.Marshal(sandboxRunRequest{
		RunID:            req.RunID,
		LoopID:           req.LoopID,
		UserID:           req.UserID,
		RunNumber:        req.RunNumber,
		Prompt:           req.Prompt,
		RepoURL:          req.RepoURL,
		BranchName:       req.BranchName,
		Model:            req.Model,
		ModelProvider:    req.ModelProvider,
		Credential:       req.Credential,
		PlanFilePath:     req.PlanFilePath,
		ProgressFilePath: req.ProgressFilePath,
		Env:              req.Env,
		CallbackURL:      req.CallbackURL,
		CallbackSecret:   req.CallbackSecret,
	})
	if err != nil {
		return nil, &wberrors.UpstreamError{
			Provider: "sandbox",
			Op:       "start_run",
			Message:  fmt.Sprintf("failed to marshal run request: %v", err),
		}
	}

	ackCtx, cancel := context.WithTimeout(ctx, s.ackTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ackCtx, http.MethodPost, s.url+"/v1/runs", bytes.NewReader(payload))
	if err != nil {
		return nil, &wberrors.UpstreamError{
			Provider: "sandbox",
			Op:       "start_run",
			Message:  fmt.Sprintf("failed to create request: %v", err),
		}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if s.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.httpClient.Do(httpReq)
	if err != nil {
		if ackCtx.Err() != nil && ctx.Err() == nil {
			return nil, &wberrors.UpstreamError{
				Provider: "sandbox",
				Op:       "start_run",
				Message:  fmt.Sprintf("acknowledgement timed out after %s", s.ackTimeout),
				Cause:    err,
			}
		}
		return nil, &wberrors.UpstreamError{
			Provider: "sandbox",
			Op:       "start_run",
			Message:  fmt.Sprintf("dispatch failed: %v", err),
			Cause:    err,
		}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &wberrors.UpstreamError{
			Provider: "sandbox",
			Op:       "start_run",
			Message:  fmt.Sprintf("failed to read acknowledgement: %v", err),
		}
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		msg := strings.TrimSpace(string(body))
		if len(msg) > 256 {
			msg = msg[:256]
		}
		return nil, &wberrors.UpstreamError{
			Provider:   "sandbox",
			Op:         "start_run",
			StatusCode: resp.StatusCode,
			Message:    msg,
			Retryable:  resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500,
		}
	}

	var ack sandboxRunResponse
	if err := json.Unmarshal(body, &ack); err != nil {
		return nil, &wberrors.UpstreamError{
			Provider: "sandbox",
			Op:       "start_run",
			Message:  fmt.Sprintf("failed to parse acknowledgement: %v", err),
		}
	}

	if !ack.Acknowledged {
		s.logger.Warn("sandbox refused run dispatch",
			slog.String("run_id", req.RunID),
			slog.String("loop_id", req.LoopID),
			slog.String("error", ack.Error))
	}
	return &RunAck{Acknowledged: ack.Acknowledged, SandboxID: ack.SandboxID}, nil
}
