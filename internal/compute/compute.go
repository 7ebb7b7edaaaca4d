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

// Package compute abstracts the systems that host workspaces and execute
// agent sandbox runs. Each cloud provider row in the catalog names one of
// the implementations here; the registry resolves names to constructed
// clients.
//
// Implementations never touch the database. They translate requests into
// upstream API calls and classify failures into the shared error types so
// orchestration layers can decide between surfacing, retrying, and
// compensating.
package compute

import (
	"context"
	"errors"
	"time"
)

// ErrNotSupported is returned when an implementation does not offer the
// requested operation, such as sandbox dispatch on a hosting provider or
// workspace creation on a sandbox orchestrator.
var ErrNotSupported = errors.New("operation not supported by this compute provider")

// Provider provisions and tears down workspace services and dispatches
// agent sandbox runs.
//
// Lifecycle calls are idempotent from the caller's perspective: stopping,
// restarting, or terminating a resource the upstream no longer knows about
// succeeds, so reapers and retries can run the same operation twice.
type Provider interface {
	// CreateWorkspace provisions an ephemeral workspace service.
	CreateWorkspace(ctx context.Context, req CreateRequest) (*CreateResult, error)

	// CreatePersistentWorkspace provisions a workspace backed by a volume.
	// Either both the volume and the service exist afterwards, or neither.
	CreatePersistentWorkspace(ctx context.Context, req CreateRequest) (*CreateResult, error)

	// StopWorkspace halts the running deployment without releasing the
	// service. A missing upstream resource is success.
	StopWorkspace(ctx context.Context, req StopRequest) error

	// RestartWorkspace redeploys a stopped service. A missing upstream
	// resource is success.
	RestartWorkspace(ctx context.Context, req StopRequest) error

	// TerminateWorkspace releases the service and any attached volume.
	// A missing upstream resource is success.
	TerminateWorkspace(ctx context.Context, req TerminateRequest) error

	// StartSandboxRun hands a run descriptor to the sandbox orchestrator
	// and waits only for acknowledgement. Completion arrives later on the
	// callback endpoint named in the request.
	StartSandboxRun(ctx context.Context, req RunRequest) (*RunAck, error)
}

// CreateRequest describes the workspace service to provision.
type CreateRequest struct {
	WorkspaceID string
	UserID      string

	// Subdomain doubles as the upstream service name.
	Subdomain string

	// ImageRef is the provider-side image identifier from the catalog.
	ImageRef string

	// RepoURL is empty for workspaces created without a repository.
	RepoURL string

	// RegionIdentifier is the provider's own region id, passed through
	// unchanged from the catalog row.
	RegionIdentifier string

	// Env is injected into the service environment verbatim.
	Env map[string]string
}

// CreateResult reports the upstream handles for a provisioned workspace.
type CreateResult struct {
	ExternalServiceID string

	// UpstreamURL is where the control plane proxies workspace traffic.
	// Empty for providers that connect through the tunnel instead.
	UpstreamURL string

	ServiceCreatedAt time.Time

	// Volume fields are set only by CreatePersistentWorkspace.
	ExternalVolumeID string
	VolumeCreatedAt  time.Time
}

// StopRequest identifies the deployment to stop or the service to restart.
type StopRequest struct {
	ExternalServiceID string
	RegionIdentifier  string

	// RunningDeploymentID is empty when the workspace never reached
	// running; stop is then a local no-op.
	RunningDeploymentID string
}

// TerminateRequest identifies the service and optional volume to release.
type TerminateRequest struct {
	ExternalServiceID string
	ExternalVolumeID  string
}

// RunRequest is the descriptor handed to the sandbox orchestrator. It
// carries everything a sandbox needs to clone, run the agent, and report
// back, so the orchestrator never calls into the control plane mid-run.
type RunRequest struct {
	RunID     string
	LoopID    string
	UserID    string
	RunNumber int

	Prompt     string
	RepoURL    string
	BranchName string

	// Model and ModelProvider select the agent's LLM.
	Model         string
	ModelProvider string

	// Credential is the decrypted secret for the model provider. Nil for
	// free models.
	Credential *RunCredential

	PlanFilePath     string
	ProgressFilePath string

	Env map[string]string

	// CallbackURL and CallbackSecret let the sandbox report completion.
	CallbackURL    string
	CallbackSecret string
}

// RunCredential is the wire form of a resolved model credential. AuthType
// is "api_key" or "oauth"; for oauth, Secret is a live access token.
type RunCredential struct {
	Provider  string `json:"provider"`
	AuthType  string `json:"auth_type"`
	Secret    string `json:"secret"`
	AccountID string `json:"account_id,omitempty"`
}

// RunAck is the orchestrator's dispatch response. Acknowledged false means
// the run was refused and the caller must roll the run row back.
type RunAck struct {
	Acknowledged bool
	SandboxID    string
}
