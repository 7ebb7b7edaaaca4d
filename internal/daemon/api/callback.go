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

package api

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/tombee/workbench/internal/agentloop"
	"github.com/tombee/workbench/internal/daemon/httputil"
	wberrors "github.com/tombee/workbench/pkg/errors"
)

// CallbackHandler receives run completion reports from sandbox
// orchestrators. The sandbox authenticates with the shared callback secret
// as a bearer token; a secondary secret is accepted during rotation.
type CallbackHandler struct {
	loops     *agentloop.Scheduler
	secret    []byte
	secondary []byte
}

// NewCallbackHandler creates a new callback handler.
func NewCallbackHandler(s *agentloop.Scheduler, secret, secondary string) *CallbackHandler {
	return &CallbackHandler{
		loops:     s,
		secret:    []byte(secret),
		secondary: []byte(secondary),
	}
}

// RegisterRoutes registers the callback routes on the router. The trpc
// path is a legacy alias older sandbox images still post to.
func (h *CallbackHandler) RegisterRoutes(r *Router) {
	r.Handle("POST /v1/callbacks/agent-loop", http.HandlerFunc(h.handleCallback))
	r.Handle("POST /trpc/agentLoop.handleWebhook", http.HandlerFunc(h.handleCallback))
}

// AgentLoopCallback is the wire body posted by sandboxes. Field names
// are fixed by deployed sandbox images and do not follow the snake_case
// convention of the rest of the API.
type AgentLoopCallback struct {
	RunID          string `json:"runId"`
	Success        bool   `json:"success"`
	SandboxID      string `json:"sandboxId,omitempty"`
	CommitSHA      string `json:"commitSha,omitempty"`
	CommitMessage  string `json:"commitMessage,omitempty"`
	Summary        string `json:"summary,omitempty"`
	PRURL          string `json:"prUrl,omitempty"`
	Error          string `json:"error,omitempty"`
	IsListComplete bool   `json:"isListComplete,omitempty"`
}

// handleCallback handles POST /v1/callbacks/agent-loop.
func (h *CallbackHandler) handleCallback(w http.ResponseWriter, r *http.Request) {
	if err := h.authorize(r); err != nil {
		httputil.WriteError(w, err)
		return
	}

	var req AgentLoopCallback
	if err := httputil.Decode(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}
	if req.RunID == "" {
		httputil.WriteError(w, &wberrors.ValidationError{Field: "runId", Message: "runId is required"})
		return
	}

	run, err := h.loops.ProcessCallback(r.Context(), agentloop.Callback{
		RunID:          req.RunID,
		Success:        req.Success,
		SandboxID:      req.SandboxID,
		CommitSHA:      req.CommitSHA,
		CommitMessage:  req.CommitMessage,
		Summary:        req.Summary,
		PRURL:          req.PRURL,
		Error:          req.Error,
		IsListComplete: req.IsListComplete,
	})
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, run)
}

func (h *CallbackHandler) authorize(r *http.Request) error {
	if len(h.secret) == 0 {
		return &wberrors.UnauthorizedError{Reason: "callbacks disabled"}
	}
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if subtle.ConstantTimeCompare([]byte(token), h.secret) == 1 {
		return nil
	}
	if len(h.secondary) > 0 && subtle.ConstantTimeCompare([]byte(token), h.secondary) == 1 {
		return nil
	}
	return &wberrors.UnauthorizedError{Reason: "invalid callback secret"}
}
