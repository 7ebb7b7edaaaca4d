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
	"context"
	"net/http"

	"github.com/tombee/workbench/internal/agentloop"
	"github.com/tombee/workbench/internal/auth"
	"github.com/tombee/workbench/internal/daemon/httputil"
	"github.com/tombee/workbench/internal/store"
	wberrors "github.com/tombee/workbench/pkg/errors"
)

// LoopsHandler handles agent loop and run API requests.
type LoopsHandler struct {
	loops *agentloop.Scheduler
	auth  *auth.Authenticator
}

// NewLoopsHandler creates a new loops handler.
func NewLoopsHandler(s *agentloop.Scheduler, a *auth.Authenticator) *LoopsHandler {
	return &LoopsHandler{loops: s, auth: a}
}

// RegisterRoutes registers loop and run API routes on the router.
func (h *LoopsHandler) RegisterRoutes(r *Router) {
	session := h.auth.RequireSession
	r.Handle("POST /v1/loops", session(http.HandlerFunc(h.handleCreate)))
	r.Handle("GET /v1/loops", session(http.HandlerFunc(h.handleList)))
	r.Handle("GET /v1/loops/{id}", session(http.HandlerFunc(h.handleGet)))
	r.Handle("DELETE /v1/loops/{id}", session(http.HandlerFunc(h.handleDelete)))
	r.Handle("POST /v1/loops/{id}/runs", session(http.HandlerFunc(h.handleStartRun)))
	r.Handle("GET /v1/loops/{id}/runs", session(http.HandlerFunc(h.handleListRuns)))
	r.Handle("POST /v1/loops/{id}/pause", session(http.HandlerFunc(h.handlePause)))
	r.Handle("POST /v1/loops/{id}/resume", session(http.HandlerFunc(h.handleResume)))
	r.Handle("POST /v1/loops/{id}/archive", session(http.HandlerFunc(h.handleArchive)))
	r.Handle("GET /v1/runs/{id}", session(http.HandlerFunc(h.handleGetRun)))
	r.Handle("POST /v1/runs/{id}/restart", session(http.HandlerFunc(h.handleRestartRun)))
}

// CreateLoopRequest is the request body for creating an agent loop.
type CreateLoopRequest struct {
	Name              string `json:"name,omitempty"`
	SandboxProviderID string `json:"sandbox_provider_id,omitempty"`
	RepoOwner         string `json:"repo_owner"`
	RepoName          string `json:"repo_name"`
	Branch            string `json:"branch,omitempty"`
	PlanFilePath      string `json:"plan_file_path"`
	ProgressFilePath  string `json:"progress_file_path,omitempty"`
	ModelProvider     string `json:"model_provider"`
	ModelID           string `json:"model_id"`
	Prompt            string `json:"prompt,omitempty"`

	AutomationEnabled   bool   `json:"automation_enabled,omitempty"`
	AutomationCondition string `json:"automation_condition,omitempty"`

	MaxRuns int `json:"max_runs"`
}

// handleCreate handles POST /v1/loops.
func (h *LoopsHandler) handleCreate(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())

	var req CreateLoopRequest
	if err := httputil.Decode(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}

	loop, err := h.loops.CreateLoop(r.Context(), agentloop.CreateLoopRequest{
		UserID:              user.ID,
		Name:                req.Name,
		SandboxProviderID:   req.SandboxProviderID,
		RepoOwner:           req.RepoOwner,
		RepoName:            req.RepoName,
		Branch:              req.Branch,
		PlanFilePath:        req.PlanFilePath,
		ProgressFilePath:    req.ProgressFilePath,
		ModelProvider:       req.ModelProvider,
		ModelID:             req.ModelID,
		Prompt:              req.Prompt,
		AutomationEnabled:   req.AutomationEnabled,
		AutomationCondition: req.AutomationCondition,
		MaxRuns:             req.MaxRuns,
	})
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, loop)
}

// handleList handles GET /v1/loops.
func (h *LoopsHandler) handleList(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())

	filter := store.LoopFilter{UserID: user.ID}
	if status := r.URL.Query().Get("status"); status != "" {
		filter.Status = store.LoopStatus(status)
	}

	loops, err := h.loops.List(r.Context(), filter)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"loops": loops})
}

// handleGet handles GET /v1/loops/{id}.
func (h *LoopsHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	loop, err := h.owned(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, loop)
}

// handleDelete handles DELETE /v1/loops/{id}.
func (h *LoopsHandler) handleDelete(w http.ResponseWriter, r *http.Request) {
	loop, err := h.owned(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	if err := h.loops.Delete(r.Context(), loop.ID); err != nil {
		httputil.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleStartRun handles POST /v1/loops/{id}/runs.
func (h *LoopsHandler) handleStartRun(w http.ResponseWriter, r *http.Request) {
	loop, err := h.owned(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	run, err := h.loops.StartRun(r.Context(), loop.ID, store.TriggerManual)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	// A halted row is still 201: the run exists and will dispatch on
	// restart once quota allows.
	httputil.WriteJSON(w, http.StatusCreated, run)
}

// handleListRuns handles GET /v1/loops/{id}/runs.
func (h *LoopsHandler) handleListRuns(w http.ResponseWriter, r *http.Request) {
	loop, err := h.owned(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	runs, err := h.loops.ListRuns(r.Context(), store.RunFilter{LoopID: loop.ID})
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

// handlePause handles POST /v1/loops/{id}/pause.
func (h *LoopsHandler) handlePause(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.loops.Pause)
}

// handleResume handles POST /v1/loops/{id}/resume.
func (h *LoopsHandler) handleResume(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.loops.Resume)
}

// handleArchive handles POST /v1/loops/{id}/archive.
func (h *LoopsHandler) handleArchive(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.loops.Archive)
}

// handleGetRun handles GET /v1/runs/{id}.
func (h *LoopsHandler) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.ownedRun(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, run)
}

// handleRestartRun handles POST /v1/runs/{id}/restart.
func (h *LoopsHandler) handleRestartRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.ownedRun(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	restarted, err := h.loops.RestartRun(r.Context(), run.ID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, restarted)
}

func (h *LoopsHandler) transition(w http.ResponseWriter, r *http.Request,
	op func(ctx context.Context, loopID string) (*store.AgentLoop, error)) {
	loop, err := h.owned(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	updated, err := op(r.Context(), loop.ID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, updated)
}

// owned loads the path loop and checks the session user owns it.
func (h *LoopsHandler) owned(r *http.Request) (*store.AgentLoop, error) {
	user, _ := auth.UserFromContext(r.Context())
	loop, err := h.loops.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		return nil, err
	}
	if loop.UserID != user.ID && user.Role != store.RoleAdmin {
		return nil, &wberrors.NotFoundError{Resource: "loop", ID: r.PathValue("id")}
	}
	return loop, nil
}

// ownedRun loads the path run and checks ownership through its loop.
func (h *LoopsHandler) ownedRun(r *http.Request) (*store.Run, error) {
	user, _ := auth.UserFromContext(r.Context())
	run, err := h.loops.GetRun(r.Context(), r.PathValue("id"))
	if err != nil {
		return nil, err
	}
	if run.UserID != user.ID && user.Role != store.RoleAdmin {
		return nil, &wberrors.NotFoundError{Resource: "run", ID: r.PathValue("id")}
	}
	return run, nil
}
