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
	"net/http"
	"time"

	"github.com/tombee/workbench/internal/auth"
	"github.com/tombee/workbench/internal/daemon/httputil"
	"github.com/tombee/workbench/internal/git"
	"github.com/tombee/workbench/internal/metering"
	"github.com/tombee/workbench/internal/store"
	"github.com/tombee/workbench/internal/workspace"
	wberrors "github.com/tombee/workbench/pkg/errors"
)

// InternalHandler serves service-to-service endpoints behind the shared
// internal key: session validation for the edge proxy, workspace lookups
// and stop/terminate for out-of-process sweepers, and repository forks.
type InternalHandler struct {
	store      store.Store
	workspaces *workspace.Orchestrator
	metering   *metering.Service
	git        *git.Service
	auth       *auth.Authenticator
}

// NewInternalHandler creates a new internal API handler.
func NewInternalHandler(st store.Store, o *workspace.Orchestrator, m *metering.Service, g *git.Service, a *auth.Authenticator) *InternalHandler {
	return &InternalHandler{store: st, workspaces: o, metering: m, git: g, auth: a}
}

// RegisterRoutes registers internal routes on the router.
func (h *InternalHandler) RegisterRoutes(r *Router) {
	internal := func(fn http.HandlerFunc) http.Handler {
		return h.auth.RequireInternalKey(fn)
	}
	r.Handle("POST /v1/internal/validate-session", internal(h.handleValidateSession))
	r.Handle("GET /v1/internal/workspaces/by-subdomain/{subdomain}", internal(h.handleBySubdomain))
	r.Handle("POST /v1/internal/workspaces/{id}/heartbeat", internal(h.handleHeartbeat))
	r.Handle("GET /v1/internal/workspaces/idle", internal(h.handleListIdle))
	r.Handle("GET /v1/internal/workspaces/quota-exceeded", internal(h.handleListQuotaExceeded))
	r.Handle("POST /v1/internal/workspaces/{id}/stop", internal(h.handleStop))
	r.Handle("POST /v1/internal/workspaces/{id}/terminate", internal(h.handleTerminate))
	r.Handle("POST /v1/internal/fork", internal(h.handleFork))
}

// ValidateSessionRequest is the request body for session validation.
type ValidateSessionRequest struct {
	Token string `json:"token"`
}

// handleValidateSession handles POST /v1/internal/validate-session.
func (h *InternalHandler) handleValidateSession(w http.ResponseWriter, r *http.Request) {
	var req ValidateSessionRequest
	if err := httputil.Decode(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}
	user, err := h.auth.ResolveSession(r.Context(), req.Token)
	if err != nil {
		httputil.WriteError(w, &wberrors.UnauthorizedError{Reason: "invalid or expired session"})
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"valid": true, "user": user})
}

// handleBySubdomain handles GET /v1/internal/workspaces/by-subdomain/{subdomain}.
func (h *InternalHandler) handleBySubdomain(w http.ResponseWriter, r *http.Request) {
	ws, err := h.store.GetWorkspaceBySubdomain(r.Context(), r.PathValue("subdomain"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, ws)
}

// handleHeartbeat handles POST /v1/internal/workspaces/{id}/heartbeat. The
// edge proxy forwards workspace traffic liveness here so proxied activity
// counts against the idle horizon.
func (h *InternalHandler) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	result, err := h.workspaces.Heartbeat(r.Context(), r.PathValue("id"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, result)
}

// handleListIdle handles GET /v1/internal/workspaces/idle.
func (h *InternalHandler) handleListIdle(w http.ResponseWriter, r *http.Request) {
	cutoff := time.Now().UTC().Add(-h.metering.Settings().IdleTimeout(r.Context()))
	idle, err := h.store.ListWorkspacesIdleSince(r.Context(), cutoff)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	filtered := make([]*store.Workspace, 0, len(idle))
	for _, ws := range idle {
		if ws.HostingType == store.HostingCloud {
			filtered = append(filtered, ws)
		}
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"workspaces": filtered})
}

// handleListQuotaExceeded handles GET /v1/internal/workspaces/quota-exceeded.
func (h *InternalHandler) handleListQuotaExceeded(w http.ResponseWriter, r *http.Request) {
	running, err := h.store.ListRunningWorkspaces(r.Context())
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	exceeded := make([]*store.Workspace, 0)
	for _, ws := range running {
		if ws.HostingType != store.HostingCloud {
			continue
		}
		user, err := h.store.GetUser(r.Context(), ws.UserID)
		if err != nil {
			continue
		}
		ok, err := h.metering.HasRemainingQuota(r.Context(), user)
		if err == nil && !ok {
			exceeded = append(exceeded, ws)
		}
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"workspaces": exceeded})
}

// handleStop handles POST /v1/internal/workspaces/{id}/stop.
func (h *InternalHandler) handleStop(w http.ResponseWriter, r *http.Request) {
	ws, err := h.workspaces.Stop(r.Context(), r.PathValue("id"), store.StopIdle)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, ws)
}

// handleTerminate handles POST /v1/internal/workspaces/{id}/terminate.
func (h *InternalHandler) handleTerminate(w http.ResponseWriter, r *http.Request) {
	ws, err := h.workspaces.Terminate(r.Context(), r.PathValue("id"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, ws)
}

// ForkRequest is the request body for forking a repository on behalf of
// a user.
type ForkRequest struct {
	UserID string `json:"user_id"`
	Owner  string `json:"owner"`
	Repo   string `json:"repo"`
}

// handleFork handles POST /v1/internal/fork.
func (h *InternalHandler) handleFork(w http.ResponseWriter, r *http.Request) {
	if h.git == nil {
		httputil.WriteError(w, &wberrors.NotFoundError{Resource: "integration", ID: "github"})
		return
	}
	var req ForkRequest
	if err := httputil.Decode(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}
	if req.UserID == "" || req.Owner == "" || req.Repo == "" {
		httputil.WriteError(w, &wberrors.ValidationError{Field: "user_id", Message: "user_id, owner and repo are required"})
		return
	}
	fork, err := h.git.ForkRepository(r.Context(), req.UserID, req.Owner, req.Repo)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, fork)
}
