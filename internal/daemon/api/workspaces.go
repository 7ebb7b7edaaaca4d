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
	"encoding/json"
	"net/http"

	"github.com/tombee/workbench/internal/auth"
	"github.com/tombee/workbench/internal/daemon/httputil"
	"github.com/tombee/workbench/internal/store"
	"github.com/tombee/workbench/internal/tunnel"
	"github.com/tombee/workbench/internal/workspace"
	wberrors "github.com/tombee/workbench/pkg/errors"
)

// WorkspacesHandler handles workspace API requests.
type WorkspacesHandler struct {
	workspaces *workspace.Orchestrator
	minter     *tunnel.Minter
	auth       *auth.Authenticator
}

// NewWorkspacesHandler creates a new workspaces handler.
func NewWorkspacesHandler(o *workspace.Orchestrator, m *tunnel.Minter, a *auth.Authenticator) *WorkspacesHandler {
	return &WorkspacesHandler{workspaces: o, minter: m, auth: a}
}

// RegisterRoutes registers workspace API routes on the router.
func (h *WorkspacesHandler) RegisterRoutes(r *Router) {
	session := h.auth.RequireSession
	r.Handle("POST /v1/workspaces", session(http.HandlerFunc(h.handleCreate)))
	r.Handle("GET /v1/workspaces", session(http.HandlerFunc(h.handleList)))
	r.Handle("GET /v1/workspaces/{id}", session(http.HandlerFunc(h.handleGet)))
	r.Handle("DELETE /v1/workspaces/{id}", session(http.HandlerFunc(h.handleTerminate)))
	r.Handle("POST /v1/workspaces/{id}/stop", session(http.HandlerFunc(h.handleStop)))
	r.Handle("POST /v1/workspaces/{id}/restart", session(http.HandlerFunc(h.handleRestart)))
	r.Handle("POST /v1/workspaces/{id}/tunnel-token", session(http.HandlerFunc(h.handleTunnelToken)))

	// Agents inside workspaces authenticate with the workspace JWT, not a
	// browser session.
	r.Handle("POST /v1/workspaces/{id}/heartbeat",
		h.auth.RequireScope(auth.ScopeGitAll, http.HandlerFunc(h.handleHeartbeat)))
}

// CreateWorkspaceRequest is the request body for creating a workspace.
type CreateWorkspaceRequest struct {
	Name            string            `json:"name"`
	AgentTypeID     string            `json:"agent_type_id"`
	CloudProviderID string            `json:"cloud_provider_id"`
	RegionID        string            `json:"region_id"`
	ImageID         string            `json:"image_id,omitempty"`
	RepositoryURL   string            `json:"repository_url,omitempty"`
	Branch          string            `json:"branch,omitempty"`
	Persistent      bool              `json:"persistent,omitempty"`
	Subdomain       string            `json:"subdomain,omitempty"`
	LocalPort       int               `json:"local_port,omitempty"`
	Env             map[string]string `json:"env,omitempty"`
	AgentConfig     json.RawMessage   `json:"agent_config,omitempty"`
}

// handleCreate handles POST /v1/workspaces.
func (h *WorkspacesHandler) handleCreate(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())

	var req CreateWorkspaceRequest
	if err := httputil.Decode(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}

	ws, err := h.workspaces.Create(r.Context(), workspace.CreateRequest{
		UserID:          user.ID,
		Name:            req.Name,
		AgentTypeID:     req.AgentTypeID,
		CloudProviderID: req.CloudProviderID,
		RegionID:        req.RegionID,
		ImageID:         req.ImageID,
		RepoURL:         req.RepositoryURL,
		Branch:          req.Branch,
		Persistent:      req.Persistent,
		Subdomain:       req.Subdomain,
		LocalPort:       req.LocalPort,
		Env:             req.Env,
		AgentConfig:     req.AgentConfig,
	})
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, ws)
}

// handleList handles GET /v1/workspaces.
func (h *WorkspacesHandler) handleList(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())

	filter := store.WorkspaceFilter{UserID: user.ID}
	if status := r.URL.Query().Get("status"); status != "" {
		filter.Status = store.WorkspaceStatus(status)
	}

	workspaces, err := h.workspaces.List(r.Context(), filter)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"workspaces": workspaces})
}

// handleGet handles GET /v1/workspaces/{id}.
func (h *WorkspacesHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	ws, err := h.owned(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, ws)
}

// handleStop handles POST /v1/workspaces/{id}/stop.
func (h *WorkspacesHandler) handleStop(w http.ResponseWriter, r *http.Request) {
	ws, err := h.owned(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	stopped, err := h.workspaces.Stop(r.Context(), ws.ID, store.StopManual)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, stopped)
}

// handleRestart handles POST /v1/workspaces/{id}/restart.
func (h *WorkspacesHandler) handleRestart(w http.ResponseWriter, r *http.Request) {
	ws, err := h.owned(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	restarted, err := h.workspaces.Restart(r.Context(), ws.ID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, restarted)
}

// handleTerminate handles DELETE /v1/workspaces/{id}.
func (h *WorkspacesHandler) handleTerminate(w http.ResponseWriter, r *http.Request) {
	ws, err := h.owned(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	terminated, err := h.workspaces.Terminate(r.Context(), ws.ID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, terminated)
}

// TunnelTokenRequest optionally narrows which ports the token may expose.
type TunnelTokenRequest struct {
	Ports map[string]int `json:"ports,omitempty"`
}

// handleTunnelToken handles POST /v1/workspaces/{id}/tunnel-token.
func (h *WorkspacesHandler) handleTunnelToken(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())

	var req TunnelTokenRequest
	if r.ContentLength > 0 {
		if err := httputil.Decode(r, &req); err != nil {
			httputil.WriteError(w, err)
			return
		}
	}

	minted, err := h.minter.MintForUser(r.Context(), r.PathValue("id"), user, req.Ports)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, minted)
}

// handleHeartbeat handles POST /v1/workspaces/{id}/heartbeat. The workspace
// JWT's workspace claim must match the path; a token for one workspace can
// never keep another alive.
func (h *WorkspacesHandler) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	claims, _ := auth.ClaimsFromContext(r.Context())
	id := r.PathValue("id")
	if claims.WorkspaceID != id {
		httputil.WriteError(w, &wberrors.ForbiddenError{Reason: "token does not match workspace"})
		return
	}

	result, err := h.workspaces.Heartbeat(r.Context(), id)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, result)
}

// owned loads the path workspace and checks the session user owns it.
// Admins can reach any workspace.
func (h *WorkspacesHandler) owned(r *http.Request) (*store.Workspace, error) {
	user, _ := auth.UserFromContext(r.Context())
	ws, err := h.workspaces.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		return nil, err
	}
	if ws.UserID != user.ID && user.Role != store.RoleAdmin {
		// Existence of someone else's workspace is not the caller's business.
		return nil, &wberrors.NotFoundError{Resource: "workspace", ID: r.PathValue("id")}
	}
	return ws, nil
}
