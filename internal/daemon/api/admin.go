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

	"github.com/tombee/workbench/internal/auth"
	"github.com/tombee/workbench/internal/daemon/httputil"
	"github.com/tombee/workbench/internal/metering"
	"github.com/tombee/workbench/internal/store"
	wberrors "github.com/tombee/workbench/pkg/errors"
)

// AdminHandler exposes operator settings, the placement catalog, and user
// plan/role management. Every route requires the admin role.
type AdminHandler struct {
	store    store.Store
	metering *metering.Service
	auth     *auth.Authenticator
}

// NewAdminHandler creates a new admin handler.
func NewAdminHandler(st store.Store, m *metering.Service, a *auth.Authenticator) *AdminHandler {
	return &AdminHandler{store: st, metering: m, auth: a}
}

// RegisterRoutes registers admin routes on the router.
func (h *AdminHandler) RegisterRoutes(r *Router) {
	admin := func(fn http.HandlerFunc) http.Handler {
		return h.auth.RequireSession(h.auth.RequireAdmin(fn))
	}
	r.Handle("GET /v1/admin/config", admin(h.handleListConfig))
	r.Handle("PUT /v1/admin/config/{key}", admin(h.handleSetConfig))
	r.Handle("PUT /v1/admin/catalog/cloud-providers/{id}", admin(h.handleUpsertCloudProvider))
	r.Handle("PUT /v1/admin/catalog/regions/{id}", admin(h.handleUpsertRegion))
	r.Handle("PUT /v1/admin/catalog/agent-types/{id}", admin(h.handleUpsertAgentType))
	r.Handle("PUT /v1/admin/catalog/images/{id}", admin(h.handleUpsertImage))
	r.Handle("PUT /v1/admin/users/{id}/plan", admin(h.handleSetPlan))
	r.Handle("PUT /v1/admin/users/{id}/role", admin(h.handleSetRole))
	r.Handle("POST /v1/admin/users/{id}/extra-runs", admin(h.handleGrantExtraRuns))
}

// handleListConfig handles GET /v1/admin/config.
func (h *AdminHandler) handleListConfig(w http.ResponseWriter, r *http.Request) {
	settings, err := h.store.ListSystemConfig(r.Context())
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"config": settings})
}

// SetConfigRequest is the request body for writing a setting.
type SetConfigRequest struct {
	Value string `json:"value"`
}

// handleSetConfig handles PUT /v1/admin/config/{key}.
func (h *AdminHandler) handleSetConfig(w http.ResponseWriter, r *http.Request) {
	var req SetConfigRequest
	if err := httputil.Decode(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}
	key := r.PathValue("key")
	if err := h.metering.Settings().Set(r.Context(), key, req.Value); err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"key": key, "value": req.Value})
}

func (h *AdminHandler) handleUpsertCloudProvider(w http.ResponseWriter, r *http.Request) {
	var provider store.CloudProvider
	if err := httputil.Decode(r, &provider); err != nil {
		httputil.WriteError(w, err)
		return
	}
	provider.ID = r.PathValue("id")
	if provider.Name == "" {
		httputil.WriteError(w, &wberrors.ValidationError{Field: "name", Message: "name is required"})
		return
	}
	if err := h.store.UpsertCloudProvider(r.Context(), &provider); err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, &provider)
}

func (h *AdminHandler) handleUpsertRegion(w http.ResponseWriter, r *http.Request) {
	var region store.Region
	if err := httputil.Decode(r, &region); err != nil {
		httputil.WriteError(w, err)
		return
	}
	region.ID = r.PathValue("id")
	if region.ProviderID == "" {
		httputil.WriteError(w, &wberrors.ValidationError{Field: "provider_id", Message: "provider_id is required"})
		return
	}
	if _, err := h.store.GetCloudProvider(r.Context(), region.ProviderID); err != nil {
		httputil.WriteError(w, err)
		return
	}
	if err := h.store.UpsertRegion(r.Context(), &region); err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, &region)
}

func (h *AdminHandler) handleUpsertAgentType(w http.ResponseWriter, r *http.Request) {
	var at store.AgentType
	if err := httputil.Decode(r, &at); err != nil {
		httputil.WriteError(w, err)
		return
	}
	at.ID = r.PathValue("id")
	if at.Name == "" {
		httputil.WriteError(w, &wberrors.ValidationError{Field: "name", Message: "name is required"})
		return
	}
	if err := h.store.UpsertAgentType(r.Context(), &at); err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, &at)
}

func (h *AdminHandler) handleUpsertImage(w http.ResponseWriter, r *http.Request) {
	var img store.Image
	if err := httputil.Decode(r, &img); err != nil {
		httputil.WriteError(w, err)
		return
	}
	img.ID = r.PathValue("id")
	if img.ImageRef == "" {
		httputil.WriteError(w, &wberrors.ValidationError{Field: "image_ref", Message: "image_ref is required"})
		return
	}
	if _, err := h.store.GetAgentType(r.Context(), img.AgentTypeID); err != nil {
		httputil.WriteError(w, err)
		return
	}
	if err := h.store.UpsertImage(r.Context(), &img); err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, &img)
}

// SetPlanRequest is the request body for changing a user's plan.
type SetPlanRequest struct {
	Plan store.Plan `json:"plan"`
}

// handleSetPlan handles PUT /v1/admin/users/{id}/plan.
func (h *AdminHandler) handleSetPlan(w http.ResponseWriter, r *http.Request) {
	var req SetPlanRequest
	if err := httputil.Decode(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}
	switch req.Plan {
	case store.PlanFree, store.PlanTunnel, store.PlanPro:
	default:
		httputil.WriteError(w, &wberrors.ValidationError{
			Field:      "plan",
			Message:    "unknown plan",
			Suggestion: "one of: free, tunnel, pro",
		})
		return
	}

	user, err := h.store.GetUser(r.Context(), r.PathValue("id"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	user.Plan = req.Plan
	if err := h.store.UpdateUser(r.Context(), user); err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, user)
}

// SetRoleRequest is the request body for changing a user's role.
type SetRoleRequest struct {
	Role store.Role `json:"role"`
}

// handleSetRole handles PUT /v1/admin/users/{id}/role.
func (h *AdminHandler) handleSetRole(w http.ResponseWriter, r *http.Request) {
	var req SetRoleRequest
	if err := httputil.Decode(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}
	if req.Role != store.RoleUser && req.Role != store.RoleAdmin {
		httputil.WriteError(w, &wberrors.ValidationError{
			Field:      "role",
			Message:    "unknown role",
			Suggestion: "one of: user, admin",
		})
		return
	}

	user, err := h.store.GetUser(r.Context(), r.PathValue("id"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	user.Role = req.Role
	if err := h.store.UpdateUser(r.Context(), user); err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, user)
}

// GrantExtraRunsRequest is the request body for topping up a user's runs.
type GrantExtraRunsRequest struct {
	Runs int `json:"runs"`
}

// handleGrantExtraRuns handles POST /v1/admin/users/{id}/extra-runs.
func (h *AdminHandler) handleGrantExtraRuns(w http.ResponseWriter, r *http.Request) {
	var req GrantExtraRunsRequest
	if err := httputil.Decode(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}
	if req.Runs <= 0 {
		httputil.WriteError(w, &wberrors.ValidationError{Field: "runs", Message: "must be positive"})
		return
	}

	user, err := h.store.GetUser(r.Context(), r.PathValue("id"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	quota, err := h.metering.GrantExtraRuns(r.Context(), user, req.Runs)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, quota)
}
