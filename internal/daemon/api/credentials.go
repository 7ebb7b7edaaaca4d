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
	"github.com/tombee/workbench/internal/vault"
	wberrors "github.com/tombee/workbench/pkg/errors"
)

// CredentialsHandler handles model provider credential API requests.
type CredentialsHandler struct {
	vault *vault.Vault
	auth  *auth.Authenticator
}

// NewCredentialsHandler creates a new credentials handler.
func NewCredentialsHandler(v *vault.Vault, a *auth.Authenticator) *CredentialsHandler {
	return &CredentialsHandler{vault: v, auth: a}
}

// RegisterRoutes registers credential API routes on the router.
func (h *CredentialsHandler) RegisterRoutes(r *Router) {
	session := h.auth.RequireSession
	r.Handle("POST /v1/credentials", session(http.HandlerFunc(h.handleStore)))
	r.Handle("GET /v1/credentials", session(http.HandlerFunc(h.handleList)))
	r.Handle("GET /v1/credentials/providers", session(http.HandlerFunc(h.handleProviders)))
	r.Handle("POST /v1/credentials/oauth/start", session(http.HandlerFunc(h.handleOAuthStart)))
	r.Handle("POST /v1/credentials/oauth/poll", session(http.HandlerFunc(h.handleOAuthPoll)))
	r.Handle("POST /v1/credentials/{provider}/revoke", session(http.HandlerFunc(h.handleRevoke)))
	r.Handle("DELETE /v1/credentials/{provider}", session(http.HandlerFunc(h.handleDelete)))
}

// StoreCredentialRequest is the request body for storing an API key.
type StoreCredentialRequest struct {
	Provider string `json:"provider"`
	APIKey   string `json:"api_key"`
	Label    string `json:"label,omitempty"`
}

// handleStore handles POST /v1/credentials.
func (h *CredentialsHandler) handleStore(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())

	var req StoreCredentialRequest
	if err := httputil.Decode(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}
	if req.APIKey == "" {
		httputil.WriteError(w, &wberrors.ValidationError{Field: "api_key", Message: "api_key is required"})
		return
	}

	cred, err := h.vault.StoreAPIKey(r.Context(), user.ID, req.Provider, req.APIKey, req.Label)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, cred)
}

// handleList handles GET /v1/credentials.
func (h *CredentialsHandler) handleList(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())

	creds, err := h.vault.List(r.Context(), user.ID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"credentials": creds})
}

// handleProviders handles GET /v1/credentials/providers.
func (h *CredentialsHandler) handleProviders(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"providers": h.vault.Directory().Providers(),
	})
}

// OAuthStartRequest is the request body for starting an OAuth device flow.
type OAuthStartRequest struct {
	Provider string `json:"provider"`
}

// handleOAuthStart handles POST /v1/credentials/oauth/start.
func (h *CredentialsHandler) handleOAuthStart(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())

	var req OAuthStartRequest
	if err := httputil.Decode(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}

	authz, err := h.vault.InitiateOAuth(r.Context(), user.ID, req.Provider)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, authz)
}

// OAuthPollRequest is the request body for polling an OAuth device flow.
type OAuthPollRequest struct {
	Provider   string `json:"provider"`
	DeviceCode string `json:"device_code"`
}

// handleOAuthPoll handles POST /v1/credentials/oauth/poll.
func (h *CredentialsHandler) handleOAuthPoll(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())

	var req OAuthPollRequest
	if err := httputil.Decode(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}

	result, err := h.vault.PollOAuth(r.Context(), user.ID, req.Provider, req.DeviceCode)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, result)
}

// handleRevoke handles POST /v1/credentials/{provider}/revoke.
func (h *CredentialsHandler) handleRevoke(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())

	if err := h.vault.Revoke(r.Context(), user.ID, r.PathValue("provider")); err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"revoked": true})
}

// handleDelete handles DELETE /v1/credentials/{provider}.
func (h *CredentialsHandler) handleDelete(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())

	if err := h.vault.Delete(r.Context(), user.ID, r.PathValue("provider")); err != nil {
		httputil.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
