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
	"github.com/tombee/workbench/internal/git"
)

// GitTokenHandler mints short-lived installation tokens for in-workspace
// git operations. Callers authenticate with the workspace JWT.
type GitTokenHandler struct {
	git  *git.Service
	auth *auth.Authenticator
}

// NewGitTokenHandler creates a new git token handler.
func NewGitTokenHandler(g *git.Service, a *auth.Authenticator) *GitTokenHandler {
	return &GitTokenHandler{git: g, auth: a}
}

// RegisterRoutes registers the git token route on the router.
func (h *GitTokenHandler) RegisterRoutes(r *Router) {
	r.Handle("POST /v1/git/token",
		h.auth.RequireScope(auth.ScopeGitAll, http.HandlerFunc(h.handleToken)))
}

// handleToken handles POST /v1/git/token.
func (h *GitTokenHandler) handleToken(w http.ResponseWriter, r *http.Request) {
	claims, _ := auth.ClaimsFromContext(r.Context())

	token, err := h.git.TokenForUser(r.Context(), claims.UserID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"token":      token.Value,
		"expires_at": token.ExpiresAt,
	})
}
