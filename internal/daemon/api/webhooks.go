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
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/tombee/workbench/internal/auth"
	"github.com/tombee/workbench/internal/daemon/httputil"
	"github.com/tombee/workbench/internal/git"
	"github.com/tombee/workbench/internal/workspace"
	wberrors "github.com/tombee/workbench/pkg/errors"
)

const maxWebhookBody = 1 << 20

// WebhooksHandler receives provider deploy webhooks and GitHub App
// installation events. Both verify an HMAC over the raw body before any
// parsing.
type WebhooksHandler struct {
	workspaces *workspace.Orchestrator
	git        *git.Service
	auth       *auth.Authenticator
	logger     *slog.Logger
}

// NewWebhooksHandler creates a new webhooks handler.
func NewWebhooksHandler(o *workspace.Orchestrator, g *git.Service, a *auth.Authenticator, logger *slog.Logger) *WebhooksHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhooksHandler{workspaces: o, git: g, auth: a, logger: logger}
}

// RegisterRoutes registers webhook routes on the router.
func (h *WebhooksHandler) RegisterRoutes(r *Router) {
	r.Handle("POST /v1/webhooks/railway", http.HandlerFunc(h.handleRailway))
	r.Handle("POST /v1/webhooks/github", http.HandlerFunc(h.handleGitHub))
}

// railwayEvent is the subset of the deploy webhook payload we act on. The
// service name is the workspace subdomain, which is unique among
// non-terminated workspaces.
type railwayEvent struct {
	Type   string `json:"type"`
	Status string `json:"status"`
	Deployment struct {
		ID string `json:"id"`
	} `json:"deployment"`
	Service struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"service"`
}

// handleRailway handles POST /v1/webhooks/railway. A successful deploy
// moves the pending workspace to running and records the deployment ID.
// Events for unknown services are acknowledged so the provider does not
// retry them forever.
func (h *WebhooksHandler) handleRailway(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		httputil.WriteError(w, &wberrors.ValidationError{Field: "body", Message: "unreadable body"})
		return
	}
	if err := h.auth.VerifyWebhook(r, body); err != nil {
		httputil.WriteError(w, &wberrors.UnauthorizedError{Reason: "invalid webhook signature"})
		return
	}

	// Providers add payload fields without notice; decode leniently.
	var event railwayEvent
	if err := json.Unmarshal(body, &event); err != nil {
		httputil.WriteError(w, &wberrors.ValidationError{Field: "body", Message: "malformed payload"})
		return
	}

	if !strings.EqualFold(event.Type, "DEPLOY") || !strings.EqualFold(event.Status, "SUCCESS") {
		httputil.WriteJSON(w, http.StatusOK, map[string]any{"ignored": true})
		return
	}

	ws, err := h.workspaces.MarkRunningBySubdomain(r.Context(), event.Service.Name, event.Deployment.ID)
	if err != nil {
		if errors.As(err, new(*wberrors.NotFoundError)) || errors.As(err, new(*wberrors.ConflictError)) {
			// Unknown service or a redelivery for an already running
			// workspace. Acknowledge either way.
			h.logger.Debug("deploy webhook ignored",
				slog.String("service", event.Service.Name),
				slog.String("reason", err.Error()))
			httputil.WriteJSON(w, http.StatusOK, map[string]any{"ignored": true})
			return
		}
		httputil.WriteError(w, err)
		return
	}

	h.logger.Info("workspace running via deploy webhook",
		slog.String("workspace_id", ws.ID),
		slog.String("deployment_id", event.Deployment.ID))
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"workspace_id": ws.ID, "status": ws.Status})
}

// handleGitHub handles POST /v1/webhooks/github. Only installation
// lifecycle events mutate state; everything else is acknowledged unread.
func (h *WebhooksHandler) handleGitHub(w http.ResponseWriter, r *http.Request) {
	if h.git == nil {
		httputil.WriteError(w, &wberrors.NotFoundError{Resource: "integration", ID: "github"})
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		httputil.WriteError(w, &wberrors.ValidationError{Field: "body", Message: "unreadable body"})
		return
	}
	if err := h.git.VerifyWebhookSignature(body, r.Header.Get("X-Hub-Signature-256")); err != nil {
		httputil.WriteError(w, &wberrors.UnauthorizedError{Reason: "invalid webhook signature"})
		return
	}

	if event := r.Header.Get("X-GitHub-Event"); event != "installation" {
		httputil.WriteJSON(w, http.StatusOK, map[string]any{"ignored": true})
		return
	}

	if err := h.git.ProcessInstallationEvent(r.Context(), body); err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"processed": true})
}
