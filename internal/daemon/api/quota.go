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
	"errors"
	"net/http"
	"time"

	"github.com/tombee/workbench/internal/auth"
	"github.com/tombee/workbench/internal/daemon/httputil"
	"github.com/tombee/workbench/internal/metering"
	"github.com/tombee/workbench/internal/store"
	wberrors "github.com/tombee/workbench/pkg/errors"
)

// QuotaHandler reports the caller's compute-minute and run allowances.
type QuotaHandler struct {
	store    store.Store
	metering *metering.Service
	auth     *auth.Authenticator
}

// NewQuotaHandler creates a new quota handler.
func NewQuotaHandler(st store.Store, m *metering.Service, a *auth.Authenticator) *QuotaHandler {
	return &QuotaHandler{store: st, metering: m, auth: a}
}

// RegisterRoutes registers the quota route on the router.
func (h *QuotaHandler) RegisterRoutes(r *Router) {
	r.Handle("GET /v1/quota", h.auth.RequireSession(http.HandlerFunc(h.handleGet)))
}

// QuotaResponse is the response body for GET /v1/quota.
type QuotaResponse struct {
	Plan            store.Plan `json:"plan"`
	MinutesUsed     int        `json:"minutes_used"`
	MinutesLeft     int        `json:"minutes_left"`
	MonthlyRuns     int        `json:"monthly_runs"`
	ExtraRuns       int        `json:"extra_runs"`
	MonthlyGrant    int        `json:"monthly_grant"`
	NextRunsResetAt time.Time  `json:"next_runs_reset_at"`
}

// handleGet handles GET /v1/quota.
func (h *QuotaHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())

	used, remaining, err := h.metering.EnsureDailyUsage(r.Context(), user.ID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	resp := QuotaResponse{
		Plan:         user.Plan,
		MinutesUsed:  used,
		MinutesLeft:  remaining,
		MonthlyGrant: h.metering.MonthlyGrant(user.Plan),
	}

	// A user who has never dispatched a run has no counter row yet; report
	// the full grant rather than materializing one on a read.
	quota, err := h.store.GetRunQuota(r.Context(), user.ID)
	switch {
	case err == nil:
		resp.MonthlyRuns = quota.MonthlyRuns
		resp.ExtraRuns = quota.ExtraRuns
		resp.NextRunsResetAt = quota.NextMonthlyResetAt
	case errors.As(err, new(*wberrors.NotFoundError)):
		resp.MonthlyRuns = resp.MonthlyGrant
	default:
		httputil.WriteError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, resp)
}
