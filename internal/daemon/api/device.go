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
	"strings"

	"github.com/tombee/workbench/internal/auth"
	"github.com/tombee/workbench/internal/daemon/httputil"
	"github.com/tombee/workbench/internal/deviceauth"
	"github.com/tombee/workbench/internal/tunnel"
	wberrors "github.com/tombee/workbench/pkg/errors"
)

// DeviceHandler handles CLI device login and agent tunnel token requests.
// The start, poll, and exchange routes are unauthenticated: possession of
// the device code is the credential until approval binds a user to it.
type DeviceHandler struct {
	devices *deviceauth.Service
	minter  *tunnel.Minter
	auth    *auth.Authenticator
}

// NewDeviceHandler creates a new device login handler.
func NewDeviceHandler(d *deviceauth.Service, m *tunnel.Minter, a *auth.Authenticator) *DeviceHandler {
	return &DeviceHandler{devices: d, minter: m, auth: a}
}

// RegisterRoutes registers device login routes on the router.
func (h *DeviceHandler) RegisterRoutes(r *Router) {
	r.Handle("POST /v1/device/start", http.HandlerFunc(h.handleStart))
	r.Handle("POST /v1/device/poll", http.HandlerFunc(h.handlePoll))
	r.Handle("POST /v1/device/exchange", http.HandlerFunc(h.handleExchange))
	r.Handle("POST /v1/device/approve", h.auth.RequireSession(http.HandlerFunc(h.handleApprove)))
	r.Handle("POST /v1/tunnel-tokens/agent", http.HandlerFunc(h.handleAgentTunnelToken))
}

// handleStart handles POST /v1/device/start.
func (h *DeviceHandler) handleStart(w http.ResponseWriter, r *http.Request) {
	start, err := h.devices.StartDeviceLogin(r.Context())
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, start)
}

// DevicePollRequest carries the device code for poll and exchange.
type DevicePollRequest struct {
	DeviceCode string `json:"device_code"`
}

// handlePoll handles POST /v1/device/poll.
func (h *DeviceHandler) handlePoll(w http.ResponseWriter, r *http.Request) {
	var req DevicePollRequest
	if err := httputil.Decode(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}
	result, err := h.devices.Poll(r.Context(), req.DeviceCode)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, result)
}

// handleExchange handles POST /v1/device/exchange.
func (h *DeviceHandler) handleExchange(w http.ResponseWriter, r *http.Request) {
	var req DevicePollRequest
	if err := httputil.Decode(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}
	token, err := h.devices.Exchange(r.Context(), req.DeviceCode)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"token": token})
}

// DeviceApproveRequest is the request body for approving a device login.
type DeviceApproveRequest struct {
	UserCode string `json:"user_code"`
	Deny     bool   `json:"deny,omitempty"`
}

// handleApprove handles POST /v1/device/approve.
func (h *DeviceHandler) handleApprove(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())

	var req DeviceApproveRequest
	if err := httputil.Decode(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}

	var err error
	if req.Deny {
		err = h.devices.Deny(r.Context(), req.UserCode)
	} else {
		err = h.devices.Approve(r.Context(), req.UserCode, user.ID)
	}
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"approved": !req.Deny})
}

// AgentTunnelTokenRequest is the request body for minting a tunnel token
// with an agent token instead of a session.
type AgentTunnelTokenRequest struct {
	WorkspaceID string         `json:"workspace_id"`
	Ports       map[string]int `json:"ports,omitempty"`
}

// handleAgentTunnelToken handles POST /v1/tunnel-tokens/agent. The agent
// token travels as a bearer credential and is verified by the minter.
func (h *DeviceHandler) handleAgentTunnelToken(w http.ResponseWriter, r *http.Request) {
	raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if raw == "" || raw == r.Header.Get("Authorization") {
		httputil.WriteError(w, &wberrors.UnauthorizedError{Reason: "missing bearer token"})
		return
	}

	var req AgentTunnelTokenRequest
	if err := httputil.Decode(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}

	minted, err := h.minter.MintWithAgentToken(r.Context(), raw, req.WorkspaceID, req.Ports)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, minted)
}
