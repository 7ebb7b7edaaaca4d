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
	"fmt"
	"net/http"
	"time"

	"github.com/tombee/workbench/internal/auth"
	"github.com/tombee/workbench/internal/daemon/httputil"
	"github.com/tombee/workbench/internal/events"
)

const sseHeartbeatInterval = 10 * time.Second

// EventsHandler streams per-user lifecycle events over SSE.
type EventsHandler struct {
	bus  *events.Bus
	auth *auth.Authenticator
}

// NewEventsHandler creates a new events handler.
func NewEventsHandler(b *events.Bus, a *auth.Authenticator) *EventsHandler {
	return &EventsHandler{bus: b, auth: a}
}

// RegisterRoutes registers the event stream route on the router.
func (h *EventsHandler) RegisterRoutes(r *Router) {
	r.Handle("GET /v1/events/stream", h.auth.RequireSession(http.HandlerFunc(h.handleStream)))
}

// handleStream handles GET /v1/events/stream. It holds the connection open
// and writes one SSE event per bus message, with comment heartbeats to keep
// intermediaries from closing the idle stream.
func (h *EventsHandler) handleStream(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())

	flusher, ok := w.(http.Flusher)
	if !ok {
		httputil.WriteErrorMessage(w, http.StatusInternalServerError, "internal", "streaming unsupported")
		return
	}

	ch, cancel := h.bus.Subscribe(user.ID)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	heartbeat := time.NewTicker(sseHeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()
		case event, open := <-ch:
			if !open {
				return
			}
			data, err := json.Marshal(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
			flusher.Flush()
		}
	}
}
