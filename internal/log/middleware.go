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

package log

import (
	"log/slog"
	"time"
)

// TunnelExchange describes a proxied request for logging purposes.
type TunnelExchange struct {
	// FrameID correlates the request/response frame pair.
	FrameID string

	// WorkspaceID is the workspace that owns the tunnel session.
	WorkspaceID string

	// Subdomain is the public subdomain the request arrived on.
	Subdomain string

	// Method and Path describe the forwarded HTTP request.
	Method string
	Path   string

	// Port is the upstream port selected by the broker.
	Port int

	// RemoteAddr is the remote address of the public client.
	RemoteAddr string
}

// TunnelResult describes the outcome of a proxied request.
type TunnelResult struct {
	// StatusCode is the upstream status relayed to the client.
	StatusCode int

	// Error is the failure message if the exchange broke down.
	Error string

	// DurationMs is the wall time of the whole exchange in milliseconds.
	DurationMs int64

	// BytesOut is the response body size relayed to the client.
	BytesOut int64
}

// LogTunnelRequest logs a forwarded public request entering the tunnel.
func LogTunnelRequest(logger *slog.Logger, ex *TunnelExchange) {
	attrs := []any{
		"event", "tunnel_request",
		"frame_id", ex.FrameID,
		WorkspaceIDKey, ex.WorkspaceID,
		SubdomainKey, ex.Subdomain,
		"method", ex.Method,
		"path", ex.Path,
		"port", ex.Port,
		"remote", ex.RemoteAddr,
	}
	logger.Debug("tunnel request forwarded", attrs...)
}

// LogTunnelResponse logs the completion of a proxied exchange.
func LogTunnelResponse(logger *slog.Logger, ex *TunnelExchange, res *TunnelResult) {
	attrs := []any{
		"event", "tunnel_response",
		"frame_id", ex.FrameID,
		WorkspaceIDKey, ex.WorkspaceID,
		"status", res.StatusCode,
		"duration_ms", res.DurationMs,
		"bytes_out", res.BytesOut,
	}

	if res.Error != "" {
		attrs = append(attrs, "error", res.Error)
	}

	level := slog.LevelDebug
	message := "tunnel exchange completed"

	if res.Error != "" {
		level = slog.LevelWarn
		message = "tunnel exchange failed"
	}

	logger.Log(nil, level, message, attrs...)
}

// ExchangeMiddleware wraps a tunnel exchange with request/response logging.
type ExchangeMiddleware struct {
	logger *slog.Logger
}

// NewExchangeMiddleware creates a new tunnel exchange logging middleware.
func NewExchangeMiddleware(logger *slog.Logger) *ExchangeMiddleware {
	return &ExchangeMiddleware{
		logger: logger,
	}
}

// Handler wraps a function that performs one proxied exchange.
// It logs the request on entry and the result when it completes.
func (m *ExchangeMiddleware) Handler(ex *TunnelExchange, handler func() (*TunnelResult, error)) error {
	start := time.Now()

	LogTunnelRequest(m.logger, ex)

	res, err := handler()
	if res == nil {
		res = &TunnelResult{}
	}
	res.DurationMs = time.Since(start).Milliseconds()

	if err != nil {
		res.Error = err.Error()
	}

	LogTunnelResponse(m.logger, ex, res)

	return err
}
