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

package tunnel

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// bodyChunk is the request/response body slice carried per data frame.
const bodyChunk = 32 * 1024

// hopHeaders are connection-scoped headers never forwarded through the
// tunnel in either direction.
var hopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Proxy-Connection":    {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
}

// Matches reports whether a request host is a workspace subdomain under the
// broker's base domain. The bare base domain is not a workspace.
func (b *Broker) Matches(host string) bool {
	_, _, ok := b.splitHost(host)
	return ok
}

// splitHost breaks a request host into its service-name prefix and
// subdomain. For base domain wb.dev, api.demo.wb.dev yields ("api", "demo")
// and demo.wb.dev yields ("", "demo").
func (b *Broker) splitHost(host string) (service, subdomain string, ok bool) {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.ToLower(host)
	suffix := "." + b.baseDomain
	if !strings.HasSuffix(host, suffix) {
		return "", "", false
	}
	rest := strings.TrimSuffix(host, suffix)
	if rest == "" {
		return "", "", false
	}
	labels := strings.Split(rest, ".")
	subdomain = labels[len(labels)-1]
	service = strings.Join(labels[:len(labels)-1], ".")
	return service, subdomain, true
}

// ServeHTTP forwards one public request over the owning workspace's tunnel
// session and streams the agent's response back.
func (b *Broker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	service, subdomain, ok := b.splitHost(r.Host)
	if !ok {
		writeProxyError(w, http.StatusNotFound, "unknown host")
		return
	}

	s, ok := b.sessionFor(subdomain)
	if !ok {
		writeProxyError(w, http.StatusBadGateway, "tunnel not connected")
		return
	}

	port, ok := s.claims.PortForService(service)
	if !ok {
		writeProxyError(w, http.StatusForbidden, "service not exposed by this tunnel")
		return
	}

	id := uuid.NewString()
	ch := s.addPending(id)
	defer s.dropPending(id)

	logger := s.logger.With(slog.String("id", id), slog.String("service", service))

	req := Frame{
		Type:        FrameRequest,
		ID:          id,
		Method:      r.Method,
		Path:        r.URL.RequestURI(),
		Headers:     forwardHeaders(r),
		Port:        port,
		ServiceName: service,
		Timestamp:   stamp(),
	}
	if err := s.sendWait(r.Context(), req); err != nil {
		writeProxyError(w, http.StatusBadGateway, "tunnel disconnected")
		return
	}

	if err := b.streamRequestBody(r, s, id); err != nil {
		logger.Debug("request body forwarding aborted", slog.Any("error", err))
		_ = s.send(CloseFrame(id))
		writeProxyError(w, http.StatusBadGateway, "tunnel disconnected")
		return
	}

	b.streamResponse(w, r, s, id, ch, logger)
}

// streamRequestBody forwards the inbound body as data frames, final on the
// last. An empty body still produces one final frame so the agent knows the
// request is complete.
func (b *Broker) streamRequestBody(r *http.Request, s *session, id string) error {
	buf := make([]byte, bodyChunk)
	for {
		n, err := r.Body.Read(buf)
		if n > 0 {
			final := err == io.EOF
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if sendErr := s.sendWait(r.Context(), DataFrame(id, chunk, final)); sendErr != nil {
				return sendErr
			}
			if final {
				return nil
			}
		}
		if err == io.EOF {
			return s.sendWait(r.Context(), DataFrame(id, nil, true))
		}
		if err != nil {
			return err
		}
	}
}

// streamResponse waits for the agent's response frame, then copies body
// frames through to the client, flushing per frame so server-sent events and
// long polls work through the tunnel.
func (b *Broker) streamResponse(w http.ResponseWriter, r *http.Request, s *session, id string, ch chan Frame, logger *slog.Logger) {
	headerTimer := time.NewTimer(b.headerTimeout)
	defer headerTimer.Stop()

	flusher, _ := w.(http.Flusher)
	headersSent := false

	for {
		select {
		case f := <-ch:
			switch f.Type {
			case FrameResponse:
				if headersSent {
					logger.Debug("duplicate response frame, dropping")
					continue
				}
				for k, v := range f.Headers {
					if _, hop := hopHeaders[http.CanonicalHeaderKey(k)]; hop {
						continue
					}
					w.Header().Set(k, v)
				}
				w.WriteHeader(f.StatusCode)
				headersSent = true
				if flusher != nil {
					flusher.Flush()
				}
				if f.Final {
					return
				}
			case FrameData:
				if !headersSent {
					logger.Debug("data frame before response frame, aborting")
					writeProxyError(w, http.StatusBadGateway, "tunnel protocol error")
					return
				}
				if len(f.Data) > 0 {
					if _, err := w.Write(f.Data); err != nil {
						_ = s.send(CloseFrame(id))
						return
					}
					if flusher != nil {
						flusher.Flush()
					}
				}
				if f.Final {
					return
				}
			case FrameError:
				if !headersSent {
					writeProxyError(w, http.StatusBadGateway, string(f.Data))
					return
				}
				logger.Debug("agent aborted response", slog.String("error", string(f.Data)))
				return
			case FrameClose:
				if !headersSent {
					writeProxyError(w, http.StatusBadGateway, "agent closed the request")
				}
				return
			}
		case <-headerTimer.C:
			if !headersSent {
				_ = s.send(CloseFrame(id))
				writeProxyError(w, http.StatusGatewayTimeout, "agent did not respond in time")
				return
			}
			// Bodies may legitimately stream for longer than the header
			// timeout; only the first frame is deadline-bound.
		case <-r.Context().Done():
			// Client went away; tell the agent to abort its upstream fetch.
			_ = s.send(CloseFrame(id))
			return
		case <-s.closed:
			if !headersSent {
				writeProxyError(w, http.StatusBadGateway, "tunnel disconnected")
			}
			return
		}
	}
}

// sendWait enqueues a frame, blocking for queue space until the context or
// session ends. Body streaming uses this so large transfers get backpressure
// instead of tripping the queue-full close in send.
func (s *session) sendWait(ctx context.Context, f Frame) error {
	select {
	case s.outbound <- f:
		return nil
	case <-s.closed:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// forwardHeaders flattens the inbound header set for the wire, dropping
// hop-by-hop entries and stamping the standard forwarding headers.
func forwardHeaders(r *http.Request) map[string]string {
	headers := make(map[string]string, len(r.Header)+3)
	for k, values := range r.Header {
		if _, hop := hopHeaders[http.CanonicalHeaderKey(k)]; hop {
			continue
		}
		headers[k] = strings.Join(values, ", ")
	}
	headers["X-Forwarded-Host"] = r.Host
	headers["X-Forwarded-Proto"] = "https"
	if ip, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		headers["X-Forwarded-For"] = ip
	}
	return headers
}

func writeProxyError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
