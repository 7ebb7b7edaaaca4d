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

package agent

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/tombee/workbench/internal/tunnel"
)

// bodyChunk matches the broker's per-frame body slice.
const bodyChunk = 32 * 1024

// conn is one live broker connection with its in-flight request registry.
type conn struct {
	ws       *websocket.Conn
	outbound chan tunnel.Frame

	closed    chan struct{}
	closeOnce sync.Once

	mu        sync.Mutex
	inflight  map[string]*inflight
	localHost string
}

// inflight tracks one forwarded request being served locally.
type inflight struct {
	cancel context.CancelFunc

	// body receives the request body chunks streamed after the request
	// frame.
	body *io.PipeWriter
}

// send enqueues a frame, blocking for space so response streaming gets
// backpressure from a slow broker instead of unbounded memory.
func (c *conn) send(ctx context.Context, f tunnel.Frame) error {
	select {
	case c.outbound <- f:
		return nil
	case <-c.closed:
		return tunnel.ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		if c.ws != nil {
			_ = c.ws.Close()
		}

		// Every in-flight request dies with the connection.
		c.mu.Lock()
		for id, rq := range c.inflight {
			rq.cancel()
			_ = rq.body.CloseWithError(tunnel.ErrSessionClosed)
			delete(c.inflight, id)
		}
		c.mu.Unlock()
	})
}

// register adds an in-flight request; unregister drops it once its response
// is fully sent or aborted.
func (c *conn) register(id string, rq *inflight) {
	c.mu.Lock()
	c.inflight[id] = rq
	c.mu.Unlock()
}

func (c *conn) unregister(id string) {
	c.mu.Lock()
	delete(c.inflight, id)
	c.mu.Unlock()
}

// feedBody routes a data frame to the request reading that body. Chunks for
// unknown ids (aborted requests) are dropped.
func (c *conn) feedBody(f tunnel.Frame) {
	c.mu.Lock()
	rq := c.inflight[f.ID]
	c.mu.Unlock()
	if rq == nil {
		return
	}
	if len(f.Data) > 0 {
		if _, err := rq.body.Write(f.Data); err != nil {
			return
		}
	}
	if f.Final {
		_ = rq.body.Close()
	}
}

// abort cancels one forwarded request after a close frame.
func (c *conn) abort(id string) {
	c.mu.Lock()
	rq := c.inflight[id]
	c.mu.Unlock()
	if rq == nil {
		return
	}
	rq.cancel()
	_ = rq.body.CloseWithError(fmt.Errorf("request %s closed by broker", id))
}

func (c *conn) host() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.localHost
}

func (c *conn) setHost(host string) {
	c.mu.Lock()
	c.localHost = host
	c.mu.Unlock()
}

// handleRequest spawns a goroutine proxying one forwarded request to the
// local service it names. Frames stay ordered per id; separate ids proceed
// independently.
func (a *Agent) handleRequest(ctx context.Context, c *conn, f tunnel.Frame) {
	reqCtx, cancel := context.WithCancel(ctx)
	pr, pw := io.Pipe()
	c.register(f.ID, &inflight{cancel: cancel, body: pw})

	go func() {
		defer cancel()
		defer c.unregister(f.ID)
		a.proxyRequest(reqCtx, c, f, pr)
	}()
}

// proxyRequest performs the local fetch and streams the response back as a
// response frame followed by data frames. Local failures become a 502 with
// a JSON error body, mirroring what the broker serves when no agent is
// connected.
func (a *Agent) proxyRequest(ctx context.Context, c *conn, f tunnel.Frame, body io.Reader) {
	target := fmt.Sprintf("http://%s:%d%s", c.host(), f.Port, f.Path)
	req, err := http.NewRequestWithContext(ctx, f.Method, target, body)
	if err != nil {
		a.sendLocalError(ctx, c, f.ID, fmt.Sprintf("invalid request: %v", err))
		return
	}
	for k, v := range f.Headers {
		req.Header.Set(k, v)
	}

	resp, err := a.local.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			// Cancelled by a close frame or connection loss; nobody is
			// listening for a response.
			return
		}
		a.sendLocalError(ctx, c, f.ID, fmt.Sprintf("local service unreachable on port %d", f.Port))
		return
	}
	defer resp.Body.Close()

	headers := make(map[string]string, len(resp.Header))
	for k, values := range resp.Header {
		headers[k] = strings.Join(values, ", ")
	}
	if err := c.send(ctx, tunnel.Frame{
		Type:       tunnel.FrameResponse,
		ID:         f.ID,
		StatusCode: resp.StatusCode,
		Headers:    headers,
	}); err != nil {
		return
	}

	a.streamResponseBody(ctx, c, f.ID, resp.Body)
}

// streamResponseBody copies the local response through as data frames,
// final on the last. An empty body still produces a lone final frame.
func (a *Agent) streamResponseBody(ctx context.Context, c *conn, id string, body io.Reader) {
	buf := make([]byte, bodyChunk)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			final := err == io.EOF
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if sendErr := c.send(ctx, tunnel.DataFrame(id, chunk, final)); sendErr != nil {
				return
			}
			if final {
				return
			}
		}
		if err == io.EOF {
			_ = c.send(ctx, tunnel.DataFrame(id, nil, true))
			return
		}
		if err != nil {
			a.logger.Debug("local response aborted", slog.String("id", id), slog.Any("error", err))
			_ = c.send(ctx, tunnel.ErrorFrame(id, "local service aborted the response"))
			return
		}
	}
}

// sendLocalError reports an upstream failure as a 502 with a JSON body.
func (a *Agent) sendLocalError(ctx context.Context, c *conn, id, message string) {
	if err := c.send(ctx, tunnel.Frame{
		Type:       tunnel.FrameResponse,
		ID:         id,
		StatusCode: http.StatusBadGateway,
		Headers:    map[string]string{"Content-Type": "application/json"},
	}); err != nil {
		return
	}
	payload := fmt.Sprintf(`{"error":%q}`, message)
	_ = c.send(ctx, tunnel.DataFrame(id, []byte(payload), true))
}
