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
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/workbench/internal/tunnel"
)

func testConn() *conn {
	return &conn{
		outbound:  make(chan tunnel.Frame, outboundBuffer),
		closed:    make(chan struct{}),
		inflight:  make(map[string]*inflight),
		localHost: "127.0.0.1",
	}
}

func testAgent(t *testing.T) *Agent {
	t.Helper()
	return &Agent{
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		local:  &http.Client{},
	}
}

// localPort extracts the port from an httptest server URL.
func localPort(t *testing.T, url string) int {
	t.Helper()
	_, portStr, err := net.SplitHostPort(strings.TrimPrefix(url, "http://"))
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return port
}

// drainFrames collects outbound frames until a final data frame or an error
// frame arrives.
func drainFrames(t *testing.T, c *conn) []tunnel.Frame {
	t.Helper()
	var frames []tunnel.Frame
	for f := range c.outbound {
		frames = append(frames, f)
		if f.Type == tunnel.FrameError {
			return frames
		}
		if f.Type == tunnel.FrameData && f.Final {
			return frames
		}
	}
	return frames
}

func TestProxyRequest_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/items", r.URL.Path)
		assert.Equal(t, "broker.wb.dev", r.Header.Get("X-Forwarded-Host"))
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, "hello", string(body))

		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte("created"))
	}))
	defer srv.Close()

	a := testAgent(t)
	c := testConn()

	f := tunnel.Frame{
		Type:   tunnel.FrameRequest,
		ID:     "req-1",
		Method: http.MethodPost,
		Path:   "/api/items",
		Port:   localPort(t, srv.URL),
		Headers: map[string]string{
			"X-Forwarded-Host": "broker.wb.dev",
		},
	}
	a.proxyRequest(context.Background(), c, f, strings.NewReader("hello"))

	frames := drainFrames(t, c)
	require.NotEmpty(t, frames)

	resp := frames[0]
	assert.Equal(t, tunnel.FrameResponse, resp.Type)
	assert.Equal(t, "req-1", resp.ID)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "text/plain", resp.Headers["Content-Type"])

	var body []byte
	for _, f := range frames[1:] {
		require.Equal(t, tunnel.FrameData, f.Type)
		body = append(body, f.Data...)
	}
	assert.Equal(t, "created", string(body))
	assert.True(t, frames[len(frames)-1].Final)
}

func TestProxyRequest_EmptyBodyStillFinal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	a := testAgent(t)
	c := testConn()

	f := tunnel.Frame{
		Type:   tunnel.FrameRequest,
		ID:     "req-2",
		Method: http.MethodGet,
		Path:   "/",
		Port:   localPort(t, srv.URL),
	}
	a.proxyRequest(context.Background(), c, f, http.NoBody)

	frames := drainFrames(t, c)
	require.Len(t, frames, 2)
	assert.Equal(t, tunnel.FrameResponse, frames[0].Type)
	assert.Equal(t, http.StatusNoContent, frames[0].StatusCode)
	assert.Equal(t, tunnel.FrameData, frames[1].Type)
	assert.True(t, frames[1].Final)
	assert.Empty(t, frames[1].Data)
}

func TestProxyRequest_UnreachableServiceIs502(t *testing.T) {
	a := testAgent(t)
	c := testConn()

	// Reserve a port, then close it so nothing is listening.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	f := tunnel.Frame{
		Type:   tunnel.FrameRequest,
		ID:     "req-3",
		Method: http.MethodGet,
		Path:   "/",
		Port:   port,
	}
	a.proxyRequest(context.Background(), c, f, http.NoBody)

	frames := drainFrames(t, c)
	require.Len(t, frames, 2)
	assert.Equal(t, tunnel.FrameResponse, frames[0].Type)
	assert.Equal(t, http.StatusBadGateway, frames[0].StatusCode)
	assert.Contains(t, string(frames[1].Data), "unreachable")
	assert.True(t, frames[1].Final)
}

func TestConn_FeedBodyAndAbort(t *testing.T) {
	c := testConn()

	pr, pw := io.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	c.register("req-4", &inflight{cancel: cancel, body: pw})

	go func() {
		c.feedBody(tunnel.Frame{Type: tunnel.FrameData, ID: "req-4", Data: []byte("part1")})
		c.feedBody(tunnel.Frame{Type: tunnel.FrameData, ID: "req-4", Data: []byte("part2"), Final: true})
	}()

	body, err := io.ReadAll(pr)
	require.NoError(t, err)
	assert.Equal(t, "part1part2", string(body))

	// Frames for unknown ids are dropped without effect.
	c.feedBody(tunnel.Frame{Type: tunnel.FrameData, ID: "ghost", Data: []byte("x")})

	// Abort cancels the request context.
	pr2, pw2 := io.Pipe()
	ctx, cancel = context.WithCancel(context.Background())
	c.register("req-5", &inflight{cancel: cancel, body: pw2})
	c.abort("req-5")
	<-ctx.Done()
	_, err = io.ReadAll(pr2)
	assert.Error(t, err)
}

func TestConn_CloseCancelsInflight(t *testing.T) {
	c := testConn()

	_, pw := io.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	c.register("req-6", &inflight{cancel: cancel, body: pw})

	c.close()
	<-ctx.Done()

	c.mu.Lock()
	assert.Empty(t, c.inflight)
	c.mu.Unlock()
}
