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

// Package agent is the local side of the workspace tunnel. It keeps one
// WebSocket connection to the broker alive, announces the ports listed in
// workbench.yaml, and serves forwarded requests against local services.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gorilla/websocket"

	"github.com/tombee/workbench/internal/client"
	"github.com/tombee/workbench/internal/tunnel"
)

const (
	defaultInitialBackoff = 1 * time.Second
	defaultMaxBackoff     = 30 * time.Second

	// stablePeriod is how long a connection must live before the next
	// reconnect starts from the initial backoff again.
	stablePeriod = 60 * time.Second

	defaultWriteTimeout = 10 * time.Second

	// readIdleTimeout closes connections that go silent. The broker pings
	// every few seconds, so a quiet socket this long is dead.
	readIdleTimeout = 30 * time.Second

	// outboundBuffer bounds frames queued for the writer. Response
	// streaming blocks for space, so a slow broker applies backpressure
	// instead of growing memory.
	outboundBuffer = 64
)

// Config configures the tunnel agent.
type Config struct {
	// Client calls the workbench API to mint tunnel tokens. Its bearer
	// token must be a long-lived agent token.
	Client *client.Client

	// ConfigPath is the workbench.yaml location, watched for changes.
	ConfigPath string

	// Workspace overrides the workspace named in the config file.
	Workspace string

	Logger *slog.Logger

	// InitialBackoff and MaxBackoff tune the reconnect schedule; zero
	// values take the defaults.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// Agent supervises the tunnel connection.
type Agent struct {
	client     *client.Client
	configPath string
	workspace  string
	logger     *slog.Logger

	initialBackoff time.Duration
	maxBackoff     time.Duration

	// local serves the forwarded requests. No global timeout; forwarded
	// requests are bounded by broker-side deadlines and close frames.
	local *http.Client
}

// New creates a tunnel agent.
func New(cfg Config) (*Agent, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("agent: client is required")
	}
	if cfg.ConfigPath == "" {
		cfg.ConfigPath = DefaultConfigFile
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = defaultInitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaultMaxBackoff
	}

	return &Agent{
		client:         cfg.Client,
		configPath:     cfg.ConfigPath,
		workspace:      cfg.Workspace,
		logger:         cfg.Logger,
		initialBackoff: cfg.InitialBackoff,
		maxBackoff:     cfg.MaxBackoff,
		local:          &http.Client{},
	}, nil
}

// Run connects and serves until ctx is cancelled, reconnecting with
// exponential backoff and jitter on every drop. The backoff resets once a
// connection survives the stable period.
func (a *Agent) Run(ctx context.Context) error {
	backoff := a.initialBackoff

	for {
		started := time.Now()
		err := a.runOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			a.logger.Warn("tunnel connection lost", slog.Any("error", err))
		}

		if time.Since(started) >= stablePeriod {
			backoff = a.initialBackoff
		}

		wait := jitter(backoff)
		a.logger.Info("reconnecting", slog.Duration("in", wait.Round(time.Millisecond)))
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}

		backoff *= 2
		if backoff > a.maxBackoff {
			backoff = a.maxBackoff
		}
	}
}

// runOnce performs one full connection cycle: load config, mint a token,
// dial, announce ports, serve frames until the connection dies.
func (a *Agent) runOnce(ctx context.Context) error {
	cfg, err := LoadTunnelConfig(a.configPath)
	if err != nil {
		return err
	}

	workspace := a.workspace
	if workspace == "" {
		workspace = cfg.Workspace
	}
	if workspace == "" {
		return fmt.Errorf("no workspace configured (set workspace in %s or pass --workspace)", a.configPath)
	}

	minted, err := a.client.MintAgentTunnelToken(ctx, workspace, cfg.Ports())
	if err != nil {
		return fmt.Errorf("failed to mint tunnel token: %w", err)
	}

	wsURL, err := brokerURL(a.client.BaseURL(), minted.Token)
	if err != nil {
		return err
	}

	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, wsURL, nil)
	cancel()
	if err != nil {
		return fmt.Errorf("failed to dial broker: %w", err)
	}

	a.logger.Info("tunnel connected",
		slog.String("workspace", workspace),
		slog.String("subdomain", minted.Subdomain),
		slog.Int("services", len(cfg.Expose)))

	return a.serve(ctx, conn, cfg)
}

// serve owns one live connection. It splits into a writer goroutine, a
// config watcher, and the read loop; the first failure tears all of them
// down and cancels every in-flight request.
func (a *Agent) serve(ctx context.Context, ws *websocket.Conn, cfg *TunnelConfig) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c := &conn{
		ws:        ws,
		outbound:  make(chan tunnel.Frame, outboundBuffer),
		closed:    make(chan struct{}),
		inflight:  make(map[string]*inflight),
		localHost: cfg.LocalHost,
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		a.writeLoop(c)
	}()
	go func() {
		defer wg.Done()
		a.watchConfig(ctx, c)
	}()

	// Announce ports immediately; the broker flips the workspace to
	// running on the first open frame.
	err := c.send(ctx, tunnel.OpenFrame(cfg.PrimaryPort(), cfg.ExposedPorts()))
	if err == nil {
		err = a.readLoop(ctx, c)
	}

	// Tear down in order: stop spawning work, close the connection so the
	// writer and watcher exit, then wait for them.
	cancel()
	c.close()
	wg.Wait()
	return err
}

// readLoop consumes broker frames until the connection dies.
func (a *Agent) readLoop(ctx context.Context, c *conn) error {
	for {
		_ = c.ws.SetReadDeadline(time.Now().Add(readIdleTimeout))
		var f tunnel.Frame
		if err := c.ws.ReadJSON(&f); err != nil {
			return err
		}

		if err := f.Validate(); err != nil {
			// Unknown frames are dropped, the connection survives.
			a.logger.Debug("dropping frame", slog.String("type", string(f.Type)), slog.Any("error", err))
			continue
		}

		switch f.Type {
		case tunnel.FramePing:
			if err := c.send(ctx, tunnel.Frame{Type: tunnel.FramePong, Timestamp: time.Now().UnixMilli()}); err != nil {
				return err
			}
		case tunnel.FramePong:
			// Broker answered one of our pings; the read deadline reset
			// above is all the bookkeeping needed.
		case tunnel.FrameRequest:
			a.handleRequest(ctx, c, f)
		case tunnel.FrameData:
			c.feedBody(f)
		case tunnel.FrameClose:
			c.abort(f.ID)
		case tunnel.FrameError:
			a.logger.Warn("broker error", slog.String("message", string(f.Data)))
		default:
			a.logger.Debug("dropping unexpected frame", slog.String("type", string(f.Type)))
		}
	}
}

// writeLoop owns all writes to the connection.
func (a *Agent) writeLoop(c *conn) {
	for {
		select {
		case f := <-c.outbound:
			_ = c.ws.SetWriteDeadline(time.Now().Add(defaultWriteTimeout))
			if err := c.ws.WriteJSON(f); err != nil {
				a.logger.Debug("tunnel write error", slog.Any("error", err))
				c.close()
				return
			}
		case <-c.closed:
			return
		}
	}
}

// watchConfig re-announces ports when workbench.yaml changes. Editors often
// replace files on save, so the path is re-added after rename/remove events.
func (a *Agent) watchConfig(ctx context.Context, c *conn) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		a.logger.Warn("config watch unavailable", slog.Any("error", err))
		return
	}
	defer watcher.Close()

	if err := watcher.Add(a.configPath); err != nil {
		a.logger.Warn("config watch unavailable", slog.Any("error", err))
		return
	}

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Rename) || event.Has(fsnotify.Remove) {
				// Wait for the replacement file to land, then re-watch.
				time.Sleep(100 * time.Millisecond)
				_ = watcher.Add(a.configPath)
			} else if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}

			cfg, err := LoadTunnelConfig(a.configPath)
			if err != nil {
				a.logger.Warn("ignoring invalid config change", slog.Any("error", err))
				continue
			}
			c.setHost(cfg.LocalHost)
			if err := c.send(ctx, tunnel.OpenFrame(cfg.PrimaryPort(), cfg.ExposedPorts())); err != nil {
				return
			}
			a.logger.Info("ports re-announced", slog.Int("services", len(cfg.Expose)))
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			a.logger.Debug("config watch error", slog.Any("error", err))
		case <-ctx.Done():
			return
		case <-c.closed:
			return
		}
	}
}

// brokerURL converts the API base URL into the broker's WebSocket endpoint.
func brokerURL(base, token string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid server url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("invalid server url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	u.RawQuery = url.Values{"token": {token}}.Encode()
	return u.String(), nil
}

// jitter spreads reconnects so a broker restart is not met by every agent
// at once.
func jitter(d time.Duration) time.Duration {
	return d + time.Duration(rand.Int63n(int64(d)/2+1))
}
