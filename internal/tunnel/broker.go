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
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tombee/workbench/internal/auth"
	"github.com/tombee/workbench/internal/metrics"
	"github.com/tombee/workbench/internal/store"
)

// Broker tuning defaults.
const (
	DefaultPingInterval   = 3 * time.Second
	DefaultMaxMissedPongs = 3
	DefaultAuthTimeout    = 5 * time.Second
	DefaultWriteTimeout   = 10 * time.Second
	DefaultHeaderTimeout  = 30 * time.Second

	// outboundBuffer bounds the per-session write queue. A session that
	// cannot drain this many frames is closed rather than allowed to stall
	// every request multiplexed over it.
	outboundBuffer = 256

	// pendingBuffer bounds the frames queued for one in-flight request id.
	pendingBuffer = 64
)

// ErrSessionClosed is returned when a frame is sent on a closed session.
var ErrSessionClosed = errors.New("tunnel: session closed")

// WorkspaceService is the slice of the workspace orchestrator the broker
// needs: recording port announcements, which also promotes a pending local
// workspace to running.
type WorkspaceService interface {
	UpdatePorts(ctx context.Context, id string, localPort int, ports map[string]store.ExposedPort) (*store.Workspace, error)
}

// Config configures a Broker.
type Config struct {
	// Signer verifies tunnel JWTs presented by connecting agents.
	Signer *auth.Signer

	// Workspaces records port announcements.
	Workspaces WorkspaceService

	// BaseDomain is the public suffix requests arrive under, for example
	// "wb.dev" for workspaces at <subdomain>.wb.dev.
	BaseDomain string

	// PingInterval is how often the broker pings each agent. An agent that
	// misses MaxMissedPongs replies in a row is disconnected.
	PingInterval   time.Duration
	MaxMissedPongs int

	// AuthTimeout bounds how long a connection may sit unauthenticated when
	// the token comes as an auth frame instead of the connect URL.
	AuthTimeout time.Duration

	// WriteTimeout bounds each frame write.
	WriteTimeout time.Duration

	// ResponseHeaderTimeout bounds the wait for the agent's response frame
	// after the request has been fully forwarded.
	ResponseHeaderTimeout time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Collector
}

// Broker owns the live agent sessions and bridges public HTTP requests onto
// them. One session is live per workspace; a newer connection replaces an
// older one.
type Broker struct {
	signer     *auth.Signer
	workspaces WorkspaceService
	baseDomain string

	pingInterval  time.Duration
	maxMissed     int
	authTimeout   time.Duration
	writeTimeout  time.Duration
	headerTimeout time.Duration

	upgrader websocket.Upgrader
	logger   *slog.Logger
	metrics  *metrics.Collector

	mu          sync.RWMutex
	byWorkspace map[string]*session
	bySubdomain map[string]*session
}

// NewBroker creates a broker.
func NewBroker(cfg Config) (*Broker, error) {
	if cfg.Signer == nil {
		return nil, errors.New("tunnel: signer is required")
	}
	if cfg.Workspaces == nil {
		return nil, errors.New("tunnel: workspace service is required")
	}
	if cfg.BaseDomain == "" {
		return nil, errors.New("tunnel: base domain is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.NewNopCollector()
	}
	b := &Broker{
		signer:        cfg.Signer,
		workspaces:    cfg.Workspaces,
		baseDomain:    cfg.BaseDomain,
		pingInterval:  cfg.PingInterval,
		maxMissed:     cfg.MaxMissedPongs,
		authTimeout:   cfg.AuthTimeout,
		writeTimeout:  cfg.WriteTimeout,
		headerTimeout: cfg.ResponseHeaderTimeout,
		upgrader: websocket.Upgrader{
			// The agent is a CLI, not a browser; origin checks do not apply.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger:      logger.With(slog.String("component", "tunnel")),
		metrics:     m,
		byWorkspace: make(map[string]*session),
		bySubdomain: make(map[string]*session),
	}
	if b.pingInterval <= 0 {
		b.pingInterval = DefaultPingInterval
	}
	if b.maxMissed <= 0 {
		b.maxMissed = DefaultMaxMissedPongs
	}
	if b.authTimeout <= 0 {
		b.authTimeout = DefaultAuthTimeout
	}
	if b.writeTimeout <= 0 {
		b.writeTimeout = DefaultWriteTimeout
	}
	if b.headerTimeout <= 0 {
		b.headerTimeout = DefaultHeaderTimeout
	}
	return b, nil
}

// session is one live agent connection.
type session struct {
	conn    *websocket.Conn
	claims  *auth.Claims
	logger  *slog.Logger
	metrics *metrics.Collector

	outbound chan Frame

	pendingMu sync.Mutex
	pending   map[string]chan Frame

	// lastPong is unix nanoseconds of the most recent pong.
	lastPong atomic.Int64

	closeOnce sync.Once
	closed    chan struct{}
}

// HandleWS upgrades an agent connection. The tunnel token comes either as
// the token query parameter or, within the auth timeout, as the first frame.
func (b *Broker) HandleWS(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	var claims *auth.Claims
	if token != "" {
		c, err := b.verifyToken(token)
		if err != nil {
			b.logger.Debug("tunnel auth rejected", slog.Any("error", err))
			http.Error(w, "invalid tunnel token", http.StatusUnauthorized)
			return
		}
		claims = c
	}

	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Debug("tunnel upgrade failed", slog.Any("error", err))
		return
	}

	if claims == nil {
		claims, err = b.awaitAuthFrame(conn)
		if err != nil {
			b.logger.Debug("tunnel auth rejected", slog.Any("error", err))
			_ = conn.WriteJSON(ErrorFrame("", "authentication failed"))
			_ = conn.Close()
			return
		}
	}

	s := &session{
		conn: conn,
		claims: claims,
		logger: b.logger.With(
			slog.String("workspace_id", claims.WorkspaceID),
			slog.String("subdomain", claims.Subdomain),
		),
		metrics:  b.metrics,
		outbound: make(chan Frame, outboundBuffer),
		pending:  make(map[string]chan Frame),
		closed:   make(chan struct{}),
	}
	s.lastPong.Store(time.Now().UnixNano())

	b.register(s)
	s.logger.Info("tunnel session connected", slog.String("remote", conn.RemoteAddr().String()))

	go b.writeLoop(s)
	go b.pingLoop(s)
	b.readLoop(s)

	b.unregister(s)
	s.close()
	s.logger.Info("tunnel session closed")
}

// verifyToken checks the signature, scope and shape of a tunnel token.
func (b *Broker) verifyToken(token string) (*auth.Claims, error) {
	claims, err := b.signer.Verify(token)
	if err != nil {
		return nil, err
	}
	if !auth.HasScope(claims.Scopes, auth.ScopeTunnelConnect) {
		return nil, errors.New("token does not grant tunnel:connect")
	}
	if claims.WorkspaceID == "" || claims.Subdomain == "" {
		return nil, errors.New("token missing workspace or subdomain claim")
	}
	return claims, nil
}

// awaitAuthFrame reads the auth frame an agent must send first when the
// connect URL carried no token.
func (b *Broker) awaitAuthFrame(conn *websocket.Conn) (*auth.Claims, error) {
	if err := conn.SetReadDeadline(time.Now().Add(b.authTimeout)); err != nil {
		return nil, err
	}
	defer conn.SetReadDeadline(time.Time{})

	var f Frame
	if err := conn.ReadJSON(&f); err != nil {
		return nil, err
	}
	if f.Type != FrameAuth {
		return nil, errors.New("first frame must be auth")
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return b.verifyToken(f.Token)
}

// register installs a session, replacing and closing any previous session
// for the same workspace.
func (b *Broker) register(s *session) {
	b.mu.Lock()
	old := b.byWorkspace[s.claims.WorkspaceID]
	b.byWorkspace[s.claims.WorkspaceID] = s
	b.bySubdomain[s.claims.Subdomain] = s
	b.mu.Unlock()

	if old != nil {
		old.logger.Info("tunnel session replaced by newer connection")
		old.close()
	}
	b.metrics.TunnelSessionOpened()
}

// unregister removes a session unless it was already replaced.
func (b *Broker) unregister(s *session) {
	b.mu.Lock()
	if b.byWorkspace[s.claims.WorkspaceID] == s {
		delete(b.byWorkspace, s.claims.WorkspaceID)
	}
	if b.bySubdomain[s.claims.Subdomain] == s {
		delete(b.bySubdomain, s.claims.Subdomain)
	}
	b.mu.Unlock()
	b.metrics.TunnelSessionClosed()
}

// sessionFor returns the live session serving a subdomain.
func (b *Broker) sessionFor(subdomain string) (*session, bool) {
	b.mu.RLock()
	s, ok := b.bySubdomain[subdomain]
	b.mu.RUnlock()
	return s, ok
}

// SessionCount reports the number of live agent sessions.
func (b *Broker) SessionCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.byWorkspace)
}

// Shutdown closes every live session.
func (b *Broker) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	sessions := make([]*session, 0, len(b.byWorkspace))
	for _, s := range b.byWorkspace {
		sessions = append(sessions, s)
	}
	b.mu.Unlock()

	for _, s := range sessions {
		s.close()
	}
	return nil
}

// readLoop consumes frames from the agent until the connection dies.
func (b *Broker) readLoop(s *session) {
	for {
		var f Frame
		if err := s.conn.ReadJSON(&f); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("tunnel read error", slog.Any("error", err))
			}
			return
		}

		if err := f.Validate(); err != nil {
			// Unknown or malformed frames are dropped; the connection
			// survives so mixed agent versions keep working.
			s.logger.Debug("dropping frame", slog.String("type", string(f.Type)), slog.Any("error", err))
			continue
		}
		b.metrics.RecordTunnelFrame(context.Background(), string(f.Type), "inbound")

		switch f.Type {
		case FramePong:
			s.lastPong.Store(time.Now().UnixNano())
		case FramePing:
			if err := s.send(Frame{Type: FramePong, Timestamp: stamp()}); err != nil {
				return
			}
		case FrameOpen:
			b.handleOpen(s, f)
		case FrameResponse, FrameData, FrameError, FrameClose:
			s.route(f)
		default:
			// auth after establishment, or frame kinds only the broker
			// emits. Harmless; drop.
			s.logger.Debug("dropping unexpected frame", slog.String("type", string(f.Type)))
		}
	}
}

// handleOpen records a port announcement against the workspace row.
func (b *Broker) handleOpen(s *session, f Frame) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := b.workspaces.UpdatePorts(ctx, s.claims.WorkspaceID, f.Port, f.ExposedPorts); err != nil {
		s.logger.Warn("port announcement rejected", slog.Any("error", err))
		_ = s.send(ErrorFrame("", "port announcement rejected"))
		return
	}
	s.logger.Info("ports announced",
		slog.Int("local_port", f.Port),
		slog.Int("services", len(f.ExposedPorts)))
}

// writeLoop owns all writes to the connection.
func (b *Broker) writeLoop(s *session) {
	for {
		select {
		case f := <-s.outbound:
			_ = s.conn.SetWriteDeadline(time.Now().Add(b.writeTimeout))
			if err := s.conn.WriteJSON(f); err != nil {
				s.logger.Debug("tunnel write error", slog.Any("error", err))
				s.close()
				return
			}
			b.metrics.RecordTunnelFrame(context.Background(), string(f.Type), "outbound")
		case <-s.closed:
			return
		}
	}
}

// pingLoop pings the agent and closes sessions whose pongs stop.
func (b *Broker) pingLoop(s *session) {
	ticker := time.NewTicker(b.pingInterval)
	defer ticker.Stop()

	deadline := time.Duration(b.maxMissed) * b.pingInterval
	for {
		select {
		case <-ticker.C:
			silent := time.Since(time.Unix(0, s.lastPong.Load()))
			if silent > deadline {
				s.logger.Info("tunnel session timed out",
					slog.Duration("silent", silent.Round(time.Millisecond)))
				s.close()
				return
			}
			if err := s.send(Frame{Type: FramePing, Timestamp: stamp()}); err != nil {
				return
			}
		case <-s.closed:
			return
		}
	}
}

// send enqueues a frame for the write loop. A full queue means the agent
// stopped draining; the session is closed rather than left to stall every
// request multiplexed over it.
func (s *session) send(f Frame) error {
	select {
	case <-s.closed:
		return ErrSessionClosed
	default:
	}
	select {
	case s.outbound <- f:
		return nil
	case <-s.closed:
		return ErrSessionClosed
	default:
		s.logger.Warn("tunnel outbound queue full, closing session")
		s.close()
		return ErrSessionClosed
	}
}

// route delivers a request-scoped frame to the goroutine proxying that id.
// Frames for ids nobody is waiting on (cancelled requests, stale replies)
// are dropped.
func (s *session) route(f Frame) {
	s.pendingMu.Lock()
	ch := s.pending[f.ID]
	s.pendingMu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- f:
	default:
		// The proxy reader is not keeping up; abandon the request rather
		// than stall the session read loop.
		s.logger.Warn("pending frame queue full, dropping request", slog.String("id", f.ID))
		s.dropPending(f.ID)
	}
}

// addPending registers a response channel for a fresh request id.
func (s *session) addPending(id string) chan Frame {
	ch := make(chan Frame, pendingBuffer)
	s.pendingMu.Lock()
	s.pending[id] = ch
	s.pendingMu.Unlock()
	return ch
}

// dropPending removes a request id. Safe to call twice.
func (s *session) dropPending(id string) {
	s.pendingMu.Lock()
	delete(s.pending, id)
	s.pendingMu.Unlock()
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		_ = s.conn.Close()
	})
}
