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

// Package deviceauth implements the device-code login flow the tunnel agent
// uses to obtain its long-lived token. Sessions live only in the shared KV
// store so any daemon replica can serve any step, and exchange consumes the
// session atomically so a code is redeemed at most once.
package deviceauth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tombee/workbench/internal/auth"
	"github.com/tombee/workbench/internal/kv"
	wberrors "github.com/tombee/workbench/pkg/errors"
)

// Session statuses.
const (
	StatusPending  = "pending"
	StatusApproved = "approved"
	StatusDenied   = "denied"
	StatusExpired  = "expired"
	StatusSlowDown = "slow_down"
)

// Flow parameters.
const (
	// SessionTTL is how long an unapproved device code stays valid.
	SessionTTL = 10 * time.Minute

	// PollInterval is the minimum seconds between agent polls.
	PollInterval = 5 * time.Second
)

// userCodeAlphabet excludes lookalike characters so the code survives being
// read aloud or retyped.
const userCodeAlphabet = "BCDFGHJKLMNPQRSTVWXZ"

type session struct {
	DeviceCode string    `json:"device_code"`
	UserCode   string    `json:"user_code"`
	Status     string    `json:"status"`
	UserID     string    `json:"user_id,omitempty"`
	LastPollAt time.Time `json:"last_poll_at,omitempty"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Start is returned by StartDeviceLogin for the agent to display.
type Start struct {
	DeviceCode      string    `json:"device_code"`
	UserCode        string    `json:"user_code"`
	VerificationURI string    `json:"verification_uri"`
	ExpiresAt       time.Time `json:"expires_at"`

	// Interval is the minimum seconds between polls.
	Interval int64 `json:"interval"`
}

// PollResult is the outcome of one poll. Token is set only when Status is
// approved and the code has been exchanged.
type PollResult struct {
	Status string `json:"status"`
}

// Config assembles a Service.
type Config struct {
	KV     kv.Store
	Signer *auth.Signer

	// PublicURL is the browser-facing base URL used to build the
	// verification URI.
	PublicURL string

	Logger *slog.Logger

	// Now overrides the clock. Used by tests.
	Now func() time.Time
}

// Service runs the device-code login flow.
type Service struct {
	kv        kv.Store
	signer    *auth.Signer
	publicURL string
	logger    *slog.Logger
	now       func() time.Time
}

// New creates a device-auth service.
func New(cfg Config) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		kv:        cfg.KV,
		signer:    cfg.Signer,
		publicURL: cfg.PublicURL,
		logger:    logger.With(slog.String("component", "deviceauth")),
		now:       now,
	}
}

// StartDeviceLogin creates a pending session and returns the codes. The
// device code is the agent's secret; the user code is what the developer
// types into the approval page.
func (s *Service) StartDeviceLogin(ctx context.Context) (*Start, error) {
	deviceCode, err := randomToken(32)
	if err != nil {
		return nil, fmt.Errorf("failed to generate device code: %w", err)
	}
	userCode, err := generateUserCode()
	if err != nil {
		return nil, fmt.Errorf("failed to generate user code: %w", err)
	}

	sess := session{
		DeviceCode: deviceCode,
		UserCode:   userCode,
		Status:     StatusPending,
		ExpiresAt:  s.now().Add(SessionTTL).UTC(),
	}
	if err := s.putSession(ctx, &sess); err != nil {
		return nil, err
	}
	// Secondary index so approval can find the session by user code alone.
	if err := s.kv.Set(ctx, userCodeKey(userCode), []byte(deviceCode), SessionTTL); err != nil {
		return nil, err
	}

	s.logger.Info("device login started", slog.String("user_code", userCode))

	return &Start{
		DeviceCode:      deviceCode,
		UserCode:        userCode,
		VerificationURI: s.publicURL + "/device",
		ExpiresAt:       sess.ExpiresAt,
		Interval:        int64(PollInterval.Seconds()),
	}, nil
}

// Approve binds a pending session to the approving user. Called from a
// session-authenticated browser endpoint, so userID is trusted.
func (s *Service) Approve(ctx context.Context, userCode, userID string) error {
	return s.resolve(ctx, userCode, StatusApproved, userID)
}

// Deny marks a pending session denied.
func (s *Service) Deny(ctx context.Context, userCode string) error {
	return s.resolve(ctx, userCode, StatusDenied, "")
}

func (s *Service) resolve(ctx context.Context, userCode, status, userID string) error {
	raw, err := s.kv.Get(ctx, userCodeKey(userCode))
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return &wberrors.NotFoundError{Resource: "device login", ID: userCode}
		}
		return err
	}
	sess, err := s.getSession(ctx, string(raw))
	if err != nil {
		return err
	}
	if sess.Status != StatusPending {
		return &wberrors.ConflictError{
			Resource: "device login",
			Message:  fmt.Sprintf("login is already %s", sess.Status),
		}
	}
	sess.Status = status
	sess.UserID = userID
	if err := s.putSession(ctx, sess); err != nil {
		return err
	}
	s.logger.Info("device login resolved",
		slog.String("user_code", userCode),
		slog.String("status", status))
	return nil
}

// Poll reports the session's status. Polls arriving sooner than the minimum
// interval get slow_down without touching the status; RFC 8628 clients back
// off by five seconds on seeing it.
func (s *Service) Poll(ctx context.Context, deviceCode string) (*PollResult, error) {
	sess, err := s.getSession(ctx, deviceCode)
	if err != nil {
		var notFound *wberrors.NotFoundError
		if errors.As(err, &notFound) {
			// The KV entry expired with the session TTL.
			return &PollResult{Status: StatusExpired}, nil
		}
		return nil, err
	}

	now := s.now()
	if now.After(sess.ExpiresAt) {
		return &PollResult{Status: StatusExpired}, nil
	}
	if !sess.LastPollAt.IsZero() && now.Sub(sess.LastPollAt) < PollInterval {
		return &PollResult{Status: StatusSlowDown}, nil
	}
	sess.LastPollAt = now
	if err := s.putSession(ctx, sess); err != nil {
		return nil, err
	}
	return &PollResult{Status: sess.Status}, nil
}

// Exchange consumes an approved session and mints the agent token. GetDel
// makes redemption atomic: of two racing exchanges exactly one wins, the
// other sees not-found.
func (s *Service) Exchange(ctx context.Context, deviceCode string) (string, error) {
	raw, err := s.kv.GetDel(ctx, deviceCodeKey(deviceCode))
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return "", &wberrors.UnauthorizedError{Reason: "device code is invalid, expired, or already redeemed"}
		}
		return "", err
	}
	var sess session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return "", fmt.Errorf("failed to decode device session: %w", err)
	}

	if s.now().After(sess.ExpiresAt) {
		return "", &wberrors.UnauthorizedError{Reason: "device code expired"}
	}
	if sess.Status != StatusApproved {
		return "", &wberrors.UnauthorizedError{
			Reason: fmt.Sprintf("device login is %s, not approved", sess.Status),
		}
	}

	_ = s.kv.Delete(ctx, userCodeKey(sess.UserCode))

	token, err := s.signer.MintAgentToken(sess.UserID)
	if err != nil {
		return "", err
	}
	s.logger.Info("device login exchanged",
		slog.String("user_code", sess.UserCode),
		slog.String("user_id", sess.UserID))
	return token, nil
}

func (s *Service) getSession(ctx context.Context, deviceCode string) (*session, error) {
	raw, err := s.kv.Get(ctx, deviceCodeKey(deviceCode))
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil, &wberrors.NotFoundError{Resource: "device login", ID: deviceCode}
		}
		return nil, err
	}
	var sess session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return nil, fmt.Errorf("failed to decode device session: %w", err)
	}
	return &sess, nil
}

func (s *Service) putSession(ctx context.Context, sess *session) error {
	raw, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("failed to encode device session: %w", err)
	}
	ttl := sess.ExpiresAt.Sub(s.now())
	if ttl <= 0 {
		ttl = time.Second
	}
	return s.kv.Set(ctx, deviceCodeKey(sess.DeviceCode), raw, ttl)
}

func deviceCodeKey(code string) string { return "device:code:" + code }
func userCodeKey(code string) string   { return "device:user:" + code }

// randomToken returns n bytes of randomness, base64url encoded.
func randomToken(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// generateUserCode produces a short code like "BCDF-GHJK".
func generateUserCode() (string, error) {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	code := make([]byte, 0, 9)
	for i, b := range buf {
		if i == 4 {
			code = append(code, '-')
		}
		code = append(code, userCodeAlphabet[int(b)%len(userCodeAlphabet)])
	}
	return string(code), nil
}
