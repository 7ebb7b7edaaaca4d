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

// Package auth provides authentication for the daemon API: opaque session
// tokens backed by the store, scoped JWTs for workspaces, tunnels and
// agents, a shared internal key for service-to-service calls, and HMAC
// signature verification for webhooks.
package auth

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/tombee/workbench/internal/store"
)

// contextKey is a private type for context keys to avoid collisions.
type contextKey string

const (
	userContextKey   contextKey = "user"
	claimsContextKey contextKey = "claims"
)

// UserFromContext extracts the authenticated user from the request context.
func UserFromContext(ctx context.Context) (*store.User, bool) {
	user, ok := ctx.Value(userContextKey).(*store.User)
	return user, ok
}

// ContextWithUser returns a new context with the given user.
// This is primarily for testing purposes.
func ContextWithUser(ctx context.Context, user *store.User) context.Context {
	return context.WithValue(ctx, userContextKey, user)
}

// ClaimsFromContext extracts verified JWT claims from the request context.
func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(claimsContextKey).(*Claims)
	return claims, ok
}

// ContextWithClaims returns a new context with the given claims.
func ContextWithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, claimsContextKey, claims)
}

// Config contains authentication configuration.
type Config struct {
	// Sessions resolves opaque session tokens.
	Sessions store.SessionStore

	// Users loads the user behind a session.
	Users store.UserStore

	// Signer verifies scoped JWTs.
	Signer *Signer

	// InternalKey authenticates service-to-service calls. Empty disables
	// internal endpoints entirely.
	InternalKey string

	// WebhookSecret signs inbound webhook payloads. WebhookSecretSecondary
	// is accepted during secret rotation.
	WebhookSecret          string
	WebhookSecretSecondary string

	// RateLimit is the per-user request limiter. Nil disables limiting.
	RateLimit *UserRateLimiter

	// Logger for audit logging.
	Logger *slog.Logger
}

// Authenticator provides authentication middleware for the daemon API.
type Authenticator struct {
	sessions         store.SessionStore
	users            store.UserStore
	signer           *Signer
	internalKey      []byte
	webhookSecret    []byte
	webhookSecondary []byte
	limiter          *UserRateLimiter
	logger           *slog.Logger
}

// New creates a new authenticator.
func New(cfg Config) *Authenticator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	a := &Authenticator{
		sessions: cfg.Sessions,
		users:    cfg.Users,
		signer:   cfg.Signer,
		limiter:  cfg.RateLimit,
		logger:   logger,
	}
	if cfg.InternalKey != "" {
		a.internalKey = []byte(cfg.InternalKey)
	}
	if cfg.WebhookSecret != "" {
		a.webhookSecret = []byte(cfg.WebhookSecret)
	}
	if cfg.WebhookSecretSecondary != "" {
		a.webhookSecondary = []byte(cfg.WebhookSecretSecondary)
	}
	return a
}

// RequireSession wraps a handler so only requests carrying a valid session
// token reach it. The resolved user is attached to the request context.
func (a *Authenticator) RequireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			a.unauthorized(w, "authentication required")
			return
		}

		user, err := a.ResolveSession(r.Context(), token)
		if err != nil {
			a.unauthorized(w, "invalid or expired session")
			return
		}

		if !a.limiter.Allow(user.ID) {
			rateLimited(w)
			return
		}

		ctx := ContextWithUser(r.Context(), user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ResolveSession resolves an opaque session token to its user. Expired
// sessions are deleted on sight rather than waiting for the reaper. Also
// serves the internal validate-session endpoint the edge proxy calls.
func (a *Authenticator) ResolveSession(ctx context.Context, token string) (*store.User, error) {
	session, err := a.sessions.GetSession(ctx, TokenHash(token))
	if err != nil {
		return nil, fmt.Errorf("session lookup: %w", err)
	}
	if time.Now().After(session.ExpiresAt) {
		_ = a.sessions.DeleteSession(ctx, session.TokenHash)
		return nil, fmt.Errorf("session expired")
	}
	user, err := a.users.GetUser(ctx, session.UserID)
	if err != nil {
		return nil, fmt.Errorf("session user lookup: %w", err)
	}
	return user, nil
}

// RequireAdmin wraps a handler so only admin users reach it. Must run after
// RequireSession.
func (a *Authenticator) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, ok := UserFromContext(r.Context())
		if !ok {
			a.unauthorized(w, "authentication required")
			return
		}
		if user.Role != store.RoleAdmin {
			writeAuthError(w, http.StatusForbidden, "forbidden", "admin role required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireScope wraps a handler so only requests carrying a JWT granting the
// given scope reach it. The verified claims are attached to the request
// context.
func (a *Authenticator) RequireScope(scope string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			a.unauthorized(w, "authentication required")
			return
		}

		claims, err := a.signer.Verify(token)
		if err != nil {
			a.logger.Debug("token verification failed", "error", err)
			a.unauthorized(w, "invalid token")
			return
		}
		if !HasScope(claims.Scopes, scope) {
			writeAuthError(w, http.StatusForbidden, "forbidden",
				fmt.Sprintf("token does not grant %s", scope))
			return
		}

		if !a.limiter.Allow(claims.UserID) {
			rateLimited(w)
			return
		}

		ctx := ContextWithClaims(r.Context(), claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireInternalKey wraps a handler so only requests carrying the shared
// internal key reach it. Fails closed when no key is configured.
func (a *Authenticator) RequireInternalKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(a.internalKey) == 0 {
			a.unauthorized(w, "internal endpoints disabled")
			return
		}
		provided := r.Header.Get("X-Internal-Key")
		if subtle.ConstantTimeCompare([]byte(provided), a.internalKey) != 1 {
			a.unauthorized(w, "invalid internal key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// VerifyWebhook verifies an inbound webhook's HMAC-SHA256 signature.
// Expects X-Webhook-Signature header with format: sha256=<hex-signature>.
// The secondary secret, when configured, is accepted so secrets can rotate
// without dropping deliveries.
func (a *Authenticator) VerifyWebhook(r *http.Request, body []byte) error {
	if len(a.webhookSecret) == 0 {
		return fmt.Errorf("webhook secret not configured")
	}

	signature := r.Header.Get("X-Webhook-Signature")
	if signature == "" {
		return fmt.Errorf("missing X-Webhook-Signature header")
	}
	signature = strings.TrimPrefix(signature, "sha256=")

	if verifyHMAC(body, signature, a.webhookSecret) {
		return nil
	}
	if len(a.webhookSecondary) > 0 && verifyHMAC(body, signature, a.webhookSecondary) {
		return nil
	}
	return fmt.Errorf("signature mismatch")
}

// SignWebhook computes the signature header value for a payload. Used by
// the dispatcher when calling out and by tests.
func SignWebhook(body, secret []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func verifyHMAC(body []byte, signature string, secret []byte) bool {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	// Constant-time comparison to prevent timing attacks
	return hmac.Equal([]byte(signature), []byte(expected))
}

// GenerateSessionToken generates a new opaque session token. Only its hash
// is ever persisted.
func GenerateSessionToken() (string, error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return "wbk_" + hex.EncodeToString(bytes), nil
}

// TokenHash returns the hex SHA-256 digest stored in place of a session
// token.
func TokenHash(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// bearerToken extracts the bearer token from the Authorization header.
func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

func (a *Authenticator) unauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	writeAuthError(w, http.StatusUnauthorized, "unauthorized", message)
}

func rateLimited(w http.ResponseWriter) {
	w.Header().Set("Retry-After", "1")
	writeAuthError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded")
}

func writeAuthError(w http.ResponseWriter, status int, errType, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{
			"type":    errType,
			"message": message,
		},
	})
}
