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

package auth

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Token lifetimes. Workspace tokens authenticate git operations from inside
// a workspace, tunnel tokens authenticate a single WebSocket tunnel
// connection, and agent tokens authenticate long-lived autonomous runners.
const (
	WorkspaceTokenTTL = time.Hour
	TunnelTokenTTL    = 10 * time.Minute
	AgentTokenTTL     = 30 * 24 * time.Hour
)

// Scopes carried by minted tokens.
const (
	ScopeGitAll        = "git:*"
	ScopeTunnelConnect = "tunnel:connect"
	ScopeAgentAll      = "agent:*"

	// ScopeAgentMintTunnel is the single capability an agent token is
	// checked for today: redeeming itself for tunnel tokens.
	ScopeAgentMintTunnel = "agent:mint-tunnel-token"
)

// Claims represents the JWT claims for all token kinds.
type Claims struct {
	jwt.RegisteredClaims

	// UserID identifies the user the token acts for.
	UserID string `json:"user_id,omitempty"`

	// WorkspaceID scopes workspace and tunnel tokens to one workspace.
	WorkspaceID string `json:"workspace_id,omitempty"`

	// Subdomain is the public subdomain a tunnel token serves.
	Subdomain string `json:"subdomain,omitempty"`

	// Scopes defines what the token can access.
	Scopes []string `json:"scopes,omitempty"`

	// ExposedPorts maps service names to the workspace ports a tunnel token
	// may serve. An empty map on a tunnel token means no port may be served.
	ExposedPorts map[string]int `json:"exposed_ports,omitempty"`
}

// Signer mints and verifies the daemon's JWTs. All tokens are HS256 signed
// with a shared secret.
type Signer struct {
	secret []byte
	issuer string

	// TunnelTTL overrides the default tunnel token lifetime.
	TunnelTTL time.Duration

	// Leeway tolerates clock skew between daemon replicas when validating
	// exp/nbf claims.
	Leeway time.Duration

	// now is swappable for expiry tests.
	now func() time.Time
}

// NewSigner creates a signer for the given secret and issuer.
func NewSigner(secret []byte, issuer string) *Signer {
	return &Signer{
		secret:    secret,
		issuer:    issuer,
		TunnelTTL: TunnelTokenTTL,
		Leeway:    30 * time.Second,
		now:       time.Now,
	}
}

// MintWorkspaceToken mints a token a workspace uses for git operations.
func (s *Signer) MintWorkspaceToken(userID, workspaceID string) (string, error) {
	return s.mint(Claims{
		UserID:      userID,
		WorkspaceID: workspaceID,
		Scopes:      []string{ScopeGitAll},
		RegisteredClaims: jwt.RegisteredClaims{
			Subject: workspaceID,
		},
	}, WorkspaceTokenTTL)
}

// MintTunnelToken mints a short-lived token authorizing one tunnel
// connection for a workspace, limited to the named service ports.
func (s *Signer) MintTunnelToken(userID, workspaceID, subdomain string, ports map[string]int) (string, error) {
	ttl := s.TunnelTTL
	if ttl <= 0 {
		ttl = TunnelTokenTTL
	}
	return s.mint(Claims{
		UserID:       userID,
		WorkspaceID:  workspaceID,
		Subdomain:    subdomain,
		Scopes:       []string{ScopeTunnelConnect},
		ExposedPorts: ports,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject: workspaceID,
		},
	}, ttl)
}

// MintAgentToken mints the long-lived token a device-code login issues to
// the tunnel agent on a developer's machine.
func (s *Signer) MintAgentToken(userID string) (string, error) {
	return s.mint(Claims{
		UserID: userID,
		Scopes: []string{ScopeAgentAll},
		RegisteredClaims: jwt.RegisteredClaims{
			Subject: userID,
		},
	}, AgentTokenTTL)
}

func (s *Signer) mint(claims Claims, ttl time.Duration) (string, error) {
	if len(s.secret) == 0 {
		return "", fmt.Errorf("no signing key configured")
	}

	now := s.now()
	claims.Issuer = s.issuer
	claims.ID = uuid.NewString()
	claims.IssuedAt = jwt.NewNumericDate(now)
	claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Verify validates a token and returns its claims.
func (s *Signer) Verify(tokenString string) (*Claims, error) {
	if tokenString == "" {
		return nil, fmt.Errorf("token is empty")
	}

	parser := jwt.NewParser(
		jwt.WithLeeway(s.Leeway),
		jwt.WithTimeFunc(s.now),
	)

	token, err := parser.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		// Validate the signing method
		if token.Method.Alg() != "HS256" {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Method.Alg())
		}
		return s.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("token is invalid")
	}

	claims, ok := token.Claims.(*Claims)
	if !ok {
		return nil, fmt.Errorf("invalid token claims")
	}

	if s.issuer != "" && claims.Issuer != s.issuer {
		return nil, fmt.Errorf("invalid issuer: expected %s, got %s", s.issuer, claims.Issuer)
	}

	return claims, nil
}

// HasScope checks whether the granted scopes allow the required scope.
//
// Matching rules:
//   - Exact match: "tunnel:connect" matches "tunnel:connect"
//   - Wildcard suffix: "git:*" matches "git:read", "git:write", etc.
func HasScope(granted []string, required string) bool {
	for _, scope := range granted {
		if matchesScopePattern(scope, required) {
			return true
		}
	}
	return false
}

// matchesScopePattern checks if a single scope pattern matches a required scope.
func matchesScopePattern(pattern, name string) bool {
	if pattern == name {
		return true
	}
	if strings.HasSuffix(pattern, "*") {
		prefix := strings.TrimSuffix(pattern, "*")
		return strings.HasPrefix(name, prefix)
	}
	return false
}

// RootService is the exposed-ports entry a request without a service-name
// prefix resolves to.
const RootService = "root"

// PortForService resolves the upstream port a tunnel token allows for the
// given service name. An empty name means the root service.
func (c *Claims) PortForService(service string) (int, bool) {
	if service == "" {
		service = RootService
	}
	port, ok := c.ExposedPorts[service]
	return port, ok && port > 0
}
