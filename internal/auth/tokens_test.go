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
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func testSigner() *Signer {
	return NewSigner([]byte("test-secret-at-least-32-bytes-long"), "workbench")
}

func TestSigner_WorkspaceToken(t *testing.T) {
	signer := testSigner()

	token, err := signer.MintWorkspaceToken("user-1", "ws-abcd1234")
	if err != nil {
		t.Fatalf("MintWorkspaceToken() error = %v", err)
	}

	claims, err := signer.Verify(token)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if claims.UserID != "user-1" {
		t.Errorf("UserID = %q, want user-1", claims.UserID)
	}
	if claims.WorkspaceID != "ws-abcd1234" {
		t.Errorf("WorkspaceID = %q, want ws-abcd1234", claims.WorkspaceID)
	}
	if claims.Subject != "ws-abcd1234" {
		t.Errorf("Subject = %q, want ws-abcd1234", claims.Subject)
	}
	if !HasScope(claims.Scopes, "git:read") {
		t.Errorf("git:* should grant git:read, scopes = %v", claims.Scopes)
	}

	ttl := time.Until(claims.ExpiresAt.Time)
	if ttl < 55*time.Minute || ttl > 65*time.Minute {
		t.Errorf("workspace token TTL = %v, want ~1h", ttl)
	}
}

func TestSigner_TunnelToken(t *testing.T) {
	signer := testSigner()

	token, err := signer.MintTunnelToken("user-1", "ws-abcd1234", "demo", map[string]int{"root": 3000, "api": 8080})
	if err != nil {
		t.Fatalf("MintTunnelToken() error = %v", err)
	}

	claims, err := signer.Verify(token)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if !HasScope(claims.Scopes, ScopeTunnelConnect) {
		t.Errorf("missing tunnel:connect scope, got %v", claims.Scopes)
	}
	if HasScope(claims.Scopes, "git:read") {
		t.Error("tunnel token should not grant git scopes")
	}
	if claims.Subdomain != "demo" {
		t.Errorf("Subdomain = %q, want demo", claims.Subdomain)
	}
	if port, ok := claims.PortForService(""); !ok || port != 3000 {
		t.Errorf("PortForService(\"\") = %d, %v, want 3000 via root", port, ok)
	}
	if port, ok := claims.PortForService("api"); !ok || port != 8080 {
		t.Errorf("PortForService(api) = %d, %v, want 8080", port, ok)
	}
	if _, ok := claims.PortForService("db"); ok {
		t.Error("unlisted service db should not resolve")
	}

	ttl := time.Until(claims.ExpiresAt.Time)
	if ttl < 9*time.Minute || ttl > 11*time.Minute {
		t.Errorf("tunnel token TTL = %v, want ~10m", ttl)
	}
}

func TestSigner_AgentToken(t *testing.T) {
	signer := testSigner()

	token, err := signer.MintAgentToken("user-1")
	if err != nil {
		t.Fatalf("MintAgentToken() error = %v", err)
	}

	claims, err := signer.Verify(token)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if claims.UserID != "user-1" || claims.Subject != "user-1" {
		t.Errorf("UserID/Subject = %q/%q, want user-1", claims.UserID, claims.Subject)
	}
	if !HasScope(claims.Scopes, "agent:mint-tunnel-token") {
		t.Errorf("agent:* should grant agent:mint-tunnel-token, scopes = %v", claims.Scopes)
	}

	ttl := time.Until(claims.ExpiresAt.Time)
	if ttl < 29*24*time.Hour || ttl > 31*24*time.Hour {
		t.Errorf("agent token TTL = %v, want ~30d", ttl)
	}
}

func TestSigner_Expiry(t *testing.T) {
	signer := testSigner()

	token, err := signer.MintTunnelToken("user-1", "ws-abcd1234", "demo", nil)
	if err != nil {
		t.Fatalf("MintTunnelToken() error = %v", err)
	}

	// Within leeway past expiry the token still verifies.
	signer.now = func() time.Time { return time.Now().Add(10*time.Minute + 20*time.Second) }
	if _, err := signer.Verify(token); err != nil {
		t.Errorf("Verify() within leeway error = %v", err)
	}

	// Beyond leeway it does not.
	signer.now = func() time.Time { return time.Now().Add(11 * time.Minute) }
	if _, err := signer.Verify(token); err == nil {
		t.Error("Verify() should fail past expiry plus leeway")
	}
}

func TestSigner_WrongSecret(t *testing.T) {
	signer := testSigner()
	other := NewSigner([]byte("a-completely-different-secret-key!"), "workbench")

	token, err := signer.MintWorkspaceToken("user-1", "ws-abcd1234")
	if err != nil {
		t.Fatalf("MintWorkspaceToken() error = %v", err)
	}
	if _, err := other.Verify(token); err == nil {
		t.Error("Verify() should fail with a different secret")
	}
}

func TestSigner_WrongIssuer(t *testing.T) {
	other := NewSigner([]byte("test-secret-at-least-32-bytes-long"), "someone-else")

	token, err := other.MintWorkspaceToken("user-1", "ws-abcd1234")
	if err != nil {
		t.Fatalf("MintWorkspaceToken() error = %v", err)
	}
	if _, err := testSigner().Verify(token); err == nil {
		t.Error("Verify() should reject tokens from a different issuer")
	}
}

func TestSigner_RejectsUnexpectedAlgorithm(t *testing.T) {
	signer := testSigner()

	// A token signed with "none" must never verify, even when the payload
	// looks right.
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "workbench",
			Subject:   "ws-abcd1234",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		UserID: "user-1",
		Scopes: []string{ScopeGitAll},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("signing with none: %v", err)
	}
	if _, err := signer.Verify(token); err == nil {
		t.Error("Verify() should reject alg=none tokens")
	}
}

func TestSigner_EmptySecret(t *testing.T) {
	signer := NewSigner(nil, "workbench")
	if _, err := signer.MintWorkspaceToken("user-1", "ws-abcd1234"); err == nil {
		t.Error("MintWorkspaceToken() should fail without a signing secret")
	}
}

func TestSigner_Garbage(t *testing.T) {
	if _, err := testSigner().Verify("not-a-jwt"); err == nil {
		t.Error("Verify() should fail on garbage input")
	}
}

func TestHasScope(t *testing.T) {
	tests := []struct {
		granted  []string
		required string
		want     bool
	}{
		{[]string{"git:*"}, "git:read", true},
		{[]string{"git:*"}, "git:write", true},
		{[]string{"git:*"}, "tunnel:connect", false},
		{[]string{"tunnel:connect"}, "tunnel:connect", true},
		{[]string{"tunnel:connect"}, "tunnel:other", false},
		{[]string{"agent:*"}, "agent:callback", true},
		{[]string{}, "git:read", false},
		{nil, "git:read", false},
		{[]string{"git:read", "tunnel:connect"}, "tunnel:connect", true},
	}
	for _, tt := range tests {
		if got := HasScope(tt.granted, tt.required); got != tt.want {
			t.Errorf("HasScope(%v, %q) = %v, want %v", tt.granted, tt.required, got, tt.want)
		}
	}
}

func TestClaims_PortForService(t *testing.T) {
	none := &Claims{}
	if _, ok := none.PortForService(""); ok {
		t.Error("claims without ports should deny everything")
	}

	scoped := &Claims{ExposedPorts: map[string]int{"root": 3000, "api": 4000}}
	if port, ok := scoped.PortForService("api"); !ok || port != 4000 {
		t.Errorf("PortForService(api) = %d, %v, want 4000", port, ok)
	}
	if _, ok := scoped.PortForService("db"); ok {
		t.Error("service db should be denied")
	}

	zero := &Claims{ExposedPorts: map[string]int{"root": 0}}
	if _, ok := zero.PortForService(""); ok {
		t.Error("a zero port entry should not resolve")
	}
}

func TestGenerateSessionToken(t *testing.T) {
	token, err := GenerateSessionToken()
	if err != nil {
		t.Fatalf("GenerateSessionToken() error = %v", err)
	}
	if !strings.HasPrefix(token, "wbk_") {
		t.Errorf("token %q should carry the wbk_ prefix", token)
	}
	if len(token) != 4+64 {
		t.Errorf("token length = %d, want %d", len(token), 4+64)
	}

	other, err := GenerateSessionToken()
	if err != nil {
		t.Fatalf("GenerateSessionToken() error = %v", err)
	}
	if token == other {
		t.Error("two generated tokens should differ")
	}

	if TokenHash(token) == TokenHash(other) {
		t.Error("hashes of distinct tokens should differ")
	}
	if len(TokenHash(token)) != 64 {
		t.Errorf("TokenHash length = %d, want 64", len(TokenHash(token)))
	}
}
