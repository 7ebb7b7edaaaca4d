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

package vault

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/workbench/internal/store"
	"github.com/tombee/workbench/internal/store/memory"
	wberrors "github.com/tombee/workbench/pkg/errors"
)

const testMasterSecret = "test-master-secret-0123456789abcdef"

func testDirectory(tokenURL, deviceAuthURL string) *Directory {
	return NewDirectory(
		[]ModelProvider{
			{
				Name:           "anthropic",
				DisplayName:    "Anthropic",
				SupportsAPIKey: true,
				SupportsOAuth:  true,
				DeviceAuthURL:  deviceAuthURL,
				TokenURL:       tokenURL,
				ClientID:       "workbench-cli",
				Enabled:        true,
			},
			{
				Name:           "openai",
				DisplayName:    "OpenAI",
				SupportsAPIKey: true,
				Enabled:        true,
			},
		},
		[]Model{
			{Provider: "anthropic", ID: "claude-sonnet", DisplayName: "Claude Sonnet", Enabled: true},
			{Provider: "ollama", ID: "llama3", DisplayName: "Llama 3", Free: true, Enabled: true},
		},
	)
}

func newTestVault(t *testing.T, dir *Directory) (*Vault, *memory.Backend) {
	t.Helper()
	be := memory.New()
	v, err := New(Config{
		MasterSecret: testMasterSecret,
		Store:        be,
		Directory:    dir,
	})
	require.NoError(t, err)
	return v, be
}

func TestVault_StoreAPIKeyAndResolve(t *testing.T) {
	v, be := newTestVault(t, testDirectory("", ""))
	ctx := context.Background()

	cred, err := v.StoreAPIKey(ctx, "user-1", "anthropic", "sk-test-12345", "work")
	require.NoError(t, err)
	assert.Equal(t, store.AuthAPIKey, cred.AuthType)
	assert.Equal(t, "work", cred.Label)
	assert.True(t, cred.Active)
	assert.Equal(t, SecretHash("sk-test-12345"), cred.KeyHash)

	// The row never contains the plaintext.
	stored, err := be.GetCredential(ctx, "user-1", "anthropic")
	require.NoError(t, err)
	assert.NotContains(t, string(stored.Ciphertext), "sk-test-12345")

	rc, err := v.CredentialForRun(ctx, "user-1", "anthropic", "run-1")
	require.NoError(t, err)
	assert.Equal(t, "sk-test-12345", rc.Secret)
	assert.Equal(t, store.AuthAPIKey, rc.AuthType)

	// Resolution records usage.
	stored, err = be.GetCredential(ctx, "user-1", "anthropic")
	require.NoError(t, err)
	assert.NotNil(t, stored.LastUsedAt)
}

func TestVault_StoreAPIKeyValidation(t *testing.T) {
	v, _ := newTestVault(t, testDirectory("", ""))
	ctx := context.Background()

	_, err := v.StoreAPIKey(ctx, "user-1", "nonexistent", "sk-1", "")
	var notFound *wberrors.NotFoundError
	assert.ErrorAs(t, err, &notFound)

	_, err = v.StoreAPIKey(ctx, "user-1", "anthropic", "", "")
	var validationErr *wberrors.ValidationError
	assert.ErrorAs(t, err, &validationErr)
}

func TestVault_OAuthOnAPIKeyOnlyProvider(t *testing.T) {
	v, _ := newTestVault(t, testDirectory("", ""))

	_, err := v.StoreOAuthTokens(context.Background(), "user-1", "openai",
		OAuthTokens{RefreshToken: "rt-1"}, "")
	var validationErr *wberrors.ValidationError
	assert.ErrorAs(t, err, &validationErr)
}

func TestVault_CredentialRequired(t *testing.T) {
	v, _ := newTestVault(t, testDirectory("", ""))
	ctx := context.Background()

	// No credential stored at all.
	_, err := v.CredentialForRun(ctx, "user-1", "anthropic", "run-1")
	var credErr *wberrors.CredentialRequiredError
	require.ErrorAs(t, err, &credErr)
	assert.Equal(t, "anthropic", credErr.Provider)

	// A revoked credential behaves like a missing one.
	_, err = v.StoreAPIKey(ctx, "user-1", "anthropic", "sk-test-12345", "")
	require.NoError(t, err)
	require.NoError(t, v.Revoke(ctx, "user-1", "anthropic"))

	_, err = v.CredentialForRun(ctx, "user-1", "anthropic", "run-2")
	assert.ErrorAs(t, err, &credErr)
}

func TestVault_ListStripsCiphertext(t *testing.T) {
	v, _ := newTestVault(t, testDirectory("", ""))
	ctx := context.Background()

	_, err := v.StoreAPIKey(ctx, "user-1", "anthropic", "sk-test-12345", "")
	require.NoError(t, err)

	creds, err := v.List(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, creds, 1)
	assert.Nil(t, creds[0].Ciphertext)
	assert.NotEmpty(t, creds[0].KeyHash)
}

func TestVault_Delete(t *testing.T) {
	v, be := newTestVault(t, testDirectory("", ""))
	ctx := context.Background()

	_, err := v.StoreAPIKey(ctx, "user-1", "anthropic", "sk-test-12345", "")
	require.NoError(t, err)
	require.NoError(t, v.Delete(ctx, "user-1", "anthropic"))

	_, err = be.GetCredential(ctx, "user-1", "anthropic")
	var notFound *wberrors.NotFoundError
	assert.ErrorAs(t, err, &notFound)
}

// fakeTokenServer returns refreshed tokens and counts upstream calls.
func fakeTokenServer(t *testing.T, refreshCount *atomic.Int32, delay time.Duration) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		if r.Form.Get("grant_type") == "refresh_token" {
			refreshCount.Add(1)
			time.Sleep(delay)
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]any{
				"access_token":  "at-new",
				"refresh_token": "rt-new",
				"token_type":    "Bearer",
				"expires_in":    3600,
			})
			return
		}
		http.Error(w, `{"error":"unsupported_grant_type"}`, http.StatusBadRequest)
	}))
}

func TestVault_OAuthRefresh(t *testing.T) {
	var refreshCount atomic.Int32
	srv := fakeTokenServer(t, &refreshCount, 0)
	defer srv.Close()

	v, be := newTestVault(t, testDirectory(srv.URL, ""))
	ctx := context.Background()

	// Store tokens whose access token is already expired.
	_, err := v.StoreOAuthTokens(ctx, "user-1", "anthropic", OAuthTokens{
		RefreshToken: "rt-old",
		AccessToken:  "at-old",
		ExpiresAt:    time.Now().Add(-time.Minute),
		AccountID:    "acct-1",
	}, "")
	require.NoError(t, err)

	rc, err := v.CredentialForRun(ctx, "user-1", "anthropic", "run-1")
	require.NoError(t, err)
	assert.Equal(t, "at-new", rc.Secret)
	assert.Equal(t, "acct-1", rc.AccountID)
	assert.Equal(t, int32(1), refreshCount.Load())

	// New tokens were persisted: key hash follows the refresh token and the
	// expiry mirror advanced.
	stored, err := be.GetCredential(ctx, "user-1", "anthropic")
	require.NoError(t, err)
	assert.Equal(t, SecretHash("rt-new"), stored.KeyHash)
	require.NotNil(t, stored.ExpiresAt)
	assert.True(t, stored.ExpiresAt.After(time.Now()))

	// A second resolve inside the validity window does not hit upstream.
	_, err = v.CredentialForRun(ctx, "user-1", "anthropic", "run-2")
	require.NoError(t, err)
	assert.Equal(t, int32(1), refreshCount.Load())
}

func TestVault_RefreshSingleflight(t *testing.T) {
	var refreshCount atomic.Int32
	srv := fakeTokenServer(t, &refreshCount, 50*time.Millisecond)
	defer srv.Close()

	v, _ := newTestVault(t, testDirectory(srv.URL, ""))
	ctx := context.Background()

	_, err := v.StoreOAuthTokens(ctx, "user-1", "anthropic", OAuthTokens{
		RefreshToken: "rt-old",
		AccessToken:  "at-old",
		ExpiresAt:    time.Now().Add(-time.Minute),
	}, "")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rc, err := v.CredentialForRun(ctx, "user-1", "anthropic", "run-n")
			assert.NoError(t, err)
			if err == nil {
				assert.Equal(t, "at-new", rc.Secret)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), refreshCount.Load(), "concurrent resolves must share one upstream refresh")
}

func TestVault_RefreshInvalidGrant(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{"error": "invalid_grant"})
	}))
	defer srv.Close()

	v, _ := newTestVault(t, testDirectory(srv.URL, ""))
	ctx := context.Background()

	_, err := v.StoreOAuthTokens(ctx, "user-1", "anthropic", OAuthTokens{
		RefreshToken: "rt-dead",
		AccessToken:  "at-old",
		ExpiresAt:    time.Now().Add(-time.Minute),
	}, "")
	require.NoError(t, err)

	_, err = v.CredentialForRun(ctx, "user-1", "anthropic", "run-1")
	var credErr *wberrors.CredentialRequiredError
	assert.ErrorAs(t, err, &credErr)
}

func TestVault_SecondaryKeyDecrypt(t *testing.T) {
	ctx := context.Background()
	be := memory.New()

	// Seal a credential under the old secret.
	oldVault, err := New(Config{
		MasterSecret: "old-master-secret-0123456789abcdef",
		Store:        be,
		Directory:    testDirectory("", ""),
	})
	require.NoError(t, err)
	_, err = oldVault.StoreAPIKey(ctx, "user-1", "anthropic", "sk-test-12345", "")
	require.NoError(t, err)

	// A rotated vault with the old secret as secondary still reads it.
	rotated, err := New(Config{
		MasterSecret:          "new-master-secret-0123456789abcdef",
		MasterSecretSecondary: "old-master-secret-0123456789abcdef",
		Store:                 be,
		Directory:             testDirectory("", ""),
	})
	require.NoError(t, err)

	rc, err := rotated.CredentialForRun(ctx, "user-1", "anthropic", "run-1")
	require.NoError(t, err)
	assert.Equal(t, "sk-test-12345", rc.Secret)

	// Without the secondary, decryption fails.
	newOnly, err := New(Config{
		MasterSecret: "new-master-secret-0123456789abcdef",
		Store:        be,
		Directory:    testDirectory("", ""),
	})
	require.NoError(t, err)
	_, err = newOnly.CredentialForRun(ctx, "user-1", "anthropic", "run-1")
	assert.ErrorIs(t, err, ErrInvalidCiphertext)
}

func TestVault_RequiresMasterSecret(t *testing.T) {
	_, err := New(Config{Store: memory.New()})
	assert.ErrorIs(t, err, ErrInvalidKey)
}
