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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/workbench/internal/store"
	wberrors "github.com/tombee/workbench/pkg/errors"
)

// deviceServer fakes a provider's device authorization grant endpoints.
type deviceServer struct {
	*httptest.Server

	mu sync.Mutex
	// state drives the token endpoint: authorization_pending, slow_down,
	// access_denied, expired_token, or approved.
	state string
}

func newDeviceServer(t *testing.T) *deviceServer {
	t.Helper()
	ds := &deviceServer{state: "authorization_pending"}

	mux := http.NewServeMux()
	mux.HandleFunc("/device", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"device_code":      "dev-code-1",
			"user_code":        "WXYZ-1234",
			"verification_uri": "https://example.com/activate",
			"expires_in":       600,
			"interval":         5,
		})
	})
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, deviceGrantType, r.Form.Get("grant_type"))
		assert.Equal(t, "dev-code-1", r.Form.Get("device_code"))

		ds.mu.Lock()
		state := ds.state
		ds.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		if state == "approved" {
			json.NewEncoder(w).Encode(map[string]any{
				"access_token":  "at-device",
				"refresh_token": "rt-device",
				"token_type":    "Bearer",
				"expires_in":    3600,
				"account_id":    "acct-9",
			})
			return
		}
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{"error": state})
	})

	ds.Server = httptest.NewServer(mux)
	t.Cleanup(ds.Close)
	return ds
}

func (ds *deviceServer) setState(state string) {
	ds.mu.Lock()
	ds.state = state
	ds.mu.Unlock()
}

func TestVault_DeviceFlow(t *testing.T) {
	srv := newDeviceServer(t)
	v, be := newTestVault(t, testDirectory(srv.URL+"/token", srv.URL+"/device"))
	ctx := context.Background()

	auth, err := v.InitiateOAuth(ctx, "user-1", "anthropic")
	require.NoError(t, err)
	assert.Equal(t, "WXYZ-1234", auth.UserCode)
	assert.Equal(t, "https://example.com/activate", auth.VerificationURI)
	assert.EqualValues(t, 5, auth.Interval)

	// Not approved yet.
	result, err := v.PollOAuth(ctx, "user-1", "anthropic", auth.DeviceCode)
	require.NoError(t, err)
	assert.Equal(t, PollPending, result.Status)

	// Provider asks to back off.
	srv.setState("slow_down")
	result, err = v.PollOAuth(ctx, "user-1", "anthropic", auth.DeviceCode)
	require.NoError(t, err)
	assert.Equal(t, PollSlowDown, result.Status)

	// User approves; the poll stores the credential.
	srv.setState("approved")
	result, err = v.PollOAuth(ctx, "user-1", "anthropic", auth.DeviceCode)
	require.NoError(t, err)
	require.Equal(t, PollSuccess, result.Status)
	require.NotNil(t, result.Credential)
	assert.Equal(t, store.AuthOAuth, result.Credential.AuthType)
	assert.Nil(t, result.Credential.Ciphertext)

	stored, err := be.GetCredential(ctx, "user-1", "anthropic")
	require.NoError(t, err)
	assert.True(t, stored.Active)
	require.NotNil(t, stored.ExpiresAt)

	// The freshly stored access token resolves without a refresh.
	rc, err := v.CredentialForRun(ctx, "user-1", "anthropic", "run-1")
	require.NoError(t, err)
	assert.Equal(t, "at-device", rc.Secret)
	assert.Equal(t, "acct-9", rc.AccountID)
}

func TestVault_DeviceFlowDenied(t *testing.T) {
	srv := newDeviceServer(t)
	v, _ := newTestVault(t, testDirectory(srv.URL+"/token", srv.URL+"/device"))
	ctx := context.Background()

	srv.setState("access_denied")
	result, err := v.PollOAuth(ctx, "user-1", "anthropic", "dev-code-1")
	require.NoError(t, err)
	assert.Equal(t, PollError, result.Status)
	assert.Contains(t, result.Message, "denied")

	srv.setState("expired_token")
	result, err = v.PollOAuth(ctx, "user-1", "anthropic", "dev-code-1")
	require.NoError(t, err)
	assert.Equal(t, PollError, result.Status)
	assert.Contains(t, result.Message, "expired")
}

func TestVault_DeviceFlowUnsupportedProvider(t *testing.T) {
	v, _ := newTestVault(t, testDirectory("", ""))

	_, err := v.InitiateOAuth(context.Background(), "user-1", "openai")
	var validationErr *wberrors.ValidationError
	assert.ErrorAs(t, err, &validationErr)
}
