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

package api

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/workbench/internal/store"
	"github.com/tombee/workbench/internal/vault"
)

func TestCredentialStoreAndList(t *testing.T) {
	env := newAPIEnv(t)

	rec := env.doJSON(t, http.MethodPost, "/v1/credentials", otherToken, StoreCredentialRequest{
		Provider: "openai",
		APIKey:   "sk-test-key",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var cred store.Credential
	decodeBody(t, rec, &cred)
	assert.Equal(t, "other-1", cred.UserID)
	assert.Equal(t, "openai", cred.Provider)
	assert.True(t, cred.Active)
	// The ciphertext never crosses the wire.
	assert.NotContains(t, rec.Body.String(), "sk-test-key")

	rec = env.doJSON(t, http.MethodGet, "/v1/credentials", otherToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Credentials []*store.Credential `json:"credentials"`
	}
	decodeBody(t, rec, &body)
	require.Len(t, body.Credentials, 1)
}

func TestCredentialStoreRequiresKey(t *testing.T) {
	env := newAPIEnv(t)

	rec := env.doJSON(t, http.MethodPost, "/v1/credentials", userToken, StoreCredentialRequest{
		Provider: "openai",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "validation", decodeErrorBody(t, rec).Error.Type)
}

func TestCredentialProvidersDirectory(t *testing.T) {
	env := newAPIEnv(t)

	rec := env.doJSON(t, http.MethodGet, "/v1/credentials/providers", userToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Providers []vault.ModelProvider `json:"providers"`
	}
	decodeBody(t, rec, &body)
	require.NotEmpty(t, body.Providers)
}

func TestCredentialRevokeAndDelete(t *testing.T) {
	env := newAPIEnv(t)

	// user-1 has a seeded anthropic key.
	rec := env.doJSON(t, http.MethodPost, "/v1/credentials/anthropic/revoke", userToken, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = env.doJSON(t, http.MethodGet, "/v1/credentials", userToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Credentials []*store.Credential `json:"credentials"`
	}
	decodeBody(t, rec, &body)
	require.Len(t, body.Credentials, 1)
	assert.False(t, body.Credentials[0].Active)

	rec = env.doJSON(t, http.MethodDelete, "/v1/credentials/anthropic", userToken, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = env.doJSON(t, http.MethodGet, "/v1/credentials", userToken, nil)
	decodeBody(t, rec, &body)
	assert.Empty(t, body.Credentials)
}
