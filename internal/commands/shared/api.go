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

package shared

import (
	"errors"
	"fmt"
	"net/url"
	"os"

	"github.com/zalando/go-keyring"

	"github.com/tombee/workbench/internal/client"
)

// keyringService namespaces workbench tokens in the OS credential store.
const keyringService = "workbench"

// NewClient builds an API client for the resolved server, authenticated with
// the stored token when one exists. Commands that work unauthenticated
// (login, version) tolerate the empty token.
func NewClient() (*client.Client, error) {
	token, _ := LoadToken()
	return client.New(ServerURL(), client.WithToken(token))
}

// NewAuthenticatedClient is NewClient but fails fast when no token is
// stored, so commands give a clear "run workbench login" message instead of
// a server 401.
func NewAuthenticatedClient() (*client.Client, error) {
	token, err := LoadToken()
	if err != nil {
		return nil, err
	}
	if token == "" {
		return nil, fmt.Errorf("not logged in to %s (run 'workbench login')", ServerURL())
	}
	return client.New(ServerURL(), client.WithToken(token))
}

// LoadToken returns the stored token for the current server. The
// WORKBENCH_TOKEN environment variable wins over the keyring, which keeps CI
// and headless hosts working where no credential store exists.
func LoadToken() (string, error) {
	if env := os.Getenv("WORKBENCH_TOKEN"); env != "" {
		return env, nil
	}
	token, err := keyring.Get(keyringService, keyringUser())
	if errors.Is(err, keyring.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read token from keyring: %w", err)
	}
	return token, nil
}

// StoreToken saves a token for the current server in the OS keyring.
func StoreToken(token string) error {
	if err := keyring.Set(keyringService, keyringUser(), token); err != nil {
		return fmt.Errorf("failed to store token in keyring: %w", err)
	}
	return nil
}

// ClearToken removes the stored token for the current server. A missing
// entry is not an error; logout is idempotent.
func ClearToken() error {
	err := keyring.Delete(keyringService, keyringUser())
	if err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("failed to clear token from keyring: %w", err)
	}
	return nil
}

// keyringUser keys tokens by server host so logins against different
// deployments do not clobber each other.
func keyringUser() string {
	u, err := url.Parse(ServerURL())
	if err != nil || u.Host == "" {
		return ServerURL()
	}
	return u.Host
}
