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

// Package vault stores model-provider credentials encrypted at rest and
// hands decrypted secrets to run dispatch. API keys are returned verbatim;
// OAuth tokens are refreshed just-in-time, with concurrent refreshes
// collapsed so the provider sees at most one request per credential.
package vault

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/tombee/workbench/internal/metrics"
	"github.com/tombee/workbench/internal/store"
	wberrors "github.com/tombee/workbench/pkg/errors"
)

// DefaultRefreshWindow is how close to expiry an OAuth access token must be
// before dispatch refreshes it.
const DefaultRefreshWindow = 5 * time.Minute

// Config contains vault construction settings.
type Config struct {
	// MasterSecret is the operator secret the vault key derives from.
	MasterSecret string

	// MasterSecretSecondary, when set, is tried for decryption after the
	// primary fails. New envelopes are always sealed under the primary,
	// so rotation converges as credentials are rewritten.
	MasterSecretSecondary string

	// RefreshWindow overrides DefaultRefreshWindow.
	RefreshWindow time.Duration

	// HTTPClient is used for all provider OAuth traffic. Defaults to a
	// 30-second-timeout client.
	HTTPClient *http.Client

	Store     store.CredentialStore
	Directory *Directory
	Logger    *slog.Logger
	Metrics   *metrics.Collector
}

// Vault encrypts credentials at rest and resolves them for runs.
type Vault struct {
	primary   *Encryptor
	secondary *Encryptor

	store         store.CredentialStore
	directory     *Directory
	refreshWindow time.Duration
	httpClient    *http.Client
	logger        *slog.Logger
	metrics       *metrics.Collector

	// refreshGroup collapses concurrent OAuth refreshes per credential.
	refreshGroup singleflight.Group

	now func() time.Time
}

// New creates a vault, deriving the process key from the operator secret.
func New(cfg Config) (*Vault, error) {
	key, err := DeriveKey([]byte(cfg.MasterSecret))
	if err != nil {
		return nil, err
	}
	primary, err := NewEncryptor(key)
	if err != nil {
		return nil, err
	}

	var secondary *Encryptor
	if cfg.MasterSecretSecondary != "" {
		key, err := DeriveKey([]byte(cfg.MasterSecretSecondary))
		if err != nil {
			return nil, err
		}
		secondary, err = NewEncryptor(key)
		if err != nil {
			return nil, err
		}
	}

	refreshWindow := cfg.RefreshWindow
	if refreshWindow <= 0 {
		refreshWindow = DefaultRefreshWindow
	}
	directory := cfg.Directory
	if directory == nil {
		directory = DefaultDirectory()
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	mc := cfg.Metrics
	if mc == nil {
		mc = metrics.NewNopCollector()
	}

	return &Vault{
		primary:       primary,
		secondary:     secondary,
		store:         cfg.Store,
		directory:     directory,
		refreshWindow: refreshWindow,
		httpClient:    httpClient,
		logger:        logger,
		metrics:       mc,
		now:           time.Now,
	}, nil
}

// Directory exposes the provider/model directory for admission checks and
// CLI listings.
func (v *Vault) Directory() *Directory {
	return v.directory
}

// apiKeyPayload is the plaintext envelope body for API-key credentials.
type apiKeyPayload struct {
	APIKey string `json:"api_key"`
}

// oauthPayload is the plaintext envelope body for OAuth credentials.
type oauthPayload struct {
	Refresh   string    `json:"refresh"`
	Access    string    `json:"access"`
	ExpiresAt time.Time `json:"expires_at"`
	AccountID string    `json:"account_id,omitempty"`
}

// OAuthTokens carries tokens into StoreOAuthTokens.
type OAuthTokens struct {
	RefreshToken string
	AccessToken  string
	ExpiresAt    time.Time
	AccountID    string
}

// RunCredential is what dispatch receives: the live secret plus enough
// metadata to build provider headers.
type RunCredential struct {
	CredentialID string
	Provider     string
	AuthType     store.CredentialAuthType

	// Secret is the API key, or the current OAuth access token.
	Secret string

	AccountID string
	ExpiresAt time.Time
}

// StoreAPIKey creates or replaces the credential for (user, provider) with
// an API key.
func (v *Vault) StoreAPIKey(ctx context.Context, userID, providerName, apiKey, label string) (*store.Credential, error) {
	provider, err := v.directory.Provider(providerName)
	if err != nil {
		return nil, err
	}
	if !provider.SupportsAPIKey {
		return nil, &wberrors.ValidationError{
			Field:   "auth_type",
			Message: fmt.Sprintf("provider %s does not accept API keys", providerName),
		}
	}
	if apiKey == "" {
		return nil, &wberrors.ValidationError{Field: "api_key", Message: "api key cannot be empty"}
	}

	plaintext, err := json.Marshal(apiKeyPayload{APIKey: apiKey})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	envelope, err := v.primary.Encrypt(plaintext)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt credential: %w", err)
	}

	cred := &store.Credential{
		ID:         uuid.NewString(),
		UserID:     userID,
		Provider:   providerName,
		AuthType:   store.AuthAPIKey,
		Label:      label,
		Ciphertext: envelope,
		KeyHash:    SecretHash(apiKey),
		Active:     true,
	}
	if err := v.store.UpsertCredential(ctx, cred); err != nil {
		return nil, err
	}

	v.logger.Info("stored api key credential",
		"user_id", userID,
		"provider", providerName,
		"key_hash", HashTail(cred.KeyHash))
	return cred, nil
}

// StoreOAuthTokens creates or replaces the credential for (user, provider)
// with OAuth tokens.
func (v *Vault) StoreOAuthTokens(ctx context.Context, userID, providerName string, tokens OAuthTokens, label string) (*store.Credential, error) {
	provider, err := v.directory.Provider(providerName)
	if err != nil {
		return nil, err
	}
	if !provider.SupportsOAuth {
		return nil, &wberrors.ValidationError{
			Field:   "auth_type",
			Message: fmt.Sprintf("provider %s does not support OAuth", providerName),
		}
	}
	if tokens.RefreshToken == "" {
		return nil, &wberrors.ValidationError{Field: "refresh_token", Message: "refresh token cannot be empty"}
	}

	plaintext, err := json.Marshal(oauthPayload{
		Refresh:   tokens.RefreshToken,
		Access:    tokens.AccessToken,
		ExpiresAt: tokens.ExpiresAt,
		AccountID: tokens.AccountID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	envelope, err := v.primary.Encrypt(plaintext)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt credential: %w", err)
	}

	var expiresAt *time.Time
	if !tokens.ExpiresAt.IsZero() {
		t := tokens.ExpiresAt.UTC()
		expiresAt = &t
	}

	cred := &store.Credential{
		ID:         uuid.NewString(),
		UserID:     userID,
		Provider:   providerName,
		AuthType:   store.AuthOAuth,
		Label:      label,
		Ciphertext: envelope,
		KeyHash:    SecretHash(tokens.RefreshToken),
		Active:     true,
		ExpiresAt:  expiresAt,
	}
	if err := v.store.UpsertCredential(ctx, cred); err != nil {
		return nil, err
	}

	v.logger.Info("stored oauth credential",
		"user_id", userID,
		"provider", providerName,
		"key_hash", HashTail(cred.KeyHash))
	return cred, nil
}

// List returns the user's credentials with ciphertext stripped.
func (v *Vault) List(ctx context.Context, userID string) ([]*store.Credential, error) {
	creds, err := v.store.ListCredentials(ctx, userID)
	if err != nil {
		return nil, err
	}
	for _, c := range creds {
		c.Ciphertext = nil
	}
	return creds, nil
}

// Revoke deactivates the credential for (user, provider). The row is kept.
func (v *Vault) Revoke(ctx context.Context, userID, providerName string) error {
	cred, err := v.store.GetCredential(ctx, userID, providerName)
	if err != nil {
		return err
	}
	cred.Active = false
	if err := v.store.UpsertCredential(ctx, cred); err != nil {
		return err
	}
	v.logger.Info("revoked credential", "user_id", userID, "provider", providerName)
	return nil
}

// Delete removes the credential for (user, provider).
func (v *Vault) Delete(ctx context.Context, userID, providerName string) error {
	if err := v.store.DeleteCredential(ctx, userID, providerName); err != nil {
		return err
	}
	v.logger.Info("deleted credential", "user_id", userID, "provider", providerName)
	return nil
}

// CredentialForRun resolves the live secret for a dispatch. OAuth access
// tokens within the refresh window of expiry are refreshed and persisted
// first; concurrent callers share a single upstream refresh.
func (v *Vault) CredentialForRun(ctx context.Context, userID, providerName, runRef string) (*RunCredential, error) {
	cred, err := v.store.GetCredential(ctx, userID, providerName)
	if err != nil {
		var notFound *wberrors.NotFoundError
		if errors.As(err, &notFound) {
			return nil, &wberrors.CredentialRequiredError{Provider: providerName}
		}
		return nil, err
	}
	if !cred.Active {
		return nil, &wberrors.CredentialRequiredError{Provider: providerName}
	}

	switch cred.AuthType {
	case store.AuthAPIKey:
		var payload apiKeyPayload
		if err := v.decryptInto(cred.Ciphertext, &payload); err != nil {
			return nil, err
		}
		v.touch(ctx, userID, providerName, runRef)
		return &RunCredential{
			CredentialID: cred.ID,
			Provider:     providerName,
			AuthType:     store.AuthAPIKey,
			Secret:       payload.APIKey,
		}, nil

	case store.AuthOAuth:
		payload, err := v.freshOAuthPayload(ctx, cred)
		if err != nil {
			return nil, err
		}
		v.touch(ctx, userID, providerName, runRef)
		return &RunCredential{
			CredentialID: cred.ID,
			Provider:     providerName,
			AuthType:     store.AuthOAuth,
			Secret:       payload.Access,
			AccountID:    payload.AccountID,
			ExpiresAt:    payload.ExpiresAt,
		}, nil

	default:
		return nil, fmt.Errorf("unknown credential auth type %q", cred.AuthType)
	}
}

// freshOAuthPayload returns a payload whose access token is valid for at
// least the refresh window, refreshing through singleflight when it is not.
func (v *Vault) freshOAuthPayload(ctx context.Context, cred *store.Credential) (*oauthPayload, error) {
	var payload oauthPayload
	if err := v.decryptInto(cred.Ciphertext, &payload); err != nil {
		return nil, err
	}

	if payload.Access != "" && !payload.ExpiresAt.IsZero() &&
		payload.ExpiresAt.After(v.now().Add(v.refreshWindow)) {
		return &payload, nil
	}

	result, err, _ := v.refreshGroup.Do(cred.ID, func() (any, error) {
		return v.refreshOAuth(ctx, cred.UserID, cred.Provider)
	})
	if err != nil {
		return nil, err
	}
	return result.(*oauthPayload), nil
}

// refreshOAuth exchanges the refresh token for new tokens and persists them.
// Runs inside singleflight; re-reads the credential so a refresh that just
// finished on another goroutine is observed instead of repeated.
func (v *Vault) refreshOAuth(ctx context.Context, userID, providerName string) (*oauthPayload, error) {
	cred, err := v.store.GetCredential(ctx, userID, providerName)
	if err != nil {
		return nil, err
	}
	var payload oauthPayload
	if err := v.decryptInto(cred.Ciphertext, &payload); err != nil {
		return nil, err
	}
	if payload.Access != "" && !payload.ExpiresAt.IsZero() &&
		payload.ExpiresAt.After(v.now().Add(v.refreshWindow)) {
		return &payload, nil
	}

	provider, err := v.directory.Provider(providerName)
	if err != nil {
		return nil, err
	}
	conf := &oauth2.Config{
		ClientID: provider.ClientID,
		Endpoint: oauth2.Endpoint{TokenURL: provider.TokenURL},
		Scopes:   provider.Scopes,
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, v.httpClient)
	token, err := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: payload.Refresh}).Token()
	if err != nil {
		v.metrics.RecordOAuthRefresh(ctx, providerName, "error")
		return nil, classifyRefreshError(providerName, err)
	}

	newPayload := oauthPayload{
		Refresh:   token.RefreshToken,
		Access:    token.AccessToken,
		ExpiresAt: token.Expiry.UTC(),
		AccountID: payload.AccountID,
	}
	// Providers that do not rotate refresh tokens return an empty one.
	if newPayload.Refresh == "" {
		newPayload.Refresh = payload.Refresh
	}

	plaintext, err := json.Marshal(newPayload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	envelope, err := v.primary.Encrypt(plaintext)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt credential: %w", err)
	}

	cred.Ciphertext = envelope
	cred.KeyHash = SecretHash(newPayload.Refresh)
	cred.ExpiresAt = nil
	if !newPayload.ExpiresAt.IsZero() {
		expiresAt := newPayload.ExpiresAt
		cred.ExpiresAt = &expiresAt
	}
	if err := v.store.UpsertCredential(ctx, cred); err != nil {
		return nil, fmt.Errorf("failed to persist refreshed tokens: %w", err)
	}

	v.metrics.RecordOAuthRefresh(ctx, providerName, "success")
	v.logger.Info("refreshed oauth tokens",
		"user_id", userID,
		"provider", providerName,
		"expires_at", newPayload.ExpiresAt)
	return &newPayload, nil
}

// decryptInto opens an envelope with the primary key, falling back to the
// secondary during master-secret rotation.
func (v *Vault) decryptInto(envelope []byte, out any) error {
	plaintext, err := v.primary.Decrypt(envelope)
	if err != nil && v.secondary != nil {
		plaintext, err = v.secondary.Decrypt(envelope)
	}
	if err != nil {
		return err
	}
	if err := json.Unmarshal(plaintext, out); err != nil {
		return fmt.Errorf("failed to unmarshal payload: %w", err)
	}
	return nil
}

// touch records usage. Re-reads the row so a refresh that just persisted new
// ciphertext is never overwritten. Best-effort; a failed write never blocks
// a run.
func (v *Vault) touch(ctx context.Context, userID, providerName, runRef string) {
	cred, err := v.store.GetCredential(ctx, userID, providerName)
	if err == nil {
		now := v.now().UTC()
		cred.LastUsedAt = &now
		err = v.store.UpsertCredential(ctx, cred)
	}
	if err != nil {
		v.logger.Warn("failed to update credential last_used_at",
			"provider", providerName,
			"run", runRef,
			"error", err)
	}
}

// classifyRefreshError maps oauth2 failures onto the API error taxonomy.
// A rejected refresh token means the user must re-authenticate; anything
// else is an upstream fault.
func classifyRefreshError(providerName string, err error) error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		if retrieveErr.ErrorCode == "invalid_grant" {
			return &wberrors.CredentialRequiredError{Provider: providerName}
		}
		return &wberrors.UpstreamError{
			Provider:   providerName,
			Op:         "token_refresh",
			StatusCode: retrieveErr.Response.StatusCode,
			Message:    retrieveErr.ErrorCode,
			Retryable:  retrieveErr.Response.StatusCode >= 500,
			Cause:      err,
		}
	}
	return &wberrors.UpstreamError{
		Provider:  providerName,
		Op:        "token_refresh",
		Message:   err.Error(),
		Retryable: true,
		Cause:     err,
	}
}
