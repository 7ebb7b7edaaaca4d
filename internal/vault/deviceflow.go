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
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/tombee/workbench/internal/store"
	wberrors "github.com/tombee/workbench/pkg/errors"
)

// Poll statuses for the device authorization grant (RFC 8628).
const (
	PollPending  = "pending"
	PollSlowDown = "slow_down"
	PollSuccess  = "success"
	PollError    = "error"
)

// deviceGrantType is the RFC 8628 token-request grant type.
const deviceGrantType = "urn:ietf:params:oauth:grant-type:device_code"

// DeviceAuthorization is returned by InitiateOAuth for the CLI to display.
type DeviceAuthorization struct {
	DeviceCode              string    `json:"device_code"`
	UserCode                string    `json:"user_code"`
	VerificationURI         string    `json:"verification_uri"`
	VerificationURIComplete string    `json:"verification_uri_complete,omitempty"`
	ExpiresAt               time.Time `json:"expires_at"`

	// Interval is the minimum seconds between polls.
	Interval int64 `json:"interval"`
}

// PollResult is the outcome of one PollOAuth call. Status slow_down tells
// the caller to lengthen its polling interval by at least five seconds.
type PollResult struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`

	// Credential is set when Status is success.
	Credential *store.Credential `json:"credential,omitempty"`
}

// InitiateOAuth starts a device authorization grant against the provider.
func (v *Vault) InitiateOAuth(ctx context.Context, userID, providerName string) (*DeviceAuthorization, error) {
	provider, err := v.directory.Provider(providerName)
	if err != nil {
		return nil, err
	}
	if !provider.SupportsOAuth {
		return nil, &wberrors.ValidationError{
			Field:   "provider",
			Message: fmt.Sprintf("provider %s does not support OAuth", providerName),
		}
	}

	conf := &oauth2.Config{
		ClientID: provider.ClientID,
		Endpoint: oauth2.Endpoint{
			DeviceAuthURL: provider.DeviceAuthURL,
			TokenURL:      provider.TokenURL,
		},
		Scopes: provider.Scopes,
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, v.httpClient)
	resp, err := conf.DeviceAuth(ctx)
	if err != nil {
		v.metrics.RecordOAuthRefresh(ctx, providerName, "device_auth_error")
		return nil, &wberrors.UpstreamError{
			Provider:  providerName,
			Op:        "device_auth",
			Message:   err.Error(),
			Retryable: true,
			Cause:     err,
		}
	}

	v.logger.Info("initiated device authorization",
		"user_id", userID,
		"provider", providerName,
		"expires_at", resp.Expiry)

	return &DeviceAuthorization{
		DeviceCode:              resp.DeviceCode,
		UserCode:                resp.UserCode,
		VerificationURI:         resp.VerificationURI,
		VerificationURIComplete: resp.VerificationURIComplete,
		ExpiresAt:               resp.Expiry,
		Interval:                resp.Interval,
	}, nil
}

// PollOAuth performs a single poll of the provider's token endpoint. On
// success the tokens are stored and the credential returned; callers own the
// pacing between polls.
func (v *Vault) PollOAuth(ctx context.Context, userID, providerName, deviceCode string) (*PollResult, error) {
	provider, err := v.directory.Provider(providerName)
	if err != nil {
		return nil, err
	}

	form := url.Values{
		"grant_type":  {deviceGrantType},
		"device_code": {deviceCode},
		"client_id":   {provider.ClientID},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, provider.TokenURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return nil, &wberrors.UpstreamError{
			Provider:  providerName,
			Op:        "device_poll",
			Message:   err.Error(),
			Retryable: true,
			Cause:     err,
		}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read token response: %w", err)
	}

	if resp.StatusCode == http.StatusOK {
		var token struct {
			AccessToken  string `json:"access_token"`
			RefreshToken string `json:"refresh_token"`
			ExpiresIn    int64  `json:"expires_in"`
			AccountID    string `json:"account_id"`
		}
		if err := json.Unmarshal(body, &token); err != nil {
			return nil, fmt.Errorf("failed to decode token response: %w", err)
		}

		tokens := OAuthTokens{
			RefreshToken: token.RefreshToken,
			AccessToken:  token.AccessToken,
			AccountID:    token.AccountID,
		}
		if token.ExpiresIn > 0 {
			tokens.ExpiresAt = v.now().Add(time.Duration(token.ExpiresIn) * time.Second).UTC()
		}
		cred, err := v.CompleteOAuth(ctx, userID, providerName, tokens)
		if err != nil {
			return nil, err
		}
		return &PollResult{Status: PollSuccess, Credential: cred}, nil
	}

	var oauthErr struct {
		Error            string `json:"error"`
		ErrorDescription string `json:"error_description"`
	}
	if err := json.Unmarshal(body, &oauthErr); err != nil || oauthErr.Error == "" {
		return nil, &wberrors.UpstreamError{
			Provider:   providerName,
			Op:         "device_poll",
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("unexpected token response (status %d)", resp.StatusCode),
			Retryable:  resp.StatusCode >= 500,
		}
	}

	switch oauthErr.Error {
	case "authorization_pending":
		return &PollResult{Status: PollPending}, nil
	case "slow_down":
		return &PollResult{Status: PollSlowDown}, nil
	case "access_denied":
		return &PollResult{Status: PollError, Message: "authorization denied"}, nil
	case "expired_token":
		return &PollResult{Status: PollError, Message: "device code expired"}, nil
	default:
		msg := oauthErr.Error
		if oauthErr.ErrorDescription != "" {
			msg = fmt.Sprintf("%s: %s", msg, oauthErr.ErrorDescription)
		}
		return &PollResult{Status: PollError, Message: msg}, nil
	}
}

// CompleteOAuth stores tokens obtained through the device flow. Exposed so
// callers that complete authorization out of band can persist the result.
func (v *Vault) CompleteOAuth(ctx context.Context, userID, providerName string, tokens OAuthTokens) (*store.Credential, error) {
	cred, err := v.StoreOAuthTokens(ctx, userID, providerName, tokens, "")
	if err != nil {
		return nil, err
	}
	cred.Ciphertext = nil
	return cred, nil
}
