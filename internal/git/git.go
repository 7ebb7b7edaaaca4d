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

// Package git integrates the control plane with a GitHub App: it mints
// short-lived installation access tokens for workspaces and sandboxes,
// forks repositories on behalf of users, and processes installation
// lifecycle webhooks.
package git

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/tombee/workbench/internal/store"
	wberrors "github.com/tombee/workbench/pkg/errors"
	"github.com/tombee/workbench/pkg/httpclient"
)

const (
	// appJWTLifetime keeps app JWTs under GitHub's ten-minute ceiling even
	// when the local clock runs slightly ahead.
	appJWTLifetime = 9 * time.Minute

	// appJWTBackdate is subtracted from iat to tolerate clock skew.
	appJWTBackdate = 60 * time.Second

	// tokenRefreshWindow is how close to expiry a cached installation token
	// must be before a fresh one is minted. Installation tokens live one
	// hour; handing out one with less than this margin risks it expiring
	// mid-clone.
	tokenRefreshWindow = 5 * time.Minute

	apiVersion = "2022-11-28"
)

// Config contains GitHub App settings for the service.
type Config struct {
	// AppID is the numeric GitHub App identifier.
	AppID int64

	// PrivateKeyPath points to the app's PEM-encoded RSA signing key.
	PrivateKeyPath string

	// PrivateKeyPEM supplies the key inline and takes precedence over
	// PrivateKeyPath when set.
	PrivateKeyPEM []byte

	// WebhookSecret verifies X-Hub-Signature-256 on installation webhooks.
	WebhookSecret string

	// APIURL is the GitHub REST endpoint. Defaults to the public API.
	APIURL string

	// HTTPClient overrides the default retrying client.
	HTTPClient *http.Client

	Store  store.InstallationStore
	Logger *slog.Logger
}

// Service mints installation tokens and mediates GitHub operations. Tokens
// are cached per installation and reminted inside the refresh window, with
// concurrent mints for the same installation collapsed to one API call.
type Service struct {
	appID         int64
	privateKey    *rsa.PrivateKey
	webhookSecret string
	apiURL        string
	httpClient    *http.Client
	store         store.InstallationStore
	logger        *slog.Logger

	mintGroup singleflight.Group

	mu       sync.Mutex
	tokens   map[int64]Token
	limiters map[string]*rate.Limiter

	now func() time.Time
}

// Token is a short-lived GitHub App installation access token.
type Token struct {
	Value     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// New creates the service, loading and parsing the app's RSA key.
func New(cfg Config) (*Service, error) {
	if cfg.AppID <= 0 {
		return nil, &wberrors.ConfigError{
			Key:    "github.app_id",
			Reason: "GitHub App id is required",
		}
	}
	pem := cfg.PrivateKeyPEM
	if len(pem) == 0 {
		if cfg.PrivateKeyPath == "" {
			return nil, &wberrors.ConfigError{
				Key:    "github.private_key_path",
				Reason: "GitHub App private key is required",
			}
		}
		data, err := os.ReadFile(cfg.PrivateKeyPath)
		if err != nil {
			return nil, &wberrors.ConfigError{
				Key:    "github.private_key_path",
				Reason: "failed to read GitHub App private key",
				Cause:  err,
			}
		}
		pem = data
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM(pem)
	if err != nil {
		return nil, &wberrors.ConfigError{
			Key:    "github.private_key_path",
			Reason: "GitHub App private key is not a valid PEM-encoded RSA key",
			Cause:  err,
		}
	}

	apiURL := strings.TrimRight(cfg.APIURL, "/")
	if apiURL == "" {
		apiURL = "https://api.github.com"
	}

	client := cfg.HTTPClient
	if client == nil {
		hcfg := httpclient.DefaultConfig()
		hcfg.UserAgent = "workbench-github/1.0"
		client, err = httpclient.New(hcfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create HTTP client: %w", err)
		}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Service{
		appID:         cfg.AppID,
		privateKey:    key,
		webhookSecret: cfg.WebhookSecret,
		apiURL:        apiURL,
		httpClient:    client,
		store:         cfg.Store,
		logger:        logger,
		tokens:        make(map[int64]Token),
		limiters:      make(map[string]*rate.Limiter),
		now:           time.Now,
	}, nil
}

// appJWT signs a short-lived RS256 JWT identifying the app itself. GitHub
// accepts it only for app-level endpoints such as token minting.
func (s *Service) appJWT() (string, error) {
	now := s.now().UTC()
	claims := jwt.RegisteredClaims{
		Issuer:    strconv.FormatInt(s.appID, 10),
		IssuedAt:  jwt.NewNumericDate(now.Add(-appJWTBackdate)),
		ExpiresAt: jwt.NewNumericDate(now.Add(appJWTLifetime)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(s.privateKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign app JWT: %w", err)
	}
	return signed, nil
}

// InstallationToken returns an access token for the installation, minting a
// fresh one when the cached token is missing or inside the refresh window.
func (s *Service) InstallationToken(ctx context.Context, installationID int64) (*Token, error) {
	if tok, ok := s.cachedToken(installationID); ok {
		return tok, nil
	}

	key := strconv.FormatInt(installationID, 10)
	v, err, _ := s.mintGroup.Do(key, func() (any, error) {
		// Another caller may have minted while this one waited.
		if tok, ok := s.cachedToken(installationID); ok {
			return tok, nil
		}
		tok, err := s.mintToken(ctx, installationID)
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		s.tokens[installationID] = *tok
		s.mu.Unlock()
		return tok, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Token), nil
}

func (s *Service) cachedToken(installationID int64) (*Token, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tok, ok := s.tokens[installationID]
	if !ok || !s.now().Before(tok.ExpiresAt.Add(-tokenRefreshWindow)) {
		return nil, false
	}
	c := tok
	return &c, true
}

func (s *Service) dropCachedToken(installationID int64) {
	s.mu.Lock()
	delete(s.tokens, installationID)
	s.mu.Unlock()
}

func (s *Service) mintToken(ctx context.Context, installationID int64) (*Token, error) {
	appJWT, err := s.appJWT()
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/app/installations/%d/access_tokens", s.apiURL, installationID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build token request: %w", err)
	}
	s.setAppHeaders(req, appJWT)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, &wberrors.UpstreamError{
			Provider: "github", Op: "mint_installation_token",
			Message: "token request failed", Retryable: true, Cause: err,
		}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read token response: %w", err)
	}
	if resp.StatusCode == http.StatusNotFound {
		// The app was uninstalled and the stored link is stale.
		return nil, &wberrors.NotFoundError{
			Resource: "installation",
			ID:       strconv.FormatInt(installationID, 10),
		}
	}
	if resp.StatusCode != http.StatusCreated {
		return nil, apiError("mint_installation_token", resp.StatusCode, body)
	}

	var tok Token
	if err := json.Unmarshal(body, &tok); err != nil {
		return nil, fmt.Errorf("failed to decode token response: %w", err)
	}
	if tok.Value == "" {
		return nil, &wberrors.UpstreamError{
			Provider: "github", Op: "mint_installation_token",
			StatusCode: resp.StatusCode, Message: "response carried no token",
		}
	}
	return &tok, nil
}

// TokenForUser mints an installation token for the user's linked
// installation. Users without a link get a NotFoundError.
func (s *Service) TokenForUser(ctx context.Context, userID string) (*Token, error) {
	inst, err := s.store.GetInstallation(ctx, userID)
	if err != nil {
		return nil, err
	}
	return s.InstallationToken(ctx, inst.InstallationID)
}

// LinkInstallation binds an app installation to a user after the user
// completes the GitHub install flow. The installation is looked up with app
// credentials first so a bogus id is rejected instead of stored.
func (s *Service) LinkInstallation(ctx context.Context, userID string, installationID int64) (*store.GitHubInstallation, error) {
	if installationID <= 0 {
		return nil, &wberrors.ValidationError{
			Field:   "installation_id",
			Message: "must be a positive GitHub App installation id",
		}
	}

	detail, err := s.installationDetail(ctx, installationID)
	if err != nil {
		return nil, err
	}

	inst := &store.GitHubInstallation{
		UserID:         userID,
		InstallationID: installationID,
		AccountLogin:   detail.Account.Login,
	}
	if err := s.store.SaveInstallation(ctx, inst); err != nil {
		return nil, err
	}
	s.logger.Info("github app installation linked",
		slog.String("user_id", userID),
		slog.Int64("installation_id", installationID),
		slog.String("account", detail.Account.Login))
	return inst, nil
}

// UnlinkInstallation removes the user's installation link and any cached
// token for it.
func (s *Service) UnlinkInstallation(ctx context.Context, userID string) error {
	inst, err := s.store.GetInstallation(ctx, userID)
	if err != nil {
		return err
	}
	if err := s.store.DeleteInstallation(ctx, userID); err != nil {
		return err
	}
	s.dropCachedToken(inst.InstallationID)
	return nil
}

type installationDetail struct {
	ID      int64 `json:"id"`
	Account struct {
		Login string `json:"login"`
		Type  string `json:"type"`
	} `json:"account"`
}

func (s *Service) installationDetail(ctx context.Context, installationID int64) (*installationDetail, error) {
	appJWT, err := s.appJWT()
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/app/installations/%d", s.apiURL, installationID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build installation request: %w", err)
	}
	s.setAppHeaders(req, appJWT)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, &wberrors.UpstreamError{
			Provider: "github", Op: "get_installation",
			Message: "installation lookup failed", Retryable: true, Cause: err,
		}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read installation response: %w", err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, &wberrors.NotFoundError{
			Resource: "installation",
			ID:       strconv.FormatInt(installationID, 10),
		}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, apiError("get_installation", resp.StatusCode, body)
	}

	var detail installationDetail
	if err := json.Unmarshal(body, &detail); err != nil {
		return nil, fmt.Errorf("failed to decode installation response: %w", err)
	}
	return &detail, nil
}

func (s *Service) setAppHeaders(req *http.Request, appJWT string) {
	req.Header.Set("Authorization", "Bearer "+appJWT)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", apiVersion)
}

// apiError classifies a non-success GitHub response.
func apiError(op string, status int, body []byte) error {
	msg := strings.TrimSpace(string(body))
	if len(msg) > 256 {
		msg = msg[:256]
	}
	return &wberrors.UpstreamError{
		Provider:   "github",
		Op:         op,
		StatusCode: status,
		Message:    msg,
		Retryable:  status == http.StatusTooManyRequests || status >= 500,
	}
}
