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

package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tombee/workbench/internal/store"
	"github.com/tombee/workbench/pkg/httpclient"
)

// Client is a client for the workbench API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
}

// New creates a workbench API client for the given server URL.
func New(baseURL string, opts ...Option) (*Client, error) {
	c := &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
	}

	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}

	if c.httpClient == nil {
		hc, err := httpclient.New(httpclient.DefaultConfig())
		if err != nil {
			return nil, fmt.Errorf("failed to create http client: %w", err)
		}
		c.httpClient = hc
	}

	return c, nil
}

// Option configures a Client.
type Option func(*Client) error

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) error {
		c.httpClient = client
		return nil
	}
}

// WithToken sets the bearer token used for authentication. Session tokens,
// agent tokens, and workspace JWTs all travel the same way.
func WithToken(token string) Option {
	return func(c *Client) error {
		c.token = token
		return nil
	}
}

// SetToken replaces the bearer token on an existing client. The login flow
// uses this once a device code is exchanged.
func (c *Client) SetToken(token string) {
	c.token = token
}

// BaseURL returns the server URL the client talks to.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// DeviceStart is the response from starting a device login.
type DeviceStart struct {
	DeviceCode      string    `json:"device_code"`
	UserCode        string    `json:"user_code"`
	VerificationURI string    `json:"verification_uri"`
	ExpiresAt       time.Time `json:"expires_at"`
	Interval        int64     `json:"interval"`
}

// DevicePoll is the response from polling a device login.
type DevicePoll struct {
	Status string `json:"status"`
}

// StartDeviceLogin begins the device authorization flow.
func (c *Client) StartDeviceLogin(ctx context.Context) (*DeviceStart, error) {
	var start DeviceStart
	if err := c.do(ctx, http.MethodPost, "/v1/device/start", nil, &start); err != nil {
		return nil, err
	}
	return &start, nil
}

// PollDeviceLogin reports whether the browser side has approved the login.
func (c *Client) PollDeviceLogin(ctx context.Context, deviceCode string) (*DevicePoll, error) {
	var poll DevicePoll
	body := map[string]string{"device_code": deviceCode}
	if err := c.do(ctx, http.MethodPost, "/v1/device/poll", body, &poll); err != nil {
		return nil, err
	}
	return &poll, nil
}

// ExchangeDeviceCode redeems an approved device code for an agent token.
func (c *Client) ExchangeDeviceCode(ctx context.Context, deviceCode string) (string, error) {
	var resp struct {
		Token string `json:"token"`
	}
	body := map[string]string{"device_code": deviceCode}
	if err := c.do(ctx, http.MethodPost, "/v1/device/exchange", body, &resp); err != nil {
		return "", err
	}
	return resp.Token, nil
}

// CreateWorkspaceRequest is the request body for creating a workspace.
type CreateWorkspaceRequest struct {
	Name            string            `json:"name"`
	AgentTypeID     string            `json:"agent_type_id"`
	CloudProviderID string            `json:"cloud_provider_id"`
	RegionID        string            `json:"region_id"`
	ImageID         string            `json:"image_id,omitempty"`
	RepositoryURL   string            `json:"repository_url,omitempty"`
	Branch          string            `json:"branch,omitempty"`
	Persistent      bool              `json:"persistent,omitempty"`
	Subdomain       string            `json:"subdomain,omitempty"`
	LocalPort       int               `json:"local_port,omitempty"`
	Env             map[string]string `json:"env,omitempty"`
}

// CreateWorkspace provisions a new workspace.
func (c *Client) CreateWorkspace(ctx context.Context, req CreateWorkspaceRequest) (*store.Workspace, error) {
	var ws store.Workspace
	if err := c.do(ctx, http.MethodPost, "/v1/workspaces", req, &ws); err != nil {
		return nil, err
	}
	return &ws, nil
}

// ListWorkspaces returns the caller's workspaces, optionally filtered by status.
func (c *Client) ListWorkspaces(ctx context.Context, status string) ([]*store.Workspace, error) {
	path := "/v1/workspaces"
	if status != "" {
		path += "?status=" + status
	}
	var resp struct {
		Workspaces []*store.Workspace `json:"workspaces"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Workspaces, nil
}

// GetWorkspace returns one workspace by ID.
func (c *Client) GetWorkspace(ctx context.Context, id string) (*store.Workspace, error) {
	var ws store.Workspace
	if err := c.do(ctx, http.MethodGet, "/v1/workspaces/"+id, nil, &ws); err != nil {
		return nil, err
	}
	return &ws, nil
}

// StopWorkspace stops a running workspace.
func (c *Client) StopWorkspace(ctx context.Context, id string) (*store.Workspace, error) {
	var ws store.Workspace
	if err := c.do(ctx, http.MethodPost, "/v1/workspaces/"+id+"/stop", nil, &ws); err != nil {
		return nil, err
	}
	return &ws, nil
}

// RestartWorkspace restarts a stopped workspace.
func (c *Client) RestartWorkspace(ctx context.Context, id string) (*store.Workspace, error) {
	var ws store.Workspace
	if err := c.do(ctx, http.MethodPost, "/v1/workspaces/"+id+"/restart", nil, &ws); err != nil {
		return nil, err
	}
	return &ws, nil
}

// TerminateWorkspace permanently terminates a workspace.
func (c *Client) TerminateWorkspace(ctx context.Context, id string) (*store.Workspace, error) {
	var ws store.Workspace
	if err := c.do(ctx, http.MethodDelete, "/v1/workspaces/"+id, nil, &ws); err != nil {
		return nil, err
	}
	return &ws, nil
}

// TunnelToken is a short-lived token for attaching a tunnel to a workspace.
type TunnelToken struct {
	Token        string         `json:"token"`
	Subdomain    string         `json:"subdomain"`
	ExposedPorts map[string]int `json:"exposed_ports"`
	ExpiresIn    int            `json:"expires_in"`
}

// MintTunnelToken mints a tunnel token using the session token.
func (c *Client) MintTunnelToken(ctx context.Context, workspaceID string, ports map[string]int) (*TunnelToken, error) {
	var tok TunnelToken
	body := map[string]any{}
	if len(ports) > 0 {
		body["ports"] = ports
	}
	if err := c.do(ctx, http.MethodPost, "/v1/workspaces/"+workspaceID+"/tunnel-token", body, &tok); err != nil {
		return nil, err
	}
	return &tok, nil
}

// MintAgentTunnelToken mints a tunnel token using the long-lived agent token
// carried by this client. Used by the headless tunnel agent.
func (c *Client) MintAgentTunnelToken(ctx context.Context, workspaceID string, ports map[string]int) (*TunnelToken, error) {
	var tok TunnelToken
	body := map[string]any{"workspace_id": workspaceID}
	if len(ports) > 0 {
		body["ports"] = ports
	}
	if err := c.do(ctx, http.MethodPost, "/v1/tunnel-tokens/agent", body, &tok); err != nil {
		return nil, err
	}
	return &tok, nil
}

// CreateLoopRequest is the request body for creating an agent loop.
type CreateLoopRequest struct {
	Name                string `json:"name,omitempty"`
	SandboxProviderID   string `json:"sandbox_provider_id"`
	RepoOwner           string `json:"repo_owner"`
	RepoName            string `json:"repo_name"`
	Branch              string `json:"branch,omitempty"`
	PlanFilePath        string `json:"plan_file_path"`
	ProgressFilePath    string `json:"progress_file_path,omitempty"`
	ModelProvider       string `json:"model_provider"`
	ModelID             string `json:"model_id"`
	Prompt              string `json:"prompt,omitempty"`
	AutomationEnabled   bool   `json:"automation_enabled,omitempty"`
	AutomationCondition string `json:"automation_condition,omitempty"`
	MaxRuns             int    `json:"max_runs,omitempty"`
}

// CreateLoop creates an agent loop.
func (c *Client) CreateLoop(ctx context.Context, req CreateLoopRequest) (*store.AgentLoop, error) {
	var loop store.AgentLoop
	if err := c.do(ctx, http.MethodPost, "/v1/loops", req, &loop); err != nil {
		return nil, err
	}
	return &loop, nil
}

// ListLoops returns the caller's agent loops.
func (c *Client) ListLoops(ctx context.Context, status string) ([]*store.AgentLoop, error) {
	path := "/v1/loops"
	if status != "" {
		path += "?status=" + status
	}
	var resp struct {
		Loops []*store.AgentLoop `json:"loops"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Loops, nil
}

// GetLoop returns one agent loop by ID.
func (c *Client) GetLoop(ctx context.Context, id string) (*store.AgentLoop, error) {
	var loop store.AgentLoop
	if err := c.do(ctx, http.MethodGet, "/v1/loops/"+id, nil, &loop); err != nil {
		return nil, err
	}
	return &loop, nil
}

// PauseLoop pauses an active loop.
func (c *Client) PauseLoop(ctx context.Context, id string) (*store.AgentLoop, error) {
	return c.loopTransition(ctx, id, "pause")
}

// ResumeLoop resumes a paused loop.
func (c *Client) ResumeLoop(ctx context.Context, id string) (*store.AgentLoop, error) {
	return c.loopTransition(ctx, id, "resume")
}

// ArchiveLoop archives a loop, cancelling any pending runs.
func (c *Client) ArchiveLoop(ctx context.Context, id string) (*store.AgentLoop, error) {
	return c.loopTransition(ctx, id, "archive")
}

func (c *Client) loopTransition(ctx context.Context, id, op string) (*store.AgentLoop, error) {
	var loop store.AgentLoop
	if err := c.do(ctx, http.MethodPost, "/v1/loops/"+id+"/"+op, nil, &loop); err != nil {
		return nil, err
	}
	return &loop, nil
}

// DeleteLoop deletes a loop and all its runs.
func (c *Client) DeleteLoop(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/v1/loops/"+id, nil, nil)
}

// StartRun starts a manual run on a loop. A halted run is returned when the
// caller's run quota is exhausted.
func (c *Client) StartRun(ctx context.Context, loopID string) (*store.Run, error) {
	var run store.Run
	if err := c.do(ctx, http.MethodPost, "/v1/loops/"+loopID+"/runs", nil, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// ListRuns returns the runs of a loop.
func (c *Client) ListRuns(ctx context.Context, loopID string) ([]*store.Run, error) {
	var resp struct {
		Runs []*store.Run `json:"runs"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/loops/"+loopID+"/runs", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Runs, nil
}

// GetRun returns one run by ID.
func (c *Client) GetRun(ctx context.Context, id string) (*store.Run, error) {
	var run store.Run
	if err := c.do(ctx, http.MethodGet, "/v1/runs/"+id, nil, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// RestartRun redispatches a halted or stalled run.
func (c *Client) RestartRun(ctx context.Context, id string) (*store.Run, error) {
	var run store.Run
	if err := c.do(ctx, http.MethodPost, "/v1/runs/"+id+"/restart", nil, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// Provider describes a model provider the vault can hold credentials for.
// Field names mirror the daemon's directory entries, which marshal without
// tags.
type Provider struct {
	Name           string
	DisplayName    string
	SupportsAPIKey bool
	SupportsOAuth  bool
}

// ListProviders returns the model providers credentials can be stored for.
func (c *Client) ListProviders(ctx context.Context) ([]Provider, error) {
	var resp struct {
		Providers []Provider `json:"providers"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/credentials/providers", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Providers, nil
}

// StoreCredential stores an API key credential for a provider.
func (c *Client) StoreCredential(ctx context.Context, provider, apiKey, label string) (*store.Credential, error) {
	var cred store.Credential
	body := map[string]string{"provider": provider, "api_key": apiKey}
	if label != "" {
		body["label"] = label
	}
	if err := c.do(ctx, http.MethodPost, "/v1/credentials", body, &cred); err != nil {
		return nil, err
	}
	return &cred, nil
}

// ListCredentials returns the caller's stored credentials (metadata only).
func (c *Client) ListCredentials(ctx context.Context) ([]*store.Credential, error) {
	var resp struct {
		Credentials []*store.Credential `json:"credentials"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/credentials", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Credentials, nil
}

// RevokeCredential deactivates a credential, keeping the row for audit.
func (c *Client) RevokeCredential(ctx context.Context, provider string) error {
	return c.do(ctx, http.MethodPost, "/v1/credentials/"+provider+"/revoke", nil, nil)
}

// DeleteCredential removes a credential entirely.
func (c *Client) DeleteCredential(ctx context.Context, provider string) error {
	return c.do(ctx, http.MethodDelete, "/v1/credentials/"+provider, nil, nil)
}

// OAuthAuthorization is the response from starting an OAuth device flow.
type OAuthAuthorization struct {
	DeviceCode              string    `json:"device_code"`
	UserCode                string    `json:"user_code"`
	VerificationURI         string    `json:"verification_uri"`
	VerificationURIComplete string    `json:"verification_uri_complete,omitempty"`
	ExpiresAt               time.Time `json:"expires_at"`
	Interval                int64     `json:"interval"`
}

// OAuthPollResult is the outcome of one OAuth poll.
type OAuthPollResult struct {
	Status     string            `json:"status"`
	Message    string            `json:"message,omitempty"`
	Credential *store.Credential `json:"credential,omitempty"`
}

// StartOAuth begins an OAuth device flow against a provider.
func (c *Client) StartOAuth(ctx context.Context, provider string) (*OAuthAuthorization, error) {
	var authz OAuthAuthorization
	body := map[string]string{"provider": provider}
	if err := c.do(ctx, http.MethodPost, "/v1/credentials/oauth/start", body, &authz); err != nil {
		return nil, err
	}
	return &authz, nil
}

// PollOAuth polls an in-flight OAuth device flow.
func (c *Client) PollOAuth(ctx context.Context, provider, deviceCode string) (*OAuthPollResult, error) {
	var result OAuthPollResult
	body := map[string]string{"provider": provider, "device_code": deviceCode}
	if err := c.do(ctx, http.MethodPost, "/v1/credentials/oauth/poll", body, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Quota summarizes the caller's remaining allowances.
type Quota struct {
	Plan            string    `json:"plan"`
	MinutesUsed     int       `json:"minutes_used"`
	MinutesLeft     int       `json:"minutes_left"`
	MonthlyRuns     int       `json:"monthly_runs"`
	ExtraRuns       int       `json:"extra_runs"`
	MonthlyGrant    int       `json:"monthly_grant"`
	NextRunsResetAt time.Time `json:"next_runs_reset_at"`
}

// GetQuota returns the caller's quota summary.
func (c *Client) GetQuota(ctx context.Context) (*Quota, error) {
	var q Quota
	if err := c.do(ctx, http.MethodGet, "/v1/quota", nil, &q); err != nil {
		return nil, err
	}
	return &q, nil
}

// ListConfig returns the system configuration (admin only).
func (c *Client) ListConfig(ctx context.Context) (map[string]string, error) {
	var resp struct {
		Config map[string]string `json:"config"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/admin/config", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Config, nil
}

// SetConfig updates one system configuration key (admin only).
func (c *Client) SetConfig(ctx context.Context, key, value string) error {
	body := map[string]string{"value": value}
	return c.do(ctx, http.MethodPut, "/v1/admin/config/"+key, body, nil)
}

// do performs one API request, decoding the JSON response into out when out
// is non-nil. Error responses are decoded into the shared error taxonomy.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
