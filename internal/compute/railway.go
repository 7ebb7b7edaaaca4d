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

package compute

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/tombee/workbench/pkg/httpclient"

	wberrors "github.com/tombee/workbench/pkg/errors"
)

// volumeMountPath is where persistent workspaces mount their volume.
const volumeMountPath = "/workspace"

// signFunc authorizes an outgoing API request. Railway sets a bearer
// header; the gateway signs with SigV4.
type signFunc func(ctx context.Context, req *http.Request, payload []byte) error

// Railway provisions workspace services on Railway's GraphQL API. The
// gateway provider reuses this implementation with a different endpoint
// and request signer.
type Railway struct {
	name          string
	endpoint      string
	projectID     string
	environmentID string
	httpClient    *http.Client
	sign          signFunc
	logger        *slog.Logger
}

// RailwayConfig carries the settings NewRailway needs. It mirrors the
// daemon's compute.railway config section.
type RailwayConfig struct {
	Token         string
	ProjectID     string
	EnvironmentID string
	APIURL        string
}

// NewRailway creates a Railway provider with bearer-token auth.
func NewRailway(cfg RailwayConfig, logger *slog.Logger) (*Railway, error) {
	if cfg.Token == "" {
		return nil, &wberrors.ConfigError{
			Key:    "compute.railway.token",
			Reason: "Railway API token is required",
		}
	}
	if cfg.ProjectID == "" {
		return nil, &wberrors.ConfigError{
			Key:    "compute.railway.project_id",
			Reason: "Railway project id is required",
		}
	}
	if cfg.EnvironmentID == "" {
		return nil, &wberrors.ConfigError{
			Key:    "compute.railway.environment_id",
			Reason: "Railway environment id is required",
		}
	}
	if cfg.APIURL == "" {
		return nil, &wberrors.ConfigError{
			Key:    "compute.railway.api_url",
			Reason: "Railway API URL is required",
		}
	}

	hcfg := httpclient.DefaultConfig()
	hcfg.UserAgent = "workbench-railway/1.0"
	// Mutations are not idempotent; callers compensate instead of the
	// transport replaying them.
	hcfg.RetryAttempts = 0
	client, err := httpclient.New(hcfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP client: %w", err)
	}

	token := cfg.Token
	sign := func(ctx context.Context, req *http.Request, payload []byte) error {
		req.Header.Set("Authorization", "Bearer "+token)
		return nil
	}

	return newRailway("railway", cfg.APIURL, cfg.ProjectID, cfg.EnvironmentID, client, sign, logger), nil
}

// newRailway wires a Railway-shaped provider around an arbitrary endpoint
// and signer.
func newRailway(name, endpoint, projectID, environmentID string, client *http.Client, sign signFunc, logger *slog.Logger) *Railway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Railway{
		name:          name,
		endpoint:      endpoint,
		projectID:     projectID,
		environmentID: environmentID,
		httpClient:    client,
		sign:          sign,
		logger:        logger,
	}
}

// CreateWorkspace provisions a service and exposes it on a generated
// domain. If the domain call fails the service is released so no orphan
// accrues usage.
func (r *Railway) CreateWorkspace(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	return r.create(ctx, req, "")
}

// CreatePersistentWorkspace provisions a volume first, then the service
// attached to it. A service failure deletes the volume again.
func (r *Railway) CreatePersistentWorkspace(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	var volResp struct {
		VolumeCreate struct {
			ID        string `json:"id"`
			CreatedAt string `json:"createdAt"`
		} `json:"volumeCreate"`
	}
	err := r.do(ctx, "volume_create", `mutation volumeCreate($input: VolumeCreateInput!) {
  volumeCreate(input: $input) { id createdAt }
}`, map[string]any{
		"input": map[string]any{
			"projectId":     r.projectID,
			"environmentId": r.environmentID,
			"mountPath":     volumeMountPath,
		},
	}, &volResp)
	if err != nil {
		return nil, err
	}

	result, err := r.create(ctx, req, volResp.VolumeCreate.ID)
	if err != nil {
		r.deleteVolume(ctx, volResp.VolumeCreate.ID)
		return nil, err
	}
	result.ExternalVolumeID = volResp.VolumeCreate.ID
	result.VolumeCreatedAt = parseUpstreamTime(volResp.VolumeCreate.CreatedAt)
	return result, nil
}

// create provisions the service and its domain, attaching volumeID when
// non-empty.
func (r *Railway) create(ctx context.Context, req CreateRequest, volumeID string) (*CreateResult, error) {
	input := map[string]any{
		"projectId":     r.projectID,
		"environmentId": r.environmentID,
		"name":          req.Subdomain,
		"source":        map[string]any{"image": req.ImageRef},
		"region":        req.RegionIdentifier,
	}
	if len(req.Env) > 0 {
		input["variables"] = req.Env
	}
	if volumeID != "" {
		input["volumeId"] = volumeID
	}

	var svcResp struct {
		ServiceCreate struct {
			ID        string `json:"id"`
			CreatedAt string `json:"createdAt"`
		} `json:"serviceCreate"`
	}
	err := r.do(ctx, "service_create", `mutation serviceCreate($input: ServiceCreateInput!) {
  serviceCreate(input: $input) { id createdAt }
}`, map[string]any{"input": input}, &svcResp)
	if err != nil {
		return nil, err
	}
	serviceID := svcResp.ServiceCreate.ID

	var domResp struct {
		ServiceDomainCreate struct {
			Domain string `json:"domain"`
		} `json:"serviceDomainCreate"`
	}
	err = r.do(ctx, "service_domain_create", `mutation serviceDomainCreate($input: ServiceDomainCreateInput!) {
  serviceDomainCreate(input: $input) { domain }
}`, map[string]any{
		"input": map[string]any{
			"serviceId":     serviceID,
			"environmentId": r.environmentID,
		},
	}, &domResp)
	if err != nil {
		r.deleteService(ctx, serviceID)
		return nil, err
	}

	return &CreateResult{
		ExternalServiceID: serviceID,
		UpstreamURL:       "https://" + domResp.ServiceDomainCreate.Domain,
		ServiceCreatedAt:  parseUpstreamTime(svcResp.ServiceCreate.CreatedAt),
	}, nil
}

// StopWorkspace stops the active deployment. Without a deployment id there
// is nothing running upstream and the call succeeds locally.
func (r *Railway) StopWorkspace(ctx context.Context, req StopRequest) error {
	if req.RunningDeploymentID == "" {
		return nil
	}
	var resp struct {
		DeploymentStop bool `json:"deploymentStop"`
	}
	err := r.do(ctx, "deployment_stop", `mutation deploymentStop($id: String!) {
  deploymentStop(id: $id)
}`, map[string]any{"id": req.RunningDeploymentID}, &resp)
	if isUpstreamNotFound(err) {
		return nil
	}
	return err
}

// RestartWorkspace redeploys the service instance.
func (r *Railway) RestartWorkspace(ctx context.Context, req StopRequest) error {
	var resp struct {
		ServiceInstanceRedeploy bool `json:"serviceInstanceRedeploy"`
	}
	err := r.do(ctx, "service_instance_redeploy", `mutation serviceInstanceRedeploy($serviceId: String!, $environmentId: String!) {
  serviceInstanceRedeploy(serviceId: $serviceId, environmentId: $environmentId)
}`, map[string]any{
		"serviceId":     req.ExternalServiceID,
		"environmentId": r.environmentID,
	}, &resp)
	if isUpstreamNotFound(err) {
		return nil
	}
	return err
}

// TerminateWorkspace deletes the service and then any attached volume.
// Missing upstream resources are already gone and count as success.
func (r *Railway) TerminateWorkspace(ctx context.Context, req TerminateRequest) error {
	var svcResp struct {
		ServiceDelete bool `json:"serviceDelete"`
	}
	err := r.do(ctx, "service_delete", `mutation serviceDelete($id: String!) {
  serviceDelete(id: $id)
}`, map[string]any{"id": req.ExternalServiceID}, &svcResp)
	if err != nil && !isUpstreamNotFound(err) {
		return err
	}

	if req.ExternalVolumeID == "" {
		return nil
	}
	var volResp struct {
		VolumeDelete bool `json:"volumeDelete"`
	}
	err = r.do(ctx, "volume_delete", `mutation volumeDelete($volumeId: String!) {
  volumeDelete(volumeId: $volumeId)
}`, map[string]any{"volumeId": req.ExternalVolumeID}, &volResp)
	if isUpstreamNotFound(err) {
		return nil
	}
	return err
}

// StartSandboxRun is not available; sandbox runs dispatch through a
// sandbox provider.
func (r *Railway) StartSandboxRun(ctx context.Context, req RunRequest) (*RunAck, error) {
	return nil, fmt.Errorf("%s provider: %w", r.name, ErrNotSupported)
}

// deleteService best-effort releases a service after a partial create.
func (r *Railway) deleteService(ctx context.Context, serviceID string) {
	var resp struct {
		ServiceDelete bool `json:"serviceDelete"`
	}
	err := r.do(ctx, "service_delete", `mutation serviceDelete($id: String!) {
  serviceDelete(id: $id)
}`, map[string]any{"id": serviceID}, &resp)
	if err != nil && !isUpstreamNotFound(err) {
		r.logger.Warn("failed to clean up service after partial create",
			slog.String("provider", r.name),
			slog.String("service_id", serviceID),
			slog.String("error", err.Error()))
	}
}

// deleteVolume best-effort releases a volume after a partial create.
func (r *Railway) deleteVolume(ctx context.Context, volumeID string) {
	var resp struct {
		VolumeDelete bool `json:"volumeDelete"`
	}
	err := r.do(ctx, "volume_delete", `mutation volumeDelete($volumeId: String!) {
  volumeDelete(volumeId: $volumeId)
}`, map[string]any{"volumeId": volumeID}, &resp)
	if err != nil && !isUpstreamNotFound(err) {
		r.logger.Warn("failed to clean up volume after partial create",
			slog.String("provider", r.name),
			slog.String("volume_id", volumeID),
			slog.String("error", err.Error()))
	}
}

// graphqlRequest is the POST body for every API call.
type graphqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

// graphqlError is one entry of the response errors array.
type graphqlError struct {
	Message    string `json:"message"`
	Extensions struct {
		Code string `json:"code"`
	} `json:"extensions"`
}

// graphqlResponse wraps the data/errors envelope.
type graphqlResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []graphqlError  `json:"errors"`
}

// do executes one GraphQL operation and decodes the data envelope into
// out. Errors come back classified: quota refusals as QuotaExceededError,
// bad regions as ValidationError, everything else as UpstreamError with
// retryability derived from the failure kind.
func (r *Railway) do(ctx context.Context, op, query string, variables map[string]any, out any) error {
	payload, err := json.Marshal(graphqlRequest{Query: query, Variables: variables})
	if err != nil {
		return &wberrors.UpstreamError{
			Provider: r.name,
			Op:       op,
			Message:  fmt.Sprintf("failed to marshal request: %v", err),
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(payload))
	if err != nil {
		return &wberrors.UpstreamError{
			Provider: r.name,
			Op:       op,
			Message:  fmt.Sprintf("failed to create request: %v", err),
		}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if err := r.sign(ctx, httpReq, payload); err != nil {
		return &wberrors.UpstreamError{
			Provider: r.name,
			Op:       op,
			Message:  fmt.Sprintf("failed to sign request: %v", err),
			Cause:    err,
		}
	}

	resp, err := r.httpClient.Do(httpReq)
	if err != nil {
		return &wberrors.UpstreamError{
			Provider:  r.name,
			Op:        op,
			Message:   fmt.Sprintf("request failed: %v", err),
			Retryable: true,
			Cause:     err,
		}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &wberrors.UpstreamError{
			Provider:  r.name,
			Op:        op,
			Message:   fmt.Sprintf("failed to read response: %v", err),
			Retryable: true,
			Cause:     err,
		}
	}

	if resp.StatusCode != http.StatusOK {
		return r.classifyHTTPStatus(op, resp.StatusCode, body)
	}

	var envelope graphqlResponse
	if err := json.Unmarshal(body, &envelope); err != nil {
		return &wberrors.UpstreamError{
			Provider: r.name,
			Op:       op,
			Message:  fmt.Sprintf("failed to parse response: %v", err),
		}
	}
	if len(envelope.Errors) > 0 {
		return r.classifyGraphQLError(op, envelope.Errors[0])
	}

	if out != nil && len(envelope.Data) > 0 {
		if err := json.Unmarshal(envelope.Data, out); err != nil {
			return &wberrors.UpstreamError{
				Provider: r.name,
				Op:       op,
				Message:  fmt.Sprintf("failed to parse response data: %v", err),
			}
		}
	}
	return nil
}

// classifyHTTPStatus maps transport-level failures.
func (r *Railway) classifyHTTPStatus(op string, status int, body []byte) error {
	msg := strings.TrimSpace(string(body))
	if len(msg) > 256 {
		msg = msg[:256]
	}
	return &wberrors.UpstreamError{
		Provider:   r.name,
		Op:         op,
		StatusCode: status,
		Message:    msg,
		Retryable:  status == http.StatusTooManyRequests || status >= 500,
	}
}

// classifyGraphQLError maps an API-level error entry onto the shared error
// types. The API reports most failures as 200s with an errors array, so
// this is where quota and region refusals are recognized.
func (r *Railway) classifyGraphQLError(op string, gqlErr graphqlError) error {
	code := strings.ToUpper(gqlErr.Extensions.Code)
	lower := strings.ToLower(gqlErr.Message)

	switch {
	case code == "QUOTA_EXCEEDED" || code == "RESOURCE_LIMIT_EXCEEDED" || strings.Contains(lower, "quota"):
		return &wberrors.QuotaExceededError{Scope: "upstream_compute"}

	case strings.Contains(lower, "region") &&
		(strings.Contains(lower, "disabled") || strings.Contains(lower, "unavailable") ||
			strings.Contains(lower, "not available") || strings.Contains(lower, "invalid")):
		return &wberrors.ValidationError{
			Field:      "region",
			Message:    gqlErr.Message,
			Suggestion: "Choose a different region offered by this provider",
		}

	case code == "NOT_FOUND":
		return &wberrors.UpstreamError{
			Provider:   r.name,
			Op:         op,
			StatusCode: http.StatusNotFound,
			Message:    gqlErr.Message,
		}

	case code == "UNAUTHORIZED" || code == "FORBIDDEN":
		return &wberrors.UpstreamError{
			Provider:   r.name,
			Op:         op,
			StatusCode: http.StatusUnauthorized,
			Message:    gqlErr.Message,
		}

	case code == "INTERNAL_SERVER_ERROR" || code == "SERVICE_UNAVAILABLE" || code == "TIMEOUT":
		return &wberrors.UpstreamError{
			Provider:  r.name,
			Op:        op,
			Message:   gqlErr.Message,
			Retryable: true,
		}

	default:
		return &wberrors.UpstreamError{
			Provider: r.name,
			Op:       op,
			Message:  gqlErr.Message,
		}
	}
}

// isUpstreamNotFound reports whether err is an upstream 404, which the
// idempotent lifecycle operations treat as success.
func isUpstreamNotFound(err error) bool {
	if err == nil {
		return false
	}
	var ue *wberrors.UpstreamError
	if wberrors.As(err, &ue) {
		return ue.StatusCode == http.StatusNotFound
	}
	return false
}

// parseUpstreamTime parses the API's RFC3339 timestamps, falling back to
// now when the field is absent or malformed.
func parseUpstreamTime(s string) time.Time {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC()
	}
	return time.Now().UTC()
}
