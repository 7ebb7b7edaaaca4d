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
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tombee/workbench/internal/agentloop"
	"github.com/tombee/workbench/internal/auth"
	"github.com/tombee/workbench/internal/compute"
	"github.com/tombee/workbench/internal/config"
	"github.com/tombee/workbench/internal/events"
	"github.com/tombee/workbench/internal/metering"
	"github.com/tombee/workbench/internal/store"
	"github.com/tombee/workbench/internal/store/memory"
	"github.com/tombee/workbench/internal/tunnel"
	"github.com/tombee/workbench/internal/vault"
	"github.com/tombee/workbench/internal/workspace"
)

// Session tokens seeded for each test user.
const (
	userToken  = "token-user-1"
	otherToken = "token-other-1"
	adminToken = "token-admin-1"
)

// fakeProvider satisfies the compute provider surface with canned results,
// so workspace and run operations never leave the process.
type fakeProvider struct{}

func (f *fakeProvider) CreateWorkspace(ctx context.Context, req compute.CreateRequest) (*compute.CreateResult, error) {
	return &compute.CreateResult{
		ExternalServiceID: "svc-1",
		UpstreamURL:       "https://svc-1.up.example.net",
	}, nil
}

func (f *fakeProvider) CreatePersistentWorkspace(ctx context.Context, req compute.CreateRequest) (*compute.CreateResult, error) {
	return f.CreateWorkspace(ctx, req)
}

func (f *fakeProvider) StopWorkspace(ctx context.Context, req compute.StopRequest) error {
	return nil
}

func (f *fakeProvider) RestartWorkspace(ctx context.Context, req compute.StopRequest) error {
	return nil
}

func (f *fakeProvider) TerminateWorkspace(ctx context.Context, req compute.TerminateRequest) error {
	return nil
}

func (f *fakeProvider) StartSandboxRun(ctx context.Context, req compute.RunRequest) (*compute.RunAck, error) {
	return &compute.RunAck{Acknowledged: true, SandboxID: "sbx-1"}, nil
}

type apiEnv struct {
	router *Router
	be     *memory.Backend
}

// newAPIEnv assembles the full handler surface against a memory backend,
// the way the daemon wires it, minus transport and background loops.
func newAPIEnv(t *testing.T) *apiEnv {
	t.Helper()
	ctx := context.Background()
	be := memory.New()

	users := []*store.User{
		{ID: "user-1", Email: "dev@example.com", Plan: store.PlanFree, Role: store.RoleUser},
		{ID: "other-1", Email: "other@example.com", Plan: store.PlanFree, Role: store.RoleUser},
		{ID: "admin-1", Email: "admin@example.com", Plan: store.PlanPro, Role: store.RoleAdmin},
	}
	for _, u := range users {
		require.NoError(t, be.CreateUser(ctx, u))
	}
	for token, userID := range map[string]string{
		userToken:  "user-1",
		otherToken: "other-1",
		adminToken: "admin-1",
	} {
		require.NoError(t, be.CreateSession(ctx, &store.Session{
			TokenHash: auth.TokenHash(token),
			UserID:    userID,
			ExpiresAt: time.Now().Add(time.Hour),
			CreatedAt: time.Now(),
		}))
	}

	require.NoError(t, be.UpsertCloudProvider(ctx, &store.CloudProvider{
		ID: "cp-cloud", Name: "railway", Enabled: true,
	}))
	require.NoError(t, be.UpsertCloudProvider(ctx, &store.CloudProvider{
		ID: "cp-sbx", Name: "sandbox", IsSandbox: true, Enabled: true,
	}))
	require.NoError(t, be.UpsertRegion(ctx, &store.Region{
		ID: "rg-cloud", ProviderID: "cp-cloud", Name: "US West", ExternalID: "us-west1", Enabled: true,
	}))
	require.NoError(t, be.UpsertAgentType(ctx, &store.AgentType{
		ID: "at-code", Name: "opencode", Enabled: true,
	}))
	require.NoError(t, be.UpsertImage(ctx, &store.Image{
		ID: "img-code", Name: "opencode", ImageRef: "ghcr.io/workbench/opencode:latest", AgentTypeID: "at-code", Enabled: true,
	}))

	signer := auth.NewSigner([]byte("test-secret-at-least-32-bytes-long"), "workbench")
	authenticator := auth.New(auth.Config{
		Sessions:  be,
		Users:     be,
		Signer:    signer,
		RateLimit: auth.NewUserRateLimiter(1000, 1000),
	})

	meter := metering.New(metering.Config{
		Store:    be,
		Settings: metering.NewSettings(be, nil),
		Quotas: config.QuotasConfig{
			WorkspaceCap:       2,
			FreeRunsPerMonth:   10,
			TunnelRunsPerMonth: 50,
			ProRunsPerMonth:    200,
		},
	})

	v, err := vault.New(vault.Config{
		MasterSecret: "test-master-secret-at-least-32-bytes",
		Store:        be,
	})
	require.NoError(t, err)
	_, err = v.StoreAPIKey(ctx, "user-1", "anthropic", "sk-ant-test", "")
	require.NoError(t, err)

	registry := compute.NewRegistry(compute.RegistryConfig{}, be, nil)
	registry.Register("railway", &fakeProvider{})
	registry.Register("sandbox", &fakeProvider{})

	bus := events.NewBus()
	orchestrator := workspace.New(workspace.Config{
		BaseDomain: "wb.dev",
		PublicURL:  "https://api.wb.dev",
		Store:      be,
		Compute:    registry,
		Metering:   meter,
		Signer:     signer,
		Events:     bus,
	})

	scheduler, err := agentloop.New(agentloop.Config{
		CallbackURL:    "https://api.wb.dev/v1/callbacks/agent-loop",
		CallbackSecret: "cb-secret",
		Store:          be,
		Compute:        registry,
		Metering:       meter,
		Vault:          v,
		Events:         bus,
	})
	require.NoError(t, err)

	minter := tunnel.NewMinter(be, be, signer)

	router := NewRouter(RouterConfig{Version: "test"}, nil, nil)
	NewWorkspacesHandler(orchestrator, minter, authenticator).RegisterRoutes(router)
	NewLoopsHandler(scheduler, authenticator).RegisterRoutes(router)
	NewCredentialsHandler(v, authenticator).RegisterRoutes(router)
	NewQuotaHandler(be, meter, authenticator).RegisterRoutes(router)
	NewAdminHandler(be, meter, authenticator).RegisterRoutes(router)

	return &apiEnv{router: router, be: be}
}

// doJSON performs a request against the router with an optional bearer
// token and JSON body, returning the recorder.
func (env *apiEnv) doJSON(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	return rec
}

// decodeBody unmarshals the response body into out.
func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, out any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out))
}

// errorEnvelope is the wire error shape.
type errorEnvelope struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func decodeErrorBody(t *testing.T, rec *httptest.ResponseRecorder) errorEnvelope {
	t.Helper()
	var env errorEnvelope
	decodeBody(t, rec, &env)
	return env
}
