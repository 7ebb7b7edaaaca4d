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

package workspace

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/workbench/internal/auth"
	"github.com/tombee/workbench/internal/compute"
	"github.com/tombee/workbench/internal/config"
	"github.com/tombee/workbench/internal/events"
	"github.com/tombee/workbench/internal/git"
	"github.com/tombee/workbench/internal/metering"
	"github.com/tombee/workbench/internal/store"
	"github.com/tombee/workbench/internal/store/memory"
	wberrors "github.com/tombee/workbench/pkg/errors"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// fakeProvider records lifecycle calls and returns scripted results.
type fakeProvider struct {
	mu sync.Mutex

	creates    []compute.CreateRequest
	persistent int
	stops      []compute.StopRequest
	restarts   []compute.StopRequest
	terminates []compute.TerminateRequest

	result       compute.CreateResult
	createErr    error
	stopErr      error
	restartErr   error
	terminateErr error
}

func (f *fakeProvider) CreateWorkspace(ctx context.Context, req compute.CreateRequest) (*compute.CreateResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates = append(f.creates, req)
	if f.createErr != nil {
		return nil, f.createErr
	}
	result := f.result
	return &result, nil
}

func (f *fakeProvider) CreatePersistentWorkspace(ctx context.Context, req compute.CreateRequest) (*compute.CreateResult, error) {
	f.mu.Lock()
	f.persistent++
	f.mu.Unlock()
	return f.CreateWorkspace(ctx, req)
}

func (f *fakeProvider) StopWorkspace(ctx context.Context, req compute.StopRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops = append(f.stops, req)
	return f.stopErr
}

func (f *fakeProvider) RestartWorkspace(ctx context.Context, req compute.StopRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restarts = append(f.restarts, req)
	return f.restartErr
}

func (f *fakeProvider) TerminateWorkspace(ctx context.Context, req compute.TerminateRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminates = append(f.terminates, req)
	return f.terminateErr
}

func (f *fakeProvider) StartSandboxRun(ctx context.Context, req compute.RunRequest) (*compute.RunAck, error) {
	return nil, compute.ErrNotSupported
}

type fakeTokenSource struct {
	token *git.Token
	err   error
}

func (f *fakeTokenSource) TokenForUser(ctx context.Context, userID string) (*git.Token, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.token, nil
}

type testEnv struct {
	orch  *Orchestrator
	be    *memory.Backend
	prov  *fakeProvider
	bus   *events.Bus
	meter *metering.Service
	clock *testClock
}

func seedUsers(t *testing.T, be *memory.Backend) {
	t.Helper()
	ctx := context.Background()
	users := []*store.User{
		{ID: "user-1", Email: "dev@example.com", Plan: store.PlanFree, Role: store.RoleUser},
		{ID: "pro-1", Email: "pro@example.com", Plan: store.PlanPro, Role: store.RoleUser},
		{ID: "tunnel-1", Email: "tunnel@example.com", Plan: store.PlanTunnel, Role: store.RoleUser},
		{ID: "admin-1", Email: "admin@example.com", Plan: store.PlanPro, Role: store.RoleAdmin},
	}
	for _, u := range users {
		require.NoError(t, be.CreateUser(ctx, u))
	}
}

func seedCatalog(t *testing.T, be *memory.Backend) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, be.UpsertCloudProvider(ctx, &store.CloudProvider{
		ID: "cp-cloud", Name: "railway", Enabled: true,
	}))
	require.NoError(t, be.UpsertCloudProvider(ctx, &store.CloudProvider{
		ID: "cp-local", Name: "local", Enabled: true,
	}))
	require.NoError(t, be.UpsertCloudProvider(ctx, &store.CloudProvider{
		ID: "cp-off", Name: "heroku", Enabled: false,
	}))
	require.NoError(t, be.UpsertRegion(ctx, &store.Region{
		ID: "rg-cloud", ProviderID: "cp-cloud", Name: "US West", ExternalID: "us-west1", Enabled: true,
	}))
	require.NoError(t, be.UpsertRegion(ctx, &store.Region{
		ID: "rg-local", ProviderID: "cp-local", Name: "Local", Enabled: true,
	}))
	require.NoError(t, be.UpsertRegion(ctx, &store.Region{
		ID: "rg-off", ProviderID: "cp-cloud", Name: "Decommissioned", Enabled: false,
	}))
	require.NoError(t, be.UpsertAgentType(ctx, &store.AgentType{
		ID: "at-code", Name: "opencode", Enabled: true,
	}))
	require.NoError(t, be.UpsertAgentType(ctx, &store.AgentType{
		ID: "at-server", Name: "opencode-server", ServerOnly: true, Enabled: true,
	}))
	require.NoError(t, be.UpsertAgentType(ctx, &store.AgentType{
		ID: "at-off", Name: "retired", Enabled: false,
	}))
	require.NoError(t, be.UpsertAgentType(ctx, &store.AgentType{
		ID: "at-bare", Name: "imageless", Enabled: true,
	}))
	require.NoError(t, be.UpsertImage(ctx, &store.Image{
		ID: "img-code", Name: "opencode", ImageRef: "ghcr.io/workbench/opencode:latest", AgentTypeID: "at-code", Enabled: true,
	}))
	require.NoError(t, be.UpsertImage(ctx, &store.Image{
		ID: "img-server", Name: "opencode-server", ImageRef: "ghcr.io/workbench/opencode-server:latest", AgentTypeID: "at-server", Enabled: true,
	}))
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	be := memory.New()
	seedUsers(t, be)
	seedCatalog(t, be)

	clock := &testClock{t: time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC)}

	meter := metering.New(metering.Config{
		Store:    be,
		Settings: metering.NewSettings(be, nil),
		Quotas: config.QuotasConfig{
			WorkspaceCap:       1,
			FreeRunsPerMonth:   10,
			TunnelRunsPerMonth: 50,
			ProRunsPerMonth:    200,
		},
	})

	registry := compute.NewRegistry(compute.RegistryConfig{}, be, nil)
	prov := &fakeProvider{result: compute.CreateResult{
		ExternalServiceID: "svc-1",
		UpstreamURL:       "https://svc-1.up.example.net",
	}}
	registry.Register("railway", prov)

	bus := events.NewBus()
	orch := New(Config{
		BaseDomain: "wb.dev",
		PublicURL:  "https://api.wb.dev",
		Store:      be,
		Compute:    registry,
		Metering:   meter,
		Signer:     auth.NewSigner([]byte("test-secret-at-least-32-bytes-long"), "workbench"),
		Events:     bus,
	})
	orch.now = clock.Now

	return &testEnv{orch: orch, be: be, prov: prov, bus: bus, meter: meter, clock: clock}
}

func cloudCreateRequest(userID string) CreateRequest {
	return CreateRequest{
		UserID:          userID,
		AgentTypeID:     "at-code",
		CloudProviderID: "cp-cloud",
		RegionID:        "rg-cloud",
		RepoURL:         "https://github.com/acme/app",
	}
}

// exhaustDailyMinutes burns the user's full free-tier allowance for today.
func exhaustDailyMinutes(t *testing.T, be *memory.Backend, userID string) {
	t.Helper()
	day := time.Now().UTC().Format("2006-01-02")
	_, err := be.AddDailyUsage(context.Background(), userID, day, metering.DefaultFreeTierDailyMinutes)
	require.NoError(t, err)
}

func nextEvent(t *testing.T, ch <-chan events.Event) events.Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	default:
		t.Fatal("expected an event to be published")
		return events.Event{}
	}
}

func assertNoEvent(t *testing.T, ch <-chan events.Event) {
	t.Helper()
	select {
	case ev := <-ch:
		t.Fatalf("unexpected event %s", ev.Type)
	default:
	}
}

func TestCreate_CloudWorkspace(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	ch, unsub := env.bus.Subscribe("user-1")
	defer unsub()

	ws, err := env.orch.Create(ctx, cloudCreateRequest("user-1"))
	require.NoError(t, err)

	assert.Equal(t, store.WorkspaceStatusPending, ws.Status)
	assert.Equal(t, store.HostingCloud, ws.HostingType)
	assert.Equal(t, "cp-cloud", ws.CloudProviderID)
	assert.Equal(t, "rg-cloud", ws.RegionID)
	assert.Equal(t, "img-code", ws.ImageID)
	assert.Equal(t, "svc-1", ws.ExternalInstanceID)
	assert.Equal(t, "https://svc-1.up.example.net", ws.UpstreamURL)
	assert.True(t, strings.HasPrefix(ws.Subdomain, "ws-"), "generated subdomain should carry the ws- prefix, got %q", ws.Subdomain)
	assert.Equal(t, ws.Subdomain+".wb.dev", ws.Domain)
	assert.Equal(t, ws.Subdomain, ws.Name, "name should default to the subdomain")

	require.Len(t, env.prov.creates, 1)
	createReq := env.prov.creates[0]
	assert.Equal(t, ws.ID, createReq.WorkspaceID)
	assert.Equal(t, "us-west1", createReq.RegionIdentifier)
	assert.Equal(t, "ghcr.io/workbench/opencode:latest", createReq.ImageRef)
	assert.Equal(t, "https://github.com/acme/app", createReq.Env["REPO_URL"])
	assert.Equal(t, "acme", createReq.Env["REPO_OWNER"])
	assert.Equal(t, "app", createReq.Env["REPO_NAME"])
	assert.Equal(t, ws.ID, createReq.Env["WORKSPACE_ID"])
	assert.NotEmpty(t, createReq.Env["WORKSPACE_AUTH_TOKEN"])
	assert.Equal(t, "https://api.wb.dev", createReq.Env["WORKSPACE_API_URL"])

	session, err := env.be.GetOpenUsageSession(ctx, ws.ID)
	require.NoError(t, err, "cloud admission should open a usage session")
	assert.Equal(t, "user-1", session.UserID)

	ev := nextEvent(t, ch)
	assert.Equal(t, events.TypeWorkspaceCreated, ev.Type)
	assert.Equal(t, ws.ID, ev.ResourceID)

	persisted, err := env.be.GetWorkspace(ctx, ws.ID)
	require.NoError(t, err)
	assert.Equal(t, store.WorkspaceStatusPending, persisted.Status)
}

func TestCreate_PersistentWorkspace(t *testing.T) {
	env := newTestEnv(t)
	env.prov.result.ExternalVolumeID = "vol-1"

	req := cloudCreateRequest("user-1")
	req.Persistent = true
	ws, err := env.orch.Create(context.Background(), req)
	require.NoError(t, err)

	assert.True(t, ws.Persistent)
	assert.Equal(t, "vol-1", ws.ExternalVolumeID)
	assert.Equal(t, 1, env.prov.persistent)
}

func TestCreate_LocalWorkspace(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	ws, err := env.orch.Create(ctx, CreateRequest{
		UserID:          "user-1",
		AgentTypeID:     "at-server",
		CloudProviderID: "cp-local",
		RegionID:        "rg-local",
		LocalPort:       3000,
	})
	require.NoError(t, err)

	assert.Equal(t, store.HostingLocal, ws.HostingType)
	assert.True(t, ws.ServerOnly)
	assert.Equal(t, 3000, ws.LocalPort)
	assert.Empty(t, ws.ExternalInstanceID)

	_, err = env.be.GetOpenUsageSession(ctx, ws.ID)
	var notFound *wberrors.NotFoundError
	assert.ErrorAs(t, err, &notFound, "local hosting is not metered")
}

func TestCreate_LocalRequiresServerOnlyAgent(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.orch.Create(context.Background(), CreateRequest{
		UserID:          "user-1",
		AgentTypeID:     "at-code",
		CloudProviderID: "cp-local",
		RegionID:        "rg-local",
	})

	var verr *wberrors.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "agent_type_id", verr.Field)
}

func TestCreate_CloudRequiresRepository(t *testing.T) {
	env := newTestEnv(t)

	req := cloudCreateRequest("user-1")
	req.RepoURL = ""
	_, err := env.orch.Create(context.Background(), req)

	var verr *wberrors.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "repository_url", verr.Field)
	assert.Empty(t, env.prov.creates, "nothing should be provisioned")
}

func TestCreate_DailyQuotaExhausted(t *testing.T) {
	env := newTestEnv(t)
	exhaustDailyMinutes(t, env.be, "user-1")

	_, err := env.orch.Create(context.Background(), cloudCreateRequest("user-1"))

	var qerr *wberrors.QuotaExceededError
	require.ErrorAs(t, err, &qerr)
	assert.Equal(t, "daily_minutes", qerr.Scope)
	assert.Equal(t, metering.DefaultFreeTierDailyMinutes, qerr.Used)
	assert.Empty(t, env.prov.creates)
}

func TestCreate_WorkspaceCap(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.orch.Create(ctx, cloudCreateRequest("user-1"))
	require.NoError(t, err)

	_, err = env.orch.Create(ctx, cloudCreateRequest("user-1"))
	var qerr *wberrors.QuotaExceededError
	require.ErrorAs(t, err, &qerr)
	assert.Equal(t, "workspaces", qerr.Scope)
	assert.Equal(t, 1, qerr.Limit)
	assert.Equal(t, 1, qerr.Used)
}

func TestCreate_AdminExemptFromCap(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.orch.Create(ctx, cloudCreateRequest("admin-1"))
	require.NoError(t, err)
	_, err = env.orch.Create(ctx, cloudCreateRequest("admin-1"))
	require.NoError(t, err)
}

func TestCreate_PlacementValidation(t *testing.T) {
	tests := []struct {
		name  string
		mut   func(*CreateRequest)
		field string
	}{
		{"unknown provider", func(r *CreateRequest) { r.CloudProviderID = "cp-nope" }, "cloud_provider_id"},
		{"disabled provider", func(r *CreateRequest) { r.CloudProviderID = "cp-off" }, "cloud_provider_id"},
		{"unknown region", func(r *CreateRequest) { r.RegionID = "rg-nope" }, "region_id"},
		{"region from another provider", func(r *CreateRequest) { r.RegionID = "rg-local" }, "region_id"},
		{"disabled region", func(r *CreateRequest) { r.RegionID = "rg-off" }, "region_id"},
		{"unknown agent type", func(r *CreateRequest) { r.AgentTypeID = "at-nope" }, "agent_type_id"},
		{"disabled agent type", func(r *CreateRequest) { r.AgentTypeID = "at-off" }, "agent_type_id"},
		{"unknown image", func(r *CreateRequest) { r.ImageID = "img-nope" }, "image_id"},
		{"image for another agent type", func(r *CreateRequest) { r.ImageID = "img-server" }, "image_id"},
		{"no image for agent type", func(r *CreateRequest) { r.AgentTypeID = "at-bare" }, "agent_type_id"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			req := cloudCreateRequest("user-1")
			tt.mut(&req)

			_, err := env.orch.Create(context.Background(), req)

			var verr *wberrors.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestCreate_CustomSubdomain(t *testing.T) {
	t.Run("free plan is refused", func(t *testing.T) {
		env := newTestEnv(t)
		req := cloudCreateRequest("user-1")
		req.Subdomain = "my-app"

		_, err := env.orch.Create(context.Background(), req)

		var ferr *wberrors.ForbiddenError
		assert.ErrorAs(t, err, &ferr)
	})

	t.Run("pro plan claims any hosting", func(t *testing.T) {
		env := newTestEnv(t)
		req := cloudCreateRequest("pro-1")
		req.Subdomain = "My-App"

		ws, err := env.orch.Create(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, "my-app", ws.Subdomain)
		assert.Equal(t, "my-app.wb.dev", ws.Domain)
	})

	t.Run("tunnel plan is local only", func(t *testing.T) {
		env := newTestEnv(t)
		cloud := cloudCreateRequest("tunnel-1")
		cloud.Subdomain = "my-app"
		_, err := env.orch.Create(context.Background(), cloud)
		var ferr *wberrors.ForbiddenError
		assert.ErrorAs(t, err, &ferr)

		ws, err := env.orch.Create(context.Background(), CreateRequest{
			UserID:          "tunnel-1",
			AgentTypeID:     "at-server",
			CloudProviderID: "cp-local",
			RegionID:        "rg-local",
			Subdomain:       "my-app",
		})
		require.NoError(t, err)
		assert.Equal(t, "my-app", ws.Subdomain)
	})

	t.Run("reserved name", func(t *testing.T) {
		env := newTestEnv(t)
		req := cloudCreateRequest("pro-1")
		req.Subdomain = "api"

		_, err := env.orch.Create(context.Background(), req)

		var verr *wberrors.ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, "subdomain", verr.Field)
	})

	t.Run("malformed name", func(t *testing.T) {
		env := newTestEnv(t)
		req := cloudCreateRequest("pro-1")
		req.Subdomain = "-bad-"

		_, err := env.orch.Create(context.Background(), req)

		var verr *wberrors.ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, "subdomain", verr.Field)
	})

	t.Run("taken by a live workspace", func(t *testing.T) {
		env := newTestEnv(t)
		req := cloudCreateRequest("pro-1")
		req.Subdomain = "my-app"
		_, err := env.orch.Create(context.Background(), req)
		require.NoError(t, err)

		second := cloudCreateRequest("admin-1")
		second.Subdomain = "my-app"
		_, err = env.orch.Create(context.Background(), second)

		var cerr *wberrors.ConflictError
		assert.ErrorAs(t, err, &cerr)
	})
}

func TestCreate_GitHubEnvironment(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, env.be.SaveInstallation(ctx, &store.GitHubInstallation{
		UserID:         "user-1",
		InstallationID: 99,
		AccountLogin:   "octocat",
	}))
	expiry := time.Now().Add(time.Hour).UTC()
	env.orch.git = &fakeTokenSource{token: &git.Token{Value: "ghs_test_1", ExpiresAt: expiry}}

	req := cloudCreateRequest("user-1")
	req.AgentConfig = json.RawMessage(`{"model":"claude-sonnet-4"}`)
	ws, err := env.orch.Create(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, "99", ws.GitIntegrationID)

	require.Len(t, env.prov.creates, 1)
	got := env.prov.creates[0].Env
	assert.Equal(t, "octocat", got["USER_GITHUB_USERNAME"])
	assert.Equal(t, "ghs_test_1", got["GITHUB_APP_TOKEN"])
	assert.Equal(t, expiry.Format(time.RFC3339), got["GITHUB_APP_TOKEN_EXPIRY"])
	assert.Equal(t,
		base64.StdEncoding.EncodeToString([]byte(`{"model":"claude-sonnet-4"}`)),
		got["OPENCODE_CONFIG_BASE64"])
}

func TestCreate_GitHubTokenFailureIsNotFatal(t *testing.T) {
	env := newTestEnv(t)
	env.orch.git = &fakeTokenSource{err: errors.New("github is down")}

	ws, err := env.orch.Create(context.Background(), cloudCreateRequest("user-1"))
	require.NoError(t, err)

	require.Len(t, env.prov.creates, 1)
	got := env.prov.creates[0].Env
	assert.NotContains(t, got, "GITHUB_APP_TOKEN")
	assert.NotEmpty(t, got["WORKSPACE_AUTH_TOKEN"])
	assert.Equal(t, store.WorkspaceStatusPending, ws.Status)
}

func TestCreate_UpstreamFailure(t *testing.T) {
	env := newTestEnv(t)
	env.prov.createErr = errors.New("railway is down")

	_, err := env.orch.Create(context.Background(), cloudCreateRequest("user-1"))
	require.Error(t, err)

	rows, err := env.be.ListWorkspaces(context.Background(), store.WorkspaceFilter{UserID: "user-1"})
	require.NoError(t, err)
	assert.Empty(t, rows, "no row should be written when provisioning fails")
}

// failOnceStore wraps the memory backend so the workspace insert fails after
// upstream provisioning has already happened.
type failOnceStore struct {
	*memory.Backend
	failures int
}

func (f *failOnceStore) WithTx(ctx context.Context, fn func(store.Store) error) error {
	return f.Backend.WithTx(ctx, func(tx store.Store) error {
		return fn(&failOnceTx{Store: tx, parent: f})
	})
}

type failOnceTx struct {
	store.Store
	parent *failOnceStore
}

func (f *failOnceTx) CreateWorkspace(ctx context.Context, ws *store.Workspace) error {
	if f.parent.failures > 0 {
		f.parent.failures--
		return errors.New("simulated insert failure")
	}
	return f.Store.CreateWorkspace(ctx, ws)
}

func TestCreate_InsertFailureReleasesUpstream(t *testing.T) {
	env := newTestEnv(t)
	env.orch.store = &failOnceStore{Backend: env.be, failures: 1}

	_, err := env.orch.Create(context.Background(), cloudCreateRequest("user-1"))
	require.Error(t, err)

	require.Len(t, env.prov.terminates, 1, "provisioned service should be released")
	assert.Equal(t, "svc-1", env.prov.terminates[0].ExternalServiceID)

	rows, err := env.be.ListWorkspaces(context.Background(), store.WorkspaceFilter{UserID: "user-1"})
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestParseRepo(t *testing.T) {
	tests := []struct {
		in          string
		owner, name string
		ok          bool
	}{
		{"https://github.com/acme/app", "acme", "app", true},
		{"https://github.com/acme/app.git", "acme", "app", true},
		{"git@github.com:acme/app.git", "acme", "app", true},
		{"acme/app", "", "", false},
		{"https://github.com/", "", "", false},
		{"", "", "", false},
	}
	for _, tt := range tests {
		owner, name, ok := parseRepo(tt.in)
		assert.Equal(t, tt.ok, ok, "parseRepo(%q)", tt.in)
		assert.Equal(t, tt.owner, owner, "parseRepo(%q) owner", tt.in)
		assert.Equal(t, tt.name, name, "parseRepo(%q) name", tt.in)
	}
}
