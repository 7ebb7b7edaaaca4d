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

package sqlite

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/tombee/workbench/internal/store"
	wberrors "github.com/tombee/workbench/pkg/errors"
)

// createTestBackend creates a SQLite backend for testing in a temporary directory.
func createTestBackend(t *testing.T) *Backend {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.db")
	be, err := New(Config{Path: dbPath, WAL: true})
	if err != nil {
		t.Fatalf("failed to create backend: %v", err)
	}
	t.Cleanup(func() { be.Close() })
	return be
}

func createTestUser(t *testing.T, be *Backend, id, email string) *store.User {
	t.Helper()

	user := &store.User{
		ID:    id,
		Email: email,
		Name:  "Test User",
		Plan:  store.PlanFree,
		Role:  store.RoleUser,
	}
	if err := be.CreateUser(context.Background(), user); err != nil {
		t.Fatalf("failed to create user: %v", err)
	}
	return user
}

func TestSQLiteBackend_UserLifecycle(t *testing.T) {
	be := createTestBackend(t)
	ctx := context.Background()

	user := createTestUser(t, be, "user-1", "dev@example.com")

	retrieved, err := be.GetUser(ctx, "user-1")
	if err != nil {
		t.Fatalf("failed to get user: %v", err)
	}
	if retrieved.Email != "dev@example.com" {
		t.Errorf("expected email dev@example.com, got %s", retrieved.Email)
	}
	if retrieved.Plan != store.PlanFree {
		t.Errorf("expected plan free, got %s", retrieved.Plan)
	}

	byEmail, err := be.GetUserByEmail(ctx, "dev@example.com")
	if err != nil {
		t.Fatalf("failed to get user by email: %v", err)
	}
	if byEmail.ID != user.ID {
		t.Errorf("expected ID %s, got %s", user.ID, byEmail.ID)
	}

	user.Plan = store.PlanPro
	if err := be.UpdateUser(ctx, user); err != nil {
		t.Fatalf("failed to update user: %v", err)
	}
	updated, err := be.GetUser(ctx, "user-1")
	if err != nil {
		t.Fatalf("failed to get user: %v", err)
	}
	if updated.Plan != store.PlanPro {
		t.Errorf("expected plan pro, got %s", updated.Plan)
	}
}

func TestSQLiteBackend_DuplicateEmail(t *testing.T) {
	be := createTestBackend(t)
	ctx := context.Background()

	createTestUser(t, be, "user-1", "dev@example.com")

	dup := &store.User{ID: "user-2", Email: "dev@example.com", Plan: store.PlanFree, Role: store.RoleUser}
	err := be.CreateUser(ctx, dup)

	var conflict *wberrors.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ConflictError, got %v", err)
	}
}

func TestSQLiteBackend_UserNotFound(t *testing.T) {
	be := createTestBackend(t)

	_, err := be.GetUser(context.Background(), "missing")

	var notFound *wberrors.NotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
	if notFound.Resource != "user" {
		t.Errorf("expected resource user, got %s", notFound.Resource)
	}
}

func testWorkspace(id, userID, name, subdomain string, status store.WorkspaceStatus) *store.Workspace {
	return &store.Workspace{
		ID:              id,
		UserID:          userID,
		Name:            name,
		Subdomain:       subdomain,
		Domain:          subdomain + ".workbench.example.com",
		Status:          status,
		CloudProviderID: "cp-local",
		RegionID:        "rg-local",
		ImageID:         "img-base",
		HostingType:     store.HostingLocal,
	}
}

func TestSQLiteBackend_WorkspaceRoundTrip(t *testing.T) {
	be := createTestBackend(t)
	ctx := context.Background()

	createTestUser(t, be, "user-1", "dev@example.com")

	ws := testWorkspace("ws-abc12345", "user-1", "my-project", "my-project", store.WorkspaceStatusPending)
	ws.RepoURL = "https://github.com/acme/my-project"
	ws.Branch = "main"
	ws.ExposedPorts = map[string]store.ExposedPort{
		"web": {Port: 3000, Description: "dev server"},
		"api": {Port: 8080},
	}
	if err := be.CreateWorkspace(ctx, ws); err != nil {
		t.Fatalf("failed to create workspace: %v", err)
	}

	retrieved, err := be.GetWorkspace(ctx, "ws-abc12345")
	if err != nil {
		t.Fatalf("failed to get workspace: %v", err)
	}
	if retrieved.Subdomain != "my-project" {
		t.Errorf("expected subdomain my-project, got %s", retrieved.Subdomain)
	}
	if retrieved.Domain != "my-project.workbench.example.com" {
		t.Errorf("expected full domain to round-trip, got %s", retrieved.Domain)
	}
	if retrieved.CloudProviderID != "cp-local" || retrieved.RegionID != "rg-local" || retrieved.ImageID != "img-base" {
		t.Errorf("expected placement ids to round-trip, got %s/%s/%s",
			retrieved.CloudProviderID, retrieved.RegionID, retrieved.ImageID)
	}
	if len(retrieved.ExposedPorts) != 2 || retrieved.ExposedPorts["web"].Port != 3000 ||
		retrieved.ExposedPorts["api"].Port != 8080 {
		t.Errorf("expected exposed ports web=3000 api=8080, got %v", retrieved.ExposedPorts)
	}
	if retrieved.ExposedPorts["web"].Description != "dev server" {
		t.Errorf("expected port description to round-trip, got %q", retrieved.ExposedPorts["web"].Description)
	}
	if retrieved.TerminatedAt != nil {
		t.Errorf("expected nil terminated_at, got %v", retrieved.TerminatedAt)
	}
	if retrieved.LastActiveAt.IsZero() {
		t.Error("expected last_active_at to be set on create")
	}

	bySubdomain, err := be.GetWorkspaceBySubdomain(ctx, "my-project")
	if err != nil {
		t.Fatalf("failed to get workspace by subdomain: %v", err)
	}
	if bySubdomain.ID != ws.ID {
		t.Errorf("expected ID %s, got %s", ws.ID, bySubdomain.ID)
	}
}

func TestSQLiteBackend_SubdomainConflict(t *testing.T) {
	be := createTestBackend(t)
	ctx := context.Background()

	createTestUser(t, be, "user-1", "dev@example.com")

	first := testWorkspace("ws-11111111", "user-1", "app", "app", store.WorkspaceStatusRunning)
	if err := be.CreateWorkspace(ctx, first); err != nil {
		t.Fatalf("failed to create workspace: %v", err)
	}

	second := testWorkspace("ws-22222222", "user-1", "app2", "app", store.WorkspaceStatusPending)
	err := be.CreateWorkspace(ctx, second)
	var conflict *wberrors.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ConflictError for live subdomain, got %v", err)
	}

	// Terminating the holder releases the subdomain.
	now := time.Now().UTC()
	first.Status = store.WorkspaceStatusTerminated
	first.TerminatedAt = &now
	if err := be.UpdateWorkspace(ctx, first); err != nil {
		t.Fatalf("failed to terminate workspace: %v", err)
	}

	if err := be.CreateWorkspace(ctx, second); err != nil {
		t.Fatalf("expected subdomain reuse after termination, got %v", err)
	}

	// Subdomain lookup skips terminated rows.
	holder, err := be.GetWorkspaceBySubdomain(ctx, "app")
	if err != nil {
		t.Fatalf("failed to get workspace by subdomain: %v", err)
	}
	if holder.ID != "ws-22222222" {
		t.Errorf("expected new holder ws-22222222, got %s", holder.ID)
	}
}

func TestSQLiteBackend_CountActiveWorkspaces(t *testing.T) {
	be := createTestBackend(t)
	ctx := context.Background()

	createTestUser(t, be, "user-1", "dev@example.com")

	now := time.Now().UTC()
	terminated := testWorkspace("ws-cccccccc", "user-1", "c", "c", store.WorkspaceStatusTerminated)
	terminated.TerminatedAt = &now
	workspaces := []*store.Workspace{
		testWorkspace("ws-aaaaaaaa", "user-1", "a", "a", store.WorkspaceStatusRunning),
		testWorkspace("ws-bbbbbbbb", "user-1", "b", "b", store.WorkspaceStatusStopped),
		terminated,
	}
	for _, ws := range workspaces {
		if err := be.CreateWorkspace(ctx, ws); err != nil {
			t.Fatalf("failed to create workspace %s: %v", ws.ID, err)
		}
	}

	count, err := be.CountActiveWorkspaces(ctx, "user-1")
	if err != nil {
		t.Fatalf("failed to count workspaces: %v", err)
	}
	if count != 2 {
		t.Errorf("expected 2 active workspaces, got %d", count)
	}
}

func TestSQLiteBackend_ReaperQueries(t *testing.T) {
	be := createTestBackend(t)
	ctx := context.Background()

	createTestUser(t, be, "user-1", "dev@example.com")

	stale := time.Now().UTC().Add(-2 * time.Hour)
	fresh := time.Now().UTC()

	idleWS := testWorkspace("ws-idle0000", "user-1", "idle", "idle", store.WorkspaceStatusRunning)
	idleWS.LastActiveAt = stale
	liveWS := testWorkspace("ws-live0000", "user-1", "live", "live", store.WorkspaceStatusRunning)
	liveWS.LastActiveAt = fresh
	coldWS := testWorkspace("ws-cold0000", "user-1", "cold", "cold", store.WorkspaceStatusStopped)
	coldWS.LastActiveAt = stale

	for _, ws := range []*store.Workspace{idleWS, liveWS, coldWS} {
		if err := be.CreateWorkspace(ctx, ws); err != nil {
			t.Fatalf("failed to create workspace %s: %v", ws.ID, err)
		}
	}

	cutoff := time.Now().UTC().Add(-time.Hour)

	idle, err := be.ListWorkspacesIdleSince(ctx, cutoff)
	if err != nil {
		t.Fatalf("failed to list idle workspaces: %v", err)
	}
	if len(idle) != 1 || idle[0].ID != "ws-idle0000" {
		t.Errorf("expected only ws-idle0000 idle, got %v", workspaceIDs(idle))
	}

	inactive, err := be.ListWorkspacesInactiveSince(ctx, cutoff)
	if err != nil {
		t.Fatalf("failed to list inactive workspaces: %v", err)
	}
	if len(inactive) != 2 {
		t.Errorf("expected 2 inactive workspaces, got %v", workspaceIDs(inactive))
	}

	running, err := be.ListRunningWorkspaces(ctx)
	if err != nil {
		t.Fatalf("failed to list running workspaces: %v", err)
	}
	if len(running) != 2 {
		t.Errorf("expected 2 running workspaces, got %v", workspaceIDs(running))
	}
}

func workspaceIDs(workspaces []*store.Workspace) []string {
	ids := make([]string, len(workspaces))
	for i, ws := range workspaces {
		ids[i] = ws.ID
	}
	return ids
}

func createTestLoop(t *testing.T, be *Backend, id, userID string) *store.AgentLoop {
	t.Helper()

	loop := &store.AgentLoop{
		ID:                id,
		UserID:            userID,
		Name:              "fix-bugs",
		GitIntegrationID:  "gi-1",
		SandboxProviderID: "cp-sandbox",
		RepoOwner:         "acme",
		RepoName:          "app",
		Branch:            "main",
		PlanFilePath:      "docs/plan.md",
		ModelProvider:     "anthropic",
		ModelID:           "claude-sonnet-4",
		Prompt:            "fix the failing tests",
		Status:            store.LoopStatusActive,
		MaxRuns:           5,
	}
	if err := be.CreateLoop(context.Background(), loop); err != nil {
		t.Fatalf("failed to create loop: %v", err)
	}
	return loop
}

func TestSQLiteBackend_LoopRoundTrip(t *testing.T) {
	be := createTestBackend(t)
	ctx := context.Background()

	createTestUser(t, be, "user-1", "dev@example.com")
	createTestLoop(t, be, "loop-1", "user-1")

	retrieved, err := be.GetLoop(ctx, "loop-1")
	if err != nil {
		t.Fatalf("failed to get loop: %v", err)
	}
	if retrieved.MaxRuns != 5 {
		t.Errorf("expected max_runs 5, got %d", retrieved.MaxRuns)
	}
	if retrieved.TotalRuns != 0 {
		t.Errorf("expected total_runs 0, got %d", retrieved.TotalRuns)
	}
	if retrieved.RepoOwner != "acme" || retrieved.RepoName != "app" {
		t.Errorf("expected repo acme/app, got %s/%s", retrieved.RepoOwner, retrieved.RepoName)
	}
	if retrieved.PlanFilePath != "docs/plan.md" {
		t.Errorf("expected plan file path to round-trip, got %s", retrieved.PlanFilePath)
	}
	if retrieved.ModelProvider != "anthropic" || retrieved.ModelID != "claude-sonnet-4" {
		t.Errorf("expected model selection to round-trip, got %s/%s",
			retrieved.ModelProvider, retrieved.ModelID)
	}

	now := time.Now().UTC()
	retrieved.TotalRuns = 1
	retrieved.SuccessfulRuns = 1
	retrieved.LastRunID = "run-1"
	retrieved.LastRunAt = &now
	if err := be.UpdateLoop(ctx, retrieved); err != nil {
		t.Fatalf("failed to update loop: %v", err)
	}

	updated, err := be.GetLoop(ctx, "loop-1")
	if err != nil {
		t.Fatalf("failed to get loop: %v", err)
	}
	if updated.TotalRuns != 1 || updated.SuccessfulRuns != 1 || updated.LastRunID != "run-1" {
		t.Errorf("expected total=1 successful=1 last=run-1, got %d %d %s",
			updated.TotalRuns, updated.SuccessfulRuns, updated.LastRunID)
	}
	if updated.LastRunAt == nil {
		t.Error("expected last_run_at to round-trip")
	}
}

func TestSQLiteBackend_ListLoopsByStatus(t *testing.T) {
	be := createTestBackend(t)
	ctx := context.Background()

	createTestUser(t, be, "user-1", "dev@example.com")
	createTestLoop(t, be, "loop-1", "user-1")

	paused := createTestLoop(t, be, "loop-2", "user-1")
	paused.Status = store.LoopStatusPaused
	if err := be.UpdateLoop(ctx, paused); err != nil {
		t.Fatalf("failed to update loop: %v", err)
	}

	loops, err := be.ListLoopsByStatus(ctx, store.LoopStatusPaused)
	if err != nil {
		t.Fatalf("failed to list loops by status: %v", err)
	}
	if len(loops) != 1 || loops[0].ID != "loop-2" {
		t.Errorf("expected only loop-2 paused, got %d loops", len(loops))
	}
}

func TestSQLiteBackend_RunNumberConflict(t *testing.T) {
	be := createTestBackend(t)
	ctx := context.Background()

	createTestUser(t, be, "user-1", "dev@example.com")
	createTestLoop(t, be, "loop-1", "user-1")

	first := &store.Run{
		ID: "run-1", LoopID: "loop-1", UserID: "user-1",
		RunNumber: 1, Status: store.RunStatusPending, Trigger: store.TriggerManual,
		ModelProvider: "anthropic", ModelID: "claude-sonnet-4",
	}
	if err := be.CreateRun(ctx, first); err != nil {
		t.Fatalf("failed to create run: %v", err)
	}

	dup := &store.Run{
		ID: "run-2", LoopID: "loop-1", UserID: "user-1",
		RunNumber: 1, Status: store.RunStatusPending, Trigger: store.TriggerAutomated,
		ModelProvider: "anthropic", ModelID: "claude-sonnet-4",
	}
	err := be.CreateRun(ctx, dup)
	var conflict *wberrors.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ConflictError for duplicate run number, got %v", err)
	}
}

func TestSQLiteBackend_DeleteRunCompensation(t *testing.T) {
	be := createTestBackend(t)
	ctx := context.Background()

	createTestUser(t, be, "user-1", "dev@example.com")
	createTestLoop(t, be, "loop-1", "user-1")

	run := &store.Run{
		ID: "run-1", LoopID: "loop-1", UserID: "user-1",
		RunNumber: 1, Status: store.RunStatusPending, Trigger: store.TriggerManual,
		ModelProvider: "anthropic", ModelID: "claude-sonnet-4",
	}
	if err := be.CreateRun(ctx, run); err != nil {
		t.Fatalf("failed to create run: %v", err)
	}
	if err := be.DeleteRun(ctx, "run-1"); err != nil {
		t.Fatalf("failed to delete run: %v", err)
	}

	// Run number is free again after a failed dispatch.
	reuse := &store.Run{
		ID: "run-2", LoopID: "loop-1", UserID: "user-1",
		RunNumber: 1, Status: store.RunStatusPending, Trigger: store.TriggerManual,
		ModelProvider: "anthropic", ModelID: "claude-sonnet-4",
	}
	if err := be.CreateRun(ctx, reuse); err != nil {
		t.Fatalf("expected run number reuse after delete, got %v", err)
	}
}

func TestSQLiteBackend_ListRunsOrder(t *testing.T) {
	be := createTestBackend(t)
	ctx := context.Background()

	createTestUser(t, be, "user-1", "dev@example.com")
	createTestLoop(t, be, "loop-1", "user-1")

	for i := 1; i <= 3; i++ {
		run := &store.Run{
			ID: fmt.Sprintf("run-%d", i), LoopID: "loop-1", UserID: "user-1",
			RunNumber: i, Status: store.RunStatusCompleted, Trigger: store.TriggerAutomated,
			ModelProvider: "anthropic", ModelID: "claude-sonnet-4",
		}
		if err := be.CreateRun(ctx, run); err != nil {
			t.Fatalf("failed to create run %d: %v", i, err)
		}
	}

	runs, err := be.ListRuns(ctx, store.RunFilter{LoopID: "loop-1"})
	if err != nil {
		t.Fatalf("failed to list runs: %v", err)
	}
	if len(runs) != 3 {
		t.Fatalf("expected 3 runs, got %d", len(runs))
	}
	if runs[0].RunNumber != 3 || runs[2].RunNumber != 1 {
		t.Errorf("expected newest-first order, got %d %d %d",
			runs[0].RunNumber, runs[1].RunNumber, runs[2].RunNumber)
	}
}

func TestSQLiteBackend_StalledRuns(t *testing.T) {
	be := createTestBackend(t)
	ctx := context.Background()

	createTestUser(t, be, "user-1", "dev@example.com")
	createTestLoop(t, be, "loop-1", "user-1")

	stale := time.Now().UTC().Add(-time.Hour)
	runs := []*store.Run{
		{ID: "run-1", LoopID: "loop-1", UserID: "user-1", RunNumber: 1,
			Status: store.RunStatusRunning, Trigger: store.TriggerManual,
			ModelProvider: "anthropic", ModelID: "claude-sonnet-4", LastProgressAt: stale},
		{ID: "run-2", LoopID: "loop-1", UserID: "user-1", RunNumber: 2,
			Status: store.RunStatusRunning, Trigger: store.TriggerAutomated,
			ModelProvider: "anthropic", ModelID: "claude-sonnet-4"},
		{ID: "run-3", LoopID: "loop-1", UserID: "user-1", RunNumber: 3,
			Status: store.RunStatusCompleted, Trigger: store.TriggerAutomated,
			ModelProvider: "anthropic", ModelID: "claude-sonnet-4", LastProgressAt: stale},
	}
	for _, run := range runs {
		if err := be.CreateRun(ctx, run); err != nil {
			t.Fatalf("failed to create run %s: %v", run.ID, err)
		}
	}

	stalled, err := be.ListStalledRuns(ctx, time.Now().UTC().Add(-40*time.Minute))
	if err != nil {
		t.Fatalf("failed to list stalled runs: %v", err)
	}
	if len(stalled) != 1 || stalled[0].ID != "run-1" {
		t.Errorf("expected only run-1 stalled, got %d runs", len(stalled))
	}
}

func TestSQLiteBackend_UsageSessions(t *testing.T) {
	be := createTestBackend(t)
	ctx := context.Background()

	session := &store.UsageSession{
		ID:          "usage-1",
		UserID:      "user-1",
		WorkspaceID: "ws-abc12345",
		StartedAt:   time.Now().UTC().Add(-3 * time.Minute),
	}
	if err := be.CreateUsageSession(ctx, session); err != nil {
		t.Fatalf("failed to create usage session: %v", err)
	}

	open, err := be.GetOpenUsageSession(ctx, "ws-abc12345")
	if err != nil {
		t.Fatalf("failed to get open usage session: %v", err)
	}
	if open.ID != "usage-1" {
		t.Errorf("expected usage-1, got %s", open.ID)
	}

	now := time.Now().UTC()
	open.EndedAt = &now
	open.Minutes = 3
	if err := be.UpdateUsageSession(ctx, open); err != nil {
		t.Fatalf("failed to close usage session: %v", err)
	}

	_, err = be.GetOpenUsageSession(ctx, "ws-abc12345")
	var notFound *wberrors.NotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("expected NotFoundError after close, got %v", err)
	}
}

func TestSQLiteBackend_DailyUsage(t *testing.T) {
	be := createTestBackend(t)
	ctx := context.Background()

	minutes, err := be.GetDailyUsage(ctx, "user-1", "2025-06-01")
	if err != nil {
		t.Fatalf("failed to get daily usage: %v", err)
	}
	if minutes != 0 {
		t.Errorf("expected 0 minutes for absent row, got %d", minutes)
	}

	total, err := be.AddDailyUsage(ctx, "user-1", "2025-06-01", 10)
	if err != nil {
		t.Fatalf("failed to add daily usage: %v", err)
	}
	if total != 10 {
		t.Errorf("expected total 10, got %d", total)
	}

	total, err = be.AddDailyUsage(ctx, "user-1", "2025-06-01", 5)
	if err != nil {
		t.Fatalf("failed to add daily usage: %v", err)
	}
	if total != 15 {
		t.Errorf("expected total 15, got %d", total)
	}

	// Separate day accumulates separately.
	total, err = be.AddDailyUsage(ctx, "user-1", "2025-06-02", 7)
	if err != nil {
		t.Fatalf("failed to add daily usage: %v", err)
	}
	if total != 7 {
		t.Errorf("expected total 7 for new day, got %d", total)
	}
}

func TestSQLiteBackend_RunQuota(t *testing.T) {
	be := createTestBackend(t)
	ctx := context.Background()

	_, err := be.GetRunQuota(ctx, "user-1")
	var notFound *wberrors.NotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("expected NotFoundError for absent quota, got %v", err)
	}

	resetAt := time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)
	quota := &store.RunQuota{
		UserID:             "user-1",
		Plan:               store.PlanFree,
		MonthlyRuns:        7,
		ExtraRuns:          2,
		NextMonthlyResetAt: resetAt,
	}
	if err := be.UpsertRunQuota(ctx, quota); err != nil {
		t.Fatalf("failed to upsert quota: %v", err)
	}

	retrieved, err := be.GetRunQuota(ctx, "user-1")
	if err != nil {
		t.Fatalf("failed to get quota: %v", err)
	}
	if retrieved.Plan != store.PlanFree || retrieved.MonthlyRuns != 7 || retrieved.ExtraRuns != 2 {
		t.Errorf("expected free/7/2, got %s/%d/%d", retrieved.Plan, retrieved.MonthlyRuns, retrieved.ExtraRuns)
	}
	if !retrieved.NextMonthlyResetAt.Equal(resetAt) {
		t.Errorf("expected reset at %v, got %v", resetAt, retrieved.NextMonthlyResetAt)
	}
	if retrieved.Remaining() != 9 {
		t.Errorf("expected 9 remaining, got %d", retrieved.Remaining())
	}

	// Monthly roll replaces the counter and advances the reset pointer.
	quota.MonthlyRuns = 10
	quota.NextMonthlyResetAt = resetAt.AddDate(0, 1, 0)
	if err := be.UpsertRunQuota(ctx, quota); err != nil {
		t.Fatalf("failed to roll quota: %v", err)
	}
	rolled, err := be.GetRunQuota(ctx, "user-1")
	if err != nil {
		t.Fatalf("failed to get quota: %v", err)
	}
	if rolled.MonthlyRuns != 10 || !rolled.NextMonthlyResetAt.Equal(resetAt.AddDate(0, 1, 0)) {
		t.Errorf("expected rolled counter 10 with advanced reset, got %d at %v",
			rolled.MonthlyRuns, rolled.NextMonthlyResetAt)
	}
}

func TestSQLiteBackend_Credentials(t *testing.T) {
	be := createTestBackend(t)
	ctx := context.Background()

	expires := time.Now().UTC().Add(time.Hour)
	cred := &store.Credential{
		ID:         "cred-1",
		UserID:     "user-1",
		Provider:   "github",
		AuthType:   store.AuthOAuth,
		Label:      "work account",
		Ciphertext: []byte{0x01, 0x02, 0x03},
		KeyHash:    "abcd1234",
		Active:     true,
		ExpiresAt:  &expires,
	}
	if err := be.UpsertCredential(ctx, cred); err != nil {
		t.Fatalf("failed to upsert credential: %v", err)
	}

	retrieved, err := be.GetCredential(ctx, "user-1", "github")
	if err != nil {
		t.Fatalf("failed to get credential: %v", err)
	}
	if retrieved.AuthType != store.AuthOAuth {
		t.Errorf("expected auth type oauth, got %s", retrieved.AuthType)
	}
	if retrieved.Label != "work account" {
		t.Errorf("expected label to round-trip, got %q", retrieved.Label)
	}
	if !retrieved.Active {
		t.Error("expected credential to be active")
	}
	if string(retrieved.Ciphertext) != string(cred.Ciphertext) {
		t.Errorf("ciphertext mismatch: %v vs %v", retrieved.Ciphertext, cred.Ciphertext)
	}
	if retrieved.ExpiresAt == nil {
		t.Error("expected expires_at to round-trip")
	}

	// Upsert replaces in place.
	cred.Ciphertext = []byte{0x09}
	cred.KeyHash = "ffff0000"
	if err := be.UpsertCredential(ctx, cred); err != nil {
		t.Fatalf("failed to re-upsert credential: %v", err)
	}
	creds, err := be.ListCredentials(ctx, "user-1")
	if err != nil {
		t.Fatalf("failed to list credentials: %v", err)
	}
	if len(creds) != 1 {
		t.Fatalf("expected 1 credential after upsert, got %d", len(creds))
	}
	if creds[0].KeyHash != "ffff0000" {
		t.Errorf("expected key hash ffff0000, got %s", creds[0].KeyHash)
	}

	if err := be.DeleteCredential(ctx, "user-1", "github"); err != nil {
		t.Fatalf("failed to delete credential: %v", err)
	}
	_, err = be.GetCredential(ctx, "user-1", "github")
	var notFound *wberrors.NotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("expected NotFoundError after delete, got %v", err)
	}
}

func TestSQLiteBackend_Catalog(t *testing.T) {
	be := createTestBackend(t)
	ctx := context.Background()

	providers := []*store.CloudProvider{
		{ID: "cp-railway", Name: "railway", Enabled: true},
		{ID: "cp-sandbox", Name: "sandbox", IsSandbox: true, Enabled: true},
		{ID: "cp-old", Name: "legacy", Enabled: false},
	}
	for _, p := range providers {
		if err := be.UpsertCloudProvider(ctx, p); err != nil {
			t.Fatalf("failed to upsert provider %s: %v", p.ID, err)
		}
	}

	byName, err := be.GetCloudProviderByName(ctx, "railway")
	if err != nil {
		t.Fatalf("failed to get provider by name: %v", err)
	}
	if byName.ID != "cp-railway" || byName.IsSandbox {
		t.Errorf("unexpected provider: %+v", byName)
	}

	enabled, err := be.ListCloudProviders(ctx, true)
	if err != nil {
		t.Fatalf("failed to list enabled providers: %v", err)
	}
	if len(enabled) != 2 {
		t.Errorf("expected 2 enabled providers, got %d", len(enabled))
	}
	all, err := be.ListCloudProviders(ctx, false)
	if err != nil {
		t.Fatalf("failed to list providers: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("expected 3 providers, got %d", len(all))
	}

	// Provider names are unique across rows.
	dup := &store.CloudProvider{ID: "cp-dup", Name: "railway", Enabled: true}
	err = be.UpsertCloudProvider(ctx, dup)
	var conflict *wberrors.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ConflictError for duplicate provider name, got %v", err)
	}

	// Upsert by ID updates in place without tripping the name constraint.
	providers[0].Enabled = false
	if err := be.UpsertCloudProvider(ctx, providers[0]); err != nil {
		t.Fatalf("failed to re-upsert provider: %v", err)
	}

	regions := []*store.Region{
		{ID: "rg-us", ProviderID: "cp-railway", Name: "us-west", ExternalID: "us-west2", Enabled: true},
		{ID: "rg-eu", ProviderID: "cp-railway", Name: "eu-central", ExternalID: "europe-west4", Enabled: false},
	}
	for _, r := range regions {
		if err := be.UpsertRegion(ctx, r); err != nil {
			t.Fatalf("failed to upsert region %s: %v", r.ID, err)
		}
	}
	enabledRegions, err := be.ListRegions(ctx, "cp-railway", true)
	if err != nil {
		t.Fatalf("failed to list regions: %v", err)
	}
	if len(enabledRegions) != 1 || enabledRegions[0].ExternalID != "us-west2" {
		t.Errorf("expected only us-west enabled, got %v", enabledRegions)
	}

	at := &store.AgentType{ID: "at-headless", Name: "headless", ServerOnly: true, Enabled: true}
	if err := be.UpsertAgentType(ctx, at); err != nil {
		t.Fatalf("failed to upsert agent type: %v", err)
	}
	gotAT, err := be.GetAgentType(ctx, "at-headless")
	if err != nil {
		t.Fatalf("failed to get agent type: %v", err)
	}
	if !gotAT.ServerOnly {
		t.Error("expected server_only to round-trip")
	}

	img := &store.Image{ID: "img-base", Name: "base", ImageRef: "ghcr.io/acme/base:v3", AgentTypeID: "at-headless", Enabled: true}
	if err := be.UpsertImage(ctx, img); err != nil {
		t.Fatalf("failed to upsert image: %v", err)
	}
	gotImg, err := be.GetImage(ctx, "img-base")
	if err != nil {
		t.Fatalf("failed to get image: %v", err)
	}
	if gotImg.ImageRef != "ghcr.io/acme/base:v3" || gotImg.AgentTypeID != "at-headless" {
		t.Errorf("unexpected image: %+v", gotImg)
	}
}

func TestSQLiteBackend_SystemConfig(t *testing.T) {
	be := createTestBackend(t)
	ctx := context.Background()

	_, err := be.GetSystemConfig(ctx, "idle_timeout_minutes")
	var notFound *wberrors.NotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("expected NotFoundError for absent key, got %v", err)
	}

	if err := be.SetSystemConfig(ctx, "idle_timeout_minutes", "45"); err != nil {
		t.Fatalf("failed to set system config: %v", err)
	}
	value, err := be.GetSystemConfig(ctx, "idle_timeout_minutes")
	if err != nil {
		t.Fatalf("failed to get system config: %v", err)
	}
	if value != "45" {
		t.Errorf("expected 45, got %s", value)
	}

	if err := be.SetSystemConfig(ctx, "idle_timeout_minutes", "60"); err != nil {
		t.Fatalf("failed to overwrite system config: %v", err)
	}
	all, err := be.ListSystemConfig(ctx)
	if err != nil {
		t.Fatalf("failed to list system config: %v", err)
	}
	if all["idle_timeout_minutes"] != "60" {
		t.Errorf("expected 60, got %s", all["idle_timeout_minutes"])
	}
}

func TestSQLiteBackend_Sessions(t *testing.T) {
	be := createTestBackend(t)
	ctx := context.Background()

	createTestUser(t, be, "user-1", "dev@example.com")

	expired := &store.Session{
		TokenHash: "hash-old",
		UserID:    "user-1",
		ExpiresAt: time.Now().UTC().Add(-time.Hour),
	}
	live := &store.Session{
		TokenHash: "hash-new",
		UserID:    "user-1",
		ExpiresAt: time.Now().UTC().Add(time.Hour),
	}
	for _, s := range []*store.Session{expired, live} {
		if err := be.CreateSession(ctx, s); err != nil {
			t.Fatalf("failed to create session: %v", err)
		}
	}

	n, err := be.DeleteExpiredSessions(ctx, time.Now().UTC())
	if err != nil {
		t.Fatalf("failed to delete expired sessions: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 expired session deleted, got %d", n)
	}

	if _, err := be.GetSession(ctx, "hash-new"); err != nil {
		t.Errorf("expected live session to survive, got %v", err)
	}
	_, err = be.GetSession(ctx, "hash-old")
	var notFound *wberrors.NotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("expected NotFoundError for reaped session, got %v", err)
	}
}

func TestSQLiteBackend_Installations(t *testing.T) {
	be := createTestBackend(t)
	ctx := context.Background()

	inst := &store.GitHubInstallation{
		UserID:         "user-1",
		InstallationID: 123456,
		AccountLogin:   "acme",
	}
	if err := be.SaveInstallation(ctx, inst); err != nil {
		t.Fatalf("failed to save installation: %v", err)
	}

	retrieved, err := be.GetInstallation(ctx, "user-1")
	if err != nil {
		t.Fatalf("failed to get installation: %v", err)
	}
	if retrieved.InstallationID != 123456 || retrieved.AccountLogin != "acme" {
		t.Errorf("unexpected installation: %+v", retrieved)
	}

	// Re-linking replaces the row.
	inst.InstallationID = 999999
	if err := be.SaveInstallation(ctx, inst); err != nil {
		t.Fatalf("failed to re-save installation: %v", err)
	}
	updated, err := be.GetInstallation(ctx, "user-1")
	if err != nil {
		t.Fatalf("failed to get installation: %v", err)
	}
	if updated.InstallationID != 999999 {
		t.Errorf("expected installation 999999, got %d", updated.InstallationID)
	}

	if err := be.DeleteInstallation(ctx, "user-1"); err != nil {
		t.Fatalf("failed to delete installation: %v", err)
	}
}

func TestSQLiteBackend_WithTxRollback(t *testing.T) {
	be := createTestBackend(t)
	ctx := context.Background()

	createTestUser(t, be, "user-1", "dev@example.com")
	createTestLoop(t, be, "loop-1", "user-1")

	wantErr := errors.New("dispatch refused")
	err := be.WithTx(ctx, func(s store.Store) error {
		loop, err := s.GetLoopForUpdate(ctx, "loop-1")
		if err != nil {
			return err
		}
		loop.TotalRuns = 99
		if err := s.UpdateLoop(ctx, loop); err != nil {
			return err
		}
		run := &store.Run{
			ID: "run-1", LoopID: "loop-1", UserID: "user-1",
			RunNumber: 1, Status: store.RunStatusPending, Trigger: store.TriggerManual,
			ModelProvider: "anthropic", ModelID: "claude-sonnet-4",
		}
		if err := s.CreateRun(ctx, run); err != nil {
			return err
		}
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected dispatch error to propagate, got %v", err)
	}

	// Both writes rolled back.
	loop, err := be.GetLoop(ctx, "loop-1")
	if err != nil {
		t.Fatalf("failed to get loop: %v", err)
	}
	if loop.TotalRuns != 0 {
		t.Errorf("expected total_runs 0 after rollback, got %d", loop.TotalRuns)
	}
	_, err = be.GetRun(ctx, "run-1")
	var notFound *wberrors.NotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("expected run insert rolled back, got %v", err)
	}
}

func TestSQLiteBackend_WithTxCommit(t *testing.T) {
	be := createTestBackend(t)
	ctx := context.Background()

	createTestUser(t, be, "user-1", "dev@example.com")
	createTestLoop(t, be, "loop-1", "user-1")

	err := be.WithTx(ctx, func(s store.Store) error {
		loop, err := s.GetLoopForUpdate(ctx, "loop-1")
		if err != nil {
			return err
		}
		loop.TotalRuns++
		return s.UpdateLoop(ctx, loop)
	})
	if err != nil {
		t.Fatalf("transaction failed: %v", err)
	}

	loop, err := be.GetLoop(ctx, "loop-1")
	if err != nil {
		t.Fatalf("failed to get loop: %v", err)
	}
	if loop.TotalRuns != 1 {
		t.Errorf("expected total_runs 1 after commit, got %d", loop.TotalRuns)
	}
}

func TestSQLiteBackend_Persistence(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	be, err := New(Config{Path: dbPath})
	if err != nil {
		t.Fatalf("failed to create backend: %v", err)
	}
	ctx := context.Background()
	createTestUser(t, be, "user-1", "dev@example.com")
	if err := be.Close(); err != nil {
		t.Fatalf("failed to close backend: %v", err)
	}

	reopened, err := New(Config{Path: dbPath})
	if err != nil {
		t.Fatalf("failed to reopen backend: %v", err)
	}
	defer reopened.Close()

	user, err := reopened.GetUser(ctx, "user-1")
	if err != nil {
		t.Fatalf("failed to get user after reopen: %v", err)
	}
	if user.Email != "dev@example.com" {
		t.Errorf("expected email to persist, got %s", user.Email)
	}
}
