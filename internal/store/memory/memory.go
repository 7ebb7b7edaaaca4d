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

// Package memory provides an in-memory storage backend for tests and local
// development. Data does not survive a restart.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tombee/workbench/internal/store"
	wberrors "github.com/tombee/workbench/pkg/errors"
)

// Compile-time interface assertions.
var (
	_ store.UserStore         = (*Backend)(nil)
	_ store.SessionStore      = (*Backend)(nil)
	_ store.WorkspaceStore    = (*Backend)(nil)
	_ store.LoopStore         = (*Backend)(nil)
	_ store.RunStore          = (*Backend)(nil)
	_ store.UsageStore        = (*Backend)(nil)
	_ store.CredentialStore   = (*Backend)(nil)
	_ store.CatalogStore      = (*Backend)(nil)
	_ store.SystemConfigStore = (*Backend)(nil)
	_ store.InstallationStore = (*Backend)(nil)
	_ store.Backend           = (*Backend)(nil)
)

// Backend is an in-memory storage backend. All reads and writes return
// copies, so callers can never mutate stored state through a returned
// pointer.
type Backend struct {
	mu sync.RWMutex

	// txMu serializes transactions. Non-transactional writes from other
	// goroutines can still interleave with an open transaction, which is
	// acceptable for the test and dev workloads this backend serves.
	txMu sync.Mutex

	users          map[string]*store.User
	sessions       map[string]*store.Session
	workspaces     map[string]*store.Workspace
	loops          map[string]*store.AgentLoop
	runs           map[string]*store.Run
	usageSessions  map[string]*store.UsageSession
	dailyUsage     map[string]*store.DailyUsage
	runQuotas      map[string]*store.RunQuota
	credentials    map[string]*store.Credential
	cloudProviders map[string]*store.CloudProvider
	regions        map[string]*store.Region
	agentTypes     map[string]*store.AgentType
	images         map[string]*store.Image
	systemConfig   map[string]string
	installations  map[string]*store.GitHubInstallation
}

// New creates a new in-memory backend.
func New() *Backend {
	return &Backend{
		users:          make(map[string]*store.User),
		sessions:       make(map[string]*store.Session),
		workspaces:     make(map[string]*store.Workspace),
		loops:          make(map[string]*store.AgentLoop),
		runs:           make(map[string]*store.Run),
		usageSessions:  make(map[string]*store.UsageSession),
		dailyUsage:     make(map[string]*store.DailyUsage),
		runQuotas:      make(map[string]*store.RunQuota),
		credentials:    make(map[string]*store.Credential),
		cloudProviders: make(map[string]*store.CloudProvider),
		regions:        make(map[string]*store.Region),
		agentTypes:     make(map[string]*store.AgentType),
		images:         make(map[string]*store.Image),
		systemConfig:   make(map[string]string),
		installations:  make(map[string]*store.GitHubInstallation),
	}
}

// WithTx runs fn with all writes applied atomically: on error the state is
// rolled back to the pre-transaction snapshot.
func (b *Backend) WithTx(ctx context.Context, fn func(store.Store) error) error {
	b.txMu.Lock()
	defer b.txMu.Unlock()

	snapshot := b.snapshot()
	if err := fn(b); err != nil {
		b.restore(snapshot)
		return err
	}
	return nil
}

// Close is a no-op for the in-memory backend.
func (b *Backend) Close() error {
	return nil
}

type state struct {
	users          map[string]*store.User
	sessions       map[string]*store.Session
	workspaces     map[string]*store.Workspace
	loops          map[string]*store.AgentLoop
	runs           map[string]*store.Run
	usageSessions  map[string]*store.UsageSession
	dailyUsage     map[string]*store.DailyUsage
	runQuotas      map[string]*store.RunQuota
	credentials    map[string]*store.Credential
	cloudProviders map[string]*store.CloudProvider
	regions        map[string]*store.Region
	agentTypes     map[string]*store.AgentType
	images         map[string]*store.Image
	systemConfig   map[string]string
	installations  map[string]*store.GitHubInstallation
}

func (b *Backend) snapshot() *state {
	b.mu.RLock()
	defer b.mu.RUnlock()

	s := &state{
		users:          make(map[string]*store.User, len(b.users)),
		sessions:       make(map[string]*store.Session, len(b.sessions)),
		workspaces:     make(map[string]*store.Workspace, len(b.workspaces)),
		loops:          make(map[string]*store.AgentLoop, len(b.loops)),
		runs:           make(map[string]*store.Run, len(b.runs)),
		usageSessions:  make(map[string]*store.UsageSession, len(b.usageSessions)),
		dailyUsage:     make(map[string]*store.DailyUsage, len(b.dailyUsage)),
		runQuotas:      make(map[string]*store.RunQuota, len(b.runQuotas)),
		credentials:    make(map[string]*store.Credential, len(b.credentials)),
		cloudProviders: make(map[string]*store.CloudProvider, len(b.cloudProviders)),
		regions:        make(map[string]*store.Region, len(b.regions)),
		agentTypes:     make(map[string]*store.AgentType, len(b.agentTypes)),
		images:         make(map[string]*store.Image, len(b.images)),
		systemConfig:   make(map[string]string, len(b.systemConfig)),
		installations:  make(map[string]*store.GitHubInstallation, len(b.installations)),
	}
	for k, v := range b.users {
		s.users[k] = cloneUser(v)
	}
	for k, v := range b.sessions {
		s.sessions[k] = cloneSession(v)
	}
	for k, v := range b.workspaces {
		s.workspaces[k] = cloneWorkspace(v)
	}
	for k, v := range b.loops {
		s.loops[k] = cloneLoop(v)
	}
	for k, v := range b.runs {
		s.runs[k] = cloneRun(v)
	}
	for k, v := range b.usageSessions {
		s.usageSessions[k] = cloneUsageSession(v)
	}
	for k, v := range b.dailyUsage {
		s.dailyUsage[k] = cloneDailyUsage(v)
	}
	for k, v := range b.runQuotas {
		s.runQuotas[k] = cloneRunQuota(v)
	}
	for k, v := range b.credentials {
		s.credentials[k] = cloneCredential(v)
	}
	for k, v := range b.cloudProviders {
		s.cloudProviders[k] = cloneCloudProvider(v)
	}
	for k, v := range b.regions {
		s.regions[k] = cloneRegion(v)
	}
	for k, v := range b.agentTypes {
		s.agentTypes[k] = cloneAgentType(v)
	}
	for k, v := range b.images {
		s.images[k] = cloneImage(v)
	}
	for k, v := range b.systemConfig {
		s.systemConfig[k] = v
	}
	for k, v := range b.installations {
		s.installations[k] = cloneInstallation(v)
	}
	return s
}

func (b *Backend) restore(s *state) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.users = s.users
	b.sessions = s.sessions
	b.workspaces = s.workspaces
	b.loops = s.loops
	b.runs = s.runs
	b.usageSessions = s.usageSessions
	b.dailyUsage = s.dailyUsage
	b.runQuotas = s.runQuotas
	b.credentials = s.credentials
	b.cloudProviders = s.cloudProviders
	b.regions = s.regions
	b.agentTypes = s.agentTypes
	b.images = s.images
	b.systemConfig = s.systemConfig
	b.installations = s.installations
}

// Users

// CreateUser creates a new user.
func (b *Backend) CreateUser(ctx context.Context, user *store.User) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.users[user.ID]; exists {
		return &wberrors.ConflictError{Resource: "user", Message: "user id already exists"}
	}
	for _, u := range b.users {
		if u.Email == user.Email {
			return &wberrors.ConflictError{Resource: "user", Message: "email already registered"}
		}
	}

	now := time.Now().UTC()
	user.CreatedAt = now
	user.UpdatedAt = now
	b.users[user.ID] = cloneUser(user)
	return nil
}

// GetUser retrieves a user by ID.
func (b *Backend) GetUser(ctx context.Context, id string) (*store.User, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	user, exists := b.users[id]
	if !exists {
		return nil, &wberrors.NotFoundError{Resource: "user", ID: id}
	}
	return cloneUser(user), nil
}

// GetUserForUpdate retrieves a user. Transactions are serialized by a
// single lock, so no row lock is needed.
func (b *Backend) GetUserForUpdate(ctx context.Context, id string) (*store.User, error) {
	return b.GetUser(ctx, id)
}

// GetUserByEmail retrieves a user by email address.
func (b *Backend) GetUserByEmail(ctx context.Context, email string) (*store.User, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, u := range b.users {
		if u.Email == email {
			return cloneUser(u), nil
		}
	}
	return nil, &wberrors.NotFoundError{Resource: "user", ID: email}
}

// UpdateUser updates an existing user.
func (b *Backend) UpdateUser(ctx context.Context, user *store.User) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.users[user.ID]; !exists {
		return &wberrors.NotFoundError{Resource: "user", ID: user.ID}
	}
	user.UpdatedAt = time.Now().UTC()
	b.users[user.ID] = cloneUser(user)
	return nil
}

// Sessions

// CreateSession persists a new session.
func (b *Backend) CreateSession(ctx context.Context, session *store.Session) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	session.CreatedAt = time.Now().UTC()
	b.sessions[session.TokenHash] = cloneSession(session)
	return nil
}

// GetSession retrieves a session by token hash.
func (b *Backend) GetSession(ctx context.Context, tokenHash string) (*store.Session, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	session, exists := b.sessions[tokenHash]
	if !exists {
		return nil, &wberrors.NotFoundError{Resource: "session", ID: "token"}
	}
	return cloneSession(session), nil
}

// DeleteSession removes a session.
func (b *Backend) DeleteSession(ctx context.Context, tokenHash string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.sessions, tokenHash)
	return nil
}

// DeleteExpiredSessions removes sessions that expired before the given time.
func (b *Backend) DeleteExpiredSessions(ctx context.Context, before time.Time) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var n int64
	for hash, session := range b.sessions {
		if session.ExpiresAt.Before(before) {
			delete(b.sessions, hash)
			n++
		}
	}
	return n, nil
}

// Workspaces

// CreateWorkspace creates a new workspace.
func (b *Backend) CreateWorkspace(ctx context.Context, ws *store.Workspace) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.workspaces[ws.ID]; exists {
		return &wberrors.ConflictError{Resource: "workspace", Message: "id or subdomain already in use"}
	}
	for _, other := range b.workspaces {
		if other.Subdomain == ws.Subdomain && !other.Terminated() {
			return &wberrors.ConflictError{Resource: "workspace", Message: "id or subdomain already in use"}
		}
	}

	now := time.Now().UTC()
	if ws.LastActiveAt.IsZero() {
		ws.LastActiveAt = now
	}
	ws.CreatedAt = now
	ws.UpdatedAt = now
	b.workspaces[ws.ID] = cloneWorkspace(ws)
	return nil
}

// GetWorkspace retrieves a workspace by ID.
func (b *Backend) GetWorkspace(ctx context.Context, id string) (*store.Workspace, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	ws, exists := b.workspaces[id]
	if !exists {
		return nil, &wberrors.NotFoundError{Resource: "workspace", ID: id}
	}
	return cloneWorkspace(ws), nil
}

// GetWorkspaceForUpdate retrieves a workspace.
func (b *Backend) GetWorkspaceForUpdate(ctx context.Context, id string) (*store.Workspace, error) {
	return b.GetWorkspace(ctx, id)
}

// GetWorkspaceBySubdomain retrieves the non-terminated workspace holding a
// subdomain.
func (b *Backend) GetWorkspaceBySubdomain(ctx context.Context, subdomain string) (*store.Workspace, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ws := range b.workspaces {
		if ws.Subdomain == subdomain && !ws.Terminated() {
			return cloneWorkspace(ws), nil
		}
	}
	return nil, &wberrors.NotFoundError{Resource: "workspace", ID: subdomain}
}

// ListWorkspaces lists workspaces with optional filtering.
func (b *Backend) ListWorkspaces(ctx context.Context, filter store.WorkspaceFilter) ([]*store.Workspace, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var result []*store.Workspace
	for _, ws := range b.workspaces {
		if filter.UserID != "" && ws.UserID != filter.UserID {
			continue
		}
		if filter.Status != "" && ws.Status != filter.Status {
			continue
		}
		result = append(result, cloneWorkspace(ws))
	}
	sortNewestFirst(result, func(ws *store.Workspace) (time.Time, string) {
		return ws.CreatedAt, ws.ID
	})
	return paginate(result, filter.Limit, filter.Offset), nil
}

// UpdateWorkspace updates an existing workspace.
func (b *Backend) UpdateWorkspace(ctx context.Context, ws *store.Workspace) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	existing, exists := b.workspaces[ws.ID]
	if !exists {
		return &wberrors.NotFoundError{Resource: "workspace", ID: ws.ID}
	}
	for id, other := range b.workspaces {
		if id == ws.ID {
			continue
		}
		if other.Subdomain == ws.Subdomain && !other.Terminated() && !ws.Terminated() {
			return &wberrors.ConflictError{Resource: "workspace", Message: "subdomain already in use"}
		}
	}

	ws.CreatedAt = existing.CreatedAt
	ws.UpdatedAt = time.Now().UTC()
	b.workspaces[ws.ID] = cloneWorkspace(ws)
	return nil
}

// CountActiveWorkspaces counts a user's non-terminated workspaces.
func (b *Backend) CountActiveWorkspaces(ctx context.Context, userID string) (int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	count := 0
	for _, ws := range b.workspaces {
		if ws.UserID == userID && !ws.Terminated() {
			count++
		}
	}
	return count, nil
}

// TouchWorkspaceActivity updates only the activity timestamp.
func (b *Backend) TouchWorkspaceActivity(ctx context.Context, id string, at time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	ws, exists := b.workspaces[id]
	if !exists {
		return &wberrors.NotFoundError{Resource: "workspace", ID: id}
	}
	ws.LastActiveAt = at.UTC()
	ws.UpdatedAt = at.UTC()
	return nil
}

// ListWorkspacesIdleSince returns running workspaces idle since the cutoff.
func (b *Backend) ListWorkspacesIdleSince(ctx context.Context, cutoff time.Time) ([]*store.Workspace, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var result []*store.Workspace
	for _, ws := range b.workspaces {
		if ws.Status == store.WorkspaceStatusRunning && ws.LastActiveAt.Before(cutoff) {
			result = append(result, cloneWorkspace(ws))
		}
	}
	return result, nil
}

// ListWorkspacesInactiveSince returns running and stopped workspaces
// inactive since the cutoff.
func (b *Backend) ListWorkspacesInactiveSince(ctx context.Context, cutoff time.Time) ([]*store.Workspace, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var result []*store.Workspace
	for _, ws := range b.workspaces {
		active := ws.Status == store.WorkspaceStatusRunning || ws.Status == store.WorkspaceStatusStopped
		if active && ws.LastActiveAt.Before(cutoff) {
			result = append(result, cloneWorkspace(ws))
		}
	}
	return result, nil
}

// ListRunningWorkspaces returns all running workspaces.
func (b *Backend) ListRunningWorkspaces(ctx context.Context) ([]*store.Workspace, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var result []*store.Workspace
	for _, ws := range b.workspaces {
		if ws.Status == store.WorkspaceStatusRunning {
			result = append(result, cloneWorkspace(ws))
		}
	}
	return result, nil
}

// Agent loops

// CreateLoop creates a new agent loop.
func (b *Backend) CreateLoop(ctx context.Context, loop *store.AgentLoop) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.loops[loop.ID]; exists {
		return &wberrors.ConflictError{Resource: "loop", Message: "loop id already exists"}
	}

	now := time.Now().UTC()
	loop.CreatedAt = now
	loop.UpdatedAt = now
	b.loops[loop.ID] = cloneLoop(loop)
	return nil
}

// GetLoop retrieves a loop by ID.
func (b *Backend) GetLoop(ctx context.Context, id string) (*store.AgentLoop, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	loop, exists := b.loops[id]
	if !exists {
		return nil, &wberrors.NotFoundError{Resource: "loop", ID: id}
	}
	return cloneLoop(loop), nil
}

// GetLoopForUpdate retrieves a loop.
func (b *Backend) GetLoopForUpdate(ctx context.Context, id string) (*store.AgentLoop, error) {
	return b.GetLoop(ctx, id)
}

// ListLoops lists loops with optional filtering.
func (b *Backend) ListLoops(ctx context.Context, filter store.LoopFilter) ([]*store.AgentLoop, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var result []*store.AgentLoop
	for _, loop := range b.loops {
		if filter.UserID != "" && loop.UserID != filter.UserID {
			continue
		}
		if filter.Status != "" && loop.Status != filter.Status {
			continue
		}
		result = append(result, cloneLoop(loop))
	}
	sortNewestFirst(result, func(l *store.AgentLoop) (time.Time, string) {
		return l.CreatedAt, l.ID
	})
	return paginate(result, filter.Limit, filter.Offset), nil
}

// ListLoopsByStatus returns all loops in the given state.
func (b *Backend) ListLoopsByStatus(ctx context.Context, status store.LoopStatus) ([]*store.AgentLoop, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var result []*store.AgentLoop
	for _, loop := range b.loops {
		if loop.Status == status {
			result = append(result, cloneLoop(loop))
		}
	}
	return result, nil
}

// UpdateLoop updates an existing loop.
func (b *Backend) UpdateLoop(ctx context.Context, loop *store.AgentLoop) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	existing, exists := b.loops[loop.ID]
	if !exists {
		return &wberrors.NotFoundError{Resource: "loop", ID: loop.ID}
	}
	loop.CreatedAt = existing.CreatedAt
	loop.UpdatedAt = time.Now().UTC()
	b.loops[loop.ID] = cloneLoop(loop)
	return nil
}

// DeleteLoop deletes a loop and its runs.
func (b *Backend) DeleteLoop(ctx context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.loops[id]; !exists {
		return &wberrors.NotFoundError{Resource: "loop", ID: id}
	}
	delete(b.loops, id)
	for runID, run := range b.runs {
		if run.LoopID == id {
			delete(b.runs, runID)
		}
	}
	return nil
}

// Runs

// CreateRun creates a new run.
func (b *Backend) CreateRun(ctx context.Context, run *store.Run) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.runs[run.ID]; exists {
		return &wberrors.ConflictError{Resource: "run", Message: "run id already exists"}
	}
	for _, other := range b.runs {
		if other.LoopID == run.LoopID && other.RunNumber == run.RunNumber {
			return &wberrors.ConflictError{Resource: "run", Message: "run number already taken"}
		}
	}

	now := time.Now().UTC()
	if run.LastProgressAt.IsZero() {
		run.LastProgressAt = now
	}
	run.CreatedAt = now
	run.UpdatedAt = now
	b.runs[run.ID] = cloneRun(run)
	return nil
}

// GetRun retrieves a run by ID.
func (b *Backend) GetRun(ctx context.Context, id string) (*store.Run, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	run, exists := b.runs[id]
	if !exists {
		return nil, &wberrors.NotFoundError{Resource: "run", ID: id}
	}
	return cloneRun(run), nil
}

// GetRunForUpdate retrieves a run.
func (b *Backend) GetRunForUpdate(ctx context.Context, id string) (*store.Run, error) {
	return b.GetRun(ctx, id)
}

// ListRuns lists runs with optional filtering, newest first.
func (b *Backend) ListRuns(ctx context.Context, filter store.RunFilter) ([]*store.Run, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var result []*store.Run
	for _, run := range b.runs {
		if filter.LoopID != "" && run.LoopID != filter.LoopID {
			continue
		}
		if filter.UserID != "" && run.UserID != filter.UserID {
			continue
		}
		if filter.Status != "" && run.Status != filter.Status {
			continue
		}
		result = append(result, cloneRun(run))
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].RunNumber != result[j].RunNumber {
			return result[i].RunNumber > result[j].RunNumber
		}
		return result[i].ID > result[j].ID
	})
	return paginate(result, filter.Limit, filter.Offset), nil
}

// UpdateRun updates an existing run.
func (b *Backend) UpdateRun(ctx context.Context, run *store.Run) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	existing, exists := b.runs[run.ID]
	if !exists {
		return &wberrors.NotFoundError{Resource: "run", ID: run.ID}
	}
	run.CreatedAt = existing.CreatedAt
	run.UpdatedAt = time.Now().UTC()
	b.runs[run.ID] = cloneRun(run)
	return nil
}

// DeleteRun deletes a run row.
func (b *Backend) DeleteRun(ctx context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.runs[id]; !exists {
		return &wberrors.NotFoundError{Resource: "run", ID: id}
	}
	delete(b.runs, id)
	return nil
}

// ListStalledRuns returns non-terminal runs without progress since the cutoff.
func (b *Backend) ListStalledRuns(ctx context.Context, cutoff time.Time) ([]*store.Run, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var result []*store.Run
	for _, run := range b.runs {
		if run.Status.Terminal() {
			continue
		}
		if run.LastProgressAt.Before(cutoff) {
			result = append(result, cloneRun(run))
		}
	}
	return result, nil
}

// Usage

// CreateUsageSession opens a new usage session.
func (b *Backend) CreateUsageSession(ctx context.Context, session *store.UsageSession) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	session.CreatedAt = time.Now().UTC()
	b.usageSessions[session.ID] = cloneUsageSession(session)
	return nil
}

// GetUsageSession retrieves a usage session by ID.
func (b *Backend) GetUsageSession(ctx context.Context, id string) (*store.UsageSession, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	session, exists := b.usageSessions[id]
	if !exists {
		return nil, &wberrors.NotFoundError{Resource: "usage_session", ID: id}
	}
	return cloneUsageSession(session), nil
}

// GetOpenUsageSession retrieves the open session for a workspace.
func (b *Backend) GetOpenUsageSession(ctx context.Context, workspaceID string) (*store.UsageSession, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var latest *store.UsageSession
	for _, session := range b.usageSessions {
		if session.WorkspaceID != workspaceID || !session.Open() {
			continue
		}
		if latest == nil || session.StartedAt.After(latest.StartedAt) {
			latest = session
		}
	}
	if latest == nil {
		return nil, &wberrors.NotFoundError{Resource: "usage_session", ID: workspaceID}
	}
	return cloneUsageSession(latest), nil
}

// UpdateUsageSession updates a usage session.
func (b *Backend) UpdateUsageSession(ctx context.Context, session *store.UsageSession) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.usageSessions[session.ID]; !exists {
		return &wberrors.NotFoundError{Resource: "usage_session", ID: session.ID}
	}
	b.usageSessions[session.ID] = cloneUsageSession(session)
	return nil
}

// AddDailyUsage adds minutes to a user's daily rollup and returns the new
// day total.
func (b *Backend) AddDailyUsage(ctx context.Context, userID, day string, minutes int) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := userID + "\x00" + day
	entry, exists := b.dailyUsage[key]
	if !exists {
		entry = &store.DailyUsage{UserID: userID, Day: day}
		b.dailyUsage[key] = entry
	}
	entry.Minutes += minutes
	entry.UpdatedAt = time.Now().UTC()
	return entry.Minutes, nil
}

// GetDailyUsage returns the minutes a user consumed on a day.
func (b *Backend) GetDailyUsage(ctx context.Context, userID, day string) (int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	entry, exists := b.dailyUsage[userID+"\x00"+day]
	if !exists {
		return 0, nil
	}
	return entry.Minutes, nil
}

// GetRunQuota retrieves a user's monthly run quota counter.
func (b *Backend) GetRunQuota(ctx context.Context, userID string) (*store.RunQuota, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	quota, exists := b.runQuotas[userID]
	if !exists {
		return nil, &wberrors.NotFoundError{Resource: "run_quota", ID: userID}
	}
	return cloneRunQuota(quota), nil
}

// GetRunQuotaForUpdate retrieves the quota counter.
func (b *Backend) GetRunQuotaForUpdate(ctx context.Context, userID string) (*store.RunQuota, error) {
	return b.GetRunQuota(ctx, userID)
}

// UpsertRunQuota inserts or replaces a user's quota counter.
func (b *Backend) UpsertRunQuota(ctx context.Context, quota *store.RunQuota) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now().UTC()
	if existing, exists := b.runQuotas[quota.UserID]; exists {
		quota.CreatedAt = existing.CreatedAt
	} else {
		quota.CreatedAt = now
	}
	quota.UpdatedAt = now
	b.runQuotas[quota.UserID] = cloneRunQuota(quota)
	return nil
}

// Credentials

// UpsertCredential inserts or replaces the credential for (user, provider).
func (b *Backend) UpsertCredential(ctx context.Context, cred *store.Credential) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := cred.UserID + "\x00" + cred.Provider
	now := time.Now().UTC()
	if existing, exists := b.credentials[key]; exists {
		cred.ID = existing.ID
		cred.CreatedAt = existing.CreatedAt
	} else {
		cred.CreatedAt = now
	}
	cred.UpdatedAt = now
	b.credentials[key] = cloneCredential(cred)
	return nil
}

// GetCredential retrieves the credential for (user, provider).
func (b *Backend) GetCredential(ctx context.Context, userID, provider string) (*store.Credential, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	cred, exists := b.credentials[userID+"\x00"+provider]
	if !exists {
		return nil, &wberrors.NotFoundError{Resource: "credential", ID: provider}
	}
	return cloneCredential(cred), nil
}

// ListCredentials lists a user's credentials sorted by provider.
func (b *Backend) ListCredentials(ctx context.Context, userID string) ([]*store.Credential, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var result []*store.Credential
	for key, cred := range b.credentials {
		if strings.HasPrefix(key, userID+"\x00") {
			result = append(result, cloneCredential(cred))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Provider < result[j].Provider
	})
	return result, nil
}

// DeleteCredential removes the credential for (user, provider).
func (b *Backend) DeleteCredential(ctx context.Context, userID, provider string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := userID + "\x00" + provider
	if _, exists := b.credentials[key]; !exists {
		return &wberrors.NotFoundError{Resource: "credential", ID: provider}
	}
	delete(b.credentials, key)
	return nil
}

// Catalog

// UpsertCloudProvider inserts or replaces a provider by ID.
func (b *Backend) UpsertCloudProvider(ctx context.Context, provider *store.CloudProvider) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, other := range b.cloudProviders {
		if id != provider.ID && other.Name == provider.Name {
			return &wberrors.ConflictError{Resource: "cloud_provider", Message: "provider name already in use"}
		}
	}
	now := time.Now().UTC()
	if existing, exists := b.cloudProviders[provider.ID]; exists {
		provider.CreatedAt = existing.CreatedAt
	} else {
		provider.CreatedAt = now
	}
	provider.UpdatedAt = now
	b.cloudProviders[provider.ID] = cloneCloudProvider(provider)
	return nil
}

// GetCloudProvider retrieves a provider by ID.
func (b *Backend) GetCloudProvider(ctx context.Context, id string) (*store.CloudProvider, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	provider, exists := b.cloudProviders[id]
	if !exists {
		return nil, &wberrors.NotFoundError{Resource: "cloud_provider", ID: id}
	}
	return cloneCloudProvider(provider), nil
}

// GetCloudProviderByName retrieves a provider by its unique name.
func (b *Backend) GetCloudProviderByName(ctx context.Context, name string) (*store.CloudProvider, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, provider := range b.cloudProviders {
		if provider.Name == name {
			return cloneCloudProvider(provider), nil
		}
	}
	return nil, &wberrors.NotFoundError{Resource: "cloud_provider", ID: name}
}

// ListCloudProviders lists providers sorted by name.
func (b *Backend) ListCloudProviders(ctx context.Context, enabledOnly bool) ([]*store.CloudProvider, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var result []*store.CloudProvider
	for _, provider := range b.cloudProviders {
		if enabledOnly && !provider.Enabled {
			continue
		}
		result = append(result, cloneCloudProvider(provider))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

// UpsertRegion inserts or replaces a region by ID.
func (b *Backend) UpsertRegion(ctx context.Context, region *store.Region) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now().UTC()
	if existing, exists := b.regions[region.ID]; exists {
		region.CreatedAt = existing.CreatedAt
	} else {
		region.CreatedAt = now
	}
	region.UpdatedAt = now
	b.regions[region.ID] = cloneRegion(region)
	return nil
}

// GetRegion retrieves a region by ID.
func (b *Backend) GetRegion(ctx context.Context, id string) (*store.Region, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	region, exists := b.regions[id]
	if !exists {
		return nil, &wberrors.NotFoundError{Resource: "region", ID: id}
	}
	return cloneRegion(region), nil
}

// ListRegions lists a provider's regions sorted by name.
func (b *Backend) ListRegions(ctx context.Context, providerID string, enabledOnly bool) ([]*store.Region, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var result []*store.Region
	for _, region := range b.regions {
		if region.ProviderID != providerID {
			continue
		}
		if enabledOnly && !region.Enabled {
			continue
		}
		result = append(result, cloneRegion(region))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

// UpsertAgentType inserts or replaces an agent type by ID.
func (b *Backend) UpsertAgentType(ctx context.Context, at *store.AgentType) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now().UTC()
	if existing, exists := b.agentTypes[at.ID]; exists {
		at.CreatedAt = existing.CreatedAt
	} else {
		at.CreatedAt = now
	}
	at.UpdatedAt = now
	b.agentTypes[at.ID] = cloneAgentType(at)
	return nil
}

// GetAgentType retrieves an agent type by ID.
func (b *Backend) GetAgentType(ctx context.Context, id string) (*store.AgentType, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	at, exists := b.agentTypes[id]
	if !exists {
		return nil, &wberrors.NotFoundError{Resource: "agent_type", ID: id}
	}
	return cloneAgentType(at), nil
}

// ListAgentTypes lists agent types sorted by name.
func (b *Backend) ListAgentTypes(ctx context.Context, enabledOnly bool) ([]*store.AgentType, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var result []*store.AgentType
	for _, at := range b.agentTypes {
		if enabledOnly && !at.Enabled {
			continue
		}
		result = append(result, cloneAgentType(at))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

// UpsertImage inserts or replaces an image by ID.
func (b *Backend) UpsertImage(ctx context.Context, img *store.Image) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now().UTC()
	if existing, exists := b.images[img.ID]; exists {
		img.CreatedAt = existing.CreatedAt
	} else {
		img.CreatedAt = now
	}
	img.UpdatedAt = now
	b.images[img.ID] = cloneImage(img)
	return nil
}

// GetImage retrieves an image by ID.
func (b *Backend) GetImage(ctx context.Context, id string) (*store.Image, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	img, exists := b.images[id]
	if !exists {
		return nil, &wberrors.NotFoundError{Resource: "image", ID: id}
	}
	return cloneImage(img), nil
}

// ListImages lists images sorted by name.
func (b *Backend) ListImages(ctx context.Context, enabledOnly bool) ([]*store.Image, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var result []*store.Image
	for _, img := range b.images {
		if enabledOnly && !img.Enabled {
			continue
		}
		result = append(result, cloneImage(img))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

// System config

// GetSystemConfig retrieves a setting value.
func (b *Backend) GetSystemConfig(ctx context.Context, key string) (string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	value, exists := b.systemConfig[key]
	if !exists {
		return "", &wberrors.NotFoundError{Resource: "system_config", ID: key}
	}
	return value, nil
}

// SetSystemConfig inserts or replaces a setting.
func (b *Backend) SetSystemConfig(ctx context.Context, key, value string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.systemConfig[key] = value
	return nil
}

// ListSystemConfig returns all settings.
func (b *Backend) ListSystemConfig(ctx context.Context) (map[string]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	settings := make(map[string]string, len(b.systemConfig))
	for k, v := range b.systemConfig {
		settings[k] = v
	}
	return settings, nil
}

// GitHub installations

// SaveInstallation inserts or replaces a user's installation link.
func (b *Backend) SaveInstallation(ctx context.Context, inst *store.GitHubInstallation) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now().UTC()
	if existing, exists := b.installations[inst.UserID]; exists {
		inst.CreatedAt = existing.CreatedAt
	} else {
		inst.CreatedAt = now
	}
	inst.UpdatedAt = now
	b.installations[inst.UserID] = cloneInstallation(inst)
	return nil
}

// GetInstallation retrieves a user's installation link.
func (b *Backend) GetInstallation(ctx context.Context, userID string) (*store.GitHubInstallation, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	inst, exists := b.installations[userID]
	if !exists {
		return nil, &wberrors.NotFoundError{Resource: "installation", ID: userID}
	}
	return cloneInstallation(inst), nil
}

// DeleteInstallation removes a user's installation link.
func (b *Backend) DeleteInstallation(ctx context.Context, userID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.installations[userID]; !exists {
		return &wberrors.NotFoundError{Resource: "installation", ID: userID}
	}
	delete(b.installations, userID)
	return nil
}

// DeleteInstallationByInstallationID removes every link to an installation.
func (b *Backend) DeleteInstallationByInstallationID(ctx context.Context, installationID int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for userID, inst := range b.installations {
		if inst.InstallationID == installationID {
			delete(b.installations, userID)
		}
	}
	return nil
}

// Clone helpers. Pointer and slice fields are duplicated so stored state
// never aliases caller memory.

func cloneUser(u *store.User) *store.User {
	c := *u
	return &c
}

func cloneSession(s *store.Session) *store.Session {
	c := *s
	return &c
}

func cloneWorkspace(ws *store.Workspace) *store.Workspace {
	c := *ws
	if ws.ExposedPorts != nil {
		c.ExposedPorts = make(map[string]store.ExposedPort, len(ws.ExposedPorts))
		for k, v := range ws.ExposedPorts {
			c.ExposedPorts[k] = v
		}
	}
	c.TunnelConnectedAt = cloneTimePtr(ws.TunnelConnectedAt)
	c.StartedAt = cloneTimePtr(ws.StartedAt)
	c.StoppedAt = cloneTimePtr(ws.StoppedAt)
	c.TerminatedAt = cloneTimePtr(ws.TerminatedAt)
	return &c
}

func cloneLoop(l *store.AgentLoop) *store.AgentLoop {
	c := *l
	c.LastRunAt = cloneTimePtr(l.LastRunAt)
	c.ArchivedAt = cloneTimePtr(l.ArchivedAt)
	return &c
}

func cloneRun(r *store.Run) *store.Run {
	c := *r
	c.DispatchedAt = cloneTimePtr(r.DispatchedAt)
	c.StartedAt = cloneTimePtr(r.StartedAt)
	c.CompletedAt = cloneTimePtr(r.CompletedAt)
	return &c
}

func cloneUsageSession(s *store.UsageSession) *store.UsageSession {
	c := *s
	c.EndedAt = cloneTimePtr(s.EndedAt)
	return &c
}

func cloneDailyUsage(d *store.DailyUsage) *store.DailyUsage {
	c := *d
	return &c
}

func cloneRunQuota(q *store.RunQuota) *store.RunQuota {
	c := *q
	return &c
}

func cloneCredential(cr *store.Credential) *store.Credential {
	c := *cr
	if cr.Ciphertext != nil {
		c.Ciphertext = append([]byte(nil), cr.Ciphertext...)
	}
	c.ExpiresAt = cloneTimePtr(cr.ExpiresAt)
	c.LastUsedAt = cloneTimePtr(cr.LastUsedAt)
	return &c
}

func cloneCloudProvider(p *store.CloudProvider) *store.CloudProvider {
	c := *p
	return &c
}

func cloneRegion(r *store.Region) *store.Region {
	c := *r
	return &c
}

func cloneAgentType(a *store.AgentType) *store.AgentType {
	c := *a
	return &c
}

func cloneImage(i *store.Image) *store.Image {
	c := *i
	return &c
}

func cloneInstallation(i *store.GitHubInstallation) *store.GitHubInstallation {
	c := *i
	return &c
}

func cloneTimePtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

// sortNewestFirst orders items by descending timestamp, breaking ties by ID
// for deterministic output.
func sortNewestFirst[T any](items []T, key func(T) (time.Time, string)) {
	sort.Slice(items, func(i, j int) bool {
		ti, idi := key(items[i])
		tj, idj := key(items[j])
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return idi > idj
	})
}

// paginate applies limit and offset to a sorted result set.
func paginate[T any](items []T, limit, offset int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return nil
		}
		items = items[offset:]
	}
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}
