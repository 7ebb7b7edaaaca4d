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

// Package store defines the persistence contracts for the workbench daemon.
//
// # Interface Hierarchy
//
// The store package uses interface segregation so components depend only on
// what they touch:
//
//   - UserStore / SessionStore: accounts and CLI sessions
//   - WorkspaceStore: workspace rows plus the reaper queries
//   - LoopStore / RunStore: agent loops and their runs
//   - UsageStore: usage sessions, daily rollups, monthly run quotas
//   - CredentialStore: encrypted credential envelopes
//   - CatalogStore: admin-managed providers, regions, agent types, images
//   - SystemConfigStore: operator-tunable key/value settings
//   - InstallationStore: GitHub App installation links
//
// The Store interface composes all of these; Backend adds transactions and
// io.Closer. Components should accept the narrowest interface that covers
// their needs and use type assertions to detect optional capabilities.
//
// # Transactions
//
// Multi-statement invariants (run-number contiguity, the single-workspace
// cap, quota consumption) run inside Transactor.WithTx. The Store handed to
// the callback is bound to the transaction and must not be retained. The
// ForUpdate getters acquire row locks on backends that support them and must
// only be called inside WithTx.
package store

import (
	"context"
	"io"
	"time"
)

// UserStore manages account rows.
type UserStore interface {
	// CreateUser creates a new user.
	CreateUser(ctx context.Context, user *User) error

	// GetUser retrieves a user by ID.
	GetUser(ctx context.Context, id string) (*User, error)

	// GetUserForUpdate retrieves a user and locks the row for the
	// remainder of the enclosing transaction. Serializes admission
	// checks like the workspace cap.
	GetUserForUpdate(ctx context.Context, id string) (*User, error)

	// GetUserByEmail retrieves a user by email address.
	GetUserByEmail(ctx context.Context, email string) (*User, error)

	// UpdateUser updates an existing user.
	UpdateUser(ctx context.Context, user *User) error
}

// SessionStore manages CLI login sessions keyed by token hash.
type SessionStore interface {
	// CreateSession persists a new session.
	CreateSession(ctx context.Context, session *Session) error

	// GetSession retrieves a session by token hash.
	GetSession(ctx context.Context, tokenHash string) (*Session, error)

	// DeleteSession removes a session (logout).
	DeleteSession(ctx context.Context, tokenHash string) error

	// DeleteExpiredSessions removes sessions that expired before the
	// given time and reports how many were deleted.
	DeleteExpiredSessions(ctx context.Context, before time.Time) (int64, error)
}

// WorkspaceStore manages workspace rows.
type WorkspaceStore interface {
	// CreateWorkspace creates a new workspace. Returns a conflict error
	// when the subdomain is already held by a non-terminated workspace.
	CreateWorkspace(ctx context.Context, ws *Workspace) error

	// GetWorkspace retrieves a workspace by ID.
	GetWorkspace(ctx context.Context, id string) (*Workspace, error)

	// GetWorkspaceForUpdate retrieves a workspace and locks the row for
	// the remainder of the enclosing transaction.
	GetWorkspaceForUpdate(ctx context.Context, id string) (*Workspace, error)

	// GetWorkspaceBySubdomain retrieves the non-terminated workspace
	// holding the given subdomain.
	GetWorkspaceBySubdomain(ctx context.Context, subdomain string) (*Workspace, error)

	// ListWorkspaces lists workspaces with optional filtering.
	ListWorkspaces(ctx context.Context, filter WorkspaceFilter) ([]*Workspace, error)

	// UpdateWorkspace updates an existing workspace.
	UpdateWorkspace(ctx context.Context, ws *Workspace) error

	// TouchWorkspaceActivity updates only last_active_at. Heartbeats use
	// this so their writes cannot race a concurrent status transition.
	TouchWorkspaceActivity(ctx context.Context, id string, at time.Time) error

	// CountActiveWorkspaces counts a user's non-terminated workspaces.
	CountActiveWorkspaces(ctx context.Context, userID string) (int, error)

	// ListWorkspacesIdleSince returns running workspaces whose last
	// activity predates the cutoff. Consumed by the idle reaper.
	ListWorkspacesIdleSince(ctx context.Context, cutoff time.Time) ([]*Workspace, error)

	// ListWorkspacesInactiveSince returns running and stopped workspaces
	// whose last activity predates the cutoff. Consumed by the long-term
	// reaper.
	ListWorkspacesInactiveSince(ctx context.Context, cutoff time.Time) ([]*Workspace, error)

	// ListRunningWorkspaces returns all running workspaces. Consumed by
	// the quota reaper.
	ListRunningWorkspaces(ctx context.Context) ([]*Workspace, error)
}

// LoopStore manages agent loop rows.
type LoopStore interface {
	// CreateLoop creates a new agent loop.
	CreateLoop(ctx context.Context, loop *AgentLoop) error

	// GetLoop retrieves a loop by ID.
	GetLoop(ctx context.Context, id string) (*AgentLoop, error)

	// GetLoopForUpdate retrieves a loop and locks the row for the
	// remainder of the enclosing transaction. Run scheduling serializes
	// on this lock.
	GetLoopForUpdate(ctx context.Context, id string) (*AgentLoop, error)

	// ListLoops lists loops with optional filtering.
	ListLoops(ctx context.Context, filter LoopFilter) ([]*AgentLoop, error)

	// ListLoopsByStatus returns all loops in the given state across
	// users. Consumed by the quota rollover sweep.
	ListLoopsByStatus(ctx context.Context, status LoopStatus) ([]*AgentLoop, error)

	// UpdateLoop updates an existing loop.
	UpdateLoop(ctx context.Context, loop *AgentLoop) error

	// DeleteLoop deletes a loop and its runs.
	DeleteLoop(ctx context.Context, id string) error
}

// RunStore manages agent run rows.
type RunStore interface {
	// CreateRun creates a new run. Returns a conflict error when the
	// (loop, run_number) pair already exists.
	CreateRun(ctx context.Context, run *Run) error

	// GetRun retrieves a run by ID.
	GetRun(ctx context.Context, id string) (*Run, error)

	// GetRunForUpdate retrieves a run and locks the row for the
	// remainder of the enclosing transaction. Callback processing
	// serializes on this lock.
	GetRunForUpdate(ctx context.Context, id string) (*Run, error)

	// ListRuns lists runs with optional filtering, newest first.
	ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error)

	// UpdateRun updates an existing run.
	UpdateRun(ctx context.Context, run *Run) error

	// DeleteRun deletes a run row. Used by dispatch compensation when
	// the sandbox orchestrator never acknowledges.
	DeleteRun(ctx context.Context, id string) error

	// ListStalledRuns returns non-terminal runs whose last progress
	// predates the cutoff. Consumed by the stall reaper.
	ListStalledRuns(ctx context.Context, cutoff time.Time) ([]*Run, error)
}

// UsageStore manages metering rows: usage sessions, daily rollups, and
// monthly run quotas.
type UsageStore interface {
	// CreateUsageSession opens a new usage session.
	CreateUsageSession(ctx context.Context, session *UsageSession) error

	// GetUsageSession retrieves a usage session by ID.
	GetUsageSession(ctx context.Context, id string) (*UsageSession, error)

	// GetOpenUsageSession retrieves the open session for a workspace,
	// if any.
	GetOpenUsageSession(ctx context.Context, workspaceID string) (*UsageSession, error)

	// UpdateUsageSession updates a usage session (typically to close it).
	UpdateUsageSession(ctx context.Context, session *UsageSession) error

	// AddDailyUsage adds minutes to a user's daily rollup and returns
	// the new day total.
	AddDailyUsage(ctx context.Context, userID, day string, minutes int) (int, error)

	// GetDailyUsage returns the minutes consumed by a user on a day.
	// Returns zero (not an error) when no rollup row exists.
	GetDailyUsage(ctx context.Context, userID, day string) (int, error)

	// GetRunQuota retrieves a user's monthly run quota counter.
	GetRunQuota(ctx context.Context, userID string) (*RunQuota, error)

	// GetRunQuotaForUpdate retrieves the quota counter and locks the row
	// for the remainder of the enclosing transaction.
	GetRunQuotaForUpdate(ctx context.Context, userID string) (*RunQuota, error)

	// UpsertRunQuota inserts or replaces a user's quota counter.
	UpsertRunQuota(ctx context.Context, quota *RunQuota) error
}

// CredentialStore manages encrypted credential envelopes.
type CredentialStore interface {
	// UpsertCredential inserts or replaces the credential for
	// (user, provider).
	UpsertCredential(ctx context.Context, cred *Credential) error

	// GetCredential retrieves the credential for (user, provider).
	GetCredential(ctx context.Context, userID, provider string) (*Credential, error)

	// ListCredentials lists a user's credentials. Ciphertext is included;
	// callers must not expose it.
	ListCredentials(ctx context.Context, userID string) ([]*Credential, error)

	// DeleteCredential removes the credential for (user, provider).
	DeleteCredential(ctx context.Context, userID, provider string) error
}

// CatalogStore manages the admin-curated placement catalog: cloud providers,
// their regions, agent types, and workspace images. Reads tolerate staleness;
// admission re-checks enabled flags inside transactions where it matters.
type CatalogStore interface {
	// UpsertCloudProvider inserts or replaces a provider by ID.
	UpsertCloudProvider(ctx context.Context, provider *CloudProvider) error

	// GetCloudProvider retrieves a provider by ID.
	GetCloudProvider(ctx context.Context, id string) (*CloudProvider, error)

	// GetCloudProviderByName retrieves a provider by its unique name.
	GetCloudProviderByName(ctx context.Context, name string) (*CloudProvider, error)

	// ListCloudProviders lists providers, optionally only enabled ones.
	ListCloudProviders(ctx context.Context, enabledOnly bool) ([]*CloudProvider, error)

	// UpsertRegion inserts or replaces a region by ID.
	UpsertRegion(ctx context.Context, region *Region) error

	// GetRegion retrieves a region by ID.
	GetRegion(ctx context.Context, id string) (*Region, error)

	// ListRegions lists a provider's regions, optionally only enabled ones.
	ListRegions(ctx context.Context, providerID string, enabledOnly bool) ([]*Region, error)

	// UpsertAgentType inserts or replaces an agent type by ID.
	UpsertAgentType(ctx context.Context, at *AgentType) error

	// GetAgentType retrieves an agent type by ID.
	GetAgentType(ctx context.Context, id string) (*AgentType, error)

	// ListAgentTypes lists agent types, optionally only enabled ones.
	ListAgentTypes(ctx context.Context, enabledOnly bool) ([]*AgentType, error)

	// UpsertImage inserts or replaces an image by ID.
	UpsertImage(ctx context.Context, img *Image) error

	// GetImage retrieves an image by ID.
	GetImage(ctx context.Context, id string) (*Image, error)

	// ListImages lists images, optionally only enabled ones.
	ListImages(ctx context.Context, enabledOnly bool) ([]*Image, error)
}

// SystemConfigStore manages operator-tunable settings.
type SystemConfigStore interface {
	// GetSystemConfig retrieves a setting value.
	GetSystemConfig(ctx context.Context, key string) (string, error)

	// SetSystemConfig inserts or replaces a setting.
	SetSystemConfig(ctx context.Context, key, value string) error

	// ListSystemConfig returns all settings.
	ListSystemConfig(ctx context.Context) (map[string]string, error)
}

// InstallationStore manages GitHub App installation links.
type InstallationStore interface {
	// SaveInstallation inserts or replaces a user's installation link.
	SaveInstallation(ctx context.Context, inst *GitHubInstallation) error

	// GetInstallation retrieves a user's installation link.
	GetInstallation(ctx context.Context, userID string) (*GitHubInstallation, error)

	// DeleteInstallation removes a user's installation link.
	DeleteInstallation(ctx context.Context, userID string) error

	// DeleteInstallationByInstallationID removes every link to a GitHub App
	// installation. Used when the app is uninstalled upstream; deleting an
	// unknown installation is not an error.
	DeleteInstallationByInstallationID(ctx context.Context, installationID int64) error
}

// Store composes all persistence interfaces.
type Store interface {
	UserStore
	SessionStore
	WorkspaceStore
	LoopStore
	RunStore
	UsageStore
	CredentialStore
	CatalogStore
	SystemConfigStore
	InstallationStore
}

// Transactor runs a function inside a single database transaction.
type Transactor interface {
	// WithTx begins a transaction, calls fn with a transaction-bound
	// Store, and commits when fn returns nil. Any error rolls the
	// transaction back and is returned unchanged. Transactions do not
	// nest.
	WithTx(ctx context.Context, fn func(Store) error) error
}

// TxStore is a Store that can open transactions. Services enforcing
// multi-statement invariants accept this instead of the full Backend.
type TxStore interface {
	Store
	Transactor
}

// Backend is the full interface a storage backend implements.
type Backend interface {
	TxStore
	io.Closer
}
