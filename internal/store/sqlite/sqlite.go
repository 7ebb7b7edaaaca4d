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

// Package sqlite provides a SQLite storage backend for single-node deployments.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tombee/workbench/internal/store"
	wberrors "github.com/tombee/workbench/pkg/errors"
	_ "modernc.org/sqlite"
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

// querier is satisfied by both *sql.DB and *sql.Tx so every operation can
// run standalone or transaction-bound.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Backend is a SQLite storage backend.
type Backend struct {
	db *sql.DB
	q  querier
}

// Config contains SQLite connection configuration.
type Config struct {
	// Path is the database file path. The parent directory is created
	// if missing.
	Path string

	// WAL enables Write-Ahead Logging mode for concurrent reads.
	WAL bool
}

// New creates a new SQLite backend.
func New(cfg Config) (*Backend, error) {
	if dir := filepath.Dir(cfg.Path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite serializes writes, so only 1 connection
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	b := &Backend{db: db, q: db}

	if err := b.configurePragmas(ctx, cfg.WAL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure pragmas: %w", err)
	}

	if err := b.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return b, nil
}

// configurePragmas sets SQLite configuration options.
func (b *Backend) configurePragmas(ctx context.Context, enableWAL bool) error {
	pragmas := []string{
		"PRAGMA foreign_keys=ON",         // Enable foreign key constraints
		"PRAGMA busy_timeout=5000",       // 5 second timeout for lock contention
		"PRAGMA auto_vacuum=INCREMENTAL", // Incremental auto-vacuum for space reclamation
		"PRAGMA synchronous=NORMAL",      // Balance between performance and durability
	}

	if enableWAL {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}

	for _, pragma := range pragmas {
		if _, err := b.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}

	return nil
}

// migrate runs database migrations.
func (b *Backend) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			email TEXT NOT NULL UNIQUE,
			name TEXT,
			plan TEXT NOT NULL,
			role TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			token_hash TEXT PRIMARY KEY,
			user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			expires_at TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_user_id ON sessions(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_expires_at ON sessions(expires_at)`,
		`CREATE TABLE IF NOT EXISTS workspaces (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL REFERENCES users(id),
			name TEXT NOT NULL,
			subdomain TEXT NOT NULL,
			domain TEXT NOT NULL,
			status TEXT NOT NULL,
			cloud_provider_id TEXT NOT NULL,
			region_id TEXT NOT NULL,
			image_id TEXT NOT NULL,
			hosting_type TEXT NOT NULL,
			persistent INTEGER NOT NULL DEFAULT 0,
			server_only INTEGER NOT NULL DEFAULT 0,
			external_instance_id TEXT,
			external_deployment_id TEXT,
			external_volume_id TEXT,
			upstream_url TEXT,
			git_integration_id TEXT,
			repository_url TEXT,
			branch TEXT,
			local_port INTEGER NOT NULL DEFAULT 0,
			exposed_ports TEXT,
			tunnel_connected_at TEXT,
			started_at TEXT,
			last_active_at TEXT NOT NULL,
			stopped_at TEXT,
			terminated_at TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		// Terminated workspaces release their subdomain.
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_workspaces_subdomain_live
			ON workspaces(subdomain) WHERE status != 'terminated'`,
		`CREATE INDEX IF NOT EXISTS idx_workspaces_user_id ON workspaces(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_workspaces_status_active ON workspaces(status, last_active_at)`,
		`CREATE TABLE IF NOT EXISTS agent_loops (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL REFERENCES users(id),
			name TEXT,
			git_integration_id TEXT NOT NULL,
			sandbox_provider_id TEXT NOT NULL,
			repository_owner TEXT NOT NULL,
			repository_name TEXT NOT NULL,
			branch TEXT NOT NULL,
			plan_file_path TEXT NOT NULL,
			progress_file_path TEXT,
			model_provider TEXT NOT NULL,
			model_id TEXT NOT NULL,
			credential_id TEXT,
			prompt TEXT,
			status TEXT NOT NULL,
			automation_enabled INTEGER NOT NULL DEFAULT 0,
			automation_condition TEXT,
			max_runs INTEGER NOT NULL,
			total_runs INTEGER NOT NULL DEFAULT 0,
			successful_runs INTEGER NOT NULL DEFAULT 0,
			failed_runs INTEGER NOT NULL DEFAULT 0,
			last_run_id TEXT,
			last_run_at TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			archived_at TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_agent_loops_user_id ON agent_loops(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_agent_loops_status ON agent_loops(status)`,
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			loop_id TEXT NOT NULL REFERENCES agent_loops(id) ON DELETE CASCADE,
			user_id TEXT NOT NULL,
			run_number INTEGER NOT NULL,
			status TEXT NOT NULL,
			trigger_type TEXT NOT NULL,
			model_provider TEXT NOT NULL,
			model_id TEXT NOT NULL,
			prompt TEXT,
			sandbox_id TEXT,
			branch_name TEXT,
			commit_sha TEXT,
			commit_message TEXT,
			summary TEXT,
			error TEXT,
			pr_url TEXT,
			dispatched_at TEXT,
			started_at TEXT,
			completed_at TEXT,
			duration_seconds INTEGER NOT NULL DEFAULT 0,
			last_progress_at TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			UNIQUE(loop_id, run_number)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_loop_id ON runs(loop_id)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_status_progress ON runs(status, last_progress_at)`,
		`CREATE TABLE IF NOT EXISTS usage_sessions (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			workspace_id TEXT NOT NULL,
			started_at TEXT NOT NULL,
			ended_at TEXT,
			minutes INTEGER NOT NULL DEFAULT 0,
			stop_source TEXT,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_usage_sessions_workspace ON usage_sessions(workspace_id, ended_at)`,
		`CREATE INDEX IF NOT EXISTS idx_usage_sessions_user_id ON usage_sessions(user_id)`,
		`CREATE TABLE IF NOT EXISTS daily_usage (
			user_id TEXT NOT NULL,
			day TEXT NOT NULL,
			minutes INTEGER NOT NULL DEFAULT 0,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (user_id, day)
		)`,
		`CREATE TABLE IF NOT EXISTS run_quotas (
			user_id TEXT PRIMARY KEY,
			plan TEXT NOT NULL,
			monthly_runs INTEGER NOT NULL DEFAULT 0,
			extra_runs INTEGER NOT NULL DEFAULT 0,
			next_monthly_reset_at TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS credentials (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			provider TEXT NOT NULL,
			auth_type TEXT NOT NULL,
			label TEXT,
			ciphertext BLOB NOT NULL,
			key_hash TEXT NOT NULL,
			active INTEGER NOT NULL DEFAULT 1,
			expires_at TEXT,
			last_used_at TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			UNIQUE(user_id, provider)
		)`,
		`CREATE TABLE IF NOT EXISTS cloud_providers (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			is_sandbox INTEGER NOT NULL DEFAULT 0,
			enabled INTEGER NOT NULL DEFAULT 1,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS regions (
			id TEXT PRIMARY KEY,
			provider_id TEXT NOT NULL REFERENCES cloud_providers(id),
			name TEXT NOT NULL,
			external_id TEXT NOT NULL,
			enabled INTEGER NOT NULL DEFAULT 1,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_regions_provider ON regions(provider_id)`,
		`CREATE TABLE IF NOT EXISTS agent_types (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			server_only INTEGER NOT NULL DEFAULT 0,
			enabled INTEGER NOT NULL DEFAULT 1,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS images (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			image_ref TEXT NOT NULL,
			agent_type_id TEXT NOT NULL REFERENCES agent_types(id),
			enabled INTEGER NOT NULL DEFAULT 1,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS system_config (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS github_installations (
			user_id TEXT PRIMARY KEY,
			installation_id INTEGER NOT NULL,
			account_login TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
	}

	for _, migration := range migrations {
		if _, err := b.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}

// WithTx runs fn inside a transaction. The Store passed to fn shares the
// single SQLite connection and must not be retained.
func (b *Backend) WithTx(ctx context.Context, fn func(store.Store) error) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	txb := &Backend{db: b.db, q: tx}
	if err := fn(txb); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (b *Backend) Close() error {
	return b.db.Close()
}

// Users

// CreateUser creates a new user.
func (b *Backend) CreateUser(ctx context.Context, user *store.User) error {
	now := time.Now().UTC()
	_, err := b.q.ExecContext(ctx, `
		INSERT INTO users (id, email, name, plan, role, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		user.ID, user.Email, nullString(user.Name), string(user.Plan), string(user.Role),
		formatTimeVal(now), formatTimeVal(now),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return &wberrors.ConflictError{Resource: "user", Message: "email already registered"}
		}
		return fmt.Errorf("failed to create user: %w", err)
	}
	user.CreatedAt = now
	user.UpdatedAt = now
	return nil
}

const userColumns = `id, email, name, plan, role, created_at, updated_at`

func scanUser(s rowScanner) (*store.User, error) {
	var u store.User
	var name sql.NullString
	var plan, role, createdAt, updatedAt string
	if err := s.Scan(&u.ID, &u.Email, &name, &plan, &role, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	u.Name = name.String
	u.Plan = store.Plan(plan)
	u.Role = store.Role(role)
	u.CreatedAt = parseTime(createdAt)
	u.UpdatedAt = parseTime(updatedAt)
	return &u, nil
}

// GetUser retrieves a user by ID.
func (b *Backend) GetUser(ctx context.Context, id string) (*store.User, error) {
	row := b.q.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id)
	user, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &wberrors.NotFoundError{Resource: "user", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return user, nil
}

// GetUserForUpdate retrieves a user inside a transaction. SQLite holds a
// database-level write lock for the whole transaction, so no row lock is
// needed.
func (b *Backend) GetUserForUpdate(ctx context.Context, id string) (*store.User, error) {
	return b.GetUser(ctx, id)
}

// GetUserByEmail retrieves a user by email address.
func (b *Backend) GetUserByEmail(ctx context.Context, email string) (*store.User, error) {
	row := b.q.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE email = ?`, email)
	user, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &wberrors.NotFoundError{Resource: "user", ID: email}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user by email: %w", err)
	}
	return user, nil
}

// UpdateUser updates an existing user.
func (b *Backend) UpdateUser(ctx context.Context, user *store.User) error {
	now := time.Now().UTC()
	res, err := b.q.ExecContext(ctx, `
		UPDATE users SET email = ?, name = ?, plan = ?, role = ?, updated_at = ?
		WHERE id = ?`,
		user.Email, nullString(user.Name), string(user.Plan), string(user.Role),
		formatTimeVal(now), user.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update user: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &wberrors.NotFoundError{Resource: "user", ID: user.ID}
	}
	user.UpdatedAt = now
	return nil
}

// Sessions

// CreateSession persists a new session.
func (b *Backend) CreateSession(ctx context.Context, session *store.Session) error {
	now := time.Now().UTC()
	_, err := b.q.ExecContext(ctx, `
		INSERT INTO sessions (token_hash, user_id, expires_at, created_at)
		VALUES (?, ?, ?, ?)`,
		session.TokenHash, session.UserID, formatTimeVal(session.ExpiresAt.UTC()), formatTimeVal(now),
	)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	session.CreatedAt = now
	return nil
}

// GetSession retrieves a session by token hash.
func (b *Backend) GetSession(ctx context.Context, tokenHash string) (*store.Session, error) {
	var s store.Session
	var expiresAt, createdAt string
	err := b.q.QueryRowContext(ctx, `
		SELECT token_hash, user_id, expires_at, created_at
		FROM sessions WHERE token_hash = ?`, tokenHash).
		Scan(&s.TokenHash, &s.UserID, &expiresAt, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &wberrors.NotFoundError{Resource: "session", ID: "token"}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	s.ExpiresAt = parseTime(expiresAt)
	s.CreatedAt = parseTime(createdAt)
	return &s, nil
}

// DeleteSession removes a session.
func (b *Backend) DeleteSession(ctx context.Context, tokenHash string) error {
	_, err := b.q.ExecContext(ctx, `DELETE FROM sessions WHERE token_hash = ?`, tokenHash)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// DeleteExpiredSessions removes sessions that expired before the given time.
func (b *Backend) DeleteExpiredSessions(ctx context.Context, before time.Time) (int64, error) {
	res, err := b.q.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at < ?`,
		formatTimeVal(before.UTC()))
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Workspaces

const workspaceColumns = `id, user_id, name, subdomain, domain, status, cloud_provider_id,
	region_id, image_id, hosting_type, persistent, server_only, external_instance_id,
	external_deployment_id, external_volume_id, upstream_url, git_integration_id,
	repository_url, branch, local_port, exposed_ports, tunnel_connected_at,
	started_at, last_active_at, stopped_at, terminated_at, created_at, updated_at`

// CreateWorkspace creates a new workspace.
func (b *Backend) CreateWorkspace(ctx context.Context, ws *store.Workspace) error {
	portsJSON, err := marshalExposedPorts(ws.ExposedPorts)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	if ws.LastActiveAt.IsZero() {
		ws.LastActiveAt = now
	}

	_, err = b.q.ExecContext(ctx, `
		INSERT INTO workspaces (`+workspaceColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ws.ID, ws.UserID, ws.Name, ws.Subdomain, ws.Domain, string(ws.Status),
		ws.CloudProviderID, ws.RegionID, ws.ImageID, string(ws.HostingType),
		boolToInt(ws.Persistent), boolToInt(ws.ServerOnly),
		nullString(ws.ExternalInstanceID), nullString(ws.ExternalDeploymentID),
		nullString(ws.ExternalVolumeID), nullString(ws.UpstreamURL),
		nullString(ws.GitIntegrationID), nullString(ws.RepoURL), nullString(ws.Branch),
		ws.LocalPort, portsJSON, formatTime(ws.TunnelConnectedAt), formatTime(ws.StartedAt),
		formatTimeVal(ws.LastActiveAt.UTC()), formatTime(ws.StoppedAt), formatTime(ws.TerminatedAt),
		formatTimeVal(now), formatTimeVal(now),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return &wberrors.ConflictError{Resource: "workspace", Message: "id or subdomain already in use"}
		}
		return fmt.Errorf("failed to create workspace: %w", err)
	}
	ws.CreatedAt = now
	ws.UpdatedAt = now
	return nil
}

func scanWorkspace(s rowScanner) (*store.Workspace, error) {
	var ws store.Workspace
	var status, hostingType string
	var persistent, serverOnly int
	var externalInstanceID, externalDeploymentID, externalVolumeID sql.NullString
	var upstreamURL, gitIntegrationID, repoURL, branch, portsJSON sql.NullString
	var tunnelConnectedAt, startedAt, stoppedAt, terminatedAt sql.NullString
	var lastActiveAt, createdAt, updatedAt string

	err := s.Scan(&ws.ID, &ws.UserID, &ws.Name, &ws.Subdomain, &ws.Domain, &status,
		&ws.CloudProviderID, &ws.RegionID, &ws.ImageID, &hostingType,
		&persistent, &serverOnly, &externalInstanceID, &externalDeploymentID,
		&externalVolumeID, &upstreamURL, &gitIntegrationID, &repoURL, &branch,
		&ws.LocalPort, &portsJSON, &tunnelConnectedAt, &startedAt, &lastActiveAt,
		&stoppedAt, &terminatedAt, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	ws.Status = store.WorkspaceStatus(status)
	ws.HostingType = store.HostingType(hostingType)
	ws.Persistent = persistent == 1
	ws.ServerOnly = serverOnly == 1
	ws.ExternalInstanceID = externalInstanceID.String
	ws.ExternalDeploymentID = externalDeploymentID.String
	ws.ExternalVolumeID = externalVolumeID.String
	ws.UpstreamURL = upstreamURL.String
	ws.GitIntegrationID = gitIntegrationID.String
	ws.RepoURL = repoURL.String
	ws.Branch = branch.String
	if portsJSON.Valid && portsJSON.String != "" {
		if err := json.Unmarshal([]byte(portsJSON.String), &ws.ExposedPorts); err != nil {
			return nil, fmt.Errorf("failed to unmarshal exposed ports: %w", err)
		}
	}
	ws.TunnelConnectedAt = parseTimePtr(tunnelConnectedAt)
	ws.StartedAt = parseTimePtr(startedAt)
	ws.LastActiveAt = parseTime(lastActiveAt)
	ws.StoppedAt = parseTimePtr(stoppedAt)
	ws.TerminatedAt = parseTimePtr(terminatedAt)
	ws.CreatedAt = parseTime(createdAt)
	ws.UpdatedAt = parseTime(updatedAt)
	return &ws, nil
}

// GetWorkspace retrieves a workspace by ID.
func (b *Backend) GetWorkspace(ctx context.Context, id string) (*store.Workspace, error) {
	row := b.q.QueryRowContext(ctx, `SELECT `+workspaceColumns+` FROM workspaces WHERE id = ?`, id)
	ws, err := scanWorkspace(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &wberrors.NotFoundError{Resource: "workspace", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get workspace: %w", err)
	}
	return ws, nil
}

// GetWorkspaceForUpdate retrieves a workspace inside a transaction.
func (b *Backend) GetWorkspaceForUpdate(ctx context.Context, id string) (*store.Workspace, error) {
	return b.GetWorkspace(ctx, id)
}

// GetWorkspaceBySubdomain retrieves the non-terminated workspace holding a
// subdomain.
func (b *Backend) GetWorkspaceBySubdomain(ctx context.Context, subdomain string) (*store.Workspace, error) {
	row := b.q.QueryRowContext(ctx, `
		SELECT `+workspaceColumns+` FROM workspaces
		WHERE subdomain = ? AND status != 'terminated'`, subdomain)
	ws, err := scanWorkspace(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &wberrors.NotFoundError{Resource: "workspace", ID: subdomain}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get workspace by subdomain: %w", err)
	}
	return ws, nil
}

// ListWorkspaces lists workspaces with optional filtering.
func (b *Backend) ListWorkspaces(ctx context.Context, filter store.WorkspaceFilter) ([]*store.Workspace, error) {
	query := `SELECT ` + workspaceColumns + ` FROM workspaces WHERE 1=1`
	var args []any

	if filter.UserID != "" {
		query += ` AND user_id = ?`
		args = append(args, filter.UserID)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}
	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	return b.queryWorkspaces(ctx, query, args...)
}

func (b *Backend) queryWorkspaces(ctx context.Context, query string, args ...any) ([]*store.Workspace, error) {
	rows, err := b.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list workspaces: %w", err)
	}
	defer rows.Close()

	var workspaces []*store.Workspace
	for rows.Next() {
		ws, err := scanWorkspace(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan workspace: %w", err)
		}
		workspaces = append(workspaces, ws)
	}
	return workspaces, rows.Err()
}

// UpdateWorkspace updates an existing workspace.
func (b *Backend) UpdateWorkspace(ctx context.Context, ws *store.Workspace) error {
	portsJSON, err := marshalExposedPorts(ws.ExposedPorts)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	res, err := b.q.ExecContext(ctx, `
		UPDATE workspaces SET name = ?, subdomain = ?, domain = ?, status = ?,
			cloud_provider_id = ?, region_id = ?, image_id = ?, hosting_type = ?,
			persistent = ?, server_only = ?, external_instance_id = ?,
			external_deployment_id = ?, external_volume_id = ?, upstream_url = ?,
			git_integration_id = ?, repository_url = ?, branch = ?, local_port = ?,
			exposed_ports = ?, tunnel_connected_at = ?, started_at = ?,
			last_active_at = ?, stopped_at = ?, terminated_at = ?, updated_at = ?
		WHERE id = ?`,
		ws.Name, ws.Subdomain, ws.Domain, string(ws.Status),
		ws.CloudProviderID, ws.RegionID, ws.ImageID, string(ws.HostingType),
		boolToInt(ws.Persistent), boolToInt(ws.ServerOnly), nullString(ws.ExternalInstanceID),
		nullString(ws.ExternalDeploymentID), nullString(ws.ExternalVolumeID), nullString(ws.UpstreamURL),
		nullString(ws.GitIntegrationID), nullString(ws.RepoURL), nullString(ws.Branch), ws.LocalPort,
		portsJSON, formatTime(ws.TunnelConnectedAt), formatTime(ws.StartedAt),
		formatTimeVal(ws.LastActiveAt.UTC()), formatTime(ws.StoppedAt),
		formatTime(ws.TerminatedAt), formatTimeVal(now),
		ws.ID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return &wberrors.ConflictError{Resource: "workspace", Message: "subdomain already in use"}
		}
		return fmt.Errorf("failed to update workspace: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &wberrors.NotFoundError{Resource: "workspace", ID: ws.ID}
	}
	ws.UpdatedAt = now
	return nil
}

// CountActiveWorkspaces counts a user's non-terminated workspaces.
func (b *Backend) CountActiveWorkspaces(ctx context.Context, userID string) (int, error) {
	var count int
	err := b.q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM workspaces WHERE user_id = ? AND status != 'terminated'`,
		userID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count workspaces: %w", err)
	}
	return count, nil
}

// TouchWorkspaceActivity updates only the activity timestamp.
func (b *Backend) TouchWorkspaceActivity(ctx context.Context, id string, at time.Time) error {
	res, err := b.q.ExecContext(ctx, `
		UPDATE workspaces SET last_active_at = ?, updated_at = ? WHERE id = ?`,
		formatTimeVal(at.UTC()), formatTimeVal(at.UTC()), id)
	if err != nil {
		return fmt.Errorf("failed to touch workspace activity: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &wberrors.NotFoundError{Resource: "workspace", ID: id}
	}
	return nil
}

// ListWorkspacesIdleSince returns running workspaces idle since the cutoff.
func (b *Backend) ListWorkspacesIdleSince(ctx context.Context, cutoff time.Time) ([]*store.Workspace, error) {
	return b.queryWorkspaces(ctx, `
		SELECT `+workspaceColumns+` FROM workspaces
		WHERE status = 'running' AND last_active_at < ?`,
		formatTimeVal(cutoff.UTC()))
}

// ListWorkspacesInactiveSince returns running and stopped workspaces
// inactive since the cutoff.
func (b *Backend) ListWorkspacesInactiveSince(ctx context.Context, cutoff time.Time) ([]*store.Workspace, error) {
	return b.queryWorkspaces(ctx, `
		SELECT `+workspaceColumns+` FROM workspaces
		WHERE status IN ('running', 'stopped') AND last_active_at < ?`,
		formatTimeVal(cutoff.UTC()))
}

// ListRunningWorkspaces returns all running workspaces.
func (b *Backend) ListRunningWorkspaces(ctx context.Context) ([]*store.Workspace, error) {
	return b.queryWorkspaces(ctx, `
		SELECT `+workspaceColumns+` FROM workspaces WHERE status = 'running'`)
}

// Agent loops

const loopColumns = `id, user_id, name, git_integration_id, sandbox_provider_id,
	repository_owner, repository_name, branch, plan_file_path, progress_file_path,
	model_provider, model_id, credential_id, prompt, status, automation_enabled,
	automation_condition, max_runs, total_runs, successful_runs, failed_runs,
	last_run_id, last_run_at, created_at, updated_at, archived_at`

// CreateLoop creates a new agent loop.
func (b *Backend) CreateLoop(ctx context.Context, loop *store.AgentLoop) error {
	now := time.Now().UTC()
	_, err := b.q.ExecContext(ctx, `
		INSERT INTO agent_loops (`+loopColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		loop.ID, loop.UserID, nullString(loop.Name), loop.GitIntegrationID, loop.SandboxProviderID,
		loop.RepoOwner, loop.RepoName, loop.Branch, loop.PlanFilePath, nullString(loop.ProgressFilePath),
		loop.ModelProvider, loop.ModelID, nullString(loop.CredentialID), nullString(loop.Prompt),
		string(loop.Status), boolToInt(loop.AutomationEnabled), nullString(loop.AutomationCondition),
		loop.MaxRuns, loop.TotalRuns, loop.SuccessfulRuns, loop.FailedRuns,
		nullString(loop.LastRunID), formatTime(loop.LastRunAt),
		formatTimeVal(now), formatTimeVal(now), formatTime(loop.ArchivedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return &wberrors.ConflictError{Resource: "loop", Message: "loop id already exists"}
		}
		return fmt.Errorf("failed to create loop: %w", err)
	}
	loop.CreatedAt = now
	loop.UpdatedAt = now
	return nil
}

func scanLoop(s rowScanner) (*store.AgentLoop, error) {
	var loop store.AgentLoop
	var status string
	var name, progressFilePath, credentialID, prompt, automationCondition sql.NullString
	var lastRunID, lastRunAt, archivedAt sql.NullString
	var automationEnabled int
	var createdAt, updatedAt string

	err := s.Scan(&loop.ID, &loop.UserID, &name, &loop.GitIntegrationID, &loop.SandboxProviderID,
		&loop.RepoOwner, &loop.RepoName, &loop.Branch, &loop.PlanFilePath, &progressFilePath,
		&loop.ModelProvider, &loop.ModelID, &credentialID, &prompt, &status,
		&automationEnabled, &automationCondition, &loop.MaxRuns, &loop.TotalRuns,
		&loop.SuccessfulRuns, &loop.FailedRuns, &lastRunID, &lastRunAt,
		&createdAt, &updatedAt, &archivedAt)
	if err != nil {
		return nil, err
	}

	loop.Name = name.String
	loop.ProgressFilePath = progressFilePath.String
	loop.CredentialID = credentialID.String
	loop.Prompt = prompt.String
	loop.Status = store.LoopStatus(status)
	loop.AutomationEnabled = automationEnabled == 1
	loop.AutomationCondition = automationCondition.String
	loop.LastRunID = lastRunID.String
	loop.LastRunAt = parseTimePtr(lastRunAt)
	loop.CreatedAt = parseTime(createdAt)
	loop.UpdatedAt = parseTime(updatedAt)
	loop.ArchivedAt = parseTimePtr(archivedAt)
	return &loop, nil
}

// GetLoop retrieves a loop by ID.
func (b *Backend) GetLoop(ctx context.Context, id string) (*store.AgentLoop, error) {
	row := b.q.QueryRowContext(ctx, `SELECT `+loopColumns+` FROM agent_loops WHERE id = ?`, id)
	loop, err := scanLoop(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &wberrors.NotFoundError{Resource: "loop", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get loop: %w", err)
	}
	return loop, nil
}

// GetLoopForUpdate retrieves a loop inside a transaction.
func (b *Backend) GetLoopForUpdate(ctx context.Context, id string) (*store.AgentLoop, error) {
	return b.GetLoop(ctx, id)
}

// ListLoops lists loops with optional filtering.
func (b *Backend) ListLoops(ctx context.Context, filter store.LoopFilter) ([]*store.AgentLoop, error) {
	query := `SELECT ` + loopColumns + ` FROM agent_loops WHERE 1=1`
	var args []any

	if filter.UserID != "" {
		query += ` AND user_id = ?`
		args = append(args, filter.UserID)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}
	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	return b.queryLoops(ctx, query, args...)
}

// ListLoopsByStatus returns all loops in the given state.
func (b *Backend) ListLoopsByStatus(ctx context.Context, status store.LoopStatus) ([]*store.AgentLoop, error) {
	return b.queryLoops(ctx, `SELECT `+loopColumns+` FROM agent_loops WHERE status = ?`, string(status))
}

func (b *Backend) queryLoops(ctx context.Context, query string, args ...any) ([]*store.AgentLoop, error) {
	rows, err := b.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list loops: %w", err)
	}
	defer rows.Close()

	var loops []*store.AgentLoop
	for rows.Next() {
		loop, err := scanLoop(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan loop: %w", err)
		}
		loops = append(loops, loop)
	}
	return loops, rows.Err()
}

// UpdateLoop updates an existing loop.
func (b *Backend) UpdateLoop(ctx context.Context, loop *store.AgentLoop) error {
	now := time.Now().UTC()
	res, err := b.q.ExecContext(ctx, `
		UPDATE agent_loops SET name = ?, git_integration_id = ?, sandbox_provider_id = ?,
			repository_owner = ?, repository_name = ?, branch = ?, plan_file_path = ?,
			progress_file_path = ?, model_provider = ?, model_id = ?, credential_id = ?,
			prompt = ?, status = ?, automation_enabled = ?, automation_condition = ?,
			max_runs = ?, total_runs = ?, successful_runs = ?, failed_runs = ?,
			last_run_id = ?, last_run_at = ?, updated_at = ?, archived_at = ?
		WHERE id = ?`,
		nullString(loop.Name), loop.GitIntegrationID, loop.SandboxProviderID,
		loop.RepoOwner, loop.RepoName, loop.Branch, loop.PlanFilePath,
		nullString(loop.ProgressFilePath), loop.ModelProvider, loop.ModelID, nullString(loop.CredentialID),
		nullString(loop.Prompt), string(loop.Status), boolToInt(loop.AutomationEnabled),
		nullString(loop.AutomationCondition), loop.MaxRuns, loop.TotalRuns,
		loop.SuccessfulRuns, loop.FailedRuns, nullString(loop.LastRunID), formatTime(loop.LastRunAt),
		formatTimeVal(now), formatTime(loop.ArchivedAt),
		loop.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update loop: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &wberrors.NotFoundError{Resource: "loop", ID: loop.ID}
	}
	loop.UpdatedAt = now
	return nil
}

// DeleteLoop deletes a loop; its runs cascade.
func (b *Backend) DeleteLoop(ctx context.Context, id string) error {
	res, err := b.q.ExecContext(ctx, `DELETE FROM agent_loops WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete loop: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &wberrors.NotFoundError{Resource: "loop", ID: id}
	}
	return nil
}

// Runs

const runColumns = `id, loop_id, user_id, run_number, status, trigger_type, model_provider,
	model_id, prompt, sandbox_id, branch_name, commit_sha, commit_message, summary, error,
	pr_url, dispatched_at, started_at, completed_at, duration_seconds, last_progress_at,
	created_at, updated_at`

// CreateRun creates a new run.
func (b *Backend) CreateRun(ctx context.Context, run *store.Run) error {
	now := time.Now().UTC()
	if run.LastProgressAt.IsZero() {
		run.LastProgressAt = now
	}

	_, err := b.q.ExecContext(ctx, `
		INSERT INTO runs (`+runColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.LoopID, run.UserID, run.RunNumber, string(run.Status), string(run.Trigger),
		run.ModelProvider, run.ModelID, nullString(run.Prompt),
		nullString(run.SandboxID), nullString(run.BranchName),
		nullString(run.CommitSHA), nullString(run.CommitMessage), nullString(run.Summary),
		nullString(run.Error), nullString(run.PRURL),
		formatTime(run.DispatchedAt), formatTime(run.StartedAt), formatTime(run.CompletedAt),
		run.DurationSeconds, formatTimeVal(run.LastProgressAt.UTC()),
		formatTimeVal(now), formatTimeVal(now),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return &wberrors.ConflictError{Resource: "run", Message: "run number already taken"}
		}
		return fmt.Errorf("failed to create run: %w", err)
	}
	run.CreatedAt = now
	run.UpdatedAt = now
	return nil
}

func scanRun(s rowScanner) (*store.Run, error) {
	var run store.Run
	var status, trigger string
	var prompt, sandboxID, branchName, commitSHA, commitMessage sql.NullString
	var summary, errStr, prURL sql.NullString
	var dispatchedAt, startedAt, completedAt sql.NullString
	var lastProgressAt, createdAt, updatedAt string

	err := s.Scan(&run.ID, &run.LoopID, &run.UserID, &run.RunNumber, &status, &trigger,
		&run.ModelProvider, &run.ModelID, &prompt, &sandboxID, &branchName,
		&commitSHA, &commitMessage, &summary, &errStr, &prURL,
		&dispatchedAt, &startedAt, &completedAt, &run.DurationSeconds,
		&lastProgressAt, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	run.Status = store.RunStatus(status)
	run.Trigger = store.TriggerType(trigger)
	run.Prompt = prompt.String
	run.SandboxID = sandboxID.String
	run.BranchName = branchName.String
	run.CommitSHA = commitSHA.String
	run.CommitMessage = commitMessage.String
	run.Summary = summary.String
	run.Error = errStr.String
	run.PRURL = prURL.String
	run.DispatchedAt = parseTimePtr(dispatchedAt)
	run.StartedAt = parseTimePtr(startedAt)
	run.CompletedAt = parseTimePtr(completedAt)
	run.LastProgressAt = parseTime(lastProgressAt)
	run.CreatedAt = parseTime(createdAt)
	run.UpdatedAt = parseTime(updatedAt)
	return &run, nil
}

// GetRun retrieves a run by ID.
func (b *Backend) GetRun(ctx context.Context, id string) (*store.Run, error) {
	row := b.q.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &wberrors.NotFoundError{Resource: "run", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// GetRunForUpdate retrieves a run inside a transaction.
func (b *Backend) GetRunForUpdate(ctx context.Context, id string) (*store.Run, error) {
	return b.GetRun(ctx, id)
}

// ListRuns lists runs with optional filtering, newest first.
func (b *Backend) ListRuns(ctx context.Context, filter store.RunFilter) ([]*store.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE 1=1`
	var args []any

	if filter.LoopID != "" {
		query += ` AND loop_id = ?`
		args = append(args, filter.LoopID)
	}
	if filter.UserID != "" {
		query += ` AND user_id = ?`
		args = append(args, filter.UserID)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY run_number DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}
	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := b.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []*store.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// UpdateRun updates an existing run.
func (b *Backend) UpdateRun(ctx context.Context, run *store.Run) error {
	now := time.Now().UTC()
	res, err := b.q.ExecContext(ctx, `
		UPDATE runs SET status = ?, trigger_type = ?, model_provider = ?, model_id = ?,
			prompt = ?, sandbox_id = ?, branch_name = ?, commit_sha = ?, commit_message = ?,
			summary = ?, error = ?, pr_url = ?, dispatched_at = ?, started_at = ?,
			completed_at = ?, duration_seconds = ?, last_progress_at = ?, updated_at = ?
		WHERE id = ?`,
		string(run.Status), string(run.Trigger), run.ModelProvider, run.ModelID,
		nullString(run.Prompt), nullString(run.SandboxID), nullString(run.BranchName),
		nullString(run.CommitSHA), nullString(run.CommitMessage), nullString(run.Summary),
		nullString(run.Error), nullString(run.PRURL), formatTime(run.DispatchedAt),
		formatTime(run.StartedAt), formatTime(run.CompletedAt), run.DurationSeconds,
		formatTimeVal(run.LastProgressAt.UTC()), formatTimeVal(now),
		run.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &wberrors.NotFoundError{Resource: "run", ID: run.ID}
	}
	run.UpdatedAt = now
	return nil
}

// DeleteRun deletes a run row.
func (b *Backend) DeleteRun(ctx context.Context, id string) error {
	res, err := b.q.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &wberrors.NotFoundError{Resource: "run", ID: id}
	}
	return nil
}

// ListStalledRuns returns non-terminal runs without progress since the cutoff.
func (b *Backend) ListStalledRuns(ctx context.Context, cutoff time.Time) ([]*store.Run, error) {
	rows, err := b.q.QueryContext(ctx, `
		SELECT `+runColumns+` FROM runs
		WHERE status IN ('pending', 'running') AND last_progress_at < ?`,
		formatTimeVal(cutoff.UTC()))
	if err != nil {
		return nil, fmt.Errorf("failed to list stalled runs: %w", err)
	}
	defer rows.Close()

	var runs []*store.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// Usage

// CreateUsageSession opens a new usage session.
func (b *Backend) CreateUsageSession(ctx context.Context, session *store.UsageSession) error {
	now := time.Now().UTC()
	_, err := b.q.ExecContext(ctx, `
		INSERT INTO usage_sessions (id, user_id, workspace_id, started_at, ended_at, minutes, stop_source, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		session.ID, session.UserID, session.WorkspaceID,
		formatTimeVal(session.StartedAt.UTC()), formatTime(session.EndedAt), session.Minutes,
		nullString(string(session.StopSource)), formatTimeVal(now),
	)
	if err != nil {
		return fmt.Errorf("failed to create usage session: %w", err)
	}
	session.CreatedAt = now
	return nil
}

func scanUsageSession(s rowScanner) (*store.UsageSession, error) {
	var us store.UsageSession
	var startedAt, createdAt string
	var endedAt, stopSource sql.NullString

	err := s.Scan(&us.ID, &us.UserID, &us.WorkspaceID, &startedAt, &endedAt, &us.Minutes, &stopSource, &createdAt)
	if err != nil {
		return nil, err
	}
	us.StartedAt = parseTime(startedAt)
	us.EndedAt = parseTimePtr(endedAt)
	us.StopSource = store.StopSource(stopSource.String)
	us.CreatedAt = parseTime(createdAt)
	return &us, nil
}

// GetUsageSession retrieves a usage session by ID.
func (b *Backend) GetUsageSession(ctx context.Context, id string) (*store.UsageSession, error) {
	row := b.q.QueryRowContext(ctx, `
		SELECT id, user_id, workspace_id, started_at, ended_at, minutes, stop_source, created_at
		FROM usage_sessions WHERE id = ?`, id)
	session, err := scanUsageSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &wberrors.NotFoundError{Resource: "usage_session", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get usage session: %w", err)
	}
	return session, nil
}

// GetOpenUsageSession retrieves the open session for a workspace.
func (b *Backend) GetOpenUsageSession(ctx context.Context, workspaceID string) (*store.UsageSession, error) {
	row := b.q.QueryRowContext(ctx, `
		SELECT id, user_id, workspace_id, started_at, ended_at, minutes, stop_source, created_at
		FROM usage_sessions WHERE workspace_id = ? AND ended_at IS NULL
		ORDER BY started_at DESC LIMIT 1`, workspaceID)
	session, err := scanUsageSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &wberrors.NotFoundError{Resource: "usage_session", ID: workspaceID}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get open usage session: %w", err)
	}
	return session, nil
}

// UpdateUsageSession updates a usage session.
func (b *Backend) UpdateUsageSession(ctx context.Context, session *store.UsageSession) error {
	res, err := b.q.ExecContext(ctx, `
		UPDATE usage_sessions SET ended_at = ?, minutes = ?, stop_source = ? WHERE id = ?`,
		formatTime(session.EndedAt), session.Minutes, nullString(string(session.StopSource)), session.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update usage session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &wberrors.NotFoundError{Resource: "usage_session", ID: session.ID}
	}
	return nil
}

// AddDailyUsage adds minutes to a user's daily rollup and returns the new
// day total.
func (b *Backend) AddDailyUsage(ctx context.Context, userID, day string, minutes int) (int, error) {
	now := time.Now().UTC()
	_, err := b.q.ExecContext(ctx, `
		INSERT INTO daily_usage (user_id, day, minutes, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id, day) DO UPDATE SET
			minutes = minutes + excluded.minutes,
			updated_at = excluded.updated_at`,
		userID, day, minutes, formatTimeVal(now),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to add daily usage: %w", err)
	}

	var total int
	err = b.q.QueryRowContext(ctx, `
		SELECT minutes FROM daily_usage WHERE user_id = ? AND day = ?`, userID, day).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to read daily usage: %w", err)
	}
	return total, nil
}

// GetDailyUsage returns the minutes a user consumed on a day.
func (b *Backend) GetDailyUsage(ctx context.Context, userID, day string) (int, error) {
	var minutes int
	err := b.q.QueryRowContext(ctx, `
		SELECT minutes FROM daily_usage WHERE user_id = ? AND day = ?`, userID, day).Scan(&minutes)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get daily usage: %w", err)
	}
	return minutes, nil
}

// GetRunQuota retrieves a user's monthly run quota counter.
func (b *Backend) GetRunQuota(ctx context.Context, userID string) (*store.RunQuota, error) {
	var q store.RunQuota
	var plan, resetAt, createdAt, updatedAt string
	err := b.q.QueryRowContext(ctx, `
		SELECT user_id, plan, monthly_runs, extra_runs, next_monthly_reset_at, created_at, updated_at
		FROM run_quotas WHERE user_id = ?`, userID).
		Scan(&q.UserID, &plan, &q.MonthlyRuns, &q.ExtraRuns, &resetAt, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &wberrors.NotFoundError{Resource: "run_quota", ID: userID}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run quota: %w", err)
	}
	q.Plan = store.Plan(plan)
	q.NextMonthlyResetAt = parseTime(resetAt)
	q.CreatedAt = parseTime(createdAt)
	q.UpdatedAt = parseTime(updatedAt)
	return &q, nil
}

// GetRunQuotaForUpdate retrieves the quota counter inside a transaction.
func (b *Backend) GetRunQuotaForUpdate(ctx context.Context, userID string) (*store.RunQuota, error) {
	return b.GetRunQuota(ctx, userID)
}

// UpsertRunQuota inserts or replaces a user's quota counter.
func (b *Backend) UpsertRunQuota(ctx context.Context, quota *store.RunQuota) error {
	now := time.Now().UTC()
	_, err := b.q.ExecContext(ctx, `
		INSERT INTO run_quotas (user_id, plan, monthly_runs, extra_runs, next_monthly_reset_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			plan = excluded.plan,
			monthly_runs = excluded.monthly_runs,
			extra_runs = excluded.extra_runs,
			next_monthly_reset_at = excluded.next_monthly_reset_at,
			updated_at = excluded.updated_at`,
		quota.UserID, string(quota.Plan), quota.MonthlyRuns, quota.ExtraRuns,
		formatTimeVal(quota.NextMonthlyResetAt), formatTimeVal(now), formatTimeVal(now),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert run quota: %w", err)
	}
	quota.UpdatedAt = now
	return nil
}

// Credentials

const credentialColumns = `id, user_id, provider, auth_type, label, ciphertext,
	key_hash, active, expires_at, last_used_at, created_at, updated_at`

// UpsertCredential inserts or replaces the credential for (user, provider).
func (b *Backend) UpsertCredential(ctx context.Context, cred *store.Credential) error {
	now := time.Now().UTC()
	_, err := b.q.ExecContext(ctx, `
		INSERT INTO credentials (`+credentialColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, provider) DO UPDATE SET
			auth_type = excluded.auth_type,
			label = excluded.label,
			ciphertext = excluded.ciphertext,
			key_hash = excluded.key_hash,
			active = excluded.active,
			expires_at = excluded.expires_at,
			last_used_at = excluded.last_used_at,
			updated_at = excluded.updated_at`,
		cred.ID, cred.UserID, cred.Provider, string(cred.AuthType), nullString(cred.Label),
		cred.Ciphertext, cred.KeyHash, boolToInt(cred.Active),
		formatTime(cred.ExpiresAt), formatTime(cred.LastUsedAt),
		formatTimeVal(now), formatTimeVal(now),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert credential: %w", err)
	}
	cred.UpdatedAt = now
	return nil
}

func scanCredential(s rowScanner) (*store.Credential, error) {
	var c store.Credential
	var authType string
	var label, expiresAt, lastUsedAt sql.NullString
	var active int
	var createdAt, updatedAt string

	err := s.Scan(&c.ID, &c.UserID, &c.Provider, &authType, &label, &c.Ciphertext,
		&c.KeyHash, &active, &expiresAt, &lastUsedAt, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	c.AuthType = store.CredentialAuthType(authType)
	c.Label = label.String
	c.Active = active != 0
	c.ExpiresAt = parseTimePtr(expiresAt)
	c.LastUsedAt = parseTimePtr(lastUsedAt)
	c.CreatedAt = parseTime(createdAt)
	c.UpdatedAt = parseTime(updatedAt)
	return &c, nil
}

// GetCredential retrieves the credential for (user, provider).
func (b *Backend) GetCredential(ctx context.Context, userID, provider string) (*store.Credential, error) {
	row := b.q.QueryRowContext(ctx, `
		SELECT `+credentialColumns+`
		FROM credentials WHERE user_id = ? AND provider = ?`, userID, provider)
	cred, err := scanCredential(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &wberrors.NotFoundError{Resource: "credential", ID: provider}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get credential: %w", err)
	}
	return cred, nil
}

// ListCredentials lists a user's credentials.
func (b *Backend) ListCredentials(ctx context.Context, userID string) ([]*store.Credential, error) {
	rows, err := b.q.QueryContext(ctx, `
		SELECT `+credentialColumns+`
		FROM credentials WHERE user_id = ? ORDER BY provider`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list credentials: %w", err)
	}
	defer rows.Close()

	var creds []*store.Credential
	for rows.Next() {
		cred, err := scanCredential(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan credential: %w", err)
		}
		creds = append(creds, cred)
	}
	return creds, rows.Err()
}

// DeleteCredential removes the credential for (user, provider).
func (b *Backend) DeleteCredential(ctx context.Context, userID, provider string) error {
	res, err := b.q.ExecContext(ctx, `
		DELETE FROM credentials WHERE user_id = ? AND provider = ?`, userID, provider)
	if err != nil {
		return fmt.Errorf("failed to delete credential: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &wberrors.NotFoundError{Resource: "credential", ID: provider}
	}
	return nil
}

// Catalog

// UpsertCloudProvider inserts or replaces a provider by ID.
func (b *Backend) UpsertCloudProvider(ctx context.Context, provider *store.CloudProvider) error {
	now := time.Now().UTC()
	_, err := b.q.ExecContext(ctx, `
		INSERT INTO cloud_providers (id, name, is_sandbox, enabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			is_sandbox = excluded.is_sandbox,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at`,
		provider.ID, provider.Name, boolToInt(provider.IsSandbox), boolToInt(provider.Enabled),
		formatTimeVal(now), formatTimeVal(now),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return &wberrors.ConflictError{Resource: "cloud_provider", Message: "provider name already in use"}
		}
		return fmt.Errorf("failed to upsert cloud provider: %w", err)
	}
	provider.UpdatedAt = now
	return nil
}

func scanCloudProvider(s rowScanner) (*store.CloudProvider, error) {
	var p store.CloudProvider
	var isSandbox, enabled int
	var createdAt, updatedAt string
	if err := s.Scan(&p.ID, &p.Name, &isSandbox, &enabled, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	p.IsSandbox = isSandbox == 1
	p.Enabled = enabled == 1
	p.CreatedAt = parseTime(createdAt)
	p.UpdatedAt = parseTime(updatedAt)
	return &p, nil
}

const cloudProviderColumns = `id, name, is_sandbox, enabled, created_at, updated_at`

// GetCloudProvider retrieves a provider by ID.
func (b *Backend) GetCloudProvider(ctx context.Context, id string) (*store.CloudProvider, error) {
	row := b.q.QueryRowContext(ctx, `
		SELECT `+cloudProviderColumns+` FROM cloud_providers WHERE id = ?`, id)
	provider, err := scanCloudProvider(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &wberrors.NotFoundError{Resource: "cloud_provider", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cloud provider: %w", err)
	}
	return provider, nil
}

// GetCloudProviderByName retrieves a provider by its unique name.
func (b *Backend) GetCloudProviderByName(ctx context.Context, name string) (*store.CloudProvider, error) {
	row := b.q.QueryRowContext(ctx, `
		SELECT `+cloudProviderColumns+` FROM cloud_providers WHERE name = ?`, name)
	provider, err := scanCloudProvider(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &wberrors.NotFoundError{Resource: "cloud_provider", ID: name}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cloud provider by name: %w", err)
	}
	return provider, nil
}

// ListCloudProviders lists providers sorted by name.
func (b *Backend) ListCloudProviders(ctx context.Context, enabledOnly bool) ([]*store.CloudProvider, error) {
	query := `SELECT ` + cloudProviderColumns + ` FROM cloud_providers`
	if enabledOnly {
		query += ` WHERE enabled = 1`
	}
	query += ` ORDER BY name`

	rows, err := b.q.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list cloud providers: %w", err)
	}
	defer rows.Close()

	var providers []*store.CloudProvider
	for rows.Next() {
		provider, err := scanCloudProvider(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan cloud provider: %w", err)
		}
		providers = append(providers, provider)
	}
	return providers, rows.Err()
}

// UpsertRegion inserts or replaces a region by ID.
func (b *Backend) UpsertRegion(ctx context.Context, region *store.Region) error {
	now := time.Now().UTC()
	_, err := b.q.ExecContext(ctx, `
		INSERT INTO regions (id, provider_id, name, external_id, enabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			provider_id = excluded.provider_id,
			name = excluded.name,
			external_id = excluded.external_id,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at`,
		region.ID, region.ProviderID, region.Name, region.ExternalID, boolToInt(region.Enabled),
		formatTimeVal(now), formatTimeVal(now),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert region: %w", err)
	}
	region.UpdatedAt = now
	return nil
}

func scanRegion(s rowScanner) (*store.Region, error) {
	var r store.Region
	var enabled int
	var createdAt, updatedAt string
	if err := s.Scan(&r.ID, &r.ProviderID, &r.Name, &r.ExternalID, &enabled, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	r.Enabled = enabled == 1
	r.CreatedAt = parseTime(createdAt)
	r.UpdatedAt = parseTime(updatedAt)
	return &r, nil
}

const regionColumns = `id, provider_id, name, external_id, enabled, created_at, updated_at`

// GetRegion retrieves a region by ID.
func (b *Backend) GetRegion(ctx context.Context, id string) (*store.Region, error) {
	row := b.q.QueryRowContext(ctx, `SELECT `+regionColumns+` FROM regions WHERE id = ?`, id)
	region, err := scanRegion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &wberrors.NotFoundError{Resource: "region", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get region: %w", err)
	}
	return region, nil
}

// ListRegions lists a provider's regions sorted by name.
func (b *Backend) ListRegions(ctx context.Context, providerID string, enabledOnly bool) ([]*store.Region, error) {
	query := `SELECT ` + regionColumns + ` FROM regions WHERE provider_id = ?`
	if enabledOnly {
		query += ` AND enabled = 1`
	}
	query += ` ORDER BY name`

	rows, err := b.q.QueryContext(ctx, query, providerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list regions: %w", err)
	}
	defer rows.Close()

	var regions []*store.Region
	for rows.Next() {
		region, err := scanRegion(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan region: %w", err)
		}
		regions = append(regions, region)
	}
	return regions, rows.Err()
}

// UpsertAgentType inserts or replaces an agent type by ID.
func (b *Backend) UpsertAgentType(ctx context.Context, at *store.AgentType) error {
	now := time.Now().UTC()
	_, err := b.q.ExecContext(ctx, `
		INSERT INTO agent_types (id, name, server_only, enabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			server_only = excluded.server_only,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at`,
		at.ID, at.Name, boolToInt(at.ServerOnly), boolToInt(at.Enabled),
		formatTimeVal(now), formatTimeVal(now),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert agent type: %w", err)
	}
	at.UpdatedAt = now
	return nil
}

func scanAgentType(s rowScanner) (*store.AgentType, error) {
	var at store.AgentType
	var serverOnly, enabled int
	var createdAt, updatedAt string
	if err := s.Scan(&at.ID, &at.Name, &serverOnly, &enabled, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	at.ServerOnly = serverOnly == 1
	at.Enabled = enabled == 1
	at.CreatedAt = parseTime(createdAt)
	at.UpdatedAt = parseTime(updatedAt)
	return &at, nil
}

const agentTypeColumns = `id, name, server_only, enabled, created_at, updated_at`

// GetAgentType retrieves an agent type by ID.
func (b *Backend) GetAgentType(ctx context.Context, id string) (*store.AgentType, error) {
	row := b.q.QueryRowContext(ctx, `SELECT `+agentTypeColumns+` FROM agent_types WHERE id = ?`, id)
	at, err := scanAgentType(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &wberrors.NotFoundError{Resource: "agent_type", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get agent type: %w", err)
	}
	return at, nil
}

// ListAgentTypes lists agent types sorted by name.
func (b *Backend) ListAgentTypes(ctx context.Context, enabledOnly bool) ([]*store.AgentType, error) {
	query := `SELECT ` + agentTypeColumns + ` FROM agent_types`
	if enabledOnly {
		query += ` WHERE enabled = 1`
	}
	query += ` ORDER BY name`

	rows, err := b.q.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list agent types: %w", err)
	}
	defer rows.Close()

	var types []*store.AgentType
	for rows.Next() {
		at, err := scanAgentType(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan agent type: %w", err)
		}
		types = append(types, at)
	}
	return types, rows.Err()
}

// UpsertImage inserts or replaces an image by ID.
func (b *Backend) UpsertImage(ctx context.Context, img *store.Image) error {
	now := time.Now().UTC()
	_, err := b.q.ExecContext(ctx, `
		INSERT INTO images (id, name, image_ref, agent_type_id, enabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			image_ref = excluded.image_ref,
			agent_type_id = excluded.agent_type_id,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at`,
		img.ID, img.Name, img.ImageRef, img.AgentTypeID, boolToInt(img.Enabled),
		formatTimeVal(now), formatTimeVal(now),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert image: %w", err)
	}
	img.UpdatedAt = now
	return nil
}

func scanImage(s rowScanner) (*store.Image, error) {
	var img store.Image
	var enabled int
	var createdAt, updatedAt string
	if err := s.Scan(&img.ID, &img.Name, &img.ImageRef, &img.AgentTypeID, &enabled, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	img.Enabled = enabled == 1
	img.CreatedAt = parseTime(createdAt)
	img.UpdatedAt = parseTime(updatedAt)
	return &img, nil
}

const imageColumns = `id, name, image_ref, agent_type_id, enabled, created_at, updated_at`

// GetImage retrieves an image by ID.
func (b *Backend) GetImage(ctx context.Context, id string) (*store.Image, error) {
	row := b.q.QueryRowContext(ctx, `SELECT `+imageColumns+` FROM images WHERE id = ?`, id)
	img, err := scanImage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &wberrors.NotFoundError{Resource: "image", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get image: %w", err)
	}
	return img, nil
}

// ListImages lists images sorted by name.
func (b *Backend) ListImages(ctx context.Context, enabledOnly bool) ([]*store.Image, error) {
	query := `SELECT ` + imageColumns + ` FROM images`
	if enabledOnly {
		query += ` WHERE enabled = 1`
	}
	query += ` ORDER BY name`

	rows, err := b.q.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list images: %w", err)
	}
	defer rows.Close()

	var images []*store.Image
	for rows.Next() {
		img, err := scanImage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan image: %w", err)
		}
		images = append(images, img)
	}
	return images, rows.Err()
}

// System config

// GetSystemConfig retrieves a setting value.
func (b *Backend) GetSystemConfig(ctx context.Context, key string) (string, error) {
	var value string
	err := b.q.QueryRowContext(ctx, `SELECT value FROM system_config WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", &wberrors.NotFoundError{Resource: "system_config", ID: key}
	}
	if err != nil {
		return "", fmt.Errorf("failed to get system config: %w", err)
	}
	return value, nil
}

// SetSystemConfig inserts or replaces a setting.
func (b *Backend) SetSystemConfig(ctx context.Context, key, value string) error {
	now := time.Now().UTC()
	_, err := b.q.ExecContext(ctx, `
		INSERT INTO system_config (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, formatTimeVal(now),
	)
	if err != nil {
		return fmt.Errorf("failed to set system config: %w", err)
	}
	return nil
}

// ListSystemConfig returns all settings.
func (b *Backend) ListSystemConfig(ctx context.Context) (map[string]string, error) {
	rows, err := b.q.QueryContext(ctx, `SELECT key, value FROM system_config`)
	if err != nil {
		return nil, fmt.Errorf("failed to list system config: %w", err)
	}
	defer rows.Close()

	settings := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("failed to scan system config: %w", err)
		}
		settings[key] = value
	}
	return settings, rows.Err()
}

// GitHub installations

// SaveInstallation inserts or replaces a user's installation link.
func (b *Backend) SaveInstallation(ctx context.Context, inst *store.GitHubInstallation) error {
	now := time.Now().UTC()
	_, err := b.q.ExecContext(ctx, `
		INSERT INTO github_installations (user_id, installation_id, account_login, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			installation_id = excluded.installation_id,
			account_login = excluded.account_login,
			updated_at = excluded.updated_at`,
		inst.UserID, inst.InstallationID, nullString(inst.AccountLogin),
		formatTimeVal(now), formatTimeVal(now),
	)
	if err != nil {
		return fmt.Errorf("failed to save installation: %w", err)
	}
	inst.UpdatedAt = now
	return nil
}

// GetInstallation retrieves a user's installation link.
func (b *Backend) GetInstallation(ctx context.Context, userID string) (*store.GitHubInstallation, error) {
	var inst store.GitHubInstallation
	var accountLogin sql.NullString
	var createdAt, updatedAt string

	err := b.q.QueryRowContext(ctx, `
		SELECT user_id, installation_id, account_login, created_at, updated_at
		FROM github_installations WHERE user_id = ?`, userID).
		Scan(&inst.UserID, &inst.InstallationID, &accountLogin, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &wberrors.NotFoundError{Resource: "installation", ID: userID}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get installation: %w", err)
	}
	inst.AccountLogin = accountLogin.String
	inst.CreatedAt = parseTime(createdAt)
	inst.UpdatedAt = parseTime(updatedAt)
	return &inst, nil
}

// DeleteInstallation removes a user's installation link.
func (b *Backend) DeleteInstallation(ctx context.Context, userID string) error {
	res, err := b.q.ExecContext(ctx, `DELETE FROM github_installations WHERE user_id = ?`, userID)
	if err != nil {
		return fmt.Errorf("failed to delete installation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &wberrors.NotFoundError{Resource: "installation", ID: userID}
	}
	return nil
}

// DeleteInstallationByInstallationID removes every link to an installation.
func (b *Backend) DeleteInstallationByInstallationID(ctx context.Context, installationID int64) error {
	_, err := b.q.ExecContext(ctx,
		`DELETE FROM github_installations WHERE installation_id = ?`, installationID)
	if err != nil {
		return fmt.Errorf("failed to delete installation links: %w", err)
	}
	return nil
}

// Helper functions

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// formatTime converts a *time.Time to an RFC3339 string or nil.
func formatTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

// formatTimeVal converts a time.Time to an RFC3339 string.
func formatTimeVal(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// parseTime parses an RFC3339 string, returning the zero time on failure.
func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339, s)
	return t
}

// parseTimePtr parses a nullable RFC3339 column.
func parseTimePtr(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, s.String)
	if err != nil {
		return nil
	}
	return &t
}

// nullString returns nil if string is empty, otherwise the string.
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// boolToInt converts a bool to SQLite's integer representation.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// marshalExposedPorts encodes the exposed-ports map as JSON, nil when empty.
func marshalExposedPorts(ports map[string]store.ExposedPort) (any, error) {
	if len(ports) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(ports)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal exposed ports: %w", err)
	}
	return string(data), nil
}

// isUniqueViolation reports whether err is a SQLite unique constraint error.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "constraint failed")
}
