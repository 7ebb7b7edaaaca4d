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

package store

import "time"

// Plan is a billing plan tier.
type Plan string

// Billing plans.
const (
	PlanFree   Plan = "free"
	PlanTunnel Plan = "tunnel"
	PlanPro    Plan = "pro"
)

// Role is a user role.
type Role string

// User roles.
const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// WorkspaceStatus is a workspace lifecycle state.
type WorkspaceStatus string

// Workspace lifecycle states.
const (
	WorkspaceStatusPending    WorkspaceStatus = "pending"
	WorkspaceStatusRunning    WorkspaceStatus = "running"
	WorkspaceStatusStopped    WorkspaceStatus = "stopped"
	WorkspaceStatusTerminated WorkspaceStatus = "terminated"
)

// HostingType distinguishes locally hosted workspaces from cloud ones.
type HostingType string

// Hosting types.
const (
	HostingLocal HostingType = "local"
	HostingCloud HostingType = "cloud"
)

// LoopStatus is an agent loop lifecycle state.
type LoopStatus string

// Agent loop states.
const (
	LoopStatusActive    LoopStatus = "active"
	LoopStatusPaused    LoopStatus = "paused"
	LoopStatusCompleted LoopStatus = "completed"
	LoopStatusArchived  LoopStatus = "archived"
)

// RunStatus is an agent run state.
type RunStatus string

// Agent run states. A halted run could not be dispatched because the monthly
// run quota was exhausted; it may be restarted after a top-up or rollover.
const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
	RunStatusHalted    RunStatus = "halted"
)

// Terminal reports whether a run status is final. Halted runs are not
// terminal; they wait for quota.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusCancelled:
		return true
	}
	return false
}

// TriggerType records what initiated a run.
type TriggerType string

// Run triggers.
const (
	TriggerManual    TriggerType = "manual"
	TriggerAutomated TriggerType = "automated"
)

// User represents a platform account.
type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name,omitempty"`
	Plan      Plan      `json:"plan"`
	Role      Role      `json:"role"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Session represents a CLI login session. Only a hash of the bearer token is
// stored; the plaintext token is shown to the user once at login.
type Session struct {
	TokenHash string    `json:"token_hash"`
	UserID    string    `json:"user_id"`
	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
}

// ExposedPort describes one service a workspace exposes through the tunnel,
// keyed by service name in Workspace.ExposedPorts.
type ExposedPort struct {
	Port        int    `json:"port"`
	Description string `json:"description,omitempty"`
}

// Workspace represents a developer workspace.
type Workspace struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Name      string `json:"name"`
	Subdomain string `json:"subdomain"`

	// Domain is the full hostname the workspace is reachable at, derived
	// from Subdomain and the deployment's base domain at creation time.
	Domain string `json:"domain"`

	Status WorkspaceStatus `json:"status"`

	CloudProviderID string `json:"cloud_provider_id"`
	RegionID        string `json:"region_id"`
	ImageID         string `json:"image_id"`

	HostingType HostingType `json:"hosting_type"`

	// Persistent workspaces carry a provider-side volume that survives
	// stop/restart cycles.
	Persistent bool `json:"persistent"`

	// ServerOnly workspaces run headless agents with no browser surface.
	ServerOnly bool `json:"server_only"`

	// ExternalInstanceID is the provider-side service identifier, set once
	// provisioning succeeds.
	ExternalInstanceID string `json:"external_instance_id,omitempty"`

	// ExternalDeploymentID tracks the provider's currently running
	// deployment, when the provider distinguishes deployments from services.
	ExternalDeploymentID string `json:"external_deployment_id,omitempty"`

	// ExternalVolumeID is the provider-side volume backing a persistent
	// workspace.
	ExternalVolumeID string `json:"external_volume_id,omitempty"`

	// UpstreamURL is the provider-issued origin requests are proxied to.
	UpstreamURL string `json:"upstream_url,omitempty"`

	GitIntegrationID string `json:"git_integration_id,omitempty"`
	RepoURL          string `json:"repository_url,omitempty"`
	Branch           string `json:"branch,omitempty"`

	// LocalPort is the port a locally hosted workspace listens on; zero for
	// cloud workspaces.
	LocalPort int `json:"local_port,omitempty"`

	// ExposedPorts maps service names to the ports the workspace agent has
	// registered for tunnel routing.
	ExposedPorts map[string]ExposedPort `json:"exposed_ports,omitempty"`

	// TunnelConnectedAt records when a local workspace's agent last attached
	// its tunnel session.
	TunnelConnectedAt *time.Time `json:"tunnel_connected_at,omitempty"`

	StartedAt    *time.Time `json:"started_at,omitempty"`
	LastActiveAt time.Time  `json:"last_active_at"`
	StoppedAt    *time.Time `json:"stopped_at,omitempty"`
	TerminatedAt *time.Time `json:"terminated_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Terminated reports whether the workspace has been terminated.
func (w *Workspace) Terminated() bool {
	return w.Status == WorkspaceStatusTerminated
}

// AgentLoop represents a recurring agent task that spawns runs against a
// repository until its plan is complete or MaxRuns is reached.
type AgentLoop struct {
	ID     string `json:"id"`
	UserID string `json:"user_id"`
	Name   string `json:"name,omitempty"`

	GitIntegrationID  string `json:"git_integration_id"`
	SandboxProviderID string `json:"sandbox_provider_id"`

	RepoOwner string `json:"repository_owner"`
	RepoName  string `json:"repository_name"`
	Branch    string `json:"branch"`

	// PlanFilePath locates the plan document the agent works through;
	// ProgressFilePath, when set, is where the agent records progress.
	PlanFilePath     string `json:"plan_file_path"`
	ProgressFilePath string `json:"progress_file_path,omitempty"`

	// ModelProvider and ModelID select the LLM each run uses; CredentialID
	// names the vault credential for non-free providers.
	ModelProvider string `json:"model_provider"`
	ModelID       string `json:"model_id"`
	CredentialID  string `json:"credential_id,omitempty"`

	Prompt string     `json:"prompt,omitempty"`
	Status LoopStatus `json:"status"`

	// AutomationEnabled chains a follow-up run automatically when a run
	// completes, as long as AutomationCondition (if any) passes.
	AutomationEnabled bool `json:"automation_enabled"`

	// AutomationCondition is an optional expression evaluated against the
	// finished run before chaining (e.g. `run.status == "completed"`).
	AutomationCondition string `json:"automation_condition,omitempty"`

	// MaxRuns caps how many runs the loop may spawn, between 1 and 20.
	MaxRuns int `json:"max_runs"`

	// TotalRuns is the number of runs created so far. Run numbers are
	// contiguous 1..TotalRuns; a failed dispatch deletes its run row and
	// decrements this counter so the next run reuses the number.
	TotalRuns      int `json:"total_runs"`
	SuccessfulRuns int `json:"successful_runs"`
	FailedRuns     int `json:"failed_runs"`

	LastRunID string     `json:"last_run_id,omitempty"`
	LastRunAt *time.Time `json:"last_run_at,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	ArchivedAt *time.Time `json:"archived_at,omitempty"`
}

// Run represents a single agent run within a loop.
type Run struct {
	ID        string      `json:"id"`
	LoopID    string      `json:"loop_id"`
	UserID    string      `json:"user_id"`
	RunNumber int         `json:"run_number"`
	Status    RunStatus   `json:"status"`
	Trigger   TriggerType `json:"trigger_type"`

	// ModelProvider and ModelID snapshot the loop's model selection at
	// dispatch time; later loop edits do not rewrite history.
	ModelProvider string `json:"model_provider"`
	ModelID       string `json:"model_id"`

	Prompt string `json:"prompt,omitempty"`

	// SandboxID identifies the sandbox executing the run, set once the
	// orchestrator acknowledges dispatch.
	SandboxID string `json:"sandbox_id,omitempty"`

	// BranchName is the git branch the agent works on.
	BranchName string `json:"branch_name,omitempty"`

	CommitSHA     string `json:"commit_sha,omitempty"`
	CommitMessage string `json:"commit_message,omitempty"`

	Summary string `json:"summary,omitempty"`
	Error   string `json:"error_message,omitempty"`
	PRURL   string `json:"pr_url,omitempty"`

	DispatchedAt *time.Time `json:"dispatched_at,omitempty"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`

	// DurationSeconds is the wall-clock run time recorded when the final
	// callback lands; zero for runs that never started.
	DurationSeconds int `json:"duration_seconds"`

	// LastProgressAt advances on every callback; the stall reaper fails
	// runs whose progress is older than the configured horizon.
	LastProgressAt time.Time `json:"last_progress_at"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// StopSource identifies why a usage session was closed.
type StopSource string

// Stop sources.
const (
	StopManual         StopSource = "manual"
	StopIdle           StopSource = "idle"
	StopQuotaExhausted StopSource = "quota_exhausted"
	StopError          StopSource = "error"
)

// UsageSession represents one metered interval of workspace activity. A
// session is open while EndedAt is nil; closing computes Minutes as the
// elapsed time rounded up to whole minutes.
type UsageSession struct {
	ID          string     `json:"id"`
	UserID      string     `json:"user_id"`
	WorkspaceID string     `json:"workspace_id"`
	StartedAt   time.Time  `json:"started_at"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`
	Minutes     int        `json:"minutes"`
	StopSource  StopSource `json:"stop_source,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// Open reports whether the session is still accruing time.
func (s *UsageSession) Open() bool {
	return s.EndedAt == nil
}

// DailyUsage aggregates metered minutes per user per UTC day.
type DailyUsage struct {
	UserID    string    `json:"user_id"`
	Day       string    `json:"day"` // YYYY-MM-DD, UTC
	Minutes   int       `json:"minutes"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RunQuota tracks a user's monthly agent-run allowance. MonthlyRuns counts
// down from the plan's monthly grant and rolls back to it once
// NextMonthlyResetAt passes; ExtraRuns are purchased top-ups consumed only
// after the monthly grant is spent.
type RunQuota struct {
	UserID             string    `json:"user_id"`
	Plan               Plan      `json:"plan"`
	MonthlyRuns        int       `json:"monthly_runs"`
	ExtraRuns          int       `json:"extra_runs"`
	NextMonthlyResetAt time.Time `json:"next_monthly_reset_at"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// Remaining reports how many runs the user may still dispatch this cycle.
func (q *RunQuota) Remaining() int {
	return q.MonthlyRuns + q.ExtraRuns
}

// CredentialAuthType distinguishes API-key credentials from OAuth ones.
type CredentialAuthType string

// Credential auth types.
const (
	AuthAPIKey CredentialAuthType = "api_key"
	AuthOAuth  CredentialAuthType = "oauth"
)

// Credential represents an encrypted credential at rest. Ciphertext is the
// AES-256-GCM envelope (nonce || ciphertext || tag); KeyHash fingerprints
// the plaintext secret so the UI can show its tail without decrypting.
type Credential struct {
	ID       string             `json:"id"`
	UserID   string             `json:"user_id"`
	Provider string             `json:"provider"`
	AuthType CredentialAuthType `json:"auth_type"`
	Label    string             `json:"label,omitempty"`

	Ciphertext []byte `json:"-"`
	KeyHash    string `json:"key_hash"`

	// Active is flipped off by Revoke; the row is kept for audit.
	Active bool `json:"active"`

	// ExpiresAt mirrors the OAuth access token expiry so refresh decisions
	// never need a decrypt.
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// GitHubInstallation links a user to a GitHub App installation.
type GitHubInstallation struct {
	UserID         string    `json:"user_id"`
	InstallationID int64     `json:"installation_id"`
	AccountLogin   string    `json:"account_login,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// CloudProvider is an admin-managed compute backend. Name selects the
// provider implementation; IsSandbox marks providers that execute agent runs
// rather than hosting workspaces.
type CloudProvider struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	IsSandbox bool      `json:"is_sandbox"`
	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Region is a location offered by a cloud provider. ExternalID is the
// provider's own region identifier and is passed through to compute calls
// unchanged.
type Region struct {
	ID         string    `json:"id"`
	ProviderID string    `json:"provider_id"`
	Name       string    `json:"name"`
	ExternalID string    `json:"external_id"`
	Enabled    bool      `json:"enabled"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// AgentType classifies workspace images. ServerOnly types run headless and
// are restricted to local hosting.
type AgentType struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	ServerOnly bool      `json:"server_only"`
	Enabled    bool      `json:"enabled"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Image is a bootable workspace image. ImageRef is the provider-side image
// identifier used when provisioning.
type Image struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	ImageRef    string    `json:"image_ref"`
	AgentTypeID string    `json:"agent_type_id"`
	Enabled     bool      `json:"enabled"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// WorkspaceFilter contains filtering options for listing workspaces.
type WorkspaceFilter struct {
	UserID string
	Status WorkspaceStatus
	Limit  int
	Offset int
}

// LoopFilter contains filtering options for listing agent loops.
type LoopFilter struct {
	UserID string
	Status LoopStatus
	Limit  int
	Offset int
}

// RunFilter contains filtering options for listing runs.
type RunFilter struct {
	LoopID string
	UserID string
	Status RunStatus
	Limit  int
	Offset int
}
