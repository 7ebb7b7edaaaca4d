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

// Package workspace orchestrates developer workspace lifecycles: admission
// (catalog validation, quota and cap enforcement, subdomain allocation,
// environment assembly, upstream provisioning), the status state machine,
// heartbeats, and the queries the reapers run on.
//
// Status transitions are linearized by a row lock on the workspace inside a
// transaction; upstream compute calls happen outside transactions and are
// compensated, never replayed.
package workspace

import (
	"context"
	"log/slog"
	"time"

	"github.com/tombee/workbench/internal/auth"
	"github.com/tombee/workbench/internal/compute"
	"github.com/tombee/workbench/internal/events"
	"github.com/tombee/workbench/internal/git"
	"github.com/tombee/workbench/internal/metering"
	"github.com/tombee/workbench/internal/metrics"
	"github.com/tombee/workbench/internal/store"
)

// DefaultWorkspaceCap is the number of concurrent non-terminated workspaces
// a non-admin user may hold.
const DefaultWorkspaceCap = 1

// GitTokenSource mints GitHub App tokens for workspace environments.
// Implemented by internal/git; nil when the deployment has no GitHub App.
type GitTokenSource interface {
	TokenForUser(ctx context.Context, userID string) (*git.Token, error)
}

// Config assembles an Orchestrator.
type Config struct {
	// BaseDomain forms workspace hostnames as "<subdomain>.<BaseDomain>".
	BaseDomain string

	// PublicURL is the control plane's externally reachable base URL,
	// injected into workspaces as WORKSPACE_API_URL.
	PublicURL string

	// WorkspaceCap overrides DefaultWorkspaceCap. Admins are exempt.
	WorkspaceCap int

	Store    store.TxStore
	Compute  *compute.Registry
	Metering *metering.Service
	Git      GitTokenSource
	Signer   *auth.Signer
	Events   *events.Bus
	Logger   *slog.Logger
	Metrics  *metrics.Collector
}

// Orchestrator owns workspace admission, transitions, and reaping.
type Orchestrator struct {
	baseDomain   string
	publicURL    string
	workspaceCap int

	store    store.TxStore
	compute  *compute.Registry
	metering *metering.Service
	git      GitTokenSource
	signer   *auth.Signer
	events   *events.Bus
	logger   *slog.Logger
	metrics  *metrics.Collector

	now func() time.Time
}

// New creates an orchestrator.
func New(cfg Config) *Orchestrator {
	workspaceCap := cfg.WorkspaceCap
	if workspaceCap <= 0 {
		workspaceCap = DefaultWorkspaceCap
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	collector := cfg.Metrics
	if collector == nil {
		collector = metrics.NewNopCollector()
	}
	return &Orchestrator{
		baseDomain:   cfg.BaseDomain,
		publicURL:    cfg.PublicURL,
		workspaceCap: workspaceCap,
		store:        cfg.Store,
		compute:      cfg.Compute,
		metering:     cfg.Metering,
		git:          cfg.Git,
		signer:       cfg.Signer,
		events:       cfg.Events,
		logger:       logger,
		metrics:      collector,
		now:          time.Now,
	}
}

// Get retrieves a workspace by ID.
func (o *Orchestrator) Get(ctx context.Context, id string) (*store.Workspace, error) {
	return o.store.GetWorkspace(ctx, id)
}

// List lists workspaces matching the filter.
func (o *Orchestrator) List(ctx context.Context, filter store.WorkspaceFilter) ([]*store.Workspace, error) {
	return o.store.ListWorkspaces(ctx, filter)
}

// publish emits a workspace status event. The bus drops events for slow
// subscribers, so publishing never blocks a transition.
func (o *Orchestrator) publish(eventType string, ws *store.Workspace) {
	if o.events == nil {
		return
	}
	o.events.Publish(events.Event{
		Type:       eventType,
		UserID:     ws.UserID,
		ResourceID: ws.ID,
		Payload: map[string]any{
			"workspace_id": ws.ID,
			"status":       string(ws.Status),
			"domain":       ws.Domain,
			"updated_at":   ws.UpdatedAt,
		},
		Timestamp: o.now().UTC(),
	})
}

// provider resolves the compute implementation for a catalog provider row.
func (o *Orchestrator) provider(ctx context.Context, providerName string) (compute.Provider, error) {
	return o.compute.Provider(ctx, providerName)
}
