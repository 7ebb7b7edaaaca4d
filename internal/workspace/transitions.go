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
	"fmt"
	"log/slog"

	"github.com/tombee/workbench/internal/compute"
	"github.com/tombee/workbench/internal/events"
	"github.com/tombee/workbench/internal/store"
	wberrors "github.com/tombee/workbench/pkg/errors"
)

// Heartbeat actions returned to the in-workspace agent.
const (
	ActionContinue = "continue"
	ActionShutdown = "shutdown"
)

// HeartbeatResult tells the in-workspace agent whether to keep serving.
type HeartbeatResult struct {
	Action string `json:"action"`
	Reason string `json:"reason,omitempty"`
}

// Stop transitions a pending or running workspace to stopped and closes its
// usage session with the given source. Stopping a stopped workspace is a
// no-op; stopping a terminated one is a conflict.
func (o *Orchestrator) Stop(ctx context.Context, id string, source store.StopSource) (*store.Workspace, error) {
	ws, err := o.store.GetWorkspace(ctx, id)
	if err != nil {
		return nil, err
	}
	switch ws.Status {
	case store.WorkspaceStatusStopped:
		return ws, nil
	case store.WorkspaceStatusTerminated:
		return nil, &wberrors.ConflictError{Resource: "workspace", Message: "workspace is terminated"}
	}

	provider, err := o.providerFor(ctx, ws)
	if err != nil {
		return nil, err
	}
	if err := provider.StopWorkspace(ctx, o.stopRequest(ctx, ws)); err != nil {
		return nil, err
	}

	var stopped *store.Workspace
	err = o.store.WithTx(ctx, func(tx store.Store) error {
		locked, err := tx.GetWorkspaceForUpdate(ctx, id)
		if err != nil {
			return err
		}
		switch locked.Status {
		case store.WorkspaceStatusStopped:
			stopped = locked
			return nil
		case store.WorkspaceStatusTerminated:
			return &wberrors.ConflictError{Resource: "workspace", Message: "workspace is terminated"}
		}
		now := o.now().UTC()
		locked.Status = store.WorkspaceStatusStopped
		locked.StoppedAt = &now
		locked.UpdatedAt = now
		if err := tx.UpdateWorkspace(ctx, locked); err != nil {
			return err
		}
		stopped = locked
		return nil
	})
	if err != nil {
		return nil, err
	}

	if ws.HostingType == store.HostingCloud {
		if _, err := o.metering.CloseSession(ctx, id, source); err != nil {
			o.logger.Warn("failed to close usage session",
				slog.String("workspace_id", id), slog.Any("error", err))
		}
	}

	o.metrics.RecordWorkspaceTransition(ctx, string(store.WorkspaceStatusStopped))
	o.publish(events.TypeWorkspaceStopped, stopped)
	o.logger.Info("workspace stopped",
		slog.String("workspace_id", id),
		slog.String("stop_source", string(source)))
	return stopped, nil
}

// Restart transitions a stopped workspace back to pending. Cloud workspaces
// re-check the daily quota first; the usage session reopens when the deploy
// signal promotes the workspace to running.
func (o *Orchestrator) Restart(ctx context.Context, id string) (*store.Workspace, error) {
	ws, err := o.store.GetWorkspace(ctx, id)
	if err != nil {
		return nil, err
	}
	if ws.Status != store.WorkspaceStatusStopped {
		return nil, &wberrors.ConflictError{
			Resource: "workspace",
			Message:  fmt.Sprintf("cannot restart a %s workspace", ws.Status),
		}
	}

	if ws.HostingType == store.HostingCloud {
		user, err := o.store.GetUser(ctx, ws.UserID)
		if err != nil {
			return nil, err
		}
		ok, err := o.metering.HasRemainingQuota(ctx, user)
		if err != nil {
			return nil, err
		}
		if !ok {
			used, _, _ := o.metering.EnsureDailyUsage(ctx, user.ID)
			return nil, &wberrors.QuotaExceededError{
				Scope: "daily_minutes",
				Limit: o.metering.Settings().FreeTierDailyMinutes(ctx),
				Used:  used,
			}
		}
	}

	provider, err := o.providerFor(ctx, ws)
	if err != nil {
		return nil, err
	}
	if err := provider.RestartWorkspace(ctx, o.stopRequest(ctx, ws)); err != nil {
		return nil, err
	}

	var restarted *store.Workspace
	err = o.store.WithTx(ctx, func(tx store.Store) error {
		locked, err := tx.GetWorkspaceForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if locked.Status != store.WorkspaceStatusStopped {
			return &wberrors.ConflictError{
				Resource: "workspace",
				Message:  fmt.Sprintf("cannot restart a %s workspace", locked.Status),
			}
		}
		now := o.now().UTC()
		locked.Status = store.WorkspaceStatusPending
		locked.StoppedAt = nil
		locked.ExternalDeploymentID = ""
		locked.LastActiveAt = now
		locked.UpdatedAt = now
		if err := tx.UpdateWorkspace(ctx, locked); err != nil {
			return err
		}
		restarted = locked
		return nil
	})
	if err != nil {
		return nil, err
	}

	o.metrics.RecordWorkspaceTransition(ctx, string(store.WorkspaceStatusPending))
	o.publish(events.TypeWorkspaceRestarted, restarted)
	o.logger.Info("workspace restarting", slog.String("workspace_id", id))
	return restarted, nil
}

// Terminate tears a workspace down for good: upstream service and volume are
// released, the open session closes, and the subdomain is freed for reuse.
// Terminating a terminated workspace returns the same terminal row.
func (o *Orchestrator) Terminate(ctx context.Context, id string) (*store.Workspace, error) {
	ws, err := o.store.GetWorkspace(ctx, id)
	if err != nil {
		return nil, err
	}
	if ws.Status == store.WorkspaceStatusTerminated {
		return ws, nil
	}

	provider, err := o.providerFor(ctx, ws)
	if err != nil {
		return nil, err
	}
	err = provider.TerminateWorkspace(ctx, compute.TerminateRequest{
		ExternalServiceID: ws.ExternalInstanceID,
		ExternalVolumeID:  ws.ExternalVolumeID,
	})
	if err != nil {
		return nil, err
	}

	var terminated *store.Workspace
	err = o.store.WithTx(ctx, func(tx store.Store) error {
		locked, err := tx.GetWorkspaceForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if locked.Status == store.WorkspaceStatusTerminated {
			terminated = locked
			return nil
		}
		now := o.now().UTC()
		locked.Status = store.WorkspaceStatusTerminated
		locked.TerminatedAt = &now
		locked.UpdatedAt = now
		if err := tx.UpdateWorkspace(ctx, locked); err != nil {
			return err
		}
		terminated = locked
		return nil
	})
	if err != nil {
		return nil, err
	}

	if ws.HostingType == store.HostingCloud {
		if _, err := o.metering.CloseSession(ctx, id, store.StopManual); err != nil {
			o.logger.Warn("failed to close usage session",
				slog.String("workspace_id", id), slog.Any("error", err))
		}
	}

	o.metrics.RecordWorkspaceTransition(ctx, string(store.WorkspaceStatusTerminated))
	o.publish(events.TypeWorkspaceTerminated, terminated)
	o.logger.Info("workspace terminated", slog.String("workspace_id", id))
	return terminated, nil
}

// MarkRunning promotes a pending workspace to running on the provider's
// deploy signal or, for local hosting, the first tunnel connection. Signals
// arriving after a stop or terminate are ignored so a late webhook cannot
// resurrect a workspace the user already shut down.
func (o *Orchestrator) MarkRunning(ctx context.Context, id, deploymentID string) (*store.Workspace, error) {
	var (
		ws           *store.Workspace
		transitioned bool
	)
	err := o.store.WithTx(ctx, func(tx store.Store) error {
		locked, err := tx.GetWorkspaceForUpdate(ctx, id)
		if err != nil {
			return err
		}
		ws = locked
		switch locked.Status {
		case store.WorkspaceStatusRunning:
			if deploymentID != "" && deploymentID != locked.ExternalDeploymentID {
				locked.ExternalDeploymentID = deploymentID
				locked.UpdatedAt = o.now().UTC()
				return tx.UpdateWorkspace(ctx, locked)
			}
			return nil
		case store.WorkspaceStatusStopped, store.WorkspaceStatusTerminated:
			o.logger.Debug("ignoring deploy signal for inactive workspace",
				slog.String("workspace_id", id),
				slog.String("status", string(locked.Status)))
			return nil
		}
		now := o.now().UTC()
		locked.Status = store.WorkspaceStatusRunning
		locked.StartedAt = &now
		locked.LastActiveAt = now
		locked.UpdatedAt = now
		if deploymentID != "" {
			locked.ExternalDeploymentID = deploymentID
		}
		if err := tx.UpdateWorkspace(ctx, locked); err != nil {
			return err
		}
		transitioned = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !transitioned {
		return ws, nil
	}

	if ws.HostingType == store.HostingCloud {
		if _, err := o.metering.OpenSession(ctx, ws.ID, ws.UserID); err != nil {
			o.logger.Warn("failed to open usage session",
				slog.String("workspace_id", ws.ID), slog.Any("error", err))
		}
	}

	o.metrics.RecordWorkspaceTransition(ctx, string(store.WorkspaceStatusRunning))
	o.publish(events.TypeWorkspaceRunning, ws)
	o.logger.Info("workspace running", slog.String("workspace_id", ws.ID))
	return ws, nil
}

// MarkRunningBySubdomain resolves a deploy signal that identifies the
// workspace by its upstream service name. The subdomain doubles as that
// name, so the lookup is unique among non-terminated workspaces.
func (o *Orchestrator) MarkRunningBySubdomain(ctx context.Context, subdomain, deploymentID string) (*store.Workspace, error) {
	ws, err := o.store.GetWorkspaceBySubdomain(ctx, subdomain)
	if err != nil {
		return nil, err
	}
	return o.MarkRunning(ctx, ws.ID, deploymentID)
}

// Heartbeat records liveness from the in-workspace agent. When the user's
// daily quota is exhausted the agent is told to shut down; the quota reaper
// is the backstop for agents that ignore the reply.
func (o *Orchestrator) Heartbeat(ctx context.Context, id string) (*HeartbeatResult, error) {
	ws, err := o.store.GetWorkspace(ctx, id)
	if err != nil {
		return nil, err
	}
	switch ws.Status {
	case store.WorkspaceStatusStopped, store.WorkspaceStatusTerminated:
		return &HeartbeatResult{Action: ActionShutdown, Reason: string(ws.Status)}, nil
	}

	if ws.HostingType == store.HostingCloud {
		user, err := o.store.GetUser(ctx, ws.UserID)
		if err != nil {
			return nil, err
		}
		ok, err := o.metering.HasRemainingQuota(ctx, user)
		if err != nil {
			return nil, err
		}
		if !ok {
			o.publishQuotaExhausted(ws)
			return &HeartbeatResult{Action: ActionShutdown, Reason: "quota_exhausted"}, nil
		}
	}

	if err := o.store.TouchWorkspaceActivity(ctx, id, o.now().UTC()); err != nil {
		return nil, err
	}
	return &HeartbeatResult{Action: ActionContinue}, nil
}

// UpdatePorts replaces the exposed-port map the tunnel routes by and records
// the tunnel attachment. A port announcement is how a local workspace's agent
// reports readiness, so a pending workspace is promoted to running here.
func (o *Orchestrator) UpdatePorts(ctx context.Context, id string, localPort int, ports map[string]store.ExposedPort) (*store.Workspace, error) {
	var (
		updated      *store.Workspace
		transitioned bool
	)
	err := o.store.WithTx(ctx, func(tx store.Store) error {
		locked, err := tx.GetWorkspaceForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if locked.Status == store.WorkspaceStatusTerminated {
			return &wberrors.ConflictError{Resource: "workspace", Message: "workspace is terminated"}
		}
		now := o.now().UTC()
		locked.ExposedPorts = ports
		if localPort > 0 {
			locked.LocalPort = localPort
		}
		locked.TunnelConnectedAt = &now
		locked.LastActiveAt = now
		locked.UpdatedAt = now
		if locked.Status == store.WorkspaceStatusPending {
			locked.Status = store.WorkspaceStatusRunning
			locked.StartedAt = &now
			transitioned = true
		}
		if err := tx.UpdateWorkspace(ctx, locked); err != nil {
			return err
		}
		updated = locked
		return nil
	})
	if err != nil {
		return nil, err
	}
	if transitioned {
		o.metrics.RecordWorkspaceTransition(ctx, string(store.WorkspaceStatusRunning))
		o.publish(events.TypeWorkspaceRunning, updated)
		o.logger.Info("workspace running",
			slog.String("workspace_id", updated.ID),
			slog.Int("local_port", localPort))
	}
	return updated, nil
}

func (o *Orchestrator) publishQuotaExhausted(ws *store.Workspace) {
	if o.events == nil {
		return
	}
	o.events.Publish(events.Event{
		Type:       events.TypeQuotaExhausted,
		UserID:     ws.UserID,
		ResourceID: ws.ID,
		Payload: map[string]any{
			"workspace_id": ws.ID,
			"scope":        "daily_minutes",
		},
		Timestamp: o.now().UTC(),
	})
}

// providerFor resolves the compute client for a workspace's catalog row.
func (o *Orchestrator) providerFor(ctx context.Context, ws *store.Workspace) (compute.Provider, error) {
	row, err := o.store.GetCloudProvider(ctx, ws.CloudProviderID)
	if err != nil {
		return nil, err
	}
	return o.provider(ctx, row.Name)
}

// stopRequest builds the upstream stop/restart descriptor for a workspace.
func (o *Orchestrator) stopRequest(ctx context.Context, ws *store.Workspace) compute.StopRequest {
	req := compute.StopRequest{
		ExternalServiceID:   ws.ExternalInstanceID,
		RunningDeploymentID: ws.ExternalDeploymentID,
	}
	if region, err := o.store.GetRegion(ctx, ws.RegionID); err == nil {
		req.RegionIdentifier = region.ExternalID
	}
	return req
}
