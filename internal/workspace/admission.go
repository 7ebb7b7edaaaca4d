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
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tombee/workbench/internal/compute"
	"github.com/tombee/workbench/internal/events"
	"github.com/tombee/workbench/internal/store"
	wberrors "github.com/tombee/workbench/pkg/errors"
)

// reservedSubdomains can never be claimed by a workspace; they are (or may
// become) platform surfaces under the base domain.
var reservedSubdomains = map[string]struct{}{
	"api": {}, "tunnel": {}, "www": {}, "app": {}, "admin": {},
	"dashboard": {}, "cdn": {}, "static": {}, "assets": {}, "mail": {},
	"email": {}, "ftp": {}, "ssh": {}, "docs": {}, "blog": {},
	"status": {}, "support": {},
}

var subdomainPattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?$`)

// subdomainAttempts bounds generated-subdomain retries before giving up.
const subdomainAttempts = 10

// CreateRequest describes a workspace admission request.
type CreateRequest struct {
	UserID          string
	Name            string
	AgentTypeID     string
	CloudProviderID string
	RegionID        string

	// ImageID narrows the image choice. Empty picks the first enabled
	// image registered for the agent type.
	ImageID string

	RepoURL string
	Branch  string

	Persistent bool

	// Subdomain requests a custom subdomain; empty generates one.
	Subdomain string

	// LocalPort is the port a locally hosted workspace serves on.
	LocalPort int

	// Env is merged into the workspace environment. Control-plane
	// variables win on key collisions.
	Env map[string]string

	// AgentConfig is the workspace agent configuration document, injected
	// base64-encoded as OPENCODE_CONFIG_BASE64.
	AgentConfig json.RawMessage
}

// placement is the resolved catalog selection for an admission request.
type placement struct {
	provider  *store.CloudProvider
	region    *store.Region
	agentType *store.AgentType
	image     *store.Image
	hosting   store.HostingType
}

// Create admits, provisions, and records a workspace. The upstream create
// happens outside any transaction; if the insert then loses a subdomain or
// cap race, the upstream resources are released again.
func (o *Orchestrator) Create(ctx context.Context, req CreateRequest) (*store.Workspace, error) {
	user, err := o.store.GetUser(ctx, req.UserID)
	if err != nil {
		return nil, err
	}

	pl, err := o.resolvePlacement(ctx, req)
	if err != nil {
		return nil, err
	}

	if pl.hosting == store.HostingCloud {
		if req.RepoURL == "" {
			return nil, &wberrors.ValidationError{
				Field:   "repository_url",
				Message: "cloud workspaces require a repository",
			}
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
	} else if !pl.agentType.ServerOnly {
		return nil, &wberrors.ValidationError{
			Field:   "agent_type_id",
			Message: "local workspaces require a server-only agent type",
		}
	}

	if err := o.checkWorkspaceCap(ctx, o.store, user); err != nil {
		return nil, err
	}

	subdomain, err := o.resolveSubdomain(ctx, user, req.Subdomain, pl.hosting)
	if err != nil {
		return nil, err
	}

	workspaceID := uuid.NewString()
	env, err := o.buildEnv(ctx, user, workspaceID, req)
	if err != nil {
		return nil, err
	}

	provider, err := o.provider(ctx, pl.provider.Name)
	if err != nil {
		return nil, err
	}

	createReq := compute.CreateRequest{
		WorkspaceID:      workspaceID,
		UserID:           user.ID,
		Subdomain:        subdomain,
		ImageRef:         pl.image.ImageRef,
		RepoURL:          req.RepoURL,
		RegionIdentifier: pl.region.ExternalID,
		Env:              env,
	}
	var result *compute.CreateResult
	if req.Persistent {
		result, err = provider.CreatePersistentWorkspace(ctx, createReq)
	} else {
		result, err = provider.CreateWorkspace(ctx, createReq)
	}
	if err != nil {
		return nil, err
	}

	now := o.now().UTC()
	name := req.Name
	if name == "" {
		name = subdomain
	}
	ws := &store.Workspace{
		ID:                 workspaceID,
		UserID:             user.ID,
		Name:               name,
		Subdomain:          subdomain,
		Domain:             subdomain + "." + o.baseDomain,
		Status:             store.WorkspaceStatusPending,
		CloudProviderID:    pl.provider.ID,
		RegionID:           pl.region.ID,
		ImageID:            pl.image.ID,
		HostingType:        pl.hosting,
		Persistent:         req.Persistent,
		ServerOnly:         pl.agentType.ServerOnly,
		ExternalInstanceID: result.ExternalServiceID,
		ExternalVolumeID:   result.ExternalVolumeID,
		UpstreamURL:        result.UpstreamURL,
		RepoURL:            req.RepoURL,
		Branch:             req.Branch,
		LocalPort:          req.LocalPort,
		LastActiveAt:       now,
	}
	if inst, err := o.store.GetInstallation(ctx, user.ID); err == nil {
		ws.GitIntegrationID = strconv.FormatInt(inst.InstallationID, 10)
	}

	err = o.store.WithTx(ctx, func(tx store.Store) error {
		// The cap is re-checked under the transaction so two concurrent
		// creates cannot both slip past the earlier read.
		if err := o.checkWorkspaceCap(ctx, tx, user); err != nil {
			return err
		}
		return tx.CreateWorkspace(ctx, ws)
	})
	if err != nil {
		o.releaseUpstream(ctx, provider, result)
		return nil, err
	}

	if pl.hosting == store.HostingCloud {
		if _, err := o.metering.OpenSession(ctx, ws.ID, user.ID); err != nil {
			o.logger.Warn("failed to open usage session",
				slog.String("workspace_id", ws.ID), slog.Any("error", err))
		}
	}

	o.metrics.RecordWorkspaceTransition(ctx, string(store.WorkspaceStatusPending))
	o.publish(events.TypeWorkspaceCreated, ws)
	o.logger.Info("workspace created",
		slog.String("workspace_id", ws.ID),
		slog.String("user_id", user.ID),
		slog.String("subdomain", subdomain),
		slog.String("provider", pl.provider.Name),
		slog.String("hosting", string(pl.hosting)))
	return ws, nil
}

// resolvePlacement validates the catalog selection. Unknown or disabled
// rows surface as validation errors, not not-found, since the ids came from
// the request body.
func (o *Orchestrator) resolvePlacement(ctx context.Context, req CreateRequest) (*placement, error) {
	provider, err := o.store.GetCloudProvider(ctx, req.CloudProviderID)
	if err != nil {
		return nil, placementError(err, "cloud_provider_id", "unknown cloud provider")
	}
	if !provider.Enabled {
		return nil, &wberrors.ValidationError{Field: "cloud_provider_id", Message: "cloud provider is disabled"}
	}

	region, err := o.store.GetRegion(ctx, req.RegionID)
	if err != nil {
		return nil, placementError(err, "region_id", "unknown region")
	}
	if region.ProviderID != provider.ID {
		return nil, &wberrors.ValidationError{
			Field:      "region_id",
			Message:    "region does not belong to the selected cloud provider",
			Suggestion: "List the provider's regions and pick one of those",
		}
	}
	if !region.Enabled {
		return nil, &wberrors.ValidationError{Field: "region_id", Message: "region is disabled"}
	}

	agentType, err := o.store.GetAgentType(ctx, req.AgentTypeID)
	if err != nil {
		return nil, placementError(err, "agent_type_id", "unknown agent type")
	}
	if !agentType.Enabled {
		return nil, &wberrors.ValidationError{Field: "agent_type_id", Message: "agent type is disabled"}
	}

	image, err := o.resolveImage(ctx, req.ImageID, agentType.ID)
	if err != nil {
		return nil, err
	}

	hosting := store.HostingCloud
	if strings.EqualFold(provider.Name, "local") {
		hosting = store.HostingLocal
	}

	return &placement{
		provider:  provider,
		region:    region,
		agentType: agentType,
		image:     image,
		hosting:   hosting,
	}, nil
}

func (o *Orchestrator) resolveImage(ctx context.Context, imageID, agentTypeID string) (*store.Image, error) {
	if imageID != "" {
		image, err := o.store.GetImage(ctx, imageID)
		if err != nil {
			return nil, placementError(err, "image_id", "unknown image")
		}
		if !image.Enabled {
			return nil, &wberrors.ValidationError{Field: "image_id", Message: "image is disabled"}
		}
		if image.AgentTypeID != agentTypeID {
			return nil, &wberrors.ValidationError{
				Field:   "image_id",
				Message: "image does not belong to the selected agent type",
			}
		}
		return image, nil
	}

	images, err := o.store.ListImages(ctx, true)
	if err != nil {
		return nil, err
	}
	for _, image := range images {
		if image.AgentTypeID == agentTypeID {
			return image, nil
		}
	}
	return nil, &wberrors.ValidationError{
		Field:   "agent_type_id",
		Message: "no enabled image is registered for the selected agent type",
	}
}

func placementError(err error, field, message string) error {
	var notFound *wberrors.NotFoundError
	if errors.As(err, &notFound) {
		return &wberrors.ValidationError{Field: field, Message: message}
	}
	return err
}

// checkWorkspaceCap enforces the concurrent-workspace ceiling. Admins are
// exempt.
func (o *Orchestrator) checkWorkspaceCap(ctx context.Context, st store.Store, user *store.User) error {
	if user.Role == store.RoleAdmin {
		return nil
	}
	count, err := st.CountActiveWorkspaces(ctx, user.ID)
	if err != nil {
		return err
	}
	if count >= o.workspaceCap {
		return &wberrors.QuotaExceededError{
			Scope: "workspaces",
			Limit: o.workspaceCap,
			Used:  count,
		}
	}
	return nil
}

// resolveSubdomain returns the subdomain the workspace will live on. Custom
// names are plan-gated; generated names retry a bounded number of times. The
// unique index on live subdomains is the backstop for races either way.
func (o *Orchestrator) resolveSubdomain(ctx context.Context, user *store.User, requested string, hosting store.HostingType) (string, error) {
	if requested != "" {
		return o.resolveCustomSubdomain(ctx, user, requested, hosting)
	}

	for i := 0; i < subdomainAttempts; i++ {
		var buf [4]byte
		if _, err := rand.Read(buf[:]); err != nil {
			return "", fmt.Errorf("failed to generate subdomain: %w", err)
		}
		candidate := "ws-" + hex.EncodeToString(buf[:])
		if _, reserved := reservedSubdomains[candidate]; reserved {
			continue
		}
		if o.subdomainTaken(ctx, candidate) {
			continue
		}
		return candidate, nil
	}
	return "", fmt.Errorf("failed to allocate an unused subdomain after %d attempts", subdomainAttempts)
}

func (o *Orchestrator) resolveCustomSubdomain(ctx context.Context, user *store.User, requested string, hosting store.HostingType) (string, error) {
	allowed := user.Plan == store.PlanPro ||
		(hosting == store.HostingLocal && user.Plan == store.PlanTunnel)
	if !allowed {
		return "", &wberrors.ForbiddenError{
			Reason: "your plan does not include custom subdomains",
		}
	}

	subdomain := strings.ToLower(strings.TrimSpace(requested))
	if !subdomainPattern.MatchString(subdomain) {
		return "", &wberrors.ValidationError{
			Field:      "subdomain",
			Message:    "subdomains are 1-63 lowercase letters, digits, and interior hyphens",
			Suggestion: "Try something like \"my-project\"",
		}
	}
	if _, reserved := reservedSubdomains[subdomain]; reserved {
		return "", &wberrors.ValidationError{
			Field:      "subdomain",
			Message:    fmt.Sprintf("%q is reserved", subdomain),
			Suggestion: "Choose a different subdomain",
		}
	}
	if o.subdomainTaken(ctx, subdomain) {
		return "", &wberrors.ConflictError{
			Resource: "workspace",
			Message:  fmt.Sprintf("subdomain %q is already in use", subdomain),
		}
	}
	return subdomain, nil
}

func (o *Orchestrator) subdomainTaken(ctx context.Context, subdomain string) bool {
	_, err := o.store.GetWorkspaceBySubdomain(ctx, subdomain)
	return err == nil
}

// buildEnv assembles the environment injected into the workspace. GitHub
// pieces are best-effort: a workspace without a linked installation still
// starts, it just cannot push.
func (o *Orchestrator) buildEnv(ctx context.Context, user *store.User, workspaceID string, req CreateRequest) (map[string]string, error) {
	env := make(map[string]string, len(req.Env)+10)
	for k, v := range req.Env {
		env[k] = v
	}

	if req.RepoURL != "" {
		env["REPO_URL"] = req.RepoURL
		if owner, name, ok := parseRepo(req.RepoURL); ok {
			env["REPO_OWNER"] = owner
			env["REPO_NAME"] = name
		}
	}

	if inst, err := o.store.GetInstallation(ctx, user.ID); err == nil {
		env["USER_GITHUB_USERNAME"] = inst.AccountLogin
	}
	if o.git != nil {
		tok, err := o.git.TokenForUser(ctx, user.ID)
		if err != nil {
			o.logger.Warn("github token unavailable for workspace",
				slog.String("user_id", user.ID), slog.Any("error", err))
		} else {
			env["GITHUB_APP_TOKEN"] = tok.Value
			env["GITHUB_APP_TOKEN_EXPIRY"] = tok.ExpiresAt.UTC().Format(time.RFC3339)
		}
	}

	token, err := o.signer.MintWorkspaceToken(user.ID, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("failed to mint workspace token: %w", err)
	}
	env["WORKSPACE_ID"] = workspaceID
	env["WORKSPACE_AUTH_TOKEN"] = token
	env["WORKSPACE_API_URL"] = o.publicURL

	if len(req.AgentConfig) > 0 {
		env["OPENCODE_CONFIG_BASE64"] = base64.StdEncoding.EncodeToString(req.AgentConfig)
	}
	return env, nil
}

// parseRepo extracts owner and name from the https and ssh GitHub URL forms.
func parseRepo(repoURL string) (owner, name string, ok bool) {
	trimmed := strings.TrimSuffix(repoURL, ".git")
	switch {
	case strings.Contains(trimmed, "://"):
		parts := strings.Split(trimmed, "/")
		if len(parts) < 2 {
			return "", "", false
		}
		owner, name = parts[len(parts)-2], parts[len(parts)-1]
	case strings.Contains(trimmed, ":"):
		_, path, found := strings.Cut(trimmed, ":")
		if !found {
			return "", "", false
		}
		parts := strings.Split(path, "/")
		if len(parts) != 2 {
			return "", "", false
		}
		owner, name = parts[0], parts[1]
	default:
		return "", "", false
	}
	if owner == "" || name == "" {
		return "", "", false
	}
	return owner, name, true
}

// releaseUpstream undoes a provisioned workspace whose row insert failed.
func (o *Orchestrator) releaseUpstream(ctx context.Context, provider compute.Provider, result *compute.CreateResult) {
	if result == nil || result.ExternalServiceID == "" {
		return
	}
	err := provider.TerminateWorkspace(ctx, compute.TerminateRequest{
		ExternalServiceID: result.ExternalServiceID,
		ExternalVolumeID:  result.ExternalVolumeID,
	})
	if err != nil {
		o.logger.Warn("failed to release upstream workspace after insert failure",
			slog.String("external_service_id", result.ExternalServiceID),
			slog.Any("error", err))
	}
}
