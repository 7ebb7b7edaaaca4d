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

package compute

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/tombee/workbench/internal/store"
	wberrors "github.com/tombee/workbench/pkg/errors"
)

// DefaultEnabledTTL is how long the enabled-provider set is served from
// cache before the catalog is consulted again.
const DefaultEnabledTTL = 60 * time.Second

// RegistryConfig carries provider construction settings. It mirrors the
// daemon's compute config section.
type RegistryConfig struct {
	// DefaultProvider is the implementation used when a request does not
	// name one.
	DefaultProvider string

	// EnabledTTL bounds staleness of the enabled-provider set. Stale
	// reads are acceptable: admission re-checks the catalog row inside
	// its transaction.
	EnabledTTL time.Duration

	Railway RailwayConfig
	Sandbox SandboxConfig
	Gateway GatewayConfig
}

// Registry resolves catalog provider names to constructed Provider
// clients. Construction is lazy and collapsed under singleflight so a
// burst of first requests builds each client once; the result is cached
// for the life of the process.
type Registry struct {
	cfg     RegistryConfig
	catalog store.CatalogStore
	logger  *slog.Logger

	group singleflight.Group

	mu        sync.RWMutex
	providers map[string]Provider
	enabled   map[string]bool
	enabledAt time.Time

	now func() time.Time
}

// NewRegistry creates a registry over the catalog.
func NewRegistry(cfg RegistryConfig, catalog store.CatalogStore, logger *slog.Logger) *Registry {
	if cfg.DefaultProvider == "" {
		cfg.DefaultProvider = "local"
	}
	if cfg.EnabledTTL <= 0 {
		cfg.EnabledTTL = DefaultEnabledTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		cfg:       cfg,
		catalog:   catalog,
		logger:    logger,
		providers: make(map[string]Provider),
		now:       time.Now,
	}
}

// Default returns the configured default provider name.
func (r *Registry) Default() string {
	return r.cfg.DefaultProvider
}

// Register installs a pre-built provider under a name, replacing lazy
// construction for it.
func (r *Registry) Register(name string, p Provider) {
	key := strings.ToLower(strings.TrimSpace(name))
	r.mu.Lock()
	r.providers[key] = p
	r.mu.Unlock()
}

// Provider returns the implementation for a catalog provider name,
// constructing it on first use. Names are matched case-insensitively.
func (r *Registry) Provider(ctx context.Context, name string) (Provider, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" {
		return nil, &wberrors.ValidationError{
			Field:   "provider",
			Message: "provider name is required",
		}
	}

	r.mu.RLock()
	p, ok := r.providers[key]
	r.mu.RUnlock()
	if ok {
		return p, nil
	}

	v, err, _ := r.group.Do(key, func() (any, error) {
		r.mu.RLock()
		p, ok := r.providers[key]
		r.mu.RUnlock()
		if ok {
			return p, nil
		}

		built, err := r.build(ctx, key)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		r.providers[key] = built
		r.mu.Unlock()
		r.logger.Info("compute provider constructed", slog.String("provider", key))
		return built, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(Provider), nil
}

// build constructs the implementation registered for a provider name.
func (r *Registry) build(ctx context.Context, name string) (Provider, error) {
	switch name {
	case "local":
		return NewLocal(), nil
	case "railway":
		return NewRailway(r.cfg.Railway, r.logger)
	case "sandbox":
		return NewSandbox(r.cfg.Sandbox, r.logger)
	case "gateway":
		return NewGateway(ctx, r.cfg.Gateway, r.logger)
	default:
		return nil, &wberrors.ConfigError{
			Key:    "compute.provider",
			Reason: fmt.Sprintf("no compute implementation registered for provider %q", name),
		}
	}
}

// Available reports whether the named provider is currently enabled in the
// catalog. The set is cached; a row disabled moments ago may still read as
// available until the TTL lapses.
func (r *Registry) Available(ctx context.Context, name string) (bool, error) {
	key := strings.ToLower(strings.TrimSpace(name))

	r.mu.RLock()
	set := r.enabled
	fresh := r.now().Sub(r.enabledAt) < r.cfg.EnabledTTL
	r.mu.RUnlock()
	if set != nil && fresh {
		return set[key], nil
	}

	providers, err := r.catalog.ListCloudProviders(ctx, true)
	if err != nil {
		// A stale set beats failing dispatch on a catalog blip.
		if set != nil {
			r.logger.Warn("serving stale enabled-provider set",
				slog.String("error", err.Error()))
			return set[key], nil
		}
		return false, err
	}

	next := make(map[string]bool, len(providers))
	for _, cp := range providers {
		next[strings.ToLower(cp.Name)] = true
	}

	r.mu.Lock()
	r.enabled = next
	r.enabledAt = r.now()
	r.mu.Unlock()

	return next[key], nil
}
