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

// Package daemon assembles and runs workbenchd: storage, authentication,
// the workspace and agent-loop services, the tunnel broker, the reapers,
// and the HTTP surface that fronts them.
package daemon

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tombee/workbench/internal/agentloop"
	"github.com/tombee/workbench/internal/auth"
	"github.com/tombee/workbench/internal/compute"
	"github.com/tombee/workbench/internal/config"
	"github.com/tombee/workbench/internal/daemon/api"
	"github.com/tombee/workbench/internal/deviceauth"
	"github.com/tombee/workbench/internal/events"
	"github.com/tombee/workbench/internal/git"
	"github.com/tombee/workbench/internal/kv"
	"github.com/tombee/workbench/internal/leader"
	internallog "github.com/tombee/workbench/internal/log"
	"github.com/tombee/workbench/internal/metering"
	"github.com/tombee/workbench/internal/metrics"
	"github.com/tombee/workbench/internal/reaper"
	"github.com/tombee/workbench/internal/store"
	"github.com/tombee/workbench/internal/store/memory"
	"github.com/tombee/workbench/internal/store/postgres"
	"github.com/tombee/workbench/internal/store/sqlite"
	"github.com/tombee/workbench/internal/tracing"
	"github.com/tombee/workbench/internal/tunnel"
	"github.com/tombee/workbench/internal/vault"
	"github.com/tombee/workbench/internal/workspace"
)

// Options contains daemon options set at build time.
type Options struct {
	Version   string
	Commit    string
	BuildDate string
}

// Daemon is the workbenchd control plane process.
type Daemon struct {
	cfg    *config.Config
	opts   Options
	logger *slog.Logger

	server *http.Server
	ln     net.Listener

	backend  store.Backend
	kvStore  kv.Store
	provider *tracing.Provider
	broker   *tunnel.Broker
	elector  leader.Elector
	reaper   *reaper.Reaper

	mu      sync.Mutex
	started bool
}

// New assembles a daemon from configuration. Nothing is started; Start
// brings the services up.
func New(ctx context.Context, cfg *config.Config, opts Options) (*Daemon, error) {
	logger := internallog.WithComponent(internallog.New(&internallog.Config{
		Level:     cfg.Log.Level,
		Format:    internallog.Format(cfg.Log.Format),
		AddSource: cfg.Log.AddSource,
	}), "daemon")

	backend, err := newBackend(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage backend: %w", err)
	}

	kvStore, err := newKV(ctx, cfg)
	if err != nil {
		backend.Close()
		return nil, fmt.Errorf("failed to create kv store: %w", err)
	}

	provider, err := tracing.NewProvider(ctx, tracing.Config{
		ServiceName:    "workbenchd",
		ServiceVersion: opts.Version,
		Exporter:       cfg.Tracing.Exporter,
		Endpoint:       cfg.Tracing.Endpoint,
		Insecure:       cfg.Tracing.Insecure,
		Headers:        cfg.Tracing.Headers,
		SampleRate:     cfg.Tracing.SampleRate,
	})
	if err != nil {
		backend.Close()
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	collector, err := metrics.NewCollector(provider.MeterProvider())
	if err != nil {
		backend.Close()
		return nil, fmt.Errorf("failed to create metrics collector: %w", err)
	}

	jwtSecret := cfg.Auth.JWTSecret
	if jwtSecret == "" {
		jwtSecret = ephemeralSecret()
		logger.Warn("no JWT secret configured; minted tokens will not survive restarts")
	}
	signer := auth.NewSigner([]byte(jwtSecret), cfg.Auth.JWTIssuer)

	authenticator := auth.New(auth.Config{
		Sessions:               backend,
		Users:                  backend,
		Signer:                 signer,
		InternalKey:            cfg.Auth.InternalKey,
		WebhookSecret:          cfg.Auth.WebhookSecret,
		WebhookSecretSecondary: cfg.Auth.WebhookSecretSecondary,
		RateLimit:              auth.NewUserRateLimiter(cfg.Auth.RateLimitRPS, cfg.Auth.RateLimitBurst),
		Logger:                 logger,
	})

	settings := metering.NewSettings(backend, logger)
	meter := metering.New(metering.Config{
		Store:    backend,
		Settings: settings,
		Quotas:   cfg.Quotas,
		Logger:   logger,
		Metrics:  collector,
	})

	vaultSecret := cfg.Vault.MasterSecret
	if vaultSecret == "" {
		vaultSecret = ephemeralSecret()
		logger.Warn("no vault secret configured; stored credentials will not survive restarts")
	}
	credVault, err := vault.New(vault.Config{
		MasterSecret:          vaultSecret,
		MasterSecretSecondary: cfg.Vault.MasterSecretSecondary,
		RefreshWindow:         cfg.Vault.RefreshWindow,
		Store:                 backend,
		Logger:                logger,
		Metrics:               collector,
	})
	if err != nil {
		backend.Close()
		return nil, fmt.Errorf("failed to create credential vault: %w", err)
	}

	registry := compute.NewRegistry(compute.RegistryConfig{
		DefaultProvider: cfg.Compute.Provider,
		EnabledTTL:      cfg.Compute.CacheTTL,
		Railway: compute.RailwayConfig{
			Token:         cfg.Compute.Railway.Token,
			ProjectID:     cfg.Compute.Railway.ProjectID,
			EnvironmentID: cfg.Compute.Railway.EnvironmentID,
			APIURL:        cfg.Compute.Railway.APIURL,
		},
		Sandbox: compute.SandboxConfig{
			URL:        cfg.Compute.Sandbox.URL,
			Token:      cfg.Compute.Sandbox.Token,
			AckTimeout: cfg.Compute.Sandbox.AckTimeout,
		},
		Gateway: compute.GatewayConfig{
			URL:           cfg.Compute.Gateway.URL,
			Region:        cfg.Compute.Gateway.Region,
			RoleARN:       cfg.Compute.Gateway.RoleARN,
			ExternalID:    cfg.Compute.Gateway.ExternalID,
			ProjectID:     cfg.Compute.Gateway.ProjectID,
			EnvironmentID: cfg.Compute.Gateway.EnvironmentID,
		},
	}, backend, logger)

	// The GitHub integration is optional; without it loops dispatch
	// without repository tokens and the git routes are not registered.
	var gitSvc *git.Service
	if cfg.GitHub.AppID > 0 {
		gitSvc, err = git.New(git.Config{
			AppID:          cfg.GitHub.AppID,
			PrivateKeyPath: cfg.GitHub.PrivateKeyPath,
			WebhookSecret:  cfg.GitHub.WebhookSecret,
			APIURL:         cfg.GitHub.APIURL,
			Store:          backend,
			Logger:         logger,
		})
		if err != nil {
			backend.Close()
			return nil, fmt.Errorf("failed to create git service: %w", err)
		}
	}

	bus := events.NewBus()

	wsCfg := workspace.Config{
		BaseDomain:   cfg.Server.BaseDomain,
		PublicURL:    cfg.Server.PublicURL,
		WorkspaceCap: cfg.Quotas.WorkspaceCap,
		Store:        backend,
		Compute:      registry,
		Metering:     meter,
		Signer:       signer,
		Events:       bus,
		Logger:       logger,
		Metrics:      collector,
	}
	if gitSvc != nil {
		wsCfg.Git = gitSvc
	}
	orchestrator := workspace.New(wsCfg)

	loopCfg := agentloop.Config{
		CallbackURL:    strings.TrimSuffix(cfg.Server.PublicURL, "/") + "/v1/callbacks/agent-loop",
		CallbackSecret: cfg.Auth.WebhookSecret,
		StallAge:       cfg.Reapers.RunStallAge,
		Store:          backend,
		Compute:        registry,
		Metering:       meter,
		Vault:          credVault,
		Events:         bus,
		Logger:         logger,
		Metrics:        collector,
	}
	if gitSvc != nil {
		loopCfg.Git = gitSvc
	}
	scheduler, err := agentloop.New(loopCfg)
	if err != nil {
		backend.Close()
		return nil, fmt.Errorf("failed to create agent-loop scheduler: %w", err)
	}

	broker, err := tunnel.NewBroker(tunnel.Config{
		Signer:                signer,
		Workspaces:            orchestrator,
		BaseDomain:            cfg.Server.BaseDomain,
		PingInterval:          cfg.Tunnel.PingInterval,
		WriteTimeout:          cfg.Tunnel.WriteTimeout,
		ResponseHeaderTimeout: cfg.Tunnel.ResponseTimeout,
		Logger:                logger,
		Metrics:               collector,
	})
	if err != nil {
		backend.Close()
		return nil, fmt.Errorf("failed to create tunnel broker: %w", err)
	}
	minter := tunnel.NewMinter(backend, backend, signer)

	devices := deviceauth.New(deviceauth.Config{
		KV:        kvStore,
		Signer:    signer,
		PublicURL: cfg.Server.PublicURL,
		Logger:    logger,
	})

	// A single replica (sqlite, memory) is always the leader. Postgres
	// deployments elect one via an advisory lock so only one replica
	// runs the reapers.
	var elector leader.Elector
	if pg, ok := backend.(*postgres.Backend); ok {
		elector = leader.NewPostgres(leader.PostgresConfig{
			DB:         pg.DB(),
			InstanceID: uuid.New().String(),
			Logger:     logger,
		})
	} else {
		elector = leader.NewStatic()
	}

	sweeper := reaper.New(reaper.Config{
		Store:           backend,
		Workspaces:      orchestrator,
		Loops:           scheduler,
		Metering:        meter,
		Elector:         elector,
		Interval:        cfg.Reapers.Interval,
		LongTermAge:     cfg.Reapers.LongTermAge,
		IdleEnabled:     cfg.Reapers.IdleReaperEnabled(),
		QuotaEnabled:    cfg.Reapers.QuotaReaperEnabled(),
		LongTermEnabled: cfg.Reapers.LongTermReaperEnabled(),
		Logger:          logger,
		Metrics:         collector,
	})

	router := api.NewRouter(api.RouterConfig{
		Version:   opts.Version,
		Commit:    opts.Commit,
		BuildDate: opts.BuildDate,
	}, collector, logger)
	router.SetMetricsHandler(provider.MetricsHandler())

	api.NewWorkspacesHandler(orchestrator, minter, authenticator).RegisterRoutes(router)
	api.NewLoopsHandler(scheduler, authenticator).RegisterRoutes(router)
	api.NewCredentialsHandler(credVault, authenticator).RegisterRoutes(router)
	api.NewDeviceHandler(devices, minter, authenticator).RegisterRoutes(router)
	api.NewQuotaHandler(backend, meter, authenticator).RegisterRoutes(router)
	api.NewEventsHandler(bus, authenticator).RegisterRoutes(router)
	api.NewAdminHandler(backend, meter, authenticator).RegisterRoutes(router)
	api.NewInternalHandler(backend, orchestrator, meter, gitSvc, authenticator).RegisterRoutes(router)
	api.NewCallbackHandler(scheduler, cfg.Auth.WebhookSecret, cfg.Auth.WebhookSecretSecondary).RegisterRoutes(router)
	api.NewWebhooksHandler(orchestrator, gitSvc, authenticator, logger).RegisterRoutes(router)
	if gitSvc != nil {
		api.NewGitTokenHandler(gitSvc, authenticator).RegisterRoutes(router)
	}
	router.Handle("GET /ws", http.HandlerFunc(broker.HandleWS))

	server := &http.Server{
		Addr:              cfg.ListenAddr(),
		Handler:           dispatchByHost(broker, router),
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      0, // SSE and tunnel streams outlive any fixed write budget
		IdleTimeout:       60 * time.Second,
	}

	return &Daemon{
		cfg:      cfg,
		opts:     opts,
		logger:   logger,
		server:   server,
		backend:  backend,
		kvStore:  kvStore,
		provider: provider,
		broker:   broker,
		elector:  elector,
		reaper:   sweeper,
	}, nil
}

// Start brings the daemon up and blocks until the context is cancelled or
// the HTTP server fails.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return fmt.Errorf("daemon already started")
	}
	d.started = true
	d.mu.Unlock()

	ln, err := net.Listen("tcp", d.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", d.server.Addr, err)
	}
	d.ln = ln

	d.elector.Start(ctx)
	d.reaper.Start(ctx)

	d.logger.Info("workbenchd starting",
		slog.String("version", d.opts.Version),
		slog.String("listen_addr", ln.Addr().String()),
		slog.String("base_domain", d.cfg.Server.BaseDomain))

	errCh := make(chan error, 1)
	go func() {
		if err := d.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// Shutdown drains the daemon: HTTP first, then tunnel sessions, then the
// background loops, then storage.
func (d *Daemon) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.started {
		return nil
	}

	d.logger.Info("graceful shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(ctx, d.cfg.Server.ShutdownTimeout)
	defer cancel()

	if d.server != nil {
		d.server.SetKeepAlivesEnabled(false)
		if err := d.server.Shutdown(shutdownCtx); err != nil {
			d.logger.Error("HTTP server shutdown error", internallog.Error(err))
		}
	}

	if err := d.broker.Shutdown(shutdownCtx); err != nil {
		d.logger.Error("tunnel broker shutdown error", internallog.Error(err))
	}

	d.reaper.Stop()
	d.elector.Stop()

	if d.provider != nil {
		if err := d.provider.Shutdown(shutdownCtx); err != nil {
			d.logger.Error("telemetry shutdown error", internallog.Error(err))
		}
	}

	if closer, ok := d.kvStore.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			d.logger.Error("kv store close error", internallog.Error(err))
		}
	}
	if err := d.backend.Close(); err != nil {
		d.logger.Error("storage backend close error", internallog.Error(err))
	}

	d.started = false
	d.logger.Info("shutdown complete")
	return nil
}

// dispatchByHost sends requests for workspace hostnames to the tunnel
// broker and everything else to the API router.
func dispatchByHost(broker *tunnel.Broker, apiHandler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if broker.Matches(r.Host) {
			broker.ServeHTTP(w, r)
			return
		}
		apiHandler.ServeHTTP(w, r)
	})
}

func newBackend(cfg *config.Config) (store.Backend, error) {
	switch cfg.Database.Driver {
	case "postgres":
		return postgres.New(postgres.Config{
			ConnectionString: cfg.Database.Postgres.ConnectionString,
			MaxOpenConns:     cfg.Database.Postgres.MaxOpenConns,
			MaxIdleConns:     cfg.Database.Postgres.MaxIdleConns,
			ConnMaxLifetime:  time.Duration(cfg.Database.Postgres.ConnMaxLifetimeSeconds) * time.Second,
		})
	case "memory":
		return memory.New(), nil
	default:
		return sqlite.New(sqlite.Config{Path: cfg.Database.Path, WAL: true})
	}
}

func newKV(ctx context.Context, cfg *config.Config) (kv.Store, error) {
	if !cfg.Redis.Enabled {
		return kv.NewMemory(), nil
	}
	return kv.NewRedis(ctx, kv.RedisConfig{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
}

// ephemeralSecret generates a process-lifetime secret for deployments that
// have not configured one.
func ephemeralSecret() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("crypto/rand unavailable: %v", err))
	}
	return hex.EncodeToString(b)
}
