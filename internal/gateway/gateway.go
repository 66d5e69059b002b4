// Package gateway ties the Switchboard components together: storage, the
// credential vault, the session manager, and the HTTP API server.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/switchboard-ai/switchboard/internal/api"
	"github.com/switchboard-ai/switchboard/internal/claudesdk"
	"github.com/switchboard-ai/switchboard/internal/config"
	"github.com/switchboard-ai/switchboard/internal/policy"
	"github.com/switchboard-ai/switchboard/internal/session"
	"github.com/switchboard-ai/switchboard/internal/store"
	"github.com/switchboard-ai/switchboard/internal/vault"
	"github.com/switchboard-ai/switchboard/internal/workspace"
)

// Gateway is the main gateway process.
type Gateway struct {
	cfg      *config.Config
	store    store.Store
	vault    *vault.Vault
	sessions *session.Manager
	api      *api.Server
	logger   *slog.Logger
}

// New creates a gateway from configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	db, err := store.New(store.Config{
		Driver: cfg.Storage.Driver,
		DSN:    cfg.Storage.DSN,
	})
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}

	vlt := vault.Open(cfg.DataDir, cfg.CredentialMasterKey, logger)
	workspaces := workspace.NewManager(db, cfg.DataDir, logger)

	acpCmd := cfg.Backends.ACPCommand
	if len(acpCmd) == 0 {
		acpCmd = []string{"claude-code-acp"}
	}
	sdkClient := &claudesdk.Client{Path: cfg.Backends.ClaudeCommand, Logger: logger}

	defaultWorkDir := filepath.Join(cfg.DataDir, "sessions")
	var resolver session.CredentialResolver
	if vlt.Enabled() {
		resolver = vlt
	}
	sessions := session.NewManager(session.ManagerConfig{
		MaxSessions:     cfg.Session.MaxSessions,
		IdleTimeout:     cfg.Session.IdleTimeout.Duration,
		QueueSize:       cfg.Session.QueueSize,
		KillGrace:       cfg.Session.KillGrace.Duration,
		CallTimeout:     cfg.Session.RPCTimeout.Duration,
		MaxMessageBytes: cfg.Session.MaxMessageBytes,
		DefaultWorkDir:  defaultWorkDir,
	}, session.ManagerDeps{
		Store:       db,
		Credentials: resolver,
		Policy:      policy.New(cfg.Hosted),
		Worktrees:   workspaces,
		Subprocess:  &session.ExecBackend{Path: acpCmd[0], Args: acpCmd[1:]},
		SDK:         session.NewClientStarter(sdkClient),
		// Children never inherit provider secrets from the gateway's own
		// environment; auth flows through the session create request.
		BaseEnv: config.SanitizedEnviron(),
		Logger:  logger,
	})

	validator, err := api.NewTokenValidator(context.Background(), cfg.Auth)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init auth: %w", err)
	}

	apiSrv := api.NewServer(sessions, db, vlt, workspaces, validator, cfg, logger)

	g := &Gateway{
		cfg:      cfg,
		store:    db,
		vault:    vlt,
		sessions: sessions,
		api:      apiSrv,
		logger:   logger.With("component", "gateway"),
	}
	g.startupWarnings()
	return g, nil
}

func (g *Gateway) startupWarnings() {
	if g.cfg.WeakAuthToken() {
		g.logger.Warn("auth token is weak or empty — generate one with 'switchboard init'")
	}
	for _, origin := range g.cfg.Server.AllowedOrigins {
		if origin == "*" {
			g.logger.Warn("CORS allowed_origins contains wildcard '*' — restrict to specific origins in production")
			break
		}
	}
	if !g.vault.Enabled() {
		g.logger.Info("credential vault disabled; stored-key auth unavailable")
	}
	if g.cfg.Backends.DiscoverBinaries == nil || *g.cfg.Backends.DiscoverBinaries {
		for bin, found := range api.DiscoverBackendBinaries() {
			if !found {
				g.logger.Warn("agent binary not found on PATH", "binary", bin)
			}
		}
	}
}

// Run starts the gateway HTTP server and blocks until the context is
// canceled or the server fails.
func (g *Gateway) Run(ctx context.Context) error {
	// Sessions left live by a previous process are gone; mark their rows
	// idle so resumable ones can be reattached.
	if n, err := g.sessions.MarkAllIdle(ctx); err != nil {
		g.logger.Warn("mark stale sessions idle failed", "error", err)
	} else if n > 0 {
		g.logger.Info("marked stale sessions idle", "count", n)
	}

	srv := &http.Server{
		Addr:    g.cfg.Server.Addr,
		Handler: g.api.Handler(),
	}

	g.api.StartBackgroundTasks(ctx)

	grp, ctx := errgroup.WithContext(ctx)

	grp.Go(func() error {
		g.logger.Info("gateway listening", "addr", g.cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	grp.Go(func() error {
		<-ctx.Done()
		g.logger.Info("shutting down gateway gracefully")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		g.sessions.CloseAll(shutdownCtx)
		if err := srv.Shutdown(shutdownCtx); err != nil {
			g.logger.Warn("graceful shutdown failed, forcing close", "error", err)
			_ = srv.Close()
		}
		return nil
	})

	if g.cfg.Storage.Retention.Duration > 0 {
		grp.Go(func() error {
			g.runRetentionPurger(ctx, g.cfg.Storage.Retention.Duration)
			return nil
		})
	}

	err := grp.Wait()
	g.logger.Info("closing store")
	_ = g.store.Close()
	g.logger.Info("shutdown complete")
	return err
}

func (g *Gateway) runRetentionPurger(ctx context.Context, retention time.Duration) {
	ticker := time.NewTicker(1 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-retention)
			if n, err := g.store.PurgeOldMessages(ctx, cutoff); err != nil {
				g.logger.Warn("retention purge: messages failed", "error", err)
			} else if n > 0 {
				g.logger.Info("retention purge: deleted old messages", "count", n)
			}
			if n, err := g.store.PurgeOldSessionEvents(ctx, cutoff); err != nil {
				g.logger.Warn("retention purge: session events failed", "error", err)
			} else if n > 0 {
				g.logger.Info("retention purge: deleted old session events", "count", n)
			}
		}
	}
}
