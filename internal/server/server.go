// Package server assembles the SSO service from its stores and runs it.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rcourtman/pulse-sso/internal/api"
	"github.com/rcourtman/pulse-sso/internal/config"
	"github.com/rcourtman/pulse-sso/internal/crypto"
	"github.com/rcourtman/pulse-sso/internal/logging"
	"github.com/rcourtman/pulse-sso/internal/metrics"
	"github.com/rcourtman/pulse-sso/internal/notifications"
	"github.com/rcourtman/pulse-sso/internal/orgs"
	"github.com/rcourtman/pulse-sso/internal/rbac"
	"github.com/rcourtman/pulse-sso/internal/sso"
	"github.com/rcourtman/pulse-sso/internal/workflow"
	"github.com/rcourtman/pulse-sso/pkg/audit"
	"github.com/rcourtman/pulse-sso/pkg/licensing"
	"github.com/rcourtman/pulse-sso/pkg/tlsutil"
)

const dnsRefreshInterval = 5 * time.Minute

// Components holds the opened stores and services. Close releases them.
type Components struct {
	Config       *config.Config
	Crypto       *crypto.CryptoManager
	SSOStore     *sso.SQLiteStore
	Members      *orgs.Registry
	AuditLog     *audit.SQLiteLogger
	BillingStore *config.FileBillingStore

	// Billing is nil when billing is disabled.
	Billing      *licensing.BillingSource
	Entitlements licensing.EntitlementSource
	Authorizer   *rbac.Authorizer
	Workflow     *workflow.Workflow
}

// Open creates the data directory and opens every store under it.
func Open(cfg *config.Config) (*Components, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	c := &Components{Config: cfg}
	ok := false
	defer func() {
		if !ok {
			c.Close()
		}
	}()

	cm, err := crypto.NewCryptoManager(cfg.EncryptionKey, cfg.KeyPath())
	if err != nil {
		return nil, fmt.Errorf("init crypto: %w", err)
	}
	c.Crypto = cm

	if c.SSOStore, err = sso.NewSQLiteStore(cfg.SSODBPath(), cm); err != nil {
		return nil, fmt.Errorf("open sso store: %w", err)
	}
	if c.Members, err = orgs.NewRegistry(cfg.OrgsDBPath()); err != nil {
		return nil, fmt.Errorf("open org registry: %w", err)
	}
	if c.AuditLog, err = audit.NewSQLiteLogger(audit.SQLiteLoggerConfig{
		DBPath:    cfg.AuditDBPath(),
		CryptoMgr: cm,
	}); err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	audit.SetLogger(c.AuditLog)

	c.BillingStore = config.NewFileBillingStore(cfg.DataDir)
	if cfg.BillingEnabled {
		c.Billing = licensing.NewBillingSource(c.BillingStore, cfg.EntitlementCacheTTL,
			licensing.WithFallbackHook(func(orgID string, reason licensing.FallbackReason, err error) {
				metrics.RecordEntitlementFallback(string(reason))
				log.Warn().Err(err).
					Str("org_id", orgID).
					Str("reason", string(reason)).
					Msg("Entitlement lookup fell back to defaults")
			}))
		c.Entitlements = c.Billing
	} else {
		c.Entitlements = licensing.OnPremSource{}
	}

	provider, err := sso.ParseProvider(cfg.DefaultAuthProvider)
	if err != nil {
		return nil, fmt.Errorf("default auth provider: %w", err)
	}

	c.Authorizer = rbac.NewAuthorizer(c.Members)
	c.Workflow = workflow.New(c.Entitlements, c.SSOStore, c.Authorizer,
		workflow.WithAuditLogger(c.AuditLog),
		workflow.WithNotifier(notifications.LogNotifier{}),
		workflow.WithDefaultProvider(provider),
	)

	ok = true
	return c, nil
}

// Close releases every opened store. Safe on a partially opened value.
func (c *Components) Close() {
	if c.AuditLog != nil {
		if err := c.AuditLog.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close audit log")
		}
	}
	if c.Members != nil {
		if err := c.Members.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close org registry")
		}
	}
	if c.SSOStore != nil {
		if err := c.SSOStore.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close sso store")
		}
	}
}

// onBillingChange drops cached entitlements for orgID.
func (c *Components) onBillingChange(orgID string) {
	if c.Billing == nil {
		return
	}
	c.Billing.Invalidate(orgID)
	metrics.RecordBillingReload()
	log.Info().Str("org_id", orgID).Msg("Billing state changed, entitlements reloaded")
}

// onBillingReset drops every cached snapshot.
func (c *Components) onBillingReset() {
	if c.Billing == nil {
		return
	}
	c.Billing.InvalidateAll()
	metrics.RecordBillingReload()
	log.Info().Msg("Billing state rescanned, all entitlements reloaded")
}

// Run starts the SSO HTTP server with graceful shutdown.
func Run(ctx context.Context, version string) error {
	logging.Init(logging.Config{
		Format:    "auto",
		Level:     "info",
		Component: "pulse-sso",
	})

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "pulse-sso",
	})
	log.Info().Str("version", version).Msg("Starting Pulse SSO service")

	c, err := Open(cfg)
	if err != nil {
		return err
	}
	defer c.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if c.Billing != nil && cfg.WatchBilling {
		watcher, err := config.NewBillingWatcher(c.BillingStore, c.onBillingChange)
		if err != nil {
			log.Warn().Err(err).Msg("Billing watcher unavailable, relying on cache expiry")
		} else if err := watcher.OnReset(c.onBillingReset).Start(); err != nil {
			log.Warn().Err(err).Msg("Failed to start billing watcher")
		} else {
			defer watcher.Stop()
		}
	}

	tlsutil.StartDNSRefresh(ctx, dnsRefreshInterval)

	fetcher := sso.NewMetadataFetcher(cfg.MetadataFetchTimeout, cfg.MetadataAllowInsecure).
		AllowHosts(cfg.MetadataAllowedHosts...)

	mux := http.NewServeMux()
	api.RegisterRoutes(mux, &api.Deps{
		AdminKey:        cfg.AdminKey,
		RateLimit:       cfg.RateLimitPerMinute,
		Workflow:        c.Workflow,
		Entitlements:    c.Entitlements,
		Authorizer:      c.Authorizer,
		BillingStore:    c.BillingStore,
		Members:         c.Members,
		Metadata:        fetcher,
		AuditLog:        c.AuditLog,
		OnBillingChange: c.onBillingChange,
		Ready:           []api.Pinger{c.SSOStore, c.Members},
	})

	addr := cfg.ListenAddr()
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("SSO service listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	var serveErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("Context cancelled, shutting down...")
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("Received signal, shutting down...")
	case serveErr = <-errCh:
		log.Error().Err(serveErr).Msg("Server failed")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server shutdown error")
	}

	cancel()
	log.Info().Msg("SSO service stopped")
	return serveErr
}
