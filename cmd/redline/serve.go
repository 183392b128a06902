package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/redlineai/redline/pkg/auth"
	"github.com/redlineai/redline/pkg/blob"
	"github.com/redlineai/redline/pkg/config"
	"github.com/redlineai/redline/pkg/domain"
	"github.com/redlineai/redline/pkg/events"
	"github.com/redlineai/redline/pkg/llms"
	"github.com/redlineai/redline/pkg/observability"
	"github.com/redlineai/redline/pkg/quota"
	"github.com/redlineai/redline/pkg/review"
	"github.com/redlineai/redline/pkg/server"
	"github.com/redlineai/redline/pkg/session"
	"github.com/redlineai/redline/pkg/skill"
	"github.com/redlineai/redline/pkg/workflow"
)

// ServeCmd starts the review server.
type ServeCmd struct {
	Listen string `help:"Listen address (overrides LISTEN_ADDR)." placeholder:"ADDR"`
}

func (c *ServeCmd) Run(cli *CLI) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := config.LoadEnvFiles(); err != nil {
		return err
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if c.Listen != "" {
		cfg.ListenAddr = c.Listen
	}

	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)

	provider, err := llms.NewFromConfig(cfg.Providers, metrics)
	if err != nil {
		return err
	}

	store, gate, closeBackends, err := openBackends(cfg)
	if err != nil {
		return err
	}
	defer closeBackends()

	blobs, err := blob.NewStore(cfg.BlobDir)
	if err != nil {
		return err
	}

	bus := events.NewBus(cfg.EventBufferSize, metrics)
	runner := review.NewRunner(store, gate, bus, metrics,
		review.WithIdleTimeout(cfg.SessionIdleTimeout))
	defer runner.Stop()

	domains := domain.NewRegistry()
	if err := domain.RegisterBuiltins(domains); err != nil {
		return err
	}

	// The catalog registry serves skill introspection; graphs get their
	// own registries bound to the task's document.
	catalog := skill.NewRegistry()
	if err := skill.RegisterBuiltins(catalog, &skill.DocumentContext{}); err != nil {
		return err
	}

	opts := []server.Option{server.WithMaxUploadBytes(cfg.MaxUploadBytes)}
	if cfg.Auth.JWKSURL != "" {
		validator, err := auth.NewValidator(cfg.Auth.JWKSURL, cfg.Auth.Issuer, cfg.Auth.Audience)
		if err != nil {
			return fmt.Errorf("configure auth: %w", err)
		}
		opts = append(opts, server.WithAuthValidator(validator))
	} else {
		slog.Warn("Auth disabled; trusting X-User-ID header (dev mode)")
	}
	if cfg.WorkflowURL != "" {
		opts = append(opts, server.WithWorkflowRunner(workflow.NewClient(cfg.WorkflowURL)))
	}

	srv := server.New(provider, domains, catalog, runner, store, gate, bus, blobs, metrics, opts...)

	// Suspended reviews survive restarts in the session store; clients
	// rehydrate them on demand.
	if active, err := store.ListActive(ctx); err != nil {
		slog.Warn("Startup recovery scan failed", "error", err)
	} else if len(active) > 0 {
		slog.Info("Found resumable review sessions", "count", len(active))
	}

	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("Review server listening", "addr", cfg.ListenAddr, "provider", provider.Name())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// openBackends selects the session store and quota gate per config. SQL
// backends share one connection pool.
func openBackends(cfg *config.Config) (session.Store, quota.Gate, func(), error) {
	if cfg.Store.Backend == "memory" {
		var gate quota.Gate = quota.Disabled{}
		if cfg.BillingEnabled {
			gate = quota.NewMemoryGate()
		}
		return session.NewMemoryStore(), gate, func() {}, nil
	}

	store, err := session.NewSQLStore(cfg.Store.Backend, cfg.Store.DSN)
	if err != nil {
		return nil, nil, nil, err
	}

	var gate quota.Gate = quota.Disabled{}
	if cfg.BillingEnabled {
		gate, err = quota.NewSQLGate(store.DB(), cfg.Store.Backend)
		if err != nil {
			store.Close()
			return nil, nil, nil, err
		}
	}

	closer := func() {
		gate.Close()
		if err := store.Close(); err != nil {
			slog.Warn("Session store close failed", "error", err)
		}
	}
	return store, gate, closer, nil
}
