// Command coordinator runs the marketplace saga coordinator: the router
// front-end for seller connections, the saga orchestrator with durable state
// and crash recovery, the order pipeline and the ops HTTP surface.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/fairyhunter13/marketplace-saga/internal/adapter/statestore"
	"github.com/fairyhunter13/marketplace-saga/internal/adapter/transport"
	"github.com/fairyhunter13/marketplace-saga/internal/app"
	"github.com/fairyhunter13/marketplace-saga/internal/config"
	"github.com/fairyhunter13/marketplace-saga/internal/observability"
	"github.com/fairyhunter13/marketplace-saga/internal/pipeline"
	"github.com/fairyhunter13/marketplace-saga/internal/resilience"
	"github.com/fairyhunter13/marketplace-saga/internal/saga"
)

func main() {
	if err := run(); err != nil {
		slog.Error("coordinator failed", slog.Any("error", err))
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := observability.SetupLogger(cfg, "coordinator")
	slog.SetDefault(logger)
	observability.InitMetrics()

	store, err := statestore.New(cfg.SagaStateDir, cfg.PersistInterval)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	router, err := transport.NewRouter(cfg.MarketplaceID, fmt.Sprintf(":%d", cfg.RouterPort), cfg.RequestTimeout)
	if err != nil {
		return err
	}
	defer func() { _ = router.Close() }()

	breakers := resilience.NewRegistry(resilience.BreakerConfig{
		FailureThreshold: int32(cfg.BreakerFailureThreshold),
		SuccessThreshold: int32(cfg.BreakerSuccessThreshold),
		OpenTimeout:      cfg.BreakerOpenTimeout,
	})
	retryer := resilience.NewRetryer(resilience.Policy{
		MaxAttempts: cfg.RetryMaxAttempts,
		BaseDelay:   cfg.RetryBaseDelay,
		Multiplier:  cfg.RetryMultiplier,
		MaxDelay:    cfg.RetryMaxDelay,
	})
	guarded := resilience.NewGuardedTransport(router, breakers, retryer)

	orch := saga.New(cfg.MarketplaceID, guarded, store, cfg.PhaseTimeout, cfg.SagaTimeout, logger.Handler())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Sagas interrupted by a previous crash are driven to compensation before
	// new orders flow.
	orch.Recover(ctx)

	ops := app.Serve(cfg.OpsPort, app.NewCoordinatorMux(func() app.CoordinatorStats {
		return app.CoordinatorStats{
			MarketplaceID:   cfg.MarketplaceID,
			ActiveSagas:     orch.ActiveCount(),
			PendingRequests: router.PendingCount(),
			Peers:           router.Peers(),
			Breakers:        breakers.Stats(),
		}
	}))

	// Sagas run on their own context so a shutdown signal stops intake first
	// and in-flight orders get the grace period to finish cleanly.
	sagaCtx, cancelSagas := context.WithCancel(context.Background())
	defer cancelSagas()

	pipe := pipeline.New(sagaCtx, orch, cfg.SagaWorkers)
	go func() {
		for range pipe.Outcomes() {
			// Outcomes are already logged and counted by the pipeline and the
			// orchestrator metrics; the drain keeps the channel moving.
		}
	}()

	gen := pipeline.NewGenerator(cfg.MarketplaceID, cfg.Sellers, cfg.SellerProducts)
	go gen.Run(ctx, pipe, cfg.OrderDelay)

	slog.Info("coordinator running",
		slog.String("marketplace_id", cfg.MarketplaceID),
		slog.Int("router_port", cfg.RouterPort),
		slog.Int("ops_port", cfg.OpsPort),
		slog.Int("saga_workers", cfg.SagaWorkers))

	<-ctx.Done()
	slog.Info("shutting down", slog.Duration("grace", cfg.ShutdownGrace))

	pipe.Drain(cfg.ShutdownGrace, cancelSagas)

	if ops != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
		defer cancel()
		if err := ops.Shutdown(shutdownCtx); err != nil {
			slog.Warn("ops server shutdown failed", slog.Any("error", err))
		}
	}
	return nil
}
