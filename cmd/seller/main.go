// Command seller runs one seller participant: the inventory with reservation
// expiry, the idempotency cache, the protocol handler and the dealer
// connection toward the coordinator.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fairyhunter13/marketplace-saga/internal/adapter/transport"
	"github.com/fairyhunter13/marketplace-saga/internal/app"
	"github.com/fairyhunter13/marketplace-saga/internal/config"
	"github.com/fairyhunter13/marketplace-saga/internal/observability"
	"github.com/fairyhunter13/marketplace-saga/internal/seller"
)

func main() {
	if err := run(); err != nil {
		slog.Error("seller failed", slog.Any("error", err))
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := observability.SetupLogger(cfg, "seller")
	slog.SetDefault(logger.With(slog.String("seller_id", cfg.SellerID)))
	observability.InitMetrics()

	stock := make(map[string]int, len(cfg.SellerProducts))
	for _, p := range cfg.SellerProducts {
		stock[p] = cfg.SellerInventorySize
	}
	inv := seller.NewInventory(cfg.SellerID, stock, cfg.ReservationTimeout)
	idem := seller.NewIdempotencyCache(cfg.IdempotencyRetention)
	handler := seller.NewHandler(cfg.SellerID, inv, idem)

	done := make(chan struct{})
	defer close(done)
	go inv.RunSweeper(done, cfg.CleanupInterval)
	go idem.RunSweeper(done, cfg.CleanupInterval)

	ops := app.Serve(cfg.OpsPort, app.NewSellerMux(func() app.SellerStats {
		return app.SellerStats{
			SellerID:     cfg.SellerID,
			Stock:        inv.Status(),
			Reservations: inv.Reservations(),
			Idempotency:  idem.Len(),
		}
	}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("seller running",
		slog.String("coordinator_addr", cfg.CoordinatorAddr),
		slog.Any("products", cfg.SellerProducts),
		slog.Int("stock_per_product", cfg.SellerInventorySize))

	// Periodic status line for operators tailing the log.
	go func() {
		ticker := time.NewTicker(cfg.CleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				st := inv.Reservations()
				slog.Info("seller status",
					slog.Any("stock", inv.Status()),
					slog.Int("reservations_active", st.Active),
					slog.Int("reservations_confirmed", st.Confirmed),
					slog.Int("idempotency_entries", idem.Len()))
			}
		}
	}()

	dealer := transport.NewDealer(cfg.SellerID, cfg.CoordinatorAddr, cfg.HeartbeatInterval, handler.HandleRaw)
	err = dealer.Run(ctx)

	if ops != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
		defer cancel()
		if serr := ops.Shutdown(shutdownCtx); serr != nil {
			slog.Warn("ops server shutdown failed", slog.Any("error", serr))
		}
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
