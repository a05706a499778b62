// Package app hosts the operational HTTP surface of the coordinator and the
// seller: health, runtime stats and Prometheus metrics.
package app

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fairyhunter13/marketplace-saga/internal/resilience"
	"github.com/fairyhunter13/marketplace-saga/internal/seller"
)

// CoordinatorStats is the aggregate reported by the coordinator's /statz.
type CoordinatorStats struct {
	MarketplaceID   string                    `json:"marketplaceId"`
	ActiveSagas     int                       `json:"activeSagas"`
	PendingRequests int                       `json:"pendingRequests"`
	Peers           map[string]time.Time      `json:"peers"`
	Breakers        []resilience.BreakerStats `json:"breakers"`
}

// CoordinatorStatsFunc assembles a stats snapshot on demand.
type CoordinatorStatsFunc func() CoordinatorStats

// NewCoordinatorMux builds the coordinator ops router.
func NewCoordinatorMux(stats CoordinatorStatsFunc) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", handleHealthz)
	r.Get("/statz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, stats())
	})
	r.Handle("/metrics", promhttp.Handler())
	return r
}

// SellerStats is the aggregate reported by the seller's /statz.
type SellerStats struct {
	SellerID     string                  `json:"sellerId"`
	Stock        map[string]int          `json:"stock"`
	Reservations seller.ReservationStats `json:"reservations"`
	Idempotency  int                     `json:"idempotencyEntries"`
}

// SellerStatsFunc assembles a seller stats snapshot on demand.
type SellerStatsFunc func() SellerStats

// NewSellerMux builds the seller ops router.
func NewSellerMux(stats SellerStatsFunc) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", handleHealthz)
	r.Get("/statz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, stats())
	})
	r.Handle("/metrics", promhttp.Handler())
	return r
}

// Serve runs the ops server until it fails or is shut down via the returned
// server's Shutdown. A port of 0 disables the surface and returns nil.
func Serve(port int, handler http.Handler) *http.Server {
	if port <= 0 {
		slog.Info("ops server disabled")
		return nil
	}
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("ops server failed", slog.Any("error", err))
		}
	}()
	slog.Info("ops server listening", slog.String("addr", srv.Addr))
	return srv
}

func handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response failed", slog.Any("error", err))
	}
}
