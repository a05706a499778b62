package app

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/marketplace-saga/internal/resilience"
	"github.com/fairyhunter13/marketplace-saga/internal/seller"
)

func TestCoordinatorHealthz(t *testing.T) {
	mux := NewCoordinatorMux(func() CoordinatorStats { return CoordinatorStats{} })
	srv := httptest.NewServer(mux)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
}

func TestCoordinatorStatz(t *testing.T) {
	mux := NewCoordinatorMux(func() CoordinatorStats {
		return CoordinatorStats{
			MarketplaceID:   "marketplace1",
			ActiveSagas:     3,
			PendingRequests: 1,
			Peers:           map[string]time.Time{"seller1": time.Now()},
			Breakers: []resilience.BreakerStats{
				{Peer: "seller1", State: "closed"},
			},
		}
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/statz")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var stats CoordinatorStats
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	assert.Equal(t, "marketplace1", stats.MarketplaceID)
	assert.Equal(t, 3, stats.ActiveSagas)
	require.Len(t, stats.Breakers, 1)
	assert.Equal(t, "closed", stats.Breakers[0].State)
	assert.Contains(t, stats.Peers, "seller1")
}

func TestSellerStatz(t *testing.T) {
	mux := NewSellerMux(func() SellerStats {
		return SellerStats{
			SellerID:     "seller1",
			Stock:        map[string]int{"P1": 10},
			Reservations: seller.ReservationStats{Active: 2},
			Idempotency:  5,
		}
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/statz")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var stats SellerStats
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	assert.Equal(t, "seller1", stats.SellerID)
	assert.Equal(t, 10, stats.Stock["P1"])
	assert.Equal(t, 2, stats.Reservations.Active)
	assert.Equal(t, 5, stats.Idempotency)
}

func TestMetricsEndpointServes(t *testing.T) {
	mux := NewCoordinatorMux(func() CoordinatorStats { return CoordinatorStats{} })
	srv := httptest.NewServer(mux)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
