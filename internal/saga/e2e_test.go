package saga

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/marketplace-saga/internal/adapter/transport"
	"github.com/fairyhunter13/marketplace-saga/internal/domain"
	"github.com/fairyhunter13/marketplace-saga/internal/resilience"
	"github.com/fairyhunter13/marketplace-saga/internal/seller"
)

// The tests below run the full coordinator stack against real sellers over
// loopback TCP: orchestrator -> breaker/retry-guarded transport -> router,
// with each seller serving a live inventory and idempotency cache through a
// dealer connection.

func newLiveOrchestrator(t *testing.T, requestTimeout time.Duration, store domain.SagaStore) (*Orchestrator, *transport.Router) {
	t.Helper()
	router, err := transport.NewRouter("marketplace1", "127.0.0.1:0", requestTimeout)
	require.NoError(t, err)
	t.Cleanup(func() { _ = router.Close() })

	breakers := resilience.NewRegistry(resilience.BreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 3,
		OpenTimeout:      time.Minute,
	})
	retryer := resilience.NewRetryer(resilience.Policy{
		MaxAttempts: 3,
		BaseDelay:   5 * time.Millisecond,
		Multiplier:  2.0,
		MaxDelay:    50 * time.Millisecond,
	})
	guarded := resilience.NewGuardedTransport(router, breakers, retryer)
	return New("marketplace1", guarded, store, 2*time.Second, 10*time.Second, discardHandler()), router
}

func startLiveSeller(t *testing.T, ctx context.Context, router *transport.Router, sellerID string,
	stock map[string]int, wrap func(transport.RequestHandler) transport.RequestHandler) *seller.Inventory {
	t.Helper()
	inv := seller.NewInventory(sellerID, stock, time.Minute)
	idem := seller.NewIdempotencyCache(time.Minute)
	handler := transport.RequestHandler(seller.NewHandler(sellerID, inv, idem).HandleRaw)
	if wrap != nil {
		handler = wrap(handler)
	}
	dealer := transport.NewDealer(sellerID, router.Addr(), 20*time.Millisecond, handler)
	go func() { _ = dealer.Run(ctx) }()

	require.Eventually(t, func() bool {
		_, ok := router.Peers()[sellerID]
		return ok
	}, 2*time.Second, 10*time.Millisecond, "seller %s must register with the router", sellerID)
	return inv
}

func TestEndToEndHappyPath(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store := newMemStore()
	o, router := newLiveOrchestrator(t, time.Second, store)
	inv1 := startLiveSeller(t, ctx, router, "seller1", map[string]int{"P1": 10}, nil)
	inv2 := startLiveSeller(t, ctx, router, "seller2", map[string]int{"P2": 10}, nil)

	order := domain.NewOrder("O1", "C1", "marketplace1", []domain.OrderItem{
		{ProductID: "P1", Quantity: 5, SellerID: "seller1"},
		{ProductID: "P2", Quantity: 3, SellerID: "seller2"},
	})
	status, err := o.Execute(context.Background(), order)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderCompleted, status)

	assert.Equal(t, 5, inv1.Available("P1"))
	assert.Equal(t, 7, inv2.Available("P2"))
	assert.Equal(t, 1, inv1.Reservations().Confirmed)
	assert.Equal(t, 1, inv2.Reservations().Confirmed)
	assert.Equal(t, 0, store.count(), "completed saga leaves no durable record")
}

func TestEndToEndPartialReserveFailureRollsBack(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store := newMemStore()
	o, router := newLiveOrchestrator(t, time.Second, store)
	inv1 := startLiveSeller(t, ctx, router, "seller1", map[string]int{"P1": 10}, nil)
	inv3 := startLiveSeller(t, ctx, router, "seller3", map[string]int{"P3": 10}, nil)

	order := domain.NewOrder("O2", "C1", "marketplace1", []domain.OrderItem{
		{ProductID: "P1", Quantity: 5, SellerID: "seller1"},
		{ProductID: "P3", Quantity: 20, SellerID: "seller3"},
	})
	status, err := o.Execute(context.Background(), order)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrOutOfStock)
	assert.Equal(t, domain.OrderCancelled, status)

	assert.Equal(t, 10, inv1.Available("P1"), "seller1's reservation is cancelled and restored")
	assert.Equal(t, 10, inv3.Available("P3"))
	assert.Equal(t, 0, inv1.Reservations().Confirmed)
	assert.Equal(t, 0, inv3.Reservations().Confirmed)
	assert.Equal(t, 0, store.count(), "compensated saga leaves no durable record")
}

// dropFirstReserveResponse swallows the seller's first RESERVE response after
// the handler has run, so the reservation exists but the coordinator never
// sees the reply and must retry.
func dropFirstReserveResponse(next transport.RequestHandler) transport.RequestHandler {
	var dropped atomic.Bool
	return func(ctx context.Context, payload []byte) []byte {
		resp := next(ctx, payload)
		if resp == nil {
			return nil
		}
		req, err := domain.DecodeMessage(payload)
		if err == nil && req.Type == domain.MessageReserve && dropped.CompareAndSwap(false, true) {
			return nil
		}
		return resp
	}
}

func TestEndToEndRetryAbsorbsLostResponse(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store := newMemStore()
	// Short request timeout so the lost response turns into a retry quickly.
	o, router := newLiveOrchestrator(t, 100*time.Millisecond, store)
	inv := startLiveSeller(t, ctx, router, "seller2", map[string]int{"P2": 10}, dropFirstReserveResponse)

	order := domain.NewOrder("O4", "C1", "marketplace1", []domain.OrderItem{
		{ProductID: "P2", Quantity: 1, SellerID: "seller2"},
	})
	status, err := o.Execute(context.Background(), order)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderCompleted, status)

	// The retried RESERVE carried the same message ID, so the seller replayed
	// the cached response instead of reserving a second time.
	assert.Equal(t, 9, inv.Available("P2"), "exactly one unit reserved despite the retry")
	st := inv.Reservations()
	assert.Equal(t, 1, st.Confirmed)
	assert.Equal(t, 0, st.Active, "no orphaned second reservation")
	assert.Equal(t, 0, store.count())
}
