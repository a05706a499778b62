package saga

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/marketplace-saga/internal/domain"
)

// memStore is an in-memory SagaStore for orchestrator tests.
type memStore struct {
	mu    sync.Mutex
	snaps map[string]domain.SagaSnapshot
}

func newMemStore() *memStore {
	return &memStore{snaps: make(map[string]domain.SagaSnapshot)}
}

func (m *memStore) Save(snap domain.SagaSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snaps[snap.SagaID] = snap
	return nil
}

func (m *memStore) Remove(sagaID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.snaps, sagaID)
	return nil
}

func (m *memStore) List() []domain.SagaSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.SagaSnapshot, 0, len(m.snaps))
	for _, s := range m.snaps {
		out = append(out, s)
	}
	return out
}

func (m *memStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.snaps)
}

// fakeSeller scripts one peer's behavior per message type via error reasons;
// an empty reason means success.
type fakeSeller struct {
	reserveReason string
	confirmReason string
	cancelReason  string
}

type fakeTransport struct {
	mu      sync.Mutex
	sellers map[string]*fakeSeller
	seq     int
	cancels []string // reservation IDs cancelled, in order
	log     []string
}

func newFakeTransport(sellers map[string]*fakeSeller) *fakeTransport {
	return &fakeTransport{sellers: sellers}
}

func (f *fakeTransport) Request(_ context.Context, peerID string, msg *domain.Message) (domain.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sellers[peerID]
	if !ok {
		return domain.Message{}, fmt.Errorf("peer %s not connected: %w", peerID, domain.ErrSendFailure)
	}
	f.log = append(f.log, string(msg.Type)+" "+peerID)

	respond := func(reason string, data domain.MessageData) domain.Message {
		if reason != "" {
			return domain.NewMessage(domain.MessageError, peerID, domain.MessageData{Reason: reason})
		}
		return domain.NewMessage(domain.MessageSuccess, peerID, data)
	}

	switch msg.Type {
	case domain.MessageReserve:
		if s.reserveReason != "" {
			return respond(s.reserveReason, domain.MessageData{}), nil
		}
		f.seq++
		return respond("", domain.MessageData{
			ProductID:     msg.Data.ProductID,
			Quantity:      msg.Data.Quantity,
			ReservationID: fmt.Sprintf("%s-R%d", peerID, f.seq),
			OrderID:       msg.Data.OrderID,
		}), nil
	case domain.MessageConfirm:
		return respond(s.confirmReason, domain.MessageData{ReservationID: msg.Data.ReservationID}), nil
	case domain.MessageCancel:
		if s.cancelReason == "" {
			f.cancels = append(f.cancels, msg.Data.ReservationID)
		}
		return respond(s.cancelReason, domain.MessageData{ReservationID: msg.Data.ReservationID}), nil
	default:
		return respond(domain.ReasonUnknownType, domain.MessageData{}), nil
	}
}

func (f *fakeTransport) cancelled() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.cancels))
	copy(out, f.cancels)
	return out
}

func (f *fakeTransport) sent(entry string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.log {
		if e == entry {
			n++
		}
	}
	return n
}

func discardHandler() slog.Handler {
	return slog.NewTextHandler(io.Discard, nil)
}

func twoItemOrder() *domain.Order {
	return domain.NewOrder("O1", "C1", "marketplace1", []domain.OrderItem{
		{ProductID: "P1", Quantity: 2, SellerID: "seller1"},
		{ProductID: "P2", Quantity: 1, SellerID: "seller2"},
	})
}

func newTestOrchestrator(transport domain.Transport, store domain.SagaStore) *Orchestrator {
	return New("marketplace1", transport, store, time.Second, 5*time.Second, discardHandler())
}

func TestExecuteHappyPath(t *testing.T) {
	ft := newFakeTransport(map[string]*fakeSeller{
		"seller1": {},
		"seller2": {},
	})
	store := newMemStore()
	o := newTestOrchestrator(ft, store)

	order := twoItemOrder()
	status, err := o.Execute(context.Background(), order)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderCompleted, status)
	assert.Equal(t, domain.OrderCompleted, order.Status())

	assert.Equal(t, 1, ft.sent("RESERVE seller1"))
	assert.Equal(t, 1, ft.sent("RESERVE seller2"))
	assert.Equal(t, 1, ft.sent("CONFIRM seller1"))
	assert.Equal(t, 1, ft.sent("CONFIRM seller2"))
	assert.Empty(t, ft.cancelled())

	assert.Equal(t, 0, store.count(), "completed saga record is removed")
	assert.Equal(t, 0, o.ActiveCount())
}

func TestExecutePartialReserveFailureCompensates(t *testing.T) {
	ft := newFakeTransport(map[string]*fakeSeller{
		"seller1": {},
		"seller2": {reserveReason: domain.ReasonOutOfStock},
	})
	store := newMemStore()
	o := newTestOrchestrator(ft, store)

	order := twoItemOrder()
	status, err := o.Execute(context.Background(), order)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrOutOfStock))
	assert.Equal(t, domain.OrderCancelled, status)
	assert.Equal(t, domain.OrderCancelled, order.Status())

	// Only seller1's observed reservation gets cancelled; seller2 never held one.
	require.Len(t, ft.cancelled(), 1)
	assert.Equal(t, 0, ft.sent("CONFIRM seller1"))
	assert.Equal(t, 0, ft.sent("CANCEL seller2"))
	assert.Equal(t, 0, store.count(), "compensated saga record is removed")
}

func TestExecuteConfirmFailureCompensatesEverything(t *testing.T) {
	ft := newFakeTransport(map[string]*fakeSeller{
		"seller1": {},
		"seller2": {confirmReason: domain.ReasonReservationExpired},
	})
	store := newMemStore()
	o := newTestOrchestrator(ft, store)

	order := twoItemOrder()
	status, err := o.Execute(context.Background(), order)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrReservationExpired))
	assert.Equal(t, domain.OrderCancelled, status)

	// Any confirm failure rolls back every reservation, confirmed or not.
	assert.Len(t, ft.cancelled(), 2)
	assert.Equal(t, 0, store.count())
}

func TestExecuteAllReservesFail(t *testing.T) {
	ft := newFakeTransport(map[string]*fakeSeller{
		"seller1": {reserveReason: domain.ReasonOutOfStock},
		"seller2": {reserveReason: domain.ReasonOutOfStock},
	})
	store := newMemStore()
	o := newTestOrchestrator(ft, store)

	status, err := o.Execute(context.Background(), twoItemOrder())
	require.Error(t, err)
	assert.Equal(t, domain.OrderCancelled, status)
	assert.Empty(t, ft.cancelled(), "no reservation was observed, nothing to undo")
	assert.Equal(t, 0, store.count())
}

func TestExecuteCompensationFailureStillFinishesSweep(t *testing.T) {
	ft := newFakeTransport(map[string]*fakeSeller{
		"seller1": {cancelReason: domain.ReasonUnknownReservation},
		"seller2": {confirmReason: domain.ReasonAlreadyConfirmed},
	})
	store := newMemStore()
	o := newTestOrchestrator(ft, store)

	status, err := o.Execute(context.Background(), twoItemOrder())
	require.Error(t, err)
	assert.Equal(t, domain.OrderCancelled, status)

	// seller1's cancel failed but the sweep still ran every action and the
	// saga reached its terminal state.
	assert.Equal(t, 1, ft.sent("CANCEL seller1"))
	assert.Equal(t, 1, ft.sent("CANCEL seller2"))
	assert.Equal(t, 0, store.count())
}

// blockingTransport parks every request until its context is done.
type blockingTransport struct{}

func (blockingTransport) Request(ctx context.Context, _ string, _ *domain.Message) (domain.Message, error) {
	<-ctx.Done()
	return domain.Message{}, ctx.Err()
}

func TestExecuteSagaTimeoutFailsOrder(t *testing.T) {
	store := newMemStore()
	// Phase timeout above the saga timeout so the saga deadline fires first.
	o := New("marketplace1", blockingTransport{}, store, time.Second, 50*time.Millisecond, discardHandler())

	order := twoItemOrder()
	status, err := o.Execute(context.Background(), order)
	require.Error(t, err)
	assert.Equal(t, domain.OrderFailed, status)
	assert.Equal(t, domain.OrderFailed, order.Status())
}

func TestRecoverCompensatesInterruptedSagas(t *testing.T) {
	ft := newFakeTransport(map[string]*fakeSeller{
		"seller1": {},
		"seller2": {},
	})
	store := newMemStore()
	require.NoError(t, store.Save(domain.SagaSnapshot{
		SagaID:  "S-crashed",
		OrderID: "O1",
		State:   domain.SagaReserving,
		Compensations: []domain.CompensationAction{
			{Kind: domain.CompensationCancelReservation, SellerID: "seller1", ReservationID: "seller1-R1"},
			{Kind: domain.CompensationCancelReservation, SellerID: "seller2", ReservationID: "seller2-R2"},
		},
		Reservations: map[string]string{"seller1": "seller1-R1", "seller2": "seller2-R2"},
		CreatedAt:    time.Now(),
	}))

	o := newTestOrchestrator(ft, store)
	o.Recover(context.Background())

	// Undone in reverse insertion order.
	assert.Equal(t, []string{"seller2-R2", "seller1-R1"}, ft.cancelled())
	assert.Equal(t, 0, store.count())
}

func TestRecoverDropsTerminalAndEmptySnapshots(t *testing.T) {
	ft := newFakeTransport(map[string]*fakeSeller{"seller1": {}})
	store := newMemStore()
	require.NoError(t, store.Save(domain.SagaSnapshot{
		SagaID: "S-done", OrderID: "O1", State: domain.SagaCompleted,
	}))
	require.NoError(t, store.Save(domain.SagaSnapshot{
		SagaID: "S-empty", OrderID: "O2", State: domain.SagaStarted,
	}))

	o := newTestOrchestrator(ft, store)
	o.Recover(context.Background())

	assert.Equal(t, 0, store.count())
	assert.Empty(t, ft.cancelled(), "neither snapshot owed any compensation")
}
