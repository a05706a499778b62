package saga

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/errgroup"

	"github.com/fairyhunter13/marketplace-saga/internal/domain"
	"github.com/fairyhunter13/marketplace-saga/internal/observability"
)

var sagaEntropy = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0) //nolint:gosec // ULID entropy only
var sagaEntropyMu sync.Mutex

func newSagaID() string {
	sagaEntropyMu.Lock()
	defer sagaEntropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), sagaEntropy).String()
}

// Orchestrator executes sagas: reserve all line items, confirm all
// reservations, and on any failure run the recorded compensations in reverse
// insertion order. Progress is checkpointed through the state store on every
// transition and every observed reservation.
type Orchestrator struct {
	marketplaceID string
	transport     domain.Transport
	store         domain.SagaStore
	logHandler    slog.Handler

	phaseTimeout time.Duration
	sagaTimeout  time.Duration

	active sync.Map // saga ID -> *Instance
}

// New builds an orchestrator. transport is expected to already carry the
// breaker and retry wrappers.
func New(marketplaceID string, transport domain.Transport, store domain.SagaStore,
	phaseTimeout, sagaTimeout time.Duration, logHandler slog.Handler) *Orchestrator {
	return &Orchestrator{
		marketplaceID: marketplaceID,
		transport:     transport,
		store:         store,
		logHandler:    logHandler,
		phaseTimeout:  phaseTimeout,
		sagaTimeout:   sagaTimeout,
	}
}

// ActiveCount returns the number of sagas currently in flight.
func (o *Orchestrator) ActiveCount() int {
	n := 0
	o.active.Range(func(_, _ any) bool { n++; return true })
	return n
}

// Execute drives one order to a terminal status and returns it. The saga
// timeout bounds the reserve and confirm phases; compensation still runs
// after it fires, and a timed-out order ends FAILED instead of CANCELLED.
func (o *Orchestrator) Execute(ctx context.Context, order *domain.Order) (domain.OrderStatus, error) {
	start := time.Now()
	saga, err := newInstance(newSagaID(), order, domain.SagaStarted, o.logHandler)
	if err != nil {
		order.SetStatus(domain.OrderFailed)
		return domain.OrderFailed, err
	}

	o.active.Store(saga.ID, saga)
	observability.SagasActive.Inc()
	defer func() {
		o.active.Delete(saga.ID)
		observability.SagasActive.Dec()
		outcome := string(order.Status())
		observability.OrdersTotal.WithLabelValues(outcome).Inc()
		observability.SagaDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
	}()

	o.checkpoint(saga)

	sctx, cancel := context.WithTimeout(ctx, o.sagaTimeout)
	defer cancel()

	err = o.run(sctx, saga)
	if err == nil {
		return domain.OrderCompleted, nil
	}

	slog.Warn("saga failed, compensating",
		slog.String("saga_id", saga.ID),
		slog.String("order_id", order.ID),
		slog.Any("error", err))

	// Compensation proceeds even when the saga deadline has fired; cancelling
	// the saga must still abort its in-flight requests, so the sweep runs on
	// a context detached from sctx.
	o.compensate(context.WithoutCancel(ctx), saga)

	if sctx.Err() != nil {
		order.SetStatus(domain.OrderFailed)
		return domain.OrderFailed, fmt.Errorf("saga %s: %w", saga.ID, err)
	}
	order.SetStatus(domain.OrderCancelled)
	return domain.OrderCancelled, fmt.Errorf("saga %s: %w", saga.ID, err)
}

func (o *Orchestrator) run(ctx context.Context, saga *Instance) error {
	order := saga.Order

	if err := o.transition(saga, domain.SagaReserving); err != nil {
		return err
	}
	order.SetStatus(domain.OrderReserving)

	if err := o.reservePhase(ctx, saga); err != nil {
		return fmt.Errorf("reserve phase: %w", err)
	}

	if err := o.transition(saga, domain.SagaProductsReserved); err != nil {
		return err
	}
	order.SetStatus(domain.OrderAllReserved)

	if err := o.transition(saga, domain.SagaConfirming); err != nil {
		return err
	}
	order.SetStatus(domain.OrderConfirming)

	if err := o.confirmPhase(ctx, saga); err != nil {
		return fmt.Errorf("confirm phase: %w", err)
	}

	if err := o.transition(saga, domain.SagaCompleted); err != nil {
		return err
	}
	order.SetStatus(domain.OrderCompleted)
	if err := o.store.Remove(saga.ID); err != nil {
		slog.Error("removing completed saga record failed",
			slog.String("saga_id", saga.ID), slog.Any("error", err))
	}
	slog.Info("saga completed",
		slog.String("saga_id", saga.ID),
		slog.String("order_id", order.ID))
	return nil
}

// reservePhase issues one RESERVE per line item concurrently and waits for
// every item, so each observed success gets its compensation entry even when
// a sibling fails.
func (o *Orchestrator) reservePhase(ctx context.Context, saga *Instance) error {
	var (
		g        errgroup.Group
		mu       sync.Mutex
		firstErr error
	)
	for _, item := range saga.Order.Items {
		item := item
		g.Go(func() error {
			req := domain.NewMessage(domain.MessageReserve, o.marketplaceID, domain.MessageData{
				ProductID: item.ProductID,
				Quantity:  item.Quantity,
				OrderID:   saga.Order.ID,
			})
			ictx, cancel := context.WithTimeout(ctx, o.phaseTimeout)
			defer cancel()
			resp, err := o.transport.Request(ictx, item.SellerID, &req)
			if err == nil && resp.Type == domain.MessageError {
				err = domain.ReasonToError(resp.Data.Reason)
			}
			if err != nil {
				slog.Warn("reservation failed",
					slog.String("saga_id", saga.ID),
					slog.String("seller_id", item.SellerID),
					slog.String("product_id", item.ProductID),
					slog.Any("error", err))
				mu.Lock()
				if firstErr == nil {
					firstErr = fmt.Errorf("reserve %s at %s: %w", item.ProductID, item.SellerID, err)
				}
				mu.Unlock()
				return nil
			}
			saga.AddReservation(item.SellerID, resp.Data.ReservationID)
			o.checkpoint(saga)
			slog.Debug("reservation observed",
				slog.String("saga_id", saga.ID),
				slog.String("seller_id", item.SellerID),
				slog.String("reservation_id", resp.Data.ReservationID))
			return nil
		})
	}
	_ = g.Wait()
	return firstErr
}

// confirmPhase issues CONFIRM for every recorded reservation and requires
// every one to succeed; any single failure triggers full compensation.
func (o *Orchestrator) confirmPhase(ctx context.Context, saga *Instance) error {
	var (
		g        errgroup.Group
		mu       sync.Mutex
		firstErr error
	)
	for _, action := range saga.Compensations() {
		if action.Kind != domain.CompensationCancelReservation {
			continue
		}
		action := action
		g.Go(func() error {
			req := domain.NewMessage(domain.MessageConfirm, o.marketplaceID, domain.MessageData{
				ReservationID: action.ReservationID,
				OrderID:       saga.Order.ID,
			})
			ictx, cancel := context.WithTimeout(ctx, o.phaseTimeout)
			defer cancel()
			resp, err := o.transport.Request(ictx, action.SellerID, &req)
			if err == nil && resp.Type == domain.MessageError {
				err = domain.ReasonToError(resp.Data.Reason)
			}
			if err != nil {
				slog.Warn("confirmation failed",
					slog.String("saga_id", saga.ID),
					slog.String("seller_id", action.SellerID),
					slog.String("reservation_id", action.ReservationID),
					slog.Any("error", err))
				mu.Lock()
				if firstErr == nil {
					firstErr = fmt.Errorf("confirm %s at %s: %w", action.ReservationID, action.SellerID, err)
				}
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return firstErr
}

// compensate executes the recorded actions in reverse insertion order.
// Failures are logged but never abort the sweep; every recorded action is
// attempted. The saga record is removed once the sweep finishes.
func (o *Orchestrator) compensate(ctx context.Context, saga *Instance) {
	if saga.State() != domain.SagaCompensating {
		if err := o.transition(saga, domain.SagaCompensating); err != nil {
			slog.Error("cannot enter compensation",
				slog.String("saga_id", saga.ID),
				slog.String("state", saga.State()),
				slog.Any("error", err))
			saga.Order.SetStatus(domain.OrderFailed)
			return
		}
	}
	saga.Order.SetStatus(domain.OrderCompensating)

	actions := saga.Compensations()
	for i := len(actions) - 1; i >= 0; i-- {
		a := actions[i]
		switch a.Kind {
		case domain.CompensationCancelReservation:
			req := domain.NewMessage(domain.MessageCancel, o.marketplaceID, domain.MessageData{
				ReservationID: a.ReservationID,
				OrderID:       saga.Order.ID,
			})
			actx, cancel := context.WithTimeout(ctx, o.phaseTimeout)
			resp, err := o.transport.Request(actx, a.SellerID, &req)
			cancel()
			if err == nil && resp.Type == domain.MessageError {
				err = domain.ReasonToError(resp.Data.Reason)
			}
			if err != nil {
				slog.Warn("compensation action failed",
					slog.String("saga_id", saga.ID),
					slog.String("seller_id", a.SellerID),
					slog.String("reservation_id", a.ReservationID),
					slog.Any("error", err))
				continue
			}
			observability.CompensationsTotal.Inc()
			slog.Info("compensation executed",
				slog.String("saga_id", saga.ID),
				slog.String("seller_id", a.SellerID),
				slog.String("reservation_id", a.ReservationID))
		default:
			slog.Error("unknown compensation kind",
				slog.String("saga_id", saga.ID),
				slog.String("kind", string(a.Kind)))
		}
	}

	if err := o.transition(saga, domain.SagaCompensationCompleted); err != nil {
		slog.Error("cannot complete compensation",
			slog.String("saga_id", saga.ID), slog.Any("error", err))
		return
	}
	if err := o.store.Remove(saga.ID); err != nil {
		slog.Error("removing compensated saga record failed",
			slog.String("saga_id", saga.ID), slog.Any("error", err))
	}
}

// Recover drives every non-terminal saga found on disk to a terminal state.
// Compensation is always the chosen direction: it is safe in every crash
// position because seller cancels are idempotent, while forward resume would
// require proving which responses were observed before the crash.
func (o *Orchestrator) Recover(ctx context.Context) {
	for _, snap := range o.store.List() {
		if domain.IsTerminalSagaState(snap.State) {
			_ = o.store.Remove(snap.SagaID)
			continue
		}
		if len(snap.Compensations) == 0 {
			// Nothing was observed before the crash; nothing to undo.
			slog.Info("dropping recovered saga with no observed reservations",
				slog.String("saga_id", snap.SagaID),
				slog.String("state", snap.State))
			_ = o.store.Remove(snap.SagaID)
			continue
		}
		slog.Info("recovering saga",
			slog.String("saga_id", snap.SagaID),
			slog.String("order_id", snap.OrderID),
			slog.String("state", snap.State),
			slog.Int("compensations", len(snap.Compensations)))
		order := domain.NewOrder(snap.OrderID, "", o.marketplaceID, nil)
		saga, err := restoreInstance(snap, order, o.logHandler)
		if err != nil {
			slog.Error("saga restore failed",
				slog.String("saga_id", snap.SagaID), slog.Any("error", err))
			continue
		}
		o.compensate(ctx, saga)
	}
}

// transition applies a state change and checkpoints it. Persistence failures
// are logged but never block the in-memory transition.
func (o *Orchestrator) transition(saga *Instance, state string) error {
	if err := saga.TransitionTo(state); err != nil {
		return err
	}
	o.checkpoint(saga)
	return nil
}

func (o *Orchestrator) checkpoint(saga *Instance) {
	if err := o.store.Save(saga.Snapshot()); err != nil {
		slog.Error("saga checkpoint failed",
			slog.String("saga_id", saga.ID),
			slog.Any("error", err))
	}
}
