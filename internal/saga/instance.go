// Package saga drives each order through the two-phase reserve/confirm
// protocol with compensating rollback.
package saga

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robbyt/go-fsm"

	"github.com/fairyhunter13/marketplace-saga/internal/domain"
)

// Instance is one in-flight saga. Its compensation list is single-writer
// (the saga's driver task appends); cross-task reads take snapshots.
type Instance struct {
	ID    string
	Order *domain.Order

	machine *fsm.Machine

	mu            sync.Mutex
	compensations []domain.CompensationAction
	reservations  map[string]string
	createdAt     time.Time
}

// newInstance builds a saga in the given initial state. The state machine is
// the explicit transition table from the domain package; call sites never
// branch on the current state.
func newInstance(id string, order *domain.Order, initial string, handler slog.Handler) (*Instance, error) {
	machine, err := fsm.New(handler, initial, domain.SagaTransitions)
	if err != nil {
		return nil, fmt.Errorf("saga %s state machine: %w", id, err)
	}
	return &Instance{
		ID:           id,
		Order:        order,
		machine:      machine,
		reservations: make(map[string]string),
		createdAt:    time.Now(),
	}, nil
}

// restoreInstance rebuilds a saga from its durable snapshot.
func restoreInstance(snap domain.SagaSnapshot, order *domain.Order, handler slog.Handler) (*Instance, error) {
	inst, err := newInstance(snap.SagaID, order, snap.State, handler)
	if err != nil {
		return nil, err
	}
	inst.compensations = append(inst.compensations, snap.Compensations...)
	for seller, res := range snap.Reservations {
		inst.reservations[seller] = res
	}
	inst.createdAt = snap.CreatedAt
	return inst, nil
}

// TransitionTo attempts a compare-and-set state transition. An illegal
// transition is a protocol error.
func (s *Instance) TransitionTo(state string) error {
	if err := s.machine.Transition(state); err != nil {
		return fmt.Errorf("saga %s %s -> %s: %w", s.ID, s.State(), state, domain.ErrInvalidTransition)
	}
	return nil
}

// State returns the current saga state.
func (s *Instance) State() string {
	return s.machine.GetState()
}

// AddReservation records an observed successful reservation: the compensation
// entry and the seller mapping are written before the reservation counts as
// observed by the orchestrator.
func (s *Instance) AddReservation(sellerID, reservationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.compensations = append(s.compensations, domain.CompensationAction{
		Kind:          domain.CompensationCancelReservation,
		SellerID:      sellerID,
		ReservationID: reservationID,
		RecordedAt:    time.Now(),
	})
	s.reservations[sellerID] = reservationID
}

// Compensations returns a snapshot of the recorded actions in insertion
// order.
func (s *Instance) Compensations() []domain.CompensationAction {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.CompensationAction, len(s.compensations))
	copy(out, s.compensations)
	return out
}

// Snapshot builds the durable image of this saga.
func (s *Instance) Snapshot() domain.SagaSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	comps := make([]domain.CompensationAction, len(s.compensations))
	copy(comps, s.compensations)
	resv := make(map[string]string, len(s.reservations))
	for k, v := range s.reservations {
		resv[k] = v
	}
	return domain.SagaSnapshot{
		SagaID:        s.ID,
		OrderID:       s.Order.ID,
		State:         s.machine.GetState(),
		Compensations: comps,
		Reservations:  resv,
		CreatedAt:     s.createdAt,
		LastUpdated:   time.Now(),
	}
}
