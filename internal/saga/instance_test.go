package saga

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/marketplace-saga/internal/domain"
)

func TestInstanceFollowsTransitionTable(t *testing.T) {
	inst, err := newInstance("S1", twoItemOrder(), domain.SagaStarted, discardHandler())
	require.NoError(t, err)
	assert.Equal(t, domain.SagaStarted, inst.State())

	for _, state := range []string{
		domain.SagaReserving,
		domain.SagaProductsReserved,
		domain.SagaConfirming,
		domain.SagaCompleted,
	} {
		require.NoError(t, inst.TransitionTo(state))
		assert.Equal(t, state, inst.State())
	}
}

func TestInstanceRejectsIllegalTransition(t *testing.T) {
	inst, err := newInstance("S1", twoItemOrder(), domain.SagaStarted, discardHandler())
	require.NoError(t, err)

	err = inst.TransitionTo(domain.SagaCompleted)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrInvalidTransition))
	assert.Equal(t, domain.SagaStarted, inst.State(), "failed transition leaves the state untouched")
}

func TestInstanceSnapshotCarriesReservations(t *testing.T) {
	inst, err := newInstance("S1", twoItemOrder(), domain.SagaReserving, discardHandler())
	require.NoError(t, err)

	inst.AddReservation("seller1", "seller1-R1")
	inst.AddReservation("seller2", "seller2-R2")

	snap := inst.Snapshot()
	assert.Equal(t, "S1", snap.SagaID)
	assert.Equal(t, "O1", snap.OrderID)
	assert.Equal(t, domain.SagaReserving, snap.State)
	require.Len(t, snap.Compensations, 2)
	assert.Equal(t, "seller1-R1", snap.Compensations[0].ReservationID)
	assert.Equal(t, map[string]string{"seller1": "seller1-R1", "seller2": "seller2-R2"}, snap.Reservations)
}

func TestRestoreInstanceResumesFromSnapshot(t *testing.T) {
	orig, err := newInstance("S1", twoItemOrder(), domain.SagaReserving, discardHandler())
	require.NoError(t, err)
	orig.AddReservation("seller1", "seller1-R1")
	snap := orig.Snapshot()

	restored, err := restoreInstance(snap, twoItemOrder(), discardHandler())
	require.NoError(t, err)
	assert.Equal(t, domain.SagaReserving, restored.State())
	assert.Equal(t, orig.Compensations(), restored.Compensations())

	// The restored machine still enforces the transition table.
	require.NoError(t, restored.TransitionTo(domain.SagaCompensating))
	require.NoError(t, restored.TransitionTo(domain.SagaCompensationCompleted))
}
