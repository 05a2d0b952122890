package scheduling

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	allowed := [][2]BookingStatus{
		{StatusPending, StatusAccepted},
		{StatusPending, StatusConfirmed},
		{StatusPending, StatusRejected},
		{StatusAccepted, StatusCompleted},
		{StatusAccepted, StatusCancelled},
		{StatusAccepted, StatusNoShow},
		{StatusConfirmed, StatusCompleted},
	}
	for _, tr := range allowed {
		assert.True(t, CanTransition(tr[0], tr[1]), "%s -> %s", tr[0], tr[1])
	}

	denied := [][2]BookingStatus{
		{StatusPending, StatusCompleted},
		{StatusPending, StatusCancelled},
		{StatusRejected, StatusAccepted},
		{StatusCompleted, StatusCancelled},
		{StatusCancelled, StatusPending},
		{StatusNoShow, StatusCompleted},
	}
	for _, tr := range denied {
		assert.False(t, CanTransition(tr[0], tr[1]), "%s -> %s", tr[0], tr[1])
	}
}

func TestTerminal(t *testing.T) {
	for _, s := range []BookingStatus{StatusRejected, StatusCompleted, StatusCancelled, StatusNoShow} {
		assert.True(t, s.Terminal(), s)
	}
	for _, s := range []BookingStatus{StatusPending, StatusAccepted, StatusConfirmed} {
		assert.False(t, s.Terminal(), s)
	}
}

func TestPatientCancellable(t *testing.T) {
	assert.True(t, PatientCancellable(StatusPending))
	assert.True(t, PatientCancellable(StatusAccepted))
	assert.True(t, PatientCancellable(StatusConfirmed))
	assert.False(t, PatientCancellable(StatusCompleted))
	assert.False(t, PatientCancellable(StatusRejected))
}

func TestOccupies(t *testing.T) {
	assert.True(t, StatusCompleted.Occupies())
	assert.True(t, StatusPending.Occupies())
	assert.False(t, StatusCancelled.Occupies())
	assert.False(t, StatusRejected.Occupies())
	assert.False(t, StatusNoShow.Occupies())
}
