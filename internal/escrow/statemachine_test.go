package escrow

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/safehold/safehold/internal/apperr"
)

func TestCanTransition_Table(t *testing.T) {
	legal := map[[2]Status]bool{
		{StatusPendingFunding, StatusFunded}:     true,
		{StatusPendingFunding, StatusCancelled}:  true,
		{StatusFunded, StatusInProgress}:         true,
		{StatusInProgress, StatusPendingRelease}: true,
		{StatusPendingRelease, StatusCompleted}:  true,
		{StatusFunded, StatusDisputed}:           true,
		{StatusInProgress, StatusDisputed}:       true,
		{StatusPendingRelease, StatusDisputed}:   true,
		{StatusDisputed, StatusPendingRelease}:   true,
		{StatusDisputed, StatusCompleted}:        true,
		{StatusDisputed, StatusRefunded}:         true,
	}
	for _, from := range lifecycleOrder {
		for _, to := range lifecycleOrder {
			assert.Equal(t, legal[[2]Status{from, to}], CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestCanTransition_NeverSkipsToCompleted(t *testing.T) {
	assert.False(t, CanTransition(StatusPendingFunding, StatusCompleted))
	assert.False(t, CanTransition(StatusFunded, StatusCompleted))
	assert.False(t, CanTransition(StatusFunded, StatusCancelled), "funded escrows cancel only through a dispute")
}

func TestTerminalStatesHaveNoExits(t *testing.T) {
	for _, s := range []Status{StatusCompleted, StatusCancelled, StatusRefunded} {
		assert.True(t, s.IsTerminal())
		assert.Empty(t, Next(s))
	}
	assert.False(t, StatusDisputed.IsTerminal())
}

func TestAuthorize(t *testing.T) {
	require.NoError(t, Authorize(StatusPendingFunding, StatusFunded, PartyClient))
	require.NoError(t, Authorize(StatusFunded, StatusDisputed, PartyVendor))
	require.NoError(t, Authorize(StatusDisputed, StatusRefunded, PartyAdmin|PartyClient))

	err := Authorize(StatusFunded, StatusInProgress, PartyClient)
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	err = Authorize(StatusDisputed, StatusCompleted, PartyClient)
	assert.ErrorIs(t, err, apperr.ErrForbidden, "disputes suspend party-driven moves")

	err = Authorize(StatusFunded, StatusCompleted, PartyClient|PartyAdmin)
	require.ErrorIs(t, err, apperr.ErrInvalidTransition)
	var te *TransitionError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, StatusFunded, te.From)
	assert.Equal(t, StatusCompleted, te.To)
	assert.Equal(t, map[string]any{"currentStatus": StatusFunded, "requestedStatus": StatusCompleted}, te.Details())
}

func TestStatusValid(t *testing.T) {
	assert.True(t, StatusInProgress.Valid())
	assert.False(t, Status("released").Valid())
}
