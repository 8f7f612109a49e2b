package db

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStatusForwardPath(t *testing.T) {
	require.True(t, StatusNotStarted.CanTransition(StatusStarting))
	require.True(t, StatusStarting.CanTransition(StatusInProgress))
	require.True(t, StatusInProgress.CanTransition(StatusComplete))
	require.True(t, StatusInProgress.CanTransition(StatusFailed))

	// Skipping intermediate states is legal; the reconciler may observe a
	// job after it already finished.
	require.True(t, StatusNotStarted.CanTransition(StatusComplete))
	require.True(t, StatusStarting.CanTransition(StatusFailed))
}

func TestStatusNoBackwardEdges(t *testing.T) {
	require.False(t, StatusInProgress.CanTransition(StatusStarting))
	require.False(t, StatusComplete.CanTransition(StatusInProgress))
	require.False(t, StatusFailed.CanTransition(StatusStarting))
	require.False(t, StatusStopped.CanTransition(StatusComplete))
}

func TestStatusStoppedOnlyFromComplete(t *testing.T) {
	require.True(t, StatusComplete.CanTransition(StatusStopped))
	require.False(t, StatusStarting.CanTransition(StatusStopped))
	require.False(t, StatusInProgress.CanTransition(StatusStopped))
	require.False(t, StatusNotStarted.CanTransition(StatusStopped))
	require.False(t, StatusFailed.CanTransition(StatusStopped))
}

func TestStatusSelfTransitionIdempotent(t *testing.T) {
	for _, s := range []Status{
		StatusNotStarted, StatusStarting, StatusInProgress,
		StatusComplete, StatusFailed, StatusStopped,
	} {
		require.True(t, s.CanTransition(s), "self transition for %s", s)
	}
}

func TestStatusRejectsUnknownValues(t *testing.T) {
	require.False(t, Status("bogus").Valid())
	require.False(t, StatusStarting.CanTransition(Status("bogus")))
	require.False(t, Status("bogus").CanTransition(StatusStarting))

	_, err := StatusComplete.Transition(StatusInProgress)
	require.Error(t, err)
}

func TestStatusTerminal(t *testing.T) {
	require.True(t, StatusFailed.Terminal())
	require.True(t, StatusStopped.Terminal())
	// complete can still drop to stopped, so it is not terminal.
	require.False(t, StatusComplete.Terminal())
}
