package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLedgerTransitions(t *testing.T) {
	now := time.Date(2025, 1, 10, 15, 0, 0, 0, time.UTC)
	var ledger Ledger

	ledger, err := ledger.Apply(7, NodeEntry{ScheduledActionID: 100, Status: NodePending, EventKind: "due_day", UpdatedAt: now})
	require.NoError(t, err)
	assert.True(t, ledger.Blocks(7))

	_, err = ledger.Apply(7, NodeEntry{ScheduledActionID: 101, Status: NodePending, UpdatedAt: now})
	assert.ErrorIs(t, err, ErrInvalidTransition)

	ledger, err = ledger.Apply(7, NodeEntry{Status: NodeFailed, UpdatedAt: now})
	require.NoError(t, err)
	assert.False(t, ledger.Blocks(7))
	entry, _ := ledger.Entry(7)
	assert.EqualValues(t, 100, entry.ScheduledActionID)
	assert.Equal(t, "due_day", entry.EventKind)

	ledger, err = ledger.Apply(7, NodeEntry{ScheduledActionID: 102, Status: NodePending, UpdatedAt: now})
	require.NoError(t, err)

	ledger, err = ledger.Apply(7, NodeEntry{Status: NodeFired, UpdatedAt: now})
	require.NoError(t, err)
	assert.True(t, ledger.Blocks(7))

	_, err = ledger.Apply(7, NodeEntry{ScheduledActionID: 103, Status: NodePending, UpdatedAt: now})
	assert.ErrorIs(t, err, ErrInvalidTransition)

	unchanged, err := ledger.Apply(7, NodeEntry{Status: NodeFailed, UpdatedAt: now})
	require.NoError(t, err)
	entry, _ = unchanged.Entry(7)
	assert.Equal(t, NodeFired, entry.Status)
}

func TestLedgerApplyCarriesFiringDetails(t *testing.T) {
	now := time.Date(2025, 1, 10, 15, 0, 0, 0, time.UTC)
	eventAt := time.Date(2025, 1, 7, 0, 0, 0, 0, time.UTC)
	ledger := Ledger{7: {ScheduledActionID: 100, Status: NodePending, EventKind: "days_before_due", EventAt: &eventAt, Offset: 3}}

	ledger, err := ledger.Apply(7, NodeEntry{Status: NodeFired, UpdatedAt: now})
	require.NoError(t, err)
	entry, ok := ledger.Entry(7)
	require.True(t, ok)
	assert.Equal(t, NodeFired, entry.Status)
	assert.EqualValues(t, 100, entry.ScheduledActionID)
	assert.Equal(t, "days_before_due", entry.EventKind)
	assert.Equal(t, &eventAt, entry.EventAt)
	assert.Equal(t, 3, entry.Offset)
}

func TestLedgerApplyRependingTakesNewFiring(t *testing.T) {
	ledger := Ledger{7: {ScheduledActionID: 100, Status: NodeFailed, EventKind: "days_before_due", Offset: 3}}

	ledger, err := ledger.Apply(7, NodeEntry{ScheduledActionID: 101, Status: NodePending, EventKind: "due_day"})
	require.NoError(t, err)
	entry, _ := ledger.Entry(7)
	assert.Equal(t, "due_day", entry.EventKind)
	assert.Zero(t, entry.Offset)
}

func TestLedgerApplyDoesNotMutateReceiver(t *testing.T) {
	original := Ledger{1: {Status: NodeFailed}}
	next, err := original.Apply(2, NodeEntry{Status: NodePending})
	require.NoError(t, err)
	assert.Len(t, original, 1)
	assert.Len(t, next, 2)
}

func TestStateShortCircuits(t *testing.T) {
	today := time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC)
	written := time.Date(2025, 1, 9, 12, 0, 0, 0, time.UTC)
	future := today.AddDate(0, 0, 3)

	st := State{NextEvaluationDate: &future, UpdatedAt: written}
	assert.True(t, st.ShortCircuits(today, written.Add(-time.Hour)))
	assert.False(t, st.ShortCircuits(today, written.Add(time.Hour)), "debt edited after state row")
	assert.False(t, st.ShortCircuits(future, written), "date reached")
	assert.False(t, State{}.ShortCircuits(today, written))
}
