package waypoint

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLedgerReserveAndCommit(t *testing.T) {
	ledger := NewLedger(10.0)

	permit, err := ledger.Reserve(HandlerGeneration, 4.0)
	require.NoError(t, err)
	require.Equal(t, 6.0, ledger.Remaining())
	require.Equal(t, 0.0, ledger.Spent())

	// Actual cost may differ from the estimate
	ledger.Commit(permit, 3.5)
	require.Equal(t, 3.5, ledger.Spent())
	require.Equal(t, 6.5, ledger.Remaining())
	require.Equal(t, 3.5, ledger.Breakdown()[HandlerGeneration])
}

func TestLedgerDeniesOverCeiling(t *testing.T) {
	ledger := NewLedger(5.0)

	_, err := ledger.Reserve(HandlerGeneration, 6.0)
	require.Error(t, err)
	require.True(t, IsKind(err, FailureBudgetExceeded))
	require.Equal(t, 0.0, ledger.Spent())
}

func TestLedgerReservationsCountAgainstAdmission(t *testing.T) {
	ledger := NewLedger(5.0)

	permit, err := ledger.Reserve(HandlerGeneration, 3.0)
	require.NoError(t, err)

	// A second reservation that fits the ceiling minus the first must pass;
	// one that does not must be denied even though nothing is committed yet.
	_, err = ledger.Reserve(HandlerPlanning, 3.0)
	require.Error(t, err)
	require.True(t, IsKind(err, FailureBudgetExceeded))

	ledger.Release(permit)
	_, err = ledger.Reserve(HandlerPlanning, 3.0)
	require.NoError(t, err)
}

func TestLedgerPermitResolvedOnce(t *testing.T) {
	ledger := NewLedger(10.0)
	permit, err := ledger.Reserve(HandlerGeneration, 2.0)
	require.NoError(t, err)

	ledger.Commit(permit, 2.0)
	ledger.Commit(permit, 2.0)
	ledger.Release(permit)
	require.Equal(t, 2.0, ledger.Spent())
	require.Equal(t, 8.0, ledger.Remaining())
}

func TestLedgerRejectsNegativeEstimate(t *testing.T) {
	ledger := NewLedger(10.0)
	_, err := ledger.Reserve(HandlerGeneration, -1.0)
	require.Error(t, err)
}

func TestLedgerSnapshotRestore(t *testing.T) {
	ledger := NewLedger(10.0)
	permit, err := ledger.Reserve(HandlerGeneration, 2.0)
	require.NoError(t, err)
	ledger.Commit(permit, 2.0)

	// An unresolved reservation must not survive a snapshot
	_, err = ledger.Reserve(HandlerPlanning, 3.0)
	require.NoError(t, err)

	snapshot := ledger.Snapshot()
	require.Equal(t, 10.0, snapshot.Ceiling)
	require.Equal(t, 2.0, snapshot.Spent)

	restored := NewLedger(0)
	restored.Restore(snapshot)
	require.Equal(t, 10.0, restored.Ceiling())
	require.Equal(t, 2.0, restored.Spent())
	require.Equal(t, 8.0, restored.Remaining())
	require.Equal(t, 2.0, restored.Breakdown()[HandlerGeneration])
}
