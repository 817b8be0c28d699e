package waypoint

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testCheckpoint(runID string, status RunStatusValue) *Checkpoint {
	return &Checkpoint{
		ID:       newCheckpointID(),
		RunID:    runID,
		PlanName: "test-plan",
		Status:   string(status),
		Ledger:   &LedgerSnapshot{Ceiling: 10, Spent: 2.5},
		Waypoints: []*Waypoint{
			{ID: "a", Handler: HandlerGeneration, Status: StatusSucceeded, Cost: 2.5},
			{ID: "b", Handler: HandlerReview, Status: StatusPending, DependsOn: []string{"a"}},
		},
		Breakers: map[HandlerType]*BreakerSnapshot{
			HandlerGeneration: {State: BreakerClosed},
		},
		StartTime:    time.Now().Add(-time.Minute).UTC(),
		CheckpointAt: time.Now().UTC(),
	}
}

func TestFileCheckpointerRoundTrip(t *testing.T) {
	ctx := context.Background()
	checkpointer, err := NewFileCheckpointer(t.TempDir())
	require.NoError(t, err)

	saved := testCheckpoint("run-1", RunStatusRunning)
	require.NoError(t, checkpointer.SaveCheckpoint(ctx, saved))

	loaded, err := checkpointer.LoadCheckpoint(ctx, "run-1")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	require.Equal(t, saved.ID, loaded.ID)
	require.Equal(t, "test-plan", loaded.PlanName)
	require.Equal(t, 2.5, loaded.Ledger.Spent)
	require.Len(t, loaded.Waypoints, 2)
	require.Equal(t, StatusSucceeded, loaded.Waypoints[0].Status)
	require.Equal(t, BreakerClosed, loaded.Breakers[HandlerGeneration].State)
}

func TestFileCheckpointerLatestWins(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	checkpointer, err := NewFileCheckpointer(dir)
	require.NoError(t, err)

	first := testCheckpoint("run-1", RunStatusRunning)
	require.NoError(t, checkpointer.SaveCheckpoint(ctx, first))
	second := testCheckpoint("run-1", RunStatusCompleted)
	require.NoError(t, checkpointer.SaveCheckpoint(ctx, second))

	loaded, err := checkpointer.LoadCheckpoint(ctx, "run-1")
	require.NoError(t, err)
	require.Equal(t, second.ID, loaded.ID)
	require.Equal(t, string(RunStatusCompleted), loaded.Status)

	// Both checkpoints remain in the history, and no temp file is left over
	entries, err := os.ReadDir(filepath.Join(dir, "run-1"))
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	require.Contains(t, names, "latest.json")
	require.NotContains(t, names, ".latest.json.tmp")
	require.Len(t, names, 3)
}

func TestFileCheckpointerMissingRun(t *testing.T) {
	checkpointer, err := NewFileCheckpointer(t.TempDir())
	require.NoError(t, err)

	loaded, err := checkpointer.LoadCheckpoint(context.Background(), "nope")
	require.NoError(t, err)
	require.Nil(t, loaded)
}

func TestFileCheckpointerDelete(t *testing.T) {
	ctx := context.Background()
	checkpointer, err := NewFileCheckpointer(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, checkpointer.SaveCheckpoint(ctx, testCheckpoint("run-1", RunStatusRunning)))
	require.NoError(t, checkpointer.DeleteCheckpoint(ctx, "run-1"))

	loaded, err := checkpointer.LoadCheckpoint(ctx, "run-1")
	require.NoError(t, err)
	require.Nil(t, loaded)
}

func TestFileCheckpointerListRuns(t *testing.T) {
	ctx := context.Background()
	checkpointer, err := NewFileCheckpointer(t.TempDir())
	require.NoError(t, err)

	older := testCheckpoint("run-old", RunStatusCompleted)
	older.StartTime = time.Now().Add(-time.Hour).UTC()
	older.EndTime = older.StartTime.Add(10 * time.Minute)
	require.NoError(t, checkpointer.SaveCheckpoint(ctx, older))

	newer := testCheckpoint("run-new", RunStatusRunning)
	require.NoError(t, checkpointer.SaveCheckpoint(ctx, newer))

	summaries, err := checkpointer.ListRuns(ctx)
	require.NoError(t, err)
	require.Len(t, summaries, 2)
	require.Equal(t, "run-new", summaries[0].RunID)
	require.Equal(t, "run-old", summaries[1].RunID)
	require.Equal(t, 2.5, summaries[0].Spend)
	require.Equal(t, 10*time.Minute, summaries[1].Duration)
}
