package waypoint

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/deepnoodle-ai/waypoint/retry"
	"github.com/stretchr/testify/require"
)

// memoryEventLogger collects event log entries for assertions.
type memoryEventLogger struct {
	mutex   sync.Mutex
	entries []*EventLogEntry
}

func (l *memoryEventLogger) LogEvent(ctx context.Context, entry *EventLogEntry) error {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	l.entries = append(l.entries, entry)
	return nil
}

func (l *memoryEventLogger) GetEventHistory(ctx context.Context, runID string) ([]*EventLogEntry, error) {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	return append([]*EventLogEntry(nil), l.entries...), nil
}

func (l *memoryEventLogger) names() []string {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	out := make([]string, 0, len(l.entries))
	for _, e := range l.entries {
		out = append(out, e.Event)
	}
	return out
}

func fixedCostHandler(handlerType HandlerType, cost float64, record *[]string) Handler {
	return NewHandlerFunc(handlerType, cost, func(ctx context.Context, wp *Waypoint, feedback *RevisionFeedback) (*HandlerOutput, error) {
		if record != nil {
			*record = append(*record, wp.ID)
		}
		return &HandlerOutput{Output: wp.ID + " done", Cost: cost}, nil
	})
}

func mustPlan(t *testing.T, opts PlanOptions) *Plan {
	t.Helper()
	plan, err := NewPlan(opts)
	require.NoError(t, err)
	return plan
}

func TestRunExecutesChainInOrder(t *testing.T) {
	var order []string
	plan := mustPlan(t, PlanOptions{
		Name:   "chain",
		Budget: 10,
		Waypoints: []*Waypoint{
			{ID: "a", Handler: HandlerPlanning},
			{ID: "b", Handler: HandlerGeneration, DependsOn: []string{"a"}},
			{ID: "c", Handler: HandlerReview, DependsOn: []string{"b"}},
		},
	})

	events := &memoryEventLogger{}
	run, err := NewRun(RunOptions{
		Plan: plan,
		Handlers: []Handler{
			fixedCostHandler(HandlerPlanning, 1.0, &order),
			fixedCostHandler(HandlerGeneration, 1.0, &order),
			fixedCostHandler(HandlerReview, 1.0, &order),
		},
		EventLogger: events,
	})
	require.NoError(t, err)

	require.NoError(t, run.Execute(context.Background()))
	require.Equal(t, []string{"a", "b", "c"}, order)

	status := run.Status()
	require.Equal(t, RunStatusCompleted, status.Status)
	require.Equal(t, 3.0, status.Spent)
	for _, wp := range status.Waypoints {
		require.Equal(t, StatusSucceeded, wp.Status)
		require.Equal(t, 1.0, wp.Cost)
	}
	require.Contains(t, events.names(), EventRunStarted)
	require.Contains(t, events.names(), EventWaypointSucceeded)
	require.Contains(t, events.names(), EventRunFinished)
}

func TestRunBudgetDenialFailsWaypointAndSkipsDependents(t *testing.T) {
	plan := mustPlan(t, PlanOptions{
		Name:   "budgeted",
		Budget: 2.5,
		Waypoints: []*Waypoint{
			{ID: "a", Handler: HandlerGeneration},
			{ID: "b", Handler: HandlerGeneration, DependsOn: []string{"a"}},
			{ID: "c", Handler: HandlerGeneration, DependsOn: []string{"b"}},
			{ID: "d", Handler: HandlerGeneration, DependsOn: []string{"c"}},
		},
	})

	events := &memoryEventLogger{}
	run, err := NewRun(RunOptions{
		Plan:        plan,
		Handlers:    []Handler{fixedCostHandler(HandlerGeneration, 1.0, nil)},
		EventLogger: events,
	})
	require.NoError(t, err)

	// Two waypoints fit the budget; the third reservation is denied before
	// any call is made, and its dependent is skipped.
	require.NoError(t, run.Execute(context.Background()))

	status := run.Status()
	require.Equal(t, RunStatusCompleted, status.Status)
	require.Equal(t, 2.0, status.Spent)

	byID := map[string]*Waypoint{}
	for _, wp := range status.Waypoints {
		byID[wp.ID] = wp
	}
	require.Equal(t, StatusSucceeded, byID["a"].Status)
	require.Equal(t, StatusSucceeded, byID["b"].Status)
	require.Equal(t, StatusFailed, byID["c"].Status)
	require.Equal(t, FailureBudgetExceeded, byID["c"].LastFailure.Kind)
	require.Equal(t, StatusSkipped, byID["d"].Status)
	require.Equal(t, FailurePredecessorFailed, byID["d"].LastFailure.Kind)
	require.Contains(t, events.names(), EventBudgetDenied)
	require.Contains(t, events.names(), EventWaypointSkipped)
}

func TestRunCriticalFailureHaltsRun(t *testing.T) {
	plan := mustPlan(t, PlanOptions{
		Name:   "critical",
		Budget: 10,
		Waypoints: []*Waypoint{
			{ID: "a", Handler: HandlerPlanning},
			{ID: "b", Handler: HandlerGeneration, Critical: true, DependsOn: []string{"a"}},
			{ID: "c", Handler: HandlerReview, DependsOn: []string{"a"}},
		},
	})

	checkpointer, err := NewFileCheckpointer(t.TempDir())
	require.NoError(t, err)

	failing := NewHandlerFunc(HandlerGeneration, 1.0, func(ctx context.Context, wp *Waypoint, feedback *RevisionFeedback) (*HandlerOutput, error) {
		return nil, errors.New("generation produced no output")
	})
	run, err := NewRun(RunOptions{
		Plan: plan,
		Handlers: []Handler{
			fixedCostHandler(HandlerPlanning, 1.0, nil),
			failing,
			fixedCostHandler(HandlerReview, 1.0, nil),
		},
		Checkpointer: checkpointer,
		MaxRevisions: 1,
	})
	require.NoError(t, err)

	err = run.Execute(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), `critical waypoint "b" failed`)

	status := run.Status()
	require.Equal(t, RunStatusFailed, status.Status)

	// The failure checkpoint is written before Execute returns
	checkpoint, loadErr := checkpointer.LoadCheckpoint(context.Background(), run.ID())
	require.NoError(t, loadErr)
	require.NotNil(t, checkpoint)
	require.Equal(t, string(RunStatusFailed), checkpoint.Status)
	require.Contains(t, checkpoint.Error, "critical waypoint")
}

func TestRunRevisionLoopRecovers(t *testing.T) {
	plan := mustPlan(t, PlanOptions{
		Name:   "revise",
		Budget: 10,
		Waypoints: []*Waypoint{
			{ID: "a", Handler: HandlerGeneration},
		},
	})

	var feedbackSeen []*RevisionFeedback
	handler := NewHandlerFunc(HandlerGeneration, 1.0, func(ctx context.Context, wp *Waypoint, feedback *RevisionFeedback) (*HandlerOutput, error) {
		feedbackSeen = append(feedbackSeen, feedback)
		return &HandlerOutput{Output: "attempt", Cost: 1.0}, nil
	})

	verifications := 0
	verifier := VerifierFunc(func(ctx context.Context, wp *Waypoint, output any) (*VerificationResult, error) {
		verifications++
		if verifications == 1 {
			return &VerificationResult{
				Passed:   false,
				Feedback: &RevisionFeedback{Reason: "tests failed", Details: map[string]any{"failing": 2}},
			}, nil
		}
		return &VerificationResult{Passed: true}, nil
	})

	events := &memoryEventLogger{}
	run, err := NewRun(RunOptions{
		Plan:        plan,
		Handlers:    []Handler{handler},
		Verifier:    verifier,
		EventLogger: events,
	})
	require.NoError(t, err)
	require.NoError(t, run.Execute(context.Background()))

	status := run.Status()
	require.Equal(t, RunStatusCompleted, status.Status)
	wp := status.Waypoints[0]
	require.Equal(t, StatusSucceeded, wp.Status)
	require.Equal(t, 1, wp.RevisionAttempts)
	require.Equal(t, 2.0, wp.Cost)
	require.Len(t, wp.FeedbackHistory, 1)

	// The second invocation received the first failure's feedback
	require.Len(t, feedbackSeen, 2)
	require.Nil(t, feedbackSeen[0])
	require.Equal(t, "tests failed", feedbackSeen[1].Reason)
	require.Contains(t, events.names(), EventRevisionRequested)
}

func TestRunRevisionsExhausted(t *testing.T) {
	plan := mustPlan(t, PlanOptions{
		Name:      "exhausted",
		Budget:    10,
		Waypoints: []*Waypoint{{ID: "a", Handler: HandlerGeneration}},
	})

	alwaysFail := VerifierFunc(func(ctx context.Context, wp *Waypoint, output any) (*VerificationResult, error) {
		return &VerificationResult{
			Passed:   false,
			Feedback: &RevisionFeedback{Reason: "still broken"},
		}, nil
	})
	run, err := NewRun(RunOptions{
		Plan:         plan,
		Handlers:     []Handler{fixedCostHandler(HandlerGeneration, 1.0, nil)},
		Verifier:     alwaysFail,
		MaxRevisions: 2,
	})
	require.NoError(t, err)
	require.NoError(t, run.Execute(context.Background()))

	wp := run.Status().Waypoints[0]
	require.Equal(t, StatusFailed, wp.Status)
	require.Equal(t, FailureRevisionsExhausted, wp.LastFailure.Kind)
	require.Equal(t, 2, wp.RevisionAttempts)
	// Every invocation was paid for, including the failed ones
	require.Equal(t, 3.0, run.Status().Spent)
}

func TestRunScriptedPlan(t *testing.T) {
	plan, err := LoadString(`
name: scripted
budget: 5.0
waypoints:
  - id: outline
    description: outline the work
    handler: planning
  - id: draft
    handler: generation
    depends_on: [outline]
handlers:
  - type: planning
    script: '"outline for " + waypoint["id"]'
    estimated_cost: 0.5
  - type: generation
    script: '"draft for " + waypoint["id"]'
    estimated_cost: 1.0
verify: 'output != ""'
`)
	require.NoError(t, err)

	run, err := NewRun(RunOptions{Plan: plan})
	require.NoError(t, err)
	require.NoError(t, run.Execute(context.Background()))

	status := run.Status()
	require.Equal(t, RunStatusCompleted, status.Status)
	require.Equal(t, 1.5, status.Spent)
	for _, wp := range status.Waypoints {
		require.Equal(t, StatusSucceeded, wp.Status)
	}
}

func TestRunResumeResetsInFlightWaypoint(t *testing.T) {
	ctx := context.Background()
	checkpointer, err := NewFileCheckpointer(t.TempDir())
	require.NoError(t, err)

	// A checkpoint taken while "b" was in flight: it must be re-executed.
	checkpoint := &Checkpoint{
		ID:       newCheckpointID(),
		RunID:    "run-resume",
		PlanName: "resumable",
		Status:   string(RunStatusRunning),
		Ledger:   &LedgerSnapshot{Ceiling: 10, Spent: 1.0, ByHandler: map[HandlerType]float64{HandlerPlanning: 1.0}},
		Waypoints: []*Waypoint{
			{ID: "a", Handler: HandlerPlanning, Status: StatusSucceeded, Cost: 1.0},
			{ID: "b", Handler: HandlerGeneration, Status: StatusRunning, DependsOn: []string{"a"}, StartTime: time.Now()},
		},
		InFlight:     "b",
		StartTime:    time.Now().Add(-time.Minute),
		CheckpointAt: time.Now(),
	}
	require.NoError(t, checkpointer.SaveCheckpoint(ctx, checkpoint))

	plan := mustPlan(t, PlanOptions{
		Name:   "resumable",
		Budget: 10,
		Waypoints: []*Waypoint{
			{ID: "a", Handler: HandlerPlanning},
			{ID: "b", Handler: HandlerGeneration, DependsOn: []string{"a"}},
		},
	})
	var order []string
	run, err := NewRun(RunOptions{
		Plan: plan,
		Handlers: []Handler{
			fixedCostHandler(HandlerPlanning, 1.0, &order),
			fixedCostHandler(HandlerGeneration, 1.0, &order),
		},
		Checkpointer: checkpointer,
	})
	require.NoError(t, err)
	require.NoError(t, run.Resume(ctx, "run-resume"))

	// Only "b" ran; "a" kept its checkpointed result
	require.Equal(t, []string{"b"}, order)
	status := run.Status()
	require.Equal(t, "run-resume", status.RunID)
	require.Equal(t, RunStatusCompleted, status.Status)
	require.Equal(t, 2.0, status.Spent)
}

func TestRunResumeCompletedRunReturnsEarly(t *testing.T) {
	ctx := context.Background()
	checkpointer, err := NewFileCheckpointer(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, checkpointer.SaveCheckpoint(ctx, &Checkpoint{
		ID:       newCheckpointID(),
		RunID:    "run-done",
		PlanName: "done",
		Status:   string(RunStatusCompleted),
		Ledger:   &LedgerSnapshot{Ceiling: 10, Spent: 1.0},
		Waypoints: []*Waypoint{
			{ID: "a", Handler: HandlerGeneration, Status: StatusSucceeded},
		},
		CheckpointAt: time.Now(),
	}))

	plan := mustPlan(t, PlanOptions{
		Name:      "done",
		Budget:    10,
		Waypoints: []*Waypoint{{ID: "a", Handler: HandlerGeneration}},
	})
	var order []string
	run, err := NewRun(RunOptions{
		Plan:         plan,
		Handlers:     []Handler{fixedCostHandler(HandlerGeneration, 1.0, &order)},
		Checkpointer: checkpointer,
	})
	require.NoError(t, err)
	require.NoError(t, run.Resume(ctx, "run-done"))
	require.Empty(t, order)
	require.Equal(t, RunStatusCompleted, run.Status().Status)
}

func TestRunResumeMissingCheckpoint(t *testing.T) {
	checkpointer, err := NewFileCheckpointer(t.TempDir())
	require.NoError(t, err)
	plan := mustPlan(t, PlanOptions{
		Name:      "missing",
		Budget:    10,
		Waypoints: []*Waypoint{{ID: "a", Handler: HandlerGeneration}},
	})
	run, err := NewRun(RunOptions{
		Plan:         plan,
		Handlers:     []Handler{fixedCostHandler(HandlerGeneration, 1.0, nil)},
		Checkpointer: checkpointer,
	})
	require.NoError(t, err)
	err = run.Resume(context.Background(), "never-existed")
	require.Error(t, err)
	require.Contains(t, err.Error(), "no checkpoint found")
}

func TestRunDeadlockDiagnosis(t *testing.T) {
	ctx := context.Background()
	checkpointer, err := NewFileCheckpointer(t.TempDir())
	require.NoError(t, err)

	// "b" awaits revision but its dependency already failed, so nothing can
	// ever become ready again.
	require.NoError(t, checkpointer.SaveCheckpoint(ctx, &Checkpoint{
		ID:       newCheckpointID(),
		RunID:    "run-stuck",
		PlanName: "stuck",
		Status:   string(RunStatusRunning),
		Ledger:   &LedgerSnapshot{Ceiling: 10, Spent: 1.0},
		Waypoints: []*Waypoint{
			{ID: "a", Handler: HandlerPlanning, Status: StatusFailed,
				LastFailure: &Failure{Kind: FailureTimeout, Cause: "deadline exceeded"}},
			{ID: "b", Handler: HandlerGeneration, Status: StatusNeedsRevision, DependsOn: []string{"a"}},
		},
		CheckpointAt: time.Now(),
	}))

	plan := mustPlan(t, PlanOptions{
		Name:   "stuck",
		Budget: 10,
		Waypoints: []*Waypoint{
			{ID: "a", Handler: HandlerPlanning},
			{ID: "b", Handler: HandlerGeneration, DependsOn: []string{"a"}},
		},
	})
	run, err := NewRun(RunOptions{
		Plan: plan,
		Handlers: []Handler{
			fixedCostHandler(HandlerPlanning, 1.0, nil),
			fixedCostHandler(HandlerGeneration, 1.0, nil),
		},
		Checkpointer: checkpointer,
	})
	require.NoError(t, err)

	err = run.Resume(ctx, "run-stuck")
	require.Error(t, err)
	require.True(t, IsKind(err, FailureDeadlock))
	require.Contains(t, err.Error(), "b waiting on a(failed)")
	require.Equal(t, RunStatusFailed, run.Status().Status)
}

func TestRunShutdownHaltsBetweenWaypoints(t *testing.T) {
	checkpointer, err := NewFileCheckpointer(t.TempDir())
	require.NoError(t, err)
	plan := mustPlan(t, PlanOptions{
		Name:   "halting",
		Budget: 10,
		Waypoints: []*Waypoint{
			{ID: "a", Handler: HandlerGeneration},
			{ID: "b", Handler: HandlerGeneration, DependsOn: []string{"a"}},
		},
	})

	var run *Run
	slow := NewHandlerFunc(HandlerGeneration, 1.0, func(ctx context.Context, wp *Waypoint, feedback *RevisionFeedback) (*HandlerOutput, error) {
		run.Shutdown()
		return &HandlerOutput{Output: "done", Cost: 1.0}, nil
	})
	run, err = NewRun(RunOptions{
		Plan:         plan,
		Handlers:     []Handler{slow},
		Checkpointer: checkpointer,
	})
	require.NoError(t, err)

	require.NoError(t, run.Execute(context.Background()))
	status := run.Status()
	require.Equal(t, RunStatusHalted, status.Status)

	byID := map[string]*Waypoint{}
	for _, wp := range status.Waypoints {
		byID[wp.ID] = wp
	}
	require.Equal(t, StatusSucceeded, byID["a"].Status)
	require.Equal(t, StatusPending, byID["b"].Status)

	checkpoint, loadErr := checkpointer.LoadCheckpoint(context.Background(), run.ID())
	require.NoError(t, loadErr)
	require.NotNil(t, checkpoint)
	require.Equal(t, string(RunStatusHalted), checkpoint.Status)
}

func TestRunShutdownGraceCancelsStuckHandler(t *testing.T) {
	plan := mustPlan(t, PlanOptions{
		Name:      "stuck-handler",
		Budget:    10,
		Waypoints: []*Waypoint{{ID: "a", Handler: HandlerGeneration}},
	})

	stuck := NewHandlerFunc(HandlerGeneration, 1.0, func(ctx context.Context, wp *Waypoint, feedback *RevisionFeedback) (*HandlerOutput, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	run, err := NewRun(RunOptions{
		Plan:          plan,
		Handlers:      []Handler{stuck},
		ShutdownGrace: 20 * time.Millisecond,
		RetryOptions:  []retry.Option{retry.WithMaxRetries(0)},
	})
	require.NoError(t, err)

	go func() {
		time.Sleep(50 * time.Millisecond)
		run.Shutdown()
	}()

	require.NoError(t, run.Execute(context.Background()))
	status := run.Status()
	require.Equal(t, RunStatusHalted, status.Status)
	// The interrupted waypoint is reset so a resume re-executes it
	require.Equal(t, StatusPending, status.Waypoints[0].Status)
	require.Equal(t, 0.0, status.Spent)
}

func TestNewRunValidation(t *testing.T) {
	plan := mustPlan(t, PlanOptions{
		Name:      "valid",
		Budget:    10,
		Waypoints: []*Waypoint{{ID: "a", Handler: HandlerGeneration}},
	})

	t.Run("plan is required", func(t *testing.T) {
		_, err := NewRun(RunOptions{})
		require.Error(t, err)
		require.Contains(t, err.Error(), "plan required")
	})

	t.Run("budget is required", func(t *testing.T) {
		noBudget := mustPlan(t, PlanOptions{
			Name:      "no-budget",
			Waypoints: []*Waypoint{{ID: "a", Handler: HandlerGeneration}},
		})
		_, err := NewRun(RunOptions{
			Plan:     noBudget,
			Handlers: []Handler{fixedCostHandler(HandlerGeneration, 1.0, nil)},
		})
		require.Error(t, err)
		require.Contains(t, err.Error(), "budget")
	})

	t.Run("every waypoint needs a handler", func(t *testing.T) {
		_, err := NewRun(RunOptions{Plan: plan})
		require.Error(t, err)
		require.Contains(t, err.Error(), "no handler registered")
	})

	t.Run("a run executes only once", func(t *testing.T) {
		run, err := NewRun(RunOptions{
			Plan:     plan,
			Handlers: []Handler{fixedCostHandler(HandlerGeneration, 1.0, nil)},
		})
		require.NoError(t, err)
		require.NoError(t, run.Execute(context.Background()))
		require.Error(t, run.Execute(context.Background()))
	})
}
