package waypoint

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/deepnoodle-ai/waypoint/retry"
	"github.com/deepnoodle-ai/waypoint/script"
	"go.jetify.com/typeid"
)

// RunStatusValue describes a run's overall position in its lifecycle.
type RunStatusValue string

const (
	RunStatusPending   RunStatusValue = "pending"
	RunStatusRunning   RunStatusValue = "running"
	RunStatusCompleted RunStatusValue = "completed"
	RunStatusFailed    RunStatusValue = "failed"
	RunStatusHalted    RunStatusValue = "halted"
)

// NewRunID returns a new unique run identifier.
func NewRunID() string {
	id, err := typeid.WithPrefix("run")
	if err != nil {
		panic(err)
	}
	return id.String()
}

func newCheckpointID() string {
	id, err := typeid.WithPrefix("ckpt")
	if err != nil {
		panic(err)
	}
	return id.String()
}

func newEventID() string {
	id, err := typeid.WithPrefix("evt")
	if err != nil {
		panic(err)
	}
	return id.String()
}

// RunOptions are used to configure a run.
type RunOptions struct {
	// Plan is the waypoint plan to execute. Required.
	Plan *Plan

	// Handlers serve the plan's waypoints. A handler given here overrides a
	// scripted handler of the same type declared in the plan.
	Handlers []Handler

	// Verifier checks handler outputs. Defaults to the plan's verification
	// script if one is declared, otherwise every output passes.
	Verifier Verifier

	// Budget overrides the plan's budget ceiling when positive.
	Budget float64

	Checkpointer Checkpointer
	EventLogger  EventLogger
	Logger       *slog.Logger
	Formatter    RunFormatter
	Callbacks    RunCallbacks

	// RunID overrides the generated run identifier.
	RunID string

	// MaxRevisions bounds the verification revision loop. Defaults to 3.
	MaxRevisions int

	// HandlerTimeout is the hard deadline per handler invocation attempt.
	// Defaults to 2 minutes.
	HandlerTimeout time.Duration

	// RetryOptions configure transient-fault retries inside the executor.
	RetryOptions []retry.Option

	// BreakerOptions configure the per-handler-type circuit breakers.
	BreakerOptions BreakerOptions

	// CheckpointInterval is the cadence for periodic checkpoints between
	// waypoints. Defaults to 30 seconds.
	CheckpointInterval time.Duration

	// ShutdownGrace is how long an in-flight handler may keep running after
	// a shutdown request before its context is canceled. Defaults to 10
	// seconds.
	ShutdownGrace time.Duration

	// Clock overrides time.Now, for tests.
	Clock func() time.Time
}

// RunStatus is a point-in-time view of a run, safe to read while the run
// loop is active.
type RunStatus struct {
	RunID     string                          `json:"run_id"`
	PlanName  string                          `json:"plan_name"`
	Status    RunStatusValue                  `json:"status"`
	Waypoints []*Waypoint                     `json:"waypoints"`
	Ceiling   float64                         `json:"ceiling"`
	Spent     float64                         `json:"spent"`
	Remaining float64                         `json:"remaining"`
	Breakdown map[HandlerType]float64         `json:"breakdown,omitempty"`
	Breakers  map[HandlerType]*BreakerStatus  `json:"breakers,omitempty"`
	StartTime time.Time                       `json:"start_time,omitzero"`
	EndTime   time.Time                       `json:"end_time,omitzero"`
	Error     string                          `json:"error,omitempty"`
}

// Run coordinates one execution of a plan: it owns the graph, the ledger,
// the breakers, the state machine, and the executor, and it is the only
// component that mutates waypoint state. Waypoints execute one at a time.
type Run struct {
	mutex        sync.RWMutex
	id           string
	plan         *Plan
	graph        *Graph
	handlers     HandlerRegistry
	verifier     Verifier
	ledger       *Ledger
	breakers     *BreakerSet
	machine      *Machine
	executor     *Executor
	checkpointer Checkpointer
	eventLogger  EventLogger
	logger       *slog.Logger
	formatter    RunFormatter
	callbacks    RunCallbacks

	checkpointInterval time.Duration
	shutdownGrace      time.Duration
	now                func() time.Time

	status         RunStatusValue
	err            error
	startTime      time.Time
	endTime        time.Time
	inFlight       string
	lastCheckpoint time.Time
	started        bool

	shutdownCh   chan struct{}
	shutdownOnce sync.Once
}

// NewRun returns a new Run configured with the given options.
func NewRun(opts RunOptions) (*Run, error) {
	if opts.Plan == nil {
		return nil, fmt.Errorf("plan required")
	}
	ceiling := opts.Budget
	if ceiling <= 0 {
		ceiling = opts.Plan.Budget()
	}
	if ceiling <= 0 {
		return nil, fmt.Errorf("a positive budget is required")
	}
	if opts.RunID == "" {
		opts.RunID = NewRunID()
	}
	if opts.MaxRevisions <= 0 {
		opts.MaxRevisions = 3
	}
	if opts.HandlerTimeout <= 0 {
		opts.HandlerTimeout = 2 * time.Minute
	}
	if opts.CheckpointInterval <= 0 {
		opts.CheckpointInterval = 30 * time.Second
	}
	if opts.ShutdownGrace <= 0 {
		opts.ShutdownGrace = 10 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Checkpointer == nil {
		opts.Checkpointer = NewNullCheckpointer()
	}
	if opts.EventLogger == nil {
		opts.EventLogger = NewNullEventLogger()
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Formatter == nil {
		opts.Formatter = NewNullRunFormatter()
	}
	if opts.Callbacks == nil {
		opts.Callbacks = NewBaseRunCallbacks()
	}

	handlers, err := resolveHandlers(opts.Plan, opts.Handlers)
	if err != nil {
		return nil, err
	}

	// The run operates on its own copies; the plan's waypoint definitions
	// stay pristine for reuse.
	graph, err := NewGraph(copyWaypoints(opts.Plan.Waypoints()))
	if err != nil {
		return nil, err
	}
	for _, wp := range graph.All() {
		if _, ok := handlers[wp.Handler]; !ok {
			return nil, fmt.Errorf("no handler registered for type %q (waypoint %q)", wp.Handler, wp.ID)
		}
	}

	verifier := opts.Verifier
	if verifier == nil && opts.Plan.VerifyScript() != "" {
		verifier, err = NewScriptVerifier(context.Background(), newScriptCompiler(), opts.Plan.VerifyScript())
		if err != nil {
			return nil, err
		}
	}
	if verifier == nil {
		verifier = NewAcceptAllVerifier()
	}

	breakerOpts := opts.BreakerOptions
	if breakerOpts.Clock == nil {
		breakerOpts.Clock = opts.Clock
	}
	breakers := NewBreakerSet(breakerOpts)

	executor, err := NewExecutor(ExecutorOptions{
		Breakers:     breakers,
		Timeout:      opts.HandlerTimeout,
		RetryOptions: opts.RetryOptions,
		Logger:       opts.Logger,
		Clock:        opts.Clock,
	})
	if err != nil {
		return nil, err
	}

	return &Run{
		id:                 opts.RunID,
		plan:               opts.Plan,
		graph:              graph,
		handlers:           handlers,
		verifier:           verifier,
		ledger:             NewLedger(ceiling),
		breakers:           breakers,
		machine:            NewMachine(opts.MaxRevisions, opts.Clock),
		executor:           executor,
		checkpointer:       opts.Checkpointer,
		eventLogger:        opts.EventLogger,
		logger:             opts.Logger,
		formatter:          opts.Formatter,
		callbacks:          opts.Callbacks,
		checkpointInterval: opts.CheckpointInterval,
		shutdownGrace:      opts.ShutdownGrace,
		now:                opts.Clock,
		status:             RunStatusPending,
		shutdownCh:         make(chan struct{}),
	}, nil
}

// newScriptCompiler creates the risor compiler used for plan-declared
// handlers and verifiers. The global names must be known at compile time.
func newScriptCompiler() script.Compiler {
	return script.NewRisorEngine(map[string]any{
		"waypoint": nil,
		"feedback": nil,
		"output":   nil,
	})
}

// resolveHandlers merges the plan's scripted handlers with explicitly
// provided ones. Explicit handlers win.
func resolveHandlers(plan *Plan, explicit []Handler) (HandlerRegistry, error) {
	registry, err := NewHandlerRegistry(explicit)
	if err != nil {
		return nil, err
	}
	compiler := newScriptCompiler()
	for _, cfg := range plan.ScriptHandlers() {
		if _, exists := registry[cfg.Type]; exists {
			continue
		}
		handler, err := NewScriptHandler(context.Background(), compiler, cfg)
		if err != nil {
			return nil, err
		}
		registry[cfg.Type] = handler
	}
	return registry, nil
}

// ID returns the run identifier.
func (r *Run) ID() string {
	return r.id
}

// Shutdown requests a graceful halt: no new waypoint starts, the in-flight
// handler gets the configured grace period, and a checkpoint is written
// before Execute returns. Safe to call from any goroutine, more than once.
func (r *Run) Shutdown() {
	r.shutdownOnce.Do(func() {
		close(r.shutdownCh)
	})
}

func (r *Run) shutdownRequested() bool {
	select {
	case <-r.shutdownCh:
		return true
	default:
		return false
	}
}

// Execute runs the plan to completion, a terminal failure, or a shutdown.
// The returned error is nil when the run completed or was halted cleanly.
func (r *Run) Execute(ctx context.Context) error {
	r.mutex.Lock()
	if r.started {
		r.mutex.Unlock()
		return fmt.Errorf("run %q already started", r.id)
	}
	r.started = true
	r.status = RunStatusRunning
	r.startTime = r.now()
	r.mutex.Unlock()

	return r.run(ctx)
}

// Resume restores state from the latest checkpoint of a prior run and
// continues it. Any waypoint that was in flight at checkpoint time is reset
// to pending and re-executed.
func (r *Run) Resume(ctx context.Context, priorRunID string) error {
	checkpoint, err := r.checkpointer.LoadCheckpoint(ctx, priorRunID)
	if err != nil {
		return fmt.Errorf("failed to load checkpoint for run %q: %w", priorRunID, err)
	}
	if checkpoint == nil {
		return fmt.Errorf("no checkpoint found for run %q", priorRunID)
	}

	r.mutex.Lock()
	if r.started {
		r.mutex.Unlock()
		return fmt.Errorf("run %q already started", r.id)
	}
	r.started = true
	r.id = checkpoint.RunID
	r.startTime = checkpoint.StartTime
	if checkpoint.Ledger != nil {
		r.ledger.Restore(checkpoint.Ledger)
	}
	if checkpoint.Breakers != nil {
		r.breakers.Restore(checkpoint.Breakers)
	}

	graph, err := NewGraph(checkpoint.Waypoints)
	if err != nil {
		r.mutex.Unlock()
		return fmt.Errorf("checkpoint for run %q is not loadable: %w", priorRunID, err)
	}
	for _, wp := range graph.All() {
		if _, ok := r.handlers[wp.Handler]; !ok {
			r.mutex.Unlock()
			return fmt.Errorf("no handler registered for type %q (waypoint %q)", wp.Handler, wp.ID)
		}
		r.machine.Reset(wp)
	}
	r.graph = graph

	if checkpoint.Status == string(RunStatusCompleted) || checkpoint.Status == string(RunStatusFailed) {
		r.status = RunStatusValue(checkpoint.Status)
		r.endTime = checkpoint.EndTime
		r.mutex.Unlock()
		return nil
	}
	r.status = RunStatusRunning
	r.mutex.Unlock()

	r.logger.Info("resuming run",
		"run_id", r.id,
		"plan", r.plan.Name(),
		"spent", r.ledger.Spent())
	return r.run(ctx)
}

func (r *Run) run(ctx context.Context) error {
	// Handler invocations run under execCtx rather than the caller's ctx so
	// a shutdown request can grant the in-flight handler a grace period
	// before cutting it off.
	execCtx, hardCancel := context.WithCancel(context.Background())
	defer hardCancel()
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-watchDone:
			return
		case <-ctx.Done():
			r.Shutdown()
		case <-r.shutdownCh:
		}
		select {
		case <-watchDone:
		case <-time.After(r.shutdownGrace):
			hardCancel()
		}
	}()

	r.callbacks.BeforeRun(ctx, r.runEvent())
	r.logEvent(ctx, EventRunStarted, nil, map[string]any{
		"plan":   r.plan.Name(),
		"budget": r.ledger.Ceiling(),
	})
	r.mutex.Lock()
	r.lastCheckpoint = r.now()
	r.mutex.Unlock()

	for {
		if r.shutdownRequested() {
			return r.finishHalted(ctx)
		}

		ready := r.graph.Ready()
		if len(ready) == 0 {
			unfinished := r.graph.Unfinished()
			if len(unfinished) == 0 {
				return r.finishCompleted(ctx)
			}
			return r.finishDeadlocked(ctx, unfinished)
		}

		wp := ready[0]
		if err := r.executeWaypoint(ctx, execCtx, wp); err != nil {
			// Shutdown interrupted the handler. The waypoint has already
			// been reset to pending.
			return r.finishHalted(ctx)
		}

		if wp.Status == StatusFailed {
			if wp.Critical {
				return r.finishCriticalFailure(ctx, wp)
			}
			r.skipBlockedWaypoints(ctx, wp)
		}
		r.maybeCheckpoint(ctx)
	}
}

// executeWaypoint drives one waypoint through reserve, execute, verify, and
// state transition. A non-nil error means shutdown canceled the handler.
func (r *Run) executeWaypoint(ctx context.Context, execCtx context.Context, wp *Waypoint) error {
	handler := r.handlers[wp.Handler]
	feedback := wp.LatestFeedback()
	breakerBefore := r.breakers.For(wp.Handler).Status().State

	r.mutex.Lock()
	if err := r.machine.Start(wp); err != nil {
		r.mutex.Unlock()
		return nil
	}
	r.inFlight = wp.ID
	r.mutex.Unlock()

	r.formatter.PrintWaypointStart(wp)
	r.callbacks.BeforeWaypoint(ctx, r.waypointEvent(wp))
	r.logEvent(ctx, EventWaypointStarted, wp, nil)
	r.logger.Info("waypoint started",
		"run_id", r.id,
		"waypoint_id", wp.ID,
		"handler", wp.Handler,
		"revision_attempts", wp.RevisionAttempts)

	estimate, err := handler.EstimateCost(execCtx, wp)
	if err != nil {
		r.failWaypoint(ctx, wp, &Failure{
			Kind:  FailureApplication,
			Cause: fmt.Sprintf("cost estimation failed: %s", err),
		})
		return nil
	}

	permit, err := r.ledger.Reserve(wp.Handler, estimate)
	if err != nil {
		werr := Classify(err)
		r.logEvent(ctx, EventBudgetDenied, wp, map[string]any{
			"estimate":  estimate,
			"remaining": r.ledger.Remaining(),
		})
		r.logger.Warn("budget denied",
			"run_id", r.id,
			"waypoint_id", wp.ID,
			"estimate", estimate,
			"remaining", r.ledger.Remaining())
		r.failWaypoint(ctx, wp, failureFromError(werr))
		return nil
	}

	outcome, execErr := r.executor.Execute(execCtx, wp, handler, feedback)
	if execErr != nil {
		r.ledger.Release(permit)
		r.mutex.Lock()
		r.machine.Reset(wp)
		r.inFlight = ""
		r.mutex.Unlock()
		return execErr
	}

	var verification *VerificationResult
	if outcome.Kind == OutcomeSucceeded {
		r.ledger.Commit(permit, outcome.Cost)
		verification = r.verify(execCtx, wp, outcome.Output)
	} else {
		r.ledger.Release(permit)
	}

	r.mutex.Lock()
	if outcome.Kind == OutcomeSucceeded {
		wp.Cost += outcome.Cost
	}
	err = r.machine.Complete(wp, outcome, verification)
	r.inFlight = ""
	r.mutex.Unlock()
	if err != nil {
		r.logger.Error("waypoint transition failed",
			"run_id", r.id,
			"waypoint_id", wp.ID,
			"error", err)
	}

	r.afterWaypoint(ctx, wp, breakerBefore)
	return nil
}

func (r *Run) verify(ctx context.Context, wp *Waypoint, output any) *VerificationResult {
	result, err := r.verifier.Verify(ctx, wp, output)
	if err != nil {
		// A broken verifier counts as a failed verification, not a pass.
		return &VerificationResult{
			Passed:   false,
			Feedback: &RevisionFeedback{Reason: fmt.Sprintf("verifier error: %s", err)},
		}
	}
	return result
}

// failWaypoint applies a terminal failure reached outside the executor, such
// as a budget denial.
func (r *Run) failWaypoint(ctx context.Context, wp *Waypoint, failure *Failure) {
	r.mutex.Lock()
	err := r.machine.Fail(wp, failure)
	r.inFlight = ""
	r.mutex.Unlock()
	if err != nil {
		r.logger.Error("waypoint transition failed",
			"run_id", r.id,
			"waypoint_id", wp.ID,
			"error", err)
	}
	r.afterWaypoint(ctx, wp, r.breakers.For(wp.Handler).Status().State)
}

// afterWaypoint emits the events, callbacks, and formatter output for a
// finished transition, including circuit-open detection.
func (r *Run) afterWaypoint(ctx context.Context, wp *Waypoint, breakerBefore BreakerState) {
	r.formatter.PrintWaypointResult(wp)
	event := r.waypointEvent(wp)
	r.callbacks.AfterWaypoint(ctx, event)

	switch wp.Status {
	case StatusSucceeded:
		r.logEvent(ctx, EventWaypointSucceeded, wp, map[string]any{"cost": wp.Cost})
		r.logger.Info("waypoint succeeded",
			"run_id", r.id,
			"waypoint_id", wp.ID,
			"cost", wp.Cost,
			"attempts", wp.Attempts)
	case StatusNeedsRevision:
		r.callbacks.OnRevision(ctx, event)
		reason := ""
		if fb := wp.LatestFeedback(); fb != nil {
			reason = fb.Reason
		}
		r.logEvent(ctx, EventRevisionRequested, wp, map[string]any{
			"revision_attempts": wp.RevisionAttempts,
			"reason":            reason,
		})
		r.logger.Info("revision requested",
			"run_id", r.id,
			"waypoint_id", wp.ID,
			"revision_attempts", wp.RevisionAttempts,
			"reason", reason)
	case StatusFailed:
		details := map[string]any{}
		if wp.LastFailure != nil {
			details["kind"] = wp.LastFailure.Kind
			details["cause"] = wp.LastFailure.Cause
		}
		r.logEvent(ctx, EventWaypointFailed, wp, details)
		r.logger.Error("waypoint failed",
			"run_id", r.id,
			"waypoint_id", wp.ID,
			"failure", details)
	}

	status := r.breakers.For(wp.Handler).Status()
	if breakerBefore != BreakerOpen && status.State == BreakerOpen {
		r.callbacks.OnCircuitOpen(ctx, &CircuitEvent{
			RunID:               r.id,
			Handler:             wp.Handler,
			State:               status.State,
			ConsecutiveFailures: status.ConsecutiveFailures,
		})
		r.logEvent(ctx, EventCircuitOpened, wp, map[string]any{
			"consecutive_failures": status.ConsecutiveFailures,
		})
		r.logger.Warn("circuit opened",
			"run_id", r.id,
			"handler", wp.Handler,
			"consecutive_failures", status.ConsecutiveFailures)
	}
}

// skipBlockedWaypoints transitively skips pending waypoints that can never
// run because a dependency failed or was skipped.
func (r *Run) skipBlockedWaypoints(ctx context.Context, failed *Waypoint) {
	r.mutex.Lock()
	skippable := r.graph.Skippable()
	for _, wp := range skippable {
		if err := r.machine.Skip(wp, fmt.Sprintf("predecessor %q failed", failed.ID)); err != nil {
			r.logger.Error("waypoint transition failed",
				"run_id", r.id,
				"waypoint_id", wp.ID,
				"error", err)
		}
	}
	r.mutex.Unlock()

	for _, wp := range skippable {
		r.formatter.PrintWaypointResult(wp)
		r.callbacks.AfterWaypoint(ctx, r.waypointEvent(wp))
		r.logEvent(ctx, EventWaypointSkipped, wp, map[string]any{
			"predecessor": failed.ID,
		})
		r.logger.Info("waypoint skipped",
			"run_id", r.id,
			"waypoint_id", wp.ID,
			"predecessor", failed.ID)
	}
}

func (r *Run) finishCompleted(ctx context.Context) error {
	r.mutex.Lock()
	r.status = RunStatusCompleted
	r.endTime = r.now()
	r.mutex.Unlock()
	r.finish(ctx)
	return nil
}

func (r *Run) finishHalted(ctx context.Context) error {
	r.mutex.Lock()
	r.status = RunStatusHalted
	r.endTime = r.now()
	r.mutex.Unlock()
	r.logger.Info("run halted", "run_id", r.id)
	r.finish(ctx)
	return nil
}

func (r *Run) finishCriticalFailure(ctx context.Context, wp *Waypoint) error {
	cause := ""
	if wp.LastFailure != nil {
		cause = fmt.Sprintf(": %s: %s", wp.LastFailure.Kind, wp.LastFailure.Cause)
	}
	err := fmt.Errorf("critical waypoint %q failed%s", wp.ID, cause)
	r.mutex.Lock()
	r.status = RunStatusFailed
	r.err = err
	r.endTime = r.now()
	r.mutex.Unlock()
	r.logger.Error("run failed", "run_id", r.id, "error", err)
	r.finish(ctx)
	return err
}

func (r *Run) finishDeadlocked(ctx context.Context, unfinished []*Waypoint) error {
	var blocked []string
	for _, wp := range unfinished {
		var unmet []string
		for _, dep := range wp.DependsOn {
			if d, ok := r.graph.Get(dep); ok && d.Status != StatusSucceeded {
				unmet = append(unmet, fmt.Sprintf("%s(%s)", dep, d.Status))
			}
		}
		blocked = append(blocked, fmt.Sprintf("%s waiting on %s", wp.ID, strings.Join(unmet, ", ")))
	}
	err := &WaypointError{
		Kind:  FailureDeadlock,
		Cause: fmt.Sprintf("no waypoint is ready and %d remain unfinished: %s", len(unfinished), strings.Join(blocked, "; ")),
	}
	r.mutex.Lock()
	r.status = RunStatusFailed
	r.err = err
	r.endTime = r.now()
	r.mutex.Unlock()
	r.logger.Error("run deadlocked", "run_id", r.id, "error", err)
	r.finish(ctx)
	return err
}

// finish writes the final checkpoint and emits the closing event/callback.
func (r *Run) finish(ctx context.Context) {
	r.writeCheckpoint(ctx)
	event := r.runEvent()
	r.callbacks.AfterRun(ctx, event)
	details := map[string]any{
		"status": event.Status,
		"spend":  event.Spend,
	}
	entry := &EventLogEntry{
		ID:      newEventID(),
		RunID:   r.id,
		Event:   EventRunFinished,
		Status:  string(event.Status),
		Details: details,
		Time:    r.now(),
	}
	if event.Error != nil {
		entry.Error = event.Error.Error()
	}
	if err := r.eventLogger.LogEvent(ctx, entry); err != nil {
		r.logger.Warn("failed to log event", "run_id", r.id, "error", err)
	}
	r.formatter.PrintRunSummary(r.Status())
	r.logger.Info("run finished",
		"run_id", r.id,
		"status", event.Status,
		"spend", event.Spend,
		"duration", event.Duration)
}

func (r *Run) maybeCheckpoint(ctx context.Context) {
	r.mutex.RLock()
	due := r.now().Sub(r.lastCheckpoint) >= r.checkpointInterval
	r.mutex.RUnlock()
	if due {
		r.writeCheckpoint(ctx)
	}
}

func (r *Run) writeCheckpoint(ctx context.Context) {
	r.mutex.Lock()
	checkpoint := &Checkpoint{
		ID:           newCheckpointID(),
		RunID:        r.id,
		PlanName:     r.plan.Name(),
		Status:       string(r.status),
		Ledger:       r.ledger.Snapshot(),
		Waypoints:    copyWaypoints(r.graph.All()),
		Breakers:     r.breakers.Snapshot(),
		InFlight:     r.inFlight,
		StartTime:    r.startTime,
		EndTime:      r.endTime,
		CheckpointAt: r.now(),
	}
	if r.err != nil {
		checkpoint.Error = r.err.Error()
	}
	r.lastCheckpoint = checkpoint.CheckpointAt
	r.mutex.Unlock()

	if err := r.checkpointer.SaveCheckpoint(ctx, checkpoint); err != nil {
		r.logger.Warn("failed to save checkpoint",
			"run_id", r.id,
			"checkpoint_id", checkpoint.ID,
			"error", err)
		return
	}
	r.callbacks.OnCheckpoint(ctx, &CheckpointEvent{
		RunID:        r.id,
		CheckpointID: checkpoint.ID,
		Status:       RunStatusValue(checkpoint.Status),
		CheckpointAt: checkpoint.CheckpointAt,
	})
	r.logEvent(ctx, EventCheckpointWritten, nil, map[string]any{
		"checkpoint_id": checkpoint.ID,
	})
}

func (r *Run) runEvent() *RunEvent {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	event := &RunEvent{
		RunID:     r.id,
		PlanName:  r.plan.Name(),
		Status:    r.status,
		StartTime: r.startTime,
		EndTime:   r.endTime,
		Spend:     r.ledger.Spent(),
		Error:     r.err,
	}
	if !r.endTime.IsZero() {
		event.Duration = r.endTime.Sub(r.startTime)
	}
	return event
}

func (r *Run) waypointEvent(wp *Waypoint) *WaypointEvent {
	event := &WaypointEvent{
		RunID:            r.id,
		PlanName:         r.plan.Name(),
		WaypointID:       wp.ID,
		Handler:          wp.Handler,
		Status:           wp.Status,
		Attempts:         wp.Attempts,
		RevisionAttempts: wp.RevisionAttempts,
		Cost:             wp.Cost,
		Feedback:         wp.LatestFeedback(),
		Failure:          wp.LastFailure,
		StartTime:        wp.StartTime,
		EndTime:          wp.EndTime,
	}
	if !wp.EndTime.IsZero() {
		event.Duration = wp.EndTime.Sub(wp.StartTime)
	}
	return event
}

func (r *Run) logEvent(ctx context.Context, name string, wp *Waypoint, details map[string]any) {
	entry := &EventLogEntry{
		ID:      newEventID(),
		RunID:   r.id,
		Event:   name,
		Details: details,
		Time:    r.now(),
	}
	if wp != nil {
		entry.WaypointID = wp.ID
		entry.Handler = wp.Handler
		entry.Status = string(wp.Status)
		if wp.LastFailure != nil && wp.Status == StatusFailed {
			entry.Error = wp.LastFailure.Cause
		}
	}
	if err := r.eventLogger.LogEvent(ctx, entry); err != nil {
		r.logger.Warn("failed to log event", "run_id", r.id, "event", name, "error", err)
	}
}

// Status returns a point-in-time snapshot of the run.
func (r *Run) Status() *RunStatus {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	status := &RunStatus{
		RunID:     r.id,
		PlanName:  r.plan.Name(),
		Status:    r.status,
		Waypoints: copyWaypoints(r.graph.All()),
		Ceiling:   r.ledger.Ceiling(),
		Spent:     r.ledger.Spent(),
		Remaining: r.ledger.Remaining(),
		Breakdown: r.ledger.Breakdown(),
		Breakers:  r.breakers.Statuses(),
		StartTime: r.startTime,
		EndTime:   r.endTime,
	}
	if r.err != nil {
		status.Error = r.err.Error()
	}
	return status
}
