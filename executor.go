package waypoint

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/deepnoodle-ai/waypoint/retry"
)

// OutcomeKind is the closed set of results an execution can produce. The
// state machine switches on it exhaustively.
type OutcomeKind string

const (
	OutcomeSucceeded        OutcomeKind = "succeeded"
	OutcomeApplicationError OutcomeKind = "application_error"
	OutcomeTimeout          OutcomeKind = "timeout"
	OutcomeCrash            OutcomeKind = "crash"
	OutcomeCircuitOpen      OutcomeKind = "circuit_open"
)

// Outcome is the structured result of executing one waypoint's handler
// invocation, including retries. Exactly one of Output or Failure is
// meaningful, depending on Kind.
type Outcome struct {
	Kind     OutcomeKind
	Output   any
	Cost     float64
	Attempts int
	Failure  *Failure
	Records  []*AttemptRecord
}

// ExecutorOptions configures a fault-isolation executor.
type ExecutorOptions struct {
	// Breakers holds the per-handler-type circuit breakers. Required.
	Breakers *BreakerSet

	// Timeout is the hard deadline for a single handler invocation attempt.
	// Defaults to 2 minutes.
	Timeout time.Duration

	// RetryOptions configure the backoff policy applied to timeouts and
	// crashes. Defaults: 3 retries, 1s base wait.
	RetryOptions []retry.Option

	Logger *slog.Logger

	// Clock overrides time.Now, for tests.
	Clock func() time.Time
}

// Executor runs a single waypoint's handler invocation inside an isolation
// boundary: each attempt gets its own goroutine and hard deadline, panics are
// captured as crash outcomes, and a hung invocation is abandoned rather than
// joined. Transient faults are absorbed here; only taxonomy outcomes cross
// into the state machine.
type Executor struct {
	breakers  *BreakerSet
	timeout   time.Duration
	retryOpts []retry.Option
	logger    *slog.Logger
	now       func() time.Time
}

// NewExecutor creates an executor with the given options.
func NewExecutor(opts ExecutorOptions) (*Executor, error) {
	if opts.Breakers == nil {
		return nil, fmt.Errorf("breakers are required")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Executor{
		breakers:  opts.Breakers,
		timeout:   opts.Timeout,
		retryOpts: opts.RetryOptions,
		logger:    opts.Logger,
		now:       opts.Clock,
	}, nil
}

// Execute invokes the handler for one waypoint. The returned error is non-nil
// only when ctx was canceled (shutdown); every other result, including every
// failure mode, is expressed as an Outcome.
func (x *Executor) Execute(ctx context.Context, wp *Waypoint, handler Handler, feedback *RevisionFeedback) (*Outcome, error) {
	breaker := x.breakers.For(wp.Handler)

	var out *HandlerOutput
	var records []*AttemptRecord
	attempts := 0

	err := retry.Do(ctx, func() error {
		if err := breaker.Allow(); err != nil {
			return retry.NewNonRecoverableError(err)
		}
		attempts++
		started := x.now()

		result, invokeErr := x.invokeIsolated(ctx, wp, handler, feedback)
		record := &AttemptRecord{
			Attempt:   attempts,
			StartTime: started,
			Duration:  x.now().Sub(started).Seconds(),
		}
		if invokeErr == nil {
			records = append(records, record)
			breaker.RecordSuccess()
			out = result
			return nil
		}

		werr := classifyInvokeError(invokeErr)
		record.Kind = werr.Kind
		record.Error = werr.Cause
		records = append(records, record)

		switch werr.Kind {
		case FailureTimeout, FailureCrash:
			breaker.RecordFailure()
			x.logger.Warn("handler attempt failed",
				"waypoint_id", wp.ID,
				"handler", wp.Handler,
				"attempt", attempts,
				"kind", werr.Kind,
				"error", werr.Cause)
			return retry.NewRecoverableError(werr)
		default:
			// Application errors are surfaced to the state machine for
			// revision routing, never retried here.
			return retry.NewNonRecoverableError(werr)
		}
	}, x.retryOpts...)

	if err == nil {
		return &Outcome{
			Kind:     OutcomeSucceeded,
			Output:   out.Output,
			Cost:     out.Cost,
			Attempts: attempts,
			Records:  records,
		}, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	werr := Classify(err)
	return &Outcome{
		Kind:     outcomeKindForFailure(werr.Kind),
		Attempts: attempts,
		Failure:  failureFromError(werr),
		Records:  records,
	}, nil
}

// invokeIsolated runs one invocation attempt on its own goroutine with a
// hard deadline. The goroutine never shares memory with the coordinator; it
// communicates only through the buffered result channel. A hung invocation
// is abandoned when the deadline fires.
func (x *Executor) invokeIsolated(ctx context.Context, wp *Waypoint, handler Handler, feedback *RevisionFeedback) (*HandlerOutput, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, x.timeout)
	defer cancel()

	type result struct {
		out *HandlerOutput
		err error
	}
	resultCh := make(chan result, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				resultCh <- result{err: &WaypointError{
					Kind:  FailureCrash,
					Cause: fmt.Sprintf("handler panicked: %v", r),
				}}
			}
		}()
		out, err := handler.Invoke(attemptCtx, wp, feedback)
		resultCh <- result{out: out, err: err}
	}()

	select {
	case r := <-resultCh:
		return r.out, r.err
	case <-attemptCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &WaypointError{
			Kind:    FailureTimeout,
			Cause:   fmt.Sprintf("handler exceeded %s deadline", x.timeout),
			Wrapped: attemptCtx.Err(),
		}
	}
}

// classifyInvokeError maps an invocation error to the failure taxonomy.
// Errors the retry heuristics consider transient count as crashes so they
// feed the breaker and the retry loop.
func classifyInvokeError(err error) *WaypointError {
	werr := Classify(err)
	if werr.Kind == FailureApplication && retry.IsRecoverable(err) {
		return &WaypointError{Kind: FailureCrash, Cause: werr.Cause, Wrapped: err}
	}
	return werr
}

func outcomeKindForFailure(kind FailureKind) OutcomeKind {
	switch kind {
	case FailureTimeout:
		return OutcomeTimeout
	case FailureCrash:
		return OutcomeCrash
	case FailureCircuitOpen:
		return OutcomeCircuitOpen
	default:
		return OutcomeApplicationError
	}
}
