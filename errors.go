package waypoint

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// FailureKind classifies a waypoint failure. The set is closed: only these
// kinds cross the executor boundary into the state machine.
type FailureKind string

const (
	// FailureBudgetExceeded indicates the cost ledger rejected a charge.
	// Terminal for the waypoint and never retried.
	FailureBudgetExceeded FailureKind = "budget_exceeded"

	// FailureTimeout indicates a handler invocation exceeded its deadline.
	FailureTimeout FailureKind = "handler_timeout"

	// FailureCrash indicates the isolation boundary terminated unexpectedly
	// (panic or equivalent). Treated the same as a timeout: retryable.
	FailureCrash FailureKind = "handler_crash"

	// FailureApplication indicates the handler ran to completion but reported
	// an error. Routed into the revision loop, not blindly retried.
	FailureApplication FailureKind = "handler_application_error"

	// FailureCircuitOpen indicates the handler type's circuit breaker rejected
	// the attempt before any invocation was made.
	FailureCircuitOpen FailureKind = "circuit_open"

	// FailureDeadlock indicates no waypoint is ready, none is running, and
	// unfinished waypoints remain. Terminal for the run.
	FailureDeadlock FailureKind = "dependency_deadlock"

	// FailureRevisionsExhausted indicates the waypoint failed verification
	// more times than the configured revision limit allows.
	FailureRevisionsExhausted FailureKind = "revisions_exhausted"

	// FailurePredecessorFailed indicates the waypoint was skipped because a
	// non-critical predecessor failed.
	FailurePredecessorFailed FailureKind = "predecessor_failed"
)

// WaypointError is a structured error carrying a failure classification.
// It supports Go's error wrapping patterns with Unwrap().
type WaypointError struct {
	Kind    FailureKind `json:"kind"`
	Cause   string      `json:"cause"`
	Details any         `json:"details,omitempty"`
	Wrapped error       `json:"-"`
}

func (e *WaypointError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Cause)
}

func (e *WaypointError) Unwrap() error {
	return e.Wrapped
}

// NewWaypointError creates a new WaypointError with the given kind and cause.
func NewWaypointError(kind FailureKind, cause string) *WaypointError {
	return &WaypointError{Kind: kind, Cause: cause}
}

// Classify converts a regular error into a WaypointError. Deadline errors map
// to handler_timeout; everything unrecognized defaults to an application
// error, since unknown handler errors belong in the revision loop rather than
// the retry loop.
func Classify(err error) *WaypointError {
	var werr *WaypointError
	if errors.As(err, &werr) {
		return werr
	}
	if errors.Is(err, context.DeadlineExceeded) ||
		strings.Contains(strings.ToLower(err.Error()), "timeout") {
		return &WaypointError{
			Kind:    FailureTimeout,
			Cause:   err.Error(),
			Wrapped: err,
		}
	}
	return &WaypointError{
		Kind:    FailureApplication,
		Cause:   err.Error(),
		Wrapped: err,
	}
}

// IsKind reports whether the error classifies as the given failure kind.
func IsKind(err error, kind FailureKind) bool {
	if err == nil {
		return false
	}
	return Classify(err).Kind == kind
}

// Failure is the serializable record of a waypoint's most recent failure,
// retained for revision feedback and operator diagnosis.
type Failure struct {
	Kind   FailureKind `json:"kind"`
	Cause  string      `json:"cause"`
	Detail string      `json:"detail,omitempty"`
}

func failureFromError(err *WaypointError) *Failure {
	f := &Failure{Kind: err.Kind, Cause: err.Cause}
	if detail, ok := err.Details.(string); ok {
		f.Detail = detail
	}
	return f
}
