package waypoint

import (
	"fmt"
	"time"
)

// Machine governs a single waypoint's lifecycle. All waypoint mutations go
// through it; illegal transitions are rejected and terminal statuses are
// immutable.
type Machine struct {
	maxRevisions int
	now          func() time.Time
}

// NewMachine creates a state machine with the given revision bound.
func NewMachine(maxRevisions int, clock func() time.Time) *Machine {
	if clock == nil {
		clock = time.Now
	}
	return &Machine{maxRevisions: maxRevisions, now: clock}
}

// MaxRevisions returns the configured revision bound.
func (m *Machine) MaxRevisions() int {
	return m.maxRevisions
}

// Start transitions a waypoint selected by the scheduler into the running
// status.
func (m *Machine) Start(wp *Waypoint) error {
	if wp.Status != StatusPending && wp.Status != StatusNeedsRevision {
		return fmt.Errorf("waypoint %q cannot start from status %q", wp.ID, wp.Status)
	}
	if wp.StartTime.IsZero() {
		wp.StartTime = m.now()
	}
	wp.Status = StatusRunning
	return nil
}

// Complete interprets an execution outcome (and, for successful invocations,
// the verification result) and advances the waypoint accordingly.
func (m *Machine) Complete(wp *Waypoint, outcome *Outcome, verification *VerificationResult) error {
	if wp.Status != StatusRunning {
		return fmt.Errorf("waypoint %q cannot complete from status %q", wp.ID, wp.Status)
	}
	wp.Attempts += outcome.Attempts
	wp.AttemptHistory = append(wp.AttemptHistory, outcome.Records...)

	switch outcome.Kind {
	case OutcomeSucceeded:
		if verification == nil || verification.Passed {
			wp.Status = StatusSucceeded
			wp.EndTime = m.now()
			wp.LastFailure = nil
			return nil
		}
		return m.requestRevision(wp, verification.Feedback)

	case OutcomeApplicationError:
		// The handler ran but reported an error. Routed into the revision
		// loop rather than retried blindly.
		feedback := &RevisionFeedback{Reason: outcome.Failure.Cause}
		return m.requestRevision(wp, feedback)

	case OutcomeTimeout, OutcomeCrash, OutcomeCircuitOpen:
		m.fail(wp, outcome.Failure)
		return nil
	}
	return fmt.Errorf("unknown outcome kind %q for waypoint %q", outcome.Kind, wp.ID)
}

func (m *Machine) requestRevision(wp *Waypoint, feedback *RevisionFeedback) error {
	if feedback == nil {
		feedback = &RevisionFeedback{Reason: "verification failed"}
	}
	wp.FeedbackHistory = append(wp.FeedbackHistory, feedback)
	if wp.RevisionAttempts >= m.maxRevisions {
		m.fail(wp, &Failure{
			Kind:  FailureRevisionsExhausted,
			Cause: fmt.Sprintf("verification still failing after %d revisions: %s", wp.RevisionAttempts, feedback.Reason),
		})
		return nil
	}
	wp.RevisionAttempts++
	wp.Status = StatusNeedsRevision
	return nil
}

// Fail marks a running waypoint as failed with the given reason.
func (m *Machine) Fail(wp *Waypoint, failure *Failure) error {
	if wp.Status != StatusRunning {
		return fmt.Errorf("waypoint %q cannot fail from status %q", wp.ID, wp.Status)
	}
	m.fail(wp, failure)
	return nil
}

func (m *Machine) fail(wp *Waypoint, failure *Failure) {
	wp.Status = StatusFailed
	wp.LastFailure = failure
	wp.EndTime = m.now()
}

// Skip marks a pending waypoint as skipped because a predecessor failed
// under the non-critical policy.
func (m *Machine) Skip(wp *Waypoint, cause string) error {
	if wp.Status != StatusPending {
		return fmt.Errorf("waypoint %q cannot be skipped from status %q", wp.ID, wp.Status)
	}
	wp.Status = StatusSkipped
	wp.LastFailure = &Failure{Kind: FailurePredecessorFailed, Cause: cause}
	wp.EndTime = m.now()
	return nil
}

// Reset returns a waypoint that was in flight at checkpoint time to pending,
// so it is re-executed at least once rather than silently dropped.
func (m *Machine) Reset(wp *Waypoint) {
	if wp.Status == StatusRunning {
		wp.Status = StatusPending
		wp.StartTime = time.Time{}
	}
}
