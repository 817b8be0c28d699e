package waypoint

import (
	"time"
)

// HandlerType enumerates the specialized task handlers a waypoint can be
// assigned to. The core never inspects what a handler produces, only whether
// the invocation succeeded and what it cost.
type HandlerType string

const (
	HandlerPlanning     HandlerType = "planning"
	HandlerGeneration   HandlerType = "generation"
	HandlerVerification HandlerType = "verification"
	HandlerReview       HandlerType = "review"
	HandlerExplanation  HandlerType = "explanation"
)

// Valid reports whether t is one of the known handler types.
func (t HandlerType) Valid() bool {
	switch t {
	case HandlerPlanning, HandlerGeneration, HandlerVerification, HandlerReview, HandlerExplanation:
		return true
	}
	return false
}

// Status represents a waypoint's position in its lifecycle.
type Status string

const (
	StatusPending       Status = "pending"
	StatusRunning       Status = "running"
	StatusSucceeded     Status = "succeeded"
	StatusNeedsRevision Status = "needs_revision"
	StatusFailed        Status = "failed"
	StatusSkipped       Status = "skipped"
)

// Terminal reports whether the status is final. Terminal waypoints are never
// transitioned again.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusSkipped:
		return true
	}
	return false
}

// RevisionFeedback carries structured verification feedback into the next
// handler invocation of a waypoint's revision loop.
type RevisionFeedback struct {
	Reason  string         `json:"reason"`
	Details map[string]any `json:"details,omitempty"`
}

// AttemptRecord captures one handler invocation attempt for the waypoint's
// attempt history.
type AttemptRecord struct {
	Attempt   int         `json:"attempt"`
	Kind      FailureKind `json:"kind,omitempty"`
	Error     string      `json:"error,omitempty"`
	StartTime time.Time   `json:"start_time,omitzero"`
	Duration  float64     `json:"duration"`
}

// Waypoint is a single schedulable unit of work. The definition fields are
// set at planning time; the execution fields are mutated only by the state
// machine and are fully JSON serializable for checkpointing.
type Waypoint struct {
	ID          string      `json:"id" yaml:"id"`
	Description string      `json:"description" yaml:"description"`
	Handler     HandlerType `json:"handler" yaml:"handler"`
	DependsOn   []string    `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	Critical    bool        `json:"critical,omitempty" yaml:"critical,omitempty"`

	Status           Status              `json:"status" yaml:"-"`
	Attempts         int                 `json:"attempts" yaml:"-"`
	RevisionAttempts int                 `json:"revision_attempts" yaml:"-"`
	Cost             float64             `json:"cost" yaml:"-"`
	LastFailure      *Failure            `json:"last_failure,omitempty" yaml:"-"`
	FeedbackHistory  []*RevisionFeedback `json:"feedback_history,omitempty" yaml:"-"`
	AttemptHistory   []*AttemptRecord    `json:"attempt_history,omitempty" yaml:"-"`
	StartTime        time.Time           `json:"start_time,omitzero" yaml:"-"`
	EndTime          time.Time           `json:"end_time,omitzero" yaml:"-"`
}

// Copy returns a deep copy of the waypoint.
func (w *Waypoint) Copy() *Waypoint {
	dup := *w
	dup.DependsOn = append([]string(nil), w.DependsOn...)
	if w.LastFailure != nil {
		failure := *w.LastFailure
		dup.LastFailure = &failure
	}
	dup.FeedbackHistory = make([]*RevisionFeedback, 0, len(w.FeedbackHistory))
	for _, fb := range w.FeedbackHistory {
		f := *fb
		f.Details = copyMap(fb.Details)
		dup.FeedbackHistory = append(dup.FeedbackHistory, &f)
	}
	dup.AttemptHistory = make([]*AttemptRecord, 0, len(w.AttemptHistory))
	for _, rec := range w.AttemptHistory {
		r := *rec
		dup.AttemptHistory = append(dup.AttemptHistory, &r)
	}
	return &dup
}

// LatestFeedback returns the most recent revision feedback, or nil if the
// waypoint has never failed verification.
func (w *Waypoint) LatestFeedback() *RevisionFeedback {
	if len(w.FeedbackHistory) == 0 {
		return nil
	}
	return w.FeedbackHistory[len(w.FeedbackHistory)-1]
}

// copyMap creates a shallow copy of a map
func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyWaypoints(waypoints []*Waypoint) []*Waypoint {
	out := make([]*Waypoint, 0, len(waypoints))
	for _, wp := range waypoints {
		out = append(out, wp.Copy())
	}
	return out
}
