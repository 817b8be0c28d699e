package waypoint

import (
	"context"
	"time"
)

// Run event names recorded by the event logger.
const (
	EventRunStarted        = "run_started"
	EventRunFinished       = "run_finished"
	EventWaypointStarted   = "waypoint_started"
	EventWaypointSucceeded = "waypoint_succeeded"
	EventWaypointFailed    = "waypoint_failed"
	EventWaypointSkipped   = "waypoint_skipped"
	EventRevisionRequested = "revision_requested"
	EventCircuitOpened     = "circuit_opened"
	EventCheckpointWritten = "checkpoint_written"
	EventBudgetDenied      = "budget_denied"
)

// EventLogEntry represents a single run event log entry
type EventLogEntry struct {
	ID         string         `json:"id"`
	RunID      string         `json:"run_id"`
	Event      string         `json:"event"`
	WaypointID string         `json:"waypoint_id,omitempty"`
	Handler    HandlerType    `json:"handler,omitempty"`
	Status     string         `json:"status,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
	Error      string         `json:"error,omitempty"`
	Time       time.Time      `json:"time"`
}

// EventLogger defines simple run event logging interface
type EventLogger interface {
	// LogEvent records a run event
	LogEvent(ctx context.Context, entry *EventLogEntry) error

	// GetEventHistory retrieves the event log for a run
	GetEventHistory(ctx context.Context, runID string) ([]*EventLogEntry, error)
}
