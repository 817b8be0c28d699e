package waypoint

import (
	"context"
	"time"
)

// RunCallbacks defines the callback interface for run lifecycle events
type RunCallbacks interface {
	// Run-level callbacks
	BeforeRun(ctx context.Context, event *RunEvent)
	AfterRun(ctx context.Context, event *RunEvent)

	// Waypoint-level callbacks
	BeforeWaypoint(ctx context.Context, event *WaypointEvent)
	AfterWaypoint(ctx context.Context, event *WaypointEvent)

	// OnRevision fires when verification fails and a waypoint is sent back
	// through the revision loop
	OnRevision(ctx context.Context, event *WaypointEvent)

	// OnCircuitOpen fires when a handler type's circuit breaker opens
	OnCircuitOpen(ctx context.Context, event *CircuitEvent)

	// OnCheckpoint fires after a checkpoint has been persisted
	OnCheckpoint(ctx context.Context, event *CheckpointEvent)
}

// RunEvent provides context for run-level events
type RunEvent struct {
	RunID     string
	PlanName  string
	Status    RunStatusValue
	StartTime time.Time
	EndTime   time.Time
	Duration  time.Duration
	Spend     float64
	Error     error
}

// WaypointEvent provides context for waypoint-level events
type WaypointEvent struct {
	RunID            string
	PlanName         string
	WaypointID       string
	Handler          HandlerType
	Status           Status
	Attempts         int
	RevisionAttempts int
	Cost             float64
	Feedback         *RevisionFeedback
	Failure          *Failure
	StartTime        time.Time
	EndTime          time.Time
	Duration         time.Duration
}

// CircuitEvent provides context for circuit breaker transitions
type CircuitEvent struct {
	RunID               string
	Handler             HandlerType
	State               BreakerState
	ConsecutiveFailures int
}

// CheckpointEvent provides context for checkpoint persistence events
type CheckpointEvent struct {
	RunID        string
	CheckpointID string
	Status       RunStatusValue
	CheckpointAt time.Time
}

// BaseRunCallbacks provides a default implementation that does nothing
type BaseRunCallbacks struct{}

func (n *BaseRunCallbacks) BeforeRun(ctx context.Context, event *RunEvent) {
	// noop
}

func (n *BaseRunCallbacks) AfterRun(ctx context.Context, event *RunEvent) {
	// noop
}

func (n *BaseRunCallbacks) BeforeWaypoint(ctx context.Context, event *WaypointEvent) {
	// noop
}

func (n *BaseRunCallbacks) AfterWaypoint(ctx context.Context, event *WaypointEvent) {
	// noop
}

func (n *BaseRunCallbacks) OnRevision(ctx context.Context, event *WaypointEvent) {
	// noop
}

func (n *BaseRunCallbacks) OnCircuitOpen(ctx context.Context, event *CircuitEvent) {
	// noop
}

func (n *BaseRunCallbacks) OnCheckpoint(ctx context.Context, event *CheckpointEvent) {
	// noop
}

// NewBaseRunCallbacks creates a new no-op callbacks implementation. Embed
// this in your own callbacks to get a default implementation that does
// nothing.
func NewBaseRunCallbacks() RunCallbacks {
	return &BaseRunCallbacks{}
}

// CallbackChain allows chaining multiple callback implementations
type CallbackChain struct {
	callbacks []RunCallbacks
}

// NewCallbackChain creates a new callback chain
func NewCallbackChain(callbacks ...RunCallbacks) *CallbackChain {
	return &CallbackChain{callbacks: callbacks}
}

// Add adds a callback to the chain
func (c *CallbackChain) Add(callback RunCallbacks) {
	c.callbacks = append(c.callbacks, callback)
}

func (c *CallbackChain) BeforeRun(ctx context.Context, event *RunEvent) {
	for _, callback := range c.callbacks {
		callback.BeforeRun(ctx, event)
	}
}

func (c *CallbackChain) AfterRun(ctx context.Context, event *RunEvent) {
	for _, callback := range c.callbacks {
		callback.AfterRun(ctx, event)
	}
}

func (c *CallbackChain) BeforeWaypoint(ctx context.Context, event *WaypointEvent) {
	for _, callback := range c.callbacks {
		callback.BeforeWaypoint(ctx, event)
	}
}

func (c *CallbackChain) AfterWaypoint(ctx context.Context, event *WaypointEvent) {
	for _, callback := range c.callbacks {
		callback.AfterWaypoint(ctx, event)
	}
}

func (c *CallbackChain) OnRevision(ctx context.Context, event *WaypointEvent) {
	for _, callback := range c.callbacks {
		callback.OnRevision(ctx, event)
	}
}

func (c *CallbackChain) OnCircuitOpen(ctx context.Context, event *CircuitEvent) {
	for _, callback := range c.callbacks {
		callback.OnCircuitOpen(ctx, event)
	}
}

func (c *CallbackChain) OnCheckpoint(ctx context.Context, event *CheckpointEvent) {
	for _, callback := range c.callbacks {
		callback.OnCheckpoint(ctx, event)
	}
}
