package waypoint

import "time"

// Checkpoint contains a complete snapshot of run state: every waypoint's
// execution fields, the ledger, and the circuit breakers. A run restored from
// a checkpoint continues as if the process had never died, except that any
// in-flight waypoint is re-executed.
type Checkpoint struct {
	ID           string                           `json:"id"`
	RunID        string                           `json:"run_id"`
	PlanName     string                           `json:"plan_name"`
	Status       string                           `json:"status"`
	Ledger       *LedgerSnapshot                  `json:"ledger"`
	Waypoints    []*Waypoint                      `json:"waypoints"`
	Breakers     map[HandlerType]*BreakerSnapshot `json:"breakers,omitempty"`
	InFlight     string                           `json:"in_flight,omitempty"`
	Error        string                           `json:"error,omitempty"`
	StartTime    time.Time                        `json:"start_time,omitzero"`
	EndTime      time.Time                        `json:"end_time,omitzero"`
	CheckpointAt time.Time                        `json:"checkpoint_at"`
}
