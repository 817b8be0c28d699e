package waypoint

import "time"

// RunSummary provides a condensed view of a run's checkpoint for listings.
type RunSummary struct {
	RunID     string        `json:"run_id"`
	PlanName  string        `json:"plan_name"`
	Status    string        `json:"status"`
	Spend     float64       `json:"spend"`
	StartTime time.Time     `json:"start_time,omitzero"`
	EndTime   time.Time     `json:"end_time,omitzero"`
	Duration  time.Duration `json:"duration"`
	Error     string        `json:"error,omitempty"`
}

func summaryFromCheckpoint(checkpoint *Checkpoint) *RunSummary {
	summary := &RunSummary{
		RunID:     checkpoint.RunID,
		PlanName:  checkpoint.PlanName,
		Status:    checkpoint.Status,
		StartTime: checkpoint.StartTime,
		EndTime:   checkpoint.EndTime,
		Error:     checkpoint.Error,
	}
	if checkpoint.Ledger != nil {
		summary.Spend = checkpoint.Ledger.Spent
	}
	if !checkpoint.EndTime.IsZero() {
		summary.Duration = checkpoint.EndTime.Sub(checkpoint.StartTime)
	} else {
		summary.Duration = checkpoint.CheckpointAt.Sub(checkpoint.StartTime)
	}
	return summary
}
