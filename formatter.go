package waypoint

import (
	"fmt"

	"github.com/fatih/color"
)

// RunFormatter interface for pretty output
type RunFormatter interface {
	PrintWaypointStart(wp *Waypoint)
	PrintWaypointResult(wp *Waypoint)
	PrintRunSummary(status *RunStatus)
}

// NullRunFormatter prints nothing.
type NullRunFormatter struct{}

func NewNullRunFormatter() *NullRunFormatter {
	return &NullRunFormatter{}
}

func (f *NullRunFormatter) PrintWaypointStart(wp *Waypoint)   {}
func (f *NullRunFormatter) PrintWaypointResult(wp *Waypoint)  {}
func (f *NullRunFormatter) PrintRunSummary(status *RunStatus) {}

// ColorRunFormatter prints colorized progress to stdout.
type ColorRunFormatter struct{}

func NewColorRunFormatter() *ColorRunFormatter {
	return &ColorRunFormatter{}
}

func (f *ColorRunFormatter) PrintWaypointStart(wp *Waypoint) {
	color.Blue("→ %s (%s)", wp.ID, wp.Handler)
	if wp.Description != "" {
		color.White("  %s", wp.Description)
	}
}

func (f *ColorRunFormatter) PrintWaypointResult(wp *Waypoint) {
	switch wp.Status {
	case StatusSucceeded:
		color.Green("✓ %s succeeded (cost $%.4f)", wp.ID, wp.Cost)
	case StatusNeedsRevision:
		feedback := wp.LatestFeedback()
		reason := ""
		if feedback != nil {
			reason = feedback.Reason
		}
		color.Yellow("↻ %s needs revision (attempt %d): %s", wp.ID, wp.RevisionAttempts, reason)
	case StatusFailed:
		cause := ""
		if wp.LastFailure != nil {
			cause = fmt.Sprintf("%s: %s", wp.LastFailure.Kind, wp.LastFailure.Cause)
		}
		color.Red("✗ %s failed: %s", wp.ID, cause)
	case StatusSkipped:
		color.Magenta("- %s skipped", wp.ID)
	}
}

func (f *ColorRunFormatter) PrintRunSummary(status *RunStatus) {
	fmt.Println()
	color.Cyan("Run %s (%s): %s", status.RunID, status.PlanName, status.Status)
	color.White("Spend: $%.4f of $%.2f budget", status.Spent, status.Ceiling)
	counts := map[Status]int{}
	for _, wp := range status.Waypoints {
		counts[wp.Status]++
	}
	color.White("Waypoints: %d succeeded, %d failed, %d skipped",
		counts[StatusSucceeded], counts[StatusFailed], counts[StatusSkipped])
	if status.Error != "" {
		color.Red("Error: %s", status.Error)
	}
}
