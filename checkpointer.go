package waypoint

import (
	"context"
)

// Checkpointer defines simple checkpoint interface
type Checkpointer interface {
	// SaveCheckpoint saves the current run state
	SaveCheckpoint(ctx context.Context, checkpoint *Checkpoint) error

	// LoadCheckpoint loads the latest checkpoint for a run
	LoadCheckpoint(ctx context.Context, runID string) (*Checkpoint, error)

	// DeleteCheckpoint removes checkpoint data for a run
	DeleteCheckpoint(ctx context.Context, runID string) error
}
