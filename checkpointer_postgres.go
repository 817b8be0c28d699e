package waypoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/lib/pq"
)

const postgresCheckpointSchema = `
CREATE TABLE IF NOT EXISTS waypoint_checkpoints (
	run_id        TEXT PRIMARY KEY,
	checkpoint_id TEXT NOT NULL,
	plan_name     TEXT NOT NULL,
	status        TEXT NOT NULL,
	data          JSONB NOT NULL,
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// PostgresCheckpointer persists checkpoints in a postgres table, one row per
// run, replaced on each save.
type PostgresCheckpointer struct {
	db *sql.DB
}

// NewPostgresCheckpointer creates the checkpoint table if needed and returns
// a checkpointer backed by the given database handle. The caller owns the
// handle's lifecycle.
func NewPostgresCheckpointer(ctx context.Context, db *sql.DB) (*PostgresCheckpointer, error) {
	if _, err := db.ExecContext(ctx, postgresCheckpointSchema); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint table: %w", err)
	}
	return &PostgresCheckpointer{db: db}, nil
}

// OpenPostgres opens a postgres connection with the given DSN and returns a
// checkpointer that owns it. Close releases the connection.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresCheckpointer, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres connection: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	checkpointer, err := NewPostgresCheckpointer(ctx, db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return checkpointer, nil
}

// Close closes the underlying database handle.
func (c *PostgresCheckpointer) Close() error {
	return c.db.Close()
}

// SaveCheckpoint upserts the run's checkpoint row. The row replacement is a
// single statement, so readers never observe a partial checkpoint.
func (c *PostgresCheckpointer) SaveCheckpoint(ctx context.Context, checkpoint *Checkpoint) error {
	data, err := json.Marshal(checkpoint)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}
	_, err = c.db.ExecContext(ctx, `
		INSERT INTO waypoint_checkpoints (run_id, checkpoint_id, plan_name, status, data, updated_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (run_id) DO UPDATE SET
			checkpoint_id = EXCLUDED.checkpoint_id,
			plan_name     = EXCLUDED.plan_name,
			status        = EXCLUDED.status,
			data          = EXCLUDED.data,
			updated_at    = now()`,
		checkpoint.RunID, checkpoint.ID, checkpoint.PlanName, checkpoint.Status, data)
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

// LoadCheckpoint loads the latest checkpoint for a run
func (c *PostgresCheckpointer) LoadCheckpoint(ctx context.Context, runID string) (*Checkpoint, error) {
	var data []byte
	err := c.db.QueryRowContext(ctx,
		`SELECT data FROM waypoint_checkpoints WHERE run_id = $1`, runID).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil // No checkpoint found
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	var checkpoint Checkpoint
	if err := json.Unmarshal(data, &checkpoint); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkpoint: %w", err)
	}
	return &checkpoint, nil
}

// DeleteCheckpoint removes checkpoint data for a run
func (c *PostgresCheckpointer) DeleteCheckpoint(ctx context.Context, runID string) error {
	if _, err := c.db.ExecContext(ctx,
		`DELETE FROM waypoint_checkpoints WHERE run_id = $1`, runID); err != nil {
		return fmt.Errorf("failed to delete checkpoint: %w", err)
	}
	return nil
}

// ListRuns returns a summary of every checkpointed run, newest first.
func (c *PostgresCheckpointer) ListRuns(ctx context.Context) ([]*RunSummary, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT data FROM waypoint_checkpoints ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	defer rows.Close()

	var summaries []*RunSummary
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint row: %w", err)
		}
		var checkpoint Checkpoint
		if err := json.Unmarshal(data, &checkpoint); err != nil {
			continue
		}
		summaries = append(summaries, summaryFromCheckpoint(&checkpoint))
	}
	return summaries, rows.Err()
}
