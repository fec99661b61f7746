// Package postgres implements a Checkpointer backed by PostgreSQL, for
// deployments where runs must survive process restarts across hosts.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/deepnoodle-ai/portalflow"
)

const schema = `
CREATE TABLE IF NOT EXISTS workflow_checkpoints (
	thread_id    TEXT PRIMARY KEY,
	service_type TEXT NOT NULL,
	stage        TEXT NOT NULL,
	state        JSONB NOT NULL,
	start_time   TIMESTAMPTZ NOT NULL,
	saved_at     TIMESTAMPTZ NOT NULL,
	error_count  INTEGER NOT NULL DEFAULT 0
)`

// Store persists one row per run, replaced on every save. The summary
// columns are denormalized from the state so listings never unmarshal
// the full JSON document.
type Store struct {
	db *sql.DB
}

// Open connects to the database and verifies the connection.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Store{db: db}, nil
}

// NewStore wraps an existing database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Bootstrap creates the checkpoint table if it does not exist.
func (s *Store) Bootstrap(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create checkpoint table: %w", err)
	}
	return nil
}

func (s *Store) SaveCheckpoint(ctx context.Context, checkpoint *portalflow.Checkpoint) error {
	data, err := json.Marshal(checkpoint.State)
	if err != nil {
		return fmt.Errorf("failed to marshal workflow state: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// Serialize writers per thread. Two processes resuming the same run
	// must not interleave their snapshots.
	if _, err := tx.ExecContext(ctx,
		`SELECT pg_advisory_xact_lock(hashtext($1))`, checkpoint.ThreadID); err != nil {
		return fmt.Errorf("failed to acquire thread lock: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO workflow_checkpoints
			(thread_id, service_type, stage, state, start_time, saved_at, error_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (thread_id) DO UPDATE SET
			stage = EXCLUDED.stage,
			state = EXCLUDED.state,
			saved_at = EXCLUDED.saved_at,
			error_count = EXCLUDED.error_count`,
		checkpoint.ThreadID,
		checkpoint.State.ServiceType,
		string(checkpoint.State.CurrentStage),
		data,
		checkpoint.State.StartTime,
		checkpoint.SavedAt,
		len(checkpoint.State.ErrorLog),
	)
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return tx.Commit()
}

func (s *Store) LoadCheckpoint(ctx context.Context, threadID string) (*portalflow.Checkpoint, error) {
	var (
		data    []byte
		savedAt time.Time
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT state, saved_at FROM workflow_checkpoints WHERE thread_id = $1`,
		threadID).Scan(&data, &savedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	var state portalflow.WorkflowState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal workflow state: %w", err)
	}
	return &portalflow.Checkpoint{
		ThreadID: threadID,
		State:    &state,
		SavedAt:  savedAt,
	}, nil
}

func (s *Store) DeleteCheckpoint(ctx context.Context, threadID string) error {
	if _, err := s.db.ExecContext(ctx, `
		DELETE FROM workflow_checkpoints WHERE thread_id = $1`, threadID); err != nil {
		return fmt.Errorf("failed to delete checkpoint: %w", err)
	}
	return nil
}

// ListRuns returns summaries of all stored runs, newest first.
func (s *Store) ListRuns(ctx context.Context) ([]*portalflow.RunSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT thread_id, service_type, stage, start_time, saved_at, error_count
		FROM workflow_checkpoints ORDER BY saved_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var summaries []*portalflow.RunSummary
	for rows.Next() {
		summary := &portalflow.RunSummary{}
		var stage string
		if err := rows.Scan(
			&summary.ThreadID,
			&summary.ServiceType,
			&stage,
			&summary.StartTime,
			&summary.SavedAt,
			&summary.ErrorCount,
		); err != nil {
			return nil, fmt.Errorf("failed to scan run summary: %w", err)
		}
		summary.Stage = portalflow.Stage(stage)
		summaries = append(summaries, summary)
	}
	return summaries, rows.Err()
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

var (
	_ portalflow.Checkpointer = (*Store)(nil)
	_ portalflow.RunLister    = (*Store)(nil)
)
