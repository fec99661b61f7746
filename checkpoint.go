package portalflow

import (
	"context"
	"time"
)

// Checkpoint is a persisted snapshot of a run's workflow state. For a given
// thread there is at most one live checkpoint; saving replaces it.
type Checkpoint struct {
	ThreadID string         `json:"thread_id"`
	State    *WorkflowState `json:"state"`
	SavedAt  time.Time      `json:"saved_at"`
}

// Checkpointer persists workflow state keyed by thread ID so a run can be
// suspended at a HITL wait (or on process exit) and resumed later.
type Checkpointer interface {
	// SaveCheckpoint saves the current workflow state for the thread.
	SaveCheckpoint(ctx context.Context, checkpoint *Checkpoint) error

	// LoadCheckpoint loads the latest checkpoint for a thread. Returns
	// (nil, nil) when no checkpoint exists.
	LoadCheckpoint(ctx context.Context, threadID string) (*Checkpoint, error)

	// DeleteCheckpoint removes checkpoint data for a thread.
	DeleteCheckpoint(ctx context.Context, threadID string) error
}

// RunSummary describes a stored run for listing purposes.
type RunSummary struct {
	ThreadID    string    `json:"thread_id"`
	ServiceType string    `json:"service_type"`
	Stage       Stage     `json:"stage"`
	StartTime   time.Time `json:"start_time,omitzero"`
	SavedAt     time.Time `json:"saved_at,omitzero"`
	ErrorCount  int       `json:"error_count"`
}

// RunLister is implemented by checkpoint stores that can enumerate runs.
type RunLister interface {
	ListRuns(ctx context.Context) ([]*RunSummary, error)
}

func summarize(checkpoint *Checkpoint) *RunSummary {
	return &RunSummary{
		ThreadID:    checkpoint.ThreadID,
		ServiceType: checkpoint.State.ServiceType,
		Stage:       checkpoint.State.CurrentStage,
		StartTime:   checkpoint.State.StartTime,
		SavedAt:     checkpoint.SavedAt,
		ErrorCount:  len(checkpoint.State.ErrorLog),
	}
}

// NullCheckpointer is a no-op Checkpointer for runs that do not need
// suspend/resume.
type NullCheckpointer struct{}

func NewNullCheckpointer() *NullCheckpointer {
	return &NullCheckpointer{}
}

func (c *NullCheckpointer) SaveCheckpoint(ctx context.Context, checkpoint *Checkpoint) error {
	return nil
}

func (c *NullCheckpointer) LoadCheckpoint(ctx context.Context, threadID string) (*Checkpoint, error) {
	return nil, nil
}

func (c *NullCheckpointer) DeleteCheckpoint(ctx context.Context, threadID string) error {
	return nil
}
