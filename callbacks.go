package portalflow

import (
	"context"
	"time"
)

// EngineCallbacks receives notifications as a run progresses. All methods
// are invoked synchronously from the engine's stage loop.
type EngineCallbacks interface {
	BeforeStageExecution(ctx context.Context, event *StageEvent)
	AfterStageExecution(ctx context.Context, event *StageEvent)
	OnCheckpointSaved(ctx context.Context, event *CheckpointEvent)
}

// StageEvent provides context for stage-level execution events.
type StageEvent struct {
	ThreadID    string
	ServiceType string
	Stage       Stage
	Handler     string
	Attempt     int
	StartTime   time.Time
	EndTime     time.Time
	Duration    time.Duration
	Errors      []*StageError
	Err         error
}

// CheckpointEvent provides context for checkpoint persistence events.
type CheckpointEvent struct {
	ThreadID string
	Stage    Stage
	SavedAt  time.Time
}

// BaseEngineCallbacks provides a default implementation that does nothing.
type BaseEngineCallbacks struct{}

func (b *BaseEngineCallbacks) BeforeStageExecution(ctx context.Context, event *StageEvent) {
	// noop
}

func (b *BaseEngineCallbacks) AfterStageExecution(ctx context.Context, event *StageEvent) {
	// noop
}

func (b *BaseEngineCallbacks) OnCheckpointSaved(ctx context.Context, event *CheckpointEvent) {
	// noop
}
