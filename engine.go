package portalflow

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"
)

// DefaultMaxStageAttempts is the per-stage attempt ceiling. Exceeding it
// forces the run into the error stage with a stage_retry_exhausted error.
const DefaultMaxStageAttempts = 5

// EngineOptions configures a new Engine.
type EngineOptions struct {
	ThreadID         string
	ServiceType      string
	UserData         map[string]string
	Template         TemplateInfo
	Handlers         StageHandlers
	Checkpointer     Checkpointer
	Logger           *slog.Logger
	Callbacks        EngineCallbacks
	MaxStageAttempts int
}

// Engine drives one workflow run: it routes between stages, dispatches to
// stage handlers, merges their partial updates into the single workflow
// state record, and checkpoints after every transition. Stages execute
// strictly sequentially; the engine is the only writer of the state.
type Engine struct {
	state        *WorkflowState
	router       *Router
	template     TemplateInfo
	handlers     StageHandlers
	checkpointer Checkpointer
	logger       *slog.Logger
	callbacks    EngineCallbacks
	maxAttempts  int

	// mutex guards state. The run loop and the accessor methods
	// (State, EditUserData, SubmitCaptchaSolution) may touch it from
	// different goroutines.
	mutex   sync.Mutex
	started bool
}

// NewEngine creates an engine for a single workflow run.
func NewEngine(opts EngineOptions) (*Engine, error) {
	if opts.ServiceType == "" {
		return nil, fmt.Errorf("service type is required")
	}
	if opts.Template == nil {
		return nil, fmt.Errorf("template info is required")
	}
	if len(opts.Handlers) == 0 {
		return nil, fmt.Errorf("stage handlers are required")
	}
	if opts.ThreadID == "" {
		opts.ThreadID = NewThreadID()
	}
	if opts.Checkpointer == nil {
		opts.Checkpointer = NewNullCheckpointer()
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Callbacks == nil {
		opts.Callbacks = &BaseEngineCallbacks{}
	}
	if opts.MaxStageAttempts <= 0 {
		opts.MaxStageAttempts = DefaultMaxStageAttempts
	}

	router, err := NewRouter(opts.Template)
	if err != nil {
		return nil, err
	}

	return &Engine{
		state:        NewWorkflowState(opts.ThreadID, opts.ServiceType, opts.UserData),
		router:       router,
		template:     opts.Template,
		handlers:     opts.Handlers,
		checkpointer: opts.Checkpointer,
		logger:       opts.Logger.With("thread_id", opts.ThreadID),
		callbacks:    opts.Callbacks,
		maxAttempts:  opts.MaxStageAttempts,
	}, nil
}

// ThreadID returns the run's thread identifier.
func (e *Engine) ThreadID() string {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return e.state.ThreadID
}

// State returns a copy of the current workflow state.
func (e *Engine) State() *WorkflowState {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return e.state.Copy()
}

// EditUserData corrects a user-provided value between runs. The field's
// filled flag is cleared so the next fill attempt rewrites it, and a
// checkpoint is saved immediately. This is the only sanctioned mutation of
// user data after creation.
func (e *Engine) EditUserData(ctx context.Context, field, value string) error {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	if e.state.Terminal() {
		return fmt.Errorf("cannot edit user data on a terminal run")
	}
	e.state.UserData[field] = value
	delete(e.state.FormProgress, field)
	e.state.LastUpdateTime = time.Now()
	return e.saveCheckpoint(ctx, e.state.Copy())
}

func (e *Engine) start() error {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	if e.started {
		return fmt.Errorf("engine already started")
	}
	e.started = true
	return nil
}

// Run executes the workflow from the start stage until it reaches a
// terminal stage. The returned state carries the full error log and last
// screenshot for operator diagnosis; a non-nil error indicates an engine
// fault or context cancellation, not a workflow-level failure.
func (e *Engine) Run(ctx context.Context) (*WorkflowState, error) {
	if err := e.start(); err != nil {
		return nil, err
	}
	e.mutex.Lock()
	e.state.EnterStage(StageStart, false)
	snapshot := e.state.Copy()
	e.mutex.Unlock()
	if err := e.saveCheckpoint(ctx, snapshot); err != nil {
		return nil, err
	}
	return e.loop(ctx)
}

// Resume continues a previously suspended run from its latest checkpoint.
// The current stage's handlers execute again; the retry-safe interaction
// contract (idempotent fill skipping, single-use HITL fields) makes
// re-execution safe.
func (e *Engine) Resume(ctx context.Context) (*WorkflowState, error) {
	if err := e.start(); err != nil {
		return nil, err
	}
	threadID := e.ThreadID()
	checkpoint, err := e.checkpointer.LoadCheckpoint(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	if checkpoint == nil {
		return nil, fmt.Errorf("no checkpoint found for thread %q", threadID)
	}
	e.mutex.Lock()
	e.state = checkpoint.State
	stage := e.state.CurrentStage
	attempts := e.state.AttemptCount[stage]
	terminal := e.state.Terminal()
	e.mutex.Unlock()

	if terminal {
		e.logger.Info("run already terminal at checkpoint", "stage", stage)
		return e.State(), nil
	}
	e.logger.Info("resuming run from checkpoint", "stage", stage, "attempts", attempts)
	return e.loop(ctx)
}

// SubmitCaptchaSolution injects a CAPTCHA solution into a suspended run so
// the captcha_wait handler can consume it on resume.
func (e *Engine) SubmitCaptchaSolution(ctx context.Context, solution string) error {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	if e.state.Terminal() {
		return fmt.Errorf("cannot submit solution to a terminal run")
	}
	e.state.CaptchaSolution = solution
	e.state.LastUpdateTime = time.Now()
	return e.saveCheckpoint(ctx, e.state.Copy())
}

func (e *Engine) loop(ctx context.Context) (*WorkflowState, error) {
	for !e.terminal() {
		if err := ctx.Err(); err != nil {
			// The last checkpoint makes the run resumable.
			e.logger.Warn("run interrupted", "stage", e.State().CurrentStage, "error", err)
			return e.State(), err
		}
		if err := e.executeStage(ctx); err != nil {
			return e.State(), err
		}
		if err := e.transition(ctx); err != nil {
			return e.State(), err
		}
	}

	final := e.State()
	if final.CurrentStage == StageFailed {
		e.logger.Error("run ended in error",
			"errors", len(final.Errors),
			"screenshot", final.ScreenshotRef)
	} else {
		e.logger.Info("run completed", "duration", time.Since(final.StartTime))
	}
	return final, nil
}

func (e *Engine) terminal() bool {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return e.state.Terminal()
}

// executeStage runs the current stage's handler chain, merging each partial
// update into the state. The chain stops early once an error action or a
// terminal-class error is recorded.
func (e *Engine) executeStage(ctx context.Context) error {
	snapshot := e.State()
	stage := snapshot.CurrentStage
	chain := e.handlers[stage]
	if len(chain) == 0 {
		return fmt.Errorf("no handlers registered for stage %q", stage)
	}

	for _, handler := range chain {
		event := &StageEvent{
			ThreadID:    snapshot.ThreadID,
			ServiceType: snapshot.ServiceType,
			Stage:       stage,
			Handler:     handler.Name(),
			Attempt:     snapshot.AttemptCount[stage],
			StartTime:   time.Now(),
		}
		e.callbacks.BeforeStageExecution(ctx, event)
		e.logger.Debug("executing handler", "stage", stage, "handler", handler.Name())

		update, err := handler.Execute(ctx, e.State())
		if err != nil && ctx.Err() != nil {
			// Cancellation of the run's own context suspends the run; the
			// last checkpoint keeps it resumable. Not a workflow failure.
			return err
		}
		if err != nil {
			stageErr := ClassifyError(err)
			stageErr.Stage = stage
			update = &StateUpdate{
				Errors:     []*StageError{stageErr},
				NextAction: ActionError,
			}
			e.logger.Error("handler failed", "stage", stage, "handler", handler.Name(), "error", err)
		}
		if update == nil {
			// A nil update with a nil error is a legal no-op result.
			update = &StateUpdate{}
		}
		for _, se := range update.Errors {
			if se.Stage == "" {
				se.Stage = stage
			}
		}

		e.mutex.Lock()
		applyErr := e.state.Apply(update)
		var after *WorkflowState
		if applyErr == nil {
			after = e.state.Copy()
		}
		e.mutex.Unlock()
		if applyErr != nil {
			return applyErr
		}

		// Checkpoint after every handler, not just at the end of the
		// chain, so irreversible progress such as a recorded payment
		// authorization survives a crash mid-chain.
		if saveErr := e.saveCheckpoint(ctx, after); saveErr != nil {
			return saveErr
		}

		event.EndTime = time.Now()
		event.Duration = event.EndTime.Sub(event.StartTime)
		event.Errors = after.Errors
		event.Err = err
		e.callbacks.AfterStageExecution(ctx, event)

		if after.NextAction == ActionError || after.HasTerminalError() {
			break
		}
	}
	return nil
}

// transition asks the router for the next stage, enters it, enforces the
// attempt ceiling, and checkpoints.
func (e *Engine) transition(ctx context.Context) error {
	e.mutex.Lock()
	current := e.state.CurrentStage
	next, err := e.router.Next(e.state)
	if err != nil {
		e.mutex.Unlock()
		return err
	}

	e.state.EnterStage(next, e.fieldSetsDisjoint(current, next))
	attempt := e.state.AttemptCount[next]

	exhausted := !next.Terminal() && attempt > e.maxAttempts
	if exhausted {
		failure := &StageError{
			Kind:   ErrorStageRetryExhausted,
			Stage:  next,
			Detail: fmt.Sprintf("stage %q exceeded %d attempts", next, e.maxAttempts),
		}
		e.state.Errors = append(copyErrors(e.state.Errors), failure)
		e.state.ErrorLog = append(e.state.ErrorLog, failure)
		e.state.EnterStage(StageFailed, false)
	}
	snapshot := e.state.Copy()
	e.mutex.Unlock()

	e.logger.Info("stage transition", "from", current, "to", next, "attempt", attempt)
	if exhausted {
		e.logger.Error("stage retry ceiling exceeded", "stage", next, "max_attempts", e.maxAttempts)
	}
	return e.saveCheckpoint(ctx, snapshot)
}

// fieldSetsDisjoint reports whether the destination stage declares its own
// field set sharing nothing with the origin's, in which case form progress
// is reset on entry. Called with e.mutex held.
func (e *Engine) fieldSetsDisjoint(from, to Stage) bool {
	if from == to {
		return false
	}
	toFields := e.template.StageFields(e.state.ServiceType, string(to))
	if len(toFields) == 0 {
		return false
	}
	fromFields := e.template.StageFields(e.state.ServiceType, string(from))
	if len(fromFields) == 0 {
		return false
	}
	seen := make(map[string]bool, len(fromFields))
	for _, f := range fromFields {
		seen[f] = true
	}
	for _, f := range toFields {
		if seen[f] {
			return false
		}
	}
	return true
}

// saveCheckpoint persists the given state, which must be a copy private to
// the caller so the checkpointer never sees the live record.
func (e *Engine) saveCheckpoint(ctx context.Context, state *WorkflowState) error {
	checkpoint := &Checkpoint{
		ThreadID: state.ThreadID,
		State:    state,
		SavedAt:  time.Now(),
	}
	if err := e.checkpointer.SaveCheckpoint(ctx, checkpoint); err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	e.callbacks.OnCheckpointSaved(ctx, &CheckpointEvent{
		ThreadID: checkpoint.ThreadID,
		Stage:    checkpoint.State.CurrentStage,
		SavedAt:  checkpoint.SavedAt,
	})
	return nil
}
