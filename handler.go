package portalflow

import (
	"context"
)

// Handler executes one unit of work for a stage. Handlers receive a copy of
// the workflow state and return a partial update; they never mutate the
// engine's record directly. A stage may run several handlers in order (the
// form-fill stage runs the filler and then the auditor).
type Handler interface {

	// Name returns the handler name, used in logs and callbacks.
	Name() string

	// Execute performs the handler's work against the given state snapshot.
	// A returned error signals an unexpected failure; expected conditions
	// (validation problems, HITL timeouts) are reported as StageErrors
	// inside the update.
	Execute(ctx context.Context, state *WorkflowState) (*StateUpdate, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc struct {
	name string
	fn   func(ctx context.Context, state *WorkflowState) (*StateUpdate, error)
}

// NewHandlerFunc creates a Handler from a bare function.
func NewHandlerFunc(name string, fn func(ctx context.Context, state *WorkflowState) (*StateUpdate, error)) *HandlerFunc {
	return &HandlerFunc{name: name, fn: fn}
}

func (h *HandlerFunc) Name() string {
	return h.name
}

func (h *HandlerFunc) Execute(ctx context.Context, state *WorkflowState) (*StateUpdate, error) {
	return h.fn(ctx, state)
}

// StageHandlers maps each non-terminal stage to its ordered handler chain.
type StageHandlers map[Stage][]Handler
