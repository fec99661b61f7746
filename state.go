package portalflow

import (
	"fmt"
	"time"

	"go.jetify.com/typeid"
)

// NewThreadID returns a new prefixed ID for run identification
func NewThreadID() string {
	id, err := typeid.WithPrefix("run")
	if err != nil {
		panic(err)
	}
	return id.String()
}

// Stage is a named step in the workflow state machine.
type Stage string

const (
	StageStart          Stage = "start"
	StageLogin          Stage = "login"
	StageFormFill       Stage = "form_fill"
	StageDocumentUpload Stage = "document_upload"
	StagePreview        Stage = "preview"
	StagePayment        Stage = "payment"
	StageCaptchaWait    Stage = "captcha_wait"
	StagePaymentWait    Stage = "payment_wait"
	StageComplete       Stage = "complete"
	StageFailed         Stage = "error"
)

var knownStages = map[Stage]bool{
	StageStart:          true,
	StageLogin:          true,
	StageFormFill:       true,
	StageDocumentUpload: true,
	StagePreview:        true,
	StagePayment:        true,
	StageCaptchaWait:    true,
	StagePaymentWait:    true,
	StageComplete:       true,
	StageFailed:         true,
}

// Valid reports whether s is one of the defined stage names.
func (s Stage) Valid() bool {
	return knownStages[s]
}

// Terminal reports whether s is an absorbing stage.
func (s Stage) Terminal() bool {
	return s == StageComplete || s == StageFailed
}

// Routing hints returned by stage handlers via StateUpdate.NextAction.
const (
	ActionContinue = "continue"
	ActionFillForm = "fill_form"
	ActionCaptcha  = "captcha"
	ActionPayment  = "payment"
	ActionComplete = "complete"
	ActionError    = "error"
)

// WorkflowState is the single record threaded through every stage of a run.
// It is owned exclusively by the engine: handlers receive a copy and return
// partial updates, which the engine merges via Apply. All fields are JSON
// serializable for checkpointing.
type WorkflowState struct {
	ThreadID    string `json:"thread_id"`
	ServiceType string `json:"service_type"`

	// UserData maps logical field names to provided values (or file paths
	// for upload fields). Immutable after creation except through
	// Engine.EditUserData.
	UserData map[string]string `json:"user_data"`

	CurrentStage Stage  `json:"current_stage"`
	NextAction   string `json:"next_action,omitempty"`

	// FormProgress tracks which template fields have been written to the
	// page. Grows monotonically within a stage.
	FormProgress map[string]bool `json:"form_progress"`

	// Errors holds the unresolved errors from the most recent stage
	// attempt. Replaced wholesale on each handler merge. ErrorLog is the
	// append-only audit trail carried into the terminal report.
	Errors   []*StageError `json:"errors"`
	ErrorLog []*StageError `json:"error_log,omitempty"`

	// Flags holds non-fatal audit notes, e.g. a payment success that
	// could not be positively verified.
	Flags []string `json:"flags,omitempty"`

	// Transient HITL fields, consumed and cleared by the gate handlers.
	CaptchaSolution  string `json:"captcha_solution,omitempty"`
	PaymentConfirmed bool   `json:"payment_confirmed,omitempty"`

	// AttemptCount is incremented each time a stage is (re)entered.
	AttemptCount map[Stage]int `json:"attempt_count"`

	// Latest observability artifacts, overwritten each stage.
	ScreenshotRef string `json:"screenshot_ref,omitempty"`
	CurrentURL    string `json:"current_url,omitempty"`
	DOMSnapshot   string `json:"dom_snapshot,omitempty"`

	StartTime      time.Time `json:"start_time,omitzero"`
	LastUpdateTime time.Time `json:"last_update_time,omitzero"`
}

// NewWorkflowState creates the state record for a fresh run.
func NewWorkflowState(threadID, serviceType string, userData map[string]string) *WorkflowState {
	return &WorkflowState{
		ThreadID:     threadID,
		ServiceType:  serviceType,
		UserData:     copyStringMap(userData),
		CurrentStage: StageStart,
		FormProgress: map[string]bool{},
		AttemptCount: map[Stage]int{},
		StartTime:    time.Now(),
	}
}

// Terminal reports whether the run has reached an absorbing stage.
func (s *WorkflowState) Terminal() bool {
	return s.CurrentStage.Terminal()
}

// Copy returns a deep copy of the state. Handlers are given copies so that
// the engine's record is only ever mutated through Apply.
func (s *WorkflowState) Copy() *WorkflowState {
	dup := *s
	dup.UserData = copyStringMap(s.UserData)
	dup.FormProgress = copyBoolMap(s.FormProgress)
	dup.AttemptCount = copyAttempts(s.AttemptCount)
	dup.Errors = copyErrors(s.Errors)
	dup.ErrorLog = copyErrors(s.ErrorLog)
	dup.Flags = append([]string(nil), s.Flags...)
	return &dup
}

// StateUpdate is the partial update a stage handler returns. Nil pointer
// fields and empty strings mean "leave unchanged", except Errors which
// always replaces the current unresolved set.
type StateUpdate struct {
	Stage        *Stage
	NextAction   string
	FormProgress map[string]bool
	Errors       []*StageError
	Flags        []string

	CaptchaSolution  *string
	PaymentConfirmed *bool

	ScreenshotRef string
	CurrentURL    string
	DOMSnapshot   string
}

// Apply merges a handler-returned partial update into the state. Returns an
// error if the state is already terminal, which would indicate an engine
// sequencing bug.
func (s *WorkflowState) Apply(update *StateUpdate) error {
	if s.Terminal() {
		return fmt.Errorf("cannot update terminal state (stage %q)", s.CurrentStage)
	}
	if update == nil {
		return nil
	}
	if update.Stage != nil {
		if !update.Stage.Valid() {
			return fmt.Errorf("unknown stage %q in update", *update.Stage)
		}
		s.CurrentStage = *update.Stage
	}
	if update.NextAction != "" {
		s.NextAction = update.NextAction
	}
	for field, filled := range update.FormProgress {
		s.FormProgress[field] = filled
	}
	s.Errors = copyErrors(update.Errors)
	s.ErrorLog = append(s.ErrorLog, copyErrors(update.Errors)...)
	s.Flags = append(s.Flags, update.Flags...)
	if update.CaptchaSolution != nil {
		s.CaptchaSolution = *update.CaptchaSolution
	}
	if update.PaymentConfirmed != nil {
		s.PaymentConfirmed = *update.PaymentConfirmed
	}
	if update.ScreenshotRef != "" {
		s.ScreenshotRef = update.ScreenshotRef
	}
	if update.CurrentURL != "" {
		s.CurrentURL = update.CurrentURL
	}
	if update.DOMSnapshot != "" {
		s.DOMSnapshot = update.DOMSnapshot
	}
	s.LastUpdateTime = time.Now()
	return nil
}

// EnterStage records a transition into the given stage and bumps its
// attempt counter. FormProgress is reset when the new stage declares a
// disjoint field set, which is the caller's determination.
func (s *WorkflowState) EnterStage(stage Stage, resetProgress bool) {
	s.CurrentStage = stage
	s.NextAction = ""
	if !stage.Terminal() {
		s.AttemptCount[stage]++
	}
	if resetProgress {
		s.FormProgress = map[string]bool{}
	}
	s.LastUpdateTime = time.Now()
}

// HasTerminalError reports whether any unresolved error belongs to the
// HITL class, which always ends the run.
func (s *WorkflowState) HasTerminalError() bool {
	for _, e := range s.Errors {
		if e.Kind.Terminal() {
			return true
		}
	}
	return false
}

func copyStringMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyBoolMap(m map[string]bool) map[string]bool {
	out := make(map[string]bool, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyAttempts(m map[Stage]int) map[Stage]int {
	out := make(map[Stage]int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyErrors(errs []*StageError) []*StageError {
	if errs == nil {
		return nil
	}
	out := make([]*StageError, len(errs))
	for i, e := range errs {
		dup := *e
		out[i] = &dup
	}
	return out
}
