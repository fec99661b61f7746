package portalflow

import (
	"errors"
	"fmt"

	"github.com/deepnoodle-ai/portalflow/hitl"
)

// ErrorKind classifies a StageError for routing decisions.
type ErrorKind string

const (
	ErrorNavigationFailed        ErrorKind = "navigation_failed"
	ErrorLoginFailed             ErrorKind = "login_failed"
	ErrorSelectorNotFound        ErrorKind = "selector_not_found"
	ErrorMissingRequiredField    ErrorKind = "missing_required_field"
	ErrorInvalidFormat           ErrorKind = "invalid_format"
	ErrorPageReportedError       ErrorKind = "page_reported_error"
	ErrorHITLTimeout             ErrorKind = "hitl_timeout"
	ErrorPaymentCancelled        ErrorKind = "payment_cancelled"
	ErrorPaymentProcessingFailed ErrorKind = "payment_processing_failed"
	ErrorStageRetryExhausted     ErrorKind = "stage_retry_exhausted"
)

// Recoverable reports whether the kind belongs to the validation class:
// the router sends the workflow back to form filling for another attempt,
// bounded by the per-stage attempt ceiling.
func (k ErrorKind) Recoverable() bool {
	switch k {
	case ErrorMissingRequiredField, ErrorInvalidFormat, ErrorPageReportedError:
		return true
	}
	return false
}

// Terminal reports whether the kind always ends the run. The HITL kinds
// carry an explicit or implied human decision and are never retried.
func (k ErrorKind) Terminal() bool {
	switch k {
	case ErrorHITLTimeout, ErrorPaymentCancelled, ErrorStageRetryExhausted:
		return true
	}
	return false
}

// StageError is a structured error descriptor accumulated on the workflow
// state. It supports Go's error wrapping patterns.
type StageError struct {
	Kind   ErrorKind `json:"kind"`
	Stage  Stage     `json:"stage,omitempty"`
	Field  string    `json:"field,omitempty"`
	Detail string    `json:"detail,omitempty"`
	Wrapped error    `json:"-"`
}

func (e *StageError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s(%s): %s", e.Kind, e.Field, e.Detail)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *StageError) Unwrap() error {
	return e.Wrapped
}

// NewStageError creates a StageError with the given kind and detail.
func NewStageError(kind ErrorKind, detail string) *StageError {
	return &StageError{Kind: kind, Detail: detail}
}

// NewFieldError creates a StageError attributed to a single form field.
func NewFieldError(kind ErrorKind, field, detail string) *StageError {
	return &StageError{Kind: kind, Field: field, Detail: detail}
}

// WrapStageError wraps an underlying error with a kind classification.
func WrapStageError(kind ErrorKind, err error) *StageError {
	return &StageError{Kind: kind, Detail: err.Error(), Wrapped: err}
}

// ClassifyError converts a regular error into a StageError. Errors that
// already carry a kind pass through unchanged. Only the human-input
// gateway's own sentinels map to hitl_timeout; any other failure, timeouts
// from browser actions included, defaults to the retryable interaction
// class.
func ClassifyError(err error) *StageError {
	var stageErr *StageError
	if errors.As(err, &stageErr) {
		return stageErr
	}
	if errors.Is(err, hitl.ErrTimeout) || errors.Is(err, hitl.ErrCancelled) {
		return &StageError{Kind: ErrorHITLTimeout, Detail: err.Error(), Wrapped: err}
	}
	return &StageError{Kind: ErrorNavigationFailed, Detail: err.Error(), Wrapped: err}
}

// MatchesKind checks if an error carries the given kind.
func MatchesKind(err error, kind ErrorKind) bool {
	var stageErr *StageError
	if errors.As(err, &stageErr) {
		return stageErr.Kind == kind
	}
	return false
}

// ContainsKind reports whether any descriptor in the list has the kind.
func ContainsKind(errs []*StageError, kind ErrorKind) bool {
	for _, e := range errs {
		if e.Kind == kind {
			return true
		}
	}
	return false
}
