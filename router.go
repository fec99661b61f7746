package portalflow

import (
	"fmt"
)

// TemplateInfo is the read-only slice of the service template the engine
// and router need for stage planning. Implemented by template.Registry.
type TemplateInfo interface {
	// StageFields returns the logical field names the service declares for
	// the stage. An empty result means the template has no such stage.
	StageFields(serviceType, stage string) []string
}

func hasStage(t TemplateInfo, serviceType string, stage Stage) bool {
	return len(t.StageFields(serviceType, string(stage))) > 0
}

// Router decides the next stage from the current workflow state. Next is a
// pure function of (current stage, unresolved errors, next-action hint) and
// the static template, so routing is deterministic and replayable.
type Router struct {
	template TemplateInfo
}

func NewRouter(template TemplateInfo) (*Router, error) {
	if template == nil {
		return nil, fmt.Errorf("template info is required")
	}
	return &Router{template: template}, nil
}

// Next returns the stage the engine should enter after the current one has
// executed. Terminal stages route to themselves.
func (r *Router) Next(state *WorkflowState) (Stage, error) {
	if !state.CurrentStage.Valid() {
		return "", fmt.Errorf("unknown stage %q", state.CurrentStage)
	}
	if state.CurrentStage.Terminal() {
		return state.CurrentStage, nil
	}
	if state.NextAction == ActionError || state.HasTerminalError() {
		return StageFailed, nil
	}

	hasErrors := len(state.Errors) > 0

	switch state.CurrentStage {
	case StageStart:
		if hasErrors {
			return StageFailed, nil
		}
		return StageLogin, nil

	case StageLogin:
		if hasErrors {
			return StageFailed, nil
		}
		return StageFormFill, nil

	case StageFormFill:
		// Auditor errors send the workflow back for another fill attempt,
		// bounded by the engine's per-stage ceiling.
		if hasErrors {
			return StageFormFill, nil
		}
		if hasStage(r.template, state.ServiceType, StageDocumentUpload) {
			return StageDocumentUpload, nil
		}
		return StagePreview, nil

	case StageDocumentUpload:
		if hasErrors {
			return StageDocumentUpload, nil
		}
		return StagePreview, nil

	case StagePreview:
		// Preview failures indicate bad form data, not a bad preview.
		if hasErrors {
			return StageFormFill, nil
		}
		return StagePayment, nil

	case StagePayment:
		if hasErrors {
			return StageFailed, nil
		}
		if state.NextAction == ActionCaptcha {
			return StageCaptchaWait, nil
		}
		return StagePaymentWait, nil

	case StageCaptchaWait:
		if hasErrors {
			return StageFailed, nil
		}
		return StagePaymentWait, nil

	case StagePaymentWait:
		if hasErrors {
			return StageFailed, nil
		}
		return StageComplete, nil
	}

	return "", fmt.Errorf("no transition defined for stage %q", state.CurrentStage)
}
