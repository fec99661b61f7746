package stages

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/deepnoodle-ai/portalflow"
	"github.com/deepnoodle-ai/portalflow/browser"
	"github.com/deepnoodle-ai/portalflow/hitl"
	"github.com/deepnoodle-ai/portalflow/template"
)

// Dependencies bundles everything the default stage handlers need.
type Dependencies struct {
	Session     *browser.Session
	Templates   template.Provider
	Gateway     *hitl.Gateway
	Logger      *slog.Logger
	Credentials Credentials

	// Resolver is the optional locator fallback for form filling.
	Resolver LocatorResolver
}

// DefaultHandlers builds the standard handler chain for each stage: the
// navigator on page-entering stages, the filler and auditor on form
// stages, and the CAPTCHA and payment gates around the payment flow.
func DefaultHandlers(deps Dependencies) (portalflow.StageHandlers, error) {
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	navigator, err := NewNavigator(NavigatorOptions{
		Session:     deps.Session,
		Templates:   deps.Templates,
		Logger:      deps.Logger,
		Credentials: deps.Credentials,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build navigator: %w", err)
	}
	filler, err := NewFormFiller(FormFillerOptions{
		Session:   deps.Session,
		Templates: deps.Templates,
		Logger:    deps.Logger,
		Resolver:  deps.Resolver,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build form filler: %w", err)
	}
	auditor, err := NewAuditor(AuditorOptions{
		Session:   deps.Session,
		Templates: deps.Templates,
		Logger:    deps.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build auditor: %w", err)
	}
	captcha, err := NewCaptchaGate(CaptchaGateOptions{
		Session:   deps.Session,
		Templates: deps.Templates,
		Gateway:   deps.Gateway,
		Logger:    deps.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build captcha gate: %w", err)
	}
	paymentOpts := PaymentGateOptions{
		Session:   deps.Session,
		Templates: deps.Templates,
		Gateway:   deps.Gateway,
		Logger:    deps.Logger,
	}
	confirm, err := NewPaymentConfirm(paymentOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to build payment confirm: %w", err)
	}
	process, err := NewPaymentProcess(paymentOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to build payment process: %w", err)
	}

	return portalflow.StageHandlers{
		portalflow.StageStart:          {navigator},
		portalflow.StageLogin:          {navigator},
		portalflow.StageFormFill:       {filler, auditor},
		portalflow.StageDocumentUpload: {navigator, filler, auditor},
		portalflow.StagePreview:        {navigator, auditor},
		portalflow.StagePayment:        {navigator, captcha},
		portalflow.StageCaptchaWait:    {captcha},
		portalflow.StagePaymentWait:    {confirm, process},
	}, nil
}
