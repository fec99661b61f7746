package stages

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/deepnoodle-ai/portalflow"
	"github.com/deepnoodle-ai/portalflow/browser"
	"github.com/deepnoodle-ai/portalflow/hitl"
	"github.com/deepnoodle-ai/portalflow/template"
)

// PaymentGateOptions configures the payment confirm and process handlers.
type PaymentGateOptions struct {
	Session   *browser.Session
	Templates template.Provider
	Gateway   *hitl.Gateway
	Logger    *slog.Logger

	// IndicatorTimeout bounds the success-indicator probe. Defaults to 5s.
	IndicatorTimeout time.Duration

	// InputTimeout bounds the wait for the human confirmation. Zero uses
	// the gateway default.
	InputTimeout time.Duration
}

func (o *PaymentGateOptions) validate() error {
	if o.Session == nil {
		return fmt.Errorf("browser session is required")
	}
	if o.Templates == nil {
		return fmt.Errorf("template provider is required")
	}
	if o.Gateway == nil {
		return fmt.Errorf("human input gateway is required")
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if o.IndicatorTimeout <= 0 {
		o.IndicatorTimeout = 5 * time.Second
	}
	return nil
}

// PaymentConfirm presents the payment summary to a human operator and
// blocks for an explicit confirmation. Only the exact word "confirm"
// (case-insensitive) authorizes the payment; any other answer cancels
// the run. The recorded authorization survives a crash, so a resumed run
// never asks the operator twice for the same payment.
type PaymentConfirm struct {
	session      *browser.Session
	templates    template.Provider
	gateway      *hitl.Gateway
	logger       *slog.Logger
	inputTimeout time.Duration
}

func NewPaymentConfirm(opts PaymentGateOptions) (*PaymentConfirm, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	return &PaymentConfirm{
		session:      opts.Session,
		templates:    opts.Templates,
		gateway:      opts.Gateway,
		logger:       opts.Logger,
		inputTimeout: opts.InputTimeout,
	}, nil
}

func (p *PaymentConfirm) Name() string {
	return "payment_confirm"
}

func (p *PaymentConfirm) Execute(ctx context.Context, state *portalflow.WorkflowState) (*portalflow.StateUpdate, error) {
	if state.PaymentConfirmed {
		p.logger.Info("payment already authorized, skipping confirmation")
		return &portalflow.StateUpdate{NextAction: portalflow.ActionContinue}, nil
	}

	t, err := p.templates.Lookup(state.ServiceType)
	if err != nil {
		return nil, err
	}

	summary := p.extractSummary(ctx, t, state)
	screenshotRef := state.ScreenshotRef
	if shot, serr := p.session.Screenshot(ctx); serr == nil {
		screenshotRef = shot
	}

	prompt := "Authorize the payment? Reply exactly \"confirm\" to proceed; anything else cancels."
	if summary != "" {
		prompt = fmt.Sprintf("Payment summary:\n%s\n\n%s", summary, prompt)
	}

	answer, err := p.gateway.RequestInput(ctx, hitl.Request{
		Prompt:        prompt,
		Type:          hitl.InputConfirmation,
		ScreenshotRef: screenshotRef,
		Timeout:       p.inputTimeout,
	})
	if err != nil {
		if errors.Is(err, hitl.ErrTimeout) || errors.Is(err, hitl.ErrCancelled) {
			return &portalflow.StateUpdate{
				Errors:     []*portalflow.StageError{portalflow.WrapStageError(portalflow.ErrorHITLTimeout, err)},
				NextAction: portalflow.ActionError,
			}, nil
		}
		return nil, err
	}

	if !strings.EqualFold(strings.TrimSpace(answer), "confirm") {
		p.logger.Warn("payment declined by operator", "answer", answer)
		return &portalflow.StateUpdate{
			Errors: []*portalflow.StageError{
				portalflow.NewStageError(portalflow.ErrorPaymentCancelled,
					fmt.Sprintf("operator answered %q", answer)),
			},
			NextAction: portalflow.ActionError,
		}, nil
	}

	p.logger.Info("payment authorized by operator")
	confirmed := true
	return &portalflow.StateUpdate{
		PaymentConfirmed: &confirmed,
		ScreenshotRef:    screenshotRef,
		NextAction:       portalflow.ActionContinue,
	}, nil
}

// extractSummary pulls the lines around the template's summary markers
// from the page so the operator sees the amount and payee before
// authorizing. Best effort.
func (p *PaymentConfirm) extractSummary(ctx context.Context, t *template.Template, state *portalflow.WorkflowState) string {
	if t.Payment == nil || len(t.Payment.SummaryMarkers) == 0 {
		return ""
	}
	dom := state.DOMSnapshot
	if dom == "" {
		fresh, err := p.session.ExtractStructure(ctx)
		if err != nil {
			return ""
		}
		dom = fresh
	}
	var lines []string
	for _, line := range strings.Split(dom, "\n") {
		lowered := strings.ToLower(line)
		for _, marker := range t.Payment.SummaryMarkers {
			if strings.Contains(lowered, strings.ToLower(marker)) {
				lines = append(lines, strings.TrimSpace(line))
				break
			}
		}
	}
	return strings.Join(lines, "\n")
}

// PaymentProcess performs the authorized payment click and verifies the
// portal acknowledged it. It runs only after PaymentConfirm recorded the
// operator's authorization.
type PaymentProcess struct {
	session          *browser.Session
	templates        template.Provider
	logger           *slog.Logger
	indicatorTimeout time.Duration
}

func NewPaymentProcess(opts PaymentGateOptions) (*PaymentProcess, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	return &PaymentProcess{
		session:          opts.Session,
		templates:        opts.Templates,
		logger:           opts.Logger,
		indicatorTimeout: opts.IndicatorTimeout,
	}, nil
}

func (p *PaymentProcess) Name() string {
	return "payment_process"
}

func (p *PaymentProcess) Execute(ctx context.Context, state *portalflow.WorkflowState) (*portalflow.StateUpdate, error) {
	if !state.PaymentConfirmed {
		return &portalflow.StateUpdate{
			Errors: []*portalflow.StageError{
				portalflow.NewStageError(portalflow.ErrorPaymentProcessingFailed,
					"payment was not authorized"),
			},
			NextAction: portalflow.ActionError,
		}, nil
	}

	t, err := p.templates.Lookup(state.ServiceType)
	if err != nil {
		return nil, err
	}
	if t.Payment == nil || len(t.Payment.Proceed) == 0 {
		return &portalflow.StateUpdate{
			Errors: []*portalflow.StageError{
				portalflow.NewStageError(portalflow.ErrorPaymentProcessingFailed,
					"service declares no payment controls"),
			},
			NextAction: portalflow.ActionError,
		}, nil
	}

	clicked := false
	var lastErr error
	for _, locator := range t.Payment.Proceed {
		if cerr := p.session.Click(ctx, locator); cerr == nil {
			clicked = true
			break
		} else {
			lastErr = cerr
		}
	}
	if !clicked {
		detail := "no payment control could be clicked"
		if lastErr != nil {
			detail = lastErr.Error()
		}
		return &portalflow.StateUpdate{
			Errors: []*portalflow.StageError{
				portalflow.NewStageError(portalflow.ErrorPaymentProcessingFailed, detail),
			},
			NextAction: portalflow.ActionError,
		}, nil
	}

	update := &portalflow.StateUpdate{NextAction: portalflow.ActionComplete}
	if !t.Payment.SuccessIndicator.IsZero() &&
		!p.session.Probe(ctx, t.Payment.SuccessIndicator, p.indicatorTimeout) {
		// The click went through but the portal never acknowledged. Flag
		// it for a human audit rather than retrying a possibly completed
		// charge.
		p.logger.Warn("payment success indicator did not appear")
		update.Flags = []string{"payment_success_unverified"}
	} else {
		p.logger.Info("payment processed")
	}

	if shot, serr := p.session.Screenshot(ctx); serr == nil {
		update.ScreenshotRef = shot
	}

	done := false
	update.PaymentConfirmed = &done
	return update, nil
}

var (
	_ portalflow.Handler = (*PaymentConfirm)(nil)
	_ portalflow.Handler = (*PaymentProcess)(nil)
)
