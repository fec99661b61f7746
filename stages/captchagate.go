package stages

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/deepnoodle-ai/portalflow"
	"github.com/deepnoodle-ai/portalflow/browser"
	"github.com/deepnoodle-ai/portalflow/hitl"
	"github.com/deepnoodle-ai/portalflow/template"
)

// CaptchaGateOptions configures a CaptchaGate.
type CaptchaGateOptions struct {
	Session   *browser.Session
	Templates template.Provider
	Gateway   *hitl.Gateway
	Logger    *slog.Logger

	// IndicatorTimeout bounds each CAPTCHA presence probe. Defaults to 2s.
	IndicatorTimeout time.Duration

	// InputTimeout bounds the wait for a human solution. Zero uses the
	// gateway default.
	InputTimeout time.Duration
}

// CaptchaGate handles the CAPTCHA challenge in two modes keyed off the
// current stage. At the payment stage it only detects whether a challenge
// is present and routes accordingly. At the captcha-wait stage it obtains
// a solution, from the state if one was submitted while the run was
// suspended, otherwise by blocking on the human-input gateway, and types
// it into the page. Automated solving is never attempted.
type CaptchaGate struct {
	session          *browser.Session
	templates        template.Provider
	gateway          *hitl.Gateway
	logger           *slog.Logger
	indicatorTimeout time.Duration
	inputTimeout     time.Duration
}

func NewCaptchaGate(opts CaptchaGateOptions) (*CaptchaGate, error) {
	if opts.Session == nil {
		return nil, fmt.Errorf("browser session is required")
	}
	if opts.Templates == nil {
		return nil, fmt.Errorf("template provider is required")
	}
	if opts.Gateway == nil {
		return nil, fmt.Errorf("human input gateway is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.IndicatorTimeout <= 0 {
		opts.IndicatorTimeout = 2 * time.Second
	}
	return &CaptchaGate{
		session:          opts.Session,
		templates:        opts.Templates,
		gateway:          opts.Gateway,
		logger:           opts.Logger,
		indicatorTimeout: opts.IndicatorTimeout,
		inputTimeout:     opts.InputTimeout,
	}, nil
}

func (c *CaptchaGate) Name() string {
	return "captcha_gate"
}

func (c *CaptchaGate) Execute(ctx context.Context, state *portalflow.WorkflowState) (*portalflow.StateUpdate, error) {
	t, err := c.templates.Lookup(state.ServiceType)
	if err != nil {
		return nil, err
	}
	if state.CurrentStage == portalflow.StageCaptchaWait {
		return c.solve(ctx, t, state)
	}
	return c.detect(ctx, t)
}

// detect probes the template's CAPTCHA indicators and routes the run to
// the solve path only when a challenge is actually on the page.
func (c *CaptchaGate) detect(ctx context.Context, t *template.Template) (*portalflow.StateUpdate, error) {
	if t.Captcha == nil {
		return &portalflow.StateUpdate{NextAction: portalflow.ActionPayment}, nil
	}
	for _, indicator := range t.Captcha.Indicators {
		if c.session.Probe(ctx, indicator, c.indicatorTimeout) {
			c.logger.Info("captcha challenge detected", "indicator", indicator.String())
			update := &portalflow.StateUpdate{NextAction: portalflow.ActionCaptcha}
			if shot, serr := c.session.Screenshot(ctx); serr == nil {
				update.ScreenshotRef = shot
			}
			return update, nil
		}
	}
	c.logger.Info("no captcha challenge present")
	return &portalflow.StateUpdate{NextAction: portalflow.ActionPayment}, nil
}

func (c *CaptchaGate) solve(ctx context.Context, t *template.Template, state *portalflow.WorkflowState) (*portalflow.StateUpdate, error) {
	if t.Captcha == nil {
		return nil, fmt.Errorf("service %q declares no captcha input", t.Service)
	}
	solution := state.CaptchaSolution
	if solution == "" {
		var err error
		solution, err = c.gateway.RequestInput(ctx, hitl.Request{
			Prompt:        "Solve the CAPTCHA shown in the screenshot",
			Type:          hitl.InputText,
			ScreenshotRef: state.ScreenshotRef,
			Timeout:       c.inputTimeout,
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
	} else {
		c.logger.Info("using captcha solution submitted while suspended")
	}

	if err := c.session.Fill(ctx, t.Captcha.Input, solution); err != nil {
		return nil, err
	}
	if !t.Captcha.Submit.IsZero() {
		if err := c.session.Click(ctx, t.Captcha.Submit); err != nil {
			return nil, err
		}
	}

	// Consume the solution so a later challenge never replays a stale one.
	cleared := ""
	return &portalflow.StateUpdate{
		CaptchaSolution: &cleared,
		NextAction:      portalflow.ActionContinue,
	}, nil
}

var _ portalflow.Handler = (*CaptchaGate)(nil)
