// Package stages implements the five workflow stage handlers: navigation
// and login, form filling, validation auditing, and the two
// human-in-the-loop gates for CAPTCHA solving and payment confirmation.
package stages

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/deepnoodle-ai/portalflow"
	"github.com/deepnoodle-ai/portalflow/browser"
	"github.com/deepnoodle-ai/portalflow/template"
)

// Credentials holds portal login credentials for services that require
// authentication.
type Credentials struct {
	Username string
	Password string
}

// NavigatorOptions configures a Navigator.
type NavigatorOptions struct {
	Session     *browser.Session
	Templates   template.Provider
	Logger      *slog.Logger
	Credentials Credentials

	// IndicatorTimeout bounds presence probes (already-logged-in marker).
	// Defaults to 3s.
	IndicatorTimeout time.Duration
}

// Navigator resolves the service to its portal URL, performs the initial
// navigation, logs in when the template requires it, and steps between
// portal pages for multi-page applications.
type Navigator struct {
	session          *browser.Session
	templates        template.Provider
	logger           *slog.Logger
	credentials      Credentials
	indicatorTimeout time.Duration
}

func NewNavigator(opts NavigatorOptions) (*Navigator, error) {
	if opts.Session == nil {
		return nil, fmt.Errorf("browser session is required")
	}
	if opts.Templates == nil {
		return nil, fmt.Errorf("template provider is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.IndicatorTimeout <= 0 {
		opts.IndicatorTimeout = 3 * time.Second
	}
	return &Navigator{
		session:          opts.Session,
		templates:        opts.Templates,
		logger:           opts.Logger,
		credentials:      opts.Credentials,
		indicatorTimeout: opts.IndicatorTimeout,
	}, nil
}

func (n *Navigator) Name() string {
	return "navigator"
}

func (n *Navigator) Execute(ctx context.Context, state *portalflow.WorkflowState) (*portalflow.StateUpdate, error) {
	t, err := n.templates.Lookup(state.ServiceType)
	if err != nil {
		return nil, err
	}

	switch state.CurrentStage {
	case portalflow.StageStart:
		return n.navigateToPortal(ctx, t)
	case portalflow.StageLogin:
		return n.login(ctx, t)
	default:
		return n.navigateToStep(ctx, t, state.CurrentStage)
	}
}

func (n *Navigator) navigateToPortal(ctx context.Context, t *template.Template) (*portalflow.StateUpdate, error) {
	n.logger.Info("navigating to service portal", "service", t.Service, "url", t.URL)
	if err := n.session.Navigate(ctx, t.URL); err != nil {
		return &portalflow.StateUpdate{
			Errors:     []*portalflow.StageError{portalflow.WrapStageError(portalflow.ErrorNavigationFailed, err)},
			NextAction: portalflow.ActionError,
		}, nil
	}
	update := &portalflow.StateUpdate{
		CurrentURL: t.URL,
		NextAction: portalflow.ActionContinue,
	}
	n.observe(ctx, update)
	return update, nil
}

func (n *Navigator) login(ctx context.Context, t *template.Template) (*portalflow.StateUpdate, error) {
	if t.Login == nil {
		n.logger.Info("login not required", "service", t.Service)
		return &portalflow.StateUpdate{NextAction: portalflow.ActionContinue}, nil
	}

	// Resubmitting credentials to an authenticated session can invalidate
	// it on some portals, so check the indicator first.
	if n.session.Probe(ctx, t.Login.LoggedInIndicator, n.indicatorTimeout) {
		n.logger.Info("already logged in", "service", t.Service)
		update := &portalflow.StateUpdate{NextAction: portalflow.ActionContinue}
		n.observe(ctx, update)
		return update, nil
	}

	if n.credentials.Username == "" {
		return &portalflow.StateUpdate{
			Errors:     []*portalflow.StageError{portalflow.NewStageError(portalflow.ErrorLoginFailed, "no credentials provided")},
			NextAction: portalflow.ActionError,
		}, nil
	}

	steps := []struct {
		name string
		fn   func() error
	}{
		{"fill username", func() error { return n.session.Fill(ctx, t.Login.Username, n.credentials.Username) }},
		{"fill password", func() error { return n.session.Fill(ctx, t.Login.Password, n.credentials.Password) }},
		{"submit", func() error { return n.session.Click(ctx, t.Login.Submit) }},
	}
	for _, step := range steps {
		if err := step.fn(); err != nil {
			n.logger.Error("login step failed", "step", step.name, "error", err)
			return &portalflow.StateUpdate{
				Errors:     []*portalflow.StageError{portalflow.WrapStageError(portalflow.ErrorLoginFailed, err)},
				NextAction: portalflow.ActionError,
			}, nil
		}
	}

	if !t.Login.LoggedInIndicator.IsZero() &&
		!n.session.Probe(ctx, t.Login.LoggedInIndicator, n.indicatorTimeout) {
		return &portalflow.StateUpdate{
			Errors:     []*portalflow.StageError{portalflow.NewStageError(portalflow.ErrorLoginFailed, "logged-in indicator did not appear after submit")},
			NextAction: portalflow.ActionError,
		}, nil
	}

	n.logger.Info("login succeeded", "service", t.Service)
	update := &portalflow.StateUpdate{NextAction: portalflow.ActionContinue}
	n.observe(ctx, update)
	return update, nil
}

// navigateToStep clicks the portal's navigation control for the stage, if
// the template declares one. Stages without a nav control share a page
// with the previous stage and need no navigation.
func (n *Navigator) navigateToStep(ctx context.Context, t *template.Template, stage portalflow.Stage) (*portalflow.StateUpdate, error) {
	update := &portalflow.StateUpdate{NextAction: portalflow.ActionContinue}
	locator, ok := t.Nav[string(stage)]
	if ok {
		n.logger.Info("navigating to portal step", "stage", stage)
		if err := n.session.Click(ctx, locator); err != nil {
			return &portalflow.StateUpdate{
				Errors: []*portalflow.StageError{
					portalflow.WrapStageError(portalflow.ErrorNavigationFailed,
						fmt.Errorf("failed to reach %s step: %w", stage, err)),
				},
				NextAction: portalflow.ActionError,
			}, nil
		}
	}
	n.observe(ctx, update)
	return update, nil
}

// observe refreshes the state's observability artifacts, best effort.
func (n *Navigator) observe(ctx context.Context, update *portalflow.StateUpdate) {
	if shot, err := n.session.Screenshot(ctx); err == nil {
		update.ScreenshotRef = shot
	}
	if dom, err := n.session.ExtractStructure(ctx); err == nil {
		update.DOMSnapshot = dom
	}
}

var _ portalflow.Handler = (*Navigator)(nil)
