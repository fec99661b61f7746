package stages

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"

	"github.com/deepnoodle-ai/portalflow"
	"github.com/deepnoodle-ai/portalflow/browser"
	"github.com/deepnoodle-ai/portalflow/template"
)

// AuditorOptions configures an Auditor.
type AuditorOptions struct {
	Session   *browser.Session
	Templates template.Provider
	Logger    *slog.Logger
}

// Auditor validates the run before it advances: required-field coverage
// against form progress, value formats against the template's rules, and
// the live page against the portal's own error indicators. It performs no
// page writes beyond a confirmation screenshot.
type Auditor struct {
	session   *browser.Session
	templates template.Provider
	logger    *slog.Logger
}

func NewAuditor(opts AuditorOptions) (*Auditor, error) {
	if opts.Session == nil {
		return nil, fmt.Errorf("browser session is required")
	}
	if opts.Templates == nil {
		return nil, fmt.Errorf("template provider is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Auditor{
		session:   opts.Session,
		templates: opts.Templates,
		logger:    opts.Logger,
	}, nil
}

func (a *Auditor) Name() string {
	return "auditor"
}

func (a *Auditor) Execute(ctx context.Context, state *portalflow.WorkflowState) (*portalflow.StateUpdate, error) {
	t, err := a.templates.Lookup(state.ServiceType)
	if err != nil {
		return nil, err
	}

	var errs []*portalflow.StageError
	errs = append(errs, a.checkCoverage(t, state)...)
	errs = append(errs, a.checkFormats(t, state)...)
	errs = append(errs, a.checkPageErrors(ctx, t)...)

	update := &portalflow.StateUpdate{
		Errors:     errs,
		NextAction: portalflow.ActionContinue,
	}
	if len(errs) > 0 {
		update.NextAction = portalflow.ActionFillForm
	}
	if shot, serr := a.session.Screenshot(ctx); serr == nil {
		update.ScreenshotRef = shot
	}

	a.logger.Info("audit finished", "stage", state.CurrentStage, "errors", len(errs))
	return update, nil
}

// checkCoverage verifies every required template field is marked filled.
func (a *Auditor) checkCoverage(t *template.Template, state *portalflow.WorkflowState) []*portalflow.StageError {
	fields := t.Fields(string(state.CurrentStage))
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)

	var errs []*portalflow.StageError
	for _, name := range names {
		if fields[name].Required && !state.FormProgress[name] {
			errs = append(errs, portalflow.NewFieldError(
				portalflow.ErrorMissingRequiredField, name, "required field not filled"))
		}
	}
	return errs
}

// checkFormats validates user data values against the template's rules.
func (a *Auditor) checkFormats(t *template.Template, state *portalflow.WorkflowState) []*portalflow.StageError {
	names := make([]string, 0, len(state.UserData))
	for name := range state.UserData {
		names = append(names, name)
	}
	sort.Strings(names)

	var errs []*portalflow.StageError
	for _, name := range names {
		rule := t.RuleFor(name)
		if rule == "" {
			continue
		}
		if err := rule.Check(state.UserData[name]); err != nil {
			errs = append(errs, portalflow.NewFieldError(
				portalflow.ErrorInvalidFormat, name, err.Error()))
		}
	}
	return errs
}

// checkPageErrors scans the live page structure for the portal's own
// validation error text.
func (a *Auditor) checkPageErrors(ctx context.Context, t *template.Template) []*portalflow.StageError {
	if len(t.ErrorMarkers) == 0 {
		return nil
	}
	dom, err := a.session.ExtractStructure(ctx)
	if err != nil {
		a.logger.Warn("could not extract page structure for error scan", "error", err)
		return nil
	}
	lowered := strings.ToLower(dom)
	var errs []*portalflow.StageError
	for _, marker := range t.ErrorMarkers {
		if strings.Contains(lowered, strings.ToLower(marker)) {
			errs = append(errs, portalflow.NewStageError(
				portalflow.ErrorPageReportedError, marker))
		}
	}
	return errs
}

var _ portalflow.Handler = (*Auditor)(nil)
