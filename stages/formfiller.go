package stages

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"

	"github.com/deepnoodle-ai/portalflow"
	"github.com/deepnoodle-ai/portalflow/browser"
	"github.com/deepnoodle-ai/portalflow/template"
)

// LocatorResolver is an optional external capability (e.g. a vision tool)
// that finds an element when the template's declared locator fails.
type LocatorResolver interface {
	Resolve(ctx context.Context, screenshotRef, fieldName string) (browser.Locator, error)
}

// FormFillerOptions configures a FormFiller.
type FormFillerOptions struct {
	Session   *browser.Session
	Templates template.Provider
	Logger    *slog.Logger

	// Resolver is consulted when a declared locator fails to resolve.
	// Optional.
	Resolver LocatorResolver
}

// FormFiller writes user data into the page for every template field at
// the current stage that is not yet marked filled. Re-entering the stage
// is idempotent: filled fields are skipped, so no successful write is
// repeated. A missing required value is recorded but does not abort the
// remaining fields.
type FormFiller struct {
	session   *browser.Session
	templates template.Provider
	logger    *slog.Logger
	resolver  LocatorResolver
}

func NewFormFiller(opts FormFillerOptions) (*FormFiller, error) {
	if opts.Session == nil {
		return nil, fmt.Errorf("browser session is required")
	}
	if opts.Templates == nil {
		return nil, fmt.Errorf("template provider is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &FormFiller{
		session:   opts.Session,
		templates: opts.Templates,
		logger:    opts.Logger,
		resolver:  opts.Resolver,
	}, nil
}

func (f *FormFiller) Name() string {
	return "form_filler"
}

func (f *FormFiller) Execute(ctx context.Context, state *portalflow.WorkflowState) (*portalflow.StateUpdate, error) {
	fields, err := f.templates.FieldMappings(state.ServiceType, string(state.CurrentStage))
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)

	progress := map[string]bool{}
	var errs []*portalflow.StageError

	for _, name := range names {
		spec := fields[name]
		if state.FormProgress[name] {
			continue
		}
		value, ok := state.UserData[name]
		if !ok || value == "" {
			if spec.Required {
				detail := "no value provided"
				if spec.Description != "" {
					detail = fmt.Sprintf("no value provided for %s", spec.Description)
				}
				errs = append(errs, portalflow.NewFieldError(portalflow.ErrorMissingRequiredField, name, detail))
			}
			continue
		}

		if err := f.writeField(ctx, state, spec, name, value); err != nil {
			errs = append(errs, err)
			continue
		}
		progress[name] = true
		f.logger.Debug("field filled", "field", name, "type", spec.Type)
	}

	f.logger.Info("form fill pass finished",
		"stage", state.CurrentStage,
		"filled", len(progress),
		"errors", len(errs))

	return &portalflow.StateUpdate{
		FormProgress: progress,
		Errors:       errs,
		NextAction:   portalflow.ActionContinue,
	}, nil
}

// writeField writes one value using the primitive the field type selects,
// falling back to the locator resolver when the declared locator fails.
func (f *FormFiller) writeField(ctx context.Context, state *portalflow.WorkflowState, spec template.FieldSpec, name, value string) *portalflow.StageError {
	err := f.write(ctx, spec.Locator, spec.Type, value)
	if err == nil {
		return nil
	}
	if errors.Is(err, browser.ErrLocatorNotResolved) && f.resolver != nil {
		f.logger.Debug("delegating to locator resolver", "field", name)
		resolved, rerr := f.resolver.Resolve(ctx, state.ScreenshotRef, name)
		if rerr == nil {
			if err = f.write(ctx, resolved, spec.Type, value); err == nil {
				return nil
			}
		}
	}
	if errors.Is(err, browser.ErrLocatorNotResolved) {
		return portalflow.NewFieldError(portalflow.ErrorSelectorNotFound, name, err.Error())
	}
	return &portalflow.StageError{
		Kind:    portalflow.ErrorSelectorNotFound,
		Field:   name,
		Detail:  err.Error(),
		Wrapped: err,
	}
}

func (f *FormFiller) write(ctx context.Context, locator browser.Locator, fieldType template.FieldType, value string) error {
	switch fieldType {
	case template.FieldSelect:
		return f.session.SelectOption(ctx, locator, value)
	case template.FieldFile:
		return f.session.UploadFile(ctx, locator, value)
	default:
		return f.session.Fill(ctx, locator, value)
	}
}

var _ portalflow.Handler = (*FormFiller)(nil)
