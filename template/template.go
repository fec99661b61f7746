// Package template declares per-service form templates: the expected
// fields at each workflow stage, their locators, and validation rules.
// Templates are read-only lookup data supplied externally (YAML files).
package template

import (
	"fmt"

	"github.com/deepnoodle-ai/portalflow/browser"
)

// FieldType selects the browser primitive used to write a field.
type FieldType string

const (
	FieldText   FieldType = "text"
	FieldSelect FieldType = "select"
	FieldFile   FieldType = "file"
	FieldDate   FieldType = "date"
)

// FieldSpec describes one logical form field at a stage.
type FieldSpec struct {
	Locator     browser.Locator `json:"locator" yaml:"locator"`
	Type        FieldType       `json:"type" yaml:"type"`
	Required    bool            `json:"required,omitempty" yaml:"required,omitempty"`
	Description string          `json:"description,omitempty" yaml:"description,omitempty"`
}

// LoginSpec describes the portal's login form. A nil LoginSpec on a
// template means the service is publicly accessible.
type LoginSpec struct {
	Username browser.Locator `json:"username" yaml:"username"`
	Password browser.Locator `json:"password" yaml:"password"`
	Submit   browser.Locator `json:"submit" yaml:"submit"`

	// LoggedInIndicator resolves when a session is already authenticated,
	// in which case credentials are not resubmitted.
	LoggedInIndicator browser.Locator `json:"logged_in_indicator" yaml:"logged_in_indicator"`
}

// CaptchaSpec describes how to detect and answer a CAPTCHA challenge.
type CaptchaSpec struct {
	// Indicators are probed in order; any match means a challenge is
	// present.
	Indicators []browser.Locator `json:"indicators" yaml:"indicators"`
	Input      browser.Locator   `json:"input" yaml:"input"`
	Submit     browser.Locator   `json:"submit" yaml:"submit"`
}

// PaymentSpec describes the provider's payment flow.
type PaymentSpec struct {
	// Proceed controls are clicked in order after human confirmation.
	Proceed []browser.Locator `json:"proceed" yaml:"proceed"`

	// SuccessIndicator confirms the payment went through. Absence is
	// treated as tentative success and flagged for audit.
	SuccessIndicator browser.Locator `json:"success_indicator" yaml:"success_indicator"`

	// SummaryMarkers are keywords used to pull payment summary lines
	// (amount, reference) out of the page text for the confirmation
	// prompt.
	SummaryMarkers []string `json:"summary_markers,omitempty" yaml:"summary_markers,omitempty"`
}

// Template is the full per-service declaration.
type Template struct {
	Service string `json:"service" yaml:"service"`
	URL     string `json:"url" yaml:"url"`

	Login *LoginSpec `json:"login,omitempty" yaml:"login,omitempty"`

	// Stages maps stage names (form_fill, document_upload, ...) to their
	// field sets.
	Stages map[string]map[string]FieldSpec `json:"stages" yaml:"stages"`

	// Nav maps stage names to the control that navigates to that step of
	// the portal, for multi-page applications.
	Nav map[string]browser.Locator `json:"nav,omitempty" yaml:"nav,omitempty"`

	// Rules maps field names to validation rule kinds. Fields without an
	// entry fall back to name-based inference (InferRule).
	Rules map[string]RuleKind `json:"rules,omitempty" yaml:"rules,omitempty"`

	Captcha *CaptchaSpec `json:"captcha,omitempty" yaml:"captcha,omitempty"`
	Payment *PaymentSpec `json:"payment,omitempty" yaml:"payment,omitempty"`

	// ErrorMarkers are text fragments that identify the portal's own
	// validation error messages in the page structure.
	ErrorMarkers []string `json:"error_markers,omitempty" yaml:"error_markers,omitempty"`
}

// Validate checks structural invariants of the template.
func (t *Template) Validate() error {
	if t.Service == "" {
		return fmt.Errorf("template service name required")
	}
	if t.URL == "" {
		return fmt.Errorf("template %q: url required", t.Service)
	}
	if len(t.Stages) == 0 {
		return fmt.Errorf("template %q: at least one stage required", t.Service)
	}
	for stage, fields := range t.Stages {
		for name, spec := range fields {
			if spec.Locator.IsZero() {
				return fmt.Errorf("template %q: field %q at stage %q has no locator", t.Service, name, stage)
			}
		}
	}
	if t.Login != nil && t.Login.Username.IsZero() {
		return fmt.Errorf("template %q: login declared without username locator", t.Service)
	}
	return nil
}

// LoginRequired reports whether the service needs authentication.
func (t *Template) LoginRequired() bool {
	return t.Login != nil
}

// Fields returns the field set for a stage. Nil when the template does not
// declare the stage.
func (t *Template) Fields(stage string) map[string]FieldSpec {
	return t.Stages[stage]
}
