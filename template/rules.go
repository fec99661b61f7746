package template

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// RuleKind identifies a value format rule.
type RuleKind string

const (
	RuleEmail   RuleKind = "email"
	RulePhone   RuleKind = "phone"
	RuleDate    RuleKind = "date"
	RulePincode RuleKind = "pincode"
)

var validate = validator.New()

// Indian mobile numbers, with optional +91 country prefix.
var phonePattern = regexp.MustCompile(`^(?:\+91)?[6-9]\d{9}$`)

var dateFormats = []struct {
	pattern *regexp.Regexp
	layout  string
}{
	{regexp.MustCompile(`^\d{2}/\d{2}/\d{4}$`), "02/01/2006"},
	{regexp.MustCompile(`^\d{2}-\d{2}-\d{4}$`), "02-01-2006"},
	{regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`), "2006-01-02"},
}

// Check validates a value against the rule. Empty values pass; required
// coverage is a separate concern.
func (k RuleKind) Check(value string) error {
	if value == "" {
		return nil
	}
	switch k {
	case RuleEmail:
		if err := validate.Var(value, "email"); err != nil {
			return fmt.Errorf("not a valid email address")
		}
	case RulePhone:
		if !phonePattern.MatchString(value) {
			return fmt.Errorf("not a valid mobile number")
		}
	case RuleDate:
		for _, f := range dateFormats {
			if !f.pattern.MatchString(value) {
				continue
			}
			if _, err := time.Parse(f.layout, value); err != nil {
				return fmt.Errorf("not a calendar date")
			}
			return nil
		}
		return fmt.Errorf("expected DD/MM/YYYY, DD-MM-YYYY, or YYYY-MM-DD")
	case RulePincode:
		if err := validate.Var(value, "numeric,len=6"); err != nil {
			return fmt.Errorf("not a valid PIN code")
		}
	}
	return nil
}

// InferRule guesses a rule kind from a field name, matching the common
// naming of Indian government portal forms. Returns "" when no rule
// applies.
func InferRule(fieldName string) RuleKind {
	name := strings.ToLower(fieldName)
	switch {
	case strings.Contains(name, "email"):
		return RuleEmail
	case strings.Contains(name, "phone"), strings.Contains(name, "mobile"):
		return RulePhone
	case strings.Contains(name, "date"), strings.Contains(name, "dob"):
		return RuleDate
	case strings.Contains(name, "pincode"), strings.Contains(name, "pin_code"):
		return RulePincode
	}
	return ""
}

// RuleFor resolves the rule for a field: an explicit template rule wins,
// otherwise the name-based inference applies.
func (t *Template) RuleFor(fieldName string) RuleKind {
	if k, ok := t.Rules[fieldName]; ok {
		return k
	}
	return InferRule(fieldName)
}
