// Package config loads and validates the router's YAML configuration
// file: the external-collaborator contract (serial port, MS/TP station
// parameters, BACnet/IP network parameters, BDT/route seeds, and the
// Wi-Fi/peripheral fields kept as opaque passthrough strings since
// their bring-up is not this router's concern).
package config

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Severity distinguishes a problem that prevents the router from
// starting from one that is only surfaced.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// ValidationError is a single field-level configuration problem.
type ValidationError struct {
	Field    string   `json:"field"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrorList aggregates every problem found during Validate:
// errors block startup, warnings are surfaced but not fatal.
type ValidationErrorList struct {
	File     string             `json:"file"`
	Errors   []*ValidationError `json:"errors"`
	Warnings []*ValidationError `json:"warnings,omitempty"`
}

func (l *ValidationErrorList) Error() string {
	switch len(l.Errors) {
	case 0:
		return "no errors"
	case 1:
		return l.Errors[0].Error()
	default:
		return fmt.Sprintf("%d configuration errors found", len(l.Errors))
	}
}

func (l *ValidationErrorList) add(field, message string, sev Severity) {
	e := &ValidationError{Field: field, Message: message, Severity: sev}
	if sev == SeverityError {
		l.Errors = append(l.Errors, e)
	} else {
		l.Warnings = append(l.Warnings, e)
	}
}

// HasErrors reports whether any error-severity problem was recorded.
func (l *ValidationErrorList) HasErrors() bool { return len(l.Errors) > 0 }

// Format renders a human-readable summary: a location-tagged block per
// error followed by a count summary.
func (l *ValidationErrorList) Format() string {
	var b strings.Builder
	if len(l.Errors) > 0 {
		fmt.Fprintf(&b, "✗ configuration errors in %s\n\n", l.File)
		for _, e := range l.Errors {
			fmt.Fprintf(&b, "  %s\n", e.Error())
		}
	}
	if len(l.Warnings) > 0 {
		if len(l.Errors) > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "⚠ configuration warnings in %s\n\n", l.File)
		for _, w := range l.Warnings {
			fmt.Fprintf(&b, "  %s\n", w.Error())
		}
	}
	fmt.Fprintf(&b, "\nsummary: %d error(s), %d warning(s)\n", len(l.Errors), len(l.Warnings))
	return b.String()
}

// ToJSON renders the error list for CI/CD consumption.
func (l *ValidationErrorList) ToJSON() (string, error) {
	data, err := json.MarshalIndent(l, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal validation errors: %w", err)
	}
	return string(data), nil
}
