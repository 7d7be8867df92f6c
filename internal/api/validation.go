package api

import (
	"fmt"
	"strings"
)

// ValidationError carries the offending field alongside the message so
// the UI can highlight the right control.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors holds multiple validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// HasErrors returns true if there are validation errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// RangeError builds the standard out-of-range message for a numeric
// field.
func RangeError(field string, min, max float64) ValidationError {
	return ValidationError{
		Field:   field,
		Message: fmt.Sprintf("%s must be between %g and %g", field, min, max),
	}
}
