package ingest

import "fmt"

// ValidationError marks a malformed or missing field in the inbound payload.
// Always surfaced to the caller, never retried internally.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// ReferentialError marks a payload reference to an entity that does not
// belong to the claimed owner. Checked before the write path where feasible.
type ReferentialError struct {
	Field  string
	Reason string
}

func (e *ReferentialError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func validationErr(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}
