package graph

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation is wrapped by every ValidationError.
	ErrValidation = errors.New("invalid graph")

	// ErrCycle is wrapped by every CycleError.
	ErrCycle = errors.New("cyclic dependency detected")
)

// ValidationError reports a malformed node or edge. Field names the failed
// check and ID the offending node or edge, when there is one.
type ValidationError struct {
	Field  string
	ID     string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("validation failed: %s %q: %s", e.Field, e.ID, e.Reason)
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

func newValidationError(field, id, format string, args ...any) error {
	return &ValidationError{
		Field:  field,
		ID:     id,
		Reason: fmt.Sprintf(format, args...),
	}
}

// CycleError reports that the edges do not form a DAG. Node is on the cycle.
type CycleError struct {
	Node string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("cycle detected involving node %q", e.Node)
}

func (e *CycleError) Unwrap() error {
	return ErrCycle
}
