package model

import (
	"errors"
	"fmt"
	"strings"
)

// StructuralError reports a malformed or invalid project definition. It is
// fatal and raised before any side effect.
type StructuralError struct {
	// Path is the dotted location inside the document, e.g. "services.web.ports[1]".
	Path string

	// Message describes what is wrong at Path.
	Message string
}

// Error implements the error interface.
func (e *StructuralError) Error() string {
	if e.Path == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// NewStructuralError creates a StructuralError with a formatted message.
func NewStructuralError(path, format string, args ...interface{}) *StructuralError {
	return &StructuralError{Path: path, Message: fmt.Sprintf(format, args...)}
}

// MissingVariableError reports a ${NAME} placeholder with no value and no
// default.
type MissingVariableError struct {
	// Variable is the unresolved variable name.
	Variable string

	// Field is the dotted document path of the string that referenced it.
	Field string

	// Reason is the message of a ${NAME:?reason} placeholder, if any.
	Reason string
}

// Error implements the error interface.
func (e *MissingVariableError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s: required variable %q is missing a value: %s", e.Field, e.Variable, e.Reason)
	}
	return fmt.Sprintf("%s: required variable %q is not set and has no default", e.Field, e.Variable)
}

// CyclicDependencyError reports a depends_on cycle. Cycle starts and ends
// with the same service name, e.g. [a b c a].
type CyclicDependencyError struct {
	Cycle []string
}

// Error implements the error interface.
func (e *CyclicDependencyError) Error() string {
	return fmt.Sprintf("dependency cycle detected: %s", strings.Join(e.Cycle, " -> "))
}

// ReconciliationConflictError reports observed state that cannot be moved to
// the desired state by replacement. It is fatal for the affected resource only.
type ReconciliationConflictError struct {
	// Resource identifies the conflicting resource, e.g. "network app_net".
	Resource string

	// Reason describes the incompatibility.
	Reason string
}

// Error implements the error interface.
func (e *ReconciliationConflictError) Error() string {
	return fmt.Sprintf("conflict on %s: %s", e.Resource, e.Reason)
}

// TransientEngineError wraps a collaborator failure that may succeed when
// retried (connection resets, resource busy). The orchestrator retries these
// with exponential backoff.
type TransientEngineError struct {
	Op  string
	Err error
}

// Error implements the error interface.
func (e *TransientEngineError) Error() string {
	return fmt.Sprintf("%s: transient engine error: %v", e.Op, e.Err)
}

// Unwrap returns the underlying engine error.
func (e *TransientEngineError) Unwrap() error {
	return e.Err
}

// EngineError wraps a non-retryable collaborator failure. It fails its
// action and skips the action's dependents.
type EngineError struct {
	Op  string
	Err error
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying engine error.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is, or wraps, a TransientEngineError.
func IsTransient(err error) bool {
	var t *TransientEngineError
	return errors.As(err, &t)
}

// IsPlanningError reports whether err belongs to the planning phase
// (structural, missing variable, or cycle) and therefore aborted the whole
// invocation before any side effect.
func IsPlanningError(err error) bool {
	var (
		structural *StructuralError
		missing    *MissingVariableError
		cycle      *CyclicDependencyError
	)
	return errors.As(err, &structural) || errors.As(err, &missing) || errors.As(err, &cycle)
}
