package flowline

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorCode classifies a service failure so callers can branch on the
// category without parsing message text.
type ErrorCode string

const (
	// ErrTenantContextMissing indicates the operation ran without a tenant
	// bound to the context.
	ErrTenantContextMissing ErrorCode = "tenant_context_missing"

	// ErrValidation indicates a definition failed structural validation.
	// Details enumerates every violated rule, not just the first.
	ErrValidation ErrorCode = "validation_error"

	// ErrImmutabilityViolation indicates an attempt to mutate published
	// definition content in place.
	ErrImmutabilityViolation ErrorCode = "immutability_violation"

	// ErrActiveInstancesPresent indicates an unpublish was blocked by
	// running or suspended instances.
	ErrActiveInstancesPresent ErrorCode = "active_instances_present"

	// ErrNotFound indicates a missing definition, instance, or task.
	ErrNotFound ErrorCode = "not_found"

	// ErrInvalidStateTransition indicates a task or instance status change
	// that the lifecycle does not permit.
	ErrInvalidStateTransition ErrorCode = "invalid_state_transition"

	// ErrMalformedDefinition indicates graph JSON that could not be parsed.
	ErrMalformedDefinition ErrorCode = "malformed_definition"

	// ErrAlreadyPublished indicates a publish of an already-published
	// definition version without force.
	ErrAlreadyPublished ErrorCode = "already_published"

	// ErrHasInstances indicates a draft delete blocked by existing
	// instance rows.
	ErrHasInstances ErrorCode = "has_instances"

	// ErrInternal is the classification for unexpected failures. The
	// original error is wrapped but never shown across the service
	// boundary verbatim.
	ErrInternal ErrorCode = "internal"
)

// Error is the structured failure type returned across the public service
// boundary. It supports Go's error wrapping with Unwrap.
type Error struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Details []string  `json:"details,omitempty"`
	Wrapped error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if len(e.Details) > 0 {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, strings.Join(e.Details, "; "))
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap supports errors.Is and errors.As.
func (e *Error) Unwrap() error {
	return e.Wrapped
}

// NewError creates a structured error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// NewValidationError creates a validation failure carrying every violated
// rule.
func NewValidationError(message string, details []string) *Error {
	return &Error{Code: ErrValidation, Message: message, Details: details}
}

// CodeOf returns the error code of err, or ErrInternal when err carries no
// structured code.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ErrInternal
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code ErrorCode) bool {
	return err != nil && CodeOf(err) == code
}

// internalError wraps an unexpected error into a generic failure result.
// The caller is expected to have logged the original with full context; the
// wrapped error never reaches end users.
func internalError(op string, err error) *Error {
	return &Error{
		Code:    ErrInternal,
		Message: fmt.Sprintf("%s failed unexpectedly", op),
		Wrapped: err,
	}
}
