// Package engine implements the reconciliation core: building a resource
// graph from desired state, planning the operations that converge live
// state to it, and executing those operations against a resource provider.
package engine

import (
	"errors"
	"fmt"
)

// ErrorClass classifies an error for retry and propagation decisions.
type ErrorClass string

const (
	// ErrorClassValidation indicates malformed desired state (cycles,
	// unresolved references). Fatal to the cycle, never retried.
	ErrorClassValidation ErrorClass = "validation"

	// ErrorClassTransient indicates a temporary provider failure (rate
	// limiting, timeout, network). Retried with bounded backoff.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassPermanent indicates a non-recoverable provider rejection
	// (invalid attribute, quota exceeded). Never retried.
	ErrorClassPermanent ErrorClass = "permanent"

	// ErrorClassLock indicates lease contention on the reconciliation
	// scope. The cycle is skipped and retried on the next tick.
	ErrorClassLock ErrorClass = "lock"

	// ErrorClassDrift indicates observed live state diverged from stored
	// state with no desired-state change. Surfaced as a warning; desired
	// state wins.
	ErrorClassDrift ErrorClass = "drift"
)

// EngineError is a classified error with resource and operation context.
type EngineError struct {
	Class    ErrorClass     `json:"class"`
	Code     string         `json:"code,omitempty"`
	Message  string         `json:"message"`
	Resource string         `json:"resource,omitempty"`
	Op       string         `json:"op,omitempty"`
	Err      error          `json:"-"`
	Details  map[string]any `json:"details,omitempty"`
}

func (e *EngineError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Class, e.Message)
	if e.Resource != "" {
		msg += fmt.Sprintf(" (resource=%s", e.Resource)
		if e.Op != "" {
			msg += fmt.Sprintf(", op=%s", e.Op)
		}
		msg += ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error { return e.Err }

// Is matches on class and code so sentinel comparisons work with errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && (t.Code == "" || e.Code == t.Code)
}

// WithResource adds resource identity context.
func (e *EngineError) WithResource(id string) *EngineError {
	e.Resource = id
	return e
}

// WithOp adds operation context.
func (e *EngineError) WithOp(op string) *EngineError {
	e.Op = op
	return e
}

// WithCode adds an error code for programmatic handling.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail attaches a key/value pair to the error context.
func (e *EngineError) WithDetail(key string, value any) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// NewValidationError creates a validation-class error.
func NewValidationError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassValidation, Message: message, Err: err}
}

// NewTransientError creates a transient-class error.
func NewTransientError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassTransient, Message: message, Err: err}
}

// NewPermanentError creates a permanent-class error.
func NewPermanentError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassPermanent, Message: message, Err: err}
}

// NewLockError creates a lock-contention error.
func NewLockError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassLock, Message: message, Err: err, Code: ErrCodeLockContention}
}

// NewDriftError creates a drift-detected error.
func NewDriftError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassDrift, Message: message, Err: err, Code: ErrCodeDriftDetected}
}

// NewCycleError creates the validation error reported when the declared
// dependency graph contains a cycle. members lists the participating
// resource identities.
func NewCycleError(members []string) *EngineError {
	e := NewValidationError("dependency cycle detected", nil).WithCode(ErrCodeCycle)
	return e.WithDetail("members", members)
}

// NewUnresolvedReferenceError creates the validation error reported when a
// dependency reference names no declared resource.
func NewUnresolvedReferenceError(from, to string) *EngineError {
	return NewValidationError(
		fmt.Sprintf("resource %s references undeclared resource %s", from, to), nil).
		WithCode(ErrCodeUnresolvedReference).
		WithResource(from)
}

// NewPlanningError creates the error reported when attribute interpolation
// cannot resolve after all prior operations have executed.
func NewPlanningError(message string, err error) *EngineError {
	return NewValidationError(message, err).WithCode(ErrCodePlanning)
}

// IsValidation reports whether err is classified as validation.
func IsValidation(err error) bool { return hasClass(err, ErrorClassValidation) }

// IsTransient reports whether err is classified as transient.
func IsTransient(err error) bool { return hasClass(err, ErrorClassTransient) }

// IsPermanent reports whether err is classified as permanent.
func IsPermanent(err error) bool { return hasClass(err, ErrorClassPermanent) }

// IsLockContention reports whether err is lease contention.
func IsLockContention(err error) bool { return hasClass(err, ErrorClassLock) }

// IsDrift reports whether err is a drift detection.
func IsDrift(err error) bool { return hasClass(err, ErrorClassDrift) }

// IsRetryable reports whether the executor may retry the failed call.
// Only transient provider failures are retried.
func IsRetryable(err error) bool { return IsTransient(err) }

func hasClass(err error, class ErrorClass) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == class
	}
	return false
}

// Common error codes.
const (
	ErrCodeCycle               = "CYCLE"
	ErrCodeUnresolvedReference = "UNRESOLVED_REFERENCE"
	ErrCodePlanning            = "PLANNING"
	ErrCodeLockContention      = "LOCK_CONTENTION"
	ErrCodeDriftDetected       = "DRIFT_DETECTED"
	ErrCodeProviderFailed      = "PROVIDER_FAILED"
	ErrCodeDependencyFailed    = "DEPENDENCY_FAILED"
	ErrCodeTimeout             = "TIMEOUT"
	ErrCodeNotFound            = "NOT_FOUND"
	ErrCodeInternal            = "INTERNAL_ERROR"
)
