package engine

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an error for retry and recovery logic.
type ErrorClass string

const (
	// ErrorClassInvalid indicates bad input that can never succeed.
	// Examples: dependency cycles, unknown resource kinds, malformed descriptors.
	ErrorClassInvalid ErrorClass = "invalid"

	// ErrorClassConflict indicates an optimistic-concurrency failure.
	// The caller must re-read state and re-plan before retrying.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassContention indicates the environment lock is held elsewhere
	// or was lost mid-run. Retryable after backoff.
	ErrorClassContention ErrorClass = "contention"

	// ErrorClassTransient indicates a temporary provider failure that may
	// succeed on retry. Examples: rate limiting, network timeouts.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassFatal indicates a non-recoverable provider or policy failure.
	// Examples: invalid parameters, permission denied, policy denial.
	ErrorClassFatal ErrorClass = "fatal"
)

// Error is the classified error carried through plans, reports, and the store.
type Error struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Code is a stable code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Environment is the environment name, if applicable.
	Environment string `json:"environment,omitempty"`

	// Resource is the resource ID that caused the error, if applicable.
	Resource string `json:"resource,omitempty"`

	// Op is the operation being performed when the error occurred.
	Op Operation `json:"op,omitempty"`

	// Err is the underlying error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %s", e.Message, e.Err.Error())
	}
	switch {
	case e.Resource != "" && e.Op != "":
		return fmt.Sprintf("[%s] %s (resource=%s, op=%s)", e.Class, msg, e.Resource, e.Op)
	case e.Resource != "":
		return fmt.Sprintf("[%s] %s (resource=%s)", e.Class, msg, e.Resource)
	case e.Environment != "":
		return fmt.Sprintf("[%s] %s (environment=%s)", e.Class, msg, e.Environment)
	default:
		return fmt.Sprintf("[%s] %s", e.Class, msg)
	}
}

// Unwrap returns the underlying error for error chain inspection.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches on class and code so callers can compare against sentinel values.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// WithEnvironment adds environment context to an error.
func (e *Error) WithEnvironment(env string) *Error {
	e.Environment = env
	return e
}

// WithResource adds resource context to an error.
func (e *Error) WithResource(resourceID string) *Error {
	e.Resource = resourceID
	return e
}

// WithOp adds operation context to an error.
func (e *Error) WithOp(op Operation) *Error {
	e.Op = op
	return e
}

// Stable error codes.
const (
	CodeCycle             = "CYCLE"
	CodeConflict          = "CONFLICT"
	CodeLockHeld          = "LOCK_HELD"
	CodeLockLost          = "LOCK_LOST"
	CodeTokenMismatch     = "TOKEN_MISMATCH"
	CodeProviderTransient = "PROVIDER_TRANSIENT"
	CodeProviderFatal     = "PROVIDER_FATAL"
	CodePolicyDenied      = "POLICY_DENIED"
	CodeNotFound          = "NOT_FOUND"
	CodeValidation        = "VALIDATION_ERROR"
	CodeDependencyFailed  = "DEPENDENCY_FAILED"
	CodeAborted           = "ABORTED"
)

// NewCycleError reports a dependency cycle. Fatal to the whole plan,
// surfaced before any mutation.
func NewCycleError(path string) *Error {
	return &Error{
		Class:   ErrorClassInvalid,
		Code:    CodeCycle,
		Message: fmt.Sprintf("dependency cycle detected: %s", path),
	}
}

// NewConflictError reports a stale-version write to the state store.
func NewConflictError(resourceID string, expected, actual int64) *Error {
	return &Error{
		Class:    ErrorClassConflict,
		Code:     CodeConflict,
		Message:  fmt.Sprintf("version conflict: expected %d, stored %d", expected, actual),
		Resource: resourceID,
	}
}

// NewLockHeldError reports that the environment lock is held by another party.
func NewLockHeldError(env string) *Error {
	return &Error{
		Class:       ErrorClassContention,
		Code:        CodeLockHeld,
		Message:     "environment busy: lock held",
		Environment: env,
	}
}

// NewLockLostError reports that the lock lease could not be renewed mid-run.
func NewLockLostError(env string, err error) *Error {
	return &Error{
		Class:       ErrorClassContention,
		Code:        CodeLockLost,
		Message:     "lock lease lost",
		Environment: env,
		Err:         err,
	}
}

// NewTokenMismatchError reports a release or renew attempt with a stale token.
func NewTokenMismatchError(env string) *Error {
	return &Error{
		Class:       ErrorClassContention,
		Code:        CodeTokenMismatch,
		Message:     "lock held by a different token",
		Environment: env,
	}
}

// NewTransientProviderError wraps a provider error that may succeed on retry.
func NewTransientProviderError(message string, err error) *Error {
	return &Error{
		Class:   ErrorClassTransient,
		Code:    CodeProviderTransient,
		Message: message,
		Err:     err,
	}
}

// NewFatalProviderError wraps a provider error that must not be retried.
func NewFatalProviderError(message string, err error) *Error {
	return &Error{
		Class:   ErrorClassFatal,
		Code:    CodeProviderFatal,
		Message: message,
		Err:     err,
	}
}

// NewValidationError reports invalid caller input.
func NewValidationError(message string) *Error {
	return &Error{
		Class:   ErrorClassInvalid,
		Code:    CodeValidation,
		Message: message,
	}
}

// NewNotFoundError reports a missing environment or resource record.
func NewNotFoundError(message string) *Error {
	return &Error{
		Class:   ErrorClassInvalid,
		Code:    CodeNotFound,
		Message: message,
	}
}

// classOf extracts the class from an error chain, defaulting to fatal.
func classOf(err error) ErrorClass {
	var e *Error
	if errors.As(err, &e) {
		return e.Class
	}
	return ErrorClassFatal
}

// codeOf extracts the code from an error chain.
func codeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsCycle returns true if the error reports a dependency cycle.
func IsCycle(err error) bool { return codeOf(err) == CodeCycle }

// IsConflict returns true if the error is an optimistic-concurrency conflict.
func IsConflict(err error) bool { return classOf(err) == ErrorClassConflict }

// IsLockHeld returns true if the error reports a held environment lock.
func IsLockHeld(err error) bool { return codeOf(err) == CodeLockHeld }

// IsLockLost returns true if the error reports a lost lock lease.
func IsLockLost(err error) bool { return codeOf(err) == CodeLockLost }

// IsTokenMismatch returns true if the error reports a stale lock token.
func IsTokenMismatch(err error) bool { return codeOf(err) == CodeTokenMismatch }

// IsNotFound returns true if the error reports a missing record.
func IsNotFound(err error) bool { return codeOf(err) == CodeNotFound }

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool { return classOf(err) == ErrorClassTransient }

// IsFatal returns true if the error is classified as fatal.
func IsFatal(err error) bool { return classOf(err) == ErrorClassFatal }

// IsRetryable returns true if the operation can be retried without
// re-reading state. Conflicts require a re-read and re-plan first, so
// they are deliberately excluded here.
func IsRetryable(err error) bool {
	switch classOf(err) {
	case ErrorClassTransient, ErrorClassContention:
		return true
	default:
		return false
	}
}
