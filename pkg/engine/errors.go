package engine

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an error for retry and recovery logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on retry.
	// Examples: "not found yet" right after creation, temporary API unavailability,
	// a resource that still has dependents.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassThrottled indicates rate limiting or quota exhaustion.
	// Should be retried with exponential backoff.
	ErrorClassThrottled ErrorClass = "throttled"

	// ErrorClassConflict indicates a resource state conflict.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent indicates a non-recoverable error.
	// Examples: invalid parameters, permission denied, quota exceeded.
	ErrorClassPermanent ErrorClass = "permanent"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Resource is the resource ID that caused the error, if applicable.
	Resource string `json:"resource,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := e.Message
	if e.Resource != "" && e.Operation != "" {
		msg = fmt.Sprintf("%s (resource=%s, operation=%s)", msg, e.Resource, e.Operation)
	} else if e.Resource != "" {
		msg = fmt.Sprintf("%s (resource=%s)", msg, e.Resource)
	} else if e.Operation != "" {
		msg = fmt.Sprintf("%s (operation=%s)", msg, e.Operation)
	}
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %s", e.Class, msg, e.Err.Error())
	}
	return fmt.Sprintf("[%s] %s", e.Class, msg)
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassTransient,
		Message: message,
		Err:     err,
	}
}

// NewThrottledError creates a new throttled error.
func NewThrottledError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassThrottled,
		Message: message,
		Err:     err,
	}
}

// NewConflictError creates a new conflict error.
func NewConflictError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassConflict,
		Message: message,
		Err:     err,
	}
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassPermanent,
		Message: message,
		Err:     err,
	}
}

// WithResource adds resource context to an error.
func (e *EngineError) WithResource(resourceID string) *EngineError {
	e.Resource = resourceID
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// ClassOf returns the class of the outermost EngineError in the chain.
// Errors that carry no classification are reported as permanent.
func ClassOf(err error) ErrorClass {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class
	}
	return ErrorClassPermanent
}

// CodeOf returns the code of the outermost EngineError in the chain, if any.
func CodeOf(err error) string {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// HasCode reports whether any EngineError in the chain carries the given code.
func HasCode(err error, code string) bool {
	for err != nil {
		var e *EngineError
		if !errors.As(err, &e) {
			return false
		}
		if e.Code == code {
			return true
		}
		err = e.Err
	}
	return false
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassTransient
	}
	return false
}

// IsThrottled returns true if the error is classified as throttled.
func IsThrottled(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassThrottled
	}
	return false
}

// IsConflict returns true if the error is classified as a conflict.
func IsConflict(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassConflict
	}
	return false
}

// IsPermanent returns true if the error is explicitly classified as permanent.
// Unclassified errors return false.
func IsPermanent(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassPermanent
	}
	return false
}

// IsRetryable returns true if the error can be retried.
// Transient, throttled, and conflict errors are retryable.
func IsRetryable(err error) bool {
	return IsTransient(err) || IsThrottled(err) || IsConflict(err)
}

// Error codes produced by the sequencer.
const (
	ErrCodeValidation       = "VALIDATION_ERROR"
	ErrCodeCreationFailed   = "CREATION_FAILED"
	ErrCodeReadinessFailed  = "READINESS_FAILED"
	ErrCodeReadinessTimeout = "READINESS_TIMEOUT"
	ErrCodeDeletionFailed   = "DELETION_FAILED"
	ErrCodeCheckFailed      = "CHECK_FAILED"
	ErrCodeCancelled        = "CANCELLED"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeRateLimited      = "RATE_LIMITED"
	ErrCodeDependency       = "DEPENDENCY_VIOLATION"
	ErrCodeProviderFailed   = "PROVIDER_FAILED"
)

// Sentinel errors usable with errors.Is.
var (
	// ErrCreation matches any CreationError.
	ErrCreation = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeCreationFailed}

	// ErrReadinessFailed matches any ReadinessFailure.
	ErrReadinessFailed = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeReadinessFailed}

	// ErrReadinessTimeout matches any ReadinessTimeout.
	ErrReadinessTimeout = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeReadinessTimeout}

	// ErrDeletion matches any DeletionError.
	ErrDeletion = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeDeletionFailed}

	// ErrCancelled matches a run aborted by its context.
	ErrCancelled = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeCancelled}
)

func creationError(step Step, err error) *EngineError {
	return NewPermanentError("create failed", err).
		WithCode(ErrCodeCreationFailed).
		WithOperation("create").
		WithDetail("step", step.Name).
		WithDetail("kind", string(step.Kind))
}

func readinessError(h ResourceHandle, res PollResult) *EngineError {
	switch res.Outcome {
	case PollTimedOut:
		return NewPermanentError(
			fmt.Sprintf("not ready after %d attempts (last status %q)", res.Attempts, res.Status), res.Err).
			WithCode(ErrCodeReadinessTimeout).
			WithResource(h.ID).
			WithOperation("poll").
			WithDetail("step", h.Step)
	case PollCancelled:
		return cancelledError(res.Err).WithResource(h.ID).WithDetail("step", h.Step)
	default:
		msg := fmt.Sprintf("reached failure status %q", res.Status)
		if res.Status == "" {
			msg = "status checks kept failing"
		}
		return NewPermanentError(msg, res.Err).
			WithCode(ErrCodeReadinessFailed).
			WithResource(h.ID).
			WithOperation("poll").
			WithDetail("step", h.Step).
			WithDetail("attempts", res.Attempts)
	}
}

func deletionError(h ResourceHandle, attempts int, err error) *EngineError {
	return NewPermanentError(fmt.Sprintf("delete %s failed after %d attempt(s)", h.Kind, attempts), err).
		WithCode(ErrCodeDeletionFailed).
		WithResource(h.ID).
		WithOperation("delete").
		WithDetail("step", h.Step)
}

func cancelledError(err error) *EngineError {
	return NewPermanentError("run cancelled", err).WithCode(ErrCodeCancelled)
}
