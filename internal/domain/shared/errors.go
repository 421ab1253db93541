// Package shared contains common domain types, errors, events, and value objects
// that are used across all domain packages. This package has zero external dependencies.
package shared

import (
	"errors"
	"fmt"
)

// Base domain errors that can be used for error checking with errors.Is().
var (
	// Entity errors
	ErrNotFound      = errors.New("entity not found")
	ErrAlreadyExists = errors.New("entity already exists")

	// Validation errors
	ErrValidation      = errors.New("validation error")
	ErrInvalidID       = errors.New("invalid ID")
	ErrInvalidInput    = errors.New("invalid input")
	ErrEmptyValue      = errors.New("value cannot be empty")
	ErrNegativeValue   = errors.New("value cannot be negative")
	ErrValueOutOfRange = errors.New("value out of range")
	ErrInvalidFormat   = errors.New("invalid format")

	// State errors
	ErrInvalidState    = errors.New("invalid state")
	ErrStateTransition = errors.New("invalid state transition")
	ErrPrecondition    = errors.New("precondition failed")

	// Authorization errors
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")

	// External service errors
	ErrExternalService    = errors.New("external service error")
	ErrServiceUnavailable = errors.New("service unavailable")
	ErrTimeout            = errors.New("operation timeout")
)

// DomainError represents a domain-specific error with context.
type DomainError struct {
	Domain  string // e.g., "decay", "session", "controller"
	Op      string // Operation that failed, e.g., "Start", "Submit"
	Kind    error  // Base error type for errors.Is() checking
	Message string // Human-readable message
	Err     error  // Underlying error (optional)
}

// Error implements the error interface.
func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s.%s: %s: %v", e.Domain, e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("%s.%s: %s", e.Domain, e.Op, e.Message)
}

// Unwrap returns the underlying error for errors.Unwrap().
func (e *DomainError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return e.Kind
}

// Is implements errors.Is() matching.
func (e *DomainError) Is(target error) bool {
	if e.Kind != nil && errors.Is(e.Kind, target) {
		return true
	}
	if e.Err != nil && errors.Is(e.Err, target) {
		return true
	}
	return false
}

// NewDomainError creates a new domain error.
func NewDomainError(domain, op string, kind error, message string) *DomainError {
	return &DomainError{
		Domain:  domain,
		Op:      op,
		Kind:    kind,
		Message: message,
	}
}

// WrapError wraps an existing error with domain context.
func WrapError(domain, op string, kind error, message string, err error) *DomainError {
	return &DomainError{
		Domain:  domain,
		Op:      op,
		Kind:    kind,
		Message: message,
		Err:     err,
	}
}

// Simulation errors
var (
	ErrInvalidHalfLife        = NewDomainError("decay", "Validate", ErrValueOutOfRange, "half-life must be positive")
	ErrNegativeActivity       = NewDomainError("decay", "Validate", ErrNegativeValue, "initial activity cannot be negative")
	ErrNegativeBackground     = NewDomainError("decay", "Validate", ErrNegativeValue, "background rate cannot be negative")
	ErrUnknownIsotope         = NewDomainError("decay", "Select", ErrNotFound, "unknown isotope")
	ErrInsufficientData       = NewDomainError("decay", "FitHalfLife", ErrInvalidInput, "at least two positive net measurements are required")
	ErrUnknownLED             = NewDomainError("circuit", "Select", ErrNotFound, "unknown LED")
	ErrInvalidThreshold       = NewDomainError("circuit", "Validate", ErrValueOutOfRange, "threshold voltage must be positive")
	ErrNoCrossings            = NewDomainError("circuit", "EstimatePlanck", ErrInvalidInput, "no threshold crossings recorded")
	ErrSimulationNotAvailable = NewDomainError("controller", "Simulate", ErrInvalidState, "exercise has no such simulation")
)

// Exercise registry errors
var (
	ErrExerciseNotFound     = NewDomainError("exercise", "Lookup", ErrNotFound, "exercise not found")
	ErrExerciseExists       = NewDomainError("exercise", "Register", ErrAlreadyExists, "exercise already registered")
	ErrInvalidExercise      = NewDomainError("exercise", "Validate", ErrValidation, "invalid exercise definition")
	ErrUnknownSection       = NewDomainError("exercise", "Section", ErrNotFound, "unknown section")
	ErrDuplicateSectionKeys = NewDomainError("exercise", "Validate", ErrAlreadyExists, "duplicate section key")
)

// Session errors
var (
	ErrSessionNotFound     = NewDomainError("session", "Load", ErrNotFound, "lab session not found")
	ErrSessionNotStarted   = NewDomainError("session", "Check", ErrInvalidState, "lab session has not been started")
	ErrSessionStarted      = NewDomainError("session", "Start", ErrStateTransition, "lab session already started")
	ErrSessionSubmitted    = NewDomainError("session", "Write", ErrForbidden, "lab session is submitted and read-only")
	ErrSessionClosed       = NewDomainError("session", "Use", ErrInvalidState, "lab session controller is closed")
	ErrSubmitPrecondition  = NewDomainError("session", "Submit", ErrPrecondition, "not enough completed sections to submit")
	ErrSubmissionRejected  = NewDomainError("session", "Submit", ErrExternalService, "submission endpoint rejected the submission")
	ErrSubmissionInFlight  = NewDomainError("session", "Submit", ErrInvalidState, "a submission is already in progress")
	ErrStoreUnavailable    = NewDomainError("session", "Save", ErrServiceUnavailable, "session store is unavailable")
	ErrGradingUnavailable  = NewDomainError("grading", "Submit", ErrServiceUnavailable, "grading service is unavailable")
	ErrInvalidSessionKey   = NewDomainError("session", "Validate", ErrInvalidID, "invalid session key")
	ErrUnknownDocumentKind = NewDomainError("session", "Decode", ErrInvalidFormat, "malformed session document")
)

// IsNotFound checks if the error is a "not found" error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsValidation checks if the error is a validation error.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrInvalidID) ||
		errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrEmptyValue) ||
		errors.Is(err, ErrNegativeValue) ||
		errors.Is(err, ErrValueOutOfRange) ||
		errors.Is(err, ErrInvalidFormat)
}

// IsConflict checks if the error reports an operation the current state forbids.
func IsConflict(err error) bool {
	return errors.Is(err, ErrInvalidState) ||
		errors.Is(err, ErrStateTransition) ||
		errors.Is(err, ErrPrecondition) ||
		errors.Is(err, ErrAlreadyExists)
}

// IsExternalService checks if the error is from an external service.
func IsExternalService(err error) bool {
	return errors.Is(err, ErrExternalService) ||
		errors.Is(err, ErrServiceUnavailable) ||
		errors.Is(err, ErrTimeout)
}

// IsRetryable checks if the operation can be retried.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrServiceUnavailable) ||
		errors.Is(err, ErrTimeout)
}
