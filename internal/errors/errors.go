package errors

import (
	"errors"
	"fmt"
	"time"

	"github.com/rcourtman/entitlement-sync/pkg/entitlements"
)

// Base error types
var (
	ErrNotFound           = errors.New("not found")
	ErrDuplicateEvent     = errors.New("duplicate event")
	ErrAuthorityTransient = errors.New("billing authority unavailable")
	ErrConflict           = errors.New("optimistic concurrency conflict")
	ErrMalformedEvent     = entitlements.ErrMalformedEvent
	ErrUnknownEventType   = errors.New("unknown event type")
	ErrProgrammer         = entitlements.ErrInvariantViolation
	ErrStorage            = errors.New("storage failure")
)

// ErrorType represents the category of a sync failure.
type ErrorType string

const (
	ErrorTypeDuplicate    ErrorType = "duplicate_event"
	ErrorTypeTransient    ErrorType = "transient_authority"
	ErrorTypeConflict     ErrorType = "optimistic_conflict"
	ErrorTypeMalformed    ErrorType = "malformed_event"
	ErrorTypeUnknownEvent ErrorType = "unknown_event_type"
	ErrorTypeNotFound     ErrorType = "not_found"
	ErrorTypeProgrammer   ErrorType = "programmer"
	ErrorTypeStorage      ErrorType = "storage"
)

// SyncError is a structured error for entitlement sync operations.
type SyncError struct {
	Type      ErrorType
	Op        string // Operation that failed (e.g., "process_event", "fetch_subscriber")
	UserID    string
	EventID   string
	Err       error
	Timestamp time.Time
	Retryable bool
}

func (e *SyncError) Error() string {
	switch {
	case e.EventID != "":
		return fmt.Sprintf("%s failed for event %s: %v", e.Op, e.EventID, e.Err)
	case e.UserID != "":
		return fmt.Sprintf("%s failed for user %s: %v", e.Op, e.UserID, e.Err)
	default:
		return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
	}
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is interface
func (e *SyncError) Is(target error) bool {
	if target == nil {
		return false
	}

	switch target {
	case ErrNotFound:
		return e.Type == ErrorTypeNotFound
	case ErrDuplicateEvent:
		return e.Type == ErrorTypeDuplicate
	case ErrAuthorityTransient:
		return e.Type == ErrorTypeTransient
	case ErrConflict:
		return e.Type == ErrorTypeConflict
	case ErrUnknownEventType:
		return e.Type == ErrorTypeUnknownEvent
	case ErrStorage:
		return e.Type == ErrorTypeStorage
	case ErrMalformedEvent:
		return e.Type == ErrorTypeMalformed || errors.Is(e.Err, target)
	case ErrProgrammer:
		return e.Type == ErrorTypeProgrammer || errors.Is(e.Err, target)
	}

	return errors.Is(e.Err, target)
}

// New creates a SyncError of the given type.
func New(errorType ErrorType, op string, err error) *SyncError {
	return &SyncError{
		Type:      errorType,
		Op:        op,
		Err:       err,
		Timestamp: time.Now(),
		Retryable: isRetryable(errorType),
	}
}

// WithUser adds the affected user to the error
func (e *SyncError) WithUser(userID string) *SyncError {
	e.UserID = userID
	return e
}

// WithEvent adds the event id to the error
func (e *SyncError) WithEvent(eventID string) *SyncError {
	e.EventID = eventID
	return e
}

func isRetryable(errorType ErrorType) bool {
	switch errorType {
	case ErrorTypeTransient, ErrorTypeConflict, ErrorTypeStorage:
		return true
	default:
		return false
	}
}

// Helper functions

// Transient wraps a billing authority failure that a later attempt may fix.
func Transient(op, userID string, err error) error {
	return New(ErrorTypeTransient, op, err).WithUser(userID)
}

// Storage wraps a store failure.
func Storage(op string, err error) error {
	return New(ErrorTypeStorage, op, err)
}

// Malformed wraps an event that can never be applied.
func Malformed(op, eventID string, err error) error {
	return New(ErrorTypeMalformed, op, err).WithEvent(eventID)
}

// Classify maps an arbitrary error onto the sync taxonomy.
func Classify(err error) ErrorType {
	var syncErr *SyncError
	if errors.As(err, &syncErr) {
		return syncErr.Type
	}
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrMalformedEvent):
		return ErrorTypeMalformed
	case errors.Is(err, ErrProgrammer):
		return ErrorTypeProgrammer
	case errors.Is(err, ErrNotFound):
		return ErrorTypeNotFound
	case errors.Is(err, ErrConflict):
		return ErrorTypeConflict
	case errors.Is(err, ErrAuthorityTransient):
		return ErrorTypeTransient
	default:
		return ErrorTypeStorage
	}
}

// IsRetryableError checks if an error should be retried
func IsRetryableError(err error) bool {
	var syncErr *SyncError
	if errors.As(err, &syncErr) {
		return syncErr.Retryable
	}
	return errors.Is(err, ErrAuthorityTransient) || errors.Is(err, ErrConflict)
}
