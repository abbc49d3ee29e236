// LOCATION: internal/errors/errors.go
//
// This file provides:
// - Feed protocol error codes
// - Sentinel errors for all error conditions
// - Error category checking functions
// - ErrorToCode and CodeToError mapping
// - Error wrapping utilities

package errors

import (
	"errors"
	"fmt"
)

// ============================================================================
// Feed protocol error codes - used in wire Error messages
// ============================================================================

const (
	CodeUnknown          int32 = 1
	CodeAuthFailed       int32 = 2
	CodeNotAuthenticated int32 = 3
	CodeInvalidRequest   int32 = 4
	CodeNotFound         int32 = 5
	CodeInternal         int32 = 6
	CodeInvalidRange     int32 = 7
	CodeStoreUnavailable int32 = 8
	CodeTooLarge         int32 = 9
	CodeTimeout          int32 = 10
	CodeShuttingDown     int32 = 11
)

// CodeName returns a human-readable name for an error code.
func CodeName(code int32) string {
	switch code {
	case CodeUnknown:
		return "Unknown"
	case CodeAuthFailed:
		return "AuthFailed"
	case CodeNotAuthenticated:
		return "NotAuthenticated"
	case CodeInvalidRequest:
		return "InvalidRequest"
	case CodeNotFound:
		return "NotFound"
	case CodeInternal:
		return "Internal"
	case CodeInvalidRange:
		return "InvalidRange"
	case CodeStoreUnavailable:
		return "StoreUnavailable"
	case CodeTooLarge:
		return "TooLarge"
	case CodeTimeout:
		return "Timeout"
	case CodeShuttingDown:
		return "ShuttingDown"
	default:
		return fmt.Sprintf("Code(%d)", code)
	}
}

// ============================================================================
// Sentinel errors for common conditions
// ============================================================================

var (
	// Not found errors
	ErrNotFound          = errors.New("not found")
	ErrInterfaceNotFound = errors.New("interface not found")
	ErrSessionNotFound   = errors.New("session not found")

	// Validation errors
	ErrInvalidConfig   = errors.New("invalid configuration")
	ErrInvalidInterval = errors.New("invalid interval")
	ErrInvalidRange    = errors.New("invalid time range")
	ErrInvalidFilter   = errors.New("invalid interface filter")
	ErrMissingField    = errors.New("missing required field")

	// Counter source errors
	ErrSourceUnavailable = errors.New("counter source unavailable")
	ErrSourceRead        = errors.New("counter read failed")

	// Queue errors
	ErrQueueFull   = errors.New("queue full")
	ErrQueueClosed = errors.New("queue closed")

	// Store errors
	ErrStoreClosed     = errors.New("store closed")
	ErrStoreCorrupt    = errors.New("store corrupt")
	ErrSchemaTooNew    = errors.New("schema version newer than supported")
	ErrMigration       = errors.New("schema migration failed")
	ErrStoreWrite      = errors.New("store write failed")
	ErrStoreDegraded   = errors.New("store degraded, serving live tail only")
	ErrRetentionChange = errors.New("retention change rejected")

	// Auth/Session errors
	ErrNotAuthenticated = errors.New("not authenticated")
	ErrInvalidToken     = errors.New("invalid token")
	ErrSessionClosed    = errors.New("session is closed")

	// Protocol errors
	ErrTimeout          = errors.New("timeout")
	ErrConnectionFailed = errors.New("connection failed")
	ErrMessageTooLarge  = errors.New("message exceeds size limit")
	ErrUnknownMessage   = errors.New("unknown message kind")

	// Lifecycle errors
	ErrShuttingDown   = errors.New("shutting down")
	ErrAlreadyRunning = errors.New("already running")
	ErrNotRunning     = errors.New("not running")

	// Internal errors
	ErrInternal = errors.New("internal error")
	ErrDatabase = errors.New("database error")
)

// ============================================================================
// Helper functions for error checking
// ============================================================================

// Is is a convenience wrapper for errors.Is
var Is = errors.Is

// As is a convenience wrapper for errors.As
var As = errors.As

// IsNotFound returns true if err is a not-found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrInterfaceNotFound) ||
		errors.Is(err, ErrSessionNotFound)
}

// IsValidation returns true if err is a validation error.
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidConfig) ||
		errors.Is(err, ErrInvalidInterval) ||
		errors.Is(err, ErrInvalidRange) ||
		errors.Is(err, ErrInvalidFilter) ||
		errors.Is(err, ErrMissingField)
}

// IsSourceError returns true if err comes from the counter source.
func IsSourceError(err error) bool {
	return errors.Is(err, ErrSourceUnavailable) ||
		errors.Is(err, ErrSourceRead)
}

// IsStoreError returns true if err is a persistence error.
func IsStoreError(err error) bool {
	return errors.Is(err, ErrStoreClosed) ||
		errors.Is(err, ErrStoreCorrupt) ||
		errors.Is(err, ErrSchemaTooNew) ||
		errors.Is(err, ErrMigration) ||
		errors.Is(err, ErrStoreWrite) ||
		errors.Is(err, ErrStoreDegraded) ||
		errors.Is(err, ErrDatabase)
}

// IsAuthError returns true if err is an authentication error.
func IsAuthError(err error) bool {
	return errors.Is(err, ErrNotAuthenticated) ||
		errors.Is(err, ErrInvalidToken)
}

// IsRetriable returns true if the error is potentially retriable.
func IsRetriable(err error) bool {
	return errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrConnectionFailed) ||
		errors.Is(err, ErrStoreWrite) ||
		errors.Is(err, ErrQueueFull)
}

// ============================================================================
// Error to wire code mapping
// ============================================================================

// ErrorToCode maps a sentinel error to its feed protocol code.
func ErrorToCode(err error) int32 {
	if err == nil {
		return CodeUnknown
	}

	switch {
	// Auth errors
	case Is(err, ErrInvalidToken):
		return CodeAuthFailed
	case Is(err, ErrNotAuthenticated):
		return CodeNotAuthenticated

	// Not found
	case IsNotFound(err):
		return CodeNotFound

	// Range errors before general validation: both are client
	// mistakes but the range code carries more detail.
	case Is(err, ErrInvalidRange):
		return CodeInvalidRange

	// Validation
	case IsValidation(err):
		return CodeInvalidRequest

	// Store degradation
	case Is(err, ErrStoreDegraded), Is(err, ErrStoreClosed):
		return CodeStoreUnavailable

	// Protocol errors
	case Is(err, ErrMessageTooLarge):
		return CodeTooLarge
	case Is(err, ErrTimeout):
		return CodeTimeout

	// Lifecycle
	case Is(err, ErrShuttingDown):
		return CodeShuttingDown

	// Default to internal
	default:
		return CodeInternal
	}
}

// CodeToError maps a wire code to a sentinel error (for clients).
func CodeToError(code int32) error {
	switch code {
	case CodeUnknown:
		return ErrInternal
	case CodeAuthFailed:
		return ErrInvalidToken
	case CodeNotAuthenticated:
		return ErrNotAuthenticated
	case CodeInvalidRequest:
		return ErrInvalidConfig
	case CodeNotFound:
		return ErrNotFound
	case CodeInternal:
		return ErrInternal
	case CodeInvalidRange:
		return ErrInvalidRange
	case CodeStoreUnavailable:
		return ErrStoreDegraded
	case CodeTooLarge:
		return ErrMessageTooLarge
	case CodeTimeout:
		return ErrTimeout
	case CodeShuttingDown:
		return ErrShuttingDown
	default:
		return ErrInternal
	}
}

// ============================================================================
// Error wrapping utilities
// ============================================================================

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted context.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// ============================================================================
// Error constructors with context
// ============================================================================

// NewNotFound creates a not-found error with context.
func NewNotFound(entityType, identifier string) error {
	return fmt.Errorf("%s '%s': %w", entityType, identifier, ErrNotFound)
}

// NewValidation creates a validation error with context.
func NewValidation(field, reason string) error {
	return fmt.Errorf("invalid %s: %s: %w", field, reason, ErrInvalidConfig)
}

// NewMissingField creates a missing field error.
func NewMissingField(field string) error {
	return fmt.Errorf("%s: %w", field, ErrMissingField)
}

// NewInvalidValue creates an invalid value error.
func NewInvalidValue(field string, value interface{}, reason string) error {
	return fmt.Errorf("invalid %s '%v': %s: %w", field, value, reason, ErrInvalidConfig)
}

// NewInvalidRange creates an invalid time range error.
func NewInvalidRange(startMs, endMs int64, reason string) error {
	return fmt.Errorf("range [%d, %d): %s: %w", startMs, endMs, reason, ErrInvalidRange)
}

// ============================================================================
// Validation Errors Collection
// ============================================================================

// ValidationErrors collects multiple validation errors.
type ValidationErrors struct {
	Errors []error
}

// NewValidationErrors creates a new ValidationErrors collector.
func NewValidationErrors() *ValidationErrors {
	return &ValidationErrors{}
}

// Add adds an error to the collection.
func (v *ValidationErrors) Add(err error) {
	if err != nil {
		v.Errors = append(v.Errors, err)
	}
}

// AddField adds a field validation error.
func (v *ValidationErrors) AddField(field, reason string) {
	v.Errors = append(v.Errors, NewValidation(field, reason))
}

// AddMissing adds a missing field error.
func (v *ValidationErrors) AddMissing(field string) {
	v.Errors = append(v.Errors, NewMissingField(field))
}

// HasErrors returns true if there are any errors.
func (v *ValidationErrors) HasErrors() bool {
	return len(v.Errors) > 0
}

// Error implements the error interface.
func (v *ValidationErrors) Error() string {
	if len(v.Errors) == 0 {
		return ""
	}
	if len(v.Errors) == 1 {
		return v.Errors[0].Error()
	}

	msg := fmt.Sprintf("validation failed with %d errors:", len(v.Errors))
	for _, err := range v.Errors {
		msg += "\n  - " + err.Error()
	}
	return msg
}

// Err returns nil if no errors, otherwise returns the ValidationErrors.
func (v *ValidationErrors) Err() error {
	if len(v.Errors) == 0 {
		return nil
	}
	return v
}

// Unwrap returns the first error for errors.Is/As support.
func (v *ValidationErrors) Unwrap() error {
	if len(v.Errors) == 0 {
		return nil
	}
	return v.Errors[0]
}
