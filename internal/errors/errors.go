// Package errors consolidates sentinel error definitions for the pipeline.
//
// This file provides:
// - Sentinel errors for all error conditions
// - Error category checking functions
// - Convenience wrappers around the standard errors package
package errors

import (
	"errors"
)

// ============================================================================
// Sentinel errors for common conditions
// ============================================================================

var (
	// Capacity errors
	ErrBufferFull   = errors.New("buffer full")
	ErrWriteTimeout = errors.New("write timed out waiting for buffer space")

	// Not found errors
	ErrNotFound      = errors.New("not found")
	ErrEventNotFound = errors.New("event not found")

	// Validation errors
	ErrInvalidConfig   = errors.New("invalid configuration")
	ErrInvalidCapacity = errors.New("capacity must be a power of two")
	ErrInvalidPolicy   = errors.New("unknown overflow policy")
	ErrInvalidEvent    = errors.New("invalid event")
	ErrMissingField    = errors.New("missing required field")

	// State errors
	ErrNotRunning     = errors.New("service not running")
	ErrAlreadyRunning = errors.New("service already running")
	ErrClosed         = errors.New("closed")
)

// ============================================================================
// Helper functions for error checking
// ============================================================================

// Is is a convenience wrapper for errors.Is
var Is = errors.Is

// As is a convenience wrapper for errors.As
var As = errors.As

// New is a convenience wrapper for errors.New
var New = errors.New

// IsCapacity returns true if err is a buffer-capacity error.
func IsCapacity(err error) bool {
	return errors.Is(err, ErrBufferFull) ||
		errors.Is(err, ErrWriteTimeout)
}

// IsNotFound returns true if err is a not-found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrEventNotFound)
}

// IsValidation returns true if err is a validation error.
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidConfig) ||
		errors.Is(err, ErrInvalidCapacity) ||
		errors.Is(err, ErrInvalidPolicy) ||
		errors.Is(err, ErrInvalidEvent) ||
		errors.Is(err, ErrMissingField)
}

// IsStateError returns true if err is a lifecycle state error.
func IsStateError(err error) bool {
	return errors.Is(err, ErrNotRunning) ||
		errors.Is(err, ErrAlreadyRunning) ||
		errors.Is(err, ErrClosed)
}

// IsRetriable returns true if the error is potentially retriable.
// Capacity errors clear once a consumer drains the buffer; retrying
// is the caller's choice, never done internally.
func IsRetriable(err error) bool {
	return errors.Is(err, ErrBufferFull) ||
		errors.Is(err, ErrWriteTimeout)
}
