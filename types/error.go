package types

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unified error code across the memory system.
type ErrorCode string

const (
	// ErrPermissionDenied indicates a client_id outside the allow-list.
	ErrPermissionDenied ErrorCode = "PERMISSION_DENIED"

	// ErrValidation indicates a missing or malformed required field.
	ErrValidation ErrorCode = "VALIDATION"

	// ErrTierUnavailable indicates a transient storage backend failure.
	ErrTierUnavailable ErrorCode = "TIER_UNAVAILABLE"

	// ErrNotFound indicates the requested item does not exist.
	ErrNotFound ErrorCode = "NOT_FOUND"
)

// Error represents a structured error with code, message, and metadata.
// PermissionDenied and Validation are fatal and surfaced immediately;
// TierUnavailable on non-authoritative tiers is caught and degraded.
type Error struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Tier    string    `json:"tier,omitempty"`
	Cause   error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithTier names the storage tier the error originated from.
func (e *Error) WithTier(tier string) *Error {
	e.Tier = tier
	return e
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsCode reports whether err carries the given code anywhere in its chain.
func IsCode(err error, code ErrorCode) bool {
	return GetErrorCode(err) == code
}
