package ir

import (
	"errors"
	"fmt"
)

// ErrorCode categorizes storage and streaming failures.
type ErrorCode string

const (
	// ErrCodeAccessDenied indicates a path outside the allow-list.
	// Always a programming or security defect; never retried.
	ErrCodeAccessDenied ErrorCode = "ACCESS_DENIED"

	// ErrCodeValidation indicates on-disk data failed its schema.
	ErrCodeValidation ErrorCode = "VALIDATION"

	// ErrCodeNotFound indicates a referenced thread, model, or provider is absent.
	ErrCodeNotFound ErrorCode = "NOT_FOUND"

	// ErrCodeProvider indicates a network or provider failure mid-stream.
	ErrCodeProvider ErrorCode = "PROVIDER"
)

// Sentinels for errors.Is matching against *Error values.
var (
	ErrAccessDenied = &Error{Code: ErrCodeAccessDenied}
	ErrValidation   = &Error{Code: ErrCodeValidation}
	ErrNotFound     = &Error{Code: ErrCodeNotFound}
	ErrProvider     = &Error{Code: ErrCodeProvider}
)

// Error is the structured error type shared by the storage primitives.
type Error struct {
	// Code identifies the error category.
	Code ErrorCode

	// Op is the failing operation, e.g. "eventlog.read".
	Op string

	// Path is the relative path involved, if any.
	Path string

	// Line is the 1-based line number for log corruption, 0 otherwise.
	Line int

	// Err is the underlying cause.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := string(e.Code)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Path != "" {
		if e.Line > 0 {
			msg += fmt.Sprintf(" (%s:%d)", e.Path, e.Line)
		} else {
			msg += fmt.Sprintf(" (%s)", e.Path)
		}
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error with the same code, so callers can write
// errors.Is(err, ir.ErrValidation).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// NewError builds an *Error.
func NewError(code ErrorCode, op, path string, err error) *Error {
	return &Error{Code: code, Op: op, Path: path, Err: err}
}

// IsAccessDenied returns true if err is an access-denied error.
func IsAccessDenied(err error) bool {
	return errors.Is(err, ErrAccessDenied)
}

// IsValidation returns true if err is a validation error.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}

// IsNotFound returns true if err is a not-found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsProvider returns true if err is a provider error.
func IsProvider(err error) bool {
	return errors.Is(err, ErrProvider)
}
