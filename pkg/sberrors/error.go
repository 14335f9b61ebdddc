// Package sberrors defines the typed error taxonomy shared by every sandbox
// provider and the service façade. Providers raise these errors; the HTTP
// layer maps them to status codes without reinterpreting them.
package sberrors

import (
	"errors"
	"fmt"
)

// Code is a stable, closed set of error categories surfaced to clients.
type Code string

const (
	CodeBadRequest  = Code("BadRequest")
	CodeNotFound    = Code("NotFound")
	CodeConflict    = Code("Conflict")
	CodeUnavailable = Code("Unavailable")
	CodeUnsupported = Code("Unsupported")
	CodeBadGateway  = Code("BadGateway")
	CodeInternal    = Code("Internal")
	CodeUnknown     = Code("Unknown")
)

// Error is the taxonomy member returned by providers and the service façade.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an Error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf builds an Error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an Error carrying an underlying cause, preserved for logging.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// CodeOf extracts the Code from err, or CodeUnknown if err isn't (or doesn't
// wrap) an *Error.
func CodeOf(err error) Code {
	var se *Error
	if !errors.As(err, &se) {
		return CodeUnknown
	}
	return se.Code
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}
