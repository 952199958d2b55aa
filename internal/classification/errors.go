package classification

import (
	"errors"
	"fmt"
)

// Kind enumerates the failure modes a classification can end in.
type Kind string

const (
	KindValidation      Kind = "VALIDATION_ERROR"
	KindTimeout         Kind = "TIMEOUT"
	KindConnection      Kind = "CONNECTION_ERROR"
	KindHTTP            Kind = "HTTP_ERROR"
	KindInvalidResponse Kind = "INVALID_RESPONSE"
)

// Error is the only failure value produced by the normalization and
// classification pipeline.
type Error struct {
	Kind       Kind
	StatusCode int
	Message    string
	Err        error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code(), e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code(), e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Code renders the kind as a stable string. HTTP errors embed the status code.
func (e *Error) Code() string {
	if e.Kind == KindHTTP {
		return fmt.Sprintf("HTTP_%d", e.StatusCode)
	}
	return string(e.Kind)
}

// Retryable reports whether repeating the same request may succeed.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindTimeout, KindConnection:
		return true
	case KindHTTP:
		return e.StatusCode >= 500
	default:
		return false
	}
}

func NewValidationError(message string, err error) *Error {
	return &Error{Kind: KindValidation, Message: message, Err: err}
}

func NewTimeoutError(message string, err error) *Error {
	return &Error{Kind: KindTimeout, Message: message, Err: err}
}

func NewConnectionError(message string, err error) *Error {
	return &Error{Kind: KindConnection, Message: message, Err: err}
}

func NewHTTPError(statusCode int, message string) *Error {
	return &Error{Kind: KindHTTP, StatusCode: statusCode, Message: message}
}

func NewInvalidResponseError(message string, err error) *Error {
	return &Error{Kind: KindInvalidResponse, Message: message, Err: err}
}

// As extracts the classification error from an error chain.
func As(err error) (*Error, bool) {
	var cerr *Error
	if errors.As(err, &cerr) {
		return cerr, true
	}
	return nil, false
}

// IsKind reports whether err carries a classification error of the given kind.
func IsKind(err error, kind Kind) bool {
	cerr, ok := As(err)
	return ok && cerr.Kind == kind
}
