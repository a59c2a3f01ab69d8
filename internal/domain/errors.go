package domain

import (
	"context"
	"errors"
	"fmt"
)

// ErrorType classifies pipeline failures.
type ErrorType string

const (
	ErrorTypeInput       ErrorType = "input"
	ErrorTypeUnsupported ErrorType = "unsupported"
	ErrorTypeTransientIO ErrorType = "transient_io"
	ErrorTypePartial     ErrorType = "partial"
	ErrorTypeBackend     ErrorType = "backend"
	ErrorTypeCancelled   ErrorType = "cancelled"
	ErrorTypeConfig      ErrorType = "config"
)

// DomainError wraps an underlying error with a pipeline classification.
type DomainError struct {
	Type    ErrorType
	Message string
	Err     error
}

func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Type, e.Message)
}

func (e *DomainError) Unwrap() error {
	return e.Err
}

// NewError creates a new domain error.
func NewError(errType ErrorType, message string, err error) *DomainError {
	return &DomainError{
		Type:    errType,
		Message: message,
		Err:     err,
	}
}

// Common error constructors
func InputError(message string, err error) *DomainError {
	return NewError(ErrorTypeInput, message, err)
}

func UnsupportedError(message string, err error) *DomainError {
	return NewError(ErrorTypeUnsupported, message, err)
}

func TransientIOError(message string, err error) *DomainError {
	return NewError(ErrorTypeTransientIO, message, err)
}

func PartialError(message string, err error) *DomainError {
	return NewError(ErrorTypePartial, message, err)
}

func BackendError(message string, err error) *DomainError {
	return NewError(ErrorTypeBackend, message, err)
}

func CancelledError(message string, err error) *DomainError {
	return NewError(ErrorTypeCancelled, message, err)
}

func ConfigError(message string, err error) *DomainError {
	return NewError(ErrorTypeConfig, message, err)
}

// IsType reports whether err is (or wraps) a DomainError of the given type.
func IsType(err error, t ErrorType) bool {
	var de *DomainError
	if errors.As(err, &de) {
		return de.Type == t
	}
	return false
}

// IsCancelled reports whether err represents cooperative cancellation.
func IsCancelled(err error) bool {
	return IsType(err, ErrorTypeCancelled) || errors.Is(err, context.Canceled)
}
