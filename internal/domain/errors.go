package domain

import (
	"context"
	"errors"
	"fmt"
)

// DomainError represents a domain-specific error
type DomainError struct {
	Code    string
	Message string
	Err     error
}

// Error implements the error interface
func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *DomainError) Unwrap() error {
	return e.Err
}

// Is reports whether target is a DomainError with the same code and message,
// so a wrapped copy of a sentinel still matches it with errors.Is.
func (e *DomainError) Is(target error) bool {
	var t *DomainError
	if !errors.As(target, &t) {
		return false
	}
	return e.Code == t.Code && e.Message == t.Message
}

// NewDomainError creates a new DomainError
func NewDomainError(code, message string) *DomainError {
	return &DomainError{
		Code:    code,
		Message: message,
		Err:     nil,
	}
}

// NewDomainErrorWithCause creates a new DomainError with an underlying cause
func NewDomainErrorWithCause(code, message string, err error) *DomainError {
	return &DomainError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Wrap attaches cause to a copy of sentinel. The result matches sentinel with errors.Is.
func Wrap(sentinel *DomainError, cause error) error {
	if cause == nil {
		return sentinel
	}
	return NewDomainErrorWithCause(sentinel.Code, sentinel.Message, cause)
}

// Common domain error codes
const (
	ErrCodeValidation           = "VALIDATION_ERROR"
	ErrCodeNotFound             = "NOT_FOUND"
	ErrCodeAlreadyExists        = "ALREADY_EXISTS"
	ErrCodeInternalError        = "INTERNAL_ERROR"
	ErrCodeEmptyContent         = "EMPTY_CONTENT"
	ErrCodeDuplicate            = "DUPLICATE"
	ErrCodeEmbeddingUnavailable = "EMBEDDING_UNAVAILABLE"
	ErrCodeStoreUnavailable     = "STORE_UNAVAILABLE"
	ErrCodeInvalidFilter        = "INVALID_FILTER"
	ErrCodeInvalidSource        = "INVALID_SOURCE"
	ErrCodeTimeout              = "TIMEOUT"
	ErrCodeConfiguration        = "CONFIGURATION_ERROR"
)

// Validation errors
var (
	ErrInvalidCategory      = NewDomainError(ErrCodeValidation, "invalid category")
	ErrMissingRequiredField = NewDomainError(ErrCodeValidation, "missing required field")
	ErrInvalidFilter        = NewDomainError(ErrCodeInvalidFilter, "invalid search filter")
	ErrInvalidSource        = NewDomainError(ErrCodeInvalidSource, "unknown source")
)

// Ingestion outcome errors
var (
	ErrEmptyContent = NewDomainError(ErrCodeEmptyContent, "content is empty after normalization")
	ErrDuplicate    = NewDomainError(ErrCodeDuplicate, "content already stored")
)

// Collaborator errors, retryable by the caller
var (
	ErrEmbeddingUnavailable = NewDomainError(ErrCodeEmbeddingUnavailable, "embedding provider unavailable")
	ErrStoreUnavailable     = NewDomainError(ErrCodeStoreUnavailable, "knowledge store unavailable")
)

// Deadline and configuration errors
var (
	ErrTimeout              = NewDomainError(ErrCodeTimeout, "operation timed out")
	ErrDimensionMismatch    = NewDomainError(ErrCodeConfiguration, "embedding dimension does not match store")
	ErrInvalidConfiguration = NewDomainError(ErrCodeConfiguration, "invalid configuration")
)

// Store errors
var (
	ErrEntryNotFound      = NewDomainError(ErrCodeNotFound, "knowledge entry not found")
	ErrEntryAlreadyExists = NewDomainError(ErrCodeAlreadyExists, "knowledge entry already exists")
)

// IsRetryable reports whether the caller's retry policy should try err again.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrEmbeddingUnavailable) || errors.Is(err, ErrStoreUnavailable)
}

// FromContext converts a context error into ErrTimeout. Other errors pass through unchanged.
func FromContext(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		if errors.Is(err, ErrTimeout) {
			return err
		}
		return Wrap(ErrTimeout, err)
	}
	return err
}
