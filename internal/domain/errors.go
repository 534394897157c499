package domain

import (
	"errors"
	"fmt"
	"time"
)

// Domain errors
var (
	ErrNotFound          = errors.New("not found")
	ErrSessionNotFound   = fmt.Errorf("game session %w", ErrNotFound)
	ErrPlayerNotFound    = fmt.Errorf("player %w", ErrNotFound)
	ErrValidation        = errors.New("validation failed")
	ErrRateLimited       = errors.New("rate limit exceeded")
	ErrStorage           = errors.New("storage unavailable")
	ErrCleanupInProgress = errors.New("cleanup pass already in progress")
	ErrInvalidRequest    = errors.New("invalid request")
	ErrInternalError     = errors.New("internal server error")
)

// ValidationError reports malformed input. It is raised before any write.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Is makes every ValidationError match ErrValidation.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// RateLimitError is returned when a guesser submits again inside the rate window.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s: retry after %s", ErrRateLimited, e.RetryAfter)
}

func (e *RateLimitError) Is(target error) bool {
	return target == ErrRateLimited
}

// StorageError wraps a connectivity or serialization failure against the store.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func (e *StorageError) Is(target error) bool {
	return target == ErrStorage
}

// NewValidationError builds a ValidationError for a field
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// IsNotFoundError checks if an error is a not-found type error
func IsNotFoundError(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsValidationError checks if an error was caused by malformed input
func IsValidationError(err error) bool {
	return errors.Is(err, ErrValidation)
}

// IsRateLimitError checks if an error is a rate limit rejection
func IsRateLimitError(err error) bool {
	return errors.Is(err, ErrRateLimited)
}

// IsStorageError checks if an error came from the backing store
func IsStorageError(err error) bool {
	return errors.Is(err, ErrStorage)
}
