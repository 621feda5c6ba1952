// Package apperror defines the error taxonomy shared by the ledger, the
// tenant router and the chat service.
package apperror

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates a room or message does not exist.
	ErrNotFound = errors.New("not found")
	// ErrAccessDenied indicates the caller is not an active participant or lacks moderation rights.
	ErrAccessDenied = errors.New("access denied")
	// ErrInvalidArgument indicates a missing required identifier or a malformed payload.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrTransientStore indicates the partition was busy, locked or unreachable. Callers may retry.
	ErrTransientStore = errors.New("store temporarily unavailable")
	// ErrValidation indicates content constraints were violated.
	ErrValidation = errors.New("validation failed")
)

// NotFound wraps ErrNotFound with a description of the missing entity.
func NotFound(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

// AccessDenied wraps ErrAccessDenied.
func AccessDenied(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrAccessDenied, fmt.Sprintf(format, args...))
}

// InvalidArgument wraps ErrInvalidArgument.
func InvalidArgument(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}

// Validation wraps ErrValidation.
func Validation(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// Transient wraps an underlying store failure as ErrTransientStore.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrTransientStore, err)
}

// IsRetryable reports whether the error is eligible for caller retry with backoff.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransientStore)
}
