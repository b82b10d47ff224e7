// Package services defines the business logic for notifications: the store
// that owns durable CRUD and the publisher that persists then fans out.
// This file centralizes service-level error values so that they can be
// consistently returned by service methods and checked by callers.
//
// Translation into user-facing messages or HTTP status codes is performed at
// the handler layer.
package services

import (
	"errors"
	"fmt"
)

var (
	// ErrNotificationNotFound indicates that the notification does not exist
	// or is owned by another user. The two cases are intentionally the same.
	ErrNotificationNotFound = errors.New("notification not found")

	// ErrValidation is the sentinel every *ValidationError matches.
	ErrValidation = errors.New("validation failed")

	// ErrPersistence wraps store write failures. A publish that hits it has
	// not broadcast anything.
	ErrPersistence = errors.New("persistence failed")
)

// ValidationError reports which input field was rejected and why.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Is lets errors.Is(err, ErrValidation) match any *ValidationError.
func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// persistenceError keeps the underlying DB error reachable through errors.Is
// while also matching ErrPersistence.
type persistenceError struct{ err error }

func (e *persistenceError) Error() string { return ErrPersistence.Error() + ": " + e.err.Error() }
func (e *persistenceError) Unwrap() []error {
	return []error{ErrPersistence, e.err}
}

func wrapPersistence(err error) error {
	if err == nil {
		return nil
	}
	return &persistenceError{err: err}
}
