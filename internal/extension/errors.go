package extension

import (
	"errors"
	"fmt"
)

// Sentinel kinds for errors.Is checks.
var (
	ErrValidation      = errors.New("validation failed")
	ErrDuplicate       = errors.New("extension request already pending")
	ErrNotFound        = errors.New("extension request not found")
	ErrAlreadyResolved = errors.New("extension request already resolved")
	ErrStorage         = errors.New("storage failure")
)

// ValidationError rejects malformed input before any durable write.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// DuplicateRequestError is returned when the session already has a pending request.
// Existing carries that request so callers can word their reply.
type DuplicateRequestError struct {
	Existing Request
}

func (e *DuplicateRequestError) Error() string {
	return fmt.Sprintf("session %s already has pending request %s", e.Existing.SessionID, e.Existing.ID)
}

func (e *DuplicateRequestError) Is(target error) bool {
	return target == ErrDuplicate
}

// NotFoundError reports an unknown request id.
type NotFoundError struct {
	RequestID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("extension request %s not found", e.RequestID)
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// AlreadyResolvedError reports a transition attempted on a terminal request.
type AlreadyResolvedError struct {
	RequestID string
	Status    Status
}

func (e *AlreadyResolvedError) Error() string {
	return fmt.Sprintf("extension request %s already %s", e.RequestID, e.Status)
}

func (e *AlreadyResolvedError) Is(target error) bool {
	return target == ErrAlreadyResolved
}

// StorageError wraps failures of the durable medium.
type StorageError struct {
	Path string
	Op   string // "append", "read", "parse", "write"
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage error: %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func (e *StorageError) Is(target error) bool {
	return target == ErrStorage
}

// Expected reports whether err is a recoverable, user-facing outcome rather than a fault.
func Expected(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrDuplicate) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrAlreadyResolved)
}
