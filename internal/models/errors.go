package models

import (
	"errors"
	"fmt"
)

// Error taxonomy. Callers match with errors.Is; concrete failures wrap one of these.
var (
	// ErrUnknownSender means the inbound phone is not linked to any account.
	ErrUnknownSender = errors.New("unknown sender")
	// ErrStorage means the persistence layer failed to read or write.
	ErrStorage = errors.New("storage failure")
	// ErrBackend means a generation or search backend call failed or timed out.
	ErrBackend = errors.New("backend failure")
	// ErrBackendUnconfigured means no credentials or client were supplied for a backend.
	ErrBackendUnconfigured = errors.New("backend not configured")
	// ErrCapacityExceeded means the account reached its tier limit for tracked entities.
	ErrCapacityExceeded = errors.New("capacity exceeded")
	// ErrValidation means user-supplied input was rejected.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound means a requested record does not exist.
	ErrNotFound = errors.New("not found")
)

// StorageError tags err as a persistence failure while keeping the original cause.
func StorageError(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %w", ErrStorage, op, err)
}

// BackendError tags err as a backend failure while keeping the original cause.
func BackendError(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %w", ErrBackend, op, err)
}
