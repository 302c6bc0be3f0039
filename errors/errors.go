// Package errors provides custom error types for the offsync module.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCode represents the type of error that occurred
type ErrorCode string

const (
	ErrCodeOffline           ErrorCode = "OFFLINE"
	ErrCodeRemoteFailure     ErrorCode = "REMOTE_FAILURE"
	ErrCodeStorageFailure    ErrorCode = "STORAGE_FAILURE"
	ErrCodeConflictFailure   ErrorCode = "CONFLICT_FAILURE"
	ErrCodeValidationFailure ErrorCode = "VALIDATION_FAILURE"
)

// Operation represents the type of sync operation
type Operation string

const (
	OpFull      Operation = "full_sync"
	OpPush      Operation = "push"
	OpPull      Operation = "pull"
	OpEnqueue   Operation = "enqueue"
	OpDrain     Operation = "drain"
	OpStore     Operation = "store"
	OpLoad      Operation = "load"
	OpMerge     Operation = "merge"
	OpSubscribe Operation = "subscribe"
	OpClose     Operation = "close"
)

// Sentinel errors shared across packages.
var (
	// ErrOffline is returned when a sync operation is attempted while disconnected.
	ErrOffline = errors.New("offline")

	// ErrDuplicateKey is returned by LocalStore.Add when the id already exists.
	ErrDuplicateKey = errors.New("duplicate key")

	// ErrSyncInFlight is returned when a full sync is refused because one is
	// already running for the same entity type.
	ErrSyncInFlight = errors.New("sync already in flight")

	// ErrSyncerClosed is returned by operations on a closed syncer.
	ErrSyncerClosed = errors.New("syncer is closed")
)

// SyncError represents an error that occurred during synchronization
type SyncError struct {
	// Operation during which the error occurred
	Op Operation

	// Component that generated the error (e.g., "store", "remote", "queue")
	Component string

	// Underlying error
	Err error

	// Whether the operation can be retried
	Retryable bool

	// Error code for the error type
	Code ErrorCode

	// Metadata for additional context (entity id, HTTP status, ...)
	Metadata map[string]interface{}
}

func (e *SyncError) Error() string {
	var msg string
	if e.Component != "" {
		msg = fmt.Sprintf("%s operation failed in %s component", e.Op, e.Component)
	} else {
		msg = fmt.Sprintf("%s operation failed", e.Op)
	}

	if e.Code != "" {
		msg += fmt.Sprintf(" [%s]", e.Code)
	}

	return msg + fmt.Sprintf(": %v", e.Err)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// NewOfflineError creates a SyncError for an operation refused while offline
func NewOfflineError(op Operation) *SyncError {
	return &SyncError{
		Code:      ErrCodeOffline,
		Op:        op,
		Err:       ErrOffline,
		Retryable: true,
	}
}

// NewStorageError creates a new storage-related SyncError
func NewStorageError(op Operation, cause error) *SyncError {
	return &SyncError{
		Code:      ErrCodeStorageFailure,
		Op:        op,
		Component: "store",
		Err:       cause,
		Retryable: true,
	}
}

// NewRemoteError creates a SyncError for a backend rejection or network failure
func NewRemoteError(op Operation, cause error) *SyncError {
	return &SyncError{
		Code:      ErrCodeRemoteFailure,
		Op:        op,
		Component: "remote",
		Err:       cause,
		Retryable: true,
	}
}

// NewConflictError creates a new conflict-related SyncError
func NewConflictError(op Operation, cause error) *SyncError {
	return &SyncError{
		Code:      ErrCodeConflictFailure,
		Op:        op,
		Component: "resolver",
		Err:       cause,
		Retryable: false,
	}
}

// NewValidationError creates a new validation-related SyncError
func NewValidationError(op Operation, cause error) *SyncError {
	return &SyncError{
		Code:      ErrCodeValidationFailure,
		Op:        op,
		Err:       cause,
		Retryable: false,
	}
}

// New creates a new SyncError
func New(op Operation, err error) *SyncError {
	return &SyncError{
		Op:  op,
		Err: err,
	}
}

// NewWithComponent creates a new SyncError with component information
func NewWithComponent(op Operation, component string, err error) *SyncError {
	return &SyncError{
		Op:        op,
		Component: component,
		Err:       err,
	}
}

// IsRetryable checks if an error is a retryable SyncError
func IsRetryable(err error) bool {
	var syncErr *SyncError
	if errors.As(err, &syncErr) {
		return syncErr.Retryable
	}
	return false
}

// IsOffline reports whether err is (or wraps) the offline sentinel.
func IsOffline(err error) bool {
	return errors.Is(err, ErrOffline)
}
