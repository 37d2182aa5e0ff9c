package storage

import (
	"errors"
	"fmt"
)

// ErrNotConnected is returned by every operation before Connect succeeds or
// after Disconnect.
var ErrNotConnected = errors.New("storage not connected")

// StorageError carries a stable code alongside the wrapped cause so callers
// can log and count failures by category.
type StorageError struct {
	Message string
	Code    string
	Cause   error
}

func (e *StorageError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *StorageError) Unwrap() error {
	return e.Cause
}

// ConnectionError is a failure to reach or establish the backend.
type ConnectionError struct {
	StorageError
}

// NewConnectionError wraps a dial or ping failure.
func NewConnectionError(message string, cause error) *ConnectionError {
	return &ConnectionError{
		StorageError: StorageError{
			Message: message,
			Code:    "CONNECTION_ERROR",
			Cause:   cause,
		},
	}
}

// QueryError is a failure executing a statement or decoding its result.
type QueryError struct {
	StorageError
}

// NewQueryError wraps a statement failure.
func NewQueryError(message string, cause error) *QueryError {
	return &QueryError{
		StorageError: StorageError{
			Message: message,
			Code:    "QUERY_ERROR",
			Cause:   cause,
		},
	}
}
