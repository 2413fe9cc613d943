package chat

import (
	"errors"
	"fmt"
)

// ErrNoAPIKey means the upstream credential is absent from the environment.
// Requests are rejected before any store access.
var ErrNoAPIKey = errors.New("API key not configured")

// ValidationError rejects a malformed request before normalization. Never
// retried and never reaches the upstream.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// StorageError wraps a failed store operation. Surfaced to callers as a
// generic server error; the cause stays in the logs.
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
