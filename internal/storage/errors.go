// Package storage defines the backend-neutral contract for durable resource
// storage: the Adapter interface, the Locator value that identifies stored
// bytes, and the error taxonomy shared by every backend implementation.
package storage

import (
	"errors"
	"fmt"
)

// Sentinel errors for backend failure classification.
// Use errors.Is(err, storage.ErrNotFound) to check.
var (
	// ErrNotFound means the locator does not identify a stored object.
	ErrNotFound = errors.New("storage: object not found")

	// ErrStorageUnavailable marks transient backend failures (network,
	// quota, throttling). Callers may retry with backoff.
	ErrStorageUnavailable = errors.New("storage: backend unavailable")

	// ErrInvalidPayload means the content contradicts its declared metadata
	// (size or content type). Not retryable.
	ErrInvalidPayload = errors.New("storage: invalid payload")

	// ErrCredentialsInvalid means the backend rejected our credentials and
	// re-authorization by an operator is required. Not retryable per-request.
	ErrCredentialsInvalid = errors.New("storage: credentials invalid")

	// ErrUnknown covers unexpected backend responses. No internal detail
	// beyond the wrapped message is exposed to clients.
	ErrUnknown = errors.New("storage: unknown backend error")
)

// BackendError wraps a sentinel error with the backend's HTTP status code,
// request ID, and raw error message for operator debugging. The sentinel is
// what callers branch on; the rest is log material.
type BackendError struct {
	Provider   Provider
	StatusCode int
	RequestID  string
	Message    string
	Err        error // sentinel, for errors.Is()
}

func (e *BackendError) Error() string {
	if e.RequestID != "" {
		return fmt.Sprintf("storage: %s HTTP %d (request-id: %s): %s", e.Provider, e.StatusCode, e.RequestID, e.Message)
	}

	return fmt.Sprintf("storage: %s HTTP %d: %s", e.Provider, e.StatusCode, e.Message)
}

func (e *BackendError) Unwrap() error {
	return e.Err
}
