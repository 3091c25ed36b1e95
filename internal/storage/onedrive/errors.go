package onedrive

import (
	"errors"
	"net/http"

	"github.com/studyshelf/studyshelf/internal/storage"
)

// classifyResponse maps a Graph error response onto the shared storage error
// taxonomy. The native status detail rides along in a BackendError for logs.
func classifyResponse(status int, requestID, message string) error {
	return &storage.BackendError{
		Provider:   storage.ProviderOneDrive,
		StatusCode: status,
		RequestID:  requestID,
		Message:    message,
		Err:        sentinelForStatus(status),
	}
}

func sentinelForStatus(status int) error {
	switch {
	case status == http.StatusNotFound || status == http.StatusGone:
		return storage.ErrNotFound
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return storage.ErrCredentialsInvalid
	case status == http.StatusBadRequest || status == http.StatusRequestEntityTooLarge:
		return storage.ErrInvalidPayload
	case isRetryableStatus(status):
		return storage.ErrStorageUnavailable
	default:
		return storage.ErrUnknown
	}
}

// isRetryableStatus reports whether the status code should be retried.
func isRetryableStatus(status int) bool {
	switch status {
	case http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// isTerminal reports whether an error must not be retried: credential
// failures fail fast, and invalid payloads stay invalid.
func isTerminal(err error) bool {
	return errors.Is(err, storage.ErrCredentialsInvalid) ||
		errors.Is(err, storage.ErrInvalidPayload) ||
		errors.Is(err, storage.ErrNotFound)
}
