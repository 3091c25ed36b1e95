package gdrive

import (
	"errors"
	"fmt"
	"net/http"

	"google.golang.org/api/googleapi"

	"github.com/studyshelf/studyshelf/internal/storage"
)

// classify maps a Drive API error onto the shared storage error taxonomy.
// googleapi.Error carries the HTTP status and server message; both ride along
// in a BackendError for logs.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}

	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		// Transport-level failure (DNS, timeout, reset).
		return fmt.Errorf("gdrive: %s: %w: %w", op, storage.ErrStorageUnavailable, err)
	}

	return &storage.BackendError{
		Provider:   storage.ProviderGDrive,
		StatusCode: gerr.Code,
		Message:    gerr.Message,
		Err:        sentinelForStatus(gerr.Code),
	}
}

func sentinelForStatus(status int) error {
	switch {
	case status == http.StatusNotFound:
		return storage.ErrNotFound
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return storage.ErrCredentialsInvalid
	case status == http.StatusBadRequest || status == http.StatusRequestEntityTooLarge:
		return storage.ErrInvalidPayload
	case status == http.StatusTooManyRequests || status >= http.StatusInternalServerError:
		return storage.ErrStorageUnavailable
	default:
		return storage.ErrUnknown
	}
}
