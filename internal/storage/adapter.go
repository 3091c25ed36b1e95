package storage

import (
	"context"
	"fmt"
	"io"
	"time"
)

// Provider names a storage backend. The provider string is persisted next to
// the storage key by the data layer, so values are part of the on-disk
// contract and must never change meaning.
type Provider string

const (
	ProviderLocal    Provider = "local"
	ProviderGDrive   Provider = "gdrive"
	ProviderOneDrive Provider = "onedrive"
)

// ParseProvider validates a provider string from config or a persisted row.
func ParseProvider(s string) (Provider, error) {
	switch Provider(s) {
	case ProviderLocal, ProviderGDrive, ProviderOneDrive:
		return Provider(s), nil
	default:
		return "", fmt.Errorf("storage: unknown provider %q", s)
	}
}

// Locator identifies stored bytes as a (provider, key) pair. The key is
// opaque outside the named provider's adapter: a filesystem-relative path for
// local, a native file/driveItem ID for the cloud backends. Locators are an
// internal value and are never serialized to clients.
type Locator struct {
	Provider Provider
	Key      string
}

// String redacts the key — locators show up in logs and error chains, and
// the native ID must not leak beyond the adapter boundary.
func (l Locator) String() string {
	return fmt.Sprintf("%s:<key:%d bytes>", l.Provider, len(l.Key))
}

// IsZero reports whether the locator is unset.
func (l Locator) IsZero() bool {
	return l.Provider == "" && l.Key == ""
}

// PutRequest carries one upload into an adapter. Content has already been
// staged and validated by the upload pipeline; Size is the true byte count.
type PutRequest struct {
	Content  io.Reader
	Size     int64
	MimeType string
	// Filename is the client's declared name, used only to derive the
	// stored object's display name. Never trusted as a path.
	Filename string
	// Subdir groups objects beneath the configured root or parent folder
	// (e.g. a course unit bucket). Optional.
	Subdir string
}

// Retrieval is the result of resolving a locator for download. Exactly one of
// Path or URL is set: local storage yields a filesystem path the caller
// streams itself, cloud backends yield a short-lived pre-authenticated URL.
type Retrieval struct {
	Path      string
	URL       string
	ExpiresAt time.Time
}

// IsRedirect reports whether the retrieval is a URL handoff rather than a
// local path.
func (r Retrieval) IsRedirect() bool {
	return r.URL != ""
}

// Adapter is the uniform storage backend contract. Implementations are
// stateless and safe for concurrent use; per-request state lives in the
// arguments and any shared credentials live in the credential manager.
//
// Put must be atomic from the caller's view: on failure no partially written
// object may be reachable by a later Resolve or Exists.
// Delete is idempotent: deleting a missing object returns nil.
type Adapter interface {
	Provider() Provider
	Put(ctx context.Context, req PutRequest) (Locator, error)
	Resolve(ctx context.Context, loc Locator) (Retrieval, error)
	Delete(ctx context.Context, loc Locator) error
	Exists(ctx context.Context, loc Locator) (bool, error)
}
