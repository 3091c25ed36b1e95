// Package catalog persists resource metadata: who owns an object, where its
// bytes live (provider + native key), and the content digest used for
// deduplication. The rest of the system depends only on the Store interface;
// the SQLite implementation here is the reference data layer.
package catalog

import (
	"context"
	"errors"
	"time"

	"github.com/studyshelf/studyshelf/internal/storage"
)

// ErrNotFound is returned when no resource matches the lookup.
var ErrNotFound = errors.New("catalog: resource not found")

// Visibility controls who may download a resource.
type Visibility string

const (
	VisibilityPublic  Visibility = "public"
	VisibilityPrivate Visibility = "private"
)

// Resource is one cataloged object. Provider and Key together form the
// storage locator; Digest is the hex sha256 of the content.
type Resource struct {
	ID            string
	OwnerID       string
	Provider      storage.Provider
	Key           string
	MimeType      string
	Size          int64
	Digest        string
	Filename      string
	Title         string
	Visibility    Visibility
	DownloadCount int64
	CreatedAt     time.Time
}

// Locator returns the storage locator for the resource's bytes.
func (r *Resource) Locator() storage.Locator {
	return storage.Locator{Provider: r.Provider, Key: r.Key}
}

// Store is the persistence surface the core needs. Implementations must
// return ErrNotFound for missing rows.
type Store interface {
	// Get fetches a resource by ID.
	Get(ctx context.Context, id string) (*Resource, error)

	// Create inserts a new resource. A zero CreatedAt is set to now.
	Create(ctx context.Context, res *Resource) error

	// Delete removes the metadata row. The backing object is the caller's
	// problem (it may still be referenced by other rows).
	Delete(ctx context.Context, id string) error

	// FindByDigest returns any existing resource with the same content
	// digest, for upload deduplication.
	FindByDigest(ctx context.Context, digest string) (*Resource, error)

	// CountByLocator reports how many resources reference the same backing
	// object. The backing object is deleted only when the count drops to zero.
	CountByLocator(ctx context.Context, loc storage.Locator) (int64, error)

	// MarkDownloaded increments the download counter.
	MarkDownloaded(ctx context.Context, id string) error

	// List returns all resources, newest first.
	List(ctx context.Context) ([]*Resource, error)
}
