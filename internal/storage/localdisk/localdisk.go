// Package localdisk implements the storage adapter for the local filesystem
// backend. Keys are content-derived relative paths under a configured root;
// writes go through a temp-file-then-rename so a crash or failure mid-write
// never leaves a partially written object at a resolvable key.
package localdisk

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/studyshelf/studyshelf/internal/storage"
)

// DirPerms is used when creating object directories under the root.
const DirPerms = 0o755

// FilePerms for stored objects.
const FilePerms = 0o644

// Adapter stores objects as files under Root. It is stateless apart from the
// immutable root path and safe for concurrent use.
type Adapter struct {
	root   string
	logger *slog.Logger
}

// New creates a local adapter rooted at root, creating the directory if
// needed. root must be absolute (enforced by config validation).
func New(root string, logger *slog.Logger) (*Adapter, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(root, DirPerms); err != nil {
		return nil, fmt.Errorf("localdisk: creating root %s: %w", root, err)
	}

	return &Adapter{root: root, logger: logger}, nil
}

// Provider implements storage.Adapter.
func (a *Adapter) Provider() storage.Provider {
	return storage.ProviderLocal
}

// Put streams the content to a temp file in the target directory, deriving
// the key from the content's SHA-256, then renames into place. Rename within
// the same directory keeps the operation on one filesystem, so visibility is
// atomic: Resolve never observes a half-written object.
func (a *Adapter) Put(ctx context.Context, req storage.PutRequest) (storage.Locator, error) {
	dir, err := a.objectDir(req.Subdir)
	if err != nil {
		return storage.Locator{}, err
	}

	if err := os.MkdirAll(dir, DirPerms); err != nil {
		return storage.Locator{}, fmt.Errorf("localdisk: creating directory: %w: %w", storage.ErrStorageUnavailable, err)
	}

	tmp, err := os.CreateTemp(dir, ".upload-*.tmp")
	if err != nil {
		return storage.Locator{}, fmt.Errorf("localdisk: creating temp file: %w: %w", storage.ErrStorageUnavailable, err)
	}

	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	hasher := sha256.New()

	written, err := io.Copy(io.MultiWriter(tmp, hasher), req.Content)
	if err != nil {
		if ctx.Err() != nil {
			return storage.Locator{}, fmt.Errorf("localdisk: put canceled: %w", ctx.Err())
		}

		return storage.Locator{}, fmt.Errorf("localdisk: writing object: %w: %w", storage.ErrStorageUnavailable, err)
	}

	if req.Size > 0 && written != req.Size {
		return storage.Locator{}, fmt.Errorf("localdisk: wrote %d bytes, metadata declares %d: %w",
			written, req.Size, storage.ErrInvalidPayload)
	}

	// Flush to stable storage before rename so a power loss cannot leave an
	// empty object at the final path.
	if err := tmp.Sync(); err != nil {
		return storage.Locator{}, fmt.Errorf("localdisk: syncing object: %w: %w", storage.ErrStorageUnavailable, err)
	}

	if err := tmp.Close(); err != nil {
		return storage.Locator{}, fmt.Errorf("localdisk: closing object: %w: %w", storage.ErrStorageUnavailable, err)
	}

	name := hex.EncodeToString(hasher.Sum(nil)) + safeExt(req.Filename)
	finalPath := filepath.Join(dir, name)

	if err := os.Chmod(tmpPath, FilePerms); err != nil {
		return storage.Locator{}, fmt.Errorf("localdisk: setting permissions: %w: %w", storage.ErrStorageUnavailable, err)
	}

	if err := os.Rename(tmpPath, finalPath); err != nil {
		return storage.Locator{}, fmt.Errorf("localdisk: renaming object: %w: %w", storage.ErrStorageUnavailable, err)
	}

	success = true

	key, err := filepath.Rel(a.root, finalPath)
	if err != nil {
		return storage.Locator{}, fmt.Errorf("localdisk: computing key: %w", err)
	}

	a.logger.Debug("object stored",
		slog.String("provider", "local"),
		slog.Int64("size", written),
	)

	return storage.Locator{Provider: storage.ProviderLocal, Key: key}, nil
}

// Resolve returns the absolute path for streaming. Local retrievals have no
// expiry: the grant layer bounds their lifetime.
func (a *Adapter) Resolve(_ context.Context, loc storage.Locator) (storage.Retrieval, error) {
	path, err := a.objectPath(loc)
	if err != nil {
		return storage.Retrieval{}, err
	}

	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return storage.Retrieval{}, fmt.Errorf("localdisk: %s: %w", loc, storage.ErrNotFound)
	} else if err != nil {
		return storage.Retrieval{}, fmt.Errorf("localdisk: stat object: %w: %w", storage.ErrStorageUnavailable, err)
	}

	return storage.Retrieval{Path: path}, nil
}

// Delete removes the object. Deleting a missing object is not an error.
func (a *Adapter) Delete(_ context.Context, loc storage.Locator) error {
	path, err := a.objectPath(loc)
	if err != nil {
		return err
	}

	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("localdisk: deleting object: %w: %w", storage.ErrStorageUnavailable, err)
	}

	return nil
}

// Exists reports whether the locator resolves to a stored object.
func (a *Adapter) Exists(_ context.Context, loc storage.Locator) (bool, error) {
	path, err := a.objectPath(loc)
	if err != nil {
		return false, err
	}

	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return false, nil
	} else if err != nil {
		return false, fmt.Errorf("localdisk: stat object: %w: %w", storage.ErrStorageUnavailable, err)
	}

	return true, nil
}

// objectDir validates the optional subdir and returns the directory objects
// for it live in. Subdir is a single path segment, never client-controlled
// path structure.
func (a *Adapter) objectDir(subdir string) (string, error) {
	if subdir == "" {
		return a.root, nil
	}

	if strings.ContainsAny(subdir, `/\`) || subdir == ".." || subdir == "." {
		return "", fmt.Errorf("localdisk: invalid subdir %q: %w", subdir, storage.ErrInvalidPayload)
	}

	return filepath.Join(a.root, subdir), nil
}

// objectPath maps a locator key to an absolute path, rejecting traversal.
func (a *Adapter) objectPath(loc storage.Locator) (string, error) {
	key := filepath.Clean(loc.Key)
	if key == "." || filepath.IsAbs(key) || strings.HasPrefix(key, "..") {
		return "", fmt.Errorf("localdisk: invalid key: %w", storage.ErrNotFound)
	}

	return filepath.Join(a.root, key), nil
}

// safeExt derives a stored extension from the declared filename. Anything
// suspicious degrades to no extension — the key's identity is the digest.
func safeExt(filename string) string {
	ext := strings.ToLower(filepath.Ext(filepath.Base(filename)))
	if ext == "." || strings.ContainsAny(ext, `/\`) {
		return ""
	}

	return ext
}
