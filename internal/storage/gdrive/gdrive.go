// Package gdrive implements the storage adapter for Google Drive via the
// official Drive v3 client. Uploads are resumable media uploads under a
// configured parent folder; retrieval returns the file's webContentLink after
// an anyone-with-link reader permission is granted at upload time.
package gdrive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/studyshelf/studyshelf/internal/storage"
)

// uploadChunkSize for resumable media uploads. Drive requires a multiple of
// 256 KiB.
const uploadChunkSize = 8 * 1024 * 1024

const folderMimeType = "application/vnd.google-apps.folder"

// Config carries the static settings for the Google Drive backend.
type Config struct {
	// ParentFolderID is the folder uploads land under. Empty = drive root.
	ParentFolderID string
}

// Adapter implements storage.Adapter against the Drive v3 API.
// Locator keys are native Drive file IDs.
type Adapter struct {
	svc    *drive.Service
	parent string
	logger *slog.Logger
}

// New creates a Google Drive adapter. Authentication comes in through opts,
// typically option.WithTokenSource from the credential manager or
// option.WithCredentialsFile for a service account.
func New(ctx context.Context, cfg Config, logger *slog.Logger, opts ...option.ClientOption) (*Adapter, error) {
	if logger == nil {
		logger = slog.Default()
	}

	svc, err := drive.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("gdrive: creating drive service: %w", err)
	}

	parent := cfg.ParentFolderID
	if parent == "" {
		parent = "root"
	}

	return &Adapter{svc: svc, parent: parent, logger: logger}, nil
}

// Provider implements storage.Adapter.
func (a *Adapter) Provider() storage.Provider {
	return storage.ProviderGDrive
}

// Put uploads the content as a resumable media upload and grants an
// anyone-with-link reader permission so the webContentLink is directly
// fetchable. If the upload succeeds but the permission grant fails, the file
// is removed again so no half-configured object remains.
func (a *Adapter) Put(ctx context.Context, req storage.PutRequest) (storage.Locator, error) {
	parentID := a.parent

	if req.Subdir != "" {
		folderID, err := a.ensureFolder(ctx, parentID, req.Subdir)
		if err != nil {
			return storage.Locator{}, err
		}

		parentID = folderID
	}

	meta := &drive.File{
		Name:    req.Filename,
		Parents: []string{parentID},
	}

	mediaOpts := []googleapi.MediaOption{googleapi.ChunkSize(uploadChunkSize)}
	if req.MimeType != "" {
		mediaOpts = append(mediaOpts, googleapi.ContentType(req.MimeType))
	}

	file, err := a.svc.Files.Create(meta).
		Media(req.Content, mediaOpts...).
		SupportsAllDrives(true).
		Fields("id", "size", "webContentLink").
		Context(ctx).
		Do()
	if err != nil {
		return storage.Locator{}, classify("upload", err)
	}

	if req.Size > 0 && file.Size != req.Size {
		a.removeQuietly(ctx, file.Id)

		return storage.Locator{}, fmt.Errorf("gdrive: uploaded %d bytes, metadata declares %d: %w",
			file.Size, req.Size, storage.ErrInvalidPayload)
	}

	if err := a.shareByLink(ctx, file.Id); err != nil {
		a.removeQuietly(ctx, file.Id)

		return storage.Locator{}, err
	}

	a.logger.Debug("object stored",
		slog.String("provider", "gdrive"),
		slog.Int64("size", file.Size),
	)

	return storage.Locator{Provider: storage.ProviderGDrive, Key: file.Id}, nil
}

// shareByLink grants anyone-with-link read access so the content URL works
// without a Google session.
func (a *Adapter) shareByLink(ctx context.Context, fileID string) error {
	_, err := a.svc.Permissions.Create(fileID, &drive.Permission{
		Type: "anyone",
		Role: "reader",
	}).SupportsAllDrives(true).Context(ctx).Do()
	if err != nil {
		return classify("granting link permission", err)
	}

	return nil
}

// removeQuietly deletes a file during upload rollback. Failure only leaves an
// orphan in the Drive folder.
func (a *Adapter) removeQuietly(ctx context.Context, fileID string) {
	if err := a.svc.Files.Delete(fileID).SupportsAllDrives(true).Context(ctx).Do(); err != nil {
		a.logger.Warn("rollback delete failed",
			slog.String("file_id", fileID),
			slog.String("error", err.Error()),
		)
	}
}

// Resolve returns the file's direct content URL. webContentLink does not
// expire, so ExpiresAt stays zero and grant lifetime is bounded by the grant
// TTL alone.
func (a *Adapter) Resolve(ctx context.Context, loc storage.Locator) (storage.Retrieval, error) {
	file, err := a.svc.Files.Get(loc.Key).
		SupportsAllDrives(true).
		Fields("id", "webContentLink").
		Context(ctx).
		Do()
	if err != nil {
		return storage.Retrieval{}, classify("fetching metadata", err)
	}

	url := file.WebContentLink
	if url == "" {
		url = "https://drive.google.com/uc?id=" + file.Id + "&export=download"
	}

	return storage.Retrieval{URL: url}, nil
}

// Delete removes the file. A missing file is not an error.
func (a *Adapter) Delete(ctx context.Context, loc storage.Locator) error {
	err := a.svc.Files.Delete(loc.Key).SupportsAllDrives(true).Context(ctx).Do()
	if err != nil {
		classified := classify("deleting", err)
		if errors.Is(classified, storage.ErrNotFound) {
			return nil
		}

		return classified
	}

	return nil
}

// Exists probes the file by ID.
func (a *Adapter) Exists(ctx context.Context, loc storage.Locator) (bool, error) {
	_, err := a.svc.Files.Get(loc.Key).
		SupportsAllDrives(true).
		Fields("id").
		Context(ctx).
		Do()
	if err != nil {
		classified := classify("probing", err)
		if errors.Is(classified, storage.ErrNotFound) {
			return false, nil
		}

		return false, classified
	}

	return true, nil
}

// ensureFolder finds or creates a child folder under parentID.
func (a *Adapter) ensureFolder(ctx context.Context, parentID, name string) (string, error) {
	query := fmt.Sprintf("name = '%s' and '%s' in parents and mimeType = '%s' and trashed = false",
		escapeQuery(name), parentID, folderMimeType)

	list, err := a.svc.Files.List().
		Q(query).
		Fields("files(id)").
		PageSize(1).
		SupportsAllDrives(true).
		IncludeItemsFromAllDrives(true).
		Context(ctx).
		Do()
	if err != nil {
		return "", classify("listing folders", err)
	}

	if len(list.Files) > 0 {
		return list.Files[0].Id, nil
	}

	folder, err := a.svc.Files.Create(&drive.File{
		Name:     name,
		MimeType: folderMimeType,
		Parents:  []string{parentID},
	}).Fields("id").SupportsAllDrives(true).Context(ctx).Do()
	if err != nil {
		return "", classify("creating folder", err)
	}

	return folder.Id, nil
}

// escapeQuery escapes single quotes and backslashes for a Drive query string.
func escapeQuery(s string) string {
	var b []byte

	for i := 0; i < len(s); i++ {
		if s[i] == '\'' || s[i] == '\\' {
			b = append(b, '\\')
		}

		b = append(b, s[i])
	}

	return string(b)
}
