package onedrive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/studyshelf/studyshelf/internal/storage"
)

// simpleUploadMaxSize is the Graph limit for single-request uploads (4 MB).
// Larger payloads must use a resumable upload session.
const simpleUploadMaxSize = 4 * 1024 * 1024

// chunkSize for upload sessions. Must be a multiple of the Graph API's
// 320 KiB alignment requirement.
const chunkSize = 10 * 1024 * 1024

// downloadURLTTL is how long we treat a pre-authenticated download URL as
// usable. Graph issues them for about an hour; we advertise a conservative
// window so grants never outlive the underlying URL.
const downloadURLTTL = 15 * time.Minute

// Config carries the static settings for the OneDrive backend.
type Config struct {
	// BaseURL overrides the Graph endpoint, for tests. Empty = production.
	BaseURL string
	// ParentFolderID is the driveItem ID uploads land under. Empty = drive root.
	ParentFolderID string
	// HTTPClient carries the configured network timeout. Nil = http.DefaultClient.
	HTTPClient *http.Client
}

// Adapter implements storage.Adapter against the Microsoft Graph API.
// Locator keys are native driveItem IDs.
type Adapter struct {
	client *client
	parent string
	logger *slog.Logger
}

// New creates a OneDrive adapter. Tokens are pulled per request from the
// credential manager through ts, so a mid-upload re-authentication is picked
// up without rebuilding the adapter.
func New(cfg Config, ts TokenSource, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	parent := cfg.ParentFolderID
	if parent == "" {
		parent = "root"
	}

	return &Adapter{
		client: newClient(baseURL, cfg.HTTPClient, ts, logger),
		parent: parent,
		logger: logger,
	}
}

// Provider implements storage.Adapter.
func (a *Adapter) Provider() storage.Provider {
	return storage.ProviderOneDrive
}

// driveItem is the subset of the Graph driveItem resource we consume.
type driveItem struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Size        int64     `json:"size"`
	DownloadURL string    `json:"@microsoft.graph.downloadUrl"` //nolint:tagliatelle // Graph API annotation key
	Folder      *struct{} `json:"folder"`
}

// Put uploads the content under the configured parent folder (optionally in
// a per-subdir child folder) and returns the created item's native ID as the
// locator key. Uploads above the simple threshold use a resumable session;
// on terminal failure the session is canceled so no partially uploaded item
// remains visible.
func (a *Adapter) Put(ctx context.Context, req storage.PutRequest) (storage.Locator, error) {
	parentID := a.parent

	if req.Subdir != "" {
		folderID, err := a.ensureFolder(ctx, parentID, req.Subdir)
		if err != nil {
			return storage.Locator{}, err
		}

		parentID = folderID
	}

	name := safeName(req.Filename)

	var (
		item *driveItem
		err  error
	)

	if req.Size <= simpleUploadMaxSize {
		item, err = a.simpleUpload(ctx, parentID, name, req)
	} else {
		item, err = a.sessionUpload(ctx, parentID, name, req)
	}

	if err != nil {
		return storage.Locator{}, err
	}

	a.logger.Debug("object stored",
		slog.String("provider", "onedrive"),
		slog.Int64("size", req.Size),
	)

	return storage.Locator{Provider: storage.ProviderOneDrive, Key: item.ID}, nil
}

// simpleUpload PUTs the whole payload in one request. The payload is buffered
// so the request body can be rebuilt per retry attempt.
func (a *Adapter) simpleUpload(ctx context.Context, parentID, name string, req storage.PutRequest) (*driveItem, error) {
	data, err := io.ReadAll(req.Content)
	if err != nil {
		return nil, fmt.Errorf("onedrive: reading payload: %w: %w", storage.ErrStorageUnavailable, err)
	}

	if req.Size > 0 && int64(len(data)) != req.Size {
		return nil, fmt.Errorf("onedrive: payload is %d bytes, metadata declares %d: %w",
			len(data), req.Size, storage.ErrInvalidPayload)
	}

	path := fmt.Sprintf("/me/drive/items/%s:/%s:/content?@microsoft.graph.conflictBehavior=rename",
		parentID, url.PathEscape(name))

	resp, err := a.client.do(ctx, http.MethodPut, path, "application/octet-stream", func() (io.Reader, error) {
		return bytes.NewReader(data), nil
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	return decodeItem(resp.Body)
}

// uploadSession is the Graph createUploadSession response.
type uploadSession struct {
	UploadURL string `json:"uploadUrl"`
}

// sessionUpload runs the resumable upload flow: create a session, PUT aligned
// chunks against the pre-authenticated session URL, and cancel the session if
// the upload cannot complete.
func (a *Adapter) sessionUpload(ctx context.Context, parentID, name string, req storage.PutRequest) (*driveItem, error) {
	seeker, ok := req.Content.(io.ReadSeeker)
	if !ok {
		return nil, fmt.Errorf("onedrive: payload above %d bytes requires seekable content: %w",
			simpleUploadMaxSize, storage.ErrInvalidPayload)
	}

	session, err := a.createSession(ctx, parentID, name)
	if err != nil {
		return nil, err
	}

	item, err := a.uploadChunks(ctx, session, seeker, req.Size)
	if err != nil {
		// Best-effort cancel so no partially uploaded item lingers in the
		// session and nothing becomes visible at the target name.
		a.cancelSession(session)

		return nil, err
	}

	return item, nil
}

func (a *Adapter) createSession(ctx context.Context, parentID, name string) (*uploadSession, error) {
	a.logger.Info("creating upload session",
		slog.String("parent_id", parentID),
		slog.String("name", name),
	)

	path := fmt.Sprintf("/me/drive/items/%s:/%s:/createUploadSession", parentID, url.PathEscape(name))

	body, err := json.Marshal(map[string]any{
		"item": map[string]any{"@microsoft.graph.conflictBehavior": "rename"},
	})
	if err != nil {
		return nil, fmt.Errorf("onedrive: marshaling session request: %w", err)
	}

	resp, err := a.client.do(ctx, http.MethodPost, path, "application/json", func() (io.Reader, error) {
		return bytes.NewReader(body), nil
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var session uploadSession
	if decErr := json.NewDecoder(resp.Body).Decode(&session); decErr != nil {
		return nil, fmt.Errorf("onedrive: decoding session response: %w", decErr)
	}

	if session.UploadURL == "" {
		return nil, fmt.Errorf("onedrive: session response missing upload URL: %w", storage.ErrUnknown)
	}

	return &session, nil
}

// uploadChunks PUTs the payload in aligned chunks. Each chunk is retried with
// backoff independently; the seeker is rewound to the chunk offset per attempt.
func (a *Adapter) uploadChunks(ctx context.Context, session *uploadSession, content io.ReadSeeker, total int64) (*driveItem, error) {
	for offset := int64(0); offset < total; offset += chunkSize {
		length := min(int64(chunkSize), total-offset)

		item, err := a.uploadChunk(ctx, session, content, offset, length, total)
		if err != nil {
			return nil, err
		}

		// Non-nil item means the final chunk completed the upload.
		if item != nil {
			return item, nil
		}
	}

	return nil, fmt.Errorf("onedrive: session ended without a completed item: %w", storage.ErrUnknown)
}

func (a *Adapter) uploadChunk(
	ctx context.Context, session *uploadSession, content io.ReadSeeker,
	offset, length, total int64,
) (*driveItem, error) {
	a.logger.Debug("uploading chunk",
		slog.Int64("offset", offset),
		slog.Int64("length", length),
		slog.Int64("total", total),
	)

	var attempt int
	for {
		item, err := a.putChunkOnce(ctx, session, content, offset, length, total)
		if err == nil {
			return item, nil
		}

		if ctx.Err() != nil {
			return nil, fmt.Errorf("onedrive: upload canceled: %w", ctx.Err())
		}

		if isTerminal(err) || attempt >= maxRetries {
			return nil, err
		}

		backoff := a.client.calcBackoff(attempt)
		a.logger.Warn("retrying chunk upload",
			slog.Int64("offset", offset),
			slog.Int("attempt", attempt+1),
			slog.Duration("backoff", backoff),
			slog.String("error", err.Error()),
		)

		if sleepErr := a.client.sleepFunc(ctx, backoff); sleepErr != nil {
			return nil, fmt.Errorf("onedrive: upload canceled: %w", sleepErr)
		}

		attempt++
	}
}

// putChunkOnce sends a single Content-Range PUT to the session URL.
// The session URL is pre-authenticated, so no Authorization header is sent.
// Returns (nil, nil) for accepted intermediate chunks and the completed item
// for the final chunk.
func (a *Adapter) putChunkOnce(
	ctx context.Context, session *uploadSession, content io.ReadSeeker,
	offset, length, total int64,
) (*driveItem, error) {
	if _, err := content.Seek(offset, io.SeekStart); err != nil {
		return nil, fmt.Errorf("onedrive: seeking to chunk offset: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, session.UploadURL, io.LimitReader(content, length))
	if err != nil {
		return nil, fmt.Errorf("onedrive: creating chunk request: %w", err)
	}

	req.Header.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", offset, offset+length-1, total))
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("User-Agent", userAgent)
	req.ContentLength = length

	resp, err := a.client.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("onedrive: chunk upload failed: %w: %w", storage.ErrStorageUnavailable, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusAccepted:
		// Intermediate chunk accepted. Drain body to reuse the connection.
		if _, drainErr := io.Copy(io.Discard, resp.Body); drainErr != nil {
			return nil, fmt.Errorf("onedrive: draining chunk response: %w", drainErr)
		}

		return nil, nil //nolint:nilnil // intermediate chunk: no item yet

	case http.StatusOK, http.StatusCreated:
		return decodeItem(resp.Body)

	default:
		body, _ := io.ReadAll(resp.Body) //nolint:errcheck // best-effort read for error message

		return nil, classifyResponse(resp.StatusCode, resp.Header.Get("request-id"), string(body))
	}
}

// cancelSession deletes an in-progress upload session. Best-effort: failure
// only means the session expires server-side instead.
func (a *Adapter) cancelSession(session *uploadSession) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, session.UploadURL, http.NoBody)
	if err != nil {
		return
	}

	req.Header.Set("User-Agent", userAgent)

	resp, err := a.client.httpClient.Do(req)
	if err != nil {
		a.logger.Warn("canceling upload session failed", slog.String("error", err.Error()))
		return
	}

	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body) //nolint:errcheck // drain to reuse connection
}

// Resolve fetches the item and returns its short-lived pre-authenticated
// download URL. The core stays stateless with respect to large payloads: the
// client fetches bytes from Microsoft directly.
func (a *Adapter) Resolve(ctx context.Context, loc storage.Locator) (storage.Retrieval, error) {
	item, err := a.getItem(ctx, loc.Key)
	if err != nil {
		return storage.Retrieval{}, err
	}

	if item.DownloadURL == "" {
		return storage.Retrieval{}, fmt.Errorf("onedrive: item has no download URL: %w", storage.ErrUnknown)
	}

	return storage.Retrieval{
		URL:       item.DownloadURL,
		ExpiresAt: time.Now().Add(downloadURLTTL),
	}, nil
}

// Delete removes the item. A missing item is not an error.
func (a *Adapter) Delete(ctx context.Context, loc storage.Locator) error {
	path := "/me/drive/items/" + url.PathEscape(loc.Key)

	resp, err := a.client.do(ctx, http.MethodDelete, path, "", nil)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}

		return err
	}

	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body) //nolint:errcheck // drain to reuse connection

	return nil
}

// Exists probes the item by ID.
func (a *Adapter) Exists(ctx context.Context, loc storage.Locator) (bool, error) {
	_, err := a.getItem(ctx, loc.Key)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}

	if err != nil {
		return false, err
	}

	return true, nil
}

func (a *Adapter) getItem(ctx context.Context, itemID string) (*driveItem, error) {
	path := "/me/drive/items/" + url.PathEscape(itemID)

	resp, err := a.client.do(ctx, http.MethodGet, path, "", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	return decodeItem(resp.Body)
}

// ensureFolder finds or creates a child folder under parentID. Creation uses
// conflictBehavior=fail so a concurrent create loses cleanly, then the
// existing folder is looked up by path.
func (a *Adapter) ensureFolder(ctx context.Context, parentID, name string) (string, error) {
	body, err := json.Marshal(map[string]any{
		"name":                              safeName(name),
		"folder":                            map[string]any{},
		"@microsoft.graph.conflictBehavior": "fail",
	})
	if err != nil {
		return "", fmt.Errorf("onedrive: marshaling folder request: %w", err)
	}

	path := fmt.Sprintf("/me/drive/items/%s/children", parentID)

	resp, err := a.client.do(ctx, http.MethodPost, path, "application/json", func() (io.Reader, error) {
		return bytes.NewReader(body), nil
	})
	if err != nil {
		var be *storage.BackendError
		if errors.As(err, &be) && be.StatusCode == http.StatusConflict {
			return a.lookupChild(ctx, parentID, name)
		}

		return "", err
	}
	defer resp.Body.Close()

	item, err := decodeItem(resp.Body)
	if err != nil {
		return "", err
	}

	return item.ID, nil
}

// lookupChild resolves an existing child item by name under a parent.
func (a *Adapter) lookupChild(ctx context.Context, parentID, name string) (string, error) {
	path := fmt.Sprintf("/me/drive/items/%s:/%s:", parentID, url.PathEscape(safeName(name)))

	resp, err := a.client.do(ctx, http.MethodGet, path, "", nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	item, err := decodeItem(resp.Body)
	if err != nil {
		return "", err
	}

	return item.ID, nil
}

func decodeItem(r io.Reader) (*driveItem, error) {
	var item driveItem
	if err := json.NewDecoder(r).Decode(&item); err != nil {
		return nil, fmt.Errorf("onedrive: decoding item response: %w", err)
	}

	return &item, nil
}

// safeName strips path separators from a declared filename. The name only
// affects the display name in OneDrive — identity is the returned item ID.
func safeName(name string) string {
	name = strings.ReplaceAll(name, "/", "_")
	name = strings.ReplaceAll(name, `\`, "_")

	if name == "" || name == "." || name == ".." {
		return "upload.bin"
	}

	return name
}
