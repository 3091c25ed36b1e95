package upload

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/studyshelf/studyshelf/internal/storage"
)

// recordingAdapter captures Put calls and can fail the first N of them.
type recordingAdapter struct {
	puts     []storage.PutRequest
	contents [][]byte
	failsN   int
	failWith error
}

func (a *recordingAdapter) Provider() storage.Provider { return storage.ProviderLocal }

func (a *recordingAdapter) Put(_ context.Context, req storage.PutRequest) (storage.Locator, error) {
	data, err := io.ReadAll(req.Content)
	if err != nil {
		return storage.Locator{}, err
	}

	a.puts = append(a.puts, req)
	a.contents = append(a.contents, data)

	if a.failsN > 0 {
		a.failsN--

		return storage.Locator{}, a.failWith
	}

	return storage.Locator{Provider: storage.ProviderLocal, Key: "cu-1/stored.bin"}, nil
}

func (a *recordingAdapter) Resolve(_ context.Context, _ storage.Locator) (storage.Retrieval, error) {
	return storage.Retrieval{}, storage.ErrNotFound
}

func (a *recordingAdapter) Delete(_ context.Context, _ storage.Locator) error { return nil }

func (a *recordingAdapter) Exists(_ context.Context, _ storage.Locator) (bool, error) {
	return false, nil
}

// pdfPayload builds a payload that sniffs as application/pdf at any length.
func pdfPayload(total int) []byte {
	header := []byte("%PDF-1.4\n")
	if total < len(header) {
		total = len(header)
	}

	payload := make([]byte, total)
	copy(payload, header)

	for i := len(header); i < total; i++ {
		payload[i] = 'a'
	}

	return payload
}

func newTestPipeline(t *testing.T, adapter *recordingAdapter, cfg Config) *Pipeline {
	t.Helper()

	if cfg.StagingDir == "" {
		cfg.StagingDir = t.TempDir()
	}

	router, err := storage.NewRouter(storage.ProviderLocal, adapter)
	require.NoError(t, err)

	p := NewPipeline(router, cfg, nil)
	p.storeBackoff = time.Millisecond

	return p
}

func listFiles(t *testing.T, dir string) []string {
	t.Helper()

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}

	return names
}

func TestStore_RoundTrip(t *testing.T) {
	adapter := &recordingAdapter{}
	staging := t.TempDir()
	p := newTestPipeline(t, adapter, Config{
		MaxBytes:     1024,
		AllowedTypes: []string{"application/pdf"},
		StagingDir:   staging,
	})

	payload := pdfPayload(64)

	stored, err := p.Store(context.Background(), Upload{
		Content:      bytes.NewReader(payload),
		DeclaredSize: int64(len(payload)),
		DeclaredMime: "application/pdf",
		Filename:     "notes.pdf",
		Subdir:       "cu-1",
	})
	require.NoError(t, err)

	wantDigest := sha256.Sum256(payload)
	assert.Equal(t, storage.ProviderLocal, stored.Provider)
	assert.Equal(t, "cu-1/stored.bin", stored.Key)
	assert.Equal(t, "application/pdf", stored.MimeType)
	assert.Equal(t, int64(len(payload)), stored.Size)
	assert.Equal(t, hex.EncodeToString(wantDigest[:]), stored.Digest)

	require.Len(t, adapter.puts, 1)
	assert.Equal(t, payload, adapter.contents[0])
	assert.Equal(t, "cu-1", adapter.puts[0].Subdir)

	assert.Empty(t, listFiles(t, staging), "spool file must be removed on success")
}

func TestStore_ExactlyAtLimit(t *testing.T) {
	adapter := &recordingAdapter{}
	p := newTestPipeline(t, adapter, Config{MaxBytes: 128})

	payload := pdfPayload(128)

	stored, err := p.Store(context.Background(), Upload{
		Content:      bytes.NewReader(payload),
		DeclaredSize: 128,
		Filename:     "f.pdf",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(128), stored.Size)
}

func TestStore_OneByteOverLimit(t *testing.T) {
	adapter := &recordingAdapter{}
	staging := t.TempDir()
	p := newTestPipeline(t, adapter, Config{MaxBytes: 128, StagingDir: staging})

	payload := pdfPayload(129)

	_, err := p.Store(context.Background(), Upload{
		Content:      bytes.NewReader(payload),
		DeclaredSize: 129,
		Filename:     "f.pdf",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPayloadTooLarge)
	assert.Empty(t, adapter.puts, "oversize payload must never reach the backend")
	assert.Empty(t, listFiles(t, staging), "spool file must be removed on rejection")
}

func TestStore_SizeMismatch(t *testing.T) {
	adapter := &recordingAdapter{}
	p := newTestPipeline(t, adapter, Config{})

	_, err := p.Store(context.Background(), Upload{
		Content:      bytes.NewReader(pdfPayload(64)),
		DeclaredSize: 9999,
		Filename:     "f.pdf",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSizeMismatch)
	assert.Empty(t, adapter.puts)
}

func TestStore_UnsupportedType(t *testing.T) {
	adapter := &recordingAdapter{}
	staging := t.TempDir()
	p := newTestPipeline(t, adapter, Config{
		AllowedTypes: []string{"application/pdf"},
		StagingDir:   staging,
	})

	content := "just some plain text"

	_, err := p.Store(context.Background(), Upload{
		Content:      strings.NewReader(content),
		DeclaredSize: int64(len(content)),
		DeclaredMime: "application/pdf", // lies
		Filename:     "f.pdf",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnsupportedType)
	assert.Empty(t, adapter.puts, "sniffed type wins over the declared one")
	assert.Empty(t, listFiles(t, staging))
}

func TestStore_RetriesTransientBackendFailure(t *testing.T) {
	adapter := &recordingAdapter{
		failsN:   2,
		failWith: fmt.Errorf("backend flap: %w", storage.ErrStorageUnavailable),
	}
	p := newTestPipeline(t, adapter, Config{})

	payload := pdfPayload(64)

	stored, err := p.Store(context.Background(), Upload{
		Content:      bytes.NewReader(payload),
		DeclaredSize: int64(len(payload)),
		Filename:     "f.pdf",
	})
	require.NoError(t, err)
	require.Len(t, adapter.puts, 3, "two failures then success")

	// Every attempt must see the full payload from the start.
	for i, got := range adapter.contents {
		assert.Equal(t, payload, got, "attempt %d", i)
	}

	assert.Equal(t, "cu-1/stored.bin", stored.Key)
}

func TestStore_PermanentBackendFailureNotRetried(t *testing.T) {
	adapter := &recordingAdapter{
		failsN:   10,
		failWith: fmt.Errorf("rejected: %w", storage.ErrInvalidPayload),
	}
	p := newTestPipeline(t, adapter, Config{})

	payload := pdfPayload(64)

	_, err := p.Store(context.Background(), Upload{
		Content:      bytes.NewReader(payload),
		DeclaredSize: int64(len(payload)),
		Filename:     "f.pdf",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, storage.ErrInvalidPayload)
	assert.Len(t, adapter.puts, 1)
}

func TestStore_ExhaustedRetriesSurfaceUnavailable(t *testing.T) {
	adapter := &recordingAdapter{
		failsN:   10,
		failWith: fmt.Errorf("backend down: %w", storage.ErrStorageUnavailable),
	}
	staging := t.TempDir()
	p := newTestPipeline(t, adapter, Config{StagingDir: staging})

	payload := pdfPayload(64)

	_, err := p.Store(context.Background(), Upload{
		Content:      bytes.NewReader(payload),
		DeclaredSize: int64(len(payload)),
		Filename:     "f.pdf",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, storage.ErrStorageUnavailable)
	assert.Len(t, adapter.puts, 3, "initial attempt plus two retries")
	assert.Empty(t, listFiles(t, staging), "spool file must be removed on failure")
}

func TestStore_NormalizesFilename(t *testing.T) {
	adapter := &recordingAdapter{}
	p := newTestPipeline(t, adapter, Config{})

	payload := pdfPayload(64)

	// "caf\u00e9.pdf" spelled with a combining acute accent (NFD).
	stored, err := p.Store(context.Background(), Upload{
		Content:      bytes.NewReader(payload),
		DeclaredSize: int64(len(payload)),
		Filename:     "cafe\u0301.pdf",
	})
	require.NoError(t, err)

	want := "caf\u00e9.pdf"
	assert.Equal(t, want, stored.Filename)
	require.Len(t, adapter.puts, 1)
	assert.Equal(t, want, adapter.puts[0].Filename)
}

func TestSubdirForOwner(t *testing.T) {
	assert.Equal(t, "user-1", SubdirForOwner("user-1"))
	assert.Equal(t, "user-1", SubdirForOwner("User 1"))
	assert.Equal(t, "shared", SubdirForOwner(""))
	assert.Equal(t, "shared", SubdirForOwner("///"))
}
