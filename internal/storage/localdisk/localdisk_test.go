package localdisk

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/studyshelf/studyshelf/internal/storage"
)

func newTestAdapter(t *testing.T) *Adapter {
	t.Helper()

	a, err := New(t.TempDir(), nil)
	require.NoError(t, err)

	return a
}

func put(t *testing.T, a *Adapter, content, filename, subdir string) storage.Locator {
	t.Helper()

	loc, err := a.Put(context.Background(), storage.PutRequest{
		Content:  strings.NewReader(content),
		Size:     int64(len(content)),
		MimeType: "application/pdf",
		Filename: filename,
		Subdir:   subdir,
	})
	require.NoError(t, err)

	return loc
}

func TestPut_RoundTrip(t *testing.T) {
	a := newTestAdapter(t)
	content := "lecture notes, week one"

	loc := put(t, a, content, "notes.pdf", "cu-42")

	assert.Equal(t, storage.ProviderLocal, loc.Provider)
	assert.True(t, strings.HasPrefix(loc.Key, "cu-42"+string(filepath.Separator)))
	assert.True(t, strings.HasSuffix(loc.Key, ".pdf"))

	ret, err := a.Resolve(context.Background(), loc)
	require.NoError(t, err)
	assert.False(t, ret.IsRedirect())

	got, err := os.ReadFile(ret.Path)
	require.NoError(t, err)
	assert.Equal(t, content, string(got))
}

func TestPut_ContentDerivedKey(t *testing.T) {
	a := newTestAdapter(t)

	loc1 := put(t, a, "same bytes", "a.pdf", "")
	loc2 := put(t, a, "same bytes", "b.pdf", "")

	// Same content, same digest segment; only the extension may differ.
	digest := func(key string) string { return strings.TrimSuffix(key, filepath.Ext(key)) }
	assert.Equal(t, digest(loc1.Key), digest(loc2.Key))
}

func TestPut_SizeMismatch(t *testing.T) {
	a := newTestAdapter(t)

	_, err := a.Put(context.Background(), storage.PutRequest{
		Content:  strings.NewReader("short"),
		Size:     100,
		Filename: "f.pdf",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, storage.ErrInvalidPayload)
}

func TestPut_FailureLeavesNoPartialObject(t *testing.T) {
	a := newTestAdapter(t)

	_, err := a.Put(context.Background(), storage.PutRequest{
		Content:  &failingReader{after: 3},
		Size:     100,
		Filename: "f.pdf",
		Subdir:   "cu-1",
	})
	require.Error(t, err)

	// No object and no leftover temp file anywhere under the root.
	var files []string

	require.NoError(t, filepath.Walk(a.root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		if !info.IsDir() {
			files = append(files, path)
		}

		return nil
	}))
	assert.Empty(t, files)
}

// failingReader yields a few bytes then errors, simulating a dropped stream.
type failingReader struct {
	after int
	read  int
}

func (r *failingReader) Read(p []byte) (int, error) {
	if r.read >= r.after {
		return 0, errors.New("stream reset")
	}

	n := min(len(p), r.after-r.read)
	for i := range n {
		p[i] = 'x'
	}

	r.read += n

	return n, nil
}

func TestResolve_NotFound(t *testing.T) {
	a := newTestAdapter(t)

	_, err := a.Resolve(context.Background(), storage.Locator{
		Provider: storage.ProviderLocal,
		Key:      "cu-1/deadbeef.pdf",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestResolve_RejectsTraversal(t *testing.T) {
	a := newTestAdapter(t)

	for _, key := range []string{"../../etc/passwd", "/etc/passwd", "..", ""} {
		_, err := a.Resolve(context.Background(), storage.Locator{
			Provider: storage.ProviderLocal,
			Key:      key,
		})
		require.Error(t, err, "key %q must be rejected", key)
		assert.ErrorIs(t, err, storage.ErrNotFound)
	}
}

func TestPut_RejectsStructuredSubdir(t *testing.T) {
	a := newTestAdapter(t)

	_, err := a.Put(context.Background(), storage.PutRequest{
		Content:  strings.NewReader("x"),
		Size:     1,
		Filename: "f.pdf",
		Subdir:   "../outside",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, storage.ErrInvalidPayload)
}

func TestDelete_Idempotent(t *testing.T) {
	a := newTestAdapter(t)
	loc := put(t, a, "to be deleted", "f.pdf", "")

	require.NoError(t, a.Delete(context.Background(), loc))
	require.NoError(t, a.Delete(context.Background(), loc), "second delete must not error")

	exists, err := a.Exists(context.Background(), loc)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestExists(t *testing.T) {
	a := newTestAdapter(t)
	loc := put(t, a, "here", "f.txt", "")

	exists, err := a.Exists(context.Background(), loc)
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = a.Exists(context.Background(), storage.Locator{
		Provider: storage.ProviderLocal,
		Key:      "missing.txt",
	})
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestSafeExt(t *testing.T) {
	assert.Equal(t, ".pdf", safeExt("Notes.PDF"))
	assert.Equal(t, "", safeExt("noext"))
	assert.Equal(t, "", safeExt(""))
	assert.Equal(t, ".txt", safeExt("dir/evil/../name.txt"))
}
