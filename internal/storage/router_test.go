package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAdapter is a minimal Adapter for router tests.
type fakeAdapter struct {
	provider Provider
}

func (f *fakeAdapter) Provider() Provider { return f.provider }

func (f *fakeAdapter) Put(context.Context, PutRequest) (Locator, error) {
	return Locator{Provider: f.provider, Key: "k"}, nil
}

func (f *fakeAdapter) Resolve(context.Context, Locator) (Retrieval, error) {
	return Retrieval{}, nil
}

func (f *fakeAdapter) Delete(context.Context, Locator) error { return nil }

func (f *fakeAdapter) Exists(context.Context, Locator) (bool, error) { return false, nil }

func TestNewRouter_DispatchByProvider(t *testing.T) {
	local := &fakeAdapter{provider: ProviderLocal}
	gdrive := &fakeAdapter{provider: ProviderGDrive}

	r, err := NewRouter(ProviderLocal, local, gdrive)
	require.NoError(t, err)

	assert.Equal(t, ProviderLocal, r.ActiveProvider())
	assert.Same(t, local, r.Active())

	got, err := r.Adapter(ProviderGDrive)
	require.NoError(t, err)
	assert.Same(t, gdrive, got)
}

func TestNewRouter_ActiveNotRegistered(t *testing.T) {
	_, err := NewRouter(ProviderOneDrive, &fakeAdapter{provider: ProviderLocal})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "onedrive")
}

func TestNewRouter_DuplicateAdapter(t *testing.T) {
	_, err := NewRouter(ProviderLocal,
		&fakeAdapter{provider: ProviderLocal},
		&fakeAdapter{provider: ProviderLocal},
	)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate")
}

func TestRouter_UnknownProvider(t *testing.T) {
	r, err := NewRouter(ProviderLocal, &fakeAdapter{provider: ProviderLocal})
	require.NoError(t, err)

	_, err = r.Adapter(ProviderGDrive)
	require.Error(t, err)
}

func TestParseProvider(t *testing.T) {
	for _, valid := range []string{"local", "gdrive", "onedrive"} {
		p, err := ParseProvider(valid)
		require.NoError(t, err)
		assert.Equal(t, Provider(valid), p)
	}

	_, err := ParseProvider("s3")
	require.Error(t, err)
}

func TestLocator_StringRedactsKey(t *testing.T) {
	loc := Locator{Provider: ProviderGDrive, Key: "1a2b3c-native-file-id"}

	assert.NotContains(t, loc.String(), "1a2b3c")
	assert.Contains(t, loc.String(), "gdrive")
}

func TestBackendError_Unwrap(t *testing.T) {
	be := &BackendError{
		Provider:   ProviderOneDrive,
		StatusCode: 503,
		RequestID:  "req-1",
		Message:    "service unavailable",
		Err:        ErrStorageUnavailable,
	}

	assert.ErrorIs(t, be, ErrStorageUnavailable)
	assert.Contains(t, be.Error(), "req-1")
	assert.Contains(t, be.Error(), "503")
}
