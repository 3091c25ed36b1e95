package grant

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/studyshelf/studyshelf/internal/catalog"
	"github.com/studyshelf/studyshelf/internal/storage"
)

// memStore is an in-memory catalog.Store for resolver tests.
type memStore struct {
	resources map[string]*catalog.Resource
	downloads map[string]int
}

func newMemStore(resources ...*catalog.Resource) *memStore {
	s := &memStore{
		resources: make(map[string]*catalog.Resource),
		downloads: make(map[string]int),
	}

	for _, r := range resources {
		s.resources[r.ID] = r
	}

	return s
}

func (s *memStore) Get(_ context.Context, id string) (*catalog.Resource, error) {
	res, ok := s.resources[id]
	if !ok {
		return nil, catalog.ErrNotFound
	}

	return res, nil
}

func (s *memStore) Create(_ context.Context, res *catalog.Resource) error {
	s.resources[res.ID] = res

	return nil
}

func (s *memStore) Delete(_ context.Context, id string) error {
	delete(s.resources, id)

	return nil
}

func (s *memStore) FindByDigest(_ context.Context, digest string) (*catalog.Resource, error) {
	for _, r := range s.resources {
		if r.Digest == digest {
			return r, nil
		}
	}

	return nil, catalog.ErrNotFound
}

func (s *memStore) CountByLocator(_ context.Context, loc storage.Locator) (int64, error) {
	var n int64

	for _, r := range s.resources {
		if r.Provider == loc.Provider && r.Key == loc.Key {
			n++
		}
	}

	return n, nil
}

func (s *memStore) MarkDownloaded(_ context.Context, id string) error {
	s.downloads[id]++

	return nil
}

func (s *memStore) List(_ context.Context) ([]*catalog.Resource, error) {
	out := make([]*catalog.Resource, 0, len(s.resources))
	for _, r := range s.resources {
		out = append(out, r)
	}

	return out, nil
}

// stubAdapter returns a fixed retrieval for every locator.
type stubAdapter struct {
	provider  storage.Provider
	retrieval storage.Retrieval
}

func (a *stubAdapter) Provider() storage.Provider { return a.provider }

func (a *stubAdapter) Put(_ context.Context, _ storage.PutRequest) (storage.Locator, error) {
	return storage.Locator{}, nil
}

func (a *stubAdapter) Resolve(_ context.Context, _ storage.Locator) (storage.Retrieval, error) {
	return a.retrieval, nil
}

func (a *stubAdapter) Delete(_ context.Context, _ storage.Locator) error { return nil }

func (a *stubAdapter) Exists(_ context.Context, _ storage.Locator) (bool, error) {
	return true, nil
}

func resource(id, owner string, vis catalog.Visibility) *catalog.Resource {
	return &catalog.Resource{
		ID:         id,
		OwnerID:    owner,
		Provider:   storage.ProviderLocal,
		Key:        "cu-1/" + id + ".pdf",
		Visibility: vis,
	}
}

func newTestResolver(t *testing.T, store catalog.Store, retrieval storage.Retrieval) *Resolver {
	t.Helper()

	router, err := storage.NewRouter(storage.ProviderLocal,
		&stubAdapter{provider: storage.ProviderLocal, retrieval: retrieval})
	require.NoError(t, err)

	return NewResolver(store, router, Config{TTL: time.Minute, MaxOutstanding: 16}, nil)
}

func TestResolveDownload_OwnerGetsPrivateResource(t *testing.T) {
	store := newMemStore(resource("res-1", "user-1", catalog.VisibilityPrivate))
	r := newTestResolver(t, store, storage.Retrieval{Path: "/data/cu-1/res-1.pdf"})

	g, err := r.ResolveDownload(context.Background(), Principal{ID: "user-1"}, "res-1")
	require.NoError(t, err)

	assert.NotEmpty(t, g.Token)
	assert.Equal(t, "res-1", g.ResourceID)
	assert.Equal(t, "/data/cu-1/res-1.pdf", g.Retrieval.Path)
	assert.WithinDuration(t, time.Now().Add(time.Minute), g.ExpiresAt, 5*time.Second)
	assert.Equal(t, 1, store.downloads["res-1"], "download counter must tick")
}

func TestResolveDownload_NonOwnerDeniedPrivateResource(t *testing.T) {
	store := newMemStore(resource("res-1", "user-1", catalog.VisibilityPrivate))
	r := newTestResolver(t, store, storage.Retrieval{Path: "/x"})

	_, err := r.ResolveDownload(context.Background(), Principal{ID: "user-2"}, "res-1")
	assert.ErrorIs(t, err, ErrNotAccessible)
	assert.Equal(t, 0, store.downloads["res-1"])
}

func TestResolveDownload_AdminBypassesOwnership(t *testing.T) {
	store := newMemStore(resource("res-1", "user-1", catalog.VisibilityPrivate))
	r := newTestResolver(t, store, storage.Retrieval{Path: "/x"})

	_, err := r.ResolveDownload(context.Background(), Principal{ID: "admin-9", IsAdmin: true}, "res-1")
	assert.NoError(t, err)
}

func TestResolveDownload_PublicResourceOpenToAnyone(t *testing.T) {
	store := newMemStore(resource("res-1", "user-1", catalog.VisibilityPublic))
	r := newTestResolver(t, store, storage.Retrieval{Path: "/x"})

	_, err := r.ResolveDownload(context.Background(), Principal{ID: "user-2"}, "res-1")
	assert.NoError(t, err)
}

func TestResolveDownload_MissingAndForbiddenAreIndistinguishable(t *testing.T) {
	store := newMemStore(resource("res-1", "user-1", catalog.VisibilityPrivate))
	r := newTestResolver(t, store, storage.Retrieval{Path: "/x"})

	p := Principal{ID: "user-2"}

	_, errForbidden := r.ResolveDownload(context.Background(), p, "res-1")
	_, errMissing := r.ResolveDownload(context.Background(), p, "no-such-resource")

	require.Error(t, errForbidden)
	require.Error(t, errMissing)
	assert.Equal(t, errForbidden.Error(), errMissing.Error(), "denial must not leak existence")
	assert.ErrorIs(t, errForbidden, ErrNotAccessible)
	assert.ErrorIs(t, errMissing, ErrNotAccessible)
}

func TestRedeem_RoundTrip(t *testing.T) {
	store := newMemStore(resource("res-1", "user-1", catalog.VisibilityPrivate))
	r := newTestResolver(t, store, storage.Retrieval{URL: "https://dl.example/x"})

	g, err := r.ResolveDownload(context.Background(), Principal{ID: "user-1"}, "res-1")
	require.NoError(t, err)

	got, err := r.Redeem(g.Token)
	require.NoError(t, err)
	assert.Equal(t, g.Retrieval.URL, got.Retrieval.URL)

	// TTL-only grants stay redeemable more than once within the window.
	_, err = r.Redeem(g.Token)
	assert.NoError(t, err)
}

func TestRedeem_UnknownToken(t *testing.T) {
	store := newMemStore()
	r := newTestResolver(t, store, storage.Retrieval{})

	_, err := r.Redeem("not-a-token")
	assert.ErrorIs(t, err, ErrGrantExpired)
}

func TestRedeem_ExpiredGrant(t *testing.T) {
	store := newMemStore(resource("res-1", "user-1", catalog.VisibilityPrivate))

	// Backend URL already expired: the grant TTL clamps to it.
	r := newTestResolver(t, store, storage.Retrieval{
		URL:       "https://dl.example/x",
		ExpiresAt: time.Now().Add(-time.Second),
	})

	g, err := r.ResolveDownload(context.Background(), Principal{ID: "user-1"}, "res-1")
	require.NoError(t, err)

	_, err = r.Redeem(g.Token)
	assert.ErrorIs(t, err, ErrGrantExpired)
}

func TestInvalidateResource_DropsOnlyThatResource(t *testing.T) {
	store := newMemStore(
		resource("res-1", "user-1", catalog.VisibilityPrivate),
		resource("res-2", "user-1", catalog.VisibilityPrivate),
	)
	r := newTestResolver(t, store, storage.Retrieval{URL: "https://dl.example/x"})

	p := Principal{ID: "user-1"}

	g1a, err := r.ResolveDownload(context.Background(), p, "res-1")
	require.NoError(t, err)
	g1b, err := r.ResolveDownload(context.Background(), p, "res-1")
	require.NoError(t, err)
	g2, err := r.ResolveDownload(context.Background(), p, "res-2")
	require.NoError(t, err)

	r.InvalidateResource("res-1")

	_, err = r.Redeem(g1a.Token)
	assert.ErrorIs(t, err, ErrGrantExpired)
	_, err = r.Redeem(g1b.Token)
	assert.ErrorIs(t, err, ErrGrantExpired)

	_, err = r.Redeem(g2.Token)
	assert.NoError(t, err, "grants for other resources must survive")
}
