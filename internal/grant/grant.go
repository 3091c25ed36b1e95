// Package grant decides whether a principal may download a resource and, when
// allowed, mints a short-lived opaque grant that can be redeemed for the
// actual retrieval (local path or provider URL). Denials never reveal whether
// the resource exists.
package grant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/studyshelf/studyshelf/internal/catalog"
	"github.com/studyshelf/studyshelf/internal/storage"
)

// ErrNotAccessible is returned for both missing and forbidden resources, so a
// caller cannot probe for existence.
var ErrNotAccessible = errors.New("grant: resource not accessible")

// ErrGrantExpired is returned when a token is unknown, expired, or
// invalidated.
var ErrGrantExpired = errors.New("grant: grant expired or unknown")

// Principal identifies the caller. Authentication happens upstream; this
// package only consumes the result.
type Principal struct {
	ID      string
	IsAdmin bool
}

// Grant is a redeemable download authorization.
type Grant struct {
	Token      string
	ResourceID string
	ExpiresAt  time.Time
	Retrieval  storage.Retrieval
}

// Config for the resolver.
type Config struct {
	// TTL bounds grant lifetime. Grants are reusable within the TTL.
	TTL time.Duration
	// MaxOutstanding caps cached grants; the oldest are evicted beyond it.
	MaxOutstanding int
}

// Resolver enforces the access policy and manages outstanding grants.
type Resolver struct {
	store  catalog.Store
	router *storage.Router
	ttl    time.Duration
	logger *slog.Logger

	// grants is safe for concurrent use on its own.
	grants *expirable.LRU[string, *Grant]

	// indexMu guards byResource, which tracks outstanding tokens per
	// resource for invalidation. Updated from the LRU eviction callback
	// too, which the LRU may fire from its purge goroutine.
	indexMu    sync.Mutex
	byResource map[string]map[string]struct{}
}

// NewResolver creates a Resolver. Zero config fields fall back to a 5 minute
// TTL and 1024 outstanding grants.
func NewResolver(store catalog.Store, router *storage.Router, cfg Config, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}

	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}

	maxOutstanding := cfg.MaxOutstanding
	if maxOutstanding <= 0 {
		maxOutstanding = 1024
	}

	r := &Resolver{
		store:      store,
		router:     router,
		ttl:        ttl,
		logger:     logger,
		byResource: make(map[string]map[string]struct{}),
	}

	// The eviction callback keeps the per-resource index in sync when the
	// LRU drops entries by TTL, capacity, or explicit removal.
	r.grants = expirable.NewLRU(maxOutstanding, func(token string, g *Grant) {
		r.dropIndex(g.ResourceID, token)
	}, ttl)

	return r
}

// ResolveDownload applies the access policy and mints a grant.
// Policy: admins may download anything; public resources are open to any
// principal; private resources only to their owner. A missing resource and a
// forbidden one produce the same error.
func (r *Resolver) ResolveDownload(ctx context.Context, p Principal, resourceID string) (*Grant, error) {
	res, err := r.store.Get(ctx, resourceID)
	if errors.Is(err, catalog.ErrNotFound) {
		return nil, ErrNotAccessible
	}

	if err != nil {
		return nil, fmt.Errorf("grant: loading resource: %w", err)
	}

	if !allowed(p, res) {
		r.logger.Info("download denied",
			slog.String("resource_id", resourceID),
			slog.String("principal_id", p.ID),
		)

		return nil, ErrNotAccessible
	}

	adapter, err := r.router.Adapter(res.Provider)
	if err != nil {
		return nil, fmt.Errorf("grant: %w", err)
	}

	retrieval, err := adapter.Resolve(ctx, res.Locator())
	if err != nil {
		return nil, fmt.Errorf("grant: resolving retrieval: %w", err)
	}

	g := &Grant{
		Token:      uuid.NewString(),
		ResourceID: resourceID,
		ExpiresAt:  time.Now().Add(r.effectiveTTL(retrieval)),
		Retrieval:  retrieval,
	}

	// Index before Add: if Add evicts this same token's entry later, the
	// eviction callback finds the index entry to drop.
	r.addIndex(resourceID, g.Token)
	r.grants.Add(g.Token, g)

	if err := r.store.MarkDownloaded(ctx, resourceID); err != nil {
		// The grant stands; the counter is best-effort bookkeeping.
		r.logger.Warn("download counter update failed",
			slog.String("resource_id", resourceID),
			slog.String("error", err.Error()),
		)
	}

	r.logger.Debug("grant issued",
		slog.String("resource_id", resourceID),
		slog.Time("expires_at", g.ExpiresAt),
	)

	return g, nil
}

// effectiveTTL clamps the grant TTL to the backend URL's own expiry, so a
// redeemed grant never hands out an already dead URL.
func (r *Resolver) effectiveTTL(ret storage.Retrieval) time.Duration {
	if ret.ExpiresAt.IsZero() {
		return r.ttl
	}

	until := time.Until(ret.ExpiresAt)
	if until < r.ttl {
		return until
	}

	return r.ttl
}

func allowed(p Principal, res *catalog.Resource) bool {
	if p.IsAdmin {
		return true
	}

	if res.Visibility == catalog.VisibilityPublic {
		return true
	}

	return res.OwnerID != "" && res.OwnerID == p.ID
}

// Redeem exchanges a token for its grant. Grants stay redeemable until their
// TTL runs out; expiry and unknown tokens are indistinguishable.
func (r *Resolver) Redeem(token string) (*Grant, error) {
	g, ok := r.grants.Get(token)
	if !ok || time.Now().After(g.ExpiresAt) {
		return nil, ErrGrantExpired
	}

	return g, nil
}

// InvalidateResource drops every outstanding grant for one resource. Called
// when the resource is deleted; grants for other resources are untouched.
func (r *Resolver) InvalidateResource(resourceID string) {
	r.indexMu.Lock()
	tokens := make([]string, 0, len(r.byResource[resourceID]))

	for token := range r.byResource[resourceID] {
		tokens = append(tokens, token)
	}
	r.indexMu.Unlock()

	// Remove outside the index lock: each Remove fires the eviction
	// callback, which takes indexMu itself.
	for _, token := range tokens {
		r.grants.Remove(token)
	}
}

func (r *Resolver) addIndex(resourceID, token string) {
	r.indexMu.Lock()
	defer r.indexMu.Unlock()

	tokens, ok := r.byResource[resourceID]
	if !ok {
		tokens = make(map[string]struct{})
		r.byResource[resourceID] = tokens
	}

	tokens[token] = struct{}{}
}

func (r *Resolver) dropIndex(resourceID, token string) {
	r.indexMu.Lock()
	defer r.indexMu.Unlock()

	tokens, ok := r.byResource[resourceID]
	if !ok {
		return
	}

	delete(tokens, token)

	if len(tokens) == 0 {
		delete(r.byResource, resourceID)
	}
}
