// Package credential owns OAuth credential state for the cloud storage
// backends. It is the only component that mutates tokens: adapters ask it for
// a currently valid access token and never see refresh tokens or service
// account keys.
//
// Per-provider lifecycle: Uninitialized -> Valid -> Expiring -> Refreshing ->
// Valid (loop), or -> Invalid (terminal) when the authorization server
// rejects the refresh. Invalid requires operator re-authorization; until then
// every call for that provider fails fast without touching the network.
package credential

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/studyshelf/studyshelf/internal/storage"
)

// ErrNotRegistered is returned when no credential source exists for a provider.
var ErrNotRegistered = errors.New("credential: provider not registered")

// State is the lifecycle state of one provider's credential.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateValid         State = "valid"
	StateExpiring      State = "expiring"
	StateRefreshing    State = "refreshing"
	StateInvalid       State = "invalid"
)

// Source performs the actual token acquisition against the authorization
// server: a refresh-token exchange or a service-account mint. Implementations
// must be safe for sequential reuse; the manager guarantees at most one
// Refresh per provider is in flight at a time.
type Source interface {
	Refresh(ctx context.Context) (*oauth2.Token, error)
}

// PersistFunc saves a freshly acquired token (e.g. to a token file). A nil
// PersistFunc means the token is held in memory only. Persist failures are
// logged, not fatal — the in-memory token is still usable.
type PersistFunc func(*oauth2.Token) error

// Default tuning. The refresh margin makes callers refresh slightly before
// expiry so an adapter never sends a token that dies mid-request.
const (
	defaultRefreshMargin = 2 * time.Minute
	defaultBaseBackoff   = 1 * time.Second
	defaultMaxRetries    = 3
)

type providerState struct {
	mu      sync.Mutex
	state   State
	token   *oauth2.Token
	source  Source
	persist PersistFunc
}

// Manager holds and refreshes OAuth credentials per provider. Providers
// refresh independently: mutual exclusion is scoped per provider via the
// singleflight group keyed on the provider name.
type Manager struct {
	mu        sync.RWMutex
	providers map[storage.Provider]*providerState

	group  singleflight.Group
	logger *slog.Logger

	refreshMargin time.Duration
	baseBackoff   time.Duration
	maxRetries    uint64
}

// Option configures a Manager.
type Option func(*Manager)

// WithRefreshMargin sets how long before expiry a token counts as expiring.
func WithRefreshMargin(d time.Duration) Option {
	return func(m *Manager) { m.refreshMargin = d }
}

// WithBackoff sets the base backoff between refresh retries.
// Tests shrink this to avoid real delays.
func WithBackoff(d time.Duration) Option {
	return func(m *Manager) { m.baseBackoff = d }
}

// WithMaxRetries bounds refresh retry attempts before the provider
// transitions to Invalid or the transient error surfaces.
func WithMaxRetries(n uint64) Option {
	return func(m *Manager) { m.maxRetries = n }
}

// NewManager creates an empty Manager. Providers are attached with Register.
func NewManager(logger *slog.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = slog.Default()
	}

	m := &Manager{
		providers:     make(map[storage.Provider]*providerState),
		logger:        logger,
		refreshMargin: defaultRefreshMargin,
		baseBackoff:   defaultBaseBackoff,
		maxRetries:    defaultMaxRetries,
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Register attaches a credential source for a provider. initial may carry a
// previously persisted token so a still-valid access token survives process
// restarts without a refresh round trip.
func (m *Manager) Register(provider storage.Provider, source Source, initial *oauth2.Token, persist PersistFunc) {
	ps := &providerState{
		state:   StateUninitialized,
		source:  source,
		persist: persist,
	}

	if initial != nil {
		ps.token = initial
		ps.state = StateValid
	}

	m.mu.Lock()
	m.providers[provider] = ps
	m.mu.Unlock()

	m.logger.Debug("credential source registered",
		slog.String("provider", string(provider)),
		slog.Bool("has_initial_token", initial != nil),
	)
}

// State reports the lifecycle state of a provider's credential.
func (m *Manager) State(provider storage.Provider) State {
	ps := m.lookup(provider)
	if ps == nil {
		return StateUninitialized
	}

	ps.mu.Lock()
	defer ps.mu.Unlock()

	return ps.state
}

// Token returns a currently valid access token for the provider, refreshing
// transparently when the cached token is absent or inside the refresh margin.
// Concurrent callers during a refresh share a single in-flight refresh.
func (m *Manager) Token(ctx context.Context, provider storage.Provider) (string, error) {
	ps := m.lookup(provider)
	if ps == nil {
		return "", fmt.Errorf("%w: %s", ErrNotRegistered, provider)
	}

	ps.mu.Lock()

	if ps.state == StateInvalid {
		ps.mu.Unlock()
		return "", fmt.Errorf("credential: %s requires re-authorization: %w", provider, storage.ErrCredentialsInvalid)
	}

	if tok := ps.token; tok != nil && m.fresh(tok) {
		access := tok.AccessToken
		ps.mu.Unlock()

		return access, nil
	}

	if ps.token != nil {
		ps.state = StateExpiring
	}

	ps.mu.Unlock()

	// Exactly one refresh per provider; everyone else awaits its result.
	result, err, _ := m.group.Do(string(provider), func() (any, error) {
		return m.refresh(ctx, provider, ps)
	})
	if err != nil {
		return "", err
	}

	tok, ok := result.(*oauth2.Token)
	if !ok {
		return "", fmt.Errorf("credential: unexpected refresh result type %T", result)
	}

	return tok.AccessToken, nil
}

// fresh reports whether a token is still usable outside the refresh margin.
func (m *Manager) fresh(tok *oauth2.Token) bool {
	if tok.AccessToken == "" {
		return false
	}

	if tok.Expiry.IsZero() {
		return true
	}

	return time.Until(tok.Expiry) > m.refreshMargin
}

// refresh acquires a new token with bounded exponential backoff. A rejection
// by the authorization server (HTTP 400/401, e.g. a revoked refresh token) is
// permanent: the provider degrades to Invalid and subsequent calls fail fast.
func (m *Manager) refresh(ctx context.Context, provider storage.Provider, ps *providerState) (*oauth2.Token, error) {
	ps.mu.Lock()

	// Another waiter may have completed the refresh while we queued.
	if tok := ps.token; tok != nil && m.fresh(tok) {
		ps.mu.Unlock()
		return tok, nil
	}

	ps.state = StateRefreshing
	source := ps.source
	ps.mu.Unlock()

	m.logger.Info("refreshing credential", slog.String("provider", string(provider)))

	var tok *oauth2.Token

	backoff := retry.WithMaxRetries(m.maxRetries, retry.NewExponential(m.baseBackoff))

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		var refreshErr error

		tok, refreshErr = source.Refresh(ctx)
		if refreshErr == nil {
			return nil
		}

		if isRejection(refreshErr) {
			// Permanent: do not burn retries on a revoked grant.
			return refreshErr
		}

		m.logger.Warn("credential refresh failed, will retry",
			slog.String("provider", string(provider)),
			slog.String("error", refreshErr.Error()),
		)

		return retry.RetryableError(refreshErr)
	})
	if err != nil {
		return nil, m.refreshFailed(provider, ps, err)
	}

	ps.mu.Lock()
	ps.token = tok
	ps.state = StateValid
	persist := ps.persist
	ps.mu.Unlock()

	m.logger.Info("credential refreshed",
		slog.String("provider", string(provider)),
		slog.Time("expiry", tok.Expiry),
	)

	if persist != nil {
		if persistErr := persist(tok); persistErr != nil {
			m.logger.Warn("failed to persist refreshed credential",
				slog.String("provider", string(provider)),
				slog.String("error", persistErr.Error()),
			)
		}
	}

	return tok, nil
}

// refreshFailed classifies a terminal refresh error and updates state.
func (m *Manager) refreshFailed(provider storage.Provider, ps *providerState, err error) error {
	if isRejection(err) {
		ps.mu.Lock()
		ps.state = StateInvalid
		ps.token = nil
		ps.mu.Unlock()

		m.logger.Error("credential rejected by authorization server, operator intervention required",
			slog.String("provider", string(provider)),
			slog.String("error", err.Error()),
		)

		return fmt.Errorf("credential: %s refresh rejected: %w", provider, storage.ErrCredentialsInvalid)
	}

	ps.mu.Lock()
	ps.state = StateExpiring
	ps.mu.Unlock()

	return fmt.Errorf("credential: refreshing %s: %w: %w", provider, storage.ErrStorageUnavailable, err)
}

// Reauthorize replaces a provider's source after operator intervention
// (a fresh login), clearing the Invalid state.
func (m *Manager) Reauthorize(provider storage.Provider, source Source, initial *oauth2.Token) error {
	ps := m.lookup(provider)
	if ps == nil {
		return fmt.Errorf("%w: %s", ErrNotRegistered, provider)
	}

	ps.mu.Lock()
	defer ps.mu.Unlock()

	ps.source = source
	ps.token = initial
	ps.state = StateUninitialized

	if initial != nil {
		ps.state = StateValid
	}

	m.logger.Info("credential re-authorized", slog.String("provider", string(provider)))

	return nil
}

func (m *Manager) lookup(provider storage.Provider) *providerState {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.providers[provider]
}

// isRejection reports whether the authorization server definitively rejected
// the grant (revoked or malformed), as opposed to a transient failure.
func isRejection(err error) bool {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		return re.Response != nil &&
			(re.Response.StatusCode == http.StatusBadRequest || re.Response.StatusCode == http.StatusUnauthorized)
	}

	return false
}

// TokenSource adapts the manager to oauth2.TokenSource for one provider, so
// SDK clients (the Drive service) can pull tokens through the manager's
// lifecycle instead of managing their own.
func (m *Manager) TokenSource(ctx context.Context, provider storage.Provider) oauth2.TokenSource {
	return &managerTokenSource{ctx: ctx, m: m, provider: provider}
}

type managerTokenSource struct {
	ctx      context.Context //nolint:containedctx // oauth2.TokenSource has no ctx parameter
	m        *Manager
	provider storage.Provider
}

func (s *managerTokenSource) Token() (*oauth2.Token, error) {
	access, err := s.m.Token(s.ctx, s.provider)
	if err != nil {
		return nil, err
	}

	return &oauth2.Token{AccessToken: access}, nil
}
