package credential

import (
	"context"

	"github.com/studyshelf/studyshelf/internal/storage"
)

// Bound is a per-provider view of the Manager, for adapters that take a
// context per call rather than oauth2.TokenSource's context-free shape.
type Bound struct {
	m        *Manager
	provider storage.Provider
}

// Bind returns a Bound token source for one provider.
func (m *Manager) Bind(provider storage.Provider) *Bound {
	return &Bound{m: m, provider: provider}
}

// Token returns a currently valid access token for the bound provider.
func (b *Bound) Token(ctx context.Context) (string, error) {
	return b.m.Token(ctx, b.provider)
}
