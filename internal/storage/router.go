package storage

import "fmt"

// Router dispatches storage operations to the adapter registered for each
// provider. It owns no state beyond the immutable registration map built at
// startup, so a single Router is shared freely across concurrent requests.
//
// The active provider is where new uploads land; resolution and deletion go
// to whichever provider a resource's locator names, so resources stored under
// a previously configured provider remain reachable after a switch.
type Router struct {
	adapters map[Provider]Adapter
	active   Provider
}

// NewRouter builds a Router from the given adapters. active selects the
// provider for new uploads and must be among the registered adapters.
func NewRouter(active Provider, adapters ...Adapter) (*Router, error) {
	m := make(map[Provider]Adapter, len(adapters))

	for _, a := range adapters {
		p := a.Provider()
		if _, dup := m[p]; dup {
			return nil, fmt.Errorf("storage: duplicate adapter for provider %q", p)
		}

		m[p] = a
	}

	if _, ok := m[active]; !ok {
		return nil, fmt.Errorf("storage: no adapter registered for active provider %q", active)
	}

	return &Router{adapters: m, active: active}, nil
}

// Adapter returns the adapter for the given provider.
func (r *Router) Adapter(p Provider) (Adapter, error) {
	a, ok := r.adapters[p]
	if !ok {
		return nil, fmt.Errorf("storage: no adapter registered for provider %q", p)
	}

	return a, nil
}

// Active returns the adapter that receives new uploads.
func (r *Router) Active() Adapter {
	return r.adapters[r.active]
}

// ActiveProvider returns the provider configured for new uploads.
func (r *Router) ActiveProvider() Provider {
	return r.active
}
