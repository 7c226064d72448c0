// Package registry tracks connected backends, aggregates their tool
// catalogs under namespaced names, and routes namespaced calls back to the
// owning backend.
package registry

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/porterolabs/portero/internal/backend"
)

// Backend is one connected tool provider. Pinned, when non-nil, is the
// configured set of local tool names published by default; tools outside
// it surface only after use (see Aggregator.Published).
type Backend struct {
	Name       string
	Dispatcher backend.Dispatcher
	Pinned     []string
}

func (b *Backend) pinnedSet() map[string]struct{} {
	if b.Pinned == nil {
		return nil
	}
	set := make(map[string]struct{}, len(b.Pinned))
	for _, name := range b.Pinned {
		set[name] = struct{}{}
	}
	return set
}

// Registry holds the connected backends and the process-wide set of
// recently used namespaced tool names. Both are shared across requests
// and guarded by a single lock; access is read-mostly.
type Registry struct {
	mu       sync.RWMutex
	backends map[string]*Backend
	order    []string
	recent   map[string]struct{}
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		backends: make(map[string]*Backend),
		recent:   make(map[string]struct{}),
	}
}

// Add registers a backend under its name. Re-adding a name replaces the
// previous handle.
func (r *Registry) Add(b *Backend) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.backends[b.Name]; !ok {
		r.order = append(r.order, b.Name)
	}
	r.backends[b.Name] = b
}

// Get returns the backend registered under name.
func (r *Registry) Get(name string) (*Backend, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.backends[name]
	return b, ok
}

// Names returns all backend names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Len returns the number of registered backends.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.backends)
}

// MarkUsed inserts a fully namespaced tool name into the recency set,
// promoting it into the published catalog for backends with pinned sets.
func (r *Registry) MarkUsed(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recent[name] = struct{}{}
}

// RecentlyUsed reports whether a namespaced tool name has been used.
func (r *Registry) RecentlyUsed(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.recent[name]
	return ok
}

// RecentNames returns the recency set sorted, for status reporting.
func (r *Registry) RecentNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.recent))
	for name := range r.recent {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// anyPinned reports whether at least one backend declares a pinned set.
func (r *Registry) anyPinned() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, b := range r.backends {
		if b.Pinned != nil {
			return true
		}
	}
	return false
}

// CloseAll tears down every backend transport.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, b := range r.backends {
		if err := b.Dispatcher.Close(); err != nil {
			slog.Warn("close backend", "backend", name, "error", err)
		}
	}
	r.backends = make(map[string]*Backend)
	r.order = nil
}
