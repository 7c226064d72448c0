package registry

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/porterolabs/portero/internal/cache"
)

// DefaultCatalogTTL bounds how stale the aggregated tool catalog may be.
const DefaultCatalogTTL = 60 * time.Second

// Tool is a backend tool under its namespaced name.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`

	Backend string `json:"-"`
	Local   string `json:"-"`
}

// Resource is a backend resource with its URI namespaced as
// backend://original-uri.
type Resource struct {
	URI         string `json:"uri"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

// Aggregator produces the namespaced union of all backend catalogs and
// the filtered view published to the client. The union is cached with a
// TTL so repeated listings do not hammer the backends.
type Aggregator struct {
	reg   *Registry
	tools *cache.Cache[string, []Tool]
}

const catalogKey = "catalog"

// NewAggregator creates an Aggregator whose catalog cache expires after
// ttl (DefaultCatalogTTL when ttl <= 0).
func NewAggregator(reg *Registry, ttl time.Duration) *Aggregator {
	if ttl <= 0 {
		ttl = DefaultCatalogTTL
	}
	return &Aggregator{
		reg:   reg,
		tools: cache.New[string, []Tool](ttl),
	}
}

// All returns the unfiltered namespaced union of every backend's tools.
// Backends that fail to list are logged and skipped so one broken backend
// does not blank the whole catalog.
func (a *Aggregator) All(ctx context.Context) ([]Tool, error) {
	return a.tools.GetOrLoad(catalogKey, func() ([]Tool, error) {
		return a.load(ctx)
	})
}

func (a *Aggregator) load(ctx context.Context) ([]Tool, error) {
	var mu sync.Mutex
	byBackend := make(map[string][]Tool)

	g, gCtx := errgroup.WithContext(ctx)
	for _, name := range a.reg.Names() {
		b, ok := a.reg.Get(name)
		if !ok {
			continue
		}
		g.Go(func() error {
			tools, err := b.Dispatcher.ListTools(gCtx)
			if err != nil {
				slog.Warn("list tools", "backend", b.Name, "error", err)
				return nil
			}
			namespaced := make([]Tool, 0, len(tools))
			for _, t := range tools {
				namespaced = append(namespaced, Tool{
					Name:        b.Name + "/" + t.Name,
					Description: t.Description,
					InputSchema: t.InputSchema,
					Backend:     b.Name,
					Local:       t.Name,
				})
			}
			mu.Lock()
			byBackend[b.Name] = namespaced
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var out []Tool
	for _, name := range a.reg.Names() {
		out = append(out, byBackend[name]...)
	}
	return out, nil
}

// Published returns the filtered view exposed through tools/list. When no
// backend declares a pinned set the view equals the full union. Otherwise
// a tool is included when its backend has no pinned set, when its local
// name is pinned, or when its full name has been used this process.
func (a *Aggregator) Published(ctx context.Context) ([]Tool, error) {
	all, err := a.All(ctx)
	if err != nil {
		return nil, err
	}
	if !a.reg.anyPinned() {
		return all, nil
	}

	pinned := make(map[string]map[string]struct{})
	for _, name := range a.reg.Names() {
		if b, ok := a.reg.Get(name); ok {
			pinned[name] = b.pinnedSet()
		}
	}

	out := make([]Tool, 0, len(all))
	for _, t := range all {
		set := pinned[t.Backend]
		if set == nil {
			out = append(out, t)
			continue
		}
		if _, ok := set[t.Local]; ok {
			out = append(out, t)
			continue
		}
		if a.reg.RecentlyUsed(t.Name) {
			out = append(out, t)
		}
	}
	return out, nil
}

// Resources returns every backend's resources with namespaced URIs.
func (a *Aggregator) Resources(ctx context.Context) ([]Resource, error) {
	var mu sync.Mutex
	byBackend := make(map[string][]Resource)

	g, gCtx := errgroup.WithContext(ctx)
	for _, name := range a.reg.Names() {
		b, ok := a.reg.Get(name)
		if !ok {
			continue
		}
		g.Go(func() error {
			resources, err := b.Dispatcher.ListResources(gCtx)
			if err != nil {
				slog.Warn("list resources", "backend", b.Name, "error", err)
				return nil
			}
			namespaced := make([]Resource, 0, len(resources))
			for _, res := range resources {
				namespaced = append(namespaced, Resource{
					URI:         b.Name + "://" + res.URI,
					Name:        res.Name,
					Description: res.Description,
					MimeType:    res.MimeType,
				})
			}
			mu.Lock()
			byBackend[b.Name] = namespaced
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var out []Resource
	for _, name := range a.reg.Names() {
		out = append(out, byBackend[name]...)
	}
	return out, nil
}

// Invalidate drops the cached catalog so the next listing re-queries the
// backends.
func (a *Aggregator) Invalidate() {
	a.tools.InvalidateAll()
}

// CacheStats returns catalog cache counters for status reporting.
func (a *Aggregator) CacheStats() cache.Stats {
	return a.tools.Stats()
}
