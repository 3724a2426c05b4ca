package source

import (
	"sort"
	"sync"

	"github.com/sells-group/obit-cli/internal/model"
)

// Registry manages the constructed sources by type.
type Registry struct {
	mu      sync.RWMutex
	sources map[model.SourceType]Source
}

// NewRegistry creates an empty source registry.
func NewRegistry() *Registry {
	return &Registry{
		sources: make(map[model.SourceType]Source),
	}
}

// Register adds a source, replacing any source of the same type.
func (r *Registry) Register(s Source) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources[s.Descriptor().Type] = s
}

// Get returns a source by type, or nil if not found.
func (r *Registry) Get(t model.SourceType) Source {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sources[t]
}

// List returns all registered source types, sorted.
func (r *Registry) List() []model.SourceType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]model.SourceType, 0, len(r.sources))
	for t := range r.sources {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// Available returns the registered sources that have their configuration,
// in the given order. Unknown or unavailable types are skipped.
func (r *Registry) Available(order []model.SourceType) []Source {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Source
	for _, t := range order {
		if s, ok := r.sources[t]; ok && s.IsAvailable() {
			out = append(out, s)
		}
	}
	return out
}
