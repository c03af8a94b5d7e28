package source

import (
	"errors"
	"sort"
	"sync"
)

// ErrNotFound is returned when a source ID is not registered.
var ErrNotFound = errors.New("source not found")

// Registry holds the configured sources. It is safe for concurrent use;
// the scheduler reads it on every tick while the API and the config
// reloader may update it.
type Registry struct {
	mu      sync.RWMutex
	sources map[string]*Source
	version uint64
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{sources: make(map[string]*Source)}
}

// List returns the registered sources sorted by ID. With enabledOnly set,
// disabled sources are omitted.
func (r *Registry) List(enabledOnly bool) []*Source {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Source, 0, len(r.sources))
	for _, s := range r.sources {
		if enabledOnly && !s.Enabled {
			continue
		}
		cp := *s
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Get returns the source with the given ID or ErrNotFound.
func (r *Registry) Get(id string) (*Source, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sources[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

// Upsert validates and stores a source, replacing any existing definition
// with the same ID. The stored copy is returned.
func (r *Registry) Upsert(s *Source) (*Source, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cp := *s
	r.sources[cp.ID] = &cp
	r.version++
	out := cp
	return &out, nil
}

// Disable marks a source as disabled. Used when a source turns out to be
// misconfigured at runtime; its history is retained.
func (r *Registry) Disable(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sources[id]
	if !ok {
		return ErrNotFound
	}
	if s.Enabled {
		s.Enabled = false
		r.version++
	}
	return nil
}

// Replace atomically swaps the full source set, typically after a config
// reload. Invalid definitions are rejected wholesale so a bad reload never
// half-applies.
func (r *Registry) Replace(sources []*Source) error {
	next := make(map[string]*Source, len(sources))
	for _, s := range sources {
		if err := s.Validate(); err != nil {
			return err
		}
		cp := *s
		next[cp.ID] = &cp
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources = next
	r.version++
	return nil
}

// Version increases on every mutation. The scheduler uses it to notice
// source-set changes without diffing.
func (r *Registry) Version() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.version
}
