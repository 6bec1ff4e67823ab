// Package registry holds the process's registered collection sources.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/opencollect/opencollect/internal/source"
)

// ErrDuplicateSource is returned when a source id is registered twice.
var ErrDuplicateSource = errors.New("duplicate source id")

// ErrSourceNotFound is returned by lookups for an unregistered source id.
var ErrSourceNotFound = errors.New("source not found")

// Registry maps source ids to definitions. The composition root builds it
// once at startup and reads it thereafter; the lock exists because tests
// may register while lookups run.
type Registry struct {
	mu      sync.RWMutex
	sources map[string]*source.Definition
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		sources: make(map[string]*source.Definition),
	}
}

// Register adds a source definition. It fails loudly on a duplicate id or
// an invalid definition so that a misconfigured source never silently
// no-ops for the process lifetime.
func (r *Registry) Register(def *source.Definition) error {
	if def == nil {
		return fmt.Errorf("source definition is nil")
	}
	if err := def.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sources[def.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateSource, def.ID)
	}
	r.sources[def.ID] = def
	return nil
}

// Get returns the definition for id and whether it exists.
func (r *Registry) Get(id string) (*source.Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.sources[id]
	return def, ok
}

// All returns every registered definition, ordered by id.
func (r *Registry) All() []*source.Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]*source.Definition, 0, len(r.sources))
	for _, def := range r.sources {
		defs = append(defs, def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].ID < defs[j].ID })
	return defs
}

// Len returns the number of registered sources.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sources)
}
