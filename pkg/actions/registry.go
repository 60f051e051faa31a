package actions

import (
	"sort"
	"sync"

	"github.com/rendis/stateflow/pkg/schema"
)

// Registry maps action type names to factories. Registration is
// last-writer-wins so hosts can replace built-ins. Thread-safe.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
	}
}

// Register binds a factory to an action type, replacing any existing binding.
func (r *Registry) Register(actionType string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[actionType] = factory
}

// Has reports whether a factory is registered for the type.
func (r *Registry) Has(actionType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[actionType]
	return ok
}

// Types returns the registered type names in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for t := range r.factories {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Create instantiates an action for the type. An unregistered type is an
// UNKNOWN_ACTION error.
func (r *Registry) Create(actionType string, params map[string]any) (Action, error) {
	r.mu.RLock()
	factory, ok := r.factories[actionType]
	r.mu.RUnlock()
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeUnknownAction,
			"no action registered for type %q", actionType)
	}
	return factory(params)
}
