package conditions

import "sync"

// URLMappings maps condition variable names to the URL templates used to
// fetch their values when they are not already bound in an instance's data.
// Thread-safe.
type URLMappings struct {
	mu       sync.RWMutex
	mappings map[string]string
}

// NewURLMappings creates an empty URLMappings.
func NewURLMappings() *URLMappings {
	return &URLMappings{
		mappings: make(map[string]string),
	}
}

// Add registers (or replaces) the URL template for a variable.
func (m *URLMappings) Add(variable, urlTemplate string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mappings[variable] = urlTemplate
}

// Get returns the URL template for a variable, or "" and false when no
// mapping is registered.
func (m *URLMappings) Get(variable string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	url, ok := m.mappings[variable]
	return url, ok
}
