package partner

import (
	"fmt"
	"sort"
	"sync"
)

// Registry holds partner adapters keyed by partner ID
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// DefaultRegistry is populated by adapter packages at init time
var DefaultRegistry = NewRegistry()

// RegisterAdapter adds an adapter to the default registry
func RegisterAdapter(a Adapter) error {
	return DefaultRegistry.Register(a)
}

// Register adds an adapter. Registering the same partner ID twice is an error.
func (r *Registry) Register(a Adapter) error {
	if a == nil {
		return fmt.Errorf("adapter is nil")
	}
	id := a.PartnerID()
	if id == "" {
		return fmt.Errorf("adapter has empty partner ID")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.adapters[id]; exists {
		return fmt.Errorf("adapter %q already registered", id)
	}
	r.adapters[id] = a
	return nil
}

// Get returns the adapter for a partner ID
func (r *Registry) Get(partnerID string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[partnerID]
	return a, ok
}

// ListPartners returns registered partner IDs in sorted order
func (r *Registry) ListPartners() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.adapters))
	for id := range r.adapters {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
