package engine

import (
	"slices"
	"sync"
)

// ServiceType names a kind of shared service a module can declare
type ServiceType string

// Built-in service types
const (
	ServiceBus     ServiceType = "bus"
	ServiceKV      ServiceType = "kv"
	ServiceCache   ServiceType = "cache"
	ServiceWorkers ServiceType = "workers"
	ServiceFacts   ServiceType = "facts"
)

var staticRequirements = map[ServiceType][]ServiceType{
	ServiceFacts: {ServiceBus},
}

// StaticServiceRequirements returns the service types t always needs,
// independent of configuration.
func StaticServiceRequirements(t ServiceType) []ServiceType {
	return slices.Clone(staticRequirements[t])
}

type serviceEntry struct {
	service  ServiceType
	adapter  string
	instance any
}

// ServiceRegistry holds the service instances of one Engine. An instance is
// present only for service types in the resolved set.
type ServiceRegistry struct {
	mu      sync.RWMutex
	entries map[ServiceType]serviceEntry
	order   []ServiceType
}

func newServiceRegistry() *ServiceRegistry {
	return &ServiceRegistry{entries: make(map[ServiceType]serviceEntry)}
}

// Lookup returns the instance for t. ok is false when t was not constructed.
func (r *ServiceRegistry) Lookup(t ServiceType) (any, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[t]
	return e.instance, ok
}

// Adapter returns the adapter name t was constructed with
func (r *ServiceRegistry) Adapter(t ServiceType) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[t]
	return e.adapter, ok
}

// Types returns the constructed service types in construction order
func (r *ServiceRegistry) Types() []ServiceType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.order)
}

func (r *ServiceRegistry) put(t ServiceType, adapter string, instance any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[t] = serviceEntry{service: t, adapter: adapter, instance: instance}
	r.order = append(r.order, t)
}

// reset empties the registry and returns its entries in reverse construction order.
func (r *ServiceRegistry) reset() []serviceEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]serviceEntry, 0, len(r.order))
	for i := len(r.order) - 1; i >= 0; i-- {
		out = append(out, r.entries[r.order[i]])
	}
	clear(r.entries)
	r.order = nil
	return out
}
