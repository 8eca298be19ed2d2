package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"github.com/c360/modkit/errors"
	"github.com/c360/modkit/metric"
	"github.com/c360/modkit/natsclient"
	"github.com/c360/modkit/types"
)

// AdapterDeps is what an adapter receives when constructing a service
type AdapterDeps struct {
	// Context lives as long as the Engine; it is cancelled by Engine.Close.
	Context context.Context
	Service ServiceType
	Logger  *slog.Logger
	Metrics *metric.MetricsRegistry
	NATS    *natsclient.Pool
	// ReportHealth updates the service's entry in Engine.Health. Adapters
	// holding a connection call it when the connection drops or recovers.
	ReportHealth func(healthy bool, reason string)

	services *ServiceRegistry
	requires []ServiceType
}

// Lookup returns a service this adapter requires: the static requirements of
// its service type, the adapter's Requires and the config's requires. Those
// are constructed first. Any other type is reported absent.
func (d AdapterDeps) Lookup(t ServiceType) (any, bool) {
	if d.services == nil || !slices.Contains(d.requires, t) {
		return nil, false
	}
	return d.services.Lookup(t)
}

// ConstructFunc builds a service instance from its raw adapter configuration.
// It runs once per Engine and only for service types in the resolved set.
type ConstructFunc func(ctx context.Context, raw json.RawMessage, deps AdapterDeps) (any, error)

// Adapter is one registered way of providing a service type
type Adapter struct {
	Service     ServiceType
	Name        string
	Description string
	// Requires lists service types this adapter needs constructed first.
	Requires []ServiceType
	// Validate checks raw configuration without side effects. Optional.
	Validate  func(raw json.RawMessage) error
	Construct ConstructFunc
}

type adapterKey struct {
	service ServiceType
	name    string
}

// AdapterRegistry maps (service type, adapter name) to adapters, plus the
// constructors reachable through the "custom" adapter.
type AdapterRegistry struct {
	mu           sync.RWMutex
	adapters     map[adapterKey]*Adapter
	constructors map[string]ConstructFunc
}

// NewAdapterRegistry creates an empty registry. See RegisterBuiltins.
func NewAdapterRegistry() *AdapterRegistry {
	return &AdapterRegistry{
		adapters:     make(map[adapterKey]*Adapter),
		constructors: make(map[string]ConstructFunc),
	}
}

// Register adds an adapter. Duplicate (service, name) pairs are rejected.
func (r *AdapterRegistry) Register(a Adapter) error {
	if a.Service == "" || a.Name == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "AdapterRegistry", "Register", "service and name validation")
	}
	if a.Name == types.CustomAdapter {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "AdapterRegistry", "Register",
			"adapter name \"custom\" is reserved, use RegisterConstructor")
	}
	if a.Construct == nil {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "AdapterRegistry", "Register", "construct function validation")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	key := adapterKey{a.Service, a.Name}
	if _, exists := r.adapters[key]; exists {
		return errors.WrapInvalid(fmt.Errorf("adapter %s/%s is already registered", a.Service, a.Name),
			"AdapterRegistry", "Register", "duplicate adapter check")
	}
	a.Requires = slices.Clone(a.Requires)
	r.adapters[key] = &a
	return nil
}

// RegisterConstructor makes fn available to services configured with
// adapter "custom" and constructor name.
func (r *AdapterRegistry) RegisterConstructor(name string, fn ConstructFunc) error {
	if name == "" || fn == nil {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "AdapterRegistry", "RegisterConstructor", "name and function validation")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.constructors[name]; exists {
		return errors.WrapInvalid(fmt.Errorf("constructor %q is already registered", name),
			"AdapterRegistry", "RegisterConstructor", "duplicate constructor check")
	}
	r.constructors[name] = fn
	return nil
}

// Adapter returns the adapter registered for service t under name
func (r *AdapterRegistry) Adapter(t ServiceType, name string) (*Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[adapterKey{t, name}]
	return a, ok
}

// Constructor returns a custom constructor by name
func (r *AdapterRegistry) Constructor(name string) (ConstructFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.constructors[name]
	return fn, ok
}

// Names returns "service/adapter" for every registered adapter, sorted
func (r *AdapterRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for key := range r.adapters {
		names = append(names, string(key.service)+"/"+key.name)
	}
	slices.Sort(names)
	return names
}

// Constructors returns the registered custom constructor names, sorted
func (r *AdapterRegistry) Constructors() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.constructors))
}

// resolve returns the adapter a service config selects. A custom config
// yields a synthetic adapter wrapping the named constructor.
func (r *AdapterRegistry) resolve(t ServiceType, cfg types.ServiceConfig) (*Adapter, error) {
	if cfg.Adapter == types.CustomAdapter {
		fn, ok := r.Constructor(cfg.Constructor)
		if !ok {
			return nil, errors.NewConfigurationError("service "+string(t), "unknown custom constructor "+cfg.Constructor, nil)
		}
		return &Adapter{Service: t, Name: types.CustomAdapter, Construct: fn}, nil
	}

	a, ok := r.Adapter(t, cfg.Adapter)
	if !ok {
		return nil, errors.NewConfigurationError("service "+string(t), "unknown adapter "+cfg.Adapter, nil)
	}
	return a, nil
}
