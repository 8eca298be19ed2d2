package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"

	"github.com/c360/modkit/errors"
	"github.com/c360/modkit/metric"
)

// Module is a unit of functionality the engine loads. Modules get their
// services from the ServiceProxy passed to their Factory.
type Module interface {
	// OnLoad runs once, in dependency order, after every module in the
	// composition has been constructed up to this one.
	OnLoad(ctx context.Context) error
	// OnInitialized runs once, in dependency order, after every module has
	// loaded and the ontology pass (if any) has completed.
	OnInitialized(ctx context.Context) error
}

// Closer is implemented by modules that hold resources. Close runs in
// reverse dependency order during Engine.Close.
type Closer interface {
	Close(ctx context.Context) error
}

// OntologyFragment is a piece of schema a module contributes to the fact store
type OntologyFragment struct {
	Module string
	Name   string
	Format string
	Data   []byte
}

// OntologyProvider is implemented by modules with ontology fragments
type OntologyProvider interface {
	Ontology() []OntologyFragment
}

// OntologyLoader is implemented by a facts service that accepts fragments.
// LoadOntology is called once per providing module, in dependency order.
type OntologyLoader interface {
	LoadOntology(ctx context.Context, fragments []OntologyFragment) error
}

// Dependencies declares what a module needs
type Dependencies struct {
	Modules  []string
	Services []ServiceType
}

// ModuleDeps is what a Factory receives
type ModuleDeps struct {
	Name     string
	Config   json.RawMessage
	Services *ServiceProxy
	Logger   *slog.Logger
	Metrics  *metric.MetricsRegistry
}

// Factory creates a module instance. Factories should not do I/O; that
// belongs in OnLoad or OnInitialized.
type Factory func(deps ModuleDeps) (Module, error)

// Registration describes a module type
type Registration struct {
	Name         string
	Description  string
	Version      string
	Dependencies Dependencies
	// Schema is an optional JSON schema document for the module's config.
	Schema  string
	Factory Factory
}

type registered struct {
	Registration
	schema *gojsonschema.Schema
}

// validateConfig checks raw against the module's schema. Absent config is
// validated as an empty object.
func (r *registered) validateConfig(raw json.RawMessage) error {
	if r.schema == nil {
		return nil
	}
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	result, err := r.schema.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return errors.NewConfigurationError("module "+r.Name, "config is not valid JSON", err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			msgs = append(msgs, fmt.Sprintf("%s: %s", desc.Field(), desc.Description()))
		}
		return errors.NewConfigurationError("module "+r.Name, "config does not match schema",
			errors.New(strings.Join(msgs, "; ")))
	}
	return nil
}

// ModuleRegistry holds module registrations. It is populated before an
// Engine is created and may be shared by several engines.
type ModuleRegistry struct {
	mu      sync.RWMutex
	modules map[string]*registered
}

// NewModuleRegistry creates an empty registry
func NewModuleRegistry() *ModuleRegistry {
	return &ModuleRegistry{modules: make(map[string]*registered)}
}

// Register adds a module type. The schema, when present, is compiled here so
// a broken schema fails at registration rather than at load.
func (r *ModuleRegistry) Register(reg Registration) error {
	if reg.Name == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "ModuleRegistry", "Register", "module name validation")
	}
	if reg.Factory == nil {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "ModuleRegistry", "Register", "factory function validation")
	}
	for _, dep := range reg.Dependencies.Modules {
		if dep == "" {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "ModuleRegistry", "Register", "empty module dependency")
		}
	}
	for _, svc := range reg.Dependencies.Services {
		if svc == "" {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "ModuleRegistry", "Register", "empty service dependency")
		}
	}

	entry := &registered{Registration: reg}
	entry.Dependencies.Modules = slices.Clone(reg.Dependencies.Modules)
	entry.Dependencies.Services = slices.Clone(reg.Dependencies.Services)
	if reg.Schema != "" {
		schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(reg.Schema))
		if err != nil {
			return errors.WrapInvalid(err, "ModuleRegistry", "Register", "compile schema for "+reg.Name)
		}
		entry.schema = schema
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.modules[reg.Name]; exists {
		return errors.WrapInvalid(fmt.Errorf("module %q is already registered", reg.Name),
			"ModuleRegistry", "Register", "duplicate module check")
	}
	r.modules[reg.Name] = entry
	return nil
}

// Registration returns the registration for name
func (r *ModuleRegistry) Registration(name string) (Registration, bool) {
	m, ok := r.lookup(name)
	if !ok {
		return Registration{}, false
	}
	return m.Registration, true
}

func (r *ModuleRegistry) lookup(name string) (*registered, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.modules[name]
	return m, ok
}

// Names returns the registered module names, sorted
func (r *ModuleRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.modules))
}

// ModuleState is a module's lifecycle position. States only move forward.
type ModuleState int

// Lifecycle states
const (
	StateUnloaded ModuleState = iota
	StateLoading
	StateLoaded
	StateInitialized
)

func (s ModuleState) String() string {
	switch s {
	case StateUnloaded:
		return "unloaded"
	case StateLoading:
		return "loading"
	case StateLoaded:
		return "loaded"
	case StateInitialized:
		return "initialized"
	default:
		return "unknown"
	}
}

// advance moves s to next, refusing to go backwards or stay put.
func (s *ModuleState) advance(next ModuleState) error {
	if next <= *s {
		return fmt.Errorf("module state cannot move from %s to %s", *s, next)
	}
	*s = next
	return nil
}
