package engine

import (
	"fmt"
	"log/slog"
	"slices"

	"github.com/c360/modkit/bus"
	"github.com/c360/modkit/errors"
	"github.com/c360/modkit/kv"
	"github.com/c360/modkit/metric"
	"github.com/c360/modkit/pkg/cache"
	"github.com/c360/modkit/pkg/worker"
)

// ServiceProxy is a module's view of the service registry, limited to the
// service types the module declared. Lookups of anything else fail with a
// *errors.CapabilityError and never reach the registry.
type ServiceProxy struct {
	module   string
	declared map[ServiceType]struct{}
	registry *ServiceRegistry
	metrics  *metric.Metrics
	logger   *slog.Logger
}

func newServiceProxy(module string, declared []ServiceType, registry *ServiceRegistry,
	metrics *metric.Metrics, logger *slog.Logger,
) *ServiceProxy {
	set := make(map[ServiceType]struct{}, len(declared))
	for _, t := range declared {
		set[t] = struct{}{}
	}
	return &ServiceProxy{
		module:   module,
		declared: set,
		registry: registry,
		metrics:  metrics,
		logger:   logger,
	}
}

// Module returns the owning module's name
func (p *ServiceProxy) Module() string {
	return p.module
}

// Declared returns the declared service types, sorted
func (p *ServiceProxy) Declared() []ServiceType {
	out := make([]ServiceType, 0, len(p.declared))
	for t := range p.declared {
		out = append(out, t)
	}
	slices.Sort(out)
	return out
}

// Service returns the instance for t. It fails with a CapabilityError when t
// was not declared and with errors.ErrServiceNotPresent when the instance is
// gone, e.g. after Engine.Close.
func (p *ServiceProxy) Service(t ServiceType) (any, error) {
	if _, ok := p.declared[t]; !ok {
		if p.metrics != nil {
			p.metrics.RecordCapabilityDenial(p.module, string(t))
		}
		p.logger.Warn("Undeclared service requested", "module", p.module, "service", t)
		return nil, &errors.CapabilityError{Module: p.module, Service: string(t)}
	}

	instance, ok := p.registry.Lookup(t)
	if !ok {
		return nil, errors.Wrap(errors.ErrServiceNotPresent, "ServiceProxy", "Service", "lookup "+string(t))
	}
	return instance, nil
}

func typed[T any](p *ServiceProxy, t ServiceType) (T, error) {
	var zero T
	instance, err := p.Service(t)
	if err != nil {
		return zero, err
	}
	v, ok := instance.(T)
	if !ok {
		return zero, errors.WrapInvalid(fmt.Errorf("service %s is %T, not %T", t, instance, zero),
			"ServiceProxy", "Service", "type assertion")
	}
	return v, nil
}

// Bus returns the bus service
func (p *ServiceProxy) Bus() (bus.Bus, error) {
	return typed[bus.Bus](p, ServiceBus)
}

// KV returns the key-value service
func (p *ServiceProxy) KV() (kv.Store, error) {
	return typed[kv.Store](p, ServiceKV)
}

// Cache returns the cache service
func (p *ServiceProxy) Cache() (*cache.Backend, error) {
	return typed[*cache.Backend](p, ServiceCache)
}

// Workers returns the worker pool service
func (p *ServiceProxy) Workers() (*worker.Pool, error) {
	return typed[*worker.Pool](p, ServiceWorkers)
}

// Facts returns the structured-fact service. Its type is defined by the
// custom adapter that provides it.
func (p *ServiceProxy) Facts() (any, error) {
	return p.Service(ServiceFacts)
}

// checkServiceType verifies at construction time that an instance of a
// built-in service type has the type its proxy accessor returns.
func checkServiceType(t ServiceType, instance any) error {
	var ok bool
	switch t {
	case ServiceBus:
		_, ok = instance.(bus.Bus)
	case ServiceKV:
		_, ok = instance.(kv.Store)
	case ServiceCache:
		_, ok = instance.(*cache.Backend)
	case ServiceWorkers:
		_, ok = instance.(*worker.Pool)
	default:
		ok = instance != nil
	}
	if !ok {
		return errors.NewConfigurationError("service "+string(t),
			fmt.Sprintf("adapter returned %T", instance), nil)
	}
	return nil
}
