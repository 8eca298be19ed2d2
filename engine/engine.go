// Package engine composes modules and the services they declare. Load
// resolves the module and service closure of the requested modules,
// constructs only the services in that closure, and hands each module a
// ServiceProxy limited to the services it declared.
//
// An Engine is single-use: Load runs once, Close disposes everything it
// built. Reloading a running composition is not supported; build a new Engine.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/c360/modkit/errors"
	"github.com/c360/modkit/health"
	"github.com/c360/modkit/metric"
	"github.com/c360/modkit/natsclient"
	"github.com/c360/modkit/types"
)

// Options configures an Engine
type Options struct {
	Modules       *ModuleRegistry
	Adapters      *AdapterRegistry
	Services      types.ServiceConfigs
	ModuleConfigs types.ModuleConfigs

	Logger          *slog.Logger
	MetricsRegistry *metric.MetricsRegistry
	// NATSPool shares connections with other engines. When nil the engine
	// creates its own pool and closes it on Close.
	NATSPool *natsclient.Pool
}

type moduleRecord struct {
	name   string
	reg    *registered
	config json.RawMessage
	state  ModuleState
	module Module
	proxy  *ServiceProxy
}

// Engine owns one composition: its service registry, module records and
// their lifetimes.
type Engine struct {
	opts     Options
	logger   *slog.Logger
	metrics  *metric.Metrics
	services *ServiceRegistry
	monitor  *health.Monitor
	pool     *natsclient.Pool
	ownsPool bool

	ctx    context.Context
	cancel context.CancelFunc

	lifecycle sync.Mutex // serializes Load and Close
	started   bool
	closed    bool

	mu      sync.RWMutex
	order   []string
	records map[string]*moduleRecord
	loadErr error
}

// New creates an Engine. It does no I/O.
func New(opts Options) (*Engine, error) {
	if opts.Modules == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Engine", "New", "module registry validation")
	}
	if opts.Adapters == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Engine", "New", "adapter registry validation")
	}
	if err := opts.Services.Validate(); err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	logger := opts.Logger.With("component", "engine")
	e := &Engine{
		opts:     opts,
		logger:   logger,
		services: newServiceRegistry(),
		monitor:  health.NewMonitor(),
		pool:     opts.NATSPool,
		records:  make(map[string]*moduleRecord),
	}
	if opts.MetricsRegistry != nil {
		e.metrics = opts.MetricsRegistry.CoreMetrics()
	}
	if e.pool == nil {
		e.pool = natsclient.NewPool(opts.Logger, opts.MetricsRegistry)
		e.ownsPool = true
	}
	e.ctx, e.cancel = context.WithCancel(context.Background())
	e.monitor.Set("engine", health.NewDegraded("engine", "not loaded"))
	return e, nil
}

// Load builds the composition for the named entry modules. Configuration
// problems are reported as *errors.ConfigurationError before any service is
// constructed or module instantiated. Load may be called once; later calls
// return errors.ErrAlreadyLoaded.
func (e *Engine) Load(ctx context.Context, names ...string) (err error) {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()

	if e.closed {
		return errors.WrapInvalid(errors.ErrClosed, "Engine", "Load", "check engine state")
	}
	if e.started {
		return errors.ErrAlreadyLoaded
	}
	e.started = true

	start := time.Now()
	defer func() {
		if e.metrics != nil {
			e.metrics.RecordLoad(time.Since(start), err)
		}
		if err != nil {
			e.mu.Lock()
			e.loadErr = err
			e.mu.Unlock()
			e.monitor.Set("engine", health.FromError("engine", err))
			e.logger.Error("Composition load failed", "modules", names, "error", err)
		}
	}()

	if len(names) == 0 {
		return errors.NewConfigurationError("load", "no modules requested", nil)
	}

	order, err := resolveModules(e.opts.Modules, e.opts.ModuleConfigs, names)
	if err != nil {
		return err
	}
	needed := resolveServices(e.opts.Modules, order, e.opts.Services, e.opts.Adapters)
	plan, err := planServices(needed, e.opts.Services, e.opts.Adapters)
	if err != nil {
		return err
	}

	records := make(map[string]*moduleRecord, len(order))
	for _, name := range order {
		m, _ := e.opts.Modules.lookup(name)
		cfg := e.opts.ModuleConfigs[name].Config
		if err := m.validateConfig(cfg); err != nil {
			return err
		}
		records[name] = &moduleRecord{name: name, reg: m, config: cfg}
	}

	e.mu.Lock()
	e.order = order
	e.records = records
	e.mu.Unlock()
	e.logger.Info("Composition resolved", "modules", order, "services", plan.order)

	if err := e.constructServices(ctx, plan); err != nil {
		e.closeServices(context.Background())
		return err
	}

	if err := e.startModules(ctx, order); err != nil {
		e.closeModules(context.Background())
		e.closeServices(context.Background())
		return err
	}

	e.monitor.Set("engine", health.NewHealthy("engine", fmt.Sprintf("%d modules initialized", len(order))))
	if e.metrics != nil {
		e.metrics.RecordModulesLoaded(len(order))
	}
	e.logger.Info("Composition loaded", "modules", len(order), "duration", time.Since(start))
	return nil
}

func (e *Engine) constructServices(ctx context.Context, plan *servicePlan) error {
	for _, t := range plan.order {
		a := plan.adapters[t]
		deps := AdapterDeps{
			Context:      e.ctx,
			Service:      t,
			Logger:       e.opts.Logger.With("service", string(t)),
			Metrics:      e.opts.MetricsRegistry,
			NATS:         e.pool,
			ReportHealth: e.serviceHealth(t, a.Name),
			services:     e.services,
			requires:     requirements(t, e.opts.Services, e.opts.Adapters),
		}

		instance, err := a.Construct(ctx, plan.configs[t].Config, deps)
		if err != nil {
			e.monitor.Set("service/"+string(t), health.FromError(string(t), err))
			return errors.Wrap(err, "Engine", "Load", fmt.Sprintf("construct service %s (%s adapter)", t, a.Name))
		}
		if err := checkServiceType(t, instance); err != nil {
			closeInstance(context.Background(), instance)
			return err
		}

		e.services.put(t, a.Name, instance)
		e.monitor.Set("service/"+string(t), health.NewHealthy(string(t), a.Name+" adapter"))
		if e.metrics != nil {
			e.metrics.RecordServiceConstructed(string(t), a.Name, true)
		}
		e.logger.Debug("Service constructed", "service", t, "adapter", a.Name)
	}
	return nil
}

// serviceHealth returns the ReportHealth hook for service t. Reports for a
// service that is not in the registry, before construction finishes or after
// Close, are dropped.
func (e *Engine) serviceHealth(t ServiceType, adapter string) func(bool, string) {
	key := "service/" + string(t)
	return func(healthy bool, reason string) {
		if _, ok := e.services.Lookup(t); !ok {
			return
		}
		if healthy {
			e.monitor.Set(key, health.NewHealthy(string(t), adapter+" adapter"))
			return
		}
		e.logger.Warn("Service degraded", "service", t, "adapter", adapter, "reason", reason)
		e.monitor.Set(key, health.NewDegraded(string(t), reason))
	}
}

func (e *Engine) startModules(ctx context.Context, order []string) error {
	for _, name := range order {
		rec := e.record(name)
		if err := e.setState(rec, StateLoading); err != nil {
			return err
		}

		proxy := newServiceProxy(name, rec.reg.Dependencies.Services, e.services, e.metrics,
			e.opts.Logger.With("module", name))
		module, err := rec.reg.Factory(ModuleDeps{
			Name:     name,
			Config:   rec.config,
			Services: proxy,
			Logger:   e.opts.Logger.With("component", "module", "module", name),
			Metrics:  e.opts.MetricsRegistry,
		})
		if err != nil {
			return errors.Wrap(err, "Engine", "Load", "create module "+name)
		}
		if module == nil {
			return errors.WrapFatal(fmt.Errorf("factory returned nil"), "Engine", "Load", "create module "+name)
		}

		e.mu.Lock()
		rec.module = module
		rec.proxy = proxy
		e.mu.Unlock()

		if err := module.OnLoad(ctx); err != nil {
			return errors.Wrap(err, "Engine", "Load", "load module "+name)
		}
		if err := e.setState(rec, StateLoaded); err != nil {
			return err
		}
	}

	if err := e.loadOntology(ctx, order); err != nil {
		return err
	}

	for _, name := range order {
		rec := e.record(name)
		if err := rec.module.OnInitialized(ctx); err != nil {
			return errors.Wrap(err, "Engine", "Load", "initialize module "+name)
		}
		if err := e.setState(rec, StateInitialized); err != nil {
			return err
		}
	}
	return nil
}

// loadOntology feeds module ontology fragments to the facts service, in
// module order. It is skipped when no facts service was constructed.
func (e *Engine) loadOntology(ctx context.Context, order []string) error {
	instance, ok := e.services.Lookup(ServiceFacts)
	if !ok {
		e.logger.Debug("No facts service, skipping ontology pass")
		return nil
	}
	loader, ok := instance.(OntologyLoader)
	if !ok {
		e.logger.Debug("Facts service does not load ontologies, skipping ontology pass")
		return nil
	}

	for _, name := range order {
		provider, ok := e.record(name).module.(OntologyProvider)
		if !ok {
			continue
		}
		fragments := provider.Ontology()
		if len(fragments) == 0 {
			continue
		}
		for i := range fragments {
			if fragments[i].Module == "" {
				fragments[i].Module = name
			}
		}
		if err := loader.LoadOntology(ctx, fragments); err != nil {
			return errors.Wrap(err, "Engine", "Load", "load ontology of "+name)
		}
		e.logger.Debug("Ontology loaded", "module", name, "fragments", len(fragments))
	}
	return nil
}

func (e *Engine) record(name string) *moduleRecord {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.records[name]
}

func (e *Engine) setState(rec *moduleRecord, next ModuleState) error {
	e.mu.Lock()
	err := rec.state.advance(next)
	e.mu.Unlock()
	if err != nil {
		return errors.WrapFatal(err, "Engine", "setState", "advance "+rec.name)
	}

	status := health.NewDegraded(rec.name, next.String())
	if next == StateInitialized {
		status = health.NewHealthy(rec.name, next.String())
	}
	e.monitor.Set("module/"+rec.name, status)
	if e.metrics != nil {
		e.metrics.RecordModuleState(rec.name, int(next))
	}
	return nil
}

// Close disposes the composition: module Close hooks in reverse order, then
// services in reverse construction order. The Engine cannot be loaded again.
func (e *Engine) Close(ctx context.Context) error {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()

	if e.closed {
		return nil
	}
	e.closed = true

	errs := e.closeModules(ctx)
	errs = append(errs, e.closeServices(ctx)...)
	e.cancel()
	if e.ownsPool {
		if err := e.pool.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	e.monitor.Reset()
	e.monitor.Set("engine", health.NewUnhealthy("engine", "closed"))
	e.logger.Info("Engine closed", "errors", len(errs))
	return errors.Join(errs...)
}

func (e *Engine) closeModules(ctx context.Context) []error {
	e.mu.RLock()
	order := slices.Clone(e.order)
	e.mu.RUnlock()

	var errs []error
	for _, name := range slices.Backward(order) {
		rec := e.record(name)
		if rec == nil || rec.module == nil {
			continue
		}
		closer, ok := rec.module.(Closer)
		if !ok {
			continue
		}
		if err := closer.Close(ctx); err != nil {
			e.logger.Warn("Module close failed", "module", name, "error", err)
			errs = append(errs, errors.Wrap(err, "Engine", "Close", "close module "+name))
		}
	}
	return errs
}

func (e *Engine) closeServices(ctx context.Context) []error {
	var errs []error
	for _, entry := range e.services.reset() {
		if err := closeInstance(ctx, entry.instance); err != nil {
			e.logger.Warn("Service close failed", "service", entry.service, "error", err)
			errs = append(errs, errors.Wrap(err, "Engine", "Close", "close service "+string(entry.service)))
		}
		e.monitor.Remove("service/" + string(entry.service))
		if e.metrics != nil {
			e.metrics.RecordServiceConstructed(string(entry.service), entry.adapter, false)
		}
		if e.opts.MetricsRegistry != nil {
			e.opts.MetricsRegistry.UnregisterService(string(entry.service))
		}
	}
	return errs
}

// closeInstance releases a service using whichever close method it has.
func closeInstance(ctx context.Context, instance any) error {
	switch c := instance.(type) {
	case interface{ Close(context.Context) error }:
		return c.Close(ctx)
	case interface{ Shutdown(context.Context) error }:
		return c.Shutdown(ctx)
	case io.Closer:
		return c.Close()
	}
	return nil
}

// Order returns the module load order, dependencies first
func (e *Engine) Order() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return slices.Clone(e.order)
}

// State returns the lifecycle state of a module in the composition
func (e *Engine) State(name string) (ModuleState, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	rec, ok := e.records[name]
	if !ok {
		return StateUnloaded, false
	}
	return rec.state, true
}

// Module returns a loaded module instance
func (e *Engine) Module(name string) (Module, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	rec, ok := e.records[name]
	if !ok || rec.module == nil {
		return nil, false
	}
	return rec.module, true
}

// Services returns the registry of constructed services
func (e *Engine) Services() *ServiceRegistry {
	return e.services
}

// Err returns the error the last Load failed with
func (e *Engine) Err() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.loadErr
}

// Health aggregates the status of the engine, its services and its modules
func (e *Engine) Health() health.Status {
	return e.monitor.Aggregate("modkit")
}
