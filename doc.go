// Package modkit is a runtime that composes independently written modules
// around a small set of shared services.
//
// # Architecture
//
// A module declares the modules it depends on and the service types it uses.
// The engine resolves the closure of the requested modules, constructs only
// the services that closure needs, and gives each module a proxy that can
// reach nothing it did not declare:
//
//	Engine.Load("reporter")
//	  -> modules:  heartbeat, reporter          (dependency order)
//	  -> services: bus, kv, workers, cache      (only these are built)
//	  -> reporter's proxy: bus, cache           (anything else is denied)
//
// Service types and their bundled adapters:
//
//	bus      memory, nats   topic + routing-key pub/sub with * and # wildcards
//	kv       memory, nats,  TTL entries, SetIfNotExists, DeleteIfValueMatches
//	         redis
//	cache    memory, kv     argument-keyed memoization backend
//	workers  pool           bounded worker pool with job status tracking
//	facts    custom only    optional ontology store
//
// Any service type may instead use adapter "custom" with a constructor
// registered on the engine.AdapterRegistry.
//
// # Framework Packages
//
// Composition:
//   - engine: resolver, adapter table, service registry, capability proxy, lifecycle
//   - types: service and module configuration values
//   - config: layered JSON/YAML loader with environment overrides
//
// Services:
//   - bus: Bus interface, memory and NATS JetStream adapters, pattern matcher
//   - kv: Store interface, memory, NATS KV and Redis adapters
//   - pkg/cache: Backend and Memoize
//   - pkg/worker: Pool and Job
//
// Infrastructure:
//   - natsclient: connection client, circuit breaker, pool keyed by URL
//   - metric: Prometheus registry and /metrics server
//   - health: status aggregation and HTTP handler
//   - errors: error classification and domain errors
//   - pkg/retry: exponential backoff
//
// Bundled modules:
//   - modules/heartbeat: leader-elected node heartbeats
//   - modules/reporter: cached summary of heartbeat nodes
//
// # Usage Patterns
//
// Writing a module:
//
//	func Register(registry *engine.ModuleRegistry) error {
//	    return registry.Register(engine.Registration{
//	        Name:    "audit",
//	        Version: "1.0.0",
//	        Dependencies: engine.Dependencies{
//	            Services: []engine.ServiceType{engine.ServiceBus, engine.ServiceKV},
//	        },
//	        Schema:  auditSchema,
//	        Factory: NewAudit,
//	    })
//	}
//
// Composing in code:
//
//	modules := engine.NewModuleRegistry()
//	_ = moduleregistry.Register(modules)
//	adapters := engine.NewAdapterRegistry()
//	_ = engine.RegisterBuiltins(adapters)
//
//	e, err := engine.New(engine.Options{
//	    Modules:  modules,
//	    Adapters: adapters,
//	    Services: cfg.Services,
//	    ModuleConfigs: cfg.Modules,
//	})
//	if err := e.Load(ctx, "reporter"); err != nil { ... }
//	defer e.Close(ctx)
//
// # Design Principles
//
// Per-instance state:
//   - Every engine, bus, store and pool is an independent value
//   - Close disposes what the instance built; nothing is process-global
//
// Explicit cancellation:
//   - Subscriptions end through Stop, their context, or a handler returning bus.ErrStop
//
// No hot reload:
//   - A running composition is never reconfigured; build a new Engine instead
//
// # Binary
//
// cmd/modkit loads configs/modkit.yaml style configuration and runs the
// composition until SIGINT or SIGTERM:
//
//	./bin/modkit --config configs/modkit.yaml
//	./bin/modkit --config configs/modkit.yaml,configs/nats.json --log-level=debug
//
// # Version
//
// Current version: 0.1.0
package modkit
