// Package reporter tracks the nodes announced by the heartbeat module and
// serves a cached summary of them.
package reporter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/c360/modkit/bus"
	"github.com/c360/modkit/engine"
	"github.com/c360/modkit/errors"
	"github.com/c360/modkit/modules/heartbeat"
	"github.com/c360/modkit/pkg/cache"
)

// Name is the module's registration name
const Name = "reporter"

// Config holds configuration for the reporter module
type Config struct {
	StaleAfter string `json:"stale_after"` // A node is stale when its last beat is older than this
	CacheTTL   string `json:"cache_ttl"`   // How long a summary is served from cache
}

// DefaultConfig returns the default configuration
func DefaultConfig() Config {
	return Config{StaleAfter: "15s", CacheTTL: "2s"}
}

const schema = `{
	"type": "object",
	"properties": {
		"stale_after": {"type": "string", "minLength": 2},
		"cache_ttl": {"type": "string", "minLength": 2}
	},
	"additionalProperties": false
}`

// beatSchema describes heartbeat.Beat for the fact store
const beatSchema = `{
	"$id": "modkit/heartbeat/beat",
	"type": "object",
	"required": ["node", "seq", "timestamp"],
	"properties": {
		"node": {"type": "string"},
		"seq": {"type": "integer", "minimum": 1},
		"timestamp": {"type": "string", "format": "date-time"}
	}
}`

// Register adds the reporter module to registry
func Register(registry *engine.ModuleRegistry) error {
	return registry.Register(engine.Registration{
		Name:        Name,
		Description: "Tracks heartbeat nodes and serves a cached summary",
		Version:     "0.1.0",
		Dependencies: engine.Dependencies{
			Modules:  []string{heartbeat.Name},
			Services: []engine.ServiceType{engine.ServiceBus, engine.ServiceCache},
		},
		Schema:  schema,
		Factory: New,
	})
}

// NodeStatus is the last beat seen from one node
type NodeStatus struct {
	Node     string    `json:"node"`
	Seq      uint64    `json:"seq"`
	LastSeen time.Time `json:"last_seen"`
	Stale    bool      `json:"stale"`
}

// Summary lists known nodes sorted by name
type Summary struct {
	Nodes       []NodeStatus `json:"nodes"`
	GeneratedAt time.Time    `json:"generated_at"`
}

type query struct {
	StaleAfter string `json:"stale_after"`
}

// Module subscribes to heartbeats and keeps the last one per node
type Module struct {
	staleAfter time.Duration
	cacheTTL   time.Duration
	logger     *slog.Logger
	services   *engine.ServiceProxy

	bus     bus.Bus
	summary *cache.Memoizer[query, Summary]
	sub     *bus.Subscription

	mu    sync.RWMutex
	nodes map[string]NodeStatus
}

// New creates a reporter module from its configuration
func New(deps engine.ModuleDeps) (engine.Module, error) {
	cfg := DefaultConfig()
	if len(deps.Config) > 0 {
		if err := json.Unmarshal(deps.Config, &cfg); err != nil {
			return nil, errors.WrapInvalid(err, "Reporter", "New", "config unmarshal")
		}
	}

	staleAfter, err := parsePositive("stale_after", cfg.StaleAfter)
	if err != nil {
		return nil, err
	}
	cacheTTL, err := parsePositive("cache_ttl", cfg.CacheTTL)
	if err != nil {
		return nil, err
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Module{
		staleAfter: staleAfter,
		cacheTTL:   cacheTTL,
		logger:     logger,
		services:   deps.Services,
		nodes:      make(map[string]NodeStatus),
	}, nil
}

func parsePositive(field, value string) (time.Duration, error) {
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, errors.WrapInvalid(err, "Reporter", "New", "parse "+field)
	}
	if d <= 0 {
		return 0, errors.WrapInvalid(fmt.Errorf("%s %s must be positive", field, d), "Reporter", "New", "validate "+field)
	}
	return d, nil
}

// OnLoad resolves the bus and builds the memoized summary
func (m *Module) OnLoad(_ context.Context) error {
	var err error
	if m.bus, err = m.services.Bus(); err != nil {
		return errors.Wrap(err, "Reporter", "OnLoad", "resolve bus")
	}
	backend, err := m.services.Cache()
	if err != nil {
		return errors.Wrap(err, "Reporter", "OnLoad", "resolve cache")
	}
	m.summary, err = cache.Memoize(backend, "reporter.summary", cache.JSONKey[query](), m.build,
		cache.WithEntryTTL[query, Summary](m.cacheTTL))
	if err != nil {
		return errors.Wrap(err, "Reporter", "OnLoad", "memoize summary")
	}
	return nil
}

// Ontology describes the heartbeat payload
func (m *Module) Ontology() []engine.OntologyFragment {
	return []engine.OntologyFragment{{
		Module: Name,
		Name:   "heartbeat.beat",
		Format: "json-schema",
		Data:   []byte(beatSchema),
	}}
}

// OnInitialized subscribes to every node's heartbeat
func (m *Module) OnInitialized(ctx context.Context) error {
	sub, err := m.bus.Subscribe(context.WithoutCancel(ctx), heartbeat.Topic, heartbeat.Topic+".heartbeat.*", m.handle)
	if err != nil {
		return errors.Wrap(err, "Reporter", "OnInitialized", "subscribe")
	}
	m.sub = sub
	return nil
}

func (m *Module) handle(_ context.Context, payload []byte) error {
	var beat heartbeat.Beat
	if err := json.Unmarshal(payload, &beat); err != nil {
		// one malformed payload must not end the subscription
		m.logger.Warn("Dropping malformed heartbeat", "error", err)
		return nil
	}

	m.mu.Lock()
	_, known := m.nodes[beat.Node]
	m.nodes[beat.Node] = NodeStatus{Node: beat.Node, Seq: beat.Seq, LastSeen: time.Now()}
	m.mu.Unlock()

	if !known {
		m.logger.Info("Node discovered", "node", beat.Node)
	}
	return nil
}

// Summary returns the node summary, from cache unless fresh is set
func (m *Module) Summary(ctx context.Context, fresh bool) (Summary, error) {
	var opts []cache.CallOption
	if fresh {
		opts = append(opts, cache.ForceRefresh())
	}
	return m.summary.Call(ctx, query{StaleAfter: m.staleAfter.String()}, opts...)
}

func (m *Module) build(_ context.Context, q query) (Summary, error) {
	staleAfter, err := time.ParseDuration(q.StaleAfter)
	if err != nil {
		return Summary{}, errors.WrapInvalid(err, "Reporter", "build", "parse stale_after")
	}

	now := time.Now()
	m.mu.RLock()
	nodes := make([]NodeStatus, 0, len(m.nodes))
	for _, status := range m.nodes {
		status.Stale = now.Sub(status.LastSeen) > staleAfter
		nodes = append(nodes, status)
	}
	m.mu.RUnlock()

	slices.SortFunc(nodes, func(a, b NodeStatus) int { return strings.Compare(a.Node, b.Node) })
	return Summary{Nodes: nodes, GeneratedAt: now.UTC()}, nil
}

// Close stops the subscription
func (m *Module) Close(_ context.Context) error {
	if m.sub != nil {
		m.sub.Stop()
	}
	return nil
}
