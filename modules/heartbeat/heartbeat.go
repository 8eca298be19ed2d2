// Package heartbeat provides a module that announces a node on the bus.
//
// Every interval the module submits a job to the worker pool. The job takes
// or renews a leader lock in the key-value store and, while this node holds
// the lock, publishes a Beat on topic "system" with routing key
// "system.heartbeat.<node>". Only one node sharing the store publishes at a
// time; the lock expires after three intervals without renewal.
package heartbeat

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/c360/modkit/bus"
	"github.com/c360/modkit/engine"
	"github.com/c360/modkit/errors"
	"github.com/c360/modkit/kv"
	"github.com/c360/modkit/metric"
	"github.com/c360/modkit/pkg/worker"
)

// Name is the module's registration name
const Name = "heartbeat"

// Topic is the bus topic beats are published on
const Topic = "system"

// Config holds configuration for the heartbeat module
type Config struct {
	Interval string `json:"interval"` // Duration between beats, e.g. "5s"
	Node     string `json:"node"`     // Node name used in the routing key
	LockKey  string `json:"lock_key"` // KV key of the leader lock
}

// DefaultConfig returns the default configuration. Node defaults to the host name.
func DefaultConfig() Config {
	return Config{
		Interval: "5s",
		Node:     defaultNode(),
		LockKey:  "heartbeat.leader",
	}
}

func defaultNode() string {
	if host, err := os.Hostname(); err == nil && bus.ValidateRoutingKey(host) == nil {
		return host
	}
	return "node-" + uuid.NewString()[:8]
}

const schema = `{
	"type": "object",
	"properties": {
		"interval": {"type": "string", "minLength": 2},
		"node": {"type": "string", "minLength": 1},
		"lock_key": {"type": "string", "minLength": 1}
	},
	"additionalProperties": false
}`

// Beat is the payload published on each heartbeat
type Beat struct {
	Node      string    `json:"node"`
	Seq       uint64    `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
}

// Register adds the heartbeat module to registry
func Register(registry *engine.ModuleRegistry) error {
	return registry.Register(engine.Registration{
		Name:        Name,
		Description: "Publishes leader-elected node heartbeats on the system topic",
		Version:     "0.1.0",
		Dependencies: engine.Dependencies{
			Services: []engine.ServiceType{engine.ServiceBus, engine.ServiceKV, engine.ServiceWorkers},
		},
		Schema:  schema,
		Factory: New,
	})
}

// Module publishes heartbeats while holding the leader lock
type Module struct {
	name       string
	node       string
	routingKey string
	lockKey    string
	interval   time.Duration
	token      []byte
	logger     *slog.Logger
	services   *engine.ServiceProxy
	registry   *metric.MetricsRegistry
	metrics    *heartbeatMetrics

	bus   bus.Bus
	store kv.Store
	pool  *worker.Pool

	seq     atomic.Uint64
	leader  atomic.Bool
	beating atomic.Bool
	lastJob atomic.Pointer[worker.Job]
	stopped atomic.Bool

	lifecycleMu sync.Mutex
	cancel      context.CancelFunc
	done        chan struct{}
}

// New creates a heartbeat module from its configuration. It does no I/O.
func New(deps engine.ModuleDeps) (engine.Module, error) {
	cfg := DefaultConfig()
	if len(deps.Config) > 0 {
		if err := json.Unmarshal(deps.Config, &cfg); err != nil {
			return nil, errors.WrapInvalid(err, "Heartbeat", "New", "config unmarshal")
		}
	}

	interval, err := time.ParseDuration(cfg.Interval)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Heartbeat", "New", "parse interval")
	}
	if interval <= 0 {
		return nil, errors.WrapInvalid(fmt.Errorf("interval %s must be positive", interval),
			"Heartbeat", "New", "validate interval")
	}
	routingKey := Topic + ".heartbeat." + cfg.Node
	if err := bus.ValidateRoutingKey(routingKey); err != nil {
		return nil, errors.WrapInvalid(err, "Heartbeat", "New", "validate node")
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	name := deps.Name
	if name == "" {
		name = Name
	}

	return &Module{
		name:       name,
		node:       cfg.Node,
		routingKey: routingKey,
		lockKey:    cfg.LockKey,
		interval:   interval,
		token:      []byte(uuid.NewString()),
		logger:     logger.With("node", cfg.Node),
		services:   deps.Services,
		registry:   deps.Metrics,
	}, nil
}

// OnLoad resolves the declared services
func (m *Module) OnLoad(_ context.Context) error {
	var err error
	if m.bus, err = m.services.Bus(); err != nil {
		return errors.Wrap(err, "Heartbeat", "OnLoad", "resolve bus")
	}
	if m.store, err = m.services.KV(); err != nil {
		return errors.Wrap(err, "Heartbeat", "OnLoad", "resolve kv")
	}
	if m.pool, err = m.services.Workers(); err != nil {
		return errors.Wrap(err, "Heartbeat", "OnLoad", "resolve workers")
	}

	if m.registry != nil {
		metrics, err := newHeartbeatMetrics(m.registry, m.name, m.node)
		if err != nil {
			m.logger.Warn("Failed to initialize heartbeat metrics", "error", err)
		} else {
			m.metrics = metrics
		}
	}
	return nil
}

// OnInitialized starts the beat loop
func (m *Module) OnInitialized(_ context.Context) error {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()

	if m.cancel != nil {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Heartbeat", "OnInitialized", "start loop")
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.loop(ctx)

	m.logger.Info("Heartbeat started", "interval", m.interval, "lock_key", m.lockKey)
	return nil
}

func (m *Module) loop(ctx context.Context) {
	defer close(m.done)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.submit(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.submit(ctx)
		}
	}
}

// submit queues one beat unless the previous one is still running
func (m *Module) submit(ctx context.Context) {
	if !m.beating.CompareAndSwap(false, true) {
		m.logger.Debug("Previous beat still running, skipping")
		return
	}
	job := worker.NewJob(func(jobCtx context.Context) (any, error) {
		defer m.beating.Store(false)
		if m.stopped.Load() {
			return nil, nil
		}
		return nil, m.Beat(jobCtx)
	})
	m.lastJob.Store(job)
	if err := m.pool.Submit(ctx, job); err != nil {
		m.beating.Store(false)
		if ctx.Err() == nil {
			m.logger.Warn("Failed to submit heartbeat", "error", err)
		}
	}
}

// Beat runs one heartbeat: acquire or renew the lock, then publish if leader.
// It is exported so callers can drive beats without the timer.
func (m *Module) Beat(ctx context.Context) error {
	leader, err := m.acquire(ctx)
	if err != nil {
		m.metrics.recordError()
		m.logger.Warn("Leader lock check failed", "error", err)
		return err
	}
	if was := m.leader.Swap(leader); was != leader {
		m.logger.Info("Leadership changed", "leader", leader)
	}
	m.metrics.setLeader(leader)
	if !leader {
		return nil
	}

	payload, err := json.Marshal(Beat{Node: m.node, Seq: m.seq.Add(1), Timestamp: time.Now().UTC()})
	if err != nil {
		return errors.WrapFatal(err, "Heartbeat", "Beat", "marshal beat")
	}
	if err := m.bus.Publish(ctx, Topic, m.routingKey, payload); err != nil {
		m.metrics.recordError()
		return errors.Wrap(err, "Heartbeat", "Beat", "publish")
	}
	m.metrics.recordBeat()
	return nil
}

// acquire takes the lock if free, or renews it if this node holds it.
// Renewal is not atomic: a lock that expires between Get and Set may be held
// by two nodes for one interval.
func (m *Module) acquire(ctx context.Context) (bool, error) {
	ttl := 3 * m.interval
	created, err := m.store.SetIfNotExists(ctx, m.lockKey, m.token, ttl)
	if err != nil {
		return false, err
	}
	if created {
		return true, nil
	}

	holder, err := m.store.Get(ctx, m.lockKey)
	if errors.Is(err, errors.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if string(holder) != string(m.token) {
		return false, nil
	}
	if err := m.store.Set(ctx, m.lockKey, m.token, ttl); err != nil {
		return false, err
	}
	return true, nil
}

// Leader reports whether this node held the lock at the last beat
func (m *Module) Leader() bool {
	return m.leader.Load()
}

// Sequence returns the number of beats published
func (m *Module) Sequence() uint64 {
	return m.seq.Load()
}

// Close stops the loop and releases the lock if this node holds it
func (m *Module) Close(ctx context.Context) error {
	m.lifecycleMu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel = nil
	m.lifecycleMu.Unlock()
	m.stopped.Store(true)

	if cancel != nil {
		cancel()
		select {
		case <-done:
		case <-ctx.Done():
			return errors.WrapTransient(ctx.Err(), "Heartbeat", "Close", "wait for loop")
		}
	}
	// a queued beat sees stopped and returns; a running one is waited for
	if job := m.lastJob.Load(); job != nil && job.Status() == worker.StatusRunning {
		select {
		case <-job.Done():
		case <-ctx.Done():
			return errors.WrapTransient(ctx.Err(), "Heartbeat", "Close", "wait for beat")
		}
	}

	var err error
	if m.store != nil && m.leader.Swap(false) {
		released, derr := m.store.DeleteIfValueMatches(ctx, m.lockKey, m.token)
		if derr != nil {
			err = errors.Wrap(derr, "Heartbeat", "Close", "release lock")
		} else {
			m.logger.Debug("Leader lock released", "released", released)
		}
	}
	if m.registry != nil && m.metrics != nil {
		m.registry.UnregisterService(m.name)
	}
	m.logger.Info("Heartbeat stopped", "beats", m.seq.Load())
	return err
}
