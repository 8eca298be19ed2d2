package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/c360/modkit/bus"
	"github.com/c360/modkit/errors"
	"github.com/c360/modkit/kv"
	"github.com/c360/modkit/natsclient"
	"github.com/c360/modkit/pkg/cache"
	"github.com/c360/modkit/pkg/worker"
)

// RegisterBuiltins registers the adapters shipped with modkit:
//
//	bus/memory, bus/nats
//	kv/memory, kv/nats
//	cache/memory, cache/kv
//	workers/pool
func RegisterBuiltins(r *AdapterRegistry) error {
	if r == nil {
		return errors.WrapFatal(fmt.Errorf("registry cannot be nil"), "engine", "RegisterBuiltins", "registry validation")
	}

	adapters := []Adapter{
		{
			Service:     ServiceBus,
			Name:        "memory",
			Description: "In-process router with per-subscriber FIFO queues",
			Validate:    validateAs[memoryBusConfig],
			Construct:   constructMemoryBus,
		},
		{
			Service:     ServiceBus,
			Name:        "nats",
			Description: "NATS JetStream streams per topic, consumers per subscription",
			Validate:    validateAs[natsBusConfig],
			Construct:   constructNATSBus,
		},
		{
			Service:     ServiceKV,
			Name:        "memory",
			Description: "In-process map with TTL expiry",
			Validate:    validateAs[memoryKVConfig],
			Construct:   constructMemoryKV,
		},
		{
			Service:     ServiceKV,
			Name:        "nats",
			Description: "NATS JetStream KV bucket",
			Validate:    validateAs[natsKVConfig],
			Construct:   constructNATSKV,
		},
		{
			Service:     ServiceKV,
			Name:        "redis",
			Description: "Redis server with native key expiry",
			Validate:    validateAs[redisKVConfig],
			Construct:   constructRedisKV,
		},
		{
			Service:     ServiceCache,
			Name:        "memory",
			Description: "Result cache over a private in-process store",
			Validate:    validateAs[memoryCacheConfig],
			Construct:   constructMemoryCache,
		},
		{
			Service:     ServiceCache,
			Name:        "kv",
			Description: "Result cache over the kv service",
			Requires:    []ServiceType{ServiceKV},
			Validate:    validateAs[kvCacheConfig],
			Construct:   constructKVCache,
		},
		{
			Service:     ServiceWorkers,
			Name:        "pool",
			Description: "Bounded worker pool",
			Validate:    validateAs[poolConfig],
			Construct:   constructPool,
		},
	}

	for _, a := range adapters {
		if err := r.Register(a); err != nil {
			return err
		}
	}
	return nil
}

// adapterConfig is implemented by every built-in adapter config. resolve
// fills defaults and checks values.
type adapterConfig interface {
	resolve() error
}

// decodeConfig parses raw into T, rejecting unknown fields. Empty config
// yields T's defaults.
func decodeConfig[T any, P interface {
	*T
	adapterConfig
}](raw json.RawMessage) (*T, error) {
	cfg := new(T)
	if len(bytes.TrimSpace(raw)) > 0 && !bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields()
		if err := dec.Decode(cfg); err != nil {
			return nil, errors.WrapInvalid(err, "engine", "decodeConfig", "parse adapter config")
		}
	}
	if err := P(cfg).resolve(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func validateAs[T any, P interface {
	*T
	adapterConfig
}](raw json.RawMessage) error {
	_, err := decodeConfig[T, P](raw)
	return err
}

func parseDuration(field, value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, errors.WrapInvalid(err, "engine", "parseDuration", "parse "+field)
	}
	if d < 0 {
		return 0, errors.WrapInvalid(fmt.Errorf("%s must not be negative", field), "engine", "parseDuration", "parse "+field)
	}
	return d, nil
}

func requireURL(url string) error {
	if url == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "engine", "resolve", "url is required")
	}
	return nil
}

// natsConnConfig holds the connection settings shared by the nats adapters.
// They take effect only when this adapter dials the pooled connection.
type natsConnConfig struct {
	PingInterval  string `json:"ping_interval"`
	ReconnectWait string `json:"reconnect_wait"`
	DrainTimeout  string `json:"drain_timeout"`

	opts []natsclient.ClientOption
}

func (c *natsConnConfig) resolveConn() error {
	c.opts = nil
	for _, setting := range []struct {
		field, value string
		option       func(time.Duration) natsclient.ClientOption
	}{
		{"ping_interval", c.PingInterval, natsclient.WithPingInterval},
		{"reconnect_wait", c.ReconnectWait, natsclient.WithReconnectWait},
		{"drain_timeout", c.DrainTimeout, natsclient.WithDrainTimeout},
	} {
		d, err := parseDuration(setting.field, setting.value)
		if err != nil {
			return err
		}
		if d > 0 {
			c.opts = append(c.opts, setting.option(d))
		}
	}
	return nil
}

// acquireNATS returns a pooled client and its release function. Connection
// health changes are reported against the service until release.
func acquireNATS(ctx context.Context, deps AdapterDeps, url string, conn natsConnConfig) (*natsclient.Client, func() error, error) {
	if deps.NATS == nil {
		return nil, nil, errors.WrapFatal(errors.ErrNoConnection, "engine", "acquireNATS", "no connection pool")
	}
	opts := append([]natsclient.ClientOption{natsclient.WithName("modkit-" + string(deps.Service))}, conn.opts...)
	client, err := deps.NATS.Acquire(ctx, url, opts...)
	if err != nil {
		return nil, nil, err
	}
	stop := deps.NATS.Watch(url, func(healthy bool) {
		if deps.ReportHealth == nil {
			return
		}
		if healthy {
			deps.ReportHealth(true, "")
			return
		}
		deps.ReportHealth(false, "nats connection lost")
	})
	release := func() error {
		stop()
		return deps.NATS.Release(context.Background(), url)
	}
	return client, release, nil
}

type memoryBusConfig struct{}

func (c *memoryBusConfig) resolve() error { return nil }

func constructMemoryBus(_ context.Context, raw json.RawMessage, deps AdapterDeps) (any, error) {
	if _, err := decodeConfig[memoryBusConfig](raw); err != nil {
		return nil, err
	}
	return bus.NewMemory(
		bus.WithName(string(deps.Service)),
		bus.WithLogger(deps.Logger),
		bus.WithMetrics(deps.Metrics),
	)
}

type natsBusConfig struct {
	URL           string `json:"url"`
	StreamPrefix  string `json:"stream_prefix"`
	SubjectPrefix string `json:"subject_prefix"`
	MaxAge        string `json:"max_age"`
	Timeout       string `json:"timeout"`
	Replicas      int    `json:"replicas"`
	natsConnConfig

	parsed bus.NATSConfig
}

func (c *natsBusConfig) resolve() error {
	if err := requireURL(c.URL); err != nil {
		return err
	}
	if err := c.resolveConn(); err != nil {
		return err
	}
	maxAge, err := parseDuration("max_age", c.MaxAge)
	if err != nil {
		return err
	}
	timeout, err := parseDuration("timeout", c.Timeout)
	if err != nil {
		return err
	}
	c.parsed = bus.NATSConfig{
		URL:           c.URL,
		StreamPrefix:  c.StreamPrefix,
		SubjectPrefix: c.SubjectPrefix,
		MaxAge:        maxAge,
		Timeout:       timeout,
		Replicas:      c.Replicas,
	}
	return c.parsed.Validate()
}

func constructNATSBus(ctx context.Context, raw json.RawMessage, deps AdapterDeps) (any, error) {
	cfg, err := decodeConfig[natsBusConfig](raw)
	if err != nil {
		return nil, err
	}
	client, release, err := acquireNATS(ctx, deps, cfg.URL, cfg.natsConnConfig)
	if err != nil {
		return nil, err
	}
	b, err := bus.NewNATS(client, cfg.parsed,
		bus.WithName(string(deps.Service)),
		bus.WithLogger(deps.Logger),
		bus.WithMetrics(deps.Metrics),
		bus.WithOnClose(release),
	)
	if err != nil {
		_ = release()
		return nil, err
	}
	return b, nil
}

type memoryKVConfig struct {
	CleanupInterval string `json:"cleanup_interval"`

	interval time.Duration
}

func (c *memoryKVConfig) resolve() error {
	c.interval = time.Minute
	if c.CleanupInterval != "" {
		d, err := parseDuration("cleanup_interval", c.CleanupInterval)
		if err != nil {
			return err
		}
		c.interval = d
	}
	return nil
}

func constructMemoryKV(_ context.Context, raw json.RawMessage, deps AdapterDeps) (any, error) {
	cfg, err := decodeConfig[memoryKVConfig](raw)
	if err != nil {
		return nil, err
	}
	return kv.NewMemory(
		kv.WithName(string(deps.Service)),
		kv.WithLogger(deps.Logger),
		kv.WithMetrics(deps.Metrics),
		kv.WithCleanupInterval(cfg.interval),
	)
}

type natsKVConfig struct {
	URL      string `json:"url"`
	Bucket   string `json:"bucket"`
	Timeout  string `json:"timeout"`
	Replicas int    `json:"replicas"`
	natsConnConfig

	parsed kv.NATSConfig
}

func (c *natsKVConfig) resolve() error {
	if err := requireURL(c.URL); err != nil {
		return err
	}
	if c.Bucket == "" {
		c.Bucket = "modkit"
	}
	if err := c.resolveConn(); err != nil {
		return err
	}
	timeout, err := parseDuration("timeout", c.Timeout)
	if err != nil {
		return err
	}
	c.parsed = kv.NATSConfig{URL: c.URL, Bucket: c.Bucket, Timeout: timeout, Replicas: c.Replicas}
	return c.parsed.Validate()
}

func constructNATSKV(ctx context.Context, raw json.RawMessage, deps AdapterDeps) (any, error) {
	cfg, err := decodeConfig[natsKVConfig](raw)
	if err != nil {
		return nil, err
	}
	client, release, err := acquireNATS(ctx, deps, cfg.URL, cfg.natsConnConfig)
	if err != nil {
		return nil, err
	}
	store, err := kv.NewNATS(ctx, client, cfg.parsed,
		kv.WithName(string(deps.Service)),
		kv.WithLogger(deps.Logger),
		kv.WithMetrics(deps.Metrics),
		kv.WithOnClose(release),
	)
	if err != nil {
		_ = release()
		return nil, err
	}
	return store, nil
}

type redisKVConfig struct {
	URL     string `json:"url"`
	Prefix  string `json:"prefix"`
	Timeout string `json:"timeout"`

	parsed kv.RedisConfig
}

func (c *redisKVConfig) resolve() error {
	if err := requireURL(c.URL); err != nil {
		return err
	}
	if c.Prefix == "" {
		c.Prefix = "modkit:"
	}
	timeout := 5 * time.Second
	if c.Timeout != "" {
		d, err := parseDuration("timeout", c.Timeout)
		if err != nil {
			return err
		}
		timeout = d
	}
	c.parsed = kv.RedisConfig{URL: c.URL, Prefix: c.Prefix, Timeout: timeout}
	return c.parsed.Validate()
}

func constructRedisKV(ctx context.Context, raw json.RawMessage, deps AdapterDeps) (any, error) {
	cfg, err := decodeConfig[redisKVConfig](raw)
	if err != nil {
		return nil, err
	}
	return kv.NewRedis(ctx, cfg.parsed,
		kv.WithName(string(deps.Service)),
		kv.WithLogger(deps.Logger),
		kv.WithMetrics(deps.Metrics),
	)
}

type memoryCacheConfig struct {
	TTLSeconds int    `json:"ttl_seconds"`
	Prefix     string `json:"prefix"`

	ttl time.Duration
}

func (c *memoryCacheConfig) resolve() error {
	ttl, err := kv.TTLFromSeconds(c.TTLSeconds)
	if err != nil {
		return err
	}
	c.ttl = ttl
	return nil
}

func cacheOptions(deps AdapterDeps, ttl time.Duration, prefix string) []cache.BackendOption {
	opts := []cache.BackendOption{
		cache.WithTTL(ttl),
		cache.WithLogger(deps.Logger),
	}
	if prefix != "" {
		opts = append(opts, cache.WithPrefix(prefix))
	}
	if deps.Metrics != nil {
		opts = append(opts, cache.WithMetrics(deps.Metrics, string(deps.Service)))
	}
	return opts
}

func constructMemoryCache(_ context.Context, raw json.RawMessage, deps AdapterDeps) (any, error) {
	cfg, err := decodeConfig[memoryCacheConfig](raw)
	if err != nil {
		return nil, err
	}
	store, err := kv.NewMemory(kv.WithName(string(deps.Service)+"_store"), kv.WithLogger(deps.Logger))
	if err != nil {
		return nil, err
	}
	opts := append(cacheOptions(deps, cfg.ttl, cfg.Prefix), cache.WithOnClose(store.Close))
	backend, err := cache.NewBackend(store, opts...)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	return backend, nil
}

type kvCacheConfig struct {
	TTLSeconds int    `json:"ttl_seconds"`
	Prefix     string `json:"prefix"`

	ttl time.Duration
}

func (c *kvCacheConfig) resolve() error {
	ttl, err := kv.TTLFromSeconds(c.TTLSeconds)
	if err != nil {
		return err
	}
	c.ttl = ttl
	return nil
}

// constructKVCache shares the kv service; closing the cache leaves it open.
func constructKVCache(_ context.Context, raw json.RawMessage, deps AdapterDeps) (any, error) {
	cfg, err := decodeConfig[kvCacheConfig](raw)
	if err != nil {
		return nil, err
	}
	instance, ok := deps.Lookup(ServiceKV)
	if !ok {
		return nil, errors.WrapFatal(errors.ErrServiceNotPresent, "engine", "constructKVCache", "lookup kv service")
	}
	store, ok := instance.(cache.Store)
	if !ok {
		return nil, errors.WrapInvalid(fmt.Errorf("kv service is %T", instance), "engine", "constructKVCache", "kv service type")
	}
	return cache.NewBackend(store, cacheOptions(deps, cfg.ttl, cfg.Prefix)...)
}

type poolConfig struct {
	Workers       int     `json:"workers"`
	QueueSize     int     `json:"queue_size"`
	RatePerSecond float64 `json:"rate_per_second"`
	Burst         int     `json:"burst"`
}

func (c *poolConfig) resolve() error {
	if c.Workers == 0 {
		c.Workers = 4
	}
	if c.QueueSize == 0 {
		c.QueueSize = 100
	}
	if c.Workers < 0 || c.QueueSize < 0 || c.RatePerSecond < 0 || c.Burst < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "engine", "resolve", "pool settings must not be negative")
	}
	return nil
}

// constructPool starts the pool on the engine's lifetime context, so it
// outlives the Load call and stops with Engine.Close.
func constructPool(_ context.Context, raw json.RawMessage, deps AdapterDeps) (any, error) {
	cfg, err := decodeConfig[poolConfig](raw)
	if err != nil {
		return nil, err
	}
	opts := []worker.Option{worker.WithLogger(deps.Logger)}
	if deps.Metrics != nil {
		opts = append(opts, worker.WithMetricsRegistry(deps.Metrics, string(deps.Service)))
	}
	if cfg.RatePerSecond > 0 {
		opts = append(opts, worker.WithRateLimit(cfg.RatePerSecond, cfg.Burst))
	}

	pool, err := worker.NewPool(cfg.Workers, cfg.QueueSize, opts...)
	if err != nil {
		return nil, err
	}
	if err := pool.Start(deps.Context); err != nil {
		return nil, err
	}
	return pool, nil
}
