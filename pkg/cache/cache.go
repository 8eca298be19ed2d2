// Package cache memoizes function results in a TTL store, keyed by the
// function's fully resolved arguments. A Backend is the cache service shared
// by modules; each Memoizer wraps one function on top of it.
package cache

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/c360/modkit/errors"
	"github.com/c360/modkit/metric"
)

// Store is the storage a Backend needs. kv.Store satisfies it.
type Store interface {
	// Get returns errors.ErrNotFound for a missing or expired key.
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// Backend is the cache service: a store, a key namespace and a default TTL.
type Backend struct {
	store   Store
	prefix  string
	ttl     time.Duration
	logger  *slog.Logger
	stats   *Statistics
	metrics *cacheMetrics
	onClose func() error

	closeOnce sync.Once
	closeErr  error
}

// BackendOption configures a Backend
type BackendOption func(*backendConfig)

type backendConfig struct {
	name       string
	prefix     string
	ttl        time.Duration
	logger     *slog.Logger
	metricsReg *metric.MetricsRegistry
	onClose    func() error
}

// WithTTL sets the default entry lifetime. Zero stores entries without expiry.
func WithTTL(ttl time.Duration) BackendOption {
	return func(c *backendConfig) { c.ttl = ttl }
}

// WithPrefix namespaces every key written by the backend
func WithPrefix(prefix string) BackendOption {
	return func(c *backendConfig) { c.prefix = prefix }
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) BackendOption {
	return func(c *backendConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics exposes statistics to Prometheus under name
func WithMetrics(registry *metric.MetricsRegistry, name string) BackendOption {
	return func(c *backendConfig) {
		c.metricsReg = registry
		if name != "" {
			c.name = name
		}
	}
}

// WithOnClose registers a hook run once by Close, e.g. closing a private store.
func WithOnClose(fn func() error) BackendOption {
	return func(c *backendConfig) { c.onClose = fn }
}

// NewBackend creates a cache service over store
func NewBackend(store Store, opts ...BackendOption) (*Backend, error) {
	if store == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "cache", "NewBackend", "validate store")
	}
	cfg := backendConfig{name: "cache", prefix: "cache:", logger: slog.Default()}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.ttl < 0 {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "cache", "NewBackend", "validate negative ttl")
	}

	var metrics *cacheMetrics
	if cfg.metricsReg != nil {
		var err error
		metrics, err = newCacheMetrics(cfg.metricsReg, cfg.name)
		if err != nil {
			return nil, errors.WrapTransient(err, "cache", "NewBackend", "metrics registration")
		}
	}

	return &Backend{
		store:   store,
		prefix:  cfg.prefix,
		ttl:     cfg.ttl,
		logger:  cfg.logger.With("component", "cache", "cache", cfg.name),
		stats:   NewStatistics(),
		metrics: metrics,
		onClose: cfg.onClose,
	}, nil
}

// TTL returns the default entry lifetime
func (b *Backend) TTL() time.Duration {
	return b.ttl
}

// Stats returns cache statistics
func (b *Backend) Stats() *Statistics {
	return b.stats
}

// Close runs the close hook once
func (b *Backend) Close() error {
	b.closeOnce.Do(func() {
		if b.onClose != nil {
			b.closeErr = b.onClose()
		}
	})
	return b.closeErr
}
