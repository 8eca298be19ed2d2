package kv

import (
	"log/slog"
	"time"

	"github.com/c360/modkit/metric"
)

type storeOptions struct {
	name            string
	logger          *slog.Logger
	metrics         *metric.MetricsRegistry
	cleanupInterval time.Duration
	now             func() time.Time
	onClose         func() error
}

func defaultOptions() storeOptions {
	return storeOptions{
		name:            "kv",
		logger:          slog.Default(),
		cleanupInterval: time.Minute,
		now:             time.Now,
	}
}

// Option configures a store
type Option func(*storeOptions)

// WithName sets the name used in logs and metric keys
func WithName(name string) Option {
	return func(o *storeOptions) {
		if name != "" {
			o.name = name
		}
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(o *storeOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics enables Prometheus metrics
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(o *storeOptions) {
		o.metrics = registry
	}
}

// WithCleanupInterval sets how often the memory adapter purges expired entries.
// Zero disables the background sweep; expired entries are still never visible.
func WithCleanupInterval(d time.Duration) Option {
	return func(o *storeOptions) {
		o.cleanupInterval = d
	}
}

// WithClock replaces time.Now for expiry decisions.
func WithClock(now func() time.Time) Option {
	return func(o *storeOptions) {
		if now != nil {
			o.now = now
		}
	}
}

// WithOnClose registers a hook run once when the store is closed, typically
// releasing a pooled connection.
func WithOnClose(fn func() error) Option {
	return func(o *storeOptions) {
		o.onClose = fn
	}
}
