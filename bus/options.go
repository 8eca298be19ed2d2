package bus

import (
	"log/slog"

	"github.com/c360/modkit/metric"
)

type busOptions struct {
	name    string
	logger  *slog.Logger
	metrics *metric.MetricsRegistry
	onClose func() error
}

func defaultOptions() busOptions {
	return busOptions{name: "bus", logger: slog.Default()}
}

// Option configures a bus adapter
type Option func(*busOptions)

// WithName sets the name used in logs and metric keys
func WithName(name string) Option {
	return func(o *busOptions) {
		if name != "" {
			o.name = name
		}
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(o *busOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics enables Prometheus metrics
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(o *busOptions) { o.metrics = registry }
}

// WithOnClose registers a hook run once after Close has stopped every
// subscription, e.g. releasing a pooled connection.
func WithOnClose(fn func() error) Option {
	return func(o *busOptions) { o.onClose = fn }
}
