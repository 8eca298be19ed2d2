package cache

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/modkit/metric"
)

// cacheMetrics holds Prometheus metrics for cache operations
type cacheMetrics struct {
	calls *prometheus.CounterVec
}

func newCacheMetrics(registry *metric.MetricsRegistry, name string) (*cacheMetrics, error) {
	m := &cacheMetrics{
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "modkit",
			Subsystem:   "cache",
			Name:        "events_total",
			ConstLabels: prometheus.Labels{"cache": name},
			Help:        "Cache events by memoized function and outcome",
		}, []string{"function", "event"}),
	}
	if err := registry.RegisterCounterVec(name, "cache_events", m.calls); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *cacheMetrics) record(fn, event string) {
	if m != nil {
		m.calls.WithLabelValues(fn, event).Inc()
	}
}
