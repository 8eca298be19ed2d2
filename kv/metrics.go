package kv

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/modkit/metric"
)

// storeMetrics exposes Statistics to Prometheus when a registry is supplied.
type storeMetrics struct {
	ops         *prometheus.CounterVec
	expirations prometheus.Counter
	size        prometheus.Gauge
}

func newStoreMetrics(registry *metric.MetricsRegistry, name, adapter string) (*storeMetrics, error) {
	labels := prometheus.Labels{"store": name, "adapter": adapter}
	m := &storeMetrics{
		ops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "modkit",
			Subsystem:   "kv",
			Name:        "operations_total",
			ConstLabels: labels,
			Help:        "Key-value operations by kind and result",
		}, []string{"op", "result"}),
		expirations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "modkit",
			Subsystem:   "kv",
			Name:        "expirations_total",
			ConstLabels: labels,
			Help:        "Entries removed because their TTL passed",
		}),
		size: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "modkit",
			Subsystem:   "kv",
			Name:        "entries",
			ConstLabels: labels,
			Help:        "Entries currently held (memory adapter only)",
		}),
	}

	if err := registry.RegisterCounterVec(name, "kv_operations", m.ops); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter(name, "kv_expirations", m.expirations); err != nil {
		return nil, err
	}
	if err := registry.RegisterGauge(name, "kv_entries", m.size); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *storeMetrics) record(op, result string) {
	if m != nil {
		m.ops.WithLabelValues(op, result).Inc()
	}
}

func (m *storeMetrics) recordExpired(n int) {
	if m != nil && n > 0 {
		m.expirations.Add(float64(n))
	}
}

func (m *storeMetrics) updateSize(n int) {
	if m != nil {
		m.size.Set(float64(n))
	}
}
