package bus

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/modkit/metric"
)

// Statistics tracks bus activity. Always collected, independent of Prometheus.
type Statistics struct {
	published     atomic.Int64
	delivered     atomic.Int64
	failed        atomic.Int64
	subscriptions atomic.Int64
}

// Published returns accepted publishes
func (s *Statistics) Published() int64 { return s.published.Load() }

// Delivered returns handler invocations that succeeded
func (s *Statistics) Delivered() int64 { return s.delivered.Load() }

// Failed returns handler invocations that returned an error or panicked
func (s *Statistics) Failed() int64 { return s.failed.Load() }

// Subscriptions returns the number of active subscriptions
func (s *Statistics) Subscriptions() int64 { return s.subscriptions.Load() }

type busMetrics struct {
	published     *prometheus.CounterVec
	delivered     *prometheus.CounterVec
	failed        *prometheus.CounterVec
	subscriptions prometheus.Gauge
}

func newBusMetrics(registry *metric.MetricsRegistry, name, adapter string) (*busMetrics, error) {
	labels := prometheus.Labels{"bus": name, "adapter": adapter}
	m := &busMetrics{
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "modkit",
			Subsystem:   "bus",
			Name:        "published_total",
			ConstLabels: labels,
			Help:        "Messages published per topic",
		}, []string{"topic"}),
		delivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "modkit",
			Subsystem:   "bus",
			Name:        "delivered_total",
			ConstLabels: labels,
			Help:        "Messages handled successfully per topic",
		}, []string{"topic"}),
		failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "modkit",
			Subsystem:   "bus",
			Name:        "failed_total",
			ConstLabels: labels,
			Help:        "Handler errors and panics per topic",
		}, []string{"topic"}),
		subscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "modkit",
			Subsystem:   "bus",
			Name:        "subscriptions",
			ConstLabels: labels,
			Help:        "Active subscriptions",
		}),
	}

	if err := registry.RegisterCounterVec(name, "bus_published", m.published); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec(name, "bus_delivered", m.delivered); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec(name, "bus_failed", m.failed); err != nil {
		return nil, err
	}
	if err := registry.RegisterGauge(name, "bus_subscriptions", m.subscriptions); err != nil {
		return nil, err
	}
	return m, nil
}

func (s *Statistics) recordPublished(m *busMetrics, topic string) {
	s.published.Add(1)
	if m != nil {
		m.published.WithLabelValues(topic).Inc()
	}
}

func (s *Statistics) recordDelivered(m *busMetrics, topic string) {
	s.delivered.Add(1)
	if m != nil {
		m.delivered.WithLabelValues(topic).Inc()
	}
}

func (s *Statistics) recordFailed(m *busMetrics, topic string) {
	s.failed.Add(1)
	if m != nil {
		m.failed.WithLabelValues(topic).Inc()
	}
}

func (s *Statistics) recordSubscriptions(m *busMetrics, delta int64) {
	n := s.subscriptions.Add(delta)
	if m != nil {
		m.subscriptions.Set(float64(n))
	}
}
