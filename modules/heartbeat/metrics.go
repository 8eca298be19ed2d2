package heartbeat

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/modkit/metric"
)

type heartbeatMetrics struct {
	beats  prometheus.Counter
	errors prometheus.Counter
	leader prometheus.Gauge
}

func newHeartbeatMetrics(registry *metric.MetricsRegistry, name, node string) (*heartbeatMetrics, error) {
	labels := prometheus.Labels{"node": node}
	m := &heartbeatMetrics{
		beats: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "modkit", Subsystem: "heartbeat", Name: "beats_total",
			Help: "Heartbeats published", ConstLabels: labels,
		}),
		errors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "modkit", Subsystem: "heartbeat", Name: "errors_total",
			Help: "Failed lock checks and publishes", ConstLabels: labels,
		}),
		leader: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "modkit", Subsystem: "heartbeat", Name: "leader",
			Help: "1 while this node holds the leader lock", ConstLabels: labels,
		}),
	}

	for _, err := range []error{
		registry.RegisterCounter(name, "beats", m.beats),
		registry.RegisterCounter(name, "errors", m.errors),
		registry.RegisterGauge(name, "leader", m.leader),
	} {
		if err != nil {
			registry.UnregisterService(name)
			return nil, err
		}
	}
	return m, nil
}

func (m *heartbeatMetrics) recordBeat() {
	if m != nil {
		m.beats.Inc()
	}
}

func (m *heartbeatMetrics) recordError() {
	if m != nil {
		m.errors.Inc()
	}
}

func (m *heartbeatMetrics) setLeader(leader bool) {
	if m == nil {
		return
	}
	if leader {
		m.leader.Set(1)
	} else {
		m.leader.Set(0)
	}
}
