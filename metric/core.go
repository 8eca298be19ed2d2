package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains the runtime-level metrics (not adapter-specific)
type Metrics struct {
	ModuleState         *prometheus.GaugeVec
	ModulesLoaded       prometheus.Gauge
	ServicesConstructed *prometheus.GaugeVec
	CapabilityDenials   *prometheus.CounterVec
	LoadDuration        prometheus.Histogram
	LoadFailures        prometheus.Counter

	NATSConnected      prometheus.Gauge
	NATSReconnects     prometheus.Counter
	NATSCircuitBreaker prometheus.Gauge
}

// NewMetrics creates a new Metrics instance with all runtime metrics
func NewMetrics() *Metrics {
	return &Metrics{
		ModuleState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "modkit",
				Subsystem: "module",
				Name:      "state",
				Help:      "Module lifecycle state (0=unloaded, 1=loading, 2=loaded, 3=initialized)",
			},
			[]string{"module"},
		),

		ModulesLoaded: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "modkit",
				Subsystem: "module",
				Name:      "loaded",
				Help:      "Number of modules in the current composition",
			},
		),

		ServicesConstructed: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "modkit",
				Subsystem: "service",
				Name:      "constructed",
				Help:      "Service instances present in the registry (1=constructed)",
			},
			[]string{"service", "adapter"},
		),

		CapabilityDenials: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "modkit",
				Subsystem: "proxy",
				Name:      "denials_total",
				Help:      "Service lookups rejected because the module did not declare the service",
			},
			[]string{"module", "service"},
		),

		LoadDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "modkit",
				Subsystem: "engine",
				Name:      "load_duration_seconds",
				Help:      "Time taken to resolve, construct and initialize a composition",
				Buckets:   prometheus.DefBuckets,
			},
		),

		LoadFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "modkit",
				Subsystem: "engine",
				Name:      "load_failures_total",
				Help:      "Number of composition loads that failed",
			},
		),

		NATSConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "modkit",
				Subsystem: "nats",
				Name:      "connected",
				Help:      "NATS connection status (0=disconnected, 1=connected)",
			},
		),

		NATSReconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "modkit",
				Subsystem: "nats",
				Name:      "reconnects_total",
				Help:      "Total number of NATS reconnections",
			},
		),

		NATSCircuitBreaker: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "modkit",
				Subsystem: "nats",
				Name:      "circuit_breaker",
				Help:      "NATS circuit breaker status (0=closed, 1=open, 2=half-open)",
			},
		),
	}
}

func (c *Metrics) register(reg *prometheus.Registry) {
	reg.MustRegister(
		c.ModuleState,
		c.ModulesLoaded,
		c.ServicesConstructed,
		c.CapabilityDenials,
		c.LoadDuration,
		c.LoadFailures,
		c.NATSConnected,
		c.NATSReconnects,
		c.NATSCircuitBreaker,
	)
}

// RecordModuleState updates the lifecycle state of a module
func (c *Metrics) RecordModuleState(module string, state int) {
	c.ModuleState.WithLabelValues(module).Set(float64(state))
}

// RecordModulesLoaded sets the size of the current composition
func (c *Metrics) RecordModulesLoaded(n int) {
	c.ModulesLoaded.Set(float64(n))
}

// RecordServiceConstructed marks a service type as present or absent
func (c *Metrics) RecordServiceConstructed(service, adapter string, present bool) {
	value := 0.0
	if present {
		value = 1.0
	}
	c.ServicesConstructed.WithLabelValues(service, adapter).Set(value)
}

// RecordCapabilityDenial increments the denial counter for module and service
func (c *Metrics) RecordCapabilityDenial(module, service string) {
	c.CapabilityDenials.WithLabelValues(module, service).Inc()
}

// RecordLoad records the outcome of a composition load
func (c *Metrics) RecordLoad(duration time.Duration, err error) {
	c.LoadDuration.Observe(duration.Seconds())
	if err != nil {
		c.LoadFailures.Inc()
	}
}

// RecordNATSStatus updates NATS connection status
func (c *Metrics) RecordNATSStatus(connected bool) {
	value := 0.0
	if connected {
		value = 1.0
	}
	c.NATSConnected.Set(value)
}

// RecordNATSReconnect increments reconnection counter
func (c *Metrics) RecordNATSReconnect() {
	c.NATSReconnects.Inc()
}

// RecordCircuitBreakerState updates circuit breaker status
func (c *Metrics) RecordCircuitBreakerState(state int) {
	c.NATSCircuitBreaker.Set(float64(state))
}
