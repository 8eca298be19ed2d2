package metric

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/modkit/errors"
)

func TestMetricsRegistry_RegisterAndDuplicate(t *testing.T) {
	reg := NewMetricsRegistry()

	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "kv_ops_total", Help: "ops"})
	require.NoError(t, reg.RegisterCounter("kv", "ops", counter))

	err := reg.RegisterCounter("kv", "ops", counter)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))

	other := prometheus.NewCounter(prometheus.CounterOpts{Name: "kv_ops_total", Help: "ops"})
	err = reg.RegisterCounter("kv2", "ops", other)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestMetricsRegistry_UnregisterService(t *testing.T) {
	reg := NewMetricsRegistry()

	require.NoError(t, reg.RegisterCounterVec("bus", "published",
		prometheus.NewCounterVec(prometheus.CounterOpts{Name: "bus_published_total", Help: "p"}, []string{"topic"})))
	require.NoError(t, reg.RegisterGauge("bus", "subscribers",
		prometheus.NewGauge(prometheus.GaugeOpts{Name: "bus_subscribers", Help: "s"})))
	require.NoError(t, reg.RegisterGauge("busy", "x",
		prometheus.NewGauge(prometheus.GaugeOpts{Name: "busy_x", Help: "x"})))

	assert.Equal(t, 2, reg.UnregisterService("bus"))
	assert.False(t, reg.Unregister("bus", "published"))
	assert.True(t, reg.Unregister("busy", "x"))

	// A new instance can register again after the old one is gone.
	require.NoError(t, reg.RegisterGauge("bus", "subscribers",
		prometheus.NewGauge(prometheus.GaugeOpts{Name: "bus_subscribers", Help: "s"})))
}

func TestCoreMetrics(t *testing.T) {
	reg := NewMetricsRegistry()
	m := reg.CoreMetrics()

	m.RecordCapabilityDenial("reporter", "kv")
	m.RecordCapabilityDenial("reporter", "kv")
	assert.Equal(t, 2.0, testutil.ToFloat64(m.CapabilityDenials.WithLabelValues("reporter", "kv")))

	m.RecordServiceConstructed("bus", "memory", true)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ServicesConstructed.WithLabelValues("bus", "memory")))

	m.RecordLoad(10*time.Millisecond, errors.ErrInvalidConfig)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.LoadFailures))

	m.RecordModulesLoaded(3)
	assert.Equal(t, 3.0, testutil.ToFloat64(m.ModulesLoaded))
}

func TestServer_Handler(t *testing.T) {
	reg := NewMetricsRegistry()
	reg.CoreMetrics().RecordModulesLoaded(1)

	healthy := false
	srv := NewServer(0, "", reg, func() (bool, string) { return healthy, "engine: loading" })
	h, err := srv.Handler()
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "modkit_module_loaded 1"))

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "engine: loading", rec.Body.String())

	healthy = true
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, "http://localhost:9090/metrics", srv.Address())
}

func TestServer_NilRegistry(t *testing.T) {
	_, err := NewServer(0, "", nil, nil).Handler()
	assert.True(t, errors.IsFatal(err))
}
