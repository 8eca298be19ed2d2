package metric

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshot(t *testing.T) {
	reg := NewMetricsRegistry()
	m := reg.CoreMetrics()
	m.RecordModuleState("heartbeat", 3)
	m.RecordModulesLoaded(2)
	m.RecordCapabilityDenial("reporter", "kv")
	m.RecordLoad(5*time.Millisecond, nil)

	snap, err := reg.Snapshot("modkit_")
	require.NoError(t, err)

	assert.Equal(t, 3.0, snap[`modkit_module_state{module="heartbeat"}`])
	assert.Equal(t, 2.0, snap["modkit_module_loaded"])
	assert.Equal(t, 1.0, snap[`modkit_proxy_denials_total{module="reporter",service="kv"}`])
	assert.Equal(t, 1.0, snap["modkit_engine_load_duration_seconds"])

	for key := range snap {
		assert.NotContains(t, key, "go_", "prefix filters runtime collectors")
	}
}

func TestServer_ExpositionParses(t *testing.T) {
	reg := NewMetricsRegistry()
	reg.CoreMetrics().RecordServiceConstructed("bus", "memory", true)

	h, err := NewServer(0, "", reg, nil).Handler()
	require.NoError(t, err)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var parser expfmt.TextParser
	families, err := parser.TextToMetricFamilies(rec.Body)
	require.NoError(t, err)

	family, ok := families["modkit_service_constructed"]
	require.True(t, ok)
	assert.Equal(t, dto.MetricType_GAUGE, family.GetType())
	require.Len(t, family.GetMetric(), 1)
	assert.Equal(t, 1.0, family.GetMetric()[0].GetGauge().GetValue())
}
