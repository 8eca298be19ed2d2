package metric

import (
	"sort"
	"strings"

	dto "github.com/prometheus/client_model/go"

	"github.com/c360/modkit/errors"
)

// Snapshot gathers the current value of every counter and gauge whose name
// starts with prefix. Keys are the metric name followed by its labels in
// exposition form, e.g. `modkit_module_state{module="heartbeat"}`.
// Histograms report their sample count.
func (r *MetricsRegistry) Snapshot(prefix string) (map[string]float64, error) {
	families, err := r.prometheusRegistry.Gather()
	if err != nil {
		return nil, errors.WrapTransient(err, "MetricsRegistry", "Snapshot", "gather metrics")
	}

	out := make(map[string]float64)
	for _, family := range families {
		name := family.GetName()
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		for _, m := range family.GetMetric() {
			value, ok := sampleValue(family.GetType(), m)
			if !ok {
				continue
			}
			out[name+formatLabels(m.GetLabel())] = value
		}
	}
	return out, nil
}

func sampleValue(kind dto.MetricType, m *dto.Metric) (float64, bool) {
	switch kind {
	case dto.MetricType_COUNTER:
		return m.GetCounter().GetValue(), true
	case dto.MetricType_GAUGE:
		return m.GetGauge().GetValue(), true
	case dto.MetricType_UNTYPED:
		return m.GetUntyped().GetValue(), true
	case dto.MetricType_HISTOGRAM:
		return float64(m.GetHistogram().GetSampleCount()), true
	default:
		return 0, false
	}
}

func formatLabels(labels []*dto.LabelPair) string {
	if len(labels) == 0 {
		return ""
	}
	pairs := make([]string, 0, len(labels))
	for _, l := range labels {
		pairs = append(pairs, l.GetName()+`="`+l.GetValue()+`"`)
	}
	sort.Strings(pairs)
	return "{" + strings.Join(pairs, ",") + "}"
}
