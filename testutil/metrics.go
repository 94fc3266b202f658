package testutil

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

// Family returns the gathered metric family called name, or nil.
func Family(t *testing.T, g prometheus.Gatherer, name string) *dto.MetricFamily {
	t.Helper()
	families, err := g.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == name {
			return mf
		}
	}
	return nil
}

// CounterValue reads the first counter series of name whose label values
// include every one of labels. Missing series read as zero.
func CounterValue(t *testing.T, g prometheus.Gatherer, name string, labels ...string) float64 {
	t.Helper()
	mf := Family(t, g, name)
	if mf == nil {
		return 0
	}
	for _, m := range mf.GetMetric() {
		if hasLabelValues(m, labels) {
			return m.GetCounter().GetValue()
		}
	}
	return 0
}

// CounterSum adds every series of the counter called name.
func CounterSum(t *testing.T, g prometheus.Gatherer, name string) float64 {
	t.Helper()
	mf := Family(t, g, name)
	if mf == nil {
		return 0
	}
	var sum float64
	for _, m := range mf.GetMetric() {
		sum += m.GetCounter().GetValue()
	}
	return sum
}

// GaugeValue reads a gauge series the same way CounterValue reads counters.
func GaugeValue(t *testing.T, g prometheus.Gatherer, name string, labels ...string) float64 {
	t.Helper()
	mf := Family(t, g, name)
	if mf == nil {
		return 0
	}
	for _, m := range mf.GetMetric() {
		if hasLabelValues(m, labels) {
			return m.GetGauge().GetValue()
		}
	}
	return 0
}

func hasLabelValues(m *dto.Metric, labels []string) bool {
	values := make(map[string]bool, len(m.GetLabel()))
	for _, l := range m.GetLabel() {
		values[l.GetValue()] = true
	}
	for _, want := range labels {
		if !values[want] {
			return false
		}
	}
	return true
}
