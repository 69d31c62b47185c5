package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gather(t *testing.T, reg *prometheus.Registry, name string) *dto.MetricFamily {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == name {
			return mf
		}
	}
	t.Fatalf("metric %s not gathered", name)
	return nil
}

func labelled(mf *dto.MetricFamily, want map[string]string) *dto.Metric {
	for _, m := range mf.GetMetric() {
		matched := 0
		for _, lp := range m.GetLabel() {
			if want[lp.GetName()] == lp.GetValue() {
				matched++
			}
		}
		if matched == len(want) {
			return m
		}
	}
	return nil
}

func TestCronJobMetricsSplitRunsByOutcome(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewCronJobMetrics(reg)

	m.IncSuccess("order-expiry")
	m.IncSuccess("order-expiry")
	m.IncSkipped("reservation-cleanup")
	m.IncFailure("outbox-retention")
	m.ObserveDuration("order-expiry", 120*time.Millisecond)

	runs := gather(t, reg, "cardkey_cron_job_runs_total")
	success := labelled(runs, map[string]string{"job": "order-expiry", "outcome": OutcomeSuccess})
	require.NotNil(t, success)
	assert.Equal(t, 2.0, success.GetCounter().GetValue())
	assert.NotNil(t, labelled(runs, map[string]string{"job": "reservation-cleanup", "outcome": OutcomeSkipped}))
	assert.NotNil(t, labelled(runs, map[string]string{"job": "outbox-retention", "outcome": OutcomeFailure}))

	last := labelled(gather(t, reg, "cardkey_cron_job_last_success_timestamp_seconds"), map[string]string{"job": "order-expiry"})
	require.NotNil(t, last)
	assert.Greater(t, last.GetGauge().GetValue(), 0.0)

	hist := labelled(gather(t, reg, "cardkey_cron_job_duration_seconds"), map[string]string{"job": "order-expiry"})
	require.NotNil(t, hist)
	assert.InDelta(t, 0.12, hist.GetHistogram().GetSampleSum(), 1e-9)
}

func TestNilCronMetricsAreSafe(t *testing.T) {
	m := NewCronJobMetrics(nil)
	assert.Nil(t, m)
	m.IncSuccess("x")
	m.IncFailure("x")
	m.IncSkipped("")
	m.ObserveDuration("x", time.Second)
}
