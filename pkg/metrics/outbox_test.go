package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutboxMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewOutboxMetrics(reg)

	m.Record("order_paid", OutcomePublished)
	m.Record("order_paid", OutcomePublished)
	m.Record("order_paid", OutcomeRetry)
	m.SetBacklog(4, 1)

	events := gather(t, reg, "cardkey_outbox_events_total")
	published := labelled(events, map[string]string{"event_type": "order_paid", "outcome": OutcomePublished})
	require.NotNil(t, published)
	assert.Equal(t, 2.0, published.GetCounter().GetValue())

	backlog := gather(t, reg, "cardkey_outbox_backlog")
	parked := labelled(backlog, map[string]string{"state": OutcomeParked})
	require.NotNil(t, parked)
	assert.Equal(t, 1.0, parked.GetGauge().GetValue())
}

func TestNilOutboxMetricsAreSafe(t *testing.T) {
	var m *OutboxMetrics
	assert.Nil(t, NewOutboxMetrics(nil))
	m.Record("order_paid", OutcomeRetry)
	m.SetBacklog(1, 1)
}
