package metrics

import "github.com/prometheus/client_golang/prometheus"

// Outbox publish outcomes.
const (
	OutcomePublished = "published"
	OutcomeRetry     = "retry"
	OutcomeParked    = "parked"
)

// OutboxMetrics tracks the publisher. A nil value records nothing.
type OutboxMetrics struct {
	events  *prometheus.CounterVec
	backlog *prometheus.GaugeVec
}

func NewOutboxMetrics(reg prometheus.Registerer) *OutboxMetrics {
	if reg == nil {
		return nil
	}
	m := &OutboxMetrics{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "outbox",
			Name:      "events_total",
			Help:      "Publish attempts by event type and outcome.",
		}, []string{"event_type", "outcome"}),
		backlog: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "outbox",
			Name:      "backlog",
			Help:      "Unpublished rows; state=parked have used up their attempts.",
		}, []string{"state"}),
	}
	reg.MustRegister(m.events, m.backlog)
	return m
}

func (m *OutboxMetrics) Record(eventType, outcome string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(eventType, outcome).Inc()
}

func (m *OutboxMetrics) SetBacklog(pending, parked int64) {
	if m == nil {
		return
	}
	m.backlog.WithLabelValues("pending").Set(float64(pending))
	m.backlog.WithLabelValues(OutcomeParked).Set(float64(parked))
}
