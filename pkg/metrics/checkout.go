package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Reservation outcomes.
const (
	OutcomeReserved    = "reserved"
	OutcomeOutOfStock  = "out_of_stock"
	OutcomeStockLocked = "stock_locked"
	OutcomeError       = "error"
)

// Fulfillment outcomes.
const (
	OutcomeDelivered      = "delivered"
	OutcomeAlreadySettled = "already_settled"
	OutcomePaidNoStock    = "paid_no_stock"
	OutcomeAmountMismatch = "amount_mismatch"
)

// CheckoutMetrics tracks reservation contention, fulfillment and oracle calls.
type CheckoutMetrics struct {
	reservations *prometheus.CounterVec
	attempts     prometheus.Histogram
	steals       *prometheus.CounterVec
	fulfillments *prometheus.CounterVec
	oracle       *prometheus.HistogramVec
}

func NewCheckoutMetrics(reg prometheus.Registerer) *CheckoutMetrics {
	if reg == nil {
		return &CheckoutMetrics{}
	}
	m := &CheckoutMetrics{
		reservations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reservations_total",
			Help:      "Stock reservation outcomes.",
		}, []string{"outcome"}),
		attempts: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reservation_attempts",
			Help:      "Attempts needed per reservation.",
			Buckets:   []float64{1, 2, 3, 4, 5, 8},
		}),
		steals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stale_reservations_total",
			Help:      "Stale reservations examined, by arbiter verdict.",
		}, []string{"verdict"}),
		fulfillments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fulfillments_total",
			Help:      "Fulfillment outcomes.",
		}, []string{"outcome"}),
		oracle: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "payment_oracle_seconds",
			Help:      "Payment status oracle latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"result"}),
	}
	reg.MustRegister(m.reservations, m.attempts, m.steals, m.fulfillments, m.oracle)
	return m
}

func (m *CheckoutMetrics) ObserveReservation(outcome string, attempts int) {
	if m == nil || m.reservations == nil {
		return
	}
	m.reservations.WithLabelValues(outcome).Inc()
	if attempts > 0 {
		m.attempts.Observe(float64(attempts))
	}
}

func (m *CheckoutMetrics) ObserveStale(verdict string) {
	if m == nil || m.steals == nil {
		return
	}
	m.steals.WithLabelValues(labelOrUnknown(verdict)).Inc()
}

func (m *CheckoutMetrics) ObserveFulfillment(outcome string) {
	if m == nil || m.fulfillments == nil {
		return
	}
	m.fulfillments.WithLabelValues(outcome).Inc()
}

func (m *CheckoutMetrics) ObserveOracle(result string, d time.Duration) {
	if m == nil || m.oracle == nil {
		return
	}
	m.oracle.WithLabelValues(labelOrUnknown(result)).Observe(d.Seconds())
}
