package coupon

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the ledger's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	redemptions  *prometheus.CounterVec
	conflicts    prometheus.Counter
	aggregations *prometheus.CounterVec
	queueDepth   prometheus.Gauge
	adjustments  *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them on reg.
// Pass prometheus.DefaultRegisterer in production and a fresh
// prometheus.NewRegistry() in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		redemptions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coupon_redemptions_total",
				Help: "Redemption requests by outcome",
			},
			[]string{"outcome"},
		),
		conflicts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "coupon_commit_conflicts_total",
				Help: "Optimistic commits rejected because the record changed",
			},
		),
		aggregations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coupon_sales_aggregation_total",
				Help: "Counter total updates by outcome",
			},
			[]string{"outcome"},
		),
		queueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "coupon_sales_queue_depth",
				Help: "Sale events waiting for the aggregator",
			},
		),
		adjustments: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coupon_balance_adjustments_total",
				Help: "Administrative coupon corrections by action",
			},
			[]string{"action"},
		),
	}
	if reg != nil {
		reg.MustRegister(m.redemptions, m.conflicts, m.aggregations, m.queueDepth, m.adjustments)
	}
	return m
}

func (m *Metrics) redemption(outcome string) {
	if m == nil {
		return
	}
	m.redemptions.WithLabelValues(outcome).Inc()
}

func (m *Metrics) conflict() {
	if m == nil {
		return
	}
	m.conflicts.Inc()
}

func (m *Metrics) aggregation(outcome string) {
	if m == nil {
		return
	}
	m.aggregations.WithLabelValues(outcome).Inc()
}

func (m *Metrics) setQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

func (m *Metrics) adjustment(action AuditAction) {
	if m == nil {
		return
	}
	m.adjustments.WithLabelValues(string(action)).Inc()
}

// outcomeOf maps a redemption error to a low-cardinality label.
func outcomeOf(err error) string {
	switch {
	case err == nil:
		return "success"
	case IsNotFound(err):
		return "not_found"
	case IsRetryable(err):
		return "contention"
	case IsClientError(err):
		return "rejected"
	default:
		return "error"
	}
}
