package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for the registry moderation module.
type Metrics struct {
	// Moderation action outcomes by action and outcome
	ActionsTotal *prometheus.CounterVec

	// Full apply duration including store round trips
	ApplyLatency prometheus.Histogram

	// Invalidation signals emitted toward cache reconcilers
	InvalidationsTotal prometheus.Counter
}

// New creates a Metrics instance with all registry module metrics registered.
func New() *Metrics {
	return &Metrics{
		ActionsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "etpelican_registry_actions_total",
			Help: "Total moderation actions by action and outcome",
		}, []string{"action", "outcome"}),

		ApplyLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "etpelican_registry_apply_duration_seconds",
			Help:    "Duration of moderation action application including persistence",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}),

		InvalidationsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "etpelican_registry_invalidations_total",
			Help: "Total cache invalidation signals emitted after committed mutations",
		}),
	}
}

// IncrementAction records a moderation action outcome.
func (m *Metrics) IncrementAction(action, outcome string) {
	if m != nil {
		m.ActionsTotal.WithLabelValues(action, outcome).Inc()
	}
}

// ObserveApplyLatency records the duration of a full apply call.
func (m *Metrics) ObserveApplyLatency(d time.Duration) {
	if m != nil {
		m.ApplyLatency.Observe(d.Seconds())
	}
}

// IncrementInvalidations records an emitted invalidation signal.
func (m *Metrics) IncrementInvalidations() {
	if m != nil {
		m.InvalidationsTotal.Inc()
	}
}
