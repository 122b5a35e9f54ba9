package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for the allocator.
type Metrics struct {
	Allocations       *prometheus.CounterVec
	ConflictRetries   prometheus.Counter
	DegradedFallbacks prometheus.Counter
}

// New creates a new Metrics instance with all allocator metrics registered.
func New() *Metrics {
	return &Metrics{
		Allocations: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "bursary_sequence_allocations_total",
			Help: "Identifiers allocated, by namespace and outcome",
		}, []string{"namespace", "outcome"}), // outcome: "ok", "exhausted", "unavailable", "degraded"

		ConflictRetries: promauto.NewCounter(prometheus.CounterOpts{
			Name: "bursary_sequence_conflict_retries_total",
			Help: "Compare-and-swap conflicts that triggered a retry",
		}),

		DegradedFallbacks: promauto.NewCounter(prometheus.CounterOpts{
			Name: "bursary_sequence_degraded_fallbacks_total",
			Help: "Timestamp-derived fallback identifiers issued",
		}),
	}
}

// RecordAllocation records one allocation attempt outcome.
func (m *Metrics) RecordAllocation(namespace, outcome string) {
	if m != nil {
		m.Allocations.WithLabelValues(namespace, outcome).Inc()
	}
}

// RecordConflictRetry counts a CAS conflict that will be retried.
func (m *Metrics) RecordConflictRetry() {
	if m != nil {
		m.ConflictRetries.Inc()
	}
}

// RecordDegradedFallback counts a degraded identifier being issued.
func (m *Metrics) RecordDegradedFallback() {
	if m != nil {
		m.DegradedFallbacks.Inc()
	}
}
