package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for the ledger engine.
type Metrics struct {
	TransactionsApplied *prometheus.CounterVec
	DuplicatesAbsorbed  prometheus.Counter
	ApplyConflicts      prometheus.Counter
	NoBudgetFound       prometheus.Counter
	AlertsRaised        *prometheus.CounterVec
}

// New creates a new Metrics instance with all ledger metrics registered.
func New() *Metrics {
	return &Metrics{
		TransactionsApplied: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "bursary_ledger_transactions_total",
			Help: "Ledger transactions applied, by type",
		}, []string{"type"}), // type: "expense", "credit"

		DuplicatesAbsorbed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "bursary_ledger_duplicates_absorbed_total",
			Help: "Source events absorbed as idempotent no-ops",
		}),

		ApplyConflicts: promauto.NewCounter(prometheus.CounterOpts{
			Name: "bursary_ledger_apply_conflicts_total",
			Help: "Optimistic-versioning conflicts retried during balance applies",
		}),

		NoBudgetFound: promauto.NewCounter(prometheus.CounterOpts{
			Name: "bursary_ledger_no_budget_found_total",
			Help: "Approval events with no matching budget account",
		}),

		AlertsRaised: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "bursary_ledger_alerts_total",
			Help: "Budget alerts raised, by type",
		}, []string{"type"}),
	}
}

func (m *Metrics) RecordTransaction(txType string) {
	if m != nil {
		m.TransactionsApplied.WithLabelValues(txType).Inc()
	}
}

func (m *Metrics) RecordDuplicate() {
	if m != nil {
		m.DuplicatesAbsorbed.Inc()
	}
}

func (m *Metrics) RecordApplyConflict() {
	if m != nil {
		m.ApplyConflicts.Inc()
	}
}

func (m *Metrics) RecordNoBudgetFound() {
	if m != nil {
		m.NoBudgetFound.Inc()
	}
}

func (m *Metrics) RecordAlert(alertType string) {
	if m != nil {
		m.AlertsRaised.WithLabelValues(alertType).Inc()
	}
}
