package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// AccountStatus tracks whether a budget account is within its allocation.
type AccountStatus string

const (
	AccountActive   AccountStatus = "active"
	AccountExceeded AccountStatus = "exceeded"
)

// highUtilizationThreshold is the spent/allocated ratio that raises the first
// alert.
var highUtilizationThreshold = decimal.NewFromFloat(0.9)

// BudgetAccount is a tracked fund allocation for a department/category with a
// spend ceiling. Version backs optimistic concurrency: every committed
// mutation bumps it, and writers carry the version they read.
type BudgetAccount struct {
	ID              string
	Department      string
	Category        string
	AllocatedAmount decimal.Decimal
	SpentAmount     decimal.Decimal
	Status          AccountStatus
	Version         int64

	// Alert latches. Set when a threshold alert fires, cleared when the
	// account drops back below the threshold, so each crossing alerts
	// exactly once.
	AlertedHighUtilization bool
	AlertedExceeded        bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// RemainingAmount derives allocated minus spent; it is never stored.
func (a BudgetAccount) RemainingAmount() decimal.Decimal {
	return a.AllocatedAmount.Sub(a.SpentAmount)
}

// HighUtilization reports whether spending has reached 90% of the allocation.
func (a BudgetAccount) HighUtilization() bool {
	if a.AllocatedAmount.IsZero() {
		return false
	}
	return a.SpentAmount.GreaterThanOrEqual(a.AllocatedAmount.Mul(highUtilizationThreshold))
}

// Exceeded reports whether spending has gone past the allocation.
func (a BudgetAccount) Exceeded() bool {
	return a.SpentAmount.GreaterThan(a.AllocatedAmount)
}

// TransactionType distinguishes spend from fee credits.
type TransactionType string

const (
	TransactionExpense TransactionType = "expense"
	TransactionCredit  TransactionType = "credit"
)

// Transaction is an immutable record of one financial effect against a budget
// account. At most one transaction exists per source event.
type Transaction struct {
	ID               string
	BudgetAccountID  string
	Type             TransactionType
	Amount           decimal.Decimal
	SourceCollection string
	SourceDocumentID string
	Description      string
	RequestedBy      string
	ProcessedAt      time.Time
}

// SourceEventStatus is the terminal disposition of an approval event.
type SourceEventStatus string

const (
	// SourceEventProcessing marks a claimed event whose effect has not
	// committed yet. Dashboards surface events stuck here for follow-up.
	SourceEventProcessing SourceEventStatus = "processing"
	SourceEventDeducted   SourceEventStatus = "deducted"
	SourceEventCredited   SourceEventStatus = "credited"
	SourceEventNoBudget   SourceEventStatus = "no_budget_found"
	SourceEventFailed     SourceEventStatus = "processing_failed"
)

// SourceEvent is the ledger-side record of one upstream approval. Created by
// the claim, frozen after finalize; its (Collection, DocumentID) pair is the
// idempotency key.
type SourceEvent struct {
	Collection    string
	DocumentID    string
	Processed     bool
	Status        SourceEventStatus
	Message       string
	TransactionID string
	ProcessedAt   time.Time
}

// AlertType classifies budget alerts.
type AlertType string

const (
	AlertHighUtilization AlertType = "high_utilization"
	AlertBudgetExceeded  AlertType = "budget_exceeded"
)

// Alert is one threshold-crossing notification for a budget account.
type Alert struct {
	ID              string
	BudgetAccountID string
	Type            AlertType
	Severity        string
	Message         string
	CreatedAt       time.Time
}

// ApprovalEvent is the validated upstream contract: one approved procurement,
// transfer, payroll, or scholarship occurrence to convert into a balance
// mutation.
type ApprovalEvent struct {
	SourceCollection string
	SourceDocumentID string
	Amount           decimal.Decimal
	Category         string
	Department       string
	RequestedBy      string
	Description      string
}

// Outcome is what the engine reports back to event sources.
type Outcome struct {
	Processed     bool
	BudgetID      string
	Status        SourceEventStatus
	TransactionID string
}
