package store

import (
	"context"

	"bursary/internal/ledger/models"
	"bursary/pkg/platform/sentinel"
)

var (
	ErrNotFound = sentinel.ErrNotFound
	ErrConflict = sentinel.ErrConflict
)

// Store persists budget accounts, ledger transactions, source events, and
// alerts. The two commitments implementations must honor:
//
//   - ClaimSourceEvent is a create-if-absent race: exactly one caller per
//     (collection, documentID) ever sees claimed=true.
//   - ApplyTransaction commits the account mutation, the transaction record,
//     and the source-event finalization together or not at all, and fails
//     with ErrConflict when the account version is stale or the source event
//     was already finalized. No partial effect is ever observable.
type Store interface {
	CreateAccount(ctx context.Context, account models.BudgetAccount) error
	GetAccount(ctx context.Context, id string) (models.BudgetAccount, error)
	// ListActiveAccounts returns every non-closed account for a department,
	// all statuses included (exceeded accounts still absorb spend).
	ListAccountsByDepartment(ctx context.Context, department string) ([]models.BudgetAccount, error)

	// ClaimSourceEvent records the event in processing state unless it
	// already exists. Returns the pre-existing event when the claim loses.
	ClaimSourceEvent(ctx context.Context, collection, documentID string) (claimed bool, existing models.SourceEvent, err error)
	// FinalizeSourceEvent freezes a claimed event without a ledger effect
	// (no_budget_found, processing_failed).
	FinalizeSourceEvent(ctx context.Context, event models.SourceEvent) error
	GetSourceEvent(ctx context.Context, collection, documentID string) (models.SourceEvent, error)

	// ApplyTransaction atomically writes the updated account (version
	// bumped), inserts the transaction, and finalizes the source event.
	ApplyTransaction(ctx context.Context, account models.BudgetAccount, txn models.Transaction, event models.SourceEvent) error
	GetTransaction(ctx context.Context, id string) (models.Transaction, error)
	GetTransactionBySource(ctx context.Context, collection, documentID string) (models.Transaction, error)
	ListTransactionsByAccount(ctx context.Context, accountID string) ([]models.Transaction, error)

	AppendAlert(ctx context.Context, alert models.Alert) error
	ListAlertsByAccount(ctx context.Context, accountID string) ([]models.Alert, error)
}
