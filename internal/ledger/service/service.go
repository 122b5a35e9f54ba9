package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"bursary/internal/ledger/alerts"
	"bursary/internal/ledger/metrics"
	"bursary/internal/ledger/models"
	"bursary/internal/ledger/store"
	dErrors "bursary/pkg/domain-errors"
)

const defaultMaxAttempts = 5

// Options tune the engine beyond its store.
type Options struct {
	// MaxAttempts caps optimistic-versioning retries; zero means 5.
	MaxAttempts uint
}

// Engine converts approval events into budget-balance mutations exactly once.
// Procurement, transfer, payroll, and scholarship flows all post through the
// same two entry points; the (collection, documentID) claim is the sole
// duplicate guard, so at-least-once delivery upstream becomes at-most-once
// effect here.
type Engine struct {
	store       store.Store
	publisher   alerts.Publisher
	logger      *slog.Logger
	metrics     *metrics.Metrics
	maxAttempts uint
}

func New(st store.Store, publisher alerts.Publisher, logger *slog.Logger, m *metrics.Metrics, opts Options) (*Engine, error) {
	if st == nil {
		return nil, errors.New("ledger store is required")
	}
	if publisher == nil {
		return nil, errors.New("alert publisher is required")
	}
	attempts := opts.MaxAttempts
	if attempts == 0 {
		attempts = defaultMaxAttempts
	}
	return &Engine{
		store:       st,
		publisher:   publisher,
		logger:      logger,
		metrics:     m,
		maxAttempts: attempts,
	}, nil
}

// CreateAccount registers a budget account. IDs are caller-assigned so the
// upstream budget setup flow stays authoritative.
func (e *Engine) CreateAccount(ctx context.Context, account models.BudgetAccount) (models.BudgetAccount, error) {
	if account.ID == "" {
		account.ID = uuid.NewString()
	}
	if account.Department == "" {
		return models.BudgetAccount{}, dErrors.New(dErrors.CodeValidation, "department is required")
	}
	if !account.AllocatedAmount.IsPositive() {
		return models.BudgetAccount{}, dErrors.New(dErrors.CodeValidation, "allocated amount must be positive")
	}
	account.SpentAmount = decimal.Zero
	account.Status = models.AccountActive
	account.Version = 0
	if err := e.store.CreateAccount(ctx, account); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return models.BudgetAccount{}, dErrors.New(dErrors.CodeValidation, "account "+account.ID+" already exists")
		}
		return models.BudgetAccount{}, dErrors.Wrap(err, dErrors.CodeUnavailable, "create account")
	}
	return account, nil
}

// GetAccount loads one account with derived balances.
func (e *Engine) GetAccount(ctx context.Context, id string) (models.BudgetAccount, error) {
	account, err := e.store.GetAccount(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return models.BudgetAccount{}, dErrors.New(dErrors.CodeNotFound, "budget account "+id+" not found")
		}
		return models.BudgetAccount{}, dErrors.Wrap(err, dErrors.CodeUnavailable, "get account")
	}
	return account, nil
}

// ListAlerts returns the alert history for an account.
func (e *Engine) ListAlerts(ctx context.Context, accountID string) ([]models.Alert, error) {
	return e.store.ListAlertsByAccount(ctx, accountID)
}

// RecordExpense applies an approval event as spend against the best matching
// account. Safe to call any number of times per source event.
func (e *Engine) RecordExpense(ctx context.Context, event models.ApprovalEvent) (*models.Outcome, error) {
	return e.record(ctx, event, models.TransactionExpense)
}

// RecordCredit applies a fee credit (scholarship disbursements) against the
// best matching account, reducing spend.
func (e *Engine) RecordCredit(ctx context.Context, event models.ApprovalEvent) (*models.Outcome, error) {
	return e.record(ctx, event, models.TransactionCredit)
}

func (e *Engine) record(ctx context.Context, event models.ApprovalEvent, txType models.TransactionType) (*models.Outcome, error) {
	if err := validateEvent(event); err != nil {
		return nil, err
	}

	claimed, existing, err := e.store.ClaimSourceEvent(ctx, event.SourceCollection, event.SourceDocumentID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "claim source event")
	}
	if !claimed {
		if existing.Processed {
			// Duplicate delivery: absorb silently and report what the first
			// processing recorded.
			e.metrics.RecordDuplicate()
			e.logger.InfoContext(ctx, "duplicate source event absorbed",
				"collection", event.SourceCollection,
				"document_id", event.SourceDocumentID,
				"status", existing.Status,
			)
			outcome := outcomeFromEvent(existing)
			if existing.TransactionID != "" {
				if txn, err := e.store.GetTransaction(ctx, existing.TransactionID); err == nil {
					outcome.BudgetID = txn.BudgetAccountID
				}
			}
			return outcome, nil
		}
		// The claim row exists but nothing was ever recorded against it: a
		// prior attempt stopped between the claim and the apply. Resume it,
		// or the event would be absorbed as a duplicate on every redelivery
		// and its effect lost.
		e.logger.WarnContext(ctx, "resuming unfinished source event",
			"collection", event.SourceCollection,
			"document_id", event.SourceDocumentID,
		)
	}

	account, found, err := e.findAccountFor(ctx, event.Department, event.Category)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "find budget account")
	}
	if !found {
		// Mark processed anyway; an event with no destination must not be
		// reprocessed forever.
		e.metrics.RecordNoBudgetFound()
		finalized := models.SourceEvent{
			Collection: event.SourceCollection,
			DocumentID: event.SourceDocumentID,
			Processed:  true,
			Status:     models.SourceEventNoBudget,
			Message:    "no active budget account for " + event.Department + "/" + event.Category,
		}
		if err := e.store.FinalizeSourceEvent(ctx, finalized); err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "finalize source event")
		}
		e.logger.WarnContext(ctx, "no budget account found",
			"collection", event.SourceCollection,
			"document_id", event.SourceDocumentID,
			"department", event.Department,
			"category", event.Category,
		)
		return &models.Outcome{Processed: true, Status: models.SourceEventNoBudget}, nil
	}

	outcome, err := e.apply(ctx, account.ID, event, txType)
	if err != nil {
		e.recordFailure(ctx, event, err)
		return nil, err
	}
	return outcome, nil
}

// findAccountFor selects the best matching account: exact department+category
// first, then department-wide accounts (empty category). Ties break by
// highest remaining amount, then earliest creation.
func (e *Engine) findAccountFor(ctx context.Context, department, category string) (models.BudgetAccount, bool, error) {
	accounts, err := e.store.ListAccountsByDepartment(ctx, department)
	if err != nil {
		return models.BudgetAccount{}, false, err
	}

	if best, ok := pickBest(accounts, category); ok {
		return best, true, nil
	}
	if best, ok := pickBest(accounts, ""); ok && category != "" {
		return best, true, nil
	}
	return models.BudgetAccount{}, false, nil
}

func pickBest(accounts []models.BudgetAccount, category string) (models.BudgetAccount, bool) {
	var best models.BudgetAccount
	found := false
	for _, account := range accounts {
		if account.Category != category {
			continue
		}
		if !found {
			best, found = account, true
			continue
		}
		switch account.RemainingAmount().Cmp(best.RemainingAmount()) {
		case 1:
			best = account
		case 0:
			if account.CreatedAt.Before(best.CreatedAt) {
				best = account
			}
		}
	}
	return best, found
}

// apply runs the read-mutate-commit loop under optimistic versioning. The
// store commit either lands the balance update, transaction record, and
// source-event finalization together, or not at all.
func (e *Engine) apply(ctx context.Context, accountID string, event models.ApprovalEvent, txType models.TransactionType) (*models.Outcome, error) {
	bo := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(10*time.Millisecond),
		backoff.WithMaxInterval(250*time.Millisecond),
	)

	var lastErr error
	for attempt := uint(0); attempt < e.maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(bo.NextBackOff()):
			case <-ctx.Done():
				return nil, dErrors.Wrap(ctx.Err(), dErrors.CodeUnavailable, "apply cancelled")
			}
		}

		account, err := e.store.GetAccount(ctx, accountID)
		if err != nil {
			lastErr = err
			continue
		}

		updated, raised := mutateBalance(account, event.Amount, txType)
		status := models.SourceEventDeducted
		if txType == models.TransactionCredit {
			status = models.SourceEventCredited
		}
		txn := models.Transaction{
			ID:               uuid.NewString(),
			BudgetAccountID:  account.ID,
			Type:             txType,
			Amount:           event.Amount,
			SourceCollection: event.SourceCollection,
			SourceDocumentID: event.SourceDocumentID,
			Description:      event.Description,
			RequestedBy:      event.RequestedBy,
			ProcessedAt:      time.Now(),
		}
		finalized := models.SourceEvent{
			Collection:    event.SourceCollection,
			DocumentID:    event.SourceDocumentID,
			Processed:     true,
			Status:        status,
			TransactionID: txn.ID,
		}

		err = e.store.ApplyTransaction(ctx, updated, txn, finalized)
		if err == nil {
			e.metrics.RecordTransaction(string(txType))
			e.emitAlerts(ctx, updated, raised)
			return &models.Outcome{
				Processed:     true,
				BudgetID:      account.ID,
				Status:        status,
				TransactionID: txn.ID,
			}, nil
		}
		lastErr = err
		if errors.Is(err, store.ErrConflict) {
			e.metrics.RecordApplyConflict()
			// The conflicting writer may have been a resumed duplicate of
			// this very event; if it finalized the claim, adopt its outcome
			// instead of applying a second effect.
			if evt, gerr := e.store.GetSourceEvent(ctx, event.SourceCollection, event.SourceDocumentID); gerr == nil && evt.Processed {
				outcome := outcomeFromEvent(evt)
				outcome.BudgetID = accountID
				return outcome, nil
			}
		}
		// Transient storage errors share the retry budget with version
		// conflicts.
	}
	if errors.Is(lastErr, store.ErrConflict) {
		return nil, dErrors.Wrap(lastErr, dErrors.CodeConcurrencyExhausted,
			"account "+accountID+" contended beyond retry budget")
	}
	return nil, dErrors.Wrap(lastErr, dErrors.CodeUnavailable, "apply transaction")
}

// mutateBalance computes the post-apply account and which alerts this
// particular mutation raised. Alert latches flip inside the same versioned
// write as the balance, which is what makes "exactly once per crossing" hold
// under concurrency.
func mutateBalance(account models.BudgetAccount, amount decimal.Decimal, txType models.TransactionType) (models.BudgetAccount, []models.AlertType) {
	if txType == models.TransactionCredit {
		account.SpentAmount = account.SpentAmount.Sub(amount)
	} else {
		account.SpentAmount = account.SpentAmount.Add(amount)
	}

	if account.Exceeded() {
		account.Status = models.AccountExceeded
	} else {
		account.Status = models.AccountActive
	}

	var raised []models.AlertType
	switch {
	case account.HighUtilization() && !account.AlertedHighUtilization:
		account.AlertedHighUtilization = true
		raised = append(raised, models.AlertHighUtilization)
	case !account.HighUtilization() && account.AlertedHighUtilization:
		// Re-arm the latch once a credit brings utilization back down.
		account.AlertedHighUtilization = false
	}
	switch {
	case account.Status == models.AccountExceeded && !account.AlertedExceeded:
		account.AlertedExceeded = true
		raised = append(raised, models.AlertBudgetExceeded)
	case account.Status == models.AccountActive && account.AlertedExceeded:
		account.AlertedExceeded = false
	}
	return account, raised
}

func (e *Engine) emitAlerts(ctx context.Context, account models.BudgetAccount, raised []models.AlertType) {
	for _, alertType := range raised {
		alert := models.Alert{
			ID:              uuid.NewString(),
			BudgetAccountID: account.ID,
			Type:            alertType,
			Severity:        severityFor(alertType),
			Message:         alertMessage(account, alertType),
			CreatedAt:       time.Now(),
		}
		if err := e.store.AppendAlert(ctx, alert); err != nil {
			e.logger.ErrorContext(ctx, "failed to persist alert", "account_id", account.ID, "type", alertType, "error", err)
		}
		if err := e.publisher.Publish(ctx, alert); err != nil {
			// Notification delivery is best-effort; the persisted alert
			// remains visible on the dashboard.
			e.logger.ErrorContext(ctx, "failed to publish alert", "account_id", account.ID, "type", alertType, "error", err)
		}
		e.metrics.RecordAlert(string(alertType))
	}
}

func severityFor(alertType models.AlertType) string {
	if alertType == models.AlertBudgetExceeded {
		return "critical"
	}
	return "warning"
}

func alertMessage(account models.BudgetAccount, alertType models.AlertType) string {
	switch alertType {
	case models.AlertBudgetExceeded:
		return "budget " + account.ID + " (" + account.Department + "/" + account.Category + ") exceeded: spent " +
			account.SpentAmount.StringFixed(2) + " of " + account.AllocatedAmount.StringFixed(2)
	default:
		return "budget " + account.ID + " (" + account.Department + "/" + account.Category + ") at " +
			account.SpentAmount.StringFixed(2) + " of " + account.AllocatedAmount.StringFixed(2)
	}
}

// recordFailure freezes the claimed event as processing_failed with a
// human-readable message so staff can follow up from the dashboard.
func (e *Engine) recordFailure(ctx context.Context, event models.ApprovalEvent, cause error) {
	finalized := models.SourceEvent{
		Collection: event.SourceCollection,
		DocumentID: event.SourceDocumentID,
		Processed:  true,
		Status:     models.SourceEventFailed,
		Message:    cause.Error(),
	}
	if err := e.store.FinalizeSourceEvent(ctx, finalized); err != nil {
		e.logger.ErrorContext(ctx, "failed to record processing failure",
			"collection", event.SourceCollection,
			"document_id", event.SourceDocumentID,
			"error", err,
		)
	}
}

func validateEvent(event models.ApprovalEvent) error {
	var missing []string
	if event.SourceCollection == "" {
		missing = append(missing, "sourceCollection")
	}
	if event.SourceDocumentID == "" {
		missing = append(missing, "sourceDocumentId")
	}
	if event.Department == "" {
		missing = append(missing, "department")
	}
	if len(missing) > 0 {
		return dErrors.New(dErrors.CodeValidation, "approval event incomplete").WithFields(missing...)
	}
	if !event.Amount.IsPositive() {
		return dErrors.New(dErrors.CodeValidation, "amount must be positive")
	}
	return nil
}

func outcomeFromEvent(event models.SourceEvent) *models.Outcome {
	return &models.Outcome{
		Processed:     event.Processed,
		Status:        event.Status,
		TransactionID: event.TransactionID,
	}
}
