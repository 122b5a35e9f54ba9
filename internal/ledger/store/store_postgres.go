package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"bursary/internal/ledger/models"
)

// PostgresStore persists the ledger in PostgreSQL. All balance mutations go
// through a version-guarded UPDATE inside one transaction so a stale writer
// can never partially commit.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const accountColumns = `
	id, department, category, allocated_amount, spent_amount, status, version,
	alerted_high_utilization, alerted_exceeded, created_at, updated_at
`

func scanAccount(row *sql.Row) (models.BudgetAccount, error) {
	var account models.BudgetAccount
	err := row.Scan(
		&account.ID, &account.Department, &account.Category,
		&account.AllocatedAmount, &account.SpentAmount, &account.Status, &account.Version,
		&account.AlertedHighUtilization, &account.AlertedExceeded,
		&account.CreatedAt, &account.UpdatedAt,
	)
	return account, err
}

func (s *PostgresStore) CreateAccount(ctx context.Context, account models.BudgetAccount) error {
	query := `
		INSERT INTO budget_accounts (` + accountColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW(), NOW())
		ON CONFLICT (id) DO NOTHING
	`
	result, err := s.db.ExecContext(ctx, query,
		account.ID, account.Department, account.Category,
		account.AllocatedAmount, account.SpentAmount, account.Status, account.Version,
		account.AlertedHighUtilization, account.AlertedExceeded,
	)
	if err != nil {
		return fmt.Errorf("create account: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("create account rows affected: %w", err)
	}
	if rows == 0 {
		return ErrConflict
	}
	return nil
}

func (s *PostgresStore) GetAccount(ctx context.Context, id string) (models.BudgetAccount, error) {
	query := `SELECT ` + accountColumns + ` FROM budget_accounts WHERE id = $1`
	account, err := scanAccount(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.BudgetAccount{}, ErrNotFound
		}
		return models.BudgetAccount{}, fmt.Errorf("get account: %w", err)
	}
	return account, nil
}

func (s *PostgresStore) ListAccountsByDepartment(ctx context.Context, department string) ([]models.BudgetAccount, error) {
	query := `SELECT ` + accountColumns + ` FROM budget_accounts WHERE department = $1 ORDER BY created_at`
	rows, err := s.db.QueryContext(ctx, query, department)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	var accounts []models.BudgetAccount
	for rows.Next() {
		var account models.BudgetAccount
		if err := rows.Scan(
			&account.ID, &account.Department, &account.Category,
			&account.AllocatedAmount, &account.SpentAmount, &account.Status, &account.Version,
			&account.AlertedHighUtilization, &account.AlertedExceeded,
			&account.CreatedAt, &account.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		accounts = append(accounts, account)
	}
	return accounts, rows.Err()
}

func (s *PostgresStore) ClaimSourceEvent(ctx context.Context, collection, documentID string) (bool, models.SourceEvent, error) {
	insert := `
		INSERT INTO source_events (collection, document_id, processed, status)
		VALUES ($1, $2, FALSE, $3)
		ON CONFLICT (collection, document_id) DO NOTHING
	`
	result, err := s.db.ExecContext(ctx, insert, collection, documentID, models.SourceEventProcessing)
	if err != nil {
		return false, models.SourceEvent{}, fmt.Errorf("claim source event: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, models.SourceEvent{}, fmt.Errorf("claim source event rows affected: %w", err)
	}
	if rows == 1 {
		return true, models.SourceEvent{
			Collection: collection,
			DocumentID: documentID,
			Status:     models.SourceEventProcessing,
		}, nil
	}
	existing, err := s.GetSourceEvent(ctx, collection, documentID)
	if err != nil {
		return false, models.SourceEvent{}, err
	}
	return false, existing, nil
}

func (s *PostgresStore) FinalizeSourceEvent(ctx context.Context, event models.SourceEvent) error {
	query := `
		UPDATE source_events
		SET processed = $3, status = $4, message = $5, transaction_id = $6, processed_at = NOW()
		WHERE collection = $1 AND document_id = $2
	`
	result, err := s.db.ExecContext(ctx, query,
		event.Collection, event.DocumentID,
		event.Processed, event.Status, event.Message, nullable(event.TransactionID),
	)
	if err != nil {
		return fmt.Errorf("finalize source event: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("finalize source event rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) GetSourceEvent(ctx context.Context, collection, documentID string) (models.SourceEvent, error) {
	query := `
		SELECT collection, document_id, processed, status,
		       COALESCE(message, ''), COALESCE(transaction_id, ''),
		       COALESCE(processed_at, 'epoch'::timestamptz)
		FROM source_events
		WHERE collection = $1 AND document_id = $2
	`
	var event models.SourceEvent
	err := s.db.QueryRowContext(ctx, query, collection, documentID).Scan(
		&event.Collection, &event.DocumentID, &event.Processed, &event.Status,
		&event.Message, &event.TransactionID, &event.ProcessedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.SourceEvent{}, ErrNotFound
		}
		return models.SourceEvent{}, fmt.Errorf("get source event: %w", err)
	}
	return event, nil
}

// ApplyTransaction commits the balance update, the transaction record, and
// the source-event finalization in one database transaction. The
// version-guarded UPDATE makes concurrent appliers linearizable: the loser
// sees ErrConflict and re-reads.
func (s *PostgresStore) ApplyTransaction(ctx context.Context, account models.BudgetAccount, txn models.Transaction, event models.SourceEvent) error {
	dbtx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin apply: %w", err)
	}
	defer dbtx.Rollback()

	update := `
		UPDATE budget_accounts
		SET spent_amount = $2, status = $3,
		    alerted_high_utilization = $4, alerted_exceeded = $5,
		    version = version + 1, updated_at = NOW()
		WHERE id = $1 AND version = $6
	`
	result, err := dbtx.ExecContext(ctx, update,
		account.ID, account.SpentAmount, account.Status,
		account.AlertedHighUtilization, account.AlertedExceeded,
		account.Version,
	)
	if err != nil {
		return fmt.Errorf("update account balance: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update account rows affected: %w", err)
	}
	if rows == 0 {
		return ErrConflict
	}

	insert := `
		INSERT INTO ledger_transactions
			(id, budget_account_id, type, amount, source_collection, source_document_id,
			 description, requested_by, processed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
	`
	if _, err := dbtx.ExecContext(ctx, insert,
		txn.ID, txn.BudgetAccountID, txn.Type, txn.Amount,
		txn.SourceCollection, txn.SourceDocumentID,
		txn.Description, txn.RequestedBy,
	); err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}

	finalize := `
		UPDATE source_events
		SET processed = TRUE, status = $3, message = $4, transaction_id = $5, processed_at = NOW()
		WHERE collection = $1 AND document_id = $2 AND processed = FALSE
	`
	finalized, err := dbtx.ExecContext(ctx, finalize,
		event.Collection, event.DocumentID, event.Status, event.Message, nullable(event.TransactionID),
	)
	if err != nil {
		return fmt.Errorf("finalize source event: %w", err)
	}
	finalizedRows, err := finalized.RowsAffected()
	if err != nil {
		return fmt.Errorf("finalize source event rows affected: %w", err)
	}
	if finalizedRows == 0 {
		// Another writer finalized this event already; nothing here may
		// commit.
		return ErrConflict
	}

	if err := dbtx.Commit(); err != nil {
		return fmt.Errorf("commit apply: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetTransaction(ctx context.Context, id string) (models.Transaction, error) {
	query := transactionSelect + ` WHERE id = $1`
	return s.queryTransaction(ctx, query, id)
}

func (s *PostgresStore) GetTransactionBySource(ctx context.Context, collection, documentID string) (models.Transaction, error) {
	query := transactionSelect + ` WHERE source_collection = $1 AND source_document_id = $2`
	return s.queryTransaction(ctx, query, collection, documentID)
}

const transactionSelect = `
	SELECT id, budget_account_id, type, amount, source_collection, source_document_id,
	       COALESCE(description, ''), COALESCE(requested_by, ''), processed_at
	FROM ledger_transactions
`

func (s *PostgresStore) queryTransaction(ctx context.Context, query string, args ...any) (models.Transaction, error) {
	var txn models.Transaction
	err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&txn.ID, &txn.BudgetAccountID, &txn.Type, &txn.Amount,
		&txn.SourceCollection, &txn.SourceDocumentID,
		&txn.Description, &txn.RequestedBy, &txn.ProcessedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Transaction{}, ErrNotFound
		}
		return models.Transaction{}, fmt.Errorf("get transaction: %w", err)
	}
	return txn, nil
}

func (s *PostgresStore) ListTransactionsByAccount(ctx context.Context, accountID string) ([]models.Transaction, error) {
	query := transactionSelect + ` WHERE budget_account_id = $1 ORDER BY processed_at`
	rows, err := s.db.QueryContext(ctx, query, accountID)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	var txns []models.Transaction
	for rows.Next() {
		var txn models.Transaction
		if err := rows.Scan(
			&txn.ID, &txn.BudgetAccountID, &txn.Type, &txn.Amount,
			&txn.SourceCollection, &txn.SourceDocumentID,
			&txn.Description, &txn.RequestedBy, &txn.ProcessedAt,
		); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		txns = append(txns, txn)
	}
	return txns, rows.Err()
}

func (s *PostgresStore) AppendAlert(ctx context.Context, alert models.Alert) error {
	query := `
		INSERT INTO budget_alerts (id, budget_account_id, type, severity, message, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
	`
	if _, err := s.db.ExecContext(ctx, query,
		alert.ID, alert.BudgetAccountID, alert.Type, alert.Severity, alert.Message,
	); err != nil {
		return fmt.Errorf("append alert: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAlertsByAccount(ctx context.Context, accountID string) ([]models.Alert, error) {
	query := `
		SELECT id, budget_account_id, type, severity, message, created_at
		FROM budget_alerts
		WHERE budget_account_id = $1
		ORDER BY created_at
	`
	rows, err := s.db.QueryContext(ctx, query, accountID)
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	defer rows.Close()

	var alerts []models.Alert
	for rows.Next() {
		var alert models.Alert
		if err := rows.Scan(
			&alert.ID, &alert.BudgetAccountID, &alert.Type,
			&alert.Severity, &alert.Message, &alert.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		alerts = append(alerts, alert)
	}
	return alerts, rows.Err()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
