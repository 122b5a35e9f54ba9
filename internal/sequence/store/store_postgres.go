package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"bursary/internal/sequence/models"
)

// PostgresStore persists counters in PostgreSQL.
// This store is pure I/O; retry policy and identifier formatting belong in
// the service.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres constructs a PostgreSQL-backed counter store.
func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Create(ctx context.Context, counter models.Counter) error {
	query := `
		INSERT INTO sequence_counters (namespace, period, last_value, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (namespace, period) DO NOTHING
	`
	result, err := s.db.ExecContext(ctx, query, counter.Namespace, counter.Period, counter.LastValue)
	if err != nil {
		return fmt.Errorf("create counter: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("create counter rows affected: %w", err)
	}
	if rows == 0 {
		return ErrConflict
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, namespace, period string) (models.Counter, error) {
	query := `
		SELECT namespace, period, last_value, updated_at
		FROM sequence_counters
		WHERE namespace = $1 AND period = $2
	`
	var counter models.Counter
	err := s.db.QueryRowContext(ctx, query, namespace, period).Scan(
		&counter.Namespace, &counter.Period, &counter.LastValue, &counter.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Counter{}, ErrNotFound
		}
		return models.Counter{}, fmt.Errorf("get counter: %w", err)
	}
	return counter, nil
}

// Increment performs the compare-and-swap in a single guarded UPDATE so
// concurrent allocators can never both advance from the same read.
func (s *PostgresStore) Increment(ctx context.Context, namespace, period string, expected int64) (int64, error) {
	query := `
		UPDATE sequence_counters
		SET last_value = last_value + 1, updated_at = NOW()
		WHERE namespace = $1 AND period = $2 AND last_value = $3
		RETURNING last_value
	`
	var value int64
	err := s.db.QueryRowContext(ctx, query, namespace, period, expected).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// Either the counter moved or it does not exist; the service
			// re-reads to tell the two apart.
			return 0, ErrConflict
		}
		return 0, fmt.Errorf("increment counter: %w", err)
	}
	return value, nil
}
