package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"bursary/internal/disbursement/models"
)

// PostgresStore persists awards and disbursements in PostgreSQL. The status
// transition is a guarded UPDATE, mirroring the optimistic technique the
// ledger and allocator stores use.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) CreateSchedule(ctx context.Context, award models.Award, disbursements []models.Disbursement) error {
	if len(disbursements) == 0 {
		return ErrInvalidState
	}
	dbtx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create schedule: %w", err)
	}
	defer dbtx.Rollback()

	guard := `
		INSERT INTO disbursement_schedules (scholarship_id, period)
		VALUES ($1, $2)
		ON CONFLICT (scholarship_id, period) DO NOTHING
	`
	result, err := dbtx.ExecContext(ctx, guard, award.ScholarshipID, disbursements[0].Period)
	if err != nil {
		return fmt.Errorf("guard schedule: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("guard schedule rows affected: %w", err)
	}
	if rows == 0 {
		return ErrConflict
	}

	upsertAward := `
		INSERT INTO scholarship_awards
			(scholarship_id, student_id, total_amount, department, category, plan, renewable, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		ON CONFLICT (scholarship_id) DO UPDATE SET
			total_amount = EXCLUDED.total_amount,
			renewable = EXCLUDED.renewable
	`
	if _, err := dbtx.ExecContext(ctx, upsertAward,
		award.ScholarshipID, award.StudentID, award.TotalAmount,
		award.Department, award.Category, award.Plan, award.Renewable,
	); err != nil {
		return fmt.Errorf("upsert award: %w", err)
	}

	insert := `
		INSERT INTO scholarship_disbursements
			(id, scholarship_id, student_id, period, amount, planned_date, status,
			 retriable, last_error, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, FALSE, '', NOW(), NOW())
	`
	for _, d := range disbursements {
		if _, err := dbtx.ExecContext(ctx, insert,
			d.ID, d.ScholarshipID, d.StudentID, d.Period, d.Amount, d.PlannedDate, d.Status,
		); err != nil {
			return fmt.Errorf("insert disbursement: %w", err)
		}
	}

	if err := dbtx.Commit(); err != nil {
		return fmt.Errorf("commit create schedule: %w", err)
	}
	return nil
}

const disbursementColumns = `
	id, scholarship_id, student_id, period, amount, planned_date, status,
	retriable, COALESCE(last_error, ''), created_at, updated_at
`

func (s *PostgresStore) GetDisbursement(ctx context.Context, id string) (models.Disbursement, error) {
	query := `SELECT ` + disbursementColumns + ` FROM scholarship_disbursements WHERE id = $1`
	var d models.Disbursement
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&d.ID, &d.ScholarshipID, &d.StudentID, &d.Period, &d.Amount, &d.PlannedDate,
		&d.Status, &d.Retriable, &d.LastError, &d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Disbursement{}, ErrNotFound
		}
		return models.Disbursement{}, fmt.Errorf("get disbursement: %w", err)
	}
	return d, nil
}

func (s *PostgresStore) ListByScholarship(ctx context.Context, scholarshipID string) ([]models.Disbursement, error) {
	query := `SELECT ` + disbursementColumns + `
		FROM scholarship_disbursements
		WHERE scholarship_id = $1
		ORDER BY planned_date`
	rows, err := s.db.QueryContext(ctx, query, scholarshipID)
	if err != nil {
		return nil, fmt.Errorf("list disbursements: %w", err)
	}
	defer rows.Close()

	var out []models.Disbursement
	for rows.Next() {
		var d models.Disbursement
		if err := rows.Scan(
			&d.ID, &d.ScholarshipID, &d.StudentID, &d.Period, &d.Amount, &d.PlannedDate,
			&d.Status, &d.Retriable, &d.LastError, &d.CreatedAt, &d.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan disbursement: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// Transition performs the status CAS in one guarded UPDATE.
func (s *PostgresStore) Transition(ctx context.Context, id string, from, to models.Status, retriable bool, lastError string) (models.Disbursement, error) {
	query := `
		UPDATE scholarship_disbursements
		SET status = $3, retriable = $4, last_error = $5, updated_at = NOW()
		WHERE id = $1 AND status = $2
		RETURNING ` + disbursementColumns
	var d models.Disbursement
	err := s.db.QueryRowContext(ctx, query, id, from, to, retriable, lastError).Scan(
		&d.ID, &d.ScholarshipID, &d.StudentID, &d.Period, &d.Amount, &d.PlannedDate,
		&d.Status, &d.Retriable, &d.LastError, &d.CreatedAt, &d.UpdatedAt,
	)
	if err == nil {
		return d, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return models.Disbursement{}, fmt.Errorf("transition disbursement: %w", err)
	}
	// Distinguish a missing record from a wrong-state one.
	current, getErr := s.GetDisbursement(ctx, id)
	if getErr != nil {
		return models.Disbursement{}, getErr
	}
	return current, ErrInvalidState
}

func (s *PostgresStore) GetAward(ctx context.Context, scholarshipID string) (models.Award, error) {
	query := `
		SELECT scholarship_id, student_id, total_amount, department, category, plan, renewable, created_at
		FROM scholarship_awards
		WHERE scholarship_id = $1
	`
	var a models.Award
	err := s.db.QueryRowContext(ctx, query, scholarshipID).Scan(
		&a.ScholarshipID, &a.StudentID, &a.TotalAmount,
		&a.Department, &a.Category, &a.Plan, &a.Renewable, &a.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Award{}, ErrNotFound
		}
		return models.Award{}, fmt.Errorf("get award: %w", err)
	}
	return a, nil
}

func (s *PostgresStore) ListRenewableAwards(ctx context.Context) ([]models.Award, error) {
	query := `
		SELECT scholarship_id, student_id, total_amount, department, category, plan, renewable, created_at
		FROM scholarship_awards
		WHERE renewable = TRUE
		ORDER BY scholarship_id
	`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list renewable awards: %w", err)
	}
	defer rows.Close()

	var out []models.Award
	for rows.Next() {
		var a models.Award
		if err := rows.Scan(
			&a.ScholarshipID, &a.StudentID, &a.TotalAmount,
			&a.Department, &a.Category, &a.Plan, &a.Renewable, &a.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan award: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *PostgresStore) HasScheduleForPeriod(ctx context.Context, scholarshipID, period string) (bool, error) {
	query := `SELECT EXISTS (SELECT 1 FROM disbursement_schedules WHERE scholarship_id = $1 AND period = $2)`
	var exists bool
	if err := s.db.QueryRowContext(ctx, query, scholarshipID, period).Scan(&exists); err != nil {
		return false, fmt.Errorf("check schedule: %w", err)
	}
	return exists, nil
}
