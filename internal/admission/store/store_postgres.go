package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"bursary/internal/admission/models"
)

// PostgresStore persists applications and enrollments in PostgreSQL. The
// application update is a version-guarded UPDATE; enrollment creation leans on
// unique indexes over application_id and email plus ON CONFLICT DO NOTHING.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const applicationColumns = `
	id, application_number, state, transferred, COALESCE(registration_number, ''),
	first_name, last_name, date_of_birth, email, phone,
	prior_school, final_grade, programme_choice,
	version, created_at, updated_at
`

func scanApplication(row interface{ Scan(...any) error }) (models.Application, error) {
	var a models.Application
	err := row.Scan(
		&a.ID, &a.ApplicationNumber, &a.State, &a.Transferred, &a.RegistrationNumber,
		&a.Personal.FirstName, &a.Personal.LastName, &a.Personal.DateOfBirth,
		&a.Contact.Email, &a.Contact.Phone,
		&a.Academic.PriorSchool, &a.Academic.FinalGrade, &a.Programme.FirstChoice,
		&a.Version, &a.CreatedAt, &a.UpdatedAt,
	)
	return a, err
}

func (s *PostgresStore) CreateApplication(ctx context.Context, app models.Application) error {
	query := `
		INSERT INTO applications
			(id, application_number, state, transferred, registration_number,
			 first_name, last_name, date_of_birth, email, phone,
			 prior_school, final_grade, programme_choice,
			 version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7, $8, $9, $10, $11, $12, $13, 1, NOW(), NOW())
		ON CONFLICT (id) DO NOTHING
	`
	result, err := s.db.ExecContext(ctx, query,
		app.ID, app.ApplicationNumber, app.State, app.Transferred, app.RegistrationNumber,
		app.Personal.FirstName, app.Personal.LastName, app.Personal.DateOfBirth,
		app.Contact.Email, app.Contact.Phone,
		app.Academic.PriorSchool, app.Academic.FinalGrade, app.Programme.FirstChoice,
	)
	if err != nil {
		return fmt.Errorf("create application: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("create application rows affected: %w", err)
	}
	if rows == 0 {
		return ErrConflict
	}
	return nil
}

func (s *PostgresStore) GetApplication(ctx context.Context, id string) (models.Application, error) {
	query := `SELECT ` + applicationColumns + ` FROM applications WHERE id = $1`
	app, err := scanApplication(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Application{}, ErrNotFound
		}
		return models.Application{}, fmt.Errorf("get application: %w", err)
	}
	return app, nil
}

func (s *PostgresStore) UpdateApplication(ctx context.Context, app models.Application) (models.Application, error) {
	query := `
		UPDATE applications SET
			application_number = $3,
			state = $4,
			transferred = $5,
			registration_number = NULLIF($6, ''),
			first_name = $7, last_name = $8, date_of_birth = $9,
			email = $10, phone = $11,
			prior_school = $12, final_grade = $13, programme_choice = $14,
			version = version + 1,
			updated_at = NOW()
		WHERE id = $1 AND version = $2
		RETURNING ` + applicationColumns
	updated, err := scanApplication(s.db.QueryRowContext(ctx, query,
		app.ID, app.Version,
		app.ApplicationNumber, app.State, app.Transferred, app.RegistrationNumber,
		app.Personal.FirstName, app.Personal.LastName, app.Personal.DateOfBirth,
		app.Contact.Email, app.Contact.Phone,
		app.Academic.PriorSchool, app.Academic.FinalGrade, app.Programme.FirstChoice,
	))
	if err == nil {
		return updated, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return models.Application{}, fmt.Errorf("update application: %w", err)
	}
	// Distinguish a missing row from a stale version.
	if _, getErr := s.GetApplication(ctx, app.ID); getErr != nil {
		return models.Application{}, getErr
	}
	return models.Application{}, ErrConflict
}

func (s *PostgresStore) CreateEnrollment(ctx context.Context, enrollment models.Enrollment) (bool, models.Enrollment, error) {
	query := `
		INSERT INTO enrollments
			(registration_number, application_id, email, student_name, programme, period, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT DO NOTHING
	`
	result, err := s.db.ExecContext(ctx, query,
		enrollment.RegistrationNumber, enrollment.ApplicationID, enrollment.Email,
		enrollment.StudentName, enrollment.Programme, enrollment.Period,
	)
	if err != nil {
		return false, models.Enrollment{}, fmt.Errorf("create enrollment: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, models.Enrollment{}, fmt.Errorf("create enrollment rows affected: %w", err)
	}
	if rows == 1 {
		return true, enrollment, nil
	}
	existing, err := s.FindEnrollment(ctx, enrollment.ApplicationID, enrollment.Email)
	if err != nil {
		return false, models.Enrollment{}, err
	}
	return false, existing, nil
}

func (s *PostgresStore) FindEnrollment(ctx context.Context, applicationID, email string) (models.Enrollment, error) {
	query := `
		SELECT registration_number, application_id, email, student_name, programme, period, created_at
		FROM enrollments
		WHERE application_id = $1 OR ($2 <> '' AND email = $2)
		ORDER BY (application_id = $1) DESC
		LIMIT 1
	`
	var e models.Enrollment
	err := s.db.QueryRowContext(ctx, query, applicationID, email).Scan(
		&e.RegistrationNumber, &e.ApplicationID, &e.Email,
		&e.StudentName, &e.Programme, &e.Period, &e.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Enrollment{}, ErrNotFound
		}
		return models.Enrollment{}, fmt.Errorf("find enrollment: %w", err)
	}
	return e, nil
}
