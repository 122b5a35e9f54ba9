package store

import (
	"context"

	"bursary/internal/admission/models"
	"bursary/pkg/platform/sentinel"
)

var (
	ErrNotFound = sentinel.ErrNotFound
	ErrConflict = sentinel.ErrConflict
)

// Store persists applications and enrollments. Application updates are
// version-guarded; enrollment creation is create-if-absent on the natural key
// so concurrent transfers produce exactly one record.
type Store interface {
	CreateApplication(ctx context.Context, app models.Application) error
	GetApplication(ctx context.Context, id string) (models.Application, error)
	// UpdateApplication writes app only if the stored version matches
	// app.Version, then bumps it. Returns ErrConflict on a stale version.
	UpdateApplication(ctx context.Context, app models.Application) (models.Application, error)
	// CreateEnrollment inserts unless an enrollment already exists for the
	// application ID or email. Returns the winner either way; created is
	// false for losers.
	CreateEnrollment(ctx context.Context, enrollment models.Enrollment) (created bool, existing models.Enrollment, err error)
	// FindEnrollment looks up by application ID first, then by email.
	FindEnrollment(ctx context.Context, applicationID, email string) (models.Enrollment, error)
}
