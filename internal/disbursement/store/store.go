package store

import (
	"context"

	"bursary/internal/disbursement/models"
	"bursary/pkg/platform/sentinel"
)

var (
	ErrNotFound     = sentinel.ErrNotFound
	ErrConflict     = sentinel.ErrConflict
	ErrInvalidState = sentinel.ErrInvalidState
)

// Store persists awards and their disbursement schedules. Transition is a
// compare-and-swap on status so the pending-only processing guard holds under
// concurrent callers.
type Store interface {
	// CreateSchedule writes the award and its disbursements together.
	// Returns ErrConflict when a schedule already exists for the award's
	// (scholarshipID, period).
	CreateSchedule(ctx context.Context, award models.Award, disbursements []models.Disbursement) error
	GetDisbursement(ctx context.Context, id string) (models.Disbursement, error)
	ListByScholarship(ctx context.Context, scholarshipID string) ([]models.Disbursement, error)
	// Transition moves a disbursement from exactly `from` to `to`,
	// recording failure detail when provided. Returns ErrInvalidState when
	// the current status is not `from`.
	Transition(ctx context.Context, id string, from, to models.Status, retriable bool, lastError string) (models.Disbursement, error)
	GetAward(ctx context.Context, scholarshipID string) (models.Award, error)
	ListRenewableAwards(ctx context.Context) ([]models.Award, error)
	HasScheduleForPeriod(ctx context.Context, scholarshipID, period string) (bool, error)
}
