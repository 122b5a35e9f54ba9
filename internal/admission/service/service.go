package service

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"bursary/internal/admission/models"
	"bursary/internal/admission/store"
	dErrors "bursary/pkg/domain-errors"
)

const defaultMaxAttempts = 5

// NumberAllocator is the slice of the sequence allocator admissions use for
// application and registration numbers.
type NumberAllocator interface {
	Allocate(ctx context.Context, namespace, period string) (string, error)
}

// Options tune the state machine beyond its store.
type Options struct {
	// Prefix and Period scope allocated numbers, e.g. UCAES + 2025.
	Prefix string
	Period string
	// MaxAttempts caps version-conflict retries; zero means the default of 5.
	MaxAttempts uint
}

// StateMachine drives applications through their lifecycle and performs the
// accepted-to-enrolled transfer exactly once per application.
type StateMachine struct {
	store       store.Store
	allocator   NumberAllocator
	logger      *slog.Logger
	prefix      string
	period      string
	maxAttempts uint
}

func New(st store.Store, allocator NumberAllocator, logger *slog.Logger, opts Options) (*StateMachine, error) {
	if st == nil {
		return nil, errors.New("admission store is required")
	}
	if allocator == nil {
		return nil, errors.New("number allocator is required")
	}
	attempts := opts.MaxAttempts
	if attempts == 0 {
		attempts = defaultMaxAttempts
	}
	return &StateMachine{
		store:       st,
		allocator:   allocator,
		logger:      logger,
		prefix:      opts.Prefix,
		period:      opts.Period,
		maxAttempts: attempts,
	}, nil
}

// DraftInput carries the applicant-provided sections of a new application.
type DraftInput struct {
	Personal  models.PersonalSection
	Contact   models.ContactSection
	Academic  models.AcademicSection
	Programme models.ProgrammeSection
}

// CreateDraft opens a new application in draft. Sections may be incomplete;
// completeness is enforced at transfer time, not here.
func (m *StateMachine) CreateDraft(ctx context.Context, input DraftInput) (models.Application, error) {
	app := models.Application{
		ID:        uuid.NewString(),
		State:     models.StateDraft,
		Personal:  input.Personal,
		Contact:   input.Contact,
		Academic:  input.Academic,
		Programme: input.Programme,
	}
	if err := m.store.CreateApplication(ctx, app); err != nil {
		return models.Application{}, dErrors.Wrap(err, dErrors.CodeUnavailable, "create application")
	}
	return m.store.GetApplication(ctx, app.ID)
}

// Submit moves a draft to submitted, stamping it with an allocator-issued
// application number.
func (m *StateMachine) Submit(ctx context.Context, id string) (models.Application, error) {
	app, err := m.store.GetApplication(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return models.Application{}, dErrors.New(dErrors.CodeNotFound, "application "+id+" not found")
		}
		return models.Application{}, dErrors.Wrap(err, dErrors.CodeUnavailable, "get application")
	}
	// Check the edge before minting a number; an illegal submit must not
	// burn a sequence value.
	if !models.CanTransition(app.State, models.StateSubmitted) {
		return app, dErrors.Newf(dErrors.CodeInvalidTransition,
			"application %s cannot move %s -> %s", id, app.State, models.StateSubmitted)
	}
	number, err := m.allocator.Allocate(ctx, m.prefix, m.period)
	if err != nil {
		return models.Application{}, err
	}
	return m.transition(ctx, id, models.StateSubmitted, false, func(app *models.Application) {
		app.ApplicationNumber = number
	})
}

// Transition moves an application along a legal edge.
func (m *StateMachine) Transition(ctx context.Context, id string, to models.State) (models.Application, error) {
	return m.transition(ctx, id, to, false, nil)
}

// TransitionWithOverride additionally permits the rejected-to-under_review
// edge for explicit staff overrides.
func (m *StateMachine) TransitionWithOverride(ctx context.Context, id string, to models.State) (models.Application, error) {
	return m.transition(ctx, id, to, true, nil)
}

// transition re-reads and retries on version conflicts so concurrent edits
// never silently drop a state move.
func (m *StateMachine) transition(ctx context.Context, id string, to models.State, override bool, mutate func(*models.Application)) (models.Application, error) {
	bo := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(10*time.Millisecond),
		backoff.WithMaxInterval(250*time.Millisecond),
	)

	var lastErr error
	for attempt := uint(0); attempt < m.maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(bo.NextBackOff()):
			case <-ctx.Done():
				return models.Application{}, dErrors.Wrap(ctx.Err(), dErrors.CodeUnavailable, "transition cancelled")
			}
		}

		app, err := m.store.GetApplication(ctx, id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return models.Application{}, dErrors.New(dErrors.CodeNotFound, "application "+id+" not found")
			}
			return models.Application{}, dErrors.Wrap(err, dErrors.CodeUnavailable, "get application")
		}

		allowed := models.CanTransition(app.State, to)
		if override {
			allowed = models.CanOverride(app.State, to)
		}
		if !allowed {
			return app, dErrors.Newf(dErrors.CodeInvalidTransition,
				"application %s cannot move %s -> %s", id, app.State, to)
		}

		app.State = to
		if mutate != nil {
			mutate(&app)
		}
		updated, err := m.store.UpdateApplication(ctx, app)
		if err == nil {
			m.logger.InfoContext(ctx, "application transitioned",
				"application_id", id, "state", to, "override", override)
			return updated, nil
		}
		lastErr = err
		if errors.Is(err, store.ErrConflict) {
			continue
		}
		return models.Application{}, dErrors.Wrap(err, dErrors.CodeUnavailable, "update application")
	}
	return models.Application{}, dErrors.Wrap(lastErr, dErrors.CodeConcurrencyExhausted,
		"application "+id+" contended beyond retry budget")
}

// OnAccepted transfers an accepted application into an enrollment. Exactly one
// enrollment results no matter how often or how concurrently it is invoked:
// the enrollment insert is create-if-absent on the application's natural key,
// and losers read back the winner's registration number.
func (m *StateMachine) OnAccepted(ctx context.Context, applicationID string) (*models.TransferResult, error) {
	app, err := m.store.GetApplication(ctx, applicationID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeNotFound, "application "+applicationID+" not found")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "get application")
	}
	if app.State != models.StateAccepted {
		return nil, dErrors.Newf(dErrors.CodeInvalidState,
			"application %s is %s, only accepted applications transfer", applicationID, app.State)
	}

	// Idempotent short-circuit before doing any work.
	if existing, err := m.store.FindEnrollment(ctx, app.ID, app.Contact.Email); err == nil {
		if !app.Transferred {
			// A prior transfer created the enrollment but stopped before
			// stamping the application; repair the stamp so both sides
			// reference each other.
			if err := m.markTransferred(ctx, app.ID, existing.RegistrationNumber); err != nil {
				return nil, err
			}
		}
		return &models.TransferResult{
			Success:            true,
			RegistrationNumber: existing.RegistrationNumber,
			AlreadyEnrolled:    true,
		}, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "find enrollment")
	}

	if missing := app.MissingSections(); len(missing) > 0 {
		// Transferred stays false and the state stays accepted so staff can
		// complete the dossier and retry.
		return nil, dErrors.New(dErrors.CodeValidation,
			"application "+applicationID+" is incomplete").WithFields(missing...)
	}

	registration := app.ApplicationNumber
	if registration == "" {
		registration, err = m.allocator.Allocate(ctx, m.prefix, m.period)
		if err != nil {
			return nil, err
		}
	}

	created, enrollment, err := m.store.CreateEnrollment(ctx, models.Enrollment{
		RegistrationNumber: registration,
		ApplicationID:      app.ID,
		Email:              app.Contact.Email,
		StudentName:        strings.TrimSpace(app.Personal.FirstName + " " + app.Personal.LastName),
		Programme:          app.Programme.FirstChoice,
		Period:             m.period,
	})
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "create enrollment")
	}
	if !created {
		// A concurrent transfer won; adopt its registration number.
		registration = enrollment.RegistrationNumber
	}

	if err := m.markTransferred(ctx, app.ID, registration); err != nil {
		// The enrollment exists; the flag write is retried on the next
		// invocation via the short-circuit path.
		m.logger.ErrorContext(ctx, "enrollment created but transferred flag not recorded",
			"application_id", app.ID, "registration_number", registration, "error", err)
		return nil, err
	}

	m.logger.InfoContext(ctx, "application transferred to enrollment",
		"application_id", app.ID,
		"registration_number", registration,
		"already_enrolled", !created,
	)
	return &models.TransferResult{
		Success:            true,
		RegistrationNumber: registration,
		AlreadyEnrolled:    !created,
	}, nil
}

// markTransferred stamps the application with its registration number under
// the usual version guard.
func (m *StateMachine) markTransferred(ctx context.Context, id, registration string) error {
	bo := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(10*time.Millisecond),
		backoff.WithMaxInterval(250*time.Millisecond),
	)

	var lastErr error
	for attempt := uint(0); attempt < m.maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(bo.NextBackOff()):
			case <-ctx.Done():
				return dErrors.Wrap(ctx.Err(), dErrors.CodeUnavailable, "transfer cancelled")
			}
		}
		app, err := m.store.GetApplication(ctx, id)
		if err != nil {
			return dErrors.Wrap(err, dErrors.CodeUnavailable, "get application")
		}
		if app.Transferred && app.RegistrationNumber == registration {
			return nil
		}
		app.Transferred = true
		app.RegistrationNumber = registration
		if _, err := m.store.UpdateApplication(ctx, app); err == nil {
			return nil
		} else if errors.Is(err, store.ErrConflict) {
			lastErr = err
			continue
		} else {
			return dErrors.Wrap(err, dErrors.CodeUnavailable, "update application")
		}
	}
	return dErrors.Wrap(lastErr, dErrors.CodeConcurrencyExhausted,
		"application "+id+" contended beyond retry budget")
}

// GetApplication exposes the dossier for transport handlers.
func (m *StateMachine) GetApplication(ctx context.Context, id string) (models.Application, error) {
	app, err := m.store.GetApplication(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return models.Application{}, dErrors.New(dErrors.CodeNotFound, "application "+id+" not found")
		}
		return models.Application{}, dErrors.Wrap(err, dErrors.CodeUnavailable, "get application")
	}
	return app, nil
}
