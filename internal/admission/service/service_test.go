package service

import (
	"context"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/suite"

	"bursary/internal/admission/models"
	"bursary/internal/admission/store"
	seqservice "bursary/internal/sequence/service"
	seqstore "bursary/internal/sequence/store"
	dErrors "bursary/pkg/domain-errors"
)

type StateMachineSuite struct {
	suite.Suite
	ctx     context.Context
	store   *store.InMemoryStore
	machine *StateMachine
}

func TestStateMachineSuite(t *testing.T) {
	suite.Run(t, new(StateMachineSuite))
}

func (s *StateMachineSuite) SetupTest() {
	s.ctx = context.Background()
	s.store = store.NewInMemoryStore()
	s.machine = s.newMachine(0)
}

func (s *StateMachineSuite) newMachine(maxAttempts uint) *StateMachine {
	logger := slog.New(slog.NewTextHandler(testWriter{s.T()}, nil))
	allocator, err := seqservice.New(seqstore.NewInMemoryStore(), logger, nil, seqservice.Options{})
	s.Require().NoError(err)
	machine, err := New(s.store, allocator, logger, Options{
		Prefix:      "UCAES",
		Period:      "2025",
		MaxAttempts: maxAttempts,
	})
	s.Require().NoError(err)
	return machine
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

func completeDraft() DraftInput {
	return DraftInput{
		Personal: models.PersonalSection{
			FirstName:   "Ama",
			LastName:    "Mensah",
			DateOfBirth: "2007-03-14",
		},
		Contact: models.ContactSection{
			Email: "ama.mensah@example.com",
			Phone: "+233201234567",
		},
		Academic: models.AcademicSection{
			PriorSchool: "Accra Senior High",
			FinalGrade:  "A1",
		},
		Programme: models.ProgrammeSection{FirstChoice: "computer-science"},
	}
}

// accepted drives a fresh application through the full legal path.
func (s *StateMachineSuite) accepted(machine *StateMachine, input DraftInput) models.Application {
	app, err := machine.CreateDraft(s.ctx, input)
	s.Require().NoError(err)
	app, err = machine.Submit(s.ctx, app.ID)
	s.Require().NoError(err)
	_, err = machine.Transition(s.ctx, app.ID, models.StateUnderReview)
	s.Require().NoError(err)
	app, err = machine.Transition(s.ctx, app.ID, models.StateAccepted)
	s.Require().NoError(err)
	return app
}

func (s *StateMachineSuite) TestLifecycle() {
	s.Run("submit stamps an allocator-issued application number", func() {
		app, err := s.machine.CreateDraft(s.ctx, completeDraft())
		s.Require().NoError(err)
		s.Equal(models.StateDraft, app.State)
		s.Empty(app.ApplicationNumber)

		submitted, err := s.machine.Submit(s.ctx, app.ID)
		s.Require().NoError(err)
		s.Equal(models.StateSubmitted, submitted.State)
		s.Equal("UCAES20250001", submitted.ApplicationNumber)
	})

	s.Run("legal path reaches accepted", func() {
		app := s.accepted(s.machine, completeDraft())
		s.Equal(models.StateAccepted, app.State)
		s.False(app.Transferred)
	})

	s.Run("skipping review is rejected", func() {
		app, err := s.machine.CreateDraft(s.ctx, completeDraft())
		s.Require().NoError(err)
		_, err = s.machine.Transition(s.ctx, app.ID, models.StateAccepted)
		s.True(dErrors.Is(err, dErrors.CodeInvalidTransition))
	})

	s.Run("rejected returns to review only through the override path", func() {
		app, err := s.machine.CreateDraft(s.ctx, completeDraft())
		s.Require().NoError(err)
		_, err = s.machine.Submit(s.ctx, app.ID)
		s.Require().NoError(err)
		_, err = s.machine.Transition(s.ctx, app.ID, models.StateUnderReview)
		s.Require().NoError(err)
		_, err = s.machine.Transition(s.ctx, app.ID, models.StateRejected)
		s.Require().NoError(err)

		_, err = s.machine.Transition(s.ctx, app.ID, models.StateUnderReview)
		s.True(dErrors.Is(err, dErrors.CodeInvalidTransition))

		reopened, err := s.machine.TransitionWithOverride(s.ctx, app.ID, models.StateUnderReview)
		s.Require().NoError(err)
		s.Equal(models.StateUnderReview, reopened.State)
	})

	s.Run("unknown application is not found", func() {
		_, err := s.machine.Transition(s.ctx, "no-such-id", models.StateSubmitted)
		s.True(dErrors.Is(err, dErrors.CodeNotFound))
	})
}

func (s *StateMachineSuite) TestSubmitDoesNotBurnNumbers() {
	app, err := s.machine.CreateDraft(s.ctx, completeDraft())
	s.Require().NoError(err)
	submitted, err := s.machine.Submit(s.ctx, app.ID)
	s.Require().NoError(err)
	s.Equal("UCAES20250001", submitted.ApplicationNumber)

	// A repeated submit is an illegal edge and must not advance the counter.
	_, err = s.machine.Submit(s.ctx, app.ID)
	s.True(dErrors.Is(err, dErrors.CodeInvalidTransition))
	_, err = s.machine.Submit(s.ctx, "no-such-id")
	s.True(dErrors.Is(err, dErrors.CodeNotFound))

	other, err := s.machine.CreateDraft(s.ctx, completeDraft())
	s.Require().NoError(err)
	next, err := s.machine.Submit(s.ctx, other.ID)
	s.Require().NoError(err)
	s.Equal("UCAES20250002", next.ApplicationNumber,
		"rejected submits must not leave gaps in the sequence")
}

func (s *StateMachineSuite) TestOnAccepted() {
	s.Run("transfer creates the enrollment and reuses the application number", func() {
		app := s.accepted(s.machine, completeDraft())

		result, err := s.machine.OnAccepted(s.ctx, app.ID)
		s.Require().NoError(err)
		s.True(result.Success)
		s.False(result.AlreadyEnrolled)
		s.Equal(app.ApplicationNumber, result.RegistrationNumber)

		stored, err := s.machine.GetApplication(s.ctx, app.ID)
		s.Require().NoError(err)
		s.True(stored.Transferred)
		s.Equal(result.RegistrationNumber, stored.RegistrationNumber)

		enrollment, err := s.store.FindEnrollment(s.ctx, app.ID, "")
		s.Require().NoError(err)
		s.Equal("Ama Mensah", enrollment.StudentName)
		s.Equal("computer-science", enrollment.Programme)
	})

	s.Run("repeat transfer is an idempotent no-op", func() {
		input := completeDraft()
		input.Contact.Email = "repeat@example.com"
		app := s.accepted(s.machine, input)

		first, err := s.machine.OnAccepted(s.ctx, app.ID)
		s.Require().NoError(err)
		second, err := s.machine.OnAccepted(s.ctx, app.ID)
		s.Require().NoError(err)
		s.True(second.AlreadyEnrolled)
		s.Equal(first.RegistrationNumber, second.RegistrationNumber)
	})

	s.Run("only accepted applications transfer", func() {
		app, err := s.machine.CreateDraft(s.ctx, completeDraft())
		s.Require().NoError(err)
		_, err = s.machine.OnAccepted(s.ctx, app.ID)
		s.True(dErrors.Is(err, dErrors.CodeInvalidState))
	})

	s.Run("incomplete dossier aborts with the missing fields listed", func() {
		input := completeDraft()
		input.Contact.Email = "incomplete@example.com"
		input.Personal.DateOfBirth = ""
		input.Academic.FinalGrade = ""
		app := s.accepted(s.machine, input)

		_, err := s.machine.OnAccepted(s.ctx, app.ID)
		s.Require().Error(err)
		s.True(dErrors.Is(err, dErrors.CodeValidation))
		var de *dErrors.DomainError
		s.Require().ErrorAs(err, &de)
		s.ElementsMatch([]string{"personal.dateOfBirth", "academic.finalGrade"}, de.Fields)

		stored, err := s.machine.GetApplication(s.ctx, app.ID)
		s.Require().NoError(err)
		s.False(stored.Transferred, "failed transfer must leave the flag down")
		s.Equal(models.StateAccepted, stored.State)
	})

	s.Run("existing enrollment repairs a missing transferred stamp", func() {
		input := completeDraft()
		input.Contact.Email = "repair@example.com"
		app := s.accepted(s.machine, input)

		// Simulate a transfer that created the enrollment but stopped before
		// stamping the application.
		created, enrollment, err := s.store.CreateEnrollment(s.ctx, models.Enrollment{
			RegistrationNumber: app.ApplicationNumber,
			ApplicationID:      app.ID,
			Email:              input.Contact.Email,
			StudentName:        "Ama Mensah",
			Programme:          "computer-science",
			Period:             "2025",
		})
		s.Require().NoError(err)
		s.Require().True(created)

		result, err := s.machine.OnAccepted(s.ctx, app.ID)
		s.Require().NoError(err)
		s.True(result.AlreadyEnrolled)
		s.Equal(enrollment.RegistrationNumber, result.RegistrationNumber)

		stored, err := s.machine.GetApplication(s.ctx, app.ID)
		s.Require().NoError(err)
		s.True(stored.Transferred, "short-circuit must restamp the application")
		s.Equal(enrollment.RegistrationNumber, stored.RegistrationNumber)
	})

	s.Run("application without a number gets a fresh registration allocation", func() {
		// Seeded directly, bypassing Submit, as legacy paper applications are.
		legacy := models.Application{
			ID:        "legacy-1",
			State:     models.StateAccepted,
			Personal:  completeDraft().Personal,
			Contact:   models.ContactSection{Email: "legacy@example.com", Phone: "+233200000000"},
			Academic:  completeDraft().Academic,
			Programme: completeDraft().Programme,
		}
		s.Require().NoError(s.store.CreateApplication(s.ctx, legacy))

		result, err := s.machine.OnAccepted(s.ctx, legacy.ID)
		s.Require().NoError(err)
		s.Regexp(`^UCAES2025\d{4}$`, result.RegistrationNumber)
	})
}

func (s *StateMachineSuite) TestOnAcceptedConcurrent() {
	const workers = 16

	// Retry budget scales with contention: every loser of the transferred
	// flag's version CAS retries against a fresher read.
	machine := s.newMachine(workers + 2)
	app := s.accepted(machine, completeDraft())

	var wg sync.WaitGroup
	results := make([]*models.TransferResult, workers)
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = machine.OnAccepted(s.ctx, app.ID)
		}(i)
	}
	wg.Wait()

	registration := ""
	for i := 0; i < workers; i++ {
		s.Require().NoError(errs[i])
		s.Require().True(results[i].Success)
		if registration == "" {
			registration = results[i].RegistrationNumber
		}
		s.Equal(registration, results[i].RegistrationNumber,
			"every caller must see the same registration number")
	}

	enrollment, err := s.store.FindEnrollment(s.ctx, app.ID, "")
	s.Require().NoError(err)
	s.Equal(registration, enrollment.RegistrationNumber)

	stored, err := machine.GetApplication(s.ctx, app.ID)
	s.Require().NoError(err)
	s.True(stored.Transferred)
}
