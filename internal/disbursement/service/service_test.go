package service

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/suite"

	"bursary/internal/disbursement/models"
	"bursary/internal/disbursement/store"
	ledgermodels "bursary/internal/ledger/models"
	dErrors "bursary/pkg/domain-errors"
)

// stubLedger records fee credits and answers with a canned outcome or error.
type stubLedger struct {
	events  []ledgermodels.ApprovalEvent
	outcome ledgermodels.Outcome
	err     error
}

func (l *stubLedger) RecordCredit(_ context.Context, event ledgermodels.ApprovalEvent) (*ledgermodels.Outcome, error) {
	l.events = append(l.events, event)
	if l.err != nil {
		return nil, l.err
	}
	out := l.outcome
	return &out, nil
}

// stubEligibility answers eligibility checks from a fixture map.
type stubEligibility struct {
	records map[string]models.Eligibility
}

func (e *stubEligibility) Check(_ context.Context, studentID string) (models.Eligibility, error) {
	rec, ok := e.records[studentID]
	if !ok {
		return models.Eligibility{}, errors.New("no academic record for " + studentID)
	}
	return rec, nil
}

type SchedulerSuite struct {
	suite.Suite
	ctx         context.Context
	store       *store.InMemoryStore
	ledger      *stubLedger
	eligibility *stubEligibility
	scheduler   *Scheduler
	now         time.Time
}

func TestSchedulerSuite(t *testing.T) {
	suite.Run(t, new(SchedulerSuite))
}

func (s *SchedulerSuite) SetupTest() {
	s.ctx = context.Background()
	s.store = store.NewInMemoryStore()
	s.ledger = &stubLedger{
		outcome: ledgermodels.Outcome{
			Processed: true,
			BudgetID:  "budget-fees",
			Status:    ledgermodels.SourceEventCredited,
		},
	}
	s.eligibility = &stubEligibility{records: map[string]models.Eligibility{}}
	s.now = time.Date(2025, time.September, 1, 9, 0, 0, 0, time.UTC)

	var err error
	s.scheduler, err = New(s.store, s.ledger, s.eligibility,
		slog.New(slog.NewTextHandler(testWriter{s.T()}, nil)),
		Options{
			Policy: RenewalPolicy{MinGPA: 3.0, MinStanding: 12},
			Now:    func() time.Time { return s.now },
		})
	s.Require().NoError(err)
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

func (s *SchedulerSuite) input(plan models.Plan, total string) models.CreateScheduleInput {
	return models.CreateScheduleInput{
		ScholarshipID: "sch-001",
		StudentID:     "stu-001",
		TotalAmount:   decimal.RequireFromString(total),
		Period:        "2025",
		Plan:          plan,
		Department:    "engineering",
		Category:      "fees",
	}
}

func (s *SchedulerSuite) TestCreateSchedule() {
	s.Run("semester plan splits in two halves 182 days apart", func() {
		got, err := s.scheduler.CreateSchedule(s.ctx, s.input(models.PlanSemester, "4000"))
		s.Require().NoError(err)
		s.Require().Len(got, 2)
		s.True(got[0].Amount.Equal(decimal.RequireFromString("2000")))
		s.True(got[1].Amount.Equal(decimal.RequireFromString("2000")))
		s.Equal(s.now, got[0].PlannedDate)
		s.Equal(s.now.Add(182*24*time.Hour), got[1].PlannedDate)
		for _, d := range got {
			s.Equal(models.StatusPending, d.Status)
		}
	})

	s.Run("semester second half absorbs odd cents", func() {
		input := s.input(models.PlanSemester, "1000.01")
		input.ScholarshipID = "sch-odd"
		got, err := s.scheduler.CreateSchedule(s.ctx, input)
		s.Require().NoError(err)
		s.Require().Len(got, 2)
		s.True(got[0].Amount.Add(got[1].Amount).Equal(input.TotalAmount),
			"installments must sum to the award total")
	})

	s.Run("mid-cycle semester start collapses to a single installment", func() {
		input := s.input(models.PlanSemester, "4000")
		input.ScholarshipID = "sch-mid"
		input.Start = s.now
		input.CycleStart = s.now.Add(-200 * 24 * time.Hour)
		got, err := s.scheduler.CreateSchedule(s.ctx, input)
		s.Require().NoError(err)
		s.Require().Len(got, 1)
		s.True(got[0].Amount.Equal(decimal.RequireFromString("4000")))
	})

	s.Run("annual plan pays out once", func() {
		input := s.input(models.PlanAnnual, "6000")
		input.ScholarshipID = "sch-annual"
		got, err := s.scheduler.CreateSchedule(s.ctx, input)
		s.Require().NoError(err)
		s.Require().Len(got, 1)
		s.True(got[0].Amount.Equal(decimal.RequireFromString("6000")))
	})

	s.Run("custom plan last installment takes the rounding remainder", func() {
		input := s.input(models.PlanCustom, "1000")
		input.ScholarshipID = "sch-custom"
		input.Custom = []models.CustomSplit{
			{Period: "2025-T1", Percentage: decimal.RequireFromString("33.33")},
			{Period: "2025-T2", Percentage: decimal.RequireFromString("33.33")},
			{Period: "2025-T3", Percentage: decimal.RequireFromString("33.34")},
		}
		got, err := s.scheduler.CreateSchedule(s.ctx, input)
		s.Require().NoError(err)
		s.Require().Len(got, 3)
		s.True(got[0].Amount.Equal(decimal.RequireFromString("333.30")))
		s.True(got[1].Amount.Equal(decimal.RequireFromString("333.30")))
		s.True(got[2].Amount.Equal(decimal.RequireFromString("333.40")))
	})

	s.Run("custom percentages must sum to 100", func() {
		input := s.input(models.PlanCustom, "1000")
		input.ScholarshipID = "sch-bad"
		input.Custom = []models.CustomSplit{
			{Period: "2025-T1", Percentage: decimal.RequireFromString("60")},
			{Period: "2025-T2", Percentage: decimal.RequireFromString("50")},
		}
		_, err := s.scheduler.CreateSchedule(s.ctx, input)
		s.True(dErrors.Is(err, dErrors.CodeValidation))
	})

	s.Run("missing identifiers are reported field by field", func() {
		_, err := s.scheduler.CreateSchedule(s.ctx, models.CreateScheduleInput{
			TotalAmount: decimal.RequireFromString("100"),
			Plan:        models.PlanAnnual,
		})
		s.Require().Error(err)
		s.True(dErrors.Is(err, dErrors.CodeValidation))
		var de *dErrors.DomainError
		s.Require().ErrorAs(err, &de)
		s.ElementsMatch([]string{"scholarshipId", "studentId", "period"}, de.Fields)
	})

	s.Run("second schedule for the same scholarship and period is rejected", func() {
		input := s.input(models.PlanAnnual, "6000")
		input.ScholarshipID = "sch-dup"
		_, err := s.scheduler.CreateSchedule(s.ctx, input)
		s.Require().NoError(err)
		_, err = s.scheduler.CreateSchedule(s.ctx, input)
		s.True(dErrors.Is(err, dErrors.CodeInvalidState))
	})
}

func (s *SchedulerSuite) createOne(plan models.Plan, total string) models.Disbursement {
	input := s.input(plan, total)
	input.ScholarshipID = "sch-" + uuid.NewString()
	got, err := s.scheduler.CreateSchedule(s.ctx, input)
	s.Require().NoError(err)
	s.Require().NotEmpty(got)
	return got[0]
}

func (s *SchedulerSuite) TestProcessDisbursement() {
	s.Run("pending record credits the ledger and becomes disbursed", func() {
		d := s.createOne(models.PlanAnnual, "6000")

		updated, err := s.scheduler.ProcessDisbursement(s.ctx, d.ID)
		s.Require().NoError(err)
		s.Equal(models.StatusDisbursed, updated.Status)

		s.Require().Len(s.ledger.events, 1)
		event := s.ledger.events[0]
		s.Equal("scholarship_disbursements", event.SourceCollection)
		s.Equal(d.ID, event.SourceDocumentID)
		s.True(event.Amount.Equal(d.Amount))
	})

	s.Run("non-pending record is rejected with no ledger effect", func() {
		d := s.createOne(models.PlanAnnual, "6000")
		_, err := s.scheduler.ProcessDisbursement(s.ctx, d.ID)
		s.Require().NoError(err)
		creditsBefore := len(s.ledger.events)

		_, err = s.scheduler.ProcessDisbursement(s.ctx, d.ID)
		s.True(dErrors.Is(err, dErrors.CodeInvalidState))
		s.Len(s.ledger.events, creditsBefore, "repeat processing must not touch the ledger")
	})

	s.Run("ledger outage fails the record as retriable", func() {
		d := s.createOne(models.PlanAnnual, "6000")
		s.ledger.err = dErrors.New(dErrors.CodeUnavailable, "ledger store down")

		_, err := s.scheduler.ProcessDisbursement(s.ctx, d.ID)
		s.Require().Error(err)

		failed, gerr := s.store.GetDisbursement(s.ctx, d.ID)
		s.Require().NoError(gerr)
		s.Equal(models.StatusFailed, failed.Status)
		s.True(failed.Retriable)
		s.NotEmpty(failed.LastError)
	})

	s.Run("missing fee account fails the record as non-retriable", func() {
		d := s.createOne(models.PlanAnnual, "6000")
		s.ledger.err = nil
		s.ledger.outcome = ledgermodels.Outcome{
			Processed: true,
			Status:    ledgermodels.SourceEventNoBudget,
		}

		_, err := s.scheduler.ProcessDisbursement(s.ctx, d.ID)
		s.Require().Error(err)

		failed, gerr := s.store.GetDisbursement(s.ctx, d.ID)
		s.Require().NoError(gerr)
		s.Equal(models.StatusFailed, failed.Status)
		s.False(failed.Retriable)
	})

	s.Run("ledger reporting a non-credit outcome does not settle the record", func() {
		d := s.createOne(models.PlanAnnual, "6000")
		s.ledger.err = nil
		s.ledger.outcome = ledgermodels.Outcome{
			Processed: true,
			Status:    ledgermodels.SourceEventFailed,
		}

		_, err := s.scheduler.ProcessDisbursement(s.ctx, d.ID)
		s.Require().Error(err)

		stuck, gerr := s.store.GetDisbursement(s.ctx, d.ID)
		s.Require().NoError(gerr)
		s.Equal(models.StatusFailed, stuck.Status,
			"a disbursement without a credit must never read as disbursed")
		s.True(stuck.Retriable)
	})

	s.Run("unknown disbursement is not found", func() {
		s.ledger.err = nil
		_, err := s.scheduler.ProcessDisbursement(s.ctx, "no-such-id")
		s.True(dErrors.Is(err, dErrors.CodeNotFound))
	})
}

func (s *SchedulerSuite) TestFeeCreditRouting() {
	s.Run("credit follows the award's department and category", func() {
		input := s.input(models.PlanAnnual, "6000")
		input.ScholarshipID = "sch-routed"
		input.Department = "agriculture"
		input.Category = "tuition"
		got, err := s.scheduler.CreateSchedule(s.ctx, input)
		s.Require().NoError(err)

		_, err = s.scheduler.ProcessDisbursement(s.ctx, got[0].ID)
		s.Require().NoError(err)

		s.Require().NotEmpty(s.ledger.events)
		event := s.ledger.events[len(s.ledger.events)-1]
		s.Equal("agriculture", event.Department)
		s.Equal("tuition", event.Category)
	})

	s.Run("award without routing falls back to the student fees account", func() {
		input := s.input(models.PlanAnnual, "6000")
		input.ScholarshipID = "sch-unrouted"
		input.Department = ""
		input.Category = ""
		got, err := s.scheduler.CreateSchedule(s.ctx, input)
		s.Require().NoError(err)

		_, err = s.scheduler.ProcessDisbursement(s.ctx, got[0].ID)
		s.Require().NoError(err)

		event := s.ledger.events[len(s.ledger.events)-1]
		s.Equal("student_fees", event.Department)
		s.Equal("fees", event.Category)
	})
}

func (s *SchedulerSuite) TestRetryFailed() {
	s.Run("retriable failure returns to pending and can be processed", func() {
		d := s.createOne(models.PlanAnnual, "6000")
		s.ledger.err = dErrors.New(dErrors.CodeUnavailable, "ledger store down")
		_, err := s.scheduler.ProcessDisbursement(s.ctx, d.ID)
		s.Require().Error(err)

		retried, err := s.scheduler.RetryFailed(s.ctx, d.ID)
		s.Require().NoError(err)
		s.Equal(models.StatusPending, retried.Status)
		s.False(retried.Retriable)
		s.Empty(retried.LastError)

		s.ledger.err = nil
		processed, err := s.scheduler.ProcessDisbursement(s.ctx, d.ID)
		s.Require().NoError(err)
		s.Equal(models.StatusDisbursed, processed.Status)
	})

	s.Run("non-retriable failure stays failed", func() {
		d := s.createOne(models.PlanAnnual, "6000")
		s.ledger.outcome = ledgermodels.Outcome{Status: ledgermodels.SourceEventNoBudget}
		_, err := s.scheduler.ProcessDisbursement(s.ctx, d.ID)
		s.Require().Error(err)

		_, err = s.scheduler.RetryFailed(s.ctx, d.ID)
		s.True(dErrors.Is(err, dErrors.CodeInvalidState))
	})
}

func (s *SchedulerSuite) TestCancel() {
	s.Run("pending record cancels", func() {
		d := s.createOne(models.PlanAnnual, "6000")
		cancelled, err := s.scheduler.Cancel(s.ctx, d.ID)
		s.Require().NoError(err)
		s.Equal(models.StatusCancelled, cancelled.Status)
	})

	s.Run("disbursed record cannot be cancelled", func() {
		d := s.createOne(models.PlanAnnual, "6000")
		_, err := s.scheduler.ProcessDisbursement(s.ctx, d.ID)
		s.Require().NoError(err)

		_, err = s.scheduler.Cancel(s.ctx, d.ID)
		s.True(dErrors.Is(err, dErrors.CodeInvalidState))
	})
}

func (s *SchedulerSuite) TestRenewForPeriod() {
	seed := func(scholarshipID, studentID string) {
		input := s.input(models.PlanSemester, "4000")
		input.ScholarshipID = scholarshipID
		input.StudentID = studentID
		input.Renewable = true
		_, err := s.scheduler.CreateSchedule(s.ctx, input)
		s.Require().NoError(err)
	}

	s.Run("eligible awards get next-period schedules, ineligible are skipped", func() {
		seed("sch-a", "stu-a")
		seed("sch-b", "stu-b")
		s.eligibility.records["stu-a"] = models.Eligibility{GPA: 3.5, CreditStanding: 24}
		s.eligibility.records["stu-b"] = models.Eligibility{GPA: 2.1, CreditStanding: 24}

		s.Require().NoError(s.scheduler.RenewForPeriod(s.ctx, "2026"))

		renewedA, err := s.store.HasScheduleForPeriod(s.ctx, "sch-a", "2026")
		s.Require().NoError(err)
		s.True(renewedA)
		renewedB, err := s.store.HasScheduleForPeriod(s.ctx, "sch-b", "2026")
		s.Require().NoError(err)
		s.False(renewedB, "below-threshold GPA must not renew")
	})

	s.Run("running renewal twice does not duplicate schedules", func() {
		seed("sch-c", "stu-c")
		s.eligibility.records["stu-c"] = models.Eligibility{GPA: 3.9, CreditStanding: 30}

		s.Require().NoError(s.scheduler.RenewForPeriod(s.ctx, "2026"))
		s.Require().NoError(s.scheduler.RenewForPeriod(s.ctx, "2026"))

		all, err := s.store.ListByScholarship(s.ctx, "sch-c")
		s.Require().NoError(err)
		var renewed int
		for _, d := range all {
			if d.Period == "2026" {
				renewed++
			}
		}
		s.Equal(2, renewed, "semester renewal is exactly one two-installment schedule")
	})

	s.Run("missing academic record holds the award without failing the run", func() {
		seed("sch-d", "stu-unknown")
		s.Require().NoError(s.scheduler.RenewForPeriod(s.ctx, "2027"))
		exists, err := s.store.HasScheduleForPeriod(s.ctx, "sch-d", "2027")
		s.Require().NoError(err)
		s.False(exists)
	})
}
