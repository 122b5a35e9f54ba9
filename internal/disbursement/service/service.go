package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"bursary/internal/disbursement/models"
	"bursary/internal/disbursement/store"
	ledgermodels "bursary/internal/ledger/models"
	dErrors "bursary/pkg/domain-errors"
)

// semesterGap separates the two installments of a semester plan.
const semesterGap = 182 * 24 * time.Hour

// feeCreditCollection keys disbursement fee credits in the ledger so a crash
// between credit and transition is absorbed on retry.
const feeCreditCollection = "scholarship_disbursements"

// FeeCreditor is the slice of the ledger engine the scheduler needs.
type FeeCreditor interface {
	RecordCredit(ctx context.Context, event ledgermodels.ApprovalEvent) (*ledgermodels.Outcome, error)
}

// EligibilityChecker reads the academic-records snapshot renewal decisions
// depend on.
type EligibilityChecker interface {
	Check(ctx context.Context, studentID string) (models.Eligibility, error)
}

// RenewalPolicy holds the eligibility thresholds for award renewal.
type RenewalPolicy struct {
	MinGPA      float64
	MinStanding int
}

// Scheduler computes and executes multi-period scholarship payout schedules.
type Scheduler struct {
	store       store.Store
	ledger      FeeCreditor
	eligibility EligibilityChecker
	policy      RenewalPolicy
	logger      *slog.Logger
	now         func() time.Time
}

// Options tune the scheduler.
type Options struct {
	Policy RenewalPolicy
	Now    func() time.Time
}

func New(st store.Store, ledger FeeCreditor, eligibility EligibilityChecker, logger *slog.Logger, opts Options) (*Scheduler, error) {
	if st == nil {
		return nil, errors.New("disbursement store is required")
	}
	if ledger == nil {
		return nil, errors.New("ledger engine is required")
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Scheduler{
		store:       st,
		ledger:      ledger,
		eligibility: eligibility,
		policy:      opts.Policy,
		logger:      logger,
		now:         now,
	}, nil
}

// CreateSchedule validates the input, splits the award per its plan, and
// persists the schedule. The sum of installments always equals the total.
func (s *Scheduler) CreateSchedule(ctx context.Context, input models.CreateScheduleInput) ([]models.Disbursement, error) {
	if err := s.validateInput(input); err != nil {
		return nil, err
	}

	disbursements, err := s.split(input)
	if err != nil {
		return nil, err
	}

	award := models.Award{
		ScholarshipID: input.ScholarshipID,
		StudentID:     input.StudentID,
		TotalAmount:   input.TotalAmount,
		Department:    input.Department,
		Category:      input.Category,
		Plan:          input.Plan,
		Renewable:     input.Renewable,
	}
	if err := s.store.CreateSchedule(ctx, award, disbursements); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, dErrors.New(dErrors.CodeInvalidState,
				"schedule already exists for scholarship "+input.ScholarshipID+" period "+input.Period)
		}
		return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "create schedule")
	}
	return disbursements, nil
}

func (s *Scheduler) validateInput(input models.CreateScheduleInput) error {
	var missing []string
	if input.ScholarshipID == "" {
		missing = append(missing, "scholarshipId")
	}
	if input.StudentID == "" {
		missing = append(missing, "studentId")
	}
	if input.Period == "" {
		missing = append(missing, "period")
	}
	if len(missing) > 0 {
		return dErrors.New(dErrors.CodeValidation, "schedule request incomplete").WithFields(missing...)
	}
	if !input.TotalAmount.IsPositive() {
		return dErrors.New(dErrors.CodeValidation, "total amount must be positive")
	}
	switch input.Plan {
	case models.PlanSemester, models.PlanAnnual:
	case models.PlanCustom:
		if len(input.Custom) == 0 {
			return dErrors.New(dErrors.CodeValidation, "custom plan requires explicit splits")
		}
	default:
		return dErrors.Newf(dErrors.CodeValidation, "unknown plan %q", input.Plan)
	}
	return nil
}

func (s *Scheduler) split(input models.CreateScheduleInput) ([]models.Disbursement, error) {
	start := input.Start
	if start.IsZero() {
		start = s.now()
	}

	base := models.Disbursement{
		ScholarshipID: input.ScholarshipID,
		StudentID:     input.StudentID,
		Period:        input.Period,
		Status:        models.StatusPending,
	}

	switch input.Plan {
	case models.PlanAnnual:
		one := base
		one.ID = uuid.NewString()
		one.Amount = input.TotalAmount
		one.PlannedDate = start
		return []models.Disbursement{one}, nil

	case models.PlanSemester:
		if s.midCycle(start, input.CycleStart) {
			// Mid-cycle start: a single installment covers the remainder of
			// the cycle.
			one := base
			one.ID = uuid.NewString()
			one.Amount = input.TotalAmount
			one.PlannedDate = start
			return []models.Disbursement{one}, nil
		}
		first := base
		first.ID = uuid.NewString()
		first.Amount = input.TotalAmount.Div(decimal.NewFromInt(2)).Round(2)
		first.PlannedDate = start
		second := base
		second.ID = uuid.NewString()
		second.Amount = input.TotalAmount.Sub(first.Amount)
		second.PlannedDate = start.Add(semesterGap)
		return []models.Disbursement{first, second}, nil

	case models.PlanCustom:
		return s.splitCustom(input, base, start)
	}
	return nil, dErrors.Newf(dErrors.CodeValidation, "unknown plan %q", input.Plan)
}

func (s *Scheduler) splitCustom(input models.CreateScheduleInput, base models.Disbursement, start time.Time) ([]models.Disbursement, error) {
	hundred := decimal.NewFromInt(100)
	total := decimal.Zero
	for _, split := range input.Custom {
		if !split.Percentage.IsPositive() {
			return nil, dErrors.New(dErrors.CodeValidation, "custom split percentages must be positive")
		}
		total = total.Add(split.Percentage)
	}
	if !total.Equal(hundred) {
		return nil, dErrors.Newf(dErrors.CodeValidation,
			"custom split percentages sum to %s, want 100", total)
	}

	out := make([]models.Disbursement, 0, len(input.Custom))
	allocated := decimal.Zero
	for i, split := range input.Custom {
		d := base
		d.ID = uuid.NewString()
		d.Period = split.Period
		d.PlannedDate = split.PlannedDate
		if d.PlannedDate.IsZero() {
			d.PlannedDate = start
		}
		if i == len(input.Custom)-1 {
			// The last installment takes the remainder so rounding never
			// breaks the sum invariant.
			d.Amount = input.TotalAmount.Sub(allocated)
		} else {
			d.Amount = input.TotalAmount.Mul(split.Percentage).Div(hundred).Round(2)
			allocated = allocated.Add(d.Amount)
		}
		out = append(out, d)
	}
	return out, nil
}

func (s *Scheduler) midCycle(start, cycleStart time.Time) bool {
	if cycleStart.IsZero() {
		return false
	}
	return start.Sub(cycleStart) >= semesterGap
}

// ProcessDisbursement executes one pending payout: applies the fee credit
// through the ledger, then flips the record to disbursed. The ledger claim is
// keyed by disbursement ID, so a crash between credit and transition is
// absorbed when the operation is retried.
func (s *Scheduler) ProcessDisbursement(ctx context.Context, id string) (models.Disbursement, error) {
	d, err := s.store.GetDisbursement(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return models.Disbursement{}, dErrors.New(dErrors.CodeNotFound, "disbursement "+id+" not found")
		}
		return models.Disbursement{}, dErrors.Wrap(err, dErrors.CodeUnavailable, "get disbursement")
	}
	if d.Status != models.StatusPending {
		return d, dErrors.Newf(dErrors.CodeInvalidState,
			"disbursement %s is %s, only pending records may be processed", id, d.Status)
	}

	award, err := s.awardFor(ctx, d)
	if err != nil {
		return d, err
	}

	outcome, err := s.ledger.RecordCredit(ctx, ledgermodels.ApprovalEvent{
		SourceCollection: feeCreditCollection,
		SourceDocumentID: d.ID,
		Amount:           d.Amount,
		Department:       award.Department,
		Category:         award.Category,
		RequestedBy:      d.StudentID,
		Description:      "scholarship " + d.ScholarshipID + " period " + d.Period,
	})
	if err != nil {
		return s.markFailed(ctx, d, true, err)
	}
	switch outcome.Status {
	case ledgermodels.SourceEventCredited:
	case ledgermodels.SourceEventNoBudget:
		// No fee account to credit: not retriable, needs budget setup first.
		return s.markFailed(ctx, d, false,
			errors.New("no budget account for fee credit ("+award.Department+"/"+award.Category+")"))
	default:
		// The ledger recorded something other than a credit for this
		// disbursement; settling it as disbursed would fake a payout.
		return s.markFailed(ctx, d, true,
			errors.New("fee credit not applied: ledger reported "+string(outcome.Status)))
	}

	updated, err := s.store.Transition(ctx, d.ID, models.StatusPending, models.StatusDisbursed, false, "")
	if err != nil {
		if errors.Is(err, store.ErrInvalidState) {
			// A concurrent processor won the CAS; its credit and ours were
			// the same idempotent ledger claim.
			return updated, dErrors.Newf(dErrors.CodeInvalidState,
				"disbursement %s is %s, only pending records may be processed", id, updated.Status)
		}
		return d, dErrors.Wrap(err, dErrors.CodeUnavailable, "transition disbursement")
	}
	s.logger.InfoContext(ctx, "disbursement processed",
		"disbursement_id", d.ID,
		"scholarship_id", d.ScholarshipID,
		"amount", d.Amount.StringFixed(2),
		"budget_id", outcome.BudgetID,
	)
	return updated, nil
}

// awardFor resolves the award a disbursement belongs to for fee routing.
func (s *Scheduler) awardFor(ctx context.Context, d models.Disbursement) (models.Award, error) {
	award, err := s.store.GetAward(ctx, d.ScholarshipID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return models.Award{}, dErrors.Wrap(err, dErrors.CodeUnavailable, "get award")
	}
	if err == nil && award.Department != "" {
		return award, nil
	}
	// No routing on record: credit the central student-fees account.
	return models.Award{
		ScholarshipID: d.ScholarshipID,
		StudentID:     d.StudentID,
		Department:    "student_fees",
		Category:      "fees",
	}, nil
}

func (s *Scheduler) markFailed(ctx context.Context, d models.Disbursement, retriable bool, cause error) (models.Disbursement, error) {
	failed, terr := s.store.Transition(ctx, d.ID, models.StatusPending, models.StatusFailed, retriable, cause.Error())
	if terr != nil {
		s.logger.ErrorContext(ctx, "failed to record disbursement failure",
			"disbursement_id", d.ID, "error", terr, "cause", cause)
		return d, dErrors.Wrap(cause, dErrors.CodeUnavailable, "disbursement failed; failure not recorded")
	}
	s.logger.ErrorContext(ctx, "disbursement failed",
		"disbursement_id", d.ID, "retriable", retriable, "error", cause)
	// Non-retriable failures are settled: the record is frozen as failed, so
	// replaying the trigger must not look transient to callers.
	code := dErrors.CodeUnavailable
	if !retriable {
		code = dErrors.CodeInvalidState
	}
	return failed, dErrors.Wrap(cause, code, "process disbursement")
}

// RetryFailed pushes a failed, retriable disbursement back to pending for
// another processing attempt.
func (s *Scheduler) RetryFailed(ctx context.Context, id string) (models.Disbursement, error) {
	d, err := s.store.GetDisbursement(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return models.Disbursement{}, dErrors.New(dErrors.CodeNotFound, "disbursement "+id+" not found")
		}
		return models.Disbursement{}, dErrors.Wrap(err, dErrors.CodeUnavailable, "get disbursement")
	}
	if d.Status != models.StatusFailed || !d.Retriable {
		return d, dErrors.Newf(dErrors.CodeInvalidState, "disbursement %s is not failed-retriable", id)
	}
	updated, err := s.store.Transition(ctx, id, models.StatusFailed, models.StatusPending, false, "")
	if err != nil {
		if errors.Is(err, store.ErrInvalidState) {
			return updated, dErrors.Newf(dErrors.CodeInvalidState, "disbursement %s is not failed-retriable", id)
		}
		return d, dErrors.Wrap(err, dErrors.CodeUnavailable, "retry disbursement")
	}
	return updated, nil
}

// Cancel withdraws a pending disbursement.
func (s *Scheduler) Cancel(ctx context.Context, id string) (models.Disbursement, error) {
	updated, err := s.store.Transition(ctx, id, models.StatusPending, models.StatusCancelled, false, "")
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			return models.Disbursement{}, dErrors.New(dErrors.CodeNotFound, "disbursement "+id+" not found")
		case errors.Is(err, store.ErrInvalidState):
			return updated, dErrors.Newf(dErrors.CodeInvalidState,
				"disbursement %s is %s, only pending records may be cancelled", id, updated.Status)
		}
		return models.Disbursement{}, dErrors.Wrap(err, dErrors.CodeUnavailable, "cancel disbursement")
	}
	return updated, nil
}

// ListSchedule returns a scholarship's disbursements ordered by planned date.
func (s *Scheduler) ListSchedule(ctx context.Context, scholarshipID string) ([]models.Disbursement, error) {
	return s.store.ListByScholarship(ctx, scholarshipID)
}

// RenewForPeriod re-evaluates every renewable award against the eligibility
// policy and creates next-period schedules for those that pass. Ineligible
// awards are logged, never silently dropped. Safe to run more than once per
// period.
func (s *Scheduler) RenewForPeriod(ctx context.Context, period string) error {
	if s.eligibility == nil {
		return dErrors.New(dErrors.CodeInternal, "eligibility checker not configured")
	}
	awards, err := s.store.ListRenewableAwards(ctx)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeUnavailable, "list renewable awards")
	}

	for _, award := range awards {
		exists, err := s.store.HasScheduleForPeriod(ctx, award.ScholarshipID, period)
		if err != nil {
			return dErrors.Wrap(err, dErrors.CodeUnavailable, "check existing schedule")
		}
		if exists {
			continue
		}

		eligibility, err := s.eligibility.Check(ctx, award.StudentID)
		if err != nil {
			s.logger.ErrorContext(ctx, "eligibility check failed, award held for manual review",
				"scholarship_id", award.ScholarshipID, "student_id", award.StudentID, "error", err)
			continue
		}
		if eligibility.GPA < s.policy.MinGPA || eligibility.CreditStanding < s.policy.MinStanding {
			s.logger.InfoContext(ctx, "award not renewed: eligibility criteria not met",
				"scholarship_id", award.ScholarshipID,
				"student_id", award.StudentID,
				"gpa", eligibility.GPA,
				"min_gpa", s.policy.MinGPA,
				"standing", eligibility.CreditStanding,
				"min_standing", s.policy.MinStanding,
			)
			continue
		}

		_, err = s.CreateSchedule(ctx, models.CreateScheduleInput{
			ScholarshipID: award.ScholarshipID,
			StudentID:     award.StudentID,
			TotalAmount:   award.TotalAmount,
			Period:        period,
			Plan:          award.Plan,
			Department:    award.Department,
			Category:      award.Category,
			Renewable:     award.Renewable,
		})
		if err != nil {
			if dErrors.Is(err, dErrors.CodeInvalidState) {
				// Lost a race with another renewal run; the schedule exists.
				continue
			}
			return err
		}
		s.logger.InfoContext(ctx, "award renewed",
			"scholarship_id", award.ScholarshipID, "period", period)
	}
	return nil
}
