package service

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/suite"

	"bursary/internal/ledger/alerts"
	"bursary/internal/ledger/models"
	"bursary/internal/ledger/store"
	dErrors "bursary/pkg/domain-errors"
)

type EngineSuite struct {
	suite.Suite
	store     *store.InMemoryStore
	publisher *alerts.MemoryPublisher
	engine    *Engine
	ctx       context.Context
}

func TestEngineSuite(t *testing.T) {
	suite.Run(t, new(EngineSuite))
}

func (s *EngineSuite) SetupTest() {
	s.store = store.NewInMemoryStore()
	s.publisher = alerts.NewMemoryPublisher()
	engine, err := New(s.store, s.publisher, slog.New(slog.DiscardHandler), nil, Options{})
	s.Require().NoError(err)
	s.engine = engine
	s.ctx = context.Background()
}

func (s *EngineSuite) account(id, department, category string, allocated int64) models.BudgetAccount {
	account, err := s.engine.CreateAccount(s.ctx, models.BudgetAccount{
		ID:              id,
		Department:      department,
		Category:        category,
		AllocatedAmount: decimal.NewFromInt(allocated),
	})
	s.Require().NoError(err)
	return account
}

func (s *EngineSuite) event(docID string, department, category string, amount int64) models.ApprovalEvent {
	return models.ApprovalEvent{
		SourceCollection: "procurement_approvals",
		SourceDocumentID: docID,
		Amount:           decimal.NewFromInt(amount),
		Category:         category,
		Department:       department,
		RequestedBy:      "registry@ucaes.edu.gh",
	}
}

// checkInvariants asserts remaining == allocated - spent and
// spent == Σ signed transaction amounts for one account.
func (s *EngineSuite) checkInvariants(accountID string) {
	account, err := s.engine.GetAccount(s.ctx, accountID)
	s.Require().NoError(err)

	s.True(account.RemainingAmount().Equal(account.AllocatedAmount.Sub(account.SpentAmount)))

	txns, err := s.store.ListTransactionsByAccount(s.ctx, accountID)
	s.Require().NoError(err)
	sum := decimal.Zero
	for _, txn := range txns {
		if txn.Type == models.TransactionCredit {
			sum = sum.Sub(txn.Amount)
		} else {
			sum = sum.Add(txn.Amount)
		}
	}
	s.True(account.SpentAmount.Equal(sum),
		"spent %s != transaction sum %s", account.SpentAmount, sum)
}

func (s *EngineSuite) TestCreateAccount() {
	s.Run("missing department rejected", func() {
		_, err := s.engine.CreateAccount(s.ctx, models.BudgetAccount{AllocatedAmount: decimal.NewFromInt(100)})
		s.Equal(dErrors.CodeValidation, dErrors.CodeOf(err))
	})

	s.Run("non-positive allocation rejected", func() {
		_, err := s.engine.CreateAccount(s.ctx, models.BudgetAccount{Department: "agriculture"})
		s.Equal(dErrors.CodeValidation, dErrors.CodeOf(err))
	})

	s.Run("account starts active with zero spend", func() {
		account := s.account("acct-create", "agriculture", "equipment", 1000)
		s.Equal(models.AccountActive, account.Status)
		s.True(account.SpentAmount.IsZero())
	})
}

func (s *EngineSuite) TestRecordExpense() {
	s.Run("applies spend and records one transaction", func() {
		s.account("acct-1", "agriculture", "equipment", 10000)

		outcome, err := s.engine.RecordExpense(s.ctx, s.event("doc-1", "agriculture", "equipment", 2500))
		s.Require().NoError(err)
		s.True(outcome.Processed)
		s.Equal("acct-1", outcome.BudgetID)
		s.Equal(models.SourceEventDeducted, outcome.Status)

		account, err := s.engine.GetAccount(s.ctx, "acct-1")
		s.Require().NoError(err)
		s.True(account.SpentAmount.Equal(decimal.NewFromInt(2500)))
		s.checkInvariants("acct-1")
	})

	s.Run("no matching account marks event processed without effect", func() {
		outcome, err := s.engine.RecordExpense(s.ctx, s.event("doc-orphan", "medicine", "equipment", 100))
		s.Require().NoError(err)
		s.True(outcome.Processed)
		s.Equal(models.SourceEventNoBudget, outcome.Status)
		s.Empty(outcome.TransactionID)

		event, err := s.store.GetSourceEvent(s.ctx, "procurement_approvals", "doc-orphan")
		s.Require().NoError(err)
		s.True(event.Processed)
		s.Equal(models.SourceEventNoBudget, event.Status)

		// Replay of the orphaned event is still absorbed.
		again, err := s.engine.RecordExpense(s.ctx, s.event("doc-orphan", "medicine", "equipment", 100))
		s.Require().NoError(err)
		s.Equal(models.SourceEventNoBudget, again.Status)
	})

	s.Run("incomplete event is a validation error", func() {
		_, err := s.engine.RecordExpense(s.ctx, models.ApprovalEvent{Amount: decimal.NewFromInt(5)})
		s.Equal(dErrors.CodeValidation, dErrors.CodeOf(err))
	})

	s.Run("non-positive amount is a validation error", func() {
		_, err := s.engine.RecordExpense(s.ctx, s.event("doc-zero", "agriculture", "equipment", 0))
		s.Equal(dErrors.CodeValidation, dErrors.CodeOf(err))
	})
}

func (s *EngineSuite) TestRecordExpenseIdempotent() {
	s.account("acct-idem", "agriculture", "equipment", 10000)

	first, err := s.engine.RecordExpense(s.ctx, s.event("doc-dup", "agriculture", "equipment", 4000))
	s.Require().NoError(err)

	second, err := s.engine.RecordExpense(s.ctx, s.event("doc-dup", "agriculture", "equipment", 4000))
	s.Require().NoError(err)

	s.Equal(first.TransactionID, second.TransactionID)
	s.Equal(first.BudgetID, second.BudgetID)

	account, err := s.engine.GetAccount(s.ctx, "acct-idem")
	s.Require().NoError(err)
	s.True(account.SpentAmount.Equal(decimal.NewFromInt(4000)), "spend applied more than once: %s", account.SpentAmount)

	txns, err := s.store.ListTransactionsByAccount(s.ctx, "acct-idem")
	s.Require().NoError(err)
	s.Len(txns, 1)
	s.checkInvariants("acct-idem")
}

func (s *EngineSuite) TestResumesUnfinishedClaim() {
	s.account("acct-resume", "agriculture", "equipment", 10000)

	// A processor that stopped between the claim and the apply leaves the
	// event parked in processing.
	claimed, _, err := s.store.ClaimSourceEvent(s.ctx, "procurement_approvals", "doc-stuck")
	s.Require().NoError(err)
	s.Require().True(claimed)

	// The next delivery must finish the work, not absorb it as a duplicate.
	outcome, err := s.engine.RecordExpense(s.ctx, s.event("doc-stuck", "agriculture", "equipment", 1500))
	s.Require().NoError(err)
	s.Equal(models.SourceEventDeducted, outcome.Status)
	s.NotEmpty(outcome.TransactionID)

	account, err := s.engine.GetAccount(s.ctx, "acct-resume")
	s.Require().NoError(err)
	s.True(account.SpentAmount.Equal(decimal.NewFromInt(1500)),
		"resumed event must land its spend, got %s", account.SpentAmount)

	txn, err := s.store.GetTransactionBySource(s.ctx, "procurement_approvals", "doc-stuck")
	s.Require().NoError(err)
	s.True(txn.Amount.Equal(decimal.NewFromInt(1500)))

	// After the resume the event is finalized and further deliveries are
	// plain duplicates.
	again, err := s.engine.RecordExpense(s.ctx, s.event("doc-stuck", "agriculture", "equipment", 1500))
	s.Require().NoError(err)
	s.Equal(outcome.TransactionID, again.TransactionID)
	s.checkInvariants("acct-resume")
}

// flakyStore fails ApplyTransaction a set number of times before delegating.
type flakyStore struct {
	*store.InMemoryStore
	failures int
}

func (f *flakyStore) ApplyTransaction(ctx context.Context, account models.BudgetAccount, txn models.Transaction, event models.SourceEvent) error {
	if f.failures > 0 {
		f.failures--
		return errors.New("connection reset by peer")
	}
	return f.InMemoryStore.ApplyTransaction(ctx, account, txn, event)
}

func (s *EngineSuite) TestTransientApplyErrorsRetried() {
	flaky := &flakyStore{InMemoryStore: s.store}
	engine, err := New(flaky, s.publisher, slog.New(slog.DiscardHandler), nil, Options{})
	s.Require().NoError(err)
	s.account("acct-flaky", "agriculture", "equipment", 10000)

	s.Run("errors within the budget do not freeze the event", func() {
		flaky.failures = 2
		outcome, err := engine.RecordExpense(s.ctx, s.event("doc-flaky", "agriculture", "equipment", 700))
		s.Require().NoError(err)
		s.Equal(models.SourceEventDeducted, outcome.Status)

		account, err := engine.GetAccount(s.ctx, "acct-flaky")
		s.Require().NoError(err)
		s.True(account.SpentAmount.Equal(decimal.NewFromInt(700)))
	})

	s.Run("budget exhaustion freezes the event as failed", func() {
		flaky.failures = 100
		_, err := engine.RecordExpense(s.ctx, s.event("doc-dead", "agriculture", "equipment", 50))
		s.Require().Error(err)
		s.Equal(dErrors.CodeUnavailable, dErrors.CodeOf(err))

		event, gerr := s.store.GetSourceEvent(s.ctx, "procurement_approvals", "doc-dead")
		s.Require().NoError(gerr)
		s.True(event.Processed)
		s.Equal(models.SourceEventFailed, event.Status)
	})
}

func (s *EngineSuite) TestAccountSelection() {
	s.Run("prefers exact category over department-wide", func() {
		s.account("acct-wide", "engineering", "", 50000)
		s.account("acct-exact", "engineering", "equipment", 1000)

		outcome, err := s.engine.RecordExpense(s.ctx, s.event("doc-sel-1", "engineering", "equipment", 10))
		s.Require().NoError(err)
		s.Equal("acct-exact", outcome.BudgetID)
	})

	s.Run("ties break by highest remaining", func() {
		s.account("acct-low", "science", "lab", 100)
		s.account("acct-high", "science", "lab", 9000)

		outcome, err := s.engine.RecordExpense(s.ctx, s.event("doc-sel-2", "science", "lab", 10))
		s.Require().NoError(err)
		s.Equal("acct-high", outcome.BudgetID)
	})

	s.Run("falls back to department-wide account", func() {
		s.account("acct-general", "arts", "", 5000)

		outcome, err := s.engine.RecordExpense(s.ctx, s.event("doc-sel-3", "arts", "travel", 10))
		s.Require().NoError(err)
		s.Equal("acct-general", outcome.BudgetID)
	})
}

func (s *EngineSuite) TestExceededAndAlerts() {
	// Allocated 10000; expenses of 5500 then 6000: exceeded after the
	// second, exactly one budget_exceeded alert.
	s.account("acct-alert", "agriculture", "equipment", 10000)

	_, err := s.engine.RecordExpense(s.ctx, s.event("doc-a1", "agriculture", "equipment", 5500))
	s.Require().NoError(err)

	account, err := s.engine.GetAccount(s.ctx, "acct-alert")
	s.Require().NoError(err)
	s.Equal(models.AccountActive, account.Status)

	_, err = s.engine.RecordExpense(s.ctx, s.event("doc-a2", "agriculture", "equipment", 6000))
	s.Require().NoError(err)

	account, err = s.engine.GetAccount(s.ctx, "acct-alert")
	s.Require().NoError(err)
	s.Equal(models.AccountExceeded, account.Status)
	s.True(account.RemainingAmount().Equal(decimal.NewFromInt(-1500)))

	var exceeded, highUtil int
	persisted, err := s.engine.ListAlerts(s.ctx, "acct-alert")
	s.Require().NoError(err)
	for _, alert := range persisted {
		switch alert.Type {
		case models.AlertBudgetExceeded:
			exceeded++
			s.Equal("critical", alert.Severity)
		case models.AlertHighUtilization:
			highUtil++
			s.Equal("warning", alert.Severity)
		}
	}
	s.Equal(1, exceeded, "budget_exceeded must fire exactly once")
	s.Equal(1, highUtil, "high_utilization fires on the same crossing")

	// A further expense past the limit is flagged, not blocked, and raises
	// nothing new.
	_, err = s.engine.RecordExpense(s.ctx, s.event("doc-a3", "agriculture", "equipment", 100))
	s.Require().NoError(err)
	persisted, err = s.engine.ListAlerts(s.ctx, "acct-alert")
	s.Require().NoError(err)
	s.Len(persisted, 2)
	s.Len(s.publisher.Published(), 2)
	s.checkInvariants("acct-alert")
}

func (s *EngineSuite) TestHighUtilizationCrossing() {
	s.account("acct-util", "agriculture", "fuel", 1000)

	_, err := s.engine.RecordExpense(s.ctx, s.event("doc-u1", "agriculture", "fuel", 850))
	s.Require().NoError(err)
	s.Empty(s.publisher.Published())

	_, err = s.engine.RecordExpense(s.ctx, s.event("doc-u2", "agriculture", "fuel", 50))
	s.Require().NoError(err)

	published := s.publisher.Published()
	s.Require().Len(published, 1)
	s.Equal(models.AlertHighUtilization, published[0].Type)

	// Still above threshold: no duplicate alert.
	_, err = s.engine.RecordExpense(s.ctx, s.event("doc-u3", "agriculture", "fuel", 10))
	s.Require().NoError(err)
	s.Len(s.publisher.Published(), 1)
}

func (s *EngineSuite) TestRecordCredit() {
	s.account("acct-credit", "agriculture", "fees", 1000)

	_, err := s.engine.RecordExpense(s.ctx, s.event("doc-c1", "agriculture", "fees", 950))
	s.Require().NoError(err)
	s.Len(s.publisher.Published(), 1)

	credit := s.event("doc-c2", "agriculture", "fees", 500)
	credit.SourceCollection = "scholarship_disbursements"
	outcome, err := s.engine.RecordCredit(s.ctx, credit)
	s.Require().NoError(err)
	s.Equal(models.SourceEventCredited, outcome.Status)

	account, err := s.engine.GetAccount(s.ctx, "acct-credit")
	s.Require().NoError(err)
	s.True(account.SpentAmount.Equal(decimal.NewFromInt(450)))
	s.False(account.AlertedHighUtilization, "latch re-arms after dropping below threshold")
	s.checkInvariants("acct-credit")

	// Crossing the threshold again alerts again: one alert per crossing.
	expense := s.event("doc-c3", "agriculture", "fees", 500)
	_, err = s.engine.RecordExpense(s.ctx, expense)
	s.Require().NoError(err)
	s.Len(s.publisher.Published(), 2)
}

func (s *EngineSuite) TestConcurrentExpenses() {
	const n = 32

	// Retry budget sized to worst-case contention on one account.
	engine, err := New(s.store, s.publisher, slog.New(slog.DiscardHandler), nil, Options{MaxAttempts: n})
	s.Require().NoError(err)
	s.account("acct-conc", "agriculture", "equipment", 1000000)

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := range n {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			event := s.event("doc-conc-"+strconv.Itoa(i), "agriculture", "equipment", 10)
			if _, err := engine.RecordExpense(s.ctx, event); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		s.Require().NoError(err)
	}

	account, err := s.engine.GetAccount(s.ctx, "acct-conc")
	s.Require().NoError(err)
	s.True(account.SpentAmount.Equal(decimal.NewFromInt(10*n)),
		"lost update: spent %s, want %d", account.SpentAmount, 10*n)
	s.checkInvariants("acct-conc")
}
