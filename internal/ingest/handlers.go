package ingest

import (
	"context"
	"errors"
	"log/slog"

	admodels "bursary/internal/admission/models"
	dismodels "bursary/internal/disbursement/models"
	ledgermodels "bursary/internal/ledger/models"
	"bursary/internal/platform/kafka/consumer"
	dErrors "bursary/pkg/domain-errors"
)

// ExpenseRecorder is the ledger entry point approval handlers post through.
type ExpenseRecorder interface {
	RecordExpense(ctx context.Context, event ledgermodels.ApprovalEvent) (*ledgermodels.Outcome, error)
}

// DisbursementProcessor executes one scheduled payout.
type DisbursementProcessor interface {
	ProcessDisbursement(ctx context.Context, id string) (dismodels.Disbursement, error)
}

// AcceptanceTransferrer performs the accepted-application transfer.
type AcceptanceTransferrer interface {
	OnAccepted(ctx context.Context, applicationID string) (*admodels.TransferResult, error)
}

// Topics names the source collections the watcher subscribes to.
type Topics struct {
	Procurement  string
	Transfer     string
	Payroll      string
	Scholarship  string
	Applications string
}

// All returns the subscription list.
func (t Topics) All() []string {
	return []string{t.Procurement, t.Transfer, t.Payroll, t.Scholarship, t.Applications}
}

// BindHandlers registers the standard collection handlers on a router.
func BindHandlers(r *Router, topics Topics, ledger ExpenseRecorder, scheduler DisbursementProcessor, admissions AcceptanceTransferrer, logger *slog.Logger) {
	expense := func(ctx context.Context, msg *consumer.Message) error {
		event, err := parseApproval(msg.Topic, msg.Value)
		if err != nil {
			return err
		}
		outcome, err := ledger.RecordExpense(ctx, event)
		if err != nil {
			return err
		}
		logger.InfoContext(ctx, "approval event settled",
			"collection", msg.Topic,
			"document_id", event.SourceDocumentID,
			"status", outcome.Status,
			"budget_id", outcome.BudgetID,
		)
		return nil
	}
	r.Register(topics.Procurement, expense)
	r.Register(topics.Transfer, expense)
	r.Register(topics.Payroll, expense)

	r.Register(topics.Scholarship, func(ctx context.Context, msg *consumer.Message) error {
		id, err := parseDisbursementTrigger(msg.Value)
		if err != nil {
			return err
		}
		_, err = scheduler.ProcessDisbursement(ctx, id)
		if err != nil && dErrors.Is(err, dErrors.CodeInvalidState) {
			// Redelivered trigger for an already-settled disbursement.
			logger.InfoContext(ctx, "duplicate disbursement trigger absorbed", "disbursement_id", id)
			return nil
		}
		return err
	})

	r.Register(topics.Applications, func(ctx context.Context, msg *consumer.Message) error {
		edit, err := parseApplicationEdit(msg.Value)
		if err != nil {
			return err
		}
		if edit.State != string(admodels.StateAccepted) {
			// Only acceptance edits carry work for this service.
			return nil
		}
		result, err := admissions.OnAccepted(ctx, edit.ApplicationID)
		if err != nil {
			return err
		}
		logger.InfoContext(ctx, "acceptance notification settled",
			"application_id", edit.ApplicationID,
			"registration_number", result.RegistrationNumber,
			"already_enrolled", result.AlreadyEnrolled,
		)
		return nil
	})
}

// Watcher runs the Kafka consumer loop over a router.
type Watcher struct {
	consumer *consumer.Consumer
}

// NewWatcher subscribes a consumer group to the router's topics.
func NewWatcher(cfg consumer.Config, router *Router, logger *slog.Logger) (*Watcher, error) {
	c, err := consumer.New(cfg, router, logger)
	if err != nil {
		return nil, err
	}
	return &Watcher{consumer: c}, nil
}

// EnsureTopics creates the subscribed topics on first boot.
func (w *Watcher) EnsureTopics(ctx context.Context, topics ...string) error {
	return consumer.EnsureTopics(ctx, w.consumer.Client(), topics...)
}

// Run polls until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	err := w.consumer.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
