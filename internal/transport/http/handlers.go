package httpapi

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	admodels "bursary/internal/admission/models"
	admservice "bursary/internal/admission/service"
	dismodels "bursary/internal/disbursement/models"
	ledgermodels "bursary/internal/ledger/models"
	dErrors "bursary/pkg/domain-errors"
)

// --- allocator ---

type allocateRequest struct {
	Namespace string `json:"namespace"`
	Period    string `json:"period"`
}

func (a *api) allocate(w http.ResponseWriter, r *http.Request) {
	var req allocateRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Namespace == "" {
		req.Namespace = a.opts.DefaultNamespace
	}
	if req.Period == "" {
		req.Period = a.opts.DefaultPeriod
	}
	id, err := a.services.Allocator.Allocate(r.Context(), req.Namespace, req.Period)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"identifier": id})
}

func (a *api) peekCounter(w http.ResponseWriter, r *http.Request) {
	value, err := a.services.Allocator.Peek(r.Context(), chi.URLParam(r, "namespace"), chi.URLParam(r, "period"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"lastValue": value})
}

// --- ledger ---

type createAccountRequest struct {
	ID              string          `json:"id"`
	Department      string          `json:"department"`
	Category        string          `json:"category"`
	AllocatedAmount decimal.Decimal `json:"allocatedAmount"`
}

type accountResponse struct {
	ID              string          `json:"id"`
	Department      string          `json:"department"`
	Category        string          `json:"category"`
	AllocatedAmount decimal.Decimal `json:"allocatedAmount"`
	SpentAmount     decimal.Decimal `json:"spentAmount"`
	RemainingAmount decimal.Decimal `json:"remainingAmount"`
	Status          string          `json:"status"`
}

func accountToResponse(account ledgermodels.BudgetAccount) accountResponse {
	return accountResponse{
		ID:              account.ID,
		Department:      account.Department,
		Category:        account.Category,
		AllocatedAmount: account.AllocatedAmount,
		SpentAmount:     account.SpentAmount,
		RemainingAmount: account.RemainingAmount(),
		Status:          string(account.Status),
	}
}

func (a *api) createAccount(w http.ResponseWriter, r *http.Request) {
	var req createAccountRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	account, err := a.services.Ledger.CreateAccount(r.Context(), ledgermodels.BudgetAccount{
		ID:              req.ID,
		Department:      req.Department,
		Category:        req.Category,
		AllocatedAmount: req.AllocatedAmount,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, accountToResponse(account))
}

func (a *api) getAccount(w http.ResponseWriter, r *http.Request) {
	account, err := a.services.Ledger.GetAccount(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, accountToResponse(account))
}

func (a *api) listAlerts(w http.ResponseWriter, r *http.Request) {
	alerts, err := a.services.Ledger.ListAlerts(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	type alertResponse struct {
		Type      string    `json:"alertType"`
		Severity  string    `json:"severity"`
		Message   string    `json:"message"`
		CreatedAt time.Time `json:"createdAt"`
	}
	out := make([]alertResponse, 0, len(alerts))
	for _, alert := range alerts {
		out = append(out, alertResponse{
			Type:      string(alert.Type),
			Severity:  alert.Severity,
			Message:   alert.Message,
			CreatedAt: alert.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

type recordEventRequest struct {
	SourceCollection string          `json:"sourceCollection"`
	SourceDocumentID string          `json:"sourceDocumentId"`
	Amount           decimal.Decimal `json:"amount"`
	Category         string          `json:"category"`
	Department       string          `json:"department"`
	RequestedBy      string          `json:"requestedBy"`
	Description      string          `json:"description"`
	// Credit routes through the fee-credit path instead of expense.
	Credit bool `json:"credit"`
}

func (a *api) recordEvent(w http.ResponseWriter, r *http.Request) {
	var req recordEventRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	event := ledgermodels.ApprovalEvent{
		SourceCollection: req.SourceCollection,
		SourceDocumentID: req.SourceDocumentID,
		Amount:           req.Amount,
		Category:         req.Category,
		Department:       req.Department,
		RequestedBy:      req.RequestedBy,
		Description:      req.Description,
	}
	record := a.services.Ledger.RecordExpense
	if req.Credit {
		record = a.services.Ledger.RecordCredit
	}
	outcome, err := record(r.Context(), event)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"processed": outcome.Processed,
		"budgetId":  outcome.BudgetID,
		"status":    outcome.Status,
	})
}

// --- admissions ---

type applicationResponse struct {
	ID                 string                   `json:"id"`
	ApplicationNumber  string                   `json:"applicationNumber,omitempty"`
	State              admodels.State           `json:"state"`
	Transferred        bool                     `json:"transferred"`
	RegistrationNumber string                   `json:"registrationNumber,omitempty"`
	Personal           admodels.PersonalSection `json:"personal"`
	Contact            admodels.ContactSection  `json:"contact"`
}

func applicationToResponse(app admodels.Application) applicationResponse {
	return applicationResponse{
		ID:                 app.ID,
		ApplicationNumber:  app.ApplicationNumber,
		State:              app.State,
		Transferred:        app.Transferred,
		RegistrationNumber: app.RegistrationNumber,
		Personal:           app.Personal,
		Contact:            app.Contact,
	}
}

type createApplicationRequest struct {
	Personal  admodels.PersonalSection  `json:"personal"`
	Contact   admodels.ContactSection   `json:"contact"`
	Academic  admodels.AcademicSection  `json:"academic"`
	Programme admodels.ProgrammeSection `json:"programme"`
}

func (a *api) createApplication(w http.ResponseWriter, r *http.Request) {
	var req createApplicationRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	app, err := a.services.Admissions.CreateDraft(r.Context(), admservice.DraftInput{
		Personal:  req.Personal,
		Contact:   req.Contact,
		Academic:  req.Academic,
		Programme: req.Programme,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, applicationToResponse(app))
}

func (a *api) getApplication(w http.ResponseWriter, r *http.Request) {
	app, err := a.services.Admissions.GetApplication(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, applicationToResponse(app))
}

func (a *api) submitApplication(w http.ResponseWriter, r *http.Request) {
	app, err := a.services.Admissions.Submit(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, applicationToResponse(app))
}

type transitionRequest struct {
	State    admodels.State `json:"state"`
	Override bool           `json:"override"`
}

func (a *api) transitionApplication(w http.ResponseWriter, r *http.Request) {
	var req transitionRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	move := a.services.Admissions.Transition
	if req.Override {
		move = a.services.Admissions.TransitionWithOverride
	}
	app, err := move(r.Context(), chi.URLParam(r, "id"), req.State)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, applicationToResponse(app))
}

// transferApplication speaks the enrollment transfer contract:
// {success, registrationNumber?, error?}.
func (a *api) transferApplication(w http.ResponseWriter, r *http.Request) {
	result, err := a.services.Admissions.OnAccepted(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		body := map[string]any{"success": false, "error": err.Error()}
		var de *dErrors.DomainError
		if errors.As(err, &de) && len(de.Fields) > 0 {
			body["missingFields"] = de.Fields
		}
		writeJSON(w, dErrors.ToHTTPStatus(dErrors.CodeOf(err)), body)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":            result.Success,
		"registrationNumber": result.RegistrationNumber,
		"alreadyEnrolled":    result.AlreadyEnrolled,
	})
}

// --- scholarships / disbursements ---

type createScheduleRequest struct {
	ScholarshipID string            `json:"scholarshipId"`
	StudentID     string            `json:"studentId"`
	TotalAmount   decimal.Decimal   `json:"totalAmount"`
	Period        string            `json:"period"`
	Plan          dismodels.Plan    `json:"plan"`
	Department    string            `json:"department"`
	Category      string            `json:"category"`
	Renewable     bool              `json:"renewable"`
	Start         time.Time         `json:"start"`
	CycleStart    time.Time         `json:"cycleStart"`
	Custom        []customSplitBody `json:"custom"`
}

type customSplitBody struct {
	Period      string          `json:"period"`
	Percentage  decimal.Decimal `json:"percentage"`
	PlannedDate time.Time       `json:"plannedDate"`
}

type disbursementResponse struct {
	ID          string          `json:"id"`
	Period      string          `json:"period"`
	Amount      decimal.Decimal `json:"amount"`
	PlannedDate time.Time       `json:"plannedDate"`
	Status      string          `json:"status"`
	Retriable   bool            `json:"retriable,omitempty"`
	LastError   string          `json:"lastError,omitempty"`
}

func disbursementToResponse(d dismodels.Disbursement) disbursementResponse {
	return disbursementResponse{
		ID:          d.ID,
		Period:      d.Period,
		Amount:      d.Amount,
		PlannedDate: d.PlannedDate,
		Status:      string(d.Status),
		Retriable:   d.Retriable,
		LastError:   d.LastError,
	}
}

func disbursementsToResponse(ds []dismodels.Disbursement) []disbursementResponse {
	out := make([]disbursementResponse, 0, len(ds))
	for _, d := range ds {
		out = append(out, disbursementToResponse(d))
	}
	return out
}

func (a *api) createSchedule(w http.ResponseWriter, r *http.Request) {
	var req createScheduleRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	input := dismodels.CreateScheduleInput{
		ScholarshipID: req.ScholarshipID,
		StudentID:     req.StudentID,
		TotalAmount:   req.TotalAmount,
		Period:        req.Period,
		Plan:          req.Plan,
		Department:    req.Department,
		Category:      req.Category,
		Renewable:     req.Renewable,
		Start:         req.Start,
		CycleStart:    req.CycleStart,
	}
	for _, split := range req.Custom {
		input.Custom = append(input.Custom, dismodels.CustomSplit{
			Period:      split.Period,
			Percentage:  split.Percentage,
			PlannedDate: split.PlannedDate,
		})
	}
	created, err := a.services.Scheduler.CreateSchedule(r.Context(), input)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, disbursementsToResponse(created))
}

func (a *api) listDisbursements(w http.ResponseWriter, r *http.Request) {
	ds, err := a.services.Scheduler.ListSchedule(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, disbursementsToResponse(ds))
}

func (a *api) processDisbursement(w http.ResponseWriter, r *http.Request) {
	d, err := a.services.Scheduler.ProcessDisbursement(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, disbursementToResponse(d))
}

func (a *api) retryDisbursement(w http.ResponseWriter, r *http.Request) {
	d, err := a.services.Scheduler.RetryFailed(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, disbursementToResponse(d))
}

func (a *api) cancelDisbursement(w http.ResponseWriter, r *http.Request) {
	d, err := a.services.Scheduler.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, disbursementToResponse(d))
}
