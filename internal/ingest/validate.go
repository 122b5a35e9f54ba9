package ingest

import (
	"encoding/json"

	"github.com/asaskevich/govalidator"
	"github.com/shopspring/decimal"

	ledgermodels "bursary/internal/ledger/models"
	dErrors "bursary/pkg/domain-errors"
)

// approvalPayload is the loose upstream shape of a procurement, transfer, or
// payroll approval. The source collection comes from the topic, not the body.
type approvalPayload struct {
	DocumentID  string `json:"documentId" valid:"required"`
	Amount      string `json:"amount" valid:"required"`
	Category    string `json:"category"`
	Department  string `json:"department" valid:"required"`
	RequestedBy string `json:"requestedBy" valid:"email,optional"`
	Description string `json:"description"`
}

// parseApproval turns a raw payload into a typed approval event, rejecting
// malformed input with CodeValidation so the router can commit it instead of
// wedging the partition.
func parseApproval(collection string, payload []byte) (ledgermodels.ApprovalEvent, error) {
	var p approvalPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return ledgermodels.ApprovalEvent{}, dErrors.Wrap(err, dErrors.CodeValidation, "malformed approval payload")
	}
	if _, err := govalidator.ValidateStruct(&p); err != nil {
		return ledgermodels.ApprovalEvent{}, dErrors.Wrap(err, dErrors.CodeValidation, "invalid approval payload")
	}
	if !govalidator.IsFloat(p.Amount) {
		return ledgermodels.ApprovalEvent{}, dErrors.New(dErrors.CodeValidation, "amount is not numeric: "+p.Amount)
	}
	amount, err := decimal.NewFromString(p.Amount)
	if err != nil {
		return ledgermodels.ApprovalEvent{}, dErrors.Wrap(err, dErrors.CodeValidation, "amount is not numeric")
	}
	return ledgermodels.ApprovalEvent{
		SourceCollection: collection,
		SourceDocumentID: p.DocumentID,
		Amount:           amount,
		Category:         p.Category,
		Department:       p.Department,
		RequestedBy:      p.RequestedBy,
		Description:      p.Description,
	}, nil
}

// disbursementPayload triggers processing of one scheduled payout.
type disbursementPayload struct {
	DisbursementID string `json:"disbursementId" valid:"required"`
}

func parseDisbursementTrigger(payload []byte) (string, error) {
	var p disbursementPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return "", dErrors.Wrap(err, dErrors.CodeValidation, "malformed disbursement payload")
	}
	if _, err := govalidator.ValidateStruct(&p); err != nil {
		return "", dErrors.Wrap(err, dErrors.CodeValidation, "invalid disbursement payload")
	}
	return p.DisbursementID, nil
}

// applicationPayload is an application lifecycle edit notification. Only
// acceptance edits trigger work here; everything else is acknowledged and
// dropped.
type applicationPayload struct {
	ApplicationID string `json:"applicationId" valid:"required"`
	State         string `json:"state" valid:"required"`
}

func parseApplicationEdit(payload []byte) (applicationPayload, error) {
	var p applicationPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return applicationPayload{}, dErrors.Wrap(err, dErrors.CodeValidation, "malformed application payload")
	}
	if _, err := govalidator.ValidateStruct(&p); err != nil {
		return applicationPayload{}, dErrors.Wrap(err, dErrors.CodeValidation, "invalid application payload")
	}
	return p, nil
}
