package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Plan selects how an award is split across payouts.
type Plan string

const (
	PlanSemester Plan = "semester"
	PlanAnnual   Plan = "annual"
	PlanCustom   Plan = "custom"
)

// Status is the disbursement lifecycle. Only pending records may be
// processed; everything else is terminal except failed-retriable, which staff
// can push back to pending.
type Status string

const (
	StatusPending   Status = "pending"
	StatusDisbursed Status = "disbursed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Award is the scholarship grant a schedule belongs to. Department/Category
// route the fee credit to the right budget account.
type Award struct {
	ScholarshipID string
	StudentID     string
	TotalAmount   decimal.Decimal
	Department    string
	Category      string
	Plan          Plan
	Renewable     bool
	CreatedAt     time.Time
}

// Disbursement is one scheduled payout of an award. The sum of amounts across
// a schedule always equals the award total.
type Disbursement struct {
	ID            string
	ScholarshipID string
	StudentID     string
	Period        string
	Amount        decimal.Decimal
	PlannedDate   time.Time
	Status        Status
	// Retriable marks a failed record staff may push back to pending.
	Retriable bool
	LastError string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// CustomSplit is one (period share) pair of a custom plan. Percentages across
// a plan must sum to exactly 100.
type CustomSplit struct {
	Period      string
	Percentage  decimal.Decimal
	PlannedDate time.Time
}

// CreateScheduleInput describes a schedule request.
type CreateScheduleInput struct {
	ScholarshipID string
	StudentID     string
	TotalAmount   decimal.Decimal
	Period        string
	Plan          Plan
	Department    string
	Category      string
	Renewable     bool
	// Start is when the award takes effect; CycleStart anchors the academic
	// cycle. A start 182 days or more into the cycle counts as mid-cycle.
	Start      time.Time
	CycleStart time.Time
	Custom     []CustomSplit
}

// Eligibility is the academic-records snapshot renewal decisions read.
type Eligibility struct {
	GPA            float64
	CreditStanding int
}
