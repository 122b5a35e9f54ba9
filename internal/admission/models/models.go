package models

import "time"

// State is the application lifecycle position. Forward edges only; the single
// backward edge (rejected to under_review) requires the explicit override
// path.
type State string

const (
	StateDraft       State = "draft"
	StateSubmitted   State = "submitted"
	StateUnderReview State = "under_review"
	StateAccepted    State = "accepted"
	StateRejected    State = "rejected"
)

// legalEdges are the ordinary transitions.
var legalEdges = map[State][]State{
	StateDraft:       {StateSubmitted},
	StateSubmitted:   {StateUnderReview},
	StateUnderReview: {StateAccepted, StateRejected},
}

// overrideEdges are transitions permitted only through the override path.
var overrideEdges = map[State][]State{
	StateRejected: {StateUnderReview},
}

// CanTransition reports whether from→to is a legal ordinary edge.
func CanTransition(from, to State) bool {
	return edgeIn(legalEdges, from, to)
}

// CanOverride reports whether from→to is legal with an override.
func CanOverride(from, to State) bool {
	return CanTransition(from, to) || edgeIn(overrideEdges, from, to)
}

func edgeIn(edges map[State][]State, from, to State) bool {
	for _, next := range edges[from] {
		if next == to {
			return true
		}
	}
	return false
}

// PersonalSection holds the applicant's identity details.
type PersonalSection struct {
	FirstName   string `json:"firstName"`
	LastName    string `json:"lastName"`
	DateOfBirth string `json:"dateOfBirth"`
}

// ContactSection holds how the applicant is reached. Email doubles as the
// enrollment natural-key fallback.
type ContactSection struct {
	Email string `json:"email"`
	Phone string `json:"phone"`
}

// AcademicSection holds prior schooling.
type AcademicSection struct {
	PriorSchool string `json:"priorSchool"`
	FinalGrade  string `json:"finalGrade"`
}

// ProgrammeSection holds the programme selection.
type ProgrammeSection struct {
	FirstChoice string `json:"firstChoice"`
}

// Application is one admission dossier. Version backs optimistic concurrency
// on state moves and the transferred flag.
type Application struct {
	ID                string
	ApplicationNumber string
	State             State
	// Transferred records that an enrollment exists for this application;
	// RegistrationNumber links back to it.
	Transferred        bool
	RegistrationNumber string

	Personal  PersonalSection
	Contact   ContactSection
	Academic  AcademicSection
	Programme ProgrammeSection

	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// MissingSections lists the required fields an application still lacks, in
// section.field form.
func (a Application) MissingSections() []string {
	var missing []string
	check := func(field, value string) {
		if value == "" {
			missing = append(missing, field)
		}
	}
	check("personal.firstName", a.Personal.FirstName)
	check("personal.lastName", a.Personal.LastName)
	check("personal.dateOfBirth", a.Personal.DateOfBirth)
	check("contact.email", a.Contact.Email)
	check("contact.phone", a.Contact.Phone)
	check("academic.priorSchool", a.Academic.PriorSchool)
	check("academic.finalGrade", a.Academic.FinalGrade)
	check("programme.firstChoice", a.Programme.FirstChoice)
	return missing
}

// Enrollment is the student record created when an accepted application
// transfers. Keyed by registration number; looked up by application ID or
// email.
type Enrollment struct {
	RegistrationNumber string
	ApplicationID      string
	Email              string
	StudentName        string
	Programme          string
	Period             string
	CreatedAt          time.Time
}

// TransferResult reports the outcome of an accepted-application transfer.
type TransferResult struct {
	Success            bool
	RegistrationNumber string
	// AlreadyEnrolled marks the idempotent short-circuit: the enrollment
	// existed before this call.
	AlreadyEnrolled bool
}
