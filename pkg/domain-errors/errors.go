// Package domainerrors defines the code-carrying error type surfaced by
// services. Stores return sentinel errors (pkg/platform/sentinel); services
// translate them into DomainError values that the transport layer can map to
// HTTP statuses without inspecting error strings.
package domainerrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Code classifies a domain failure.
type Code string

const (
	// CodeValidation covers malformed or incomplete input, including
	// transfer attempts with missing application sections.
	CodeValidation Code = "validation"
	// CodeBadRequest covers transport-level request problems (bad JSON,
	// missing parameters) before domain validation runs.
	CodeBadRequest Code = "bad_request"
	// CodeNotFound covers missing accounts, applications, counters, and
	// disbursements.
	CodeNotFound Code = "not_found"
	// CodeConcurrencyExhausted is returned when the retry budget for
	// conflicting writes is spent.
	CodeConcurrencyExhausted Code = "concurrency_exhausted"
	// CodeDuplicateEvent marks an already-processed source event. Callers
	// treat it as a successful no-op, never as a failure.
	CodeDuplicateEvent Code = "duplicate_event"
	// CodeInvalidState covers operations against a record in the wrong
	// lifecycle state (e.g. processing a disbursed disbursement).
	CodeInvalidState Code = "invalid_state"
	// CodeInvalidTransition covers illegal application state-machine moves.
	CodeInvalidTransition Code = "invalid_transition"
	// CodeUnavailable covers an unreachable backing store.
	CodeUnavailable Code = "unavailable"
	// CodeInternal is the catch-all for unexpected failures.
	CodeInternal Code = "internal"
)

// DomainError carries a classification code alongside a human-readable
// message. Fields is optional detail, used to list missing sections on
// validation failures.
type DomainError struct {
	Code    Code
	Message string
	Fields  []string
	cause   error
}

func (e *DomainError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *DomainError) Unwrap() error { return e.cause }

// New builds a DomainError with a code and message.
func New(code Code, message string) *DomainError {
	return &DomainError{Code: code, Message: message}
}

// Newf builds a DomainError with a formatted message.
func Newf(code Code, format string, args ...any) *DomainError {
	return &DomainError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to an underlying error.
func Wrap(err error, code Code, message string) *DomainError {
	return &DomainError{Code: code, Message: message, cause: err}
}

// WithFields returns a copy carrying field-level detail.
func (e *DomainError) WithFields(fields ...string) *DomainError {
	clone := *e
	clone.Fields = fields
	return &clone
}

// CodeOf extracts the code from err, or CodeInternal when err is not a
// DomainError.
func CodeOf(err error) Code {
	var de *DomainError
	if errors.As(err, &de) {
		return de.Code
	}
	return CodeInternal
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}

// ToHTTPStatus maps a code to the HTTP status the transport layer writes.
func ToHTTPStatus(code Code) int {
	switch code {
	case CodeValidation, CodeBadRequest:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeConcurrencyExhausted, CodeInvalidState, CodeInvalidTransition:
		return http.StatusConflict
	case CodeDuplicateEvent:
		// Duplicates are successful no-ops; handlers should not normally
		// surface this code, but a direct mapping keeps it non-failing.
		return http.StatusOK
	case CodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
