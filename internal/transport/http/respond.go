// Package httpapi exposes the service contracts over chi. Handlers translate
// between JSON envelopes and the domain services; every error funnels through
// the DomainError code-to-status mapping so transport never inspects error
// strings.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	dErrors "bursary/pkg/domain-errors"
)

// errorBody is the error envelope on every non-2xx response.
type errorBody struct {
	Code    dErrors.Code `json:"code"`
	Message string       `json:"message"`
	Fields  []string     `json:"fields,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

func writeError(w http.ResponseWriter, err error) {
	var de *dErrors.DomainError
	if !errors.As(err, &de) {
		de = dErrors.Wrap(err, dErrors.CodeInternal, "internal error")
	}
	writeJSON(w, dErrors.ToHTTPStatus(de.Code), map[string]errorBody{
		"error": {Code: de.Code, Message: de.Message, Fields: de.Fields},
	})
}

func decode(r *http.Request, into any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(into); err != nil {
		return dErrors.Wrap(err, dErrors.CodeBadRequest, "malformed request body")
	}
	return nil
}
