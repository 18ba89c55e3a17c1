package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/lexia/inference-gateway/internal/domain"
)

// errorEnvelope is the wire shape of every error response:
// {"error": {"code": "...", "message": "..."}}
type errorEnvelope struct {
	Error *domain.APIError `json:"error"`
}

// WriteError translates an error into the canonical JSON error response.
// Errors outside the taxonomy are collapsed to a generic internal error so
// no implementation detail leaks to the caller.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	apiErr := domain.AsAPIError(err)
	AddError(r.Context(), err)

	w.Header().Set("Content-Type", "application/json")
	if apiErr.Kind == domain.ErrorKindThrottled && apiErr.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(apiErr.RetryAfter))
	}
	w.WriteHeader(apiErr.HTTPStatusCode())

	json.NewEncoder(w).Encode(errorEnvelope{Error: apiErr})
}

// WriteJSON writes a JSON response body with the given status.
func WriteJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
