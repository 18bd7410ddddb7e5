package errors

import (
	"encoding/json"
	"net/http"
)

// HTTPError is the body of every error response.
type HTTPError struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	RequestID string         `json:"request_id,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// HTTPErrorResponse wraps HTTPError under an "error" key.
type HTTPErrorResponse struct {
	Error HTTPError `json:"error"`
}

// WriteJSON writes body with status as application/json.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// RespondWithError writes err as an HTTPErrorResponse. AppErrors keep their
// code, status and details; anything else becomes a 500 INTERNAL_ERROR.
func RespondWithError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	body := HTTPError{Code: CodeInternal, Message: "internal server error"}
	if e, ok := As(err); ok {
		body.Code = e.Code
		body.Message = e.Message
		body.Details = e.Details
		if e.Status != 0 {
			status = e.Status
		}
	} else if err != nil {
		body.Message = err.Error()
	}
	if r != nil {
		body.RequestID = RequestIDFromContext(r.Context())
	}
	WriteJSON(w, status, HTTPErrorResponse{Error: body})
}
