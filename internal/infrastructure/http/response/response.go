// Package response provides JSON response writers for the admin API.
package response

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// errorBody is the single-field error format used by the API endpoints.
type errorBody struct {
	Error string `json:"error"`
}

// errorDetailBody is the two-field error format used by the framework-level
// error pages (404, 405, 500).
type errorDetailBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// JSON writes data as a JSON response with the given status code.
// Encoding failures are logged; the status line has already been sent
// at that point so the client sees a truncated body.
func JSON(w http.ResponseWriter, r *http.Request, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.ErrorContext(r.Context(), "failed to encode response", "error", err)
	}
}

// OK writes data with a 200 status.
func OK(w http.ResponseWriter, r *http.Request, data any) {
	JSON(w, r, http.StatusOK, data)
}

// Error writes {"error": message} with the given status code.
func Error(w http.ResponseWriter, r *http.Request, status int, message string) {
	JSON(w, r, status, errorBody{Error: message})
}

// ErrorWithDetail writes {"error": ..., "message": ...} with the given
// status code. Used for the catch-all error pages.
func ErrorWithDetail(w http.ResponseWriter, r *http.Request, status int, errText, message string) {
	JSON(w, r, status, errorDetailBody{Error: errText, Message: message})
}

// InternalError logs err and writes the generic 500 body. The real error
// never reaches the client.
func InternalError(w http.ResponseWriter, r *http.Request, err error) {
	if err != nil {
		slog.ErrorContext(r.Context(), "internal server error", "error", err, "path", r.URL.Path)
	}
	Error(w, r, http.StatusInternalServerError, "Internal server error")
}
