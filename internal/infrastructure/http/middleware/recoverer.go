// Package middleware holds HTTP middleware for the admin API.
package middleware

import (
	"log/slog"
	"net/http"
	"runtime/debug"
)

// internalErrorJSON is pre-marshaled so the 500 page can be written even
// when JSON encoding itself is what failed.
const internalErrorJSON = `{"error":"Internal Server Error","message":"An internal server error occurred"}`

// Recoverer converts handler panics into a JSON 500 response so API
// clients never see a plain text error page.
func Recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				slog.ErrorContext(r.Context(), "panic while serving request",
					"method", r.Method,
					"path", r.URL.Path,
					"panic", rec,
					"stack", string(debug.Stack()))

				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusInternalServerError)
				if _, err := w.Write([]byte(internalErrorJSON)); err != nil {
					slog.ErrorContext(r.Context(), "failed to write error response", "error", err)
				}
			}
		}()
		next.ServeHTTP(w, r)
	})
}
