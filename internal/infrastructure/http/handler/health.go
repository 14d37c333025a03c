package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/rezkam/dispatchbox/internal/infrastructure/http/response"
)

type healthBody struct {
	Status string `json:"status"`
}

type readyBody struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// Health is the liveness probe. It answers ok as long as the process is
// serving requests.
func (h *AdminHandler) Health(w http.ResponseWriter, r *http.Request) {
	response.OK(w, r, healthBody{Status: "ok"})
}

// Ready is the readiness probe. It opens a fresh store and checks the
// database connection. Without a store provider the process is assumed
// ready.
func (h *AdminHandler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.provider == nil {
		response.OK(w, r, readyBody{Status: "ready"})
		return
	}

	var connected bool
	err := h.withStore(r.Context(), readyCheckTimeout, func(ctx context.Context, store Store) error {
		connected = store.Connected(ctx)
		return nil
	})
	if err != nil {
		slog.ErrorContext(r.Context(), "failed to check readiness", "error", err)
		response.JSON(w, r, http.StatusServiceUnavailable, readyBody{Status: "not ready", Reason: err.Error()})
		return
	}
	if !connected {
		response.JSON(w, r, http.StatusServiceUnavailable, readyBody{Status: "not ready", Reason: "database not connected"})
		return
	}

	response.OK(w, r, readyBody{Status: "ready"})
}

// Metrics serves the Prometheus exposition endpoint.
func (h *AdminHandler) Metrics(w http.ResponseWriter, r *http.Request) {
	if h.metrics == nil {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusNotImplemented)
		if _, err := w.Write([]byte("# Metrics not available\n")); err != nil {
			slog.ErrorContext(r.Context(), "failed to write metrics response", "error", err)
		}
		return
	}
	h.metrics.ServeHTTP(w, r)
}
