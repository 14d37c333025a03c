// Package http wires the admin API: probes, metrics, and the dead
// letter endpoints.
package http

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/rezkam/dispatchbox/internal/infrastructure/http/handler"
	mw "github.com/rezkam/dispatchbox/internal/infrastructure/http/middleware"
	"github.com/rezkam/dispatchbox/internal/infrastructure/http/response"
)

// Default configuration values for the admin server.
const (
	DefaultAddr              = "0.0.0.0:8080"
	DefaultReadTimeout       = 15 * time.Second
	DefaultWriteTimeout      = 15 * time.Second
	DefaultIdleTimeout       = 60 * time.Second
	DefaultReadHeaderTimeout = 5 * time.Second
	DefaultMaxHeaderBytes    = 1 << 20 // 1MB
)

// ServerConfig holds configuration for the admin HTTP server.
type ServerConfig struct {
	Addr              string
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	ReadHeaderTimeout time.Duration
	MaxHeaderBytes    int
}

// applyDefaults sets default values for any unset (zero) fields.
func (cfg *ServerConfig) applyDefaults() {
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.ReadHeaderTimeout <= 0 {
		cfg.ReadHeaderTimeout = DefaultReadHeaderTimeout
	}
	if cfg.MaxHeaderBytes <= 0 {
		cfg.MaxHeaderBytes = DefaultMaxHeaderBytes
	}
}

// AdminServer wraps the HTTP server with router and middleware
// configured for the operational endpoints.
type AdminServer struct {
	server *http.Server
}

// NewAdminServer creates the admin server around the given handler.
// Applies defaults for zero config values.
func NewAdminServer(h *handler.AdminHandler, cfg ServerConfig) *AdminServer {
	cfg.applyDefaults()

	router := setupRouter(h)
	return &AdminServer{server: setupHTTPServer(router, cfg)}
}

// setupRouter creates the chi router with middleware and routes.
func setupRouter(h *handler.AdminHandler) *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(mw.Recoverer)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		response.ErrorWithDetail(w, r, http.StatusNotFound, "Not Found", "The requested resource was not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		response.ErrorWithDetail(w, r, http.StatusMethodNotAllowed, "Method Not Allowed", "The HTTP method is not allowed for this resource")
	})

	r.Get("/health", h.Health)
	r.Get("/ready", h.Ready)
	r.Get("/metrics", h.Metrics)

	r.Route("/api/dead-events", func(r chi.Router) {
		r.Get("/", h.ListDead)
		r.Get("/stats", h.DeadStats)
		r.Get("/{id}", h.GetDead)
		r.Post("/{id}/retry", h.RetryDead)
		r.Post("/retry-batch", h.RetryDeadBatch)
	})

	return r
}

// setupHTTPServer creates the net/http.Server with the given router and config.
func setupHTTPServer(router *chi.Mux, cfg ServerConfig) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           otelhttp.NewHandler(router, "admin-api"),
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}
}

// Start starts the admin server and blocks until it stops.
func (s *AdminServer) Start() error {
	slog.Info("starting admin server", "addr", s.server.Addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the admin server. The provided context
// bounds how long outstanding requests may take.
func (s *AdminServer) Shutdown(ctx context.Context) error {
	slog.Info("shutting down admin server")
	return s.server.Shutdown(ctx)
}

// Handler returns the underlying router for tests.
func (s *AdminServer) Handler() http.Handler {
	return s.server.Handler
}
