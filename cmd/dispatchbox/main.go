// Command dispatchbox runs the outbox dispatcher: a supervisor with N
// claim workers over one Postgres outbox table, plus the admin API for
// probes, metrics, and dead letter replay.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rezkam/dispatchbox/internal/application/dispatch"
	"github.com/rezkam/dispatchbox/internal/config"
	adminhttp "github.com/rezkam/dispatchbox/internal/infrastructure/http"
	"github.com/rezkam/dispatchbox/internal/infrastructure/http/handler"
	metrics "github.com/rezkam/dispatchbox/internal/infrastructure/observability"
	"github.com/rezkam/dispatchbox/internal/infrastructure/persistence/postgres"
	"github.com/rezkam/dispatchbox/pkg/observability"
)

// Admin API stores are opened per request and must fail fast.
const (
	adminConnectTimeout = 2 * time.Second
	adminQueryTimeout   = 5 * time.Second
)

func main() {
	if err := run(); err != nil {
		// slog may not be initialized yet when config loading fails
		fmt.Fprintf(os.Stderr, "failed to run: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	applyFlags(&cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}

	// Root context for all normal operations, cancelled on SIGTERM/SIGINT.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	lp, logger, err := observability.InitLogger(ctx, cfg.ServiceName, cfg.OTELEnabled, cfg.SlogLevel())
	if err != nil {
		return fmt.Errorf("failed to init logger: %w", err)
	}
	defer func() {
		// Use a timeout to prevent hanging if collector is unreachable
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := lp.Shutdown(shutdownCtx); err != nil {
			slog.ErrorContext(shutdownCtx, "failed to shutdown logger provider", "error", err)
		}
	}()
	slog.SetDefault(logger)

	tp, err := observability.InitTracerProvider(ctx, cfg.ServiceName, cfg.OTELEnabled)
	if err != nil {
		return fmt.Errorf("failed to init tracer provider: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			slog.ErrorContext(shutdownCtx, "failed to shutdown tracer provider", "error", err)
		}
	}()

	metrics.InitMetrics()

	if cfg.AutoMigrate {
		if err := postgres.RunMigrations(ctx, cfg.DSN); err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}
	}

	slog.InfoContext(ctx, "starting dispatchbox",
		"workers", cfg.Processes,
		"batch_size", cfg.BatchSize,
		"poll_interval", cfg.PollInterval,
		"max_parallel", cfg.MaxParallel,
		"dsn", maskPassword(cfg.DSN))

	registry := dispatch.NewDemoRegistry()
	slog.InfoContext(ctx, "registered event handlers", "event_types", registry.Types())

	supervisor := dispatch.NewSupervisor(workerFactory(&cfg, registry), dispatch.SupervisorConfig{
		Workers:        cfg.Processes,
		RestartOnCrash: cfg.RestartWorkers,
	})

	var admin *adminhttp.AdminServer
	if !cfg.DisableHTTP {
		admin = newAdminServer(&cfg)
		go func() {
			if err := admin.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("admin server failed", "error", err)
			}
		}()
	}

	err = supervisor.Run(ctx)

	if admin != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := admin.Shutdown(shutdownCtx); shutdownErr != nil {
			slog.ErrorContext(shutdownCtx, "failed to shutdown admin server", "error", shutdownErr)
		}
	}

	return err
}

// applyFlags overlays command line flags on the environment driven
// configuration. Flag defaults are the already loaded values, so a flag
// changes the config only when set.
func applyFlags(cfg *config.Config) {
	flag.StringVar(&cfg.DSN, "dsn", cfg.DSN, "Postgres DSN, libpq keyword or URL form")
	flag.IntVar(&cfg.Processes, "workers", cfg.Processes, "number of claim workers to start")
	flag.IntVar(&cfg.BatchSize, "batch-size", cfg.BatchSize, "events claimed per database round")
	flag.DurationVar(&cfg.PollInterval, "poll-interval", cfg.PollInterval, "sleep between empty polls")
	flag.IntVar(&cfg.MaxParallel, "max-parallel", cfg.MaxParallel, "handler goroutines per worker")
	flag.DurationVar(&cfg.RetryBackoff, "retry-backoff", cfg.RetryBackoff, "delay before a failed event becomes eligible again")
	flag.IntVar(&cfg.MaxAttempts, "max-attempts", cfg.MaxAttempts, "failures before an event is dead lettered")
	flag.DurationVar(&cfg.HandlerTimeout, "handler-timeout", cfg.HandlerTimeout, "per event handler deadline, 0 disables")
	flag.BoolVar(&cfg.RestartWorkers, "restart-workers", cfg.RestartWorkers, "restart crashed workers with backoff")
	flag.BoolVar(&cfg.AutoMigrate, "auto-migrate", cfg.AutoMigrate, "apply embedded schema migrations on startup")
	flag.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn, error or critical")
	flag.StringVar(&cfg.HTTPHost, "http-host", cfg.HTTPHost, "admin API bind host")
	flag.IntVar(&cfg.HTTPPort, "http-port", cfg.HTTPPort, "admin API bind port")
	flag.BoolVar(&cfg.DisableHTTP, "disable-http", cfg.DisableHTTP, "run without the admin API")
	flag.Parse()
}

// workerFactory builds workers that each own a dedicated store
// connection, so SKIP LOCKED claims compete across real sessions.
func workerFactory(cfg *config.Config, registry *dispatch.Registry) dispatch.WorkerFactory {
	return func(ctx context.Context, name string) (*dispatch.Worker, func(), error) {
		store, err := postgres.New(ctx, postgres.Config{
			DSN:            cfg.DSN,
			ConnectTimeout: cfg.ConnectTimeout,
			QueryTimeout:   cfg.QueryTimeout,
			RetryBackoff:   cfg.RetryBackoff,
			MaxAttempts:    cfg.MaxAttempts,
		})
		if err != nil {
			return nil, nil, err
		}

		worker := dispatch.NewWorker(store, registry, dispatch.Config{
			Name:           name,
			BatchSize:      cfg.BatchSize,
			PollInterval:   cfg.PollInterval,
			MaxParallel:    cfg.MaxParallel,
			HandlerTimeout: cfg.HandlerTimeout,
		})

		cleanup := func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := store.Close(closeCtx); err != nil {
				slog.Error("failed to close worker store", "worker", name, "error", err)
			}
		}
		return worker, cleanup, nil
	}
}

// newAdminServer wires the admin API around per request stores with
// short timeouts, so a wedged database cannot hang the probes.
func newAdminServer(cfg *config.Config) *adminhttp.AdminServer {
	provider := func(ctx context.Context) (handler.Store, error) {
		return postgres.New(ctx, postgres.Config{
			DSN:            cfg.DSN,
			ConnectTimeout: adminConnectTimeout,
			QueryTimeout:   adminQueryTimeout,
			RetryBackoff:   cfg.RetryBackoff,
			MaxAttempts:    cfg.MaxAttempts,
		})
	}

	h := handler.NewAdminHandler(provider, promhttp.Handler())
	return adminhttp.NewAdminServer(h, adminhttp.ServerConfig{Addr: cfg.HTTPAddr()})
}

// maskPassword masks the password in a connection string for logging.
func maskPassword(connStr string) string {
	u, err := url.Parse(connStr)
	if err != nil || u.Host == "" {
		// Keyword DSNs don't parse as URLs; redact rather than risk
		// leaking a password field.
		return "[REDACTED]"
	}
	if u.User != nil {
		if _, hasPassword := u.User.Password(); hasPassword {
			u.User = url.UserPassword(u.User.Username(), "xxxxxx")
		}
	}
	return u.String()
}
