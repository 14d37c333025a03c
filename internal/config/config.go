// Package config defines configuration parsing and helpers.
package config

import (
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/go-playground/validator/v10"
)

// Config holds all application configuration. Values come from environment
// variables; the CLI layer overlays flag values before Validate runs.
type Config struct {
	// DSN is the PostgreSQL connection string, URL or keyword form.
	DSN string `env:"DISPATCHBOX_DSN" validate:"required"`

	// Processes is the number of dispatch loops the supervisor runs.
	Processes int `env:"DISPATCHBOX_PROCESSES" envDefault:"1" validate:"min=1"`

	// BatchSize is how many events each loop claims per poll.
	BatchSize int `env:"DISPATCHBOX_BATCH_SIZE" envDefault:"10" validate:"min=1"`

	// PollInterval is the idle sleep between polls.
	PollInterval time.Duration `env:"DISPATCHBOX_POLL_INTERVAL" envDefault:"1s" validate:"gt=0"`

	// MaxParallel bounds concurrent handler invocations per loop.
	MaxParallel int `env:"DISPATCHBOX_MAX_PARALLEL" envDefault:"10" validate:"min=1"`

	// RetryBackoff is how long a failed event waits before the next attempt.
	RetryBackoff time.Duration `env:"DISPATCHBOX_RETRY_BACKOFF" envDefault:"30s" validate:"min=0"`

	// MaxAttempts is the dispatch budget before an event is marked dead.
	MaxAttempts int `env:"DISPATCHBOX_MAX_ATTEMPTS" envDefault:"5" validate:"min=1"`

	// HandlerTimeout bounds one handler invocation. Zero keeps the
	// historical run-to-completion behavior.
	HandlerTimeout time.Duration `env:"DISPATCHBOX_HANDLER_TIMEOUT" envDefault:"0s" validate:"min=0"`

	// ConnectTimeout and QueryTimeout govern store connections.
	ConnectTimeout time.Duration `env:"DISPATCHBOX_CONNECT_TIMEOUT" envDefault:"10s" validate:"min=0"`
	QueryTimeout   time.Duration `env:"DISPATCHBOX_QUERY_TIMEOUT" envDefault:"30s" validate:"min=0"`

	// RestartWorkers re-creates crashed dispatch loops with exponential
	// pacing instead of letting the slot die.
	RestartWorkers bool `env:"DISPATCHBOX_RESTART_WORKERS" envDefault:"false"`

	// AutoMigrate applies embedded schema migrations at startup.
	AutoMigrate bool `env:"DISPATCHBOX_AUTO_MIGRATE" envDefault:"false"`

	// LogLevel is one of debug, info, warning/warn, error, critical.
	LogLevel string `env:"DISPATCHBOX_LOG_LEVEL" envDefault:"info" validate:"oneof=debug info warn warning error critical"`

	// Admin HTTP server binding.
	HTTPHost    string `env:"DISPATCHBOX_HTTP_HOST" envDefault:"0.0.0.0"`
	HTTPPort    int    `env:"DISPATCHBOX_HTTP_PORT" envDefault:"8080" validate:"min=1,max=65535"`
	DisableHTTP bool   `env:"DISPATCHBOX_DISABLE_HTTP" envDefault:"false"`

	// OpenTelemetry export. Endpoint and headers come from the standard
	// OTEL_* environment variables.
	OTELEnabled bool   `env:"DISPATCHBOX_OTEL_ENABLED" envDefault:"false"`
	ServiceName string `env:"OTEL_SERVICE_NAME" envDefault:"dispatchbox"`
}

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}

// Load parses environment variables into a Config. Validation is separate so
// the CLI can overlay flag values first.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse environment: %w", err)
	}
	return cfg, nil
}

// Validate checks the assembled configuration.
func (c Config) Validate() error {
	if err := getValidator().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// HTTPAddr returns the admin server bind address.
func (c Config) HTTPAddr() string {
	return net.JoinHostPort(c.HTTPHost, strconv.Itoa(c.HTTPPort))
}

// SlogLevel maps the configured level name onto slog's scale. The spellings
// "warning" and "critical" are accepted as aliases.
func (c Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error", "critical":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
