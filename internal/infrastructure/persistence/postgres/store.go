package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"go.opentelemetry.io/otel"

	"github.com/rezkam/dispatchbox/internal/domain"
	"github.com/rezkam/dispatchbox/internal/infrastructure/observability"
)

var tracer = otel.Tracer("repo.outbox")

// Default configuration values for the store.
const (
	DefaultConnectTimeout = 10 * time.Second
	DefaultQueryTimeout   = 30 * time.Second
	DefaultRetryBackoff   = 30 * time.Second
	DefaultMaxAttempts    = 5
)

const (
	fetchPendingSQL = `
		SELECT id, aggregate_type, aggregate_id, event_type, payload,
		       status, attempts, next_run_at, created_at
		FROM outbox_event
		WHERE status IN ('pending','retry')
		  AND next_run_at <= now()
		ORDER BY id
		FOR UPDATE SKIP LOCKED
		LIMIT $1`

	markSuccessSQL = `
		UPDATE outbox_event
		SET status = 'done',
		    attempts = attempts + 1
		WHERE id = $1`

	// The dead-or-retry decision reads the row's own attempts inside one
	// statement, so it stays race-free with any concurrent reader. A dead
	// row keeps its last next_run_at.
	markRetrySQL = `
		UPDATE outbox_event
		SET status = CASE WHEN attempts + 1 >= $1 THEN 'dead' ELSE 'retry' END,
		    attempts = attempts + 1,
		    next_run_at = CASE WHEN attempts + 1 >= $1 THEN next_run_at
		                       ELSE now() + make_interval(secs => $2) END
		WHERE id = $3
		RETURNING status`

	checkConnectionSQL = `SELECT 1`
)

// Config holds configuration for a Store. Zero values fall back to the
// package defaults; negative values are rejected.
type Config struct {
	// DSN is the PostgreSQL connection string, either URL or keyword form.
	DSN string

	// ConnectTimeout is folded into the DSN when the DSN does not already
	// carry a connect_timeout parameter.
	ConnectTimeout time.Duration

	// QueryTimeout is applied as statement_timeout before every operation.
	QueryTimeout time.Duration

	// RetryBackoff is how long a failed event waits before becoming
	// eligible again.
	RetryBackoff time.Duration

	// MaxAttempts is the number of dispatch attempts after which a failing
	// event is marked dead.
	MaxAttempts int
}

func (cfg *Config) applyDefaults() {
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.QueryTimeout == 0 {
		cfg.QueryTimeout = DefaultQueryTimeout
	}
	if cfg.RetryBackoff == 0 {
		cfg.RetryBackoff = DefaultRetryBackoff
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
}

func (cfg *Config) validate() error {
	if cfg.ConnectTimeout < 0 {
		return fmt.Errorf("%w: connect timeout must be non-negative", domain.ErrInvalidArgument)
	}
	if cfg.QueryTimeout < 0 {
		return fmt.Errorf("%w: query timeout must be non-negative", domain.ErrInvalidArgument)
	}
	if cfg.RetryBackoff < 0 {
		return fmt.Errorf("%w: retry backoff must be non-negative", domain.ErrInvalidArgument)
	}
	if cfg.MaxAttempts < 1 {
		return fmt.Errorf("%w: max attempts must be at least 1", domain.ErrInvalidArgument)
	}
	return nil
}

// Store owns all SQL against the outbox_event table. It holds one dedicated
// connection, serializes access to it, and recovers from connection loss by
// probing before every public operation and reconnecting at most once.
type Store struct {
	mu           sync.Mutex
	conn         *pgx.Conn
	dsn          string
	queryTimeout time.Duration
	retryBackoff time.Duration
	maxAttempts  int
}

// New connects to the database and returns a ready Store.
func New(ctx context.Context, cfg Config) (*Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, domain.ErrEmptyDSN
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	s := &Store{
		dsn:          dsnWithConnectTimeout(dsn, cfg.ConnectTimeout),
		queryTimeout: cfg.QueryTimeout,
		retryBackoff: cfg.RetryBackoff,
		maxAttempts:  cfg.MaxAttempts,
	}

	conn, err := connect(ctx, s.dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	s.conn = conn
	return s, nil
}

// dsnWithConnectTimeout folds a connect_timeout parameter into the DSN unless
// one is already present. Handles both URL and keyword DSN forms.
func dsnWithConnectTimeout(dsn string, timeout time.Duration) string {
	if strings.Contains(dsn, "connect_timeout") {
		return dsn
	}
	sep := " "
	if strings.Contains(dsn, "://") {
		sep = "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
	}
	return fmt.Sprintf("%s%sconnect_timeout=%d", dsn, sep, int(timeout.Seconds()))
}

func connect(ctx context.Context, dsn string) (*pgx.Conn, error) {
	connCfg, err := pgx.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	connCfg.Tracer = otelpgx.NewTracer()
	return pgx.ConnectConfig(ctx, connCfg)
}

// FetchPending claims up to batchSize eligible rows in one transaction using
// FOR UPDATE SKIP LOCKED, ordered by id ascending. The commit releases the
// row locks; the caller is expected to close each row out with MarkSuccess or
// MarkRetry before its next poll cycle.
func (s *Store) FetchPending(ctx context.Context, batchSize int) ([]domain.Event, error) {
	if batchSize < 1 {
		return nil, fmt.Errorf("%w: batch_size must be at least 1", domain.ErrInvalidArgument)
	}

	ctx, span := tracer.Start(ctx, "outbox.fetch_pending")
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	var events []domain.Event
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, fetchPendingSQL, batchSize)
		if err != nil {
			return fmt.Errorf("failed to claim batch: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			e, err := scanEvent(rows)
			if err != nil {
				return err
			}
			events = append(events, e)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return events, nil
}

// MarkSuccess transitions an event to done and increments its attempt count.
func (s *Store) MarkSuccess(ctx context.Context, id int64) error {
	if err := validateEventID(id); err != nil {
		return err
	}

	ctx, span := tracer.Start(ctx, "outbox.mark_success")
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.withTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, markSuccessSQL, id); err != nil {
			return fmt.Errorf("failed to mark event %d done: %w", id, err)
		}
		return nil
	})
}

// MarkRetry increments the attempt count and either schedules the event for
// retry after the configured backoff or, when the attempt budget is spent,
// marks it dead. Both outcomes are decided inside a single conditional UPDATE.
func (s *Store) MarkRetry(ctx context.Context, id int64) error {
	if err := validateEventID(id); err != nil {
		return err
	}

	ctx, span := tracer.Start(ctx, "outbox.mark_retry")
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	var status domain.Status
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, markRetrySQL, s.maxAttempts, s.retryBackoff.Seconds(), id)
		if err := row.Scan(&status); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				// Row no longer exists; nothing to record.
				return nil
			}
			return fmt.Errorf("failed to mark event %d for retry: %w", id, err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if status == domain.StatusDead {
		slog.WarnContext(ctx, "event exceeded max attempts, marked as dead",
			"event_id", id,
			"max_attempts", s.maxAttempts)
	}
	return nil
}

// Connected reports whether the current connection answers a probe. It never
// reconnects and never returns an error.
func (s *Store) Connected(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil || s.conn.IsClosed() {
		return false
	}
	_, err := s.conn.Exec(ctx, checkConnectionSQL)
	return err == nil
}

// Close closes the underlying connection.
func (s *Store) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		return nil
	}
	return s.conn.Close(ctx)
}

// ensure probes the connection and reconnects once when the probe fails.
// Callers must hold s.mu.
func (s *Store) ensure(ctx context.Context) error {
	if s.conn != nil && !s.conn.IsClosed() {
		if _, err := s.conn.Exec(ctx, checkConnectionSQL); err == nil {
			return nil
		}
	}
	return s.reconnect(ctx)
}

func (s *Store) reconnect(ctx context.Context) error {
	slog.WarnContext(ctx, "database connection lost, attempting to reconnect")
	if s.conn != nil {
		_ = s.conn.Close(ctx)
	}

	conn, err := connect(ctx, s.dsn)
	if err != nil {
		slog.ErrorContext(ctx, "failed to reconnect to database", "error", err)
		return fmt.Errorf("failed to reconnect to database: %w", err)
	}
	s.conn = conn
	observability.StoreReconnectsTotal.Inc()
	slog.InfoContext(ctx, "database connection restored")
	return nil
}

// withTx ensures the connection is alive, then runs fn inside a transaction
// with statement_timeout applied first. Rolls back when fn or the timeout
// statement fails. Callers must hold s.mu.
func (s *Store) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	if err := s.ensure(ctx); err != nil {
		return err
	}

	tx, err := s.conn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, fmt.Sprintf("SET statement_timeout = %d", s.queryTimeout.Milliseconds())); err != nil {
		return fmt.Errorf("failed to set statement timeout: %w", err)
	}

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func validateEventID(id int64) error {
	if id < 1 {
		return fmt.Errorf("%w: event_id must be a positive integer", domain.ErrInvalidArgument)
	}
	return nil
}

// scanEvent converts an outbox_event row into a domain event. A row without
// next_run_at is rejected; a missing status defaults to pending.
func scanEvent(row pgx.Row) (domain.Event, error) {
	var (
		e         domain.Event
		status    pgtype.Text
		nextRunAt pgtype.Timestamptz
		createdAt pgtype.Timestamptz
	)

	err := row.Scan(&e.ID, &e.AggregateType, &e.AggregateID, &e.EventType,
		&e.Payload, &status, &e.Attempts, &nextRunAt, &createdAt)
	if err != nil {
		return domain.Event{}, fmt.Errorf("failed to scan event row: %w", err)
	}

	if !nextRunAt.Valid {
		return domain.Event{}, domain.ErrMissingNextRunAt
	}
	e.NextRunAt = nextRunAt.Time.UTC()

	e.Status = domain.StatusPending
	if status.Valid && status.String != "" {
		e.Status = domain.Status(status.String)
	}
	if createdAt.Valid {
		t := createdAt.Time.UTC()
		e.CreatedAt = &t
	}
	return e, nil
}
