package integration

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"

	"github.com/rezkam/dispatchbox/internal/domain"
	"github.com/rezkam/dispatchbox/internal/infrastructure/persistence/postgres"
)

// TestDSNEnv gates the integration suite. Tests skip when it is unset.
const TestDSNEnv = "DISPATCHBOX_TEST_DSN"

// SetupTestDB applies the embedded migrations to the test database and
// returns a pool for seeding and verification, the DSN for stores under
// test, and a cleanup function.
func SetupTestDB(t *testing.T) (*pgxpool.Pool, string, func()) {
	t.Helper()

	dsn := os.Getenv(TestDSNEnv)
	if dsn == "" {
		t.Skipf("set %s to run integration tests", TestDSNEnv)
	}

	ctx := context.Background()
	require.NoError(t, postgres.RunMigrations(ctx, dsn))

	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	require.NoError(t, pool.Ping(ctx))

	_, err = pool.Exec(ctx, "TRUNCATE TABLE outbox_event RESTART IDENTITY")
	require.NoError(t, err)

	cleanup := func() {
		pool.Exec(context.Background(), "TRUNCATE TABLE outbox_event RESTART IDENTITY")
		pool.Close()
	}

	return pool, dsn, cleanup
}

// NewTestStore opens a Store against the test database. Zero cfg fields get
// short test-friendly values rather than the package defaults.
func NewTestStore(t *testing.T, dsn string, cfg postgres.Config) *postgres.Store {
	t.Helper()

	cfg.DSN = dsn
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if cfg.QueryTimeout == 0 {
		cfg.QueryTimeout = 10 * time.Second
	}
	if cfg.RetryBackoff == 0 {
		cfg.RetryBackoff = time.Minute
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 3
	}

	store, err := postgres.New(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close(context.Background()) })

	return store
}

// SeedSpec describes one outbox row to insert. Zero fields fall back to a
// plausible order event that is already due.
type SeedSpec struct {
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       string
	Status        domain.Status
	Attempts      int32
	NextRunAt     time.Time
	CreatedAt     time.Time
}

// SeedEvent inserts one outbox row and returns its assigned id.
func SeedEvent(t *testing.T, pool *pgxpool.Pool, spec SeedSpec) int64 {
	t.Helper()

	if spec.AggregateType == "" {
		spec.AggregateType = "order"
	}
	if spec.AggregateID == "" {
		spec.AggregateID = "1001"
	}
	if spec.EventType == "" {
		spec.EventType = "order.created"
	}
	if spec.Payload == "" {
		spec.Payload = `{"orderId": "1001"}`
	}
	if spec.Status == "" {
		spec.Status = domain.StatusPending
	}
	if spec.NextRunAt.IsZero() {
		spec.NextRunAt = time.Now().UTC().Add(-time.Minute)
	}
	if spec.CreatedAt.IsZero() {
		spec.CreatedAt = time.Now().UTC()
	}

	var id int64
	err := pool.QueryRow(context.Background(), `
		INSERT INTO outbox_event (aggregate_type, aggregate_id, event_type, payload, status, attempts, next_run_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`,
		spec.AggregateType, spec.AggregateID, spec.EventType, spec.Payload,
		string(spec.Status), spec.Attempts, spec.NextRunAt, spec.CreatedAt,
	).Scan(&id)
	require.NoError(t, err)

	return id
}

// EventRow is the subset of lifecycle columns the tests assert on.
type EventRow struct {
	Status    domain.Status
	Attempts  int32
	NextRunAt time.Time
}

// FetchEventRow reads the current lifecycle columns of one row, failing the
// test on any error.
func FetchEventRow(t *testing.T, pool *pgxpool.Pool, id int64) EventRow {
	t.Helper()

	row, err := readEventRow(pool, id)
	require.NoError(t, err)
	return row
}

// readEventRow is the non-failing variant for polling loops.
func readEventRow(pool *pgxpool.Pool, id int64) (EventRow, error) {
	var row EventRow
	err := pool.QueryRow(context.Background(),
		"SELECT status, attempts, next_run_at FROM outbox_event WHERE id = $1", id,
	).Scan(&row.Status, &row.Attempts, &row.NextRunAt)
	return row, err
}
