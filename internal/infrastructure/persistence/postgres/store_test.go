package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rezkam/dispatchbox/internal/domain"
)

func TestDSNWithConnectTimeout(t *testing.T) {
	t.Run("keyword form gets space separated parameter", func(t *testing.T) {
		got := dsnWithConnectTimeout("host=localhost dbname=outbox", 10*time.Second)
		assert.Equal(t, "host=localhost dbname=outbox connect_timeout=10", got)
	})

	t.Run("url form without query gets question mark", func(t *testing.T) {
		got := dsnWithConnectTimeout("postgres://u:p@localhost:5432/outbox", 10*time.Second)
		assert.Equal(t, "postgres://u:p@localhost:5432/outbox?connect_timeout=10", got)
	})

	t.Run("url form with query gets ampersand", func(t *testing.T) {
		got := dsnWithConnectTimeout("postgres://localhost/outbox?sslmode=disable", 5*time.Second)
		assert.Equal(t, "postgres://localhost/outbox?sslmode=disable&connect_timeout=5", got)
	})

	t.Run("existing connect_timeout is untouched", func(t *testing.T) {
		dsn := "host=localhost connect_timeout=3"
		assert.Equal(t, dsn, dsnWithConnectTimeout(dsn, 10*time.Second))
	})
}

func TestConfigValidation(t *testing.T) {
	t.Run("zero values pick up defaults", func(t *testing.T) {
		cfg := Config{}
		cfg.applyDefaults()

		assert.Equal(t, DefaultConnectTimeout, cfg.ConnectTimeout)
		assert.Equal(t, DefaultQueryTimeout, cfg.QueryTimeout)
		assert.Equal(t, DefaultRetryBackoff, cfg.RetryBackoff)
		assert.Equal(t, DefaultMaxAttempts, cfg.MaxAttempts)
	})

	t.Run("negative timeouts are rejected", func(t *testing.T) {
		cfg := Config{ConnectTimeout: -time.Second}
		cfg.applyDefaults()
		assert.ErrorIs(t, cfg.validate(), domain.ErrInvalidArgument)

		cfg = Config{QueryTimeout: -time.Second}
		cfg.applyDefaults()
		assert.ErrorIs(t, cfg.validate(), domain.ErrInvalidArgument)

		cfg = Config{RetryBackoff: -time.Second}
		cfg.applyDefaults()
		assert.ErrorIs(t, cfg.validate(), domain.ErrInvalidArgument)
	})

	t.Run("negative max attempts is rejected", func(t *testing.T) {
		cfg := Config{MaxAttempts: -1}
		cfg.applyDefaults()
		assert.ErrorIs(t, cfg.validate(), domain.ErrInvalidArgument)
	})
}

// TestNew_FailsFastOnBadInput covers the paths that must return before any
// connection attempt happens.
func TestNew_FailsFastOnBadInput(t *testing.T) {
	ctx := context.Background()

	t.Run("empty dsn", func(t *testing.T) {
		_, err := New(ctx, Config{DSN: ""})
		assert.ErrorIs(t, err, domain.ErrEmptyDSN)
	})

	t.Run("whitespace dsn", func(t *testing.T) {
		_, err := New(ctx, Config{DSN: "   "})
		assert.ErrorIs(t, err, domain.ErrEmptyDSN)
	})

	t.Run("negative retry backoff", func(t *testing.T) {
		_, err := New(ctx, Config{DSN: "host=localhost", RetryBackoff: -time.Second})
		assert.ErrorIs(t, err, domain.ErrInvalidArgument)
	})
}

// Argument validation runs before the connection is touched, so a zero-value
// Store is enough to exercise every rejection path.
func TestStoreValidation(t *testing.T) {
	ctx := context.Background()
	s := &Store{}

	t.Run("fetch pending rejects batch size below one", func(t *testing.T) {
		_, err := s.FetchPending(ctx, 0)
		require.ErrorIs(t, err, domain.ErrInvalidArgument)
		assert.Contains(t, err.Error(), "batch_size")
	})

	t.Run("mark success rejects non-positive id", func(t *testing.T) {
		assert.ErrorIs(t, s.MarkSuccess(ctx, 0), domain.ErrInvalidArgument)
		assert.ErrorIs(t, s.MarkSuccess(ctx, -5), domain.ErrInvalidArgument)
	})

	t.Run("mark retry rejects non-positive id", func(t *testing.T) {
		assert.ErrorIs(t, s.MarkRetry(ctx, 0), domain.ErrInvalidArgument)
	})

	t.Run("get dead rejects non-positive id", func(t *testing.T) {
		_, err := s.GetDead(ctx, 0)
		assert.ErrorIs(t, err, domain.ErrInvalidArgument)
	})

	t.Run("retry dead rejects non-positive id", func(t *testing.T) {
		_, err := s.RetryDead(ctx, -1)
		assert.ErrorIs(t, err, domain.ErrInvalidArgument)
	})

	t.Run("retry dead batch rejects empty list", func(t *testing.T) {
		_, err := s.RetryDeadBatch(ctx, nil)
		require.ErrorIs(t, err, domain.ErrInvalidArgument)
		assert.Contains(t, err.Error(), "event_ids")
	})

	t.Run("retry dead batch rejects any non-positive id", func(t *testing.T) {
		_, err := s.RetryDeadBatch(ctx, []int64{1, 0, 3})
		assert.ErrorIs(t, err, domain.ErrInvalidArgument)
	})

	t.Run("fetch dead rejects bad limit and offset", func(t *testing.T) {
		_, err := s.FetchDead(ctx, domain.DeadFilter{}, 0, 0)
		assert.ErrorIs(t, err, domain.ErrInvalidArgument)

		_, err = s.FetchDead(ctx, domain.DeadFilter{}, 10, -1)
		assert.ErrorIs(t, err, domain.ErrInvalidArgument)
	})
}

func TestApplyDeadFilter(t *testing.T) {
	base := "SELECT COUNT(*) FROM outbox_event WHERE status = 'dead'"

	t.Run("empty filter leaves query unchanged", func(t *testing.T) {
		query, args := applyDeadFilter(base, domain.DeadFilter{}, nil)
		assert.Equal(t, base, query)
		assert.Empty(t, args)
	})

	t.Run("single filter appends first placeholder", func(t *testing.T) {
		query, args := applyDeadFilter(base, domain.DeadFilter{AggregateType: "order"}, nil)
		assert.Equal(t, base+" AND aggregate_type = $1", query)
		assert.Equal(t, []any{"order"}, args)
	})

	t.Run("both filters number placeholders in order", func(t *testing.T) {
		f := domain.DeadFilter{AggregateType: "order", EventType: "order.created"}
		query, args := applyDeadFilter(base, f, nil)
		assert.Equal(t, base+" AND aggregate_type = $1 AND event_type = $2", query)
		assert.Equal(t, []any{"order", "order.created"}, args)
	})
}
