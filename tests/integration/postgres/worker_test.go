package integration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rezkam/dispatchbox/internal/application/dispatch"
	"github.com/rezkam/dispatchbox/internal/domain"
	"github.com/rezkam/dispatchbox/internal/infrastructure/persistence/postgres"
)

// startWorker runs the dispatch loop in the background and returns an
// idempotent stop function that cancels it and waits for the drain.
func startWorker(t *testing.T, w *dispatch.Worker) func() {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Run(ctx)
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			select {
			case <-done:
			case <-time.After(10 * time.Second):
				t.Fatal("worker did not stop after cancel")
			}
		})
	}
}

func testWorkerConfig(name string) dispatch.Config {
	return dispatch.Config{
		Name:         name,
		BatchSize:    10,
		PollInterval: 25 * time.Millisecond,
		MaxParallel:  4,
	}
}

// TestWorker_DispatchesToDone verifies the happy path: eligible events are
// claimed, handled once and closed out as done.
func TestWorker_DispatchesToDone(t *testing.T) {
	pool, dsn, cleanup := SetupTestDB(t)
	defer cleanup()

	var calls atomic.Int64
	registry := dispatch.NewRegistry()
	registry.Register("order.created", func(ctx context.Context, payload json.RawMessage) error {
		calls.Add(1)
		return nil
	})

	var ids []int64
	for i := 0; i < 3; i++ {
		ids = append(ids, SeedEvent(t, pool, SeedSpec{AggregateID: fmt.Sprintf("%d", 1000+i)}))
	}

	store := NewTestStore(t, dsn, postgres.Config{})
	stop := startWorker(t, dispatch.NewWorker(store, registry, testWorkerConfig("worker-it-00")))
	defer stop()

	require.Eventually(t, func() bool {
		for _, id := range ids {
			row, err := readEventRow(pool, id)
			if err != nil || row.Status != domain.StatusDone {
				return false
			}
		}
		return true
	}, 10*time.Second, 50*time.Millisecond, "all events should reach done")
	stop()

	for _, id := range ids {
		row := FetchEventRow(t, pool, id)
		assert.Equal(t, domain.StatusDone, row.Status)
		assert.Equal(t, int32(1), row.Attempts)
	}
	assert.EqualValues(t, 3, calls.Load(), "each event is handled exactly once here")
}

// TestWorker_FailingHandlerExhaustsAttempts verifies the retry path end to
// end: a persistently failing event is rescheduled with a backoff until the
// attempt budget is spent, then parked as dead.
func TestWorker_FailingHandlerExhaustsAttempts(t *testing.T) {
	pool, dsn, cleanup := SetupTestDB(t)
	defer cleanup()

	handlerErr := errors.New("downstream rejected the event")
	registry := dispatch.NewRegistry()
	registry.Register("order.created", func(ctx context.Context, payload json.RawMessage) error {
		return handlerErr
	})

	id := SeedEvent(t, pool, SeedSpec{})

	store := NewTestStore(t, dsn, postgres.Config{RetryBackoff: 100 * time.Millisecond, MaxAttempts: 2})
	stop := startWorker(t, dispatch.NewWorker(store, registry, testWorkerConfig("worker-it-00")))
	defer stop()

	require.Eventually(t, func() bool {
		row, err := readEventRow(pool, id)
		return err == nil && row.Status == domain.StatusDead
	}, 10*time.Second, 50*time.Millisecond, "event should die after two failed attempts")
	stop()

	row := FetchEventRow(t, pool, id)
	assert.Equal(t, domain.StatusDead, row.Status)
	assert.Equal(t, int32(2), row.Attempts)
}

// TestWorker_UnregisteredTypeIsRetried verifies that an event type nobody
// registered counts as a failed attempt rather than being dropped.
func TestWorker_UnregisteredTypeIsRetried(t *testing.T) {
	pool, dsn, cleanup := SetupTestDB(t)
	defer cleanup()

	id := SeedEvent(t, pool, SeedSpec{EventType: "unknown.event"})

	store := NewTestStore(t, dsn, postgres.Config{RetryBackoff: time.Hour, MaxAttempts: 5})
	stop := startWorker(t, dispatch.NewWorker(store, dispatch.NewRegistry(), testWorkerConfig("worker-it-00")))
	defer stop()

	require.Eventually(t, func() bool {
		row, err := readEventRow(pool, id)
		return err == nil && row.Status == domain.StatusRetry
	}, 10*time.Second, 50*time.Millisecond)
	stop()

	row := FetchEventRow(t, pool, id)
	assert.Equal(t, int32(1), row.Attempts)
	assert.True(t, row.NextRunAt.After(time.Now().Add(30*time.Minute)),
		"backoff should push the event well into the future")
}

// TestWorker_PanickingHandlerIsRetried verifies that a handler panic is
// contained and treated like any other failed attempt.
func TestWorker_PanickingHandlerIsRetried(t *testing.T) {
	pool, dsn, cleanup := SetupTestDB(t)
	defer cleanup()

	registry := dispatch.NewRegistry()
	registry.Register("order.created", func(ctx context.Context, payload json.RawMessage) error {
		panic("handler blew up")
	})

	id := SeedEvent(t, pool, SeedSpec{})

	store := NewTestStore(t, dsn, postgres.Config{RetryBackoff: time.Hour, MaxAttempts: 5})
	stop := startWorker(t, dispatch.NewWorker(store, registry, testWorkerConfig("worker-it-00")))
	defer stop()

	require.Eventually(t, func() bool {
		row, err := readEventRow(pool, id)
		return err == nil && row.Status == domain.StatusRetry
	}, 10*time.Second, 50*time.Millisecond)
	stop()

	row := FetchEventRow(t, pool, id)
	assert.Equal(t, domain.StatusRetry, row.Status)
	assert.Equal(t, int32(1), row.Attempts)
}

// TestWorker_HandlerTimeoutCancelsSlowHandler verifies the per-handler
// deadline: a handler that outlives it is treated as failed.
func TestWorker_HandlerTimeoutCancelsSlowHandler(t *testing.T) {
	pool, dsn, cleanup := SetupTestDB(t)
	defer cleanup()

	registry := dispatch.NewRegistry()
	registry.Register("order.created", func(ctx context.Context, payload json.RawMessage) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(30 * time.Second):
			return nil
		}
	})

	id := SeedEvent(t, pool, SeedSpec{})

	store := NewTestStore(t, dsn, postgres.Config{RetryBackoff: time.Hour, MaxAttempts: 5})
	cfg := testWorkerConfig("worker-it-00")
	cfg.HandlerTimeout = 100 * time.Millisecond
	stop := startWorker(t, dispatch.NewWorker(store, registry, cfg))
	defer stop()

	require.Eventually(t, func() bool {
		row, err := readEventRow(pool, id)
		return err == nil && row.Status == domain.StatusRetry
	}, 10*time.Second, 50*time.Millisecond)
	stop()

	row := FetchEventRow(t, pool, id)
	assert.Equal(t, int32(1), row.Attempts)
}

// TestWorker_TwoWorkersShareTheBacklog runs two dispatch loops against the
// same table and verifies the whole backlog drains with every event handled
// at least once.
func TestWorker_TwoWorkersShareTheBacklog(t *testing.T) {
	pool, dsn, cleanup := SetupTestDB(t)
	defer cleanup()

	const total = 20

	var mu sync.Mutex
	seen := make(map[string]int)
	registry := dispatch.NewRegistry()
	registry.Register("order.created", func(ctx context.Context, payload json.RawMessage) error {
		mu.Lock()
		seen[string(payload)]++
		mu.Unlock()
		return nil
	})

	var ids []int64
	for i := 0; i < total; i++ {
		ids = append(ids, SeedEvent(t, pool, SeedSpec{
			AggregateID: fmt.Sprintf("%d", 1000+i),
			Payload:     fmt.Sprintf(`{"orderId": "%d"}`, 1000+i),
		}))
	}

	cfgA := testWorkerConfig("worker-it-00")
	cfgA.BatchSize = 3
	cfgB := testWorkerConfig("worker-it-01")
	cfgB.BatchSize = 3

	storeA := NewTestStore(t, dsn, postgres.Config{})
	storeB := NewTestStore(t, dsn, postgres.Config{})
	stopA := startWorker(t, dispatch.NewWorker(storeA, registry, cfgA))
	defer stopA()
	stopB := startWorker(t, dispatch.NewWorker(storeB, registry, cfgB))
	defer stopB()

	require.Eventually(t, func() bool {
		for _, id := range ids {
			row, err := readEventRow(pool, id)
			if err != nil || row.Status != domain.StatusDone {
				return false
			}
		}
		return true
	}, 15*time.Second, 50*time.Millisecond, "both workers together should drain the backlog")
	stopA()
	stopB()

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, seen, total, "every event should be handled at least once")
	handled := 0
	for _, count := range seen {
		handled += count
	}
	assert.GreaterOrEqual(t, handled, total)
}
