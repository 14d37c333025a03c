package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"github.com/rezkam/dispatchbox/internal/domain"
	"github.com/rezkam/dispatchbox/internal/infrastructure/observability"
)

// Default worker tuning values.
const (
	DefaultBatchSize    = 10
	DefaultPollInterval = 1 * time.Second
	DefaultMaxParallel  = 10
)

// Config holds tuning for a single dispatch loop.
type Config struct {
	// Name identifies this worker in log records.
	Name string

	// BatchSize is how many events to claim per poll.
	BatchSize int

	// PollInterval is how long to sleep when no work is available.
	PollInterval time.Duration

	// MaxParallel bounds concurrent handler invocations within a batch.
	MaxParallel int

	// HandlerTimeout bounds a single handler invocation. Zero disables the
	// deadline and preserves run-to-completion handler semantics.
	HandlerTimeout time.Duration
}

func (cfg *Config) applyDefaults() {
	if cfg.Name == "" {
		cfg.Name = "worker-00"
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.MaxParallel < 1 {
		cfg.MaxParallel = DefaultMaxParallel
	}
}

// Worker runs one dispatch loop: claim a batch, fan handlers out to a bounded
// set of goroutines, and write each event's outcome as its handler finishes.
type Worker struct {
	store    EventStore
	registry *Registry
	cfg      Config
	log      *slog.Logger
}

// NewWorker wires a dispatch loop to its store and handler registry.
func NewWorker(store EventStore, registry *Registry, cfg Config) *Worker {
	cfg.applyDefaults()
	return &Worker{
		store:    store,
		registry: registry,
		cfg:      cfg,
		log:      slog.Default().With("worker", cfg.Name),
	}
}

// Run polls until ctx is cancelled. The cancellation check sits between
// iterations: an in-flight batch is always drained to status-write completion
// before Run returns. Claim failures are logged and absorbed by the poll
// sleep, never returned.
func (w *Worker) Run(ctx context.Context) error {
	w.log.InfoContext(ctx, "worker started",
		"batch_size", w.cfg.BatchSize,
		"poll_interval", w.cfg.PollInterval,
		"max_parallel", w.cfg.MaxParallel)

	for ctx.Err() == nil {
		batch, err := w.store.FetchPending(ctx, w.cfg.BatchSize)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			w.log.ErrorContext(ctx, "failed to claim batch", "error", err)
			if !w.sleep(ctx) {
				break
			}
			continue
		}

		if len(batch) == 0 {
			if !w.sleep(ctx) {
				break
			}
			continue
		}

		w.processBatch(ctx, batch)
	}

	w.log.InfoContext(ctx, "worker stopped")
	return nil
}

// processBatch fans the batch out to handler goroutines and commits outcomes
// in completion order. Status writes run on a non-cancellable context so a
// shutdown arriving mid-batch cannot leave claimed rows without a verdict.
func (w *Worker) processBatch(ctx context.Context, batch []domain.Event) {
	batchID := uuid.NewString()
	w.log.DebugContext(ctx, "claimed batch", "batch_id", batchID, "count", len(batch))

	observability.EventsClaimedTotal.Add(float64(len(batch)))
	observability.ClaimBatchSize.Observe(float64(len(batch)))

	writeCtx := context.WithoutCancel(ctx)

	type outcome struct {
		event domain.Event
		err   error
	}

	results := make(chan outcome, len(batch))
	sem := make(chan struct{}, w.cfg.MaxParallel)

	for _, e := range batch {
		sem <- struct{}{}
		go func(e domain.Event) {
			defer func() { <-sem }()
			results <- outcome{event: e, err: w.dispatchOne(writeCtx, e)}
		}(e)
	}

	for range batch {
		res := <-results
		id := res.event.ID

		if id == 0 {
			w.log.ErrorContext(writeCtx, "event has no id, skipping", "batch_id", batchID)
			observability.EventsProcessedTotal.WithLabelValues(observability.ResultSkipped).Inc()
			continue
		}

		if res.err != nil {
			w.log.ErrorContext(writeCtx, "failed to process event",
				"event_id", id,
				"event_type", res.event.EventType,
				"error", res.err)
			if err := w.store.MarkRetry(writeCtx, id); err != nil {
				w.log.ErrorContext(writeCtx, "failed to mark event for retry", "event_id", id, "error", err)
			}
			observability.EventsProcessedTotal.WithLabelValues(observability.ResultRetry).Inc()
			continue
		}

		if err := w.store.MarkSuccess(writeCtx, id); err != nil {
			w.log.ErrorContext(writeCtx, "failed to mark event done", "event_id", id, "error", err)
		} else {
			w.log.DebugContext(writeCtx, "event processed", "event_id", id, "event_type", res.event.EventType)
		}
		observability.EventsProcessedTotal.WithLabelValues(observability.ResultSuccess).Inc()
	}
}

// dispatchOne invokes the handler for one event with panic recovery and the
// optional per-handler deadline.
func (w *Worker) dispatchOne(ctx context.Context, e domain.Event) (err error) {
	observability.EventsInFlight.Inc()
	start := time.Now()
	defer func() {
		observability.EventsInFlight.Dec()
		observability.HandlerDuration.WithLabelValues(e.EventType).Observe(time.Since(start).Seconds())

		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v\n%s", r, debug.Stack())
		}
	}()

	if w.cfg.HandlerTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.cfg.HandlerTimeout)
		defer cancel()
	}

	return w.registry.Dispatch(ctx, e.EventType, e.Payload)
}

// sleep waits one poll interval. Returns false when ctx is cancelled first.
func (w *Worker) sleep(ctx context.Context) bool {
	t := time.NewTimer(w.cfg.PollInterval)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
