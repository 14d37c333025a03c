package dispatch

import (
	"context"

	"github.com/rezkam/dispatchbox/internal/domain"
)

// EventStore defines the storage operations the dispatch loop needs.
type EventStore interface {
	// FetchPending claims up to batchSize eligible events, ordered by id
	// ascending. Claimed rows are invisible to concurrent callers for the
	// duration of the claim.
	FetchPending(ctx context.Context, batchSize int) ([]domain.Event, error)

	// MarkSuccess transitions an event to done.
	MarkSuccess(ctx context.Context, id int64) error

	// MarkRetry schedules an event for another attempt, or marks it dead
	// when the attempt budget is exhausted.
	MarkRetry(ctx context.Context, id int64) error
}
