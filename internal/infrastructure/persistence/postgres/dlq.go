package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/rezkam/dispatchbox/internal/domain"
	"github.com/rezkam/dispatchbox/internal/infrastructure/observability"
)

const (
	deadColumnsSQL = `
		SELECT id, aggregate_type, aggregate_id, event_type, payload,
		       status, attempts, next_run_at, created_at
		FROM outbox_event
		WHERE status = 'dead'`

	getDeadSQL = deadColumnsSQL + ` AND id = $1`

	// Replay resets the full dispatch budget: attempts back to zero and an
	// immediate next_run_at. The status guard makes a second replay of the
	// same id a no-op.
	retryDeadSQL = `
		UPDATE outbox_event
		SET status = 'pending',
		    attempts = 0,
		    next_run_at = now()
		WHERE id = $1 AND status = 'dead'`

	retryDeadBatchSQL = `
		UPDATE outbox_event
		SET status = 'pending',
		    attempts = 0,
		    next_run_at = now()
		WHERE id = ANY($1) AND status = 'dead'`
)

// applyDeadFilter appends WHERE conditions for the set filter fields,
// numbering placeholders after the ones already in args.
func applyDeadFilter(query string, f domain.DeadFilter, args []any) (string, []any) {
	if f.AggregateType != "" {
		args = append(args, f.AggregateType)
		query += fmt.Sprintf(" AND aggregate_type = $%d", len(args))
	}
	if f.EventType != "" {
		args = append(args, f.EventType)
		query += fmt.Sprintf(" AND event_type = $%d", len(args))
	}
	return query, args
}

// FetchDead lists dead events newest first, with optional type filters.
func (s *Store) FetchDead(ctx context.Context, filter domain.DeadFilter, limit, offset int) ([]domain.Event, error) {
	if limit < 1 {
		return nil, fmt.Errorf("%w: limit must be at least 1", domain.ErrInvalidArgument)
	}
	if offset < 0 {
		return nil, fmt.Errorf("%w: offset must be non-negative", domain.ErrInvalidArgument)
	}

	ctx, span := tracer.Start(ctx, "outbox.fetch_dead")
	defer span.End()

	query, args := applyDeadFilter(deadColumnsSQL, filter, nil)
	args = append(args, limit, offset)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	s.mu.Lock()
	defer s.mu.Unlock()

	var events []domain.Event
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("failed to list dead events: %w", err)
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

// CountDead returns the number of dead events matching the filter.
func (s *Store) CountDead(ctx context.Context, filter domain.DeadFilter) (int64, error) {
	ctx, span := tracer.Start(ctx, "outbox.count_dead")
	defer span.End()

	query, args := applyDeadFilter(`SELECT COUNT(*) FROM outbox_event WHERE status = 'dead'`, filter, nil)

	s.mu.Lock()
	defer s.mu.Unlock()

	var count int64
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		if err := tx.QueryRow(ctx, query, args...).Scan(&count); err != nil {
			return fmt.Errorf("failed to count dead events: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	if filter == (domain.DeadFilter{}) {
		observability.DeadEvents.Set(float64(count))
	}
	return count, nil
}

// GetDead fetches a single dead event by id. Returns domain.ErrNotFound when
// the id does not exist or the row is not dead.
func (s *Store) GetDead(ctx context.Context, id int64) (domain.Event, error) {
	if err := validateEventID(id); err != nil {
		return domain.Event{}, err
	}

	ctx, span := tracer.Start(ctx, "outbox.get_dead")
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	var event domain.Event
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		e, err := scanEvent(tx.QueryRow(ctx, getDeadSQL, id))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return domain.ErrNotFound
			}
			return err
		}
		event = e
		return nil
	})
	if err != nil {
		return domain.Event{}, err
	}
	return event, nil
}

// RetryDead resets one dead event to pending with a fresh attempt budget.
// Returns false when the id does not exist or is no longer dead.
func (s *Store) RetryDead(ctx context.Context, id int64) (bool, error) {
	if err := validateEventID(id); err != nil {
		return false, err
	}

	ctx, span := tracer.Start(ctx, "outbox.retry_dead")
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	var reset bool
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, retryDeadSQL, id)
		if err != nil {
			return fmt.Errorf("failed to reset dead event %d: %w", id, err)
		}
		reset = tag.RowsAffected() > 0
		return nil
	})
	if err != nil {
		return false, err
	}
	return reset, nil
}

// RetryDeadBatch resets every listed dead event to pending in one statement
// and reports how many rows actually changed. Ids that are missing or not
// dead are silently skipped.
func (s *Store) RetryDeadBatch(ctx context.Context, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, fmt.Errorf("%w: event_ids cannot be empty", domain.ErrInvalidArgument)
	}
	for _, id := range ids {
		if id < 1 {
			return 0, fmt.Errorf("%w: All event_ids must be positive integers", domain.ErrInvalidArgument)
		}
	}

	ctx, span := tracer.Start(ctx, "outbox.retry_dead_batch")
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	var reset int64
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, retryDeadBatchSQL, ids)
		if err != nil {
			return fmt.Errorf("failed to reset dead events: %w", err)
		}
		reset = tag.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, err
	}
	return reset, nil
}
