package domain

import "errors"

// Domain errors returned by repository implementations.

var (
	// ErrNotFound indicates the requested event does not exist, or is not in
	// the state the operation requires (e.g. a DLQ lookup of a non-dead row).
	ErrNotFound = errors.New("event not found")

	// ErrMissingNextRunAt indicates a database row without a next_run_at
	// value, which every outbox row must carry.
	ErrMissingNextRunAt = errors.New("next_run_at is required")

	// ErrEmptyDSN indicates an empty or whitespace-only connection string.
	ErrEmptyDSN = errors.New("dsn cannot be empty")

	// ErrInvalidArgument indicates a caller-supplied value that fails
	// validation before any database work happens.
	ErrInvalidArgument = errors.New("invalid argument")
)
