package domain

import (
	"encoding/json"
	"time"
)

// Status represents the lifecycle state of an outbox event.
// Value object - immutable string enum.
type Status string

const (
	StatusPending Status = "pending"
	StatusRetry   Status = "retry"
	StatusDone    Status = "done"
	StatusDead    Status = "dead"
)

// Valid reports whether s is one of the four lifecycle states.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRetry, StatusDone, StatusDead:
		return true
	}
	return false
}

// Terminal reports whether s is a state the dispatcher never advances on its
// own. Dead rows can still be revived through the DLQ replay endpoints.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusDead
}

// Event is a row of the outbox_event table.
//
// ID and CreatedAt are assigned by the database; an event built in memory
// before insertion carries ID 0 and a nil CreatedAt, and both are omitted
// from the wire form. The JSON tags define the admin API wire format:
// instants are RFC 3339 UTC strings.
type Event struct {
	ID            int64           `json:"id,omitempty"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	Status        Status          `json:"status"`
	Attempts      int32           `json:"attempts"`
	NextRunAt     time.Time       `json:"next_run_at"`
	CreatedAt     *time.Time      `json:"created_at,omitempty"`
}

// Eligible reports whether the event is due for dispatch at the given instant.
func (e *Event) Eligible(now time.Time) bool {
	if e.Status != StatusPending && e.Status != StatusRetry {
		return false
	}
	return !e.NextRunAt.After(now)
}

// DeadFilter narrows dead letter queries. Empty fields match everything.
type DeadFilter struct {
	AggregateType string
	EventType     string
}
