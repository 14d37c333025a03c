package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

// Handler processes one event payload. A nil return is success; any non-nil
// error routes the event to the retry path.
type Handler func(ctx context.Context, payload json.RawMessage) error

// ErrHandlerNotFound indicates no handler is registered for an event type.
// The dispatch loop treats it like any other handler failure.
var ErrHandlerNotFound = errors.New("no handler registered for event type")

// Registry maps event types to handlers. Safe for concurrent use, though
// registration normally happens once at startup.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds a handler to an event type, replacing any previous binding.
func (r *Registry) Register(eventType string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[eventType] = h
}

// Dispatch looks up the handler for eventType and invokes it. Returns
// ErrHandlerNotFound (wrapped with the event type) when nothing is
// registered.
func (r *Registry) Dispatch(ctx context.Context, eventType string, payload json.RawMessage) error {
	r.mu.RLock()
	h, ok := r.handlers[eventType]
	r.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrHandlerNotFound, eventType)
	}
	return h(ctx, payload)
}

// Types returns the registered event types, for startup logging.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	return types
}
