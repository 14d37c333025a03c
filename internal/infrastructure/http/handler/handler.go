// Package handler implements the admin API endpoints: health and
// readiness probes, Prometheus metrics, and the dead letter queue API.
package handler

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/rezkam/dispatchbox/internal/domain"
)

// Store is the slice of the persistence layer the admin API uses.
type Store interface {
	Connected(ctx context.Context) bool
	FetchDead(ctx context.Context, filter domain.DeadFilter, limit, offset int) ([]domain.Event, error)
	CountDead(ctx context.Context, filter domain.DeadFilter) (int64, error)
	GetDead(ctx context.Context, id int64) (domain.Event, error)
	RetryDead(ctx context.Context, id int64) (bool, error)
	RetryDeadBatch(ctx context.Context, ids []int64) (int64, error)
	Close(ctx context.Context) error
}

// StoreProvider opens a store for a single request. Each request gets a
// fresh connection so a wedged worker connection cannot take the admin
// API down with it.
type StoreProvider func(ctx context.Context) (Store, error)

// Per request deadlines. Kept short so a slow database turns into a fast
// error response instead of a hung admin endpoint.
const (
	readyCheckTimeout = 2 * time.Second
	dlqQueryTimeout   = 5 * time.Second
)

// AdminHandler serves the operational endpoints. A nil provider disables
// the endpoints that need database access, a nil metrics handler disables
// the metrics endpoint.
type AdminHandler struct {
	provider StoreProvider
	metrics  http.Handler
}

// NewAdminHandler creates an AdminHandler backed by the given store
// provider and metrics handler.
func NewAdminHandler(provider StoreProvider, metrics http.Handler) *AdminHandler {
	return &AdminHandler{provider: provider, metrics: metrics}
}

// withStore opens a short lived store, runs fn against it, and closes it.
func (h *AdminHandler) withStore(ctx context.Context, timeout time.Duration, fn func(ctx context.Context, store Store) error) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	store, err := h.provider(ctx)
	if err != nil {
		return err
	}
	defer store.Close(ctx)

	return fn(ctx, store)
}

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

// getValidator returns the shared validator instance, creating it on
// first use.
func getValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}
