package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/rezkam/dispatchbox/internal/domain"
	"github.com/rezkam/dispatchbox/internal/infrastructure/http/response"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
	maxBodyBytes     = 1 << 20 // 1MB
)

type listDeadBody struct {
	Events []domain.Event `json:"events"`
	Count  int            `json:"count"`
	Limit  int            `json:"limit"`
	Offset int            `json:"offset"`
}

type deadStatsBody struct {
	Total         int64   `json:"total"`
	AggregateType *string `json:"aggregate_type"`
	EventType     *string `json:"event_type"`
}

type retryDeadBody struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	EventID int64  `json:"event_id"`
}

type retryBatchRequest struct {
	EventIDs []int64 `json:"event_ids" validate:"required,min=1"`
}

type retryBatchBody struct {
	Status    string `json:"status"`
	Message   string `json:"message"`
	Requested int    `json:"requested"`
	Processed int64  `json:"processed"`
}

// requireProvider writes the 501 response when no store provider is
// configured. Returns true when the caller may proceed.
func (h *AdminHandler) requireProvider(w http.ResponseWriter, r *http.Request) bool {
	if h.provider == nil {
		response.Error(w, r, http.StatusNotImplemented, "Repository not available")
		return false
	}
	return true
}

// storeError maps store failures onto the API error contract. Not found
// cases carry endpoint specific messages, so callers handle those first.
func (h *AdminHandler) storeError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, domain.ErrInvalidArgument) {
		// The client sees the plain validation message, not the sentinel.
		msg := strings.TrimPrefix(err.Error(), domain.ErrInvalidArgument.Error()+": ")
		response.Error(w, r, http.StatusBadRequest, msg)
		return
	}
	response.InternalError(w, r, err)
}

// filterFromQuery reads the optional type filters from the query string.
func filterFromQuery(r *http.Request) domain.DeadFilter {
	return domain.DeadFilter{
		AggregateType: r.URL.Query().Get("aggregate_type"),
		EventType:     r.URL.Query().Get("event_type"),
	}
}

// queryInt parses an integer query parameter, falling back to def when
// the parameter is absent.
func queryInt(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer", name)
	}
	return n, nil
}

// eventIDParam parses the {id} path parameter. A value that is not an
// integer gets the same response as an unknown route.
func eventIDParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		response.ErrorWithDetail(w, r, http.StatusNotFound, "Not Found", "The requested resource was not found")
		return 0, false
	}
	return id, true
}

// ListDead lists dead events with optional type filters and pagination.
func (h *AdminHandler) ListDead(w http.ResponseWriter, r *http.Request) {
	if !h.requireProvider(w, r) {
		return
	}

	limit, err := queryInt(r, "limit", defaultListLimit)
	if err != nil {
		response.Error(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		response.Error(w, r, http.StatusBadRequest, err.Error())
		return
	}

	var events []domain.Event
	err = h.withStore(r.Context(), dlqQueryTimeout, func(ctx context.Context, store Store) error {
		var err error
		events, err = store.FetchDead(ctx, filterFromQuery(r), limit, offset)
		return err
	})
	if err != nil {
		h.storeError(w, r, err)
		return
	}
	if events == nil {
		events = []domain.Event{}
	}

	response.OK(w, r, listDeadBody{
		Events: events,
		Count:  len(events),
		Limit:  limit,
		Offset: offset,
	})
}

// DeadStats returns the number of dead events matching the filters.
func (h *AdminHandler) DeadStats(w http.ResponseWriter, r *http.Request) {
	if !h.requireProvider(w, r) {
		return
	}

	filter := filterFromQuery(r)

	var total int64
	err := h.withStore(r.Context(), dlqQueryTimeout, func(ctx context.Context, store Store) error {
		var err error
		total, err = store.CountDead(ctx, filter)
		return err
	})
	if err != nil {
		h.storeError(w, r, err)
		return
	}

	body := deadStatsBody{Total: total}
	if filter.AggregateType != "" {
		body.AggregateType = &filter.AggregateType
	}
	if filter.EventType != "" {
		body.EventType = &filter.EventType
	}
	response.OK(w, r, body)
}

// GetDead returns a single dead event by id.
func (h *AdminHandler) GetDead(w http.ResponseWriter, r *http.Request) {
	id, ok := eventIDParam(w, r)
	if !ok {
		return
	}
	if !h.requireProvider(w, r) {
		return
	}

	var event domain.Event
	err := h.withStore(r.Context(), dlqQueryTimeout, func(ctx context.Context, store Store) error {
		var err error
		event, err = store.GetDead(ctx, id)
		return err
	})
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			response.Error(w, r, http.StatusNotFound, fmt.Sprintf("Dead event %d not found", id))
			return
		}
		h.storeError(w, r, err)
		return
	}

	response.OK(w, r, event)
}

// RetryDead resets a single dead event to pending.
func (h *AdminHandler) RetryDead(w http.ResponseWriter, r *http.Request) {
	id, ok := eventIDParam(w, r)
	if !ok {
		return
	}
	if !h.requireProvider(w, r) {
		return
	}

	var replayed bool
	err := h.withStore(r.Context(), dlqQueryTimeout, func(ctx context.Context, store Store) error {
		var err error
		replayed, err = store.RetryDead(ctx, id)
		return err
	})
	if err != nil {
		h.storeError(w, r, err)
		return
	}
	if !replayed {
		response.Error(w, r, http.StatusNotFound, fmt.Sprintf("Dead event %d not found or already processed", id))
		return
	}

	response.OK(w, r, retryDeadBody{
		Status:  "success",
		Message: fmt.Sprintf("Event %d reset to pending", id),
		EventID: id,
	})
}

// RetryDeadBatch resets a set of dead events to pending. Ids that are not
// dead anymore are counted out of the processed total.
func (h *AdminHandler) RetryDeadBatch(w http.ResponseWriter, r *http.Request) {
	if !h.requireProvider(w, r) {
		return
	}

	var req retryBatchRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) && typeErr.Field == "event_ids" {
			response.Error(w, r, http.StatusBadRequest, "event_ids must be a non-empty list")
			return
		}
		response.Error(w, r, http.StatusBadRequest, "Invalid JSON in request body")
		return
	}
	if err := getValidator().Struct(req); err != nil {
		response.Error(w, r, http.StatusBadRequest, "event_ids must be a non-empty list")
		return
	}

	var processed int64
	err := h.withStore(r.Context(), dlqQueryTimeout, func(ctx context.Context, store Store) error {
		var err error
		processed, err = store.RetryDeadBatch(ctx, req.EventIDs)
		return err
	})
	if err != nil {
		h.storeError(w, r, err)
		return
	}

	response.OK(w, r, retryBatchBody{
		Status:    "success",
		Message:   fmt.Sprintf("%d event(s) reset to pending", processed),
		Requested: len(req.EventIDs),
		Processed: processed,
	})
}
