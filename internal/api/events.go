package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Spatial-NVR/plategate/internal/events"
)

const (
	defaultEventLimit = 50
	maxEventLimit     = 500
)

// EventStore is the read side of the detection store
type EventStore interface {
	List(ctx context.Context, opts events.ListOptions) ([]*events.Detection, int, error)
	Get(ctx context.Context, id string) (*events.Detection, error)
	CountByDetector(ctx context.Context) (map[string]int, error)
}

// EventHandler handles detection history requests
type EventHandler struct {
	store EventStore
}

// NewEventHandler creates a new event handler
func NewEventHandler(store EventStore) *EventHandler {
	return &EventHandler{store: store}
}

// Routes returns the event routes
func (h *EventHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/", h.List)
	r.Get("/stats", h.Stats)
	r.Get("/{id}", h.Get)

	return r
}

// List returns stored detections, newest first
func (h *EventHandler) List(w http.ResponseWriter, r *http.Request) {
	opts, err := parseListOptions(r)
	if err != nil {
		BadRequest(w, err.Error())
		return
	}

	detections, total, err := h.store.List(r.Context(), opts)
	if err != nil {
		storeError(w, err)
		return
	}

	List(w, detections, total, opts.Limit, opts.Offset)
}

// Get returns one detection
func (h *EventHandler) Get(w http.ResponseWriter, r *http.Request) {
	d, err := h.store.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		storeError(w, err)
		return
	}

	OK(w, d)
}

// Stats returns the number of stored detections per detector
func (h *EventHandler) Stats(w http.ResponseWriter, r *http.Request) {
	counts, err := h.store.CountByDetector(r.Context())
	if err != nil {
		storeError(w, err)
		return
	}

	OK(w, counts)
}

func storeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, events.ErrNotFound):
		NotFound(w, "Detection not found")
	case errors.Is(err, events.ErrNoStore):
		ServiceUnavailable(w, "Detection store is disabled")
	default:
		InternalError(w, err.Error())
	}
}

func parseListOptions(r *http.Request) (events.ListOptions, error) {
	q := r.URL.Query()
	opts := events.ListOptions{
		Detector: q.Get("detector"),
		Plate:    q.Get("plate"),
		Limit:    defaultEventLimit,
	}

	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			return opts, errors.New("limit must be a positive integer")
		}
		opts.Limit = min(n, maxEventLimit)
	}
	if s := q.Get("offset"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			return opts, errors.New("offset must be a non-negative integer")
		}
		opts.Offset = n
	}
	if s := q.Get("since"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return opts, errors.New("since must be an RFC3339 timestamp")
		}
		opts.Since = t
	}

	return opts, nil
}
