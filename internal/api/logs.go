package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/samber/lo"

	"github.com/Spatial-NVR/plategate/internal/logging"
)

const (
	defaultLogLines   = 100
	heartbeatInterval = 15 * time.Second
)

// LogHandler serves the in-memory log tail
type LogHandler struct {
	buffer *logging.RingBuffer
}

// NewLogHandler creates a new log handler
func NewLogHandler(buffer *logging.RingBuffer) *LogHandler {
	return &LogHandler{buffer: buffer}
}

// Routes returns the log routes
func (h *LogHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/", h.Recent)
	r.Get("/stream", h.Stream)

	return r
}

type logFilter struct {
	component string
	device    string
}

func newLogFilter(r *http.Request) logFilter {
	q := r.URL.Query()
	return logFilter{component: q.Get("component"), device: q.Get("device")}
}

func (f logFilter) match(e logging.LogEntry) bool {
	if f.component != "" && e.Component != f.component {
		return false
	}
	if f.device != "" && e.Device != f.device {
		return false
	}
	return true
}

// Recent returns the last n buffered entries, oldest first, after filtering
// by component and device
func (h *LogHandler) Recent(w http.ResponseWriter, r *http.Request) {
	n := defaultLogLines
	if s := r.URL.Query().Get("n"); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil || v <= 0 {
			BadRequest(w, "n must be a positive integer")
			return
		}
		n = v
	}

	filter := newLogFilter(r)
	entries := lo.Filter(h.buffer.GetRecent(-1), func(e logging.LogEntry, _ int) bool {
		return filter.match(e)
	})
	if len(entries) > n {
		entries = entries[len(entries)-n:]
	}

	OK(w, entries)
}

// Stream provides Server-Sent Events for live log streaming
func (h *LogHandler) Stream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		InternalError(w, "Streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	filter := newLogFilter(r)
	ch := h.buffer.Subscribe()
	defer h.buffer.Unsubscribe(ch)

	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()
		case e, ok := <-ch:
			if !ok {
				return
			}
			if !filter.match(e) {
				continue
			}
			data, err := json.Marshal(e)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
	}
}
