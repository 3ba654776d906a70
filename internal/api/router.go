package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/samber/lo"

	"github.com/Spatial-NVR/plategate/internal/device"
	"github.com/Spatial-NVR/plategate/internal/logging"
)

const requestTimeout = 60 * time.Second

// HealthChecker reports whether a dependency is usable
type HealthChecker interface {
	Health(ctx context.Context) error
}

// RouterOptions holds what the router serves. Events and Database may be
// nil when the detection store is disabled.
type RouterOptions struct {
	Registry DeviceRegistry
	Events   EventStore
	Database HealthChecker
	Logs     *logging.RingBuffer
	Hub      *Hub
	Logger   *slog.Logger
}

// NewRouter builds the operator API
func NewRouter(opts RouterOptions) http.Handler {
	r := chi.NewRouter()

	// Middleware stack
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:*", "http://127.0.0.1:*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", handleHealth(opts.Registry, opts.Database))

	r.Route("/api/v1", func(r chi.Router) {
		// Long-lived streams are mounted outside the timeout group
		if opts.Hub != nil {
			r.Get("/ws", opts.Hub.HandleWebSocket)
		}
		if opts.Logs != nil {
			r.Get("/logs/stream", NewLogHandler(opts.Logs).Stream)
		}

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(requestTimeout))

			r.Mount("/devices", NewDeviceHandler(opts.Registry, opts.Logger).Routes())
			if opts.Events != nil {
				r.Mount("/events", NewEventHandler(opts.Events).Routes())
			}
			if opts.Logs != nil {
				r.Get("/logs", NewLogHandler(opts.Logs).Recent)
			}
		})
	})

	return r
}

func handleHealth(registry DeviceRegistry, db HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snaps := registry.Snapshot()
		status := "healthy"
		database := "disabled"

		if db != nil {
			if err := db.Health(r.Context()); err != nil {
				status = "degraded"
				database = "error"
			} else {
				database = "ok"
			}
		}

		OK(w, map[string]interface{}{
			"status":   status,
			"database": database,
			"devices": map[string]int{
				"total":   len(snaps),
				"running": lo.CountBy(snaps, func(s device.Snapshot) bool { return s.Status == device.StatusOn }),
			},
			"time": time.Now().Format(time.RFC3339),
		})
	}
}
