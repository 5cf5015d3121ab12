// Package operator exposes the coordinator to humans: a read-only HTTP API,
// dead-letter requeue submission and the metrics endpoint.
package operator

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/soheilrt/play-scraper/pkg/telemetry"
	"github.com/soheilrt/play-scraper/services/operator/handler"
	"github.com/soheilrt/play-scraper/services/operator/middleware"
)

// NewRouter mounts the operator API on a chi router.
func NewRouter(b handler.Backends, logger *slog.Logger) http.Handler {
	h := handler.NewREST(b, logger)

	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(middleware.RequestLogger(logger))
	r.Use(middleware.MaxBodySize(1 << 20))

	r.Get("/healthz", h.Healthz)
	r.Get("/readyz", h.Readyz)
	r.Handle("/metrics", telemetry.MetricsHandler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/stats", h.Stats)
		r.Get("/lease", h.Lease)
		r.Get("/snapshot", h.Snapshot)

		r.Get("/tasks", h.ListTasks)
		r.Post("/tasks", h.Enqueue)
		r.Get("/tasks/{id}", h.GetTask)
		r.Get("/tasks/{id}/result", h.GetResult)
		r.Get("/tasks/{id}/executions", h.ListExecutions)

		r.Get("/deadletters", h.ListDeadLetters)
		r.Post("/deadletters/{id}/requeue", h.RequeueDead)

		r.Get("/admin/commands", h.PendingCommands)
	})
	return r
}
