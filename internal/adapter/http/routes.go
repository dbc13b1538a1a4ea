package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Extras are optional surfaces mounted next to the task API.
type Extras struct {
	// Submit wraps task submission only, e.g. rate limiting and idempotency.
	Submit []func(http.Handler) http.Handler
	// WS serves the live event feed at /ws.
	WS http.HandlerFunc
	// A2A mounts agent-to-agent routes at the root.
	A2A interface{ MountRoutes(r chi.Router) }
}

// MountRoutes registers all API routes on the given chi router.
func MountRoutes(r chi.Router, h *Handlers, x Extras) {
	r.Get("/health", h.Health)
	r.Get("/health/reasoner", h.ReasonerHealth)

	if x.WS != nil {
		r.Get("/ws", x.WS)
	}
	if x.A2A != nil {
		x.A2A.MountRoutes(r)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"version": h.Version})
		})

		// Tasks
		r.With(x.Submit...).Post("/tasks", h.SubmitTask)
		r.Get("/tasks", h.ListTasks)
		r.Get("/tasks/{id}", h.GetTask)
		r.Get("/tasks/{id}/result", h.GetTaskResult)
		r.Post("/tasks/{id}/cancel", h.CancelTask)

		// Metrics
		r.Get("/metrics", h.GetMetrics)
		r.Get("/metrics/tasks/{id}", h.GetTaskMetrics)
		r.Post("/metrics/reset", h.ResetMetrics)

		// Registry and constraint model
		r.Get("/registry/services", h.ListServices)
		r.Post("/constraints/reload", h.ReloadConstraints)
	})
}
