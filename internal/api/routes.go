package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RegisterRoutes registers the API, stream and metrics routes. limit wraps
// the message posting endpoint and may be nil.
func (h *Handler) RegisterRoutes(r chi.Router, limit func(http.Handler) http.Handler) {
	if limit == nil {
		limit = func(next http.Handler) http.Handler { return next }
	}

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/ws/sessions/{sessionID}", h.WebSocket)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.Health)
		r.Get("/problems", h.ListProblems)
		r.Get("/phases", h.ListPhases)

		r.Route("/sessions", func(r chi.Router) {
			r.Get("/", h.ListSessions)
			r.Post("/", h.CreateSession)

			r.Route("/{sessionID}", func(r chi.Router) {
				r.Get("/", h.GetSession)
				r.Get("/history", h.History)
				r.Get("/stream", h.Stream)
				r.With(limit).Post("/messages", h.PostMessage)
				r.Post("/tasks/{taskID}/complete", h.CompleteTask)
			})
		})
	})
}
