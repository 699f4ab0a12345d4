package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/automagik-dev/omni-sub005/internal/api/middleware"
)

// NewRouter wires the administrative API. Job creation goes through the
// redis-backed idempotency middleware so a retried POST cannot start two
// backfills for the same request.
func NewRouter(h *Handlers, redisClient *redis.Client) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.RequestID)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/dead-letters", func(r chi.Router) {
			r.Get("/", h.ListDeadLetters)
			r.Get("/stats", h.DeadLetterStats)
			r.Get("/{id}", h.GetDeadLetter)
			r.Post("/{id}/retry", h.RetryDeadLetter)
			r.Post("/{id}/resolve", h.ResolveDeadLetter)
			r.Post("/{id}/abandon", h.AbandonDeadLetter)
		})

		r.Route("/sync-jobs", func(r chi.Router) {
			r.With(middleware.Idempotency(redisClient)).Post("/", h.CreateSyncJob)
			r.Get("/", h.ListSyncJobs)
			r.Get("/active", h.ActiveSyncJobs)
			r.Get("/{id}", h.GetSyncJob)
			r.Post("/{id}/cancel", h.CancelSyncJob)
		})

		r.Route("/webhook-sources", func(r chi.Router) {
			r.Post("/", h.CreateWebhookSource)
			r.Get("/", h.ListWebhookSources)
			r.Get("/{id}", h.GetWebhookSource)
			r.Patch("/{id}", h.UpdateWebhookSource)
			r.Delete("/{id}", h.DeleteWebhookSource)
		})

		r.Post("/webhooks/{name}", h.ReceiveWebhook)
		r.Post("/trigger", h.TriggerEvent)
	})

	r.Handle("/metrics", promhttp.Handler())

	return r
}
