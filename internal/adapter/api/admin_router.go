package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/V4T54L/agentlens-ingest/internal/adapter/api/handler"
	"github.com/V4T54L/agentlens-ingest/internal/adapter/api/middleware"
	"github.com/V4T54L/agentlens-ingest/internal/usecase"
)

// NewAdminRouter builds the admin and metrics router served next to the writer.
// statsStream may be nil, in which case /stats/stream is not mounted.
func NewAdminRouter(
	adminUseCase *usecase.AdminStreamUseCase,
	stats handler.StatsSource,
	statsStream http.Handler,
	gatherer prometheus.Gatherer,
	logger *slog.Logger,
) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(middleware.Logging(logger))

	adminHandler := handler.NewAdminHandler(adminUseCase, stats, logger)

	r.Get("/health", adminHandler.HealthCheck)
	r.Get("/stats", adminHandler.GetStats)
	if statsStream != nil {
		r.Method(http.MethodGet, "/stats/stream", statsStream)
	}
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.Route("/admin", func(r chi.Router) {
		r.Route("/streams/{stream}", func(r chi.Router) {
			r.Get("/groups", adminHandler.GetGroupInfo)
			r.Post("/trim", adminHandler.TrimStream)

			r.Route("/groups/{group}", func(r chi.Router) {
				r.Get("/consumers", adminHandler.GetConsumerInfo)
				r.Get("/pending", adminHandler.GetPendingSummary)
				r.Get("/pending/messages", adminHandler.GetPendingMessages)
				r.Post("/claim", adminHandler.ClaimMessages)
				r.Post("/ack", adminHandler.AcknowledgeMessages)
			})
		})

		r.Get("/dlq", adminHandler.ListDeadLetters)
		r.Post("/dlq/{id}/replay", adminHandler.ReplayDeadLetter)
	})

	return r
}
