package web

import (
	"github.com/go-chi/chi/v5"

	"github.com/kozaktomas/photo-sorter/internal/embedstore"
	"github.com/kozaktomas/photo-sorter/internal/presence"
	"github.com/kozaktomas/photo-sorter/internal/web/handlers"
)

// setupRoutes registers the §6.3 query HTTP surface (stable table).
func (s *Server) setupRoutes(engine *presence.Engine, store *embedstore.Store) {
	presenceHandler := handlers.NewPresenceHandler(engine)
	embeddingsHandler := handlers.NewEmbeddingsHandler(store)

	s.router.Get("/healthz", handlers.HealthCheck)

	s.router.Route("/api", func(r chi.Router) {
		r.Get("/status", presenceHandler.OverallStatus)
		r.Get("/campus/{id}/status", presenceHandler.CampusStatus)
		r.Get("/campus/{id}/events", presenceHandler.CampusEvents)
		r.Get("/campus/{id}/people", presenceHandler.CampusPeople)
		r.Get("/campus/{id}/analytics", presenceHandler.CampusAnalytics)
		r.Get("/campus/{id}/unknown", presenceHandler.CampusUnknowns)
		r.Get("/person/{id}", presenceHandler.PersonStatus)
		r.Get("/analytics/summary", presenceHandler.AnalyticsSummary)

		r.Post("/embeddings/sync", embeddingsHandler.Sync)
		r.Get("/embeddings/stats", embeddingsHandler.Stats)
	})
}
