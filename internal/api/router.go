package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/savegress/pulsewatch/internal/alerts"
	"github.com/savegress/pulsewatch/internal/config"
	"github.com/savegress/pulsewatch/internal/engine"
	"github.com/savegress/pulsewatch/internal/metrics"
	"github.com/savegress/pulsewatch/internal/storage"
)

// Server is the HTTP API surface consumed by the dashboard.
type Server struct {
	config   *config.Config
	router   chi.Router
	handlers *Handlers
}

// NewServer creates the API server and wires its routes.
func NewServer(cfg *config.Config, eng *engine.Engine, manager *alerts.Manager, aggregator *metrics.Aggregator, snapshots *storage.SnapshotStore, records *storage.AlertStore) *Server {
	s := &Server{
		config: cfg,
		router: chi.NewRouter(),
		handlers: &Handlers{
			engine:     eng,
			manager:    manager,
			aggregator: aggregator,
			snapshots:  snapshots,
			records:    records,
		},
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Compress(5))

	// CORS
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS", "PATCH"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
}

func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handlers.HealthCheck)

	s.router.Route("/api/v1", func(r chi.Router) {
		// Alert endpoints
		r.Route("/alerts", func(r chi.Router) {
			r.Get("/", s.handlers.ListAlerts)
			r.Get("/summary", s.handlers.AlertSummary)
			r.Get("/history", s.handlers.AlertHistory)
			r.Post("/{id}/acknowledge", s.handlers.AcknowledgeAlert)
			r.Post("/{id}/resolve", s.handlers.ResolveAlert)
		})

		// Snapshot endpoints
		r.Route("/snapshots", func(r chi.Router) {
			r.Get("/", s.handlers.ListSnapshots)
			r.Get("/latest", s.handlers.LatestSnapshot)
		})

		r.Get("/rules", s.handlers.ListRules)
		r.Get("/sources", s.handlers.ListSources)
	})
}

// Router returns the chi router
func (s *Server) Router() http.Handler {
	return s.router
}
