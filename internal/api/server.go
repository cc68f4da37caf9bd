package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/opensource-finance/talon/internal/density"
	"github.com/opensource-finance/talon/internal/domain"
	"github.com/opensource-finance/talon/internal/engine"
)

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer creates a new API server.
func NewServer(cfg domain.ServerConfig, repo domain.Repository, cache domain.Cache, bus domain.EventBus, eng *engine.Engine, tracker *density.Tracker, version string) *Server {
	handler := NewHandler(repo, cache, bus, eng, tracker, version)
	router := chi.NewRouter()

	// Global middleware stack
	router.Use(CORSMiddleware)         // CORS for browser clients
	router.Use(RecoverMiddleware)      // Recover from panics
	router.Use(TracingMiddleware)      // OpenTelemetry tracing
	router.Use(LoggingMiddleware)      // Request logging
	router.Use(middleware.RealIP)      // Extract real IP
	router.Use(middleware.Compress(5)) // Gzip compression

	// Health endpoints (no tenant required)
	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)

	// API routes (tenant required)
	router.Route("/", func(r chi.Router) {
		r.Use(TenantMiddleware)

		// Fact ingestion
		r.Post("/facts", handler.IngestFacts)
		r.Get("/facts/{id}", handler.GetFactRow)

		// Plan management
		r.Post("/plans", handler.CreatePlan)
		r.Get("/plans", handler.ListPlans)
		r.Get("/plans/{id}", handler.GetPlan)
		r.Post("/plans/{id}/assignments", handler.AssignIndividual)
		r.Get("/plans/{id}/batches", handler.ListPlanBatches)

		// Individuals
		r.Post("/individuals", handler.CreateIndividual)

		// Calculation runs
		r.Post("/calculations", handler.Calculate)
		r.Post("/calculations/async", handler.CalculateAsync)

		// Batches and lifecycle
		r.Get("/batches/{id}", handler.GetBatch)
		r.Get("/batches/{id}/results", handler.GetBatchResults)
		r.Post("/batches/{id}/state", handler.TransitionBatchState)

		// Pattern density
		r.Get("/density", handler.ListDensities)
		r.Delete("/density", handler.ClearDensities)
		r.Post("/density/corrections", handler.ReportCorrection)
	})

	return &Server{
		router:  router,
		handler: handler,
		config:  cfg,
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.config.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.config.WriteTimeout) * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the Chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Handler returns the handler for testing.
func (s *Server) Handler() *Handler {
	return s.handler
}
