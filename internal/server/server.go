// Package server exposes the local status/control HTTP API consumed by the
// operator dashboard. It never serves credentials or tokens.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/aristath/relay/internal/cloud"
	"github.com/aristath/relay/internal/events"
	"github.com/aristath/relay/internal/orchestrator"
	"github.com/aristath/relay/internal/registry"
)

// Config holds server configuration
type Config struct {
	Port         int
	Log          zerolog.Logger
	Registry     *registry.Registry
	Orchestrator *orchestrator.Orchestrator
	CloudSession *cloud.Session
	Bus          *events.Bus
	DevMode      bool
}

// Server is the local HTTP API
type Server struct {
	router   *chi.Mux
	server   *http.Server
	log      zerolog.Logger
	registry *registry.Registry
	orch     *orchestrator.Orchestrator
	cloud    *cloud.Session
	bus      *events.Bus
}

// New creates the HTTP server
func New(cfg Config) *Server {
	s := &Server{
		router:   chi.NewRouter(),
		log:      cfg.Log.With().Str("component", "server").Logger(),
		registry: cfg.Registry,
		orch:     cfg.Orchestrator,
		cloud:    cfg.CloudSession,
		bus:      cfg.Bus,
	}

	s.setupMiddleware(cfg.DevMode)
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf("127.0.0.1:%d", cfg.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// setupMiddleware configures middleware
func (s *Server) setupMiddleware(devMode bool) {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	if !devMode {
		s.router.Use(middleware.Compress(5))
	}
}

// setupRoutes wires up all endpoints. The SSE stream stays outside the
// timeout middleware: it is long-lived by design.
func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)
	s.router.Get("/api/events/stream", s.handleEventStream)

	s.router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))

		r.Get("/api/status", s.handleStatus)
		r.Get("/api/accounts", s.handleAccounts)
		r.Get("/api/system", s.handleSystem)
		r.Post("/api/killswitch", s.handleKillSwitch)
		r.Post("/api/accounts/{id}/trading", s.handleAccountTrading)
	})
}

// loggingMiddleware logs each request with duration
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("Request handled")
	})
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("Starting HTTP server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

// Router exposes the mux for tests
func (s *Server) Router() http.Handler {
	return s.router
}
