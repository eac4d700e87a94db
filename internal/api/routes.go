// Package api provides the ops HTTP surface for the code execution
// service: health, pool statistics, and a direct execution endpoint used
// for smoke testing. The MCP transport itself lives elsewhere.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/neverinfamous/postgresql-mcp/internal/codemode"
	"github.com/neverinfamous/postgresql-mcp/internal/config"
)

// Server is the ops HTTP server.
type Server struct {
	config  *config.Config
	service *codemode.Service
	router  chi.Router
	handler *Handler
}

// NewServer creates a new ops server around the code execution service.
func NewServer(cfg *config.Config, service *codemode.Service, logger zerolog.Logger) *Server {
	s := &Server{
		config:  cfg,
		service: service,
	}
	s.handler = NewHandler(service, logger)
	s.router = s.setupRoutes()
	return s
}

// setupRoutes configures the router.
func (s *Server) setupRoutes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(s.config.Server.WriteTimeout))

	r.Get("/health", s.handler.HealthCheck)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/pool/stats", s.handler.PoolStats)
		r.Post("/code/execute", s.handler.ExecuteCode)
	})

	return r
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
