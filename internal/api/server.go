// Package api is the admin HTTP surface: run control, manual review,
// listener operations, health and metrics.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mcsuite/mcs-orchestrator/internal/config"
)

// Server wraps the router and the HTTP listener lifecycle.
type Server struct {
	cfg     config.ServerConfig
	router  *chi.Mux
	server  *http.Server
	handler *Handlers
}

// NewServer builds the server over the given handlers.
func NewServer(cfg config.ServerConfig, authCfg config.AuthConfig, h *Handlers) *Server {
	return &Server{
		cfg:     cfg,
		router:  SetupRoutes(h, authCfg),
		handler: h,
	}
}

// ListenAndServe starts the HTTP listener on addr and blocks.
func (s *Server) ListenAndServe(addr string) error {
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadTimeout:       2 * time.Minute,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      5 * time.Minute,
		IdleTimeout:       120 * time.Second,
	}
	return s.server.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.router }
