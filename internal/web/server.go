// Package web implements the §6.3 query HTTP surface: a read-only view over
// C5's presence engine and C1's embedding catalog.
package web

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/kozaktomas/photo-sorter/internal/embedstore"
	"github.com/kozaktomas/photo-sorter/internal/logging"
	"github.com/kozaktomas/photo-sorter/internal/presence"
	"github.com/kozaktomas/photo-sorter/internal/web/handlers"
	"github.com/kozaktomas/photo-sorter/internal/web/middleware"
)

// Server is the HTTP process serving §6.3's query surface.
type Server struct {
	router     *chi.Mux
	httpServer *http.Server
}

// NewServer wires the presence and embeddings handlers into a chi router,
// keeping the teacher's middleware stack (request ID, real IP, logging,
// panic recovery, timeout, CORS).
func NewServer(host string, port int, engine *presence.Engine, store *embedstore.Store) *Server {
	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Timeout(30 * time.Second))
	r.Use(middleware.CORS())
	r.Use(middleware.SecurityHeaders())

	s := &Server{router: r}
	s.setupRoutes(engine, store)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", host, port),
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	logging.New("web").Info().Str("addr", s.httpServer.Addr).Msg("starting web server")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down server: %w", err)
	}
	return nil
}

// Router returns the chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}
