// Package inspector serves a read-mostly HTTP view of a Client's caches.
package inspector

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/illmade-knight/go-datacache/pkg/client"
	"github.com/rs/zerolog"
)

// Server exposes /healthz, /entries, /tasks and /invalidate.
type Server struct {
	logger     zerolog.Logger
	httpPort   string
	client     *client.Client
	httpServer *http.Server
	mux        *http.ServeMux

	mu         sync.RWMutex
	actualAddr string
}

// New creates a Server for c listening on httpPort (for example ":8089").
func New(logger zerolog.Logger, httpPort string, c *client.Client) *Server {
	s := &Server{
		logger:   logger.With().Str("component", "Inspector").Logger(),
		httpPort: httpPort,
		client:   c,
		mux:      http.NewServeMux(),
	}
	s.mux.HandleFunc("GET /healthz", healthzHandler)
	s.mux.HandleFunc("GET /entries", s.handleEntries)
	s.mux.HandleFunc("GET /tasks", s.handleTasks)
	s.mux.HandleFunc("POST /invalidate", s.handleInvalidate)
	s.httpServer = &http.Server{Addr: httpPort, Handler: s.mux}
	return s
}

// Handler returns the Server's routes.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start listens and serves in a background goroutine.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.httpPort)
	if err != nil {
		return fmt.Errorf("failed to listen on port %s: %w", s.httpPort, err)
	}

	s.mu.Lock()
	s.actualAddr = listener.Addr().String()
	s.mu.Unlock()

	s.logger.Info().Str("address", s.actualAddr).Msg("Inspector starting to listen")

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Inspector HTTP server failed")
		}
	}()
	return nil
}

// Shutdown gracefully stops the server within the context's deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error().Err(err).Msg("Error during inspector shutdown.")
		return err
	}
	s.logger.Info().Msg("Inspector stopped.")
	return nil
}

// Addr returns the address the server listens on once started.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.actualAddr == "" {
		return s.httpPort
	}
	return s.actualAddr
}

func healthzHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}
