package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
)

// Server exposes metrics on a listener separate from the tile server.
type Server struct {
	server *http.Server
	path   string
	logger *slog.Logger
}

// NewServer creates a metrics server on the loopback interface.
func NewServer(port int, path string, gatherer prometheus.Gatherer, logger *slog.Logger) *Server {
	if path == "" {
		path = "/metrics"
	}

	r := mux.NewRouter()
	r.Handle(path, Handler(gatherer)).Methods(http.MethodGet)

	return &Server{
		server: &http.Server{
			Addr:              net.JoinHostPort("127.0.0.1", strconv.Itoa(port)),
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
		},
		path:   path,
		logger: logger,
	}
}

// Handler returns the server's HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start serves metrics until Shutdown. It returns nil after a clean shutdown.
func (s *Server) Start() error {
	s.logger.Info("starting metrics server", "address", s.server.Addr, "path", s.path)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down metrics server")
	return s.server.Shutdown(ctx)
}
