// Package http provides the loopback tile server and its handlers.
package http //nolint:revive // package name conflicts with stdlib but is acceptable in this context

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"

	"github.com/jobrunner/chartpacks/internal/application"
	"github.com/jobrunner/chartpacks/internal/config"
	"github.com/jobrunner/chartpacks/internal/ports/output"
)

const defaultHost = "127.0.0.1"

// Stats are the tile server's request counters.
type Stats struct {
	Requests    int64 `json:"requests"`
	Errors      int64 `json:"errors"`
	TilesServed int64 `json:"tilesServed"`
	OpenHandles int   `json:"openHandles"`
}

// Server serves tiles from installed archives over loopback HTTP.
type Server struct {
	router  *mux.Router
	tiles   *application.TileService
	health  *application.HealthService
	metrics output.MetricsCollector
	logger  *slog.Logger
	config  config.ServerConfig

	mu       sync.Mutex
	server   *http.Server
	baseURL  string
	serveErr chan error

	requests    atomic.Int64
	errors      atomic.Int64
	tilesServed atomic.Int64
}

// NewServer creates a new tile server. It does not listen until Start.
func NewServer(
	cfg config.ServerConfig,
	tiles *application.TileService,
	health *application.HealthService,
	metrics output.MetricsCollector,
	logger *slog.Logger,
) *Server {
	if metrics == nil {
		metrics = &output.NoOpMetrics{}
	}

	s := &Server{
		tiles:   tiles,
		health:  health,
		metrics: metrics,
		logger:  logger,
		config:  cfg,
	}
	s.router = s.setupRoutes()

	return s
}

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() *mux.Router {
	r := mux.NewRouter()

	// Add middleware
	r.Use(s.loggingMiddleware)
	r.Use(s.statsMiddleware)
	r.Use(s.recoveryMiddleware)

	methods := []string{http.MethodGet}

	// Add CORS middleware if configured
	if s.config.CORS.Enabled() {
		r.Use(s.corsMiddleware)
		methods = append(methods, http.MethodOptions)
	}

	// Unmatched paths bypass router middleware
	r.NotFoundHandler = s.statsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		s.writeError(w, http.StatusNotFound, "no such endpoint")
	}))

	// Tiles
	r.HandleFunc("/tiles/{archiveId}/{z}/{x}/{y}.{ext}", s.handleTile).Methods(methods...)
	r.HandleFunc("/manifest.json", s.handleManifest).Methods(methods...)
	r.HandleFunc("/stats", s.handleStats).Methods(methods...)

	// Health endpoints
	r.HandleFunc("/health", s.handleHealth).Methods(methods...)
	r.HandleFunc("/health/live", s.handleLiveness).Methods(methods...)
	r.HandleFunc("/health/ready", s.handleReadiness).Methods(methods...)

	return r
}

// Router returns the mux router.
func (s *Server) Router() *mux.Router {
	return s.router
}

// Use appends middleware, e.g. metrics instrumentation, to the router.
func (s *Server) Use(mw ...mux.MiddlewareFunc) {
	s.router.Use(mw...)
}

// Start binds the loopback address on port (0 picks a free port) and
// serves in the background. Calling Start on a running server returns
// its existing base URL.
func (s *Server) Start(port int) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server != nil {
		return s.baseURL, nil
	}

	host := s.config.Host
	if host == "" {
		host = defaultHost
	}
	ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return "", err
	}

	srv := &http.Server{
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Serve(ln)
	}()

	s.server = srv
	s.serveErr = serveErr
	s.baseURL = "http://" + ln.Addr().String()

	s.logger.Info("tile server started", "address", ln.Addr().String())
	return s.baseURL, nil
}

// Stop gracefully shuts the server down. Stopping a stopped server is a no-op.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server == nil {
		return nil
	}

	s.logger.Info("stopping tile server")
	err := s.server.Shutdown(ctx)
	if serveErr := <-s.serveErr; serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) && err == nil {
		err = serveErr
	}

	s.server = nil
	s.serveErr = nil
	s.baseURL = ""
	return err
}

// IsRunning reports whether the server is accepting connections.
func (s *Server) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.server != nil
}

// BaseURL returns the server's base URL, or "" when stopped.
func (s *Server) BaseURL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.baseURL
}

// Stats returns a snapshot of the request counters.
func (s *Server) Stats() Stats {
	st := Stats{
		Requests:    s.requests.Load(),
		Errors:      s.errors.Load(),
		TilesServed: s.tilesServed.Load(),
	}
	if s.tiles != nil {
		st.OpenHandles = s.tiles.OpenHandles()
	}
	return st
}

// loggingMiddleware logs incoming requests.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// Wrap response writer to capture status code
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.statusCode,
			"duration", time.Since(start),
		)
	})
}

// recoveryMiddleware recovers from panics.
func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				s.logger.Error("panic recovered", "error", err, "path", r.URL.Path)
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// statsMiddleware maintains the request and error counters.
func (s *Server) statsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		s.requests.Add(1)
		if wrapped.statusCode >= http.StatusBadRequest {
			s.errors.Add(1)
		}
	})
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
