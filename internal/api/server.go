package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/MickyRosa/VisTrain2.0/internal/auth"
	"github.com/MickyRosa/VisTrain2.0/internal/config"
	"github.com/MickyRosa/VisTrain2.0/internal/logging"
	"github.com/MickyRosa/VisTrain2.0/internal/observability"
)

const defaultStopTimeout = 15 * time.Second

// Server is the HTTP API server.
type Server struct {
	httpServer *http.Server
	cfg        config.APIConfig

	runs      RunPort
	registry  RegistryPort
	telemetry TelemetryPort
	sessions  SessionFactory

	auth        *auth.Middleware
	metrics     *observability.Collector
	metricsPath string
	log         logging.Logger
	version     string
	stopTimeout time.Duration
	startTime   time.Time
}

// Option configures a Server.
type Option func(*Server)

// WithConfig sets the listen address and server timeouts.
func WithConfig(cfg config.APIConfig) Option {
	return func(s *Server) { s.cfg = cfg }
}

// WithAuth protects every route except health and metrics.
func WithAuth(m *auth.Middleware) Option {
	return func(s *Server) {
		if m != nil {
			s.auth = m
		}
	}
}

// WithMetrics records request metrics and serves them on path.
func WithMetrics(c *observability.Collector, path string) Option {
	return func(s *Server) {
		s.metrics = c
		s.metricsPath = path
	}
}

// WithLogger sets the server logger.
func WithLogger(log logging.Logger) Option {
	return func(s *Server) {
		if log != nil {
			s.log = log
		}
	}
}

// WithVersion sets the version reported by the health endpoint.
func WithVersion(v string) Option {
	return func(s *Server) { s.version = v }
}

// WithStopTimeout bounds how long a stop request waits for the run to end.
func WithStopTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.stopTimeout = d
		}
	}
}

// NewServer creates an API server. Without WithAuth every request acts as
// the local operator.
func NewServer(runs RunPort, registry RegistryPort, telemetry TelemetryPort, sessions SessionFactory, opts ...Option) *Server {
	s := &Server{
		runs:        runs,
		registry:    registry,
		telemetry:   telemetry,
		sessions:    sessions,
		auth:        auth.NewMiddleware(nil),
		log:         logging.Noop(),
		version:     "dev",
		stopTimeout: defaultStopTimeout,
		startTime:   time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With(logging.String("component", "api"))
	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.metrics.Middleware)
	s.RegisterRoutes(r)
	return r
}

// Start listens on the configured address and serves until Stop.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ln)
}

// Serve serves on ln until Stop.
func (s *Server) Serve(ln net.Listener) error {
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
		IdleTimeout:       s.cfg.IdleTimeout,
	}
	s.log.Info(context.Background(), "api listening", logging.String("addr", ln.Addr().String()))

	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return nil
}

// Stop gracefully stops the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	return nil
}
