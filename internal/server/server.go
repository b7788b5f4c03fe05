// Package server exposes the memory facade over HTTP/JSON.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/felixgeelhaar/bolt/v3"

	"github.com/rcliao/agent-context/internal/config"
	"github.com/rcliao/agent-context/internal/service"
	"github.com/rcliao/agent-context/internal/telemetry"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// Server is the HTTP transport for the memory facade.
type Server struct {
	svc     *service.Service
	cfg     config.ServerConfig
	logger  *bolt.Logger
	metrics *telemetry.Metrics
	mux     *http.ServeMux
	server  *http.Server
}

// Option configures the Server.
type Option func(*Server)

// WithMetrics records request metrics and serves them on GET /metrics.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// New creates a server routing every endpoint to svc.
func New(svc *service.Service, cfg config.ServerConfig, logger *bolt.Logger, opts ...Option) *Server {
	s := &Server{
		svc:    svc,
		cfg:    cfg,
		logger: logger,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.mux = http.NewServeMux()
	s.handle("GET /cache", s.handleCacheKeys)
	s.handle("PUT /cache/{key}", s.handleCachePut)
	s.handle("GET /cache/{key}", s.handleCacheGet)
	s.handle("DELETE /cache/{key}", s.handleCacheDelete)

	s.handle("POST /conversations", s.handleAppend)
	s.handle("GET /conversations", s.handleList)
	s.handle("GET /conversations/search", s.handleSearch)
	s.handle("GET /sessions", s.handleSessions)

	s.handle("POST /entities", s.handleEntityUpsert)
	s.handle("GET /entities", s.handleEntitySearch)
	s.handle("GET /entities/{entityType}/{entityId}", s.handleEntityGet)

	s.handle("POST /working", s.handleWorkingPut)
	s.handle("GET /working/{agentName}/{sessionId}", s.handleWorkingList)
	s.handle("GET /working/{agentName}/{sessionId}/{contextType}", s.handleWorkingGet)
	s.handle("DELETE /working/{agentName}/{sessionId}", s.handleWorkingClear)
	s.handle("DELETE /working/{agentName}/{sessionId}/{contextType}", s.handleWorkingClear)

	s.handle("POST /maintenance/reduce", s.handleReduce)
	s.handle("GET /maintenance/reduce", s.handleLastReduction)
	s.handle("GET /maintenance/runs", s.handleReductionHistory)
	s.handle("GET /health", s.handleHealth)
	s.handle("GET /stats", s.handleStats)
	if s.metrics != nil {
		s.mux.Handle("GET /metrics", s.metrics.Handler())
	}
	return s
}

// handle registers h under pattern with per-route logging and metrics.
func (s *Server) handle(pattern string, h http.HandlerFunc) {
	s.mux.Handle(pattern, s.instrument(pattern, h))
}

// Handler returns the full middleware chain, for httptest or custom servers.
func (s *Server) Handler() http.Handler {
	return s.requestID(s.timeout(s.mux))
}

// ListenAndServe serves on the configured address until Shutdown.
func (s *Server) ListenAndServe() error {
	s.server = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info().Str("addr", s.cfg.Addr).Msg("http server listening")
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}
