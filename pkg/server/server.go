// Package server provides the assetcore status API.
//
// The API is a small JSON-over-HTTP surface built on gin for tools and
// editors that want to inspect or poke a running asset manager:
//
//	GET  /healthz              liveness
//	GET  /stats                aggregate manager and server counters
//	GET  /assets               every asset (?type=texture, ?state=loaded)
//	GET  /assets/:id           one asset with its dependencies
//	POST /assets/:id/load      queue a load (?priority=high, ?wait=true)
//	POST /assets/:id/reload    reload synchronously
//
// Errors use one envelope:
//
//	{"error": {"message": "...", "code": "not_found"}}
//
// Example Usage:
//
//	srv, err := server.New(assetManager, server.DefaultConfig(), logger)
//	if err != nil {
//		return err
//	}
//	if err := srv.Start(); err != nil {
//		return err
//	}
//	fmt.Printf("status API on http://%s\n", srv.Addr())
//
//	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
//	defer cancel()
//	srv.Stop(ctx)
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/orneryd/assetcore/pkg/asset"
	"github.com/orneryd/assetcore/pkg/logging"
	"github.com/orneryd/assetcore/pkg/manager"
)

// Errors
var (
	ErrServerClosed = errors.New("server: closed")
	ErrNoBackend    = errors.New("server: backend required")
)

// Backend is the asset manager surface the API exposes. *manager.Manager
// implements it.
type Backend interface {
	Stats() manager.Stats
	Assets() []*asset.Metadata
	AssetsByType(typ asset.Type) []*asset.Metadata
	Asset(id asset.ID) (*asset.Metadata, bool)
	Load(ctx context.Context, id asset.ID) error
	Request(ctx context.Context, id asset.ID, priority asset.Priority) error
	Reload(ctx context.Context, id asset.ID) error
}

// Config holds HTTP server settings.
type Config struct {
	// Address to bind (default "127.0.0.1")
	Address string
	// Port to listen on (default 7480, 0 = any free port)
	Port int

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	// LoadTimeout bounds synchronous load and reload requests.
	LoadTimeout time.Duration
}

// DefaultConfig returns localhost:7480 with conservative timeouts.
func DefaultConfig() *Config {
	return &Config{
		Address:      "127.0.0.1",
		Port:         7480,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
		LoadTimeout:  30 * time.Second,
	}
}

// Server serves the status API.
type Server struct {
	config  *Config
	backend Backend
	logger  *zap.Logger
	engine  *gin.Engine

	httpServer *http.Server
	listener   net.Listener

	closed  atomic.Bool
	started time.Time

	requestCount   atomic.Int64
	errorCount     atomic.Int64
	activeRequests atomic.Int64
}

// ServerStats holds HTTP counters.
type ServerStats struct {
	Uptime         time.Duration `json:"uptime"`
	RequestCount   int64         `json:"request_count"`
	ErrorCount     int64         `json:"error_count"`
	ActiveRequests int64         `json:"active_requests"`
}

// New creates a stopped server for backend.
func New(backend Backend, config *Config, logger *zap.Logger) (*Server, error) {
	if backend == nil {
		return nil, ErrNoBackend
	}
	if config == nil {
		config = DefaultConfig()
	}
	s := &Server{
		config:  config,
		backend: backend,
		logger:  logging.OrNop(logger).Named("server"),
		started: time.Now(),
	}
	s.engine = s.buildRouter()
	return s, nil
}

// Handler returns the router, for tests and for embedding in another
// server.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start listens and serves in the background.
func (s *Server) Start() error {
	if s.closed.Load() {
		return ErrServerClosed
	}

	addr := net.JoinHostPort(s.config.Address, fmt.Sprint(s.config.Port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener
	s.started = time.Now()

	s.httpServer = &http.Server{
		Handler:      s.engine,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", zap.Error(err))
		}
	}()

	s.logger.Info("status API listening", zap.String("addr", listener.Addr().String()))
	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// Addr returns the listen address once started.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

// Stats returns HTTP counters.
func (s *Server) Stats() ServerStats {
	return ServerStats{
		Uptime:         time.Since(s.started),
		RequestCount:   s.requestCount.Load(),
		ErrorCount:     s.errorCount.Load(),
		ActiveRequests: s.activeRequests.Load(),
	}
}
