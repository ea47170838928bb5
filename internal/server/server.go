// Package server provides the HTTP API of the tunnel control plane.
package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vyrodovalexey/avtunnel/internal/control"
	"github.com/vyrodovalexey/avtunnel/internal/observability"
)

// ginModeOnce ensures gin.SetMode is only called once to avoid race conditions
var ginModeOnce sync.Once

// Config holds configuration for the HTTP server.
type Config struct {
	Address        string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	MetricsEnabled bool
	MetricsPath    string
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() *Config {
	return &Config{
		Address:        ":8080",
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   30 * time.Second,
		IdleTimeout:    120 * time.Second,
		MetricsEnabled: true,
		MetricsPath:    "/metrics",
	}
}

// Server serves the control-plane API over HTTP.
type Server struct {
	engine     *gin.Engine
	httpServer *http.Server
	manager    *control.Manager
	logger     observability.Logger
	metrics    *observability.Metrics
	config     *Config
	mu         sync.RWMutex
	running    bool
}

// Option is a functional option for configuring the server.
type Option func(*Server)

// WithLogger sets the logger for the server.
func WithLogger(logger observability.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithMetrics exposes Prometheus metrics and records per-request counts.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(s *Server) {
		s.metrics = metrics
	}
}

// New creates a control-plane API server.
func New(cfg *Config, manager *control.Manager, opts ...Option) *Server {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	ginModeOnce.Do(func() {
		gin.SetMode(gin.ReleaseMode)
	})

	s := &Server{
		engine:  gin.New(),
		manager: manager,
		logger:  observability.NopLogger(),
		config:  cfg,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.engine.Use(Recovery(s.logger))
	s.engine.Use(RequestID())
	s.engine.Use(Logging(s.logger))
	if s.metrics != nil {
		s.engine.Use(RequestMetrics(s.metrics))
	}

	s.registerRoutes()

	return s
}

// Engine returns the underlying Gin engine.
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server already running")
	}

	s.httpServer = &http.Server{
		Addr:         s.config.Address,
		Handler:      s.engine,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}

	s.running = true
	s.mu.Unlock()

	s.logger.Info("starting API server",
		observability.String("address", s.config.Address),
	)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// Stop stops the HTTP server gracefully.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	s.logger.Info("stopping API server")

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()

	s.logger.Info("API server stopped")
	return nil
}

// IsRunning returns whether the server is running.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// registerRoutes wires all API routes.
func (s *Server) registerRoutes() {
	s.engine.GET("/health", s.handleHealth)

	if s.metrics != nil && s.config.MetricsEnabled {
		s.engine.GET(s.config.MetricsPath, gin.WrapH(s.metrics.Handler()))
	}

	v1 := s.engine.Group("/api/v1")
	{
		v1.GET("/status", s.handleGetStatus)
		v1.GET("/config", s.handleGetConfig)
		v1.POST("/reload", s.handleReload)
		v1.PUT("/config", s.handleUpdateConfig)
		v1.POST("/config/generate", s.handleGenerateConfig)
		v1.POST("/providers", s.handleAddProvider)
		v1.DELETE("/providers/:name", s.handleRemoveProvider)
	}
}
