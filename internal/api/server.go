// Package api exposes the broker's HTTP surface: the decision/credential
// endpoints spec.md §6 names, plus stable REST CRUD for the entities that
// back them. It wraps gin-gonic/gin the way the teacher's gRPC server
// wraps grpc.Server — constructor-injected collaborators, a logging and
// recovery middleware chain, and a graceful Shutdown.
package api

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/toolbroker/broker/internal/audit"
	"github.com/toolbroker/broker/internal/broker"
	"github.com/toolbroker/broker/internal/credentialvendor"
	"github.com/toolbroker/broker/internal/metrics"
	"github.com/toolbroker/broker/internal/store"
)

// Config configures the HTTP server.
type Config struct {
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// DefaultConfig returns sane HTTP timeouts for the broker's endpoints.
func DefaultConfig() Config {
	return Config{
		Port:         8080,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// Server is the broker's HTTP API.
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	log        *zap.Logger

	broker  *broker.Broker
	vendor  *credentialvendor.Vendor
	audit   *audit.AuditLogger
	store   store.Store
	metrics metrics.Metrics

	ready atomic.Bool
}

// New wires a Server over its collaborators and registers every route.
func New(cfg Config, b *broker.Broker, vendor *credentialvendor.Vendor, auditLogger *audit.AuditLogger, st store.Store, m metrics.Metrics, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	if m == nil {
		m = metrics.NewNoOp()
	}
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	s := &Server{
		router:  router,
		log:     log,
		broker:  b,
		vendor:  vendor,
		audit:   auditLogger,
		store:   st,
		metrics: m,
	}
	s.ready.Store(true)

	router.Use(s.correlationMiddleware(), s.loggingMiddleware(), s.recoveryMiddleware(), s.metricsMiddleware())
	s.registerRoutes()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s
}

// Router exposes the underlying gin engine for testing.
func (s *Server) Router() http.Handler {
	return s.router
}

// Start runs the HTTP server until it errors or is shut down.
func (s *Server) Start() error {
	s.log.Info("api: starting HTTP server", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// SetReady flips the /readyz response; cmd/brokerd clears it during
// shutdown drain before calling Shutdown.
func (s *Server) SetReady(ready bool) {
	s.ready.Store(ready)
}

// Shutdown gracefully drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("api: shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) correlationMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Correlation-ID")
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(correlationIDKey, id)
		c.Header("X-Correlation-ID", id)
		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Info("api: request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("correlation_id", correlationID(c)),
		)
	}
}

func (s *Server) metricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		s.metrics.IncActiveRequests()
		defer s.metrics.DecActiveRequests()
		c.Next()
	}
}

func (s *Server) recoveryMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("api: recovered panic", zap.Any("panic", r), zap.String("correlation_id", correlationID(c)))
				writeError(c, http.StatusInternalServerError, "internal error", "")
			}
		}()
		c.Next()
	}
}
