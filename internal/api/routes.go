package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/toolbroker/broker/internal/apierr"
)

// correlationIDKey is the gin.Context key correlationMiddleware stores
// the request's correlation ID under.
const correlationIDKey = "correlation_id"

// correlationID reads the ID set by correlationMiddleware, or "" if it
// somehow ran outside that chain (tests calling a handler directly).
func correlationID(c *gin.Context) string {
	v, ok := c.Get(correlationIDKey)
	if !ok {
		return ""
	}
	id, _ := v.(string)
	return id
}

// writeError writes the apierr.APIError envelope every 4xx/5xx response
// carries: {detail, reason_code, correlation_id}.
func writeError(c *gin.Context, status int, detail string, reason apierr.ReasonCode) {
	c.JSON(status, apierr.New(detail, reason, correlationID(c)))
}

// writeStoreError maps a Store/SecretStore sentinel error to its HTTP
// status, per spec.md §7's propagation policy. Any non-sentinel error is
// treated as internal and never echoed verbatim to the caller.
func writeStoreError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, apierr.NotFound):
		writeError(c, http.StatusNotFound, "not found", apierr.ReasonNotFound)
	case errors.Is(err, apierr.AlreadyExists):
		writeError(c, http.StatusConflict, "already exists", apierr.ReasonNone)
	case errors.Is(err, apierr.ConflictingUpdate):
		writeError(c, http.StatusConflict, "conflicting update, reload and retry", apierr.ReasonNone)
	case errors.Is(err, apierr.Unavailable):
		writeError(c, http.StatusServiceUnavailable, "dependency unavailable", apierr.ReasonStoreUnavailable)
	default:
		writeError(c, http.StatusInternalServerError, "internal error", apierr.ReasonInternal)
	}
}

func (s *Server) registerRoutes() {
	s.router.GET("/healthz", s.handleHealthz)
	s.router.GET("/readyz", s.handleReadyz)
	s.router.GET("/metrics", gin.WrapH(s.metrics.HTTPHandler()))

	access := s.router.Group("/access")
	access.POST("/request", s.handleAccessRequest)
	access.POST("/validate", s.handleAccessValidate)
	access.GET("/logs", s.handleAccessLogs)

	credentials := s.router.Group("/credentials")
	credentials.POST("/:id/revoke", s.handleRevokeCredential)

	tools := s.router.Group("/tools")
	tools.POST("", s.handleCreateTool)
	tools.GET("", s.handleListTools)
	tools.GET("/:id", s.handleGetTool)
	tools.PUT("/:id", s.handleUpdateTool)
	tools.DELETE("/:id", s.handleDeactivateTool)

	agents := s.router.Group("/agents")
	agents.POST("", s.handleCreateAgent)
	agents.GET("", s.handleListAgents)
	agents.GET("/:id", s.handleGetAgent)
	agents.PUT("/:id", s.handleUpdateAgent)
	agents.DELETE("/:id", s.handleDeactivateAgent)

	policies := s.router.Group("/policies")
	policies.POST("", s.handleCreatePolicy)
	policies.GET("", s.handleListPolicies)
	policies.GET("/:id", s.handleGetPolicy)
	policies.PUT("/:id", s.handleUpdatePolicy)
	policies.DELETE("/:id", s.handleDeactivatePolicy)
}

func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleReadyz(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "draining"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}
