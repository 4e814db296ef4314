package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/toolbroker/broker/internal/apierr"
	"github.com/toolbroker/broker/internal/broker"
	"github.com/toolbroker/broker/internal/store"
	"github.com/toolbroker/broker/pkg/types"
)

// accessRequestBody is POST /access/request's body, shaped after
// spec.md §6's RequestAccess input.
type accessRequestBody struct {
	AgentID           string   `json:"agent_id" binding:"required"`
	ToolID            string   `json:"tool_id" binding:"required"`
	RequestedScopes   []string `json:"requested_scopes"`
	RequestedLifetime int64    `json:"requested_lifetime_seconds"`
	Justification     string   `json:"justification"`
	IdempotencyKey    string   `json:"idempotency_key"`
}

type credentialBody struct {
	CredentialID  string    `json:"credential_id"`
	Token         string    `json:"token"`
	ExpiresAt     time.Time `json:"expires_at"`
	GrantedScopes []string  `json:"granted_scopes"`
}

type accessResponseBody struct {
	Status          types.Outcome    `json:"status"`
	RequestID       string           `json:"request_id"`
	MatchedPolicyID string           `json:"matched_policy_id,omitempty"`
	ReasonCode      types.ReasonCode `json:"reason_code,omitempty"`
	RetryAfter      int64            `json:"retry_after_seconds,omitempty"`
	Credential      *credentialBody  `json:"credential,omitempty"`
}

func (s *Server) handleAccessRequest(c *gin.Context) {
	var body accessRequestBody
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, http.StatusBadRequest, "invalid request body", apierr.ReasonNone)
		return
	}

	req := broker.Request{
		AgentID:         body.AgentID,
		ToolID:          body.ToolID,
		RequestedScopes: body.RequestedScopes,
		Justification:   body.Justification,
		IdempotencyKey:  body.IdempotencyKey,
		RemoteIP:        c.ClientIP(),
		UserAgent:       c.Request.UserAgent(),
	}
	if body.RequestedLifetime > 0 {
		req.RequestedLifetime = time.Duration(body.RequestedLifetime) * time.Second
	}

	start := time.Now()
	result, err := s.broker.RequestAccess(c.Request.Context(), req)
	if err != nil {
		// RequestAccess never returns an error on the decision path itself
		// (panics and failures are mapped to DENY/INTERNAL); a non-nil err
		// here means a collaborator call outside that recovery was broken.
		writeError(c, http.StatusInternalServerError, "internal error", apierr.ReasonInternal)
		return
	}
	s.metrics.RecordDecision(string(result.Status), string(result.ReasonCode), time.Since(start))
	if result.ReasonCode == types.ReasonRateLimited {
		s.metrics.RecordRateLimitDecision(false)
	} else {
		s.metrics.RecordRateLimitDecision(true)
	}
	if result.Credential != nil {
		s.metrics.RecordCredentialIssued()
	}

	resp := accessResponseBody{
		Status:          result.Status,
		RequestID:       result.RequestID,
		MatchedPolicyID: result.MatchedPolicyID,
		ReasonCode:      result.ReasonCode,
	}
	if result.RetryAfter > 0 {
		resp.RetryAfter = int64(result.RetryAfter / time.Second)
	}
	if result.Credential != nil {
		resp.Credential = &credentialBody{
			CredentialID:  result.Credential.CredentialID,
			Token:         result.Credential.Token,
			ExpiresAt:     result.Credential.ExpiresAt,
			GrantedScopes: result.Credential.GrantedScopes,
		}
	}

	switch {
	case result.Status == types.OutcomePendingApproval:
		c.JSON(http.StatusAccepted, resp)
	case result.Status == types.OutcomeDeny && result.ReasonCode == types.ReasonRateLimited:
		c.Header("Retry-After", strconv.FormatInt(resp.RetryAfter, 10))
		c.JSON(http.StatusTooManyRequests, resp)
	case result.Status == types.OutcomeDeny && result.ReasonCode == types.ReasonUnknownTarget:
		c.JSON(http.StatusNotFound, resp)
	case result.Status == types.OutcomeDeny:
		c.JSON(http.StatusForbidden, resp)
	default:
		c.JSON(http.StatusOK, resp)
	}
}

type validateRequestBody struct {
	Token string `json:"token"`
}

type validateResponseBody struct {
	Valid        bool             `json:"valid"`
	CredentialID string           `json:"credential_id,omitempty"`
	AgentID      string           `json:"agent_id,omitempty"`
	ToolID       string           `json:"tool_id,omitempty"`
	Scopes       []string         `json:"scopes,omitempty"`
	ReasonCode   types.ReasonCode `json:"reason_code,omitempty"`
}

// handleAccessValidate validates a bearer credential, accepted either in
// the Authorization header or the request body, against an optional
// required scope passed as a query parameter.
func (s *Server) handleAccessValidate(c *gin.Context) {
	token := bearerToken(c)
	if token == "" {
		var body validateRequestBody
		_ = c.ShouldBindJSON(&body)
		token = body.Token
	}
	if token == "" {
		writeError(c, http.StatusBadRequest, "missing bearer token", apierr.ReasonNone)
		return
	}

	result, err := s.vendor.Validate(c.Request.Context(), token, c.Query("scope"))
	if err != nil {
		writeError(c, http.StatusInternalServerError, "internal error", apierr.ReasonInternal)
		return
	}

	resp := validateResponseBody{
		Valid:        result.Valid,
		CredentialID: result.CredentialID,
		AgentID:      result.AgentID,
		ToolID:       result.ToolID,
		Scopes:       result.Scopes,
		ReasonCode:   result.ReasonCode,
	}
	if !result.Valid {
		if result.ReasonCode == types.ReasonInsufficientScope {
			c.JSON(http.StatusForbidden, resp)
			return
		}
		c.JSON(http.StatusUnauthorized, resp)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func bearerToken(c *gin.Context) string {
	h := c.GetHeader("Authorization")
	const prefix = "Bearer "
	if strings.HasPrefix(h, prefix) {
		return strings.TrimPrefix(h, prefix)
	}
	return ""
}

func (s *Server) handleRevokeCredential(c *gin.Context) {
	credentialID := c.Param("id")
	actor := c.GetHeader("X-Actor-ID")
	if actor == "" {
		actor = "api"
	}
	if err := s.vendor.Revoke(c.Request.Context(), credentialID, actor); err != nil {
		writeStoreError(c, err)
		return
	}
	s.metrics.RecordCredentialRevoked()
	c.Status(http.StatusNoContent)
}

func (s *Server) handleAccessLogs(c *gin.Context) {
	filter := store.AccessLogFilter{
		AgentID: c.Query("agent_id"),
		ToolID:  c.Query("tool_id"),
		Event:   types.AccessEvent(c.Query("event")),
		Decision: types.Outcome(c.Query("decision")),
	}
	if v := c.Query("start"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			filter.Since = t
		}
	}
	if v := c.Query("end"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			filter.Until = t
		}
	}
	filter.Limit = queryInt(c, "limit", 100)
	filter.Offset = queryInt(c, "offset", 0)

	logs, err := s.audit.Query(c.Request.Context(), filter)
	if err != nil {
		writeStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"logs": logs})
}

func queryInt(c *gin.Context, key string, fallback int) int {
	v := c.Query(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
