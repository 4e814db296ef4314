package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/toolbroker/broker/internal/store"
	"github.com/toolbroker/broker/pkg/types"
)

type policyBody struct {
	Name          string           `json:"name" binding:"required"`
	ToolID        *string          `json:"tool_id"`
	CreatedBy     string           `json:"created_by"`
	AllowedScopes []string         `json:"allowed_scopes"`
	Conditions    types.Conditions `json:"conditions"`
	Rules         types.Rules      `json:"rules"`
	Priority      int              `json:"priority"`
}

func (s *Server) handleCreatePolicy(c *gin.Context) {
	var body policyBody
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, http.StatusBadRequest, "invalid request body", "")
		return
	}

	policy := &types.Policy{
		PolicyID:      uuid.NewString(),
		Name:          body.Name,
		ToolID:        body.ToolID,
		CreatedBy:     body.CreatedBy,
		AllowedScopes: body.AllowedScopes,
		Conditions:    body.Conditions,
		Rules:         body.Rules,
		Priority:      body.Priority,
		IsActive:      true,
	}
	if err := s.store.CreatePolicy(c.Request.Context(), policy); err != nil {
		writeStoreError(c, err)
		return
	}
	c.JSON(http.StatusCreated, policy)
}

func (s *Server) handleGetPolicy(c *gin.Context) {
	policy, err := s.store.GetPolicy(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, policy)
}

func (s *Server) handleListPolicies(c *gin.Context) {
	filter := store.PolicyFilter{
		ToolID:     c.Query("tool_id"),
		ActiveOnly: c.Query("active_only") == "true",
	}
	policies, err := s.store.ListPolicies(c.Request.Context(), filter)
	if err != nil {
		writeStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"policies": policies})
}

func (s *Server) handleUpdatePolicy(c *gin.Context) {
	existing, err := s.store.GetPolicy(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeStoreError(c, err)
		return
	}

	var body policyBody
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, http.StatusBadRequest, "invalid request body", "")
		return
	}

	existing.Name = body.Name
	existing.ToolID = body.ToolID
	existing.AllowedScopes = body.AllowedScopes
	existing.Conditions = body.Conditions
	existing.Rules = body.Rules
	existing.Priority = body.Priority

	if err := s.store.UpdatePolicy(c.Request.Context(), existing); err != nil {
		writeStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, existing)
}

func (s *Server) handleDeactivatePolicy(c *gin.Context) {
	if err := s.store.DeactivatePolicy(c.Request.Context(), c.Param("id")); err != nil {
		writeStoreError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
