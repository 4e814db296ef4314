package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/toolbroker/broker/internal/store"
	"github.com/toolbroker/broker/pkg/types"
)

type toolBody struct {
	Name              string   `json:"name" binding:"required"`
	Description       string   `json:"description"`
	Version           string   `json:"version"`
	OwnerID           string   `json:"owner_id"`
	AllowedScopes     []string `json:"allowed_scopes"`
	RateLimitOverride int      `json:"rate_limit_override,omitempty"`
}

func (s *Server) handleCreateTool(c *gin.Context) {
	var body toolBody
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, http.StatusBadRequest, "invalid request body", "")
		return
	}

	tool := &types.Tool{
		ToolID:            uuid.NewString(),
		Name:              body.Name,
		Description:       body.Description,
		Version:           body.Version,
		OwnerID:           body.OwnerID,
		AllowedScopes:     body.AllowedScopes,
		IsActive:          true,
		RateLimitOverride: body.RateLimitOverride,
	}
	if err := s.store.CreateTool(c.Request.Context(), tool); err != nil {
		writeStoreError(c, err)
		return
	}
	c.JSON(http.StatusCreated, tool)
}

func (s *Server) handleGetTool(c *gin.Context) {
	tool, err := s.store.GetTool(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, tool)
}

func (s *Server) handleListTools(c *gin.Context) {
	filter := store.ToolFilter{
		OwnerID:    c.Query("owner_id"),
		ActiveOnly: c.Query("active_only") == "true",
	}
	tools, err := s.store.ListTools(c.Request.Context(), filter)
	if err != nil {
		writeStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tools": tools})
}

func (s *Server) handleUpdateTool(c *gin.Context) {
	existing, err := s.store.GetTool(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeStoreError(c, err)
		return
	}

	var body toolBody
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, http.StatusBadRequest, "invalid request body", "")
		return
	}

	existing.Name = body.Name
	existing.Description = body.Description
	existing.Version = body.Version
	existing.OwnerID = body.OwnerID
	existing.AllowedScopes = body.AllowedScopes
	existing.RateLimitOverride = body.RateLimitOverride

	if err := s.store.UpdateTool(c.Request.Context(), existing); err != nil {
		writeStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, existing)
}

func (s *Server) handleDeactivateTool(c *gin.Context) {
	if err := s.store.DeactivateTool(c.Request.Context(), c.Param("id")); err != nil {
		writeStoreError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
