package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/toolbroker/broker/internal/store"
	"github.com/toolbroker/broker/pkg/types"
)

type agentBody struct {
	Name        string   `json:"name" binding:"required"`
	Description string   `json:"description"`
	Roles       []string `json:"roles"`
}

func (s *Server) handleCreateAgent(c *gin.Context) {
	var body agentBody
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, http.StatusBadRequest, "invalid request body", "")
		return
	}

	agent := &types.Agent{
		AgentID:     uuid.NewString(),
		Name:        body.Name,
		Description: body.Description,
		Roles:       body.Roles,
		IsActive:    true,
	}
	if err := s.store.CreateAgent(c.Request.Context(), agent); err != nil {
		writeStoreError(c, err)
		return
	}
	c.JSON(http.StatusCreated, agent)
}

func (s *Server) handleGetAgent(c *gin.Context) {
	agent, err := s.store.GetAgent(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, agent)
}

func (s *Server) handleListAgents(c *gin.Context) {
	filter := store.AgentFilter{ActiveOnly: c.Query("active_only") == "true"}
	agents, err := s.store.ListAgents(c.Request.Context(), filter)
	if err != nil {
		writeStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agents": agents})
}

func (s *Server) handleUpdateAgent(c *gin.Context) {
	existing, err := s.store.GetAgent(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeStoreError(c, err)
		return
	}

	var body agentBody
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, http.StatusBadRequest, "invalid request body", "")
		return
	}

	existing.Name = body.Name
	existing.Description = body.Description
	existing.Roles = body.Roles

	if err := s.store.UpdateAgent(c.Request.Context(), existing); err != nil {
		writeStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, existing)
}

func (s *Server) handleDeactivateAgent(c *gin.Context) {
	if err := s.store.DeactivateAgent(c.Request.Context(), c.Param("id")); err != nil {
		writeStoreError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
