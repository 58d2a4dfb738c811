package http

import (
	"net/http"

	"github.com/crabzie/setup-factory/internal/core/domain"
	"github.com/crabzie/setup-factory/internal/core/service"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// AgentHandler serves agent registration, heartbeats and the pull protocol
type AgentHandler struct {
	agents *service.AgentService
	runner *service.AgentRunner
	log    *zap.Logger
}

func NewAgentHandler(agents *service.AgentService, runner *service.AgentRunner, log *zap.Logger) *AgentHandler {
	return &AgentHandler{agents: agents, runner: runner, log: log}
}

type registerRequest struct {
	Name     string `json:"name" binding:"required"`
	Hostname string `json:"hostname" binding:"required"`
	Secret   string `json:"secret"`
}

// Register handles POST /api/agents/register
func (h *AgentHandler) Register(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	agent, err := h.agents.Register(c.Request.Context(), req.Name, req.Hostname, req.Secret)
	if err != nil {
		handleError(c, h.log, err)
		return
	}
	c.JSON(http.StatusCreated, agent)
}

// List handles GET /api/agents
func (h *AgentHandler) List(c *gin.Context) {
	agents, err := h.agents.List(c.Request.Context())
	if err != nil {
		handleError(c, h.log, err)
		return
	}
	if agents == nil {
		agents = []*domain.Agent{}
	}
	c.JSON(http.StatusOK, agents)
}

// Heartbeat handles POST /api/agents/:id/heartbeat
func (h *AgentHandler) Heartbeat(c *gin.Context) {
	agent, err := h.agents.Heartbeat(c.Request.Context(), c.Param("id"))
	if err != nil {
		handleError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, agent)
}

// Next handles GET /api/agents/:id/jobs/next; 204 means nothing is queued
func (h *AgentHandler) Next(c *gin.Context) {
	task, err := h.runner.Poll(c.Request.Context(), c.Param("id"))
	if err != nil {
		handleError(c, h.log, err)
		return
	}
	if task == nil {
		c.Status(http.StatusNoContent)
		return
	}
	c.JSON(http.StatusOK, task)
}

// Result handles POST /api/agents/:id/jobs/:jobId/result
func (h *AgentHandler) Result(c *gin.Context) {
	var report domain.AgentReport
	if err := c.ShouldBindJSON(&report); err != nil {
		badRequest(c, err)
		return
	}
	job, err := h.runner.Report(c.Request.Context(), c.Param("id"), c.Param("jobId"), report)
	if err != nil {
		handleError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, job)
}
