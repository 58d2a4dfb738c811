package http

import (
	"net/http"

	"github.com/crabzie/setup-factory/internal/core/port"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ScriptHandler serves the script registry
type ScriptHandler struct {
	scripts port.ScriptRegistry
	log     *zap.Logger
}

func NewScriptHandler(scripts port.ScriptRegistry, log *zap.Logger) *ScriptHandler {
	return &ScriptHandler{scripts: scripts, log: log}
}

// List handles GET /api/scripts
func (h *ScriptHandler) List(c *gin.Context) {
	scripts, err := h.scripts.List(c.Request.Context())
	if err != nil {
		handleError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, scripts)
}

// Get handles GET /api/scripts/:id
func (h *ScriptHandler) Get(c *gin.Context) {
	script, err := h.scripts.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		handleError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, script)
}

// Schema handles GET /api/scripts/:id/schema
func (h *ScriptHandler) Schema(c *gin.Context) {
	schema, err := h.scripts.GetSchema(c.Request.Context(), c.Param("id"))
	if err != nil {
		handleError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, schema)
}
