package http

import (
	"net/http"

	"github.com/crabzie/setup-factory/internal/core/service"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// AdminHandler serves the operator endpoints
type AdminHandler struct {
	admin *service.AdminService
	log   *zap.Logger
}

func NewAdminHandler(admin *service.AdminService, log *zap.Logger) *AdminHandler {
	return &AdminHandler{admin: admin, log: log}
}

// Metrics handles GET /api/admin/metrics
func (h *AdminHandler) Metrics(c *gin.Context) {
	m, err := h.admin.Metrics(c.Request.Context())
	if err != nil {
		handleError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

// SyncScripts handles POST /api/admin/sync-scripts
func (h *AdminHandler) SyncScripts(c *gin.Context) {
	res, err := h.admin.SyncScripts(c.Request.Context())
	if err != nil {
		handleError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, res)
}
