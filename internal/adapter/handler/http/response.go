package http

import (
	"errors"
	"net/http"

	"github.com/crabzie/setup-factory/internal/core/domain"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// errorResponse is the body of every failed request
type errorResponse struct {
	Error string `json:"error"`
}

// errorStatus maps domain errors onto HTTP status codes
func errorStatus(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, domain.ErrNoAgentAvailable), errors.Is(err, domain.ErrQueueDelivery):
		return http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrSyncDisabled):
		return http.StatusNotImplemented
	}
	return http.StatusInternalServerError
}

// handleError writes err as JSON; internal errors are logged and hidden from the caller
func handleError(c *gin.Context, log *zap.Logger, err error) {
	status := errorStatus(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		log.Error("Request failed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Error(err))
		msg = http.StatusText(status)
	}
	c.AbortWithStatusJSON(status, errorResponse{Error: msg})
}

// badRequest reports a malformed request body or query
func badRequest(c *gin.Context, err error) {
	c.AbortWithStatusJSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
}
