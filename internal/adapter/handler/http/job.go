package http

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/crabzie/setup-factory/internal/core/domain"
	"github.com/crabzie/setup-factory/internal/core/service"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// UserHeader carries the submitting user until authentication exists
const UserHeader = "X-User-ID"

const _anonymousUser = "anonymous"

// JobHandler serves job submission, lookup, logs & reproduction bundles
type JobHandler struct {
	svc          *service.JobService
	bundles      *service.BundleBuilder
	log          *zap.Logger
	pollInterval time.Duration
}

func NewJobHandler(svc *service.JobService, bundles *service.BundleBuilder, log *zap.Logger) *JobHandler {
	return &JobHandler{
		svc:          svc,
		bundles:      bundles,
		log:          log,
		pollInterval: 2 * time.Second,
	}
}

type submitJobRequest struct {
	ScriptID   string         `json:"script_id" binding:"required"`
	Parameters map[string]any `json:"parameters"`
	Backend    domain.Backend `json:"backend"`
	// Runner is the older name of Backend
	Runner domain.Backend `json:"runner"`
}

// Submit handles POST /api/jobs
func (h *JobHandler) Submit(c *gin.Context) {
	var req submitJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	backend := req.Backend
	if backend == "" {
		backend = req.Runner
	}
	user := c.GetHeader(UserHeader)
	if user == "" {
		user = _anonymousUser
	}

	job, err := h.svc.Submit(c.Request.Context(), service.SubmitRequest{
		ScriptID:   req.ScriptID,
		Parameters: req.Parameters,
		Backend:    backend,
		UserID:     user,
	})
	if err != nil {
		handleError(c, h.log, err)
		return
	}
	c.JSON(http.StatusCreated, job)
}

// List handles GET /api/jobs?status=&backend=&agent_id=&limit=
func (h *JobHandler) List(c *gin.Context) {
	filter := domain.JobFilter{
		Status:  domain.JobStatus(c.Query("status")),
		Backend: domain.Backend(c.Query("backend")),
		AgentID: c.Query("agent_id"),
	}
	switch filter.Status {
	case "", domain.JobStatusPending, domain.JobStatusRunning, domain.JobStatusSucceeded, domain.JobStatusFailed:
	default:
		badRequest(c, fmt.Errorf("unknown status %q", filter.Status))
		return
	}
	if filter.Backend != "" && !filter.Backend.Valid() {
		badRequest(c, fmt.Errorf("unknown backend %q", filter.Backend))
		return
	}
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			badRequest(c, fmt.Errorf("invalid limit %q", raw))
			return
		}
		filter.Limit = limit
	}

	jobs, err := h.svc.List(c.Request.Context(), filter)
	if err != nil {
		handleError(c, h.log, err)
		return
	}
	if jobs == nil {
		jobs = []*domain.Job{}
	}
	c.JSON(http.StatusOK, jobs)
}

// Get handles GET /api/jobs/:id
func (h *JobHandler) Get(c *gin.Context) {
	job, err := h.svc.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		handleError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

// Requeue handles POST /api/jobs/:id/requeue
func (h *JobHandler) Requeue(c *gin.Context) {
	job, err := h.svc.Requeue(c.Request.Context(), c.Param("id"))
	if err != nil {
		handleError(c, h.log, err)
		return
	}
	c.JSON(http.StatusAccepted, job)
}

type logEvent struct {
	Message string `json:"message"`
}

// Logs handles GET /api/jobs/:id/logs as server-sent events.
// The backlog goes first, then live lines until the job finishes or the client leaves.
func (h *JobHandler) Logs(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	backlog, live, err := h.svc.StreamLogs(ctx, id)
	if err != nil {
		handleError(c, h.log, err)
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)

	for _, line := range backlog {
		c.SSEvent("message", logEvent{Message: line})
	}
	if live == nil {
		c.SSEvent("end", gin.H{"job_id": id})
		c.Writer.Flush()
		return
	}
	c.Writer.Flush()

	ticker := time.NewTicker(h.pollInterval)
	defer ticker.Stop()
	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case line, ok := <-live:
			if !ok {
				return false
			}
			c.SSEvent("message", logEvent{Message: line})
			return true
		case <-ticker.C:
			job, err := h.svc.Get(ctx, id)
			if err != nil || job.Status.Terminal() {
				c.SSEvent("end", gin.H{"job_id": id})
				return false
			}
			return true
		}
	})
}

// Bundle handles GET /api/jobs/:id/bundle by building a fresh archive and streaming it
func (h *JobHandler) Bundle(c *gin.Context) {
	ctx := c.Request.Context()
	handle, err := h.bundles.Build(ctx, c.Param("id"))
	if err != nil {
		handleError(c, h.log, err)
		return
	}
	rc, err := h.bundles.Open(ctx, handle.Name)
	if err != nil {
		handleError(c, h.log, err)
		return
	}
	defer rc.Close()

	c.DataFromReader(http.StatusOK, handle.Size, "application/zip", rc, map[string]string{
		"Content-Disposition": fmt.Sprintf(`attachment; filename="%s"`, handle.Name),
		"X-Bundle-ID":         handle.ID,
	})
}
