// Package http provides the gin REST surface of jobs, scripts, agents and admin.
package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// HealthCheck reports whether one dependency is usable
type HealthCheck func(ctx context.Context) error

// Router is the API server
type Router struct {
	*gin.Engine
	log *zap.Logger
	srv *http.Server
}

// NewRouter wires the handlers onto their routes. checks back /healthz, keyed by dependency name.
func NewRouter(
	env string,
	jobs *JobHandler,
	scripts *ScriptHandler,
	agents *AgentHandler,
	admin *AdminHandler,
	checks map[string]HealthCheck,
	log *zap.Logger,
) *Router {
	if env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(log))

	r.GET("/healthz", health(checks))

	api := r.Group("/api")
	{
		jobRoutes := api.Group("/jobs")
		{
			jobRoutes.POST("", jobs.Submit)
			jobRoutes.GET("", jobs.List)
			jobRoutes.GET("/:id", jobs.Get)
			jobRoutes.GET("/:id/logs", jobs.Logs)
			jobRoutes.GET("/:id/bundle", jobs.Bundle)
			jobRoutes.POST("/:id/requeue", jobs.Requeue)
		}

		scriptRoutes := api.Group("/scripts")
		{
			scriptRoutes.GET("", scripts.List)
			scriptRoutes.GET("/:id", scripts.Get)
			scriptRoutes.GET("/:id/schema", scripts.Schema)
		}

		agentRoutes := api.Group("/agents")
		{
			agentRoutes.GET("", agents.List)
			agentRoutes.POST("/register", agents.Register)
			agentRoutes.POST("/:id/heartbeat", agents.Heartbeat)
			agentRoutes.GET("/:id/jobs/next", agents.Next)
			agentRoutes.POST("/:id/jobs/:jobId/result", agents.Result)
		}

		adminRoutes := api.Group("/admin")
		{
			adminRoutes.GET("/metrics", admin.Metrics)
			adminRoutes.POST("/sync-scripts", admin.SyncScripts)
		}
	}

	return &Router{Engine: r, log: log}
}

// Serve listens on addr until Shutdown
func (r *Router) Serve(addr string) error {
	r.srv = &http.Server{
		Addr:              addr,
		Handler:           r.Engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	r.log.Info("HTTP server listening", zap.String("addr", addr))
	if err := r.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones until ctx ends
func (r *Router) Shutdown(ctx context.Context) error {
	if r.srv == nil {
		return nil
	}
	return r.srv.Shutdown(ctx)
}

func health(checks map[string]HealthCheck) gin.HandlerFunc {
	return func(c *gin.Context) {
		status := http.StatusOK
		report := gin.H{}
		for name, check := range checks {
			ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
			err := check(ctx)
			cancel()
			if err != nil {
				status = http.StatusServiceUnavailable
				report[name] = err.Error()
				continue
			}
			report[name] = "ok"
		}
		state := "ok"
		if status != http.StatusOK {
			state = "degraded"
		}
		c.JSON(status, gin.H{"status": state, "checks": report})
	}
}

func requestLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		}
		if c.Writer.Status() >= http.StatusInternalServerError {
			log.Warn("Request served", fields...)
			return
		}
		log.Debug("Request served", fields...)
	}
}
