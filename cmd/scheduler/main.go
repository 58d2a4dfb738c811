package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/crabzie/setup-factory/config/logger"
	config "github.com/crabzie/setup-factory/config/utils"
	httpHandler "github.com/crabzie/setup-factory/internal/adapter/handler/http"
	"github.com/crabzie/setup-factory/internal/app"
	"github.com/crabzie/setup-factory/internal/core/service"
	"go.uber.org/zap"
)

// _shutdownPeriod is time to wait before gracefully shutting server
// _readinessDrainDelay is time to sleep while context shutdown message propagate
const (
	_shutdownPeriod      = 10 * time.Second
	_readinessDrainDelay = 2 * time.Second
)

func main() {
	rootCtx, rootCtxCancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer rootCtxCancel()

	// Init config
	appConfig := config.New()
	baseLogger := logger.Build(appConfig.Logger)
	zap.L().Debug("Logger Builded successfully")

	zap.L().Info("Starting the application", zap.String("app", appConfig.App.Name), zap.String("env", appConfig.App.Env), zap.String("owner", appConfig.App.Owner))

	// Init adapters
	deps, err := app.New(rootCtx, appConfig, baseLogger)
	if err != nil {
		zap.L().Error("Error initializing adapters", zap.Error(err))
		os.Exit(1)
	}
	defer deps.Close()
	svc := deps.Services()

	// Container access is only needed when this process runs jobs or reaps their containers
	var server *service.ServerRunner
	embedded := appConfig.MQ.Driver == "memory"
	if embedded || appConfig.Sweep.ReapContainers {
		server, err = deps.ServerRunner(rootCtx)
		if err != nil {
			zap.L().Error("Error initializing container engine", zap.Error(err))
			os.Exit(1)
		}
	}

	workCtx, workCancel := context.WithCancel(context.Background())
	defer workCancel()
	var wg sync.WaitGroup

	var scheduler *service.Scheduler
	if embedded {
		// an in-process queue is only visible to workers of this process
		scheduler = deps.Scheduler(svc, server)
		scheduler.Start(workCtx)
		zap.L().Info("Embedded dispatch workers started", zap.Int("concurrency", appConfig.Dispatch.Concurrency))
	}

	sweeper := deps.Sweeper(svc, server)
	if scheduler != nil {
		// the embedded workers are the only executor of server jobs
		sweeper.WithWorkers(scheduler)
	}
	if sweeper.Enabled() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sweeper.Start(workCtx)
		}()
	}

	// Init http server
	checks := map[string]httpHandler.HealthCheck{}
	for name, check := range deps.Checks {
		checks[name] = check
	}
	httpLogger := baseLogger.Named("HTTP")
	router := httpHandler.NewRouter(appConfig.App.Env,
		httpHandler.NewJobHandler(svc.Jobs, svc.Bundles, httpLogger),
		httpHandler.NewScriptHandler(deps.Scripts, httpLogger),
		httpHandler.NewAgentHandler(svc.Agents, svc.AgentRunner, httpLogger),
		httpHandler.NewAdminHandler(svc.Admin, httpLogger),
		checks, httpLogger)

	serveErr := make(chan error, 1)
	go func() { serveErr <- router.Serve(appConfig.HTTP.Addr) }()

	// Wait for ctx cancelation
	select {
	case <-rootCtx.Done():
	case err := <-serveErr:
		if err != nil {
			zap.L().Error("HTTP server stopped", zap.Error(err))
		}
	}
	rootCtxCancel()

	// Wait for signal propagation
	time.Sleep(_readinessDrainDelay)
	zap.L().Info("Readiness check propagated, now waiting for ongoing requests to finish")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), _shutdownPeriod)
	defer cancel()
	if err := router.Shutdown(shutdownCtx); err != nil {
		zap.L().Error("Failed to wait for ongoing requests to finish", zap.Error(err))
	}

	workCancel()
	if scheduler != nil {
		scheduler.Wait()
	}
	wg.Wait()

	zap.L().Info("Graceful shutdown complete.")
}
