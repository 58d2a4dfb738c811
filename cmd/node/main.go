package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/crabzie/setup-factory/config/logger"
	config "github.com/crabzie/setup-factory/config/utils"
	"github.com/crabzie/setup-factory/internal/app"
	"go.uber.org/zap"
)

func main() {
	rootCtx, rootCtxCancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer rootCtxCancel()

	// 1. Init Config & Logger
	appConfig := config.New()
	log := logger.Build(appConfig.Logger)

	nodeName := os.Getenv("NODE_NAME")
	if nodeName == "" {
		nodeName = fmt.Sprintf("dispatch-node-%d", time.Now().Unix())
	}
	log = log.With(zap.String("service", "worker"), zap.String("node", nodeName))
	log.Info("Starting dispatch node")

	if appConfig.MQ.Driver == "memory" {
		log.Fatal("A dispatch node needs a shared queue, set mq.driver=rabbitmq")
	}

	// 2. Init Adapters
	deps, err := app.New(rootCtx, appConfig, log)
	if err != nil {
		log.Fatal("Failed to init adapters", zap.Error(err))
	}
	defer deps.Close()

	server, err := deps.ServerRunner(rootCtx)
	if err != nil {
		log.Fatal("Failed to init container engine", zap.Error(err))
	}

	// 3. Init Scheduler workers
	scheduler := deps.Scheduler(deps.Services(), server)

	// 4. Start workers; claimed items finish even after shutdown starts
	workCtx, workCancel := context.WithCancel(context.Background())
	defer workCancel()
	scheduler.Start(workCtx)
	log.Info("Workers started successfully. Waiting for jobs...", zap.Int("concurrency", appConfig.Dispatch.Concurrency))

	// 5. Wait for Shutdown
	<-rootCtx.Done()
	log.Info("Shutting down...")
	workCancel()
	scheduler.Wait()

	log.Info("Shutdown complete")
}
