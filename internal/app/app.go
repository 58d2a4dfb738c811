// Package app wires the configured adapters into the core services shared by the binaries.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	postgresConfig "github.com/crabzie/setup-factory/config/storage/postgresql"
	redisConfig "github.com/crabzie/setup-factory/config/storage/redis"
	config "github.com/crabzie/setup-factory/config/utils"
	bundlefs "github.com/crabzie/setup-factory/internal/adapter/bundle/filesystem"
	bundleminio "github.com/crabzie/setup-factory/internal/adapter/bundle/minio"
	"github.com/crabzie/setup-factory/internal/adapter/container/docker"
	"github.com/crabzie/setup-factory/internal/adapter/monitoring/prometheus"
	queuemem "github.com/crabzie/setup-factory/internal/adapter/queue/memory"
	"github.com/crabzie/setup-factory/internal/adapter/queue/rabbitmq"
	"github.com/crabzie/setup-factory/internal/adapter/registry/filesystem"
	"github.com/crabzie/setup-factory/internal/adapter/registry/git"
	"github.com/crabzie/setup-factory/internal/adapter/secrets"
	"github.com/crabzie/setup-factory/internal/adapter/storage/memory"
	"github.com/crabzie/setup-factory/internal/adapter/storage/postgres"
	redisAdapter "github.com/crabzie/setup-factory/internal/adapter/storage/redis"
	"github.com/crabzie/setup-factory/internal/core/port"
	"github.com/crabzie/setup-factory/internal/core/service"
	"go.uber.org/zap"
)

// App holds the adapters selected by the configuration
type App struct {
	Config *config.AppConfig

	Jobs     port.JobRepository
	Agents   port.AgentRepository
	Queue    port.QueueService
	Logs     port.LogStream
	Scripts  port.ScriptRegistry
	Syncer   port.ScriptSyncer
	Secrets  port.SecretSource
	Bundles  port.BundleStore
	Selector port.AgentSelector

	// Checks back the health endpoint, keyed by dependency name
	Checks map[string]func(ctx context.Context) error

	closers []func() error
	log     *zap.Logger
}

// New connects every configured backend. On error the already opened ones are closed.
func New(ctx context.Context, cfg *config.AppConfig, log *zap.Logger) (a *App, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	a = &App{
		Config: cfg,
		Checks: map[string]func(ctx context.Context) error{},
		log:    log,
	}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	if err := a.initStorage(ctx); err != nil {
		return nil, err
	}
	cache, err := a.initRedis(ctx)
	if err != nil {
		return nil, err
	}
	if err := a.initQueue(); err != nil {
		return nil, err
	}
	if err := a.initBundles(ctx); err != nil {
		return nil, err
	}
	if err := a.initSecrets(); err != nil {
		return nil, err
	}

	a.Scripts = filesystem.NewRegistry(cfg.Scripts.Path, log.Named("Scripts"))
	if cfg.Scripts.RepoURL != "" {
		a.Syncer = git.NewSyncer(cfg.Scripts.Path, git.Remote{
			URL:      cfg.Scripts.RepoURL,
			Branch:   cfg.Scripts.Branch,
			Username: cfg.Scripts.Username,
			Password: cfg.Scripts.Password,
		}, log.Named("ScriptSync"))
	}
	if cache != nil {
		a.Scripts = redisAdapter.NewScriptCache(a.Scripts, cache.Client, cfg.Scripts.CacheTTL, log.Named("ScriptCache"))
	}

	if cfg.Agent.Selection == "load" {
		monitor := prometheus.NewMonitoringService(cfg.Prometheus.URL, log.Named("Prometheus"))
		a.Selector = service.NewLoadSelector(monitor, log.Named("Selector"))
	} else {
		a.Selector = service.RecentSelector{}
	}
	return a, nil
}

func (a *App) initStorage(ctx context.Context) error {
	if a.Config.Storage.Driver == "memory" {
		db, err := memory.NewDB()
		if err != nil {
			return fmt.Errorf("init memory store: %w", err)
		}
		a.Jobs = memory.NewJobRepository(db)
		a.Agents = memory.NewAgentRepository(db)
		a.log.Warn("Using the in-memory job store, state is lost on restart")
		return nil
	}

	dbLogger := a.log.Named("DB")
	db, err := postgresConfig.New(ctx, a.Config.DB, dbLogger)
	if err != nil {
		return fmt.Errorf("init database: %w", err)
	}
	a.closers = append(a.closers, func() error { db.Close(); return nil })
	if err := db.Migrate(); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}
	a.log.Info("Successfully connected to the database", zap.String("db", a.Config.DB.Name))

	a.Jobs = postgres.NewJobRepository(db, dbLogger)
	a.Agents = postgres.NewAgentRepository(db, dbLogger)
	a.Checks["database"] = db.DBHealth
	return nil
}

func (a *App) initRedis(ctx context.Context) (*redisConfig.Redis, error) {
	if a.Config.Redis.Addr == "" {
		a.Logs = memory.NewLogStream()
		return nil, nil
	}
	cache, err := redisConfig.New(ctx, a.Config.Redis, a.log.Named("Redis"))
	if err != nil {
		return nil, fmt.Errorf("init redis: %w", err)
	}
	a.closers = append(a.closers, cache.Close)
	a.log.Info("Successfully connected to the cache server", zap.String("address", a.Config.Redis.Addr))

	a.Logs = redisAdapter.NewLogStream(cache.Universal, redisAdapter.DefaultLogTTL, a.log.Named("Logs"))
	a.Checks["redis"] = func(ctx context.Context) error { return cache.Universal.Ping(ctx).Err() }
	return cache, nil
}

func (a *App) initQueue() error {
	if a.Config.MQ.Driver == "memory" {
		a.Queue = queuemem.New(0)
		a.closers = append(a.closers, a.Queue.Close)
		return nil
	}
	q, err := rabbitmq.NewQueueService(a.Config.MQ.DSN(), a.Config.Dispatch.Concurrency, a.log.Named("RabbitMQ"))
	if err != nil {
		return fmt.Errorf("init rabbitmq: %w", err)
	}
	a.Queue = q
	a.closers = append(a.closers, q.Close)
	return nil
}

func (a *App) initBundles(ctx context.Context) error {
	var err error
	if a.Config.Bundle.Driver == "minio" {
		a.Bundles, err = bundleminio.NewStore(ctx, a.Config.Minio, a.log.Named("Minio"))
	} else {
		a.Bundles, err = bundlefs.NewStore(a.Config.Bundle.Path)
	}
	if err != nil {
		return fmt.Errorf("init bundle store: %w", err)
	}
	return nil
}

func (a *App) initSecrets() error {
	sources := []port.SecretSource{}
	if a.Config.Vault.Addr != "" {
		vault, err := secrets.NewVaultSource(a.Config.Vault.Addr, a.Config.Vault.Token, a.Config.Vault.SecretPath, a.log.Named("Vault"))
		if err != nil {
			return fmt.Errorf("init vault: %w", err)
		}
		sources = append(sources, vault)
	}
	sources = append(sources,
		secrets.NewStaticSource(secrets.Static{Values: map[string]string{
			service.RegistrationSecretKey: a.Config.Agent.Secret,
		}}),
		secrets.NewEnvSource(),
	)
	a.Secrets = secrets.NewChain(sources...)
	return nil
}

// Services are the core services built over the adapters
type Services struct {
	Agents      *service.AgentService
	AgentRunner *service.AgentRunner
	Jobs        *service.JobService
	Bundles     *service.BundleBuilder
	Admin       *service.AdminService
}

func (a *App) Services() *Services {
	agents := service.NewAgentService(a.Agents, a.Secrets, a.Selector, a.Config.Agent.LivenessWindow, a.log.Named("Agents"))
	return &Services{
		Agents:      agents,
		AgentRunner: service.NewAgentRunner(agents, a.Jobs, a.Scripts, a.Logs, a.log.Named("AgentRunner")),
		Jobs:        service.NewJobService(a.Jobs, a.Scripts, a.Queue, a.Logs, a.Config.Dispatch.AllowRequeue, a.log.Named("Jobs")),
		Bundles:     service.NewBundleBuilder(a.Jobs, a.Scripts, a.Bundles, a.log.Named("Bundles")),
		Admin:       service.NewAdminService(a.Jobs, agents, a.Syncer, a.log.Named("Admin")),
	}
}

// ServerRunner connects to the local docker daemon
func (a *App) ServerRunner(ctx context.Context) (*service.ServerRunner, error) {
	engine, err := docker.NewEngine(ctx, a.log.Named("Docker"))
	if err != nil {
		return nil, fmt.Errorf("init docker: %w", err)
	}
	r := a.Config.Runner
	runner := service.NewServerRunner(engine, a.Secrets, a.Logs, service.ServerRunnerConfig{
		Image:           r.Image,
		Network:         r.Network,
		InternalNetwork: r.InternalNetwork,
		Cleanup:         r.Cleanup,
		Timeout:         r.Timeout,
	}, a.log.Named("ServerRunner"))
	if err := runner.Prepare(ctx); err != nil {
		return nil, fmt.Errorf("init runner: %w", err)
	}
	return runner, nil
}

func (a *App) Scheduler(svc *Services, server *service.ServerRunner) *service.Scheduler {
	d := a.Config.Dispatch
	return service.NewScheduler(a.Queue, a.Jobs, svc.AgentRunner, server, service.DispatchConfig{
		Concurrency: d.Concurrency,
		MaxAttempts: d.MaxAttempts,
		Backoff:     d.Backoff,
		MaxBackoff:  d.MaxBackoff,
		ExecTimeout: d.ExecTimeout,
	}, a.log.Named("Scheduler"))
}

// Sweeper builds the recovery loop; server may be nil when this process has no container access
func (a *App) Sweeper(svc *Services, server *service.ServerRunner) *service.Sweeper {
	s := a.Config.Sweep
	var serverTimeout time.Duration
	if a.Config.Runner.Timeout > 0 && s.ServerGrace > 0 {
		serverTimeout = a.Config.Runner.Timeout + s.ServerGrace
	}
	return service.NewSweeper(svc.Agents, a.Jobs, server, service.SweepConfig{
		Interval:       s.Interval,
		StaleFactor:    s.StaleFactor,
		JobTimeout:     s.JobTimeout,
		ReapContainers: s.ReapContainers,
		ServerJobs:     s.ServerJobs,
		ServerTimeout:  serverTimeout,
	}, a.log.Named("Sweeper"))
}

// Close releases the backends in reverse order of opening
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
