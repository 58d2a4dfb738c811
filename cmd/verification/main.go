package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/crabzie/setup-factory/config/logger"
	postgresConfig "github.com/crabzie/setup-factory/config/storage/postgresql"
	redisConfig "github.com/crabzie/setup-factory/config/storage/redis"
	config "github.com/crabzie/setup-factory/config/utils"
	bundleminio "github.com/crabzie/setup-factory/internal/adapter/bundle/minio"
	"github.com/crabzie/setup-factory/internal/adapter/container/docker"
	"github.com/crabzie/setup-factory/internal/adapter/monitoring/prometheus"
	"github.com/crabzie/setup-factory/internal/adapter/queue/rabbitmq"
	"github.com/crabzie/setup-factory/internal/adapter/secrets"
	"github.com/crabzie/setup-factory/internal/adapter/storage/postgres"
	redisAdapter "github.com/crabzie/setup-factory/internal/adapter/storage/redis"
	"github.com/crabzie/setup-factory/internal/core/domain"
	"github.com/crabzie/setup-factory/internal/core/service"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

func main() {
	// 1. Setup Logger & Config
	appConfig := config.New()
	log := logger.Build(appConfig.Logger)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	log.Info("Starting Verification...")

	now := time.Now().UTC()
	job := &domain.Job{
		ID:         uuid.NewString(),
		ScriptID:   "verification",
		Parameters: map[string]any{"smoke": true},
		Backend:    domain.BackendServer,
		Status:     domain.JobStatusPending,
		UserID:     "verification",
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	verifyPostgres(ctx, appConfig, job, log)
	verifyRedis(ctx, appConfig, job, log)
	verifyRabbitMQ(ctx, appConfig, job, log)
	verifyMinio(ctx, appConfig, job, log)
	verifyVault(ctx, appConfig, log)
	verifyDocker(ctx, appConfig, log)
	verifyPrometheus(ctx, appConfig, log)

	log.Info("Verification Complete.")
}

func verifyPostgres(ctx context.Context, cfg *config.AppConfig, job *domain.Job, log *zap.Logger) {
	log.Info("--- Testing Postgres ---")
	db, err := postgresConfig.New(ctx, cfg.DB, log)
	if err != nil {
		log.Error("X Postgres: Connection Failed", zap.Error(err))
		return
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		log.Error("X Postgres: Migration Failed", zap.Error(err))
		return
	}
	repo := postgres.NewJobRepository(db, log)

	if err := repo.Create(ctx, job); err != nil {
		log.Error("X Postgres: Create Job Failed", zap.Error(err))
		return
	}
	log.Info("✓ Postgres: Create Job Success")

	if fetched, err := repo.GetByID(ctx, job.ID); err != nil {
		log.Error("X Postgres: Get Job Failed", zap.Error(err))
	} else {
		log.Info("✓ Postgres: Get Job Success", zap.String("FetchedID", fetched.ID))
	}

	cause := "verification run"
	if _, err := repo.Transition(ctx, job.ID, domain.JobStatusFailed, domain.JobUpdate{Error: &cause, ExpectStatus: domain.JobStatusPending}); err != nil {
		log.Error("X Postgres: Transition Failed", zap.Error(err))
	} else {
		log.Info("✓ Postgres: Transition Success")
	}
	if _, err := repo.Transition(ctx, job.ID, domain.JobStatusRunning, domain.JobUpdate{}); err == nil {
		log.Error("X Postgres: Illegal Transition Accepted")
	} else {
		log.Info("✓ Postgres: Illegal Transition Rejected", zap.Error(err))
	}
}

func verifyRedis(ctx context.Context, cfg *config.AppConfig, job *domain.Job, log *zap.Logger) {
	log.Info("--- Testing Redis ---")
	if cfg.Redis.Addr == "" {
		log.Warn("! Redis: Skipped, redis.addr is empty")
		return
	}
	cache, err := redisConfig.New(ctx, cfg.Redis, log)
	if err != nil {
		log.Error("X Redis: Connection Failed", zap.Error(err))
		return
	}
	defer cache.Close()

	stream := redisAdapter.NewLogStream(cache.Universal, time.Minute, log)
	if err := stream.Append(ctx, job.ID, "verification line"); err != nil {
		log.Error("X Redis: Append Logs Failed", zap.Error(err))
		return
	}
	lines, err := stream.Lines(ctx, job.ID)
	if err != nil {
		log.Error("X Redis: Read Logs Failed", zap.Error(err))
		return
	}
	log.Info("✓ Redis: Log Stream Success", zap.Int("Count", len(lines)))
}

func verifyRabbitMQ(ctx context.Context, cfg *config.AppConfig, job *domain.Job, log *zap.Logger) {
	log.Info("--- Testing RabbitMQ ---")
	queue, err := rabbitmq.NewQueueService(cfg.MQ.DSN(), 1, log)
	if err != nil {
		log.Error("X RabbitMQ: Connection Failed", zap.Error(err))
		return
	}
	defer queue.Close()

	if err := queue.Enqueue(ctx, domain.NewWorkItem(job, time.Now())); err != nil {
		log.Error("X RabbitMQ: Publish Failed", zap.Error(err))
		return
	}
	log.Info("✓ RabbitMQ: Publish Success")

	// the claimed item may belong to someone else when workers share the queue, so it goes back untouched
	claimCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	d, err := queue.Claim(claimCtx)
	if err != nil {
		log.Error("X RabbitMQ: Claim Failed", zap.Error(err))
		return
	}
	if d.Item().JobID == job.ID {
		err = d.Ack()
	} else {
		err = d.Retry(0)
	}
	if err != nil {
		log.Error("X RabbitMQ: Settle Failed", zap.Error(err))
		return
	}
	log.Info("✓ RabbitMQ: Claim Success", zap.String("JobID", d.Item().JobID))
}

func verifyMinio(ctx context.Context, cfg *config.AppConfig, job *domain.Job, log *zap.Logger) {
	log.Info("--- Testing MinIO ---")
	if cfg.Minio.Endpoint == "" {
		log.Warn("! MinIO: Skipped, minio.endpoint is empty")
		return
	}
	store, err := bundleminio.NewStore(ctx, cfg.Minio, log)
	if err != nil {
		log.Error("X MinIO: Connection Failed", zap.Error(err))
		return
	}
	name := fmt.Sprintf("verification-%s.zip", job.ID)
	w, err := store.Create(ctx, name)
	if err != nil {
		log.Error("X MinIO: Create Failed", zap.Error(err))
		return
	}
	if _, err := w.Write([]byte("verification")); err != nil {
		_ = w.Abort()
		log.Error("X MinIO: Write Failed", zap.Error(err))
		return
	}
	handle, err := w.Commit()
	if err != nil {
		log.Error("X MinIO: Commit Failed", zap.Error(err))
		return
	}
	rc, err := store.Open(ctx, name)
	if err != nil {
		log.Error("X MinIO: Open Failed", zap.Error(err))
		return
	}
	defer rc.Close()
	body, err := io.ReadAll(rc)
	if err != nil || string(body) != "verification" {
		log.Error("X MinIO: Read Back Mismatch", zap.Error(err))
		return
	}
	log.Info("✓ MinIO: Bundle Round Trip Success", zap.String("Location", handle.Location))
}

func verifyVault(ctx context.Context, cfg *config.AppConfig, log *zap.Logger) {
	log.Info("--- Testing Vault ---")
	if cfg.Vault.Addr == "" {
		log.Warn("! Vault: Skipped, vault.addr is empty")
		return
	}
	source, err := secrets.NewVaultSource(cfg.Vault.Addr, cfg.Vault.Token, cfg.Vault.SecretPath, log)
	if err != nil {
		log.Error("X Vault: Client Failed", zap.Error(err))
		return
	}
	if _, ok := source.Lookup(ctx, service.RegistrationSecretKey); ok {
		log.Info("✓ Vault: Registration Secret Found")
	} else {
		log.Warn("! Vault: Registration Secret Missing (falls back to config)")
	}
}

func verifyDocker(ctx context.Context, cfg *config.AppConfig, log *zap.Logger) {
	log.Info("--- Testing Docker ---")
	engine, err := docker.NewEngine(ctx, log)
	if err != nil {
		log.Error("X Docker: Connection Failed", zap.Error(err))
		return
	}
	refs, err := engine.ListByPrefix(ctx, domain.ContainerNamePrefix)
	if err != nil {
		log.Error("X Docker: List Containers Failed", zap.Error(err))
		return
	}
	log.Info("✓ Docker: List Job Containers Success", zap.Int("Count", len(refs)))

	if cfg.Runner.Network == "" {
		return
	}
	if err := engine.EnsureNetwork(ctx, cfg.Runner.Network, cfg.Runner.InternalNetwork); err != nil {
		log.Error("X Docker: Runner Network Failed", zap.Error(err))
		return
	}
	log.Info("✓ Docker: Runner Network Ready", zap.String("Network", cfg.Runner.Network))
}

func verifyPrometheus(ctx context.Context, cfg *config.AppConfig, log *zap.Logger) {
	log.Info("--- Testing Prometheus ---")
	url := cfg.Prometheus.URL
	if url == "" {
		url = "http://localhost:9090"
	}
	promClient := prometheus.NewMonitoringService(url, log)
	metrics, err := promClient.GetAllNodesMetrics(ctx)
	if err != nil {
		log.Warn("! Prometheus: Query Failed (Expected if bad connection or no data)", zap.Error(err))
		return
	}
	log.Info("✓ Prometheus: Query Success", zap.Int("Hosts", len(metrics)))
}
