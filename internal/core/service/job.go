package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/crabzie/setup-factory/internal/core/domain"
	"github.com/crabzie/setup-factory/internal/core/port"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	DefaultListLimit = 50
	MaxListLimit     = 100
)

// SubmitRequest is a request to run a script
type SubmitRequest struct {
	ScriptID   string         `json:"script_id"`
	Parameters map[string]any `json:"parameters"`
	Backend    domain.Backend `json:"backend"`
	UserID     string         `json:"user_id"`
}

type JobService struct {
	jobs         port.JobRepository
	scripts      port.ScriptRegistry
	queue        port.QueueService
	logs         port.LogStream
	allowRequeue bool
	log          *zap.Logger
	now          func() time.Time
}

func NewJobService(
	jobs port.JobRepository,
	scripts port.ScriptRegistry,
	queue port.QueueService,
	logs port.LogStream,
	allowRequeue bool,
	log *zap.Logger,
) *JobService {
	return &JobService{
		jobs:         jobs,
		scripts:      scripts,
		queue:        queue,
		logs:         logs,
		allowRequeue: allowRequeue,
		log:          log,
		now:          time.Now,
	}
}

// Submit records a pending job and hands it to the dispatch queue
func (s *JobService) Submit(ctx context.Context, req SubmitRequest) (*domain.Job, error) {
	manifest, err := s.scripts.Get(ctx, req.ScriptID)
	if err != nil {
		return nil, fmt.Errorf("resolve script %q: %w", req.ScriptID, err)
	}

	backend := req.Backend
	if backend == "" {
		backend = manifest.DefaultRunner
	}
	if backend == "" {
		backend = domain.BackendServer
	}
	if !backend.Valid() {
		return nil, fmt.Errorf("%w: unknown backend %q", domain.ErrInvalidArgument, backend)
	}

	params, err := manifest.Schema().Normalize(req.Parameters)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	job := &domain.Job{
		ID:         uuid.NewString(),
		ScriptID:   manifest.ID,
		Parameters: params,
		Backend:    backend,
		Status:     domain.JobStatusPending,
		UserID:     req.UserID,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.jobs.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}

	if err := s.queue.Enqueue(ctx, domain.NewWorkItem(job, now)); err != nil {
		s.log.Error("Failed to enqueue job, marking it failed", zap.String("job_id", job.ID), zap.Error(err))
		cause := "enqueue failed: " + err.Error()
		if _, terr := s.jobs.Transition(ctx, job.ID, domain.JobStatusFailed, domain.JobUpdate{Error: &cause, ExpectStatus: domain.JobStatusPending}); terr != nil {
			s.log.Error("Failed to mark unqueued job failed", zap.String("job_id", job.ID), zap.Error(terr))
		}
		return nil, fmt.Errorf("%w: %w", domain.ErrQueueDelivery, err)
	}

	s.log.Info("Job submitted",
		zap.String("job_id", job.ID),
		zap.String("script_id", job.ScriptID),
		zap.String("backend", string(job.Backend)),
		zap.String("user_id", job.UserID))
	return job, nil
}

func (s *JobService) Get(ctx context.Context, id string) (*domain.Job, error) {
	return s.jobs.GetByID(ctx, id)
}

// List returns jobs newest first. The limit defaults to DefaultListLimit and is capped at MaxListLimit.
func (s *JobService) List(ctx context.Context, filter domain.JobFilter) ([]*domain.Job, error) {
	switch {
	case filter.Limit <= 0:
		filter.Limit = DefaultListLimit
	case filter.Limit > MaxListLimit:
		filter.Limit = MaxListLimit
	}
	return s.jobs.List(ctx, filter)
}

// Transition applies a compare-and-set status move
func (s *JobService) Transition(ctx context.Context, id string, next domain.JobStatus, update domain.JobUpdate) (*domain.Job, error) {
	job, err := s.jobs.Transition(ctx, id, next, update)
	if err != nil {
		return nil, err
	}
	s.log.Info("Job status changed",
		zap.String("job_id", id),
		zap.String("status", string(next)))
	return job, nil
}

// Requeue sends a failed job back through the dispatch queue
func (s *JobService) Requeue(ctx context.Context, id string) (*domain.Job, error) {
	if !s.allowRequeue {
		return nil, fmt.Errorf("%w: requeue is disabled", domain.ErrInvalidTransition)
	}
	job, err := s.jobs.Requeue(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.queue.Enqueue(ctx, domain.NewWorkItem(job, s.now().UTC())); err != nil {
		cause := "enqueue failed: " + err.Error()
		if _, terr := s.jobs.Transition(ctx, job.ID, domain.JobStatusFailed, domain.JobUpdate{Error: &cause, ExpectStatus: domain.JobStatusPending}); terr != nil {
			s.log.Error("Failed to mark unqueued job failed", zap.String("job_id", job.ID), zap.Error(terr))
		}
		return nil, fmt.Errorf("%w: %w", domain.ErrQueueDelivery, err)
	}
	s.log.Info("Job requeued", zap.String("job_id", id))
	return job, nil
}

// Logs returns the captured output of a job, live lines first when the job is still running
func (s *JobService) Logs(ctx context.Context, id string) ([]string, error) {
	job, err := s.jobs.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.logs != nil {
		lines, err := s.logs.Lines(ctx, id)
		if err != nil {
			s.log.Warn("Live log stream unavailable", zap.String("job_id", id), zap.Error(err))
		} else if len(lines) > 0 {
			return lines, nil
		}
	}
	if job.Logs == "" {
		return []string{}, nil
	}
	return strings.Split(strings.TrimRight(job.Logs, "\n"), "\n"), nil
}

// StreamLogs returns the backlog and a channel of lines appended afterwards.
// The channel is nil when the job is already terminal.
func (s *JobService) StreamLogs(ctx context.Context, id string) ([]string, <-chan string, error) {
	job, err := s.jobs.GetByID(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if s.logs == nil || job.Status.Terminal() {
		backlog, err := s.Logs(ctx, id)
		return backlog, nil, err
	}

	live, err := s.logs.Subscribe(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	backlog, err := s.logs.Lines(ctx, id)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, nil, err
	}
	return backlog, live, nil
}
