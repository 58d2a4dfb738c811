package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/crabzie/setup-factory/internal/core/domain"
	"github.com/crabzie/setup-factory/internal/core/port"
	"go.uber.org/zap"
)

// SweepConfig enables the recovery passes of the Sweeper; zero values disable a pass
type SweepConfig struct {
	Interval time.Duration
	// StaleFactor fails agent jobs whose agent is silent for more than StaleFactor x liveness window
	StaleFactor int
	// JobTimeout fails agent jobs running longer than this
	JobTimeout     time.Duration
	ReapContainers bool
	// ServerJobs fails running server jobs that no worker can finish
	ServerJobs bool
	// ServerTimeout fails server jobs running longer than this
	ServerTimeout time.Duration
}

// Workers tells which jobs the dispatch workers of this process hold
type Workers interface {
	Handling(jobID string) bool
}

// Sweeper fails jobs stranded by lost agents or lost workers and reaps orphaned job containers
type Sweeper struct {
	agents  *AgentService
	jobs    port.JobRepository
	server  *ServerRunner
	workers Workers
	cfg     SweepConfig
	log     *zap.Logger
	now     func() time.Time

	mu sync.Mutex
	// server jobs whose container was seen stopped on the previous pass
	suspects map[string]struct{}
}

func NewSweeper(agents *AgentService, jobs port.JobRepository, server *ServerRunner, cfg SweepConfig, log *zap.Logger) *Sweeper {
	return &Sweeper{
		agents:   agents,
		jobs:     jobs,
		server:   server,
		cfg:      cfg,
		log:      log,
		now:      time.Now,
		suspects: map[string]struct{}{},
	}
}

// WithWorkers marks w as the only executor of server jobs, so a running server job
// it does not hold is stranded
func (s *Sweeper) WithWorkers(w Workers) *Sweeper {
	s.workers = w
	return s
}

// Enabled reports whether any pass is configured
func (s *Sweeper) Enabled() bool {
	return s.cfg.Interval > 0 && (s.cfg.StaleFactor > 0 ||
		s.cfg.JobTimeout > 0 ||
		(s.cfg.ReapContainers && s.server != nil) ||
		s.cfg.ServerJobs)
}

// Start runs Sweep on every tick until ctx ends
func (s *Sweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("Stopping sweeper loop")
			return
		case <-ticker.C:
			if err := s.Sweep(ctx); err != nil {
				s.log.Error("Sweep failed", zap.Error(err))
			}
		}
	}
}

// Sweep runs every enabled pass once
func (s *Sweeper) Sweep(ctx context.Context) error {
	var errs []error
	if s.cfg.StaleFactor > 0 {
		if err := s.failLostAgentJobs(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if s.cfg.JobTimeout > 0 {
		if err := s.failTimedOutJobs(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if s.cfg.ServerJobs {
		if err := s.failStrandedServerJobs(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if s.cfg.ReapContainers && s.server != nil {
		if _, err := s.server.ReapOrphans(ctx, s.jobFinished); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Sweeper) failLostAgentJobs(ctx context.Context) error {
	agents, err := s.agents.List(ctx)
	if err != nil {
		return fmt.Errorf("list agents: %w", err)
	}
	now := s.now()
	limit := time.Duration(s.cfg.StaleFactor) * s.agents.Window()

	for _, a := range agents {
		if a.StaleFor(now) <= limit {
			continue
		}
		cause := fmt.Sprintf("agent %s offline since %s", a.ID, a.LastHeartbeat.Format(time.RFC3339))
		for _, status := range []domain.JobStatus{domain.JobStatusRunning, domain.JobStatusPending} {
			jobs, err := s.jobs.List(ctx, domain.JobFilter{Status: status, AgentID: a.ID, Limit: MaxListLimit})
			if err != nil {
				return fmt.Errorf("list jobs of agent %s: %w", a.ID, err)
			}
			for _, j := range jobs {
				s.fail(ctx, j, cause)
			}
		}
	}
	return nil
}

func (s *Sweeper) failTimedOutJobs(ctx context.Context) error {
	jobs, err := s.jobs.List(ctx, domain.JobFilter{Status: domain.JobStatusRunning, Backend: domain.BackendAgent, Limit: MaxListLimit})
	if err != nil {
		return fmt.Errorf("list running jobs: %w", err)
	}
	deadline := s.now().Add(-s.cfg.JobTimeout)
	for _, j := range jobs {
		if j.StartedAt == nil || j.StartedAt.After(deadline) {
			continue
		}
		s.fail(ctx, j, fmt.Sprintf("no result reported within %s", s.cfg.JobTimeout))
	}
	return nil
}

// failStrandedServerJobs fails running server jobs whose worker is gone, then removes their container.
// A job is stranded when it outlived ServerTimeout, when the local workers are the only executor
// and none holds it, or when its container was seen stopped on two passes in a row.
func (s *Sweeper) failStrandedServerJobs(ctx context.Context) error {
	jobs, err := s.jobs.List(ctx, domain.JobFilter{Status: domain.JobStatusRunning, Backend: domain.BackendServer, Limit: MaxListLimit})
	if err != nil {
		return fmt.Errorf("list running server jobs: %w", err)
	}

	var containers map[string]domain.ContainerRef
	if s.server != nil {
		if containers, err = s.server.JobContainers(ctx); err != nil {
			// the other rules do not need the engine
			s.log.Warn("Failed to list job containers", zap.Error(err))
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	suspects := map[string]struct{}{}
	now := s.now()

	for _, j := range jobs {
		ref, hasContainer := containers[j.ID]
		var cause string
		switch {
		case s.cfg.ServerTimeout > 0 && j.StartedAt != nil && now.Sub(*j.StartedAt) > s.cfg.ServerTimeout:
			cause = fmt.Sprintf("no result recorded within %s", s.cfg.ServerTimeout)
		case s.workers != nil && !s.workers.Handling(j.ID):
			cause = "no worker holds the job"
		case s.workers == nil && hasContainer && ref.Stopped():
			if _, seen := s.suspects[j.ID]; !seen {
				suspects[j.ID] = struct{}{}
				continue
			}
			cause = fmt.Sprintf("container %s stopped without a recorded result", ref.Name)
		default:
			continue
		}

		if !s.fail(ctx, j, cause) || !hasContainer {
			continue
		}
		if err := s.server.Discard(ctx, ref); err != nil {
			s.log.Warn("Failed to remove stranded job container", zap.String("container", ref.Name), zap.Error(err))
		}
	}
	s.suspects = suspects
	return nil
}

func (s *Sweeper) fail(ctx context.Context, j *domain.Job, cause string) bool {
	update := domain.JobUpdate{Error: &cause, ExpectStatus: j.Status, ExpectAgentID: j.AgentID}
	if _, err := s.jobs.Transition(ctx, j.ID, domain.JobStatusFailed, update); err != nil {
		if !errors.Is(err, domain.ErrInvalidTransition) {
			s.log.Error("Failed to fail stranded job", zap.String("job_id", j.ID), zap.Error(err))
		}
		return false
	}
	s.log.Warn("Failed stranded job",
		zap.String("job_id", j.ID),
		zap.String("agent_id", j.AgentID),
		zap.String("reason", cause))
	return true
}

func (s *Sweeper) jobFinished(ctx context.Context, jobID string) bool {
	job, err := s.jobs.GetByID(ctx, jobID)
	if errors.Is(err, domain.ErrNotFound) {
		return true
	}
	if err != nil {
		return false
	}
	return job.Status.Terminal()
}
