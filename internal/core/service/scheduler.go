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

const _recordTimeout = time.Minute

// DispatchConfig bounds the worker pool and the queue retry policy
type DispatchConfig struct {
	Concurrency int
	MaxAttempts int
	Backoff     time.Duration
	MaxBackoff  time.Duration
	// ExecTimeout bounds the run of one item; zero means unbounded.
	// The result is recorded after the bound.
	ExecTimeout time.Duration
}

// Delay returns the linear backoff applied before redelivering attempt
func (c DispatchConfig) Delay(attempt int) time.Duration {
	d := c.Backoff * time.Duration(attempt)
	if c.MaxBackoff > 0 && d > c.MaxBackoff {
		d = c.MaxBackoff
	}
	return d
}

// Scheduler drains the dispatch queue with a fixed-size worker pool and routes
// every claimed item to the runner of its backend
type Scheduler struct {
	queue  port.QueueService
	jobs   port.JobRepository
	agents *AgentRunner
	server *ServerRunner
	cfg    DispatchConfig
	log    *zap.Logger
	wg     sync.WaitGroup

	mu sync.Mutex
	// job id -> workers holding a delivery of it; duplicates may overlap
	inflight map[string]int
}

func NewScheduler(
	queue port.QueueService,
	jobs port.JobRepository,
	agents *AgentRunner,
	server *ServerRunner,
	cfg DispatchConfig,
	log *zap.Logger,
) *Scheduler {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	return &Scheduler{
		queue:    queue,
		jobs:     jobs,
		agents:   agents,
		server:   server,
		cfg:      cfg,
		log:      log,
		inflight: map[string]int{},
	}
}

// Handling reports whether a worker of this scheduler currently owns the job
func (s *Scheduler) Handling(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inflight[jobID] > 0
}

func (s *Scheduler) track(jobID string) func() {
	s.mu.Lock()
	s.inflight[jobID]++
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		if s.inflight[jobID]--; s.inflight[jobID] <= 0 {
			delete(s.inflight, jobID)
		}
		s.mu.Unlock()
	}
}

// Start launches the workers; they stop claiming when ctx ends
func (s *Scheduler) Start(ctx context.Context) {
	s.log.Info("Starting scheduler workers", zap.Int("concurrency", s.cfg.Concurrency))
	for i := 0; i < s.cfg.Concurrency; i++ {
		s.wg.Add(1)
		go s.worker(ctx, i)
	}
}

// Wait blocks until every worker finished its in-flight item
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) worker(ctx context.Context, n int) {
	defer s.wg.Done()
	log := s.log.With(zap.Int("worker", n))
	for {
		d, err := s.queue.Claim(ctx)
		if err != nil {
			if ctx.Err() != nil {
				log.Debug("Stopping worker")
				return
			}
			log.Error("Failed to claim work item", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.cfg.Delay(1)):
			}
			continue
		}
		// in-flight work survives shutdown so no claimed job is left half done
		s.Handle(context.WithoutCancel(ctx), d)
	}
}

// Handle processes one claimed delivery and settles it
func (s *Scheduler) Handle(ctx context.Context, d port.Delivery) {
	item := d.Item()
	log := s.log.With(
		zap.String("job_id", item.JobID),
		zap.String("backend", string(item.Backend)),
		zap.Int("attempt", item.Attempt))

	err := s.dispatch(ctx, log, item)
	switch {
	case err == nil:
		s.settle(log, d.Ack())

	case errors.Is(err, domain.ErrInvalidTransition):
		log.Info("Discarding duplicate delivery", zap.Error(err))
		s.settle(log, d.Ack())

	case domain.IsTerminal(err):
		log.Warn("Job ended in terminal failure", zap.Error(err))
		s.settle(log, d.Ack())

	case item.Attempt < s.cfg.MaxAttempts:
		delay := s.cfg.Delay(item.Attempt)
		log.Warn("Dispatch failed, retrying",
			zap.Duration("delay", delay),
			zap.Int("max_attempts", s.cfg.MaxAttempts),
			zap.Error(fmt.Errorf("%w: %w", domain.ErrQueueDelivery, err)))
		s.settle(log, d.Retry(delay))

	default:
		log.Error("Dispatch attempts exhausted, failing job", zap.Error(err))
		cause := fmt.Sprintf("dispatch failed after %d attempts: %v", item.Attempt, err)
		update := domain.JobUpdate{Error: &cause, ExpectStatus: domain.JobStatusPending}
		if _, ferr := s.jobs.Transition(ctx, item.JobID, domain.JobStatusFailed, update); ferr != nil {
			log.Error("Failed to mark job failed", zap.Error(ferr))
		}
		s.settle(log, d.Ack())
	}
}

func (s *Scheduler) settle(log *zap.Logger, err error) {
	if err != nil {
		log.Error("Failed to settle delivery", zap.Error(err))
	}
}

func (s *Scheduler) dispatch(ctx context.Context, log *zap.Logger, item *domain.WorkItem) error {
	switch item.Backend {
	case domain.BackendServer:
		return s.runServer(ctx, log, item)
	case domain.BackendAgent:
		return s.runAgent(ctx, log, item)
	}
	cause := fmt.Sprintf("unknown backend %q", item.Backend)
	update := domain.JobUpdate{Error: &cause, ExpectStatus: domain.JobStatusPending}
	if _, err := s.jobs.Transition(ctx, item.JobID, domain.JobStatusFailed, update); err != nil {
		return err
	}
	return fmt.Errorf("%w: %s", domain.ErrInvalidArgument, cause)
}

// execContext bounds a run with ExecTimeout
func (s *Scheduler) execContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.ExecTimeout > 0 {
		return context.WithTimeout(ctx, s.cfg.ExecTimeout)
	}
	return context.WithCancel(ctx)
}

func (s *Scheduler) runServer(ctx context.Context, log *zap.Logger, item *domain.WorkItem) error {
	// tracked before the claim so a sweep never sees this job running but unowned
	defer s.track(item.JobID)()

	// the claim is the de-duplication guard
	job, err := s.jobs.Transition(ctx, item.JobID, domain.JobStatusRunning, domain.JobUpdate{})
	if err != nil {
		return err
	}
	log.Info("Claimed job for server run")

	execCtx, cancel := s.execContext(ctx)
	res, execErr := s.server.Execute(execCtx, job.ID, job.ScriptID, job.Parameters)
	cancel()

	next := domain.JobStatusSucceeded
	update := domain.JobUpdate{}
	if res != nil {
		update.ExitCode = &res.ExitCode
		update.Logs = &res.Logs
		update.Environment = res.Environment
	}
	if execErr != nil {
		next = domain.JobStatusFailed
		cause := execErr.Error()
		update.Error = &cause
		var ee *domain.ExecutionError
		if errors.As(execErr, &ee) {
			if update.ExitCode == nil {
				update.ExitCode = ee.ExitCode
			}
			if update.Logs == nil && ee.Logs != "" {
				update.Logs = &ee.Logs
			}
		}
	}

	if err := s.record(ctx, log, job.ID, next, update); err != nil {
		return err
	}
	if execErr != nil {
		return execErr
	}
	log.Info("Server job succeeded", zap.Int("exit_code", res.ExitCode))
	return nil
}

func (s *Scheduler) runAgent(ctx context.Context, log *zap.Logger, item *domain.WorkItem) error {
	execCtx, cancel := s.execContext(ctx)
	agent, err := s.agents.Dispatch(execCtx, item.JobID)
	cancel()
	if errors.Is(err, domain.ErrNoAgentAvailable) {
		cause := domain.ErrNoAgentAvailable.Error()
		update := domain.JobUpdate{Error: &cause, ExpectStatus: domain.JobStatusPending, ExpectUnassigned: true}
		if _, terr := s.jobs.Transition(ctx, item.JobID, domain.JobStatusFailed, update); terr != nil {
			if errors.Is(terr, domain.ErrInvalidTransition) {
				return terr
			}
			return fmt.Errorf("fail job without agent: %w", terr)
		}
		return err
	}
	if err != nil {
		return err
	}
	log.Info("Handed job to agent", zap.String("agent_id", agent.ID))
	return nil
}

// record writes a post-claim result, retrying transient store errors in place
// because a redelivery could never re-claim a running job.
// It outlives the run's deadline and a cancelled parent context.
func (s *Scheduler) record(ctx context.Context, log *zap.Logger, jobID string, next domain.JobStatus, update domain.JobUpdate) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), _recordTimeout)
	defer cancel()

	var err error
	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		_, err = s.jobs.Transition(ctx, jobID, next, update)
		if err == nil || domain.IsTerminal(err) {
			return err
		}
		log.Warn("Failed to record job result, retrying", zap.Int("record_attempt", attempt), zap.Error(err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.cfg.Delay(attempt)):
		}
	}
	return fmt.Errorf("record %s result: %w", next, err)
}
