package agent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/crabzie/setup-factory/internal/core/domain"
	"go.uber.org/zap"
)

const (
	_maxRegisterBackoff = time.Minute
	_reportAttempts     = 3
)

// Daemon registers with the scheduler, keeps itself alive and runs the jobs assigned to it
type Daemon struct {
	cfg       Config
	client    *Client
	exec      *Executor
	sanitizer *Sanitizer
	hostname  string
	log       *zap.Logger

	mu      sync.RWMutex
	agentID string
}

func New(cfg Config, log *zap.Logger) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var sanitizer *Sanitizer
	if cfg.sanitize() {
		s, err := NewSanitizer(cfg.SanitizePatterns)
		if err != nil {
			return nil, err
		}
		sanitizer = s
	}
	hostname, err := os.Hostname()
	if err != nil {
		return nil, fmt.Errorf("resolve hostname: %w", err)
	}
	if cfg.Name == "" {
		cfg.Name = hostname
	}
	return &Daemon{
		cfg:       cfg,
		client:    NewClient(cfg.APIURL),
		exec:      NewExecutor(cfg.ScriptsPath, cfg.JobTimeout),
		sanitizer: sanitizer,
		hostname:  hostname,
		log:       log,
	}, nil
}

// AgentID returns the id assigned at registration
func (d *Daemon) AgentID() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.agentID
}

// Register announces the agent, retrying with backoff until it succeeds or ctx ends.
// A refused secret is not retried.
func (d *Daemon) Register(ctx context.Context) error {
	backoff := time.Second
	for {
		agent, err := d.client.Register(ctx, d.cfg.Name, d.hostname, d.cfg.RegistrationSecret)
		if err == nil {
			d.mu.Lock()
			d.agentID = agent.ID
			d.mu.Unlock()
			d.log.Info("Agent registered", zap.String("agent_id", agent.ID), zap.String("name", agent.Name))
			return nil
		}
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode < 500 {
			return fmt.Errorf("register agent: %w", err)
		}
		d.log.Warn("Registration failed, retrying", zap.Duration("backoff", backoff), zap.Error(err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, _maxRegisterBackoff)
	}
}

// Run registers and then heartbeats and polls until ctx ends
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.Register(ctx); err != nil {
		return err
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		d.heartbeatLoop(ctx)
	}()

	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()
	for {
		if _, err := d.RunOnce(ctx); err != nil && ctx.Err() == nil {
			if IsNotFound(err) {
				// the scheduler lost our record
				d.log.Warn("Agent unknown to the scheduler, registering again")
				if err := d.Register(ctx); err != nil && ctx.Err() == nil {
					d.log.Error("Re-registration failed", zap.Error(err))
				}
			} else {
				d.log.Debug("Poll failed", zap.Error(err))
			}
		}
		select {
		case <-ctx.Done():
			wg.Wait()
			d.log.Info("Agent stopped")
			return nil
		case <-ticker.C:
		}
	}
}

func (d *Daemon) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.client.Heartbeat(ctx, d.AgentID()); err != nil && ctx.Err() == nil {
				d.log.Error("Heartbeat failed", zap.Error(err))
			}
		}
	}
}

// RunOnce claims at most one job, runs it and reports the result.
// It returns false when nothing was queued.
func (d *Daemon) RunOnce(ctx context.Context) (bool, error) {
	agentID := d.AgentID()
	task, err := d.client.Next(ctx, agentID)
	if err != nil {
		return false, err
	}
	if task == nil || task.Job == nil {
		return false, nil
	}

	log := d.log.With(zap.String("job_id", task.Job.ID), zap.String("script_id", task.Job.ScriptID))
	log.Info("Received job")
	report := d.Execute(ctx, task)
	log.Info("Job finished", zap.String("status", string(report.Status)))

	if err := d.report(ctx, agentID, task.Job.ID, report); err != nil {
		log.Error("Failed to report job result", zap.Error(err))
		return true, err
	}
	return true, nil
}

// Execute runs the script of task locally and builds the report for it
func (d *Daemon) Execute(ctx context.Context, task *domain.AgentTask) domain.AgentReport {
	job := task.Job
	env := Snapshot(ctx, d.cfg.EnvVars, time.Now())

	scriptPath := "scripts/" + job.ScriptID
	var capture []string
	if task.Script != nil {
		if task.Script.Path != "" {
			scriptPath = task.Script.Path
		}
		capture = task.Script.Capture.Paths
	}

	res, err := d.exec.Run(ctx, scriptPath, job.Parameters)
	report := domain.AgentReport{Status: domain.JobStatusFailed, Environment: env}
	if res != nil {
		env["duration_ms"] = res.Duration.Milliseconds()
		report.Logs = d.logs(res)
		code := res.ExitCode
		report.ExitCode = &code
	}

	switch {
	case err != nil:
		report.Error = err.Error()
	case res.ExitCode != 0:
		report.Error = fmt.Sprintf("script exited with code %d", res.ExitCode)
	default:
		report.Status = domain.JobStatusSucceeded
	}
	report.Artifacts = Artifacts(d.cfg.ScriptsPath, capture)
	return report
}

func (d *Daemon) logs(res *Result) string {
	var b strings.Builder
	b.WriteString(d.sanitizer.Sanitize(res.Stdout))
	if res.Stderr != "" {
		if b.Len() > 0 && !strings.HasSuffix(b.String(), "\n") {
			b.WriteByte('\n')
		}
		b.WriteString(d.sanitizer.Sanitize(res.Stderr))
	}
	return b.String()
}

func (d *Daemon) report(ctx context.Context, agentID, jobID string, report domain.AgentReport) error {
	var err error
	for attempt := 1; attempt <= _reportAttempts; attempt++ {
		err = d.client.Report(ctx, agentID, jobID, report)
		var apiErr *APIError
		if err == nil || (errors.As(err, &apiErr) && apiErr.StatusCode < 500) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * time.Second):
		}
	}
	return err
}
