package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/crabzie/setup-factory/internal/core/domain"
	"github.com/crabzie/setup-factory/internal/core/port"
	"go.uber.org/zap"
)

// AgentRunner hands jobs to agents over the poll protocol.
// It never executes anything itself.
type AgentRunner struct {
	agents  *AgentService
	jobs    port.JobRepository
	scripts port.ScriptRegistry
	logs    port.LogStream
	log     *zap.Logger
}

func NewAgentRunner(
	agents *AgentService,
	jobs port.JobRepository,
	scripts port.ScriptRegistry,
	logs port.LogStream,
	log *zap.Logger,
) *AgentRunner {
	return &AgentRunner{
		agents:  agents,
		jobs:    jobs,
		scripts: scripts,
		logs:    logs,
		log:     log,
	}
}

// Dispatch assigns a pending job to a selected online agent and returns once the assignment is stored
func (r *AgentRunner) Dispatch(ctx context.Context, jobID string) (*domain.Agent, error) {
	agent, err := r.agents.Select(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := r.jobs.AssignAgent(ctx, jobID, agent.ID); err != nil {
		return nil, err
	}
	r.log.Info("Job assigned to agent",
		zap.String("job_id", jobID),
		zap.String("agent_id", agent.ID),
		zap.String("hostname", agent.Hostname))
	return agent, nil
}

// Poll claims the oldest pending job assigned to agentID.
// It returns nil when nothing is queued for the agent.
func (r *AgentRunner) Poll(ctx context.Context, agentID string) (*domain.AgentTask, error) {
	// a poll is proof of life
	if _, err := r.agents.Heartbeat(ctx, agentID); err != nil {
		return nil, err
	}

	job, err := r.jobs.ClaimNextForAgent(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("claim next job for agent %s: %w", agentID, err)
	}
	if job == nil {
		return nil, nil
	}

	task := &domain.AgentTask{Job: job}
	manifest, err := r.scripts.Get(ctx, job.ScriptID)
	if err != nil {
		// the job is already ours; the agent falls back to the script id
		r.log.Warn("Manifest lookup failed for claimed job",
			zap.String("job_id", job.ID),
			zap.String("script_id", job.ScriptID),
			zap.Error(err))
	} else {
		task.Script = manifest
	}

	r.log.Info("Agent picked up job",
		zap.String("job_id", job.ID),
		zap.String("agent_id", agentID))
	return task, nil
}

// Report records the terminal result of a job pushed by the agent that runs it
func (r *AgentRunner) Report(ctx context.Context, agentID, jobID string, report domain.AgentReport) (*domain.Job, error) {
	if report.Status != domain.JobStatusSucceeded && report.Status != domain.JobStatusFailed {
		return nil, fmt.Errorf("%w: report status must be %q or %q", domain.ErrInvalidArgument,
			domain.JobStatusSucceeded, domain.JobStatusFailed)
	}
	if _, err := r.agents.Get(ctx, agentID); err != nil {
		return nil, err
	}

	update := domain.JobUpdate{
		ExitCode:      report.ExitCode,
		Logs:          &report.Logs,
		Artifacts:     report.Artifacts,
		Environment:   report.Environment,
		ExpectStatus:  domain.JobStatusRunning,
		ExpectAgentID: agentID,
	}
	if report.Error != "" {
		update.Error = &report.Error
	}

	job, err := r.jobs.Transition(ctx, jobID, report.Status, update)
	if err != nil {
		return nil, err
	}

	if r.logs != nil && report.Logs != "" {
		lines := strings.Split(strings.TrimRight(report.Logs, "\n"), "\n")
		if err := r.logs.Append(ctx, jobID, lines...); err != nil {
			r.log.Warn("Failed to publish agent logs", zap.String("job_id", jobID), zap.Error(err))
		}
	}

	r.log.Info("Agent reported job result",
		zap.String("job_id", jobID),
		zap.String("agent_id", agentID),
		zap.String("status", string(report.Status)))
	return job, nil
}
