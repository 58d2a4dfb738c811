package service

import (
	"context"
	"testing"
	"time"

	"github.com/crabzie/setup-factory/internal/core/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSweeperEnabled(t *testing.T) {
	e := newEnv(t)
	agents := e.agentService(time.Minute)
	assert.False(t, NewSweeper(agents, e.jobs, nil, SweepConfig{Interval: time.Second}, e.log).Enabled())
	assert.False(t, NewSweeper(agents, e.jobs, nil, SweepConfig{Interval: time.Second, ReapContainers: true}, e.log).Enabled())
	assert.False(t, NewSweeper(agents, e.jobs, nil, SweepConfig{StaleFactor: 3}, e.log).Enabled())
	assert.True(t, NewSweeper(agents, e.jobs, nil, SweepConfig{Interval: time.Second, JobTimeout: time.Hour}, e.log).Enabled())
	assert.True(t, NewSweeper(agents, e.jobs, nil, SweepConfig{Interval: time.Second, ServerJobs: true}, e.log).Enabled())
}

func TestSweepFailsJobsOfLostAgents(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	agents := e.agentService(time.Minute)
	runner := NewAgentRunner(agents, e.jobs, e.scripts, e.logs, e.log)
	lost := registerAgent(t, agents, "lost")

	running := e.seedJob(t, "running", domain.BackendAgent, time.Now().Add(-time.Minute))
	queued := e.seedJob(t, "queued", domain.BackendAgent, time.Now())
	for _, j := range []*domain.Job{running, queued} {
		_, err := e.jobs.AssignAgent(ctx, j.ID, lost.ID)
		require.NoError(t, err)
	}
	task, err := runner.Poll(ctx, lost.ID)
	require.NoError(t, err)
	require.Equal(t, "running", task.Job.ID)

	sweeper := NewSweeper(agents, e.jobs, nil, SweepConfig{Interval: time.Second, StaleFactor: 3}, e.log)
	require.NoError(t, sweeper.Sweep(ctx))
	assert.Equal(t, domain.JobStatusRunning, e.job(t, "running").Status, "a live agent keeps its jobs")

	sweeper.now = func() time.Time { return time.Now().Add(4 * time.Minute) }
	require.NoError(t, sweeper.Sweep(ctx))
	for _, id := range []string{"running", "queued"} {
		j := e.job(t, id)
		assert.Equal(t, domain.JobStatusFailed, j.Status, id)
		assert.Contains(t, j.Error, "offline since", id)
	}
}

func TestSweepFailsTimedOutAgentJobs(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	agents := e.agentService(time.Minute)
	runner := NewAgentRunner(agents, e.jobs, e.scripts, e.logs, e.log)
	a := registerAgent(t, agents, "slow")

	job := e.seedJob(t, "j1", domain.BackendAgent, time.Now())
	_, err := e.jobs.AssignAgent(ctx, job.ID, a.ID)
	require.NoError(t, err)
	_, err = runner.Poll(ctx, a.ID)
	require.NoError(t, err)

	sweeper := NewSweeper(agents, e.jobs, nil, SweepConfig{Interval: time.Second, JobTimeout: time.Hour}, e.log)
	require.NoError(t, sweeper.Sweep(ctx))
	assert.Equal(t, domain.JobStatusRunning, e.job(t, job.ID).Status)

	sweeper.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	require.NoError(t, sweeper.Sweep(ctx))
	failed := e.job(t, job.ID)
	assert.Equal(t, domain.JobStatusFailed, failed.Status)
	assert.Contains(t, failed.Error, "no result reported within 1h0m0s")

	// the agent's late report loses the race
	_, err = runner.Report(ctx, a.ID, job.ID, domain.AgentReport{Status: domain.JobStatusSucceeded})
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestSweepReapsFinishedJobContainers(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	agents := e.agentService(time.Minute)

	finished := finishedJob(t, e, "done")
	active := e.seedJob(t, "active", domain.BackendServer, time.Now())
	engine := &fakeEngine{refs: []domain.ContainerRef{
		{ID: "c1", Name: domain.ContainerName(finished.ID)},
		{ID: "c2", Name: domain.ContainerName(active.ID)},
		{ID: "c3", Name: domain.ContainerName("forgotten")},
	}}

	sweeper := NewSweeper(agents, e.jobs, newServerRunner(e, engine, false),
		SweepConfig{Interval: time.Second, ReapContainers: true}, e.log)
	require.True(t, sweeper.Enabled())
	require.NoError(t, sweeper.Sweep(ctx))

	force, removed := engine.removal("c1")
	assert.True(t, removed)
	assert.True(t, force)
	_, removed = engine.removal("c2")
	assert.False(t, removed)
	_, removed = engine.removal("c3")
	assert.True(t, removed, "containers of unknown jobs are orphans")
}

// heldJobs stands in for the dispatch workers of the sweeping process
type heldJobs map[string]bool

func (h heldJobs) Handling(jobID string) bool { return h[jobID] }

// runningServerJob leaves a claimed server job behind as a crashed worker would
func runningServerJob(t *testing.T, e *env, id string) *domain.Job {
	t.Helper()
	e.seedJob(t, id, domain.BackendServer, time.Now())
	job, err := e.jobs.Transition(context.Background(), id, domain.JobStatusRunning, domain.JobUpdate{})
	require.NoError(t, err)
	return job
}

func TestSweepFailsServerJobsNoWorkerHolds(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	runningServerJob(t, e, "crashed")
	runningServerJob(t, e, "busy")
	engine := &fakeEngine{refs: []domain.ContainerRef{
		{ID: "c1", Name: domain.ContainerName("crashed"), State: "running"},
		{ID: "c2", Name: domain.ContainerName("busy"), State: "running"},
	}}

	sweeper := NewSweeper(e.agentService(time.Minute), e.jobs, newServerRunner(e, engine, false),
		SweepConfig{Interval: time.Second, ServerJobs: true}, e.log).
		WithWorkers(heldJobs{"busy": true})
	require.NoError(t, sweeper.Sweep(ctx))

	failed := e.job(t, "crashed")
	assert.Equal(t, domain.JobStatusFailed, failed.Status)
	assert.Equal(t, "no worker holds the job", failed.Error)
	force, removed := engine.removal("c1")
	assert.True(t, removed)
	assert.True(t, force)

	assert.Equal(t, domain.JobStatusRunning, e.job(t, "busy").Status)
	_, removed = engine.removal("c2")
	assert.False(t, removed)
}

func TestSweepFailsServerJobsWithStoppedContainer(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	runningServerJob(t, e, "exited")
	runningServerJob(t, e, "alive")
	engine := &fakeEngine{refs: []domain.ContainerRef{
		{ID: "c1", Name: domain.ContainerName("exited"), State: "exited"},
		{ID: "c2", Name: domain.ContainerName("alive"), State: "running"},
	}}

	sweeper := NewSweeper(e.agentService(time.Minute), e.jobs, newServerRunner(e, engine, false),
		SweepConfig{Interval: time.Second, ServerJobs: true, ReapContainers: true}, e.log)

	require.NoError(t, sweeper.Sweep(ctx))
	assert.Equal(t, domain.JobStatusRunning, e.job(t, "exited").Status, "a worker may still be recording the result")

	require.NoError(t, sweeper.Sweep(ctx))
	failed := e.job(t, "exited")
	assert.Equal(t, domain.JobStatusFailed, failed.Status)
	assert.Contains(t, failed.Error, "stopped without a recorded result")
	_, removed := engine.removal("c1")
	assert.True(t, removed)

	require.NoError(t, sweeper.Sweep(ctx))
	assert.Equal(t, domain.JobStatusRunning, e.job(t, "alive").Status)
	_, removed = engine.removal("c2")
	assert.False(t, removed)
}

func TestSweepFailsServerJobsPastTimeout(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	runningServerJob(t, e, "slow")

	sweeper := NewSweeper(e.agentService(time.Minute), e.jobs, nil,
		SweepConfig{Interval: time.Second, ServerJobs: true, ServerTimeout: time.Hour}, e.log)
	require.NoError(t, sweeper.Sweep(ctx))
	assert.Equal(t, domain.JobStatusRunning, e.job(t, "slow").Status)

	sweeper.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	require.NoError(t, sweeper.Sweep(ctx))
	failed := e.job(t, "slow")
	assert.Equal(t, domain.JobStatusFailed, failed.Status)
	assert.Equal(t, "no result recorded within 1h0m0s", failed.Error)
}
