package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/crabzie/setup-factory/internal/core/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSyncer struct {
	res *domain.ScriptSync
	err error
}

func (f *fakeSyncer) Sync(context.Context) (*domain.ScriptSync, error) { return f.res, f.err }

func TestAdminMetrics(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	agents := e.agentService(time.Minute)

	agents.now = func() time.Time { return time.Now().Add(-time.Hour) }
	registerAgent(t, agents, "gone")
	agents.now = time.Now
	registerAgent(t, agents, "win-01")
	registerAgent(t, agents, "win-02")

	e.seedJob(t, "p1", domain.BackendServer, time.Now())
	e.seedJob(t, "p2", domain.BackendAgent, time.Now())
	runningServerJob(t, e, "r1")
	failed := "boom"
	e.seedJob(t, "f1", domain.BackendServer, time.Now())
	_, err := e.jobs.Transition(ctx, "f1", domain.JobStatusFailed, domain.JobUpdate{Error: &failed})
	require.NoError(t, err)

	m, err := NewAdminService(e.jobs, agents, nil, e.log).Metrics(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.JobCounts{Total: 4, Pending: 2, Running: 1, Failed: 1}, m.Jobs)
	assert.Equal(t, domain.AgentCounts{Total: 3, Online: 2, Offline: 1}, m.Agents)
}

func TestAdminSyncScripts(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	agents := e.agentService(time.Minute)

	_, err := NewAdminService(e.jobs, agents, nil, e.log).SyncScripts(ctx)
	assert.ErrorIs(t, err, domain.ErrSyncDisabled)

	want := &domain.ScriptSync{Commit: "abc123", SyncedAt: time.Now()}
	got, err := NewAdminService(e.jobs, agents, &fakeSyncer{res: want}, e.log).SyncScripts(ctx)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	_, err = NewAdminService(e.jobs, agents, &fakeSyncer{err: errors.New("authentication required")}, e.log).SyncScripts(ctx)
	assert.EqualError(t, err, "authentication required")
}
