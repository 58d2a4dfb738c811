package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	legal := map[[2]JobStatus]bool{
		{JobStatusPending, JobStatusRunning}:   true,
		{JobStatusPending, JobStatusFailed}:    true,
		{JobStatusRunning, JobStatusSucceeded}: true,
		{JobStatusRunning, JobStatusFailed}:    true,
	}
	all := []JobStatus{JobStatusPending, JobStatusRunning, JobStatusSucceeded, JobStatusFailed}
	for _, from := range all {
		for _, to := range all {
			assert.Equal(t, legal[[2]JobStatus{from, to}], from.CanTransition(to), "%s -> %s", from, to)
		}
	}

	assert.Equal(t, []JobStatus{JobStatusPending, JobStatusRunning}, JobStatusFailed.Predecessors())
	assert.Equal(t, []JobStatus{JobStatusRunning}, JobStatusSucceeded.Predecessors())
	assert.Empty(t, JobStatusPending.Predecessors())

	assert.True(t, JobStatusSucceeded.Terminal())
	assert.True(t, JobStatusFailed.Terminal())
	assert.False(t, JobStatusRunning.Terminal())
}

func TestJobUpdateGuards(t *testing.T) {
	job := &Job{Status: JobStatusRunning, AgentID: "a1"}

	assert.True(t, JobUpdate{}.Allows(job, JobStatusSucceeded))
	assert.False(t, JobUpdate{}.Allows(job, JobStatusPending))
	assert.False(t, JobUpdate{ExpectStatus: JobStatusPending}.Allows(job, JobStatusFailed))
	assert.True(t, JobUpdate{ExpectAgentID: "a1"}.Allows(job, JobStatusFailed))
	assert.False(t, JobUpdate{ExpectAgentID: "a2"}.Allows(job, JobStatusFailed))
	assert.False(t, JobUpdate{ExpectUnassigned: true}.Allows(job, JobStatusFailed))
}

func TestJobUpdateApply(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	job := &Job{Status: JobStatusPending}

	JobUpdate{}.Apply(job, JobStatusRunning, now)
	require.NotNil(t, job.StartedAt)
	assert.Equal(t, now, *job.StartedAt)
	assert.Nil(t, job.CompletedAt)

	code, logs, cause := 4, "out", "bad"
	env := map[string]any{"os": "linux"}
	JobUpdate{ExitCode: &code, Logs: &logs, Error: &cause, Environment: env}.Apply(job, JobStatusFailed, now.Add(time.Second))
	require.NotNil(t, job.CompletedAt)
	assert.Equal(t, 4, *job.ExitCode)
	assert.Equal(t, "out", job.Logs)
	assert.Equal(t, "bad", job.Error)

	env["os"] = "changed"
	code = 9
	assert.Equal(t, "linux", job.Environment["os"], "the update is copied")
	assert.Equal(t, 4, *job.ExitCode)
}

func TestJobClone(t *testing.T) {
	code := 1
	now := time.Now()
	j := &Job{Parameters: map[string]any{"a": 1}, ExitCode: &code, StartedAt: &now}
	c := j.Clone()
	c.Parameters["a"] = 2
	*c.ExitCode = 5
	assert.Equal(t, 1, j.Parameters["a"])
	assert.Equal(t, 1, *j.ExitCode)
}

func TestNormalize(t *testing.T) {
	schema := &ParameterSchema{Parameters: []Parameter{
		{Name: "host", Type: ParameterTypeString, Required: true},
		{Name: "mode", Type: ParameterTypeString, Options: []string{"fast", "safe"}, Default: "safe"},
		{Name: "retries", Type: ParameterTypeNumber},
		{Name: "verbose", Type: ParameterTypeBoolean},
	}}

	out, err := schema.Normalize(map[string]any{"host": "db1", "retries": "3", "verbose": "true"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"host": "db1", "mode": "safe", "retries": 3.0, "verbose": true}, out)

	out, err = schema.Normalize(map[string]any{"host": "db1", "retries": json.Number("2.5")})
	require.NoError(t, err)
	assert.Equal(t, 2.5, out["retries"])

	bad := []map[string]any{
		{},
		{"host": 1},
		{"host": "db1", "mode": "reckless"},
		{"host": "db1", "retries": "many"},
		{"host": "db1", "verbose": "perhaps"},
		{"host": "db1", "extra": true},
	}
	for i, params := range bad {
		_, err := schema.Normalize(params)
		assert.ErrorIs(t, err, ErrInvalidArgument, "case %d", i)
	}

	empty := (&Manifest{}).Schema()
	out, err = empty.Normalize(map[string]any{"anything": 1})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"anything": 1}, out)
}

func TestContainerName(t *testing.T) {
	name := ContainerName("abc")
	assert.Equal(t, "job-abc", name)

	id, ok := JobIDFromContainerName("/" + name)
	require.True(t, ok)
	assert.Equal(t, "abc", id)

	_, ok = JobIDFromContainerName("job-")
	assert.False(t, ok)
	_, ok = JobIDFromContainerName("redis")
	assert.False(t, ok)
}

func TestIsTerminal(t *testing.T) {
	code := 1
	terminal := []error{
		ErrNotFound,
		fmt.Errorf("wrapped: %w", ErrInvalidTransition),
		ErrNoAgentAvailable,
		ErrInvalidArgument,
		ErrUnauthorized,
		&ExecutionError{Stage: "run", ExitCode: &code},
	}
	for _, err := range terminal {
		assert.True(t, IsTerminal(err), err.Error())
	}
	assert.False(t, IsTerminal(errors.New("connection reset")))
	assert.False(t, IsTerminal(fmt.Errorf("%w: broker", ErrQueueDelivery)))
}

func TestExecutionError(t *testing.T) {
	code := 2
	assert.Equal(t, "run: exited with code 2", (&ExecutionError{Stage: "run", ExitCode: &code}).Error())

	cause := errors.New("no such image")
	err := &ExecutionError{Stage: "create", Err: cause}
	assert.Equal(t, "create: no such image", err.Error())
	assert.ErrorIs(t, err, cause)
	assert.ErrorIs(t, err, ErrBackendExecution)
}

func TestAgentLiveness(t *testing.T) {
	now := time.Now()
	a := &Agent{ID: "a", LastHeartbeat: now.Add(-30 * time.Second)}
	assert.Equal(t, AgentStatusOnline, a.WithComputedStatus(now, time.Minute).Status)
	assert.Equal(t, AgentStatusOffline, a.WithComputedStatus(now, 10*time.Second).Status)
	assert.Equal(t, 30*time.Second, a.StaleFor(now))
}
