package http

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	bundlefs "github.com/crabzie/setup-factory/internal/adapter/bundle/filesystem"
	queuemem "github.com/crabzie/setup-factory/internal/adapter/queue/memory"
	"github.com/crabzie/setup-factory/internal/adapter/registry/filesystem"
	"github.com/crabzie/setup-factory/internal/adapter/secrets"
	"github.com/crabzie/setup-factory/internal/adapter/storage/memory"
	"github.com/crabzie/setup-factory/internal/core/domain"
	"github.com/crabzie/setup-factory/internal/core/service"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testSecret = "let-me-in"

type testAPI struct {
	router *Router
	jobs   *service.JobService
	runner *service.AgentRunner
	queue  *queuemem.Queue
}

func newTestAPI(t *testing.T, checks map[string]HealthCheck) *testAPI {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log := zap.NewNop()

	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "manifests"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "scripts"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "manifests", "hello.yaml"), []byte(`
id: hello
name: Hello
path: scripts/hello.sh
parameters:
  - name: target
    type: string
    required: true
`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "scripts", "hello.sh"), []byte("echo hello $1\n"), 0o644))

	db, err := memory.NewDB()
	require.NoError(t, err)
	jobRepo := memory.NewJobRepository(db)
	agentRepo := memory.NewAgentRepository(db)
	logs := memory.NewLogStream()
	queue := queuemem.New(16)
	scripts := filesystem.NewRegistry(root, log)
	store, err := bundlefs.NewStore(t.TempDir())
	require.NoError(t, err)

	src := secrets.NewStaticSource(secrets.Static{Values: map[string]string{service.RegistrationSecretKey: testSecret}})
	agents := service.NewAgentService(agentRepo, src, nil, time.Minute, log)
	runner := service.NewAgentRunner(agents, jobRepo, scripts, logs, log)
	jobs := service.NewJobService(jobRepo, scripts, queue, logs, false, log)
	bundles := service.NewBundleBuilder(jobRepo, scripts, store, log)

	router := NewRouter("test",
		NewJobHandler(jobs, bundles, log),
		NewScriptHandler(scripts, log),
		NewAgentHandler(agents, runner, log),
		NewAdminHandler(service.NewAdminService(jobRepo, agents, nil, log), log),
		checks, log)
	return &testAPI{router: router, jobs: jobs, runner: runner, queue: queue}
}

func (a *testAPI) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(UserHeader, "alice")
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestSubmitAndGetJob(t *testing.T) {
	api := newTestAPI(t, nil)

	rec := api.do(t, http.MethodPost, "/api/jobs", gin.H{"script_id": "hello", "parameters": gin.H{"target": "world"}})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	job := decode[domain.Job](t, rec)
	assert.Equal(t, domain.JobStatusPending, job.Status)
	assert.Equal(t, domain.BackendServer, job.Backend)
	assert.Equal(t, "alice", job.UserID)
	assert.Equal(t, 1, api.queue.Len())

	rec = api.do(t, http.MethodGet, "/api/jobs/"+job.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, job.ID, decode[domain.Job](t, rec).ID)

	rec = api.do(t, http.MethodGet, "/api/jobs?status=pending&limit=10", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]domain.Job](t, rec), 1)
}

func TestErrorMapping(t *testing.T) {
	api := newTestAPI(t, nil)

	cases := []struct {
		name   string
		method string
		path   string
		body   any
		status int
	}{
		{"unknown script", http.MethodPost, "/api/jobs", gin.H{"script_id": "nope"}, http.StatusNotFound},
		{"missing required parameter", http.MethodPost, "/api/jobs", gin.H{"script_id": "hello"}, http.StatusBadRequest},
		{"unknown backend", http.MethodPost, "/api/jobs", gin.H{"script_id": "hello", "backend": "cloud", "parameters": gin.H{"target": "x"}}, http.StatusBadRequest},
		{"malformed body", http.MethodPost, "/api/jobs", gin.H{}, http.StatusBadRequest},
		{"unknown job", http.MethodGet, "/api/jobs/missing", nil, http.StatusNotFound},
		{"bad status filter", http.MethodGet, "/api/jobs?status=done", nil, http.StatusBadRequest},
		{"bad limit", http.MethodGet, "/api/jobs?limit=-1", nil, http.StatusBadRequest},
		{"requeue disabled", http.MethodPost, "/api/jobs/missing/requeue", nil, http.StatusConflict},
		{"bad secret", http.MethodPost, "/api/agents/register", gin.H{"name": "a", "hostname": "h", "secret": "guess"}, http.StatusUnauthorized},
		{"unknown agent heartbeat", http.MethodPost, "/api/agents/missing/heartbeat", nil, http.StatusNotFound},
		{"unknown agent poll", http.MethodGet, "/api/agents/missing/jobs/next", nil, http.StatusNotFound},
		{"unknown script schema", http.MethodGet, "/api/scripts/nope/schema", nil, http.StatusNotFound},
		{"script sync not configured", http.MethodPost, "/api/admin/sync-scripts", nil, http.StatusNotImplemented},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := api.do(t, tc.method, tc.path, tc.body)
			assert.Equal(t, tc.status, rec.Code, rec.Body.String())
			assert.NotEmpty(t, decode[errorResponse](t, rec).Error)
		})
	}
}

func TestErrorStatus(t *testing.T) {
	assert.Equal(t, http.StatusServiceUnavailable, errorStatus(domain.ErrNoAgentAvailable))
	assert.Equal(t, http.StatusServiceUnavailable, errorStatus(errors.Join(domain.ErrQueueDelivery, errors.New("broker down"))))
	assert.Equal(t, http.StatusInternalServerError, errorStatus(errors.New("boom")))
}

func TestScripts(t *testing.T) {
	api := newTestAPI(t, nil)

	rec := api.do(t, http.MethodGet, "/api/scripts", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]domain.Manifest](t, rec), 1)

	rec = api.do(t, http.MethodGet, "/api/scripts/hello/schema", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	schema := decode[domain.ParameterSchema](t, rec)
	require.Len(t, schema.Parameters, 1)
	assert.Equal(t, "target", schema.Parameters[0].Name)
}

func TestAdminMetrics(t *testing.T) {
	api := newTestAPI(t, nil)

	rec := api.do(t, http.MethodPost, "/api/agents/register", gin.H{"name": "laptop", "hostname": "dev-1", "secret": testSecret})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	for i := 0; i < 2; i++ {
		rec = api.do(t, http.MethodPost, "/api/jobs", gin.H{"script_id": "hello", "parameters": gin.H{"target": "world"}})
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	}

	rec = api.do(t, http.MethodGet, "/api/admin/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	m := decode[domain.PlatformMetrics](t, rec)
	assert.Equal(t, domain.JobCounts{Total: 2, Pending: 2}, m.Jobs)
	assert.Equal(t, domain.AgentCounts{Total: 1, Online: 1}, m.Agents)
}

func TestAgentPullProtocol(t *testing.T) {
	api := newTestAPI(t, nil)
	ctx := context.Background()

	rec := api.do(t, http.MethodPost, "/api/agents/register", gin.H{"name": "laptop", "hostname": "dev-1", "secret": testSecret})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	agent := decode[domain.Agent](t, rec)
	assert.Equal(t, domain.AgentStatusOnline, agent.Status)

	rec = api.do(t, http.MethodGet, "/api/agents/"+agent.ID+"/jobs/next", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	job, err := api.jobs.Submit(ctx, service.SubmitRequest{
		ScriptID: "hello", Backend: domain.BackendAgent, Parameters: map[string]any{"target": "x"},
	})
	require.NoError(t, err)
	_, err = api.runner.Dispatch(ctx, job.ID)
	require.NoError(t, err)

	rec = api.do(t, http.MethodGet, "/api/agents/"+agent.ID+"/jobs/next", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	task := decode[domain.AgentTask](t, rec)
	assert.Equal(t, job.ID, task.Job.ID)
	assert.Equal(t, domain.JobStatusRunning, task.Job.Status)
	require.NotNil(t, task.Script)
	assert.Equal(t, "scripts/hello.sh", task.Script.Path)

	rec = api.do(t, http.MethodPost, "/api/agents/"+agent.ID+"/jobs/"+job.ID+"/result", gin.H{
		"status": "succeeded", "exit_code": 0, "logs": "hello x\n",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	done := decode[domain.Job](t, rec)
	assert.Equal(t, domain.JobStatusSucceeded, done.Status)
	require.NotNil(t, done.ExitCode)
	assert.Equal(t, 0, *done.ExitCode)

	// a second report loses against the terminal state
	rec = api.do(t, http.MethodPost, "/api/agents/"+agent.ID+"/jobs/"+job.ID+"/result", gin.H{"status": "failed"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = api.do(t, http.MethodPost, "/api/agents/"+agent.ID+"/jobs/"+job.ID+"/result", gin.H{"status": "running"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = api.do(t, http.MethodGet, "/api/agents", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]domain.Agent](t, rec), 1)
}

func TestBundleDownload(t *testing.T) {
	api := newTestAPI(t, nil)

	job, err := api.jobs.Submit(context.Background(), service.SubmitRequest{
		ScriptID: "hello", Parameters: map[string]any{"target": "x"},
	})
	require.NoError(t, err)

	rec := api.do(t, http.MethodGet, "/api/jobs/"+job.ID+"/bundle", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "application/zip", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "repro-"+job.ID)
	assert.NotEmpty(t, rec.Header().Get("X-Bundle-ID"))

	zr, err := zip.NewReader(bytes.NewReader(rec.Body.Bytes()), int64(rec.Body.Len()))
	require.NoError(t, err)
	var names []string
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	assert.ElementsMatch(t, []string{
		"manifest.json", "parameters.json", "hello.sh", "job-metadata.json", "logs.txt", "environment.json",
	}, names)

	rec = api.do(t, http.MethodGet, "/api/jobs/missing/bundle", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestLogsOfFinishedJob(t *testing.T) {
	api := newTestAPI(t, nil)
	ctx := context.Background()

	job, err := api.jobs.Submit(ctx, service.SubmitRequest{ScriptID: "hello", Parameters: map[string]any{"target": "x"}})
	require.NoError(t, err)
	_, err = api.jobs.Transition(ctx, job.ID, domain.JobStatusRunning, domain.JobUpdate{})
	require.NoError(t, err)
	out := "line one\nline two\n"
	_, err = api.jobs.Transition(ctx, job.ID, domain.JobStatusSucceeded, domain.JobUpdate{Logs: &out})
	require.NoError(t, err)

	rec := api.do(t, http.MethodGet, "/api/jobs/"+job.ID+"/logs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	body := rec.Body.String()
	assert.Contains(t, body, `"message":"line one"`)
	assert.Contains(t, body, `"message":"line two"`)
	assert.True(t, strings.Index(body, "line one") < strings.Index(body, "event:end"))
}

func TestHealth(t *testing.T) {
	api := newTestAPI(t, map[string]HealthCheck{
		"db": func(context.Context) error { return nil },
	})
	rec := api.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	api = newTestAPI(t, map[string]HealthCheck{
		"queue": func(context.Context) error { return errors.New("closed") },
	})
	rec = api.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "closed")
}
