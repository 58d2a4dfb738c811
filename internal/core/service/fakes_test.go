package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	queuemem "github.com/crabzie/setup-factory/internal/adapter/queue/memory"
	"github.com/crabzie/setup-factory/internal/adapter/storage/memory"
	"github.com/crabzie/setup-factory/internal/core/domain"
	"github.com/crabzie/setup-factory/internal/core/port"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testSecret = "s3cret"

// env is a full in-memory stack around the services under test
type env struct {
	jobs    port.JobRepository
	agents  port.AgentRepository
	logs    port.LogStream
	queue   *queuemem.Queue
	scripts *fakeScripts
	secrets *fakeSecrets
	log     *zap.Logger
}

func newEnv(t *testing.T) *env {
	t.Helper()
	db, err := memory.NewDB()
	require.NoError(t, err)
	q := queuemem.New(64)
	t.Cleanup(func() { _ = q.Close() })
	return &env{
		jobs:    memory.NewJobRepository(db),
		agents:  memory.NewAgentRepository(db),
		logs:    memory.NewLogStream(),
		queue:   q,
		scripts: newFakeScripts(),
		secrets: &fakeSecrets{values: map[string]string{RegistrationSecretKey: testSecret}},
		log:     zap.NewNop(),
	}
}

func (e *env) jobService(allowRequeue bool) *JobService {
	return NewJobService(e.jobs, e.scripts, e.queue, e.logs, allowRequeue, e.log)
}

func (e *env) agentService(window time.Duration) *AgentService {
	return NewAgentService(e.agents, e.secrets, nil, window, e.log)
}

// seedJob stores a pending job directly, bypassing the queue
func (e *env) seedJob(t *testing.T, id string, backend domain.Backend, createdAt time.Time) *domain.Job {
	t.Helper()
	job := &domain.Job{
		ID:         id,
		ScriptID:   "hello",
		Parameters: map[string]any{"target": "world"},
		Backend:    backend,
		Status:     domain.JobStatusPending,
		UserID:     "alice",
		CreatedAt:  createdAt,
		UpdatedAt:  createdAt,
	}
	require.NoError(t, e.jobs.Create(context.Background(), job))
	return job
}

func (e *env) job(t *testing.T, id string) *domain.Job {
	t.Helper()
	job, err := e.jobs.GetByID(context.Background(), id)
	require.NoError(t, err)
	return job
}

type fakeScripts struct {
	manifests map[string]*domain.Manifest
	contents  map[string][]byte
}

func newFakeScripts() *fakeScripts {
	return &fakeScripts{
		manifests: map[string]*domain.Manifest{
			"hello": {
				ID:   "hello",
				Name: "Hello",
				Path: "scripts/hello.sh",
				Parameters: []domain.Parameter{
					{Name: "target", Type: domain.ParameterTypeString, Required: true},
					{Name: "count", Type: domain.ParameterTypeNumber, Default: 1.0},
				},
			},
			"inventory": {
				ID:            "inventory",
				Name:          "Inventory",
				Path:          "scripts/inventory.ps1",
				DefaultRunner: domain.BackendAgent,
			},
		},
		contents: map[string][]byte{
			"scripts/hello.sh":      []byte("echo hello $1\n"),
			"scripts/inventory.ps1": []byte("Get-ComputerInfo\n"),
		},
	}
}

func (f *fakeScripts) List(context.Context) ([]*domain.Manifest, error) {
	out := make([]*domain.Manifest, 0, len(f.manifests))
	for _, m := range f.manifests {
		out = append(out, m)
	}
	return out, nil
}

func (f *fakeScripts) Get(_ context.Context, id string) (*domain.Manifest, error) {
	m, ok := f.manifests[id]
	if !ok {
		return nil, fmt.Errorf("script %s: %w", id, domain.ErrNotFound)
	}
	return m, nil
}

func (f *fakeScripts) GetSchema(ctx context.Context, id string) (*domain.ParameterSchema, error) {
	m, err := f.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return m.Schema(), nil
}

func (f *fakeScripts) GetContent(_ context.Context, path string) ([]byte, error) {
	b, ok := f.contents[path]
	if !ok {
		return nil, fmt.Errorf("script file %s: %w", path, domain.ErrNotFound)
	}
	return b, nil
}

type fakeSecrets struct {
	values map[string]string
	creds  map[string]string
}

func (f *fakeSecrets) Lookup(_ context.Context, key string) (string, bool) {
	v, ok := f.values[key]
	return v, ok
}

func (f *fakeSecrets) Credentials(context.Context, string) map[string]string {
	return f.creds
}

// fakeEngine records every call and returns the configured outcome
type fakeEngine struct {
	mu sync.Mutex

	createErr error
	startErr  error
	waitErr   error
	// blockWait makes Wait hang until its context ends
	blockWait bool
	exitCode  int
	output    string
	refs      []domain.ContainerRef

	networkErr error

	specs    []domain.ContainerSpec
	removed  map[string]bool // id -> force
	networks map[string]bool // name -> internal
}

func (f *fakeEngine) EnsureNetwork(_ context.Context, name string, internal bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.networkErr != nil {
		return f.networkErr
	}
	if f.networks == nil {
		f.networks = map[string]bool{}
	}
	f.networks[name] = internal
	return nil
}

func (f *fakeEngine) Create(_ context.Context, spec domain.ContainerSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.specs = append(f.specs, spec)
	if f.createErr != nil {
		return "", f.createErr
	}
	return "cid-" + spec.Name, nil
}

func (f *fakeEngine) Start(context.Context, string) error { return f.startErr }

func (f *fakeEngine) Wait(ctx context.Context, _ string) (int, error) {
	if f.blockWait {
		<-ctx.Done()
		return 0, ctx.Err()
	}
	if f.waitErr != nil {
		return 0, f.waitErr
	}
	return f.exitCode, nil
}

func (f *fakeEngine) Logs(context.Context, string) (string, error) { return f.output, nil }

func (f *fakeEngine) Remove(_ context.Context, id string, force bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.removed == nil {
		f.removed = map[string]bool{}
	}
	f.removed[id] = force
	return nil
}

func (f *fakeEngine) ListByPrefix(context.Context, string) ([]domain.ContainerRef, error) {
	return f.refs, nil
}

func (f *fakeEngine) removal(id string) (force, ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	force, ok = f.removed[id]
	return force, ok
}

// fakeDelivery records how the scheduler settled it
type fakeDelivery struct {
	item    *domain.WorkItem
	acked   bool
	retried bool
	delay   time.Duration
}

func newDelivery(job *domain.Job, attempt int) *fakeDelivery {
	item := domain.NewWorkItem(job, time.Now())
	item.Attempt = attempt
	return &fakeDelivery{item: item}
}

func (d *fakeDelivery) Item() *domain.WorkItem { return d.item }

func (d *fakeDelivery) Ack() error {
	d.acked = true
	return nil
}

func (d *fakeDelivery) Retry(delay time.Duration) error {
	d.retried = true
	d.delay = delay
	return nil
}

type failingQueue struct{ port.QueueService }

func (failingQueue) Enqueue(context.Context, *domain.WorkItem) error {
	return errors.New("broker unreachable")
}

// flakyJobs fails the first n transitions to failOn with a transient error
type flakyJobs struct {
	port.JobRepository
	mu       sync.Mutex
	failOn   domain.JobStatus
	failures int
}

func (f *flakyJobs) Transition(ctx context.Context, id string, next domain.JobStatus, update domain.JobUpdate) (*domain.Job, error) {
	f.mu.Lock()
	if next == f.failOn && f.failures > 0 {
		f.failures--
		f.mu.Unlock()
		return nil, errors.New("connection reset")
	}
	f.mu.Unlock()
	return f.JobRepository.Transition(ctx, id, next, update)
}

// ctxJobs refuses writes on a finished context like a real database driver
type ctxJobs struct {
	port.JobRepository
}

func (c ctxJobs) Transition(ctx context.Context, id string, next domain.JobStatus, update domain.JobUpdate) (*domain.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return c.JobRepository.Transition(ctx, id, next, update)
}

type fakeMonitor struct {
	metrics map[string]domain.AgentMetrics
	err     error
}

func (f *fakeMonitor) GetNodeMetrics(_ context.Context, instance string) (float64, float64, error) {
	m := f.metrics[instance]
	return m.CPUUsage, m.MemUsage, f.err
}

func (f *fakeMonitor) GetAllNodesMetrics(context.Context) (map[string]domain.AgentMetrics, error) {
	return f.metrics, f.err
}

// brokenStore hands out writers that fail on the first write
type brokenStore struct {
	aborted bool
}

func (s *brokenStore) Create(context.Context, string) (port.BundleWriter, error) {
	return &brokenWriter{store: s}, nil
}

func (s *brokenStore) Open(context.Context, string) (io.ReadCloser, error) {
	return nil, domain.ErrNotFound
}

type brokenWriter struct{ store *brokenStore }

func (w *brokenWriter) Write([]byte) (int, error) { return 0, errors.New("disk full") }

func (w *brokenWriter) Commit() (*domain.BundleHandle, error) {
	return nil, errors.New("commit after failed write")
}

func (w *brokenWriter) Abort() error {
	w.store.aborted = true
	return nil
}
