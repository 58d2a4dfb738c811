package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/crabzie/setup-factory/internal/core/domain"
	"github.com/crabzie/setup-factory/internal/core/port"
	"go.uber.org/zap"
)

const _removeTimeout = 30 * time.Second

// ServerRunnerConfig holds the container settings of server runs
type ServerRunnerConfig struct {
	Image string
	// Network is a dedicated bridge shared by job containers only
	Network         string
	InternalNetwork bool
	// Cleanup forces removal of successful runs as well; failed runs are always force removed
	Cleanup bool
	Timeout time.Duration
}

// ServerRunner executes a job inside a fresh single-use container
type ServerRunner struct {
	engine  port.ContainerEngine
	secrets port.SecretSource
	logs    port.LogStream
	cfg     ServerRunnerConfig
	log     *zap.Logger
}

func NewServerRunner(
	engine port.ContainerEngine,
	secrets port.SecretSource,
	logs port.LogStream,
	cfg ServerRunnerConfig,
	log *zap.Logger,
) *ServerRunner {
	return &ServerRunner{
		engine:  engine,
		secrets: secrets,
		logs:    logs,
		cfg:     cfg,
		log:     log,
	}
}

// Prepare creates the runner network; builtin docker networks are used as they are
func (r *ServerRunner) Prepare(ctx context.Context) error {
	switch r.cfg.Network {
	case "", "bridge", "host", "none", "default":
		r.log.Warn("Job containers are not on a dedicated network", zap.String("network", r.cfg.Network))
		return nil
	}
	if err := r.engine.EnsureNetwork(ctx, r.cfg.Network, r.cfg.InternalNetwork); err != nil {
		return fmt.Errorf("ensure runner network %s: %w", r.cfg.Network, err)
	}
	r.log.Info("Runner network ready", zap.String("network", r.cfg.Network), zap.Bool("internal", r.cfg.InternalNetwork))
	return nil
}

// Execute runs the job to completion and always removes its container.
// Creation, start, wait failures and non-zero exits return a *domain.ExecutionError.
func (r *ServerRunner) Execute(ctx context.Context, jobID, scriptID string, parameters map[string]any) (res *domain.ExecResult, err error) {
	name := domain.ContainerName(jobID)
	log := r.log.With(zap.String("job_id", jobID), zap.String("container", name))

	env, err := r.environment(ctx, jobID, scriptID, parameters)
	if err != nil {
		return nil, &domain.ExecutionError{Stage: "prepare", Err: err}
	}

	startedAt := time.Now().UTC()
	id, err := r.engine.Create(ctx, domain.ContainerSpec{
		Name:    name,
		Image:   r.cfg.Image,
		Env:     env,
		Network: r.cfg.Network,
		Labels:  map[string]string{domain.JobIDLabel: jobID},
	})
	if err != nil {
		// a half-created instance may still exist under the deterministic name
		r.remove(ctx, log, name, true)
		return nil, &domain.ExecutionError{Stage: "create", Err: err}
	}
	log.Info("Created container", zap.String("image", r.cfg.Image))

	defer func() {
		force := err != nil || r.cfg.Cleanup
		r.remove(ctx, log, id, force)
	}()

	if err := r.engine.Start(ctx, id); err != nil {
		return nil, &domain.ExecutionError{Stage: "start", Err: err}
	}
	log.Info("Started container")

	waitCtx := ctx
	if r.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, r.cfg.Timeout)
		defer cancel()
	}
	exitCode, err := r.engine.Wait(waitCtx, id)
	if err != nil {
		logs, _ := r.engine.Logs(context.WithoutCancel(ctx), id)
		return nil, &domain.ExecutionError{Stage: "wait", Logs: logs, Err: err}
	}
	log.Info("Container finished", zap.Int("exit_code", exitCode))

	logs, err := r.engine.Logs(ctx, id)
	if err != nil {
		return nil, &domain.ExecutionError{Stage: "logs", ExitCode: &exitCode, Err: err}
	}
	r.publish(ctx, log, jobID, logs)

	res = &domain.ExecResult{
		ExitCode: exitCode,
		Logs:     logs,
		Environment: map[string]any{
			"runner":      string(domain.BackendServer),
			"image":       r.cfg.Image,
			"network":     r.cfg.Network,
			"container":   name,
			"started_at":  startedAt.Format(time.RFC3339Nano),
			"finished_at": time.Now().UTC().Format(time.RFC3339Nano),
		},
	}
	if exitCode != 0 {
		return res, &domain.ExecutionError{Stage: "run", ExitCode: &exitCode, Logs: logs}
	}
	return res, nil
}

// ReapOrphans force-removes job containers whose job is finished or unknown
func (r *ServerRunner) ReapOrphans(ctx context.Context, isFinished func(ctx context.Context, jobID string) bool) (int, error) {
	containers, err := r.JobContainers(ctx)
	if err != nil {
		return 0, err
	}
	reaped := 0
	for jobID, ref := range containers {
		if !isFinished(ctx, jobID) {
			continue
		}
		if err := r.Discard(ctx, ref); err != nil {
			r.log.Warn("Failed to reap orphaned container", zap.String("container", ref.Name), zap.Error(err))
			continue
		}
		r.log.Info("Reaped orphaned container", zap.String("container", ref.Name), zap.String("job_id", jobID))
		reaped++
	}
	return reaped, nil
}

// JobContainers lists the job containers known to the engine, keyed by job id
func (r *ServerRunner) JobContainers(ctx context.Context) (map[string]domain.ContainerRef, error) {
	refs, err := r.engine.ListByPrefix(ctx, domain.ContainerNamePrefix)
	if err != nil {
		return nil, fmt.Errorf("list job containers: %w", err)
	}
	out := make(map[string]domain.ContainerRef, len(refs))
	for _, ref := range refs {
		if jobID, ok := domain.JobIDFromContainerName(ref.Name); ok {
			out[jobID] = ref
		}
	}
	return out, nil
}

// Discard force-removes a job container whatever its state
func (r *ServerRunner) Discard(ctx context.Context, ref domain.ContainerRef) error {
	return r.engine.Remove(ctx, ref.ID, true)
}

func (r *ServerRunner) environment(ctx context.Context, jobID, scriptID string, parameters map[string]any) ([]string, error) {
	params, err := json.Marshal(parameters)
	if err != nil {
		return nil, fmt.Errorf("serialize parameters: %w", err)
	}
	env := []string{
		"JOB_ID=" + jobID,
		"SCRIPT_ID=" + scriptID,
		"PARAMETERS=" + string(params),
	}
	if r.secrets == nil {
		return env, nil
	}
	creds := r.secrets.Credentials(ctx, scriptID)
	keys := make([]string, 0, len(creds))
	for k := range creds {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+creds[k])
	}
	return env, nil
}

// remove never fails the run; it outlives a cancelled parent context
func (r *ServerRunner) remove(ctx context.Context, log *zap.Logger, id string, force bool) {
	rmCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), _removeTimeout)
	defer cancel()
	if err := r.engine.Remove(rmCtx, id, force); err != nil {
		log.Error("Failed to remove container", zap.Bool("force", force), zap.Error(err))
		return
	}
	log.Info("Removed container", zap.Bool("force", force))
}

func (r *ServerRunner) publish(ctx context.Context, log *zap.Logger, jobID, logs string) {
	if r.logs == nil || logs == "" {
		return
	}
	lines := strings.Split(strings.TrimRight(logs, "\n"), "\n")
	if err := r.logs.Append(ctx, jobID, lines...); err != nil {
		log.Warn("Failed to publish container logs", zap.Error(err))
	}
}
