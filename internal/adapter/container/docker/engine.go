// Package docker provides the container engine of server runs over the Docker Engine API.
package docker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/crabzie/setup-factory/internal/core/domain"
	"github.com/crabzie/setup-factory/internal/core/port"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	"go.uber.org/zap"
)

type engine struct {
	cli *client.Client
	log *zap.Logger
}

// NewEngine connects to the daemon named by DOCKER_HOST (or the default socket)
func NewEngine(ctx context.Context, log *zap.Logger) (port.ContainerEngine, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	if _, err := cli.Ping(ctx); err != nil {
		cli.Close()
		return nil, fmt.Errorf("docker ping: %w", err)
	}
	return &engine{cli: cli, log: log}, nil
}

// EnsureNetwork creates a bridge whose members cannot reach each other.
// An internal network has no route to outside hosts either.
func (e *engine) EnsureNetwork(ctx context.Context, name string, internal bool) error {
	_, err := e.cli.NetworkInspect(ctx, name, network.InspectOptions{})
	if err == nil {
		return nil
	}
	if !errdefs.IsNotFound(err) {
		return fmt.Errorf("inspect network %s: %w", name, err)
	}

	_, err = e.cli.NetworkCreate(ctx, name, network.CreateOptions{
		Driver:   "bridge",
		Internal: internal,
		Options:  map[string]string{"com.docker.network.bridge.enable_icc": "false"},
		Labels:   map[string]string{"setup-factory.role": "runner"},
	})
	// another node may have created it first
	if err != nil && !errdefs.IsConflict(err) {
		return fmt.Errorf("create network %s: %w", name, err)
	}
	e.log.Info("Created runner network", zap.String("network", name), zap.Bool("internal", internal))
	return nil
}

// Create creates the container, pulling the image once if the daemon does not have it
func (e *engine) Create(ctx context.Context, spec domain.ContainerSpec) (string, error) {
	cfg := &container.Config{
		Image:  spec.Image,
		Env:    spec.Env,
		Labels: spec.Labels,
	}
	host := &container.HostConfig{}
	if spec.Network != "" {
		host.NetworkMode = container.NetworkMode(spec.Network)
	}

	resp, err := e.cli.ContainerCreate(ctx, cfg, host, nil, nil, spec.Name)
	if errdefs.IsNotFound(err) {
		if pullErr := e.pull(ctx, spec.Image); pullErr != nil {
			return "", pullErr
		}
		resp, err = e.cli.ContainerCreate(ctx, cfg, host, nil, nil, spec.Name)
	}
	if err != nil {
		return "", err
	}
	for _, w := range resp.Warnings {
		e.log.Warn("Container create warning", zap.String("container", spec.Name), zap.String("warning", w))
	}
	return resp.ID, nil
}

func (e *engine) pull(ctx context.Context, ref string) error {
	e.log.Info("Pulling runner image", zap.String("image", ref))
	rc, err := e.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull %s: %w", ref, err)
	}
	defer rc.Close()
	// the pull only completes once the progress stream is drained
	_, err = io.Copy(io.Discard, rc)
	return err
}

func (e *engine) Start(ctx context.Context, id string) error {
	return e.cli.ContainerStart(ctx, id, container.StartOptions{})
}

func (e *engine) Wait(ctx context.Context, id string) (int, error) {
	statusCh, errCh := e.cli.ContainerWait(ctx, id, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		return 0, err
	case status := <-statusCh:
		if status.Error != nil && status.Error.Message != "" {
			return int(status.StatusCode), fmt.Errorf("wait: %s", status.Error.Message)
		}
		return int(status.StatusCode), nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Logs returns stdout and stderr interleaved
func (e *engine) Logs(ctx context.Context, id string) (string, error) {
	rc, err := e.cli.ContainerLogs(ctx, id, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return "", err
	}
	defer rc.Close()

	var out bytes.Buffer
	if _, err := stdcopy.StdCopy(&out, &out, rc); err != nil {
		return out.String(), err
	}
	return out.String(), nil
}

func (e *engine) Remove(ctx context.Context, id string, force bool) error {
	err := e.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: force, RemoveVolumes: true})
	if errdefs.IsNotFound(err) {
		return nil
	}
	return err
}

func (e *engine) ListByPrefix(ctx context.Context, prefix string) ([]domain.ContainerRef, error) {
	list, err := e.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("name", prefix)),
	})
	if err != nil {
		return nil, err
	}

	var refs []domain.ContainerRef
	for _, c := range list {
		for _, name := range c.Names {
			name = strings.TrimPrefix(name, "/")
			if strings.HasPrefix(name, prefix) {
				refs = append(refs, domain.ContainerRef{ID: c.ID, Name: name, State: c.State})
				break
			}
		}
	}
	return refs, nil
}
