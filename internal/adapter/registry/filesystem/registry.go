// Package filesystem provides the script registry backed by a checked out scripts repository.
package filesystem

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/crabzie/setup-factory/internal/core/domain"
	"github.com/crabzie/setup-factory/internal/core/port"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// ManifestDir is where manifests live under the repository root
const ManifestDir = "manifests"

type registry struct {
	root string
	log  *zap.Logger
}

// NewRegistry reads manifests from <root>/manifests on every call, so a git pull is picked up without restart
func NewRegistry(root string, log *zap.Logger) port.ScriptRegistry {
	return &registry{root: root, log: log}
}

func (r *registry) List(_ context.Context) ([]*domain.Manifest, error) {
	dir := filepath.Join(r.root, ManifestDir)
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		r.log.Warn("Manifest directory missing", zap.String("dir", dir))
		return []*domain.Manifest{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read manifests: %w", err)
	}

	manifests := make([]*domain.Manifest, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !(strings.HasSuffix(name, ".yaml") || strings.HasSuffix(name, ".yml")) {
			continue
		}
		m, err := loadManifest(filepath.Join(dir, name))
		if err != nil {
			// one broken manifest must not hide the others
			r.log.Error("Skipping invalid manifest", zap.String("file", name), zap.Error(err))
			continue
		}
		manifests = append(manifests, m)
	}
	sort.Slice(manifests, func(i, k int) bool { return manifests[i].ID < manifests[k].ID })
	return manifests, nil
}

func (r *registry) Get(ctx context.Context, id string) (*domain.Manifest, error) {
	manifests, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	for _, m := range manifests {
		if m.ID == id {
			return m, nil
		}
	}
	return nil, fmt.Errorf("script %s: %w", id, domain.ErrNotFound)
}

func (r *registry) GetSchema(ctx context.Context, id string) (*domain.ParameterSchema, error) {
	m, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return m.Schema(), nil
}

// GetContent reads a file relative to the repository root; paths escaping the root are rejected
func (r *registry) GetContent(_ context.Context, path string) ([]byte, error) {
	full, err := r.resolve(path)
	if err != nil {
		return nil, err
	}
	content, err := os.ReadFile(full)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("script file %s: %w", path, domain.ErrNotFound)
	}
	return content, err
}

func (r *registry) resolve(path string) (string, error) {
	if path == "" || filepath.IsAbs(path) {
		return "", fmt.Errorf("script path %q: %w", path, domain.ErrInvalidArgument)
	}
	rel := filepath.Clean(filepath.FromSlash(path))
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("script path %q escapes the repository: %w", path, domain.ErrInvalidArgument)
	}
	return filepath.Join(r.root, rel), nil
}

func loadManifest(file string) (*domain.Manifest, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}
	var m domain.Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	if m.ID == "" {
		return nil, errors.New("manifest has no id")
	}
	if m.DefaultRunner != "" && !m.DefaultRunner.Valid() {
		return nil, fmt.Errorf("unknown default_runner %q", m.DefaultRunner)
	}
	return &m, nil
}
