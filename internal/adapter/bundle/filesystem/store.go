// Package filesystem provides the bundle store over a local directory.
package filesystem

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/crabzie/setup-factory/internal/core/domain"
	"github.com/crabzie/setup-factory/internal/core/port"
)

const pendingPattern = ".pending-*"

type store struct {
	root string
}

// NewStore creates root when missing. Bundles become visible through an atomic rename on commit.
func NewStore(root string) (port.BundleStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("bundle directory: %w", err)
	}
	return &store{root: root}, nil
}

func (s *store) path(name string) (string, error) {
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return "", fmt.Errorf("bundle name %q: %w", name, domain.ErrInvalidArgument)
	}
	return filepath.Join(s.root, name), nil
}

func (s *store) Create(_ context.Context, name string) (port.BundleWriter, error) {
	final, err := s.path(name)
	if err != nil {
		return nil, err
	}
	f, err := os.CreateTemp(s.root, pendingPattern)
	if err != nil {
		return nil, err
	}
	return &writer{f: f, final: final, name: name}, nil
}

func (s *store) Open(_ context.Context, name string) (io.ReadCloser, error) {
	p, err := s.path(name)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("bundle %s: %w", name, domain.ErrNotFound)
	}
	return f, err
}

type writer struct {
	f     *os.File
	final string
	name  string
	size  int64
	done  bool
}

func (w *writer) Write(p []byte) (int, error) {
	n, err := w.f.Write(p)
	w.size += int64(n)
	return n, err
}

func (w *writer) Commit() (*domain.BundleHandle, error) {
	if w.done {
		return nil, errors.New("bundle already finalized")
	}
	w.done = true
	if err := w.f.Sync(); err != nil {
		w.discard()
		return nil, err
	}
	if err := w.f.Close(); err != nil {
		os.Remove(w.f.Name())
		return nil, err
	}
	if err := os.Rename(w.f.Name(), w.final); err != nil {
		os.Remove(w.f.Name())
		return nil, err
	}
	return &domain.BundleHandle{
		Name:      w.name,
		Location:  w.final,
		Size:      w.size,
		CreatedAt: time.Now().UTC(),
	}, nil
}

func (w *writer) Abort() error {
	if w.done {
		return nil
	}
	w.done = true
	return w.discard()
}

func (w *writer) discard() error {
	closeErr := w.f.Close()
	if err := os.Remove(w.f.Name()); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	if errors.Is(closeErr, os.ErrClosed) {
		return nil
	}
	return closeErr
}
