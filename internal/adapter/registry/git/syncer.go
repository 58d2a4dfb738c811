// Package git keeps the scripts checkout in step with its remote repository.
package git

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/crabzie/setup-factory/internal/core/domain"
	"github.com/crabzie/setup-factory/internal/core/port"
	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	"go.uber.org/zap"
)

// Remote names the repository to follow; Username and Password are sent as basic auth
type Remote struct {
	URL      string
	Branch   string
	Username string
	Password string
}

type syncer struct {
	root   string
	remote Remote
	log    *zap.Logger
	now    func() time.Time

	mu sync.Mutex
}

// NewSyncer clones remote into root on first use and pulls afterwards
func NewSyncer(root string, remote Remote, log *zap.Logger) port.ScriptSyncer {
	return &syncer{root: root, remote: remote, log: log, now: time.Now}
}

func (s *syncer) Sync(ctx context.Context) (*domain.ScriptSync, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cloned := false
	repo, err := gogit.PlainOpen(s.root)
	switch {
	case errors.Is(err, gogit.ErrRepositoryNotExists):
		s.log.Info("Cloning scripts repository", zap.String("path", s.root))
		repo, err = gogit.PlainCloneContext(ctx, s.root, false, &gogit.CloneOptions{
			URL:           s.remote.URL,
			Auth:          s.auth(),
			ReferenceName: s.branch(),
			SingleBranch:  s.remote.Branch != "",
		})
		if err != nil {
			return nil, fmt.Errorf("clone scripts repository: %w", err)
		}
		cloned = true
	case err != nil:
		return nil, fmt.Errorf("open scripts repository: %w", err)
	default:
		wt, err := repo.Worktree()
		if err != nil {
			return nil, fmt.Errorf("scripts worktree: %w", err)
		}
		err = wt.PullContext(ctx, &gogit.PullOptions{
			RemoteName:    gogit.DefaultRemoteName,
			Auth:          s.auth(),
			ReferenceName: s.branch(),
			SingleBranch:  s.remote.Branch != "",
		})
		if err != nil && !errors.Is(err, gogit.NoErrAlreadyUpToDate) {
			return nil, fmt.Errorf("pull scripts repository: %w", err)
		}
	}

	head, err := repo.Head()
	if err != nil {
		return nil, fmt.Errorf("read scripts head: %w", err)
	}
	return &domain.ScriptSync{
		Commit:   head.Hash().String(),
		Cloned:   cloned,
		SyncedAt: s.now().UTC(),
	}, nil
}

func (s *syncer) auth() transport.AuthMethod {
	if s.remote.Username == "" && s.remote.Password == "" {
		return nil
	}
	return &githttp.BasicAuth{Username: s.remote.Username, Password: s.remote.Password}
}

func (s *syncer) branch() plumbing.ReferenceName {
	if s.remote.Branch == "" {
		return ""
	}
	return plumbing.NewBranchReferenceName(s.remote.Branch)
}
