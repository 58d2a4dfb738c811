package service

import (
	"context"
	"fmt"

	"github.com/crabzie/setup-factory/internal/core/domain"
	"github.com/crabzie/setup-factory/internal/core/port"
	"go.uber.org/zap"
)

// AdminService serves the operator overview and the scripts refresh
type AdminService struct {
	jobs   port.JobRepository
	agents *AgentService
	syncer port.ScriptSyncer
	log    *zap.Logger
}

// NewAdminService creates the admin service; a nil syncer disables SyncScripts
func NewAdminService(jobs port.JobRepository, agents *AgentService, syncer port.ScriptSyncer, log *zap.Logger) *AdminService {
	return &AdminService{jobs: jobs, agents: agents, syncer: syncer, log: log}
}

func (s *AdminService) Metrics(ctx context.Context) (*domain.PlatformMetrics, error) {
	byStatus, err := s.jobs.CountByStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	agents, err := s.agents.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}

	m := &domain.PlatformMetrics{Jobs: domain.NewJobCounts(byStatus)}
	m.Agents.Total = len(agents)
	for _, a := range agents {
		if a.Status == domain.AgentStatusOnline {
			m.Agents.Online++
		}
	}
	m.Agents.Offline = m.Agents.Total - m.Agents.Online
	return m, nil
}

// SyncScripts pulls the scripts repository; manifests are read fresh on the next lookup
func (s *AdminService) SyncScripts(ctx context.Context) (*domain.ScriptSync, error) {
	if s.syncer == nil {
		return nil, domain.ErrSyncDisabled
	}
	res, err := s.syncer.Sync(ctx)
	if err != nil {
		s.log.Error("Script sync failed", zap.Error(err))
		return nil, err
	}
	s.log.Info("Scripts synced", zap.String("commit", res.Commit), zap.Bool("cloned", res.Cloned))
	return res, nil
}
