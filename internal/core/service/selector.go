package service

import (
	"context"
	"sort"

	"github.com/crabzie/setup-factory/internal/core/domain"
	"github.com/crabzie/setup-factory/internal/core/port"
	"go.uber.org/zap"
)

// RecentSelector picks the most recently seen agent, ties broken by ascending id
type RecentSelector struct{}

func (RecentSelector) Select(_ context.Context, online []*domain.Agent) (*domain.Agent, error) {
	if len(online) == 0 {
		return nil, domain.ErrNoAgentAvailable
	}
	best := online[0]
	for _, a := range online[1:] {
		if a.LastHeartbeat.After(best.LastHeartbeat) ||
			(a.LastHeartbeat.Equal(best.LastHeartbeat) && a.ID < best.ID) {
			best = a
		}
	}
	return best, nil
}

// LoadSelector ranks online agents by CPU and memory headroom reported for their hostname.
// Agents without metrics rank last; without any metrics it behaves like RecentSelector.
type LoadSelector struct {
	monitor  port.MonitoringService
	fallback RecentSelector
	log      *zap.Logger
}

func NewLoadSelector(monitor port.MonitoringService, log *zap.Logger) *LoadSelector {
	return &LoadSelector{monitor: monitor, log: log}
}

func (s *LoadSelector) Select(ctx context.Context, online []*domain.Agent) (*domain.Agent, error) {
	if len(online) == 0 {
		return nil, domain.ErrNoAgentAvailable
	}

	metrics, err := s.monitor.GetAllNodesMetrics(ctx)
	if err != nil {
		s.log.Warn("Failed to fetch batch metrics, falling back to most recently seen agent", zap.Error(err))
		return s.fallback.Select(ctx, online)
	}

	type agentScore struct {
		agent *domain.Agent
		score float64
	}
	var candidates []agentScore
	for _, a := range online {
		m, ok := metrics[a.Hostname]
		if !ok {
			continue
		}
		// CPU headroom dominates, memory pressure breaks near-ties
		score := (100-m.CPUUsage)*0.6 - (m.MemUsage/1024)*0.4
		s.log.Debug("Evaluated agent load",
			zap.String("agent_id", a.ID),
			zap.Float64("used_cpu", m.CPUUsage),
			zap.Float64("used_mem", m.MemUsage))
		candidates = append(candidates, agentScore{agent: a, score: score})
	}
	if len(candidates) == 0 {
		return s.fallback.Select(ctx, online)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].agent.ID < candidates[j].agent.ID
	})
	return candidates[0].agent, nil
}
