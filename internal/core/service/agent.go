package service

import (
	"context"
	"crypto/subtle"
	"fmt"
	"strings"
	"time"

	"github.com/crabzie/setup-factory/internal/core/domain"
	"github.com/crabzie/setup-factory/internal/core/port"
	"go.uber.org/zap"
)

// RegistrationSecretKey is the secret source key holding the shared agent registration secret
const RegistrationSecretKey = "AGENT_REGISTRATION_SECRET"

// AgentService tracks agent registration and liveness
type AgentService struct {
	agents   port.AgentRepository
	secrets  port.SecretSource
	selector port.AgentSelector
	window   time.Duration
	log      *zap.Logger
	now      func() time.Time
}

func NewAgentService(
	agents port.AgentRepository,
	secrets port.SecretSource,
	selector port.AgentSelector,
	window time.Duration,
	log *zap.Logger,
) *AgentService {
	if selector == nil {
		selector = RecentSelector{}
	}
	return &AgentService{
		agents:   agents,
		secrets:  secrets,
		selector: selector,
		window:   window,
		log:      log,
		now:      time.Now,
	}
}

// Window returns the liveness window
func (s *AgentService) Window() time.Duration {
	return s.window
}

// Register creates or refreshes the agent identified by (name, hostname)
func (s *AgentService) Register(ctx context.Context, name, hostname, secret string) (*domain.Agent, error) {
	expected, ok := s.secrets.Lookup(ctx, RegistrationSecretKey)
	if !ok || expected == "" || subtle.ConstantTimeCompare([]byte(expected), []byte(secret)) != 1 {
		s.log.Warn("Agent registration refused", zap.String("name", name), zap.String("hostname", hostname))
		return nil, fmt.Errorf("register agent %q: %w", name, domain.ErrUnauthorized)
	}

	name, hostname = strings.TrimSpace(name), strings.TrimSpace(hostname)
	if name == "" || hostname == "" {
		return nil, fmt.Errorf("%w: agent name and hostname are required", domain.ErrInvalidArgument)
	}

	agent, err := s.agents.Upsert(ctx, name, hostname, s.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("register agent %q: %w", name, err)
	}
	s.log.Info("Agent registered",
		zap.String("agent_id", agent.ID),
		zap.String("name", agent.Name),
		zap.String("hostname", agent.Hostname))
	return agent.WithComputedStatus(s.now(), s.window), nil
}

// Heartbeat refreshes an agent's last-seen timestamp
func (s *AgentService) Heartbeat(ctx context.Context, id string) (*domain.Agent, error) {
	agent, err := s.agents.Touch(ctx, id, s.now().UTC())
	if err != nil {
		return nil, err
	}
	s.log.Debug("Agent heartbeat", zap.String("agent_id", id))
	return agent.WithComputedStatus(s.now(), s.window), nil
}

// Get returns one agent with its computed status
func (s *AgentService) Get(ctx context.Context, id string) (*domain.Agent, error) {
	agent, err := s.agents.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return agent.WithComputedStatus(s.now(), s.window), nil
}

// List returns every known agent with its computed status
func (s *AgentService) List(ctx context.Context) ([]*domain.Agent, error) {
	agents, err := s.agents.List(ctx)
	if err != nil {
		return nil, err
	}
	now := s.now()
	out := make([]*domain.Agent, 0, len(agents))
	for _, a := range agents {
		out = append(out, a.WithComputedStatus(now, s.window))
	}
	return out, nil
}

// ListOnline returns agents whose last heartbeat is inside the liveness window
func (s *AgentService) ListOnline(ctx context.Context) ([]*domain.Agent, error) {
	now := s.now()
	agents, err := s.agents.ListSeenSince(ctx, now.Add(-s.window))
	if err != nil {
		return nil, err
	}
	out := make([]*domain.Agent, 0, len(agents))
	for _, a := range agents {
		if a.Online(now, s.window) {
			out = append(out, a.WithComputedStatus(now, s.window))
		}
	}
	return out, nil
}

// Select chooses one online agent for a new job
func (s *AgentService) Select(ctx context.Context) (*domain.Agent, error) {
	online, err := s.ListOnline(ctx)
	if err != nil {
		return nil, err
	}
	if len(online) == 0 {
		return nil, domain.ErrNoAgentAvailable
	}
	return s.selector.Select(ctx, online)
}
