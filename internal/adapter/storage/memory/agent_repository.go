package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/crabzie/setup-factory/internal/core/domain"
	"github.com/crabzie/setup-factory/internal/core/port"
	"github.com/google/uuid"
	"github.com/hashicorp/go-memdb"
)

type agentRepository struct {
	db *memdb.MemDB
}

// NewAgentRepository creates an agent store over db
func NewAgentRepository(db *memdb.MemDB) port.AgentRepository {
	return &agentRepository{db: db}
}

func (r *agentRepository) Upsert(_ context.Context, name, hostname string, seenAt time.Time) (*domain.Agent, error) {
	tx := r.db.Txn(true)
	defer tx.Abort()

	raw, err := tx.First(agentsTable, "name_host", name, hostname)
	if err != nil {
		return nil, fmt.Errorf("agent lookup failed: %w", err)
	}

	var agent domain.Agent
	if raw != nil {
		agent = *raw.(*domain.Agent)
	} else {
		agent = domain.Agent{
			ID:           uuid.NewString(),
			Name:         name,
			Hostname:     hostname,
			RegisteredAt: seenAt,
		}
	}
	agent.Status = domain.AgentStatusOnline
	agent.LastHeartbeat = seenAt

	if err := tx.Insert(agentsTable, &agent); err != nil {
		return nil, fmt.Errorf("agent upsert failed: %w", err)
	}
	tx.Commit()
	out := agent
	return &out, nil
}

func (r *agentRepository) Touch(_ context.Context, id string, seenAt time.Time) (*domain.Agent, error) {
	tx := r.db.Txn(true)
	defer tx.Abort()

	raw, err := tx.First(agentsTable, "id", id)
	if err != nil {
		return nil, fmt.Errorf("agent lookup failed: %w", err)
	}
	if raw == nil {
		return nil, fmt.Errorf("agent %s: %w", id, domain.ErrNotFound)
	}

	agent := *raw.(*domain.Agent)
	agent.Status = domain.AgentStatusOnline
	agent.LastHeartbeat = seenAt
	if err := tx.Insert(agentsTable, &agent); err != nil {
		return nil, fmt.Errorf("agent update failed: %w", err)
	}
	tx.Commit()
	out := agent
	return &out, nil
}

func (r *agentRepository) GetByID(_ context.Context, id string) (*domain.Agent, error) {
	tx := r.db.Txn(false)
	defer tx.Abort()

	raw, err := tx.First(agentsTable, "id", id)
	if err != nil {
		return nil, fmt.Errorf("agent lookup failed: %w", err)
	}
	if raw == nil {
		return nil, fmt.Errorf("agent %s: %w", id, domain.ErrNotFound)
	}
	agent := *raw.(*domain.Agent)
	return &agent, nil
}

func (r *agentRepository) List(ctx context.Context) ([]*domain.Agent, error) {
	return r.ListSeenSince(ctx, time.Time{})
}

func (r *agentRepository) ListSeenSince(_ context.Context, since time.Time) ([]*domain.Agent, error) {
	tx := r.db.Txn(false)
	defer tx.Abort()

	iter, err := tx.Get(agentsTable, "id")
	if err != nil {
		return nil, fmt.Errorf("agent lookup failed: %w", err)
	}
	var agents []*domain.Agent
	for next := iter.Next(); next != nil; next = iter.Next() {
		a := *next.(*domain.Agent)
		if a.LastHeartbeat.Before(since) {
			continue
		}
		agents = append(agents, &a)
	}
	sort.Slice(agents, func(i, k int) bool {
		if !agents[i].LastHeartbeat.Equal(agents[k].LastHeartbeat) {
			return agents[i].LastHeartbeat.After(agents[k].LastHeartbeat)
		}
		return agents[i].ID < agents[k].ID
	})
	return agents, nil
}
