package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	postgres "github.com/crabzie/setup-factory/config/storage/postgresql"
	"github.com/crabzie/setup-factory/internal/core/domain"
	"github.com/crabzie/setup-factory/internal/core/port"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

var agentColumns = []string{"id", "name", "hostname", "status", "last_heartbeat", "registered_at"}

type agentRepository struct {
	db  *postgres.DB
	log *zap.Logger
}

// NewAgentRepository creates a new postgres agent repository
func NewAgentRepository(db *postgres.DB, log *zap.Logger) port.AgentRepository {
	return &agentRepository{
		db:  db,
		log: log,
	}
}

// Upsert keeps one row per (name, hostname); a re-registration keeps the original id
func (r *agentRepository) Upsert(ctx context.Context, name, hostname string, seenAt time.Time) (*domain.Agent, error) {
	query := r.db.QueryBuilder.Insert("agents").
		Columns(agentColumns...).
		Values(uuid.NewString(), name, hostname, string(domain.AgentStatusOnline), seenAt, seenAt).
		Suffix(`ON CONFLICT (name, hostname) DO UPDATE
			SET status = EXCLUDED.status, last_heartbeat = EXCLUDED.last_heartbeat
			RETURNING id, name, hostname, status, last_heartbeat, registered_at`)

	sql, args, err := query.ToSql()
	if err != nil {
		return nil, err
	}
	agent, err := scanAgent(r.db.QueryRow(ctx, sql, args...))
	if err != nil {
		r.log.Error("Failed to upsert agent", zap.String("name", name), zap.String("hostname", hostname), zap.Error(err))
		return nil, err
	}
	return agent, nil
}

func (r *agentRepository) Touch(ctx context.Context, id string, seenAt time.Time) (*domain.Agent, error) {
	query := r.db.QueryBuilder.Update("agents").
		Set("status", string(domain.AgentStatusOnline)).
		Set("last_heartbeat", seenAt).
		Where(squirrel.Eq{"id": id}).
		Suffix("RETURNING id, name, hostname, status, last_heartbeat, registered_at")

	sql, args, err := query.ToSql()
	if err != nil {
		return nil, err
	}
	agent, err := scanAgent(r.db.QueryRow(ctx, sql, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("agent %s: %w", id, domain.ErrNotFound)
	}
	return agent, err
}

func (r *agentRepository) GetByID(ctx context.Context, id string) (*domain.Agent, error) {
	sql, args, err := r.db.QueryBuilder.Select(agentColumns...).
		From("agents").
		Where(squirrel.Eq{"id": id}).
		ToSql()
	if err != nil {
		return nil, err
	}
	agent, err := scanAgent(r.db.QueryRow(ctx, sql, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("agent %s: %w", id, domain.ErrNotFound)
	}
	return agent, err
}

func (r *agentRepository) List(ctx context.Context) ([]*domain.Agent, error) {
	return r.ListSeenSince(ctx, time.Time{})
}

func (r *agentRepository) ListSeenSince(ctx context.Context, since time.Time) ([]*domain.Agent, error) {
	query := r.db.QueryBuilder.Select(agentColumns...).
		From("agents").
		OrderBy("last_heartbeat DESC", "id ASC")
	if !since.IsZero() {
		query = query.Where(squirrel.GtOrEq{"last_heartbeat": since})
	}

	sql, args, err := query.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var agents []*domain.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

func scanAgent(row pgx.Row) (*domain.Agent, error) {
	var (
		a      domain.Agent
		status string
	)
	if err := row.Scan(&a.ID, &a.Name, &a.Hostname, &status, &a.LastHeartbeat, &a.RegisteredAt); err != nil {
		return nil, err
	}
	a.Status = domain.AgentStatus(status)
	return &a, nil
}
