// Package postgres provides the PostgreSQL job & agent stores.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Masterminds/squirrel"
	postgres "github.com/crabzie/setup-factory/config/storage/postgresql"
	"github.com/crabzie/setup-factory/internal/core/domain"
	"github.com/crabzie/setup-factory/internal/core/port"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

const foreignKeyViolation = "23503"

var jobColumns = []string{
	"id", "script_id", "parameters", "backend", "status", "agent_id", "exit_code", "logs",
	"artifacts", "environment", "error", "user_id", "created_at", "started_at", "completed_at", "updated_at",
}

type jobRepository struct {
	db  *postgres.DB
	log *zap.Logger
	now func() time.Time
}

// NewJobRepository creates a new postgres job repository.
// Status changes are single conditional UPDATE statements, so concurrent writers never both win.
func NewJobRepository(db *postgres.DB, log *zap.Logger) port.JobRepository {
	return &jobRepository{
		db:  db,
		log: log,
		now: time.Now,
	}
}

func (r *jobRepository) Create(ctx context.Context, job *domain.Job) error {
	params, err := jsonArg(job.Parameters)
	if err != nil {
		return err
	}
	if params == nil {
		params = "{}"
	}
	artifacts, err := jsonArg(job.Artifacts)
	if err != nil {
		return err
	}
	env, err := jsonArg(job.Environment)
	if err != nil {
		return err
	}

	query := r.db.QueryBuilder.Insert("jobs").
		Columns(jobColumns...).
		Values(
			job.ID, job.ScriptID, squirrel.Expr("?::jsonb", params), string(job.Backend), string(job.Status),
			nullString(job.AgentID), job.ExitCode, job.Logs,
			squirrel.Expr("?::jsonb", artifacts), squirrel.Expr("?::jsonb", env),
			job.Error, job.UserID, job.CreatedAt, job.StartedAt, job.CompletedAt, job.UpdatedAt,
		)

	sql, args, err := query.ToSql()
	if err != nil {
		return err
	}
	if _, err := r.db.Exec(ctx, sql, args...); err != nil {
		if r.db.ErrorCode(err) == postgres.UniqueViolation {
			return fmt.Errorf("job %s already exists", job.ID)
		}
		r.log.Error("Failed to save job", zap.String("job_id", job.ID), zap.Error(err))
		return err
	}
	return nil
}

func (r *jobRepository) GetByID(ctx context.Context, id string) (*domain.Job, error) {
	query := r.db.QueryBuilder.Select(jobColumns...).
		From("jobs").
		Where(squirrel.Eq{"id": id}).
		Limit(1)

	sql, args, err := query.ToSql()
	if err != nil {
		return nil, err
	}
	job, err := scanJob(r.db.QueryRow(ctx, sql, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", id, domain.ErrNotFound)
	}
	return job, err
}

func (r *jobRepository) List(ctx context.Context, filter domain.JobFilter) ([]*domain.Job, error) {
	query := r.db.QueryBuilder.Select(jobColumns...).
		From("jobs").
		OrderBy("created_at DESC", "id DESC")
	if filter.Status != "" {
		query = query.Where(squirrel.Eq{"status": string(filter.Status)})
	}
	if filter.Backend != "" {
		query = query.Where(squirrel.Eq{"backend": string(filter.Backend)})
	}
	if filter.AgentID != "" {
		query = query.Where(squirrel.Eq{"agent_id": filter.AgentID})
	}
	if filter.Limit > 0 {
		query = query.Limit(uint64(filter.Limit))
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

	var jobs []*domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (r *jobRepository) Transition(ctx context.Context, id string, next domain.JobStatus, update domain.JobUpdate) (*domain.Job, error) {
	from := update.ExpectStatus
	preds := next.Predecessors()
	cond := squirrel.And{squirrel.Eq{"id": id}}
	if from != "" {
		if !from.CanTransition(next) {
			return nil, fmt.Errorf("job %s %s -> %s: %w", id, from, next, domain.ErrInvalidTransition)
		}
		cond = append(cond, squirrel.Eq{"status": string(from)})
	} else {
		statuses := make([]string, 0, len(preds))
		for _, p := range preds {
			statuses = append(statuses, string(p))
		}
		cond = append(cond, squirrel.Eq{"status": statuses})
	}
	if update.ExpectAgentID != "" {
		cond = append(cond, squirrel.Eq{"agent_id": update.ExpectAgentID})
	}
	if update.ExpectUnassigned {
		cond = append(cond, squirrel.Eq{"agent_id": nil})
	}

	now := r.now().UTC()
	query := r.db.QueryBuilder.Update("jobs").
		Set("status", string(next)).
		Set("updated_at", now).
		Where(cond).
		Suffix("RETURNING " + columnList())
	switch next {
	case domain.JobStatusRunning:
		query = query.Set("started_at", now)
	case domain.JobStatusSucceeded, domain.JobStatusFailed:
		query = query.Set("completed_at", now)
	}
	if update.ExitCode != nil {
		query = query.Set("exit_code", *update.ExitCode)
	}
	if update.Logs != nil {
		query = query.Set("logs", *update.Logs)
	}
	if update.Error != nil {
		query = query.Set("error", *update.Error)
	}
	if update.Artifacts != nil {
		v, err := jsonArg(update.Artifacts)
		if err != nil {
			return nil, err
		}
		query = query.Set("artifacts", squirrel.Expr("?::jsonb", v))
	}
	if update.Environment != nil {
		v, err := jsonArg(update.Environment)
		if err != nil {
			return nil, err
		}
		query = query.Set("environment", squirrel.Expr("?::jsonb", v))
	}

	sql, args, err := query.ToSql()
	if err != nil {
		return nil, err
	}
	job, err := scanJob(r.db.QueryRow(ctx, sql, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, r.rejected(ctx, id, fmt.Sprintf("-> %s", next))
	}
	return job, err
}

func (r *jobRepository) AssignAgent(ctx context.Context, id, agentID string) (*domain.Job, error) {
	query := r.db.QueryBuilder.Update("jobs").
		Set("agent_id", agentID).
		Set("updated_at", r.now().UTC()).
		Where(squirrel.Eq{
			"id":       id,
			"status":   string(domain.JobStatusPending),
			"backend":  string(domain.BackendAgent),
			"agent_id": nil,
		}).
		Suffix("RETURNING " + columnList())

	sql, args, err := query.ToSql()
	if err != nil {
		return nil, err
	}
	job, err := scanJob(r.db.QueryRow(ctx, sql, args...))
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return nil, r.rejected(ctx, id, "assign")
	case r.db.ErrorCode(err) == foreignKeyViolation:
		return nil, fmt.Errorf("agent %s: %w", agentID, domain.ErrNotFound)
	}
	return job, err
}

// ClaimNextForAgent locks the oldest pending row of the agent with SKIP LOCKED,
// so two polls of the same agent never get the same job
func (r *jobRepository) ClaimNextForAgent(ctx context.Context, agentID string) (*domain.Job, error) {
	sql := `
		UPDATE jobs SET status = $1, started_at = $2, updated_at = $2
		WHERE id = (
			SELECT id FROM jobs
			WHERE agent_id = $3 AND status = $4
			ORDER BY created_at, id
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + columnList()

	now := r.now().UTC()
	job, err := scanJob(r.db.QueryRow(ctx, sql,
		string(domain.JobStatusRunning), now, agentID, string(domain.JobStatusPending)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return job, err
}

func (r *jobRepository) Requeue(ctx context.Context, id string) (*domain.Job, error) {
	query := r.db.QueryBuilder.Update("jobs").
		Set("status", string(domain.JobStatusPending)).
		Set("agent_id", nil).
		Set("exit_code", nil).
		Set("logs", "").
		Set("error", "").
		Set("artifacts", nil).
		Set("environment", nil).
		Set("started_at", nil).
		Set("completed_at", nil).
		Set("updated_at", r.now().UTC()).
		Where(squirrel.Eq{"id": id, "status": string(domain.JobStatusFailed)}).
		Suffix("RETURNING " + columnList())

	sql, args, err := query.ToSql()
	if err != nil {
		return nil, err
	}
	job, err := scanJob(r.db.QueryRow(ctx, sql, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, r.rejected(ctx, id, "requeue")
	}
	return job, err
}

func (r *jobRepository) CountByStatus(ctx context.Context) (map[domain.JobStatus]int, error) {
	sql, args, err := r.db.QueryBuilder.Select("status", "COUNT(*)").
		From("jobs").
		GroupBy("status").
		ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := map[domain.JobStatus]int{}
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[domain.JobStatus(status)] = n
	}
	return counts, rows.Err()
}

// rejected tells a missing job apart from a guard that did not match
func (r *jobRepository) rejected(ctx context.Context, id, op string) error {
	var status string
	err := r.db.QueryRow(ctx, `SELECT status FROM jobs WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("job %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("job %s %s from %s: %w", id, op, status, domain.ErrInvalidTransition)
}

func columnList() string {
	return strings.Join(jobColumns, ", ")
}

func scanJob(row pgx.Row) (*domain.Job, error) {
	var (
		job                    domain.Job
		backend, status        string
		agentID                *string
		params, artifacts, env []byte
	)
	err := row.Scan(
		&job.ID, &job.ScriptID, &params, &backend, &status, &agentID, &job.ExitCode, &job.Logs,
		&artifacts, &env, &job.Error, &job.UserID, &job.CreatedAt, &job.StartedAt, &job.CompletedAt, &job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	job.Backend = domain.Backend(backend)
	job.Status = domain.JobStatus(status)
	if agentID != nil {
		job.AgentID = *agentID
	}
	if job.Parameters, err = jsonMap(params); err != nil {
		return nil, err
	}
	if job.Artifacts, err = jsonMap(artifacts); err != nil {
		return nil, err
	}
	if job.Environment, err = jsonMap(env); err != nil {
		return nil, err
	}
	if job.Parameters == nil {
		job.Parameters = map[string]any{}
	}
	return &job, nil
}

// jsonArg encodes m as a jsonb parameter, nil maps become SQL NULL
func jsonArg(m map[string]any) (any, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode json column: %w", err)
	}
	return string(b), nil
}

func jsonMap(b []byte) (map[string]any, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("decode json column: %w", err)
	}
	return m, nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
