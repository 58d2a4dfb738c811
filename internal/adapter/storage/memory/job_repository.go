package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/crabzie/setup-factory/internal/core/domain"
	"github.com/crabzie/setup-factory/internal/core/port"
	"github.com/hashicorp/go-memdb"
)

type jobRepository struct {
	db  *memdb.MemDB
	now func() time.Time
}

// NewJobRepository creates a job store over db. Write transactions are serialized by memdb,
// which makes every compare-and-set below atomic.
func NewJobRepository(db *memdb.MemDB) port.JobRepository {
	return &jobRepository{db: db, now: time.Now}
}

func (r *jobRepository) Create(_ context.Context, job *domain.Job) error {
	tx := r.db.Txn(true)
	defer tx.Abort()

	existing, err := tx.First(jobsTable, "id", job.ID)
	if err != nil {
		return fmt.Errorf("job lookup failed: %w", err)
	}
	if existing != nil {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	if err := tx.Insert(jobsTable, job.Clone()); err != nil {
		return fmt.Errorf("job insert failed: %w", err)
	}
	tx.Commit()
	return nil
}

func (r *jobRepository) GetByID(_ context.Context, id string) (*domain.Job, error) {
	tx := r.db.Txn(false)
	defer tx.Abort()

	job, err := getJob(tx, id)
	if err != nil {
		return nil, err
	}
	return job.Clone(), nil
}

func (r *jobRepository) List(_ context.Context, filter domain.JobFilter) ([]*domain.Job, error) {
	tx := r.db.Txn(false)
	defer tx.Abort()

	var (
		iter memdb.ResultIterator
		err  error
	)
	switch {
	case filter.AgentID != "" && filter.Status != "":
		iter, err = tx.Get(jobsTable, "agent_status", filter.AgentID, string(filter.Status))
	case filter.Status != "":
		iter, err = tx.Get(jobsTable, "status", string(filter.Status))
	default:
		iter, err = tx.Get(jobsTable, "id")
	}
	if err != nil {
		return nil, fmt.Errorf("job lookup failed: %w", err)
	}

	var jobs []*domain.Job
	for next := iter.Next(); next != nil; next = iter.Next() {
		j := next.(*domain.Job)
		if filter.AgentID != "" && j.AgentID != filter.AgentID {
			continue
		}
		if filter.Backend != "" && j.Backend != filter.Backend {
			continue
		}
		jobs = append(jobs, j.Clone())
	}

	sort.Slice(jobs, func(i, k int) bool {
		if !jobs[i].CreatedAt.Equal(jobs[k].CreatedAt) {
			return jobs[i].CreatedAt.After(jobs[k].CreatedAt)
		}
		return jobs[i].ID > jobs[k].ID
	})
	if filter.Limit > 0 && len(jobs) > filter.Limit {
		jobs = jobs[:filter.Limit]
	}
	return jobs, nil
}

func (r *jobRepository) Transition(_ context.Context, id string, next domain.JobStatus, update domain.JobUpdate) (*domain.Job, error) {
	tx := r.db.Txn(true)
	defer tx.Abort()

	current, err := getJob(tx, id)
	if err != nil {
		return nil, err
	}
	if !update.Allows(current, next) {
		return nil, fmt.Errorf("job %s %s -> %s: %w", id, current.Status, next, domain.ErrInvalidTransition)
	}

	job := current.Clone()
	update.Apply(job, next, r.now().UTC())
	if err := tx.Insert(jobsTable, job); err != nil {
		return nil, fmt.Errorf("job update failed: %w", err)
	}
	tx.Commit()
	return job.Clone(), nil
}

func (r *jobRepository) AssignAgent(_ context.Context, id, agentID string) (*domain.Job, error) {
	tx := r.db.Txn(true)
	defer tx.Abort()

	current, err := getJob(tx, id)
	if err != nil {
		return nil, err
	}
	if current.Backend != domain.BackendAgent || current.Status != domain.JobStatusPending || current.AgentID != "" {
		return nil, fmt.Errorf("assign job %s (%s, agent %q): %w", id, current.Status, current.AgentID, domain.ErrInvalidTransition)
	}

	job := current.Clone()
	job.AgentID = agentID
	job.UpdatedAt = r.now().UTC()
	if err := tx.Insert(jobsTable, job); err != nil {
		return nil, fmt.Errorf("job update failed: %w", err)
	}
	tx.Commit()
	return job.Clone(), nil
}

func (r *jobRepository) ClaimNextForAgent(_ context.Context, agentID string) (*domain.Job, error) {
	tx := r.db.Txn(true)
	defer tx.Abort()

	iter, err := tx.Get(jobsTable, "agent_status", agentID, string(domain.JobStatusPending))
	if err != nil {
		return nil, fmt.Errorf("job lookup failed: %w", err)
	}
	var oldest *domain.Job
	for next := iter.Next(); next != nil; next = iter.Next() {
		j := next.(*domain.Job)
		if oldest == nil || j.CreatedAt.Before(oldest.CreatedAt) ||
			(j.CreatedAt.Equal(oldest.CreatedAt) && j.ID < oldest.ID) {
			oldest = j
		}
	}
	if oldest == nil {
		return nil, nil
	}

	job := oldest.Clone()
	domain.JobUpdate{}.Apply(job, domain.JobStatusRunning, r.now().UTC())
	if err := tx.Insert(jobsTable, job); err != nil {
		return nil, fmt.Errorf("job update failed: %w", err)
	}
	tx.Commit()
	return job.Clone(), nil
}

func (r *jobRepository) Requeue(_ context.Context, id string) (*domain.Job, error) {
	tx := r.db.Txn(true)
	defer tx.Abort()

	current, err := getJob(tx, id)
	if err != nil {
		return nil, err
	}
	if current.Status != domain.JobStatusFailed {
		return nil, fmt.Errorf("requeue job %s from %s: %w", id, current.Status, domain.ErrInvalidTransition)
	}

	job := current.Clone()
	job.Status = domain.JobStatusPending
	job.AgentID = ""
	job.ExitCode = nil
	job.Logs = ""
	job.Error = ""
	job.Artifacts = nil
	job.Environment = nil
	job.StartedAt = nil
	job.CompletedAt = nil
	job.UpdatedAt = r.now().UTC()
	if err := tx.Insert(jobsTable, job); err != nil {
		return nil, fmt.Errorf("job update failed: %w", err)
	}
	tx.Commit()
	return job.Clone(), nil
}

func (r *jobRepository) CountByStatus(_ context.Context) (map[domain.JobStatus]int, error) {
	tx := r.db.Txn(false)
	defer tx.Abort()

	iter, err := tx.Get(jobsTable, "id")
	if err != nil {
		return nil, fmt.Errorf("job lookup failed: %w", err)
	}
	counts := map[domain.JobStatus]int{}
	for next := iter.Next(); next != nil; next = iter.Next() {
		counts[next.(*domain.Job).Status]++
	}
	return counts, nil
}

func getJob(tx *memdb.Txn, id string) (*domain.Job, error) {
	raw, err := tx.First(jobsTable, "id", id)
	if err != nil {
		return nil, fmt.Errorf("job lookup failed: %w", err)
	}
	if raw == nil {
		return nil, fmt.Errorf("job %s: %w", id, domain.ErrNotFound)
	}
	return raw.(*domain.Job), nil
}
