package domain

import (
	"maps"
	"time"
)

type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusSucceeded JobStatus = "succeeded"
	JobStatusFailed    JobStatus = "failed"
)

// Backend selects where a job executes
type Backend string

const (
	BackendAgent  Backend = "agent"
	BackendServer Backend = "server"
)

// Valid reports whether b names a known execution backend
func (b Backend) Valid() bool {
	return b == BackendAgent || b == BackendServer
}

// Terminal reports whether no further transition can leave s
func (s JobStatus) Terminal() bool {
	return s == JobStatusSucceeded || s == JobStatusFailed
}

// CanTransition reports whether moving a job from s to next is legal.
// pending -> failed is reserved for dispatch aborts (no agent, exhausted delivery attempts).
func (s JobStatus) CanTransition(next JobStatus) bool {
	switch s {
	case JobStatusPending:
		return next == JobStatusRunning || next == JobStatusFailed
	case JobStatusRunning:
		return next == JobStatusSucceeded || next == JobStatusFailed
	}
	return false
}

// Predecessors returns every status from which s can be reached
func (s JobStatus) Predecessors() []JobStatus {
	var from []JobStatus
	for _, prev := range []JobStatus{JobStatusPending, JobStatusRunning, JobStatusSucceeded, JobStatusFailed} {
		if prev.CanTransition(s) {
			from = append(from, prev)
		}
	}
	return from
}

// Job is one request to run a script with specific parameters on a specific backend
type Job struct {
	ID          string         `json:"id"`
	ScriptID    string         `json:"script_id"`
	Parameters  map[string]any `json:"parameters"`
	Backend     Backend        `json:"backend"`
	Status      JobStatus      `json:"status"`
	AgentID     string         `json:"agent_id,omitempty"`
	ExitCode    *int           `json:"exit_code"`
	Logs        string         `json:"logs,omitempty"`
	Artifacts   map[string]any `json:"artifacts,omitempty"`
	Environment map[string]any `json:"environment,omitempty"`
	Error       string         `json:"error,omitempty"`
	UserID      string         `json:"user_id"`
	CreatedAt   time.Time      `json:"created_at"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// Clone returns a copy of j that shares no maps or pointers with it
func (j *Job) Clone() *Job {
	c := *j
	c.Parameters = maps.Clone(j.Parameters)
	c.Artifacts = maps.Clone(j.Artifacts)
	c.Environment = maps.Clone(j.Environment)
	if j.ExitCode != nil {
		v := *j.ExitCode
		c.ExitCode = &v
	}
	if j.StartedAt != nil {
		v := *j.StartedAt
		c.StartedAt = &v
	}
	if j.CompletedAt != nil {
		v := *j.CompletedAt
		c.CompletedAt = &v
	}
	return &c
}

// JobUpdate carries the fields written together with a status transition.
// Nil fields are left untouched.
type JobUpdate struct {
	ExitCode    *int
	Logs        *string
	Artifacts   map[string]any
	Environment map[string]any
	Error       *string

	// ExpectStatus guards the transition on the current status
	ExpectStatus JobStatus
	// ExpectAgentID guards the transition on the job being owned by this agent
	ExpectAgentID string
	// ExpectUnassigned guards the transition on the job having no agent
	ExpectUnassigned bool
}

// Allows reports whether the guards of u accept j moving to next
func (u JobUpdate) Allows(j *Job, next JobStatus) bool {
	if !j.Status.CanTransition(next) {
		return false
	}
	if u.ExpectStatus != "" && j.Status != u.ExpectStatus {
		return false
	}
	if u.ExpectAgentID != "" && j.AgentID != u.ExpectAgentID {
		return false
	}
	if u.ExpectUnassigned && j.AgentID != "" {
		return false
	}
	return true
}

// Apply writes the transition to next and the update fields into j, stamping timestamps
func (u JobUpdate) Apply(j *Job, next JobStatus, now time.Time) {
	j.Status = next
	j.UpdatedAt = now
	switch next {
	case JobStatusRunning:
		j.StartedAt = &now
	case JobStatusSucceeded, JobStatusFailed:
		j.CompletedAt = &now
	}
	if u.ExitCode != nil {
		v := *u.ExitCode
		j.ExitCode = &v
	}
	if u.Logs != nil {
		j.Logs = *u.Logs
	}
	if u.Artifacts != nil {
		j.Artifacts = maps.Clone(u.Artifacts)
	}
	if u.Environment != nil {
		j.Environment = maps.Clone(u.Environment)
	}
	if u.Error != nil {
		j.Error = *u.Error
	}
}

// JobFilter narrows a job listing
type JobFilter struct {
	Status  JobStatus
	Backend Backend
	AgentID string
	Limit   int
}

// WorkItem is the unit carried by the dispatch queue
type WorkItem struct {
	JobID      string         `json:"job_id"`
	ScriptID   string         `json:"script_id"`
	Parameters map[string]any `json:"parameters"`
	Backend    Backend        `json:"backend"`
	Attempt    int            `json:"attempt"`
	EnqueuedAt time.Time      `json:"enqueued_at"`
}

// NewWorkItem builds the first delivery attempt for job
func NewWorkItem(job *Job, now time.Time) *WorkItem {
	return &WorkItem{
		JobID:      job.ID,
		ScriptID:   job.ScriptID,
		Parameters: maps.Clone(job.Parameters),
		Backend:    job.Backend,
		Attempt:    1,
		EnqueuedAt: now,
	}
}
