// Package port provides behavior interfaces that connects service & storage & handler.
package port

import (
	"context"
	"io"
	"time"

	"github.com/crabzie/setup-factory/internal/core/domain"
)

// JobRepository defines how jobs are persisted.
// Every mutation is atomic with respect to a single job id.
type JobRepository interface {
	Create(ctx context.Context, job *domain.Job) error
	GetByID(ctx context.Context, id string) (*domain.Job, error)
	List(ctx context.Context, filter domain.JobFilter) ([]*domain.Job, error)
	// Transition moves a job to next if the move is legal from its current status
	Transition(ctx context.Context, id string, next domain.JobStatus, update domain.JobUpdate) (*domain.Job, error)
	// AssignAgent binds a pending, unassigned agent job to agentID
	AssignAgent(ctx context.Context, id, agentID string) (*domain.Job, error)
	// ClaimNextForAgent marks the oldest pending job assigned to agentID running.
	// It returns nil when the agent has nothing queued.
	ClaimNextForAgent(ctx context.Context, agentID string) (*domain.Job, error)
	// Requeue resets a failed job to pending
	Requeue(ctx context.Context, id string) (*domain.Job, error)
	CountByStatus(ctx context.Context) (map[domain.JobStatus]int, error)
}

// AgentRepository defines how agents are persisted
type AgentRepository interface {
	// Upsert creates or refreshes the agent identified by (name, hostname)
	Upsert(ctx context.Context, name, hostname string, seenAt time.Time) (*domain.Agent, error)
	Touch(ctx context.Context, id string, seenAt time.Time) (*domain.Agent, error)
	GetByID(ctx context.Context, id string) (*domain.Agent, error)
	List(ctx context.Context) ([]*domain.Agent, error)
	ListSeenSince(ctx context.Context, since time.Time) ([]*domain.Agent, error)
}

// QueueService defines how work items are published and claimed
type QueueService interface {
	Enqueue(ctx context.Context, item *domain.WorkItem) error
	// Claim blocks until one item is exclusively owned by the caller or ctx ends
	Claim(ctx context.Context) (Delivery, error)
	Close() error
}

// Delivery is an exclusively claimed work item
type Delivery interface {
	Item() *domain.WorkItem
	// Ack settles the item for good
	Ack() error
	// Retry settles this delivery and redelivers the item with the next attempt number after delay
	Retry(delay time.Duration) error
}

// ScriptSyncer refreshes the scripts checkout the registry reads from
type ScriptSyncer interface {
	Sync(ctx context.Context) (*domain.ScriptSync, error)
}

// ScriptRegistry is a read-only lookup of runnable script manifests
type ScriptRegistry interface {
	List(ctx context.Context) ([]*domain.Manifest, error)
	Get(ctx context.Context, id string) (*domain.Manifest, error)
	GetSchema(ctx context.Context, id string) (*domain.ParameterSchema, error)
	GetContent(ctx context.Context, path string) ([]byte, error)
}

// SecretSource resolves secrets, degrading to "nothing found" on failure
type SecretSource interface {
	Lookup(ctx context.Context, key string) (string, bool)
	// Credentials returns environment variables to inject into a server run of scriptID
	Credentials(ctx context.Context, scriptID string) map[string]string
}

// ContainerEngine runs single-use execution environments
type ContainerEngine interface {
	// EnsureNetwork creates the named bridge network unless it exists
	EnsureNetwork(ctx context.Context, name string, internal bool) error
	Create(ctx context.Context, spec domain.ContainerSpec) (string, error)
	Start(ctx context.Context, id string) error
	Wait(ctx context.Context, id string) (int, error)
	Logs(ctx context.Context, id string) (string, error)
	Remove(ctx context.Context, id string, force bool) error
	ListByPrefix(ctx context.Context, prefix string) ([]domain.ContainerRef, error)
}

// BundleStore is the durable content store for reproduction bundles
type BundleStore interface {
	// Create opens a pending bundle; nothing is visible under name until Commit
	Create(ctx context.Context, name string) (BundleWriter, error)
	Open(ctx context.Context, name string) (io.ReadCloser, error)
}

// BundleWriter receives archive bytes for a pending bundle
type BundleWriter interface {
	io.Writer
	Commit() (*domain.BundleHandle, error)
	Abort() error
}

// LogStream carries live job output
type LogStream interface {
	Append(ctx context.Context, jobID string, lines ...string) error
	Lines(ctx context.Context, jobID string) ([]string, error)
	// Subscribe delivers lines appended after the call until ctx ends
	Subscribe(ctx context.Context, jobID string) (<-chan string, error)
}

// MonitoringService defines how we fetch live metrics (Prometheus)
type MonitoringService interface {
	GetNodeMetrics(ctx context.Context, instance string) (float64, float64, error) // Returns CPU, Mem usage
	GetAllNodesMetrics(ctx context.Context) (map[string]domain.AgentMetrics, error)
}

// AgentSelector picks one agent out of the online set
type AgentSelector interface {
	Select(ctx context.Context, online []*domain.Agent) (*domain.Agent, error)
}
