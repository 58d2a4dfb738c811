package domain

import "time"

type AgentStatus string

const (
	AgentStatusOnline  AgentStatus = "online"
	AgentStatusOffline AgentStatus = "offline"
)

// Agent represents a caller-owned machine that pulls and executes agent jobs
type Agent struct {
	ID            string      `json:"id"`
	Name          string      `json:"name"`
	Hostname      string      `json:"hostname"`
	Status        AgentStatus `json:"status"`
	LastHeartbeat time.Time   `json:"last_heartbeat"`
	RegisteredAt  time.Time   `json:"registered_at"`
}

// Online reports whether the last heartbeat falls inside the liveness window
func (a *Agent) Online(now time.Time, window time.Duration) bool {
	return !a.LastHeartbeat.Before(now.Add(-window))
}

// StaleFor returns how long the agent has been silent
func (a *Agent) StaleFor(now time.Time) time.Duration {
	return now.Sub(a.LastHeartbeat)
}

// WithComputedStatus returns a copy whose Status reflects liveness at now
func (a *Agent) WithComputedStatus(now time.Time, window time.Duration) *Agent {
	c := *a
	c.Status = AgentStatusOffline
	if a.Online(now, window) {
		c.Status = AgentStatusOnline
	}
	return &c
}

// AgentMetrics is the live load of an agent host
type AgentMetrics struct {
	CPUUsage float64 `json:"cpu_usage"` // percent
	MemUsage float64 `json:"mem_usage"` // MB
}
