package domain

import "time"

// BundleHandle points at a finalized reproduction bundle in the bundle store
type BundleHandle struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Location  string    `json:"location"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
}

// AgentTask is what an agent receives when it pulls its next job
type AgentTask struct {
	Job    *Job      `json:"job"`
	Script *Manifest `json:"script"`
}

// AgentReport is the terminal result an agent pushes back for a job
type AgentReport struct {
	Status      JobStatus      `json:"status"`
	ExitCode    *int           `json:"exit_code"`
	Logs        string         `json:"logs"`
	Artifacts   map[string]any `json:"artifacts"`
	Environment map[string]any `json:"environment"`
	Error       string         `json:"error,omitempty"`
}

// ExecResult is the outcome of a server-side container run
type ExecResult struct {
	ExitCode    int
	Logs        string
	Environment map[string]any
}
