package domain

import "time"

// PlatformMetrics is the admin overview of jobs and agents
type PlatformMetrics struct {
	Jobs   JobCounts   `json:"jobs"`
	Agents AgentCounts `json:"agents"`
}

type JobCounts struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

type AgentCounts struct {
	Total   int `json:"total"`
	Online  int `json:"online"`
	Offline int `json:"offline"`
}

// NewJobCounts folds per-status counts into the overview
func NewJobCounts(byStatus map[JobStatus]int) JobCounts {
	c := JobCounts{
		Pending:   byStatus[JobStatusPending],
		Running:   byStatus[JobStatusRunning],
		Succeeded: byStatus[JobStatusSucceeded],
		Failed:    byStatus[JobStatusFailed],
	}
	for _, n := range byStatus {
		c.Total += n
	}
	return c
}

// ScriptSync is the outcome of refreshing the scripts checkout from its remote
type ScriptSync struct {
	Commit   string    `json:"commit"`
	Cloned   bool      `json:"cloned"`
	SyncedAt time.Time `json:"syncedAt"`
}
