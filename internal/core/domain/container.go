package domain

import "strings"

// ContainerNamePrefix prefixes every server-run environment instance
const ContainerNamePrefix = "job-"

// JobIDLabel is attached to every server-run container
const JobIDLabel = "setup-factory.job-id"

// ContainerName derives the deterministic environment instance name for a job
func ContainerName(jobID string) string {
	return ContainerNamePrefix + jobID
}

// JobIDFromContainerName reverses ContainerName
func JobIDFromContainerName(name string) (string, bool) {
	name = strings.TrimPrefix(name, "/")
	if !strings.HasPrefix(name, ContainerNamePrefix) || len(name) == len(ContainerNamePrefix) {
		return "", false
	}
	return strings.TrimPrefix(name, ContainerNamePrefix), true
}

// ContainerSpec describes a single-use execution environment
type ContainerSpec struct {
	Name    string
	Image   string
	Env     []string
	Network string
	Labels  map[string]string
}

// ContainerRef identifies an existing environment instance
type ContainerRef struct {
	ID    string
	Name  string
	State string
}

// Stopped reports whether the instance is no longer running its script
func (r ContainerRef) Stopped() bool {
	return r.State == "exited" || r.State == "dead"
}
