// Package domain provides domain level entities, errors & helper structs translated from requests.
package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned for an unknown job, agent or script id
	ErrNotFound = errors.New("not found")
	// ErrUnauthorized is returned when an agent registration secret does not match
	ErrUnauthorized = errors.New("unauthorized")
	// ErrInvalidTransition is returned when a job status move is illegal or lost a race
	ErrInvalidTransition = errors.New("invalid job status transition")
	// ErrNoAgentAvailable is returned when no agent is online to take a job
	ErrNoAgentAvailable = errors.New("no agent available")
	// ErrBackendExecution is returned when a backend could not run a job to a zero exit
	ErrBackendExecution = errors.New("backend execution failure")
	// ErrQueueDelivery marks a transient failure to deliver or claim a work item
	ErrQueueDelivery = errors.New("queue delivery failure")
	// ErrInvalidArgument is returned for malformed requests such as bad job parameters
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrSyncDisabled is returned when no scripts remote is configured
	ErrSyncDisabled = errors.New("script sync is not configured")
)

// ExecutionError describes a failed run on a backend
type ExecutionError struct {
	Stage    string
	ExitCode *int
	Logs     string
	Err      error
}

func (e *ExecutionError) Error() string {
	if e.ExitCode != nil {
		return fmt.Sprintf("%s: exited with code %d", e.Stage, *e.ExitCode)
	}
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *ExecutionError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrBackendExecution}
	}
	return []error{ErrBackendExecution, e.Err}
}

// IsTerminal reports whether err must not be retried by the dispatch queue
func IsTerminal(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrNoAgentAvailable) ||
		errors.Is(err, ErrBackendExecution) ||
		errors.Is(err, ErrInvalidArgument) ||
		errors.Is(err, ErrUnauthorized)
}
