package memory

import (
	"context"
	"slices"
	"sync"

	"github.com/crabzie/setup-factory/internal/core/port"
)

const _subscriberBuffer = 64

type logStream struct {
	mu   sync.Mutex
	logs map[string][]string
	subs map[string]map[chan string]struct{}
}

// NewLogStream creates a process-local job log stream
func NewLogStream() port.LogStream {
	return &logStream{
		logs: make(map[string][]string),
		subs: make(map[string]map[chan string]struct{}),
	}
}

func (s *logStream) Append(_ context.Context, jobID string, lines ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.logs[jobID] = append(s.logs[jobID], lines...)
	for ch := range s.subs[jobID] {
		for _, l := range lines {
			select {
			case ch <- l:
			default: // slow subscriber, drop
			}
		}
	}
	return nil
}

func (s *logStream) Lines(_ context.Context, jobID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.logs[jobID]), nil
}

func (s *logStream) Subscribe(ctx context.Context, jobID string) (<-chan string, error) {
	ch := make(chan string, _subscriberBuffer)

	s.mu.Lock()
	if s.subs[jobID] == nil {
		s.subs[jobID] = make(map[chan string]struct{})
	}
	s.subs[jobID][ch] = struct{}{}
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs[jobID], ch)
		if len(s.subs[jobID]) == 0 {
			delete(s.subs, jobID)
		}
		close(ch)
		s.mu.Unlock()
	}()
	return ch, nil
}
