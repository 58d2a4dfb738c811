// Package redis provides the Redis backed job log stream & script content cache.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/crabzie/setup-factory/internal/core/port"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const _subscriberBuffer = 64

// DefaultLogTTL keeps job output a day after its last line
const DefaultLogTTL = 24 * time.Hour

type logStream struct {
	client redis.UniversalClient
	ttl    time.Duration
	log    *zap.Logger
}

// NewLogStream creates a log stream that keeps job output in a list and fans it out over pub/sub.
// Lists expire ttl after the last append, zero keeps them forever.
func NewLogStream(client redis.UniversalClient, ttl time.Duration, log *zap.Logger) port.LogStream {
	return &logStream{
		client: client,
		ttl:    ttl,
		log:    log,
	}
}

func linesKey(jobID string) string {
	return fmt.Sprintf("job:%s:logs", jobID)
}

func channel(jobID string) string {
	return fmt.Sprintf("job:%s:logs:live", jobID)
}

func (s *logStream) Append(ctx context.Context, jobID string, lines ...string) error {
	if len(lines) == 0 {
		return nil
	}
	values := make([]any, len(lines))
	for i, l := range lines {
		values[i] = l
	}

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, linesKey(jobID), values...)
		if s.ttl > 0 {
			pipe.Expire(ctx, linesKey(jobID), s.ttl)
		}
		for _, l := range lines {
			pipe.Publish(ctx, channel(jobID), l)
		}
		return nil
	})
	if err != nil {
		s.log.Warn("Failed to append job logs", zap.String("job_id", jobID), zap.Error(err))
	}
	return err
}

func (s *logStream) Lines(ctx context.Context, jobID string) ([]string, error) {
	return s.client.LRange(ctx, linesKey(jobID), 0, -1).Result()
}

func (s *logStream) Subscribe(ctx context.Context, jobID string) (<-chan string, error) {
	sub := s.client.Subscribe(ctx, channel(jobID))
	// wait for the subscription to be confirmed so no line published after the call is missed
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, err
	}

	out := make(chan string, _subscriberBuffer)
	go func() {
		defer close(out)
		defer sub.Close()
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case out <- msg.Payload:
				default: // slow subscriber, drop
				}
			}
		}
	}()
	return out, nil
}
