// Package redis provides Redis cache server implimentation logic.
package redis

import (
	"context"
	"time"

	config "github.com/crabzie/setup-factory/config/utils"
	"go.uber.org/zap"

	"github.com/gofiber/storage/redis/v3"
	redigo "github.com/redis/go-redis/v9"
)

// Redis holds the shared connection: Client is the key/value cache view of it,
// Universal the raw client used for lists and pub/sub
type Redis struct {
	Client    *redis.Storage
	Universal redigo.UniversalClient
}

// New creates a new instance of Redis, retrying the first ping with an incremental backoff
func New(ctx context.Context, config *config.Redis, log *zap.Logger) (*Redis, error) {
	client := redigo.NewUniversalClient(&redigo.UniversalOptions{
		Addrs:           []string{config.Addr},
		Password:        config.Password,
		DB:              0,
		MaxRetries:      3,
		MinRetryBackoff: 100 * time.Millisecond,
		MaxRetryBackoff: 1 * time.Second,
		DialTimeout:     5 * time.Second,
		ReadTimeout:     3 * time.Second,
		WriteTimeout:    3 * time.Second,
		PoolSize:        10,
		MinIdleConns:    2,
		ConnMaxIdleTime: 5 * time.Minute,
	})

	var err error
	maxRetries := 5
	for i := 1; i <= maxRetries; i++ {
		if err = client.Ping(ctx).Err(); err == nil {
			break
		}
		log.Warn("Failed to connect to Redis, retrying...", zap.Int("attempt", i), zap.Error(err))
		if i == maxRetries {
			client.Close()
			return nil, err
		}
		select {
		case <-ctx.Done():
			client.Close()
			return nil, ctx.Err()
		case <-time.After(time.Duration(i*2) * time.Second):
		}
	}

	storage := redis.NewFromConnection(client)

	return &Redis{storage, client}, nil
}

// Close closes the shared connection
func (r *Redis) Close() error {
	return r.Universal.Close()
}
