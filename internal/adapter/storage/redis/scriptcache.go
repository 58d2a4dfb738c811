package redis

import (
	"context"
	"time"

	"github.com/crabzie/setup-factory/internal/core/port"
	"go.uber.org/zap"
)

// Storage is the key/value view of the cache, satisfied by the fiber redis storage
type Storage interface {
	Get(key string) ([]byte, error)
	Set(key string, val []byte, exp time.Duration) error
}

type scriptCache struct {
	port.ScriptRegistry
	store Storage
	ttl   time.Duration
	log   *zap.Logger
}

// NewScriptCache caches script contents of next in store for ttl.
// Cache failures fall through to next.
func NewScriptCache(next port.ScriptRegistry, store Storage, ttl time.Duration, log *zap.Logger) port.ScriptRegistry {
	return &scriptCache{
		ScriptRegistry: next,
		store:          store,
		ttl:            ttl,
		log:            log,
	}
}

func (c *scriptCache) GetContent(ctx context.Context, path string) ([]byte, error) {
	key := "script:content:" + path
	cached, err := c.store.Get(key)
	if err != nil {
		c.log.Warn("Script cache read failed", zap.String("path", path), zap.Error(err))
	}
	if len(cached) > 0 {
		return cached, nil
	}

	content, err := c.ScriptRegistry.GetContent(ctx, path)
	if err != nil {
		return nil, err
	}
	if err := c.store.Set(key, content, c.ttl); err != nil {
		c.log.Warn("Script cache write failed", zap.String("path", path), zap.Error(err))
	}
	return content, nil
}
