package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/crabzie/setup-factory/internal/core/domain"
	"github.com/crabzie/setup-factory/internal/core/port"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type mapStorage struct {
	data    map[string][]byte
	failGet bool
}

func (m *mapStorage) Get(key string) ([]byte, error) {
	if m.failGet {
		return nil, errors.New("connection refused")
	}
	return m.data[key], nil
}

func (m *mapStorage) Set(key string, val []byte, _ time.Duration) error {
	m.data[key] = val
	return nil
}

type countingRegistry struct {
	port.ScriptRegistry
	reads   int
	content map[string][]byte
}

func (r *countingRegistry) GetContent(_ context.Context, path string) ([]byte, error) {
	r.reads++
	c, ok := r.content[path]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return c, nil
}

func TestScriptCacheServesRepeatReadsFromStore(t *testing.T) {
	next := &countingRegistry{content: map[string][]byte{"setup.sh": []byte("echo hi")}}
	store := &mapStorage{data: map[string][]byte{}}
	cache := NewScriptCache(next, store, time.Minute, zap.NewNop())

	for range 3 {
		got, err := cache.GetContent(context.Background(), "setup.sh")
		require.NoError(t, err)
		assert.Equal(t, "echo hi", string(got))
	}
	assert.Equal(t, 1, next.reads)
	assert.Equal(t, []byte("echo hi"), store.data["script:content:setup.sh"])
}

func TestScriptCacheFallsThrough(t *testing.T) {
	next := &countingRegistry{content: map[string][]byte{"setup.sh": []byte("echo hi")}}
	cache := NewScriptCache(next, &mapStorage{data: map[string][]byte{}, failGet: true}, time.Minute, zap.NewNop())

	got, err := cache.GetContent(context.Background(), "setup.sh")
	require.NoError(t, err)
	assert.Equal(t, "echo hi", string(got))

	_, err = cache.GetContent(context.Background(), "missing.sh")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
