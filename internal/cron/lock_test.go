package cron

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memoryLeases struct {
	values map[string]string
	ttls   map[string]time.Duration
}

func newMemoryLeases() *memoryLeases {
	return &memoryLeases{values: map[string]string{}, ttls: map[string]time.Duration{}}
}

func (m *memoryLeases) SetNX(_ context.Context, key string, value any, ttl time.Duration) (bool, error) {
	if _, ok := m.values[key]; ok {
		return false, nil
	}
	m.values[key] = value.(string)
	m.ttls[key] = ttl
	return true, nil
}

func (m *memoryLeases) ReleaseIfOwner(_ context.Context, key, token string) (bool, error) {
	if m.values[key] != token {
		return false, nil
	}
	delete(m.values, key)
	return true, nil
}

func (m *memoryLeases) ExtendIfOwner(_ context.Context, key, token string, ttl time.Duration) (bool, error) {
	if m.values[key] != token {
		return false, nil
	}
	m.ttls[key] = ttl
	return true, nil
}

func TestRedisLockIsExclusive(t *testing.T) {
	ctx := context.Background()
	store := newMemoryLeases()
	first, err := NewRedisLock(store, "ck:lock:cron-cycle", time.Minute)
	require.NoError(t, err)
	second, err := NewRedisLock(store, "ck:lock:cron-cycle", time.Minute)
	require.NoError(t, err)

	ok, err := first.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	ok, _ = second.Acquire(ctx)
	assert.False(t, ok, "second worker must not acquire a held lease")
	require.NoError(t, second.Release(ctx))
	assert.Contains(t, store.values, "ck:lock:cron-cycle", "non-owner release dropped the lease")

	require.NoError(t, first.Release(ctx))
	ok, _ = second.Acquire(ctx)
	assert.True(t, ok, "lease should be free after owner release")
}

func TestRedisLockExtendDetectsTakeover(t *testing.T) {
	ctx := context.Background()
	store := newMemoryLeases()
	lock, err := NewRedisLock(store, "ck:lock:cron-cycle", 0)
	require.NoError(t, err)
	assert.Equal(t, defaultLockTTL, lock.TTL())

	assert.ErrorIs(t, lock.Extend(ctx), ErrLeaseLost, "extend before acquire")

	ok, err := lock.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, lock.Extend(ctx))

	// The lease expired and another worker took it.
	store.values["ck:lock:cron-cycle"] = "someone-else"
	assert.ErrorIs(t, lock.Extend(ctx), ErrLeaseLost)
	require.NoError(t, lock.Release(ctx))
	assert.Equal(t, "someone-else", store.values["ck:lock:cron-cycle"])
}

func TestNewRedisLockValidates(t *testing.T) {
	_, err := NewRedisLock(nil, "k", time.Minute)
	assert.Error(t, err)
	_, err = NewRedisLock(newMemoryLeases(), "", time.Minute)
	assert.Error(t, err)
}
