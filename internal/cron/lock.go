package cron

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// LockName is the lease every cron worker competes for each cycle.
const LockName = "cron-cycle"

const defaultLockTTL = 2 * time.Minute

// ErrLeaseLost means the lease expired and another worker may now hold it.
var ErrLeaseLost = errors.New("cron lease lost")

// Lock coordinates exclusive cron runs.
type Lock interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// Extender is implemented by locks whose lease can be renewed while a long
// cycle is still running.
type Extender interface {
	Extend(ctx context.Context) error
	TTL() time.Duration
}

type leaseStore interface {
	SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error)
	ReleaseIfOwner(ctx context.Context, key, token string) (bool, error)
	ExtendIfOwner(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
}

// RedisLock is a token-fenced lease. Release and Extend run as single redis
// scripts so a worker can never drop or prolong a lease it no longer owns.
type RedisLock struct {
	store leaseStore
	key   string
	ttl   time.Duration

	mu    sync.Mutex
	token string
}

func NewRedisLock(store leaseStore, key string, ttl time.Duration) (*RedisLock, error) {
	if store == nil {
		return nil, errors.New("redis client required for lock")
	}
	if key == "" {
		return nil, errors.New("lock key is required")
	}
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	return &RedisLock{store: store, key: key, ttl: ttl}, nil
}

func (l *RedisLock) TTL() time.Duration { return l.ttl }

func (l *RedisLock) Acquire(ctx context.Context) (bool, error) {
	token := uuid.NewString()
	ok, err := l.store.SetNX(ctx, l.key, token, l.ttl)
	if err != nil {
		return false, fmt.Errorf("acquire %s: %w", l.key, err)
	}
	if ok {
		l.setToken(token)
	}
	return ok, nil
}

func (l *RedisLock) Extend(ctx context.Context) error {
	token := l.currentToken()
	if token == "" {
		return ErrLeaseLost
	}
	ok, err := l.store.ExtendIfOwner(ctx, l.key, token, l.ttl)
	if err != nil {
		return err
	}
	if !ok {
		l.setToken("")
		return ErrLeaseLost
	}
	return nil
}

// Release is a no-op when the lease was never held or has passed to
// another worker.
func (l *RedisLock) Release(ctx context.Context) error {
	token := l.currentToken()
	if token == "" {
		return nil
	}
	l.setToken("")
	if _, err := l.store.ReleaseIfOwner(ctx, l.key, token); err != nil {
		return err
	}
	return nil
}

func (l *RedisLock) currentToken() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.token
}

func (l *RedisLock) setToken(token string) {
	l.mu.Lock()
	l.token = token
	l.mu.Unlock()
}
