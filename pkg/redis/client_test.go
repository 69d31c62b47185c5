package redis

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/cardkey-backend/pkg/config"
)

type memStore struct {
	data    map[string]string
	counter map[string]int64
	ttl     map[string]time.Duration
	expires int
}

func newMemStore() *memStore {
	return &memStore{data: map[string]string{}, counter: map[string]int64{}, ttl: map[string]time.Duration{}}
}

func (m *memStore) Ping(context.Context) *redis.StatusCmd { return redis.NewStatusResult("PONG", nil) }

func (m *memStore) Get(_ context.Context, key string) *redis.StringCmd {
	v, ok := m.data[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (m *memStore) Set(_ context.Context, key string, value any, _ time.Duration) *redis.StatusCmd {
	m.data[key] = fmt.Sprint(value)
	return redis.NewStatusResult("OK", nil)
}

func (m *memStore) SetNX(_ context.Context, key string, value any, _ time.Duration) *redis.BoolCmd {
	if _, ok := m.data[key]; ok {
		return redis.NewBoolResult(false, nil)
	}
	m.data[key] = fmt.Sprint(value)
	return redis.NewBoolResult(true, nil)
}

func (m *memStore) Incr(_ context.Context, key string) *redis.IntCmd {
	m.counter[key]++
	return redis.NewIntResult(m.counter[key], nil)
}

func (m *memStore) Expire(_ context.Context, key string, ttl time.Duration) *redis.BoolCmd {
	m.expires++
	m.ttl[key] = ttl
	return redis.NewBoolResult(true, nil)
}

// TTL follows redis: -1 for a key without expiry, -2 for a missing key.
func (m *memStore) TTL(_ context.Context, key string) *redis.DurationCmd {
	if _, ok := m.counter[key]; !ok {
		return redis.NewDurationResult(-2, nil)
	}
	if ttl, ok := m.ttl[key]; ok {
		return redis.NewDurationResult(ttl, nil)
	}
	return redis.NewDurationResult(-1, nil)
}

func (m *memStore) Del(_ context.Context, keys ...string) *redis.IntCmd {
	for _, k := range keys {
		delete(m.data, k)
	}
	return redis.NewIntResult(int64(len(keys)), nil)
}

func TestIncrWithTTLSetsWindowOnce(t *testing.T) {
	store := newMemStore()
	client := &Client{store: store}
	ctx := context.Background()

	for want := int64(1); want <= 3; want++ {
		got, err := client.IncrWithTTL(ctx, "ck:rate_limit:checkout", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	assert.Equal(t, 1, store.expires)
}

func TestIncrWithTTLRepairsCounterWithoutExpiry(t *testing.T) {
	store := newMemStore()
	store.counter["ck:rate_limit:checkout"] = 4
	client := &Client{store: store}

	count, err := client.IncrWithTTL(context.Background(), "ck:rate_limit:checkout", time.Minute)
	require.NoError(t, err)
	assert.EqualValues(t, 5, count)
	assert.Equal(t, time.Minute, store.ttl["ck:rate_limit:checkout"])
}

func TestSetNXGuardsWebhookReplays(t *testing.T) {
	client := &Client{store: newMemStore()}
	ctx := context.Background()
	key := client.IdempotencyKey("epay-notify", "TRADE-1")

	won, err := client.SetNX(ctx, key, "1", time.Hour)
	require.NoError(t, err)
	assert.True(t, won)

	won, err = client.SetNX(ctx, key, "1", time.Hour)
	require.NoError(t, err)
	assert.False(t, won)

	require.NoError(t, client.Set(ctx, key, "done", time.Hour))
	got, err := client.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "done", got)

	require.NoError(t, client.Del(ctx, key))
	_, err = client.Get(ctx, key)
	assert.ErrorIs(t, err, redis.Nil)
}

func TestKeysUseNamespace(t *testing.T) {
	assert.Equal(t, "ck:idempotency:scope:id", (&Client{}).IdempotencyKey("scope", "id"))
	assert.Equal(t, "ck:idempotency:scope", (&Client{}).IdempotencyKey("scope", " "))

	staging := &Client{namespace: "ck-staging"}
	assert.Equal(t, "ck-staging:rate_limit:checkout:ip:1.2.3.4", staging.RateLimitKey("checkout:ip:1.2.3.4"))
	assert.Equal(t, "ck-staging:lock:cron-cycle", staging.LockKey("cron-cycle"))
}

func TestUninitializedClientErrors(t *testing.T) {
	var c Client
	assert.ErrorIs(t, c.Ping(context.Background()), errNotInitialized)
	_, err := c.IncrWithTTL(context.Background(), "k", time.Second)
	assert.ErrorIs(t, err, errNotInitialized)
	_, err = c.ReleaseIfOwner(context.Background(), "k", "token")
	assert.ErrorIs(t, err, errNotInitialized)
	_, err = c.ExtendIfOwner(context.Background(), "k", "token", time.Second)
	assert.ErrorIs(t, err, errNotInitialized)
	assert.NoError(t, c.Close())
}

func TestOptionsFromConfig(t *testing.T) {
	opts, err := optionsFromConfig(config.RedisConfig{URL: "redis://:pw@cache:6380/2", PoolSize: 7, DialTimeout: 3 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, "cache:6380", opts.Addr)
	assert.Equal(t, 2, opts.DB)
	assert.Equal(t, 7, opts.PoolSize)
	assert.Equal(t, 3*time.Second, opts.DialTimeout)

	opts, err = optionsFromConfig(config.RedisConfig{Address: "localhost:6379", DB: 4})
	require.NoError(t, err)
	assert.Equal(t, 4, opts.DB)

	_, err = optionsFromConfig(config.RedisConfig{})
	assert.Error(t, err)
}
