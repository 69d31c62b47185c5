package epaywebhook

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/angelmondragon/cardkey-backend/pkg/redis"
)

// IdempotencyGuard remembers which provider trades were already handled so
// replayed notifications skip fulfillment.
type IdempotencyGuard struct {
	store redis.IdempotencyStore
	ttl   time.Duration
	scope string
}

func NewIdempotencyGuard(store redis.IdempotencyStore, ttl time.Duration, scope string) (*IdempotencyGuard, error) {
	if store == nil {
		return nil, errors.New("idempotency store is required")
	}
	if ttl < 0 {
		return nil, errors.New("ttl must be non-negative")
	}
	if scope == "" {
		return nil, errors.New("scope is required")
	}
	return &IdempotencyGuard{store: store, ttl: ttl, scope: scope}, nil
}

// CheckAndMark reports whether tradeNo was seen before, marking it otherwise.
func (g *IdempotencyGuard) CheckAndMark(ctx context.Context, tradeNo string) (bool, error) {
	if tradeNo == "" {
		return false, errors.New("trade number is required")
	}
	set, err := g.store.SetNX(ctx, g.store.IdempotencyKey(g.scope, tradeNo), "1", g.ttl)
	if err != nil {
		return false, fmt.Errorf("set idempotency key: %w", err)
	}
	return !set, nil
}

// Delete forgets tradeNo so the provider's next retry is processed.
func (g *IdempotencyGuard) Delete(ctx context.Context, tradeNo string) error {
	if tradeNo == "" {
		return errors.New("trade number is required")
	}
	return g.store.Del(ctx, g.store.IdempotencyKey(g.scope, tradeNo))
}
