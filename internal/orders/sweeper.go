package orders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"
	"gorm.io/gorm"

	"github.com/angelmondragon/cardkey-backend/pkg/db/models"
	"github.com/angelmondragon/cardkey-backend/pkg/enums"
	"github.com/angelmondragon/cardkey-backend/pkg/logger"
)

const sweepThrottleName = "order-expiry"

// Throttle hands out at most one run per interval for a name.
type Throttle interface {
	Acquire(ctx context.Context, name string, interval time.Duration) (bool, error)
}

// SweepFilter scopes a sweep. Force skips the throttle; the cron worker uses
// it because its own lease already serializes cycles.
type SweepFilter struct {
	ProductID string
	Force     bool
}

// SweepResult lists what a sweep did. Ran is false when another caller held the slot.
type SweepResult struct {
	Ran       bool
	Cancelled []string
}

// SweeperParams groups the collaborators of NewSweeper.
type SweeperParams struct {
	Repo      Repository
	Tx        txRunner
	Outbox    outboxPublisher
	Inventory Inventory
	Points    PointsLedger
	Throttle  Throttle
	Expiry    time.Duration
	Interval  time.Duration
	Logger    *logger.Logger
	Now       func() time.Time
}

// Sweeper cancels pending orders whose buyer never paid.
type Sweeper struct {
	repo     Repository
	tx       txRunner
	throttle Throttle
	expiry   time.Duration
	interval time.Duration
	logg     *logger.Logger
	now      func() time.Time
	transitions
}

func NewSweeper(p SweeperParams) (*Sweeper, error) {
	if p.Repo == nil || p.Tx == nil || p.Outbox == nil || p.Inventory == nil || p.Points == nil {
		return nil, fmt.Errorf("sweeper dependencies missing")
	}
	if p.Throttle == nil {
		return nil, fmt.Errorf("sweeper throttle required")
	}
	if p.Expiry <= 0 {
		return nil, fmt.Errorf("order expiry must be positive")
	}
	now := p.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Sweeper{
		repo:     p.Repo,
		tx:       p.Tx,
		throttle: p.Throttle,
		expiry:   p.Expiry,
		interval: p.Interval,
		logg:     p.Logger,
		now:      now,
		transitions: transitions{
			inventory: p.Inventory,
			points:    p.Points,
			outbox:    p.Outbox,
			logg:      p.Logger,
		},
	}, nil
}

// CancelExpired cancels every pending order older than the expiry window.
// Each order is handled in its own transaction; failures are collected and the
// sweep moves on.
func (s *Sweeper) CancelExpired(ctx context.Context, filter SweepFilter) (SweepResult, error) {
	var result SweepResult
	if !filter.Force {
		name := sweepThrottleName
		if filter.ProductID != "" {
			name += ":" + filter.ProductID
		}
		ok, err := s.throttle.Acquire(ctx, name, s.interval)
		if err != nil {
			return result, fmt.Errorf("acquire sweep throttle: %w", err)
		}
		if !ok {
			return result, nil
		}
	}
	result.Ran = true

	cutoff := s.now().Add(-s.expiry)
	candidates, err := s.repo.ListExpiredPending(ctx, cutoff, filter.ProductID)
	if err != nil {
		return result, fmt.Errorf("list expired orders: %w", err)
	}

	var errs error
	for _, candidate := range candidates {
		cancelled, err := s.expireOne(ctx, candidate.OrderID, cutoff)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("order %s: %w", candidate.OrderID, err))
			continue
		}
		if cancelled {
			result.Cancelled = append(result.Cancelled, candidate.OrderID)
		}
	}

	if len(result.Cancelled) > 0 {
		logCtx := s.logg.WithFields(ctx, map[string]any{"cancelled": len(result.Cancelled), "product_id": filter.ProductID})
		s.logg.Info(logCtx, "expired orders cancelled")
	}
	return result, errs
}

func (s *Sweeper) expireOne(ctx context.Context, orderID string, cutoff time.Time) (bool, error) {
	var cancelled bool
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		order, err := repo.FindByIDForUpdate(ctx, orderID)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if !stillExpired(*order, cutoff) {
			return nil
		}
		if err := s.cancel(ctx, tx, repo, order, Actor{}); err != nil {
			return err
		}
		cancelled = true
		return nil
	})
	return cancelled, err
}

// stillExpired rechecks a candidate under its row lock; a payment may have landed meanwhile.
func stillExpired(order models.Order, cutoff time.Time) bool {
	return order.Status == enums.OrderStatusPending && order.CreatedAt.Before(cutoff)
}
