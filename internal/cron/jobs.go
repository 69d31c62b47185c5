package cron

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/angelmondragon/cardkey-backend/internal/orders"
	"github.com/angelmondragon/cardkey-backend/pkg/logger"
)

const (
	orderExpiryJobName        = "order-expiry"
	reservationCleanupJobName = "reservation-cleanup"
	outboxRetentionJobName    = "outbox-retention"

	defaultCleanupThrottle = time.Minute
	outboxRetention        = 30 * 24 * time.Hour
)

// ErrSkipped reports that a job found nothing to do this cycle because
// another worker ran it recently.
var ErrSkipped = errors.New("job skipped")

type expirySweeper interface {
	CancelExpired(ctx context.Context, filter orders.SweepFilter) (orders.SweepResult, error)
}

type orphanReleaser interface {
	ReleaseOrphaned(ctx context.Context, db *gorm.DB) (int64, error)
}

// Throttle hands out at most one run per interval for a name.
type Throttle interface {
	Acquire(ctx context.Context, name string, interval time.Duration) (bool, error)
}

type outboxPruner interface {
	DeletePublishedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// NewOrderExpiryJob cancels every expired pending order. The cycle lock
// already serializes workers, so the sweep bypasses its own throttle.
func NewOrderExpiryJob(sweeper expirySweeper, logg *logger.Logger) (Job, error) {
	if sweeper == nil {
		return nil, fmt.Errorf("sweeper required")
	}
	return &orderExpiryJob{sweeper: sweeper, logg: logg}, nil
}

type orderExpiryJob struct {
	sweeper expirySweeper
	logg    *logger.Logger
}

func (j *orderExpiryJob) Name() string { return orderExpiryJobName }

func (j *orderExpiryJob) Run(ctx context.Context) error {
	res, err := j.sweeper.CancelExpired(ctx, orders.SweepFilter{Force: true})
	if err != nil {
		return fmt.Errorf("cancel expired orders: %w", err)
	}
	j.logg.Info(j.logg.WithField(ctx, "cancelled", len(res.Cancelled)), "expired orders cancelled")
	return nil
}

// ReservationCleanupParams configure the orphaned reservation job.
type ReservationCleanupParams struct {
	DB       *gorm.DB
	Releaser orphanReleaser
	Throttle Throttle
	Interval time.Duration
	Logger   *logger.Logger
}

// NewReservationCleanupJob frees units still stamped by orders that are no
// longer pending, at most once per interval across all callers.
func NewReservationCleanupJob(p ReservationCleanupParams) (*ReservationCleanupJob, error) {
	if p.DB == nil {
		return nil, fmt.Errorf("db required")
	}
	if p.Releaser == nil {
		return nil, fmt.Errorf("releaser required")
	}
	if p.Throttle == nil {
		return nil, fmt.Errorf("throttle required")
	}
	interval := p.Interval
	if interval <= 0 {
		interval = defaultCleanupThrottle
	}
	return &ReservationCleanupJob{db: p.DB, releaser: p.Releaser, throttle: p.Throttle, interval: interval, logg: p.Logger}, nil
}

type ReservationCleanupJob struct {
	db       *gorm.DB
	releaser orphanReleaser
	throttle Throttle
	interval time.Duration
	logg     *logger.Logger
}

func (j *ReservationCleanupJob) Name() string { return reservationCleanupJobName }

func (j *ReservationCleanupJob) Run(ctx context.Context) error {
	_, err := j.Release(ctx)
	return err
}

// Release returns how many units it freed, or ErrSkipped when the throttle
// slot belongs to another caller.
func (j *ReservationCleanupJob) Release(ctx context.Context) (int64, error) {
	ok, err := j.throttle.Acquire(ctx, reservationCleanupJobName, j.interval)
	if err != nil {
		return 0, fmt.Errorf("acquire cleanup slot: %w", err)
	}
	if !ok {
		return 0, ErrSkipped
	}
	released, err := j.releaser.ReleaseOrphaned(ctx, j.db)
	if err != nil {
		return 0, err
	}
	if released > 0 {
		j.logg.Info(j.logg.WithField(ctx, "released", released), "orphaned reservations released")
	}
	return released, nil
}

// NewOutboxRetentionJob prunes published outbox rows after the retention window.
func NewOutboxRetentionJob(pruner outboxPruner, logg *logger.Logger, now func() time.Time) (Job, error) {
	if pruner == nil {
		return nil, fmt.Errorf("outbox repository required")
	}
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &outboxRetentionJob{pruner: pruner, logg: logg, now: now}, nil
}

type outboxRetentionJob struct {
	pruner outboxPruner
	logg   *logger.Logger
	now    func() time.Time
}

func (j *outboxRetentionJob) Name() string { return outboxRetentionJobName }

func (j *outboxRetentionJob) Run(ctx context.Context) error {
	cutoff := j.now().Add(-outboxRetention)
	deleted, err := j.pruner.DeletePublishedBefore(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("outbox retention: %w", err)
	}
	if deleted > 0 {
		j.logg.Info(j.logg.WithFields(ctx, map[string]any{"cutoff": cutoff, "rows_deleted": deleted}), "published outbox events pruned")
	}
	return nil
}
