package cron

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/angelmondragon/cardkey-backend/internal/orders"
	"github.com/angelmondragon/cardkey-backend/pkg/logger"
)

// CleanupReport is the body returned to an external scheduler.
type CleanupReport struct {
	DurationMs          int64 `json:"durationMs"`
	CardsCleanupRan     bool  `json:"cardsCleanupRan"`
	ReleasedCardCount   int64 `json:"releasedCardCount"`
	SweepRan            bool  `json:"sweepRan"`
	CancelledOrderCount int   `json:"cancelledOrderCount"`
}

// Cleanup runs the expiry sweep and the reservation cleanup on demand, for
// deployments where an external scheduler pings the API instead of running
// the cron worker. Both honor their throttles.
type Cleanup struct {
	sweeper      expirySweeper
	reservations *ReservationCleanupJob
	logg         *logger.Logger
	now          func() time.Time
}

func NewCleanup(sweeper expirySweeper, reservations *ReservationCleanupJob, logg *logger.Logger) (*Cleanup, error) {
	if sweeper == nil || reservations == nil {
		return nil, fmt.Errorf("cleanup dependencies missing")
	}
	return &Cleanup{sweeper: sweeper, reservations: reservations, logg: logg, now: time.Now}, nil
}

// Run executes both tasks concurrently; a failure in one does not stop the other.
func (c *Cleanup) Run(ctx context.Context) (CleanupReport, error) {
	start := c.now()
	var (
		report               CleanupReport
		sweepErr, releaseErr error
		g                    errgroup.Group
	)
	g.Go(func() error {
		released, err := c.reservations.Release(ctx)
		switch {
		case errors.Is(err, ErrSkipped):
		case err != nil:
			releaseErr = fmt.Errorf("reservation cleanup: %w", err)
		default:
			report.CardsCleanupRan = true
			report.ReleasedCardCount = released
		}
		return nil
	})
	g.Go(func() error {
		res, err := c.sweeper.CancelExpired(ctx, orders.SweepFilter{})
		if err != nil {
			sweepErr = fmt.Errorf("expiry sweep: %w", err)
		}
		report.SweepRan = res.Ran
		report.CancelledOrderCount = len(res.Cancelled)
		return nil
	})
	_ = g.Wait()

	report.DurationMs = c.now().Sub(start).Milliseconds()
	err := multierr.Combine(releaseErr, sweepErr)
	if err != nil {
		c.logg.Error(c.logg.WithField(ctx, "duration_ms", report.DurationMs), "cleanup trigger failed", err)
		return report, err
	}
	c.logg.Info(c.logg.WithFields(ctx, map[string]any{
		"duration_ms": report.DurationMs,
		"released":    report.ReleasedCardCount,
		"cancelled":   report.CancelledOrderCount,
	}), "cleanup trigger complete")
	return report, nil
}
