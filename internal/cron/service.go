package cron

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/angelmondragon/cardkey-backend/pkg/logger"
	"github.com/angelmondragon/cardkey-backend/pkg/metrics"
)

const defaultInterval = time.Minute

type ServiceParams struct {
	Logger   *logger.Logger
	Registry *Registry
	Lock     Lock
	Metrics  *metrics.CronJobMetrics
	Interval time.Duration
	// JobTimeout caps a single job. Zero means one interval.
	JobTimeout time.Duration
}

// Service runs the registry once per interval while holding the cycle lease,
// so at most one worker sweeps orders and reservations at a time.
type Service struct {
	logg       *logger.Logger
	registry   *Registry
	lock       Lock
	metrics    *metrics.CronJobMetrics
	interval   time.Duration
	jobTimeout time.Duration
}

func NewService(params ServiceParams) (*Service, error) {
	if params.Lock == nil {
		return nil, fmt.Errorf("lock required")
	}
	if params.Registry == nil || len(params.Registry.Jobs()) == 0 {
		return nil, fmt.Errorf("at least one cron job required")
	}
	interval := params.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	jobTimeout := params.JobTimeout
	if jobTimeout <= 0 {
		jobTimeout = interval
	}
	return &Service{
		logg:       params.Logger,
		registry:   params.Registry,
		lock:       params.Lock,
		metrics:    params.Metrics,
		interval:   interval,
		jobTimeout: jobTimeout,
	}, nil
}

// Run executes a cycle immediately and then on every tick until ctx ends.
func (s *Service) Run(ctx context.Context) error {
	s.logg.Info(s.logg.WithField(ctx, "jobs", s.registry.Names()), "cron loop starting")
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if _, err := s.RunOnce(ctx); err != nil {
			s.logg.Error(ctx, "cron cycle failed", err)
		}
		select {
		case <-ctx.Done():
			s.logg.Info(ctx, "cron loop stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// CycleReport lists job outcomes for one cycle. Ran is false when another
// worker held the lease.
type CycleReport struct {
	Ran     bool
	Failed  []string
	Skipped []string
}

// RunOnce runs every job a single time. Job failures are reported, not
// returned; the error covers only lease handling.
func (s *Service) RunOnce(ctx context.Context) (CycleReport, error) {
	var report CycleReport
	locked, err := s.lock.Acquire(ctx)
	if err != nil {
		return report, fmt.Errorf("lock acquire: %w", err)
	}
	if !locked {
		s.logg.Debug(ctx, "cron lease held elsewhere; skipping cycle")
		s.metrics.IncSkipped("cycle")
		return report, nil
	}
	defer func() {
		// release on a fresh context so shutdown does not strand the lease
		if err := s.lock.Release(context.WithoutCancel(ctx)); err != nil {
			s.logg.Error(ctx, "failed to release cron lock", err)
		}
	}()

	ctx, stop := s.keepLease(ctx)
	defer stop()

	report.Ran = true
	for _, job := range s.registry.Jobs() {
		if ctx.Err() != nil {
			break
		}
		switch err := s.runJob(ctx, job); {
		case errors.Is(err, ErrSkipped):
			report.Skipped = append(report.Skipped, job.Name())
		case err != nil:
			report.Failed = append(report.Failed, job.Name())
		}
	}
	return report, nil
}

// keepLease renews an extendable lease at a third of its TTL. Losing the
// lease cancels the returned context so remaining jobs stop early.
func (s *Service) keepLease(ctx context.Context) (context.Context, func()) {
	ext, ok := s.lock.(Extender)
	if !ok || ext.TTL() <= 0 {
		return ctx, func() {}
	}
	ctx, cancel := context.WithCancelCause(ctx)
	done := make(chan struct{})
	finished := make(chan struct{})

	go func() {
		defer close(finished)
		ticker := time.NewTicker(ext.TTL() / 3)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				err := ext.Extend(ctx)
				if errors.Is(err, ErrLeaseLost) {
					s.logg.Warn(ctx, "cron lease lost mid-cycle")
					cancel(err)
					return
				}
				if err != nil {
					s.logg.Error(ctx, "failed to extend cron lease", err)
				}
			}
		}
	}()

	return ctx, func() {
		close(done)
		<-finished
		cancel(nil)
	}
}

func (s *Service) runJob(ctx context.Context, job Job) (err error) {
	name := job.Name()
	ctx = s.logg.WithFields(ctx, map[string]any{"job": name, "event": "cron.job"})
	ctx, cancel := context.WithTimeout(ctx, s.jobTimeout)
	defer cancel()

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v", name, r)
		}
		elapsed := time.Since(start)
		s.metrics.ObserveDuration(name, elapsed)
		ctx = s.logg.WithField(ctx, "duration_ms", elapsed.Milliseconds())

		switch {
		case errors.Is(err, ErrSkipped):
			s.logg.Debug(ctx, "job throttled")
			s.metrics.IncSkipped(name)
		case err != nil:
			s.logg.Error(ctx, "job failed", err)
			s.metrics.IncFailure(name)
		default:
			s.logg.Debug(ctx, "job completed")
			s.metrics.IncSuccess(name)
		}
	}()

	return job.Run(ctx)
}
