package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	goretry "github.com/sethvargo/go-retry"

	"github.com/angelmondragon/cardkey-backend/pkg/config"
	"github.com/angelmondragon/cardkey-backend/pkg/db/models"
	"github.com/angelmondragon/cardkey-backend/pkg/logger"
	"github.com/angelmondragon/cardkey-backend/pkg/metrics"
	"github.com/angelmondragon/cardkey-backend/pkg/outbox"
)

const (
	defaultBatchSize      = 50
	defaultPollInterval   = 500 * time.Millisecond
	defaultMaxAttempts    = 10
	defaultRetryBase      = 5 * time.Second
	defaultRetryMax       = 10 * time.Minute
	defaultPublishTimeout = 15 * time.Second
	maxLoopBackoff        = 10 * time.Second
	jitterWindow          = 250 * time.Millisecond
	backlogEvery          = 30 * time.Second
)

type pinger interface {
	Ping(context.Context) error
}

type outboxRepository interface {
	FetchDue(ctx context.Context, limit, maxAttempts int) ([]models.OutboxEvent, error)
	MarkPublished(ctx context.Context, id uuid.UUID) error
	MarkFailed(ctx context.Context, id uuid.UUID, cause error, retryAt time.Time) error
	Backlog(ctx context.Context, maxAttempts int) (outbox.Backlog, error)
}

type publisher interface {
	Ping(context.Context) error
	Publish(ctx context.Context, key, value []byte, headers map[string]string) error
}

type ServiceParams struct {
	Config     *config.Config
	Logger     *logger.Logger
	DB         pinger
	Repository outboxRepository
	Publisher  publisher
	Metrics    *metrics.OutboxMetrics
}

// Service moves due outbox rows to Kafka. Each failed row carries its own
// retry time, so one poisoned event never holds up the rest.
type Service struct {
	logg    *logger.Logger
	db      pinger
	repo    outboxRepository
	pub     publisher
	metrics *metrics.OutboxMetrics
	now     func() time.Time

	batchSize    int
	maxAttempts  int
	pollInterval time.Duration
	retryBase    time.Duration
	retryMax     time.Duration
}

func NewService(params ServiceParams) (*Service, error) {
	switch {
	case params.Config == nil:
		return nil, errors.New("config is required")
	case params.DB == nil:
		return nil, errors.New("database client is required")
	case params.Repository == nil:
		return nil, errors.New("outbox repository is required")
	case params.Publisher == nil:
		return nil, errors.New("publisher is required")
	}

	cfg := params.Config.Outbox
	s := &Service{
		logg:         params.Logger,
		db:           params.DB,
		repo:         params.Repository,
		pub:          params.Publisher,
		metrics:      params.Metrics,
		now:          func() time.Time { return time.Now().UTC() },
		batchSize:    orDefault(cfg.BatchSize, defaultBatchSize),
		maxAttempts:  orDefault(cfg.MaxAttempts, defaultMaxAttempts),
		pollInterval: orDefault(time.Duration(cfg.PollIntervalMS)*time.Millisecond, defaultPollInterval),
		retryBase:    orDefault(cfg.RetryBase, defaultRetryBase),
		retryMax:     orDefault(cfg.RetryMax, defaultRetryMax),
	}
	if s.retryMax < s.retryBase {
		s.retryMax = s.retryBase
	}
	return s, nil
}

func orDefault[T int | time.Duration](v, def T) T {
	if v <= 0 {
		return def
	}
	return v
}

func (s *Service) Run(ctx context.Context) error {
	for name, ping := range map[string]func(context.Context) error{"database": s.db.Ping, "kafka": s.pub.Ping} {
		if err := ping(ctx); err != nil {
			return fmt.Errorf("%s ping failed: %w", name, err)
		}
	}

	loopBackoff := s.loopBackoff()
	var lastBacklog time.Time
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		n, err := s.processBatch(ctx)
		wait := goretry.WithJitter(jitterWindow, goretry.NewConstant(s.pollInterval))
		switch {
		case err != nil:
			s.logg.Error(ctx, "outbox batch failed", err)
			wait = loopBackoff
		case n == s.batchSize:
			// more rows are probably due
			loopBackoff = s.loopBackoff()
			continue
		default:
			loopBackoff = s.loopBackoff()
		}

		if s.now().Sub(lastBacklog) >= backlogEvery {
			s.refreshBacklog(ctx)
			lastBacklog = s.now()
		}
		d, _ := wait.Next()
		if err := sleep(ctx, d); err != nil {
			return err
		}
	}
}

func (s *Service) loopBackoff() goretry.Backoff {
	return goretry.WithJitter(jitterWindow,
		goretry.WithCappedDuration(maxLoopBackoff, goretry.NewExponential(s.pollInterval)))
}

// processBatch publishes one page of due rows and reports how many it saw.
// Row failures are recorded on the row; only bookkeeping errors abort.
func (s *Service) processBatch(ctx context.Context) (int, error) {
	events, err := s.repo.FetchDue(ctx, s.batchSize, s.maxAttempts)
	if err != nil {
		return 0, fmt.Errorf("fetch due events: %w", err)
	}
	for _, event := range events {
		rowCtx := s.logg.WithFields(ctx, map[string]any{
			"outbox_id":    event.ID.String(),
			"event_type":   event.EventType,
			"aggregate_id": event.AggregateID,
			"attempt":      event.AttemptCount + 1,
		})

		if pubErr := s.publish(ctx, event); pubErr != nil {
			if err := s.recordFailure(rowCtx, event, pubErr); err != nil {
				return len(events), err
			}
			continue
		}
		if err := s.repo.MarkPublished(ctx, event.ID); err != nil {
			return len(events), fmt.Errorf("mark published %s: %w", event.ID, err)
		}
		s.metrics.Record(string(event.EventType), metrics.OutcomePublished)
		s.logg.Info(rowCtx, "outbox event published")
	}
	return len(events), nil
}

func (s *Service) recordFailure(ctx context.Context, event models.OutboxEvent, cause error) error {
	attempt := event.AttemptCount + 1
	retryAt := s.now().Add(retryDelay(s.retryBase, s.retryMax, attempt))
	ctx = s.logg.WithField(ctx, "error", cause.Error())

	outcome := metrics.OutcomeRetry
	if attempt >= s.maxAttempts {
		outcome = metrics.OutcomeParked
		s.logg.Warn(ctx, "outbox event parked after final attempt")
	} else {
		s.logg.Warn(s.logg.WithField(ctx, "retry_at", retryAt), "outbox publish failed")
	}
	s.metrics.Record(string(event.EventType), outcome)

	if err := s.repo.MarkFailed(ctx, event.ID, cause, retryAt); err != nil {
		return fmt.Errorf("mark failure %s: %w", event.ID, err)
	}
	return nil
}

func (s *Service) publish(ctx context.Context, event models.OutboxEvent) error {
	env, err := outbox.DecodeEnvelope(event)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, defaultPublishTimeout)
	defer cancel()
	return s.pub.Publish(ctx, []byte(event.AggregateID), event.Payload, outbox.Headers(event, env))
}

func (s *Service) refreshBacklog(ctx context.Context) {
	backlog, err := s.repo.Backlog(ctx, s.maxAttempts)
	if err != nil {
		s.logg.Warn(s.logg.WithField(ctx, "error", err.Error()), "outbox backlog query failed")
		return
	}
	s.metrics.SetBacklog(backlog.Pending, backlog.Dead)
	if backlog.Dead > 0 {
		s.logg.Warn(s.logg.WithField(ctx, "parked", backlog.Dead), "outbox has parked events")
	}
}

// retryDelay is base doubled per earlier attempt, capped at max.
func retryDelay(base, max time.Duration, attempt int) time.Duration {
	b := goretry.WithCappedDuration(max, goretry.NewExponential(base))
	d := base
	for i := 0; i < attempt; i++ {
		d, _ = b.Next()
	}
	return d
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
