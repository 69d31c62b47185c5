package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/angelmondragon/cardkey-backend/internal/cron"
	"github.com/angelmondragon/cardkey-backend/internal/inventory"
	"github.com/angelmondragon/cardkey-backend/internal/orders"
	"github.com/angelmondragon/cardkey-backend/internal/payments"
	"github.com/angelmondragon/cardkey-backend/internal/points"
	"github.com/angelmondragon/cardkey-backend/internal/schedulers"
	"github.com/angelmondragon/cardkey-backend/pkg/config"
	"github.com/angelmondragon/cardkey-backend/pkg/db"
	"github.com/angelmondragon/cardkey-backend/pkg/epay"
	"github.com/angelmondragon/cardkey-backend/pkg/instance"
	"github.com/angelmondragon/cardkey-backend/pkg/logger"
	"github.com/angelmondragon/cardkey-backend/pkg/metrics"
	"github.com/angelmondragon/cardkey-backend/pkg/migrate"
	"github.com/angelmondragon/cardkey-backend/pkg/outbox"
	"github.com/angelmondragon/cardkey-backend/pkg/redis"
	"github.com/angelmondragon/cardkey-backend/pkg/retry"
)

func utcNow() time.Time { return time.Now().UTC() }

func main() {
	logg := logger.New(logger.Options{ServiceName: "cron-worker"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	cfg.Service.Kind = "cron-worker"

	logg = logger.New(logger.Options{
		ServiceName: "cron-worker",
		Level:       cfg.App.LogLevel,
		WarnStack:   cfg.App.LogWarnStack,
	})

	dbClient, err := db.New(context.Background(), cfg.DB, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap database", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing database", err)
		}
	}()

	if err := migrate.OnBoot(context.Background(), cfg, logg, dbClient); err != nil {
		logg.Error(context.Background(), "failed to run boot migrations", err)
		os.Exit(1)
	}

	redisClient, err := redis.New(context.Background(), cfg.Redis, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap redis", err)
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing redis", err)
		}
	}()

	registry, err := buildJobs(cfg, logg, dbClient)
	if err != nil {
		logg.Error(context.Background(), "failed to build cron jobs", err)
		os.Exit(1)
	}

	lock, err := cron.NewRedisLock(redisClient, redisClient.LockKey(cron.LockName), cfg.Cron.LockTTL)
	if err != nil {
		logg.Error(context.Background(), "failed to create cron lock", err)
		os.Exit(1)
	}

	service, err := cron.NewService(cron.ServiceParams{
		Logger:   logg,
		Registry: registry,
		Lock:     lock,
		Metrics:  metrics.NewCronJobMetrics(prometheus.DefaultRegisterer),
		Interval: cfg.Cron.Interval,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create cron service", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":         cfg.App.Env,
		"serviceKind": cfg.Service.Kind,
		"instance":    instance.ID(),
	})
	logg.Info(ctx, "starting cron worker")

	metricsServer := &http.Server{
		Addr:              ":" + cfg.App.MetricsPort,
		Handler:           promhttp.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := service.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return metricsServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logg.Error(ctx, "cron worker stopped unexpectedly", err)
		os.Exit(1)
	}

	logg.Info(ctx, "cron worker shutting down gracefully")
}

// buildJobs registers the expiry sweep, the orphaned reservation cleanup and
// the outbox retention job.
func buildJobs(cfg *config.Config, logg *logger.Logger, dbClient *db.Client) (*cron.Registry, error) {
	gdb := dbClient.DB()

	payClient, err := epay.NewClient(cfg.Payment)
	if err != nil {
		return nil, err
	}
	oracle, err := payments.NewOracle(payClient, payments.Options{
		Policy: retry.Policy{MaxAttempts: cfg.Checkout.ReserveMaxAttempts, Backoff: cfg.Checkout.ReserveBackoff},
		Logger: logg,
	})
	if err != nil {
		return nil, err
	}
	engine, err := inventory.NewEngine(inventory.NewRepository(gdb), oracle, inventory.Options{
		ReservationTTL:   cfg.Checkout.ReservationTTL,
		FulfillmentGrace: cfg.Checkout.FulfillmentGrace,
		ArbiterTimeout:   cfg.Checkout.ArbiterTimeout,
		Now:              utcNow,
		Logger:           logg,
	})
	if err != nil {
		return nil, err
	}

	outboxRepo := outbox.NewRepository(gdb)
	throttle := schedulers.NewThrottle(gdb, utcNow)
	sweeper, err := orders.NewSweeper(orders.SweeperParams{
		Repo:      orders.NewRepository(gdb),
		Tx:        dbClient,
		Outbox:    outbox.NewService(outboxRepo, logg),
		Inventory: engine,
		Points:    points.NewLedger(gdb),
		Throttle:  throttle,
		Expiry:    cfg.Checkout.OrderExpiry,
		Interval:  cfg.Checkout.SweepThrottle,
		Logger:    logg,
		Now:       utcNow,
	})
	if err != nil {
		return nil, err
	}

	expiryJob, err := cron.NewOrderExpiryJob(sweeper, logg)
	if err != nil {
		return nil, err
	}
	cleanupJob, err := cron.NewReservationCleanupJob(cron.ReservationCleanupParams{
		DB:       gdb,
		Releaser: engine,
		Throttle: throttle,
		Interval: cfg.Cron.CleanupThrottle,
		Logger:   logg,
	})
	if err != nil {
		return nil, err
	}
	retentionJob, err := cron.NewOutboxRetentionJob(outboxRepo, logg, utcNow)
	if err != nil {
		return nil, err
	}
	return cron.NewRegistry(expiryJob, cleanupJob, retentionJob)
}
