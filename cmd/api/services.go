package main

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/angelmondragon/cardkey-backend/api/routes"
	"github.com/angelmondragon/cardkey-backend/internal/checkout"
	"github.com/angelmondragon/cardkey-backend/internal/cron"
	"github.com/angelmondragon/cardkey-backend/internal/fulfillment"
	"github.com/angelmondragon/cardkey-backend/internal/inventory"
	"github.com/angelmondragon/cardkey-backend/internal/orders"
	"github.com/angelmondragon/cardkey-backend/internal/payments"
	"github.com/angelmondragon/cardkey-backend/internal/points"
	product "github.com/angelmondragon/cardkey-backend/internal/products"
	"github.com/angelmondragon/cardkey-backend/internal/refunds"
	"github.com/angelmondragon/cardkey-backend/internal/schedulers"
	"github.com/angelmondragon/cardkey-backend/internal/users"
	epaywebhook "github.com/angelmondragon/cardkey-backend/internal/webhooks/epay"
	"github.com/angelmondragon/cardkey-backend/pkg/config"
	"github.com/angelmondragon/cardkey-backend/pkg/db"
	"github.com/angelmondragon/cardkey-backend/pkg/epay"
	"github.com/angelmondragon/cardkey-backend/pkg/logger"
	"github.com/angelmondragon/cardkey-backend/pkg/metrics"
	"github.com/angelmondragon/cardkey-backend/pkg/outbox"
	"github.com/angelmondragon/cardkey-backend/pkg/redis"
	"github.com/angelmondragon/cardkey-backend/pkg/retry"
)

const notifyReplayScope = "epay-notify"

func utcNow() time.Time { return time.Now().UTC() }

// buildServices wires the domain graph behind the HTTP surface.
func buildServices(cfg *config.Config, logg *logger.Logger, dbClient *db.Client, redisClient *redis.Client, reg prometheus.Registerer) (routes.Services, error) {
	gdb := dbClient.DB()
	checkoutMetrics := metrics.NewCheckoutMetrics(reg)

	payClient, err := epay.NewClient(cfg.Payment)
	if err != nil {
		return routes.Services{}, fmt.Errorf("payment client: %w", err)
	}

	// Reservation arbitration runs inside checkout under row locks, so it gets
	// the short reserve policy; buyer polls can afford the longer one.
	arbiterOracle, err := payments.NewOracle(payClient, payments.Options{
		Policy:  retry.Policy{MaxAttempts: cfg.Checkout.ReserveMaxAttempts, Backoff: cfg.Checkout.ReserveBackoff},
		Metrics: checkoutMetrics,
		Logger:  logg,
	})
	if err != nil {
		return routes.Services{}, err
	}
	pollOracle, err := payments.NewOracle(payClient, payments.Options{
		Policy:  retry.Policy{MaxAttempts: cfg.Checkout.StatusPollMaxAttempts, Backoff: cfg.Checkout.StatusPollBackoff},
		Metrics: checkoutMetrics,
		Logger:  logg,
	})
	if err != nil {
		return routes.Services{}, err
	}

	inventoryRepo := inventory.NewRepository(gdb)
	engine, err := inventory.NewEngine(inventoryRepo, arbiterOracle, inventory.Options{
		ReservationTTL:   cfg.Checkout.ReservationTTL,
		FulfillmentGrace: cfg.Checkout.FulfillmentGrace,
		Policy:           retry.Policy{MaxAttempts: cfg.Checkout.ReserveMaxAttempts, Backoff: cfg.Checkout.ReserveBackoff},
		ArbiterTimeout:   cfg.Checkout.ArbiterTimeout,
		Now:              utcNow,
		Logger:           logg,
		Metrics:          checkoutMetrics,
	})
	if err != nil {
		return routes.Services{}, fmt.Errorf("reservation engine: %w", err)
	}

	orderRepo := orders.NewRepository(gdb)
	ledger := points.NewLedger(gdb).WithCheckin(cfg.Points, utcNow)
	events := outbox.NewService(outbox.NewRepository(gdb), logg)
	throttle := schedulers.NewThrottle(gdb, utcNow)

	orderSvc, err := orders.NewService(orders.ServiceParams{
		Repo:      orderRepo,
		Tx:        dbClient,
		Outbox:    events,
		Inventory: engine,
		Points:    ledger,
		Oracle:    pollOracle,
		Logger:    logg,
		Now:       utcNow,
	})
	if err != nil {
		return routes.Services{}, fmt.Errorf("order service: %w", err)
	}

	sweeper, err := orders.NewSweeper(orders.SweeperParams{
		Repo:      orderRepo,
		Tx:        dbClient,
		Outbox:    events,
		Inventory: engine,
		Points:    ledger,
		Throttle:  throttle,
		Expiry:    cfg.Checkout.OrderExpiry,
		Interval:  cfg.Checkout.SweepThrottle,
		Logger:    logg,
		Now:       utcNow,
	})
	if err != nil {
		return routes.Services{}, fmt.Errorf("expiry sweeper: %w", err)
	}

	catalog := product.NewService(product.NewRepository(gdb), gdb, engine, inventoryRepo)
	checkoutSvc, err := checkout.NewService(checkout.ServiceParams{
		DB:        gdb,
		Tx:        dbClient,
		Orders:    orderRepo,
		Products:  catalog,
		Buyers:    users.NewRepository(gdb),
		Inventory: engine,
		Points:    ledger,
		Sweeper:   sweeper,
		Payments:  payClient,
		Outbox:    events,
		Logger:    logg,
		Now:       utcNow,
	})
	if err != nil {
		return routes.Services{}, fmt.Errorf("checkout service: %w", err)
	}

	coordinator, err := fulfillment.NewCoordinator(fulfillment.Params{
		Repo:      orderRepo,
		Tx:        dbClient,
		Inventory: engine,
		Points:    ledger,
		Outbox:    events,
		Metrics:   checkoutMetrics,
		Logger:    logg,
		Now:       utcNow,
	})
	if err != nil {
		return routes.Services{}, fmt.Errorf("fulfillment coordinator: %w", err)
	}
	poller, err := fulfillment.NewPoller(orderSvc, pollOracle, coordinator, logg, utcNow)
	if err != nil {
		return routes.Services{}, fmt.Errorf("status poller: %w", err)
	}

	refundSvc, err := refunds.NewService(refunds.NewRepository(gdb), orderRepo, dbClient, events, logg, utcNow)
	if err != nil {
		return routes.Services{}, fmt.Errorf("refund service: %w", err)
	}

	guard, err := epaywebhook.NewIdempotencyGuard(redisClient, cfg.Idempotency.WebhookTTL, notifyReplayScope)
	if err != nil {
		return routes.Services{}, fmt.Errorf("notify replay guard: %w", err)
	}
	notifySvc, err := epaywebhook.NewService(epaywebhook.ServiceParams{
		Parser:    payClient,
		Orders:    orderRepo,
		Fulfiller: coordinator,
		Guard:     guard,
		Logger:    logg,
	})
	if err != nil {
		return routes.Services{}, fmt.Errorf("notify service: %w", err)
	}

	reservationCleanup, err := cron.NewReservationCleanupJob(cron.ReservationCleanupParams{
		DB:       gdb,
		Releaser: engine,
		Throttle: throttle,
		Interval: cfg.Cron.CleanupThrottle,
		Logger:   logg,
	})
	if err != nil {
		return routes.Services{}, fmt.Errorf("reservation cleanup: %w", err)
	}
	cleanup, err := cron.NewCleanup(sweeper, reservationCleanup, logg)
	if err != nil {
		return routes.Services{}, fmt.Errorf("cleanup trigger: %w", err)
	}

	return routes.Services{
		Checkout:      checkoutSvc,
		Orders:        orderSvc,
		Poller:        poller,
		Refunds:       refundSvc,
		Products:      catalog,
		Points:        ledger,
		Notifications: notifySvc,
		Cleanup:       cleanup,
	}, nil
}
