package routes

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/angelmondragon/cardkey-backend/api/controllers"
	checkoutcontrollers "github.com/angelmondragon/cardkey-backend/api/controllers/checkout"
	ordercontrollers "github.com/angelmondragon/cardkey-backend/api/controllers/orders"
	webhookcontrollers "github.com/angelmondragon/cardkey-backend/api/controllers/webhooks"
	"github.com/angelmondragon/cardkey-backend/api/middleware"
	"github.com/angelmondragon/cardkey-backend/pkg/config"
	"github.com/angelmondragon/cardkey-backend/pkg/db"
	"github.com/angelmondragon/cardkey-backend/pkg/enums"
	"github.com/angelmondragon/cardkey-backend/pkg/logger"
	pkgredis "github.com/angelmondragon/cardkey-backend/pkg/redis"
)

// Cache is the Redis surface the HTTP layer needs: replayable writes, rate
// limit counters and the readiness ping.
type Cache interface {
	pkgredis.ResponseCache
	IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error)
	RateLimitKey(scope string) string
	Ping(ctx context.Context) error
}

// Services bundles the handlers' collaborators. Every field is required.
type Services struct {
	Checkout      checkoutcontrollers.Service
	Orders        orderService
	Poller        ordercontrollers.StatusChecker
	Refunds       ordercontrollers.RefundRequests
	Products      productService
	Points        pointsService
	Notifications webhookcontrollers.EpayNotificationService
	Cleanup       controllers.CleanupRunner
}

type orderService interface {
	ordercontrollers.AdminService
	ordercontrollers.OrderReader
}

type pointsService interface {
	controllers.PointsReader
	controllers.Checkins
}

type productService interface {
	controllers.Catalog
	controllers.StockLoader
}

// NewRouter wires the public, buyer and admin surfaces.
func NewRouter(
	cfg *config.Config,
	logg *logger.Logger,
	dbP db.Pinger,
	cache Cache,
	gatherer prometheus.Gatherer,
	svc Services,
) http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg),
		middleware.CORS(cfg.App.CORSOrigins),
	)

	checkoutPolicy := middleware.NewRateLimitPolicy(
		"checkout",
		cfg.RateLimit.CheckoutWindow,
		cfg.RateLimit.CheckoutIPLimit,
		cfg.RateLimit.CheckoutEmailLimit,
	)
	optionalAuth := middleware.OptionalAuth(cfg.JWT, logg)
	requireAuth := middleware.Auth(cfg.JWT, logg)
	idempotency := middleware.Idempotency(cache, cfg.Idempotency.TTL, logg)

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(cfg.App.Env))
		r.Get("/ready", controllers.HealthReady(cfg.App.Env, dbP, cache, logg))
	})
	if gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/products", controllers.ListProducts(svc.Products, logg))

		r.Method(http.MethodGet, "/notify", webhookcontrollers.EpayNotify(svc.Notifications, logg))
		r.Method(http.MethodPost, "/notify", webhookcontrollers.EpayNotify(svc.Notifications, logg))

		r.Post("/cron/cleanup", controllers.CronCleanup(svc.Cleanup, cfg.Cron.CleanupToken, logg))

		r.Route("/checkout", func(r chi.Router) {
			r.Use(optionalAuth, middleware.RateLimit(checkoutPolicy, cache, logg), idempotency)
			r.Post("/orders", checkoutcontrollers.CreateOrder(svc.Checkout, logg))
			r.Post("/payment-links", checkoutcontrollers.CreatePaymentLink(svc.Checkout, logg))
		})

		r.Route("/orders", func(r chi.Router) {
			r.With(requireAuth).Get("/", ordercontrollers.ListMine(svc.Orders, logg))
			r.Route("/{orderID}", func(r chi.Router) {
				r.With(optionalAuth).Get("/", ordercontrollers.Detail(svc.Orders, logg))
				r.With(optionalAuth).Post("/check", ordercontrollers.Check(svc.Poller, logg))

				r.Group(func(r chi.Router) {
					r.Use(requireAuth, idempotency)
					r.Post("/retry-payment", checkoutcontrollers.RetryPayment(svc.Checkout, logg))
					r.Post("/cancel", ordercontrollers.Cancel(svc.Orders, logg))
					r.Post("/refund-requests", ordercontrollers.RequestRefund(svc.Refunds, logg))
					r.Get("/refund-requests", ordercontrollers.ListOrderRefundRequests(svc.Refunds, logg))
				})
			})
		})

		r.Route("/me", func(r chi.Router) {
			r.Use(requireAuth)
			r.Get("/points", controllers.MyPoints(svc.Points, logg))
			r.Get("/checkin", controllers.CheckinStatus(svc.Points, logg))
			r.Post("/checkin", controllers.CheckIn(svc.Points, logg))
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(requireAuth, middleware.RequireRole(logg, enums.UserRoleAdmin), idempotency)

			r.Route("/orders", func(r chi.Router) {
				r.Get("/", ordercontrollers.AdminList(svc.Orders, logg))
				r.Post("/bulk-delete", ordercontrollers.AdminBulkDelete(svc.Orders, logg))
				r.Route("/{orderID}", func(r chi.Router) {
					r.Get("/", ordercontrollers.AdminDetail(svc.Orders, logg))
					r.Delete("/", ordercontrollers.AdminDelete(svc.Orders, logg))
					r.Post("/check", ordercontrollers.Check(svc.Poller, logg))
					r.Post("/mark-paid", ordercontrollers.AdminMarkPaid(svc.Orders, logg))
					r.Post("/mark-delivered", ordercontrollers.AdminMarkDelivered(svc.Orders, logg))
					r.Post("/retry-delivery", ordercontrollers.AdminRetryDelivery(svc.Orders, logg))
					r.Post("/cancel", ordercontrollers.AdminCancel(svc.Orders, logg))
					r.Post("/email", ordercontrollers.AdminUpdateEmail(svc.Orders, logg))
					r.Post("/verify-refund", ordercontrollers.AdminVerifyRefund(svc.Orders, logg))
				})
			})

			r.Route("/refund-requests", func(r chi.Router) {
				r.Get("/", ordercontrollers.AdminListRefundRequests(svc.Refunds, logg))
				r.Post("/{requestID}/approve", ordercontrollers.AdminApproveRefund(svc.Refunds, logg))
				r.Post("/{requestID}/reject", ordercontrollers.AdminRejectRefund(svc.Refunds, logg))
			})

			r.Post("/products/{productID}/stock", controllers.AdminAddStock(svc.Products, logg))
		})
	})

	return r
}
