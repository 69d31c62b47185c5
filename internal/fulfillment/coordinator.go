// Package fulfillment turns a confirmed payment into delivered card keys.
package fulfillment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/angelmondragon/cardkey-backend/internal/orders"
	pkgdb "github.com/angelmondragon/cardkey-backend/pkg/db"
	"github.com/angelmondragon/cardkey-backend/pkg/db/models"
	"github.com/angelmondragon/cardkey-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/cardkey-backend/pkg/errors"
	"github.com/angelmondragon/cardkey-backend/pkg/logger"
	"github.com/angelmondragon/cardkey-backend/pkg/metrics"
	"github.com/angelmondragon/cardkey-backend/pkg/outbox"
)

// amountTolerance absorbs provider rounding on the reported money. A
// difference of a whole cent is a mismatch.
var amountTolerance = decimal.New(1, -2)

// Result names what Fulfill did.
type Result string

const (
	ResultDelivered        Result = "delivered"
	ResultPaid             Result = "paid"
	ResultAlreadyProcessed Result = "already_processed"
)

// Outcome is the order as Fulfill left it.
type Outcome struct {
	Result Result
	Order  models.Order
}

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type outboxPublisher interface {
	Emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
}

// Claimer consumes units for an order at fulfillment time.
type Claimer interface {
	Claim(ctx context.Context, tx *gorm.DB, productID, orderID string, quantity int) ([]models.Card, error)
}

// PointsDebiter re-debits points when a cancelled order is revived.
type PointsDebiter interface {
	Debit(tx *gorm.DB, userID string, n int) error
}

// Params groups the collaborators of NewCoordinator.
type Params struct {
	Repo      orders.Repository
	Tx        txRunner
	Inventory Claimer
	Points    PointsDebiter
	Outbox    outboxPublisher
	Metrics   *metrics.CheckoutMetrics
	Logger    *logger.Logger
	Now       func() time.Time
}

// Coordinator settles paid orders. Every call is one transaction under the
// order's row lock, so concurrent and replayed confirmations settle an order once.
type Coordinator struct {
	repo      orders.Repository
	tx        txRunner
	inventory Claimer
	points    PointsDebiter
	outbox    outboxPublisher
	metrics   *metrics.CheckoutMetrics
	logg      *logger.Logger
	now       func() time.Time
}

func NewCoordinator(p Params) (*Coordinator, error) {
	if p.Repo == nil || p.Tx == nil || p.Inventory == nil || p.Points == nil || p.Outbox == nil {
		return nil, fmt.Errorf("fulfillment dependencies missing")
	}
	now := p.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Coordinator{
		repo:      p.Repo,
		tx:        p.Tx,
		inventory: p.Inventory,
		points:    p.Points,
		outbox:    p.Outbox,
		metrics:   p.Metrics,
		logg:      p.Logger,
		now:       now,
	}, nil
}

// Fulfill records a confirmed payment of paid for orderID. Orders that are no
// longer awaiting payment are reported as already processed and left alone.
func (c *Coordinator) Fulfill(ctx context.Context, orderID string, paid decimal.Decimal, tradeNo string) (Outcome, error) {
	ctx = c.logg.WithOrderID(ctx, orderID)
	var out Outcome
	err := c.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := c.repo.WithTx(tx)
		order, err := repo.FindByIDForUpdate(ctx, orderID)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return pkgerrors.New(pkgerrors.CodeNotFound, "order not found")
		}
		if err != nil {
			return pkgdb.StoreError(err, "lock order")
		}

		if !paid.Sub(order.Amount).Abs().LessThan(amountTolerance) {
			return pkgerrors.New(pkgerrors.CodeAmountMismatch, "paid amount does not match order").
				WithDetails(map[string]any{"expected": order.Amount.StringFixed(2), "paid": paid.StringFixed(2)})
		}

		if !order.Status.AcceptsPayment() {
			out = Outcome{Result: ResultAlreadyProcessed, Order: *order}
			return nil
		}

		if order.Status == enums.OrderStatusCancelled {
			c.redebit(ctx, tx, *order)
		}

		now := c.now()
		from := []enums.OrderStatus{order.Status}
		order.PaidAt = &now
		order.TradeNo = &tradeNo

		if order.IsPaymentLink() {
			return c.settle(ctx, tx, repo, order, from, ResultPaid, &out)
		}

		cards, err := c.inventory.Claim(ctx, tx, order.ProductID, order.OrderID, order.Units())
		if err != nil {
			return err
		}
		if len(cards) < order.Units() {
			return c.settle(ctx, tx, repo, order, from, ResultPaid, &out)
		}
		keys := orders.JoinCardKeys(cards)
		order.CardKey = &keys
		order.DeliveredAt = &now
		return c.settle(ctx, tx, repo, order, from, ResultDelivered, &out)
	})
	if err != nil {
		if pkgerrors.IsCode(err, pkgerrors.CodeAmountMismatch) {
			c.metrics.ObserveFulfillment(metrics.OutcomeAmountMismatch)
			c.logg.Warn(c.logg.WithField(ctx, "error", err.Error()), "payment amount mismatch; order left untouched")
		}
		return Outcome{}, err
	}

	c.observe(ctx, out)
	return out, nil
}

func (c *Coordinator) settle(ctx context.Context, tx *gorm.DB, repo orders.Repository, order *models.Order, from []enums.OrderStatus, result Result, out *Outcome) error {
	fields := map[string]any{
		"paid_at":  order.PaidAt,
		"trade_no": order.TradeNo,
	}
	event := enums.EventOrderPaid
	if result == ResultDelivered {
		order.Status = enums.OrderStatusDelivered
		fields["card_key"] = order.CardKey
		fields["delivered_at"] = order.DeliveredAt
		event = enums.EventOrderDelivered
	} else {
		order.Status = enums.OrderStatusPaid
	}
	fields["status"] = order.Status

	ok, err := repo.UpdateFields(ctx, order.OrderID, from, fields)
	if err != nil {
		return pkgdb.StoreError(err, "settle order")
	}
	if !ok {
		return pkgerrors.New(pkgerrors.CodeConflict, "order changed concurrently")
	}
	if err := c.outbox.Emit(ctx, tx, outbox.NewOrderEvent(event, *order, nil)); err != nil {
		return pkgdb.StoreError(err, "queue order event")
	}
	*out = Outcome{Result: result, Order: *order}
	return nil
}

func (c *Coordinator) redebit(ctx context.Context, tx *gorm.DB, order models.Order) {
	if order.PointsUsed <= 0 || order.UserID == nil || *order.UserID == "" {
		return
	}
	if err := c.points.Debit(tx, *order.UserID, order.PointsUsed); err != nil {
		logCtx := c.logg.WithFields(ctx, map[string]any{"user_id": *order.UserID, "points": order.PointsUsed, "error": err.Error()})
		c.logg.Warn(logCtx, "late payment revived a cancelled order but its points could not be re-debited")
	}
}

func (c *Coordinator) observe(ctx context.Context, out Outcome) {
	logCtx := c.logg.WithField(ctx, "status", out.Order.Status)
	switch {
	case out.Result == ResultAlreadyProcessed:
		c.metrics.ObserveFulfillment(metrics.OutcomeAlreadySettled)
		c.logg.Debug(logCtx, "payment confirmation for settled order ignored")
	case out.Result == ResultDelivered:
		c.metrics.ObserveFulfillment(metrics.OutcomeDelivered)
		c.logg.Info(logCtx, "order delivered")
	case out.Order.IsPaymentLink():
		c.metrics.ObserveFulfillment(metrics.OutcomeDelivered)
		c.logg.Info(logCtx, "payment link paid")
	default:
		c.metrics.ObserveFulfillment(metrics.OutcomePaidNoStock)
		c.logg.Warn(logCtx, "order paid but stock ran out; awaiting restock")
	}
}
