package fulfillment

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/angelmondragon/cardkey-backend/internal/orders"
	"github.com/angelmondragon/cardkey-backend/pkg/db/models"
	"github.com/angelmondragon/cardkey-backend/pkg/enums"
	"github.com/angelmondragon/cardkey-backend/pkg/epay"
	"github.com/angelmondragon/cardkey-backend/pkg/logger"
)

// StatusOracle answers whether a payment attempt was paid.
type StatusOracle interface {
	QueryStatus(ctx context.Context, paymentID string) (epay.StatusResult, error)
}

// OrderReader loads an order on behalf of a viewer.
type OrderReader interface {
	GetForViewer(ctx context.Context, orderID string, viewer orders.Actor) (*models.Order, error)
}

// Fulfiller is the part of Coordinator the poller drives.
type Fulfiller interface {
	Fulfill(ctx context.Context, orderID string, paid decimal.Decimal, tradeNo string) (Outcome, error)
}

// CheckResult is what a buyer or admin sees after polling. Unknown means the
// provider could not be asked; the order should be treated as still pending.
type CheckResult struct {
	Order   models.Order
	Status  enums.OrderStatus
	Unknown bool
}

// Poller checks the provider on demand for orders whose notification never arrived.
type Poller struct {
	orders    OrderReader
	oracle    StatusOracle
	fulfiller Fulfiller
	logg      *logger.Logger
	now       func() time.Time
}

func NewPoller(reader OrderReader, oracle StatusOracle, fulfiller Fulfiller, logg *logger.Logger, now func() time.Time) (*Poller, error) {
	if reader == nil || oracle == nil || fulfiller == nil {
		return nil, fmt.Errorf("poller dependencies missing")
	}
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Poller{orders: reader, oracle: oracle, fulfiller: fulfiller, logg: logg, now: now}, nil
}

// Check reports orderID's status, settling it first when the provider says
// the current payment attempt was paid.
func (p *Poller) Check(ctx context.Context, orderID string, viewer orders.Actor) (CheckResult, error) {
	order, err := p.orders.GetForViewer(ctx, orderID, viewer)
	if err != nil {
		return CheckResult{}, err
	}
	if !order.Status.AcceptsPayment() {
		return CheckResult{Order: *order, Status: order.Status}, nil
	}

	ctx = p.logg.WithOrderID(ctx, order.OrderID)
	status, err := p.oracle.QueryStatus(ctx, order.PaymentID())
	if err != nil {
		p.logg.Warn(p.logg.WithField(ctx, "error", err.Error()), "status poll could not reach provider")
		return CheckResult{Order: *order, Status: enums.OrderStatusPending, Unknown: true}, nil
	}
	if !status.Paid() {
		return CheckResult{Order: *order, Status: order.Status}, nil
	}

	tradeNo := strings.TrimSpace(status.TradeNo)
	if tradeNo == "" {
		tradeNo = fmt.Sprintf("MANUAL_CHECK_%d", p.now().UnixMilli())
	}
	paid := order.Amount
	if money, err := decimal.NewFromString(strings.TrimSpace(status.Money)); err == nil {
		paid = money
	}

	outcome, err := p.fulfiller.Fulfill(ctx, order.OrderID, paid, tradeNo)
	if err != nil {
		return CheckResult{}, err
	}
	return CheckResult{Order: outcome.Order, Status: outcome.Order.Status}, nil
}
