// Package epaywebhook handles the provider's asynchronous payment notifications.
package epaywebhook

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/angelmondragon/cardkey-backend/internal/fulfillment"
	"github.com/angelmondragon/cardkey-backend/pkg/db/models"
	"github.com/angelmondragon/cardkey-backend/pkg/epay"
	pkgerrors "github.com/angelmondragon/cardkey-backend/pkg/errors"
	"github.com/angelmondragon/cardkey-backend/pkg/logger"
)

type notificationParser interface {
	ParseNotification(values url.Values) (epay.Notification, error)
}

type orderResolver interface {
	FindByPaymentID(ctx context.Context, paymentID string) (*models.Order, error)
}

type fulfiller interface {
	Fulfill(ctx context.Context, orderID string, paid decimal.Decimal, tradeNo string) (fulfillment.Outcome, error)
}

type replayGuard interface {
	CheckAndMark(ctx context.Context, tradeNo string) (bool, error)
	Delete(ctx context.Context, tradeNo string) error
}

// Ack describes how a notification was handled when the provider should
// stop retrying it.
type Ack struct {
	OrderID string
	Result  fulfillment.Result
	Ignored string
}

type ServiceParams struct {
	Parser    notificationParser
	Orders    orderResolver
	Fulfiller fulfiller
	Guard     replayGuard
	Logger    *logger.Logger
}

type Service struct {
	parser    notificationParser
	orders    orderResolver
	fulfiller fulfiller
	guard     replayGuard
	logg      *logger.Logger
}

func NewService(p ServiceParams) (*Service, error) {
	if p.Parser == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "notification parser required")
	}
	if p.Orders == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "order resolver required")
	}
	if p.Fulfiller == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "fulfiller required")
	}
	if p.Guard == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "idempotency guard required")
	}
	return &Service{parser: p.Parser, orders: p.Orders, fulfiller: p.Fulfiller, guard: p.Guard, logg: p.Logger}, nil
}

// Handle verifies and applies one notification. A returned error means the
// provider should retry; permanent problems such as an unknown order or an
// amount mismatch are logged and acknowledged instead, since a retry would
// fail the same way.
func (s *Service) Handle(ctx context.Context, values url.Values) (Ack, error) {
	n, err := s.parser.ParseNotification(values)
	if err != nil {
		if errors.Is(err, epay.ErrInvalidSignature) || errors.Is(err, epay.ErrForeignMerchant) {
			s.logg.Warn(s.logg.WithField(ctx, "error", err.Error()), "rejected payment notification")
			return Ack{}, pkgerrors.Wrap(pkgerrors.CodeUnauthorized, err, "notification rejected")
		}
		return Ack{}, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "malformed notification")
	}

	ctx = s.logg.WithFields(ctx, map[string]any{"out_trade_no": n.OutTradeNo, "trade_no": n.TradeNo})
	if !n.Succeeded() {
		s.logg.Debug(s.logg.WithField(ctx, "trade_status", n.TradeStatus), "notification without payment ignored")
		return Ack{Ignored: "trade_status " + n.TradeStatus}, nil
	}

	replayKey := n.TradeNo
	if replayKey == "" {
		replayKey = n.OutTradeNo
	}
	seen, err := s.guard.CheckAndMark(ctx, replayKey)
	if err != nil {
		return Ack{}, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "check notification replay")
	}
	if seen {
		s.logg.Debug(ctx, "replayed notification ignored")
		return Ack{Ignored: "replay"}, nil
	}

	ack, err := s.fulfill(ctx, n)
	if err == nil {
		return ack, nil
	}
	if permanent(err) {
		s.logg.Error(ctx, "payment notification cannot be applied", err)
		return Ack{OrderID: ack.OrderID, Ignored: string(pkgerrors.CodeOf(err))}, nil
	}
	if delErr := s.guard.Delete(ctx, replayKey); delErr != nil {
		s.logg.Error(ctx, "failed to clear notification replay mark", delErr)
	}
	return Ack{}, err
}

func (s *Service) fulfill(ctx context.Context, n epay.Notification) (Ack, error) {
	order, err := s.orders.FindByPaymentID(ctx, n.OutTradeNo)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Ack{}, pkgerrors.New(pkgerrors.CodeNotFound, fmt.Sprintf("no order for payment %s", n.OutTradeNo))
	}
	if err != nil {
		return Ack{}, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "resolve order")
	}

	ctx = s.logg.WithOrderID(ctx, order.OrderID)
	outcome, err := s.fulfiller.Fulfill(ctx, order.OrderID, n.Money, n.TradeNo)
	if err != nil {
		return Ack{OrderID: order.OrderID}, err
	}
	return Ack{OrderID: order.OrderID, Result: outcome.Result}, nil
}

func permanent(err error) bool {
	return !pkgerrors.IsRetryable(err)
}
