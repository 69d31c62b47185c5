// Package checkout creates orders: it reserves stock, applies points and
// signs the hosted payment request.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/angelmondragon/cardkey-backend/internal/inventory"
	"github.com/angelmondragon/cardkey-backend/internal/orders"
	"github.com/angelmondragon/cardkey-backend/internal/points"
	pkgdb "github.com/angelmondragon/cardkey-backend/pkg/db"
	"github.com/angelmondragon/cardkey-backend/pkg/db/models"
	"github.com/angelmondragon/cardkey-backend/pkg/enums"
	"github.com/angelmondragon/cardkey-backend/pkg/epay"
	pkgerrors "github.com/angelmondragon/cardkey-backend/pkg/errors"
	"github.com/angelmondragon/cardkey-backend/pkg/logger"
	"github.com/angelmondragon/cardkey-backend/pkg/outbox"
)

// PointsRedemptionTradeNo marks orders paid entirely with points.
const PointsRedemptionTradeNo = "POINTS_REDEMPTION"

const maxQuantity = 100

// Service exposes the buyer-facing checkout operations.
type Service interface {
	CreateOrder(ctx context.Context, input Input) (*Result, error)
	CreatePaymentLink(ctx context.Context, input PaymentLinkInput) (*Result, error)
	RetryPayment(ctx context.Context, orderID string, buyer orders.Actor) (*Result, error)
}

// Input describes a card purchase. Email falls back to the buyer's own.
type Input struct {
	ProductID string
	Quantity  int
	Email     string
	UsePoints bool
	Buyer     orders.Actor
}

// PaymentLinkInput describes a money transfer to Payee with no inventory attached.
type PaymentLinkInput struct {
	Amount decimal.Decimal
	Payee  string
	Email  string
	Buyer  orders.Actor
}

// Result carries the created order and, unless points covered the price, the
// signed request the buyer submits to the payment provider.
type Result struct {
	Order   models.Order
	Payment *epay.PaymentRequest
}

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type outboxPublisher interface {
	Emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
}

type productLoader interface {
	Get(ctx context.Context, id string) (*models.Product, error)
}

type buyerStore interface {
	EnsureBuyer(ctx context.Context, userID string, username *string) (*models.LoginUser, error)
}

type reservationEngine interface {
	Reserve(ctx context.Context, tx *gorm.DB, productID string, quantity int, orderID string) (inventory.Reservation, error)
	Consume(ctx context.Context, tx *gorm.DB, cards []models.Card) error
	SettleHolders(ctx context.Context, db *gorm.DB, holderIDs []string) error
}

type pointsLedger interface {
	Balance(ctx context.Context, userID string) (int, error)
	Debit(tx *gorm.DB, userID string, n int) error
}

type expirySweeper interface {
	CancelExpired(ctx context.Context, filter orders.SweepFilter) (orders.SweepResult, error)
}

type paymentSigner interface {
	BuildPaymentRequest(paymentID, orderID, name string, amount decimal.Decimal) epay.PaymentRequest
}

// ServiceParams groups the collaborators of NewService.
type ServiceParams struct {
	DB        *gorm.DB
	Tx        txRunner
	Orders    orders.Repository
	Products  productLoader
	Buyers    buyerStore
	Inventory reservationEngine
	Points    pointsLedger
	Sweeper   expirySweeper
	Payments  paymentSigner
	Outbox    outboxPublisher
	Logger    *logger.Logger
	Now       func() time.Time
}

type service struct {
	db        *gorm.DB
	tx        txRunner
	orders    orders.Repository
	products  productLoader
	buyers    buyerStore
	inventory reservationEngine
	points    pointsLedger
	sweeper   expirySweeper
	payments  paymentSigner
	outbox    outboxPublisher
	logg      *logger.Logger
	now       func() time.Time
}

// NewService wires checkout with its dependencies. The sweeper is optional.
func NewService(p ServiceParams) (Service, error) {
	if p.DB == nil {
		return nil, fmt.Errorf("db required")
	}
	if p.Tx == nil {
		return nil, fmt.Errorf("transaction runner required")
	}
	if p.Orders == nil {
		return nil, fmt.Errorf("orders repository required")
	}
	if p.Products == nil {
		return nil, fmt.Errorf("product loader required")
	}
	if p.Buyers == nil {
		return nil, fmt.Errorf("buyer store required")
	}
	if p.Inventory == nil {
		return nil, fmt.Errorf("reservation engine required")
	}
	if p.Points == nil {
		return nil, fmt.Errorf("points ledger required")
	}
	if p.Payments == nil {
		return nil, fmt.Errorf("payment signer required")
	}
	if p.Outbox == nil {
		return nil, fmt.Errorf("outbox publisher required")
	}
	now := p.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &service{
		db:        p.DB,
		tx:        p.Tx,
		orders:    p.Orders,
		products:  p.Products,
		buyers:    p.Buyers,
		inventory: p.Inventory,
		points:    p.Points,
		sweeper:   p.Sweeper,
		payments:  p.Payments,
		outbox:    p.Outbox,
		logg:      p.Logger,
		now:       now,
	}, nil
}

func (s *service) CreateOrder(ctx context.Context, input Input) (*Result, error) {
	productID := strings.TrimSpace(input.ProductID)
	if productID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "product_id is required")
	}
	if input.Quantity <= 0 || input.Quantity > maxQuantity {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "quantity out of range").
			WithDetails(map[string]any{"min": 1, "max": maxQuantity})
	}

	product, err := s.products.Get(ctx, productID)
	if err != nil {
		return nil, err
	}
	if err := s.checkBuyer(ctx, input.Buyer); err != nil {
		return nil, err
	}

	s.sweepProduct(ctx, product.ID)

	email := buyerEmail(input.Email, input.Buyer)
	if err := s.checkPurchaseLimit(ctx, *product, input.Buyer.UserID, email, input.Quantity); err != nil {
		return nil, err
	}

	balance := 0
	if input.UsePoints && !input.Buyer.IsGuest() {
		if balance, err = s.points.Balance(ctx, input.Buyer.UserID); err != nil {
			return nil, err
		}
	}
	quote := points.NewQuote(product.Price, input.Quantity, balance, input.UsePoints && !input.Buyer.IsGuest())

	orderID := orders.NewOrderID()
	ctx = s.logg.WithOrderID(ctx, orderID)
	order := models.Order{
		OrderID:     orderID,
		Kind:        enums.OrderKindCard,
		ProductID:   product.ID,
		ProductName: product.Name,
		Amount:      quote.FinalAmount,
		Quantity:    input.Quantity,
		Email:       optional(email),
		UserID:      optional(input.Buyer.UserID),
		Username:    optional(input.Buyer.Username),
		PointsUsed:  quote.PointsToUse,
		CreatedAt:   s.now(),
	}

	var paidHolders []string
	err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		reservation, err := s.inventory.Reserve(ctx, tx, product.ID, input.Quantity, orderID)
		paidHolders = reservation.PaidHolders
		if err != nil {
			return err
		}
		if !input.Buyer.IsGuest() {
			if err := s.points.Debit(tx, input.Buyer.UserID, quote.PointsToUse); err != nil {
				return err
			}
		}

		event := enums.EventOrderCreated
		if quote.ZeroPrice() {
			if err := s.inventory.Consume(ctx, tx, reservation.Units); err != nil {
				return err
			}
			tradeNo := PointsRedemptionTradeNo
			keys := orders.JoinCardKeys(reservation.Units)
			now := order.CreatedAt
			order.Status = enums.OrderStatusDelivered
			order.TradeNo = &tradeNo
			order.CardKey = &keys
			order.PaidAt = &now
			order.DeliveredAt = &now
			event = enums.EventOrderDelivered
		} else {
			order.Status = enums.OrderStatusPending
			order.CurrentPaymentID = &orderID
		}

		if err := s.orders.WithTx(tx).Create(ctx, &order); err != nil {
			return pkgdb.StoreError(err, "create order")
		}
		if err := s.outbox.Emit(ctx, tx, outbox.NewOrderEvent(event, order, input.Buyer.Ref())); err != nil {
			return pkgdb.StoreError(err, "queue order event")
		}
		return nil
	})
	if err != nil {
		s.replayPaidHolders(ctx, paidHolders)
		return nil, err
	}

	logCtx := s.logg.WithFields(ctx, map[string]any{
		"product_id":  product.ID,
		"quantity":    order.Quantity,
		"status":      order.Status,
		"points_used": order.PointsUsed,
	})
	s.logg.Info(logCtx, "order created")

	result := &Result{Order: order}
	if order.Status == enums.OrderStatusPending {
		req := s.payments.BuildPaymentRequest(orderID, orderID, order.ProductName, order.Amount)
		result.Payment = &req
	}
	return result, nil
}

func (s *service) CreatePaymentLink(ctx context.Context, input PaymentLinkInput) (*Result, error) {
	if !input.Amount.IsPositive() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "amount must be positive")
	}
	if !input.Amount.Equal(input.Amount.Round(2)) {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "amount supports at most two decimals")
	}
	if err := s.checkBuyer(ctx, input.Buyer); err != nil {
		return nil, err
	}

	payee := strings.TrimSpace(input.Payee)
	name := "Payment"
	if payee != "" {
		name = "Payment to " + payee
	}
	orderID := orders.NewOrderID()
	ctx = s.logg.WithOrderID(ctx, orderID)
	order := models.Order{
		OrderID:          orderID,
		Kind:             enums.OrderKindPaymentLink,
		ProductID:        enums.PaymentLinkProductID,
		ProductName:      name,
		Amount:           input.Amount,
		Quantity:         1,
		Email:            optional(buyerEmail(input.Email, input.Buyer)),
		UserID:           optional(input.Buyer.UserID),
		Username:         optional(input.Buyer.Username),
		Payee:            optional(payee),
		Status:           enums.OrderStatusPending,
		CurrentPaymentID: &orderID,
		CreatedAt:        s.now(),
	}

	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		if err := s.orders.WithTx(tx).Create(ctx, &order); err != nil {
			return pkgdb.StoreError(err, "create payment link order")
		}
		if err := s.outbox.Emit(ctx, tx, outbox.NewOrderEvent(enums.EventOrderCreated, order, input.Buyer.Ref())); err != nil {
			return pkgdb.StoreError(err, "queue order event")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logg.Info(s.logg.WithField(ctx, "amount", order.Amount.StringFixed(2)), "payment link order created")
	req := s.payments.BuildPaymentRequest(orderID, orderID, order.ProductName, order.Amount)
	return &Result{Order: order, Payment: &req}, nil
}

// RetryPayment opens a new payment attempt for a pending order. The provider
// rejects reused out_trade_no values, so every attempt gets its own id.
func (s *service) RetryPayment(ctx context.Context, orderID string, buyer orders.Actor) (*Result, error) {
	if buyer.IsGuest() {
		return nil, pkgerrors.New(pkgerrors.CodeUnauthorized, "sign in to retry payment")
	}
	ctx = s.logg.WithOrderID(ctx, orderID)

	var order models.Order
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.orders.WithTx(tx)
		current, err := repo.FindByIDForUpdate(ctx, orderID)
		if errors.Is(err, gorm.ErrRecordNotFound) || (err == nil && !current.OwnedBy(buyer.UserID)) {
			return pkgerrors.New(pkgerrors.CodeNotFound, "order not found")
		}
		if err != nil {
			return pkgdb.StoreError(err, "load order")
		}
		if current.Status != enums.OrderStatusPending {
			return pkgerrors.New(pkgerrors.CodeStateConflict, "order is no longer awaiting payment").
				WithDetails(map[string]any{"status": current.Status})
		}

		paymentID := orders.RetryPaymentID(current.OrderID, s.now())
		ok, err := repo.UpdateFields(ctx, current.OrderID, []enums.OrderStatus{enums.OrderStatusPending}, map[string]any{
			"current_payment_id": paymentID,
		})
		if err != nil {
			return pkgdb.StoreError(err, "store payment attempt")
		}
		if !ok {
			return pkgerrors.New(pkgerrors.CodeConflict, "order changed concurrently")
		}
		current.CurrentPaymentID = &paymentID
		order = *current
		return nil
	})
	if err != nil {
		return nil, err
	}

	paymentID := order.PaymentID()
	s.logg.Info(s.logg.WithField(ctx, "payment_id", paymentID), "payment attempt renewed")
	req := s.payments.BuildPaymentRequest(paymentID, order.OrderID, order.ProductName, order.Amount)
	return &Result{Order: order, Payment: &req}, nil
}

func (s *service) checkBuyer(ctx context.Context, buyer orders.Actor) error {
	if buyer.IsGuest() {
		return nil
	}
	user, err := s.buyers.EnsureBuyer(ctx, buyer.UserID, optional(buyer.Username))
	if err != nil {
		return pkgdb.StoreError(err, "load buyer")
	}
	if user != nil && user.IsBlocked {
		return pkgerrors.New(pkgerrors.CodeForbidden, "account is blocked")
	}
	return nil
}

// sweepProduct frees units held by abandoned orders before counting stock.
// A failure only means the buyer may see less stock than exists.
func (s *service) sweepProduct(ctx context.Context, productID string) {
	if s.sweeper == nil {
		return
	}
	if _, err := s.sweeper.CancelExpired(ctx, orders.SweepFilter{ProductID: productID}); err != nil {
		s.logg.Warn(s.logg.WithField(ctx, "error", err.Error()), "expiry sweep before checkout failed")
	}
}

func (s *service) checkPurchaseLimit(ctx context.Context, product models.Product, userID, email string, quantity int) error {
	if product.PurchaseLimit == nil || *product.PurchaseLimit <= 0 {
		return nil
	}
	if userID == "" && email == "" {
		return nil
	}
	purchased, err := s.orders.SumPurchased(ctx, product.ID, userID, email)
	if err != nil {
		return pkgdb.StoreError(err, "count purchases")
	}
	if purchased+int64(quantity) > int64(*product.PurchaseLimit) {
		return pkgerrors.New(pkgerrors.CodeLimitExceeded, "purchase limit reached for this product").
			WithDetails(map[string]any{"limit": *product.PurchaseLimit, "purchased": purchased})
	}
	return nil
}

// replayPaidHolders settles holders whose payment was discovered by a
// reservation that then rolled back, so the discovery is not lost.
func (s *service) replayPaidHolders(ctx context.Context, holderIDs []string) {
	if len(holderIDs) == 0 {
		return
	}
	if err := s.inventory.SettleHolders(ctx, s.db, holderIDs); err != nil {
		logCtx := s.logg.WithField(ctx, "holder_order_ids", strings.Join(holderIDs, ","))
		s.logg.Error(logCtx, "failed to replay paid reservation holders", err)
	}
}

func buyerEmail(email string, buyer orders.Actor) string {
	if e := strings.TrimSpace(email); e != "" {
		return e
	}
	return strings.TrimSpace(buyer.Email)
}

func optional(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
