package orders

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	pkgdb "github.com/angelmondragon/cardkey-backend/pkg/db"
	"github.com/angelmondragon/cardkey-backend/pkg/db/models"
	"github.com/angelmondragon/cardkey-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/cardkey-backend/pkg/errors"
	"github.com/angelmondragon/cardkey-backend/pkg/logger"
	"github.com/angelmondragon/cardkey-backend/pkg/outbox"
	"github.com/angelmondragon/cardkey-backend/pkg/pagination"
)

// Service covers order reads and the admin and owner controls over the ledger.
type Service interface {
	Get(ctx context.Context, orderID string) (*models.Order, error)
	GetForViewer(ctx context.Context, orderID string, viewer Actor) (*models.Order, error)
	List(ctx context.Context, filters ListFilters, params pagination.Params) (*OrderList, error)
	ListForUser(ctx context.Context, viewer Actor, params pagination.Params) (*OrderList, error)
	MarkPaid(ctx context.Context, orderID string, actor Actor) (*models.Order, error)
	MarkDelivered(ctx context.Context, orderID string, actor Actor) (*models.Order, error)
	RetryDelivery(ctx context.Context, orderID string, actor Actor) (*models.Order, error)
	Cancel(ctx context.Context, orderID string, actor Actor) (*models.Order, error)
	UpdateEmail(ctx context.Context, orderID, email string, actor Actor) (*models.Order, error)
	Delete(ctx context.Context, orderID string, actor Actor) error
	DeleteMany(ctx context.Context, orderIDs []string, actor Actor) (int, error)
	VerifyRefund(ctx context.Context, orderID string, actor Actor) (*RefundVerification, error)
}

// RefundVerification reports what the provider said about a trade.
type RefundVerification struct {
	Order          *models.Order
	ProviderStatus int
	Refunded       bool
	Message        string
}

// ServiceParams groups the collaborators of NewService.
type ServiceParams struct {
	Repo      Repository
	Tx        txRunner
	Outbox    outboxPublisher
	Inventory Inventory
	Points    PointsLedger
	Oracle    RefundOracle
	Logger    *logger.Logger
	Now       func() time.Time
}

type service struct {
	repo   Repository
	tx     txRunner
	oracle RefundOracle
	logg   *logger.Logger
	now    func() time.Time
	transitions
}

// NewService builds the order ledger service.
func NewService(p ServiceParams) (Service, error) {
	if p.Repo == nil {
		return nil, fmt.Errorf("orders repository required")
	}
	if p.Tx == nil {
		return nil, fmt.Errorf("transaction runner required")
	}
	if p.Outbox == nil {
		return nil, fmt.Errorf("outbox publisher required")
	}
	if p.Inventory == nil {
		return nil, fmt.Errorf("inventory required")
	}
	if p.Points == nil {
		return nil, fmt.Errorf("points ledger required")
	}
	if p.Oracle == nil {
		return nil, fmt.Errorf("refund oracle required")
	}
	now := p.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &service{
		repo:   p.Repo,
		tx:     p.Tx,
		oracle: p.Oracle,
		logg:   p.Logger,
		now:    now,
		transitions: transitions{
			inventory: p.Inventory,
			points:    p.Points,
			outbox:    p.Outbox,
			logg:      p.Logger,
		},
	}, nil
}

func (s *service) Get(ctx context.Context, orderID string) (*models.Order, error) {
	if strings.TrimSpace(orderID) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "order id required")
	}
	order, err := s.repo.FindByID(ctx, orderID)
	if err != nil {
		return nil, mapLoadError(err)
	}
	return order, nil
}

// GetForViewer hides orders placed by a signed-in buyer from everyone but that
// buyer and admins. Guest orders are addressed by their unguessable id alone.
func (s *service) GetForViewer(ctx context.Context, orderID string, viewer Actor) (*models.Order, error) {
	order, err := s.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if err := authorizeView(*order, viewer); err != nil {
		return nil, err
	}
	return order, nil
}

func (s *service) List(ctx context.Context, filters ListFilters, params pagination.Params) (*OrderList, error) {
	if filters.Status != "" && !filters.Status.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "invalid status filter")
	}
	if _, err := pagination.ParseCursor(params.Cursor); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid cursor")
	}
	list, err := s.repo.List(ctx, filters, params)
	if err != nil {
		return nil, pkgdb.StoreError(err, "list orders")
	}
	return list, nil
}

func (s *service) ListForUser(ctx context.Context, viewer Actor, params pagination.Params) (*OrderList, error) {
	if viewer.IsGuest() {
		return nil, pkgerrors.New(pkgerrors.CodeUnauthorized, "sign in to list orders")
	}
	return s.List(ctx, ListFilters{UserID: viewer.UserID}, params)
}

func (s *service) MarkPaid(ctx context.Context, orderID string, actor Actor) (*models.Order, error) {
	if err := requireAdmin(actor); err != nil {
		return nil, err
	}
	var out *models.Order
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		order, err := lockOrder(ctx, repo, orderID)
		if err != nil {
			return err
		}
		if !order.Status.CanTransition(enums.OrderStatusPaid) {
			return stateConflict(order, enums.OrderStatusPaid)
		}
		if order.Status == enums.OrderStatusCancelled {
			s.redebit(ctx, tx, *order)
		}
		now := s.now()
		fields := map[string]any{"status": enums.OrderStatusPaid, "paid_at": now}
		if err := update(ctx, repo, order, []enums.OrderStatus{order.Status}, fields); err != nil {
			return err
		}
		order.Status = enums.OrderStatusPaid
		order.PaidAt = &now
		out = order
		return s.emit(ctx, tx, enums.EventOrderPaid, *order, actor)
	})
	if err != nil {
		return nil, err
	}
	s.logTransition(ctx, out, "order marked paid by admin")
	return out, nil
}

func (s *service) MarkDelivered(ctx context.Context, orderID string, actor Actor) (*models.Order, error) {
	if err := requireAdmin(actor); err != nil {
		return nil, err
	}
	var out *models.Order
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		order, err := lockOrder(ctx, repo, orderID)
		if err != nil {
			return err
		}
		if order.Status != enums.OrderStatusPaid {
			return stateConflict(order, enums.OrderStatusDelivered)
		}
		if len(order.CardKeys()) == 0 {
			return pkgerrors.New(pkgerrors.CodeStateConflict, "order has no card key to deliver; use retry delivery after restocking")
		}
		now := s.now()
		fields := map[string]any{"status": enums.OrderStatusDelivered, "delivered_at": now}
		if err := update(ctx, repo, order, []enums.OrderStatus{enums.OrderStatusPaid}, fields); err != nil {
			return err
		}
		order.Status = enums.OrderStatusDelivered
		order.DeliveredAt = &now
		out = order
		return s.emit(ctx, tx, enums.EventOrderDelivered, *order, actor)
	})
	if err != nil {
		return nil, err
	}
	s.logTransition(ctx, out, "order marked delivered by admin")
	return out, nil
}

// RetryDelivery claims restocked units for a paid order that could not be
// fulfilled when its payment arrived. It delivers everything or nothing.
func (s *service) RetryDelivery(ctx context.Context, orderID string, actor Actor) (*models.Order, error) {
	if err := requireAdmin(actor); err != nil {
		return nil, err
	}
	var out *models.Order
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		order, err := lockOrder(ctx, repo, orderID)
		if err != nil {
			return err
		}
		if order.Status != enums.OrderStatusPaid {
			return stateConflict(order, enums.OrderStatusDelivered)
		}
		if order.IsPaymentLink() {
			return pkgerrors.New(pkgerrors.CodeStateConflict, "payment links have nothing to deliver")
		}
		cards, err := s.inventory.Claim(ctx, tx, order.ProductID, order.OrderID, order.Units())
		if err != nil {
			return err
		}
		if len(cards) < order.Units() {
			return pkgerrors.New(pkgerrors.CodeOutOfStock, "not enough stock to deliver this order").
				WithDetails(map[string]any{"available": len(cards), "quantity": order.Units()})
		}
		keys := joinKeys(cards)
		now := s.now()
		fields := map[string]any{"status": enums.OrderStatusDelivered, "card_key": keys, "delivered_at": now}
		if err := update(ctx, repo, order, []enums.OrderStatus{enums.OrderStatusPaid}, fields); err != nil {
			return err
		}
		order.Status = enums.OrderStatusDelivered
		order.CardKey = &keys
		order.DeliveredAt = &now
		out = order
		return s.emit(ctx, tx, enums.EventOrderDelivered, *order, actor)
	})
	if err != nil {
		return nil, err
	}
	s.logTransition(ctx, out, "order delivered after restock")
	return out, nil
}

// Cancel is open to admins and to the buyer who placed the order.
func (s *service) Cancel(ctx context.Context, orderID string, actor Actor) (*models.Order, error) {
	if actor.IsGuest() {
		return nil, pkgerrors.New(pkgerrors.CodeUnauthorized, "sign in to cancel orders")
	}
	var out *models.Order
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		order, err := lockOrder(ctx, repo, orderID)
		if err != nil {
			return err
		}
		if !actor.IsAdmin() && !order.OwnedBy(actor.UserID) {
			return pkgerrors.New(pkgerrors.CodeForbidden, "order does not belong to user")
		}
		if order.Status != enums.OrderStatusPending {
			return stateConflict(order, enums.OrderStatusCancelled)
		}
		if err := s.cancel(ctx, tx, repo, order, actor); err != nil {
			return err
		}
		out = order
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logTransition(ctx, out, "order cancelled")
	return out, nil
}

func (s *service) UpdateEmail(ctx context.Context, orderID, email string, actor Actor) (*models.Order, error) {
	if err := requireAdmin(actor); err != nil {
		return nil, err
	}
	var value any
	if trimmed := strings.TrimSpace(email); trimmed != "" {
		value = trimmed
	}
	ok, err := s.repo.UpdateFields(ctx, orderID, nil, map[string]any{"email": value})
	if err != nil {
		return nil, pkgdb.StoreError(err, "update order email")
	}
	if !ok {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "order not found")
	}
	return s.Get(ctx, orderID)
}

func (s *service) Delete(ctx context.Context, orderID string, actor Actor) error {
	if err := requireAdmin(actor); err != nil {
		return err
	}
	var deleted bool
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		var err error
		deleted, err = s.deleteOne(ctx, tx, orderID, actor)
		return err
	})
	if err != nil {
		return err
	}
	if !deleted {
		return pkgerrors.New(pkgerrors.CodeNotFound, "order not found")
	}
	return nil
}

// DeleteMany removes every listed order in one transaction. Unknown ids are skipped.
func (s *service) DeleteMany(ctx context.Context, orderIDs []string, actor Actor) (int, error) {
	if err := requireAdmin(actor); err != nil {
		return 0, err
	}
	ids := make([]string, 0, len(orderIDs))
	for _, id := range orderIDs {
		if trimmed := strings.TrimSpace(id); trimmed != "" {
			ids = append(ids, trimmed)
		}
	}
	if len(ids) == 0 {
		return 0, nil
	}
	count := 0
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		count = 0
		for _, id := range ids {
			deleted, err := s.deleteOne(ctx, tx, id, actor)
			if err != nil {
				return err
			}
			if deleted {
				count++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// deleteOne refunds points that bought nothing, frees held units, then drops
// the order and its refund requests.
func (s *service) deleteOne(ctx context.Context, tx *gorm.DB, orderID string, actor Actor) (bool, error) {
	repo := s.repo.WithTx(tx)
	order, err := repo.FindByIDForUpdate(ctx, orderID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, pkgdb.StoreError(err, "load order")
	}
	if order.Status == enums.OrderStatusPending || order.Status == enums.OrderStatusPaid {
		if err := s.refundPoints(tx, *order); err != nil {
			return false, err
		}
	}
	if _, err := s.inventory.Release(ctx, tx, order.OrderID); err != nil {
		return false, err
	}
	if err := repo.Delete(ctx, order.OrderID); err != nil {
		return false, pkgdb.StoreError(err, "delete order")
	}
	if err := s.emit(ctx, tx, enums.EventOrderDeleted, *order, actor); err != nil {
		return false, err
	}
	s.logTransition(ctx, order, "order deleted")
	return true, nil
}

// VerifyRefund asks the provider whether a settled order's trade was refunded
// and, when it was, records the refund and closes open refund requests.
func (s *service) VerifyRefund(ctx context.Context, orderID string, actor Actor) (*RefundVerification, error) {
	if err := requireAdmin(actor); err != nil {
		return nil, err
	}
	order, err := s.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}

	status, err := s.oracle.QueryStatus(ctx, order.PaymentID())
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeOracleUnavailable, err, "query payment status")
	}
	result := &RefundVerification{Order: order, ProviderStatus: status.Status, Message: status.Message}
	if !status.Success {
		return result, nil
	}
	if !status.Refunded() || !order.Status.IsSettled() {
		return result, nil
	}

	err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		locked, err := lockOrder(ctx, repo, orderID)
		if err != nil {
			return err
		}
		if !locked.Status.CanTransition(enums.OrderStatusRefunded) {
			return nil
		}
		now := s.now()
		if err := update(ctx, repo, locked, []enums.OrderStatus{locked.Status}, map[string]any{"status": enums.OrderStatusRefunded}); err != nil {
			return err
		}
		if _, err := repo.ProcessRefundRequests(ctx, locked.OrderID, now); err != nil {
			return pkgdb.StoreError(err, "close refund requests")
		}
		locked.Status = enums.OrderStatusRefunded
		result.Order = locked
		result.Refunded = true
		return s.emit(ctx, tx, enums.EventOrderRefunded, *locked, actor)
	})
	if err != nil {
		return nil, err
	}
	if result.Refunded {
		s.logTransition(ctx, result.Order, "refund verified with provider")
	}
	return result, nil
}

func (s *service) logTransition(ctx context.Context, order *models.Order, msg string) {
	if order == nil {
		return
	}
	logCtx := s.logg.WithOrderID(ctx, order.OrderID)
	s.logg.Info(s.logg.WithField(logCtx, "status", order.Status), msg)
}

func authorizeView(order models.Order, viewer Actor) error {
	if order.UserID == nil || *order.UserID == "" {
		return nil
	}
	if viewer.IsAdmin() || order.OwnedBy(viewer.UserID) {
		return nil
	}
	if viewer.IsGuest() {
		return pkgerrors.New(pkgerrors.CodeUnauthorized, "sign in to view this order")
	}
	return pkgerrors.New(pkgerrors.CodeForbidden, "order does not belong to user")
}

func requireAdmin(actor Actor) error {
	if actor.IsGuest() {
		return pkgerrors.New(pkgerrors.CodeUnauthorized, "authentication required")
	}
	if !actor.IsAdmin() {
		return pkgerrors.New(pkgerrors.CodeForbidden, "admin role required")
	}
	return nil
}

func lockOrder(ctx context.Context, repo Repository, orderID string) (*models.Order, error) {
	if strings.TrimSpace(orderID) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "order id required")
	}
	order, err := repo.FindByIDForUpdate(ctx, orderID)
	if err != nil {
		return nil, mapLoadError(err)
	}
	return order, nil
}

func update(ctx context.Context, repo Repository, order *models.Order, from []enums.OrderStatus, fields map[string]any) error {
	ok, err := repo.UpdateFields(ctx, order.OrderID, from, fields)
	if err != nil {
		return pkgdb.StoreError(err, "update order")
	}
	if !ok {
		return pkgerrors.New(pkgerrors.CodeConflict, "order changed concurrently")
	}
	return nil
}

func mapLoadError(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return pkgerrors.New(pkgerrors.CodeNotFound, "order not found")
	}
	return pkgdb.StoreError(err, "load order")
}

func stateConflict(order *models.Order, next enums.OrderStatus) error {
	return pkgerrors.New(pkgerrors.CodeStateConflict, "order cannot move to "+string(next)).
		WithDetails(map[string]any{"orderId": order.OrderID, "status": order.Status})
}

func joinKeys(cards []models.Card) string {
	keys := make([]string, 0, len(cards))
	for _, c := range cards {
		keys = append(keys, c.CardKey)
	}
	return strings.Join(keys, models.CardKeySeparator)
}

// JoinCardKeys renders claimed units as the delivered payload.
func JoinCardKeys(cards []models.Card) string { return joinKeys(cards) }

var _ outboxPublisher = (*outbox.Service)(nil)
