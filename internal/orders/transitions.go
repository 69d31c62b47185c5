package orders

import (
	"context"

	"gorm.io/gorm"

	pkgdb "github.com/angelmondragon/cardkey-backend/pkg/db"
	"github.com/angelmondragon/cardkey-backend/pkg/db/models"
	"github.com/angelmondragon/cardkey-backend/pkg/enums"
	"github.com/angelmondragon/cardkey-backend/pkg/logger"
	"github.com/angelmondragon/cardkey-backend/pkg/outbox"
)

// transitions holds the side effects shared by admin controls and the sweeper.
type transitions struct {
	inventory Inventory
	points    PointsLedger
	outbox    outboxPublisher
	logg      *logger.Logger
}

// cancel moves a locked pending order to cancelled, gives back the points it
// spent and frees every unit it still holds.
func (t transitions) cancel(ctx context.Context, tx *gorm.DB, repo Repository, order *models.Order, actor Actor) error {
	if err := t.refundPoints(tx, *order); err != nil {
		return err
	}
	if err := update(ctx, repo, order, []enums.OrderStatus{enums.OrderStatusPending}, map[string]any{"status": enums.OrderStatusCancelled}); err != nil {
		return err
	}
	if _, err := t.inventory.Release(ctx, tx, order.OrderID); err != nil {
		return err
	}
	order.Status = enums.OrderStatusCancelled
	return t.emit(ctx, tx, enums.EventOrderCancelled, *order, actor)
}

func (t transitions) refundPoints(tx *gorm.DB, order models.Order) error {
	if order.PointsUsed <= 0 || order.UserID == nil || *order.UserID == "" {
		return nil
	}
	if err := t.points.Credit(tx, *order.UserID, order.PointsUsed); err != nil {
		return pkgdb.StoreError(err, "refund points")
	}
	return nil
}

// redebit takes back points refunded when a cancelled order is revived. A
// balance that no longer covers them is logged and the revival goes ahead.
func (t transitions) redebit(ctx context.Context, tx *gorm.DB, order models.Order) {
	if order.PointsUsed <= 0 || order.UserID == nil || *order.UserID == "" {
		return
	}
	if err := t.points.Debit(tx, *order.UserID, order.PointsUsed); err != nil {
		logCtx := t.logg.WithOrderID(ctx, order.OrderID)
		logCtx = t.logg.WithFields(logCtx, map[string]any{"user_id": *order.UserID, "points": order.PointsUsed, "error": err.Error()})
		t.logg.Warn(logCtx, "could not re-debit points for revived order")
	}
}

func (t transitions) emit(ctx context.Context, tx *gorm.DB, eventType enums.OutboxEventType, order models.Order, actor Actor) error {
	if err := t.outbox.Emit(ctx, tx, outbox.NewOrderEvent(eventType, order, actor.Ref())); err != nil {
		return pkgdb.StoreError(err, "queue order event")
	}
	return nil
}
