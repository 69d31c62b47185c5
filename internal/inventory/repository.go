package inventory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/cardkey-backend/pkg/db/models"
	"github.com/angelmondragon/cardkey-backend/pkg/enums"
)

var skipLocked = clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}

// Repository persists cards. Methods taking tx must run inside the caller's transaction.
type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) DB() *gorm.DB {
	return r.db
}

// CountAvailable counts unused units that are free or whose reservation is at or before staleBefore.
func (r *Repository) CountAvailable(tx *gorm.DB, productID string, staleBefore time.Time) (int64, error) {
	var count int64
	err := tx.Model(&models.Card{}).
		Where("product_id = ? AND is_used = ?", productID, false).
		Where("reserved_at IS NULL OR reserved_at <= ?", staleBefore).
		Count(&count).Error
	return count, err
}

// LockFree locks one never-reserved unit. Returns nil when none is free.
func (r *Repository) LockFree(tx *gorm.DB, productID string) (*models.Card, error) {
	var cards []models.Card
	err := tx.Clauses(skipLocked).
		Where("product_id = ? AND is_used = ? AND reserved_at IS NULL", productID, false).
		Order("id ASC").
		Limit(1).
		Find(&cards).Error
	if err != nil || len(cards) == 0 {
		return nil, err
	}
	return &cards[0], nil
}

// LockStale locks the oldest unit reserved at or before staleBefore, skipping exclude.
func (r *Repository) LockStale(tx *gorm.DB, productID string, staleBefore time.Time, exclude []uint64) (*models.Card, error) {
	q := tx.Clauses(skipLocked).
		Where("product_id = ? AND is_used = ?", productID, false).
		Where("reserved_at IS NOT NULL AND reserved_at <= ?", staleBefore)
	if len(exclude) > 0 {
		q = q.Where("id NOT IN ?", exclude)
	}
	var cards []models.Card
	if err := q.Order("reserved_at ASC").Order("id ASC").Limit(1).Find(&cards).Error; err != nil {
		return nil, err
	}
	if len(cards) == 0 {
		return nil, nil
	}
	return &cards[0], nil
}

// Reserve stamps the unit for orderID.
func (r *Repository) Reserve(tx *gorm.DB, cardID uint64, orderID string, at time.Time) error {
	res := tx.Model(&models.Card{}).
		Where("id = ? AND is_used = ?", cardID, false).
		Updates(map[string]any{
			"reserved_order_id": orderID,
			"reserved_at":       at,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected != 1 {
		return fmt.Errorf("card %d no longer reservable", cardID)
	}
	return nil
}

// LockReservedBy locks the unused units stamped with orderID.
func (r *Repository) LockReservedBy(tx *gorm.DB, orderID string) ([]models.Card, error) {
	var cards []models.Card
	err := tx.Clauses(skipLocked).
		Where("reserved_order_id = ? AND is_used = ?", orderID, false).
		Order("id ASC").
		Find(&cards).Error
	return cards, err
}

// LockClaimable locks up to limit unused units that are free or reserved at or before staleBefore.
func (r *Repository) LockClaimable(tx *gorm.DB, productID string, staleBefore time.Time, limit int, exclude []uint64) ([]models.Card, error) {
	if limit <= 0 {
		return nil, nil
	}
	q := tx.Clauses(skipLocked).
		Where("product_id = ? AND is_used = ?", productID, false).
		Where("reserved_at IS NULL OR reserved_at <= ?", staleBefore)
	if len(exclude) > 0 {
		q = q.Where("id NOT IN ?", exclude)
	}
	var cards []models.Card
	err := q.Order("id ASC").Limit(limit).Find(&cards).Error
	return cards, err
}

// MarkUsed consumes the units and clears their reservation.
func (r *Repository) MarkUsed(tx *gorm.DB, ids []uint64, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	res := tx.Model(&models.Card{}).
		Where("id IN ? AND is_used = ?", ids, false).
		Updates(map[string]any{
			"is_used":           true,
			"used_at":           at,
			"reserved_order_id": nil,
			"reserved_at":       nil,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected != int64(len(ids)) {
		return fmt.Errorf("expected to consume %d cards, consumed %d", len(ids), res.RowsAffected)
	}
	return nil
}

// ReleaseForOrder clears every unused reservation held by orderID.
func (r *Repository) ReleaseForOrder(tx *gorm.DB, orderID string) (int64, error) {
	res := tx.Model(&models.Card{}).
		Where("reserved_order_id = ? AND is_used = ?", orderID, false).
		Updates(map[string]any{
			"reserved_order_id": nil,
			"reserved_at":       nil,
		})
	return res.RowsAffected, res.Error
}

// ReleaseOrphaned clears reservations older than staleBefore whose holder is gone or no longer pending.
func (r *Repository) ReleaseOrphaned(tx *gorm.DB, staleBefore time.Time) (int64, error) {
	res := tx.Model(&models.Card{}).
		Where("is_used = ? AND reserved_at IS NOT NULL AND reserved_at <= ?", false, staleBefore).
		Where("NOT EXISTS (SELECT 1 FROM orders o WHERE o.order_id = cards.reserved_order_id AND o.status = ?)", enums.OrderStatusPending).
		Updates(map[string]any{
			"reserved_order_id": nil,
			"reserved_at":       nil,
		})
	return res.RowsAffected, res.Error
}

// FindHolder loads the order a reservation points at. Returns nil when it no longer exists.
func (r *Repository) FindHolder(tx *gorm.DB, orderID string) (*models.Order, error) {
	var order models.Order
	err := tx.Where("order_id = ?", orderID).Take(&order).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// SettleHolder hands units to a holder that paid before its reservation went stale:
// the keys are appended to the holder's payload and an open holder moves to paid.
func (r *Repository) SettleHolder(tx *gorm.DB, holder models.Order, cards []models.Card, at time.Time) error {
	if len(cards) == 0 {
		return nil
	}
	ids := make([]uint64, 0, len(cards))
	keys := holder.CardKeys()
	for _, c := range cards {
		ids = append(ids, c.ID)
		keys = append(keys, c.CardKey)
	}
	if err := r.MarkUsed(tx, ids, at); err != nil {
		return err
	}
	fields := map[string]any{"card_key": strings.Join(keys, models.CardKeySeparator)}
	if holder.Status == enums.OrderStatusPending || holder.Status == enums.OrderStatusCancelled {
		fields["status"] = enums.OrderStatusPaid
		if holder.PaidAt == nil {
			fields["paid_at"] = at
		}
	}
	res := tx.Model(&models.Order{}).
		Where("order_id = ? AND status = ?", holder.OrderID, holder.Status).
		Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected != 1 {
		return fmt.Errorf("holder %s changed while settling", holder.OrderID)
	}
	return nil
}

// Insert adds stock.
func (r *Repository) Insert(ctx context.Context, cards []models.Card) error {
	if len(cards) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Create(&cards).Error
}
