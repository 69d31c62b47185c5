package orders

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/cardkey-backend/pkg/db/models"
	"github.com/angelmondragon/cardkey-backend/pkg/enums"
	"github.com/angelmondragon/cardkey-backend/pkg/pagination"
)

type repository struct {
	db *gorm.DB
}

// NewRepository builds an orders repository bound to the provided DB.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) Create(ctx context.Context, order *models.Order) error {
	return r.db.WithContext(ctx).Create(order).Error
}

func (r *repository) FindByID(ctx context.Context, orderID string) (*models.Order, error) {
	var order models.Order
	if err := r.db.WithContext(ctx).Where("order_id = ?", orderID).First(&order).Error; err != nil {
		return nil, err
	}
	return &order, nil
}

func (r *repository) FindByIDForUpdate(ctx context.Context, orderID string) (*models.Order, error) {
	var order models.Order
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("order_id = ?", orderID).
		First(&order).Error
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// FindByPaymentID resolves a provider out_trade_no: the order id itself, the
// current retry attempt, or an older retry attempt of the same order.
func (r *repository) FindByPaymentID(ctx context.Context, paymentID string) (*models.Order, error) {
	var order models.Order
	err := r.db.WithContext(ctx).
		Where("order_id = ? OR current_payment_id = ?", paymentID, paymentID).
		Order("created_at DESC").
		First(&order).Error
	if err == nil {
		return &order, nil
	}
	base := BaseOrderID(paymentID)
	if !errors.Is(err, gorm.ErrRecordNotFound) || base == paymentID {
		return nil, err
	}
	return r.FindByID(ctx, base)
}

// UpdateFields applies fields only while the order is in one of from. The
// boolean is false when the row was missing or had already moved on.
func (r *repository) UpdateFields(ctx context.Context, orderID string, from []enums.OrderStatus, fields map[string]any) (bool, error) {
	query := r.db.WithContext(ctx).Model(&models.Order{}).Where("order_id = ?", orderID)
	if len(from) > 0 {
		query = query.Where("status IN ?", statusValues(from))
	}
	res := query.Updates(fields)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repository) ListExpiredPending(ctx context.Context, cutoff time.Time, productID string) ([]models.Order, error) {
	query := r.db.WithContext(ctx).
		Where("status = ? AND created_at < ?", enums.OrderStatusPending, cutoff)
	if productID != "" {
		query = query.Where("product_id = ?", productID)
	}
	var out []models.Order
	if err := query.Order("created_at ASC").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *repository) List(ctx context.Context, filters ListFilters, params pagination.Params) (*OrderList, error) {
	limit := pagination.NormalizeLimit(params.Limit)
	cursor, err := pagination.ParseCursor(params.Cursor)
	if err != nil {
		return nil, err
	}

	query := r.db.WithContext(ctx).Model(&models.Order{})
	if filters.Status != "" {
		query = query.Where("status = ?", filters.Status)
	}
	if filters.UserID != "" {
		query = query.Where("user_id = ?", filters.UserID)
	}
	if filters.ProductID != "" {
		query = query.Where("product_id = ?", filters.ProductID)
	}
	if cursor != nil {
		query = query.Where("((created_at < ?) OR (created_at = ? AND order_id < ?))", cursor.CreatedAt, cursor.CreatedAt, cursor.ID)
	}

	var rows []models.Order
	if err := query.Order("created_at DESC").Order("order_id DESC").Limit(pagination.LimitWithBuffer(limit)).Find(&rows).Error; err != nil {
		return nil, err
	}

	page, next := pagination.Trim(rows, limit, func(o models.Order) pagination.Cursor {
		return pagination.Cursor{CreatedAt: o.CreatedAt, ID: o.OrderID}
	})
	return &OrderList{Orders: page, NextCursor: next}, nil
}

// SumPurchased totals the settled units a buyer already holds for productID,
// matching by user id or email.
func (r *repository) SumPurchased(ctx context.Context, productID, userID, email string) (int64, error) {
	if userID == "" && email == "" {
		return 0, nil
	}
	var (
		conds []string
		args  []any
	)
	if userID != "" {
		conds = append(conds, "user_id = ?")
		args = append(args, userID)
	}
	if email != "" {
		conds = append(conds, "email = ?")
		args = append(args, email)
	}

	var total int64
	err := r.db.WithContext(ctx).
		Model(&models.Order{}).
		Select("COALESCE(SUM(CASE WHEN quantity > 0 THEN quantity ELSE 1 END), 0)").
		Where("product_id = ?", productID).
		Where("status IN ?", statusValues([]enums.OrderStatus{enums.OrderStatusPaid, enums.OrderStatusDelivered})).
		Where("("+strings.Join(conds, " OR ")+")", args...).
		Scan(&total).Error
	if err != nil {
		return 0, err
	}
	return total, nil
}

// ProcessRefundRequests closes every open refund request for orderID.
func (r *repository) ProcessRefundRequests(ctx context.Context, orderID string, at time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Model(&models.RefundRequest{}).
		Where("order_id = ? AND status IN ?", orderID, refundStatusValues(enums.OpenRefundRequestStatuses)).
		Updates(map[string]any{
			"status":       enums.RefundRequestProcessed,
			"processed_at": at,
			"updated_at":   at,
		})
	return res.RowsAffected, res.Error
}

// Delete removes the order and its refund requests.
func (r *repository) Delete(ctx context.Context, orderID string) error {
	db := r.db.WithContext(ctx)
	if err := db.Where("order_id = ?", orderID).Delete(&models.RefundRequest{}).Error; err != nil {
		return err
	}
	return db.Where("order_id = ?", orderID).Delete(&models.Order{}).Error
}

func statusValues(statuses []enums.OrderStatus) []string {
	out := make([]string, 0, len(statuses))
	for _, s := range statuses {
		out = append(out, string(s))
	}
	return out
}

func refundStatusValues(statuses []enums.RefundRequestStatus) []string {
	out := make([]string, 0, len(statuses))
	for _, s := range statuses {
		out = append(out, string(s))
	}
	return out
}
