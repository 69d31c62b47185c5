package orders

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/angelmondragon/cardkey-backend/pkg/db/models"
	"github.com/angelmondragon/cardkey-backend/pkg/enums"
	"github.com/angelmondragon/cardkey-backend/pkg/epay"
	"github.com/angelmondragon/cardkey-backend/pkg/outbox"
	"github.com/angelmondragon/cardkey-backend/pkg/pagination"
)

// Repository defines persistence operations for the orders table.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Create(ctx context.Context, order *models.Order) error
	FindByID(ctx context.Context, orderID string) (*models.Order, error)
	FindByIDForUpdate(ctx context.Context, orderID string) (*models.Order, error)
	FindByPaymentID(ctx context.Context, paymentID string) (*models.Order, error)
	UpdateFields(ctx context.Context, orderID string, from []enums.OrderStatus, fields map[string]any) (bool, error)
	ListExpiredPending(ctx context.Context, cutoff time.Time, productID string) ([]models.Order, error)
	List(ctx context.Context, filters ListFilters, params pagination.Params) (*OrderList, error)
	SumPurchased(ctx context.Context, productID, userID, email string) (int64, error)
	ProcessRefundRequests(ctx context.Context, orderID string, at time.Time) (int64, error)
	Delete(ctx context.Context, orderID string) error
}

// ListFilters narrows List. Empty fields are ignored.
type ListFilters struct {
	Status    enums.OrderStatus
	UserID    string
	ProductID string
}

// OrderList is a page of orders plus the cursor for the next page.
type OrderList struct {
	Orders     []models.Order
	NextCursor string
}

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type outboxPublisher interface {
	Emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
}

// Inventory is the slice of the reservation engine the ledger needs.
type Inventory interface {
	Release(ctx context.Context, tx *gorm.DB, orderID string) (int64, error)
	Claim(ctx context.Context, tx *gorm.DB, productID, orderID string, quantity int) ([]models.Card, error)
}

// PointsLedger moves store credit inside the caller's transaction.
type PointsLedger interface {
	Credit(tx *gorm.DB, userID string, n int) error
	Debit(tx *gorm.DB, userID string, n int) error
}

// RefundOracle reports the provider's view of a trade.
type RefundOracle interface {
	QueryStatus(ctx context.Context, paymentID string) (epay.StatusResult, error)
}
