package models

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/angelmondragon/cardkey-backend/pkg/enums"
)

// CardKeySeparator joins delivered secrets in Order.CardKey.
const CardKeySeparator = "\n"

// Order is the ledger row for one purchase attempt.
type Order struct {
	OrderID          string            `gorm:"column:order_id;primaryKey"`
	Kind             enums.OrderKind   `gorm:"column:kind;not null;default:'card'"`
	ProductID        string            `gorm:"column:product_id;not null;index"`
	ProductName      string            `gorm:"column:product_name;not null"`
	Amount           decimal.Decimal   `gorm:"column:amount;type:numeric(10,2);not null"`
	Quantity         int               `gorm:"column:quantity;not null;default:1"`
	Email            *string           `gorm:"column:email"`
	UserID           *string           `gorm:"column:user_id;index"`
	Username         *string           `gorm:"column:username"`
	Payee            *string           `gorm:"column:payee"`
	Status           enums.OrderStatus `gorm:"column:status;not null;index"`
	PointsUsed       int               `gorm:"column:points_used;not null;default:0"`
	CurrentPaymentID *string           `gorm:"column:current_payment_id;index"`
	TradeNo          *string           `gorm:"column:trade_no"`
	CardKey          *string           `gorm:"column:card_key"`
	PaidAt           *time.Time        `gorm:"column:paid_at"`
	DeliveredAt      *time.Time        `gorm:"column:delivered_at"`
	CreatedAt        time.Time         `gorm:"column:created_at;not null"`
}

func (Order) TableName() string { return "orders" }

// IsPaymentLink reports whether the order moves money without inventory.
func (o Order) IsPaymentLink() bool {
	return o.Kind == enums.OrderKindPaymentLink || o.ProductID == enums.PaymentLinkProductID
}

// PaymentID is the identifier the provider knows the latest attempt by.
func (o Order) PaymentID() string {
	if o.CurrentPaymentID != nil && *o.CurrentPaymentID != "" {
		return *o.CurrentPaymentID
	}
	return o.OrderID
}

// CardKeys splits the delivered payload.
func (o Order) CardKeys() []string {
	if o.CardKey == nil || *o.CardKey == "" {
		return nil
	}
	return strings.Split(*o.CardKey, CardKeySeparator)
}

// OwnedBy reports whether userID placed the order.
func (o Order) OwnedBy(userID string) bool {
	return userID != "" && o.UserID != nil && *o.UserID == userID
}

// Units defaults to one for rows created before the quantity column existed.
func (o Order) Units() int {
	if o.Quantity <= 0 {
		return 1
	}
	return o.Quantity
}
