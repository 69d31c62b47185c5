package orders

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/angelmondragon/cardkey-backend/internal/fulfillment"
	internalorders "github.com/angelmondragon/cardkey-backend/internal/orders"
	"github.com/angelmondragon/cardkey-backend/pkg/db/models"
	"github.com/angelmondragon/cardkey-backend/pkg/enums"
)

// OrderView is the client representation of an order. Card keys are only
// present once the order is delivered.
type OrderView struct {
	OrderID     string            `json:"orderId"`
	Kind        enums.OrderKind   `json:"kind"`
	ProductID   string            `json:"productId"`
	ProductName string            `json:"productName"`
	Amount      decimal.Decimal   `json:"amount"`
	Quantity    int               `json:"quantity"`
	Email       *string           `json:"email,omitempty"`
	Username    *string           `json:"username,omitempty"`
	Payee       *string           `json:"payee,omitempty"`
	Status      enums.OrderStatus `json:"status"`
	PointsUsed  int               `json:"pointsUsed"`
	TradeNo     *string           `json:"tradeNo,omitempty"`
	CardKeys    []string          `json:"cardKeys,omitempty"`
	PaidAt      *time.Time        `json:"paidAt,omitempty"`
	DeliveredAt *time.Time        `json:"deliveredAt,omitempty"`
	CreatedAt   time.Time         `json:"createdAt"`
}

func NewOrderView(o models.Order) OrderView {
	return OrderView{
		OrderID:     o.OrderID,
		Kind:        o.Kind,
		ProductID:   o.ProductID,
		ProductName: o.ProductName,
		Amount:      o.Amount,
		Quantity:    o.Units(),
		Email:       o.Email,
		Username:    o.Username,
		Payee:       o.Payee,
		Status:      o.Status,
		PointsUsed:  o.PointsUsed,
		TradeNo:     o.TradeNo,
		CardKeys:    o.CardKeys(),
		PaidAt:      o.PaidAt,
		DeliveredAt: o.DeliveredAt,
		CreatedAt:   o.CreatedAt,
	}
}

type OrderListView struct {
	Orders     []OrderView `json:"orders"`
	NextCursor string      `json:"nextCursor,omitempty"`
}

func newOrderListView(list *internalorders.OrderList) OrderListView {
	out := OrderListView{Orders: make([]OrderView, 0, len(list.Orders)), NextCursor: list.NextCursor}
	for _, o := range list.Orders {
		out.Orders = append(out.Orders, NewOrderView(o))
	}
	return out
}

// CheckView answers a status poll. Unknown means the provider could not be
// reached and the client should poll again.
type CheckView struct {
	Status  enums.OrderStatus `json:"status"`
	Unknown bool              `json:"unknown,omitempty"`
	Order   OrderView         `json:"order"`
}

func newCheckView(res fulfillment.CheckResult) CheckView {
	return CheckView{Status: res.Status, Unknown: res.Unknown, Order: NewOrderView(res.Order)}
}

type RefundRequestView struct {
	ID            uint64                    `json:"id"`
	OrderID       string                    `json:"orderId"`
	Username      *string                   `json:"username,omitempty"`
	Reason        *string                   `json:"reason,omitempty"`
	Status        enums.RefundRequestStatus `json:"status"`
	AdminUsername *string                   `json:"adminUsername,omitempty"`
	AdminNote     *string                   `json:"adminNote,omitempty"`
	CreatedAt     time.Time                 `json:"createdAt"`
	ProcessedAt   *time.Time                `json:"processedAt,omitempty"`
}

func newRefundRequestView(r models.RefundRequest) RefundRequestView {
	return RefundRequestView{
		ID:            r.ID,
		OrderID:       r.OrderID,
		Username:      r.Username,
		Reason:        r.Reason,
		Status:        r.Status,
		AdminUsername: r.AdminUsername,
		AdminNote:     r.AdminNote,
		CreatedAt:     r.CreatedAt,
		ProcessedAt:   r.ProcessedAt,
	}
}

func newRefundRequestViews(rows []models.RefundRequest) []RefundRequestView {
	out := make([]RefundRequestView, 0, len(rows))
	for _, r := range rows {
		out = append(out, newRefundRequestView(r))
	}
	return out
}
