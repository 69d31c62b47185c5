package outbox

import (
	"encoding/json"
	"time"
)

// ActorRef identifies who produced the event.
type ActorRef struct {
	UserID string `json:"userId,omitempty"`
	Email  string `json:"email,omitempty"`
	Role   string `json:"role,omitempty"`
}

// PayloadEnvelope is the stable payload structure stored in outbox_events.
type PayloadEnvelope struct {
	Version    int             `json:"version"`
	EventID    string          `json:"eventId"`
	OccurredAt time.Time       `json:"occurredAt"`
	Actor      *ActorRef       `json:"actor,omitempty"`
	Data       json.RawMessage `json:"data"`
}

// OrderEvent is the data body for every order_* event.
type OrderEvent struct {
	OrderID    string `json:"orderId"`
	ProductID  string `json:"productId"`
	Status     string `json:"status"`
	Amount     string `json:"amount"`
	Quantity   int    `json:"quantity"`
	PointsUsed int    `json:"pointsUsed,omitempty"`
	TradeNo    string `json:"tradeNo,omitempty"`
}

// RefundRequestEvent is the data body for refund_request events.
type RefundRequestEvent struct {
	RequestID uint64 `json:"requestId"`
	OrderID   string `json:"orderId"`
	Status    string `json:"status"`
	Reason    string `json:"reason,omitempty"`
}
