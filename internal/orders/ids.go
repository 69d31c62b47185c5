package orders

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const retrySeparator = "_retry"

// NewOrderID returns a random 32 character hex id. It is generated before any
// side effect so reservations can be stamped with it.
func NewOrderID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// RetryPaymentID names a fresh payment attempt for an existing order.
func RetryPaymentID(orderID string, at time.Time) string {
	return fmt.Sprintf("%s%s%d", orderID, retrySeparator, at.UnixMilli())
}

// BaseOrderID strips a retry suffix from a payment id.
func BaseOrderID(paymentID string) string {
	if idx := strings.Index(paymentID, retrySeparator); idx > 0 {
		return paymentID[:idx]
	}
	return paymentID
}
