package enums

import "fmt"

// RefundRequestStatus tracks a buyer's refund request through admin review.
type RefundRequestStatus string

const (
	RefundRequestPending   RefundRequestStatus = "pending"
	RefundRequestApproved  RefundRequestStatus = "approved"
	RefundRequestRejected  RefundRequestStatus = "rejected"
	RefundRequestProcessed RefundRequestStatus = "processed"
)

var validRefundRequestStatuses = []RefundRequestStatus{
	RefundRequestPending,
	RefundRequestApproved,
	RefundRequestRejected,
	RefundRequestProcessed,
}

// OpenRefundRequestStatuses block a second request for the same order.
var OpenRefundRequestStatuses = []RefundRequestStatus{
	RefundRequestPending,
	RefundRequestApproved,
}

// String implements fmt.Stringer.
func (s RefundRequestStatus) String() string {
	return string(s)
}

// IsValid reports whether the value is a known RefundRequestStatus.
func (s RefundRequestStatus) IsValid() bool {
	for _, candidate := range validRefundRequestStatuses {
		if candidate == s {
			return true
		}
	}
	return false
}

// ParseRefundRequestStatus converts raw input into a RefundRequestStatus.
func ParseRefundRequestStatus(value string) (RefundRequestStatus, error) {
	for _, candidate := range validRefundRequestStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid refund request status %q", value)
}
