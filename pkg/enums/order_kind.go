package enums

import "fmt"

// PaymentLinkProductID is the product id legacy payment-link rows were stored under.
const PaymentLinkProductID = "payment_link"

// OrderKind distinguishes inventory orders from money-transfer orders.
type OrderKind string

const (
	OrderKindCard        OrderKind = "card"
	OrderKindPaymentLink OrderKind = "payment_link"
)

var validOrderKinds = []OrderKind{
	OrderKindCard,
	OrderKindPaymentLink,
}

func (k OrderKind) String() string {
	return string(k)
}

func (k OrderKind) IsValid() bool {
	for _, candidate := range validOrderKinds {
		if candidate == k {
			return true
		}
	}
	return false
}

func ParseOrderKind(value string) (OrderKind, error) {
	for _, candidate := range validOrderKinds {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid order kind %q", value)
}
