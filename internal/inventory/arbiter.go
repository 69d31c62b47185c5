package inventory

import "context"

// Verdict is the arbiter's answer about whether a stale holder has paid.
type Verdict int

const (
	VerdictUnknown Verdict = iota
	VerdictUnpaid
	VerdictPaid
)

func (v Verdict) String() string {
	switch v {
	case VerdictUnpaid:
		return "unpaid"
	case VerdictPaid:
		return "paid"
	default:
		return "unknown"
	}
}

// Holder identifies the order currently holding a stale reservation.
type Holder struct {
	OrderID   string
	PaymentID string
}

// ReservationArbiter decides whether a stale reservation may be taken over.
// Implementations must answer VerdictUnknown, never VerdictUnpaid, when they
// cannot reach the payment provider.
type ReservationArbiter interface {
	Verdict(ctx context.Context, holder Holder) (Verdict, error)
}

// ArbiterFunc adapts a function to ReservationArbiter.
type ArbiterFunc func(ctx context.Context, holder Holder) (Verdict, error)

func (f ArbiterFunc) Verdict(ctx context.Context, holder Holder) (Verdict, error) {
	return f(ctx, holder)
}
