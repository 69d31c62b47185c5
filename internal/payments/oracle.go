// Package payments adapts the payment provider's order query into the answers
// the reservation engine, the fulfillment poller and the refund check need.
package payments

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/angelmondragon/cardkey-backend/internal/inventory"
	"github.com/angelmondragon/cardkey-backend/pkg/epay"
	"github.com/angelmondragon/cardkey-backend/pkg/logger"
	"github.com/angelmondragon/cardkey-backend/pkg/metrics"
	"github.com/angelmondragon/cardkey-backend/pkg/retry"
)

// StatusQuerier is satisfied by *epay.Client.
type StatusQuerier interface {
	QueryStatus(ctx context.Context, outTradeNo string) (epay.StatusResult, error)
}

// Options configures an Oracle.
type Options struct {
	Policy  retry.Policy
	Metrics *metrics.CheckoutMetrics
	Logger  *logger.Logger
}

// Oracle queries the provider under a retry policy. Only transport failures
// are retried; an answer from the provider, whatever it says, is final.
type Oracle struct {
	client  StatusQuerier
	policy  retry.Policy
	metrics *metrics.CheckoutMetrics
	logg    *logger.Logger
}

func NewOracle(client StatusQuerier, opts Options) (*Oracle, error) {
	if client == nil {
		return nil, fmt.Errorf("status querier required")
	}
	return &Oracle{
		client:  client,
		policy:  opts.Policy,
		metrics: opts.Metrics,
		logg:    opts.Logger,
	}, nil
}

func (o *Oracle) QueryStatus(ctx context.Context, paymentID string) (epay.StatusResult, error) {
	var result epay.StatusResult
	started := time.Now()
	err := retry.Do(ctx, o.policy, func(ctx context.Context, attempt int) error {
		res, err := o.client.QueryStatus(ctx, paymentID)
		if err != nil {
			if errors.Is(err, epay.ErrUnreachable) {
				return retry.Retryable(err)
			}
			return err
		}
		result = res
		return nil
	})
	o.metrics.ObserveOracle(resultLabel(result, err), time.Since(started))
	if err != nil {
		logCtx := o.logg.WithFields(ctx, map[string]any{"payment_id": paymentID, "error": err.Error()})
		o.logg.Warn(logCtx, "payment status query failed")
		return epay.StatusResult{}, err
	}
	return result, nil
}

// Verdict implements inventory.ReservationArbiter. A holder that retried its
// payment is asked about under both ids, since either trade may have been paid.
func (o *Oracle) Verdict(ctx context.Context, holder inventory.Holder) (inventory.Verdict, error) {
	ids := []string{holder.PaymentID}
	if holder.OrderID != "" && holder.OrderID != holder.PaymentID {
		ids = append(ids, holder.OrderID)
	}
	for _, id := range ids {
		if id == "" {
			continue
		}
		res, err := o.QueryStatus(ctx, id)
		if err != nil {
			return inventory.VerdictUnknown, err
		}
		if res.Paid() {
			return inventory.VerdictPaid, nil
		}
	}
	return inventory.VerdictUnpaid, nil
}

func resultLabel(res epay.StatusResult, err error) string {
	switch {
	case err != nil:
		return "unreachable"
	case res.Paid():
		return "paid"
	case res.Success:
		return "unpaid"
	default:
		return "rejected"
	}
}

var _ inventory.ReservationArbiter = (*Oracle)(nil)
