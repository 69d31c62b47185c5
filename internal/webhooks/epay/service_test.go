package epaywebhook

import (
	"context"
	"errors"
	"net/url"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/angelmondragon/cardkey-backend/internal/fulfillment"
	"github.com/angelmondragon/cardkey-backend/pkg/config"
	"github.com/angelmondragon/cardkey-backend/pkg/db/models"
	"github.com/angelmondragon/cardkey-backend/pkg/epay"
	pkgerrors "github.com/angelmondragon/cardkey-backend/pkg/errors"
)

const merchantKey = "secret-key"

type memoryStore struct {
	values map[string]string
}

func (m *memoryStore) Get(_ context.Context, key string) (string, error) { return m.values[key], nil }

func (m *memoryStore) SetNX(_ context.Context, key string, value any, _ time.Duration) (bool, error) {
	if _, ok := m.values[key]; ok {
		return false, nil
	}
	m.values[key] = "1"
	return true, nil
}

func (m *memoryStore) IdempotencyKey(scope, id string) string { return "idem:" + scope + ":" + id }

func (m *memoryStore) Del(_ context.Context, keys ...string) error {
	for _, k := range keys {
		delete(m.values, k)
	}
	return nil
}

type stubOrders struct {
	orders map[string]models.Order
}

func (s stubOrders) FindByPaymentID(_ context.Context, paymentID string) (*models.Order, error) {
	o, ok := s.orders[paymentID]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return &o, nil
}

type stubFulfiller struct {
	calls   []string
	paid    decimal.Decimal
	tradeNo string
	err     error
}

func (s *stubFulfiller) Fulfill(_ context.Context, orderID string, paid decimal.Decimal, tradeNo string) (fulfillment.Outcome, error) {
	s.calls = append(s.calls, orderID)
	s.paid, s.tradeNo = paid, tradeNo
	if s.err != nil {
		return fulfillment.Outcome{}, s.err
	}
	return fulfillment.Outcome{Result: fulfillment.ResultDelivered}, nil
}

type harness struct {
	svc       *Service
	store     *memoryStore
	fulfiller *stubFulfiller
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	client, err := epay.NewClient(config.PaymentConfig{
		MerchantID:  "1001",
		MerchantKey: merchantKey,
		PayURL:      "https://pay.test/submit.php",
		SiteURL:     "https://shop.test",
	})
	if err != nil {
		t.Fatalf("epay client: %v", err)
	}
	store := &memoryStore{values: map[string]string{}}
	guard, err := NewIdempotencyGuard(store, time.Hour, "epay")
	if err != nil {
		t.Fatalf("guard: %v", err)
	}
	f := &stubFulfiller{}
	svc, err := NewService(ServiceParams{
		Parser: client,
		Orders: stubOrders{orders: map[string]models.Order{
			"o1":               {OrderID: "o1"},
			"o1_retry17000000": {OrderID: "o1"},
		}},
		Fulfiller: f,
		Guard:     guard,
	})
	if err != nil {
		t.Fatalf("service: %v", err)
	}
	return &harness{svc: svc, store: store, fulfiller: f}
}

func signed(outTradeNo, tradeNo, status, money string) url.Values {
	params := map[string]string{
		"pid":          "1001",
		"trade_no":     tradeNo,
		"out_trade_no": outTradeNo,
		"type":         "epay",
		"name":         "Product",
		"money":        money,
		"trade_status": status,
		"sign_type":    epay.SignTypeMD5,
	}
	params["sign"] = epay.Sign(params, merchantKey)
	values := url.Values{}
	for k, v := range params {
		values.Set(k, v)
	}
	return values
}

func TestHandleFulfillsOnce(t *testing.T) {
	h := newHarness(t)

	ack, err := h.svc.Handle(context.Background(), signed("o1_retry17000000", "T-1", epay.TradeStatusSuccess, "10.00"))
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if ack.OrderID != "o1" || ack.Result != fulfillment.ResultDelivered {
		t.Fatalf("unexpected ack %+v", ack)
	}
	if h.fulfiller.tradeNo != "T-1" || !h.fulfiller.paid.Equal(decimal.RequireFromString("10.00")) {
		t.Fatalf("unexpected fulfill args %+v", h.fulfiller)
	}

	ack, err = h.svc.Handle(context.Background(), signed("o1_retry17000000", "T-1", epay.TradeStatusSuccess, "10.00"))
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if ack.Ignored != "replay" || len(h.fulfiller.calls) != 1 {
		t.Fatalf("replay must not fulfill again: %+v calls=%d", ack, len(h.fulfiller.calls))
	}
}

func TestHandleRejectsBadSignature(t *testing.T) {
	h := newHarness(t)
	values := signed("o1", "T-1", epay.TradeStatusSuccess, "10.00")
	values.Set("money", "0.01")

	_, err := h.svc.Handle(context.Background(), values)
	if !pkgerrors.IsCode(err, pkgerrors.CodeUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if len(h.fulfiller.calls) != 0 {
		t.Fatal("forged notification reached fulfillment")
	}
}

func TestHandleIgnoresUnpaidStatus(t *testing.T) {
	h := newHarness(t)
	ack, err := h.svc.Handle(context.Background(), signed("o1", "T-1", "WAIT_BUYER_PAY", "10.00"))
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if ack.Ignored == "" || len(h.fulfiller.calls) != 0 {
		t.Fatalf("unpaid notification must be acknowledged without action: %+v", ack)
	}
}

func TestHandleTransientFailureAllowsRetry(t *testing.T) {
	h := newHarness(t)
	h.fulfiller.err = pkgerrors.Wrap(pkgerrors.CodeDependency, errors.New("db down"), "lock order")

	if _, err := h.svc.Handle(context.Background(), signed("o1", "T-2", epay.TradeStatusSuccess, "10.00")); err == nil {
		t.Fatal("expected transient error")
	}
	if len(h.store.values) != 0 {
		t.Fatal("replay mark must be cleared after a transient failure")
	}

	h.fulfiller.err = nil
	if _, err := h.svc.Handle(context.Background(), signed("o1", "T-2", epay.TradeStatusSuccess, "10.00")); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if len(h.fulfiller.calls) != 2 {
		t.Fatalf("expected retry to reach fulfillment, got %d calls", len(h.fulfiller.calls))
	}
}

func TestHandleAcknowledgesPermanentFailures(t *testing.T) {
	h := newHarness(t)
	h.fulfiller.err = pkgerrors.New(pkgerrors.CodeAmountMismatch, "paid amount does not match order")

	ack, err := h.svc.Handle(context.Background(), signed("o1", "T-3", epay.TradeStatusSuccess, "1.00"))
	if err != nil {
		t.Fatalf("amount mismatch should be acknowledged, got %v", err)
	}
	if ack.Ignored != string(pkgerrors.CodeAmountMismatch) {
		t.Fatalf("unexpected ack %+v", ack)
	}

	ack, err = h.svc.Handle(context.Background(), signed("unknown", "T-4", epay.TradeStatusSuccess, "1.00"))
	if err != nil {
		t.Fatalf("unknown order should be acknowledged, got %v", err)
	}
	if ack.Ignored != string(pkgerrors.CodeNotFound) {
		t.Fatalf("unexpected ack %+v", ack)
	}
}
