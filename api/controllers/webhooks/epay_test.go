package webhooks

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/cardkey-backend/internal/fulfillment"
	epaywebhook "github.com/angelmondragon/cardkey-backend/internal/webhooks/epay"
	pkgerrors "github.com/angelmondragon/cardkey-backend/pkg/errors"
)

type stubNotifications struct {
	values url.Values
	err    error
}

func (s *stubNotifications) Handle(_ context.Context, values url.Values) (epaywebhook.Ack, error) {
	s.values = values
	if s.err != nil {
		return epaywebhook.Ack{}, s.err
	}
	return epaywebhook.Ack{OrderID: "o1", Result: fulfillment.ResultDelivered}, nil
}

func TestEpayNotifyReadsQueryOnGet(t *testing.T) {
	svc := &stubNotifications{}
	req := httptest.NewRequest(http.MethodGet, "/api/notify?out_trade_no=o1&trade_status=TRADE_SUCCESS", nil)
	rec := httptest.NewRecorder()
	EpayNotify(svc, nil).ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "success", rec.Body.String())
	assert.Equal(t, "o1", svc.values.Get("out_trade_no"))
}

func TestEpayNotifyReadsFormOnPost(t *testing.T) {
	svc := &stubNotifications{}
	req := httptest.NewRequest(http.MethodPost, "/api/notify", strings.NewReader("out_trade_no=o2&money=1.00"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	EpayNotify(svc, nil).ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "o2", svc.values.Get("out_trade_no"))
	assert.Equal(t, "1.00", svc.values.Get("money"))
}

func TestEpayNotifyRejectsBadSignature(t *testing.T) {
	svc := &stubNotifications{err: pkgerrors.New(pkgerrors.CodeUnauthorized, "notification rejected")}
	req := httptest.NewRequest(http.MethodGet, "/api/notify?sign=bad", nil)
	rec := httptest.NewRecorder()
	EpayNotify(svc, nil).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "fail", rec.Body.String())
}

func TestEpayNotifyAsksForRetryOnTransientFailure(t *testing.T) {
	svc := &stubNotifications{err: errors.New("db down")}
	req := httptest.NewRequest(http.MethodGet, "/api/notify?out_trade_no=o1", nil)
	rec := httptest.NewRecorder()
	EpayNotify(svc, nil).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "fail", rec.Body.String())
}
