package epay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/angelmondragon/cardkey-backend/pkg/config"
)

const (
	PaymentTypeEPay = "epay"

	// StatusPaid and StatusUnpaid are the order query status values. The
	// provider reports refunded trades as StatusUnpaid.
	StatusPaid   = 1
	StatusUnpaid = 0

	notifyPath   = "/api/notify"
	callbackPath = "/callback/"
	maxBodyBytes = 1 << 20
	tracerName   = "github.com/angelmondragon/cardkey-backend/pkg/epay"
)

// ErrUnreachable marks transport-level failures; callers must treat the
// trade's status as unknown.
var ErrUnreachable = errors.New("payment provider unreachable")

// PaymentRequest is the signed form the buyer's browser posts to the hosted checkout.
type PaymentRequest struct {
	URL    string            `json:"url"`
	Params map[string]string `json:"params"`
}

// StatusResult normalizes the provider's order query response.
type StatusResult struct {
	Success bool
	Status  int
	Message string
	TradeNo string
	Money   string
	Raw     map[string]any
}

// Paid reports whether the provider confirmed the trade as paid.
func (r StatusResult) Paid() bool {
	return r.Success && r.Status == StatusPaid
}

// Refunded reports whether the provider reports the trade as not (or no longer) paid.
func (r StatusResult) Refunded() bool {
	return r.Success && r.Status == StatusUnpaid
}

// Client talks to an EPay-compatible provider.
type Client struct {
	merchantID  string
	merchantKey string
	payURL      string
	apiURL      string
	siteURL     string
	http        *http.Client
	tracer      trace.Tracer
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the default instrumented HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// NewClient validates the payment config and builds a Client.
func NewClient(cfg config.PaymentConfig, opts ...Option) (*Client, error) {
	if strings.TrimSpace(cfg.MerchantID) == "" || strings.TrimSpace(cfg.MerchantKey) == "" {
		return nil, fmt.Errorf("merchant id and key are required")
	}
	if strings.TrimSpace(cfg.SiteURL) == "" {
		return nil, fmt.Errorf("site url is required")
	}
	if _, err := url.ParseRequestURI(cfg.PayURL); err != nil {
		return nil, fmt.Errorf("invalid pay url: %w", err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	c := &Client{
		merchantID:  cfg.MerchantID,
		merchantKey: cfg.MerchantKey,
		payURL:      cfg.PayURL,
		apiURL:      cfg.ResolvedAPIURL(),
		siteURL:     strings.TrimRight(cfg.SiteURL, "/"),
		http: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		tracer: otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// MerchantID returns the configured merchant id.
func (c *Client) MerchantID() string {
	return c.merchantID
}

// Sign signs params with the merchant key.
func (c *Client) Sign(params map[string]string) string {
	return Sign(params, c.merchantKey)
}

// BuildPaymentRequest signs a hosted-checkout form. paymentID becomes
// out_trade_no; the buyer returns to the page of orderID.
func (c *Client) BuildPaymentRequest(paymentID, orderID, name string, amount decimal.Decimal) PaymentRequest {
	params := map[string]string{
		"pid":          c.merchantID,
		"type":         PaymentTypeEPay,
		"out_trade_no": paymentID,
		"notify_url":   c.siteURL + notifyPath,
		"return_url":   c.siteURL + callbackPath + orderID,
		"name":         name,
		"money":        amount.StringFixed(2),
		"sign_type":    SignTypeMD5,
	}
	params[paramSign] = c.Sign(params)
	return PaymentRequest{URL: c.payURL, Params: params}
}

// QueryStatus asks the provider about outTradeNo. Transport failures, non-2xx
// responses and undecodable bodies wrap ErrUnreachable.
func (c *Client) QueryStatus(ctx context.Context, outTradeNo string) (StatusResult, error) {
	ctx, span := c.tracer.Start(ctx, "epay.QueryStatus", trace.WithAttributes(
		attribute.String("epay.out_trade_no", outTradeNo),
	))
	defer span.End()

	result, err := c.queryStatus(ctx, outTradeNo)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return StatusResult{}, err
	}
	span.SetAttributes(
		attribute.Bool("epay.success", result.Success),
		attribute.Int("epay.status", result.Status),
	)
	return result, nil
}

func (c *Client) queryStatus(ctx context.Context, outTradeNo string) (StatusResult, error) {
	query := url.Values{
		"act":          {"order"},
		"pid":          {c.merchantID},
		"key":          {c.merchantKey},
		"out_trade_no": {outTradeNo},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiURL+"?"+query.Encode(), nil)
	if err != nil {
		return StatusResult{}, fmt.Errorf("build order query: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return StatusResult{}, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return StatusResult{}, fmt.Errorf("%w: status %d", ErrUnreachable, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return StatusResult{}, fmt.Errorf("%w: read body: %v", ErrUnreachable, err)
	}
	return decodeStatus(body)
}

func decodeStatus(body []byte) (StatusResult, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	raw := map[string]any{}
	if err := dec.Decode(&raw); err != nil {
		return StatusResult{}, fmt.Errorf("%w: decode body: %v", ErrUnreachable, err)
	}

	code, _ := intField(raw, "code")
	result := StatusResult{
		Success: code == 1,
		Message: stringField(raw, "msg"),
		TradeNo: stringField(raw, "trade_no"),
		Money:   stringField(raw, "money"),
		Raw:     raw,
	}
	if status, ok := intField(raw, "status"); ok {
		result.Status = status
	} else {
		result.Status = -1
	}
	return result, nil
}

func intField(raw map[string]any, key string) (int, bool) {
	switch v := raw[key].(type) {
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0, false
		}
		return int(n), true
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return 0, false
		}
		return n, true
	case bool:
		if v {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

func stringField(raw map[string]any, key string) string {
	switch v := raw[key].(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	}
	return ""
}
