package epay

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/shopspring/decimal"
)

// TradeStatusSuccess is the only notify status that confirms a payment.
const TradeStatusSuccess = "TRADE_SUCCESS"

var (
	ErrInvalidSignature = errors.New("invalid notify signature")
	ErrForeignMerchant  = errors.New("notify addressed to another merchant")
)

// Notification is a parsed asynchronous payment notification.
type Notification struct {
	PID         string
	TradeNo     string
	OutTradeNo  string
	Type        string
	Name        string
	Money       decimal.Decimal
	TradeStatus string
}

// Succeeded reports whether the provider says the trade was paid.
func (n Notification) Succeeded() bool {
	return n.TradeStatus == TradeStatusSuccess
}

// ParseNotification verifies and decodes notify parameters.
func (c *Client) ParseNotification(values url.Values) (Notification, error) {
	params := make(map[string]string, len(values))
	for k := range values {
		params[k] = values.Get(k)
	}

	if pid := params["pid"]; pid != "" && pid != c.merchantID {
		return Notification{}, ErrForeignMerchant
	}
	if !VerifySign(params, c.merchantKey) {
		return Notification{}, ErrInvalidSignature
	}

	n := Notification{
		PID:         params["pid"],
		TradeNo:     strings.TrimSpace(params["trade_no"]),
		OutTradeNo:  strings.TrimSpace(params["out_trade_no"]),
		Type:        params["type"],
		Name:        params["name"],
		TradeStatus: params["trade_status"],
	}
	if n.OutTradeNo == "" {
		return Notification{}, fmt.Errorf("notify missing out_trade_no")
	}
	money, err := decimal.NewFromString(strings.TrimSpace(params["money"]))
	if err != nil {
		return Notification{}, fmt.Errorf("notify money %q: %w", params["money"], err)
	}
	n.Money = money
	return n, nil
}
