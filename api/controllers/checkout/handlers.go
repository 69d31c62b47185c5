// Package checkout serves order creation and payment attempts.
package checkout

import (
	"context"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"

	ordercontrollers "github.com/angelmondragon/cardkey-backend/api/controllers/orders"
	"github.com/angelmondragon/cardkey-backend/api/middleware"
	"github.com/angelmondragon/cardkey-backend/api/responses"
	"github.com/angelmondragon/cardkey-backend/api/validators"
	checkoutsvc "github.com/angelmondragon/cardkey-backend/internal/checkout"
	internalorders "github.com/angelmondragon/cardkey-backend/internal/orders"
	"github.com/angelmondragon/cardkey-backend/pkg/epay"
	pkgerrors "github.com/angelmondragon/cardkey-backend/pkg/errors"
	"github.com/angelmondragon/cardkey-backend/pkg/logger"
)

type Service interface {
	CreateOrder(ctx context.Context, input checkoutsvc.Input) (*checkoutsvc.Result, error)
	CreatePaymentLink(ctx context.Context, input checkoutsvc.PaymentLinkInput) (*checkoutsvc.Result, error)
	RetryPayment(ctx context.Context, orderID string, buyer internalorders.Actor) (*checkoutsvc.Result, error)
}

type CreateOrderRequest struct {
	ProductID string `json:"productId" validate:"required,max=64"`
	Quantity  int    `json:"quantity" validate:"omitempty,gte=1,lte=100"`
	Email     string `json:"email" validate:"omitempty,email,max=254"`
	UsePoints bool   `json:"usePoints"`
}

type CreatePaymentLinkRequest struct {
	Amount string `json:"amount" validate:"required,max=16,money"`
	Payee  string `json:"payee" validate:"max=64"`
	Email  string `json:"email" validate:"omitempty,email,max=254"`
}

// ResultView carries the order and, when money is still owed, the signed
// form the client posts to the payment provider.
type ResultView struct {
	Order   ordercontrollers.OrderView `json:"order"`
	Payment *epay.PaymentRequest       `json:"payment,omitempty"`
}

func newResultView(res *checkoutsvc.Result) ResultView {
	return ResultView{Order: ordercontrollers.NewOrderView(res.Order), Payment: res.Payment}
}

// CreateOrder reserves stock for the caller, signed in or guest.
func CreateOrder(svc Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body CreateOrderRequest
		if err := validators.DecodeJSONBody(r, &body); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		quantity := body.Quantity
		if quantity == 0 {
			quantity = 1
		}
		res, err := svc.CreateOrder(r.Context(), checkoutsvc.Input{
			ProductID: strings.TrimSpace(body.ProductID),
			Quantity:  quantity,
			Email:     strings.TrimSpace(body.Email),
			UsePoints: body.UsePoints,
			Buyer:     middleware.ActorFromContext(r.Context()),
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusCreated, newResultView(res))
	}
}

// CreatePaymentLink opens a free-amount payment with no inventory attached.
func CreatePaymentLink(svc Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body CreatePaymentLinkRequest
		if err := validators.DecodeJSONBody(r, &body); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		amount, err := decimal.NewFromString(strings.TrimSpace(body.Amount))
		if err != nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "amount must be a decimal number"))
			return
		}
		res, err := svc.CreatePaymentLink(r.Context(), checkoutsvc.PaymentLinkInput{
			Amount: amount,
			Payee:  validators.SanitizeString(body.Payee, 64),
			Email:  strings.TrimSpace(body.Email),
			Buyer:  middleware.ActorFromContext(r.Context()),
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusCreated, newResultView(res))
	}
}

// RetryPayment signs a fresh payment attempt for a pending order.
func RetryPayment(svc Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		orderID, err := validators.PathParam(r, "orderID")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		res, err := svc.RetryPayment(r.Context(), orderID, middleware.ActorFromContext(r.Context()))
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, newResultView(res))
	}
}
