// Package orders serves order reads, status polling, and the buyer and admin
// controls over the order ledger.
package orders

import (
	"context"
	"net/http"
	"strings"

	"github.com/angelmondragon/cardkey-backend/api/middleware"
	"github.com/angelmondragon/cardkey-backend/api/responses"
	"github.com/angelmondragon/cardkey-backend/api/validators"
	"github.com/angelmondragon/cardkey-backend/internal/fulfillment"
	internalorders "github.com/angelmondragon/cardkey-backend/internal/orders"
	"github.com/angelmondragon/cardkey-backend/pkg/db/models"
	"github.com/angelmondragon/cardkey-backend/pkg/logger"
	"github.com/angelmondragon/cardkey-backend/pkg/pagination"
)

const orderIDParam = "orderID"

// OrderReader is the read side of the order ledger.
type OrderReader interface {
	GetForViewer(ctx context.Context, orderID string, viewer internalorders.Actor) (*models.Order, error)
	ListForUser(ctx context.Context, viewer internalorders.Actor, params pagination.Params) (*internalorders.OrderList, error)
}

// OrderCanceller cancels a pending order on behalf of its owner or an admin.
type OrderCanceller interface {
	Cancel(ctx context.Context, orderID string, actor internalorders.Actor) (*models.Order, error)
}

// StatusChecker polls the provider for an order.
type StatusChecker interface {
	Check(ctx context.Context, orderID string, viewer internalorders.Actor) (fulfillment.CheckResult, error)
}

// Detail returns one order. Guest orders are readable by id; orders placed by
// a signed-in buyer only by that buyer or an admin.
func Detail(svc OrderReader, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		orderID, err := validators.PathParam(r, orderIDParam)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		order, err := svc.GetForViewer(r.Context(), orderID, middleware.ActorFromContext(r.Context()))
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, NewOrderView(*order))
	}
}

// ListMine pages through the caller's own orders, newest first.
func ListMine(svc OrderReader, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		params, err := pageParams(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		list, err := svc.ListForUser(r.Context(), middleware.ActorFromContext(r.Context()), params)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, newOrderListView(list))
	}
}

// Check asks the provider whether the current payment attempt was paid and
// fulfills the order when it was.
func Check(checker StatusChecker, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		orderID, err := validators.PathParam(r, orderIDParam)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		res, err := checker.Check(r.Context(), orderID, middleware.ActorFromContext(r.Context()))
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, newCheckView(res))
	}
}

func Cancel(svc OrderCanceller, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		orderID, err := validators.PathParam(r, orderIDParam)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		order, err := svc.Cancel(r.Context(), orderID, middleware.ActorFromContext(r.Context()))
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, NewOrderView(*order))
	}
}

func pageParams(r *http.Request) (pagination.Params, error) {
	limit, err := validators.ParseQueryInt(r, "limit", pagination.DefaultLimit, 1, pagination.MaxLimit)
	if err != nil {
		return pagination.Params{}, err
	}
	return pagination.Params{Limit: limit, Cursor: strings.TrimSpace(r.URL.Query().Get("cursor"))}, nil
}
