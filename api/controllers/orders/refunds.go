package orders

import (
	"context"
	"net/http"

	"github.com/angelmondragon/cardkey-backend/api/middleware"
	"github.com/angelmondragon/cardkey-backend/api/responses"
	"github.com/angelmondragon/cardkey-backend/api/validators"
	internalorders "github.com/angelmondragon/cardkey-backend/internal/orders"
	"github.com/angelmondragon/cardkey-backend/pkg/db/models"
	"github.com/angelmondragon/cardkey-backend/pkg/logger"
	"github.com/angelmondragon/cardkey-backend/pkg/pagination"
)

const refundRequestIDParam = "requestID"

type RefundRequests interface {
	Request(ctx context.Context, orderID string, buyer internalorders.Actor, reason string) (*models.RefundRequest, error)
	Approve(ctx context.Context, id uint64, admin internalorders.Actor, note string) (*models.RefundRequest, error)
	Reject(ctx context.Context, id uint64, admin internalorders.Actor, note string) (*models.RefundRequest, error)
	ListForOrder(ctx context.Context, orderID string, viewer internalorders.Actor) ([]models.RefundRequest, error)
	ListPending(ctx context.Context, admin internalorders.Actor, limit int) ([]models.RefundRequest, error)
}

type RefundRequestBody struct {
	Reason string `json:"reason" validate:"max=500"`
}

type ReviewRefundBody struct {
	Note string `json:"note" validate:"max=500"`
}

func RequestRefund(svc RefundRequests, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		orderID, err := validators.PathParam(r, orderIDParam)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		var body RefundRequestBody
		if err := validators.DecodeJSONBody(r, &body); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		req, err := svc.Request(r.Context(), orderID, middleware.ActorFromContext(r.Context()), body.Reason)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusCreated, newRefundRequestView(*req))
	}
}

func ListOrderRefundRequests(svc RefundRequests, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		orderID, err := validators.PathParam(r, orderIDParam)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		rows, err := svc.ListForOrder(r.Context(), orderID, middleware.ActorFromContext(r.Context()))
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, newRefundRequestViews(rows))
	}
}

func AdminListRefundRequests(svc RefundRequests, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, err := validators.ParseQueryInt(r, "limit", pagination.DefaultLimit, 1, pagination.MaxLimit)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		rows, err := svc.ListPending(r.Context(), middleware.ActorFromContext(r.Context()), limit)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, newRefundRequestViews(rows))
	}
}

type refundReview func(ctx context.Context, id uint64, admin internalorders.Actor, note string) (*models.RefundRequest, error)

func AdminApproveRefund(svc RefundRequests, logg *logger.Logger) http.HandlerFunc {
	return reviewRefund(func(ctx context.Context, id uint64, admin internalorders.Actor, note string) (*models.RefundRequest, error) {
		return svc.Approve(ctx, id, admin, note)
	}, logg)
}

func AdminRejectRefund(svc RefundRequests, logg *logger.Logger) http.HandlerFunc {
	return reviewRefund(func(ctx context.Context, id uint64, admin internalorders.Actor, note string) (*models.RefundRequest, error) {
		return svc.Reject(ctx, id, admin, note)
	}, logg)
}

func reviewRefund(fn refundReview, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := validators.ParsePathUint(r, refundRequestIDParam)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		var body ReviewRefundBody
		if err := validators.DecodeJSONBody(r, &body); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		req, err := fn(r.Context(), id, middleware.ActorFromContext(r.Context()), body.Note)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, newRefundRequestView(*req))
	}
}
