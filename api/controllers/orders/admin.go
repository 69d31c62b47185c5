package orders

import (
	"context"
	"net/http"

	"github.com/angelmondragon/cardkey-backend/api/middleware"
	"github.com/angelmondragon/cardkey-backend/api/responses"
	"github.com/angelmondragon/cardkey-backend/api/validators"
	internalorders "github.com/angelmondragon/cardkey-backend/internal/orders"
	"github.com/angelmondragon/cardkey-backend/pkg/db/models"
	"github.com/angelmondragon/cardkey-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/cardkey-backend/pkg/errors"
	"github.com/angelmondragon/cardkey-backend/pkg/logger"
	"github.com/angelmondragon/cardkey-backend/pkg/pagination"
)

// AdminService is the slice of the order ledger behind the admin console.
type AdminService interface {
	Get(ctx context.Context, orderID string) (*models.Order, error)
	List(ctx context.Context, filters internalorders.ListFilters, params pagination.Params) (*internalorders.OrderList, error)
	MarkPaid(ctx context.Context, orderID string, actor internalorders.Actor) (*models.Order, error)
	MarkDelivered(ctx context.Context, orderID string, actor internalorders.Actor) (*models.Order, error)
	RetryDelivery(ctx context.Context, orderID string, actor internalorders.Actor) (*models.Order, error)
	Cancel(ctx context.Context, orderID string, actor internalorders.Actor) (*models.Order, error)
	UpdateEmail(ctx context.Context, orderID, email string, actor internalorders.Actor) (*models.Order, error)
	Delete(ctx context.Context, orderID string, actor internalorders.Actor) error
	DeleteMany(ctx context.Context, orderIDs []string, actor internalorders.Actor) (int, error)
	VerifyRefund(ctx context.Context, orderID string, actor internalorders.Actor) (*internalorders.RefundVerification, error)
}

type orderTransition func(ctx context.Context, orderID string, actor internalorders.Actor) (*models.Order, error)

type BulkDeleteRequest struct {
	OrderIDs []string `json:"orderIds" validate:"required,min=1,max=500,dive,required"`
}

type UpdateEmailRequest struct {
	Email string `json:"email" validate:"omitempty,email,max=254"`
}

type RefundVerificationView struct {
	Order          OrderView `json:"order"`
	ProviderStatus int       `json:"providerStatus"`
	Refunded       bool      `json:"refunded"`
	Message        string    `json:"message,omitempty"`
}

// AdminList pages through all orders, optionally filtered by status, user or product.
func AdminList(svc AdminService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		params, err := pageParams(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		filters, err := listFilters(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		list, err := svc.List(r.Context(), filters, params)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, newOrderListView(list))
	}
}

func listFilters(r *http.Request) (internalorders.ListFilters, error) {
	var (
		f   internalorders.ListFilters
		err error
	)
	if f.Status, err = validators.QueryEnum(r, "status", enums.OrderStatus.IsValid); err != nil {
		return f, err
	}
	if f.UserID, err = validators.QueryString(r, "userId"); err != nil {
		return f, err
	}
	f.ProductID, err = validators.QueryString(r, "productId")
	return f, err
}

func AdminDetail(svc AdminService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		orderID, err := validators.PathParam(r, orderIDParam)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		order, err := svc.Get(r.Context(), orderID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, NewOrderView(*order))
	}
}

func AdminMarkPaid(svc AdminService, logg *logger.Logger) http.HandlerFunc {
	return adminTransition(func(ctx context.Context, orderID string, actor internalorders.Actor) (*models.Order, error) {
		return svc.MarkPaid(ctx, orderID, actor)
	}, logg)
}

func AdminMarkDelivered(svc AdminService, logg *logger.Logger) http.HandlerFunc {
	return adminTransition(func(ctx context.Context, orderID string, actor internalorders.Actor) (*models.Order, error) {
		return svc.MarkDelivered(ctx, orderID, actor)
	}, logg)
}

func AdminRetryDelivery(svc AdminService, logg *logger.Logger) http.HandlerFunc {
	return adminTransition(func(ctx context.Context, orderID string, actor internalorders.Actor) (*models.Order, error) {
		return svc.RetryDelivery(ctx, orderID, actor)
	}, logg)
}

func AdminCancel(svc AdminService, logg *logger.Logger) http.HandlerFunc {
	return adminTransition(func(ctx context.Context, orderID string, actor internalorders.Actor) (*models.Order, error) {
		return svc.Cancel(ctx, orderID, actor)
	}, logg)
}

func adminTransition(fn orderTransition, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		orderID, err := validators.PathParam(r, orderIDParam)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		order, err := fn(r.Context(), orderID, middleware.ActorFromContext(r.Context()))
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, NewOrderView(*order))
	}
}

// AdminUpdateEmail sets or clears the delivery email.
func AdminUpdateEmail(svc AdminService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		orderID, err := validators.PathParam(r, orderIDParam)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		var body UpdateEmailRequest
		if err := validators.DecodeJSONBody(r, &body); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		order, err := svc.UpdateEmail(r.Context(), orderID, body.Email, middleware.ActorFromContext(r.Context()))
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, NewOrderView(*order))
	}
}

func AdminDelete(svc AdminService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		orderID, err := validators.PathParam(r, orderIDParam)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		if err := svc.Delete(r.Context(), orderID, middleware.ActorFromContext(r.Context())); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, map[string]any{"deleted": 1})
	}
}

func AdminBulkDelete(svc AdminService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body BulkDeleteRequest
		if err := validators.DecodeJSONBody(r, &body); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		n, err := svc.DeleteMany(r.Context(), body.OrderIDs, middleware.ActorFromContext(r.Context()))
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, map[string]any{"deleted": n})
	}
}

// AdminVerifyRefund asks the provider whether the trade was refunded and, if
// so, records the refund on the order.
func AdminVerifyRefund(svc AdminService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		orderID, err := validators.PathParam(r, orderIDParam)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		res, err := svc.VerifyRefund(r.Context(), orderID, middleware.ActorFromContext(r.Context()))
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		if res == nil || res.Order == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "empty refund verification"))
			return
		}
		responses.WriteSuccess(w, RefundVerificationView{
			Order:          NewOrderView(*res.Order),
			ProviderStatus: res.ProviderStatus,
			Refunded:       res.Refunded,
			Message:        res.Message,
		})
	}
}
