package webhooks

import (
	"context"
	"net/http"
	"net/url"

	"github.com/angelmondragon/cardkey-backend/api/responses"
	epaywebhook "github.com/angelmondragon/cardkey-backend/internal/webhooks/epay"
	pkgerrors "github.com/angelmondragon/cardkey-backend/pkg/errors"
	"github.com/angelmondragon/cardkey-backend/pkg/logger"
)

// The provider only stops retrying once it reads this exact body.
const (
	ackBody  = "success"
	nackBody = "fail"
)

type EpayNotificationService interface {
	Handle(ctx context.Context, values url.Values) (epaywebhook.Ack, error)
}

// EpayNotify accepts asynchronous payment notifications as a GET query or a
// form POST.
func EpayNotify(svc EpayNotificationService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if svc == nil {
			logg.Error(ctx, "notification service unavailable", nil)
			responses.WriteText(w, http.StatusInternalServerError, nackBody)
			return
		}

		values, err := notificationValues(r)
		if err != nil {
			logg.Warn(logg.WithField(ctx, "error", err.Error()), "unreadable payment notification")
			responses.WriteText(w, http.StatusBadRequest, nackBody)
			return
		}

		ack, err := svc.Handle(ctx, values)
		if err != nil {
			status := pkgerrors.StatusOf(err)
			if status >= http.StatusInternalServerError {
				logg.Error(ctx, "payment notification failed", err)
			}
			responses.WriteText(w, status, nackBody)
			return
		}

		logg.Info(logg.WithFields(ctx, map[string]any{
			"order_id": ack.OrderID,
			"result":   ack.Result,
			"ignored":  ack.Ignored,
		}), "payment notification acknowledged")
		responses.WriteText(w, http.StatusOK, ackBody)
	}
}

func notificationValues(r *http.Request) (url.Values, error) {
	if r.Method == http.MethodGet {
		return r.URL.Query(), nil
	}
	if err := r.ParseForm(); err != nil {
		return nil, err
	}
	return r.Form, nil
}
