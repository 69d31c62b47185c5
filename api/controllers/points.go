package controllers

import (
	"context"
	"net/http"

	"github.com/angelmondragon/cardkey-backend/api/middleware"
	"github.com/angelmondragon/cardkey-backend/api/responses"
	"github.com/angelmondragon/cardkey-backend/internal/points"
	pkgerrors "github.com/angelmondragon/cardkey-backend/pkg/errors"
	"github.com/angelmondragon/cardkey-backend/pkg/logger"
)

type PointsReader interface {
	Balance(ctx context.Context, userID string) (int, error)
}

// Checkins claims and reports the daily points reward.
type Checkins interface {
	CheckIn(ctx context.Context, userID string) (points.Checkin, error)
	CheckinStatus(ctx context.Context, userID string) (points.CheckinStatus, error)
}

// MyPoints returns the signed-in buyer's point balance.
func MyPoints(ledger PointsReader, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := middleware.UserIDFromContext(r.Context())
		if userID == "" {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "user context missing"))
			return
		}
		balance, err := ledger.Balance(r.Context(), userID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load points"))
			return
		}
		responses.WriteSuccess(w, map[string]int{"points": balance})
	}
}

// CheckIn claims today's reward for the signed-in buyer.
func CheckIn(svc Checkins, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := middleware.UserIDFromContext(r.Context())
		if userID == "" {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "user context missing"))
			return
		}
		ctx := logg.WithField(r.Context(), "user_id", userID)
		claimed, err := svc.CheckIn(ctx, userID)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		logg.Info(logg.WithField(ctx, "reward", claimed.Reward), "daily check-in claimed")
		responses.WriteSuccess(w, claimed)
	}
}

func CheckinStatus(svc Checkins, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := middleware.UserIDFromContext(r.Context())
		if userID == "" {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "user context missing"))
			return
		}
		status, err := svc.CheckinStatus(r.Context(), userID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, status)
	}
}
