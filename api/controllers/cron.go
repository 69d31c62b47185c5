package controllers

import (
	"context"
	"crypto/subtle"
	"net/http"

	"github.com/angelmondragon/cardkey-backend/api/responses"
	"github.com/angelmondragon/cardkey-backend/internal/cron"
	pkgerrors "github.com/angelmondragon/cardkey-backend/pkg/errors"
	"github.com/angelmondragon/cardkey-backend/pkg/logger"
)

const cleanupTokenHeader = "X-Cron-Cleanup-Token"

type CleanupRunner interface {
	Run(ctx context.Context) (cron.CleanupReport, error)
}

// CronCleanup lets an external scheduler trigger the expiry sweep and the
// reservation cleanup. The route is disabled when no token is configured.
func CronCleanup(runner CleanupRunner, token string, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if token == "" {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeNotFound, "cleanup trigger disabled"))
			return
		}
		got := r.Header.Get(cleanupTokenHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "invalid cleanup token"))
			return
		}
		report, err := runner.Run(r.Context())
		if err != nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "cleanup failed"))
			return
		}
		responses.WriteSuccess(w, report)
	}
}
