package middleware

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/angelmondragon/cardkey-backend/api/responses"
	pkgerrors "github.com/angelmondragon/cardkey-backend/pkg/errors"
	"github.com/angelmondragon/cardkey-backend/pkg/logger"
)

// Recoverer turns a handler panic into a 500 envelope. http.ErrAbortHandler
// is re-raised so net/http can drop the connection as intended.
func Recoverer(logg *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rec := &statusRecorder{ResponseWriter: w}
			defer func() {
				v := recover()
				if v == nil {
					return
				}
				if err, ok := v.(error); ok && errors.Is(err, http.ErrAbortHandler) {
					panic(v)
				}

				ctx := logg.WithField(r.Context(), "panic", fmt.Sprint(v))
				err := pkgerrors.Wrap(pkgerrors.CodeInternal, fmt.Errorf("panic: %v", v), "internal error")
				if rec.wroteHeader() {
					// too late for an error body; the client sees a truncated reply
					logg.Error(ctx, "panic.recovered", err)
					return
				}
				responses.WriteError(ctx, logg, rec, err)
			}()
			next.ServeHTTP(rec, r)
		})
	}
}
