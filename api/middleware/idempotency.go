package middleware

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/angelmondragon/cardkey-backend/api/responses"
	pkgerrors "github.com/angelmondragon/cardkey-backend/pkg/errors"
	"github.com/angelmondragon/cardkey-backend/pkg/logger"
	pkgredis "github.com/angelmondragon/cardkey-backend/pkg/redis"
)

const (
	// IdempotencyKeyHeader carries the client's replay key.
	IdempotencyKeyHeader = "Idempotency-Key"
	// ReplayedHeader is set on responses served from the store.
	ReplayedHeader = "Idempotent-Replayed"

	checkoutReplayTTL = 7 * 24 * time.Hour
	// inFlightTTL bounds how long a crashed request can block its key.
	inFlightTTL = time.Minute
)

// replayRoute marks a mutating route as replay-safe. Patterns use path.Match
// syntax, so '*' spans exactly one segment. A zero ttl takes the configured
// default. Optional routes engage only when the client sends a key.
type replayRoute struct {
	method   string
	pattern  string
	ttl      time.Duration
	optional bool
}

var replayRoutes = []replayRoute{
	{http.MethodPost, "/api/checkout/orders", checkoutReplayTTL, true},
	{http.MethodPost, "/api/checkout/payment-links", checkoutReplayTTL, true},
	{http.MethodPost, "/api/orders/*/retry-payment", 0, true},
	{http.MethodPost, "/api/orders/*/cancel", 0, true},
	{http.MethodPost, "/api/orders/*/refund-requests", 0, true},
	{http.MethodPost, "/api/admin/orders/*", 0, false},
	{http.MethodPost, "/api/admin/orders/*/*", 0, false},
	{http.MethodPost, "/api/admin/refund-requests/*/*", 0, false},
	{http.MethodPost, "/api/admin/products/*/stock", 0, false},
}

func findReplayRoute(method, urlPath string) (replayRoute, bool) {
	for _, route := range replayRoutes {
		if route.method != method {
			continue
		}
		if ok, _ := path.Match(route.pattern, urlPath); ok {
			return route, true
		}
	}
	return replayRoute{}, false
}

// storedResponse is either an in-flight claim (Done false) or the finished
// response. Body is base64 in JSON.
type storedResponse struct {
	Done        bool   `json:"done"`
	Fingerprint string `json:"fingerprint"`
	Status      int    `json:"status,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	Body        []byte `json:"body,omitempty"`
}

// Idempotency claims the Idempotency-Key before running the handler, then
// swaps the claim for the response. Repeats with the same body get the
// stored response; a repeat that arrives while the first is still running
// is turned away. Server errors release the key so the client can retry.
//
// The route table matches r.URL.Path: inside a subrouter chi has only a
// partial pattern when middleware runs.
func Idempotency(store pkgredis.ResponseCache, defaultTTL time.Duration, logg *logger.Logger) func(http.Handler) http.Handler {
	if defaultTTL <= 0 {
		defaultTTL = 24 * time.Hour
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			route, ok := findReplayRoute(r.Method, r.URL.Path)
			if !ok || store == nil {
				next.ServeHTTP(w, r)
				return
			}
			clientKey := strings.TrimSpace(r.Header.Get(IdempotencyKeyHeader))
			if clientKey == "" {
				if route.optional {
					next.ServeHTTP(w, r)
					return
				}
				responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeValidation, IdempotencyKeyHeader+" header required"))
				return
			}
			ttl := route.ttl
			if ttl <= 0 {
				ttl = defaultTTL
			}

			body, err := io.ReadAll(r.Body)
			if err != nil {
				responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "read request body"))
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			ctx := r.Context()
			key := store.IdempotencyKey(replayScope(r), clientKey)
			fingerprint := requestFingerprint(r, body)

			claimed, err := claim(ctx, store, key, fingerprint)
			if err != nil {
				responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "claim idempotency key"))
				return
			}
			if !claimed {
				replay(ctx, store, key, fingerprint, w, logg)
				return
			}

			capture := &responseCapture{ResponseWriter: w}
			next.ServeHTTP(capture, r)

			// release on a fresh context; the client may already be gone
			bg := context.WithoutCancel(ctx)
			if capture.statusCode() >= http.StatusInternalServerError {
				if err := store.Del(bg, key); err != nil {
					logg.Error(ctx, "release idempotency key", err)
				}
				return
			}
			finished := storedResponse{
				Done:        true,
				Fingerprint: fingerprint,
				Status:      capture.statusCode(),
				ContentType: capture.Header().Get("Content-Type"),
				Body:        capture.body.Bytes(),
			}
			payload, err := json.Marshal(finished)
			if err == nil {
				err = store.Set(bg, key, string(payload), ttl)
			}
			if err != nil {
				logg.Error(ctx, "persist idempotent response", err)
			}
		})
	}
}

func claim(ctx context.Context, store pkgredis.ResponseCache, key, fingerprint string) (bool, error) {
	payload, err := json.Marshal(storedResponse{Fingerprint: fingerprint})
	if err != nil {
		return false, err
	}
	return store.SetNX(ctx, key, string(payload), inFlightTTL)
}

func replay(ctx context.Context, store pkgredis.ResponseCache, key, fingerprint string, w http.ResponseWriter, logg *logger.Logger) {
	raw, err := store.Get(ctx, key)
	if errors.Is(err, redis.Nil) {
		// claim expired between SetNX and Get
		responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeIdempotency, "request still in progress; retry"))
		return
	}
	if err != nil {
		responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "read idempotent response"))
		return
	}
	var stored storedResponse
	if err := json.Unmarshal([]byte(raw), &stored); err != nil {
		responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "decode idempotent response"))
		return
	}
	switch {
	case stored.Fingerprint != fingerprint:
		responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeIdempotency, "idempotency key reused with a different request"))
	case !stored.Done:
		responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeIdempotency, "request still in progress; retry"))
	default:
		if stored.ContentType != "" {
			w.Header().Set("Content-Type", stored.ContentType)
		}
		w.Header().Set(ReplayedHeader, "true")
		w.WriteHeader(stored.Status)
		_, _ = w.Write(stored.Body)
	}
}

// replayScope keeps keys from colliding across buyers. Guests are told apart
// by address.
func replayScope(r *http.Request) string {
	who := UserIDFromContext(r.Context())
	if who == "" {
		who = "guest@" + clientIP(r)
	}
	return who
}

func requestFingerprint(r *http.Request, body []byte) string {
	h := sha256.New()
	h.Write([]byte(r.Method + " " + r.URL.Path + "\n"))
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

type responseCapture struct {
	http.ResponseWriter
	body   bytes.Buffer
	status int
}

func (c *responseCapture) WriteHeader(code int) {
	if c.status == 0 {
		c.status = code
	}
	c.ResponseWriter.WriteHeader(code)
}

func (c *responseCapture) Write(b []byte) (int, error) {
	if c.status == 0 {
		c.status = http.StatusOK
	}
	c.body.Write(b)
	return c.ResponseWriter.Write(b)
}

func (c *responseCapture) statusCode() int {
	if c.status == 0 {
		return http.StatusOK
	}
	return c.status
}
