package middleware

import (
	"context"

	"github.com/angelmondragon/cardkey-backend/internal/orders"
)

type contextKey string

const ctxActor contextKey = "actor"

// ActorFromContext returns the authenticated caller, or a guest actor when the
// request carried no token.
func ActorFromContext(ctx context.Context) orders.Actor {
	if ctx == nil {
		return orders.Actor{}
	}
	actor, _ := ctx.Value(ctxActor).(orders.Actor)
	return actor
}

func UserIDFromContext(ctx context.Context) string {
	return ActorFromContext(ctx).UserID
}

// WithActor stores the caller for handlers downstream. Auth uses it; tests
// use it to skip token minting.
func WithActor(ctx context.Context, actor orders.Actor) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, ctxActor, actor)
}
