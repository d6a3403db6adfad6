package httpapi

import (
	"context"
)

type authContextKey string

const authUserKey authContextKey = "authUser"

// AuthUser is the identity the request acts as.
type AuthUser struct {
	ActorID string
	// Source is "jwt" or "header".
	Source string
}

func withAuthUser(ctx context.Context, u *AuthUser) context.Context {
	if u == nil {
		return ctx
	}
	return context.WithValue(ctx, authUserKey, u)
}

func authUserFromContext(ctx context.Context) *AuthUser {
	val := ctx.Value(authUserKey)
	if v, ok := val.(*AuthUser); ok {
		return v
	}
	return nil
}

func actorFromContext(ctx context.Context) string {
	if u := authUserFromContext(ctx); u != nil {
		return u.ActorID
	}
	return ""
}
