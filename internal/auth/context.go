package auth

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
)

type callerContextKey struct{}
type tokenContextKey struct{}

// ContextWithCaller attaches the authenticated caller identity to the context.
func ContextWithCaller(ctx context.Context, caller common.Address) context.Context {
	return context.WithValue(ctx, callerContextKey{}, caller)
}

// CallerFromContext extracts the authenticated caller. The zero address is
// never reported as a caller.
func CallerFromContext(ctx context.Context) (common.Address, bool) {
	if ctx == nil {
		return common.Address{}, false
	}
	v, ok := ctx.Value(callerContextKey{}).(common.Address)
	if !ok || v == (common.Address{}) {
		return common.Address{}, false
	}
	return v, true
}

// ContextWithToken stores the raw bearer token inside the context.
func ContextWithToken(ctx context.Context, token string) context.Context {
	if token == "" {
		return ctx
	}
	return context.WithValue(ctx, tokenContextKey{}, token)
}

// TokenFromContext returns the bearer token if it was previously attached.
func TokenFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	v, ok := ctx.Value(tokenContextKey{}).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}
