package httpapi

import (
	"context"

	"github.com/and161185/lexsync/internal/token"
)

type ctxKey string

const principalKey ctxKey = "lexsync.principal"

// WithPrincipal stores the authenticated caller in context.
func WithPrincipal(ctx context.Context, p token.Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// PrincipalFrom fetches the authenticated caller from context.
func PrincipalFrom(ctx context.Context) (token.Principal, bool) {
	p, ok := ctx.Value(principalKey).(token.Principal)
	return p, ok
}
