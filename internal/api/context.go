// ABOUTME: Request-context plumbing for authenticated claims.

package api

import (
	"context"

	"github.com/2389/parley/internal/auth"
)

func contextWithClaims(ctx context.Context, claims *auth.Claims) context.Context {
	return context.WithValue(ctx, claimsKey, claims)
}

// claimsFrom returns the verified claims. Only reachable behind
// requireAuth, so the value is always present.
func claimsFrom(ctx context.Context) *auth.Claims {
	return ctx.Value(claimsKey).(*auth.Claims)
}
