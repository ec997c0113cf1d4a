// Package userctx carries claims of the authenticated request
package userctx

import (
	"context"

	"github.com/nkiryanov/authtoken/internal/models"
)

type ctxKey string

const claimsKey ctxKey = "claims"

// Create a new context with the access token claims
func New(ctx context.Context, c models.ClaimSet) context.Context {
	return context.WithValue(ctx, claimsKey, c)
}

// Extract the claims from the context
func FromContext(ctx context.Context) (models.ClaimSet, bool) {
	c, ok := ctx.Value(claimsKey).(models.ClaimSet)
	return c, ok
}
