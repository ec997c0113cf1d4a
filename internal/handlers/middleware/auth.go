package middleware

import (
	"context"
	"net/http"

	"github.com/nkiryanov/authtoken/internal/handlers/render"
	"github.com/nkiryanov/authtoken/internal/handlers/userctx"
	"github.com/nkiryanov/authtoken/internal/models"
)

type authService interface {
	Auth(ctx context.Context, r *http.Request) (models.ClaimSet, error)
}

// AuthMiddleware lets through requests with valid access token
// Claims are put to request context, see userctx.FromContext
func AuthMiddleware(as authService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, err := as.Auth(r.Context(), r)
			if err != nil {
				render.AuthError(w, err)
				return
			}
			ctx := userctx.New(r.Context(), claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
