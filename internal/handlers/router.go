package handlers

import (
	"context"
	"net/http"

	"github.com/nkiryanov/authtoken/internal/handlers/middleware"
	"github.com/nkiryanov/authtoken/internal/logger"
	"github.com/nkiryanov/authtoken/internal/models"
)

// chain applies middlewares in the given order: m1(m2(...(h)))
func chain(h http.Handler, mds ...func(next http.Handler) http.Handler) http.Handler {
	for i := len(mds) - 1; i >= 0; i-- {
		h = mds[i](h)
	}
	return h
}

func NewRouter(
	authService authService,
	info ServiceInfo,
	logger logger.Logger,
) http.Handler {
	authMiddleware := middleware.AuthMiddleware(authService)
	withAuth := func(h http.Handler) http.Handler {
		return authMiddleware(h)
	}

	apiauth := http.NewServeMux()

	apiauth.Handle("POST /register", handleRegister(authService, logger))
	apiauth.Handle("POST /login", handleLogin(authService, logger))
	apiauth.Handle("POST /refresh", handleTokenRefresh(authService, logger))
	apiauth.Handle("POST /logout", handleLogout(authService, logger))
	apiauth.Handle("POST /introspect", handleIntrospect(authService, logger))

	apiauth.Handle("POST /logout/all", withAuth(handleLogoutAll(authService, logger)))
	apiauth.Handle("GET /me", withAuth(handleUserMe()))

	root := http.NewServeMux()
	root.Handle("/api/auth/", http.StripPrefix("/api/auth", apiauth))
	root.Handle("GET /health", handleHealth(info))
	root.Handle("GET /{$}", handleServiceInfo(info))

	handler := chain(root,
		middleware.LoggerMiddleware(logger),
	)

	return handler
}

type authService interface {
	// Register user with username and password
	// Has to return apperrors.ErrUserAlreadyExists if user already exists
	Register(ctx context.Context, username string, email string, password string) (models.TokenPair, error)

	// Login user with username and password
	// Has to return apperrors.ErrUserNotFound if user not found or password is wrong
	Login(ctx context.Context, username string, password string) (models.TokenPair, error)

	// Exchange refresh token for a new pair
	RefreshPair(ctx context.Context, refresh string) (models.TokenPair, error)

	// Revoke one refresh token or all tokens of the subject
	Logout(ctx context.Context, refresh string) error
	LogoutAll(ctx context.Context, subjectID string) (int64, error)

	// Validate token of any kind
	Introspect(ctx context.Context, token string) (models.ClaimSet, error)

	// Validate access token of request
	Auth(ctx context.Context, r *http.Request) (models.ClaimSet, error)

	// Set auth tokens (access, refresh) to response or drop them
	SetTokens(ctx context.Context, w http.ResponseWriter, pair models.TokenPair)
	ClearTokens(w http.ResponseWriter)

	// Get refresh token from request cookie
	ReadRefreshToken(r *http.Request) (string, error)
}
