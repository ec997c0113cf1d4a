package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/nkiryanov/authtoken/internal/apperrors"
	"github.com/nkiryanov/authtoken/internal/handlers/render"
	"github.com/nkiryanov/authtoken/internal/logger"
	"github.com/nkiryanov/authtoken/internal/models"
)

type tokenResponse struct {
	Message          string    `json:"message"`
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	TokenType        string    `json:"token_type"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

// Write tokens to header, cookie and body
func writeTokens(w http.ResponseWriter, r *http.Request, as authService, pair models.TokenPair, message string) {
	as.SetTokens(r.Context(), w, pair)
	render.JSON(w, tokenResponse{
		Message:          message,
		AccessToken:      pair.Access.Value,
		RefreshToken:     pair.Refresh.Value,
		TokenType:        "Bearer",
		AccessExpiresAt:  pair.Access.ExpiresAt,
		RefreshExpiresAt: pair.Refresh.ExpiresAt,
	})
}

// Refresh token is taken from cookie, then from json body
func readRefreshToken(w http.ResponseWriter, r *http.Request, as authService) (string, bool) {
	type refreshRequest struct {
		RefreshToken string `json:"refresh_token" validate:"required"`
	}

	if refresh, err := as.ReadRefreshToken(r); err == nil && refresh != "" {
		return refresh, true
	}

	data, err := render.BindAndValidate[refreshRequest](w, r)
	if err != nil {
		return "", false
	}
	return data.RefreshToken, true
}

func handleRegister(as authService, l logger.Logger) http.Handler {
	type request struct {
		Login    string `json:"login" validate:"required,min=2,max=50,username"`
		Email    string `json:"email" validate:"omitempty,email"`
		Password string `json:"password" validate:"required,min=8"`
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, err := render.BindAndValidate[request](w, r)
		if err != nil {
			return
		}

		pair, err := as.Register(r.Context(), data.Login, data.Email, data.Password)
		switch {
		case err == nil:
			writeTokens(w, r, as, pair, "User registered successfully")
		case errors.Is(err, apperrors.ErrUserAlreadyExists):
			render.ServiceError(w, "User already exists", http.StatusConflict)
		case errors.Is(err, apperrors.ErrStoreUnavailable):
			render.AuthError(w, err)
		default:
			l.Error("register failed", "error", err)
			render.ServiceError(w, "Internal server error", http.StatusInternalServerError)
		}
	})
}

func handleLogin(as authService, l logger.Logger) http.Handler {
	type request struct {
		Login    string `json:"login" validate:"required"`
		Password string `json:"password" validate:"required"`
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, err := render.BindAndValidate[request](w, r)
		if err != nil {
			return
		}

		pair, err := as.Login(r.Context(), data.Login, data.Password)
		switch {
		case err == nil:
			writeTokens(w, r, as, pair, "User logged in successfully")
		case errors.Is(err, apperrors.ErrUserNotFound):
			render.ServiceError(w, "Wrong login or password", http.StatusUnauthorized)
		case errors.Is(err, apperrors.ErrStoreUnavailable):
			render.AuthError(w, err)
		default:
			l.Error("login failed", "error", err)
			render.ServiceError(w, "Internal server error", http.StatusInternalServerError)
		}
	})
}

func handleTokenRefresh(as authService, l logger.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		refresh, ok := readRefreshToken(w, r, as)
		if !ok {
			return
		}

		pair, err := as.RefreshPair(r.Context(), refresh)
		if err != nil {
			if errors.Is(err, apperrors.ErrTokenReused) {
				as.ClearTokens(w)
			}
			if !apperrors.IsUnauthenticated(err) && !errors.Is(err, apperrors.ErrStoreUnavailable) {
				l.Error("refresh failed", "error", err)
			}
			render.AuthError(w, err)
			return
		}

		writeTokens(w, r, as, pair, "Tokens refreshed successfully")
	})
}

func handleLogout(as authService, l logger.Logger) http.Handler {
	type response struct {
		Message string `json:"message"`
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		refresh, ok := readRefreshToken(w, r, as)
		if !ok {
			return
		}

		if err := as.Logout(r.Context(), refresh); err != nil {
			render.AuthError(w, err)
			return
		}

		as.ClearTokens(w)
		render.JSON(w, response{Message: "Logged out"})
	})
}

func handleLogoutAll(as authService, l logger.Logger) http.Handler {
	type response struct {
		Message string `json:"message"`
		Revoked int64  `json:"revoked"`
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := claimsFromRequest(w, r)
		if !ok {
			return
		}

		revoked, err := as.LogoutAll(r.Context(), claims.SubjectID)
		if err != nil {
			l.Warn("logout all failed", "subject_id", claims.SubjectID, "error", err)
			render.AuthError(w, err)
			return
		}

		as.ClearTokens(w)
		render.JSON(w, response{Message: "All sessions revoked", Revoked: revoked})
	})
}

func handleIntrospect(as authService, l logger.Logger) http.Handler {
	type request struct {
		Token string `json:"token" validate:"required"`
	}
	type response struct {
		Active bool `json:"active"`
		*claimsResponse
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, err := render.BindAndValidate[request](w, r)
		if err != nil {
			return
		}

		claims, err := as.Introspect(r.Context(), data.Token)
		switch {
		case err == nil:
			render.JSON(w, response{Active: true, claimsResponse: newClaimsResponse(claims)})
		case apperrors.IsUnauthenticated(err) && !errors.Is(err, apperrors.ErrStoreUnavailable):
			l.Debug("inactive token introspected", "error", err)
			render.JSON(w, response{Active: false})
		default:
			render.AuthError(w, err)
		}
	})
}
