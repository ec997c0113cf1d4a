// Package auth glues user store and token manager into the login flow
// and knows how tokens travel over HTTP
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/nkiryanov/authtoken/internal/apperrors"
	"github.com/nkiryanov/authtoken/internal/models"
	"github.com/nkiryanov/authtoken/internal/repository"
)

const (
	defaultAccessHeaderName  = "Authorization"
	defaultAccessAuthScheme  = "Bearer"
	defaultRefreshCookieName = "refreshtoken"
)

// Interface to create or compare user password hashes
type PasswordHasher interface {
	// Generate Hash from password
	Hash(password string) (string, error)

	// Compare known hashedPassword and user provided password
	// Must be protected against timing attacks
	Compare(hashedPassword string, password string) error
}

type tokenManager interface {
	IssuePair(ctx context.Context, subject models.Subject, now time.Time) (models.TokenPair, error)
	Validate(ctx context.Context, token string, expected models.TokenKind, now time.Time) (models.ClaimSet, error)
	Refresh(ctx context.Context, refresh string, now time.Time) (models.TokenPair, error)
	LogoutToken(ctx context.Context, refresh string, now time.Time) error
	RevokeAll(ctx context.Context, subjectID string, now time.Time) (int64, error)
	RefreshTTL() time.Duration
}

type Config struct {
	// Hasher to user during user registration or login process
	// BcryptHasher if not set
	Hasher PasswordHasher

	// Where access token is expected: "<AccessHeaderName>: <AccessAuthScheme> <token>"
	AccessHeaderName string
	AccessAuthScheme string

	// Cookie the refresh token is set to
	RefreshCookieName string

	// Clock, time.Now if not set
	Now func() time.Time
}

type AuthService struct {
	hasher PasswordHasher
	now    func() time.Time

	accessHeaderName  string
	accessAuthScheme  string
	refreshCookieName string

	tokens   tokenManager
	userRepo repository.UserRepo
}

func NewService(cfg Config, tokens tokenManager, userRepo repository.UserRepo) (*AuthService, error) {
	setDefault := func(field *string, def string) {
		if *field == "" {
			*field = def
		}
	}
	setDefault(&cfg.AccessHeaderName, defaultAccessHeaderName)
	setDefault(&cfg.AccessAuthScheme, defaultAccessAuthScheme)
	setDefault(&cfg.RefreshCookieName, defaultRefreshCookieName)

	if cfg.Hasher == nil {
		cfg.Hasher = BcryptHasher{}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &AuthService{
		hasher:            cfg.Hasher,
		now:               cfg.Now,
		accessHeaderName:  cfg.AccessHeaderName,
		accessAuthScheme:  cfg.AccessAuthScheme,
		refreshCookieName: cfg.RefreshCookieName,
		tokens:            tokens,
		userRepo:          userRepo,
	}, nil
}

// Register new user and issue first token pair
func (s *AuthService) Register(ctx context.Context, username string, email string, password string) (models.TokenPair, error) {
	hash, err := s.hasher.Hash(password)
	if err != nil {
		return models.TokenPair{}, fmt.Errorf("can't use this as password, error=%w", err)
	}

	user, err := s.userRepo.CreateUser(ctx, models.User{Username: username, Email: email, HashedPassword: hash})
	if err != nil {
		return models.TokenPair{}, err
	}

	return s.tokens.IssuePair(ctx, user.Subject(), s.now())
}

// Login existing user
// Unknown user and wrong password both return apperrors.ErrUserNotFound
func (s *AuthService) Login(ctx context.Context, username string, password string) (models.TokenPair, error) {
	user, err := s.userRepo.GetUserByUsername(ctx, username)
	if err != nil {
		return models.TokenPair{}, err
	}

	if err := s.hasher.Compare(user.HashedPassword, password); err != nil {
		return models.TokenPair{}, apperrors.ErrUserNotFound
	}

	return s.tokens.IssuePair(ctx, user.Subject(), s.now())
}

// Exchange refresh token for a new pair
func (s *AuthService) RefreshPair(ctx context.Context, refresh string) (models.TokenPair, error) {
	return s.tokens.Refresh(ctx, refresh, s.now())
}

// Revoke presented refresh token
func (s *AuthService) Logout(ctx context.Context, refresh string) error {
	return s.tokens.LogoutToken(ctx, refresh, s.now())
}

// Revoke every refresh token of the subject
func (s *AuthService) LogoutAll(ctx context.Context, subjectID string) (int64, error) {
	return s.tokens.RevokeAll(ctx, subjectID, s.now())
}

// Introspect validates token of any kind and returns its claims
func (s *AuthService) Introspect(ctx context.Context, token string) (models.ClaimSet, error) {
	now := s.now()

	c, err := s.tokens.Validate(ctx, token, models.TokenKindAccess, now)
	if errors.Is(err, apperrors.ErrWrongTokenKind) {
		return s.tokens.Validate(ctx, token, models.TokenKindRefresh, now)
	}
	return c, err
}

// Auth authenticates request by access token
func (s *AuthService) Auth(ctx context.Context, r *http.Request) (models.ClaimSet, error) {
	token, err := s.readAccessToken(r)
	if err != nil {
		return models.ClaimSet{}, err
	}
	return s.tokens.Validate(ctx, token, models.TokenKindAccess, s.now())
}

func (s *AuthService) readAccessToken(r *http.Request) (string, error) {
	header := r.Header.Get(s.accessHeaderName)
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, s.accessAuthScheme) || token == "" {
		return "", fmt.Errorf("%w: no %s token in %s header", apperrors.ErrMissingToken, s.accessAuthScheme, s.accessHeaderName)
	}
	return strings.TrimSpace(token), nil
}

// Set access token to header and refresh token to cookie
func (s *AuthService) SetTokens(ctx context.Context, w http.ResponseWriter, pair models.TokenPair) {
	w.Header().Set(s.accessHeaderName, s.accessAuthScheme+" "+pair.Access.Value)

	http.SetCookie(w, &http.Cookie{
		Name:     s.refreshCookieName,
		Value:    pair.Refresh.Value,
		Path:     "/",
		MaxAge:   int(s.tokens.RefreshTTL().Seconds()),
		HttpOnly: true,
		Secure:   false,
		SameSite: http.SameSiteStrictMode,
	})
}

// Drop refresh cookie on client
func (s *AuthService) ClearTokens(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     s.refreshCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	})
}

// Get refresh token from request cookie
func (s *AuthService) ReadRefreshToken(r *http.Request) (string, error) {
	cookie, err := r.Cookie(s.refreshCookieName)
	if err != nil {
		return "", err
	}
	return cookie.Value, nil
}
