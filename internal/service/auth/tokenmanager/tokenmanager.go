// Package tokenmanager issues, validates and rotates access and refresh tokens
//
// Access tokens are stateless: validation needs only the key.
// Refresh tokens are backed by the ledger in repository.RefreshStore and are single use:
// presenting a rotated refresh token again revokes every active token of the subject.
package tokenmanager

import (
	"errors"
	"fmt"
	"time"

	"github.com/nkiryanov/authtoken/internal/logger"
	"github.com/nkiryanov/authtoken/internal/repository"
	"github.com/nkiryanov/authtoken/internal/token/jws"
)

const (
	DefaultAccessTTL  = time.Hour
	DefaultRefreshTTL = 7 * 24 * time.Hour
)

// Token manager with sensible default
type Config struct {
	// Key to sign and verify tokens
	// Required to be set
	Key jws.Key

	// Access and refresh token lifetimes
	// If not set than default is used
	AccessTTL  time.Duration
	RefreshTTL time.Duration

	// Tolerance for clocks of other nodes running ahead
	// Token is accepted while now - ClockSkew < expires_at
	ClockSkew time.Duration

	// Defaults to no-op logger
	Logger logger.Logger
}

type TokenManager struct {
	key jws.Key

	accessTTL  time.Duration
	refreshTTL time.Duration
	clockSkew  time.Duration

	store  repository.RefreshStore
	logger logger.Logger
}

func New(cfg Config, store repository.RefreshStore) (*TokenManager, error) {
	if cfg.Key.Alg() == "" {
		return nil, errors.New("signing key must be set")
	}
	if store == nil {
		return nil, errors.New("refresh store must not be nil")
	}

	setDefaultDuration := func(field *time.Duration, def time.Duration) {
		if *field == 0 {
			*field = def
		}
	}
	setDefaultDuration(&cfg.AccessTTL, DefaultAccessTTL)
	setDefaultDuration(&cfg.RefreshTTL, DefaultRefreshTTL)

	if cfg.AccessTTL < time.Second || cfg.RefreshTTL < time.Second {
		return nil, fmt.Errorf("token lifetimes must be at least 1s, got access=%s refresh=%s", cfg.AccessTTL, cfg.RefreshTTL)
	}
	if cfg.ClockSkew < 0 {
		return nil, fmt.Errorf("clock skew must not be negative, got %s", cfg.ClockSkew)
	}

	if cfg.Logger == nil {
		cfg.Logger = logger.NewNoOpLogger()
	}

	return &TokenManager{
		key:        cfg.Key,
		accessTTL:  cfg.AccessTTL,
		refreshTTL: cfg.RefreshTTL,
		clockSkew:  cfg.ClockSkew,
		store:      store,
		logger:     cfg.Logger.With("component", "tokenmanager"),
	}, nil
}

func (m *TokenManager) AccessTTL() time.Duration {
	return m.accessTTL
}

func (m *TokenManager) RefreshTTL() time.Duration {
	return m.refreshTTL
}
