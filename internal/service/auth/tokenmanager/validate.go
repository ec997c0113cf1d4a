package tokenmanager

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nkiryanov/authtoken/internal/apperrors"
	"github.com/nkiryanov/authtoken/internal/models"
	"github.com/nkiryanov/authtoken/internal/token/claims"
	"github.com/nkiryanov/authtoken/internal/token/jws"
)

// Validate token of the expected kind and return its claims
//
// Access tokens are checked with the key and the clock only.
// Refresh tokens are also looked up in the store: unknown, revoked and rotated ones are rejected.
// Store failures are returned as apperrors.ErrStoreUnavailable, never as a verdict on the token.
func (m *TokenManager) Validate(ctx context.Context, token string, expected models.TokenKind, now time.Time) (models.ClaimSet, error) {
	c, err := m.validate(ctx, token, expected, now)
	if err != nil {
		return models.ClaimSet{}, err
	}
	return c, nil
}

// Parse checks signature, claims and kind. Expiry and store state are not checked
func (m *TokenManager) Parse(token string, expected models.TokenKind) (models.ClaimSet, error) {
	payload, err := jws.Verify(token, m.key)
	if err != nil {
		return models.ClaimSet{}, fmt.Errorf("%w: %w", apperrors.ErrBadSignature, err)
	}

	c, err := claims.Decode(payload)
	if err != nil {
		return models.ClaimSet{}, err
	}

	if c.Kind != expected {
		return models.ClaimSet{}, fmt.Errorf("%w: expected %s, got %s", apperrors.ErrWrongTokenKind, expected, c.Kind)
	}

	return c, nil
}

// validate returns claims along with store verdict errors, so callers can act on the subject
func (m *TokenManager) validate(ctx context.Context, token string, expected models.TokenKind, now time.Time) (models.ClaimSet, error) {
	c, err := m.Parse(token, expected)
	if err != nil {
		return models.ClaimSet{}, err
	}

	if !now.Add(-m.clockSkew).Before(c.ExpiresAt) {
		m.logger.Debug("token expired", "kind", c.Kind, "subject_id", c.SubjectID, "expires_at", c.ExpiresAt)
		return models.ClaimSet{}, fmt.Errorf("%w: at %s", apperrors.ErrExpired, c.ExpiresAt.Format(time.RFC3339))
	}

	if expected == models.TokenKindAccess {
		return c, nil
	}

	record, err := m.store.Get(ctx, c.TokenID)
	switch {
	case err == nil:
	case errors.Is(err, apperrors.ErrUnknownToken):
		return c, apperrors.ErrUnknownToken
	case errors.Is(err, apperrors.ErrStoreUnavailable):
		return c, err
	default:
		return c, fmt.Errorf("%w: %w", apperrors.ErrStoreUnavailable, err)
	}

	if record.SubjectID != c.SubjectID {
		return c, fmt.Errorf("%w: ledger subject differs from token subject", apperrors.ErrUnknownToken)
	}

	switch record.State {
	case models.TokenStateActive:
		return c, nil
	case models.TokenStateRevoked:
		return c, apperrors.ErrTokenRevoked
	case models.TokenStateRotated:
		return c, apperrors.ErrTokenReused
	default:
		return c, fmt.Errorf("%w: unknown ledger state %q", apperrors.ErrStoreUnavailable, record.State)
	}
}
