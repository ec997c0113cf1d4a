package tokenmanager

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nkiryanov/authtoken/internal/apperrors"
	"github.com/nkiryanov/authtoken/internal/models"
)

// Refresh exchanges active refresh token for a new pair. The presented token becomes rotated
//
// Presenting a rotated token, or losing a concurrent rotation of the same token,
// is treated as token theft: every active token of the subject is revoked
// and apperrors.ErrTokenReused returned.
func (m *TokenManager) Refresh(ctx context.Context, refresh string, now time.Time) (models.TokenPair, error) {
	c, err := m.validate(ctx, refresh, models.TokenKindRefresh, now)
	switch {
	case errors.Is(err, apperrors.ErrTokenReused):
		return models.TokenPair{}, m.reuseDetected(ctx, c, now)
	case err != nil:
		return models.TokenPair{}, err
	}

	subject := models.Subject{ID: c.SubjectID, Email: c.Email, Role: c.Role}
	pair, successor, err := m.Mint(subject, now)
	if err != nil {
		return models.TokenPair{}, err
	}

	err = m.store.Rotate(ctx, c.TokenID, successor, now)
	switch {
	case err == nil:
		m.logger.Debug("refresh token rotated", "subject_id", c.SubjectID, "token_id", c.TokenID, "successor_id", successor.TokenID)
		return pair, nil
	case errors.Is(err, apperrors.ErrConflict):
		return models.TokenPair{}, m.reuseDetected(ctx, c, now)
	case errors.Is(err, apperrors.ErrUnknownToken):
		return models.TokenPair{}, apperrors.ErrUnknownToken
	default:
		return models.TokenPair{}, fmt.Errorf("error while rotating refresh token. Err: %w", err)
	}
}

// Revoke all active tokens of the subject and report the reuse
func (m *TokenManager) reuseDetected(ctx context.Context, c models.ClaimSet, now time.Time) error {
	revoked, err := m.store.RevokeAll(ctx, c.SubjectID, now)
	if err != nil {
		m.logger.Error("refresh token reuse detected, revocation failed",
			"event", "refresh_token_reuse",
			"subject_id", c.SubjectID,
			"token_id", c.TokenID,
			"error", err,
		)
		return fmt.Errorf("%w: revocation failed: %w", apperrors.ErrTokenReused, err)
	}

	m.logger.Warn("refresh token reuse detected",
		"event", "refresh_token_reuse",
		"subject_id", c.SubjectID,
		"token_id", c.TokenID,
		"revoked", revoked,
	)
	return apperrors.ErrTokenReused
}

// Logout revokes single refresh token
// Idempotent: revoking token that is not active anymore succeeds
func (m *TokenManager) Logout(ctx context.Context, tokenID string, now time.Time) error {
	err := m.store.Transition(ctx, tokenID, models.TokenStateActive, models.TokenStateRevoked, now)
	switch {
	case err == nil:
		m.logger.Info("refresh token revoked", "token_id", tokenID)
		return nil
	case errors.Is(err, apperrors.ErrConflict):
		return nil
	default:
		return err
	}
}

// LogoutToken revokes refresh token presented by client
// Expired tokens are accepted: there is nothing wrong in logging out late
func (m *TokenManager) LogoutToken(ctx context.Context, refresh string, now time.Time) error {
	c, err := m.Parse(refresh, models.TokenKindRefresh)
	if err != nil {
		return err
	}
	return m.Logout(ctx, c.TokenID, now)
}

// RevokeAll revokes every active refresh token of the subject
// Access tokens already issued stay valid until they expire
func (m *TokenManager) RevokeAll(ctx context.Context, subjectID string, now time.Time) (int64, error) {
	revoked, err := m.store.RevokeAll(ctx, subjectID, now)
	if err != nil {
		return 0, fmt.Errorf("error while revoking subject tokens. Err: %w", err)
	}

	m.logger.Info("subject tokens revoked", "subject_id", subjectID, "revoked", revoked)
	return revoked, nil
}
