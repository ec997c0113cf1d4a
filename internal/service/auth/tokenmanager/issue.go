package tokenmanager

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nkiryanov/authtoken/internal/models"
	"github.com/nkiryanov/authtoken/internal/token/claims"
	"github.com/nkiryanov/authtoken/internal/token/jws"
)

// Issue fresh token pair for the authenticated subject
// The refresh token is saved to the store before anything is returned
func (m *TokenManager) IssuePair(ctx context.Context, subject models.Subject, now time.Time) (models.TokenPair, error) {
	pair, record, err := m.Mint(subject, now)
	if err != nil {
		return models.TokenPair{}, err
	}

	if err := m.store.Insert(ctx, record); err != nil {
		return models.TokenPair{}, fmt.Errorf("error while saving refresh token. Err: %w", err)
	}

	m.logger.Debug("token pair issued", "subject_id", subject.ID, "token_id", record.TokenID)

	return pair, nil
}

// Mint signs a token pair and returns the ledger record for its refresh token
// Nothing is saved: the caller decides how the record gets to the store
func (m *TokenManager) Mint(subject models.Subject, now time.Time) (models.TokenPair, models.TokenRecord, error) {
	if subject.ID == "" {
		return models.TokenPair{}, models.TokenRecord{}, errors.New("subject id must not be empty")
	}

	now = now.UTC().Truncate(time.Second)
	accessExpiresAt := now.Add(m.accessTTL).Truncate(time.Second)
	refreshExpiresAt := now.Add(m.refreshTTL).Truncate(time.Second)
	tokenID := uuid.NewString()

	base := models.ClaimSet{
		SubjectID: subject.ID,
		Email:     subject.Email,
		Role:      subject.Role,
		IssuedAt:  now,
	}

	accessClaims := base
	accessClaims.Kind = models.TokenKindAccess
	accessClaims.ExpiresAt = accessExpiresAt
	access, err := m.sign(accessClaims)
	if err != nil {
		return models.TokenPair{}, models.TokenRecord{}, fmt.Errorf("error while signing access token. Err: %w", err)
	}

	refreshClaims := base
	refreshClaims.Kind = models.TokenKindRefresh
	refreshClaims.TokenID = tokenID
	refreshClaims.ExpiresAt = refreshExpiresAt
	refresh, err := m.sign(refreshClaims)
	if err != nil {
		return models.TokenPair{}, models.TokenRecord{}, fmt.Errorf("error while signing refresh token. Err: %w", err)
	}

	pair := models.TokenPair{
		Access:    models.IssuedToken{Value: access, ExpiresAt: accessExpiresAt},
		Refresh:   models.IssuedToken{Value: refresh, ExpiresAt: refreshExpiresAt},
		RefreshID: tokenID,
	}
	record := models.TokenRecord{
		TokenID:   tokenID,
		SubjectID: subject.ID,
		State:     models.TokenStateActive,
		CreatedAt: now,
		ExpiresAt: refreshExpiresAt,
	}

	return pair, record, nil
}

func (m *TokenManager) sign(c models.ClaimSet) (string, error) {
	payload, err := claims.Encode(c)
	if err != nil {
		return "", err
	}
	return jws.Sign(payload, m.key)
}
