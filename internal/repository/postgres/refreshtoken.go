package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/nkiryanov/authtoken/internal/apperrors"
	"github.com/nkiryanov/authtoken/internal/models"
	"github.com/nkiryanov/authtoken/internal/repository"
)

type RefreshTokenRepo struct {
	DB DBTX
}

const insertToken = `-- name: Insert Refresh Token
INSERT INTO refresh_tokens (token_id, subject_id, state, created_at, expires_at, rotated_at, revoked_at, successor_token_id)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
`

func (r *RefreshTokenRepo) Insert(ctx context.Context, record models.TokenRecord) error {
	_, err := r.DB.Exec(ctx, insertToken,
		record.TokenID, record.SubjectID, record.State, record.CreatedAt, record.ExpiresAt,
		record.RotatedAt, record.RevokedAt, record.SuccessorTokenID,
	)

	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return fmt.Errorf("token %s exists already: %w", record.TokenID, apperrors.ErrConflict)
		}
		return dbError(err)
	}

	return nil
}

const getToken = `-- name: GetToken by id
SELECT token_id, subject_id, state, created_at, expires_at, rotated_at, revoked_at, successor_token_id
FROM refresh_tokens
WHERE token_id = $1
`

// Get token
// It should return result whatever its state or expiry
func (r *RefreshTokenRepo) Get(ctx context.Context, tokenID string) (models.TokenRecord, error) {
	rows, _ := r.DB.Query(ctx, getToken, tokenID)
	record, err := pgx.CollectOneRow(rows, rowToRecord)

	switch {
	case err == nil:
		return record, nil
	case errors.Is(err, pgx.ErrNoRows):
		return record, fmt.Errorf("repo error: %w", apperrors.ErrUnknownToken)
	default:
		return record, dbError(err)
	}
}

const transitionToken = `-- name: Move token to state if it is in expected one
UPDATE refresh_tokens
SET state = $3,
    rotated_at = CASE WHEN $4::timestamptz IS NULL THEN rotated_at ELSE GREATEST($4::timestamptz, created_at) END,
    revoked_at = CASE WHEN $5::timestamptz IS NULL THEN revoked_at ELSE GREATEST($5::timestamptz, created_at) END
WHERE token_id = $1 AND state = $2
`

func (r *RefreshTokenRepo) Transition(ctx context.Context, tokenID string, from, to models.TokenState, now time.Time) error {
	if err := repository.CheckTransition(from, to); err != nil {
		return err
	}

	rotatedAt, revokedAt := repository.Stamps(to, now)
	tag, err := r.DB.Exec(ctx, transitionToken, tokenID, from, to, rotatedAt, revokedAt)
	if err != nil {
		return dbError(err)
	}
	if tag.RowsAffected() == 0 {
		return r.missedTransition(ctx, tokenID)
	}

	return nil
}

const rotateToken = `-- name: Rotate active token
UPDATE refresh_tokens
SET state = 'rotated', rotated_at = GREATEST($2::timestamptz, created_at), successor_token_id = $3
WHERE token_id = $1 AND state = 'active'
RETURNING rotated_at
`

// Rotate token and save its successor in one transaction
// Concurrent rotations of the same token are serialized by the row lock:
// the loser re-checks the state after the winner commits and gets ErrConflict
func (r *RefreshTokenRepo) Rotate(ctx context.Context, tokenID string, successor models.TokenRecord, now time.Time) error {
	return NewStorage(r.DB).InTx(ctx, func(s *Storage) error {
		repo := RefreshTokenRepo{DB: s.db}

		var rotatedAt time.Time
		err := s.db.QueryRow(ctx, rotateToken, tokenID, now, successor.TokenID).Scan(&rotatedAt)
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			return repo.missedTransition(ctx, tokenID)
		case err != nil:
			return dbError(err)
		}

		successor.CreatedAt = repository.NotBefore(successor.CreatedAt, rotatedAt)
		return repo.Insert(ctx, successor)
	})
}

const revokeAll = `-- name: Revoke all active subject tokens
UPDATE refresh_tokens
SET state = 'revoked', revoked_at = GREATEST($2::timestamptz, created_at)
WHERE subject_id = $1 AND state = 'active'
`

func (r *RefreshTokenRepo) RevokeAll(ctx context.Context, subjectID string, now time.Time) (int64, error) {
	tag, err := r.DB.Exec(ctx, revokeAll, subjectID, now)
	if err != nil {
		return 0, dbError(err)
	}
	return tag.RowsAffected(), nil
}

const deleteExpired = `-- name: Delete expired tokens
DELETE FROM refresh_tokens
WHERE expires_at < $1
`

func (r *RefreshTokenRepo) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	tag, err := r.DB.Exec(ctx, deleteExpired, before)
	if err != nil {
		return 0, dbError(err)
	}
	return tag.RowsAffected(), nil
}

const tokenExists = `-- name: Is token exists
SELECT EXISTS (SELECT 1 FROM refresh_tokens WHERE token_id = $1)
`

// Compare-and-set updated nothing: the token is either absent or in other state
func (r *RefreshTokenRepo) missedTransition(ctx context.Context, tokenID string) error {
	var exists bool
	if err := r.DB.QueryRow(ctx, tokenExists, tokenID).Scan(&exists); err != nil {
		return dbError(err)
	}
	if !exists {
		return fmt.Errorf("repo error: %w", apperrors.ErrUnknownToken)
	}
	return fmt.Errorf("repo error: %w", apperrors.ErrConflict)
}

func rowToRecord(row pgx.CollectableRow) (models.TokenRecord, error) {
	var t models.TokenRecord
	err := row.Scan(&t.TokenID, &t.SubjectID, &t.State, &t.CreatedAt, &t.ExpiresAt, &t.RotatedAt, &t.RevokedAt, &t.SuccessorTokenID)

	t.CreatedAt = t.CreatedAt.UTC()
	t.ExpiresAt = t.ExpiresAt.UTC()
	for _, ts := range []*time.Time{t.RotatedAt, t.RevokedAt} {
		if ts != nil {
			*ts = ts.UTC()
		}
	}

	return t, err
}
