package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/nkiryanov/authtoken/internal/apperrors"
	"github.com/nkiryanov/authtoken/internal/models"
	"github.com/nkiryanov/authtoken/internal/repository"
)

// Either *sql.DB or *sql.Tx
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type RefreshTokenRepo struct {
	DB DBTX
}

const insertToken = `
INSERT INTO refresh_tokens (token_id, subject_id, state, created_at, expires_at, rotated_at, revoked_at, successor_token_id)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
`

func (r *RefreshTokenRepo) Insert(ctx context.Context, record models.TokenRecord) error {
	_, err := r.DB.ExecContext(ctx, insertToken,
		record.TokenID, record.SubjectID, string(record.State),
		record.CreatedAt.UnixMicro(), record.ExpiresAt.UnixMicro(),
		nullMicro(record.RotatedAt), nullMicro(record.RevokedAt), nullString(record.SuccessorTokenID),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("token %s exists already: %w", record.TokenID, apperrors.ErrConflict)
		}
		return dbError(err)
	}
	return nil
}

const getToken = `
SELECT subject_id, state, created_at, expires_at, rotated_at, revoked_at, successor_token_id
FROM refresh_tokens
WHERE token_id = ?
`

func (r *RefreshTokenRepo) Get(ctx context.Context, tokenID string) (models.TokenRecord, error) {
	var (
		record               = models.TokenRecord{TokenID: tokenID}
		state                string
		createdAt, expiresAt int64
		rotatedAt, revokedAt sql.NullInt64
		successor            sql.NullString
	)

	err := r.DB.QueryRowContext(ctx, getToken, tokenID).
		Scan(&record.SubjectID, &state, &createdAt, &expiresAt, &rotatedAt, &revokedAt, &successor)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return record, fmt.Errorf("repo error: %w", apperrors.ErrUnknownToken)
	case err != nil:
		return record, dbError(err)
	}

	record.State = models.TokenState(state)
	record.CreatedAt = time.UnixMicro(createdAt).UTC()
	record.ExpiresAt = time.UnixMicro(expiresAt).UTC()
	record.RotatedAt = fromNullMicro(rotatedAt)
	record.RevokedAt = fromNullMicro(revokedAt)
	if successor.Valid {
		record.SuccessorTokenID = &successor.String
	}

	return record, nil
}

const transitionToken = `
UPDATE refresh_tokens
SET state = ?,
    rotated_at = COALESCE(MAX(?, created_at), rotated_at),
    revoked_at = COALESCE(MAX(?, created_at), revoked_at)
WHERE token_id = ? AND state = ?
`

func (r *RefreshTokenRepo) Transition(ctx context.Context, tokenID string, from, to models.TokenState, now time.Time) error {
	if err := repository.CheckTransition(from, to); err != nil {
		return err
	}

	rotatedAt, revokedAt := repository.Stamps(to, now)
	res, err := r.DB.ExecContext(ctx, transitionToken, string(to), nullMicro(rotatedAt), nullMicro(revokedAt), tokenID, string(from))
	if err != nil {
		return dbError(err)
	}

	return r.checkApplied(ctx, res, tokenID)
}

const rotateToken = `
UPDATE refresh_tokens
SET state = 'rotated', rotated_at = MAX(?, created_at), successor_token_id = ?
WHERE token_id = ? AND state = 'active'
RETURNING rotated_at
`

func (r *RefreshTokenRepo) rotate(ctx context.Context, tokenID string, successor models.TokenRecord, now time.Time) error {
	var rotatedAt int64
	err := r.DB.QueryRowContext(ctx, rotateToken, now.UnixMicro(), successor.TokenID, tokenID).Scan(&rotatedAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return r.missedTransition(ctx, tokenID)
	case err != nil:
		return dbError(err)
	}

	successor.CreatedAt = repository.NotBefore(successor.CreatedAt, time.UnixMicro(rotatedAt).UTC())
	return r.Insert(ctx, successor)
}

const revokeAll = `
UPDATE refresh_tokens
SET state = 'revoked', revoked_at = MAX(?, created_at)
WHERE subject_id = ? AND state = 'active'
`

func (r *RefreshTokenRepo) RevokeAll(ctx context.Context, subjectID string, now time.Time) (int64, error) {
	res, err := r.DB.ExecContext(ctx, revokeAll, now.UnixMicro(), subjectID)
	if err != nil {
		return 0, dbError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, dbError(err)
	}
	return n, nil
}

func (r *RefreshTokenRepo) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM refresh_tokens WHERE expires_at < ?`, before.UnixMicro())
	if err != nil {
		return 0, dbError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, dbError(err)
	}
	return n, nil
}

// Compare-and-set updated nothing: the token is either absent or in other state
func (r *RefreshTokenRepo) checkApplied(ctx context.Context, res sql.Result, tokenID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return dbError(err)
	}
	if n > 0 {
		return nil
	}
	return r.missedTransition(ctx, tokenID)
}

func (r *RefreshTokenRepo) missedTransition(ctx context.Context, tokenID string) error {
	var exists bool
	err := r.DB.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM refresh_tokens WHERE token_id = ?)`, tokenID).Scan(&exists)
	if err != nil {
		return dbError(err)
	}
	if !exists {
		return fmt.Errorf("repo error: %w", apperrors.ErrUnknownToken)
	}
	return fmt.Errorf("repo error: %w", apperrors.ErrConflict)
}

func nullMicro(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMicro(), Valid: true}
}

func fromNullMicro(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMicro(v.Int64).UTC()
	return &t
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) &&
		(sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique || sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey)
}

func dbError(err error) error {
	return fmt.Errorf("%w: db error: %w", apperrors.ErrStoreUnavailable, err)
}
