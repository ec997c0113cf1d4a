package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/nkiryanov/authtoken/internal/apperrors"
	"github.com/nkiryanov/authtoken/internal/models"
)

type UserRepo struct {
	DB DBTX
}

const createUser = `-- name: CreateUser
INSERT INTO users (id, username, email, role, password_hash)
VALUES ($1, $2, $3, $4, $5)
RETURNING id, created_at, username, email, role, password_hash
`

// Create user. Zero ID is replaced with a new one, empty role with the default
func (r *UserRepo) CreateUser(ctx context.Context, user models.User) (models.User, error) {
	if user.ID == uuid.Nil {
		user.ID = uuid.New()
	}
	if user.Role == "" {
		user.Role = models.DefaultRole
	}

	rows, _ := r.DB.Query(ctx, createUser, user.ID, user.Username, user.Email, user.Role, user.HashedPassword)
	created, err := pgx.CollectOneRow(rows, rowToUser)

	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return created, apperrors.ErrUserAlreadyExists
		}

		return created, dbError(err)
	}

	return created, nil
}

const getUserByID = `-- name: getUserByID
SELECT id, created_at, username, email, role, password_hash FROM users
WHERE id = $1
`

func (r *UserRepo) GetUserByID(ctx context.Context, id uuid.UUID) (models.User, error) {
	rows, _ := r.DB.Query(ctx, getUserByID, id)
	user, err := pgx.CollectOneRow(rows, rowToUser)

	switch {
	case err == nil:
		return user, nil
	case errors.Is(err, pgx.ErrNoRows):
		return user, apperrors.ErrUserNotFound
	default:
		return user, fmt.Errorf("user lookup failed: %w", dbError(err))
	}
}

const getUserByUsername = `-- name: getUserByUsername
SELECT id, created_at, username, email, role, password_hash FROM users
WHERE username = $1
`

func (r *UserRepo) GetUserByUsername(ctx context.Context, username string) (models.User, error) {
	rows, _ := r.DB.Query(ctx, getUserByUsername, username)
	user, err := pgx.CollectOneRow(rows, rowToUser)

	switch {
	case err == nil:
		return user, nil
	case errors.Is(err, pgx.ErrNoRows):
		return user, apperrors.ErrUserNotFound
	default:
		return user, fmt.Errorf("user lookup failed: %w", dbError(err))
	}
}

func rowToUser(row pgx.CollectableRow) (models.User, error) {
	var u models.User
	err := row.Scan(&u.ID, &u.CreatedAt, &u.Username, &u.Email, &u.Role, &u.HashedPassword)
	return u, err
}
