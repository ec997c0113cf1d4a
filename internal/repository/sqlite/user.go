package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/nkiryanov/authtoken/internal/apperrors"
	"github.com/nkiryanov/authtoken/internal/models"
)

type UserRepo struct {
	DB DBTX
}

const createUser = `
INSERT INTO users (id, created_at, username, email, role, password_hash)
VALUES (?, ?, ?, ?, ?, ?)
`

func (r *UserRepo) CreateUser(ctx context.Context, user models.User) (models.User, error) {
	if user.ID == uuid.Nil {
		user.ID = uuid.New()
	}
	if user.Role == "" {
		user.Role = models.DefaultRole
	}
	user.CreatedAt = time.Now().UTC().Truncate(time.Microsecond)

	_, err := r.DB.ExecContext(ctx, createUser,
		user.ID.String(), user.CreatedAt.UnixMicro(), user.Username, user.Email, user.Role, user.HashedPassword,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return models.User{}, apperrors.ErrUserAlreadyExists
		}
		return models.User{}, dbError(err)
	}

	return user, nil
}

const selectUser = `
SELECT id, created_at, username, email, role, password_hash FROM users
`

func (r *UserRepo) GetUserByID(ctx context.Context, id uuid.UUID) (models.User, error) {
	return r.getUser(ctx, selectUser+"WHERE id = ?", id.String())
}

func (r *UserRepo) GetUserByUsername(ctx context.Context, username string) (models.User, error) {
	return r.getUser(ctx, selectUser+"WHERE username = ?", username)
}

func (r *UserRepo) getUser(ctx context.Context, query string, arg any) (models.User, error) {
	var (
		u         models.User
		id        string
		createdAt int64
	)

	err := r.DB.QueryRowContext(ctx, query, arg).Scan(&id, &createdAt, &u.Username, &u.Email, &u.Role, &u.HashedPassword)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return u, apperrors.ErrUserNotFound
	case err != nil:
		return u, dbError(err)
	}

	if u.ID, err = uuid.Parse(id); err != nil {
		return u, dbError(err)
	}
	u.CreatedAt = time.UnixMicro(createdAt).UTC()

	return u, nil
}
