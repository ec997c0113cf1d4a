package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/nkiryanov/authtoken/internal/apperrors"
	"github.com/nkiryanov/authtoken/internal/models"
)

// Username index and user hash are written together or not at all
const createUserScript = `
if redis.call("SETNX", KEYS[2], ARGV[1]) == 0 then
  return 0
end
redis.call("HSET", KEYS[1], "created", ARGV[2], "username", ARGV[3], "email", ARGV[4], "role", ARGV[5], "password", ARGV[6])
return 1
`

var createUserLua = goredis.NewScript(createUserScript)

type UserRepo struct {
	Client goredis.UniversalClient
	Prefix string
}

func (r *UserRepo) userKey(id uuid.UUID) string {
	return r.Prefix + ":user:" + id.String()
}

func (r *UserRepo) usernameKey(username string) string {
	return r.Prefix + ":username:" + username
}

func (r *UserRepo) CreateUser(ctx context.Context, user models.User) (models.User, error) {
	if user.ID == uuid.Nil {
		user.ID = uuid.New()
	}
	if user.Role == "" {
		user.Role = models.DefaultRole
	}
	user.CreatedAt = time.Now().UTC().Truncate(time.Microsecond)

	created, err := createUserLua.Run(ctx, r.Client,
		[]string{r.userKey(user.ID), r.usernameKey(user.Username)},
		user.ID.String(),
		encodeTime(&user.CreatedAt),
		user.Username,
		user.Email,
		user.Role,
		user.HashedPassword,
	).Int64()
	if err != nil {
		return models.User{}, redisError(err)
	}
	if created == 0 {
		return models.User{}, apperrors.ErrUserAlreadyExists
	}

	return user, nil
}

func (r *UserRepo) GetUserByID(ctx context.Context, id uuid.UUID) (models.User, error) {
	fields, err := r.Client.HGetAll(ctx, r.userKey(id)).Result()
	if err != nil {
		return models.User{}, redisError(err)
	}
	if len(fields) == 0 {
		return models.User{}, apperrors.ErrUserNotFound
	}

	createdAt, err := decodeTime(fields["created"])
	if err != nil {
		return models.User{}, err
	}

	return models.User{
		ID:             id,
		CreatedAt:      createdAt,
		Username:       fields["username"],
		Email:          fields["email"],
		Role:           fields["role"],
		HashedPassword: fields["password"],
	}, nil
}

func (r *UserRepo) GetUserByUsername(ctx context.Context, username string) (models.User, error) {
	raw, err := r.Client.Get(ctx, r.usernameKey(username)).Result()
	switch {
	case errors.Is(err, goredis.Nil):
		return models.User{}, apperrors.ErrUserNotFound
	case err != nil:
		return models.User{}, redisError(err)
	}

	id, err := uuid.Parse(raw)
	if err != nil {
		return models.User{}, fmt.Errorf("broken username index for %q: %w", username, err)
	}

	return r.GetUserByID(ctx, id)
}
