package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/nkiryanov/authtoken/internal/apperrors"
	"github.com/nkiryanov/authtoken/internal/models"
	"github.com/nkiryanov/authtoken/internal/repository"
)

// Record is a hash at <prefix>:rt:<token id>
// Every state change runs as a Lua script, so check and update are one atomic step.
// Scripts clamp rotated/revoked stamps to the record creation time.
// Scripts touch keys derived from arguments: use standalone redis, not a cluster.

const (
	casNotFound int64 = 0
	casMismatch int64 = 1
	casApplied  int64 = 2
	casExists   int64 = 3
)

const insertScript = `
if redis.call("EXISTS", KEYS[1]) == 1 then
  return 3
end
redis.call("HSET", KEYS[1], "sub", ARGV[2], "state", ARGV[3], "created", ARGV[4], "expires", ARGV[5],
  "rotated", ARGV[6], "revoked", ARGV[7], "successor", ARGV[8])
redis.call("SADD", KEYS[2], ARGV[1])
redis.call("ZADD", KEYS[3], ARGV[5], ARGV[1])
return 2
`

const transitionScript = `
local state = redis.call("HGET", KEYS[1], "state")
if not state then
  return 0
end
if state ~= ARGV[1] then
  return 1
end
local created = redis.call("HGET", KEYS[1], "created")
local stamp = ARGV[4]
if tonumber(stamp) < tonumber(created) then
  stamp = created
end
redis.call("HSET", KEYS[1], "state", ARGV[2], ARGV[3], stamp)
return 2
`

const rotateScript = `
local state = redis.call("HGET", KEYS[1], "state")
if not state then
  return 0
end
if state ~= "active" then
  return 1
end
if redis.call("EXISTS", KEYS[2]) == 1 then
  return 3
end
local created = redis.call("HGET", KEYS[1], "created")
local rotated = ARGV[1]
if tonumber(rotated) < tonumber(created) then
  rotated = created
end
local born = ARGV[5]
if tonumber(born) < tonumber(rotated) then
  born = rotated
end
redis.call("HSET", KEYS[1], "state", "rotated", "rotated", rotated, "successor", ARGV[2])
redis.call("HSET", KEYS[2], "sub", ARGV[3], "state", ARGV[4], "created", born, "expires", ARGV[6],
  "rotated", "", "revoked", "", "successor", "")
redis.call("SADD", KEYS[3], ARGV[2])
redis.call("ZADD", KEYS[4], ARGV[6], ARGV[2])
return 2
`

const revokeAllScript = `
local ids = redis.call("SMEMBERS", KEYS[1])
local n = 0
for _, id in ipairs(ids) do
  local key = ARGV[1] .. id
  if redis.call("HGET", key, "state") == "active" then
    local stamp = ARGV[2]
    local created = redis.call("HGET", key, "created")
    if tonumber(stamp) < tonumber(created) then
      stamp = created
    end
    redis.call("HSET", key, "state", "revoked", "revoked", stamp)
    n = n + 1
  end
end
return n
`

const deleteExpiredScript = `
local ids = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", "(" .. ARGV[3])
for _, id in ipairs(ids) do
  local key = ARGV[1] .. id
  local sub = redis.call("HGET", key, "sub")
  if sub then
    redis.call("SREM", ARGV[2] .. sub, id)
  end
  redis.call("DEL", key)
end
redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", "(" .. ARGV[3])
return #ids
`

var (
	insertLua        = goredis.NewScript(insertScript)
	transitionLua    = goredis.NewScript(transitionScript)
	rotateLua        = goredis.NewScript(rotateScript)
	revokeAllLua     = goredis.NewScript(revokeAllScript)
	deleteExpiredLua = goredis.NewScript(deleteExpiredScript)
)

type RefreshTokenRepo struct {
	Client goredis.UniversalClient
	Prefix string
}

func (r *RefreshTokenRepo) recordPrefix() string  { return r.Prefix + ":rt:" }
func (r *RefreshTokenRepo) subjectPrefix() string { return r.Prefix + ":rts:" }
func (r *RefreshTokenRepo) expiryKey() string     { return r.Prefix + ":rtexp" }

func (r *RefreshTokenRepo) recordKey(tokenID string) string {
	return r.recordPrefix() + tokenID
}

func (r *RefreshTokenRepo) subjectKey(subjectID string) string {
	return r.subjectPrefix() + subjectID
}

func (r *RefreshTokenRepo) Insert(ctx context.Context, record models.TokenRecord) error {
	status, err := insertLua.Run(ctx, r.Client,
		[]string{r.recordKey(record.TokenID), r.subjectKey(record.SubjectID), r.expiryKey()},
		record.TokenID,
		record.SubjectID,
		string(record.State),
		encodeTime(&record.CreatedAt),
		encodeTime(&record.ExpiresAt),
		encodeTime(record.RotatedAt),
		encodeTime(record.RevokedAt),
		deref(record.SuccessorTokenID),
	).Int64()
	if err != nil {
		return redisError(err)
	}
	if status == casExists {
		return fmt.Errorf("token %s exists already: %w", record.TokenID, apperrors.ErrConflict)
	}
	return nil
}

func (r *RefreshTokenRepo) Get(ctx context.Context, tokenID string) (models.TokenRecord, error) {
	fields, err := r.Client.HGetAll(ctx, r.recordKey(tokenID)).Result()
	if err != nil {
		return models.TokenRecord{}, redisError(err)
	}
	if len(fields) == 0 {
		return models.TokenRecord{}, fmt.Errorf("repo error: %w", apperrors.ErrUnknownToken)
	}

	return parseRecord(tokenID, fields)
}

func (r *RefreshTokenRepo) Transition(ctx context.Context, tokenID string, from, to models.TokenState, now time.Time) error {
	if err := repository.CheckTransition(from, to); err != nil {
		return err
	}

	stamp := "revoked"
	if to == models.TokenStateRotated {
		stamp = "rotated"
	}

	status, err := transitionLua.Run(ctx, r.Client,
		[]string{r.recordKey(tokenID)},
		string(from), string(to), stamp, encodeTime(&now),
	).Int64()
	if err != nil {
		return redisError(err)
	}

	return casResult(status)
}

func (r *RefreshTokenRepo) Rotate(ctx context.Context, tokenID string, successor models.TokenRecord, now time.Time) error {
	status, err := rotateLua.Run(ctx, r.Client,
		[]string{r.recordKey(tokenID), r.recordKey(successor.TokenID), r.subjectKey(successor.SubjectID), r.expiryKey()},
		encodeTime(&now),
		successor.TokenID,
		successor.SubjectID,
		string(successor.State),
		encodeTime(&successor.CreatedAt),
		encodeTime(&successor.ExpiresAt),
	).Int64()
	if err != nil {
		return redisError(err)
	}

	return casResult(status)
}

func (r *RefreshTokenRepo) RevokeAll(ctx context.Context, subjectID string, now time.Time) (int64, error) {
	n, err := revokeAllLua.Run(ctx, r.Client,
		[]string{r.subjectKey(subjectID)},
		r.recordPrefix(), encodeTime(&now),
	).Int64()
	if err != nil {
		return 0, redisError(err)
	}
	return n, nil
}

func (r *RefreshTokenRepo) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	n, err := deleteExpiredLua.Run(ctx, r.Client,
		[]string{r.expiryKey()},
		r.recordPrefix(), r.subjectPrefix(), encodeTime(&before),
	).Int64()
	if err != nil {
		return 0, redisError(err)
	}
	return n, nil
}

func casResult(status int64) error {
	switch status {
	case casApplied:
		return nil
	case casNotFound:
		return fmt.Errorf("repo error: %w", apperrors.ErrUnknownToken)
	case casMismatch, casExists:
		return fmt.Errorf("repo error: %w", apperrors.ErrConflict)
	default:
		return fmt.Errorf("%w: unexpected script status %d", apperrors.ErrStoreUnavailable, status)
	}
}

func parseRecord(tokenID string, fields map[string]string) (models.TokenRecord, error) {
	record := models.TokenRecord{
		TokenID:   tokenID,
		SubjectID: fields["sub"],
		State:     models.TokenState(fields["state"]),
	}

	var err error
	if record.CreatedAt, err = decodeTime(fields["created"]); err != nil {
		return record, err
	}
	if record.ExpiresAt, err = decodeTime(fields["expires"]); err != nil {
		return record, err
	}
	if record.RotatedAt, err = decodeOptionalTime(fields["rotated"]); err != nil {
		return record, err
	}
	if record.RevokedAt, err = decodeOptionalTime(fields["revoked"]); err != nil {
		return record, err
	}
	if successor := fields["successor"]; successor != "" {
		record.SuccessorTokenID = &successor
	}

	return record, nil
}

// Times are stored as unix microseconds, same precision as postgres
func encodeTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return strconv.FormatInt(t.UnixMicro(), 10)
}

func decodeTime(s string) (time.Time, error) {
	micro, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: broken time value %q", apperrors.ErrStoreUnavailable, s)
	}
	return time.UnixMicro(micro).UTC(), nil
}

func decodeOptionalTime(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := decodeTime(s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func redisError(err error) error {
	if errors.Is(err, apperrors.ErrStoreUnavailable) {
		return err
	}
	return fmt.Errorf("%w: redis error: %w", apperrors.ErrStoreUnavailable, err)
}
