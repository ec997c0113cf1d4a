package tokenmanager

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nkiryanov/authtoken/internal/apperrors"
	"github.com/nkiryanov/authtoken/internal/logger"
	"github.com/nkiryanov/authtoken/internal/models"
	"github.com/nkiryanov/authtoken/internal/repository"
	"github.com/nkiryanov/authtoken/internal/repository/redis"
	"github.com/nkiryanov/authtoken/internal/testutil"
	"github.com/nkiryanov/authtoken/internal/token/jws"
)

const testSecret = "test-secret-key-32-bytes-long!!!"

var (
	issuedAt = time.Date(2024, 4, 1, 12, 0, 0, 0, time.UTC)
	subject  = models.Subject{ID: "u1", Email: "u1@example.com", Role: "admin"}
)

// Store spy counting lookups
type countingStore struct {
	repository.RefreshStore
	gets atomic.Int64
}

func (s *countingStore) Get(ctx context.Context, tokenID string) (models.TokenRecord, error) {
	s.gets.Add(1)
	return s.RefreshStore.Get(ctx, tokenID)
}

type env struct {
	m     *TokenManager
	store *countingStore
	redis *miniredis.Miniredis
	logs  *bytes.Buffer
}

func newEnv(t *testing.T, cfg Config) env {
	t.Helper()

	mr, client := testutil.StartRedis(t)
	store := &countingStore{RefreshStore: redis.NewStorage(client, "test").Refresh()}

	var logs bytes.Buffer
	l, err := logger.NewWriterLogger(&logs, logger.FormatJSON, logger.LevelDebug)
	require.NoError(t, err)

	if cfg.Key.Alg() == "" {
		cfg.Key = mustKey(t, testSecret)
	}
	cfg.Logger = l

	m, err := New(cfg, store)
	require.NoError(t, err, "token manager should be created without errors")

	return env{m: m, store: store, redis: mr, logs: &logs}
}

func mustKey(t *testing.T, secret string) jws.Key {
	t.Helper()
	key, err := jws.NewKey(jws.AlgHS256, []byte(secret), nil)
	require.NoError(t, err)
	return key
}

// Log entries with the event attribute
func events(t *testing.T, logs *bytes.Buffer, event string) []map[string]any {
	t.Helper()

	var found []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(logs.String()), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &entry), "log line must be json: %s", line)
		if entry["event"] == event {
			found = append(found, entry)
		}
	}
	return found
}

func Test_TokenManager_New(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		m, err := New(Config{Key: mustKey(t, testSecret)}, &countingStore{})

		require.NoError(t, err)
		require.Equal(t, DefaultAccessTTL, m.AccessTTL(), "default access token TTL should be set")
		require.Equal(t, DefaultRefreshTTL, m.RefreshTTL(), "default refresh token TTL should be set")
		require.Zero(t, m.clockSkew, "no skew tolerance by default")
		require.NotNil(t, m.logger)
	})

	tests := []struct {
		name  string
		cfg   Config
		store repository.RefreshStore
	}{
		{"no key", Config{}, &countingStore{}},
		{"no store", Config{Key: mustKey(t, testSecret)}, nil},
		{"negative skew", Config{Key: mustKey(t, testSecret), ClockSkew: -time.Second}, &countingStore{}},
		{"sub-second ttl", Config{Key: mustKey(t, testSecret), AccessTTL: time.Millisecond}, &countingStore{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg, tt.store)

			require.Error(t, err)
		})
	}
}

func Test_TokenManager_IssuePair(t *testing.T) {
	t.Run("return token pair", func(t *testing.T) {
		e := newEnv(t, Config{})

		pair, err := e.m.IssuePair(t.Context(), subject, issuedAt.Add(500*time.Millisecond))

		require.NoError(t, err)
		assert.NotEmpty(t, pair.Access.Value, "access token should not be empty")
		assert.NotEmpty(t, pair.Refresh.Value, "refresh token should not be empty")
		assert.Equal(t, issuedAt.Add(time.Hour), pair.Access.ExpiresAt, "issue time must be truncated to seconds")
		assert.Equal(t, issuedAt.Add(7*24*time.Hour), pair.Refresh.ExpiresAt)

		record, err := e.store.Get(t.Context(), pair.RefreshID)
		require.NoError(t, err, "refresh token must be saved before pair is returned")
		assert.Equal(t, models.TokenStateActive, record.State)
		assert.Equal(t, subject.ID, record.SubjectID)
		assert.True(t, pair.Refresh.ExpiresAt.Equal(record.ExpiresAt))
	})

	t.Run("claims", func(t *testing.T) {
		e := newEnv(t, Config{})
		pair, err := e.m.IssuePair(t.Context(), subject, issuedAt)
		require.NoError(t, err)

		access, err := e.m.Parse(pair.Access.Value, models.TokenKindAccess)
		require.NoError(t, err)
		assert.Equal(t, models.ClaimSet{
			SubjectID: "u1",
			Email:     "u1@example.com",
			Role:      "admin",
			Kind:      models.TokenKindAccess,
			IssuedAt:  issuedAt,
			ExpiresAt: issuedAt.Add(time.Hour),
		}, access, "access token has no token id")

		refresh, err := e.m.Parse(pair.Refresh.Value, models.TokenKindRefresh)
		require.NoError(t, err)
		assert.Equal(t, pair.RefreshID, refresh.TokenID)
		assert.Equal(t, models.TokenKindRefresh, refresh.Kind)
	})

	t.Run("fractional lifetimes are cut to seconds", func(t *testing.T) {
		e := newEnv(t, Config{AccessTTL: 1500 * time.Millisecond, RefreshTTL: 90500 * time.Millisecond})

		pair, err := e.m.IssuePair(t.Context(), subject, issuedAt)
		require.NoError(t, err)

		require.Equal(t, issuedAt.Add(time.Second), pair.Access.ExpiresAt)
		require.Equal(t, issuedAt.Add(90*time.Second), pair.Refresh.ExpiresAt)
		_, err = e.m.Validate(t.Context(), pair.Access.Value, models.TokenKindAccess, issuedAt)
		require.NoError(t, err, "access token must stay valid within its lifetime")
	})

	t.Run("default role", func(t *testing.T) {
		e := newEnv(t, Config{})
		pair, err := e.m.IssuePair(t.Context(), models.Subject{ID: "u2"}, issuedAt)
		require.NoError(t, err)

		c, err := e.m.Validate(t.Context(), pair.Access.Value, models.TokenKindAccess, issuedAt)

		require.NoError(t, err)
		assert.Equal(t, models.DefaultRole, c.Role)
	})

	t.Run("generate different tokens", func(t *testing.T) {
		e := newEnv(t, Config{})

		pair1, err := e.m.IssuePair(t.Context(), subject, issuedAt)
		require.NoError(t, err)
		pair2, err := e.m.IssuePair(t.Context(), subject, issuedAt)
		require.NoError(t, err)

		assert.NotEqual(t, pair1.RefreshID, pair2.RefreshID)
		assert.NotEqual(t, pair1.Refresh.Value, pair2.Refresh.Value, "refresh tokens should be different")
	})

	t.Run("empty subject", func(t *testing.T) {
		e := newEnv(t, Config{})

		_, err := e.m.IssuePair(t.Context(), models.Subject{}, issuedAt)

		require.Error(t, err)
	})

	t.Run("store down returns nothing", func(t *testing.T) {
		e := newEnv(t, Config{})
		e.redis.Close()

		pair, err := e.m.IssuePair(t.Context(), subject, issuedAt)

		require.ErrorIs(t, err, apperrors.ErrStoreUnavailable)
		require.Empty(t, pair.Access.Value, "no token may leave without ledger record")
		require.Empty(t, pair.Refresh.Value)
	})
}

func Test_TokenManager_Validate(t *testing.T) {
	t.Run("access expiry boundary", func(t *testing.T) {
		e := newEnv(t, Config{AccessTTL: time.Hour})
		pair, err := e.m.IssuePair(t.Context(), subject, issuedAt)
		require.NoError(t, err)

		_, err = e.m.Validate(t.Context(), pair.Access.Value, models.TokenKindAccess, issuedAt.Add(3599*time.Second))
		require.NoError(t, err, "token is valid one second before expiry")

		_, err = e.m.Validate(t.Context(), pair.Access.Value, models.TokenKindAccess, issuedAt.Add(3600*time.Second))
		require.ErrorIs(t, err, apperrors.ErrExpired, "token is expired exactly at expires_at")

		_, err = e.m.Validate(t.Context(), pair.Access.Value, models.TokenKindAccess, issuedAt.Add(3601*time.Second))
		require.ErrorIs(t, err, apperrors.ErrExpired)
	})

	t.Run("clock skew", func(t *testing.T) {
		e := newEnv(t, Config{AccessTTL: time.Hour, ClockSkew: 5 * time.Second})
		pair, err := e.m.IssuePair(t.Context(), subject, issuedAt)
		require.NoError(t, err)

		_, err = e.m.Validate(t.Context(), pair.Access.Value, models.TokenKindAccess, issuedAt.Add(3604*time.Second))
		require.NoError(t, err, "token is valid within skew tolerance")

		_, err = e.m.Validate(t.Context(), pair.Access.Value, models.TokenKindAccess, issuedAt.Add(3605*time.Second))
		require.ErrorIs(t, err, apperrors.ErrExpired)
	})

	t.Run("access never touches store", func(t *testing.T) {
		e := newEnv(t, Config{})
		pair, err := e.m.IssuePair(t.Context(), subject, issuedAt)
		require.NoError(t, err)
		e.redis.Close()

		_, err = e.m.Validate(t.Context(), pair.Access.Value, models.TokenKindAccess, issuedAt)

		require.NoError(t, err, "access validation must survive store outage")
		require.Zero(t, e.store.gets.Load())
	})

	t.Run("refresh with store down", func(t *testing.T) {
		e := newEnv(t, Config{})
		pair, err := e.m.IssuePair(t.Context(), subject, issuedAt)
		require.NoError(t, err)
		e.redis.Close()

		_, err = e.m.Validate(t.Context(), pair.Refresh.Value, models.TokenKindRefresh, issuedAt)

		require.ErrorIs(t, err, apperrors.ErrStoreUnavailable)
		require.False(t, apperrors.IsUnauthenticated(err), "outage is not a verdict on the token")
	})

	t.Run("wrong kind", func(t *testing.T) {
		e := newEnv(t, Config{})
		pair, err := e.m.IssuePair(t.Context(), subject, issuedAt)
		require.NoError(t, err)

		_, err = e.m.Validate(t.Context(), pair.Access.Value, models.TokenKindRefresh, issuedAt)
		require.ErrorIs(t, err, apperrors.ErrWrongTokenKind)

		_, err = e.m.Validate(t.Context(), pair.Refresh.Value, models.TokenKindAccess, issuedAt)
		require.ErrorIs(t, err, apperrors.ErrWrongTokenKind)
	})

	t.Run("other key", func(t *testing.T) {
		e := newEnv(t, Config{})
		other := newEnv(t, Config{Key: mustKey(t, "another-secret-key-of-32-bytes!!")})
		pair, err := other.m.IssuePair(t.Context(), subject, issuedAt)
		require.NoError(t, err)

		_, err = e.m.Validate(t.Context(), pair.Access.Value, models.TokenKindAccess, issuedAt)

		require.ErrorIs(t, err, apperrors.ErrBadSignature)
	})

	t.Run("garbage", func(t *testing.T) {
		e := newEnv(t, Config{})

		_, err := e.m.Validate(t.Context(), "not-a-token", models.TokenKindAccess, issuedAt)

		require.ErrorIs(t, err, apperrors.ErrBadSignature)
		require.True(t, apperrors.IsUnauthenticated(err))
	})

	t.Run("unknown refresh token", func(t *testing.T) {
		e := newEnv(t, Config{})
		pair, _, err := e.m.Mint(subject, issuedAt)
		require.NoError(t, err)

		_, err = e.m.Validate(t.Context(), pair.Refresh.Value, models.TokenKindRefresh, issuedAt)

		require.ErrorIs(t, err, apperrors.ErrUnknownToken, "minted but never saved token is unknown")
	})

	t.Run("verify only key", func(t *testing.T) {
		public, private, err := ed25519.GenerateKey(rand.Reader)
		require.NoError(t, err)
		signing, err := jws.NewKey(jws.AlgEdDSA, private, nil)
		require.NoError(t, err)
		verifying, err := jws.NewKey(jws.AlgEdDSA, nil, public)
		require.NoError(t, err)

		issuer := newEnv(t, Config{Key: signing})
		validator := newEnv(t, Config{Key: verifying})
		pair, err := issuer.m.IssuePair(t.Context(), subject, issuedAt)
		require.NoError(t, err)

		c, err := validator.m.Validate(t.Context(), pair.Access.Value, models.TokenKindAccess, issuedAt)
		require.NoError(t, err)
		require.Equal(t, subject.ID, c.SubjectID)

		_, err = validator.m.IssuePair(t.Context(), subject, issuedAt)
		require.Error(t, err, "public key must not issue tokens")
	})
}

func Test_TokenManager_Refresh(t *testing.T) {
	t.Run("rotate once ok", func(t *testing.T) {
		e := newEnv(t, Config{})
		initial, err := e.m.IssuePair(t.Context(), subject, issuedAt)
		require.NoError(t, err)

		next, err := e.m.Refresh(t.Context(), initial.Refresh.Value, issuedAt.Add(time.Minute))

		require.NoError(t, err)
		require.NotEqual(t, initial.RefreshID, next.RefreshID)

		old, err := e.store.Get(t.Context(), initial.RefreshID)
		require.NoError(t, err)
		require.Equal(t, models.TokenStateRotated, old.State)
		require.NotNil(t, old.SuccessorTokenID)
		require.Equal(t, next.RefreshID, *old.SuccessorTokenID, "lineage must link to the new token")

		c, err := e.m.Validate(t.Context(), next.Access.Value, models.TokenKindAccess, issuedAt.Add(time.Minute))
		require.NoError(t, err)
		require.Equal(t, subject.Email, c.Email, "subject attributes are carried over")
		require.Equal(t, subject.Role, c.Role)
	})

	t.Run("clock behind issuer keeps ledger ordered", func(t *testing.T) {
		e := newEnv(t, Config{})
		initial, err := e.m.IssuePair(t.Context(), subject, issuedAt)
		require.NoError(t, err)

		next, err := e.m.Refresh(t.Context(), initial.Refresh.Value, issuedAt.Add(-10*time.Second))
		require.NoError(t, err)

		old, err := e.store.Get(t.Context(), initial.RefreshID)
		require.NoError(t, err)
		require.NotNil(t, old.RotatedAt)
		require.False(t, old.RotatedAt.Before(old.CreatedAt), "rotated at %s precedes created at %s", *old.RotatedAt, old.CreatedAt)

		successor, err := e.store.Get(t.Context(), next.RefreshID)
		require.NoError(t, err)
		require.False(t, successor.CreatedAt.Before(*old.RotatedAt), "successor is created after its predecessor is rotated")
	})

	t.Run("replay revokes lineage", func(t *testing.T) {
		e := newEnv(t, Config{})
		initial, err := e.m.IssuePair(t.Context(), subject, issuedAt)
		require.NoError(t, err)
		next, err := e.m.Refresh(t.Context(), initial.Refresh.Value, issuedAt.Add(time.Minute))
		require.NoError(t, err)

		_, err = e.m.Refresh(t.Context(), initial.Refresh.Value, issuedAt.Add(2*time.Minute))
		require.ErrorIs(t, err, apperrors.ErrTokenReused)

		_, err = e.m.Validate(t.Context(), next.Refresh.Value, models.TokenKindRefresh, issuedAt.Add(2*time.Minute))
		require.ErrorIs(t, err, apperrors.ErrTokenRevoked, "legitimate successor must be revoked too")

		reuse := events(t, e.logs, "refresh_token_reuse")
		require.Len(t, reuse, 1)
		require.Equal(t, "WARN", reuse[0]["level"])
		require.Equal(t, subject.ID, reuse[0]["subject_id"])
		require.Equal(t, initial.RefreshID, reuse[0]["token_id"])
	})

	t.Run("expired refresh token", func(t *testing.T) {
		e := newEnv(t, Config{RefreshTTL: time.Hour})
		initial, err := e.m.IssuePair(t.Context(), subject, issuedAt)
		require.NoError(t, err)

		_, err = e.m.Refresh(t.Context(), initial.Refresh.Value, issuedAt.Add(time.Hour))

		require.ErrorIs(t, err, apperrors.ErrExpired)
		require.Empty(t, events(t, e.logs, "refresh_token_reuse"), "expiry is not reuse")
	})

	t.Run("revoked refresh token", func(t *testing.T) {
		e := newEnv(t, Config{})
		initial, err := e.m.IssuePair(t.Context(), subject, issuedAt)
		require.NoError(t, err)
		require.NoError(t, e.m.Logout(t.Context(), initial.RefreshID, issuedAt))

		_, err = e.m.Refresh(t.Context(), initial.Refresh.Value, issuedAt)

		require.ErrorIs(t, err, apperrors.ErrTokenRevoked)
	})

	t.Run("access token refused", func(t *testing.T) {
		e := newEnv(t, Config{})
		initial, err := e.m.IssuePair(t.Context(), subject, issuedAt)
		require.NoError(t, err)

		_, err = e.m.Refresh(t.Context(), initial.Access.Value, issuedAt)

		require.ErrorIs(t, err, apperrors.ErrWrongTokenKind)
	})

	t.Run("concurrent refresh has one winner", func(t *testing.T) {
		const racers = 16
		e := newEnv(t, Config{})
		initial, err := e.m.IssuePair(t.Context(), subject, issuedAt)
		require.NoError(t, err)

		pairs := make([]models.TokenPair, racers)
		errs := make([]error, racers)
		start := make(chan struct{})
		var wg sync.WaitGroup
		for i := range racers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				pairs[i], errs[i] = e.m.Refresh(t.Context(), initial.Refresh.Value, issuedAt.Add(time.Minute))
			}()
		}
		close(start)
		wg.Wait()

		var winner *models.TokenPair
		for i, err := range errs {
			if err == nil {
				require.Nil(t, winner, "only one refresh may succeed")
				winner = &pairs[i]
				continue
			}
			require.ErrorIs(t, err, apperrors.ErrTokenReused)
		}
		require.NotNil(t, winner, "one refresh must succeed")

		_, err = e.m.Validate(t.Context(), winner.Refresh.Value, models.TokenKindRefresh, issuedAt.Add(time.Minute))
		require.ErrorIs(t, err, apperrors.ErrTokenRevoked, "race loser must revoke the winner lineage")
		require.NotEmpty(t, events(t, e.logs, "refresh_token_reuse"))
	})

	t.Run("store down", func(t *testing.T) {
		e := newEnv(t, Config{})
		initial, err := e.m.IssuePair(t.Context(), subject, issuedAt)
		require.NoError(t, err)
		e.redis.Close()

		_, err = e.m.Refresh(t.Context(), initial.Refresh.Value, issuedAt)

		require.ErrorIs(t, err, apperrors.ErrStoreUnavailable)
	})
}

func Test_TokenManager_Logout(t *testing.T) {
	t.Run("idempotent", func(t *testing.T) {
		e := newEnv(t, Config{})
		pair, err := e.m.IssuePair(t.Context(), subject, issuedAt)
		require.NoError(t, err)

		require.NoError(t, e.m.Logout(t.Context(), pair.RefreshID, issuedAt))
		require.NoError(t, e.m.Logout(t.Context(), pair.RefreshID, issuedAt), "second logout must succeed too")

		_, err = e.m.Validate(t.Context(), pair.Refresh.Value, models.TokenKindRefresh, issuedAt)
		require.ErrorIs(t, err, apperrors.ErrTokenRevoked)
	})

	t.Run("unknown token", func(t *testing.T) {
		e := newEnv(t, Config{})

		err := e.m.Logout(t.Context(), "no-such-token", issuedAt)

		require.ErrorIs(t, err, apperrors.ErrUnknownToken)
	})

	t.Run("by token value", func(t *testing.T) {
		e := newEnv(t, Config{RefreshTTL: time.Hour})
		pair, err := e.m.IssuePair(t.Context(), subject, issuedAt)
		require.NoError(t, err)

		err = e.m.LogoutToken(t.Context(), pair.Refresh.Value, issuedAt.Add(2*time.Hour))
		require.NoError(t, err, "expired token may still log out")

		record, err := e.store.Get(t.Context(), pair.RefreshID)
		require.NoError(t, err)
		require.Equal(t, models.TokenStateRevoked, record.State)

		err = e.m.LogoutToken(t.Context(), pair.Access.Value, issuedAt)
		require.ErrorIs(t, err, apperrors.ErrWrongTokenKind)
	})

	t.Run("revoke all", func(t *testing.T) {
		e := newEnv(t, Config{})
		var pairs []models.TokenPair
		for range 3 {
			pair, err := e.m.IssuePair(t.Context(), subject, issuedAt)
			require.NoError(t, err)
			pairs = append(pairs, pair)
		}
		other, err := e.m.IssuePair(t.Context(), models.Subject{ID: "u2"}, issuedAt)
		require.NoError(t, err)

		revoked, err := e.m.RevokeAll(t.Context(), subject.ID, issuedAt)

		require.NoError(t, err)
		require.EqualValues(t, 3, revoked)
		for _, pair := range pairs {
			_, err := e.m.Validate(t.Context(), pair.Refresh.Value, models.TokenKindRefresh, issuedAt)
			require.ErrorIs(t, err, apperrors.ErrTokenRevoked)
		}
		_, err = e.m.Validate(t.Context(), other.Refresh.Value, models.TokenKindRefresh, issuedAt)
		require.NoError(t, err, "other subjects are untouched")
	})
}
