// Package storetest holds the behaviour every repository.RefreshStore backend must share
package storetest

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nkiryanov/authtoken/internal/apperrors"
	"github.com/nkiryanov/authtoken/internal/models"
	"github.com/nkiryanov/authtoken/internal/repository"
)

// Factory returns empty store, isolated from stores returned before
type Factory func(t *testing.T) repository.RefreshStore

var now = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

func NewRecord(subjectID string) models.TokenRecord {
	return models.TokenRecord{
		TokenID:   uuid.NewString(),
		SubjectID: subjectID,
		State:     models.TokenStateActive,
		CreatedAt: now,
		ExpiresAt: now.Add(7 * 24 * time.Hour),
	}
}

func requireSameTime(t *testing.T, want time.Time, got *time.Time, msg string) {
	t.Helper()
	require.NotNil(t, got, msg)
	require.True(t, want.Equal(*got), "%s: want %s, got %s", msg, want, *got)
}

// Run refresh store contract tests against the backend
func Run(t *testing.T, newStore Factory) {
	t.Run("insert and get", func(t *testing.T) {
		store := newStore(t)
		record := NewRecord("u1")

		err := store.Insert(t.Context(), record)
		require.NoError(t, err)

		got, err := store.Get(t.Context(), record.TokenID)

		require.NoError(t, err)
		assert.Equal(t, record.TokenID, got.TokenID)
		assert.Equal(t, record.SubjectID, got.SubjectID)
		assert.Equal(t, models.TokenStateActive, got.State)
		assert.True(t, record.CreatedAt.Equal(got.CreatedAt), "created at must be kept")
		assert.True(t, record.ExpiresAt.Equal(got.ExpiresAt), "expires at must be kept")
		assert.Nil(t, got.RotatedAt)
		assert.Nil(t, got.RevokedAt)
		assert.Nil(t, got.SuccessorTokenID)
	})

	t.Run("insert duplicate is conflict", func(t *testing.T) {
		store := newStore(t)
		record := NewRecord("u1")
		require.NoError(t, store.Insert(t.Context(), record))

		err := store.Insert(t.Context(), record)

		require.ErrorIs(t, err, apperrors.ErrConflict)
	})

	t.Run("get unknown", func(t *testing.T) {
		store := newStore(t)

		_, err := store.Get(t.Context(), uuid.NewString())

		require.ErrorIs(t, err, apperrors.ErrUnknownToken)
	})

	t.Run("transition", func(t *testing.T) {
		store := newStore(t)
		record := NewRecord("u1")
		require.NoError(t, store.Insert(t.Context(), record))
		revokedAt := now.Add(time.Minute)

		err := store.Transition(t.Context(), record.TokenID, models.TokenStateActive, models.TokenStateRevoked, revokedAt)
		require.NoError(t, err)

		got, err := store.Get(t.Context(), record.TokenID)
		require.NoError(t, err)
		assert.Equal(t, models.TokenStateRevoked, got.State)
		requireSameTime(t, revokedAt, got.RevokedAt, "revoked at must be stamped")
		assert.Nil(t, got.RotatedAt)

		err = store.Transition(t.Context(), record.TokenID, models.TokenStateActive, models.TokenStateRevoked, revokedAt.Add(time.Minute))
		require.ErrorIs(t, err, apperrors.ErrConflict, "second transition out of active must lose")

		got, err = store.Get(t.Context(), record.TokenID)
		require.NoError(t, err)
		requireSameTime(t, revokedAt, got.RevokedAt, "revoked at is set once")
	})

	t.Run("transition unknown", func(t *testing.T) {
		store := newStore(t)

		err := store.Transition(t.Context(), uuid.NewString(), models.TokenStateActive, models.TokenStateRevoked, now)

		require.ErrorIs(t, err, apperrors.ErrUnknownToken)
	})

	t.Run("transition not allowed", func(t *testing.T) {
		store := newStore(t)
		record := NewRecord("u1")
		require.NoError(t, store.Insert(t.Context(), record))

		err := store.Transition(t.Context(), record.TokenID, models.TokenStateRevoked, models.TokenStateActive, now)

		require.ErrorIs(t, err, repository.ErrTransitionNotAllowed)
		got, err := store.Get(t.Context(), record.TokenID)
		require.NoError(t, err)
		require.Equal(t, models.TokenStateActive, got.State)
	})

	t.Run("rotate", func(t *testing.T) {
		store := newStore(t)
		record := NewRecord("u1")
		successor := NewRecord("u1")
		require.NoError(t, store.Insert(t.Context(), record))
		rotatedAt := now.Add(time.Hour)

		err := store.Rotate(t.Context(), record.TokenID, successor, rotatedAt)
		require.NoError(t, err)

		old, err := store.Get(t.Context(), record.TokenID)
		require.NoError(t, err)
		assert.Equal(t, models.TokenStateRotated, old.State)
		requireSameTime(t, rotatedAt, old.RotatedAt, "rotated at must be stamped")
		require.NotNil(t, old.SuccessorTokenID)
		assert.Equal(t, successor.TokenID, *old.SuccessorTokenID)

		next, err := store.Get(t.Context(), successor.TokenID)
		require.NoError(t, err, "successor must be saved with rotation")
		assert.Equal(t, models.TokenStateActive, next.State)
	})

	t.Run("rotate twice", func(t *testing.T) {
		store := newStore(t)
		record := NewRecord("u1")
		require.NoError(t, store.Insert(t.Context(), record))
		require.NoError(t, store.Rotate(t.Context(), record.TokenID, NewRecord("u1"), now))
		loser := NewRecord("u1")

		err := store.Rotate(t.Context(), record.TokenID, loser, now)

		require.ErrorIs(t, err, apperrors.ErrConflict)
		_, err = store.Get(t.Context(), loser.TokenID)
		require.ErrorIs(t, err, apperrors.ErrUnknownToken, "losing rotation must not save successor")
	})

	t.Run("rotate revoked", func(t *testing.T) {
		store := newStore(t)
		record := NewRecord("u1")
		require.NoError(t, store.Insert(t.Context(), record))
		require.NoError(t, store.Transition(t.Context(), record.TokenID, models.TokenStateActive, models.TokenStateRevoked, now))

		err := store.Rotate(t.Context(), record.TokenID, NewRecord("u1"), now)

		require.ErrorIs(t, err, apperrors.ErrConflict)
	})

	t.Run("rotate unknown", func(t *testing.T) {
		store := newStore(t)
		successor := NewRecord("u1")

		err := store.Rotate(t.Context(), uuid.NewString(), successor, now)

		require.ErrorIs(t, err, apperrors.ErrUnknownToken)
		_, err = store.Get(t.Context(), successor.TokenID)
		require.ErrorIs(t, err, apperrors.ErrUnknownToken)
	})

	t.Run("revoke all", func(t *testing.T) {
		store := newStore(t)
		active1, active2, rotated := NewRecord("u1"), NewRecord("u1"), NewRecord("u1")
		other := NewRecord("u2")
		for _, r := range []models.TokenRecord{active1, active2, rotated, other} {
			require.NoError(t, store.Insert(t.Context(), r))
		}
		require.NoError(t, store.Transition(t.Context(), rotated.TokenID, models.TokenStateActive, models.TokenStateRotated, now))

		n, err := store.RevokeAll(t.Context(), "u1", now.Add(time.Minute))

		require.NoError(t, err)
		require.EqualValues(t, 2, n, "only active tokens of the subject are revoked")

		for _, want := range []struct {
			id    string
			state models.TokenState
		}{
			{active1.TokenID, models.TokenStateRevoked},
			{active2.TokenID, models.TokenStateRevoked},
			{rotated.TokenID, models.TokenStateRotated},
			{other.TokenID, models.TokenStateActive},
		} {
			got, err := store.Get(t.Context(), want.id)
			require.NoError(t, err)
			require.Equal(t, want.state, got.State)
		}

		n, err = store.RevokeAll(t.Context(), "u1", now.Add(time.Minute))
		require.NoError(t, err)
		require.EqualValues(t, 0, n, "nothing left to revoke")
	})

	t.Run("stamps never precede creation", func(t *testing.T) {
		store := newStore(t)
		behind := now.Add(-10 * time.Second)
		revoked, rotated, swept := NewRecord("u1"), NewRecord("u1"), NewRecord("u2")
		for _, r := range []models.TokenRecord{revoked, rotated, swept} {
			require.NoError(t, store.Insert(t.Context(), r))
		}
		successor := NewRecord("u1")
		successor.CreatedAt = behind

		require.NoError(t, store.Transition(t.Context(), revoked.TokenID, models.TokenStateActive, models.TokenStateRevoked, behind))
		require.NoError(t, store.Rotate(t.Context(), rotated.TokenID, successor, behind))
		n, err := store.RevokeAll(t.Context(), "u2", behind)
		require.NoError(t, err)
		require.EqualValues(t, 1, n)

		got, err := store.Get(t.Context(), revoked.TokenID)
		require.NoError(t, err)
		requireSameTime(t, now, got.RevokedAt, "revoked at is clamped to created at")

		got, err = store.Get(t.Context(), rotated.TokenID)
		require.NoError(t, err)
		requireSameTime(t, now, got.RotatedAt, "rotated at is clamped to created at")

		next, err := store.Get(t.Context(), successor.TokenID)
		require.NoError(t, err)
		assert.False(t, next.CreatedAt.Before(*got.RotatedAt), "successor must not be created before its predecessor was rotated")

		got, err = store.Get(t.Context(), swept.TokenID)
		require.NoError(t, err)
		requireSameTime(t, now, got.RevokedAt, "revoke all clamps to created at")
	})

	t.Run("delete expired", func(t *testing.T) {
		store := newStore(t)
		expired := NewRecord("u1")
		expired.ExpiresAt = now.Add(-time.Hour)
		fresh := NewRecord("u1")
		require.NoError(t, store.Insert(t.Context(), expired))
		require.NoError(t, store.Insert(t.Context(), fresh))

		n, err := store.DeleteExpired(t.Context(), now)

		require.NoError(t, err)
		require.EqualValues(t, 1, n)
		_, err = store.Get(t.Context(), expired.TokenID)
		require.ErrorIs(t, err, apperrors.ErrUnknownToken)
		_, err = store.Get(t.Context(), fresh.TokenID)
		require.NoError(t, err)
	})

	t.Run("concurrent rotation has one winner", func(t *testing.T) {
		const racers = 16
		store := newStore(t)
		record := NewRecord("u1")
		require.NoError(t, store.Insert(t.Context(), record))

		successors := make([]models.TokenRecord, racers)
		errs := make([]error, racers)
		start := make(chan struct{})
		var wg sync.WaitGroup
		for i := range racers {
			successors[i] = NewRecord("u1")
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				errs[i] = store.Rotate(t.Context(), record.TokenID, successors[i], now)
			}()
		}
		close(start)
		wg.Wait()

		winners := 0
		for i, err := range errs {
			if err == nil {
				winners++
				old, err := store.Get(t.Context(), record.TokenID)
				require.NoError(t, err)
				require.Equal(t, successors[i].TokenID, *old.SuccessorTokenID, "successor link must point to the winner")
				continue
			}
			require.ErrorIs(t, err, apperrors.ErrConflict)
			_, err = store.Get(t.Context(), successors[i].TokenID)
			require.ErrorIs(t, err, apperrors.ErrUnknownToken, "loser successor must not be saved")
		}
		require.Equal(t, 1, winners)
	})
}
