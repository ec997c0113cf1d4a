package gc

import (
	"context"
	"database/sql"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nkiryanov/authtoken/internal/apperrors"
	"github.com/nkiryanov/authtoken/internal/db"
	"github.com/nkiryanov/authtoken/internal/models"
	"github.com/nkiryanov/authtoken/internal/repository/sqlite"
	"github.com/nkiryanov/authtoken/internal/repository/storetest"
)

// Allow to use a function as store
type deleteFunc func(ctx context.Context, before time.Time) (int64, error)

func (f deleteFunc) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	return f(ctx, before)
}

func Test_Collector(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		c := New(Config{Retention: -1}, nil)

		require.Equal(t, DefaultInterval, c.interval)
		require.Equal(t, DefaultRetention, c.retention)
	})

	t.Run("collect keeps records within retention", func(t *testing.T) {
		conn, err := db.OpenSQLite(t.Context(), ":memory:")
		require.NoError(t, err)
		t.Cleanup(func() { _ = conn.Close() })
		store := sqlite.NewStorage(conn).Refresh()

		// storetest records expire at 2024-05-08
		old := storetest.NewRecord("u1")
		old.ExpiresAt = old.ExpiresAt.Add(-48 * time.Hour)
		recent := storetest.NewRecord("u1")
		require.NoError(t, store.Insert(t.Context(), old))
		require.NoError(t, store.Insert(t.Context(), recent))

		now := recent.ExpiresAt.Add(time.Hour)
		c := New(Config{Retention: 24 * time.Hour, Now: func() time.Time { return now }}, store)

		deleted, err := c.Collect(t.Context())

		require.NoError(t, err)
		require.EqualValues(t, 1, deleted)
		_, err = store.Get(t.Context(), old.TokenID)
		require.ErrorIs(t, err, apperrors.ErrUnknownToken)
		got, err := store.Get(t.Context(), recent.TokenID)
		require.NoError(t, err)
		require.Equal(t, models.TokenStateActive, got.State)
	})

	t.Run("collect error", func(t *testing.T) {
		c := New(Config{}, deleteFunc(func(context.Context, time.Time) (int64, error) {
			return 0, sql.ErrConnDone
		}))

		_, err := c.Collect(t.Context())

		require.True(t, errors.Is(err, sql.ErrConnDone))
	})

	t.Run("run until cancelled", func(t *testing.T) {
		var calls atomic.Int64
		c := New(Config{Interval: time.Millisecond}, deleteFunc(func(context.Context, time.Time) (int64, error) {
			if calls.Add(1)%2 == 0 {
				return 0, errors.New("store is down")
			}
			return 1, nil
		}))

		ctx, cancel := context.WithCancel(t.Context())
		stopped := c.Run(ctx)

		require.Eventually(t, func() bool { return calls.Load() >= 3 }, time.Second, time.Millisecond, "errors must not stop collector")
		cancel()

		select {
		case <-stopped:
		case <-time.After(time.Second):
			t.Fatal("collector must stop after context cancel")
		}
	})
}
