package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nkiryanov/authtoken/internal/apperrors"
	"github.com/nkiryanov/authtoken/internal/models"
)

// Store timeout when none configured
const DefaultStoreTimeout = 3 * time.Second

// BoundedStore limits every store call with a timeout
// A call hitting the deadline fails with apperrors.ErrStoreUnavailable
type BoundedStore struct {
	store   RefreshStore
	timeout time.Duration
}

func Bounded(store RefreshStore, timeout time.Duration) *BoundedStore {
	if timeout <= 0 {
		timeout = DefaultStoreTimeout
	}
	return &BoundedStore{store: store, timeout: timeout}
}

func (b *BoundedStore) Insert(ctx context.Context, record models.TokenRecord) error {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	return b.check(b.store.Insert(ctx, record))
}

func (b *BoundedStore) Get(ctx context.Context, tokenID string) (models.TokenRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	record, err := b.store.Get(ctx, tokenID)
	return record, b.check(err)
}

func (b *BoundedStore) Transition(ctx context.Context, tokenID string, from, to models.TokenState, now time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	return b.check(b.store.Transition(ctx, tokenID, from, to, now))
}

func (b *BoundedStore) Rotate(ctx context.Context, tokenID string, successor models.TokenRecord, now time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	return b.check(b.store.Rotate(ctx, tokenID, successor, now))
}

func (b *BoundedStore) RevokeAll(ctx context.Context, subjectID string, now time.Time) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	n, err := b.store.RevokeAll(ctx, subjectID, now)
	return n, b.check(err)
}

func (b *BoundedStore) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	n, err := b.store.DeleteExpired(ctx, before)
	return n, b.check(err)
}

// Deadline errors of any backend become ErrStoreUnavailable
func (b *BoundedStore) check(err error) error {
	if err == nil || errors.Is(err, apperrors.ErrStoreUnavailable) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: no answer within %s: %w", apperrors.ErrStoreUnavailable, b.timeout, err)
	}
	return err
}
