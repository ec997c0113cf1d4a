// Package sqlite keeps users and the refresh token ledger in a SQLite file.
// Fits single node deployments only: the database has one writer.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/nkiryanov/authtoken/internal/apperrors"
	"github.com/nkiryanov/authtoken/internal/models"
	"github.com/nkiryanov/authtoken/internal/repository"
)

type Storage struct {
	db *sql.DB
}

func NewStorage(db *sql.DB) *Storage {
	return &Storage{db: db}
}

func (s *Storage) User() repository.UserRepo {
	return &UserRepo{DB: s.db}
}

func (s *Storage) Refresh() repository.RefreshStore {
	return &RefreshTokenRepo{DB: s.db}
}

// Run fn in transaction. Commit if fn succeeds, rollback otherwise
func (s *Storage) InTx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: db tx error: %w", apperrors.ErrStoreUnavailable, err)
	}

	defer func() {
		switch err {
		case nil:
			if err = tx.Commit(); err != nil {
				err = fmt.Errorf("%w: db commit error: %w", apperrors.ErrStoreUnavailable, err)
			}
		default:
			_ = tx.Rollback()
		}
	}()

	err = fn(tx)

	return err
}

// Rotate token and save its successor in one transaction
func (r *RefreshTokenRepo) Rotate(ctx context.Context, tokenID string, successor models.TokenRecord, now time.Time) error {
	db, ok := r.DB.(*sql.DB)
	if !ok {
		// Caller owns the transaction
		return r.rotate(ctx, tokenID, successor, now)
	}

	return NewStorage(db).InTx(ctx, func(tx *sql.Tx) error {
		repo := RefreshTokenRepo{DB: tx}
		return repo.rotate(ctx, tokenID, successor, now)
	})
}
