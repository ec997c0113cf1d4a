package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/nkiryanov/authtoken/internal/apperrors"
	"github.com/nkiryanov/authtoken/internal/repository"
)

// Either pool, connection or transaction
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

type Storage struct {
	db DBTX
}

func NewStorage(db DBTX) *Storage {
	return &Storage{db: db}
}

func (s *Storage) User() repository.UserRepo {
	return &UserRepo{DB: s.db}
}

func (s *Storage) Refresh() repository.RefreshStore {
	return &RefreshTokenRepo{DB: s.db}
}

// Run fn in transaction. Commit if fn succeeds, rollback otherwise
// Nested calls use savepoints (pgx.Tx.Begin)
func (s *Storage) InTx(ctx context.Context, fn func(*Storage) error) (err error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: db tx error: %w", apperrors.ErrStoreUnavailable, err)
	}

	defer func() {
		switch err {
		case nil:
			if err = tx.Commit(ctx); err != nil {
				err = fmt.Errorf("%w: db commit error: %w", apperrors.ErrStoreUnavailable, err)
			}
		default:
			_ = tx.Rollback(ctx)
		}
	}()

	err = fn(NewStorage(tx))

	return err
}

// Driver and network failures are store unavailability
func dbError(err error) error {
	return fmt.Errorf("%w: db error: %w", apperrors.ErrStoreUnavailable, err)
}
