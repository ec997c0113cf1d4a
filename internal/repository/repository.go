package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/nkiryanov/authtoken/internal/models"
)

// Storage bundles repositories of one backend
type Storage interface {
	User() UserRepo
	Refresh() RefreshStore
}

// User repository interface
type UserRepo interface {
	// Create user
	// If user with username exists already has to return error apperrors.ErrUserAlreadyExists
	CreateUser(ctx context.Context, user models.User) (models.User, error)

	// Get user by it's id or username
	// If user not found must return apperrors.ErrUserNotFound
	GetUserByID(ctx context.Context, userID uuid.UUID) (models.User, error)
	GetUserByUsername(ctx context.Context, username string) (models.User, error)
}

// Refresh token ledger
//
// Every state change is compare-and-set on the record state, so for a token id
// at most one transition out of 'active' ever succeeds, whatever the number of callers.
// Infrastructure failures must be wrapped with apperrors.ErrStoreUnavailable.
type RefreshStore interface {
	// Save new record
	// Duplicate token id must return apperrors.ErrConflict
	Insert(ctx context.Context, record models.TokenRecord) error

	// Return record in any state
	// If record not found must return apperrors.ErrUnknownToken
	Get(ctx context.Context, tokenID string) (models.TokenRecord, error)

	// Move record from one state to another, stamping rotated_at or revoked_at with now
	// apperrors.ErrConflict if current state differs from 'from'
	// apperrors.ErrUnknownToken if record not found
	Transition(ctx context.Context, tokenID string, from, to models.TokenState, now time.Time) error

	// Move record active -> rotated, link successor to it and insert successor, all or nothing
	// Errors are the same as for Transition
	Rotate(ctx context.Context, tokenID string, successor models.TokenRecord, now time.Time) error

	// Revoke every active record of the subject, return number of revoked records
	RevokeAll(ctx context.Context, subjectID string, now time.Time) (int64, error)

	// Delete records expired before the moment, return number of deleted records
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}
