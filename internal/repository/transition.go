package repository

import (
	"errors"
	"fmt"
	"time"

	"github.com/nkiryanov/authtoken/internal/models"
)

var ErrTransitionNotAllowed = errors.New("token state transition not allowed")

// CheckTransition allows only active -> rotated and active -> revoked
func CheckTransition(from, to models.TokenState) error {
	if from == models.TokenStateActive && (to == models.TokenStateRotated || to == models.TokenStateRevoked) {
		return nil
	}
	return fmt.Errorf("%w: %s -> %s", ErrTransitionNotAllowed, from, to)
}

// Stamps returns values for rotated_at and revoked_at after moving to the state
// The one that does not change is nil
func Stamps(to models.TokenState, now time.Time) (rotatedAt, revokedAt *time.Time) {
	switch to {
	case models.TokenStateRotated:
		return &now, nil
	case models.TokenStateRevoked:
		return nil, &now
	default:
		return nil, nil
	}
}

// NotBefore returns t moved forward to floor if it is earlier.
// Backends use it so a record never looks created before its predecessor was rotated
func NotBefore(t, floor time.Time) time.Time {
	if t.Before(floor) {
		return floor
	}
	return t
}
