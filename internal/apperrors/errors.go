package apperrors

import (
	"errors"
)

var (
	ErrUserAlreadyExists = errors.New("user already exists")
	ErrUserNotFound      = errors.New("user not found")

	// Token verification failures. Deterministic, never retried
	ErrMissingToken          = errors.New("token not provided")
	ErrMalformedClaims       = errors.New("malformed token claims")
	ErrInvalidTemporalClaims = errors.New("token expires before it is issued")
	ErrBadSignature          = errors.New("bad token signature")
	ErrWrongTokenKind        = errors.New("wrong token kind")
	ErrExpired               = errors.New("token is expired")

	// Refresh ledger outcomes
	ErrUnknownToken = errors.New("refresh token not found")
	ErrTokenRevoked = errors.New("refresh token is revoked")
	ErrTokenReused  = errors.New("refresh token reuse detected")

	// Store level errors
	// ErrConflict is returned when compare-and-set on token state loses
	ErrConflict = errors.New("token state conflict")
	// ErrStoreUnavailable is transient: caller may retry with backoff
	ErrStoreUnavailable = errors.New("token store unavailable")
)

// IsUnauthenticated reports whether err means the presented token must be rejected as is
// Store availability errors are not included: they are not a verdict on the token
func IsUnauthenticated(err error) bool {
	for _, target := range []error{
		ErrMissingToken,
		ErrMalformedClaims,
		ErrInvalidTemporalClaims,
		ErrBadSignature,
		ErrWrongTokenKind,
		ErrExpired,
		ErrUnknownToken,
		ErrTokenRevoked,
		ErrTokenReused,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
