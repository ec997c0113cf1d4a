package models

import (
	"time"
)

// Role assigned to a subject when none is provided
const DefaultRole = "user"

type TokenKind string

const (
	TokenKindAccess  TokenKind = "access"
	TokenKindRefresh TokenKind = "refresh"
)

func (k TokenKind) Valid() bool {
	return k == TokenKindAccess || k == TokenKindRefresh
}

// Decoded body of a signed token
// Never mutated after signing: a new token is always a fresh issuance
type ClaimSet struct {
	SubjectID string
	Email     string
	Role      string
	Kind      TokenKind
	TokenID   string // refresh tokens only
	IssuedAt  time.Time
	ExpiresAt time.Time
}

type TokenState string

const (
	TokenStateActive  TokenState = "active"
	TokenStateRotated TokenState = "rotated"
	TokenStateRevoked TokenState = "revoked"
)

// Refresh ledger entry, one per refresh token ever issued
// State moves only active -> rotated or active -> revoked
type TokenRecord struct {
	TokenID          string
	SubjectID        string
	State            TokenState
	ExpiresAt        time.Time
	CreatedAt        time.Time
	RotatedAt        *time.Time // nil until rotated
	RevokedAt        *time.Time // nil until revoked
	SuccessorTokenID *string    // set together with RotatedAt
}

// Authenticated subject handed to the issuer
type Subject struct {
	ID    string
	Email string
	Role  string
}

type IssuedToken struct {
	Value     string
	ExpiresAt time.Time
}

// Token pair issued by TokenManager
type TokenPair struct {
	Access  IssuedToken
	Refresh IssuedToken

	// Ledger id of the refresh token
	RefreshID string
}
