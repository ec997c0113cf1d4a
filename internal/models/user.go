package models

import (
	"time"

	"github.com/google/uuid"
)

type User struct {
	ID             uuid.UUID
	CreatedAt      time.Time
	Username       string
	Email          string
	Role           string
	HashedPassword string
}

// Subject to issue tokens for
func (u User) Subject() Subject {
	return Subject{ID: u.ID.String(), Email: u.Email, Role: u.Role}
}
