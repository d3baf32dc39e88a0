// Memo persists the records its handlers serve (users, sessions and PLC devices) in an embedded bbolt file.
// These are the values the query memoizer and the auth layer keep hot in the shared cache.

package storage

import (
	"errors"
	"time"
)

var ErrKeyNotFound = errors.New("key was not found")

// Roles a user can hold.
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// User is an account allowed to log in.
type User struct {
	Username     string    `json:"username"`
	PasswordHash []byte    `json:"passwordHash"`
	Role         string    `json:"role"`
	CreatedAt    time.Time `json:"createdAt"`
}

// IsAdmin reports whether the user may call admin endpoints.
func (u User) IsAdmin() bool {
	return u.Role == RoleAdmin
}

// Session is a bearer token issued on login.
type Session struct {
	Token     string    `json:"token"`
	Username  string    `json:"username"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Expired reports whether the session is no longer valid at `now`.
func (s Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && now.After(s.ExpiresAt)
}

// Device is a PLC-controlled unit, e.g. an elevator or a noria.
type Device struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Kind      string    `json:"kind"`
	Status    string    `json:"status"`
	UpdatedAt time.Time `json:"updatedAt"`
}
