package account

import "time"

// Role tags an account. Nothing in this service enforces roles beyond
// carrying the tag; it exists so downstream consumers can.
type Role = string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// Account is a registered identity. ConfirmToken is present exactly while the
// account is pending: confirmation clears it in the same statement that flips
// Confirmed, so a consumed token can never match again.
type Account struct {
	ID             string
	Email          string
	PasswordHash   string
	Role           Role
	Confirmed      bool
	ConfirmToken   string
	TokenExpiresAt *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Pending reports whether the account still awaits email confirmation.
func (a *Account) Pending() bool {
	return a != nil && !a.Confirmed
}
