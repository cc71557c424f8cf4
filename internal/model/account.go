package model

import "time"

// Account is a provisioned account with the session credentials that were
// obtained for it.
type Account struct {
	// ID is the internal unique identifier for this account.
	ID string `json:"id" db:"id"`

	Email    string `json:"email" db:"email"`
	Password string `json:"password" db:"password"`

	// Token is the session access token; RefreshToken is empty for
	// cookie-based sessions.
	Token        string `json:"token" db:"token"`
	RefreshToken string `json:"refresh_token" db:"refresh_token"`

	// Usage is the raw usage text read from the account settings page,
	// or empty when it could not be read.
	Usage string `json:"usage" db:"usage"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Attempt records the outcome of one registration attempt, successful
// or not.
type Attempt struct {
	ID        string    `json:"id" db:"id"`
	Email     string    `json:"email" db:"email"`
	Strategy  string    `json:"strategy" db:"strategy"`
	Success   bool      `json:"success" db:"success"`
	Reason    string    `json:"reason" db:"reason"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}
