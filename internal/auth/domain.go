package auth

import "time"

// Account represents a credentialed identity: a human user or a bot.
// Bots authenticate with an API key instead of a password and never
// hold sessions.
type Account struct {
	ID           int64
	Username     string
	Email        string
	PasswordHash string
	IsSuperuser  bool
	IsBot        bool
	IsActive     bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
