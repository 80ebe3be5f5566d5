package users

import "time"

// User is a managed account: a person who logs in with a password, or a
// bot that authenticates with an API key.
type User struct {
	ID          int64     `json:"id"`
	Username    string    `json:"username"`
	Email       string    `json:"email"`
	IsSuperuser bool      `json:"is_superuser"`
	IsBot       bool      `json:"is_bot"`
	IsActive    bool      `json:"is_active"`
	APIKey      string    `json:"-"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	RoleIDs     []int64   `json:"role_ids"`
}
