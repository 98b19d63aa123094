// Package domain contains core domain types for the chat server.
package domain

import (
	"time"
)

// User represents a chat participant and their presence state.
type User struct {
	UserID     string    `json:"user_id"`
	Username   string    `json:"username"`
	IsOnline   bool      `json:"is_online"`
	LastSeenAt time.Time `json:"last_seen_at"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Presence returns a short label for the user's online flag.
func (u *User) Presence() string {
	if u.IsOnline {
		return "online"
	}
	return "offline"
}
