package domain

import (
	"slices"
	"time"
)

// ConversationKind distinguishes one-to-one chats from groups.
type ConversationKind string

const (
	KindPrivate ConversationKind = "private"
	KindGroup   ConversationKind = "group"
)

// Valid reports whether k is a known conversation kind.
func (k ConversationKind) Valid() bool {
	return k == KindPrivate || k == KindGroup
}

// Conversation is a private or group chat with its membership.
type Conversation struct {
	ID        string           `json:"id"`
	Kind      ConversationKind `json:"kind"`
	Name      string           `json:"name,omitempty"`
	AvatarURL string           `json:"avatar_url,omitempty"`
	Members   []string         `json:"members"`
	Admins    []string         `json:"admins,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// HasMember reports whether userID belongs to the conversation.
func (c *Conversation) HasMember(userID string) bool {
	return slices.Contains(c.Members, userID)
}

// IsAdmin reports whether userID administers the conversation.
func (c *Conversation) IsAdmin(userID string) bool {
	return slices.Contains(c.Admins, userID)
}

// OtherMembers returns every member except userID, in membership order.
func (c *Conversation) OtherMembers(userID string) []string {
	out := make([]string, 0, len(c.Members))
	for _, m := range c.Members {
		if m != userID {
			out = append(out, m)
		}
	}
	return out
}

// ConversationSummary is a conversation as listed for one user.
type ConversationSummary struct {
	Conversation
	UnreadCount int `json:"unread_count"`
}
