package domain

import (
	"slices"
	"time"
)

// Message is a single chat message.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	SenderName     string    `json:"sender_name,omitempty"`
	Text           string    `json:"text"`
	FileURL        string    `json:"file_url,omitempty"`
	ParentID       string    `json:"parent_id,omitempty"`
	IsEdited       bool      `json:"is_edited"`
	CreatedAt      time.Time `json:"created_at"`
	ReadBy         []string  `json:"read_by,omitempty"`
}

// HasAttachment returns true if the message references an uploaded file.
func (m *Message) HasAttachment() bool {
	return m.FileURL != ""
}

// IsReadBy reports whether userID has read the message.
func (m *Message) IsReadBy(userID string) bool {
	return slices.Contains(m.ReadBy, userID)
}

// IsUnreadFor reports whether the message counts as unread for userID:
// it was sent by someone else and userID has not read it.
func (m *Message) IsUnreadFor(userID string) bool {
	return m.SenderID != userID && !m.IsReadBy(userID)
}

// UnreadCount counts the messages that are unread for userID.
func UnreadCount(msgs []Message, userID string) int {
	n := 0
	for i := range msgs {
		if msgs[i].IsUnreadFor(userID) {
			n++
		}
	}
	return n
}
