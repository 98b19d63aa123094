// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/ashureev/chatline/internal/domain"
)

// Repository defines the persistence operations the chat server depends on.
type Repository interface {
	// GetUser retrieves a user by their user ID.
	GetUser(ctx context.Context, userID string) (*domain.User, error)

	// UpsertUser creates a user or refreshes their display name.
	UpsertUser(ctx context.Context, user *domain.User) error

	// SetPresence sets a user's online flag and last-seen timestamp.
	SetPresence(ctx context.Context, userID string, online bool, at time.Time) error

	// TouchPresence marks users online and refreshes their last-seen timestamp.
	TouchPresence(ctx context.Context, userIDs []string, at time.Time) error

	// ExpirePresence marks offline every online user last seen before cutoff
	// and returns how many were changed.
	ExpirePresence(ctx context.Context, cutoff time.Time) (int64, error)

	// CreateConversation stores a new conversation with its members and admins.
	// An empty ID is replaced with a generated one.
	CreateConversation(ctx context.Context, conv *domain.Conversation) error

	// GetConversation retrieves a conversation with its ordered member set.
	GetConversation(ctx context.Context, conversationID string) (*domain.Conversation, error)

	// FindPrivateConversation returns the private conversation shared by two users, if any.
	FindPrivateConversation(ctx context.Context, userA, userB string) (*domain.Conversation, error)

	// ListConversations returns the user's conversations with their unread counts,
	// most recently active first.
	ListConversations(ctx context.Context, userID string) ([]domain.ConversationSummary, error)

	// CreateMessage stores a new message. An empty ID is replaced with a generated one.
	CreateMessage(ctx context.Context, msg *domain.Message) error

	// GetMessage retrieves a message with its read-by set.
	GetMessage(ctx context.Context, messageID string) (*domain.Message, error)

	// ListMessages returns a conversation's messages in creation order.
	ListMessages(ctx context.Context, conversationID string) ([]domain.Message, error)

	// SetMessageParent attaches a reply parent to a message that has none.
	SetMessageParent(ctx context.Context, messageID, parentID string) (bool, error)

	// UpdateMessageText replaces the text of a message owned by senderID and
	// marks it edited. Returns false if no such message exists.
	UpdateMessageText(ctx context.Context, messageID, senderID, text string) (bool, error)

	// DeleteMessage removes a message owned by senderID.
	// Returns false if no such message exists.
	DeleteMessage(ctx context.Context, messageID, senderID string) (bool, error)

	// MarkRead adds userID to the message's read-by set.
	// Returns true only if the user had not read it before.
	MarkRead(ctx context.Context, messageID, userID string) (bool, error)

	// MarkConversationRead marks every unread message of a conversation as read
	// by userID and returns the IDs that were newly read.
	MarkConversationRead(ctx context.Context, conversationID, userID string) ([]string, error)

	// CountUnread counts the conversation's messages neither sent nor read by userID.
	CountUnread(ctx context.Context, conversationID, userID string) (int, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
