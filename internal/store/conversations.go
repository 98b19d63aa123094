package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ashureev/chatline/internal/domain"
	"github.com/google/uuid"
)

// CreateConversation stores a new conversation with its members and admins.
func (s *SQLiteStore) CreateConversation(ctx context.Context, conv *domain.Conversation) error {
	if !conv.Kind.Valid() {
		return fmt.Errorf("create conversation: invalid kind %q", conv.Kind)
	}
	if conv.ID == "" {
		conv.ID = uuid.NewString()
	}
	now := time.Now()
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = now
	}
	conv.UpdatedAt = now

	return s.withRetry(ctx, "create conversation", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO conversations (id, kind, name, avatar_url, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
			conv.ID, string(conv.Kind), conv.Name, conv.AvatarURL, toMillis(conv.CreatedAt), toMillis(conv.UpdatedAt),
		); err != nil {
			return err
		}
		for i, member := range conv.Members {
			if _, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO conversation_members (conversation_id, user_id, position) VALUES (?, ?, ?)`,
				conv.ID, member, i,
			); err != nil {
				return err
			}
		}
		for _, admin := range conv.Admins {
			if _, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO conversation_admins (conversation_id, user_id) VALUES (?, ?)`,
				conv.ID, admin,
			); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
}

// GetConversation retrieves a conversation with its ordered member set.
func (s *SQLiteStore) GetConversation(ctx context.Context, conversationID string) (*domain.Conversation, error) {
	var conv domain.Conversation
	var kind string
	var createdAt, updatedAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, kind, name, avatar_url, created_at, updated_at FROM conversations WHERE id = ?`,
		conversationID,
	).Scan(&conv.ID, &kind, &conv.Name, &conv.AvatarURL, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan conversation row: %w", err)
	}
	conv.Kind = domain.ConversationKind(kind)
	conv.CreatedAt = fromMillis(createdAt)
	conv.UpdatedAt = fromMillis(updatedAt)

	if conv.Members, err = s.queryStrings(ctx,
		`SELECT user_id FROM conversation_members WHERE conversation_id = ? ORDER BY position`, conv.ID,
	); err != nil {
		return nil, fmt.Errorf("load members: %w", err)
	}
	if conv.Admins, err = s.queryStrings(ctx,
		`SELECT user_id FROM conversation_admins WHERE conversation_id = ? ORDER BY user_id`, conv.ID,
	); err != nil {
		return nil, fmt.Errorf("load admins: %w", err)
	}
	return &conv, nil
}

// FindPrivateConversation returns the private conversation shared by two users, if any.
func (s *SQLiteStore) FindPrivateConversation(ctx context.Context, userA, userB string) (*domain.Conversation, error) {
	query := `
		SELECT c.id FROM conversations c
		JOIN conversation_members a ON a.conversation_id = c.id AND a.user_id = ?
		JOIN conversation_members b ON b.conversation_id = c.id AND b.user_id = ?
		WHERE c.kind = 'private'
		ORDER BY c.created_at
		LIMIT 1`

	var id string
	err := s.db.QueryRowContext(ctx, query, userA, userB).Scan(&id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find private conversation: %w", err)
	}
	return s.GetConversation(ctx, id)
}

// ListConversations returns the user's conversations with unread counts,
// most recently active first.
func (s *SQLiteStore) ListConversations(ctx context.Context, userID string) ([]domain.ConversationSummary, error) {
	query := `
		SELECT c.id,
			(SELECT COUNT(*) FROM messages m
			 WHERE m.conversation_id = c.id AND m.sender_id != ?
			 AND NOT EXISTS (SELECT 1 FROM message_reads r WHERE r.message_id = m.id AND r.user_id = ?))
		FROM conversations c
		JOIN conversation_members cm ON cm.conversation_id = c.id AND cm.user_id = ?
		ORDER BY c.updated_at DESC, c.id`

	rows, err := s.db.QueryContext(ctx, query, userID, userID, userID)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	type entry struct {
		id     string
		unread int
	}
	var entries []entry
	for rows.Next() {
		var e entry
		if err := rows.Scan(&e.id, &e.unread); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan conversation summary: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("iterate conversations: %w", err)
	}
	_ = rows.Close()

	out := make([]domain.ConversationSummary, 0, len(entries))
	for _, e := range entries {
		conv, err := s.GetConversation(ctx, e.id)
		if err != nil {
			return nil, err
		}
		if conv == nil {
			continue
		}
		out = append(out, domain.ConversationSummary{Conversation: *conv, UnreadCount: e.unread})
	}
	return out, nil
}

func (s *SQLiteStore) touchConversation(ctx context.Context, conversationID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET updated_at = ? WHERE id = ? AND updated_at < ?`,
		toMillis(at), conversationID, toMillis(at),
	)
	return err
}

func (s *SQLiteStore) queryStrings(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := []string{}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
