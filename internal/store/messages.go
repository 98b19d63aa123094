package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ashureev/chatline/internal/domain"
	"github.com/google/uuid"
)

const messageColumns = `m.id, m.conversation_id, m.sender_id, COALESCE(u.username, ''), m.text, m.file_url,
	m.parent_id, m.is_edited, m.created_at`

// CreateMessage stores a new message and bumps the conversation's activity time.
func (s *SQLiteStore) CreateMessage(ctx context.Context, msg *domain.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}

	var parent any
	if msg.ParentID != "" {
		parent = msg.ParentID
	}

	return s.withRetry(ctx, "create message", func() error {
		if _, err := s.db.ExecContext(ctx,
			`INSERT INTO messages (id, conversation_id, sender_id, text, file_url, parent_id, is_edited, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			msg.ID, msg.ConversationID, msg.SenderID, msg.Text, msg.FileURL, parent, msg.IsEdited, toMillis(msg.CreatedAt),
		); err != nil {
			return err
		}
		return s.touchConversation(ctx, msg.ConversationID, msg.CreatedAt)
	})
}

// GetMessage retrieves a message with its read-by set.
func (s *SQLiteStore) GetMessage(ctx context.Context, messageID string) (*domain.Message, error) {
	query := `SELECT ` + messageColumns + `
		FROM messages m LEFT JOIN users u ON u.user_id = m.sender_id
		WHERE m.id = ?`

	msg, err := scanMessage(s.db.QueryRowContext(ctx, query, messageID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan message row: %w", err)
	}

	if msg.ReadBy, err = s.queryStrings(ctx,
		`SELECT user_id FROM message_reads WHERE message_id = ? ORDER BY read_at, user_id`, msg.ID,
	); err != nil {
		return nil, fmt.Errorf("load read set: %w", err)
	}
	return msg, nil
}

// ListMessages returns a conversation's messages in creation order.
func (s *SQLiteStore) ListMessages(ctx context.Context, conversationID string) ([]domain.Message, error) {
	query := `SELECT ` + messageColumns + `
		FROM messages m LEFT JOIN users u ON u.user_id = m.sender_id
		WHERE m.conversation_id = ?
		ORDER BY m.created_at, m.rowid`

	rows, err := s.db.QueryContext(ctx, query, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	var msgs []domain.Message
	index := make(map[string]int)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		index[msg.ID] = len(msgs)
		msgs = append(msgs, *msg)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	_ = rows.Close()

	reads, err := s.db.QueryContext(ctx,
		`SELECT r.message_id, r.user_id FROM message_reads r
		 JOIN messages m ON m.id = r.message_id
		 WHERE m.conversation_id = ?
		 ORDER BY r.read_at, r.user_id`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list read sets: %w", err)
	}
	defer func() { _ = reads.Close() }()
	for reads.Next() {
		var messageID, userID string
		if err := reads.Scan(&messageID, &userID); err != nil {
			return nil, fmt.Errorf("scan read row: %w", err)
		}
		if i, ok := index[messageID]; ok {
			msgs[i].ReadBy = append(msgs[i].ReadBy, userID)
		}
	}
	if err := reads.Err(); err != nil {
		return nil, fmt.Errorf("iterate read sets: %w", err)
	}
	return msgs, nil
}

// SetMessageParent attaches a reply parent to a message that has none.
func (s *SQLiteStore) SetMessageParent(ctx context.Context, messageID, parentID string) (bool, error) {
	return s.execAffected(ctx, "set message parent",
		`UPDATE messages SET parent_id = ? WHERE id = ? AND parent_id IS NULL AND id != ?`,
		parentID, messageID, parentID,
	)
}

// UpdateMessageText replaces the text of a message owned by senderID.
func (s *SQLiteStore) UpdateMessageText(ctx context.Context, messageID, senderID, text string) (bool, error) {
	return s.execAffected(ctx, "update message text",
		`UPDATE messages SET text = ?, is_edited = 1 WHERE id = ? AND sender_id = ?`,
		text, messageID, senderID,
	)
}

// DeleteMessage removes a message owned by senderID. Replies keep existing
// with their parent cleared, and read marks go with the message.
func (s *SQLiteStore) DeleteMessage(ctx context.Context, messageID, senderID string) (bool, error) {
	return s.execAffected(ctx, "delete message",
		`DELETE FROM messages WHERE id = ? AND sender_id = ?`,
		messageID, senderID,
	)
}

// MarkRead adds userID to the message's read-by set.
func (s *SQLiteStore) MarkRead(ctx context.Context, messageID, userID string) (bool, error) {
	return s.execAffected(ctx, "mark read",
		`INSERT OR IGNORE INTO message_reads (message_id, user_id, read_at)
		 SELECT id, ?, ? FROM messages WHERE id = ?`,
		userID, toMillis(time.Now()), messageID,
	)
}

// MarkConversationRead marks every unread message of a conversation as read by userID.
func (s *SQLiteStore) MarkConversationRead(ctx context.Context, conversationID, userID string) ([]string, error) {
	var ids []string
	err := s.withRetry(ctx, "mark conversation read", func() error {
		ids = nil
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		rows, err := tx.QueryContext(ctx,
			`SELECT m.id FROM messages m
			 WHERE m.conversation_id = ? AND m.sender_id != ?
			 AND NOT EXISTS (SELECT 1 FROM message_reads r WHERE r.message_id = m.id AND r.user_id = ?)
			 ORDER BY m.created_at, m.rowid`,
			conversationID, userID, userID)
		if err != nil {
			return err
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				_ = rows.Close()
				return err
			}
			ids = append(ids, id)
		}
		if err := rows.Err(); err != nil {
			_ = rows.Close()
			return err
		}
		_ = rows.Close()

		now := toMillis(time.Now())
		for _, id := range ids {
			if _, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO message_reads (message_id, user_id, read_at) VALUES (?, ?, ?)`,
				id, userID, now,
			); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// CountUnread counts the conversation's messages neither sent nor read by userID.
func (s *SQLiteStore) CountUnread(ctx context.Context, conversationID, userID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages m
		 WHERE m.conversation_id = ? AND m.sender_id != ?
		 AND NOT EXISTS (SELECT 1 FROM message_reads r WHERE r.message_id = m.id AND r.user_id = ?)`,
		conversationID, userID, userID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count unread: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) execAffected(ctx context.Context, op, query string, args ...any) (bool, error) {
	var rows int64
	err := s.withRetry(ctx, op, func() error {
		result, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		rows, err = result.RowsAffected()
		return err
	})
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*domain.Message, error) {
	var msg domain.Message
	var parent sql.NullString
	var createdAt int64
	if err := row.Scan(
		&msg.ID, &msg.ConversationID, &msg.SenderID, &msg.SenderName, &msg.Text, &msg.FileURL,
		&parent, &msg.IsEdited, &createdAt,
	); err != nil {
		return nil, err
	}
	msg.ParentID = parent.String
	msg.CreatedAt = fromMillis(createdAt)
	return &msg, nil
}
