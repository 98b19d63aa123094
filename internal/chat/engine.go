// Package chat implements the message lifecycle: create, edit, delete and
// mark-read, plus the unread-count pushes they trigger.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/chatline/internal/domain"
	"github.com/ashureev/chatline/internal/hub"
	"github.com/ashureev/chatline/internal/protocol"
	"github.com/ashureev/chatline/internal/store"
)

var (
	// ErrNotFound is returned when a conversation does not exist.
	ErrNotFound = errors.New("conversation not found")
	// ErrForbidden is returned when the actor is not a member of the conversation.
	ErrForbidden = errors.New("not a conversation member")
)

// timestampLayout is the clock-time format of new_message events.
const timestampLayout = "15:04"

// Broadcaster fans an event out to a group.
type Broadcaster interface {
	Send(ctx context.Context, key hub.Key, evt protocol.Event)
}

// Actor is the authenticated user issuing an operation.
type Actor struct {
	UserID   string
	Username string
}

func (a Actor) displayName() string {
	if a.Username != "" {
		return a.Username
	}
	return a.UserID
}

// Engine executes lifecycle operations against the store and broadcasts
// their events. Operations on one conversation are serialized across both
// the store mutation and the broadcast.
type Engine struct {
	repo   store.Repository
	bus    Broadcaster
	locks  *keyedMutex
	logger *slog.Logger
	now    func() time.Time
}

// NewEngine creates an engine. A nil logger uses slog.Default().
func NewEngine(repo store.Repository, bus Broadcaster, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		repo:   repo,
		bus:    bus,
		locks:  newKeyedMutex(),
		logger: logger,
		now:    time.Now,
	}
}

// Handle executes one decoded room command. Failures are logged and
// otherwise dropped; nothing is reported back to the connection.
func (e *Engine) Handle(ctx context.Context, actor Actor, conversationID string, cmd protocol.Command) {
	var err error
	switch c := cmd.(type) {
	case protocol.SendMessage:
		_, err = e.SendMessage(ctx, actor, conversationID, c)
	case protocol.EditMessage:
		_, err = e.EditMessage(ctx, actor, conversationID, c.MessageID, c.Text)
	case protocol.DeleteMessage:
		_, err = e.DeleteMessage(ctx, actor, conversationID, c.MessageID)
	case protocol.MarkRead:
		_, err = e.MarkRead(ctx, actor, c.MessageID)
	default:
		e.logger.Debug("Ignoring unsupported command", "type", fmt.Sprintf("%T", cmd))
		return
	}
	if err != nil {
		e.logger.Warn("Room command failed",
			"user_id", actor.UserID,
			"conversation_id", conversationID,
			"command", fmt.Sprintf("%T", cmd),
			"error", err,
		)
	}
}

// SendMessage creates a message, or adopts a pending one when cmd.MessageID
// is set, and announces it to the room. It returns nil when the command is a
// no-op: empty text, unknown conversation, non-member or foreign message.
func (e *Engine) SendMessage(ctx context.Context, actor Actor, conversationID string, cmd protocol.SendMessage) (*domain.Message, error) {
	unlock := e.locks.Lock(conversationID)
	defer unlock()

	conv, err := e.repo.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	if conv == nil || !conv.HasMember(actor.UserID) {
		e.logger.Debug("Dropping send from non-member", "user_id", actor.UserID, "conversation_id", conversationID)
		return nil, nil
	}

	var msg *domain.Message
	var parent *domain.Message
	switch {
	case cmd.MessageID != "":
		msg, parent, err = e.adopt(ctx, actor, conversationID, cmd.MessageID, cmd.ParentID)
		if err != nil || msg == nil {
			return nil, err
		}
	case cmd.Text != "":
		if parent, err = e.resolveParent(ctx, conversationID, cmd.ParentID); err != nil {
			return nil, err
		}
		msg = &domain.Message{
			ConversationID: conversationID,
			SenderID:       actor.UserID,
			SenderName:     actor.Username,
			Text:           cmd.Text,
			CreatedAt:      e.now(),
		}
		if parent != nil {
			msg.ParentID = parent.ID
		}
		if err := e.repo.CreateMessage(ctx, msg); err != nil {
			return nil, fmt.Errorf("create message: %w", err)
		}
	default:
		return nil, nil
	}

	e.bus.Send(ctx, hub.RoomKey(conversationID), newMessageEvent(actor, msg, parent))
	e.pushUnread(ctx, conversationID, conv.OtherMembers(actor.UserID))
	return msg, nil
}

// adopt loads a pending message owned by actor and attaches the reply parent
// if it has none yet.
func (e *Engine) adopt(ctx context.Context, actor Actor, conversationID, messageID, parentID string) (*domain.Message, *domain.Message, error) {
	msg, err := e.repo.GetMessage(ctx, messageID)
	if err != nil {
		return nil, nil, fmt.Errorf("get pending message: %w", err)
	}
	if msg == nil || msg.SenderID != actor.UserID || msg.ConversationID != conversationID {
		e.logger.Debug("Dropping adoption of foreign message", "user_id", actor.UserID, "message_id", messageID)
		return nil, nil, nil
	}

	if msg.ParentID == "" && parentID != "" && parentID != msg.ID {
		parent, err := e.resolveParent(ctx, conversationID, parentID)
		if err != nil {
			return nil, nil, err
		}
		if parent != nil {
			ok, err := e.repo.SetMessageParent(ctx, msg.ID, parent.ID)
			if err != nil {
				return nil, nil, fmt.Errorf("set parent: %w", err)
			}
			if ok {
				msg.ParentID = parent.ID
			}
		}
	}

	if msg.ParentID == "" {
		return msg, nil, nil
	}
	parent, err := e.repo.GetMessage(ctx, msg.ParentID)
	if err != nil {
		return nil, nil, fmt.Errorf("get parent: %w", err)
	}
	return msg, parent, nil
}

// resolveParent returns the reply parent, or nil when it is absent or
// belongs to another conversation.
func (e *Engine) resolveParent(ctx context.Context, conversationID, parentID string) (*domain.Message, error) {
	if parentID == "" {
		return nil, nil
	}
	parent, err := e.repo.GetMessage(ctx, parentID)
	if err != nil {
		return nil, fmt.Errorf("get parent: %w", err)
	}
	if parent == nil || parent.ConversationID != conversationID {
		return nil, nil
	}
	return parent, nil
}

// CreatePending stores a message without announcing it. Realtime clients
// adopt it later with send_message and its id.
func (e *Engine) CreatePending(ctx context.Context, actor Actor, conversationID, text, fileURL string) (*domain.Message, error) {
	unlock := e.locks.Lock(conversationID)
	defer unlock()

	if _, err := e.memberConversation(ctx, actor, conversationID); err != nil {
		return nil, err
	}

	msg := &domain.Message{
		ConversationID: conversationID,
		SenderID:       actor.UserID,
		SenderName:     actor.Username,
		Text:           text,
		FileURL:        fileURL,
		CreatedAt:      e.now(),
	}
	if err := e.repo.CreateMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("create pending message: %w", err)
	}
	return msg, nil
}

// EditMessage replaces the text of the actor's own message in the room.
func (e *Engine) EditMessage(ctx context.Context, actor Actor, conversationID, messageID, text string) (bool, error) {
	unlock := e.locks.Lock(conversationID)
	defer unlock()

	if ok, err := e.inConversation(ctx, conversationID, messageID); !ok || err != nil {
		return false, err
	}

	ok, err := e.repo.UpdateMessageText(ctx, messageID, actor.UserID, text)
	if err != nil {
		return false, fmt.Errorf("update message: %w", err)
	}
	if !ok {
		e.logger.Debug("Dropping edit of foreign message", "user_id", actor.UserID, "message_id", messageID)
		return false, nil
	}

	e.bus.Send(ctx, hub.RoomKey(conversationID), protocol.MessageUpdated{MessageID: messageID, Text: text})
	return true, nil
}

// DeleteMessage hard-deletes the actor's own message in the room and
// refreshes every other member's unread count.
func (e *Engine) DeleteMessage(ctx context.Context, actor Actor, conversationID, messageID string) (bool, error) {
	unlock := e.locks.Lock(conversationID)
	defer unlock()

	if ok, err := e.inConversation(ctx, conversationID, messageID); !ok || err != nil {
		return false, err
	}

	ok, err := e.repo.DeleteMessage(ctx, messageID, actor.UserID)
	if err != nil {
		return false, fmt.Errorf("delete message: %w", err)
	}
	if !ok {
		e.logger.Debug("Dropping delete of foreign message", "user_id", actor.UserID, "message_id", messageID)
		return false, nil
	}

	e.bus.Send(ctx, hub.RoomKey(conversationID), protocol.MessageDeleted{MessageID: messageID})

	conv, err := e.repo.GetConversation(ctx, conversationID)
	if err != nil {
		return true, fmt.Errorf("get conversation: %w", err)
	}
	if conv != nil {
		e.pushUnread(ctx, conversationID, conv.OtherMembers(actor.UserID))
	}
	return true, nil
}

// MarkRead records that the actor read a message of a conversation they
// belong to. Only the first read pushes events.
func (e *Engine) MarkRead(ctx context.Context, actor Actor, messageID string) (bool, error) {
	if messageID == "" {
		return false, nil
	}
	msg, err := e.repo.GetMessage(ctx, messageID)
	if err != nil {
		return false, fmt.Errorf("get message: %w", err)
	}
	if msg == nil {
		return false, nil
	}

	conversationID := msg.ConversationID
	unlock := e.locks.Lock(conversationID)
	defer unlock()

	if _, err := e.memberConversation(ctx, actor, conversationID); err != nil {
		if errors.Is(err, ErrForbidden) || errors.Is(err, ErrNotFound) {
			e.logger.Debug("Dropping mark_read from non-member", "user_id", actor.UserID, "message_id", messageID)
			return false, nil
		}
		return false, err
	}

	added, err := e.repo.MarkRead(ctx, messageID, actor.UserID)
	if err != nil {
		return false, fmt.Errorf("mark read: %w", err)
	}
	if !added {
		return false, nil
	}

	e.pushUnread(ctx, conversationID, []string{actor.UserID})
	e.bus.Send(ctx, hub.RoomKey(conversationID), protocol.MessageRead{MessageID: messageID})
	return true, nil
}

// OpenConversation returns the conversation's messages as the actor saw them
// on arrival, the id of the first one unread for them, and marks everything
// read.
func (e *Engine) OpenConversation(ctx context.Context, actor Actor, conversationID string) ([]domain.Message, string, error) {
	unlock := e.locks.Lock(conversationID)
	defer unlock()

	if _, err := e.memberConversation(ctx, actor, conversationID); err != nil {
		return nil, "", err
	}

	msgs, err := e.repo.ListMessages(ctx, conversationID)
	if err != nil {
		return nil, "", fmt.Errorf("list messages: %w", err)
	}
	firstUnread := ""
	for i := range msgs {
		if msgs[i].IsUnreadFor(actor.UserID) {
			firstUnread = msgs[i].ID
			break
		}
	}

	read, err := e.repo.MarkConversationRead(ctx, conversationID, actor.UserID)
	if err != nil {
		return nil, "", fmt.Errorf("mark conversation read: %w", err)
	}
	if len(read) == 0 {
		return msgs, firstUnread, nil
	}

	e.pushUnread(ctx, conversationID, []string{actor.UserID})
	room := hub.RoomKey(conversationID)
	for _, id := range read {
		e.bus.Send(ctx, room, protocol.MessageRead{MessageID: id})
	}
	return msgs, firstUnread, nil
}

// UnreadCount returns the number of messages in the conversation neither
// sent nor read by userID.
func (e *Engine) UnreadCount(ctx context.Context, conversationID, userID string) (int, error) {
	n, err := e.repo.CountUnread(ctx, conversationID, userID)
	if err != nil {
		return 0, fmt.Errorf("count unread: %w", err)
	}
	return n, nil
}

// pushUnread recomputes and pushes the unread count of each user to their
// notify group.
func (e *Engine) pushUnread(ctx context.Context, conversationID string, userIDs []string) {
	for _, userID := range userIDs {
		n, err := e.UnreadCount(ctx, conversationID, userID)
		if err != nil {
			e.logger.Warn("Failed to recompute unread count",
				"conversation_id", conversationID, "user_id", userID, "error", err)
			continue
		}
		e.bus.Send(ctx, hub.NotifyKey(userID), protocol.UnreadCountUpdate{ConversationID: conversationID, Count: n})
	}
}

func (e *Engine) memberConversation(ctx context.Context, actor Actor, conversationID string) (*domain.Conversation, error) {
	conv, err := e.repo.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	if conv == nil {
		return nil, ErrNotFound
	}
	if !conv.HasMember(actor.UserID) {
		return nil, ErrForbidden
	}
	return conv, nil
}

// inConversation reports whether the message exists and belongs to the conversation.
func (e *Engine) inConversation(ctx context.Context, conversationID, messageID string) (bool, error) {
	if messageID == "" {
		return false, nil
	}
	msg, err := e.repo.GetMessage(ctx, messageID)
	if err != nil {
		return false, fmt.Errorf("get message: %w", err)
	}
	return msg != nil && msg.ConversationID == conversationID, nil
}

func newMessageEvent(actor Actor, msg, parent *domain.Message) protocol.NewMessage {
	evt := protocol.NewMessage{
		MessageID: msg.ID,
		Text:      msg.Text,
		User:      actor.displayName(),
		Timestamp: msg.CreatedAt.UTC().Format(timestampLayout),
		FileURL:   msg.FileURL,
	}
	if parent != nil {
		sender := parent.SenderName
		if sender == "" {
			sender = parent.SenderID
		}
		evt.Parent = &protocol.ParentRef{ID: parent.ID, Text: parent.Text, Sender: sender}
	}
	return evt
}
