package protocol

import (
	"encoding/json"
	"fmt"
)

// Event is an outbound event. The concrete types are UnreadCountUpdate,
// NewMessage, MessageUpdated, MessageDeleted and MessageRead.
type Event interface {
	isEvent()
}

// UnreadCountUpdate carries a user's recomputed unread count for one
// conversation. It is only ever sent to notify groups.
type UnreadCountUpdate struct {
	ConversationID string
	Count          int
}

// ParentRef summarises the message a reply points at.
type ParentRef struct {
	ID     string `json:"id"`
	Text   string `json:"text"`
	Sender string `json:"sender"`
}

// NewMessage announces a created or adopted message to a room.
type NewMessage struct {
	MessageID string
	Text      string
	User      string
	Timestamp string
	FileURL   string
	Parent    *ParentRef
}

// MessageUpdated announces an edit.
type MessageUpdated struct {
	MessageID string
	Text      string
}

// MessageDeleted announces a hard delete.
type MessageDeleted struct {
	MessageID string
}

// MessageRead announces a first read of a message.
type MessageRead struct {
	MessageID string
}

func (UnreadCountUpdate) isEvent() {}
func (NewMessage) isEvent()        {}
func (MessageUpdated) isEvent()    {}
func (MessageDeleted) isEvent()    {}
func (MessageRead) isEvent()       {}

// Wire tags.
const (
	TypeUnreadCountUpdate = "unread_count_update"
	TypeChatMessage       = "chat_message"

	EvtNewMessage     = "new_message"
	EvtMessageUpdated = "message_updated"
	EvtMessageDeleted = "message_deleted"
	EvtMessageRead    = "message_read"
)

type fileRef struct {
	URL string `json:"url"`
}

type wireUnread struct {
	Type   string `json:"type"`
	ChatID string `json:"chat_id"`
	Count  int    `json:"count"`
}

type wireNewMessage struct {
	Type      string     `json:"type"`
	Command   string     `json:"command"`
	Message   string     `json:"message"`
	MessageID string     `json:"message_id"`
	User      string     `json:"user"`
	Timestamp string     `json:"timestamp"`
	File      *fileRef   `json:"file"`
	Parent    *ParentRef `json:"parent"`
}

type wireUpdated struct {
	Type      string `json:"type"`
	Command   string `json:"command"`
	MessageID string `json:"message_id"`
	Message   string `json:"message"`
}

type wireMessageRef struct {
	Type      string `json:"type"`
	Command   string `json:"command"`
	MessageID string `json:"message_id"`
}

// Encode renders an event as one JSON text frame.
func Encode(evt Event) ([]byte, error) {
	switch e := evt.(type) {
	case UnreadCountUpdate:
		return json.Marshal(wireUnread{Type: TypeUnreadCountUpdate, ChatID: e.ConversationID, Count: e.Count})
	case NewMessage:
		w := wireNewMessage{
			Type:      TypeChatMessage,
			Command:   EvtNewMessage,
			Message:   e.Text,
			MessageID: e.MessageID,
			User:      e.User,
			Timestamp: e.Timestamp,
			Parent:    e.Parent,
		}
		if e.FileURL != "" {
			w.File = &fileRef{URL: e.FileURL}
		}
		return json.Marshal(w)
	case MessageUpdated:
		return json.Marshal(wireUpdated{Type: TypeChatMessage, Command: EvtMessageUpdated, MessageID: e.MessageID, Message: e.Text})
	case MessageDeleted:
		return json.Marshal(wireMessageRef{Type: TypeChatMessage, Command: EvtMessageDeleted, MessageID: e.MessageID})
	case MessageRead:
		return json.Marshal(wireMessageRef{Type: TypeChatMessage, Command: EvtMessageRead, MessageID: e.MessageID})
	default:
		return nil, fmt.Errorf("encode event: unsupported type %T", evt)
	}
}

type wireAny struct {
	Type      string     `json:"type"`
	Command   string     `json:"command"`
	ChatID    string     `json:"chat_id"`
	Count     int        `json:"count"`
	Message   string     `json:"message"`
	MessageID string     `json:"message_id"`
	User      string     `json:"user"`
	Timestamp string     `json:"timestamp"`
	File      *fileRef   `json:"file"`
	Parent    *ParentRef `json:"parent"`
}

// DecodeEvent parses a frame produced by Encode.
func DecodeEvent(data []byte) (Event, error) {
	var w wireAny
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	switch w.Type {
	case TypeUnreadCountUpdate:
		return UnreadCountUpdate{ConversationID: w.ChatID, Count: w.Count}, nil
	case TypeChatMessage:
	default:
		return nil, fmt.Errorf("%w: event type %q", ErrMalformed, w.Type)
	}

	switch w.Command {
	case EvtNewMessage:
		e := NewMessage{
			MessageID: w.MessageID,
			Text:      w.Message,
			User:      w.User,
			Timestamp: w.Timestamp,
			Parent:    w.Parent,
		}
		if w.File != nil {
			e.FileURL = w.File.URL
		}
		return e, nil
	case EvtMessageUpdated:
		return MessageUpdated{MessageID: w.MessageID, Text: w.Message}, nil
	case EvtMessageDeleted:
		return MessageDeleted{MessageID: w.MessageID}, nil
	case EvtMessageRead:
		return MessageRead{MessageID: w.MessageID}, nil
	default:
		return nil, fmt.Errorf("%w: event command %q", ErrMalformed, w.Command)
	}
}
