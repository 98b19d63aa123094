// Package protocol defines the realtime wire format: inbound room commands
// and outbound events, each a closed set of variants.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

var (
	// ErrUnknownCommand is returned for a command tag the server does not handle.
	ErrUnknownCommand = errors.New("unknown command")
	// ErrMalformed is returned when a frame is not a JSON object of the expected shape.
	ErrMalformed = errors.New("malformed frame")
)

// Command is an inbound room command. The concrete types are
// SendMessage, EditMessage, DeleteMessage and MarkRead.
type Command interface {
	isCommand()
}

// SendMessage creates a message, or adopts one created out of band when
// MessageID is set. Implicit is true when the frame carried no command tag.
type SendMessage struct {
	Text      string
	FileURL   string
	MessageID string
	ParentID  string
	Implicit  bool
}

// EditMessage replaces the text of one of the requester's messages.
type EditMessage struct {
	MessageID string
	Text      string
}

// DeleteMessage removes one of the requester's messages.
type DeleteMessage struct {
	MessageID string
}

// MarkRead records that the requester has read a message.
type MarkRead struct {
	MessageID string
}

func (SendMessage) isCommand()   {}
func (EditMessage) isCommand()   {}
func (DeleteMessage) isCommand() {}
func (MarkRead) isCommand()      {}

// ID is a message identifier as sent by clients. Older clients send numeric
// ids, so both JSON strings and numbers are accepted.
type ID string

// UnmarshalJSON accepts a string, a number or null.
func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("id must be a string or number: %w", err)
	}
	if _, err := strconv.ParseFloat(n.String(), 64); err != nil {
		return fmt.Errorf("id must be a string or number: %w", err)
	}
	*id = ID(n.String())
	return nil
}

type wireCommand struct {
	Command   *string `json:"command"`
	Message   string  `json:"message"`
	FileURL   string  `json:"file_url"`
	MessageID ID      `json:"message_id"`
	ParentID  ID      `json:"parent_id"`
}

// Command tags.
const (
	CmdSendMessage   = "send_message"
	CmdEditMessage   = "edit_message"
	CmdDeleteMessage = "delete_message"
	CmdMarkRead      = "mark_read"
)

// DecodeCommand parses one inbound text frame.
func DecodeCommand(data []byte) (Command, error) {
	var w wireCommand
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	if w.Command == nil {
		return SendMessage{
			Text:      w.Message,
			FileURL:   w.FileURL,
			MessageID: string(w.MessageID),
			ParentID:  string(w.ParentID),
			Implicit:  true,
		}, nil
	}

	switch *w.Command {
	case CmdSendMessage:
		return SendMessage{
			Text:      w.Message,
			FileURL:   w.FileURL,
			MessageID: string(w.MessageID),
			ParentID:  string(w.ParentID),
		}, nil
	case CmdEditMessage:
		return EditMessage{MessageID: string(w.MessageID), Text: w.Message}, nil
	case CmdDeleteMessage:
		return DeleteMessage{MessageID: string(w.MessageID)}, nil
	case CmdMarkRead:
		return MarkRead{MessageID: string(w.MessageID)}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, *w.Command)
	}
}
