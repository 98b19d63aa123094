package protocol

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestDecodeCommand(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want Command
	}{
		{
			name: "implicit send",
			in:   `{"message":"hi"}`,
			want: SendMessage{Text: "hi", Implicit: true},
		},
		{
			name: "explicit send with adoption",
			in:   `{"command":"send_message","message_id":"m1","parent_id":"p1","file_url":"/media/a.png"}`,
			want: SendMessage{MessageID: "m1", ParentID: "p1", FileURL: "/media/a.png"},
		},
		{
			name: "numeric ids",
			in:   `{"command":"mark_read","message_id":42}`,
			want: MarkRead{MessageID: "42"},
		},
		{
			name: "edit",
			in:   `{"command":"edit_message","message_id":"m1","message":"hi there"}`,
			want: EditMessage{MessageID: "m1", Text: "hi there"},
		},
		{
			name: "delete",
			in:   `{"command":"delete_message","message_id":"m1"}`,
			want: DeleteMessage{MessageID: "m1"},
		},
		{
			name: "null parent",
			in:   `{"command":"send_message","message":"x","parent_id":null}`,
			want: SendMessage{Text: "x"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeCommand([]byte(tt.in))
			if err != nil {
				t.Fatalf("DecodeCommand: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %#v, want %#v", got, tt.want)
			}
		})
	}
}

func TestDecodeCommandErrors(t *testing.T) {
	if _, err := DecodeCommand([]byte(`{"command":"typing"}`)); !errors.Is(err, ErrUnknownCommand) {
		t.Errorf("unknown command err = %v", err)
	}
	if _, err := DecodeCommand([]byte(`not json`)); !errors.Is(err, ErrMalformed) {
		t.Errorf("malformed err = %v", err)
	}
	if _, err := DecodeCommand([]byte(`{"message_id":{"x":1}}`)); !errors.Is(err, ErrMalformed) {
		t.Errorf("object id err = %v", err)
	}
}

func TestEncodeNewMessageNullables(t *testing.T) {
	data, err := Encode(NewMessage{MessageID: "m1", Text: "hi", User: "A", Timestamp: "10:05"})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	var got map[string]any
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got["type"] != "chat_message" || got["command"] != "new_message" {
		t.Errorf("tags = %v / %v", got["type"], got["command"])
	}
	for _, key := range []string{"file", "parent"} {
		v, ok := got[key]
		if !ok || v != nil {
			t.Errorf("%s = %v (present %v), want explicit null", key, v, ok)
		}
	}
	if got["user"] != "A" || got["message"] != "hi" || got["timestamp"] != "10:05" {
		t.Errorf("payload = %v", got)
	}
}

func TestEncodeUnreadCount(t *testing.T) {
	data, err := Encode(UnreadCountUpdate{ConversationID: "c1", Count: 0})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	want := `{"type":"unread_count_update","chat_id":"c1","count":0}`
	if string(data) != want {
		t.Errorf("got %s, want %s", data, want)
	}
}

func TestEventRoundTrip(t *testing.T) {
	events := []Event{
		UnreadCountUpdate{ConversationID: "c1", Count: 3},
		NewMessage{MessageID: "m1", Text: "hi", User: "A", Timestamp: "09:00", FileURL: "/media/f", Parent: &ParentRef{ID: "p", Text: "q", Sender: "B"}},
		MessageUpdated{MessageID: "m1", Text: "edited"},
		MessageDeleted{MessageID: "m1"},
		MessageRead{MessageID: "m1"},
	}
	for _, evt := range events {
		data, err := Encode(evt)
		if err != nil {
			t.Fatalf("Encode(%T): %v", evt, err)
		}
		back, err := DecodeEvent(data)
		if err != nil {
			t.Fatalf("DecodeEvent(%s): %v", data, err)
		}
		if nm, ok := evt.(NewMessage); ok {
			got := back.(NewMessage)
			if got.MessageID != nm.MessageID || got.FileURL != nm.FileURL || got.Parent == nil || *got.Parent != *nm.Parent {
				t.Errorf("NewMessage round trip = %#v", got)
			}
			continue
		}
		if back != evt {
			t.Errorf("round trip %T: got %#v, want %#v", evt, back, evt)
		}
	}
}
