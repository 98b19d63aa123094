package relay

import (
	"testing"

	"github.com/ashureev/chatline/internal/hub"
	"github.com/ashureev/chatline/internal/protocol"
)

type delivery struct {
	key hub.Key
	evt protocol.Event
}

type fakeLocal struct {
	got []delivery
}

func (f *fakeLocal) DeliverLocal(key hub.Key, evt protocol.Event) int {
	f.got = append(f.got, delivery{key, evt})
	return 1
}

func TestHandleSkipsOwnOrigin(t *testing.T) {
	local := &fakeLocal{}
	r := New(nil, "chat:events", "me", local, nil)

	own, err := encodeEnvelope("me", hub.RoomKey("c1"), protocol.MessageRead{MessageID: "m1"})
	if err != nil {
		t.Fatalf("encodeEnvelope: %v", err)
	}
	remote, _ := encodeEnvelope("peer", hub.NotifyKey("u1"), protocol.UnreadCountUpdate{ConversationID: "c1", Count: 4})

	r.handle(own)
	r.handle(remote)

	if len(local.got) != 1 {
		t.Fatalf("deliveries = %v, want only the remote one", local.got)
	}
	d := local.got[0]
	if d.key != hub.NotifyKey("u1") || d.evt != (protocol.UnreadCountUpdate{ConversationID: "c1", Count: 4}) {
		t.Errorf("delivery = %+v", d)
	}
}

func TestHandleDropsMalformed(t *testing.T) {
	local := &fakeLocal{}
	r := New(nil, "chat:events", "me", local, nil)

	for _, payload := range []string{
		`garbage`,
		`{"origin":"peer","key":"lobby","event":{"type":"chat_message","command":"message_read","message_id":"m"}}`,
		`{"origin":"peer","key":"room:c1","event":{"type":"mystery"}}`,
	} {
		r.handle([]byte(payload))
	}
	if len(local.got) != 0 {
		t.Errorf("malformed payloads delivered: %v", local.got)
	}
}

func TestRelayIntoRegistry(t *testing.T) {
	reg := hub.NewRegistry(nil)
	m := &countingMember{}
	reg.Join(hub.RoomKey("c1"), m)
	r := New(nil, "chat:events", "me", reg, nil)

	payload, _ := encodeEnvelope("peer", hub.RoomKey("c1"), protocol.MessageDeleted{MessageID: "m1"})
	r.handle(payload)

	if m.n != 1 {
		t.Errorf("member received %d events", m.n)
	}
}

type countingMember struct{ n int }

func (c *countingMember) Deliver(hub.Key, protocol.Event) { c.n++ }
