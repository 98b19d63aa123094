package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/ashureev/chatline/internal/domain"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "chat.db"))
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedConversation(t *testing.T, s *SQLiteStore, kind domain.ConversationKind, members ...string) *domain.Conversation {
	t.Helper()
	ctx := context.Background()
	for _, m := range members {
		if err := s.UpsertUser(ctx, &domain.User{UserID: m, Username: m + "-name"}); err != nil {
			t.Fatalf("UpsertUser(%s): %v", m, err)
		}
	}
	conv := &domain.Conversation{Kind: kind, Members: members}
	if err := s.CreateConversation(ctx, conv); err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	return conv
}

func TestMigrateIsIdempotent(t *testing.T) {
	s := newTestStore(t)

	result, err := s.Migrate()
	if err != nil {
		t.Fatalf("second Migrate: %v", err)
	}
	if result.Changed {
		t.Error("second Migrate reported changes")
	}
	if result.Version != 1 || result.Dirty {
		t.Errorf("version = %d dirty = %v, want 1 clean", result.Version, result.Dirty)
	}
}

func TestGetMissingReturnsNil(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if u, err := s.GetUser(ctx, "ghost"); err != nil || u != nil {
		t.Errorf("GetUser = %v, %v; want nil, nil", u, err)
	}
	if c, err := s.GetConversation(ctx, "ghost"); err != nil || c != nil {
		t.Errorf("GetConversation = %v, %v; want nil, nil", c, err)
	}
	if m, err := s.GetMessage(ctx, "ghost"); err != nil || m != nil {
		t.Errorf("GetMessage = %v, %v; want nil, nil", m, err)
	}
}

func TestPresence(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.UpsertUser(ctx, &domain.User{UserID: "u1", Username: "Ann"}); err != nil {
		t.Fatalf("UpsertUser: %v", err)
	}
	at := time.UnixMilli(1_700_000_000_000)
	if err := s.SetPresence(ctx, "u1", true, at); err != nil {
		t.Fatalf("SetPresence: %v", err)
	}

	u, err := s.GetUser(ctx, "u1")
	if err != nil || u == nil {
		t.Fatalf("GetUser: %v, %v", u, err)
	}
	if !u.IsOnline || !u.LastSeenAt.Equal(at) {
		t.Errorf("presence = %v at %v, want online at %v", u.IsOnline, u.LastSeenAt, at)
	}

	// Renaming keeps presence.
	if err := s.UpsertUser(ctx, &domain.User{UserID: "u1", Username: "Anne"}); err != nil {
		t.Fatalf("UpsertUser rename: %v", err)
	}
	u, _ = s.GetUser(ctx, "u1")
	if u.Username != "Anne" || !u.IsOnline {
		t.Errorf("after rename = %+v", u)
	}

	// Unknown user is a no-op, not an error.
	if err := s.SetPresence(ctx, "ghost", false, at); err != nil {
		t.Errorf("SetPresence(ghost) = %v", err)
	}
}

func TestTouchAndExpirePresence(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for _, id := range []string{"u1", "u2", "u3"} {
		if err := s.UpsertUser(ctx, &domain.User{UserID: id, Username: id}); err != nil {
			t.Fatalf("UpsertUser: %v", err)
		}
	}

	old := time.UnixMilli(1_700_000_000_000)
	recent := old.Add(time.Hour)
	_ = s.SetPresence(ctx, "u1", true, old)
	_ = s.SetPresence(ctx, "u2", true, old)
	if err := s.TouchPresence(ctx, []string{"u2", "u3"}, recent); err != nil {
		t.Fatalf("TouchPresence: %v", err)
	}
	if err := s.TouchPresence(ctx, nil, recent); err != nil {
		t.Errorf("TouchPresence(nil) = %v", err)
	}

	n, err := s.ExpirePresence(ctx, old.Add(time.Minute))
	if err != nil || n != 1 {
		t.Fatalf("ExpirePresence = %d, %v; want 1", n, err)
	}
	for id, online := range map[string]bool{"u1": false, "u2": true, "u3": true} {
		u, _ := s.GetUser(ctx, id)
		if u.IsOnline != online {
			t.Errorf("%s online = %v, want %v", id, u.IsOnline, online)
		}
	}
	if u, _ := s.GetUser(ctx, "u3"); !u.LastSeenAt.Equal(recent) {
		t.Errorf("u3 last seen = %v, want %v", u.LastSeenAt, recent)
	}
}

func TestConversationMembersKeepOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	conv := seedConversation(t, s, domain.KindGroup, "c", "a", "b")

	got, err := s.GetConversation(ctx, conv.ID)
	if err != nil || got == nil {
		t.Fatalf("GetConversation: %v, %v", got, err)
	}
	if len(got.Members) != 3 || got.Members[0] != "c" || got.Members[1] != "a" || got.Members[2] != "b" {
		t.Errorf("Members = %v, want [c a b]", got.Members)
	}
}

func TestFindPrivateConversation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	conv := seedConversation(t, s, domain.KindPrivate, "a", "b")
	seedConversation(t, s, domain.KindGroup, "a", "b", "c")

	found, err := s.FindPrivateConversation(ctx, "b", "a")
	if err != nil {
		t.Fatalf("FindPrivateConversation: %v", err)
	}
	if found == nil || found.ID != conv.ID {
		t.Fatalf("found = %v, want %s", found, conv.ID)
	}

	none, err := s.FindPrivateConversation(ctx, "a", "c")
	if err != nil || none != nil {
		t.Errorf("FindPrivateConversation(a, c) = %v, %v; want nil", none, err)
	}
}

func TestEditAndDeleteRequireOwnership(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	conv := seedConversation(t, s, domain.KindPrivate, "a", "b")

	msg := &domain.Message{ConversationID: conv.ID, SenderID: "a", Text: "hi"}
	if err := s.CreateMessage(ctx, msg); err != nil {
		t.Fatalf("CreateMessage: %v", err)
	}

	if ok, err := s.UpdateMessageText(ctx, msg.ID, "b", "hacked"); err != nil || ok {
		t.Errorf("UpdateMessageText by non-owner = %v, %v", ok, err)
	}
	if ok, err := s.DeleteMessage(ctx, msg.ID, "b"); err != nil || ok {
		t.Errorf("DeleteMessage by non-owner = %v, %v", ok, err)
	}

	if ok, err := s.UpdateMessageText(ctx, msg.ID, "a", "hello"); err != nil || !ok {
		t.Fatalf("UpdateMessageText by owner = %v, %v", ok, err)
	}
	got, _ := s.GetMessage(ctx, msg.ID)
	if got.Text != "hello" || !got.IsEdited || got.SenderName != "a-name" {
		t.Errorf("after edit = %+v", got)
	}

	if ok, err := s.DeleteMessage(ctx, msg.ID, "a"); err != nil || !ok {
		t.Fatalf("DeleteMessage by owner = %v, %v", ok, err)
	}
	if got, _ := s.GetMessage(ctx, msg.ID); got != nil {
		t.Errorf("message still retrievable after delete: %+v", got)
	}
	if ok, _ := s.DeleteMessage(ctx, msg.ID, "a"); ok {
		t.Error("second delete reported success")
	}
}

func TestDeleteParentClearsReplyLink(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	conv := seedConversation(t, s, domain.KindPrivate, "a", "b")

	parent := &domain.Message{ConversationID: conv.ID, SenderID: "a", Text: "q"}
	if err := s.CreateMessage(ctx, parent); err != nil {
		t.Fatalf("CreateMessage parent: %v", err)
	}
	reply := &domain.Message{ConversationID: conv.ID, SenderID: "b", Text: "a", ParentID: parent.ID}
	if err := s.CreateMessage(ctx, reply); err != nil {
		t.Fatalf("CreateMessage reply: %v", err)
	}

	if _, err := s.DeleteMessage(ctx, parent.ID, "a"); err != nil {
		t.Fatalf("DeleteMessage: %v", err)
	}
	got, err := s.GetMessage(ctx, reply.ID)
	if err != nil || got == nil {
		t.Fatalf("reply missing: %v", err)
	}
	if got.ParentID != "" {
		t.Errorf("ParentID = %q, want empty", got.ParentID)
	}
}

func TestSetMessageParentOnlyOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	conv := seedConversation(t, s, domain.KindPrivate, "a", "b")

	m1 := &domain.Message{ConversationID: conv.ID, SenderID: "a", Text: "1"}
	m2 := &domain.Message{ConversationID: conv.ID, SenderID: "a", Text: "2"}
	m3 := &domain.Message{ConversationID: conv.ID, SenderID: "b", Text: "3"}
	for _, m := range []*domain.Message{m1, m2, m3} {
		if err := s.CreateMessage(ctx, m); err != nil {
			t.Fatalf("CreateMessage: %v", err)
		}
	}

	if ok, err := s.SetMessageParent(ctx, m3.ID, m1.ID); err != nil || !ok {
		t.Fatalf("first SetMessageParent = %v, %v", ok, err)
	}
	if ok, _ := s.SetMessageParent(ctx, m3.ID, m2.ID); ok {
		t.Error("second SetMessageParent replaced an existing parent")
	}
	if ok, _ := s.SetMessageParent(ctx, m1.ID, m1.ID); ok {
		t.Error("message became its own parent")
	}
}

func TestMarkReadIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	conv := seedConversation(t, s, domain.KindPrivate, "a", "b")

	msg := &domain.Message{ConversationID: conv.ID, SenderID: "a", Text: "hi"}
	if err := s.CreateMessage(ctx, msg); err != nil {
		t.Fatalf("CreateMessage: %v", err)
	}

	if added, err := s.MarkRead(ctx, msg.ID, "b"); err != nil || !added {
		t.Fatalf("first MarkRead = %v, %v", added, err)
	}
	if added, err := s.MarkRead(ctx, msg.ID, "b"); err != nil || added {
		t.Errorf("second MarkRead = %v, %v; want false", added, err)
	}
	if added, _ := s.MarkRead(ctx, "ghost", "b"); added {
		t.Error("MarkRead on missing message reported success")
	}

	got, _ := s.GetMessage(ctx, msg.ID)
	if len(got.ReadBy) != 1 || got.ReadBy[0] != "b" {
		t.Errorf("ReadBy = %v, want [b]", got.ReadBy)
	}
}

func TestCountUnreadMatchesDomain(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	conv := seedConversation(t, s, domain.KindGroup, "a", "b", "c")

	senders := []string{"a", "b", "a", "c", "c"}
	var ids []string
	for i, from := range senders {
		msg := &domain.Message{
			ConversationID: conv.ID,
			SenderID:       from,
			Text:           "m",
			CreatedAt:      time.UnixMilli(int64(1000 + i)),
		}
		if err := s.CreateMessage(ctx, msg); err != nil {
			t.Fatalf("CreateMessage: %v", err)
		}
		ids = append(ids, msg.ID)
	}
	_, _ = s.MarkRead(ctx, ids[0], "b")
	_, _ = s.MarkRead(ctx, ids[3], "a")
	_, _ = s.MarkRead(ctx, ids[3], "b")

	msgs, err := s.ListMessages(ctx, conv.ID)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(msgs) != len(senders) {
		t.Fatalf("ListMessages returned %d, want %d", len(msgs), len(senders))
	}
	for i := range msgs {
		if msgs[i].ID != ids[i] {
			t.Fatalf("ListMessages order: got %s at %d, want %s", msgs[i].ID, i, ids[i])
		}
	}

	for _, user := range []string{"a", "b", "c"} {
		got, err := s.CountUnread(ctx, conv.ID, user)
		if err != nil {
			t.Fatalf("CountUnread(%s): %v", user, err)
		}
		if want := domain.UnreadCount(msgs, user); got != want {
			t.Errorf("CountUnread(%s) = %d, domain.UnreadCount = %d", user, got, want)
		}
	}
}

func TestMarkConversationRead(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	conv := seedConversation(t, s, domain.KindPrivate, "a", "b")

	for i, from := range []string{"a", "b", "a"} {
		msg := &domain.Message{ConversationID: conv.ID, SenderID: from, Text: "m", CreatedAt: time.UnixMilli(int64(1000 + i))}
		if err := s.CreateMessage(ctx, msg); err != nil {
			t.Fatalf("CreateMessage: %v", err)
		}
	}

	ids, err := s.MarkConversationRead(ctx, conv.ID, "b")
	if err != nil {
		t.Fatalf("MarkConversationRead: %v", err)
	}
	if len(ids) != 2 {
		t.Errorf("newly read = %v, want 2 ids", ids)
	}
	if n, _ := s.CountUnread(ctx, conv.ID, "b"); n != 0 {
		t.Errorf("CountUnread after mark all = %d", n)
	}
	again, _ := s.MarkConversationRead(ctx, conv.ID, "b")
	if len(again) != 0 {
		t.Errorf("second MarkConversationRead = %v, want none", again)
	}
}

func TestListConversationsOrderAndUnread(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	older := seedConversation(t, s, domain.KindPrivate, "a", "b")
	newer := seedConversation(t, s, domain.KindGroup, "a", "b", "c")
	seedConversation(t, s, domain.KindPrivate, "b", "c")

	future := time.Now().Add(time.Hour)
	if err := s.CreateMessage(ctx, &domain.Message{ConversationID: newer.ID, SenderID: "c", Text: "x", CreatedAt: future}); err != nil {
		t.Fatalf("CreateMessage: %v", err)
	}
	if err := s.CreateMessage(ctx, &domain.Message{ConversationID: older.ID, SenderID: "a", Text: "y"}); err != nil {
		t.Fatalf("CreateMessage: %v", err)
	}

	list, err := s.ListConversations(ctx, "a")
	if err != nil {
		t.Fatalf("ListConversations: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("len = %d, want 2", len(list))
	}
	if list[0].ID != newer.ID || list[0].UnreadCount != 1 {
		t.Errorf("first = %s unread %d, want %s unread 1", list[0].ID, list[0].UnreadCount, newer.ID)
	}
	if list[1].ID != older.ID || list[1].UnreadCount != 0 {
		t.Errorf("second = %s unread %d, want %s unread 0", list[1].ID, list[1].UnreadCount, older.ID)
	}
}
