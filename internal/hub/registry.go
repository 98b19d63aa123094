// Package hub routes outbound events to the live sessions subscribed to a group.
package hub

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/ashureev/chatline/internal/protocol"
)

// Key identifies a broadcast group.
type Key string

const (
	roomPrefix   = "room:"
	notifyPrefix = "notify:"
)

// RoomKey returns the group of sessions viewing a conversation.
func RoomKey(conversationID string) Key {
	return Key(roomPrefix + conversationID)
}

// NotifyKey returns the group of all live sessions of a user.
func NotifyKey(userID string) Key {
	return Key(notifyPrefix + userID)
}

// IsRoom reports whether k is a room group.
func (k Key) IsRoom() bool { return strings.HasPrefix(string(k), roomPrefix) }

// IsNotify reports whether k is a notify group.
func (k Key) IsNotify() bool { return strings.HasPrefix(string(k), notifyPrefix) }

// Member is a group subscriber. Deliver must not block: a member that cannot
// accept an event is expected to disconnect itself.
type Member interface {
	Deliver(key Key, evt protocol.Event)
}

// Forwarder carries group events to other server instances.
type Forwarder interface {
	Publish(ctx context.Context, key Key, evt protocol.Event) error
}

// Registry maps group keys to their current members.
// The Registry references members but never owns their lifetime.
type Registry struct {
	mu      sync.RWMutex
	groups  map[Key]map[Member]struct{}
	forward Forwarder
	logger  *slog.Logger
}

// NewRegistry creates an empty registry. A nil logger uses slog.Default().
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		groups: make(map[Key]map[Member]struct{}),
		logger: logger,
	}
}

// SetForwarder installs the cross-instance relay. Call before serving traffic.
func (r *Registry) SetForwarder(f Forwarder) {
	r.mu.Lock()
	r.forward = f
	r.mu.Unlock()
}

// Join adds m to the group. Joining twice is a no-op.
func (r *Registry) Join(key Key, m Member) {
	r.mu.Lock()
	defer r.mu.Unlock()

	members, ok := r.groups[key]
	if !ok {
		members = make(map[Member]struct{})
		r.groups[key] = members
	}
	members[m] = struct{}{}
}

// Leave removes m from the group and reclaims the group once empty.
// Leaving a group m is not in is a no-op.
func (r *Registry) Leave(key Key, m Member) {
	r.mu.Lock()
	defer r.mu.Unlock()

	members, ok := r.groups[key]
	if !ok {
		return
	}
	delete(members, m)
	if len(members) == 0 {
		delete(r.groups, key)
	}
}

// Send delivers evt to every local member of the group at call time and hands
// it to the forwarder, if any. Forwarding errors are logged, not returned.
func (r *Registry) Send(ctx context.Context, key Key, evt protocol.Event) {
	r.DeliverLocal(key, evt)

	r.mu.RLock()
	fw := r.forward
	r.mu.RUnlock()
	if fw == nil {
		return
	}
	if err := fw.Publish(ctx, key, evt); err != nil {
		r.logger.Warn("Failed to forward group event", "group", string(key), "error", err)
	}
}

// DeliverLocal delivers evt to the local members of the group without
// forwarding and returns how many members received it.
func (r *Registry) DeliverLocal(key Key, evt protocol.Event) int {
	snapshot := r.members(key)

	delivered := 0
	for _, m := range snapshot {
		// Skip members that left after the snapshot was taken.
		if !r.isMember(key, m) {
			continue
		}
		m.Deliver(key, evt)
		delivered++
	}
	return delivered
}

// Size returns the number of members currently in the group.
func (r *Registry) Size(key Key) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.groups[key])
}

// GroupCount returns the number of non-empty groups.
func (r *Registry) GroupCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.groups)
}

func (r *Registry) members(key Key) []Member {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := r.groups[key]
	out := make([]Member, 0, len(members))
	for m := range members {
		out = append(out, m)
	}
	return out
}

func (r *Registry) isMember(key Key, m Member) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.groups[key][m]
	return ok
}
