// Package realtime serves the websocket notification and room channels.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/ashureev/chatline/internal/hub"
	"github.com/ashureev/chatline/internal/protocol"
	"github.com/coder/websocket"
)

// State is a session's protocol state.
type State int

const (
	StateConnecting State = iota
	StateOpen
	StateClosed
)

var stateNames = map[State]string{
	StateConnecting: "connecting",
	StateOpen:       "open",
	StateClosed:     "closed",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

var validTransitions = map[State][]State{
	StateConnecting: {StateOpen, StateClosed},
	StateOpen:       {StateClosed},
}

// ErrInvalidTransition is returned when a state change is not allowed.
var ErrInvalidTransition = errors.New("invalid session state transition")

func canTransition(from, to State) bool {
	return slices.Contains(validTransitions[from], to)
}

// Flavor distinguishes the two channel kinds.
type Flavor int

const (
	// FlavorNotify sessions only carry unread count updates.
	FlavorNotify Flavor = iota
	// FlavorRoom sessions are attached to one conversation.
	FlavorRoom
)

func (f Flavor) String() string {
	if f == FlavorRoom {
		return "room"
	}
	return "notify"
}

// Conn is the part of a websocket connection a session writes to.
type Conn interface {
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// Session is one live connection. It owns its group subscriptions and its
// outbound queue; the registry only refers to it.
type Session struct {
	ID             string
	UserID         string
	Username       string
	ConversationID string
	Flavor         Flavor

	registry     *hub.Registry
	writeTimeout time.Duration
	logger       *slog.Logger

	mu      sync.Mutex
	state   State
	conn    Conn
	keys    map[hub.Key]struct{}
	onClose []func()

	queue     chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// SessionOptions configures a new session.
type SessionOptions struct {
	QueueSize    int
	WriteTimeout time.Duration
	Logger       *slog.Logger
}

// NewSession creates a session in the Connecting state.
func NewSession(id, userID, username string, flavor Flavor, registry *hub.Registry, opts SessionOptions) *Session {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		ID:           id,
		UserID:       userID,
		Username:     username,
		Flavor:       flavor,
		registry:     registry,
		writeTimeout: opts.WriteTimeout,
		logger:       logger.With("session_id", id, "user_id", userID, "flavor", flavor.String()),
		state:        StateConnecting,
		keys:         make(map[hub.Key]struct{}),
		queue:        make(chan []byte, opts.QueueSize),
		done:         make(chan struct{}),
	}
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done is closed once the session has closed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// OnClose registers fn to run once when the session closes. Hooks run in
// registration order after the session has left its groups.
func (s *Session) OnClose(fn func()) {
	s.mu.Lock()
	s.onClose = append(s.onClose, fn)
	s.mu.Unlock()
}

// Open attaches the accepted connection and starts the writer.
func (s *Session) Open(conn Conn) error {
	s.mu.Lock()
	if !canTransition(s.state, StateOpen) {
		from := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, StateOpen)
	}
	s.state = StateOpen
	s.conn = conn
	s.mu.Unlock()

	go s.writeLoop()
	return nil
}

// Join subscribes the session to a group. A room session is in at most one
// room group, so joining a room leaves the previous one.
func (s *Session) Join(key hub.Key) error {
	s.mu.Lock()
	if s.state != StateOpen {
		s.mu.Unlock()
		return fmt.Errorf("join %s: session is %s", key, s.state)
	}
	var previous []hub.Key
	if key.IsRoom() {
		for k := range s.keys {
			if k.IsRoom() && k != key {
				previous = append(previous, k)
				delete(s.keys, k)
			}
		}
	}
	s.keys[key] = struct{}{}
	s.mu.Unlock()

	for _, k := range previous {
		s.registry.Leave(k, s)
	}
	s.registry.Join(key, s)
	return nil
}

// Leave unsubscribes the session from a group. Leaving twice is a no-op.
func (s *Session) Leave(key hub.Key) {
	s.mu.Lock()
	delete(s.keys, key)
	s.mu.Unlock()
	s.registry.Leave(key, s)
}

// Deliver enqueues evt for writing. Events for groups the session has left,
// events after close and events the flavor does not carry are dropped. A
// full queue closes the session.
func (s *Session) Deliver(key hub.Key, evt protocol.Event) {
	if s.Flavor == FlavorNotify {
		if _, ok := evt.(protocol.UnreadCountUpdate); !ok {
			return
		}
	}

	s.mu.Lock()
	_, joined := s.keys[key]
	open := s.state == StateOpen
	s.mu.Unlock()
	if !open || !joined {
		return
	}

	frame, err := protocol.Encode(evt)
	if err != nil {
		s.logger.Error("Failed to encode event", "error", err)
		return
	}

	select {
	case s.queue <- frame:
	default:
		s.logger.Warn("Send queue full, closing session", "group", string(key))
		go s.Close(websocket.StatusPolicyViolation, "send queue full")
	}
}

func (s *Session) writeLoop() {
	for {
		select {
		case <-s.done:
			return
		case frame := <-s.queue:
			ctx, cancel := context.WithTimeout(context.Background(), s.writeTimeout)
			err := s.conn.Write(ctx, websocket.MessageText, frame)
			cancel()
			if err != nil {
				s.logger.Debug("WebSocket write error", "error", err)
				s.Close(websocket.StatusGoingAway, "write failed")
				return
			}
		}
	}
}

// Close moves the session to Closed. Only the first call has any effect: it
// leaves every group, runs the close hooks and closes the connection.
func (s *Session) Close(code websocket.StatusCode, reason string) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		wasOpen := s.state == StateOpen
		s.state = StateClosed
		keys := make([]hub.Key, 0, len(s.keys))
		for k := range s.keys {
			keys = append(keys, k)
		}
		clear(s.keys)
		hooks := s.onClose
		s.onClose = nil
		conn := s.conn
		s.mu.Unlock()

		for _, k := range keys {
			s.registry.Leave(k, s)
		}
		close(s.done)

		if !wasOpen {
			return
		}
		for _, fn := range hooks {
			fn()
		}
		if err := conn.Close(code, reason); err != nil {
			s.logger.Debug("Failed to close websocket", "error", err)
		}
	})
}

// Keys returns the groups the session is subscribed to.
func (s *Session) Keys() []hub.Key {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]hub.Key, 0, len(s.keys))
	for k := range s.keys {
		out = append(out, k)
	}
	return out
}
