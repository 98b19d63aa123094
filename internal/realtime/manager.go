package realtime

import (
	"log/slog"
	"sync"

	"github.com/coder/websocket"
)

// SessionManager tracks live sessions per user.
type SessionManager struct {
	mu     sync.RWMutex
	active map[string]map[string]*Session
}

// NewSessionManager creates a new session manager.
func NewSessionManager() *SessionManager {
	return &SessionManager{
		active: make(map[string]map[string]*Session),
	}
}

// Get returns a user's live session by ID.
func (m *SessionManager) Get(userID, sessionID string) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if sessions, ok := m.active[userID]; ok {
		return sessions[sessionID]
	}
	return nil
}

// Register adds a live session.
func (m *SessionManager) Register(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.active[s.UserID]; !exists {
		m.active[s.UserID] = make(map[string]*Session)
	}
	m.active[s.UserID][s.ID] = s
	slog.Info("Realtime session registered", "user_id", s.UserID, "session_id", s.ID, "flavor", s.Flavor.String())
}

// Unregister removes a session if it is still the registered one.
func (m *SessionManager) Unregister(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sessions, ok := m.active[s.UserID]; ok {
		if current, exists := sessions[s.ID]; exists && current == s {
			delete(sessions, s.ID)
			if len(sessions) == 0 {
				delete(m.active, s.UserID)
			}
			slog.Info("Realtime session unregistered", "user_id", s.UserID, "session_id", s.ID)
		}
	}
}

// Count returns the number of live sessions of a user.
func (m *SessionManager) Count(userID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.active[userID])
}

// Total returns the number of live sessions.
func (m *SessionManager) Total() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, sessions := range m.active {
		n += len(sessions)
	}
	return n
}

// InRoom reports whether userID holds a live room session.
func (m *SessionManager) InRoom(userID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.active[userID] {
		if s.Flavor == FlavorRoom {
			return true
		}
	}
	return false
}

// Present returns the users holding at least one live room session.
func (m *SessionManager) Present() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for uid, sessions := range m.active {
		for _, s := range sessions {
			if s.Flavor == FlavorRoom {
				out = append(out, uid)
				break
			}
		}
	}
	return out
}

// CloseAll terminates every live session, for shutdown.
func (m *SessionManager) CloseAll() {
	for _, s := range m.snapshot() {
		s.Close(websocket.StatusGoingAway, "server shutting down")
	}
}

// snapshot copies every live session. Sessions are closed outside the lock
// since closing unregisters them.
func (m *SessionManager) snapshot() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Session
	for _, sessions := range m.active {
		for _, s := range sessions {
			out = append(out, s)
		}
	}
	return out
}
