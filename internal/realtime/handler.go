package realtime

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/ashureev/chatline/internal/chat"
	"github.com/ashureev/chatline/internal/hub"
	"github.com/ashureev/chatline/internal/identity"
	"github.com/ashureev/chatline/internal/protocol"
	"github.com/ashureev/chatline/internal/store"
	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

const presenceTimeout = 5 * time.Second

// Options configures the websocket handlers.
type Options struct {
	// AllowedOrigins are full origins ("https://chat.example.com") or "*".
	AllowedOrigins   []string
	SendQueueSize    int
	WriteTimeout     time.Duration
	ReadLimitBytes   int64
	StrictMembership bool
	Logger           *slog.Logger
}

// Handler serves the notification and room channels.
type Handler struct {
	repo     store.Repository
	engine   *chat.Engine
	registry *hub.Registry
	sessions *SessionManager
	opts     Options
	origins  []string
	logger   *slog.Logger
}

// NewHandler creates the websocket handlers.
func NewHandler(repo store.Repository, engine *chat.Engine, registry *hub.Registry, sessions *SessionManager, opts Options) *Handler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		repo:     repo,
		engine:   engine,
		registry: registry,
		sessions: sessions,
		opts:     opts,
		origins:  OriginPatterns(opts.AllowedOrigins),
		logger:   logger,
	}
}

// Routes mounts the channels on r. Identity middleware must run first.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/ws/notifications", h.Notifications)
	r.Get("/ws/chat/{conversationID}", h.Room)
}

// OriginPatterns converts configured origins to the host patterns the
// websocket library matches against.
func OriginPatterns(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, o := range origins {
		if o == "*" {
			out = append(out, o)
			continue
		}
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			out = append(out, u.Host)
			continue
		}
		out = append(out, o)
	}
	return out
}

func (h *Handler) newSession(r *http.Request, flavor Flavor) *Session {
	return NewSession(
		uuid.NewString(),
		identity.UserIDFromContext(r.Context()),
		identity.UsernameFromContext(r.Context()),
		flavor,
		h.registry,
		SessionOptions{
			QueueSize:    h.opts.SendQueueSize,
			WriteTimeout: h.opts.WriteTimeout,
			Logger:       h.logger,
		},
	)
}

// accept upgrades the connection and opens the session.
func (h *Handler) accept(w http.ResponseWriter, r *http.Request, s *Session) (*websocket.Conn, error) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.origins,
	})
	if err != nil {
		s.Close(websocket.StatusInternalError, "accept failed")
		return nil, err
	}
	if h.opts.ReadLimitBytes > 0 {
		ws.SetReadLimit(h.opts.ReadLimitBytes)
	}
	if err := s.Open(ws); err != nil {
		_ = ws.CloseNow()
		return nil, err
	}

	h.sessions.Register(s)
	s.OnClose(func() { h.sessions.Unregister(s) })
	return ws, nil
}

// Notifications serves a user's unread count channel.
func (h *Handler) Notifications(w http.ResponseWriter, r *http.Request) {
	s := h.newSession(r, FlavorNotify)
	if s.UserID == "" {
		s.Close(websocket.StatusPolicyViolation, "unauthenticated")
		http.Error(w, `{"error":"authentication required"}`, http.StatusUnauthorized)
		return
	}
	h.logger.Info("Notification channel request", "user_id", s.UserID, "session_id", s.ID, "ip", identity.IPFromRequest(r))

	ws, err := h.accept(w, r, s)
	if err != nil {
		h.logger.Error("Failed to accept WebSocket", "error", err, "user_id", s.UserID)
		return
	}
	defer s.Close(websocket.StatusNormalClosure, "session ended")

	if err := s.Join(hub.NotifyKey(s.UserID)); err != nil {
		h.logger.Warn("Failed to join notify group", "error", err, "user_id", s.UserID)
		return
	}

	// The notification channel is server-to-client only.
	ctx := ws.CloseRead(r.Context())
	select {
	case <-ctx.Done():
	case <-s.Done():
	}
	h.logger.Info("Notification channel ended", "user_id", s.UserID, "session_id", s.ID)
}

// Room serves one conversation's channel.
func (h *Handler) Room(w http.ResponseWriter, r *http.Request) {
	s := h.newSession(r, FlavorRoom)
	s.ConversationID = chi.URLParam(r, "conversationID")
	if s.UserID == "" {
		s.Close(websocket.StatusPolicyViolation, "unauthenticated")
		http.Error(w, `{"error":"authentication required"}`, http.StatusUnauthorized)
		return
	}
	h.logger.Info("Room channel request", "user_id", s.UserID, "conversation_id", s.ConversationID, "session_id", s.ID)

	conv, err := h.repo.GetConversation(r.Context(), s.ConversationID)
	if err != nil {
		s.Close(websocket.StatusInternalError, "lookup failed")
		h.logger.Error("Failed to load conversation", "error", err, "conversation_id", s.ConversationID)
		http.Error(w, `{"error":"failed to load conversation"}`, http.StatusInternalServerError)
		return
	}
	if conv == nil {
		s.Close(websocket.StatusPolicyViolation, "not found")
		http.Error(w, `{"error":"conversation not found"}`, http.StatusNotFound)
		return
	}
	if !conv.HasMember(s.UserID) {
		if h.opts.StrictMembership {
			s.Close(websocket.StatusPolicyViolation, "forbidden")
			h.logger.Warn("Room connect refused for non-member", "user_id", s.UserID, "conversation_id", conv.ID)
			http.Error(w, `{"error":"not a conversation member"}`, http.StatusForbidden)
			return
		}
		h.logger.Warn("Non-member attached to room", "user_id", s.UserID, "conversation_id", conv.ID)
	}

	ws, err := h.accept(w, r, s)
	if err != nil {
		h.logger.Error("Failed to accept WebSocket", "error", err, "user_id", s.UserID)
		return
	}
	defer s.Close(websocket.StatusNormalClosure, "session ended")

	s.OnClose(func() {
		if !h.sessions.InRoom(s.UserID) {
			h.setPresence(s.UserID, false)
		}
	})
	if err := s.Join(hub.RoomKey(conv.ID)); err != nil {
		h.logger.Warn("Failed to join room", "error", err, "conversation_id", conv.ID)
		return
	}
	h.setPresence(s.UserID, true)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		select {
		case <-s.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	h.readLoop(ctx, ws, s)
	h.logger.Info("Room channel ended", "user_id", s.UserID, "conversation_id", conv.ID, "session_id", s.ID)
}

func (h *Handler) readLoop(ctx context.Context, ws *websocket.Conn, s *Session) {
	actor := chat.Actor{UserID: s.UserID, Username: s.Username}
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 || errors.Is(err, context.Canceled) {
				h.logger.Debug("WebSocket closed", "user_id", s.UserID, "session_id", s.ID)
			} else {
				h.logger.Warn("WebSocket read error", "error", err, "user_id", s.UserID)
			}
			return
		}
		if s.State() != StateOpen {
			return
		}

		cmd, err := protocol.DecodeCommand(data)
		if err != nil {
			h.logger.Debug("Ignoring inbound frame", "error", err, "user_id", s.UserID)
			continue
		}
		h.engine.Handle(ctx, actor, s.ConversationID, cmd)
	}
}

func (h *Handler) setPresence(userID string, online bool) {
	ctx, cancel := context.WithTimeout(context.Background(), presenceTimeout)
	defer cancel()
	if err := h.repo.SetPresence(ctx, userID, online, time.Now()); err != nil {
		h.logger.Warn("Failed to update presence", "error", err, "user_id", userID, "online", online)
	}
}
