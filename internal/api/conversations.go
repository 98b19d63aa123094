package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"

	"github.com/ashureev/chatline/internal/domain"
	"github.com/go-chi/chi/v5"
)

// privateLocks serializes find-or-create for the same pair of users.
// Entries are kept for the life of the process.
var privateLocks sync.Map

func pairKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + "\x00" + b
}

// GetMe returns the current user's information.
func (h *Handler) GetMe(w http.ResponseWriter, r *http.Request) {
	userID := actorFromRequest(r).UserID
	user, err := h.repo.GetUser(r.Context(), userID)
	if err != nil || user == nil {
		slog.Warn("Failed to load current user", "error", err, "user_id", userID)
		Error(w, http.StatusUnauthorized, "user not found")
		return
	}
	JSON(w, http.StatusOK, user)
}

// ListConversations returns the caller's conversations with unread counts.
func (h *Handler) ListConversations(w http.ResponseWriter, r *http.Request) {
	userID := actorFromRequest(r).UserID
	convs, err := h.repo.ListConversations(r.Context(), userID)
	if err != nil {
		slog.Error("Failed to list conversations", "error", err, "user_id", userID)
		Error(w, http.StatusInternalServerError, "failed to list conversations")
		return
	}
	if convs == nil {
		convs = []domain.ConversationSummary{}
	}
	JSON(w, http.StatusOK, map[string]interface{}{"conversations": convs})
}

type startPrivateRequest struct {
	UserID string `json:"user_id"`
}

// StartPrivate returns the private conversation between the caller and
// another user, creating it on first use.
func (h *Handler) StartPrivate(w http.ResponseWriter, r *http.Request) {
	userID := actorFromRequest(r).UserID

	var req startPrivateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	other := strings.TrimSpace(req.UserID)
	if other == "" {
		Error(w, http.StatusBadRequest, "user_id is required")
		return
	}
	if other == userID {
		Error(w, http.StatusBadRequest, "cannot start a conversation with yourself")
		return
	}

	ctx := r.Context()
	peer, err := h.repo.GetUser(ctx, other)
	if err != nil {
		slog.Error("Failed to load user", "error", err, "user_id", other)
		Error(w, http.StatusInternalServerError, "failed to load user")
		return
	}
	if peer == nil {
		Error(w, http.StatusNotFound, "user not found")
		return
	}

	lock, _ := privateLocks.LoadOrStore(pairKey(userID, other), &sync.Mutex{})
	mutex := lock.(*sync.Mutex)
	mutex.Lock()
	defer mutex.Unlock()

	conv, err := h.repo.FindPrivateConversation(ctx, userID, other)
	if err != nil {
		slog.Error("Failed to find private conversation", "error", err, "user_id", userID, "peer_id", other)
		Error(w, http.StatusInternalServerError, "failed to load conversation")
		return
	}
	if conv != nil {
		JSON(w, http.StatusOK, conv)
		return
	}

	conv = &domain.Conversation{Kind: domain.KindPrivate, Members: []string{userID, other}}
	if err := h.repo.CreateConversation(ctx, conv); err != nil {
		slog.Error("Failed to create private conversation", "error", err, "user_id", userID, "peer_id", other)
		Error(w, http.StatusInternalServerError, "failed to create conversation")
		return
	}
	slog.Info("Private conversation created", "conversation_id", conv.ID, "user_id", userID, "peer_id", other)
	JSON(w, http.StatusCreated, conv)
}

type createGroupRequest struct {
	Name      string   `json:"name"`
	AvatarURL string   `json:"avatar_url"`
	MemberIDs []string `json:"member_ids"`
}

// CreateGroup creates a group conversation administered by the caller.
func (h *Handler) CreateGroup(w http.ResponseWriter, r *http.Request) {
	userID := actorFromRequest(r).UserID

	var req createGroupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		Error(w, http.StatusBadRequest, "name is required")
		return
	}

	ctx := r.Context()
	members := []string{userID}
	for _, id := range req.MemberIDs {
		id = strings.TrimSpace(id)
		if id == "" || slices.Contains(members, id) {
			continue
		}
		u, err := h.repo.GetUser(ctx, id)
		if err != nil {
			slog.Error("Failed to load user", "error", err, "user_id", id)
			Error(w, http.StatusInternalServerError, "failed to load user")
			return
		}
		if u == nil {
			Error(w, http.StatusBadRequest, "unknown member: "+id)
			return
		}
		members = append(members, id)
	}

	conv := &domain.Conversation{
		Kind:      domain.KindGroup,
		Name:      name,
		AvatarURL: strings.TrimSpace(req.AvatarURL),
		Members:   members,
		Admins:    []string{userID},
	}
	if err := h.repo.CreateConversation(ctx, conv); err != nil {
		slog.Error("Failed to create group", "error", err, "user_id", userID)
		Error(w, http.StatusInternalServerError, "failed to create conversation")
		return
	}
	slog.Info("Group conversation created", "conversation_id", conv.ID, "user_id", userID, "members", len(members))
	JSON(w, http.StatusCreated, conv)
}

// OpenConversation returns a conversation's messages and marks them read
// for the caller.
func (h *Handler) OpenConversation(w http.ResponseWriter, r *http.Request) {
	actor := actorFromRequest(r)
	conversationID := chi.URLParam(r, "conversationID")

	msgs, firstUnread, err := h.engine.OpenConversation(r.Context(), actor, conversationID)
	if err != nil {
		engineError(w, err, "Failed to open conversation", "conversation_id", conversationID, "user_id", actor.UserID)
		return
	}
	if msgs == nil {
		msgs = []domain.Message{}
	}

	resp := map[string]interface{}{
		"messages":        msgs,
		"first_unread_id": nil,
	}
	if firstUnread != "" {
		resp["first_unread_id"] = firstUnread
	}
	JSON(w, http.StatusOK, resp)
}
