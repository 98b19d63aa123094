// Package api provides the HTTP handlers around the realtime chat core.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/ashureev/chatline/internal/chat"
	"github.com/ashureev/chatline/internal/identity"
	"github.com/ashureev/chatline/internal/media"
	"github.com/ashureev/chatline/internal/store"
	"github.com/go-chi/chi/v5"
)

// Handler provides common handler utilities.
type Handler struct {
	repo           store.Repository
	engine         *chat.Engine
	media          media.Store
	maxUploadBytes int64
}

// NewHandler creates a new Handler with common dependencies.
func NewHandler(repo store.Repository, engine *chat.Engine, files media.Store, maxUploadBytes int64) *Handler {
	return &Handler{
		repo:           repo,
		engine:         engine,
		media:          files,
		maxUploadBytes: maxUploadBytes,
	}
}

// RegisterRoutes registers the authenticated REST routes.
// Identity middleware must run first.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/me", h.GetMe)
		r.Route("/conversations", func(r chi.Router) {
			r.Get("/", h.ListConversations)
			r.Post("/private", h.StartPrivate)
			r.Post("/group", h.CreateGroup)
			r.Get("/{conversationID}/messages", h.OpenConversation)
			r.Post("/{conversationID}/attachments", h.UploadAttachment)
		})
	})
	r.Handle("/media/*", http.StripPrefix("/media", h.media))
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

func actorFromRequest(r *http.Request) chat.Actor {
	return chat.Actor{
		UserID:   identity.UserIDFromContext(r.Context()),
		Username: identity.UsernameFromContext(r.Context()),
	}
}

// engineError maps engine sentinels onto HTTP statuses.
func engineError(w http.ResponseWriter, err error, msg string, args ...any) {
	switch {
	case errors.Is(err, chat.ErrNotFound):
		Error(w, http.StatusNotFound, "conversation not found")
	case errors.Is(err, chat.ErrForbidden):
		Error(w, http.StatusForbidden, "not a conversation member")
	default:
		slog.Error(msg, append(args, "error", err)...)
		Error(w, http.StatusInternalServerError, "internal error")
	}
}
