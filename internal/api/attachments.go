package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/ashureev/chatline/internal/media"
	"github.com/go-chi/chi/v5"
)

const multipartMemory = 1 << 20

// UploadAttachment stores a file and creates a pending message carrying it.
// The client then announces it with send_message and the returned id.
func (h *Handler) UploadAttachment(w http.ResponseWriter, r *http.Request) {
	actor := actorFromRequest(r)
	conversationID := chi.URLParam(r, "conversationID")
	ctx := r.Context()

	conv, err := h.repo.GetConversation(ctx, conversationID)
	if err != nil {
		slog.Error("Failed to load conversation", "error", err, "conversation_id", conversationID)
		Error(w, http.StatusInternalServerError, "failed to load conversation")
		return
	}
	if conv == nil {
		Error(w, http.StatusNotFound, "conversation not found")
		return
	}
	if !conv.HasMember(actor.UserID) {
		Error(w, http.StatusForbidden, "not a conversation member")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			Error(w, http.StatusRequestEntityTooLarge, "file too large")
			return
		}
		Error(w, http.StatusBadRequest, "invalid form")
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	file, header, err := r.FormFile("file")
	if err != nil {
		Error(w, http.StatusBadRequest, "file is required")
		return
	}
	defer func() { _ = file.Close() }()

	key := media.NewKey(conv.ID, header.Filename)
	if err := h.media.Put(ctx, key, header.Header.Get("Content-Type"), file); err != nil {
		slog.Error("Failed to store attachment", "error", err, "conversation_id", conv.ID, "user_id", actor.UserID)
		Error(w, http.StatusInternalServerError, "failed to store file")
		return
	}

	text := strings.TrimSpace(r.FormValue("message"))
	msg, err := h.engine.CreatePending(ctx, actor, conv.ID, text, media.URL(key))
	if err != nil {
		h.discard(key)
		engineError(w, err, "Failed to create attachment message", "conversation_id", conv.ID, "user_id", actor.UserID)
		return
	}

	slog.Info("Attachment uploaded", "conversation_id", conv.ID, "message_id", msg.ID, "user_id", actor.UserID, "size", header.Size)
	JSON(w, http.StatusOK, map[string]interface{}{
		"file_url":   msg.FileURL,
		"message_id": msg.ID,
	})
}

// discard removes a stored file whose message could not be created.
func (h *Handler) discard(key string) {
	if err := h.media.Delete(context.Background(), key); err != nil {
		slog.Warn("Failed to remove orphaned attachment", "error", err, "key", key)
	}
}
