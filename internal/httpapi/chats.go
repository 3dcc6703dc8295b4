package httpapi

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/meshworks/meshchat/internal/repository"
)

type chatRequest struct {
	Title string `json:"title"`
}

func (s *Server) handleListChats(w http.ResponseWriter, r *http.Request) {
	user, ok := s.currentUser(w, r)
	if !ok {
		return
	}

	chats, err := s.stores.Chats.ListByUser(r.Context(), user.ID)
	if err != nil {
		s.logger.Error("Chat list failed",
			zap.Int64("user_id", user.ID),
			zap.Error(err))
		sendError(w, "internal server error", http.StatusInternalServerError)
		return
	}
	if chats == nil {
		chats = []repository.Chat{}
	}
	sendJSON(w, http.StatusOK, chats)
}

func (s *Server) handleCreateChat(w http.ResponseWriter, r *http.Request) {
	user, ok := s.currentUser(w, r)
	if !ok {
		return
	}

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Title == "" {
		req.Title = "Chat"
	}

	chat, err := s.stores.Chats.Create(r.Context(), user.ID, req.Title)
	if err != nil {
		s.logger.Error("Chat create failed",
			zap.Int64("user_id", user.ID),
			zap.Error(err))
		sendError(w, "internal server error", http.StatusInternalServerError)
		return
	}
	sendJSON(w, http.StatusCreated, chat)
}

func (s *Server) handleRenameChat(w http.ResponseWriter, r *http.Request) {
	user, ok := s.currentUser(w, r)
	if !ok {
		return
	}
	chat, ok := s.ownedChat(w, r, user)
	if !ok {
		return
	}

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Title == "" {
		sendError(w, "title is required", http.StatusBadRequest)
		return
	}

	renamed, err := s.stores.Chats.Rename(r.Context(), chat.ID, req.Title)
	if err != nil {
		s.logger.Error("Chat rename failed",
			zap.Int64("chat_id", chat.ID),
			zap.Error(err))
		sendError(w, "internal server error", http.StatusInternalServerError)
		return
	}
	sendJSON(w, http.StatusOK, renamed)
}

// handleDeleteChat removes the chat row; messages and mesh links go with it
// via ON DELETE CASCADE. The history cache entry is dropped afterwards so a
// recreated chat id cannot serve stale turns.
func (s *Server) handleDeleteChat(w http.ResponseWriter, r *http.Request) {
	user, ok := s.currentUser(w, r)
	if !ok {
		return
	}
	chat, ok := s.ownedChat(w, r, user)
	if !ok {
		return
	}

	if err := s.stores.Chats.Delete(r.Context(), chat.ID); err != nil {
		s.logger.Error("Chat delete failed",
			zap.Int64("chat_id", chat.ID),
			zap.Error(err))
		sendError(w, "internal server error", http.StatusInternalServerError)
		return
	}
	if s.history != nil {
		s.history.Invalidate(r.Context(), chat.ID)
	}
	w.WriteHeader(http.StatusNoContent)
}
