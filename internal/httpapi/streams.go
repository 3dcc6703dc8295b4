package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/meshworks/meshchat/internal/assistant"
	"github.com/meshworks/meshchat/internal/metrics"
	"github.com/meshworks/meshchat/internal/orchestrator"
	"github.com/meshworks/meshchat/internal/repository"
	"github.com/meshworks/meshchat/internal/sse"
)

// heartbeatInterval paces comment frames on quiet streams so proxies and
// load balancers do not idle the connection out.
const heartbeatInterval = 15 * time.Second

type createMessageRequest struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type createMessageResponse struct {
	StreamID string              `json:"stream_id"`
	Message  *repository.Message `json:"message"`
}

// handleCreateMessage persists a message and registers a stream handle for
// the assistant's reply. The handle stays idle until a subscriber attaches.
func (s *Server) handleCreateMessage(w http.ResponseWriter, r *http.Request) {
	user, ok := s.currentUser(w, r)
	if !ok {
		return
	}
	chat, ok := s.ownedChat(w, r, user)
	if !ok {
		return
	}

	var req createMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Content == "" {
		sendError(w, "content is required", http.StatusBadRequest)
		return
	}
	if req.Role == "" {
		req.Role = string(assistant.RoleUser)
	}

	streamID, msg, err := s.orch.CreateMessage(r.Context(), chat.ID, req.Role, req.Content)
	switch {
	case errors.Is(err, repository.ErrInvalidRole):
		sendError(w, "invalid role", http.StatusBadRequest)
	case errors.Is(err, orchestrator.ErrShuttingDown):
		sendError(w, "service is shutting down", http.StatusServiceUnavailable)
	case err != nil:
		s.logger.Error("Message create failed",
			zap.Int64("chat_id", chat.ID),
			zap.Error(err))
		sendError(w, "internal server error", http.StatusInternalServerError)
	default:
		sendJSON(w, http.StatusOK, createMessageResponse{StreamID: streamID, Message: msg})
	}
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	user, ok := s.currentUser(w, r)
	if !ok {
		return
	}
	chat, ok := s.ownedChat(w, r, user)
	if !ok {
		return
	}

	msgs, err := s.stores.Messages.ListByChat(r.Context(), chat.ID)
	if err != nil {
		s.logger.Error("Message list failed",
			zap.Int64("chat_id", chat.ID),
			zap.Error(err))
		sendError(w, "internal server error", http.StatusInternalServerError)
		return
	}
	if msgs == nil {
		msgs = []repository.Message{}
	}
	sendJSON(w, http.StatusOK, msgs)
}

// handleStream attaches the caller to a stream handle and relays its events
// as SSE until the feed closes or the client goes away.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	user, ok := s.currentUser(w, r)
	if !ok {
		return
	}
	chat, ok := s.ownedChat(w, r, user)
	if !ok {
		return
	}
	if _, err := pathID(r, "message_id"); err != nil {
		sendError(w, "invalid message id", http.StatusBadRequest)
		return
	}
	streamID := r.PathValue("stream_id")

	events, err := s.orch.Subscribe(r.Context(), chat.ID, streamID)
	if err != nil {
		s.subscribeError(w, streamID, err)
		return
	}

	sw, err := sse.NewWriter(w)
	if err != nil {
		sendError(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	metrics.SubscriberConnected("sse")
	defer metrics.SubscriberDisconnected("sse")

	s.logger.Info("SSE subscriber attached",
		zap.String("stream_id", streamID),
		zap.Int64("chat_id", chat.ID))

	sw.Comment("connected")

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-events:
			if !open {
				return
			}
			if err := sw.Send(ev); err != nil {
				s.logger.Debug("SSE write failed",
					zap.String("stream_id", streamID),
					zap.Error(err))
				return
			}
		case <-heartbeat.C:
			if err := sw.Comment("heartbeat"); err != nil {
				return
			}
		}
	}
}

func (s *Server) handleCancelStream(w http.ResponseWriter, r *http.Request) {
	user, ok := s.currentUser(w, r)
	if !ok {
		return
	}
	if _, ok := s.ownedChat(w, r, user); !ok {
		return
	}
	streamID := r.PathValue("stream_id")

	switch err := s.orch.Stop(streamID); {
	case errors.Is(err, orchestrator.ErrNotFound):
		sendError(w, "stream not found", http.StatusNotFound)
	case err != nil:
		s.logger.Error("Stream cancel failed",
			zap.String("stream_id", streamID),
			zap.Error(err))
		sendError(w, "internal server error", http.StatusInternalServerError)
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) subscribeError(w http.ResponseWriter, streamID string, err error) {
	switch {
	case errors.Is(err, orchestrator.ErrNotFound):
		sendError(w, "stream not found", http.StatusNotFound)
	case errors.Is(err, orchestrator.ErrAlreadySubscribed):
		sendError(w, "stream already has a subscriber", http.StatusConflict)
	case errors.Is(err, orchestrator.ErrShuttingDown):
		sendError(w, "service is shutting down", http.StatusServiceUnavailable)
	default:
		s.logger.Error("Subscribe failed",
			zap.String("stream_id", streamID),
			zap.Error(err))
		sendError(w, "internal server error", http.StatusInternalServerError)
	}
}
