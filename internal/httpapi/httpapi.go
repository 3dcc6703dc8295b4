// Package httpapi exposes the service over HTTP: REST endpoints for users,
// chats, and mesh models, the stream feed over SSE with a WebSocket mirror,
// and the middleware stack they share (auth, rate limiting, request logging,
// panic recovery, CORS).
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/meshworks/meshchat/internal/auth"
	"github.com/meshworks/meshchat/internal/repository"
	"github.com/meshworks/meshchat/internal/sse"
)

// Orchestrator drives message streams. *orchestrator.Orchestrator satisfies
// it; tests substitute scripted fakes.
type Orchestrator interface {
	CreateMessage(ctx context.Context, chatID int64, role, content string) (string, *repository.Message, error)
	Subscribe(ctx context.Context, chatID int64, streamID string) (<-chan sse.Event, error)
	Stop(streamID string) error
}

// UserStore resolves authenticated identities to user rows.
type UserStore interface {
	GetOrCreate(ctx context.Context, authID, name string, email *string) (*repository.User, error)
}

// ChatStore is the chat CRUD the handlers need.
type ChatStore interface {
	Create(ctx context.Context, userID int64, title string) (*repository.Chat, error)
	Get(ctx context.Context, chatID int64) (*repository.Chat, error)
	ListByUser(ctx context.Context, userID int64) ([]repository.Chat, error)
	Rename(ctx context.Context, chatID int64, title string) (*repository.Chat, error)
	Delete(ctx context.Context, chatID int64) error
}

// MessageStore lists chat transcripts.
type MessageStore interface {
	ListByChat(ctx context.Context, chatID int64) ([]repository.Message, error)
}

// ModelStore serves mesh model metadata and download URLs.
type ModelStore interface {
	URL(ctx context.Context, modelID int64) (string, error)
	URLs(ctx context.Context, modelIDs []int64) (map[int64]string, error)
	SetOwner(ctx context.Context, modelID int64, userID *int64) error
	ListByOwner(ctx context.Context, userID int64) ([]repository.Model, error)
}

// HistoryInvalidator drops cached chat history when the chat goes away.
type HistoryInvalidator interface {
	Invalidate(ctx context.Context, chatID int64)
}

// Stores bundles the persistence the handlers touch. The concrete
// repositories satisfy the fields directly.
type Stores struct {
	Users    UserStore
	Chats    ChatStore
	Messages MessageStore
	Models   ModelStore
}

// Server is the HTTP front of the service.
type Server struct {
	orch    Orchestrator
	stores  Stores
	history HistoryInvalidator
	auth    *auth.Middleware
	limiter *RateLimiter
	dev     *auth.DevIssuer
	logger  *zap.Logger
}

// NewServer wires the handler set. history may be nil, in which case chat
// deletion skips cache invalidation; a nil dev issuer disables the dev
// token endpoint.
func NewServer(orch Orchestrator, stores Stores, history HistoryInvalidator, authMW *auth.Middleware, limiter *RateLimiter, dev *auth.DevIssuer, logger *zap.Logger) *Server {
	return &Server{
		orch:    orch,
		stores:  stores,
		history: history,
		auth:    authMW,
		limiter: limiter,
		dev:     dev,
		logger:  logger,
	}
}

// Handler assembles the route table behind the global middleware chain.
// Recovery runs outermost so panics anywhere in the stack still produce
// a 500.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("POST /api/v1/auth/dev-token", http.HandlerFunc(s.handleDevToken))

	s.handle(mux, "GET /api/v1/users/me", s.handleMe)

	s.handle(mux, "GET /api/v1/chats", s.handleListChats)
	s.handle(mux, "POST /api/v1/chats", s.handleCreateChat)
	s.handle(mux, "PATCH /api/v1/chats/{chat_id}", s.handleRenameChat)
	s.handle(mux, "DELETE /api/v1/chats/{chat_id}", s.handleDeleteChat)

	s.handle(mux, "GET /api/v1/users/me/models/urls", s.handleModelURLs)
	s.handle(mux, "GET /api/v1/users/me/models/favorites", s.handleListFavorites)
	s.handle(mux, "GET /api/v1/users/me/models/{model_id}/url", s.handleModelURL)
	s.handle(mux, "PATCH /api/v1/users/me/models/{model_id}/add-to-favorites", s.handleAddFavorite)
	s.handle(mux, "PATCH /api/v1/users/me/models/{model_id}/remove-from-favorites", s.handleRemoveFavorite)

	s.handle(mux, "POST /chats/{chat_id}/messages", s.handleCreateMessage)
	s.handle(mux, "GET /chats/{chat_id}/messages", s.handleListMessages)
	s.handle(mux, "GET /chats/{chat_id}/messages/{message_id}/streams/{stream_id}", s.handleStream)
	s.handle(mux, "DELETE /chats/{chat_id}/messages/{message_id}/streams/{stream_id}", s.handleCancelStream)
	s.handle(mux, "GET /ws/chats/{chat_id}/messages/{message_id}/streams/{stream_id}", s.handleWebSocket)

	var h http.Handler = mux
	h = s.cors(h)
	h = s.logRequests(mux, h)
	h = s.recoverPanics(h)
	return h
}

// handle mounts a protected route: auth resolves the caller first, then the
// per-user rate limit applies.
func (s *Server) handle(mux *http.ServeMux, pattern string, h http.HandlerFunc) {
	mux.Handle(pattern, s.auth.Wrap(s.limiter.Wrap(h)))
}

// currentUser resolves the authenticated identity to its user row, creating
// the row on first sight. A false return means the response has already
// been written.
func (s *Server) currentUser(w http.ResponseWriter, r *http.Request) (*repository.User, bool) {
	id, err := auth.GetIdentity(r.Context())
	if err != nil {
		sendError(w, "authorization required", http.StatusUnauthorized)
		return nil, false
	}
	name := id.Name
	if name == "" {
		name = "User"
	}
	var email *string
	if id.Email != "" {
		email = &id.Email
	}
	user, err := s.stores.Users.GetOrCreate(r.Context(), id.AuthID, name, email)
	if err != nil {
		s.logger.Error("User lookup failed",
			zap.String("auth_id", id.AuthID),
			zap.Error(err))
		sendError(w, "internal server error", http.StatusInternalServerError)
		return nil, false
	}
	return user, true
}

// ownedChat loads the chat named in the path and checks it belongs to user.
// Foreign chats read as absent so the API does not leak which ids exist.
func (s *Server) ownedChat(w http.ResponseWriter, r *http.Request, user *repository.User) (*repository.Chat, bool) {
	chatID, err := pathID(r, "chat_id")
	if err != nil {
		sendError(w, "invalid chat id", http.StatusBadRequest)
		return nil, false
	}
	chat, err := s.stores.Chats.Get(r.Context(), chatID)
	if errors.Is(err, repository.ErrNotFound) {
		sendError(w, "chat not found", http.StatusNotFound)
		return nil, false
	}
	if err != nil {
		s.logger.Error("Chat lookup failed",
			zap.Int64("chat_id", chatID),
			zap.Error(err))
		sendError(w, "internal server error", http.StatusInternalServerError)
		return nil, false
	}
	if chat.UserID != user.ID {
		sendError(w, "chat not found", http.StatusNotFound)
		return nil, false
	}
	return chat, true
}

func pathID(r *http.Request, name string) (int64, error) {
	return strconv.ParseInt(r.PathValue(name), 10, 64)
}

func sendJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		json.NewEncoder(w).Encode(v)
	}
}

func sendError(w http.ResponseWriter, message string, status int) {
	sendJSON(w, status, map[string]string{"error": message})
}
