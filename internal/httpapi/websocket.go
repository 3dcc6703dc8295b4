package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/meshworks/meshchat/internal/metrics"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 20 * time.Second
	wsPongTimeout  = 60 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true }, // Dev-friendly, secure via proxy in prod
}

// handleWebSocket mirrors the SSE feed over a WebSocket for clients that
// cannot hold an EventSource open. Each text frame carries one
// JSON-encoded event.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
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

	// Subscribe before upgrading so handle errors still map to plain HTTP
	// statuses. ctx doubles as the subscriber lifetime: the reader pump
	// cancels it when the peer goes away.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	events, err := s.orch.Subscribe(ctx, chat.ID, streamID)
	if err != nil {
		s.subscribeError(w, streamID, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("WebSocket upgrade failed",
			zap.String("stream_id", streamID),
			zap.Error(err))
		return
	}
	defer conn.Close()

	metrics.SubscriberConnected("websocket")
	defer metrics.SubscriberDisconnected("websocket")

	s.logger.Info("WebSocket subscriber attached",
		zap.String("stream_id", streamID),
		zap.Int64("chat_id", chat.ID))

	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
	})

	// Reader pump (discard client messages). Its job is to notice the peer
	// going away and cancel the subscription.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	// Writer pump
	for {
		select {
		case <-ctx.Done():
			return
		case ev, open := <-events:
			if !open {
				deadline := time.Now().Add(wsWriteTimeout)
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				s.logger.Debug("WebSocket write failed",
					zap.String("stream_id", streamID),
					zap.Error(err))
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, []byte("ping"),
				time.Now().Add(wsWriteTimeout)); err != nil {
				return
			}
		}
	}
}
