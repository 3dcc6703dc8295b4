package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/meshworks/meshchat/internal/assistant"
	"github.com/meshworks/meshchat/internal/orchestrator"
	"github.com/meshworks/meshchat/internal/sse"
)

func TestWebSocketMirrorsStream(t *testing.T) {
	h := newAPIHarness(t)
	h.chats.seed(1, 1, "meshes")
	events := make(chan sse.Event, 2)
	events <- sse.Event{Data: assistant.Chunk{Role: assistant.RoleAssistant, Content: "cube ahead"}}
	events <- sse.Event{Name: orchestrator.EventDone, Data: ""}
	close(events)
	h.orch.events = events

	ts := httptest.NewServer(h.handler)
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") +
		"/ws/chats/1/messages/7/streams/stream-1?token=" + h.token(t, "auth0|alice")
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.Fatalf("dial: %v (status %d)", err, status)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))

	var first struct {
		Event string          `json:"event"`
		Data  json.RawMessage `json:"data"`
	}
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatalf("read first event: %v", err)
	}
	if first.Event != "" || !strings.Contains(string(first.Data), "cube ahead") {
		t.Fatalf("first event = %+v", first)
	}

	var second struct {
		Event string `json:"event"`
	}
	if err := conn.ReadJSON(&second); err != nil {
		t.Fatalf("read second event: %v", err)
	}
	if second.Event != orchestrator.EventDone {
		t.Fatalf("second event = %q, want done", second.Event)
	}

	if _, _, err := conn.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Fatalf("expected normal close, got %v", err)
	}
}

func TestWebSocketSubscribeErrorStaysHTTP(t *testing.T) {
	h := newAPIHarness(t)
	h.chats.seed(1, 1, "meshes")
	h.orch.subscribeErr = orchestrator.ErrAlreadySubscribed

	ts := httptest.NewServer(h.handler)
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") +
		"/ws/chats/1/messages/7/streams/stream-1?token=" + h.token(t, "auth0|alice")
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("expected dial to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusConflict {
		t.Fatalf("resp = %+v, want 409", resp)
	}
}
