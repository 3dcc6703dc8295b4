package assistant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
)

func strPtr(s string) *string { return &s }

func roleChunk(role string) CompletionChunk {
	return CompletionChunk{Choices: []CompletionChoice{{Delta: Delta{Role: role}}}}
}

func contentChunk(content string) CompletionChunk {
	return CompletionChunk{Choices: []CompletionChoice{{Delta: Delta{Content: strPtr(content)}}}}
}

// closingChunk is the model's final delta: no role, no content field.
func closingChunk() CompletionChunk {
	return CompletionChunk{Choices: []CompletionChoice{{Delta: Delta{}, FinishReason: strPtr("stop")}}}
}

type scriptedCompleter struct {
	chunks         []CompletionChunk
	gotMessages    []Chunk
	gotTemperature float64
	gotStream      bool
}

func (s *scriptedCompleter) CreateChatCompletion(ctx context.Context, messages []Chunk, temperature float64, stream bool) (<-chan CompletionChunk, error) {
	s.gotMessages = messages
	s.gotTemperature = temperature
	s.gotStream = stream

	out := make(chan CompletionChunk)
	go func() {
		defer close(out)
		for _, c := range s.chunks {
			select {
			case out <- c:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func collectUpdates(t *testing.T, updates <-chan Update) []Update {
	t.Helper()
	var got []Update
	timeout := time.After(5 * time.Second)
	for {
		select {
		case u, ok := <-updates:
			if !ok {
				return got
			}
			got = append(got, u)
		case <-timeout:
			t.Fatalf("timed out waiting for updates, got %d so far", len(got))
		}
	}
}

func TestLLMAssistantPrependsSystemPromptAndRemembersRole(t *testing.T) {
	completer := &scriptedCompleter{chunks: []CompletionChunk{
		roleChunk("assistant"),
		contentChunk("hello"),
		contentChunk(" there"),
		closingChunk(),
	}}
	a := NewLLMAssistant(completer, zap.NewNop())

	history := []Chunk{{Role: RoleUser, Content: "make me a cube"}}
	updates := collectUpdates(t, a.GenerateResponse(context.Background(), history))

	if len(completer.gotMessages) != 2 {
		t.Fatalf("expected 2 messages sent to model, got %d", len(completer.gotMessages))
	}
	if completer.gotMessages[0].Role != RoleSystem {
		t.Errorf("first message role = %q, want system", completer.gotMessages[0].Role)
	}
	if completer.gotMessages[1].Content != "make me a cube" {
		t.Errorf("second message = %+v, want the user turn", completer.gotMessages[1])
	}
	if completer.gotTemperature != DefaultTemperature {
		t.Errorf("temperature = %v, want %v", completer.gotTemperature, DefaultTemperature)
	}
	if !completer.gotStream {
		t.Error("expected a streaming completion request")
	}

	// Three updates: two content chunks plus the EOS from the closing delta.
	if len(updates) != 3 {
		t.Fatalf("expected 3 updates, got %d: %v", len(updates), updates)
	}
	for i, want := range []string{"hello", " there", EOS} {
		if updates[i].Err != nil {
			t.Fatalf("update %d carries error: %v", i, updates[i].Err)
		}
		if updates[i].Chunk.Content != want {
			t.Errorf("update %d content = %q, want %q", i, updates[i].Chunk.Content, want)
		}
		if updates[i].Chunk.Role != RoleAssistant {
			t.Errorf("update %d role = %q, want assistant", i, updates[i].Chunk.Role)
		}
	}
	if !updates[2].Chunk.IsEOS() {
		t.Error("closing delta should map to the EOS sentinel")
	}
}

func TestLLMAssistantSurfacesStreamErrors(t *testing.T) {
	wantErr := errors.New("connection reset")
	completer := &scriptedCompleter{chunks: []CompletionChunk{
		roleChunk("assistant"),
		contentChunk("partial"),
		{Err: wantErr},
	}}
	a := NewLLMAssistant(completer, zap.NewNop())

	updates := collectUpdates(t, a.GenerateResponse(context.Background(), nil))
	if len(updates) != 2 {
		t.Fatalf("expected 2 updates, got %d", len(updates))
	}
	if updates[0].Chunk.Content != "partial" {
		t.Errorf("first update = %+v, want the partial chunk", updates[0])
	}
	if !errors.Is(updates[1].Err, wantErr) {
		t.Errorf("final update error = %v, want %v", updates[1].Err, wantErr)
	}
}

func TestLLMAssistantStopsOnCancelledContext(t *testing.T) {
	completer := &scriptedCompleter{chunks: []CompletionChunk{
		roleChunk("assistant"),
		contentChunk("a"), contentChunk("b"), contentChunk("c"),
	}}
	a := NewLLMAssistant(completer, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	updates := a.GenerateResponse(ctx, nil)

	if u := <-updates; u.Chunk.Content != "a" {
		t.Fatalf("first update = %+v", u)
	}
	cancel()

	deadline := time.After(5 * time.Second)
	for {
		select {
		case _, ok := <-updates:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("update channel never closed after cancellation")
		}
	}
}

func TestLlamaMockStreamsGreetingWordByWord(t *testing.T) {
	a := NewLLMAssistant(NewLlamaMock(0), zap.NewNop())
	updates := collectUpdates(t, a.GenerateResponse(context.Background(), []Chunk{{Role: RoleUser, Content: "hi"}}))

	var b strings.Builder
	for _, u := range updates {
		if u.Err != nil {
			t.Fatalf("unexpected error: %v", u.Err)
		}
		if u.Chunk.Role != RoleAssistant {
			t.Errorf("chunk role = %q, want assistant", u.Chunk.Role)
		}
		b.WriteString(u.Chunk.Content)
	}
	if got, want := strings.TrimSpace(b.String()), llamaMockReply; got != want {
		t.Errorf("assembled reply = %q, want %q", got, want)
	}
}

func TestMockAssistantCountsToOneHundred(t *testing.T) {
	a := NewMockAssistant(0)
	updates := collectUpdates(t, a.GenerateResponse(context.Background(), nil))

	if len(updates) != 100 {
		t.Fatalf("expected 100 chunks, got %d", len(updates))
	}
	if updates[0].Chunk.Content != "0 " {
		t.Errorf("first chunk = %q, want %q", updates[0].Chunk.Content, "0 ")
	}
	if updates[99].Chunk.Content != "99 " {
		t.Errorf("last chunk = %q, want %q", updates[99].Chunk.Content, "99 ")
	}
}

func TestObjAssistantReplaysMeshScript(t *testing.T) {
	a := NewObjAssistant(0)
	updates := collectUpdates(t, a.GenerateResponse(context.Background(), nil))

	if len(updates) != len(objScript) {
		t.Fatalf("expected %d chunks, got %d", len(objScript), len(updates))
	}
	if updates[0].Chunk.Content != "here " {
		t.Errorf("first token = %q", updates[0].Chunk.Content)
	}

	var b strings.Builder
	for _, u := range updates {
		b.WriteString(u.Chunk.Content)
	}
	if !strings.Contains(b.String(), "```obj\n") {
		t.Error("script should contain an opening mesh fence")
	}
	if !strings.Contains(b.String(), "f 5 3 2\n") {
		t.Error("script should contain the final face line")
	}
}

func TestLlamaClientStreamsCompletionChunks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != chatCompletionsPath {
			http.NotFound(w, r)
			return
		}
		var req completionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if !req.Stream {
			t.Error("expected stream=true in request")
		}
		if len(req.Messages) == 0 {
			t.Error("expected messages in request")
		}

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"role\":\"assistant\"}}]}\n\n")
		fmt.Fprint(w, ": keepalive\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"hi\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{},\"finish_reason\":\"stop\"}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	client := NewLlamaClient(LlamaOptions{BaseURL: srv.URL}, zap.NewNop())
	chunks, err := client.CreateChatCompletion(context.Background(), []Chunk{{Role: RoleUser, Content: "hello"}}, DefaultTemperature, true)
	if err != nil {
		t.Fatalf("create completion: %v", err)
	}

	var got []CompletionChunk
	for c := range chunks {
		if c.Err != nil {
			t.Fatalf("unexpected chunk error: %v", c.Err)
		}
		got = append(got, c)
	}

	if len(got) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(got))
	}
	if got[0].Choices[0].Delta.Role != "assistant" {
		t.Errorf("first chunk = %+v, want role announcement", got[0])
	}
	if got[1].Choices[0].Delta.Content == nil || *got[1].Choices[0].Delta.Content != "hi" {
		t.Errorf("second chunk = %+v, want content \"hi\"", got[1])
	}
	if got[2].Choices[0].Delta.Content != nil {
		t.Errorf("closing chunk should carry no content, got %+v", got[2])
	}
}

func TestLlamaClientRejectsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client := NewLlamaClient(LlamaOptions{BaseURL: srv.URL}, zap.NewNop())
	_, err := client.CreateChatCompletion(context.Background(), nil, DefaultTemperature, true)
	if err == nil {
		t.Fatal("expected an error for a 503 response")
	}
	if !strings.Contains(err.Error(), "503") {
		t.Errorf("error should mention the status code: %v", err)
	}
}

func TestFactorySelectsImplementation(t *testing.T) {
	logger := zap.NewNop()

	tests := []struct {
		tag     string
		wantErr bool
	}{
		{ImplLlama, false},
		{ImplLlamaMock, false},
		{ImplMock, false},
		{ImplObj, false},
		{"gpt4", true},
	}

	for _, tt := range tests {
		a, err := New(tt.tag, Options{}, logger)
		if tt.wantErr {
			if err == nil {
				t.Errorf("New(%q) should fail", tt.tag)
			}
			continue
		}
		if err != nil {
			t.Errorf("New(%q) returned error: %v", tt.tag, err)
			continue
		}
		if a == nil {
			t.Errorf("New(%q) returned nil assistant", tt.tag)
		}
	}
}
