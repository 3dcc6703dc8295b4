package assistant

import (
	"context"
	"time"
)

const llamaMockReply = "Hello! How can I help you today?"

// LlamaMock mimics the llama server client without loading a model. It
// announces the assistant role and then streams a fixed greeting word by
// word, pacing chunks by the configured interval.
type LlamaMock struct {
	interval time.Duration
}

// NewLlamaMock builds the mock completer. A non-positive interval streams
// without pauses.
func NewLlamaMock(interval time.Duration) *LlamaMock {
	return &LlamaMock{interval: interval}
}

// CreateChatCompletion implements Completer.
func (m *LlamaMock) CreateChatCompletion(ctx context.Context, messages []Chunk, temperature float64, stream bool) (<-chan CompletionChunk, error) {
	out := make(chan CompletionChunk)

	go func() {
		defer close(out)

		if !sendChunk(ctx, out, CompletionChunk{Choices: []CompletionChoice{{Delta: Delta{Role: string(RoleAssistant)}}}}) {
			return
		}

		if !stream {
			reply := llamaMockReply
			sendChunk(ctx, out, CompletionChunk{Choices: []CompletionChoice{{Delta: Delta{Content: &reply}}}})
			return
		}

		for _, word := range splitWords(llamaMockReply) {
			if !pause(ctx, m.interval) {
				return
			}
			word := word
			if !sendChunk(ctx, out, CompletionChunk{Choices: []CompletionChoice{{Delta: Delta{Content: &word}}}}) {
				return
			}
		}
	}()

	return out, nil
}

// pause sleeps for d, returning false if ctx expires first. A non-positive
// d returns immediately.
func pause(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
