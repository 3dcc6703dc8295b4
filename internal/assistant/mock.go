package assistant

import (
	"context"
	"strconv"
	"time"
)

// MockAssistant streams one hundred numbered chunks. It exercises the full
// pipeline end to end without any model involvement.
type MockAssistant struct {
	interval time.Duration
}

// NewMockAssistant builds the counting assistant. A non-positive interval
// streams without pauses.
func NewMockAssistant(interval time.Duration) *MockAssistant {
	return &MockAssistant{interval: interval}
}

// GenerateResponse implements Assistant.
func (a *MockAssistant) GenerateResponse(ctx context.Context, history []Chunk) <-chan Update {
	out := make(chan Update)

	go func() {
		defer close(out)

		for i := 0; i < 100; i++ {
			if !pause(ctx, a.interval) {
				return
			}
			chunk := Chunk{Role: RoleAssistant, Content: strconv.Itoa(i) + " "}
			if !sendUpdate(ctx, out, Update{Chunk: chunk}) {
				return
			}
		}
	}()

	return out
}
