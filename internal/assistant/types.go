// Package assistant defines the chat-completion capability and the
// assistant implementations that produce token streams from it. The real
// implementation talks to a local llama server; the mock implementations
// replay fixed scripts for development and testing.
package assistant

import (
	"context"
	"strings"
)

// Role tags a chat message or response chunk.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Valid reports whether the role is one of the three chat roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// EOS is the sentinel content marking end-of-response. It is produced when
// the model's final delta carries no content, travels the worker pipe like
// any other chunk, and is consumed (never forwarded) by the stream
// orchestrator.
const EOS = "EOS"

// Chunk is one streamed unit of a chat exchange: a role and a content
// fragment. The same shape serves as a chat-history message. The role is
// populated on every chunk the assistant emits; the model itself announces
// the role once, on its first delta.
type Chunk struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// IsEOS reports whether the chunk is the end-of-response sentinel.
func (c Chunk) IsEOS() bool {
	return c.Content == EOS
}

// Update is one item on an assistant response stream: a chunk, or a
// terminal generation error. After an Update with Err set, the channel is
// closed.
type Update struct {
	Chunk Chunk
	Err   error
}

// Assistant produces a streamed response to a chat history.
type Assistant interface {
	// GenerateResponse streams response chunks on the returned channel. The
	// channel is closed when generation completes, fails (last Update
	// carries the error), or ctx is cancelled.
	GenerateResponse(ctx context.Context, history []Chunk) <-chan Update
}

// Delta is the incremental part of one completion choice. A nil Content
// distinguishes "no content field" (the closing delta) from an empty
// string.
type Delta struct {
	Role    string  `json:"role,omitempty"`
	Content *string `json:"content,omitempty"`
}

// CompletionChoice is one alternative in a completion chunk; this service
// only ever requests one.
type CompletionChoice struct {
	Delta        Delta   `json:"delta"`
	FinishReason *string `json:"finish_reason,omitempty"`
}

// CompletionChunk is the raw streamed unit of the chat-completion wire
// protocol. Err is set instead of Choices when the underlying transport
// failed mid-stream.
type CompletionChunk struct {
	Choices []CompletionChoice `json:"choices"`
	Err     error              `json:"-"`
}

// Completer is the chat-completion capability. Implementations stream raw
// completion chunks for a message history; the channel is closed when the
// completion ends or ctx is cancelled.
type Completer interface {
	CreateChatCompletion(ctx context.Context, messages []Chunk, temperature float64, stream bool) (<-chan CompletionChunk, error)
}

// systemPrompt primes the model for mesh generation. Prepended to every
// request by LLMAssistant.
const systemPrompt = "You are able to generate valid high-quality 3D-meshes."

// DefaultTemperature is the sampling temperature used for all requests.
const DefaultTemperature = 0.7

// splitWords breaks a sentence into word tokens, each carrying its trailing
// space, the way the mock model streams its canned reply.
func splitWords(s string) []string {
	fields := strings.Fields(s)
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		out = append(out, f+" ")
	}
	return out
}
