package assistant

import (
	"context"

	"go.uber.org/zap"
)

// LLMAssistant adapts a raw chat-completion stream into response chunks. It
// prepends the mesh system prompt, remembers the role announced on the
// model's first delta, and translates a delta with no content field into
// the EOS sentinel.
type LLMAssistant struct {
	llm         Completer
	temperature float64
	logger      *zap.Logger
}

// NewLLMAssistant wraps a completer with the response-chunk protocol.
func NewLLMAssistant(llm Completer, logger *zap.Logger) *LLMAssistant {
	return &LLMAssistant{
		llm:         llm,
		temperature: DefaultTemperature,
		logger:      logger,
	}
}

// GenerateResponse implements Assistant.
func (a *LLMAssistant) GenerateResponse(ctx context.Context, history []Chunk) <-chan Update {
	out := make(chan Update)

	go func() {
		defer close(out)

		messages := make([]Chunk, 0, len(history)+1)
		messages = append(messages, Chunk{Role: RoleSystem, Content: systemPrompt})
		messages = append(messages, history...)

		chunks, err := a.llm.CreateChatCompletion(ctx, messages, a.temperature, true)
		if err != nil {
			sendUpdate(ctx, out, Update{Err: err})
			return
		}

		role := RoleAssistant
		for chunk := range chunks {
			if chunk.Err != nil {
				sendUpdate(ctx, out, Update{Err: chunk.Err})
				return
			}
			if len(chunk.Choices) == 0 {
				continue
			}
			delta := chunk.Choices[0].Delta

			if delta.Role != "" {
				role = Role(delta.Role)
				a.logger.Debug("Model announced role", zap.String("role", delta.Role))
				continue
			}

			content := EOS
			if delta.Content != nil {
				content = *delta.Content
			}
			if !sendUpdate(ctx, out, Update{Chunk: Chunk{Role: role, Content: content}}) {
				return
			}
		}
	}()

	return out
}

// sendUpdate delivers an update unless ctx is done first.
func sendUpdate(ctx context.Context, out chan<- Update, u Update) bool {
	select {
	case out <- u:
		return true
	case <-ctx.Done():
		return false
	}
}
