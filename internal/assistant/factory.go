package assistant

import (
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Implementation tags selectable via the assistant.implementation
// configuration key.
const (
	ImplLlama     = "llama"
	ImplLlamaMock = "llama_mock"
	ImplMock      = "mock"
	ImplObj       = "obj"
)

// Options carries the construction parameters for an assistant, sourced
// from configuration.
type Options struct {
	ServerURL    string
	ModelPath    string
	LoraPath     string
	MaxTokens    int
	MockInterval time.Duration
}

// New builds the assistant selected by the implementation tag.
func New(implementation string, opts Options, logger *zap.Logger) (Assistant, error) {
	switch implementation {
	case ImplLlama:
		client := NewLlamaClient(LlamaOptions{
			BaseURL:   opts.ServerURL,
			ModelPath: opts.ModelPath,
			LoraPath:  opts.LoraPath,
			MaxTokens: opts.MaxTokens,
		}, logger)
		return NewLLMAssistant(client, logger), nil
	case ImplLlamaMock:
		return NewLLMAssistant(NewLlamaMock(opts.MockInterval), logger), nil
	case ImplMock:
		return NewMockAssistant(opts.MockInterval), nil
	case ImplObj:
		return NewObjAssistant(opts.MockInterval), nil
	default:
		return nil, fmt.Errorf("unknown assistant implementation %q", implementation)
	}
}
