package assistant

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/meshworks/meshchat/internal/tracing"
)

const (
	chatCompletionsPath = "/v1/chat/completions"

	// No client-level timeout: a generation stream legitimately stays open
	// for minutes. Stalls are bounded upstream by the per-chunk receive
	// deadline, and dialing is bounded separately.
	llamaDialTimeout = 10 * time.Second
)

// LlamaClient speaks the OpenAI-compatible chat-completions API of a local
// llama server. The serving process owns the model weights; the configured
// model and LoRA paths are forwarded with each request so the server can
// route to the right adapter.
type LlamaClient struct {
	baseURL   string
	modelPath string
	loraPath  string
	maxTokens int
	client    *http.Client
	logger    *zap.Logger
}

// LlamaOptions configures the llama server client.
type LlamaOptions struct {
	BaseURL   string
	ModelPath string
	LoraPath  string
	MaxTokens int
}

// NewLlamaClient builds a client for a llama server. BaseURL defaults to
// the conventional local port.
func NewLlamaClient(opts LlamaOptions, logger *zap.Logger) *LlamaClient {
	baseURL := strings.TrimSuffix(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}

	return &LlamaClient{
		baseURL:   baseURL,
		modelPath: opts.ModelPath,
		loraPath:  opts.LoraPath,
		maxTokens: opts.MaxTokens,
		client: &http.Client{
			Transport: &http.Transport{
				DialContext: (&net.Dialer{Timeout: llamaDialTimeout}).DialContext,
			},
		},
		logger: logger,
	}
}

type completionRequest struct {
	Model       string  `json:"model,omitempty"`
	Lora        string  `json:"lora,omitempty"`
	Messages    []Chunk `json:"messages"`
	Temperature float64 `json:"temperature"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Stream      bool    `json:"stream"`
}

type completionResponse struct {
	Choices []struct {
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// CreateChatCompletion implements Completer against the llama server.
func (c *LlamaClient) CreateChatCompletion(ctx context.Context, messages []Chunk, temperature float64, stream bool) (<-chan CompletionChunk, error) {
	payload, err := json.Marshal(completionRequest{
		Model:       c.modelPath,
		Lora:        c.loraPath,
		Messages:    messages,
		Temperature: temperature,
		MaxTokens:   c.maxTokens,
		Stream:      stream,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal completion request: %w", err)
	}

	// The span covers the dispatch up to response headers; the stream
	// itself can stay open for minutes.
	spanCtx, span := tracing.StartHTTPSpan(ctx, http.MethodPost, c.baseURL+chatCompletionsPath)
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+chatCompletionsPath, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build completion request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if stream {
		req.Header.Set("Accept", "text/event-stream")
	}
	tracing.InjectTraceparent(spanCtx, req)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("llama server request: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, fmt.Errorf("llama server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	out := make(chan CompletionChunk)
	if stream {
		go c.streamResponse(ctx, resp.Body, out)
	} else {
		go c.fullResponse(ctx, resp.Body, out)
	}
	return out, nil
}

// streamResponse consumes the server's SSE body and forwards each parsed
// chunk. The channel is closed on [DONE], transport error, or ctx
// cancellation.
func (c *LlamaClient) streamResponse(ctx context.Context, body io.ReadCloser, out chan<- CompletionChunk) {
	defer close(out)
	defer body.Close()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			return
		}

		var chunk CompletionChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			c.logger.Warn("Skipping malformed completion chunk", zap.Error(err))
			continue
		}

		select {
		case out <- chunk:
		case <-ctx.Done():
			return
		}
	}

	if err := scanner.Err(); err != nil {
		select {
		case out <- CompletionChunk{Err: fmt.Errorf("completion stream read: %w", err)}:
		case <-ctx.Done():
		}
	}
}

// fullResponse decodes a non-streaming completion and synthesizes the two
// deltas a streaming response would have produced: the role announcement
// and the whole content.
func (c *LlamaClient) fullResponse(ctx context.Context, body io.ReadCloser, out chan<- CompletionChunk) {
	defer close(out)
	defer body.Close()

	var full completionResponse
	if err := json.NewDecoder(body).Decode(&full); err != nil {
		sendChunk(ctx, out, CompletionChunk{Err: fmt.Errorf("decode completion response: %w", err)})
		return
	}
	if full.Error != nil {
		sendChunk(ctx, out, CompletionChunk{Err: fmt.Errorf("llama server error: %s", full.Error.Message)})
		return
	}
	if len(full.Choices) == 0 {
		sendChunk(ctx, out, CompletionChunk{Err: fmt.Errorf("llama server returned no choices")})
		return
	}

	msg := full.Choices[0].Message
	if !sendChunk(ctx, out, CompletionChunk{Choices: []CompletionChoice{{Delta: Delta{Role: msg.Role}}}}) {
		return
	}
	content := msg.Content
	sendChunk(ctx, out, CompletionChunk{Choices: []CompletionChoice{{Delta: Delta{Content: &content}}}})
}

func sendChunk(ctx context.Context, out chan<- CompletionChunk, chunk CompletionChunk) bool {
	select {
	case out <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}
