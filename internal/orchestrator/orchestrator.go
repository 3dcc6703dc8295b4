// Package orchestrator is the service layer of the streaming pipeline. It
// owns the registry of live stream handles and, per subscription, loans a
// worker from the pool, drives a runner, feeds the mesh parser, persists
// the results, and emits the subscriber's event sequence.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/meshworks/meshchat/internal/assistant"
	"github.com/meshworks/meshchat/internal/repository"
	"github.com/meshworks/meshchat/internal/sse"
	"github.com/meshworks/meshchat/internal/tracing"
	"github.com/meshworks/meshchat/internal/worker"
)

// ErrNotFound is returned when the stream id is not registered or belongs
// to a different chat.
var ErrNotFound = errors.New("orchestrator: unknown stream")

// ErrAlreadySubscribed rejects a second subscriber on the same handle.
var ErrAlreadySubscribed = errors.New("orchestrator: stream already subscribed")

// ErrShuttingDown rejects new streams once Shutdown has begun.
var ErrShuttingDown = errors.New("orchestrator: shutting down")

// MessageStore is the message-repository slice the pipeline consumes.
// *repository.Messages satisfies it directly; the session cache wraps it
// with a read-through history cache.
type MessageStore interface {
	Create(ctx context.Context, chatID int64, role, content string) (*repository.Message, error)
	LastN(ctx context.Context, chatID int64, n int) ([]repository.Message, error)
}

// MeshStore persists one extracted mesh blob per call and returns the
// stored record.
type MeshStore interface {
	Save(ctx context.Context, messageID int64, content string) (*repository.Model, error)
}

// Config tunes the orchestrator.
type Config struct {
	// HistoryTurns is how many recent messages are fed to the model as
	// context. The product ships with 1: only the latest turn.
	HistoryTurns int
}

// stream is one registered handle. running is the client-visible
// is_running flag; Stop flips it off and the pipeline observes it between
// chunks. runner is installed once the subscription launches generation,
// so Stop can also push a cancel frame to the worker instead of waiting
// for the next chunk boundary.
type stream struct {
	id        string
	chatID    int64
	messageID int64

	running    atomic.Bool
	subscribed atomic.Bool
	runner     atomic.Pointer[worker.Runner]
}

// Orchestrator is constructed once in main and threaded through the HTTP
// handlers. All state lives here; there are no package-level registries.
type Orchestrator struct {
	pool         *worker.Pool
	messages     MessageStore
	meshes       MeshStore
	historyTurns int
	logger       *zap.Logger

	mu      sync.Mutex
	streams map[string]*stream
	closed  bool

	// wg tracks live pipelines so Shutdown can wait for their cleanup.
	wg sync.WaitGroup
}

// New creates an orchestrator over its collaborators.
func New(pool *worker.Pool, messages MessageStore, meshes MeshStore, cfg Config, logger *zap.Logger) *Orchestrator {
	if cfg.HistoryTurns <= 0 {
		cfg.HistoryTurns = 1
	}
	return &Orchestrator{
		pool:         pool,
		messages:     messages,
		meshes:       meshes,
		historyTurns: cfg.HistoryTurns,
		streams:      make(map[string]*stream),
		logger:       logger,
	}
}

// CreateMessage persists the user turn and registers a stream handle for
// the answer. Inference does not start until the client subscribes.
func (o *Orchestrator) CreateMessage(ctx context.Context, chatID int64, role, content string) (string, *repository.Message, error) {
	ctx, span := tracing.StartSpan(ctx, "orchestrator.create_message")
	defer span.End()

	o.mu.Lock()
	closed := o.closed
	o.mu.Unlock()
	if closed {
		return "", nil, ErrShuttingDown
	}

	msg, err := o.messages.Create(ctx, chatID, role, content)
	if err != nil {
		return "", nil, err
	}

	s := &stream{
		id:        uuid.NewString(),
		chatID:    chatID,
		messageID: msg.ID,
	}
	s.running.Store(true)

	o.mu.Lock()
	o.streams[s.id] = s
	o.mu.Unlock()

	o.logger.Info("Stream registered",
		zap.String("stream_id", s.id),
		zap.Int64("chat_id", chatID),
		zap.Int64("message_id", msg.ID))
	return s.id, msg, nil
}

// Subscribe claims the handle and starts its pipeline. The returned
// channel delivers the subscriber's events and closes after the done
// event. ctx is the subscriber's connection: when it ends mid-stream the
// pipeline stops generation, still persists what was produced, and cleans
// up.
func (o *Orchestrator) Subscribe(ctx context.Context, chatID int64, streamID string) (<-chan sse.Event, error) {
	o.mu.Lock()
	closed := o.closed
	s, ok := o.streams[streamID]
	o.mu.Unlock()
	if closed {
		return nil, ErrShuttingDown
	}
	if !ok || s.chatID != chatID {
		return nil, fmt.Errorf("stream %s: %w", streamID, ErrNotFound)
	}
	if !s.subscribed.CompareAndSwap(false, true) {
		return nil, fmt.Errorf("stream %s: %w", streamID, ErrAlreadySubscribed)
	}

	events := make(chan sse.Event)
	o.wg.Add(1)
	go o.run(ctx, s, events)
	return events, nil
}

// Stop flips the handle's running flag off and, if generation already
// started, pushes a cancel to the worker. Idempotent. The handle itself is
// removed by the subscriber pipeline, not here.
func (o *Orchestrator) Stop(streamID string) error {
	o.mu.Lock()
	s, ok := o.streams[streamID]
	o.mu.Unlock()
	if !ok {
		return fmt.Errorf("stream %s: %w", streamID, ErrNotFound)
	}

	if s.running.Swap(false) {
		o.logger.Info("Stream stop requested", zap.String("stream_id", streamID))
	}
	if r := s.runner.Load(); r != nil {
		r.Stop()
	}
	return nil
}

// Shutdown cancels every live handle, waits for their pipelines to finish
// cleanup, and closes the pool. Subscribers live at shutdown see their
// stream end with the usual terminal sequence.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	ids := make([]string, 0, len(o.streams))
	for id := range o.streams {
		ids = append(ids, id)
	}
	o.mu.Unlock()

	o.logger.Info("Orchestrator shutting down", zap.Int("live_streams", len(ids)))
	for _, id := range ids {
		if err := o.Stop(id); err != nil && !errors.Is(err, ErrNotFound) {
			o.logger.Warn("Stop during shutdown failed",
				zap.String("stream_id", id),
				zap.Error(err))
		}
	}

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		o.logger.Warn("Shutdown abandoned live pipelines", zap.Error(ctx.Err()))
	}

	o.pool.Close()
	return nil
}

// Streams reports how many handles are registered. Health checks read it.
func (o *Orchestrator) Streams() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.streams)
}

// remove drops a handle from the registry once its stream terminated.
func (o *Orchestrator) remove(streamID string) {
	o.mu.Lock()
	delete(o.streams, streamID)
	o.mu.Unlock()
}

// prompt assembles the model request from the chat's recent history.
func (o *Orchestrator) prompt(ctx context.Context, chatID int64) ([]assistant.Chunk, error) {
	msgs, err := o.messages.LastN(ctx, chatID, o.historyTurns)
	if err != nil {
		return nil, fmt.Errorf("load chat history: %w", err)
	}
	history := make([]assistant.Chunk, 0, len(msgs))
	for _, m := range msgs {
		history = append(history, assistant.Chunk{
			Role:    assistant.Role(m.Role),
			Content: m.Content,
		})
	}
	return history, nil
}
