package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/meshworks/meshchat/internal/assistant"
	"github.com/meshworks/meshchat/internal/meshparse"
	"github.com/meshworks/meshchat/internal/metrics"
	"github.com/meshworks/meshchat/internal/sse"
	"github.com/meshworks/meshchat/internal/tracing"
	"github.com/meshworks/meshchat/internal/worker"
)

// persistTimeout bounds the end-of-stream writes. They run on a fresh
// context because the subscriber may already be gone.
const persistTimeout = 30 * time.Second

// pipeline is the per-subscription state. One goroutine owns it from
// acquire to cleanup; only the stream handle is shared with Stop.
type pipeline struct {
	o   *Orchestrator
	s   *stream
	ctx context.Context
	out chan<- sse.Event

	parser *meshparse.Parser
	tokens []string

	w   *worker.Worker
	run *worker.Runner

	// err is the first pipeline failure; finalize emits it as the error
	// event. gone means the subscriber disconnected and emits are no-ops.
	err  error
	gone bool
}

// run drives one subscription end to end: history, worker, generation,
// persistence, terminal events, cleanup. It is the only writer of out.
func (o *Orchestrator) run(ctx context.Context, s *stream, out chan<- sse.Event) {
	defer o.wg.Done()

	ctx, span := tracing.StartSpan(ctx, "orchestrator.stream")
	defer span.End()

	start := time.Now()
	metrics.RecordStreamStarted()

	p := &pipeline{o: o, s: s, ctx: ctx, out: out, parser: meshparse.NewParser()}

	history := p.loadHistory()
	p.acquire()
	p.generate(history)
	p.finalize()

	close(out)
	o.remove(s.id)
	p.release()

	outcome := p.outcome()
	metrics.RecordStreamEnded(outcome, time.Since(start).Seconds())
	o.logger.Info("Stream finished",
		zap.String("stream_id", s.id),
		zap.Int64("chat_id", s.chatID),
		zap.Int64("message_id", s.messageID),
		zap.String("outcome", outcome),
		zap.Int("tokens", len(p.tokens)),
		zap.Duration("elapsed", time.Since(start)))
}

// emit delivers one event to the subscriber. A subscriber that went away
// turns the remaining emissions into no-ops; generation is stopped but the
// produced output still gets persisted.
func (p *pipeline) emit(e sse.Event) {
	if p.gone {
		return
	}
	select {
	case p.out <- e:
	case <-p.ctx.Done():
		p.dropSubscriber()
	}
}

// dropSubscriber marks the connection dead and cancels generation.
func (p *pipeline) dropSubscriber() {
	if p.gone {
		return
	}
	p.gone = true
	p.s.running.Store(false)
	if p.run != nil {
		p.run.Stop()
	}
	p.o.logger.Info("Subscriber left mid-stream", zap.String("stream_id", p.s.id))
}

// fail records the first pipeline error; later ones are only logged.
func (p *pipeline) fail(err error) {
	if p.err == nil {
		p.err = err
		return
	}
	p.o.logger.Warn("Further stream error",
		zap.String("stream_id", p.s.id),
		zap.Error(err))
}

// loadHistory reads the model context for this chat. On failure the stream
// is failed without generation; there is nothing sensible to ask the model.
func (p *pipeline) loadHistory() []assistant.Chunk {
	history, err := p.o.prompt(p.ctx, p.s.chatID)
	if err != nil {
		metrics.RecordPersistenceFailure("history")
		p.fail(err)
		return nil
	}
	return history
}

// acquire loans a worker, announcing busy first when none is free. A
// stream that was stopped before it got here never takes a loan.
func (p *pipeline) acquire() {
	if p.err != nil || p.gone || !p.s.running.Load() {
		return
	}

	w, err := p.o.pool.TryAcquire(p.ctx)
	if errors.Is(err, worker.ErrBusy) {
		p.emit(busyEvent())
		metrics.RecordPoolWait()
		w, err = p.o.pool.Acquire(p.ctx)
	}
	if err != nil {
		p.fail(fmt.Errorf("no worker available: %w", err))
		return
	}
	p.w = w
}

// generate submits the request and forwards chunks until the stream ends,
// errors, or is cancelled. EOS is consumed here and never forwarded.
func (p *pipeline) generate(history []assistant.Chunk) {
	if p.err != nil || p.w == nil {
		return
	}
	if p.gone || !p.s.running.Load() {
		return
	}

	run, err := worker.Run(p.w, p.s.id, history, p.o.logger)
	if err != nil {
		p.fail(err)
		return
	}
	p.run = run
	p.s.runner.Store(run)
	// Stop may have raced the install; make sure the cancel reaches the
	// worker.
	if !p.s.running.Load() {
		run.Stop()
	}

	for {
		select {
		case u, ok := <-run.Updates():
			if !ok {
				return
			}
			if u.Err != nil {
				p.fail(u.Err)
				return
			}
			if u.Chunk.IsEOS() {
				return
			}

			p.parser.Process(u.Chunk.Content)
			p.tokens = append(p.tokens, u.Chunk.Content)
			metrics.RecordTokens(1)
			p.emit(dataEvent(u.Chunk))

			if p.gone || !p.s.running.Load() {
				run.Stop()
				return
			}

		case <-p.ctx.Done():
			p.dropSubscriber()
			return
		}
	}
}

// finalize closes the parser, persists the assistant turn with its meshes,
// and emits the terminal sequence: error if anything failed, then
// obj_content, then done.
func (p *pipeline) finalize() {
	records := p.parser.Finish()

	if p.run != nil {
		p.persist(records)
	}

	if p.err != nil {
		p.emit(errorEvent(p.err))
	}
	p.emit(objContentEvent(records))
	p.emit(doneEvent())
}

// persist writes the assistant message and one model row per mesh block.
// Failures surface as the stream's error event but never abort the
// remaining writes.
func (p *pipeline) persist(records []meshparse.OutputIndexes) {
	extracted := meshparse.Extract(p.tokens, records)
	metrics.RecordMeshBlocks(len(records))

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	ctx, span := tracing.StartSpan(ctx, "orchestrator.persist")
	defer span.End()

	msg, err := p.o.messages.Create(ctx, p.s.chatID, string(assistant.RoleAssistant), extracted.MessageContent)
	if err != nil {
		metrics.RecordPersistenceFailure("message")
		p.fail(fmt.Errorf("persist assistant message: %w", err))
		return
	}

	for i, content := range extracted.ObjContents {
		if _, err := p.o.meshes.Save(ctx, msg.ID, content); err != nil {
			metrics.RecordPersistenceFailure("mesh")
			p.fail(fmt.Errorf("persist mesh %d/%d: %w", i+1, len(extracted.ObjContents), err))
		}
	}
}

// release returns the loan once the runner settles. Draining the update
// channel to closure guarantees the worker's terminator was consumed, so
// the process parks reusable; a hung worker is bounded by the receive
// deadline.
func (p *pipeline) release() {
	if p.w == nil {
		return
	}
	if p.run != nil {
		for range p.run.Updates() {
		}
	}
	p.o.pool.Release(p.w)
}

// outcome labels the stream for metrics and the final log line.
func (p *pipeline) outcome() string {
	switch {
	case p.err != nil:
		return "errored"
	case p.gone || !p.s.running.Load():
		return "cancelled"
	default:
		return "completed"
	}
}
