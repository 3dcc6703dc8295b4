package worker

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/meshworks/meshchat/internal/assistant"
	"github.com/meshworks/meshchat/internal/metrics"
)

// ReceiveTimeout bounds the gap between two worker frames. A model that
// produces nothing for this long is considered stuck.
const ReceiveTimeout = 60 * time.Second

// ErrReceiveTimeout is surfaced to the subscriber when the worker goes
// silent on an uncancelled stream.
var ErrReceiveTimeout = errors.New("timed out waiting for worker output")

// RunState is the lifecycle of one inference run.
type RunState int32

const (
	StateIdle RunState = iota
	StateRunning
	StateCompleted
	StateErrored
	StateCancelled
)

func (s RunState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateErrored:
		return "errored"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Runner drives one inference run on a borrowed worker and bridges the
// worker's frame sequence to an Update channel for the subscriber. Chunks
// are forwarded in emission order, unbatched.
type Runner struct {
	worker   *Worker
	streamID string
	timeout  time.Duration

	updates   chan assistant.Update
	state     atomic.Int32
	cancelled atomic.Bool

	logger *zap.Logger
}

// Run submits history to w under streamID and starts consuming frames.
// The returned runner's Updates channel carries the response; the caller
// must drain it to closure even after Stop, because frame consumption is
// what eventually parks the worker in a reusable state.
func Run(w *Worker, streamID string, history []assistant.Chunk, logger *zap.Logger) (*Runner, error) {
	return run(w, streamID, history, ReceiveTimeout, logger)
}

func run(w *Worker, streamID string, history []assistant.Chunk, timeout time.Duration, logger *zap.Logger) (*Runner, error) {
	r := &Runner{
		worker:   w,
		streamID: streamID,
		timeout:  timeout,
		updates:  make(chan assistant.Update),
		logger:   logger,
	}
	if err := w.Submit(streamID, history); err != nil {
		r.state.Store(int32(StateErrored))
		return nil, fmt.Errorf("submit stream %s: %w", streamID, err)
	}
	r.state.Store(int32(StateRunning))
	go r.consume()
	return r, nil
}

// Updates returns the response sequence. The channel closes on completion,
// error (last update carries it), or cancellation (silently).
func (r *Runner) Updates() <-chan assistant.Update { return r.updates }

// State reports the run's current lifecycle state.
func (r *Runner) State() RunState { return RunState(r.state.Load()) }

// Stop cancels the run: it flags the stream so no further chunks reach the
// subscriber and asks the worker to stop producing. It does not wait for
// the worker to drain; the consume loop keeps reading until the worker's
// terminator arrives so the process stays reusable.
func (r *Runner) Stop() {
	if r.cancelled.Swap(true) {
		return
	}
	r.logger.Info("Stopping stream", zap.String("stream_id", r.streamID))
	if err := r.worker.Cancel(r.streamID); err != nil {
		r.logger.Warn("Cancel frame not delivered",
			zap.String("stream_id", r.streamID),
			zap.Error(err))
	}
}

// consume is the single reader of the worker's frames for this run. Each
// receive is bounded by ReceiveTimeout; the deadline is an error only when
// the stream was not cancelled.
func (r *Runner) consume() {
	defer close(r.updates)

	timer := time.NewTimer(r.timeout)
	defer timer.Stop()

	for {
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(r.timeout)

		select {
		case f, ok := <-r.worker.Frames():
			if !ok {
				r.finishBroken()
				return
			}
			if f.StreamID != "" && f.StreamID != r.streamID {
				// Leftover from an earlier run on this worker.
				continue
			}
			if done := r.handle(f); done {
				return
			}

		case <-timer.C:
			if r.cancelled.Load() {
				r.state.Store(int32(StateCancelled))
				return
			}
			if r.State() != StateRunning {
				// Already errored; the drain just gave up.
				return
			}
			r.logger.Error("Worker receive deadline exceeded",
				zap.String("stream_id", r.streamID),
				zap.Int("worker_id", r.worker.ID()),
				zap.Duration("timeout", r.timeout))
			metrics.RecordStreamTimeout()
			r.updates <- assistant.Update{Err: ErrReceiveTimeout}
			r.state.Store(int32(StateErrored))
			return
		}
	}
}

// handle processes one frame. True means the run is over and updates may
// close.
func (r *Runner) handle(f Frame) bool {
	switch f.Type {
	case FrameChunk:
		if f.Chunk == nil || r.cancelled.Load() || r.State() != StateRunning {
			return false
		}
		r.updates <- assistant.Update{Chunk: *f.Chunk}
		return false

	case FrameError:
		// The worker sends its terminator after the error; keep draining
		// so the next run does not inherit it.
		if !r.cancelled.Load() && r.State() == StateRunning {
			r.updates <- assistant.Update{Err: fmt.Errorf("generation failed: %s", f.Error)}
			r.state.Store(int32(StateErrored))
		}
		return false

	case FrameDone:
		switch {
		case r.cancelled.Load():
			r.state.Store(int32(StateCancelled))
		case r.State() == StateErrored:
		default:
			r.state.Store(int32(StateCompleted))
		}
		return true

	default:
		return false
	}
}

// finishBroken resolves the run after the worker's pipe closed underneath
// it: a dead process mid-stream is an I/O error unless we were cancelling
// anyway.
func (r *Runner) finishBroken() {
	if r.cancelled.Load() {
		r.state.Store(int32(StateCancelled))
		return
	}
	if r.State() == StateErrored {
		return
	}
	err := r.worker.Err()
	if err == nil {
		err = errors.New("worker stream ended unexpectedly")
	}
	r.logger.Error("Worker pipe broke mid-stream",
		zap.String("stream_id", r.streamID),
		zap.Int("worker_id", r.worker.ID()),
		zap.Error(err))
	r.updates <- assistant.Update{Err: fmt.Errorf("worker i/o: %w", err)}
	r.state.Store(int32(StateErrored))
}
