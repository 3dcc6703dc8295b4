package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/meshworks/meshchat/internal/assistant"
)

// DefaultReadyTimeout bounds the worker's model load at spawn time.
// Multi-gigabyte weights can take tens of seconds.
const DefaultReadyTimeout = 120 * time.Second

// Worker is the parent-side handle of one inference process. The pool owns
// it and loans it to at most one stream at a time; frame consumption is
// single-reader by design.
type Worker struct {
	id  int
	pid int

	writeMu sync.Mutex
	enc     *json.Encoder
	in      io.Closer

	frames chan Frame

	alive atomic.Bool
	errMu sync.Mutex
	err   error

	kill func() error

	logger *zap.Logger
}

// Attach wires a handle over an arbitrary pipe pair. Spawn attaches real
// process pipes; in-process workers run Serve over an io.Pipe pair and
// attach the parent ends. The caller owns readiness: Attach does not wait
// for the ready frame.
func Attach(id int, in io.WriteCloser, out io.Reader, kill func() error, logger *zap.Logger) *Worker {
	w := &Worker{
		id:     id,
		enc:    json.NewEncoder(in),
		in:     in,
		frames: make(chan Frame),
		kill:   kill,
		logger: logger,
	}
	w.alive.Store(true)
	go w.readLoop(out)
	return w
}

// readLoop decodes outbound frames and hands each to the single consumer.
// The hand-off is unbuffered so a slow consumer propagates backpressure to
// the worker's stdout pipe instead of ballooning memory here.
func (w *Worker) readLoop(out io.Reader) {
	defer close(w.frames)

	dec := json.NewDecoder(bufio.NewReader(out))
	for {
		var f Frame
		if err := dec.Decode(&f); err != nil {
			w.alive.Store(false)
			if err == io.EOF {
				w.setErr(fmt.Errorf("worker %d pipe closed", w.id))
			} else {
				w.setErr(fmt.Errorf("worker %d pipe: %w", w.id, err))
			}
			return
		}
		w.frames <- f
	}
}

// Submit sends a chat history for inference.
func (w *Worker) Submit(streamID string, history []assistant.Chunk) error {
	return w.send(Frame{Type: FrameRequest, StreamID: streamID, History: history})
}

// Cancel asks the worker to stop producing for the stream. Safe to call
// from a goroutine other than the frame consumer.
func (w *Worker) Cancel(streamID string) error {
	return w.send(Frame{Type: FrameCancel, StreamID: streamID})
}

func (w *Worker) send(f Frame) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	if err := w.enc.Encode(f); err != nil {
		w.alive.Store(false)
		return fmt.Errorf("worker %d write %s: %w", w.id, f.Type, err)
	}
	return nil
}

// Frames returns the worker's outbound frame sequence. The channel closes
// when the pipe breaks or the process exits; Err then reports the cause.
func (w *Worker) Frames() <-chan Frame { return w.frames }

// Err reports the pipe or process failure, if any.
func (w *Worker) Err() error {
	w.errMu.Lock()
	defer w.errMu.Unlock()
	return w.err
}

func (w *Worker) setErr(err error) {
	w.errMu.Lock()
	if w.err == nil {
		w.err = err
	}
	w.errMu.Unlock()
}

// Healthy reports whether the process is believed alive.
func (w *Worker) Healthy() bool { return w.alive.Load() }

// ID is the pool-assigned worker number.
func (w *Worker) ID() int { return w.id }

// PID is the OS process id, zero for in-process test workers.
func (w *Worker) PID() int { return w.pid }

// Close terminates the worker without draining: stdin closes so the serve
// loop exits on EOF, and the process is killed if a killer was installed.
func (w *Worker) Close() error {
	w.alive.Store(false)
	if w.in != nil {
		w.in.Close()
	}
	if w.kill != nil {
		return w.kill()
	}
	return nil
}

// SpawnConfig describes how to start a worker process.
type SpawnConfig struct {
	// Binary is the worker executable path.
	Binary string
	// Args select the assistant implementation, model paths and the like.
	Args []string
	// ReadyTimeout bounds the model load. Zero means DefaultReadyTimeout.
	ReadyTimeout time.Duration
}

// Spawn starts a worker process and blocks until its ready frame arrives,
// which the worker sends only once its model finished loading.
func Spawn(ctx context.Context, id int, cfg SpawnConfig, logger *zap.Logger) (*Worker, error) {
	cmd := exec.Command(cfg.Binary, cfg.Args...)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("worker %d stdin: %w", id, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("worker %d stdout: %w", id, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker %d: %w", id, err)
	}

	w := Attach(id, stdin, stdout, func() error { return cmd.Process.Kill() }, logger)
	w.pid = cmd.Process.Pid

	go func() {
		err := cmd.Wait()
		w.alive.Store(false)
		if err != nil {
			w.setErr(fmt.Errorf("worker %d exited: %w", id, err))
		}
	}()

	timeout := cfg.ReadyTimeout
	if timeout <= 0 {
		timeout = DefaultReadyTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case f, ok := <-w.frames:
		if !ok || f.Type != FrameReady {
			w.Close()
			return nil, fmt.Errorf("worker %d failed before ready: %v", id, w.Err())
		}
	case <-timer.C:
		w.Close()
		return nil, fmt.Errorf("worker %d not ready after %s", id, timeout)
	case <-ctx.Done():
		w.Close()
		return nil, ctx.Err()
	}

	logger.Info("Worker process ready",
		zap.Int("worker_id", id),
		zap.Int("pid", w.pid))
	return w, nil
}
