package worker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/meshworks/meshchat/internal/assistant"
)

// scriptedAssistant runs one scripted generation per GenerateResponse call,
// so a reused worker can behave differently across runs.
type scriptedAssistant struct {
	mu    sync.Mutex
	calls int
	runs  []func(ctx context.Context, out chan<- assistant.Update)
}

func (s *scriptedAssistant) GenerateResponse(ctx context.Context, history []assistant.Chunk) <-chan assistant.Update {
	s.mu.Lock()
	run := s.runs[s.calls%len(s.runs)]
	s.calls++
	s.mu.Unlock()

	out := make(chan assistant.Update)
	go func() {
		defer close(out)
		run(ctx, out)
	}()
	return out
}

func emitAll(chunks ...assistant.Chunk) func(ctx context.Context, out chan<- assistant.Update) {
	return func(ctx context.Context, out chan<- assistant.Update) {
		for _, c := range chunks {
			select {
			case out <- assistant.Update{Chunk: c}:
			case <-ctx.Done():
				return
			}
		}
	}
}

func emitThenFail(err error, chunks ...assistant.Chunk) func(ctx context.Context, out chan<- assistant.Update) {
	return func(ctx context.Context, out chan<- assistant.Update) {
		for _, c := range chunks {
			select {
			case out <- assistant.Update{Chunk: c}:
			case <-ctx.Done():
				return
			}
		}
		select {
		case out <- assistant.Update{Err: err}:
		case <-ctx.Done():
		}
	}
}

func emitThenHang(chunks ...assistant.Chunk) func(ctx context.Context, out chan<- assistant.Update) {
	return func(ctx context.Context, out chan<- assistant.Update) {
		for _, c := range chunks {
			select {
			case out <- assistant.Update{Chunk: c}:
			case <-ctx.Done():
				return
			}
		}
		<-ctx.Done()
	}
}

// startTestWorker runs the real serve loop over in-memory pipes and returns
// the parent-side handle, ready frame already consumed.
func startTestWorker(t *testing.T, a assistant.Assistant) *Worker {
	t.Helper()

	parentR, childW := io.Pipe()
	childR, parentW := io.Pipe()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		Serve(ctx, a, childR, childW, zap.NewNop())
		childW.Close()
	}()
	t.Cleanup(cancel)

	w := Attach(0, parentW, parentR, nil, zap.NewNop())
	t.Cleanup(func() { w.Close() })

	select {
	case f := <-w.Frames():
		if f.Type != FrameReady {
			t.Fatalf("expected ready frame, got %s", f.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("no ready frame")
	}
	return w
}

func collect(t *testing.T, r *Runner) ([]assistant.Chunk, error) {
	t.Helper()

	var chunks []assistant.Chunk
	deadline := time.After(5 * time.Second)
	for {
		select {
		case u, ok := <-r.Updates():
			if !ok {
				return chunks, nil
			}
			if u.Err != nil {
				// Contract: the error is the last update.
				if _, open := <-r.Updates(); open {
					t.Fatal("update delivered after error")
				}
				return chunks, u.Err
			}
			chunks = append(chunks, u.Chunk)
		case <-deadline:
			t.Fatal("timed out collecting updates")
		}
	}
}

func TestRunnerDeliversChunksInOrder(t *testing.T) {
	script := &scriptedAssistant{runs: []func(context.Context, chan<- assistant.Update){
		emitAll(
			assistant.Chunk{Role: assistant.RoleAssistant, Content: "v 0 0 0"},
			assistant.Chunk{Role: assistant.RoleAssistant, Content: "\n"},
			assistant.Chunk{Role: assistant.RoleAssistant, Content: assistant.EOS},
		),
	}}
	w := startTestWorker(t, script)

	r, err := Run(w, "s-1", []assistant.Chunk{{Role: assistant.RoleUser, Content: "a cube"}}, zap.NewNop())
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	chunks, err := collect(t, r)
	if err != nil {
		t.Fatalf("unexpected stream error: %v", err)
	}
	want := []string{"v 0 0 0", "\n", assistant.EOS}
	if len(chunks) != len(want) {
		t.Fatalf("expected %d chunks, got %d: %v", len(want), len(chunks), chunks)
	}
	for i, c := range chunks {
		if c.Content != want[i] {
			t.Errorf("chunk %d: expected %q, got %q", i, want[i], c.Content)
		}
	}
	if r.State() != StateCompleted {
		t.Errorf("expected completed, got %s", r.State())
	}
}

func TestRunnerSurfacesGenerationError(t *testing.T) {
	script := &scriptedAssistant{runs: []func(context.Context, chan<- assistant.Update){
		emitThenFail(errors.New("model exploded"),
			assistant.Chunk{Role: assistant.RoleAssistant, Content: "partial"}),
	}}
	w := startTestWorker(t, script)

	r, err := Run(w, "s-err", nil, zap.NewNop())
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	chunks, err := collect(t, r)
	if err == nil {
		t.Fatal("expected a stream error")
	}
	if len(chunks) != 1 || chunks[0].Content != "partial" {
		t.Fatalf("expected the partial chunk before the error, got %v", chunks)
	}
	if r.State() != StateErrored {
		t.Errorf("expected errored, got %s", r.State())
	}
}

func TestRunnerStopIsSilentAndWorkerReusable(t *testing.T) {
	script := &scriptedAssistant{runs: []func(context.Context, chan<- assistant.Update){
		emitThenHang(assistant.Chunk{Role: assistant.RoleAssistant, Content: "first"}),
		emitAll(assistant.Chunk{Role: assistant.RoleAssistant, Content: "second run"}),
	}}
	w := startTestWorker(t, script)

	r, err := Run(w, "s-cancel", nil, zap.NewNop())
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	select {
	case u := <-r.Updates():
		if u.Err != nil || u.Chunk.Content != "first" {
			t.Fatalf("expected first chunk, got %+v", u)
		}
	case <-time.After(time.Second):
		t.Fatal("no first chunk")
	}

	r.Stop()

	chunks, err := collect(t, r)
	if err != nil {
		t.Fatalf("cancellation must be silent, got error: %v", err)
	}
	if len(chunks) != 0 {
		t.Fatalf("expected no chunks after stop, got %v", chunks)
	}
	if r.State() != StateCancelled {
		t.Errorf("expected cancelled, got %s", r.State())
	}

	// The drained worker serves the next stream untainted.
	r2, err := Run(w, "s-next", nil, zap.NewNop())
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	chunks, err = collect(t, r2)
	if err != nil {
		t.Fatalf("second run error: %v", err)
	}
	if len(chunks) != 1 || chunks[0].Content != "second run" {
		t.Fatalf("expected clean second run, got %v", chunks)
	}
	if r2.State() != StateCompleted {
		t.Errorf("expected completed, got %s", r2.State())
	}
}

func TestRunnerReceiveDeadline(t *testing.T) {
	script := &scriptedAssistant{runs: []func(context.Context, chan<- assistant.Update){
		emitThenHang(),
	}}
	w := startTestWorker(t, script)

	r, err := run(w, "s-slow", nil, 50*time.Millisecond, zap.NewNop())
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	_, err = collect(t, r)
	if !errors.Is(err, ErrReceiveTimeout) {
		t.Fatalf("expected ErrReceiveTimeout, got %v", err)
	}
	if r.State() != StateErrored {
		t.Errorf("expected errored, got %s", r.State())
	}
}

func TestRunnerDeadlineAfterStopIsSilent(t *testing.T) {
	// The generation ignores cancellation, so no terminator ever comes;
	// the deadline must resolve the run as cancelled, not as a timeout.
	script := &scriptedAssistant{runs: []func(context.Context, chan<- assistant.Update){
		func(ctx context.Context, out chan<- assistant.Update) {
			<-make(chan struct{})
		},
	}}
	w := startTestWorker(t, script)

	r, err := run(w, "s-stuck", nil, 50*time.Millisecond, zap.NewNop())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	r.Stop()

	chunks, err := collect(t, r)
	if err != nil {
		t.Fatalf("expected silent cancellation, got %v", err)
	}
	if len(chunks) != 0 {
		t.Fatalf("expected no chunks, got %v", chunks)
	}
	if r.State() != StateCancelled {
		t.Errorf("expected cancelled, got %s", r.State())
	}
}

func TestRunnerBrokenPipeIsIOError(t *testing.T) {
	parentR, childW := io.Pipe()
	childR, parentW := io.Pipe()
	w := Attach(3, parentW, parentR, nil, zap.NewNop())
	t.Cleanup(func() { w.Close() })

	// A worker that dies after its first chunk.
	go func() {
		dec := json.NewDecoder(childR)
		var req Frame
		if err := dec.Decode(&req); err != nil {
			return
		}
		enc := json.NewEncoder(childW)
		chunk := assistant.Chunk{Role: assistant.RoleAssistant, Content: "last words"}
		enc.Encode(Frame{Type: FrameChunk, StreamID: req.StreamID, Chunk: &chunk})
		childW.CloseWithError(errors.New("segfault"))
	}()

	r, err := Run(w, "s-crash", nil, zap.NewNop())
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	chunks, err := collect(t, r)
	if err == nil {
		t.Fatal("expected an i/o error")
	}
	if len(chunks) != 1 || chunks[0].Content != "last words" {
		t.Fatalf("expected the chunk before the crash, got %v", chunks)
	}
	if r.State() != StateErrored {
		t.Errorf("expected errored, got %s", r.State())
	}
	if w.Healthy() {
		t.Error("worker should be unhealthy after pipe break")
	}
}
