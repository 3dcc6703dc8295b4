package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"

	"go.uber.org/zap"

	"github.com/meshworks/meshchat/internal/assistant"
)

// Serve runs the worker side of the pipe protocol: announce readiness, then
// serve one inference request at a time until in closes. It is the whole
// life of a worker process; the assistant's model is assumed loaded by the
// time Serve is called, which is what makes the ready frame truthful.
func Serve(ctx context.Context, a assistant.Assistant, in io.Reader, out io.Writer, logger *zap.Logger) error {
	s := &server{
		assistant: a,
		enc:       json.NewEncoder(out),
		inbound:   make(chan Frame),
		readErr:   make(chan error, 1),
		logger:    logger,
	}

	go s.readLoop(in)

	if err := s.write(Frame{Type: FrameReady}); err != nil {
		return err
	}
	logger.Info("Worker ready")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f, ok := <-s.inbound:
			if !ok {
				return s.readResult()
			}
			switch f.Type {
			case FrameRequest:
				if err := s.serveRequest(ctx, f); err != nil {
					return err
				}
			case FrameCancel:
				// No run in flight; the stream already ended.
				logger.Debug("Stale cancel", zap.String("stream_id", f.StreamID))
			}
		}
	}
}

type server struct {
	assistant assistant.Assistant
	enc       *json.Encoder
	inbound   chan Frame
	readErr   chan error
	logger    *zap.Logger
}

func (s *server) readLoop(in io.Reader) {
	dec := json.NewDecoder(bufio.NewReader(in))
	for {
		var f Frame
		if err := dec.Decode(&f); err != nil {
			s.readErr <- err
			close(s.inbound)
			return
		}
		s.inbound <- f
	}
}

// readResult maps the read loop's exit cause: a closed stdin is the
// parent's normal shutdown signal, anything else is a pipe fault.
func (s *server) readResult() error {
	err := <-s.readErr
	if errors.Is(err, io.EOF) {
		s.logger.Info("Stdin closed, shutting down")
		return nil
	}
	return err
}

func (s *server) write(f Frame) error {
	return s.enc.Encode(f)
}

// serveRequest drives one generation, forwarding chunks as they are
// produced and watching for a cancel frame between them. Whatever the
// outcome, the stream's terminator is sent: done alone on completion or
// cancellation, error then done on failure.
func (s *server) serveRequest(ctx context.Context, req Frame) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.logger.Info("Generation started",
		zap.String("stream_id", req.StreamID),
		zap.Int("history_len", len(req.History)))

	updates := s.assistant.GenerateResponse(runCtx, req.History)

	var genErr error
	cancelled := false
	for updates != nil {
		select {
		case u, ok := <-updates:
			if !ok {
				updates = nil
				break
			}
			if u.Err != nil {
				genErr = u.Err
				break
			}
			if cancelled {
				break
			}
			chunk := u.Chunk
			if err := s.write(Frame{Type: FrameChunk, StreamID: req.StreamID, Chunk: &chunk}); err != nil {
				return err
			}

		case f, ok := <-s.inbound:
			if !ok {
				// Parent went away mid-run; stop generating and bail.
				cancel()
				for range updates {
				}
				return s.readResult()
			}
			switch f.Type {
			case FrameCancel:
				if f.StreamID == req.StreamID {
					s.logger.Info("Generation cancelled", zap.String("stream_id", req.StreamID))
					cancelled = true
					cancel()
				}
			case FrameRequest:
				// One run at a time; the pool never does this.
				if err := s.refuse(f.StreamID); err != nil {
					return err
				}
			}
		}
	}

	if genErr != nil {
		s.logger.Error("Generation failed",
			zap.String("stream_id", req.StreamID),
			zap.Error(genErr))
		if err := s.write(Frame{Type: FrameError, StreamID: req.StreamID, Error: genErr.Error()}); err != nil {
			return err
		}
	}
	return s.write(Frame{Type: FrameDone, StreamID: req.StreamID})
}

func (s *server) refuse(streamID string) error {
	s.logger.Warn("Refusing overlapping request", zap.String("stream_id", streamID))
	if err := s.write(Frame{Type: FrameError, StreamID: streamID, Error: "worker busy"}); err != nil {
		return err
	}
	return s.write(Frame{Type: FrameDone, StreamID: streamID})
}
