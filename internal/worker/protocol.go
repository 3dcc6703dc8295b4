// Package worker owns the inference worker processes: the wire protocol
// spoken over their pipes, the fixed-capacity pool that loans them out, and
// the per-stream runner that bridges one inference run back to the
// orchestrator.
//
// Each worker is a separate OS process. The parent writes request and
// cancel frames to the worker's stdin; the worker writes chunk, error and
// done frames to its stdout. Frames are newline-delimited JSON. The done
// frame is the stream terminator and is always sent, whether the run
// completed, failed, or was cancelled.
package worker

import "github.com/meshworks/meshchat/internal/assistant"

// FrameType discriminates the messages on a worker pipe.
type FrameType string

const (
	// FrameReady is emitted once by the worker after its model finished
	// loading. Spawning blocks until it arrives.
	FrameReady FrameType = "ready"
	// FrameRequest carries a chat history to run inference on.
	FrameRequest FrameType = "request"
	// FrameCancel asks the worker to stop producing for a stream.
	FrameCancel FrameType = "cancel"
	// FrameChunk carries one response chunk.
	FrameChunk FrameType = "chunk"
	// FrameError reports a generation failure. Sent before the done frame.
	FrameError FrameType = "error"
	// FrameDone terminates a stream.
	FrameDone FrameType = "done"
)

// Frame is one newline-delimited JSON message on a worker pipe. Fields are
// populated according to Type: History on requests, Chunk on chunk frames,
// Error on error frames.
type Frame struct {
	Type     FrameType         `json:"type"`
	StreamID string            `json:"stream_id,omitempty"`
	History  []assistant.Chunk `json:"history,omitempty"`
	Chunk    *assistant.Chunk  `json:"chunk,omitempty"`
	Error    string            `json:"error,omitempty"`
}
