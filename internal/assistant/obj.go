package assistant

import (
	"context"
	"time"
)

// objScript is the canned response of the mesh mock: a short prose lead-in,
// a fenced OBJ pyramid, and a trailing question. Token boundaries are
// deliberately irregular to exercise the stream parser the way a real
// model's tokenizer would.
var objScript = []string{
	"here ", "is", " ", "your ", "obj", " ", "model:",
	"```", "obj", "\n",
	"v", " ", "0", " ", "0", " ", "0", "\n",
	"v", " ", "2", " ", "0", " ", "0", "\n",
	"v", " ", "2", " ", "2", " ", "0", "\n",
	"v", " ", "0", " ", "2", " ", "0", "\n",
	"v", " ", "1", " ", "1", " ", "3", "\n",
	"\n",
	"f", " ", "4", " ", "1", " ", "2", "\n",
	"f", " ", "3", " ", "4", " ", "2", "\n",
	"f", " ", "5", " ", "2", " ", "1", "\n",
	"f", " ", "4", " ", "5", " ", "1", "\n",
	"f", " ", "3", " ", "5", " ", "4", "\n",
	"f", " ", "5", " ", "3", " ", "2", "\n",
	"```", "\nare ", "you ", "satisfied", "?",
}

// ObjAssistant replays a fixed token script containing an embedded OBJ
// document. Used to demo and test mesh extraction without a model.
type ObjAssistant struct {
	interval time.Duration
}

// NewObjAssistant builds the mesh mock. A non-positive interval streams
// without pauses.
func NewObjAssistant(interval time.Duration) *ObjAssistant {
	return &ObjAssistant{interval: interval}
}

// GenerateResponse implements Assistant.
func (a *ObjAssistant) GenerateResponse(ctx context.Context, history []Chunk) <-chan Update {
	out := make(chan Update)

	go func() {
		defer close(out)

		for _, token := range objScript {
			if !pause(ctx, a.interval) {
				return
			}
			chunk := Chunk{Role: RoleAssistant, Content: token}
			if !sendUpdate(ctx, out, Update{Chunk: chunk}) {
				return
			}
		}
	}()

	return out
}
