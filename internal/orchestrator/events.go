package orchestrator

import (
	"github.com/meshworks/meshchat/internal/assistant"
	"github.com/meshworks/meshchat/internal/meshparse"
	"github.com/meshworks/meshchat/internal/sse"
)

// Subscriber event names. Data events use the default (empty) name, so
// their "event:" line is omitted on the SSE wire.
const (
	// EventBusy tells the subscriber it is queued behind other streams.
	EventBusy = "busy"
	// EventObjContent carries the completed mesh index records as
	// [obj_start, obj_end, exclude_start, exclude_end] tuples.
	EventObjContent = "obj_content"
	// EventDone is the authoritative stream terminator.
	EventDone = "done"
	// EventError carries a stream failure as a plain string.
	EventError = "error"
)

func dataEvent(c assistant.Chunk) sse.Event {
	return sse.Event{Data: c}
}

func busyEvent() sse.Event {
	return sse.Event{Name: EventBusy, Data: ""}
}

// objContentEvent always carries a JSON array, even when no mesh was
// found.
func objContentEvent(records []meshparse.OutputIndexes) sse.Event {
	if records == nil {
		records = []meshparse.OutputIndexes{}
	}
	return sse.Event{Name: EventObjContent, Data: records}
}

func doneEvent() sse.Event {
	return sse.Event{Name: EventDone, Data: ""}
}

func errorEvent(err error) sse.Event {
	return sse.Event{Name: EventError, Data: err.Error()}
}
