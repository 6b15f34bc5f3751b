package events

import (
	"context"
	"sync"

	"github.com/opentenders/tender-radar/internal/pipeline"
)

// Recorder is a pipeline.EventSink that keeps events in memory, for
// tests and for the in-process fallback when no database is configured.
type Recorder struct {
	mu     sync.Mutex
	events []pipeline.Event
}

// NewRecorder returns an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Emit stores the event.
func (r *Recorder) Emit(_ context.Context, evt pipeline.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []pipeline.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]pipeline.Event, len(r.events))
	copy(out, r.events)
	return out
}

// ByStage filters recorded events by stage.
func (r *Recorder) ByStage(stage string) []pipeline.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []pipeline.Event
	for _, evt := range r.events {
		if evt.Stage == stage {
			out = append(out, evt)
		}
	}
	return out
}
