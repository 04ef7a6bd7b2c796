package telemetry

import (
	"encoding/json"
	"io"
	"sync"
	"time"
)

type (
	// Event is one structured observability record emitted by the engine.
	// Kind groups events by subsystem (flow, step, provider, tool, vector,
	// frame, ai, rag).
	Event struct {
		Kind     string         `json:"kind"`
		Type     string         `json:"event_type"`
		FlowName string         `json:"flow_name,omitempty"`
		StepName string         `json:"step_name,omitempty"`
		Status   string         `json:"status,omitempty"`
		Duration time.Duration  `json:"duration,omitempty"`
		Message  string         `json:"message,omitempty"`
		Extra    map[string]any `json:"extra,omitempty"`
	}

	// Sink receives engine events. Implementations must tolerate concurrent
	// emission.
	Sink interface {
		Emit(ev Event)
	}

	// NopSink discards events.
	NopSink struct{}

	// NDJSONSink writes one JSON object per line. Marshal or write failures
	// are dropped silently.
	NDJSONSink struct {
		mu sync.Mutex
		w  io.Writer
	}

	// MultiSink fans one event out to several sinks.
	MultiSink []Sink

	// CollectSink accumulates events for test assertions.
	CollectSink struct {
		mu     sync.Mutex
		events []Event
	}
)

func (NopSink) Emit(Event) {}

// NewNDJSONSink writes newline-delimited JSON events to w.
func NewNDJSONSink(w io.Writer) *NDJSONSink {
	return &NDJSONSink{w: w}
}

func (s *NDJSONSink) Emit(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.w.Write(append(data, '\n'))
}

func (m MultiSink) Emit(ev Event) {
	for _, s := range m {
		Emit(s, ev)
	}
}

func (c *CollectSink) Emit(ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

// Events returns a copy of everything collected so far.
func (c *CollectSink) Events() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Event, len(c.events))
	copy(out, c.events)
	return out
}

// ByType filters collected events by event type.
func (c *CollectSink) ByType(eventType string) []Event {
	var out []Event
	for _, ev := range c.Events() {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}

// Emit delivers ev to the sink, swallowing panics. Observability must never
// fail the step that produced the event.
func Emit(sink Sink, ev Event) {
	if sink == nil {
		return
	}
	defer func() {
		_ = recover()
	}()
	sink.Emit(ev)
}
