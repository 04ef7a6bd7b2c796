// Package stream delivers client-facing flow execution updates: assistant
// chunks, state changes, tool progress. Stream events differ from telemetry
// events: stream events are wire-shaped payloads for the caller's UI, while
// telemetry events provide internal observability.
package stream

import "context"

// EventType enumerates the wire event kinds.
type EventType string

const (
	EventChunk       EventType = "chunk"
	EventDone        EventType = "done"
	EventError       EventType = "error"
	EventStateChange EventType = "state_change"
	EventToolStart   EventType = "tool_start"
	EventToolEnd     EventType = "tool_end"
	EventStepStart   EventType = "step_start"
	EventStepEnd     EventType = "step_end"
	EventAsk         EventType = "ask"
	EventForm        EventType = "form"
	EventLog         EventType = "log"
)

type (
	// Event is the JSON-shaped streaming payload. Optional fields marshal
	// only when set.
	Event struct {
		Kind    EventType `json:"kind"`
		Flow    string    `json:"flow,omitempty"`
		Step    string    `json:"step,omitempty"`
		Channel string    `json:"channel,omitempty"`
		Role    string    `json:"role,omitempty"`
		Label   string    `json:"label,omitempty"`
		Mode    string    `json:"mode,omitempty"`

		// Delta carries one streamed segment; Full carries the final text on
		// done events. Concatenating every delta in order equals Full.
		Delta string `json:"delta,omitempty"`
		Full  string `json:"full,omitempty"`

		// Path/OldValue/NewValue describe state_change events.
		Path     string `json:"path,omitempty"`
		OldValue any    `json:"old_value,omitempty"`
		NewValue any    `json:"new_value,omitempty"`

		// Error and Code describe error events.
		Error string `json:"error,omitempty"`
		Code  string `json:"code,omitempty"`

		// Fields carries form field descriptors on form events.
		Fields []string `json:"fields,omitempty"`
	}

	// Sink delivers streaming updates over a transport (SSE, WebSocket,
	// channel). Implementations must be safe for concurrent Send calls:
	// parallel branches stream simultaneously.
	Sink interface {
		Send(ctx context.Context, ev Event) error
	}

	// SinkFunc adapts a function to the Sink interface.
	SinkFunc func(ctx context.Context, ev Event) error

	// NopSink discards every event.
	NopSink struct{}
)

func (f SinkFunc) Send(ctx context.Context, ev Event) error { return f(ctx, ev) }

func (NopSink) Send(context.Context, Event) error { return nil }
