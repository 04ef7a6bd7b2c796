package stream

import (
	"context"
	"strings"
	"sync"
)

// Collector buffers events in order for inspection. Used by tests and by the
// engine when the caller supplies no sink but wants the final transcript.
type Collector struct {
	mu     sync.Mutex
	events []Event
}

func (c *Collector) Send(_ context.Context, ev Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return nil
}

// Events returns a copy of the buffered events.
func (c *Collector) Events() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Event, len(c.events))
	copy(out, c.events)
	return out
}

// ByKind filters buffered events by kind.
func (c *Collector) ByKind(kind EventType) []Event {
	var out []Event
	for _, ev := range c.Events() {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

// Deltas concatenates every chunk delta in arrival order.
func (c *Collector) Deltas() string {
	var b strings.Builder
	for _, ev := range c.ByKind(EventChunk) {
		b.WriteString(ev.Delta)
	}
	return b.String()
}
