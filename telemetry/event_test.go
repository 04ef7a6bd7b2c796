package telemetry

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type panicSink struct{}

func (panicSink) Emit(Event) { panic("sink exploded") }

func TestNDJSONSinkWritesOneLinePerEvent(t *testing.T) {
	var buf bytes.Buffer
	sink := NewNDJSONSink(&buf)

	sink.Emit(Event{Kind: "flow", Type: "flow_start", FlowName: "checkout"})
	sink.Emit(Event{Kind: "step", Type: "step_end", StepName: "pay", Status: "success", Duration: time.Second})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)

	var first map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	assert.Equal(t, "flow_start", first["event_type"])
	assert.Equal(t, "checkout", first["flow_name"])

	var second map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &second))
	assert.Equal(t, "success", second["status"])
}

func TestEmitSwallowsSinkPanics(t *testing.T) {
	assert.NotPanics(t, func() {
		Emit(panicSink{}, Event{Kind: "step", Type: "step_end"})
	})
	assert.NotPanics(t, func() {
		Emit(nil, Event{})
	})
}

func TestMultiSinkSurvivesFailingMember(t *testing.T) {
	collect := &CollectSink{}
	multi := MultiSink{panicSink{}, collect}

	assert.NotPanics(t, func() {
		multi.Emit(Event{Kind: "tool", Type: "tool_end", Status: "success"})
	})
	require.Len(t, collect.Events(), 1)
	assert.Equal(t, "tool_end", collect.Events()[0].Type)
}

func TestCollectSinkByType(t *testing.T) {
	collect := &CollectSink{}
	collect.Emit(Event{Type: "a"})
	collect.Emit(Event{Type: "b"})
	collect.Emit(Event{Type: "a"})
	assert.Len(t, collect.ByType("a"), 2)
	assert.Len(t, collect.ByType("c"), 0)
}
