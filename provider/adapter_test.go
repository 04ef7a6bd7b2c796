package provider

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/namel3ss/n3flow/breaker"
	"github.com/namel3ss/n3flow/ir"
	"github.com/namel3ss/n3flow/retry"
	"github.com/namel3ss/n3flow/stream"
	"github.com/namel3ss/n3flow/telemetry"
)

type fakeClient struct {
	calls     int
	responses []func() (Response, error)
	chunks    []string
	streamErr error
}

func (f *fakeClient) Generate(context.Context, Request) (Response, error) {
	idx := f.calls
	f.calls++
	if idx >= len(f.responses) {
		idx = len(f.responses) - 1
	}
	return f.responses[idx]()
}

func (f *fakeClient) Stream(context.Context, Request) (Streamer, error) {
	f.calls++
	if f.streamErr != nil {
		return nil, f.streamErr
	}
	return &sliceStreamer{chunks: f.chunks}, nil
}

type sliceStreamer struct {
	chunks []string
	pos    int
}

func (s *sliceStreamer) Recv() (Chunk, error) {
	if s.pos >= len(s.chunks) {
		return Chunk{}, io.EOF
	}
	c := Chunk{Delta: s.chunks[s.pos]}
	s.pos++
	return c, nil
}

func (s *sliceStreamer) Close() error { return nil }

func noSleep(context.Context, time.Duration) error { return nil }

func newTestAdapter(client Client, brk breaker.Config, defs map[string]*ir.ProviderDef) (*Adapter, *telemetry.CollectSink) {
	events := &telemetry.CollectSink{}
	a := NewAdapter(defs, breaker.NewRegistry(brk),
		retry.Config{MaxAttempts: 3, BaseDelay: time.Millisecond, Sleep: noSleep},
		nil, nil, events)
	a.Register("openai", client)
	return a, events
}

func success(text string) func() (Response, error) {
	return func() (Response, error) { return Response{Text: text}, nil }
}

func transientFailure() func() (Response, error) {
	return func() (Response, error) {
		return Response{}, NewTransientError("openai", "gpt-4o", 503, errors.New("unavailable"))
	}
}

func req() Request {
	return Request{Model: "gpt-4o", Messages: []Message{{Role: RoleUser, Content: "hi"}}}
}

func TestGenerateRetriesTransientErrors(t *testing.T) {
	client := &fakeClient{responses: []func() (Response, error){
		transientFailure(),
		transientFailure(),
		success("recovered"),
	}}
	a, events := newTestAdapter(client, breaker.DefaultConfig(), nil)

	resp, err := a.Generate(context.Background(), "openai", req(), CallInfo{Flow: "f", Step: "s"})
	require.NoError(t, err)
	assert.Equal(t, "recovered", resp.Text)
	assert.Equal(t, 3, client.calls)

	ends := events.ByType("provider_call_end")
	require.Len(t, ends, 1)
	assert.Equal(t, "success", ends[0].Status)
	assert.Equal(t, 2, ends[0].Extra["retries"])
}

func TestGenerateExhaustsRetries(t *testing.T) {
	client := &fakeClient{responses: []func() (Response, error){transientFailure()}}
	a, _ := newTestAdapter(client, breaker.DefaultConfig(), nil)

	_, err := a.Generate(context.Background(), "openai", req(), CallInfo{})
	require.Error(t, err)
	pe, ok := AsError(err)
	require.True(t, ok)
	assert.Equal(t, KindRetryExhausted, pe.Kind())
	assert.Equal(t, CodeRetry, pe.Code())
	assert.Equal(t, 3, pe.Attempts())
	assert.Equal(t, 3, client.calls)
}

func TestGenerateAuthErrorDoesNotRetry(t *testing.T) {
	defs := map[string]*ir.ProviderDef{"openai": {Name: "openai", Kind: "openai", Status: "ok"}}
	client := &fakeClient{responses: []func() (Response, error){
		func() (Response, error) {
			return Response{}, NewAuthError("openai", "gpt-4o", 401, errors.New("bad key"))
		},
	}}
	a, _ := newTestAdapter(client, breaker.DefaultConfig(), defs)

	_, err := a.Generate(context.Background(), "openai", req(), CallInfo{})
	require.Error(t, err)
	pe, _ := AsError(err)
	assert.Equal(t, KindAuth, pe.Kind())
	assert.Equal(t, 1, client.calls)
	assert.Equal(t, "unauthorized", defs["openai"].Status)
}

func TestGenerateRecoveryResetsProviderStatus(t *testing.T) {
	defs := map[string]*ir.ProviderDef{"openai": {Name: "openai", Status: "unauthorized"}}
	client := &fakeClient{responses: []func() (Response, error){success("ok")}}
	a, _ := newTestAdapter(client, breaker.DefaultConfig(), defs)

	_, err := a.Generate(context.Background(), "openai", req(), CallInfo{})
	require.NoError(t, err)
	assert.Equal(t, "ok", defs["openai"].Status)
}

func TestGenerateCircuitOpenSkipsProvider(t *testing.T) {
	client := &fakeClient{responses: []func() (Response, error){
		func() (Response, error) {
			return Response{}, NewAuthError("openai", "gpt-4o", 403, errors.New("forbidden"))
		},
	}}
	a, events := newTestAdapter(client, breaker.Config{FailureThreshold: 2, Cooldown: time.Minute}, nil)

	for i := 0; i < 2; i++ {
		_, err := a.Generate(context.Background(), "openai", req(), CallInfo{})
		require.Error(t, err)
	}
	require.Equal(t, 2, client.calls)

	_, err := a.Generate(context.Background(), "openai", req(), CallInfo{})
	require.Error(t, err)
	pe, _ := AsError(err)
	assert.Equal(t, KindCircuitOpen, pe.Kind())
	assert.Equal(t, CodeCircuitOpen, pe.Code())
	assert.Equal(t, 2, client.calls)

	ends := events.ByType("provider_call_end")
	assert.Equal(t, "circuit_open", ends[len(ends)-1].Status)
}

func TestGenerateUnknownProvider(t *testing.T) {
	a, _ := newTestAdapter(&fakeClient{}, breaker.DefaultConfig(), nil)
	_, err := a.Generate(context.Background(), "mystery", req(), CallInfo{})
	require.Error(t, err)
	pe, _ := AsError(err)
	assert.Equal(t, KindConfig, pe.Kind())
}

func TestStreamCallTokensMode(t *testing.T) {
	client := &fakeClient{chunks: []string{"Hel", "lo ", "world"}}
	a, _ := newTestAdapter(client, breaker.DefaultConfig(), nil)
	sink := &stream.Collector{}

	full, err := a.StreamCall(context.Background(), "openai", req(), ModeTokens, sink, CallInfo{Flow: "f", Step: "s"})
	require.NoError(t, err)
	assert.Equal(t, "Hello world", full)

	// Concatenated deltas equal the done event's full text.
	done := sink.ByKind(stream.EventDone)
	require.Len(t, done, 1)
	assert.Equal(t, full, done[0].Full)
	assert.Equal(t, full, sink.Deltas())
	assert.Len(t, sink.ByKind(stream.EventChunk), 3)
}

func TestStreamCallSentencesMode(t *testing.T) {
	client := &fakeClient{chunks: []string{"One. ", "Two", ". Three"}}
	a, _ := newTestAdapter(client, breaker.DefaultConfig(), nil)
	sink := &stream.Collector{}

	full, err := a.StreamCall(context.Background(), "openai", req(), ModeSentences, sink, CallInfo{})
	require.NoError(t, err)
	assert.Equal(t, "One. Two. Three", full)
	assert.Equal(t, full, sink.Deltas())

	chunks := sink.ByKind(stream.EventChunk)
	require.Len(t, chunks, 3)
	assert.Equal(t, "One. ", chunks[0].Delta)
}

func TestStreamCallFullMode(t *testing.T) {
	client := &fakeClient{chunks: []string{"a", "b", "c"}}
	a, _ := newTestAdapter(client, breaker.DefaultConfig(), nil)
	sink := &stream.Collector{}

	full, err := a.StreamCall(context.Background(), "openai", req(), ModeFull, sink, CallInfo{})
	require.NoError(t, err)
	assert.Equal(t, "abc", full)

	chunks := sink.ByKind(stream.EventChunk)
	require.Len(t, chunks, 1)
	assert.Equal(t, "abc", chunks[0].Delta)
}

func TestStreamCallRejectsTools(t *testing.T) {
	a, _ := newTestAdapter(&fakeClient{}, breaker.DefaultConfig(), nil)
	r := req()
	r.Tools = []ToolDefinition{{Name: "search"}}
	_, err := a.StreamCall(context.Background(), "openai", r, ModeTokens, nil, CallInfo{})
	require.Error(t, err)
	pe, _ := AsError(err)
	assert.Equal(t, KindConfig, pe.Kind())
}
