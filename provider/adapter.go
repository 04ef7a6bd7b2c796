package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/namel3ss/n3flow/breaker"
	"github.com/namel3ss/n3flow/ir"
	"github.com/namel3ss/n3flow/retry"
	"github.com/namel3ss/n3flow/stream"
	"github.com/namel3ss/n3flow/telemetry"
)

type (
	// Adapter wraps every model invocation with circuit breaking, retries,
	// per-attempt timeouts, streaming segmentation, and observability.
	Adapter struct {
		mu      sync.RWMutex
		clients map[string]Client
		defs    map[string]*ir.ProviderDef

		breakers *breaker.Registry
		retry    retry.Config
		// Timeout bounds each individual attempt. Zero disables.
		Timeout time.Duration

		logger  telemetry.Logger
		metrics telemetry.Metrics
		events  telemetry.Sink
	}

	// CallInfo names the flow and step for event attribution.
	CallInfo struct {
		Flow string
		Step string
	}
)

// NewAdapter builds the adapter. Telemetry arguments may be nil; noop
// implementations are substituted.
func NewAdapter(defs map[string]*ir.ProviderDef, breakers *breaker.Registry, retryCfg retry.Config, logger telemetry.Logger, metrics telemetry.Metrics, events telemetry.Sink) *Adapter {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	if events == nil {
		events = telemetry.NopSink{}
	}
	if breakers == nil {
		breakers = breaker.NewRegistry(breaker.DefaultConfig())
	}
	return &Adapter{
		clients:  make(map[string]Client),
		defs:     defs,
		breakers: breakers,
		retry:    retryCfg,
		logger:   logger,
		metrics:  metrics,
		events:   events,
	}
}

// Register binds a client to a provider name.
func (a *Adapter) Register(name string, client Client) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.clients[name] = client
}

// Client returns the registered client for the provider.
func (a *Adapter) Client(name string) (Client, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	c, ok := a.clients[name]
	return c, ok
}

// Generate performs a non-streaming call behind the breaker and retry
// wrapper. It records provider status, duration metrics, and start/end
// events regardless of outcome.
func (a *Adapter) Generate(ctx context.Context, providerName string, req Request, info CallInfo) (Response, error) {
	client, ok := a.Client(providerName)
	if !ok {
		return Response{}, NewConfigError(providerName, req.Model,
			"no client is registered for provider '%s'", providerName)
	}
	key := breaker.ModelKey(providerName, req.Model)
	started := time.Now()
	a.emitStart(info, providerName, req.Model)

	var resp Response
	attempts := 0
	err := retry.Do(ctx, a.retry, Retriable, func(ctx context.Context) error {
		attempts++
		out, err := a.breakers.Execute(key, func() (any, error) {
			attemptCtx := ctx
			cancel := func() {}
			if a.Timeout > 0 {
				attemptCtx, cancel = context.WithTimeout(ctx, a.Timeout)
			}
			defer cancel()
			r, err := client.Generate(attemptCtx, req)
			if err != nil {
				return nil, a.classify(providerName, req.Model, err)
			}
			return r, nil
		})
		if err != nil {
			if errors.Is(err, breaker.ErrCircuitOpen) {
				return NewCircuitOpenError(providerName, req.Model, err)
			}
			return err
		}
		resp = out.(Response)
		return nil
	})
	if err != nil {
		var exhausted *retry.ExhaustedError
		if errors.As(err, &exhausted) {
			err = NewRetryError(providerName, req.Model, exhausted.Attempts, exhausted.LastError)
		}
		a.finish(info, providerName, req.Model, started, attempts, err)
		return Response{}, err
	}
	a.finish(info, providerName, req.Model, started, attempts, nil)
	return resp, nil
}

// StreamCall performs a streaming call, emitting chunk events in the
// configured mode and a final done event carrying the full text, which it
// also returns. Streaming never retries mid-stream and does not support
// tool calls.
func (a *Adapter) StreamCall(ctx context.Context, providerName string, req Request, mode string, sink stream.Sink, info CallInfo) (string, error) {
	if len(req.Tools) > 0 {
		return "", NewConfigError(providerName, req.Model,
			"streaming calls cannot request tools")
	}
	client, ok := a.Client(providerName)
	if !ok {
		return "", NewConfigError(providerName, req.Model,
			"no client is registered for provider '%s'", providerName)
	}
	if sink == nil {
		sink = stream.NopSink{}
	}
	key := breaker.ModelKey(providerName, req.Model)
	started := time.Now()
	a.emitStart(info, providerName, req.Model)

	out, err := a.breakers.Execute(key, func() (any, error) {
		s, err := client.Stream(ctx, req)
		if err != nil {
			return nil, a.classify(providerName, req.Model, err)
		}
		return s, nil
	})
	if err != nil {
		if errors.Is(err, breaker.ErrCircuitOpen) {
			err = NewCircuitOpenError(providerName, req.Model, err)
		}
		a.finish(info, providerName, req.Model, started, 1, err)
		return "", err
	}
	streamer := out.(Streamer)
	defer streamer.Close()

	seg := newSegmenter(mode)
	for {
		chunk, err := streamer.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			classified := a.classify(providerName, req.Model, err)
			a.sendError(ctx, sink, info, classified)
			a.finish(info, providerName, req.Model, started, 1, classified)
			return seg.fullText(), classified
		}
		for _, delta := range seg.push(chunk.Delta) {
			a.sendChunk(ctx, sink, info, mode, delta)
		}
	}
	for _, delta := range seg.flush() {
		a.sendChunk(ctx, sink, info, mode, delta)
	}
	full := seg.fullText()
	sink.Send(ctx, stream.Event{
		Kind: stream.EventDone,
		Flow: info.Flow,
		Step: info.Step,
		Mode: mode,
		Full: full,
	})
	a.finish(info, providerName, req.Model, started, 1, nil)
	return full, nil
}

// classify normalizes SDK and transport failures into the provider error
// taxonomy. Errors already classified pass through untouched.
func (a *Adapter) classify(providerName, model string, err error) error {
	if _, ok := AsError(err); ok {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewTimeoutError(providerName, model, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return NewTimeoutError(providerName, model, err)
		}
		return NewTransientError(providerName, model, 0, err)
	}
	return NewTransientError(providerName, model, 0, err)
}

// finish updates provider status, records metrics, and emits the end event.
func (a *Adapter) finish(info CallInfo, providerName, model string, started time.Time, attempts int, err error) {
	duration := time.Since(started)
	a.metrics.RecordTimer(telemetry.MetricProviderDuration, duration,
		"provider", providerName, "model", model)

	status := "success"
	errClass := ""
	if err != nil {
		status = "failure"
		if pe, ok := AsError(err); ok {
			errClass = string(pe.Kind())
			switch pe.Kind() {
			case KindTimeout:
				status = "timeout"
			case KindCircuitOpen:
				status = "circuit_open"
			}
		}
	}
	a.updateStatus(providerName, err)

	telemetry.Emit(a.events, telemetry.Event{
		Kind:     "provider",
		Type:     "provider_call_end",
		FlowName: info.Flow,
		StepName: info.Step,
		Status:   status,
		Duration: duration,
		Message:  errClass,
		Extra: map[string]any{
			"provider": providerName,
			"model":    model,
			"retries":  attempts - 1,
		},
	})
}

// updateStatus flips the provider registry entry to "unauthorized" on auth
// failures and back to "ok" on success.
func (a *Adapter) updateStatus(providerName string, err error) {
	def, ok := a.defs[providerName]
	if !ok {
		return
	}
	if err == nil {
		def.Status = "ok"
		return
	}
	if pe, ok := AsError(err); ok && pe.Kind() == KindAuth {
		def.Status = "unauthorized"
	}
}

func (a *Adapter) emitStart(info CallInfo, providerName, model string) {
	telemetry.Emit(a.events, telemetry.Event{
		Kind:     "provider",
		Type:     "provider_call_start",
		FlowName: info.Flow,
		StepName: info.Step,
		Status:   "running",
		Extra:    map[string]any{"provider": providerName, "model": model},
	})
}

func (a *Adapter) sendChunk(ctx context.Context, sink stream.Sink, info CallInfo, mode, delta string) {
	if err := sink.Send(ctx, stream.Event{
		Kind:  stream.EventChunk,
		Flow:  info.Flow,
		Step:  info.Step,
		Role:  RoleAssistant,
		Mode:  mode,
		Delta: delta,
	}); err != nil {
		a.logger.Warn(ctx, "stream sink rejected chunk", "err", fmt.Sprint(err))
	}
}

func (a *Adapter) sendError(ctx context.Context, sink stream.Sink, info CallInfo, err error) {
	ev := stream.Event{Kind: stream.EventError, Flow: info.Flow, Step: info.Step, Error: err.Error()}
	if pe, ok := AsError(err); ok {
		ev.Code = pe.Code()
	}
	sink.Send(ctx, ev)
}
