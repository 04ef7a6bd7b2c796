// Package engine is the flow runtime: it lowers IR flows to node graphs,
// schedules steps with guards, timeouts, error boundaries and bounded
// parallel fan-out, interprets script statements, and dispatches to the
// provider, tool, memory, record, and RAG layers.
package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/namel3ss/n3flow/breaker"
	"github.com/namel3ss/n3flow/expr"
	"github.com/namel3ss/n3flow/frame"
	"github.com/namel3ss/n3flow/graph"
	"github.com/namel3ss/n3flow/ir"
	"github.com/namel3ss/n3flow/memory"
	"github.com/namel3ss/n3flow/memory/inmem"
	redisstore "github.com/namel3ss/n3flow/memory/redis"
	"github.com/namel3ss/n3flow/provider"
	"github.com/namel3ss/n3flow/provider/anthropic"
	"github.com/namel3ss/n3flow/provider/openai"
	"github.com/namel3ss/n3flow/rag"
	"github.com/namel3ss/n3flow/record"
	"github.com/namel3ss/n3flow/retry"
	"github.com/namel3ss/n3flow/stream"
	"github.com/namel3ss/n3flow/telemetry"
	"github.com/namel3ss/n3flow/tool"
	"github.com/namel3ss/n3flow/vector"
)

type (
	// Engine executes flows of one loaded program. Construct it once per
	// program; it is safe for concurrent flow runs.
	Engine struct {
		program *ir.Program

		frames    *frame.Store
		records   *record.Layer
		providers *provider.Adapter
		tools     *tool.Executor
		memory    *memory.Composer
		vectors   *vector.Index
		graphs    *graph.Engine
		rag       *rag.Runner
		breakers  *breaker.Registry

		maxParallel int
		secrets     map[string]any
		now         func() time.Time

		logger  telemetry.Logger
		metrics telemetry.Metrics
		tracer  telemetry.Tracer
		events  telemetry.Sink
	}

	// Options configures engine construction. Zero values use defaults.
	Options struct {
		Logger  telemetry.Logger
		Metrics telemetry.Metrics
		Tracer  telemetry.Tracer
		Events  telemetry.Sink

		// Secrets resolve `secret.<name>` references in expressions.
		Secrets map[string]any

		// MaxParallel caps concurrent parallel branches. Zero reads the
		// environment, falling back to the default of 4.
		MaxParallel int

		Breakers *breaker.Registry
		Retry    retry.Config

		// MemoryStores overrides the resolved memory backends, keyed by
		// store name. Useful in tests.
		MemoryStores map[string]memory.Store

		Now func() time.Time
	}

	// RunOptions parameterizes one flow run.
	RunOptions struct {
		SessionID string
		UserID    string
		UserInput string
		// User carries the authenticated user context, addressable as
		// `user.*` in expressions.
		User map[string]any
		// Inputs satisfies pending ask/form requests when resuming a
		// suspended run.
		Inputs map[string]any
		// Initial resumes a suspended run from its preserved state.
		Initial *FlowState
		// Stream receives chunk/state_change/tool events during the run.
		Stream stream.Sink
	}

	// RunResult is the outcome of one flow run.
	RunResult struct {
		Flow   string
		Status string
		// Result is the flow's return value, JSON-safe.
		Result any
		State  map[string]any
		Steps  []StepResult
		Errors []FlowError
		// Inputs lists pending input requests when Status is "suspended".
		Inputs []InputRequest
		// RedirectTo names the last flow a goto handed off to.
		RedirectTo string
		// FlowState preserves the run state for resuming a suspended run.
		FlowState *FlowState
	}
)

// Flow run terminal statuses.
const (
	FlowCompleted = "completed"
	FlowSuspended = "suspended"
	FlowFailed    = "failed"
)

// New builds an engine for the program. Provider clients are constructed
// from the program's provider definitions; unknown kinds stay unregistered
// so tests can bind fakes through Providers().
func New(program *ir.Program, opts Options) (*Engine, error) {
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = telemetry.NewNoopTracer()
	}
	events := opts.Events
	if events == nil {
		events = telemetry.NopSink{}
	}
	breakers := opts.Breakers
	if breakers == nil {
		breakers = breaker.NewRegistry(breaker.DefaultConfig())
	}
	maxParallel := opts.MaxParallel
	if maxParallel <= 0 {
		maxParallel = MaxParallelFromEnv()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	frames := frame.NewStore(program.Frames)
	records := record.NewLayer(program.Records, frames)
	records.Now = now

	providerDefs := program.Providers
	if providerDefs == nil {
		providerDefs = make(map[string]*ir.ProviderDef)
	}
	adapter := provider.NewAdapter(providerDefs, breakers, opts.Retry, logger, metrics, events)
	for name, def := range providerDefs {
		client, err := newProviderClient(def)
		if err != nil {
			return nil, err
		}
		if client != nil {
			adapter.Register(name, client)
		}
	}

	tools := tool.NewExecutor(program.Tools, breakers, logger, events)

	stores, err := resolveMemoryStores(program.MemoryStores, opts.MemoryStores)
	if err != nil {
		return nil, err
	}
	composer := memory.NewComposer(stores, inmem.New())
	composer.Now = now

	vectors := vector.NewIndex(program.VectorStores, frames)
	graphs := graph.NewEngine(program.Graphs, program.GraphSummaries, frames)

	e := &Engine{
		program:     program,
		frames:      frames,
		records:     records,
		providers:   adapter,
		tools:       tools,
		memory:      composer,
		vectors:     vectors,
		graphs:      graphs,
		breakers:    breakers,
		maxParallel: maxParallel,
		secrets:     opts.Secrets,
		now:         now,
		logger:      logger,
		metrics:     metrics,
		tracer:      tracer,
		events:      events,
	}
	composer.Summarize = e.summarize
	composer.ExtractFacts = e.extractFacts
	e.rag = rag.NewRunner(program.RAGPipelines, vectors, graphs, frames, e.generateText, metrics, events)
	return e, nil
}

// Providers exposes the provider adapter so callers can register custom
// clients.
func (e *Engine) Providers() *provider.Adapter { return e.providers }

// Tools exposes the tool executor for local function registration.
func (e *Engine) Tools() *tool.Executor { return e.tools }

// Frames exposes the process-wide frame store.
func (e *Engine) Frames() *frame.Store { return e.frames }

// Memory exposes the memory composer.
func (e *Engine) Memory() *memory.Composer { return e.memory }

// RunFlow executes the named flow to a terminal status. Unhandled step
// errors land in the result's Errors with status "failed"; only
// configuration problems (unknown flow, redirect to a missing flow) return
// a Go error.
func (e *Engine) RunFlow(ctx context.Context, name string, opts RunOptions) (*RunResult, error) {
	st := opts.Initial
	if st == nil {
		st = NewFlowState()
	}
	if opts.User != nil {
		st.Context["user"] = opts.User
	}
	if st.Context["request_id"] == nil {
		st.Context["request_id"] = uuid.NewString()
	}
	delete(st.Context, markerAwaiting)

	current := name
	redirected := ""
	lastRedirect := ""
	for {
		flow := e.program.Flow(current)
		if flow == nil {
			if redirected != "" {
				return nil, errf(CodeRedirectMissing, "flow '%s' redirects to missing flow '%s'", redirected, current)
			}
			return nil, errf(CodeUnknownFlow, "flow '%s' is not defined", current)
		}
		st.Context["flow_name"] = current

		graph, err := lowerFlow(flow)
		if err != nil {
			return nil, err
		}

		e.metrics.IncCounter(telemetry.MetricFlowRuns, 1, "flow", current)
		telemetry.Emit(e.events, telemetry.Event{Kind: "flow", Type: "start", FlowName: current, Status: "running"})
		started := e.now()

		r := newRunner(e, current, st, opts)
		runErr := r.run(ctx, graph)

		result := &RunResult{
			Flow:       current,
			State:      st.State,
			Steps:      st.Steps,
			Errors:     st.Errors,
			Inputs:     st.Inputs,
			RedirectTo: lastRedirect,
			FlowState:  st,
		}

		switch {
		case runErr != nil:
			if ret, ok := runErr.(*ReturnSignal); ok {
				result.Status = FlowCompleted
				result.Result = expr.ToJSONSafe(ret.Value)
				e.emitFlowEnd(current, started, "success", "")
				return result, nil
			}
			e.metrics.IncCounter(telemetry.MetricFlowErrors, 1, "flow", current)
			result.Status = FlowFailed
			result.Errors = st.Errors
			e.emitFlowEnd(current, started, "failure", runErr.Error())
			return result, nil

		case st.Awaiting():
			result.Status = FlowSuspended
			e.emitFlowEnd(current, started, "suspended", "")
			return result, nil

		default:
			if target, ok := st.RedirectTarget(); ok {
				delete(st.Context, markerRedirect)
				e.emitFlowEnd(current, started, "redirected", target)
				redirected = current
				current = target
				lastRedirect = target
				continue
			}
			result.Status = FlowCompleted
			result.Result = lastStepOutput(st)
			e.emitFlowEnd(current, started, "success", "")
			return result, nil
		}
	}
}

func (e *Engine) emitFlowEnd(flow string, started time.Time, status, message string) {
	telemetry.Emit(e.events, telemetry.Event{
		Kind:     "flow",
		Type:     "end",
		FlowName: flow,
		Status:   status,
		Duration: e.now().Sub(started),
		Message:  message,
	})
}

// lastStepOutput is the flow result when no return statement ran: the
// output of the most recent successful step.
func lastStepOutput(st *FlowState) any {
	for i := len(st.Steps) - 1; i >= 0; i-- {
		if st.Steps[i].Status == StatusSuccess && st.Steps[i].Output != nil {
			return expr.ToJSONSafe(st.Steps[i].Output)
		}
	}
	return nil
}

// generateText serves RAG stages and memory pipelines: one plain completion
// through the named AI call.
func (e *Engine) generateText(ctx context.Context, aiCallName, prompt string) (string, error) {
	call, ok := e.program.AICalls[aiCallName]
	if !ok {
		return "", errf(CodeUnknownTarget, "ai call '%s' is not defined", aiCallName)
	}
	var messages []provider.Message
	if call.SystemPrompt != "" {
		messages = append(messages, provider.Message{Role: provider.RoleSystem, Content: call.SystemPrompt})
	}
	messages = append(messages, provider.Message{Role: provider.RoleUser, Content: prompt})
	resp, err := e.providers.Generate(ctx, call.Provider, provider.Request{
		Model:       call.Model,
		Messages:    messages,
		MaxTokens:   call.MaxTokens,
		Temperature: call.Temperature,
	}, provider.CallInfo{})
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}

// summarize backs llm_summariser memory pipeline steps with a direct model
// call.
func (e *Engine) summarize(ctx context.Context, model, text string) (string, error) {
	return e.modelPrompt(ctx, model, "Summarize this conversation in a few sentences:\n"+text)
}

func (e *Engine) extractFacts(ctx context.Context, model, text string) ([]string, error) {
	reply, err := e.modelPrompt(ctx, model, "List the durable facts in this conversation, one per line:\n"+text)
	if err != nil {
		return nil, err
	}
	var facts []string
	for _, line := range strings.Split(reply, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			facts = append(facts, line)
		}
	}
	return facts, nil
}

// modelPrompt finds a provider able to serve the model and runs one
// completion against it.
func (e *Engine) modelPrompt(ctx context.Context, model, prompt string) (string, error) {
	name := e.providerForModel(model)
	if name == "" {
		return "", errf(CodeUnknownTarget, "no provider is configured for model '%s'", model)
	}
	resp, err := e.providers.Generate(ctx, name, provider.Request{
		Model:    model,
		Messages: []provider.Message{{Role: provider.RoleUser, Content: prompt}},
	}, provider.CallInfo{})
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}

// providerForModel picks the provider bound to the model by an AI call,
// falling back to any registered provider.
func (e *Engine) providerForModel(model string) string {
	for _, call := range e.program.AICalls {
		if call.Model == model {
			return call.Provider
		}
	}
	for name := range e.program.Providers {
		return name
	}
	return ""
}

func newProviderClient(def *ir.ProviderDef) (provider.Client, error) {
	switch def.Kind {
	case "openai":
		return openai.NewFromConfig(def.Name, def.APIKey, def.BaseURL)
	case "anthropic":
		return anthropic.NewFromConfig(def.Name, def.APIKey, def.BaseURL)
	default:
		return nil, nil
	}
}

// resolveMemoryStores binds declared memory stores to backends, with
// explicit overrides taking precedence.
func resolveMemoryStores(defs map[string]*ir.MemoryStoreDef, overrides map[string]memory.Store) (map[string]memory.Store, error) {
	out := make(map[string]memory.Store, len(defs)+len(overrides))
	for name, def := range defs {
		switch def.Backend {
		case "", "inmem":
			out[name] = inmem.New()
		case "redis":
			out[name] = redisstore.NewFromAddr(def.Addr)
		default:
			return nil, fmt.Errorf("memory store '%s' has unsupported backend '%s'", name, def.Backend)
		}
	}
	for name, store := range overrides {
		out[name] = store
	}
	return out, nil
}
