// Package tool executes configured tools: HTTP endpoints, GraphQL queries,
// multipart uploads, and registered local functions. Tool failures after a
// completed attempt come back as `{ok:false, error:…}` result maps; only
// setup problems (unknown tool, missing required argument) raise.
package tool

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/namel3ss/n3flow/breaker"
	"github.com/namel3ss/n3flow/ir"
	"github.com/namel3ss/n3flow/retry"
	"github.com/namel3ss/n3flow/telemetry"
)

type (
	// EvalFn evaluates one expression against the caller's environment.
	EvalFn func(e *ir.Expr) (any, error)

	// Func is a registered local function. It receives the evaluated
	// argument map and returns the tool payload.
	Func func(ctx context.Context, args map[string]any) (any, error)

	// Interceptor observes tool calls. Panics inside interceptors are
	// swallowed; an interceptor can never fail the step.
	Interceptor interface {
		Before(ctx context.Context, tool string, args map[string]any)
		After(ctx context.Context, tool string, result map[string]any)
	}

	// CallInfo names the flow and step for event attribution.
	CallInfo struct {
		Flow string
		Step string
	}

	// Executor resolves tool configs and runs them with auth, retries, rate
	// limiting, response schema validation, and observability.
	Executor struct {
		tools map[string]*ir.Tool
		funcs map[string]Func

		// HTTPClient serves all HTTP-backed tools. Defaults to
		// http.DefaultClient.
		HTTPClient *http.Client

		// Sleep is injectable for retry backoff tests.
		Sleep retry.Sleeper

		breakers     *breaker.Registry
		limiters     *limiterSet
		schemas      *schemaCache
		interceptors []Interceptor

		logger telemetry.Logger
		events telemetry.Sink
	}
)

// NewExecutor builds an executor over the tool configs. Telemetry arguments
// may be nil; noop implementations are substituted.
func NewExecutor(tools map[string]*ir.Tool, breakers *breaker.Registry, logger telemetry.Logger, events telemetry.Sink) *Executor {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	if events == nil {
		events = telemetry.NopSink{}
	}
	if breakers == nil {
		breakers = breaker.NewRegistry(breaker.DefaultConfig())
	}
	return &Executor{
		tools:      tools,
		funcs:      make(map[string]Func),
		HTTPClient: http.DefaultClient,
		breakers:   breakers,
		limiters:   newLimiterSet(),
		schemas:    newSchemaCache(),
		logger:     logger,
		events:     events,
	}
}

// RegisterFunc binds a local function implementation to a name.
func (e *Executor) RegisterFunc(name string, fn Func) {
	e.funcs[name] = fn
}

// Intercept appends an interceptor run around every tool call.
func (e *Executor) Intercept(i Interceptor) {
	e.interceptors = append(e.interceptors, i)
}

// Execute runs the named tool with arguments evaluated through eval. The
// returned map always carries an "ok" field; callers inspect it rather than
// the error, which is reserved for setup failures.
func (e *Executor) Execute(ctx context.Context, name string, args []ir.NamedExpr, eval EvalFn, info CallInfo) (map[string]any, error) {
	t, ok := e.tools[name]
	if !ok {
		return nil, fmt.Errorf("tool '%s' is not defined. Check the tool name or define it first", name)
	}
	argMap, err := evalArgs(args, eval)
	if err != nil {
		return nil, err
	}
	for _, field := range t.InputFields {
		if _, present := argMap[field]; !present {
			return nil, fmt.Errorf("tool '%s' requires input field '%s' but it was not provided", name, field)
		}
	}

	started := time.Now()
	e.emitStart(info, name)
	e.runBefore(ctx, name, argMap)

	result, err := e.dispatch(ctx, t, argMap, eval)
	if err != nil {
		e.emitError(info, name, err)
		e.emitEnd(info, name, started, false)
		return nil, err
	}
	if t.ResponseSchema != nil && isOK(result) {
		if verr := e.schemas.validate(t.Name, t.ResponseSchema, result["data"]); verr != nil {
			result = failResult(fmt.Sprintf("response validation failed: %s", verr))
		}
	}

	e.runAfter(ctx, name, result)
	if !isOK(result) {
		e.emitError(info, name, fmt.Errorf("%v", result["error"]))
	}
	e.emitEnd(info, name, started, isOK(result))
	return result, nil
}

func (e *Executor) dispatch(ctx context.Context, t *ir.Tool, args map[string]any, eval EvalFn) (map[string]any, error) {
	switch t.Kind {
	case "local_function":
		return e.callLocal(ctx, t, args)
	case "http", "graphql", "multipart":
		if detail, limited := e.limiters.allow(t); limited {
			return failResult("rate limit exceeded (" + detail + ")"), nil
		}
		return e.callHTTP(ctx, t, args, eval)
	default:
		return nil, fmt.Errorf("tool '%s' has unsupported kind '%s'", t.Name, t.Kind)
	}
}

// callLocal invokes a registered function. Function errors become failure
// results; only a missing registration raises.
func (e *Executor) callLocal(ctx context.Context, t *ir.Tool, args map[string]any) (map[string]any, error) {
	fnName := t.Function
	if fnName == "" {
		fnName = t.Name
	}
	fn, ok := e.funcs[fnName]
	if !ok {
		return nil, fmt.Errorf("tool '%s' references local function '%s' but none is registered", t.Name, fnName)
	}
	callCtx := ctx
	cancel := func() {}
	if t.TimeoutSeconds > 0 {
		callCtx, cancel = context.WithTimeout(ctx, secondsToDuration(t.TimeoutSeconds))
	}
	defer cancel()
	out, err := fn(callCtx, args)
	if err != nil {
		return failResult(err.Error()), nil
	}
	return map[string]any{"ok": true, "data": out}, nil
}

func evalArgs(args []ir.NamedExpr, eval EvalFn) (map[string]any, error) {
	out := make(map[string]any, len(args))
	for _, arg := range args {
		v, err := eval(arg.Expr)
		if err != nil {
			return nil, err
		}
		out[arg.Name] = v
	}
	return out, nil
}

func (e *Executor) runBefore(ctx context.Context, name string, args map[string]any) {
	for _, i := range e.interceptors {
		func() {
			defer func() { _ = recover() }()
			i.Before(ctx, name, args)
		}()
	}
}

func (e *Executor) runAfter(ctx context.Context, name string, result map[string]any) {
	for _, i := range e.interceptors {
		func() {
			defer func() { _ = recover() }()
			i.After(ctx, name, result)
		}()
	}
}

func (e *Executor) emitStart(info CallInfo, name string) {
	telemetry.Emit(e.events, telemetry.Event{
		Kind:     "tool",
		Type:     "tool_start",
		FlowName: info.Flow,
		StepName: info.Step,
		Status:   "running",
		Extra:    map[string]any{"tool": name},
	})
}

func (e *Executor) emitEnd(info CallInfo, name string, started time.Time, ok bool) {
	status := "success"
	if !ok {
		status = "failure"
	}
	telemetry.Emit(e.events, telemetry.Event{
		Kind:     "tool",
		Type:     "tool_end",
		FlowName: info.Flow,
		StepName: info.Step,
		Status:   status,
		Duration: time.Since(started),
		Extra:    map[string]any{"tool": name},
	})
}

func (e *Executor) emitError(info CallInfo, name string, err error) {
	telemetry.Emit(e.events, telemetry.Event{
		Kind:     "tool",
		Type:     "tool_error",
		FlowName: info.Flow,
		StepName: info.Step,
		Status:   "failure",
		Message:  err.Error(),
		Extra:    map[string]any{"tool": name},
	})
}

func failResult(msg string) map[string]any {
	return map[string]any{"ok": false, "error": msg}
}

func isOK(result map[string]any) bool {
	ok, _ := result["ok"].(bool)
	return ok
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
