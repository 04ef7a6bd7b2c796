package engine

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/namel3ss/n3flow/breaker"
	"github.com/namel3ss/n3flow/expr"
	"github.com/namel3ss/n3flow/ir"
	"github.com/namel3ss/n3flow/provider"
	"github.com/namel3ss/n3flow/stream"
	"github.com/namel3ss/n3flow/telemetry"
)

// runner drives one flow run: graph traversal, step execution, and the
// statement interpreter all hang off it.
type runner struct {
	e    *Engine
	flow string
	st   *FlowState
	opts RunOptions
	sink stream.Sink
	tx   *txManager

	// sleep is injectable for retry statement tests.
	sleep func(ctx context.Context, d time.Duration) error
}

func newRunner(e *Engine, flow string, st *FlowState, opts RunOptions) *runner {
	sink := opts.Stream
	if sink == nil {
		sink = stream.NopSink{}
	}
	return &runner{
		e:     e,
		flow:  flow,
		st:    st,
		opts:  opts,
		sink:  sink,
		tx:    &txManager{frames: e.frames},
		sleep: sleepCtx,
	}
}

func (r *runner) run(ctx context.Context, g *flowGraph) error {
	return r.runFrom(ctx, g, g.entry, r.st, "")
}

// runFrom walks the graph from id until the chain ends, stopAt is reached,
// or the state suspends or redirects.
func (r *runner) runFrom(ctx context.Context, g *flowGraph, id string, st *FlowState, stopAt string) error {
	for id != "" && id != stopAt {
		n, ok := g.nodes[id]
		if !ok {
			return errf(CodeUnknownTarget, "flow graph has no node '%s'", id)
		}
		next, err := r.runNode(ctx, g, n, st)
		if err != nil {
			return err
		}
		if st.Awaiting() {
			return nil
		}
		if _, redirect := st.RedirectTarget(); redirect {
			return nil
		}
		id = next
	}
	return nil
}

// runNode executes one node and returns the id to continue at.
func (r *runner) runNode(ctx context.Context, g *flowGraph, n *node, st *FlowState) (string, error) {
	step := n.step
	if step.Kind == joinKind {
		return firstEdge(n.next), nil
	}

	if step.When != nil {
		keep, err := r.evaluator(st).EvalBool(st.Env, step.When, "when guard")
		if err != nil {
			return "", r.recordFailure(st, n, err, 0)
		}
		if !keep {
			st.Steps = append(st.Steps, StepResult{Name: n.id, Status: StatusSkipped})
			r.emitStep(n.id, "step_skipped", StatusSkipped, 0, "")
			return n.skipTo, nil
		}
	}

	switch step.Kind {
	case ir.StepBranch, ir.StepCondition:
		taken, err := r.evaluator(st).EvalBool(st.Env, step.Cond, "branch condition")
		if err != nil {
			return "", r.recordFailure(st, n, err, 0)
		}
		if taken {
			return n.branchTrue, nil
		}
		return n.branchFalse, nil

	case ir.StepParallel:
		return r.runParallel(ctx, g, n, st)

	case ir.StepTry:
		return r.runTry(ctx, n, st)
	}

	started := r.e.now()
	r.sendStream(ctx, stream.Event{Kind: stream.EventStepStart, Flow: r.flow, Step: n.id})

	execCtx := ctx
	cancel := func() {}
	if step.TimeoutSeconds > 0 {
		execCtx, cancel = context.WithTimeout(ctx, secondsToDuration(step.TimeoutSeconds))
	}
	output, err := r.execStep(execCtx, step, st)
	cancel()
	duration := r.e.now().Sub(started)

	if ret, isReturn := asReturn(err); isReturn {
		st.Steps = append(st.Steps, StepResult{Name: n.id, Status: StatusSuccess, Duration: duration, Output: expr.ToJSONSafe(ret.Value)})
		r.finishStep(ctx, n.id, StatusSuccess, duration, "")
		return "", ret
	}
	if err != nil {
		if step.TimeoutSeconds > 0 && errors.Is(err, context.DeadlineExceeded) {
			err = errf(CodeStepTimeout, "step '%s' timed out after %gs", n.id, step.TimeoutSeconds)
		}
		return "", r.recordFailure(st, n, err, duration)
	}

	if step.Name != "" {
		st.SetStepOutput(step.Name, output)
	}
	st.Steps = append(st.Steps, StepResult{Name: n.id, Status: StatusSuccess, Duration: duration, Output: output})
	r.finishStep(ctx, n.id, StatusSuccess, duration, "")
	return firstEdge(n.next), nil
}

// runParallel fans branch entries out over cloned states, bounded by the
// configured concurrency cap, and merges the clones back deterministically.
func (r *runner) runParallel(ctx context.Context, g *flowGraph, n *node, st *FlowState) (string, error) {
	entries := n.next
	if n.joinID == "" {
		return firstEdge(entries), nil
	}
	started := r.e.now()

	clones := make([]*FlowState, len(entries))
	baseInputs := len(st.Inputs)
	sem := make(chan struct{}, r.e.maxParallel)
	group, groupCtx := errgroup.WithContext(ctx)
	for i, entry := range entries {
		clone := st.Clone()
		clones[i] = clone
		group.Go(func() error {
			sem <- struct{}{}
			defer func() { <-sem }()
			return r.runFrom(groupCtx, g, entry, clone, n.joinID)
		})
	}
	err := group.Wait()
	duration := r.e.now().Sub(started)
	r.e.metrics.IncCounter(telemetry.MetricParallelBranches, float64(len(entries)), "flow", r.flow)

	if err != nil {
		return "", r.recordFailure(st, n, err, duration)
	}

	mergeBranches(st, clones)
	for _, clone := range clones {
		if target, ok := clone.RedirectTarget(); ok {
			st.Redirect(target)
		}
		if clone.Awaiting() {
			st.Context[markerAwaiting] = true
		}
		if len(clone.Inputs) > baseInputs {
			st.Inputs = append(st.Inputs, clone.Inputs[baseInputs:]...)
		}
	}

	st.Steps = append(st.Steps, StepResult{Name: n.id, Status: StatusSuccess, Duration: duration})
	r.finishStep(ctx, n.id, StatusSuccess, duration, "")
	return n.joinID, nil
}

// runTry executes the guarded body. Failures bind the error inside the
// catch chain and divert execution there instead of failing the flow.
func (r *runner) runTry(ctx context.Context, n *node, st *FlowState) (string, error) {
	started := r.e.now()
	err := r.runStmts(ctx, st, n.step.Body)
	duration := r.e.now().Sub(started)

	if ret, isReturn := asReturn(err); isReturn {
		st.Steps = append(st.Steps, StepResult{Name: n.id, Status: StatusSuccess, Duration: duration})
		return "", ret
	}
	if err != nil {
		st.Env.Declare(n.catchName, map[string]any{
			"kind":    errorKind(err),
			"message": err.Error(),
		}, false)
		st.Errors = append(st.Errors, FlowError{NodeID: n.id, Message: err.Error(), Handled: true})
		st.Steps = append(st.Steps, StepResult{Name: n.id, Status: StatusErrorHandled, Duration: duration})
		r.finishStep(ctx, n.id, StatusErrorHandled, duration, err.Error())
		return n.boundary, nil
	}
	st.Steps = append(st.Steps, StepResult{Name: n.id, Status: StatusSuccess, Duration: duration})
	r.finishStep(ctx, n.id, StatusSuccess, duration, "")
	return firstEdge(n.next), nil
}

// recordFailure classifies the error, records it as unhandled, and returns
// it so the run terminates.
func (r *runner) recordFailure(st *FlowState, n *node, err error, duration time.Duration) error {
	status := failureStatus(err)
	st.Errors = append(st.Errors, FlowError{NodeID: n.id, Message: err.Error(), Handled: false})
	st.Steps = append(st.Steps, StepResult{Name: n.id, Status: status, Duration: duration})
	r.finishStep(context.Background(), n.id, status, duration, err.Error())
	return err
}

// failureStatus maps an execution error onto the step status taxonomy.
func failureStatus(err error) string {
	switch errorKind(err) {
	case "timeout":
		return StatusTimeout
	case "circuit_open":
		return StatusCircuitOpen
	default:
		return StatusErrorUnhandled
	}
}

// errorKind is the coarse classification bound to catch variables.
func errorKind(err error) string {
	if errors.Is(err, breaker.ErrCircuitOpen) {
		return "circuit_open"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	if pe, ok := provider.AsError(err); ok {
		kind := pe.Kind()
		if kind == provider.KindRetryExhausted {
			if inner, ok := provider.AsError(errors.Unwrap(pe)); ok {
				kind = inner.Kind()
			}
		}
		switch kind {
		case provider.KindTimeout:
			return "timeout"
		case provider.KindCircuitOpen:
			return "circuit_open"
		}
	}
	var fe *Error
	if errors.As(err, &fe) && fe.Code == CodeStepTimeout {
		return "timeout"
	}
	return "error"
}

func (r *runner) finishStep(ctx context.Context, name, status string, duration time.Duration, message string) {
	r.e.metrics.RecordTimer(telemetry.MetricStepDuration, duration, "flow", r.flow, "step", name)
	r.emitStep(name, "step_end", status, duration, message)
	r.sendStream(ctx, stream.Event{Kind: stream.EventStepEnd, Flow: r.flow, Step: name, Mode: status})
}

func (r *runner) emitStep(name, eventType, status string, duration time.Duration, message string) {
	telemetry.Emit(r.e.events, telemetry.Event{
		Kind:     "step",
		Type:     eventType,
		FlowName: r.flow,
		StepName: name,
		Status:   status,
		Duration: duration,
		Message:  message,
	})
}

func (r *runner) sendStream(ctx context.Context, ev stream.Event) {
	if err := r.sink.Send(ctx, ev); err != nil {
		r.e.logger.Warn(ctx, "stream sink rejected event", "kind", string(ev.Kind))
	}
}

// evaluator binds the expression evaluator to a specific state so parallel
// branch clones resolve against their own copies.
func (r *runner) evaluator(st *FlowState) *expr.Evaluator {
	return &expr.Evaluator{
		Resolver: r.resolver(st),
		Helpers:  r.e.program.Helpers,
		Rules:    r.e.program.RuleGroups,
		Now:      r.e.now,
	}
}

// evalFn adapts the evaluator to the callback shape the record and tool
// layers expect.
func (r *runner) evalFn(st *FlowState) func(*ir.Expr) (any, error) {
	ev := r.evaluator(st)
	return func(e *ir.Expr) (any, error) { return ev.Eval(st.Env, e) }
}

// resolver serves the names the variable environment does not own: state,
// step outputs, the authenticated user, run input, secrets, frames.
func (r *runner) resolver(st *FlowState) expr.Resolver {
	return func(name string) (any, bool, error) {
		switch name {
		case "state":
			return st.State, true, nil
		case "step":
			return st.Data["step"], true, nil
		case "user":
			if u, ok := st.Context["user"]; ok {
				return u, true, nil
			}
			return nil, false, nil
		case "input":
			return r.inputValue(), true, nil
		case "secret":
			if r.e.secrets == nil {
				return map[string]any{}, true, nil
			}
			return r.e.secrets, true, nil
		case "context":
			return st.Context, true, nil
		}
		if v, ok := st.Data[name]; ok {
			return v, true, nil
		}
		if r.e.frames.Has(name) {
			rows, err := r.e.frames.Query(name, nil)
			if err != nil {
				return nil, false, err
			}
			out := make([]any, len(rows))
			for i, row := range rows {
				out[i] = row
			}
			return out, true, nil
		}
		return nil, false, nil
	}
}

// inputValue exposes the run's user input as `input.message` plus any
// structured resume fields.
func (r *runner) inputValue() map[string]any {
	out := make(map[string]any, len(r.opts.Inputs)+1)
	for k, v := range r.opts.Inputs {
		out[k] = v
	}
	if _, ok := out["message"]; !ok {
		out["message"] = r.opts.UserInput
	}
	return out
}

func asReturn(err error) (*ReturnSignal, bool) {
	var ret *ReturnSignal
	if errors.As(err, &ret) {
		return ret, true
	}
	return nil, false
}

func firstEdge(next []string) string {
	if len(next) == 0 {
		return ""
	}
	return next[0]
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
