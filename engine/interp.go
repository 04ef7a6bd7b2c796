package engine

import (
	"context"
	"strings"

	"github.com/namel3ss/n3flow/expr"
	"github.com/namel3ss/n3flow/ir"
	"github.com/namel3ss/n3flow/stream"
)

// runStmts executes a statement block, stopping early when the run
// suspends or redirects.
func (r *runner) runStmts(ctx context.Context, st *FlowState, stmts []*ir.Stmt) error {
	for _, s := range stmts {
		if err := r.runStmt(ctx, st, s); err != nil {
			return err
		}
		if st.Awaiting() {
			return nil
		}
		if _, redirect := st.RedirectTarget(); redirect {
			return nil
		}
	}
	return nil
}

func (r *runner) runStmt(ctx context.Context, st *FlowState, s *ir.Stmt) error {
	switch s.Kind {
	case ir.StmtLet:
		return r.stmtLet(st, s)
	case ir.StmtSet:
		return r.stmtSet(ctx, st, s)
	case ir.StmtIf:
		return r.stmtIf(ctx, st, s)
	case ir.StmtMatch:
		return r.stmtMatch(ctx, st, s)
	case ir.StmtForEach:
		return r.stmtForEach(ctx, st, s)
	case ir.StmtRepeat:
		return r.stmtRepeat(ctx, st, s)
	case ir.StmtRetry:
		return r.stmtRetry(ctx, st, s)
	case ir.StmtTry:
		return r.stmtTry(ctx, st, s)
	case ir.StmtGuard:
		return r.stmtGuard(st, s)
	case ir.StmtAsk:
		return r.stmtAsk(ctx, st, s)
	case ir.StmtForm:
		return r.stmtForm(ctx, st, s)
	case ir.StmtLog:
		return r.stmtLog(ctx, st, s)
	case ir.StmtNote:
		st.Notes = append(st.Notes, s.Label)
		return nil
	case ir.StmtCheckpoint:
		st.Checkpoints = append(st.Checkpoints, s.Label)
		return nil
	case ir.StmtReturn:
		return r.stmtReturn(st, s)
	case ir.StmtAction:
		return r.stmtAction(ctx, st, s)
	case ir.StmtTransaction:
		return r.tx.run(func() error { return r.runStmts(ctx, st, s.Body) })
	default:
		return errf(CodeBadStatement, "statement kind '%s' is not executable", s.Kind)
	}
}

func (r *runner) stmtLet(st *FlowState, s *ir.Stmt) error {
	v, err := r.evaluator(st).Eval(st.Env, s.Expr)
	if err != nil {
		return err
	}
	if s.Bind != nil {
		return r.destructure(st, s.Bind, v)
	}
	st.Env.Declare(s.Name, v, s.Const)
	return nil
}

// stmtSet writes either a variable or a state.<path> field. State writes
// stream a state_change event carrying the old and new values.
func (r *runner) stmtSet(ctx context.Context, st *FlowState, s *ir.Stmt) error {
	v, err := r.evaluator(st).Eval(st.Env, s.Expr)
	if err != nil {
		return err
	}
	if len(s.StatePath) == 0 {
		return st.Env.Assign(s.Name, v)
	}
	old := readPath(st.State, s.StatePath)
	if err := writePath(st.State, s.StatePath, v); err != nil {
		return err
	}
	r.sendStream(ctx, stream.Event{
		Kind:     stream.EventStateChange,
		Flow:     r.flow,
		Path:     "state." + strings.Join(s.StatePath, "."),
		OldValue: expr.ToJSONSafe(old),
		NewValue: expr.ToJSONSafe(v),
	})
	return nil
}

func (r *runner) stmtIf(ctx context.Context, st *FlowState, s *ir.Stmt) error {
	ev := r.evaluator(st)
	for _, branch := range s.Branches {
		v, err := ev.Eval(st.Env, branch.Cond)
		if err != nil {
			return err
		}
		taken, _ := expr.Truthy(v)
		if !taken {
			continue
		}
		if branch.As == "" {
			return r.runStmts(ctx, st, branch.Body)
		}
		snap := st.Env.Snapshot(branch.As)
		st.Env.Declare(branch.As, v, false)
		err = r.runStmts(ctx, st, branch.Body)
		st.Env.Restore(snap)
		return err
	}
	return r.runStmts(ctx, st, s.Else)
}

// stmtMatch compares the subject against each arm. Result-shaped subjects
// (maps carrying "ok") must be handled by a success or error arm; falling
// through one is a bug in the flow and raises.
func (r *runner) stmtMatch(ctx context.Context, st *FlowState, s *ir.Stmt) error {
	ev := r.evaluator(st)
	subject, err := ev.Eval(st.Env, s.Expr)
	if err != nil {
		return err
	}
	resultShape, resultOK := asResult(subject)

	for _, c := range s.Cases {
		switch {
		case c.Pattern != nil:
			pv, err := ev.Eval(st.Env, c.Pattern)
			if err != nil {
				return err
			}
			if !expr.Equal(subject, pv) {
				continue
			}
			return r.runStmts(ctx, st, c.Body)

		case c.Success:
			if resultShape == nil || !resultOK {
				continue
			}
			return r.runMatchArm(ctx, st, c, resultShape["data"])

		case c.Error:
			if resultShape == nil || resultOK {
				continue
			}
			return r.runMatchArm(ctx, st, c, resultShape["error"])
		}
	}

	if resultShape != nil && len(s.Else) == 0 {
		missing := "error"
		if resultOK {
			missing = "success"
		}
		return errf(CodeMatchFallthrough, "match on a result value did not handle the %s case", missing)
	}
	return r.runStmts(ctx, st, s.Else)
}

func (r *runner) runMatchArm(ctx context.Context, st *FlowState, c ir.MatchCase, bound any) error {
	if c.As == "" {
		return r.runStmts(ctx, st, c.Body)
	}
	snap := st.Env.Snapshot(c.As)
	st.Env.Declare(c.As, bound, false)
	err := r.runStmts(ctx, st, c.Body)
	st.Env.Restore(snap)
	return err
}

// asResult reports whether the value is result-shaped and whether ok is
// truthy.
func asResult(v any) (map[string]any, bool) {
	m, ok := expr.AsMap(v)
	if !ok {
		return nil, false
	}
	flag, present := m["ok"]
	if !present {
		return nil, false
	}
	t, _ := expr.Truthy(flag)
	return m, t
}

// stmtForEach iterates the source list, binding the loop variable per
// element. Loop bindings stop resolving after the loop exits.
func (r *runner) stmtForEach(ctx context.Context, st *FlowState, s *ir.Stmt) error {
	v, err := r.evaluator(st).Eval(st.Env, s.Expr)
	if err != nil {
		return err
	}
	items, ok := expr.AsList(v)
	if !ok {
		return errf(CodeBadIterable, "cannot iterate over %s", expr.TypeName(v))
	}
	for _, item := range items {
		if s.Bind != nil {
			if err := r.destructure(st, s.Bind, item); err != nil {
				return err
			}
		} else {
			st.Env.Declare(s.Name, item, false)
		}
		if err := r.runStmts(ctx, st, s.Body); err != nil {
			return err
		}
		if st.Awaiting() {
			return nil
		}
		if _, redirect := st.RedirectTarget(); redirect {
			return nil
		}
	}
	r.exitLoopVars(st, s.Name, s.Bind)
	return nil
}

func (r *runner) stmtRepeat(ctx context.Context, st *FlowState, s *ir.Stmt) error {
	for i := 0; i < s.Count; i++ {
		if err := r.runStmts(ctx, st, s.Body); err != nil {
			return err
		}
		if st.Awaiting() {
			return nil
		}
		if _, redirect := st.RedirectTarget(); redirect {
			return nil
		}
	}
	return nil
}

// stmtRetry re-runs the body on failure, up to the configured attempt
// count, optionally with exponential backoff between attempts.
func (r *runner) stmtRetry(ctx context.Context, st *FlowState, s *ir.Stmt) error {
	attempts := s.Count
	if attempts <= 0 {
		attempts = 1
	}
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 && s.Backoff {
			base := s.BackoffBase
			if base <= 0 {
				base = 1
			}
			delay := secondsToDuration(base * float64(uint(1)<<(attempt-1)))
			if err := r.sleep(ctx, delay); err != nil {
				return err
			}
		}
		err := r.runStmts(ctx, st, s.Body)
		if err == nil {
			return nil
		}
		if _, isReturn := asReturn(err); isReturn {
			return err
		}
		lastErr = err
	}
	return lastErr
}

// stmtTry runs the body, diverting failures into the catch block with the
// error bound as a {kind, message} record.
func (r *runner) stmtTry(ctx context.Context, st *FlowState, s *ir.Stmt) error {
	err := r.runStmts(ctx, st, s.Body)
	if err == nil {
		return nil
	}
	if _, isReturn := asReturn(err); isReturn {
		return err
	}
	name := s.CatchName
	if name == "" {
		name = "err"
	}
	st.Errors = append(st.Errors, FlowError{NodeID: name, Message: err.Error(), Handled: true})
	snap := st.Env.Snapshot(name)
	st.Env.Declare(name, map[string]any{"kind": errorKind(err), "message": err.Error()}, false)
	caught := r.runStmts(ctx, st, s.Catch)
	st.Env.Restore(snap)
	return caught
}

// stmtGuard raises when the condition is false. The guard's label becomes
// the error message.
func (r *runner) stmtGuard(st *FlowState, s *ir.Stmt) error {
	ok, err := r.evaluator(st).EvalBool(st.Env, s.Expr, "guard condition")
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	msg := s.Label
	if msg == "" {
		msg = "guard condition failed"
	}
	return errf(CodeGuardFailed, "%s", msg)
}

// stmtAsk binds a provided input or suspends the run requesting one.
func (r *runner) stmtAsk(ctx context.Context, st *FlowState, s *ir.Stmt) error {
	if v, ok := r.opts.Inputs[s.Name]; ok {
		st.Env.Declare(s.Name, v, false)
		return nil
	}
	st.Inputs = append(st.Inputs, InputRequest{Name: s.Name, Label: s.Label})
	st.Context[markerAwaiting] = true
	r.sendStream(ctx, stream.Event{Kind: stream.EventAsk, Flow: r.flow, Label: s.Label, Step: s.Name})
	return nil
}

// stmtForm binds a full set of provided fields or suspends requesting the
// form.
func (r *runner) stmtForm(ctx context.Context, st *FlowState, s *ir.Stmt) error {
	values := make(map[string]any, len(s.FormFields))
	complete := true
	for _, f := range s.FormFields {
		v, ok := r.opts.Inputs[f.Name]
		if !ok {
			complete = false
			break
		}
		values[f.Name] = v
	}
	if complete && len(s.FormFields) > 0 {
		st.Env.Declare(s.Name, values, false)
		return nil
	}

	req := InputRequest{Name: s.Name, Label: s.Label}
	names := make([]string, 0, len(s.FormFields))
	for _, f := range s.FormFields {
		req.Fields = append(req.Fields, InputField{Label: f.Label, Name: f.Name})
		names = append(names, f.Name)
	}
	st.Inputs = append(st.Inputs, req)
	st.Context[markerAwaiting] = true
	r.sendStream(ctx, stream.Event{Kind: stream.EventForm, Flow: r.flow, Label: s.Label, Step: s.Name, Fields: names})
	return nil
}

func (r *runner) stmtLog(ctx context.Context, st *FlowState, s *ir.Stmt) error {
	ev := r.evaluator(st)
	message := s.Label
	if s.Expr != nil {
		v, err := ev.Eval(st.Env, s.Expr)
		if err != nil {
			return err
		}
		message = stringify(v)
	}
	var meta any
	if s.Meta != nil {
		v, err := ev.Eval(st.Env, s.Meta)
		if err != nil {
			return err
		}
		meta = expr.ToJSONSafe(v)
	}
	level := s.Level
	if level == "" {
		level = "info"
	}
	st.Logs = append(st.Logs, LogEntry{Level: level, Message: message, Meta: meta, At: r.e.now()})
	switch level {
	case "error":
		r.e.logger.Error(ctx, message, "flow", r.flow)
	case "warning":
		r.e.logger.Warn(ctx, message, "flow", r.flow)
	default:
		r.e.logger.Info(ctx, message, "flow", r.flow)
	}
	r.sendStream(ctx, stream.Event{Kind: stream.EventLog, Flow: r.flow, Label: message, Mode: level})
	return nil
}

func (r *runner) stmtReturn(st *FlowState, s *ir.Stmt) error {
	var v any
	if s.Expr != nil {
		value, err := r.evaluator(st).Eval(st.Env, s.Expr)
		if err != nil {
			return err
		}
		v = value
	}
	return &ReturnSignal{Value: expr.ToJSONSafe(v)}
}

// stmtAction runs an inline do/go-to as a synthetic step and binds its
// output when named.
func (r *runner) stmtAction(ctx context.Context, st *FlowState, s *ir.Stmt) error {
	a := s.Action
	if a == nil {
		return errf(CodeBadStatement, "action statement carries no action")
	}
	var kind ir.StepKind
	switch a.Kind {
	case "ai":
		kind = ir.StepAI
	case "agent":
		kind = ir.StepAgent
	case "tool":
		kind = ir.StepTool
	case "flow":
		kind = ir.StepSubflow
	case "goto":
		st.Redirect(a.Target)
		return nil
	default:
		return errf(CodeBadStatement, "action kind '%s' is not executable", a.Kind)
	}
	out, err := r.execStep(ctx, &ir.Step{Kind: kind, Name: s.Name, Target: a.Target, Args: a.Args}, st)
	if err != nil {
		return err
	}
	if s.Name != "" {
		st.Env.Declare(s.Name, out, false)
	}
	return nil
}

// destructure binds a record or list pattern against the value.
func (r *runner) destructure(st *FlowState, bind *ir.BindPattern, v any) error {
	if len(bind.Record) > 0 {
		m, ok := expr.AsMap(v)
		if !ok {
			return errf(CodeBadDestructure, "cannot destructure %s as a record", expr.TypeName(v))
		}
		for _, fb := range bind.Record {
			fv, present := m[fb.Field]
			if !present {
				return errf(CodeBadDestructure, "value has no field '%s' to destructure", fb.Field)
			}
			name := fb.As
			if name == "" {
				name = fb.Field
			}
			st.Env.Declare(name, fv, false)
		}
	}
	if len(bind.List) > 0 {
		items, ok := expr.AsList(v)
		if !ok {
			return errf(CodeBadDestructure, "cannot destructure %s as a list", expr.TypeName(v))
		}
		if len(items) < len(bind.List) {
			return errf(CodeBadDestructure, "list has %d elements but the pattern binds %d", len(items), len(bind.List))
		}
		for i, name := range bind.List {
			st.Env.Declare(name, items[i], false)
		}
	}
	return nil
}

// exitLoopVars marks loop bindings unreadable after the loop body.
func (r *runner) exitLoopVars(st *FlowState, name string, bind *ir.BindPattern) {
	if name != "" {
		st.Env.MarkLoopVarExited(name)
	}
	if bind == nil {
		return
	}
	for _, fb := range bind.Record {
		bound := fb.As
		if bound == "" {
			bound = fb.Field
		}
		st.Env.MarkLoopVarExited(bound)
	}
	for _, bound := range bind.List {
		st.Env.MarkLoopVarExited(bound)
	}
}

// readPath walks nested maps; missing segments yield nil.
func readPath(root map[string]any, path []string) any {
	var cur any = root
	for _, seg := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = m[seg]
	}
	return cur
}

// writePath sets a nested field, creating intermediate maps as needed.
func writePath(root map[string]any, path []string, v any) error {
	m := root
	for i, seg := range path {
		if i == len(path)-1 {
			m[seg] = v
			return nil
		}
		next, ok := m[seg].(map[string]any)
		if !ok {
			if m[seg] != nil {
				return errf(CodeBadStatement, "state field '%s' is not a record", strings.Join(path[:i+1], "."))
			}
			next = make(map[string]any)
			m[seg] = next
		}
		m = next
	}
	return nil
}
