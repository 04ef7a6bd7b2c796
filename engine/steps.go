package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/namel3ss/n3flow/expr"
	"github.com/namel3ss/n3flow/ir"
	"github.com/namel3ss/n3flow/provider"
	"github.com/namel3ss/n3flow/rag"
	"github.com/namel3ss/n3flow/tool"
)

// defaultAgentTurns bounds the tool-call loop when the agent declares no
// limit.
const defaultAgentTurns = 4

// execStep dispatches a leaf step to its executor and returns the step
// output.
func (r *runner) execStep(ctx context.Context, step *ir.Step, st *FlowState) (any, error) {
	switch step.Kind {
	case ir.StepScript:
		return nil, r.runStmts(ctx, st, step.Body)
	case ir.StepAI:
		return r.aiStep(ctx, step, st)
	case ir.StepAgent:
		return r.agentStep(ctx, step, st)
	case ir.StepTool:
		return r.e.tools.Execute(ctx, step.Target, step.Args, r.evalFn(st), tool.CallInfo{Flow: r.flow, Step: step.Name})
	case ir.StepRAG:
		return r.ragStep(ctx, step, st)
	case ir.StepVectorQuery:
		return r.vectorQueryStep(step, st)
	case ir.StepVectorAdd:
		return r.vectorAddStep(step, st)
	case ir.StepFrameLoad:
		return r.frameLoadStep(step)
	case ir.StepFrameAppend:
		return r.frameAppendStep(step, st)
	case ir.StepDBCreate, ir.StepDBBulkCreate, ir.StepFind,
		ir.StepDBUpdate, ir.StepDBBulkUpdate, ir.StepDBDelete, ir.StepDBBulkDelete:
		return r.recordStep(step, st)
	case ir.StepAuthCheck:
		return r.authCheckStep(st)
	case ir.StepAuthLogin:
		return r.authLoginStep(step, st)
	case ir.StepForEach:
		return nil, r.stepForEach(ctx, step, st)
	case ir.StepTransaction:
		return nil, r.tx.run(func() error { return r.runStmts(ctx, st, step.Body) })
	case ir.StepSubflow:
		return r.subflowStep(ctx, step)
	case ir.StepGotoFlow:
		st.Redirect(step.Target)
		return nil, nil
	case ir.StepFunction:
		return r.e.tools.Execute(ctx, step.Target, step.Args, r.evalFn(st), tool.CallInfo{Flow: r.flow, Step: step.Name})
	case ir.StepNoop:
		return nil, nil
	default:
		return nil, errf(CodeBadStatement, "step kind '%s' is not executable", step.Kind)
	}
}

// aiStep runs one AI call: compose memory recall, invoke the provider
// (streaming when the call declares a mode and a sink is attached), then
// persist the turn.
func (r *runner) aiStep(ctx context.Context, step *ir.Step, st *FlowState) (any, error) {
	call, ok := r.e.program.AICalls[step.Target]
	if !ok {
		return nil, errf(CodeUnknownTarget, "ai call '%s' is not defined", step.Target)
	}
	prompt, err := r.aiPrompt(call, step, st)
	if err != nil {
		return nil, err
	}

	var messages []provider.Message
	if call.SystemPrompt != "" {
		messages = append(messages, provider.Message{Role: provider.RoleSystem, Content: call.SystemPrompt})
	}
	recall, err := r.e.memory.BuildMessages(ctx, call, r.opts.SessionID, r.opts.UserID)
	if err != nil {
		return nil, err
	}
	messages = append(messages, recall.Messages...)
	if call.VectorMemory != "" {
		if snippet := r.vectorRecall(call.VectorMemory, prompt); snippet != "" {
			messages = append(messages, provider.Message{Role: provider.RoleSystem, Content: snippet})
		}
	}
	messages = append(messages, provider.Message{Role: provider.RoleUser, Content: prompt})

	req := provider.Request{
		Model:       call.Model,
		Messages:    messages,
		MaxTokens:   call.MaxTokens,
		Temperature: call.Temperature,
	}
	info := provider.CallInfo{Flow: r.flow, Step: step.Name}

	var text string
	if call.Stream != "" && r.opts.Stream != nil {
		text, err = r.e.providers.StreamCall(ctx, call.Provider, req, call.Stream, r.sink, info)
	} else {
		var resp provider.Response
		resp, err = r.e.providers.Generate(ctx, call.Provider, req, info)
		text = resp.Text
	}
	if err != nil {
		return nil, err
	}

	if persistErr := r.e.memory.Persist(ctx, call, r.opts.SessionID, r.opts.UserID, prompt, text); persistErr != nil {
		r.e.logger.Warn(ctx, "memory persist failed", "call", call.Name, "err", persistErr.Error())
	}
	if call.VectorMemory != "" {
		if addErr := r.e.vectors.Add(call.VectorMemory, prompt+"\n"+text); addErr != nil {
			r.e.logger.Warn(ctx, "vector memory add failed", "store", call.VectorMemory, "err", addErr.Error())
		}
	}
	return text, nil
}

// aiPrompt resolves the prompt text: an explicit message/prompt argument
// wins, then the call's prompt expression, then the run's user input.
func (r *runner) aiPrompt(call *ir.AICall, step *ir.Step, st *FlowState) (string, error) {
	ev := r.evaluator(st)
	for _, arg := range step.Args {
		if arg.Name == "message" || arg.Name == "prompt" {
			v, err := ev.Eval(st.Env, arg.Expr)
			if err != nil {
				return "", err
			}
			return stringify(v), nil
		}
	}
	if call.PromptExpr != nil {
		v, err := ev.Eval(st.Env, call.PromptExpr)
		if err != nil {
			return "", err
		}
		return stringify(v), nil
	}
	return r.opts.UserInput, nil
}

// vectorRecall renders the closest stored snippets as a system message.
func (r *runner) vectorRecall(store, prompt string) string {
	matches, err := r.e.vectors.Search(store, prompt, 3)
	if err != nil || len(matches) == 0 {
		return ""
	}
	out := "Relevant memory:"
	for _, m := range matches {
		out += "\n- " + m.Text
	}
	return out
}

// agentStep runs the model/tool loop: the model may request tool calls,
// whose results are fed back until it answers in plain text or the turn
// budget runs out.
func (r *runner) agentStep(ctx context.Context, step *ir.Step, st *FlowState) (any, error) {
	agent, ok := r.e.program.Agents[step.Target]
	if !ok {
		return nil, errf(CodeUnknownTarget, "agent '%s' is not defined", step.Target)
	}
	prompt := r.opts.UserInput
	ev := r.evaluator(st)
	for _, arg := range step.Args {
		if arg.Name == "message" || arg.Name == "prompt" {
			v, err := ev.Eval(st.Env, arg.Expr)
			if err != nil {
				return nil, err
			}
			prompt = stringify(v)
		}
	}

	var messages []provider.Message
	if agent.SystemPrompt != "" {
		messages = append(messages, provider.Message{Role: provider.RoleSystem, Content: agent.SystemPrompt})
	}
	messages = append(messages, provider.Message{Role: provider.RoleUser, Content: prompt})

	toolDefs, err := r.agentTools(agent)
	if err != nil {
		return nil, err
	}
	maxTurns := agent.MaxTurns
	if maxTurns <= 0 {
		maxTurns = defaultAgentTurns
	}
	info := provider.CallInfo{Flow: r.flow, Step: step.Name}

	text := ""
	for turn := 0; turn < maxTurns; turn++ {
		resp, err := r.e.providers.Generate(ctx, agent.Provider, provider.Request{
			Model:    agent.Model,
			Messages: messages,
			Tools:    toolDefs,
		}, info)
		if err != nil {
			return nil, err
		}
		text = resp.Text
		if len(resp.ToolCalls) == 0 {
			return text, nil
		}
		if resp.Text != "" {
			messages = append(messages, provider.Message{Role: provider.RoleAssistant, Content: resp.Text})
		}
		for _, tc := range resp.ToolCalls {
			result, err := r.e.tools.Execute(ctx, tc.Name, literalArgs(tc.Args), r.evalFn(st), tool.CallInfo{Flow: r.flow, Step: step.Name})
			if err != nil {
				return nil, err
			}
			payload, _ := json.Marshal(expr.ToJSONSafe(result))
			messages = append(messages, provider.Message{
				Role:    provider.RoleUser,
				Content: fmt.Sprintf("Tool %s returned: %s", tc.Name, payload),
			})
		}
	}
	return text, nil
}

// agentTools builds the tool schemas exposed to the model.
func (r *runner) agentTools(agent *ir.Agent) ([]provider.ToolDefinition, error) {
	out := make([]provider.ToolDefinition, 0, len(agent.Tools))
	for _, name := range agent.Tools {
		t, ok := r.e.program.Tools[name]
		if !ok {
			return nil, errf(CodeUnknownTarget, "agent '%s' references undefined tool '%s'", agent.Name, name)
		}
		properties := make(map[string]any, len(t.InputFields))
		for _, f := range t.InputFields {
			properties[f] = map[string]any{"type": "string"}
		}
		out = append(out, provider.ToolDefinition{
			Name: name,
			Schema: map[string]any{
				"type":       "object",
				"properties": properties,
				"required":   t.InputFields,
			},
		})
	}
	return out, nil
}

// literalArgs wraps already-evaluated model arguments as literal
// expressions for the tool executor.
func literalArgs(args map[string]any) []ir.NamedExpr {
	out := make([]ir.NamedExpr, 0, len(args))
	for name, value := range args {
		out = append(out, ir.NamedExpr{Name: name, Expr: &ir.Expr{Kind: ir.ExprLiteral, Value: value}})
	}
	return out
}

// ragStep runs a retrieval pipeline. The question comes from the step's
// `question` argument, defaulting to the run's user input.
func (r *runner) ragStep(ctx context.Context, step *ir.Step, st *FlowState) (any, error) {
	question := r.opts.UserInput
	ev := r.evaluator(st)
	for _, arg := range step.Args {
		if arg.Name == "question" || arg.Name == "query" {
			v, err := ev.Eval(st.Env, arg.Expr)
			if err != nil {
				return nil, err
			}
			question = stringify(v)
		}
	}
	rc, err := r.e.rag.Run(ctx, step.Target, question, rag.CallInfo{Flow: r.flow, Step: step.Name})
	if err != nil {
		return nil, err
	}
	matches := make([]any, len(rc.Matches))
	for i, m := range rc.Matches {
		matches[i] = map[string]any{"text": m.Text, "score": m.Score, "source": m.Source}
	}
	return map[string]any{
		"answer":  rc.Answer,
		"context": rc.Context,
		"matches": matches,
	}, nil
}

func (r *runner) vectorQueryStep(step *ir.Step, st *FlowState) (any, error) {
	query := r.opts.UserInput
	topK := 5
	ev := r.evaluator(st)
	for _, arg := range step.Args {
		v, err := ev.Eval(st.Env, arg.Expr)
		if err != nil {
			return nil, err
		}
		switch arg.Name {
		case "query":
			query = stringify(v)
		case "top_k":
			if n, ok := expr.AsInt(v); ok {
				topK = n
			}
		}
	}
	matches, err := r.e.vectors.Search(step.Target, query, topK)
	if err != nil {
		return nil, err
	}
	out := make([]any, len(matches))
	for i, m := range matches {
		out[i] = map[string]any{"text": m.Text, "score": m.Score, "source": m.Source}
	}
	return out, nil
}

func (r *runner) vectorAddStep(step *ir.Step, st *FlowState) (any, error) {
	ev := r.evaluator(st)
	for _, arg := range step.Args {
		if arg.Name != "text" {
			continue
		}
		v, err := ev.Eval(st.Env, arg.Expr)
		if err != nil {
			return nil, err
		}
		if err := r.e.vectors.Add(step.Target, stringify(v)); err != nil {
			return nil, err
		}
		return map[string]any{"added": true}, nil
	}
	return nil, errf(CodeBadStatement, "vector add step requires a 'text' argument")
}

func (r *runner) frameLoadStep(step *ir.Step) (any, error) {
	rows, err := r.e.frames.Query(step.Target, nil)
	if err != nil {
		return nil, err
	}
	out := make([]any, len(rows))
	for i, row := range rows {
		out[i] = row
	}
	return out, nil
}

func (r *runner) frameAppendStep(step *ir.Step, st *FlowState) (any, error) {
	row, err := r.evalNamed(step.Args, st)
	if err != nil {
		return nil, err
	}
	if err := r.e.frames.Insert(step.Target, row); err != nil {
		return nil, err
	}
	return row, nil
}

// recordStep dispatches db_* and find steps to the record layer.
func (r *runner) recordStep(step *ir.Step, st *FlowState) (any, error) {
	op := step.Record
	if op == nil {
		return nil, errf(CodeBadStatement, "record step '%s' carries no operation", step.Name)
	}
	eval := r.evalFn(st)

	switch step.Kind {
	case ir.StepDBCreate:
		values, err := r.evalNamed(op.Values, st)
		if err != nil {
			return nil, err
		}
		return r.e.records.Create(op.Record, values)

	case ir.StepDBBulkCreate:
		v, err := eval(op.Rows)
		if err != nil {
			return nil, err
		}
		items, ok := expr.AsList(v)
		if !ok {
			return nil, errf(CodeBadIterable, "bulk create expects a list of records, got %s", expr.TypeName(v))
		}
		rows := make([]map[string]any, 0, len(items))
		for _, item := range items {
			m, ok := expr.AsMap(item)
			if !ok {
				return nil, errf(CodeBadIterable, "bulk create expects record values, got %s", expr.TypeName(item))
			}
			rows = append(rows, m)
		}
		created, err := r.e.records.BulkCreate(op.Record, rows)
		if err != nil {
			return nil, err
		}
		return map[string]any{"created": len(created)}, nil

	case ir.StepFind:
		rows, err := r.e.records.Find(op.Record, op, eval)
		if err != nil {
			return nil, err
		}
		out := make([]any, len(rows))
		for i, row := range rows {
			out[i] = row
		}
		return out, nil

	case ir.StepDBUpdate, ir.StepDBBulkUpdate:
		updates, err := r.evalNamed(op.Values, st)
		if err != nil {
			return nil, err
		}
		n, err := r.e.records.Update(op.Record, op.Where, updates, eval)
		if err != nil {
			return nil, err
		}
		return map[string]any{"updated": n}, nil

	case ir.StepDBDelete, ir.StepDBBulkDelete:
		n, err := r.e.records.Delete(op.Record, op.Where, eval)
		if err != nil {
			return nil, err
		}
		return map[string]any{"deleted": n}, nil
	}
	return nil, errf(CodeBadStatement, "record step kind '%s' is not supported", step.Kind)
}

// authCheckStep fails the step unless the run carries an authenticated
// user.
func (r *runner) authCheckStep(st *FlowState) (any, error) {
	user, ok := st.Context["user"].(map[string]any)
	if !ok || len(user) == 0 {
		return nil, errf(CodeAuthFailed, "this step requires a signed-in user")
	}
	return user, nil
}

// authLoginStep verifies identity and secret against the configured user
// record and binds the user into the run context.
func (r *runner) authLoginStep(step *ir.Step, st *FlowState) (any, error) {
	auth := r.e.program.Auth
	if auth == nil {
		return nil, errf(CodeAuthFailed, "no authentication is configured")
	}
	args, err := r.evalNamed(step.Args, st)
	if err != nil {
		return nil, err
	}
	identity := stringify(args["identity"])
	secret := stringify(args["secret"])

	where := &ir.Where{Type: "leaf", Field: auth.IdentityField, Op: "=",
		Value: &ir.Expr{Kind: ir.ExprLiteral, Value: identity}}
	rows, err := r.e.records.Find(auth.UserRecord, &ir.RecordOp{Record: auth.UserRecord, Where: where}, r.evalFn(st))
	if err != nil {
		return nil, err
	}
	if len(rows) != 1 || stringify(rows[0][auth.SecretField]) != secret {
		return nil, errf(CodeAuthFailed, "invalid credentials")
	}
	user := make(map[string]any, len(rows[0]))
	for k, v := range rows[0] {
		if k == auth.SecretField {
			continue
		}
		user[k] = v
	}
	st.Context["user"] = user
	return user, nil
}

// stepForEach runs the loop body once per element of the source list.
func (r *runner) stepForEach(ctx context.Context, step *ir.Step, st *FlowState) error {
	v, err := r.evaluator(st).Eval(st.Env, step.Cond)
	if err != nil {
		return err
	}
	items, ok := expr.AsList(v)
	if !ok {
		return errf(CodeBadIterable, "cannot iterate over %s", expr.TypeName(v))
	}
	for _, item := range items {
		if step.LoopBind != nil {
			if err := r.destructure(st, step.LoopBind, item); err != nil {
				return err
			}
		} else {
			st.Env.Declare(step.LoopVar, item, false)
		}
		if err := r.runStmts(ctx, st, step.Body); err != nil {
			return err
		}
		if st.Awaiting() {
			return nil
		}
		if _, redirect := st.RedirectTarget(); redirect {
			return nil
		}
	}
	r.exitLoopVars(st, step.LoopVar, step.LoopBind)
	return nil
}

// subflowStep runs another flow to completion and yields its result.
func (r *runner) subflowStep(ctx context.Context, step *ir.Step) (any, error) {
	sub, err := r.e.RunFlow(ctx, step.Target, RunOptions{
		SessionID: r.opts.SessionID,
		UserID:    r.opts.UserID,
		UserInput: r.opts.UserInput,
		User:      r.opts.User,
		Stream:    r.opts.Stream,
	})
	if err != nil {
		return nil, err
	}
	if sub.Status == FlowFailed {
		msg := "subflow failed"
		if len(sub.Errors) > 0 {
			msg = sub.Errors[len(sub.Errors)-1].Message
		}
		return nil, errf(CodeBadStatement, "subflow '%s': %s", step.Target, msg)
	}
	return sub.Result, nil
}

// evalNamed evaluates an ordered name/expression list into a map.
func (r *runner) evalNamed(args []ir.NamedExpr, st *FlowState) (map[string]any, error) {
	ev := r.evaluator(st)
	out := make(map[string]any, len(args))
	for _, arg := range args {
		v, err := ev.Eval(st.Env, arg.Expr)
		if err != nil {
			return nil, err
		}
		out[arg.Name] = v
	}
	return out, nil
}

// stringify renders a value as prompt/argument text: strings pass through,
// composites render as JSON.
func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []any, map[string]any:
		b, err := json.Marshal(expr.ToJSONSafe(v))
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(b)
	default:
		return fmt.Sprint(expr.ToJSONSafe(v))
	}
}
