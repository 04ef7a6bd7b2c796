package engine

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/namel3ss/n3flow/ir"
	"github.com/namel3ss/n3flow/provider"
	"github.com/namel3ss/n3flow/retry"
	"github.com/namel3ss/n3flow/telemetry"
)

// scriptedClient replays canned responses in order, then repeats the last
// one.
type scriptedClient struct {
	mu      sync.Mutex
	replies []provider.Response
	errs    []error
	calls   int
	block   bool
}

func (c *scriptedClient) Generate(ctx context.Context, req provider.Request) (provider.Response, error) {
	if c.block {
		<-ctx.Done()
		return provider.Response{}, ctx.Err()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	i := c.calls
	c.calls++
	if i < len(c.errs) && c.errs[i] != nil {
		return provider.Response{}, c.errs[i]
	}
	if len(c.replies) == 0 {
		return provider.Response{Text: "ok"}, nil
	}
	if i >= len(c.replies) {
		i = len(c.replies) - 1
	}
	return c.replies[i], nil
}

func (c *scriptedClient) Stream(context.Context, provider.Request) (provider.Streamer, error) {
	return nil, provider.NewConfigError("mock", "m", "streaming is not scripted")
}

func newTestEngine(t *testing.T, program *ir.Program, client provider.Client) (*Engine, *telemetry.CollectSink) {
	t.Helper()
	sink := &telemetry.CollectSink{}
	e, err := New(program, Options{
		Events: sink,
		Retry:  retry.Config{MaxAttempts: 1},
	})
	require.NoError(t, err)
	if client != nil {
		e.Providers().Register("mock", client)
	}
	return e, sink
}

func mockProviderProgram() *ir.Program {
	return &ir.Program{
		Name:      "test",
		Flows:     map[string]*ir.Flow{},
		AICalls:   map[string]*ir.AICall{},
		Tools:     map[string]*ir.Tool{},
		Providers: map[string]*ir.ProviderDef{"mock": {Name: "mock", Kind: "mock"}},
	}
}

func TestSequentialAIThenTool(t *testing.T) {
	p := mockProviderProgram()
	p.AICalls["assistant"] = &ir.AICall{Name: "assistant", Provider: "mock", Model: "m"}
	p.Tools["lookup"] = &ir.Tool{Name: "lookup", Kind: "local_function", Function: "lookup"}
	p.Flows["support"] = &ir.Flow{Name: "support", Steps: []*ir.Step{
		{Kind: ir.StepAI, Name: "draft", Target: "assistant"},
		{Kind: ir.StepTool, Name: "status", Target: "lookup",
			Args: []ir.NamedExpr{{Name: "reply", Expr: ir.PathRef("step", "draft", "output")}}},
	}}

	client := &scriptedClient{replies: []provider.Response{{Text: "your order shipped"}}}
	e, sink := newTestEngine(t, p, client)
	e.Tools().RegisterFunc("lookup", func(_ context.Context, args map[string]any) (any, error) {
		return map[string]any{"echo": args["reply"]}, nil
	})

	res, err := e.RunFlow(context.Background(), "support", RunOptions{UserInput: "where is my order?"})
	require.NoError(t, err)
	assert.Equal(t, FlowCompleted, res.Status)
	require.Len(t, res.Steps, 2)
	assert.Equal(t, StatusSuccess, res.Steps[0].Status)
	assert.Equal(t, StatusSuccess, res.Steps[1].Status)

	out, ok := res.FlowState.StepOutput("status")
	require.True(t, ok)
	m := out.(map[string]any)
	assert.Equal(t, true, m["ok"])
	data := m["data"].(map[string]any)
	assert.Equal(t, "your order shipped", data["echo"])

	flowEnds := sink.ByType("end")
	require.NotEmpty(t, flowEnds)
	assert.Equal(t, "success", flowEnds[len(flowEnds)-1].Status)
}

func setStmt(field string, e *ir.Expr) *ir.Stmt {
	return &ir.Stmt{Kind: ir.StmtSet, StatePath: []string{field}, Expr: e}
}

func TestParallelBranchesMergeState(t *testing.T) {
	p := mockProviderProgram()
	p.Flows["fan"] = &ir.Flow{Name: "fan", Steps: []*ir.Step{
		{Kind: ir.StepParallel, Name: "split", ParallelBranches: [][]*ir.Step{
			{{Kind: ir.StepScript, Name: "wa", Body: []*ir.Stmt{setStmt("a", ir.Lit(1))}}},
			{{Kind: ir.StepScript, Name: "wb", Body: []*ir.Stmt{setStmt("b", ir.Lit(2))}}},
			{{Kind: ir.StepScript, Name: "wc", Body: []*ir.Stmt{setStmt("c", ir.Lit(3))}}},
		}},
		{Kind: ir.StepScript, Name: "after", Body: []*ir.Stmt{
			{Kind: ir.StmtReturn, Expr: ir.PathRef("state", "a")},
		}},
	}}

	e, _ := newTestEngine(t, p, nil)
	res, err := e.RunFlow(context.Background(), "fan", RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, FlowCompleted, res.Status)
	assert.Equal(t, 1, res.State["a"])
	assert.Equal(t, 2, res.State["b"])
	assert.Equal(t, 3, res.State["c"])
}

func TestParallelMergeIsDeterministic(t *testing.T) {
	build := func() *ir.Program {
		p := mockProviderProgram()
		p.Flows["fan"] = &ir.Flow{Name: "fan", Steps: []*ir.Step{
			{Kind: ir.StepParallel, Name: "split", ParallelBranches: [][]*ir.Step{
				{{Kind: ir.StepScript, Name: "w1", Body: []*ir.Stmt{setStmt("shared", ir.Lit("first"))}}},
				{{Kind: ir.StepScript, Name: "w2", Body: []*ir.Stmt{setStmt("shared", ir.Lit("second"))}}},
				{{Kind: ir.StepScript, Name: "w3", Body: []*ir.Stmt{setStmt("shared", ir.Lit("third"))}}},
			}},
		}}
		return p
	}
	// The winning writer must not depend on goroutine scheduling.
	for i := 0; i < 20; i++ {
		e, _ := newTestEngine(t, build(), nil)
		res, err := e.RunFlow(context.Background(), "fan", RunOptions{})
		require.NoError(t, err)
		assert.Equal(t, "third", res.State["shared"])
	}
}

func TestTryCatchBindsError(t *testing.T) {
	p := mockProviderProgram()
	p.Flows["risky"] = &ir.Flow{Name: "risky", Steps: []*ir.Step{
		{Kind: ir.StepTry, Name: "attempt",
			Body: []*ir.Stmt{
				{Kind: ir.StmtGuard, Expr: ir.Lit(false), Label: "rate limit exceeded"},
			},
			CatchName: "err",
			CatchSteps: []*ir.Step{
				{Kind: ir.StepScript, Name: "recover", Body: []*ir.Stmt{
					setStmt("msg", ir.PathRef("err", "message")),
				}},
			}},
	}}

	e, _ := newTestEngine(t, p, nil)
	res, err := e.RunFlow(context.Background(), "risky", RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, FlowCompleted, res.Status)
	assert.Equal(t, "rate limit exceeded", res.State["msg"])

	require.Len(t, res.Errors, 1)
	assert.True(t, res.Errors[0].Handled)
	var statuses []string
	for _, s := range res.Steps {
		statuses = append(statuses, s.Status)
	}
	assert.Contains(t, statuses, StatusErrorHandled)
}

func TestUniqueConstraintFailsFlow(t *testing.T) {
	p := mockProviderProgram()
	p.Frames = map[string]*ir.FrameDef{
		"users": {Name: "users", Seed: []map[string]any{
			{"id": 1, "email": "ada@example.com"},
		}},
	}
	p.Records = map[string]*ir.RecordDef{
		"User": {Name: "User", Plural: "users", Fields: []*ir.FieldDef{
			{Name: "id", Type: ir.FieldInt, PrimaryKey: true},
			{Name: "email", Type: ir.FieldString, Required: true, Unique: true},
		}},
	}
	p.Flows["signup"] = &ir.Flow{Name: "signup", Steps: []*ir.Step{
		{Kind: ir.StepDBCreate, Name: "create_user", Record: &ir.RecordOp{
			Record: "User",
			Values: []ir.NamedExpr{
				{Name: "id", Expr: ir.Lit(2)},
				{Name: "email", Expr: ir.Lit("ada@example.com")},
			},
		}},
	}}

	e, _ := newTestEngine(t, p, nil)
	res, err := e.RunFlow(context.Background(), "signup", RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, FlowFailed, res.Status)
	require.Len(t, res.Errors, 1)
	assert.False(t, res.Errors[0].Handled)
	assert.Contains(t, res.Errors[0].Message, "email")
	assert.Equal(t, StatusErrorUnhandled, res.Steps[0].Status)
}

func TestTransactionRollsBackRecordChanges(t *testing.T) {
	p := mockProviderProgram()
	p.Frames = map[string]*ir.FrameDef{"audit": {Name: "audit"}}
	p.Tools["record_audit"] = &ir.Tool{Name: "record_audit", Kind: "local_function", Function: "record_audit"}
	p.Flows["transfer"] = &ir.Flow{Name: "transfer", Steps: []*ir.Step{
		{Kind: ir.StepTransaction, Name: "tx", Body: []*ir.Stmt{
			{Kind: ir.StmtAction, Action: &ir.Action{Kind: "tool", Target: "record_audit"}},
			{Kind: ir.StmtGuard, Expr: ir.Lit(false), Label: "insufficient funds"},
		}},
	}}

	e, _ := newTestEngine(t, p, nil)
	e.Tools().RegisterFunc("record_audit", func(context.Context, map[string]any) (any, error) {
		return nil, e.Frames().Insert("audit", map[string]any{"event": "transfer"})
	})

	res, err := e.RunFlow(context.Background(), "transfer", RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, FlowFailed, res.Status)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0].Message, "insufficient funds")
	assert.Contains(t, res.Errors[0].Message, "rolled back")

	n, err := e.Frames().Count("audit")
	require.NoError(t, err)
	assert.Equal(t, 0, n, "transaction must roll the insert back")
}

func TestToolRetriesUntilSuccess(t *testing.T) {
	hits := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits++
		if hits < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	}))
	defer server.Close()

	p := mockProviderProgram()
	p.Tools["flaky"] = &ir.Tool{
		Name:        "flaky",
		Kind:        "http",
		URLTemplate: server.URL,
		Retry: &ir.ToolRetry{
			MaxAttempts:   3,
			Backoff:       "exponential",
			InitialDelay:  0.01,
			RetryOnStatus: []int{500},
		},
	}
	p.Flows["poll"] = &ir.Flow{Name: "poll", Steps: []*ir.Step{
		{Kind: ir.StepTool, Name: "call", Target: "flaky"},
	}}

	e, _ := newTestEngine(t, p, nil)
	started := time.Now()
	res, err := e.RunFlow(context.Background(), "poll", RunOptions{})
	require.NoError(t, err)
	elapsed := time.Since(started)

	assert.Equal(t, FlowCompleted, res.Status)
	assert.Equal(t, 3, hits)
	out, ok := res.FlowState.StepOutput("call")
	require.True(t, ok)
	assert.Equal(t, true, out.(map[string]any)["ok"])
	// Two backoff sleeps: 10ms then 20ms, possibly with jitter.
	assert.GreaterOrEqual(t, elapsed, 30*time.Millisecond)
}

func TestGotoFlowRedirects(t *testing.T) {
	p := mockProviderProgram()
	p.Flows["entry"] = &ir.Flow{Name: "entry", Steps: []*ir.Step{
		{Kind: ir.StepScript, Name: "prep", Body: []*ir.Stmt{setStmt("from", ir.Lit("entry"))}},
		{Kind: ir.StepGotoFlow, Name: "handoff", Target: "billing"},
	}}
	p.Flows["billing"] = &ir.Flow{Name: "billing", Steps: []*ir.Step{
		{Kind: ir.StepScript, Name: "answer", Body: []*ir.Stmt{
			{Kind: ir.StmtReturn, Expr: ir.PathRef("state", "from")},
		}},
	}}

	e, _ := newTestEngine(t, p, nil)
	res, err := e.RunFlow(context.Background(), "entry", RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, FlowCompleted, res.Status)
	assert.Equal(t, "billing", res.Flow)
	assert.Equal(t, "billing", res.RedirectTo)
	assert.Equal(t, "entry", res.Result, "redirected flow keeps accumulated state")
}

func TestRedirectToMissingFlow(t *testing.T) {
	p := mockProviderProgram()
	p.Flows["entry"] = &ir.Flow{Name: "entry", Steps: []*ir.Step{
		{Kind: ir.StepGotoFlow, Name: "handoff", Target: "nowhere"},
	}}

	e, _ := newTestEngine(t, p, nil)
	_, err := e.RunFlow(context.Background(), "entry", RunOptions{})
	require.Error(t, err)
	var fe *Error
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, CodeRedirectMissing, fe.Code)
}

func TestAskSuspendsAndResumes(t *testing.T) {
	p := mockProviderProgram()
	p.Flows["greet"] = &ir.Flow{Name: "greet", Steps: []*ir.Step{
		{Kind: ir.StepScript, Name: "collect", Body: []*ir.Stmt{
			{Kind: ir.StmtAsk, Name: "city", Label: "Which city?"},
			{Kind: ir.StmtReturn, Expr: ir.Ident("city")},
		}},
	}}

	e, _ := newTestEngine(t, p, nil)
	first, err := e.RunFlow(context.Background(), "greet", RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, FlowSuspended, first.Status)
	require.Len(t, first.Inputs, 1)
	assert.Equal(t, "city", first.Inputs[0].Name)
	assert.Equal(t, "Which city?", first.Inputs[0].Label)

	second, err := e.RunFlow(context.Background(), "greet", RunOptions{
		Inputs: map[string]any{"city": "Lisbon"},
	})
	require.NoError(t, err)
	assert.Equal(t, FlowCompleted, second.Status)
	assert.Equal(t, "Lisbon", second.Result)
}

func TestWhenGuardSkipsStep(t *testing.T) {
	p := mockProviderProgram()
	p.Tools["notify"] = &ir.Tool{Name: "notify", Kind: "local_function", Function: "notify"}
	p.Flows["maybe"] = &ir.Flow{Name: "maybe", Steps: []*ir.Step{
		{Kind: ir.StepTool, Name: "send", Target: "notify", When: ir.Lit(false)},
		{Kind: ir.StepScript, Name: "done", Body: []*ir.Stmt{
			{Kind: ir.StmtReturn, Expr: ir.Lit("finished")},
		}},
	}}

	e, _ := newTestEngine(t, p, nil)
	called := false
	e.Tools().RegisterFunc("notify", func(context.Context, map[string]any) (any, error) {
		called = true
		return nil, nil
	})

	res, err := e.RunFlow(context.Background(), "maybe", RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, FlowCompleted, res.Status)
	assert.False(t, called)
	assert.Equal(t, StatusSkipped, res.Steps[0].Status)
	assert.Equal(t, "finished", res.Result)
}

func TestStepTimeoutStatus(t *testing.T) {
	p := mockProviderProgram()
	p.AICalls["slow"] = &ir.AICall{Name: "slow", Provider: "mock", Model: "m"}
	p.Flows["impatient"] = &ir.Flow{Name: "impatient", Steps: []*ir.Step{
		{Kind: ir.StepAI, Name: "think", Target: "slow", TimeoutSeconds: 0.02},
	}}

	e, _ := newTestEngine(t, p, &scriptedClient{block: true})
	res, err := e.RunFlow(context.Background(), "impatient", RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, FlowFailed, res.Status)
	assert.Equal(t, StatusTimeout, res.Steps[0].Status)
}

func TestBranchPicksArm(t *testing.T) {
	p := mockProviderProgram()
	p.Flows["route"] = &ir.Flow{Name: "route", Steps: []*ir.Step{
		{Kind: ir.StepScript, Name: "prep", Body: []*ir.Stmt{
			{Kind: ir.StmtLet, Name: "vip", Expr: ir.Lit(true)},
		}},
		{Kind: ir.StepBranch, Name: "tier", Cond: ir.Ident("vip"),
			TrueSteps: []*ir.Step{
				{Kind: ir.StepScript, Name: "gold", Body: []*ir.Stmt{setStmt("tier", ir.Lit("gold"))}},
			},
			FalseSteps: []*ir.Step{
				{Kind: ir.StepScript, Name: "basic", Body: []*ir.Stmt{setStmt("tier", ir.Lit("basic"))}},
			}},
	}}

	e, _ := newTestEngine(t, p, nil)
	res, err := e.RunFlow(context.Background(), "route", RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, FlowCompleted, res.Status)
	assert.Equal(t, "gold", res.State["tier"])
	var names []string
	for _, s := range res.Steps {
		names = append(names, s.Name)
	}
	assert.NotContains(t, names, "basic")
}

func TestSubflowResultFeedsParent(t *testing.T) {
	p := mockProviderProgram()
	p.Flows["child"] = &ir.Flow{Name: "child", Steps: []*ir.Step{
		{Kind: ir.StepScript, Name: "compute", Body: []*ir.Stmt{
			{Kind: ir.StmtReturn, Expr: ir.Lit(21)},
		}},
	}}
	p.Flows["parent"] = &ir.Flow{Name: "parent", Steps: []*ir.Step{
		{Kind: ir.StepSubflow, Name: "delegate", Target: "child"},
		{Kind: ir.StepScript, Name: "use", Body: []*ir.Stmt{
			{Kind: ir.StmtReturn, Expr: ir.Bin("*", ir.PathRef("step", "delegate", "output"), ir.Lit(2))},
		}},
	}}

	e, _ := newTestEngine(t, p, nil)
	res, err := e.RunFlow(context.Background(), "parent", RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, FlowCompleted, res.Status)
	assert.Equal(t, 42, res.Result)
}

func TestUnknownFlow(t *testing.T) {
	e, _ := newTestEngine(t, mockProviderProgram(), nil)
	_, err := e.RunFlow(context.Background(), "ghost", RunOptions{})
	require.Error(t, err)
	var fe *Error
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, CodeUnknownFlow, fe.Code)
}

func TestAuthLoginAndCheck(t *testing.T) {
	p := mockProviderProgram()
	p.Frames = map[string]*ir.FrameDef{
		"accounts": {Name: "accounts", Seed: []map[string]any{
			{"id": 1, "email": "ada@example.com", "password": "hunter2"},
		}},
	}
	p.Records = map[string]*ir.RecordDef{
		"Account": {Name: "Account", Plural: "accounts", Fields: []*ir.FieldDef{
			{Name: "id", Type: ir.FieldInt, PrimaryKey: true},
			{Name: "email", Type: ir.FieldString},
			{Name: "password", Type: ir.FieldString},
		}},
	}
	p.Auth = &ir.AuthConfig{UserRecord: "Account", IdentityField: "email", SecretField: "password"}
	p.Flows["login"] = &ir.Flow{Name: "login", Steps: []*ir.Step{
		{Kind: ir.StepAuthLogin, Name: "sign_in", Args: []ir.NamedExpr{
			{Name: "identity", Expr: ir.Lit("ada@example.com")},
			{Name: "secret", Expr: ir.Lit("hunter2")},
		}},
		{Kind: ir.StepAuthCheck, Name: "verify"},
		{Kind: ir.StepScript, Name: "who", Body: []*ir.Stmt{
			{Kind: ir.StmtReturn, Expr: ir.PathRef("user", "email")},
		}},
	}}

	e, _ := newTestEngine(t, p, nil)
	res, err := e.RunFlow(context.Background(), "login", RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, FlowCompleted, res.Status)
	assert.Equal(t, "ada@example.com", res.Result)

	out, _ := res.FlowState.StepOutput("sign_in")
	_, hasSecret := out.(map[string]any)["password"]
	assert.False(t, hasSecret, "secret field never leaves the auth step")
}

func TestAuthLoginRejectsBadSecret(t *testing.T) {
	p := mockProviderProgram()
	p.Frames = map[string]*ir.FrameDef{
		"accounts": {Name: "accounts", Seed: []map[string]any{
			{"id": 1, "email": "ada@example.com", "password": "hunter2"},
		}},
	}
	p.Records = map[string]*ir.RecordDef{
		"Account": {Name: "Account", Plural: "accounts", Fields: []*ir.FieldDef{
			{Name: "id", Type: ir.FieldInt, PrimaryKey: true},
			{Name: "email", Type: ir.FieldString},
			{Name: "password", Type: ir.FieldString},
		}},
	}
	p.Auth = &ir.AuthConfig{UserRecord: "Account", IdentityField: "email", SecretField: "password"}
	p.Flows["login"] = &ir.Flow{Name: "login", Steps: []*ir.Step{
		{Kind: ir.StepAuthLogin, Name: "sign_in", Args: []ir.NamedExpr{
			{Name: "identity", Expr: ir.Lit("ada@example.com")},
			{Name: "secret", Expr: ir.Lit("wrong")},
		}},
	}}

	e, _ := newTestEngine(t, p, nil)
	res, err := e.RunFlow(context.Background(), "login", RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, FlowFailed, res.Status)
	assert.Contains(t, res.Errors[0].Message, "invalid credentials")
}

func TestAgentRunsToolLoop(t *testing.T) {
	p := mockProviderProgram()
	p.Tools["weather"] = &ir.Tool{Name: "weather", Kind: "local_function", Function: "weather",
		InputFields: []string{"city"}}
	p.Agents = map[string]*ir.Agent{
		"helper": {Name: "helper", Provider: "mock", Model: "m", Tools: []string{"weather"}, MaxTurns: 3},
	}
	p.Flows["chat"] = &ir.Flow{Name: "chat", Steps: []*ir.Step{
		{Kind: ir.StepAgent, Name: "reply", Target: "helper"},
	}}

	client := &scriptedClient{replies: []provider.Response{
		{ToolCalls: []provider.ToolCall{{Name: "weather", Args: map[string]any{"city": "Lisbon"}}}},
		{Text: "Sunny in Lisbon"},
	}}
	e, _ := newTestEngine(t, p, client)
	e.Tools().RegisterFunc("weather", func(_ context.Context, args map[string]any) (any, error) {
		return map[string]any{"city": args["city"], "forecast": "sunny"}, nil
	})

	res, err := e.RunFlow(context.Background(), "chat", RunOptions{UserInput: "weather in Lisbon?"})
	require.NoError(t, err)
	assert.Equal(t, FlowCompleted, res.Status)
	assert.Equal(t, "Sunny in Lisbon", res.Result)
	assert.Equal(t, 2, client.calls)
}
