package tool

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/namel3ss/n3flow/ir"
	"github.com/namel3ss/n3flow/telemetry"
)

func lit(v any) *ir.Expr { return &ir.Expr{Kind: ir.ExprLiteral, Value: v} }

func literalEval(e *ir.Expr) (any, error) { return e.Value, nil }

type recordingSleeper struct {
	slept []time.Duration
}

func (r *recordingSleeper) sleep(_ context.Context, d time.Duration) error {
	r.slept = append(r.slept, d)
	return nil
}

func (r *recordingSleeper) total() time.Duration {
	var sum time.Duration
	for _, d := range r.slept {
		sum += d
	}
	return sum
}

func newTestExecutor(tools map[string]*ir.Tool) (*Executor, *telemetry.CollectSink) {
	events := &telemetry.CollectSink{}
	return NewExecutor(tools, nil, nil, events), events
}

func TestLocalFunctionWrapsResult(t *testing.T) {
	e, events := newTestExecutor(map[string]*ir.Tool{
		"greet": {Name: "greet", Kind: "local_function"},
	})
	e.RegisterFunc("greet", func(_ context.Context, args map[string]any) (any, error) {
		return "hello " + args["who"].(string), nil
	})

	result, err := e.Execute(context.Background(), "greet",
		[]ir.NamedExpr{{Name: "who", Expr: lit("ada")}}, literalEval, CallInfo{Flow: "f", Step: "s"})
	require.NoError(t, err)
	assert.Equal(t, true, result["ok"])
	assert.Equal(t, "hello ada", result["data"])

	require.Len(t, events.ByType("tool_start"), 1)
	ends := events.ByType("tool_end")
	require.Len(t, ends, 1)
	assert.Equal(t, "success", ends[0].Status)
}

func TestLocalFunctionErrorBecomesFailureResult(t *testing.T) {
	e, events := newTestExecutor(map[string]*ir.Tool{
		"boom": {Name: "boom", Kind: "local_function"},
	})
	e.RegisterFunc("boom", func(context.Context, map[string]any) (any, error) {
		return nil, errors.New("upstream exploded")
	})

	result, err := e.Execute(context.Background(), "boom", nil, literalEval, CallInfo{})
	require.NoError(t, err)
	assert.Equal(t, false, result["ok"])
	assert.Equal(t, "upstream exploded", result["error"])
	require.Len(t, events.ByType("tool_error"), 1)
}

func TestUnknownToolAndMissingFunctionRaise(t *testing.T) {
	e, _ := newTestExecutor(map[string]*ir.Tool{
		"orphan": {Name: "orphan", Kind: "local_function", Function: "missing"},
	})

	_, err := e.Execute(context.Background(), "ghost", nil, literalEval, CallInfo{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tool 'ghost' is not defined")

	_, err = e.Execute(context.Background(), "orphan", nil, literalEval, CallInfo{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing")
}

func TestRequiredInputFieldsEnforced(t *testing.T) {
	e, _ := newTestExecutor(map[string]*ir.Tool{
		"lookup": {Name: "lookup", Kind: "local_function", InputFields: []string{"city"}},
	})
	e.RegisterFunc("lookup", func(context.Context, map[string]any) (any, error) { return nil, nil })

	_, err := e.Execute(context.Background(), "lookup", nil, literalEval, CallInfo{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "input field 'city'")
}

func TestResponseSchemaValidation(t *testing.T) {
	schema := map[string]any{
		"type":     "object",
		"required": []any{"temperature"},
		"properties": map[string]any{
			"temperature": map[string]any{"type": "number"},
		},
	}
	e, _ := newTestExecutor(map[string]*ir.Tool{
		"weather": {Name: "weather", Kind: "local_function", ResponseSchema: schema},
	})
	payload := map[string]any{"city": "Lisbon"}
	e.RegisterFunc("weather", func(context.Context, map[string]any) (any, error) {
		return payload, nil
	})

	result, err := e.Execute(context.Background(), "weather", nil, literalEval, CallInfo{})
	require.NoError(t, err)
	assert.Equal(t, false, result["ok"])
	assert.Contains(t, result["error"], "response validation failed")

	payload = map[string]any{"temperature": 21.5}
	result, err = e.Execute(context.Background(), "weather", nil, literalEval, CallInfo{})
	require.NoError(t, err)
	assert.Equal(t, true, result["ok"])
}

func TestHTTPGetParsesJSONAndHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/cities/New%20York", r.URL.EscapedPath())
		assert.Equal(t, []string{"a", "b"}, r.URL.Query()["tag"])
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		w.Header().Set("X-Request-Id", "r1")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"population": 8000000}`))
	}))
	defer srv.Close()

	e, _ := newTestExecutor(map[string]*ir.Tool{
		"cities": {
			Name:        "cities",
			Kind:        "http",
			URLTemplate: srv.URL + "/cities/{name}",
			Query:       []ir.NamedExpr{{Name: "tag", Expr: lit([]any{"a", "b"})}},
			Auth:        &ir.ToolAuth{Kind: "bearer", Token: "sk-test"},
		},
	})

	result, err := e.Execute(context.Background(), "cities",
		[]ir.NamedExpr{{Name: "name", Expr: lit("New York")}}, literalEval, CallInfo{})
	require.NoError(t, err)
	assert.Equal(t, true, result["ok"])
	assert.Equal(t, 200, result["status"])
	data := result["data"].(map[string]any)
	assert.Equal(t, float64(8000000), data["population"])
	headers := result["headers"].(map[string]any)
	assert.Equal(t, "r1", headers["X-Request-Id"])
}

func TestQueryCSVEncodingAndAPIKeyInQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "a,b", r.URL.Query().Get("tag"))
		assert.Equal(t, "secret", r.URL.Query().Get("api_key"))
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	e, _ := newTestExecutor(map[string]*ir.Tool{
		"list": {
			Name:          "list",
			Kind:          "http",
			URLTemplate:   srv.URL + "/list",
			Query:         []ir.NamedExpr{{Name: "tag", Expr: lit([]any{"a", "b"})}},
			QueryEncoding: "csv",
			Auth:          &ir.ToolAuth{Kind: "api_key", In: "query", Token: "secret"},
		},
	})

	result, err := e.Execute(context.Background(), "list", nil, literalEval, CallInfo{})
	require.NoError(t, err)
	assert.Equal(t, true, result["ok"])
}

func TestHTTPNon2xxIsFailureResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()

	e, _ := newTestExecutor(map[string]*ir.Tool{
		"guarded": {Name: "guarded", Kind: "http", URLTemplate: srv.URL},
	})

	result, err := e.Execute(context.Background(), "guarded", nil, literalEval, CallInfo{})
	require.NoError(t, err)
	assert.Equal(t, false, result["ok"])
	assert.Equal(t, 403, result["status"])
	assert.Equal(t, "HTTP 403", result["error"])
}

func TestNetworkErrorNeverRaises(t *testing.T) {
	e, _ := newTestExecutor(map[string]*ir.Tool{
		"dead": {Name: "dead", Kind: "http", URLTemplate: "http://127.0.0.1:1/nothing", TimeoutSeconds: 0.5},
	})

	result, err := e.Execute(context.Background(), "dead", nil, literalEval, CallInfo{})
	require.NoError(t, err)
	assert.Equal(t, false, result["ok"])
	assert.Nil(t, result["status"])
	assert.Contains(t, result["error"], "Network error: ")
}

func TestGraphQLWrapsQueryAndSurfacesErrors(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte(`{"data": null, "errors": [{"message": "field not found"}]}`))
	}))
	defer srv.Close()

	e, _ := newTestExecutor(map[string]*ir.Tool{
		"gql": {
			Name:         "gql",
			Kind:         "graphql",
			URLTemplate:  srv.URL,
			GraphQLQuery: "query($id: ID!) { user(id: $id) { name } }",
		},
	})

	result, err := e.Execute(context.Background(), "gql",
		[]ir.NamedExpr{{Name: "id", Expr: lit("u1")}}, literalEval, CallInfo{})
	require.NoError(t, err)
	assert.Equal(t, "query($id: ID!) { user(id: $id) { name } }", got["query"])
	assert.Equal(t, map[string]any{"id": "u1"}, got["variables"])
	assert.Equal(t, false, result["ok"])
	assert.Equal(t, "field not found", result["error"])
}

func TestMultipartSendsFormParts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "report.txt", r.FormValue("filename"))
		assert.Equal(t, "42", r.FormValue("size"))
		w.Write([]byte(`{"ok": true}`))
	}))
	defer srv.Close()

	e, _ := newTestExecutor(map[string]*ir.Tool{
		"upload": {
			Name:        "upload",
			Kind:        "multipart",
			URLTemplate: srv.URL,
			BodyFields: []ir.NamedExpr{
				{Name: "filename", Expr: lit("report.txt")},
				{Name: "size", Expr: lit(42)},
			},
		},
	})

	result, err := e.Execute(context.Background(), "upload", nil, literalEval, CallInfo{})
	require.NoError(t, err)
	assert.Equal(t, true, result["ok"])
}

func TestRetryOnStatusWithExponentialBackoff(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`{"state": "recovered"}`))
	}))
	defer srv.Close()

	sleeper := &recordingSleeper{}
	e, _ := newTestExecutor(map[string]*ir.Tool{
		"flaky": {
			Name:        "flaky",
			Kind:        "http",
			URLTemplate: srv.URL,
			Retry: &ir.ToolRetry{
				MaxAttempts:   3,
				Backoff:       "exponential",
				InitialDelay:  0.01,
				RetryOnStatus: []int{500},
			},
		},
	})
	e.Sleep = sleeper.sleep

	result, err := e.Execute(context.Background(), "flaky", nil, literalEval, CallInfo{})
	require.NoError(t, err)
	assert.Equal(t, int32(3), hits.Load())
	assert.Equal(t, true, result["ok"])
	assert.Equal(t, 200, result["status"])
	require.Len(t, sleeper.slept, 2)
	assert.GreaterOrEqual(t, sleeper.total(), 30*time.Millisecond)
}

func TestNoRetryOnUnsafeMethodWithoutOptIn(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	e, _ := newTestExecutor(map[string]*ir.Tool{
		"charge": {
			Name:        "charge",
			Kind:        "http",
			Method:      "POST",
			URLTemplate: srv.URL,
			Retry:       &ir.ToolRetry{MaxAttempts: 3, Backoff: "constant", InitialDelay: 0.01, RetryOnStatus: []int{500}},
		},
	})
	e.Sleep = (&recordingSleeper{}).sleep

	result, err := e.Execute(context.Background(), "charge", nil, literalEval, CallInfo{})
	require.NoError(t, err)
	assert.Equal(t, int32(1), hits.Load())
	assert.Equal(t, false, result["ok"])
	assert.Equal(t, 500, result["status"])
}

func TestRateLimitRefusesWithoutCalling(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	e, _ := newTestExecutor(map[string]*ir.Tool{
		"scarce": {
			Name:        "scarce",
			Kind:        "http",
			URLTemplate: srv.URL,
			RateLimit:   &ir.ToolRateLimit{PerSecond: 0.001, Burst: 1},
		},
	})

	first, err := e.Execute(context.Background(), "scarce", nil, literalEval, CallInfo{})
	require.NoError(t, err)
	assert.Equal(t, true, first["ok"])

	second, err := e.Execute(context.Background(), "scarce", nil, literalEval, CallInfo{})
	require.NoError(t, err)
	assert.Equal(t, false, second["ok"])
	assert.Contains(t, second["error"], "rate limit exceeded")
	assert.Equal(t, int32(1), hits.Load())
}

type panickyInterceptor struct {
	before atomic.Int32
	after  atomic.Int32
}

func (p *panickyInterceptor) Before(context.Context, string, map[string]any) {
	p.before.Add(1)
	panic("before blew up")
}

func (p *panickyInterceptor) After(context.Context, string, map[string]any) {
	p.after.Add(1)
	panic("after blew up")
}

func TestInterceptorsNeverCrashTheCall(t *testing.T) {
	e, _ := newTestExecutor(map[string]*ir.Tool{
		"safe": {Name: "safe", Kind: "local_function"},
	})
	e.RegisterFunc("safe", func(context.Context, map[string]any) (any, error) { return "done", nil })
	interceptor := &panickyInterceptor{}
	e.Intercept(interceptor)

	result, err := e.Execute(context.Background(), "safe", nil, literalEval, CallInfo{})
	require.NoError(t, err)
	assert.Equal(t, true, result["ok"])
	assert.Equal(t, int32(1), interceptor.before.Load())
	assert.Equal(t, int32(1), interceptor.after.Load())
}
