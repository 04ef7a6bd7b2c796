package tool

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/namel3ss/n3flow/breaker"
	"github.com/namel3ss/n3flow/expr"
	"github.com/namel3ss/n3flow/ir"
)

// httpOutcome is one completed HTTP attempt.
type httpOutcome struct {
	status  int
	body    []byte
	headers http.Header
}

// callHTTP runs an HTTP-backed tool: builds the request, applies auth, and
// retries per the tool's policy behind the tool's circuit breaker. Network
// failures after the last attempt come back as failure results, never errors.
func (e *Executor) callHTTP(ctx context.Context, t *ir.Tool, args map[string]any, eval EvalFn) (map[string]any, error) {
	method := httpMethod(t)
	target, err := buildURL(t, args, eval)
	if err != nil {
		return nil, err
	}
	headers, err := evalHeaders(t, eval)
	if err != nil {
		return nil, err
	}
	body, contentType, err := buildBody(t, args, eval)
	if err != nil {
		return nil, err
	}
	if contentType != "" && headers.Get("Content-Type") == "" {
		headers.Set("Content-Type", contentType)
	}

	maxAttempts := 1
	if t.Retry != nil && retriesAllowed(method, t.Retry) && t.Retry.MaxAttempts > 1 {
		maxAttempts = t.Retry.MaxAttempts
	}

	var out *httpOutcome
	for attempt := 0; ; attempt++ {
		out, err = e.attempt(ctx, t, method, target, headers, body)
		last := attempt+1 >= maxAttempts
		if err != nil {
			if errors.Is(err, breaker.ErrCircuitOpen) {
				return failResult(err.Error()), nil
			}
			if last || !shouldRetryError(t.Retry) {
				return networkFailure(err), nil
			}
		} else if !statusRetriable(t.Retry, out.status) || last {
			break
		}
		if serr := e.sleep(ctx, backoffDelay(t.Retry, attempt)); serr != nil {
			return networkFailure(serr), nil
		}
	}
	e.logCall(ctx, t, method, target, headers, out.status)
	return buildResult(t, out), nil
}

// attempt performs one request behind the tool's breaker with the tool's
// timeout applied.
func (e *Executor) attempt(ctx context.Context, t *ir.Tool, method, target string, headers http.Header, body []byte) (*httpOutcome, error) {
	res, err := e.breakers.Execute(breaker.ToolKey(t.Name), func() (any, error) {
		attemptCtx := ctx
		cancel := func() {}
		if t.TimeoutSeconds > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, secondsToDuration(t.TimeoutSeconds))
		}
		defer cancel()

		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(attemptCtx, method, target, reader)
		if err != nil {
			return nil, err
		}
		for name, values := range headers {
			for _, v := range values {
				req.Header.Add(name, v)
			}
		}
		applyAuth(req, t.Auth)

		resp, err := e.httpClient().Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		return &httpOutcome{status: resp.StatusCode, body: data, headers: resp.Header}, nil
	})
	if err != nil {
		return nil, err
	}
	return res.(*httpOutcome), nil
}

func (e *Executor) httpClient() *http.Client {
	if e.HTTPClient != nil {
		return e.HTTPClient
	}
	return http.DefaultClient
}

func (e *Executor) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	if e.Sleep != nil {
		return e.Sleep(ctx, d)
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func httpMethod(t *ir.Tool) string {
	if t.Method != "" {
		return strings.ToUpper(t.Method)
	}
	if t.Kind == "graphql" || t.Kind == "multipart" {
		return http.MethodPost
	}
	return http.MethodGet
}

// buildURL resolves the request URL: an explicit expression wins, otherwise
// the template is interpolated with path-escaped argument values. Query
// parameters and query-mode API keys are appended afterwards.
func buildURL(t *ir.Tool, args map[string]any, eval EvalFn) (string, error) {
	var raw string
	switch {
	case t.URLExpr != nil:
		v, err := eval(t.URLExpr)
		if err != nil {
			return "", err
		}
		raw = stringText(v)
	case t.URLTemplate != "":
		raw = t.URLTemplate
		for name, value := range args {
			raw = strings.ReplaceAll(raw, "{"+name+"}", url.PathEscape(stringText(value)))
		}
	default:
		return "", fmt.Errorf("tool '%s' has no URL. Set url or url_expr on the tool", t.Name)
	}

	query, err := buildQuery(t, eval)
	if err != nil {
		return "", err
	}
	if t.Auth != nil && t.Auth.Kind == "api_key" && t.Auth.In == "query" {
		name := t.Auth.HeaderName
		if name == "" {
			name = "api_key"
		}
		query.Set(name, t.Auth.Token)
	}
	if encoded := query.Encode(); encoded != "" {
		sep := "?"
		if strings.Contains(raw, "?") {
			sep = "&"
		}
		raw += sep + encoded
	}
	return raw, nil
}

// buildQuery evaluates query expressions. List values encode per the tool's
// mode: repeated keys by default, one comma-joined value for "csv".
func buildQuery(t *ir.Tool, eval EvalFn) (url.Values, error) {
	values := url.Values{}
	for _, q := range t.Query {
		v, err := eval(q.Expr)
		if err != nil {
			return nil, err
		}
		if list, ok := expr.AsList(v); ok {
			if t.QueryEncoding == "csv" {
				parts := make([]string, 0, len(list))
				for _, item := range list {
					parts = append(parts, stringText(item))
				}
				values.Add(q.Name, strings.Join(parts, ","))
				continue
			}
			for _, item := range list {
				values.Add(q.Name, stringText(item))
			}
			continue
		}
		values.Add(q.Name, stringText(v))
	}
	return values, nil
}

func evalHeaders(t *ir.Tool, eval EvalFn) (http.Header, error) {
	headers := http.Header{}
	for _, h := range t.Headers {
		v, err := eval(h.Expr)
		if err != nil {
			return nil, err
		}
		headers.Set(h.Name, stringText(v))
	}
	return headers, nil
}

// buildBody assembles the request body and its content type. GraphQL tools
// wrap the query document with the argument map as variables.
func buildBody(t *ir.Tool, args map[string]any, eval EvalFn) ([]byte, string, error) {
	switch {
	case t.Kind == "graphql":
		payload := map[string]any{"query": t.GraphQLQuery, "variables": args}
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, "", err
		}
		return data, "application/json", nil
	case t.Kind == "multipart":
		var buf bytes.Buffer
		w := multipart.NewWriter(&buf)
		for _, f := range t.BodyFields {
			v, err := eval(f.Expr)
			if err != nil {
				return nil, "", err
			}
			if err := w.WriteField(f.Name, stringText(v)); err != nil {
				return nil, "", err
			}
		}
		if err := w.Close(); err != nil {
			return nil, "", err
		}
		return buf.Bytes(), w.FormDataContentType(), nil
	case len(t.BodyFields) > 0:
		body := make(map[string]any, len(t.BodyFields))
		for _, f := range t.BodyFields {
			v, err := eval(f.Expr)
			if err != nil {
				return nil, "", err
			}
			body[f.Name] = v
		}
		data, err := json.Marshal(body)
		if err != nil {
			return nil, "", err
		}
		return data, "application/json", nil
	case t.BodyTemplate != "":
		body := t.BodyTemplate
		for name, value := range args {
			body = strings.ReplaceAll(body, "{"+name+"}", stringText(value))
		}
		return []byte(body), "", nil
	}
	return nil, "", nil
}

func applyAuth(req *http.Request, auth *ir.ToolAuth) {
	if auth == nil {
		return
	}
	switch auth.Kind {
	case "bearer", "oauth2":
		req.Header.Set("Authorization", "Bearer "+auth.Token)
	case "basic":
		req.SetBasicAuth(auth.Username, auth.Password)
	case "api_key":
		if auth.In == "query" {
			return
		}
		name := auth.HeaderName
		if name == "" {
			name = "X-API-Key"
		}
		req.Header.Set(name, auth.Token)
	case "header":
		name := auth.HeaderName
		if name == "" {
			name = "X-API-Key"
		}
		req.Header.Set(name, auth.Token)
	}
}

// buildResult wraps a completed HTTP exchange as a result map. The body is
// parsed as JSON when possible and GraphQL error arrays mark the result as
// failed even on a 200.
func buildResult(t *ir.Tool, out *httpOutcome) map[string]any {
	var data any
	if len(out.body) > 0 {
		if err := json.Unmarshal(out.body, &data); err != nil {
			data = string(out.body)
		}
	}
	headers := make(map[string]any, len(out.headers))
	for name, values := range out.headers {
		headers[name] = strings.Join(values, ", ")
	}
	result := map[string]any{
		"ok":      out.status >= 200 && out.status < 300,
		"status":  out.status,
		"data":    data,
		"headers": headers,
	}
	if !isOK(result) {
		result["error"] = fmt.Sprintf("HTTP %d", out.status)
	}
	if t.Kind == "graphql" {
		if msg, failed := graphqlError(data); failed {
			result["ok"] = false
			result["error"] = msg
		}
	}
	return result
}

// graphqlError pulls the first message out of a GraphQL errors array.
func graphqlError(data any) (string, bool) {
	body, ok := expr.AsMap(data)
	if !ok {
		return "", false
	}
	errs, ok := expr.AsList(body["errors"])
	if !ok || len(errs) == 0 {
		return "", false
	}
	if first, ok := expr.AsMap(errs[0]); ok {
		if msg, ok := first["message"].(string); ok && msg != "" {
			return msg, true
		}
	}
	return stringText(errs[0]), true
}

func networkFailure(err error) map[string]any {
	return map[string]any{"ok": false, "status": nil, "error": "Network error: " + err.Error()}
}

func retriesAllowed(method string, cfg *ir.ToolRetry) bool {
	if cfg.AllowUnsafe {
		return true
	}
	return method == http.MethodGet || method == http.MethodHead
}

// shouldRetryError reports whether network errors are retried at all under
// the tool's policy.
func shouldRetryError(cfg *ir.ToolRetry) bool {
	return cfg != nil && cfg.MaxAttempts > 1
}

func statusRetriable(cfg *ir.ToolRetry, status int) bool {
	if cfg == nil {
		return false
	}
	for _, s := range cfg.RetryOnStatus {
		if s == status {
			return true
		}
	}
	return false
}

// backoffDelay computes the pause before the next attempt. attempt counts
// from zero for the first retry.
func backoffDelay(cfg *ir.ToolRetry, attempt int) time.Duration {
	if cfg == nil {
		return 0
	}
	var seconds float64
	switch cfg.Backoff {
	case "constant":
		seconds = cfg.InitialDelay
	case "exponential":
		seconds = cfg.InitialDelay * float64(uint64(1)<<uint(attempt))
	default:
		return 0
	}
	if cfg.MaxDelay > 0 && seconds > cfg.MaxDelay {
		seconds = cfg.MaxDelay
	}
	if cfg.Jitter {
		seconds += seconds * 0.1 * rand.Float64()
	}
	return secondsToDuration(seconds)
}

// logCall logs the exchange per the tool's log level with credentials
// redacted.
func (e *Executor) logCall(ctx context.Context, t *ir.Tool, method, target string, headers http.Header, status int) {
	switch t.LogLevel {
	case "basic":
		e.logger.Debug(ctx, "tool call", "tool", t.Name, "method", method, "status", fmt.Sprint(status))
	case "full":
		e.logger.Debug(ctx, "tool call", "tool", t.Name, "method", method, "url", target,
			"status", fmt.Sprint(status), "headers", fmt.Sprint(redactHeaders(headers, t.Auth)))
	}
}

// redactHeaders replaces credential-bearing header values so logs never
// leak secrets.
func redactHeaders(headers http.Header, auth *ir.ToolAuth) http.Header {
	sensitive := map[string]bool{"Authorization": true, "X-Api-Key": true}
	if auth != nil && auth.HeaderName != "" {
		sensitive[http.CanonicalHeaderKey(auth.HeaderName)] = true
	}
	out := http.Header{}
	for name, values := range headers {
		if sensitive[http.CanonicalHeaderKey(name)] {
			out.Set(name, "[redacted]")
			continue
		}
		out[name] = values
	}
	return out
}

// stringText renders an argument for URLs, headers, and form fields.
// Composite values render as JSON.
func stringText(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case []any, map[string]any:
		data, err := json.Marshal(expr.ToJSONSafe(val))
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(data)
	default:
		return fmt.Sprint(expr.ToJSONSafe(val))
	}
}
