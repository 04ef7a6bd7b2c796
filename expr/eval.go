// Package expr implements the statement-language expression evaluator and
// the variable environment it reads from. Values are dynamically typed Go
// data; all coercions are explicit and failures produce user-facing errors
// that name what was expected and what was received.
package expr

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/namel3ss/n3flow/ir"
)

type (
	// Resolver looks up names the environment does not know: step aliases,
	// state.*, user.*, secret.*, env.*, input.* and frame names. The scheduler
	// supplies one per flow run. The boolean reports whether the name was
	// found.
	Resolver func(name string) (any, bool, error)

	// Evaluator evaluates expression trees against an environment. It is
	// stateless between calls and safe to share across steps of one flow.
	Evaluator struct {
		// Resolver handles names unknown to the environment. Nil means only
		// declared variables resolve.
		Resolver Resolver
		// Helpers and Rules come from the program registries.
		Helpers map[string]*ir.Helper
		Rules   map[string]*ir.RuleGroup
		// Now supplies the clock for time builtins. Defaults to time.Now.
		Now func() time.Time
	}
)

// Eval evaluates e against env.
func (ev *Evaluator) Eval(env *Env, e *ir.Expr) (any, error) {
	if e == nil {
		return nil, nil
	}
	switch e.Kind {
	case ir.ExprLiteral:
		return normalizeLiteral(e.Value), nil
	case ir.ExprIdent:
		return ev.resolveName(env, e.Name)
	case ir.ExprPath:
		return ev.evalPath(env, e)
	case ir.ExprUnary:
		return ev.evalUnary(env, e)
	case ir.ExprBinary:
		return ev.evalBinary(env, e)
	case ir.ExprList:
		out := make([]any, 0, len(e.Items))
		for _, item := range e.Items {
			v, err := ev.Eval(env, item)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil
	case ir.ExprRecord:
		out := make(map[string]any, len(e.Fields))
		for _, f := range e.Fields {
			v, err := ev.Eval(env, f.Value)
			if err != nil {
				return nil, err
			}
			out[f.Key] = v
		}
		return out, nil
	case ir.ExprIndex:
		return ev.evalIndex(env, e)
	case ir.ExprSlice:
		return ev.evalSlice(env, e)
	case ir.ExprCall:
		return ev.evalCall(env, e)
	case ir.ExprPipeline:
		return ev.evalPipeline(env, e)
	case ir.ExprMatches:
		return ev.evalMatches(env, e)
	case ir.ExprRuleRef:
		return ev.evalRuleRef(env, e)
	case ir.ExprGetOtherwise:
		v, err := ev.Eval(env, e.Left)
		if err != nil || v == nil {
			return ev.Eval(env, e.Fallback)
		}
		return v, nil
	case ir.ExprHasKey:
		container, err := ev.Eval(env, e.Left)
		if err != nil {
			return nil, err
		}
		m, ok := AsMap(container)
		if !ok {
			return false, nil
		}
		_, present := m[e.Name]
		return present, nil
	default:
		return nil, errf(CodeBadOperand, "I don't understand this expression (kind %q).", e.Kind)
	}
}

// EvalBool evaluates e and requires a boolean result. context names the
// construct for the error message ("if condition", "when: guard", ...).
func (ev *Evaluator) EvalBool(env *Env, e *ir.Expr, context string) (bool, error) {
	v, err := ev.Eval(env, e)
	if err != nil {
		return false, err
	}
	b, ok := Truthy(v)
	if !ok {
		return false, errf(CodeNotBoolean, "The %s did not evaluate to a boolean value; it produced %s (%s). Compare it with something, e.g. 'x > 0'.", context, Preview(v), TypeName(v))
	}
	return b, nil
}

func (ev *Evaluator) resolveName(env *Env, name string) (any, error) {
	v, ok, err := env.Resolve(name)
	if err != nil {
		return nil, err
	}
	if ok {
		return v, nil
	}
	if ev.Resolver != nil {
		v, ok, err = ev.Resolver(name)
		if err != nil {
			return nil, err
		}
		if ok {
			return v, nil
		}
	}
	return nil, errf(CodeUnknownName, "Unknown name '%s'. Declare it with 'let %s be ...' or use state./user./step.", name, name)
}

func (ev *Evaluator) evalPath(env *Env, e *ir.Expr) (any, error) {
	// Dotted heads like `state` or `step` resolve through the full dotted
	// name first so the external resolver can claim them.
	if ev.Resolver != nil {
		full := e.Name + "." + strings.Join(e.Path, ".")
		if v, ok, err := ev.Resolver(full); err != nil {
			return nil, err
		} else if ok {
			return v, nil
		}
	}
	v, err := ev.resolveName(env, e.Name)
	if err != nil {
		return nil, err
	}
	for i, seg := range e.Path {
		v, err = Field(v, seg, e.Name+"."+strings.Join(e.Path[:i], "."))
		if err != nil {
			return nil, err
		}
	}
	return v, nil
}

// Field walks one dotted-path segment: map keys first, then the result
// wrapper fields produced by tools and providers. Missing fields report the
// available names and a near-miss suggestion.
func Field(v any, name, owner string) (any, error) {
	m, ok := AsMap(v)
	if !ok {
		return nil, errf(CodeMissingField, "I can't read '%s' from %s because it is %s, not a record.", name, strings.TrimSuffix(owner, "."), TypeName(v))
	}
	if fv, present := m[name]; present {
		return fv, nil
	}
	available := SortedKeys(m)
	msg := fmt.Sprintf("'%s' has no field '%s'. Available fields: %s.", strings.TrimSuffix(owner, "."), name, strings.Join(available, ", "))
	if hint := Suggest(name, available); hint != "" {
		msg += fmt.Sprintf(" Did you mean '%s'?", hint)
	}
	return nil, &Error{Code: CodeMissingField, Message: msg}
}

func (ev *Evaluator) evalUnary(env *Env, e *ir.Expr) (any, error) {
	v, err := ev.Eval(env, e.Left)
	if err != nil {
		return nil, err
	}
	switch e.Op {
	case "not":
		b, ok := Truthy(v)
		if !ok {
			return nil, errf(CodeNotBoolean, "'not' needs a true/false value but received %s (%s).", Preview(v), TypeName(v))
		}
		return !b, nil
	case "-":
		if n, ok := v.(int); ok {
			return -n, nil
		}
		if n, ok := v.(int64); ok {
			return -n, nil
		}
		if n, ok := AsNumber(v); ok {
			return -n, nil
		}
		return nil, errf(CodeBadOperand, "Negation needs a number but received %s (%s).", Preview(v), TypeName(v))
	default:
		return nil, errf(CodeBadOperand, "Unknown unary operator %q.", e.Op)
	}
}

func (ev *Evaluator) evalBinary(env *Env, e *ir.Expr) (any, error) {
	// and/or short-circuit before the right operand is evaluated.
	if e.Op == "and" || e.Op == "or" {
		lb, err := ev.EvalBool(env, e.Left, fmt.Sprintf("left side of '%s'", e.Op))
		if err != nil {
			return nil, err
		}
		if e.Op == "and" && !lb {
			return false, nil
		}
		if e.Op == "or" && lb {
			return true, nil
		}
		return ev.EvalBool(env, e.Right, fmt.Sprintf("right side of '%s'", e.Op))
	}

	left, err := ev.Eval(env, e.Left)
	if err != nil {
		return nil, err
	}
	right, err := ev.Eval(env, e.Right)
	if err != nil {
		return nil, err
	}

	switch e.Op {
	case "==", "is":
		return Equal(left, right), nil
	case "!=":
		return !Equal(left, right), nil
	case "<", "<=", ">", ">=":
		c, err := Compare(left, right)
		if err != nil {
			return nil, err
		}
		switch e.Op {
		case "<":
			return c < 0, nil
		case "<=":
			return c <= 0, nil
		case ">":
			return c > 0, nil
		default:
			return c >= 0, nil
		}
	case "+":
		if ls, ok := left.(string); ok {
			if rs, ok := right.(string); ok {
				return ls + rs, nil
			}
		}
		return arith(e.Op, left, right)
	case "-", "*", "/", "%":
		return arith(e.Op, left, right)
	case "in":
		return membership(left, right)
	case "contains":
		return membership(right, left)
	default:
		return nil, errf(CodeBadOperand, "Unknown operator %q.", e.Op)
	}
}

func arith(op string, left, right any) (any, error) {
	ln, lok := AsNumber(left)
	rn, rok := AsNumber(right)
	if !lok {
		return nil, errf(CodeTypeMismatch, "'%s' needs numbers but the left side is %s (%s).", op, Preview(left), TypeName(left))
	}
	if !rok {
		return nil, errf(CodeTypeMismatch, "'%s' needs numbers but the right side is %s (%s).", op, Preview(right), TypeName(right))
	}
	bothInt := IsInt(left) && IsInt(right)
	switch op {
	case "+":
		if bothInt {
			li, _ := AsInt(left)
			ri, _ := AsInt(right)
			return li + ri, nil
		}
		return ln + rn, nil
	case "-":
		if bothInt {
			li, _ := AsInt(left)
			ri, _ := AsInt(right)
			return li - ri, nil
		}
		return ln - rn, nil
	case "*":
		if bothInt {
			li, _ := AsInt(left)
			ri, _ := AsInt(right)
			return li * ri, nil
		}
		return ln * rn, nil
	case "/":
		if rn == 0 {
			return nil, errf(CodeBadOperand, "Division by zero.")
		}
		return ln / rn, nil
	case "%":
		if !bothInt {
			return nil, errf(CodeTypeMismatch, "'%%' needs two whole numbers but received %s and %s.", TypeName(left), TypeName(right))
		}
		ri, _ := AsInt(right)
		if ri == 0 {
			return nil, errf(CodeBadOperand, "Division by zero.")
		}
		li, _ := AsInt(left)
		return li % ri, nil
	}
	return nil, errf(CodeBadOperand, "Unknown operator %q.", op)
}

func membership(needle, haystack any) (any, error) {
	if hs, ok := haystack.(string); ok {
		ns, ok := needle.(string)
		if !ok {
			return nil, errf(CodeTypeMismatch, "Checking text containment needs text on both sides but received %s.", TypeName(needle))
		}
		return strings.Contains(hs, ns), nil
	}
	if list, ok := AsList(haystack); ok {
		for _, item := range list {
			if Equal(item, needle) {
				return true, nil
			}
		}
		return false, nil
	}
	return nil, errf(CodeTypeMismatch, "'in' needs a list or text to search but received %s (%s).", Preview(haystack), TypeName(haystack))
}

func (ev *Evaluator) evalIndex(env *Env, e *ir.Expr) (any, error) {
	target, err := ev.Eval(env, e.Left)
	if err != nil {
		return nil, err
	}
	idx, err := ev.Eval(env, e.Right)
	if err != nil {
		return nil, err
	}
	if m, ok := AsMap(target); ok {
		key, ok := idx.(string)
		if !ok {
			return nil, errf(CodeBadIndex, "Record lookup needs a text key but received %s (%s).", Preview(idx), TypeName(idx))
		}
		return Field(m, key, "record")
	}
	list, ok := AsList(target)
	if !ok {
		return nil, errf(CodeBadIndex, "I can only index into a list or record, not %s.", TypeName(target))
	}
	i, ok := AsInt(idx)
	if !ok {
		return nil, errf(CodeBadIndex, "List index needs a whole number but received %s (%s).", Preview(idx), TypeName(idx))
	}
	if i < 0 {
		i += len(list)
	}
	if i < 0 || i >= len(list) {
		return nil, errf(CodeBadIndex, "Index %v is out of range for a list of %d items.", idx, len(list))
	}
	return list[i], nil
}

func (ev *Evaluator) evalSlice(env *Env, e *ir.Expr) (any, error) {
	target, err := ev.Eval(env, e.Left)
	if err != nil {
		return nil, err
	}
	from, to := 0, -1
	if e.From != nil {
		v, err := ev.Eval(env, e.From)
		if err != nil {
			return nil, err
		}
		from, _ = AsInt(v)
	}
	hasTo := e.To != nil
	if hasTo {
		v, err := ev.Eval(env, e.To)
		if err != nil {
			return nil, err
		}
		to, _ = AsInt(v)
	}
	clamp := func(i, n int) int {
		if i < 0 {
			i += n
		}
		if i < 0 {
			i = 0
		}
		if i > n {
			i = n
		}
		return i
	}
	if s, ok := target.(string); ok {
		n := len(s)
		lo := clamp(from, n)
		hi := n
		if hasTo {
			hi = clamp(to, n)
		}
		if lo > hi {
			lo = hi
		}
		return s[lo:hi], nil
	}
	list, ok := AsList(target)
	if !ok {
		return nil, errf(CodeBadIndex, "Slicing needs a list or text, not %s.", TypeName(target))
	}
	n := len(list)
	lo := clamp(from, n)
	hi := n
	if hasTo {
		hi = clamp(to, n)
	}
	if lo > hi {
		lo = hi
	}
	out := make([]any, hi-lo)
	copy(out, list[lo:hi])
	return out, nil
}

func (ev *Evaluator) evalCall(env *Env, e *ir.Expr) (any, error) {
	args := make([]any, 0, len(e.Items))
	for _, item := range e.Items {
		v, err := ev.Eval(env, item)
		if err != nil {
			return nil, err
		}
		args = append(args, v)
	}
	if fn, ok := builtins[e.Name]; ok {
		return fn(ev, args)
	}
	if helper, ok := ev.Helpers[e.Name]; ok {
		return ev.callHelper(env, helper, args)
	}
	return nil, errf(CodeUnknownCall, "Unknown function '%s'. Check the spelling or declare a helper with that name.", e.Name)
}

func (ev *Evaluator) callHelper(env *Env, helper *ir.Helper, args []any) (any, error) {
	if len(args) != len(helper.Params) {
		return nil, errf(CodeBadBuiltinArg, "Helper '%s' takes %d argument(s) but received %d.", helper.Name, len(helper.Params), len(args))
	}
	child := env.Clone()
	for i, p := range helper.Params {
		child.Declare(p, args[i], false)
	}
	return ev.Eval(child, helper.Body)
}

func (ev *Evaluator) evalRuleRef(env *Env, e *ir.Expr) (any, error) {
	group, ok := ev.Rules[e.Name]
	if !ok {
		return nil, errf(CodeUnknownCall, "Unknown rulegroup '%s'.", e.Name)
	}
	for i, rule := range group.Rules {
		ok, err := ev.EvalBool(env, rule, fmt.Sprintf("rule %d of '%s'", i+1, e.Name))
		if err != nil {
			return nil, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// normalizeLiteral widens parser literal shapes into the canonical runtime
// types.
func normalizeLiteral(v any) any {
	switch n := v.(type) {
	case int32:
		return int(n)
	case int64:
		return int(n)
	case float32:
		return float64(n)
	default:
		return v
	}
}

// AsEvalError returns the first expression Error in err's chain, if any.
func AsEvalError(err error) (*Error, bool) {
	var ee *Error
	if errors.As(err, &ee) {
		return ee, true
	}
	return nil, false
}
