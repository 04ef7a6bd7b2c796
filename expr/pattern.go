package expr

import "github.com/namel3ss/n3flow/ir"

// evalMatches implements `subject matches {key: value, ...}`: true iff the
// subject is a record and every pattern field holds. A field with an operator
// applies `subject.key <op> value`; otherwise it compares by equality.
func (ev *Evaluator) evalMatches(env *Env, e *ir.Expr) (any, error) {
	subject, err := ev.Eval(env, e.Left)
	if err != nil {
		return nil, err
	}
	m, ok := AsMap(subject)
	if !ok {
		return false, nil
	}
	for _, field := range e.Pattern {
		actual, present := m[field.Key]
		if !present {
			return false, nil
		}
		want, err := ev.Eval(env, field.Value)
		if err != nil {
			return nil, err
		}
		holds, err := patternFieldHolds(field.Op, actual, want)
		if err != nil {
			return nil, err
		}
		if !holds {
			return false, nil
		}
	}
	return true, nil
}

func patternFieldHolds(op string, actual, want any) (bool, error) {
	switch op {
	case "", "==", "is":
		return Equal(actual, want), nil
	case "!=":
		return !Equal(actual, want), nil
	case "<", "<=", ">", ">=":
		c, err := Compare(actual, want)
		if err != nil {
			return false, err
		}
		switch op {
		case "<":
			return c < 0, nil
		case "<=":
			return c <= 0, nil
		case ">":
			return c > 0, nil
		default:
			return c >= 0, nil
		}
	case "in":
		v, err := membership(actual, want)
		if err != nil {
			return false, err
		}
		return v.(bool), nil
	case "contains":
		v, err := membership(want, actual)
		if err != nil {
			return false, err
		}
		return v.(bool), nil
	default:
		return false, errf(CodeBadOperand, "Unknown pattern operator %q.", op)
	}
}
