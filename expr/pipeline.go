package expr

import (
	"fmt"

	"github.com/namel3ss/n3flow/ir"
)

// evalPipeline runs the collection pipeline stages of a `source: step ...`
// expression. Stages apply in order and each one produces a fresh list, so
// running a pipeline twice over the same source yields identical output.
func (ev *Evaluator) evalPipeline(env *Env, e *ir.Expr) (any, error) {
	source, err := ev.Eval(env, e.Left)
	if err != nil {
		return nil, err
	}
	rows, ok := AsList(source)
	if !ok {
		return nil, errf(CodePipelineSource, "I expected a list or frame to process but received %s (%s).", Preview(source), TypeName(source))
	}
	current := make([]any, len(rows))
	copy(current, rows)
	grouped := false

	for _, step := range e.Steps {
		switch step.Kind {
		case "keep", "drop":
			current, err = ev.filterRows(env, current, step)
			if err != nil {
				return nil, err
			}
		case "group_by":
			current, err = ev.groupRows(env, current, step)
			if err != nil {
				return nil, err
			}
			grouped = true
		case "sort":
			if step.Groups && !grouped {
				return nil, errf(CodePipelineSource, "'sort groups' needs a 'group by' step before it.")
			}
			current, err = sortRows(current, step.Key, step.Desc)
			if err != nil {
				return nil, err
			}
		case "take":
			if step.N < len(current) {
				current = current[:step.N]
			}
		case "skip":
			if step.N >= len(current) {
				current = nil
			} else {
				current = current[step.N:]
			}
		default:
			return nil, errf(CodePipelineSource, "Unknown pipeline step %q.", step.Kind)
		}
	}
	out := make([]any, len(current))
	copy(out, current)
	return out, nil
}

// filterRows binds `row` to each element, evaluates the predicate and keeps
// or drops accordingly. The prior `row` binding (if any) is restored after.
func (ev *Evaluator) filterRows(env *Env, rows []any, step ir.PipelineStep) ([]any, error) {
	prior := env.Snapshot("row")
	defer env.Restore(prior)

	label := "keep rows"
	if step.Kind == "drop" {
		label = "drop rows"
	}
	out := make([]any, 0, len(rows))
	for _, row := range rows {
		env.Declare("row", row, false)
		match, err := ev.Eval(env, step.Cond)
		if err != nil {
			return nil, err
		}
		b, ok := Truthy(match)
		if !ok {
			return nil, errf(CodePipelineCond, "The '%s where' condition did not produce true or false for row %s; it produced %s (%s).", label, Preview(row), Preview(match), TypeName(match))
		}
		if (step.Kind == "keep") == b {
			out = append(out, row)
		}
	}
	return out, nil
}

// groupRows buckets rows by the key field, then evaluates the let-only body
// once per group with `row` bound to the group's column lists, so aggregates
// like sum(row.amount) fold over the whole group.
func (ev *Evaluator) groupRows(env *Env, rows []any, step ir.PipelineStep) ([]any, error) {
	type bucket struct {
		key  any
		rows []map[string]any
	}
	var order []*bucket
	index := map[string]*bucket{}

	for _, raw := range rows {
		row, ok := AsMap(raw)
		if !ok {
			return nil, errf(CodePipelineSource, "'group by %s' needs record rows but found %s (%s).", step.Key, Preview(raw), TypeName(raw))
		}
		keyVal := row[step.Key]
		ident := fmt.Sprintf("%v", ToJSONSafe(keyVal))
		b, seen := index[ident]
		if !seen {
			b = &bucket{key: keyVal}
			index[ident] = b
			order = append(order, b)
		}
		b.rows = append(b.rows, row)
	}

	prior := env.Snapshot("row")
	defer env.Restore(prior)

	out := make([]any, 0, len(order))
	for _, b := range order {
		group := map[string]any{"key": b.key}
		columns := groupColumns(b.rows)
		env.Declare("row", columns, false)
		for _, let := range step.Lets {
			v, err := ev.Eval(env, let.Expr)
			if err != nil {
				return nil, err
			}
			group[let.Name] = v
		}
		out = append(out, group)
	}
	return out, nil
}

// groupColumns inverts a group's rows into field -> []values over every field
// seen in the group.
func groupColumns(rows []map[string]any) map[string]any {
	cols := map[string]any{}
	for _, row := range rows {
		for field := range row {
			if _, ok := cols[field]; !ok {
				cols[field] = []any{}
			}
		}
	}
	for field := range cols {
		values := make([]any, 0, len(rows))
		for _, row := range rows {
			if v, ok := row[field]; ok {
				values = append(values, v)
			}
		}
		cols[field] = values
	}
	return cols
}

func sortRows(rows []any, key string, desc bool) ([]any, error) {
	out := make([]any, len(rows))
	copy(out, rows)
	var sortErr error
	stableSort(out, func(a, b any) bool {
		if sortErr != nil {
			return false
		}
		av, bv := fieldOrNil(a, key), fieldOrNil(b, key)
		c, err := Compare(av, bv)
		if err != nil {
			sortErr = errf(CodeIncomparable, "I can't sort by '%s': %s", key, err.Error())
			return false
		}
		if desc {
			return c > 0
		}
		return c < 0
	})
	if sortErr != nil {
		return nil, sortErr
	}
	return out, nil
}

func fieldOrNil(v any, key string) any {
	if m, ok := AsMap(v); ok {
		return m[key]
	}
	return nil
}
