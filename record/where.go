package record

import (
	"sort"
	"strings"

	"github.com/namel3ss/n3flow/expr"
	"github.com/namel3ss/n3flow/frame"
	"github.com/namel3ss/n3flow/ir"
)

// compileWhere turns a filter tree into a row predicate. Leaf values are
// evaluated once, up front, and coerced to the field's declared type so
// comparisons against stored rows line up. A nil tree matches every row.
func (l *Layer) compileWhere(def *ir.RecordDef, w *ir.Where, eval EvalFn) (frame.Predicate, error) {
	if w == nil {
		return nil, nil
	}
	switch w.Type {
	case "leaf":
		return l.compileLeaf(def, w, eval)
	case "and", "all":
		preds, err := l.compileChildren(def, w.Children, eval)
		if err != nil {
			return nil, err
		}
		return func(row map[string]any) bool {
			for _, p := range preds {
				if !p(row) {
					return false
				}
			}
			return true
		}, nil
	case "or", "any":
		preds, err := l.compileChildren(def, w.Children, eval)
		if err != nil {
			return nil, err
		}
		return func(row map[string]any) bool {
			for _, p := range preds {
				if p(row) {
					return true
				}
			}
			return false
		}, nil
	default:
		return nil, errf(CodeValidation, def.Name, "",
			"I don't understand the condition type '%s' in this query.", w.Type)
	}
}

func (l *Layer) compileChildren(def *ir.RecordDef, children []*ir.Where, eval EvalFn) ([]frame.Predicate, error) {
	preds := make([]frame.Predicate, 0, len(children))
	for _, child := range children {
		p, err := l.compileWhere(def, child, eval)
		if err != nil {
			return nil, err
		}
		if p != nil {
			preds = append(preds, p)
		}
	}
	return preds, nil
}

func (l *Layer) compileLeaf(def *ir.RecordDef, w *ir.Where, eval EvalFn) (frame.Predicate, error) {
	var value any
	if w.Value != nil {
		v, err := eval(w.Value)
		if err != nil {
			return nil, err
		}
		value = v
	}
	if f := def.Field(w.Field); f != nil && value != nil {
		coerced, err := coerceField(def.Name, f, value)
		if err == nil {
			value = coerced
		}
	}
	field := w.Field
	op := w.Op
	if op == "" {
		op = "="
	}
	return func(row map[string]any) bool {
		return leafHolds(row[field], op, value)
	}, nil
}

func leafHolds(have any, op string, want any) bool {
	switch op {
	case "=", "==", "is":
		return expr.Equal(have, want)
	case "!=":
		return !expr.Equal(have, want)
	case "<", "<=", ">", ">=":
		cmp, err := expr.Compare(have, want)
		if err != nil {
			return false
		}
		switch op {
		case "<":
			return cmp < 0
		case "<=":
			return cmp <= 0
		case ">":
			return cmp > 0
		default:
			return cmp >= 0
		}
	case "contains":
		if s, ok := have.(string); ok {
			sub, ok := want.(string)
			return ok && strings.Contains(s, sub)
		}
		if list, ok := expr.AsList(have); ok {
			for _, item := range list {
				if expr.Equal(item, want) {
					return true
				}
			}
		}
		return false
	case "in":
		if list, ok := expr.AsList(want); ok {
			for _, item := range list {
				if expr.Equal(have, item) {
					return true
				}
			}
		}
		return false
	default:
		return false
	}
}

// orderRows applies a composite, stable sort. Incomparable values under any
// key surface as an error instead of silently shuffling.
func orderRows(rows []map[string]any, keys []ir.OrderKey) error {
	var sortErr error
	sort.SliceStable(rows, func(i, j int) bool {
		if sortErr != nil {
			return false
		}
		for _, key := range keys {
			cmp, err := expr.Compare(rows[i][key.Field], rows[j][key.Field])
			if err != nil {
				sortErr = errf(CodeValidation, "", key.Field,
					"I can't order by '%s': %v", key.Field, err)
				return false
			}
			if cmp == 0 {
				continue
			}
			if key.Desc {
				return cmp > 0
			}
			return cmp < 0
		}
		return false
	})
	return sortErr
}

func sliceRows(rows []map[string]any, offset, limit int) []map[string]any {
	if offset > 0 {
		if offset >= len(rows) {
			return nil
		}
		rows = rows[offset:]
	}
	if limit > 0 && limit < len(rows) {
		rows = rows[:limit]
	}
	return rows
}
