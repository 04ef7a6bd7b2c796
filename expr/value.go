package expr

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// Values are plain Go data: nil, bool, int64, float64, string, []any,
// map[string]any, time.Time and decimal.Decimal. Coercions between them are
// always explicit; helpers in this file centralize the rules.

// Truthy reports the boolean interpretation of a value. Only booleans are
// truthy or falsy; everything else is a type error at the call sites that
// require conditions, so Truthy is strict.
func Truthy(v any) (bool, bool) {
	b, ok := v.(bool)
	return b, ok
}

// AsNumber extracts a float64 from int/float values. Booleans are excluded by
// design.
func AsNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case decimal.Decimal:
		f, _ := n.Float64()
		return f, true
	default:
		return 0, false
	}
}

// IsInt reports whether v is an integer value.
func IsInt(v any) bool {
	switch v.(type) {
	case int, int64:
		return true
	}
	return false
}

// AsInt extracts an int from integer values.
func AsInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		if n == math.Trunc(n) {
			return int(n), true
		}
	}
	return 0, false
}

// AsList extracts a []any, accepting the common concrete slice shapes the
// frame store produces.
func AsList(v any) ([]any, bool) {
	switch l := v.(type) {
	case []any:
		return l, true
	case []map[string]any:
		out := make([]any, len(l))
		for i, m := range l {
			out[i] = m
		}
		return out, true
	case []string:
		out := make([]any, len(l))
		for i, s := range l {
			out[i] = s
		}
		return out, true
	default:
		return nil, false
	}
}

// AsMap extracts a map[string]any.
func AsMap(v any) (map[string]any, bool) {
	m, ok := v.(map[string]any)
	return m, ok
}

// Equal compares two values structurally. Numbers compare across int/float,
// lists and maps compare element-wise, times compare by instant.
func Equal(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if an, ok := AsNumber(a); ok {
		if bn, ok := AsNumber(b); ok {
			return an == bn
		}
		return false
	}
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	case time.Time:
		bv, ok := b.(time.Time)
		return ok && av.Equal(bv)
	}
	if al, ok := AsList(a); ok {
		bl, ok := AsList(b)
		if !ok || len(al) != len(bl) {
			return false
		}
		for i := range al {
			if !Equal(al[i], bl[i]) {
				return false
			}
		}
		return true
	}
	if am, ok := AsMap(a); ok {
		bm, ok := AsMap(b)
		if !ok || len(am) != len(bm) {
			return false
		}
		for k, av := range am {
			bv, present := bm[k]
			if !present || !Equal(av, bv) {
				return false
			}
		}
		return true
	}
	return false
}

// Compare orders two values naturally: numbers numerically, strings
// lexicographically, times chronologically. Incomparable pairs return an
// error naming both types.
func Compare(a, b any) (int, error) {
	if an, ok := AsNumber(a); ok {
		if bn, ok := AsNumber(b); ok {
			switch {
			case an < bn:
				return -1, nil
			case an > bn:
				return 1, nil
			default:
				return 0, nil
			}
		}
	}
	if as, ok := a.(string); ok {
		if bs, ok := b.(string); ok {
			switch {
			case as < bs:
				return -1, nil
			case as > bs:
				return 1, nil
			default:
				return 0, nil
			}
		}
	}
	if at, ok := a.(time.Time); ok {
		if bt, ok := b.(time.Time); ok {
			switch {
			case at.Before(bt):
				return -1, nil
			case at.After(bt):
				return 1, nil
			default:
				return 0, nil
			}
		}
	}
	return 0, errf(CodeIncomparable, "I can't compare %s with %s. Comparison needs two numbers, two texts or two timestamps.", TypeName(a), TypeName(b))
}

// TypeName renders a user-facing type name for error messages.
func TypeName(v any) string {
	switch v.(type) {
	case nil:
		return "nothing"
	case bool:
		return "a true/false value"
	case int, int64:
		return "a whole number"
	case float64, float32:
		return "a number"
	case decimal.Decimal:
		return "a decimal"
	case string:
		return "text"
	case time.Time:
		return "a timestamp"
	case map[string]any:
		return "a record"
	}
	if _, ok := AsList(v); ok {
		return "a list"
	}
	return fmt.Sprintf("%T", v)
}

// Preview renders a short value preview for error messages.
func Preview(v any) string {
	s := fmt.Sprintf("%v", v)
	if len(s) > 40 {
		s = s[:37] + "..."
	}
	return s
}

// ToJSONSafe coerces a value into JSON-serializable shapes: times become
// RFC 3339 strings, decimals become strings, unknown types stringify.
func ToJSONSafe(v any) any {
	switch t := v.(type) {
	case nil, bool, string, int, int64, float64:
		return t
	case float32:
		return float64(t)
	case time.Time:
		return t.UTC().Format(time.RFC3339)
	case decimal.Decimal:
		return t.String()
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, mv := range t {
			out[k] = ToJSONSafe(mv)
		}
		return out
	case error:
		return t.Error()
	}
	if l, ok := AsList(v); ok {
		out := make([]any, len(l))
		for i, e := range l {
			out[i] = ToJSONSafe(e)
		}
		return out
	}
	// Fall back through the JSON round trip for struct-shaped values.
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return fmt.Sprintf("%v", v)
	}
	return out
}

// DeepCopy clones maps and lists recursively. Scalars are returned as-is.
func DeepCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, mv := range t {
			out[k] = DeepCopy(mv)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = DeepCopy(e)
		}
		return out
	case []map[string]any:
		out := make([]map[string]any, len(t))
		for i, m := range t {
			out[i] = DeepCopy(m).(map[string]any)
		}
		return out
	default:
		return v
	}
}

// Suggest returns the closest candidate within edit distance 1 of name, or ""
// when none qualifies. Used for "did you mean" hints on missing fields.
func Suggest(name string, candidates []string) string {
	best := ""
	for _, c := range candidates {
		if editDistanceAtMostOne(name, c) && c != name {
			if best == "" || c < best {
				best = c
			}
		}
	}
	return best
}

// SortedKeys returns map keys in sorted order for deterministic messages.
func SortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func editDistanceAtMostOne(a, b string) bool {
	la, lb := len(a), len(b)
	if la > lb {
		a, b, la, lb = b, a, lb, la
	}
	if lb-la > 1 {
		return false
	}
	if la == lb {
		diff := 0
		for i := 0; i < la; i++ {
			if a[i] != b[i] {
				diff++
				if diff > 1 {
					return false
				}
			}
		}
		return true
	}
	// One insertion.
	i, j, used := 0, 0, false
	for i < la && j < lb {
		if a[i] == b[j] {
			i++
			j++
			continue
		}
		if used {
			return false
		}
		used = true
		j++
	}
	return true
}
