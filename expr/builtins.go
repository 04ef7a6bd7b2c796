package expr

import (
	"math"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// builtinFunc is the signature shared by all builtins. Builtins validate
// argument types themselves so that misuse errors can name the builtin and
// the offending value.
type builtinFunc func(ev *Evaluator, args []any) (any, error)

var builtins = map[string]builtinFunc{
	"length":  builtinLength,
	"count":   builtinLength,
	"first":   builtinFirst,
	"last":    builtinLast,
	"sorted":  builtinSorted,
	"reverse": builtinReverse,
	"unique":  builtinUnique,
	"sum":     numericFold("sum", func(nums []float64) float64 { return foldSum(nums) }),
	"minimum": numericFold("minimum", func(nums []float64) float64 {
		min := nums[0]
		for _, n := range nums[1:] {
			if n < min {
				min = n
			}
		}
		return min
	}),
	"maximum": numericFold("maximum", func(nums []float64) float64 {
		max := nums[0]
		for _, n := range nums[1:] {
			if n > max {
				max = n
			}
		}
		return max
	}),
	"mean": numericFold("mean", func(nums []float64) float64 { return foldSum(nums) / float64(len(nums)) }),
	"round":     builtinRound,
	"abs":       builtinAbs,
	"trim":      stringFn("trim", strings.TrimSpace),
	"lowercase": stringFn("lowercase", strings.ToLower),
	"uppercase": stringFn("uppercase", strings.ToUpper),
	"replace":   builtinReplace,
	"split":     builtinSplit,
	"join":      builtinJoin,
	"slugify":   stringFn("slugify", Slugify),
	"append":    builtinAppend,
	"remove":    builtinRemove,
	"insert":    builtinInsert,
	"current_timestamp": func(ev *Evaluator, args []any) (any, error) {
		if len(args) != 0 {
			return nil, argCount("current_timestamp", 0, len(args))
		}
		return ev.now(), nil
	},
	"current_date": func(ev *Evaluator, args []any) (any, error) {
		if len(args) != 0 {
			return nil, argCount("current_date", 0, len(args))
		}
		return ev.now().Format("2006-01-02"), nil
	},
	"random_uuid": func(_ *Evaluator, args []any) (any, error) {
		if len(args) != 0 {
			return nil, argCount("random_uuid", 0, len(args))
		}
		return uuid.NewString(), nil
	},
}

func (ev *Evaluator) now() time.Time {
	if ev.Now != nil {
		return ev.Now()
	}
	return time.Now()
}

func argCount(name string, want, got int) error {
	return errf(CodeBadBuiltinArg, "'%s' takes %d argument(s) but received %d.", name, want, got)
}

func wantList(name string, v any) ([]any, error) {
	list, ok := AsList(v)
	if !ok {
		return nil, errf(CodeBadBuiltinArg, "'%s' needs a list but received %s (%s).", name, Preview(v), TypeName(v))
	}
	return list, nil
}

func builtinLength(_ *Evaluator, args []any) (any, error) {
	if len(args) != 1 {
		return nil, argCount("length", 1, len(args))
	}
	switch v := args[0].(type) {
	case string:
		return len(v), nil
	case map[string]any:
		return len(v), nil
	}
	list, err := wantList("length", args[0])
	if err != nil {
		return nil, err
	}
	return len(list), nil
}

func builtinFirst(_ *Evaluator, args []any) (any, error) {
	if len(args) != 1 {
		return nil, argCount("first", 1, len(args))
	}
	list, err := wantList("first", args[0])
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, nil
	}
	return list[0], nil
}

func builtinLast(_ *Evaluator, args []any) (any, error) {
	if len(args) != 1 {
		return nil, argCount("last", 1, len(args))
	}
	list, err := wantList("last", args[0])
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, nil
	}
	return list[len(list)-1], nil
}

func builtinSorted(_ *Evaluator, args []any) (any, error) {
	if len(args) != 1 {
		return nil, argCount("sorted", 1, len(args))
	}
	list, err := wantList("sorted", args[0])
	if err != nil {
		return nil, err
	}
	out := make([]any, len(list))
	copy(out, list)
	var sortErr error
	stableSort(out, func(a, b any) bool {
		if sortErr != nil {
			return false
		}
		c, err := Compare(a, b)
		if err != nil {
			sortErr = err
			return false
		}
		return c < 0
	})
	if sortErr != nil {
		return nil, sortErr
	}
	return out, nil
}

func builtinReverse(_ *Evaluator, args []any) (any, error) {
	if len(args) != 1 {
		return nil, argCount("reverse", 1, len(args))
	}
	if s, ok := args[0].(string); ok {
		runes := []rune(s)
		for i, j := 0, len(runes)-1; i < j; i, j = i+1, j-1 {
			runes[i], runes[j] = runes[j], runes[i]
		}
		return string(runes), nil
	}
	list, err := wantList("reverse", args[0])
	if err != nil {
		return nil, err
	}
	out := make([]any, len(list))
	for i, v := range list {
		out[len(list)-1-i] = v
	}
	return out, nil
}

func builtinUnique(_ *Evaluator, args []any) (any, error) {
	if len(args) != 1 {
		return nil, argCount("unique", 1, len(args))
	}
	list, err := wantList("unique", args[0])
	if err != nil {
		return nil, err
	}
	out := make([]any, 0, len(list))
	for _, v := range list {
		dup := false
		for _, seen := range out {
			if Equal(seen, v) {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, v)
		}
	}
	return out, nil
}

func numericFold(name string, fold func([]float64) float64) builtinFunc {
	return func(_ *Evaluator, args []any) (any, error) {
		if len(args) != 1 {
			return nil, argCount(name, 1, len(args))
		}
		list, err := wantList(name, args[0])
		if err != nil {
			return nil, err
		}
		if len(list) == 0 {
			if name == "sum" {
				return 0, nil
			}
			return nil, nil
		}
		nums := make([]float64, len(list))
		allInt := true
		for i, v := range list {
			n, ok := AsNumber(v)
			if !ok {
				return nil, errf(CodeBadBuiltinArg, "'%s' needs a list of numbers but item %d is %s (%s).", name, i+1, Preview(v), TypeName(v))
			}
			if !IsInt(v) {
				allInt = false
			}
			nums[i] = n
		}
		result := fold(nums)
		if allInt && name != "mean" && result == math.Trunc(result) {
			return int(result), nil
		}
		return result, nil
	}
}

func foldSum(nums []float64) float64 {
	var total float64
	for _, n := range nums {
		total += n
	}
	return total
}

func builtinRound(_ *Evaluator, args []any) (any, error) {
	if len(args) != 1 && len(args) != 2 {
		return nil, errf(CodeBadBuiltinArg, "'round' takes a number and an optional digit count but received %d argument(s).", len(args))
	}
	n, ok := AsNumber(args[0])
	if !ok {
		return nil, errf(CodeBadBuiltinArg, "'round' needs a number but received %s (%s).", Preview(args[0]), TypeName(args[0]))
	}
	if len(args) == 1 {
		return int(math.Round(n)), nil
	}
	digits, ok := AsInt(args[1])
	if !ok {
		return nil, errf(CodeBadBuiltinArg, "'round' digit count must be a whole number but received %s.", Preview(args[1]))
	}
	scale := math.Pow(10, float64(digits))
	return math.Round(n*scale) / scale, nil
}

func builtinAbs(_ *Evaluator, args []any) (any, error) {
	if len(args) != 1 {
		return nil, argCount("abs", 1, len(args))
	}
	if i, ok := AsInt(args[0]); ok && IsInt(args[0]) {
		if i < 0 {
			return -i, nil
		}
		return i, nil
	}
	n, ok := AsNumber(args[0])
	if !ok {
		return nil, errf(CodeBadBuiltinArg, "'abs' needs a number but received %s (%s).", Preview(args[0]), TypeName(args[0]))
	}
	return math.Abs(n), nil
}

func stringFn(name string, fn func(string) string) builtinFunc {
	return func(_ *Evaluator, args []any) (any, error) {
		if len(args) != 1 {
			return nil, argCount(name, 1, len(args))
		}
		s, ok := args[0].(string)
		if !ok {
			return nil, errf(CodeBadBuiltinArg, "'%s' needs text but received %s (%s).", name, Preview(args[0]), TypeName(args[0]))
		}
		return fn(s), nil
	}
}

func builtinReplace(_ *Evaluator, args []any) (any, error) {
	if len(args) != 3 {
		return nil, argCount("replace", 3, len(args))
	}
	s, ok1 := args[0].(string)
	old, ok2 := args[1].(string)
	new_, ok3 := args[2].(string)
	if !ok1 || !ok2 || !ok3 {
		return nil, errf(CodeBadBuiltinArg, "'replace' needs three texts (value, search, replacement).")
	}
	return strings.ReplaceAll(s, old, new_), nil
}

func builtinSplit(_ *Evaluator, args []any) (any, error) {
	if len(args) != 2 {
		return nil, argCount("split", 2, len(args))
	}
	s, ok1 := args[0].(string)
	sep, ok2 := args[1].(string)
	if !ok1 || !ok2 {
		return nil, errf(CodeBadBuiltinArg, "'split' needs two texts (value, separator).")
	}
	parts := strings.Split(s, sep)
	out := make([]any, len(parts))
	for i, p := range parts {
		out[i] = p
	}
	return out, nil
}

func builtinJoin(_ *Evaluator, args []any) (any, error) {
	if len(args) != 2 {
		return nil, argCount("join", 2, len(args))
	}
	list, err := wantList("join", args[0])
	if err != nil {
		return nil, err
	}
	sep, ok := args[1].(string)
	if !ok {
		return nil, errf(CodeBadBuiltinArg, "'join' separator must be text but received %s.", Preview(args[1]))
	}
	parts := make([]string, len(list))
	for i, v := range list {
		s, ok := v.(string)
		if !ok {
			return nil, errf(CodeBadBuiltinArg, "'join' needs a list of texts but item %d is %s (%s).", i+1, Preview(v), TypeName(v))
		}
		parts[i] = s
	}
	return strings.Join(parts, sep), nil
}

func builtinAppend(_ *Evaluator, args []any) (any, error) {
	if len(args) != 2 {
		return nil, argCount("append", 2, len(args))
	}
	list, err := wantList("append", args[0])
	if err != nil {
		return nil, err
	}
	out := make([]any, len(list), len(list)+1)
	copy(out, list)
	return append(out, args[1]), nil
}

func builtinRemove(_ *Evaluator, args []any) (any, error) {
	if len(args) != 2 {
		return nil, argCount("remove", 2, len(args))
	}
	list, err := wantList("remove", args[1])
	if err != nil {
		return nil, err
	}
	out := make([]any, 0, len(list))
	removed := false
	for _, v := range list {
		if !removed && Equal(v, args[0]) {
			removed = true
			continue
		}
		out = append(out, v)
	}
	return out, nil
}

func builtinInsert(_ *Evaluator, args []any) (any, error) {
	if len(args) != 3 {
		return nil, argCount("insert", 3, len(args))
	}
	i, ok := AsInt(args[1])
	if !ok {
		return nil, errf(CodeBadBuiltinArg, "'insert' position must be a whole number but received %s.", Preview(args[1]))
	}
	list, err := wantList("insert", args[2])
	if err != nil {
		return nil, err
	}
	if i < 0 || i > len(list) {
		return nil, errf(CodeBadBuiltinArg, "'insert' position %d is out of range: it must be between 0 and %d.", i, len(list))
	}
	out := make([]any, 0, len(list)+1)
	out = append(out, list[:i]...)
	out = append(out, args[0])
	out = append(out, list[i:]...)
	return out, nil
}

var slugNonAlnum = regexp.MustCompile(`[^a-z0-9]+`)

// Slugify lowercases, replaces runs of non-alphanumerics with single hyphens
// and trims leading/trailing hyphens.
func Slugify(s string) string {
	s = strings.ToLower(s)
	s = slugNonAlnum.ReplaceAllString(s, "-")
	return strings.Trim(s, "-")
}

// stableSort is a tiny insertion sort used where the comparator may record an
// error; the standard library's sort cannot abort mid-way.
func stableSort(list []any, less func(a, b any) bool) {
	for i := 1; i < len(list); i++ {
		for j := i; j > 0 && less(list[j], list[j-1]); j-- {
			list[j], list[j-1] = list[j-1], list[j]
		}
	}
}
