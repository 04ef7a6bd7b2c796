package record

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/namel3ss/n3flow/expr"
	"github.com/namel3ss/n3flow/ir"
)

// datetime accepts RFC3339 plus the two lenient forms writers actually use.
var datetimeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// coerceField converts raw into the field's declared type. Nil passes through
// untouched; required-ness is checked separately.
func coerceField(rec string, f *ir.FieldDef, raw any) (any, error) {
	if raw == nil {
		return nil, nil
	}
	switch f.Type {
	case ir.FieldString, ir.FieldText:
		return coerceString(rec, f, raw)
	case ir.FieldInt:
		return coerceInt(rec, f, raw)
	case ir.FieldFloat:
		return coerceFloat(rec, f, raw)
	case ir.FieldBool:
		return coerceBool(rec, f, raw)
	case ir.FieldUUID:
		return coerceUUID(rec, f, raw)
	case ir.FieldDatetime:
		return coerceDatetime(rec, f, raw)
	case ir.FieldDecimal:
		return coerceDecimal(rec, f, raw)
	case ir.FieldArray:
		return coerceArray(rec, f, raw)
	case ir.FieldJSON:
		return coerceJSON(rec, f, raw)
	default:
		return raw, nil
	}
}

func coerceString(rec string, f *ir.FieldDef, raw any) (any, error) {
	switch v := raw.(type) {
	case string:
		return v, nil
	case int:
		return strconv.Itoa(v), nil
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	case bool:
		return strconv.FormatBool(v), nil
	default:
		return nil, coerceErr(rec, f, raw, "text")
	}
}

func coerceInt(rec string, f *ir.FieldDef, raw any) (any, error) {
	switch v := raw.(type) {
	case int:
		return v, nil
	case float64:
		if v == float64(int(v)) {
			return int(v), nil
		}
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n, nil
		}
	}
	return nil, coerceErr(rec, f, raw, "a whole number")
}

func coerceFloat(rec string, f *ir.FieldDef, raw any) (any, error) {
	switch v := raw.(type) {
	case float64:
		return v, nil
	case int:
		return float64(v), nil
	case decimal.Decimal:
		fl, _ := v.Float64()
		return fl, nil
	case string:
		if fl, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			return fl, nil
		}
	}
	return nil, coerceErr(rec, f, raw, "a number")
}

func coerceBool(rec string, f *ir.FieldDef, raw any) (any, error) {
	switch v := raw.(type) {
	case bool:
		return v, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "true":
			return true, nil
		case "false":
			return false, nil
		}
	}
	return nil, coerceErr(rec, f, raw, "true or false")
}

func coerceUUID(rec string, f *ir.FieldDef, raw any) (any, error) {
	switch v := raw.(type) {
	case uuid.UUID:
		return v.String(), nil
	case string:
		if id, err := uuid.Parse(v); err == nil {
			return id.String(), nil
		}
	}
	return nil, coerceErr(rec, f, raw, "a UUID")
}

func coerceDatetime(rec string, f *ir.FieldDef, raw any) (any, error) {
	switch v := raw.(type) {
	case time.Time:
		return v, nil
	case string:
		for _, layout := range datetimeLayouts {
			if ts, err := time.Parse(layout, strings.TrimSpace(v)); err == nil {
				return ts, nil
			}
		}
	}
	return nil, coerceErr(rec, f, raw, "a date or timestamp")
}

func coerceDecimal(rec string, f *ir.FieldDef, raw any) (any, error) {
	switch v := raw.(type) {
	case decimal.Decimal:
		return v, nil
	case int:
		return decimal.NewFromInt(int64(v)), nil
	case float64:
		return decimal.NewFromFloat(v), nil
	case string:
		if d, err := decimal.NewFromString(strings.TrimSpace(v)); err == nil {
			return d, nil
		}
	}
	return nil, coerceErr(rec, f, raw, "a decimal number")
}

func coerceArray(rec string, f *ir.FieldDef, raw any) (any, error) {
	if list, ok := expr.AsList(raw); ok {
		return list, nil
	}
	if s, ok := raw.(string); ok {
		var parsed []any
		if err := json.Unmarshal([]byte(s), &parsed); err == nil {
			return parsed, nil
		}
	}
	return nil, coerceErr(rec, f, raw, "a list")
}

func coerceJSON(rec string, f *ir.FieldDef, raw any) (any, error) {
	switch v := raw.(type) {
	case map[string]any, []any:
		return v, nil
	case string:
		var parsed any
		if err := json.Unmarshal([]byte(v), &parsed); err == nil {
			return parsed, nil
		}
	}
	return nil, coerceErr(rec, f, raw, "JSON")
}

func coerceErr(rec string, f *ir.FieldDef, raw any, want string) error {
	return errf(CodeCoercion, rec, f.Name,
		"The field '%s' on %s expects %s but received %s (%s).",
		f.Name, rec, want, expr.Preview(raw), expr.TypeName(raw))
}

// validateField runs enum, bounds, length and pattern checks on an already
// coerced value. Nil values skip validation.
func validateField(rec string, f *ir.FieldDef, v any) error {
	if v == nil {
		return nil
	}
	if len(f.EnumValues) > 0 {
		s := fmt.Sprintf("%v", v)
		found := false
		for _, allowed := range f.EnumValues {
			if s == allowed {
				found = true
				break
			}
		}
		if !found {
			return errf(CodeValidation, rec, f.Name,
				"The field '%s' on %s must be one of %s but received %s.",
				f.Name, rec, strings.Join(f.EnumValues, ", "), expr.Preview(v))
		}
	}
	if f.Min != nil || f.Max != nil {
		n, ok := expr.AsNumber(v)
		if !ok {
			if d, isDec := v.(decimal.Decimal); isDec {
				n, _ = d.Float64()
				ok = true
			}
		}
		if ok {
			if f.Min != nil && n < *f.Min {
				return errf(CodeValidation, rec, f.Name,
					"The field '%s' on %s must be at least %v but received %v.",
					f.Name, rec, *f.Min, v)
			}
			if f.Max != nil && n > *f.Max {
				return errf(CodeValidation, rec, f.Name,
					"The field '%s' on %s must be at most %v but received %v.",
					f.Name, rec, *f.Max, v)
			}
		}
	}
	if s, ok := v.(string); ok {
		if f.MinLength != nil && len(s) < *f.MinLength {
			return errf(CodeValidation, rec, f.Name,
				"The field '%s' on %s must be at least %d characters long.",
				f.Name, rec, *f.MinLength)
		}
		if f.MaxLength != nil && len(s) > *f.MaxLength {
			return errf(CodeValidation, rec, f.Name,
				"The field '%s' on %s must be at most %d characters long.",
				f.Name, rec, *f.MaxLength)
		}
		if f.Pattern != "" {
			re, err := regexp.Compile(f.Pattern)
			if err != nil {
				return errf(CodeValidation, rec, f.Name,
					"The field '%s' on %s has an invalid pattern: %v.", f.Name, rec, err)
			}
			if !re.MatchString(s) {
				return errf(CodeValidation, rec, f.Name,
					"The field '%s' on %s does not match the required format.",
					f.Name, rec)
			}
		}
	}
	return nil
}
