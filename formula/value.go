package formula

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"
)

// The formula language operates on a small dynamic value set: nil, bool,
// float64, string, []any, map[string]any and time.Time. Every coercion the
// language performs goes through the explicit functions in this file; nothing
// relies on implicit host-language conversion.

// Num coerces a value to a float64 under the "num" rule: nil, missing,
// empty string, non-numeric string and NaN all become 0; numeric strings
// parse to their value; booleans map to 0/1; timestamps map to epoch
// milliseconds.
func Num(v any) float64 {
	switch x := v.(type) {
	case nil:
		return 0
	case bool:
		if x {
			return 1
		}
		return 0
	case float64:
		if math.IsNaN(x) {
			return 0
		}
		return x
	case float32:
		return Num(float64(x))
	case int:
		return float64(x)
	case int32:
		return float64(x)
	case int64:
		return float64(x)
	case uint:
		return float64(x)
	case uint64:
		return float64(x)
	case string:
		s := strings.TrimSpace(x)
		if s == "" {
			return 0
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil || math.IsNaN(f) {
			return 0
		}
		return f
	case time.Time:
		return float64(x.UnixMilli())
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return 0
		}
		return f
	default:
		return 0
	}
}

// Str coerces a value to its canonical string form: nil becomes "null",
// numbers render as decimal text, NaN renders as "null", booleans as
// "true"/"false", sequences join their canonical elements with ",",
// timestamps use RFC 3339, and maps use their JSON encoding.
func Str(v any) string {
	switch x := v.(type) {
	case nil:
		return "null"
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case float64:
		return formatNumber(x)
	case float32:
		return formatNumber(float64(x))
	case int:
		return strconv.Itoa(x)
	case int32:
		return strconv.FormatInt(int64(x), 10)
	case int64:
		return strconv.FormatInt(x, 10)
	case uint:
		return strconv.FormatUint(uint64(x), 10)
	case uint64:
		return strconv.FormatUint(x, 10)
	case time.Time:
		return x.Format(time.RFC3339)
	case []any:
		parts := make([]string, len(x))
		for i, e := range x {
			parts[i] = Str(e)
		}
		return strings.Join(parts, ",")
	case json.Number:
		return x.String()
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return ""
		}
		return string(b)
	}
}

func formatNumber(f float64) string {
	switch {
	case math.IsNaN(f):
		return "null"
	case math.IsInf(f, 1):
		return "Infinity"
	case math.IsInf(f, -1):
		return "-Infinity"
	default:
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
}

// Truthy applies the language's truth rule: nil, false, 0, NaN and the empty
// string are false; every other value, including empty sequences and maps,
// is true.
func Truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case float64:
		return x != 0 && !math.IsNaN(x)
	case float32:
		return Truthy(float64(x))
	case int:
		return x != 0
	case int32:
		return x != 0
	case int64:
		return x != 0
	case string:
		return x != ""
	case json.Number:
		return Truthy(Num(x))
	default:
		return true
	}
}

// arith is the numeric coercion used by arithmetic operators. Unlike Num it
// preserves NaN and infinities on already-numeric input, so IEEE edge cases
// propagate through an expression instead of being flushed to 0.
func arith(v any) float64 {
	if f, ok := v.(float64); ok {
		return f
	}
	return Num(v)
}

// NormalizeNaN maps a NaN result to nil so that it serializes as null.
// Infinities pass through untouched; Str renders them as "Infinity".
func NormalizeNaN(v any) any {
	if f, ok := v.(float64); ok && math.IsNaN(f) {
		return nil
	}
	return v
}

// isNumber reports whether a value is already numeric (as opposed to a value
// that would merely coerce to a number).
func isNumber(v any) bool {
	switch v.(type) {
	case float64, float32, int, int32, int64, uint, uint64, json.Number:
		return true
	}
	return false
}

// looseEqual implements the language's loose equality: null equals only null,
// two strings compare as strings, and any comparison involving a number runs
// both sides through Num. Everything else falls back to canonical strings.
func looseEqual(l, r any) bool {
	if l == nil && r == nil {
		return true
	}
	if l == nil || r == nil {
		return false
	}
	ls, lok := l.(string)
	rs, rok := r.(string)
	if lok && rok {
		return ls == rs
	}
	if isNumber(l) || isNumber(r) {
		return arith(l) == arith(r)
	}
	return Str(l) == Str(r)
}

// Less reports whether l orders strictly before r under the language's
// natural ordering. Because it is strict, min/max selection that only
// replaces on Less keeps the first occurrence on ties.
func Less(l, r any) bool {
	return looseLess(l, r)
}

// looseLess orders two values: strings compare lexicographically, everything
// else numerically. NaN operands compare false, per IEEE-754.
func looseLess(l, r any) bool {
	ls, lok := l.(string)
	rs, rok := r.(string)
	if lok && rok {
		return ls < rs
	}
	return arith(l) < arith(r)
}
