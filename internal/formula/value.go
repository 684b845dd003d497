package formula

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Value is the result of evaluating a formula: nil, float64, string, bool or time.Time.
// Lists ([]any) occur during evaluation but are never returned.
type Value = any

// normalize maps caller supplied property values onto the evaluator's value set.
func normalize(v any) any {
	switch x := v.(type) {
	case nil, float64, string, bool, time.Time:
		return x
	case *time.Time:
		if x == nil {
			return nil
		}
		return *x
	case int:
		return float64(x)
	case int32:
		return float64(x)
	case int64:
		return float64(x)
	case float32:
		return float64(x)
	case uint:
		return float64(x)
	case uint32:
		return float64(x)
	case uint64:
		return float64(x)
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return x.String()
		}
		return f
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			out[i] = normalize(item)
		}
		return out
	case []string:
		out := make([]any, len(x))
		for i, item := range x {
			out[i] = item
		}
		return out
	case []float64:
		out := make([]any, len(x))
		for i, item := range x {
			out[i] = item
		}
		return out
	default:
		return x
	}
}

// toNumber follows JavaScript's Number(): nil is 0, booleans are 0 or 1, blank text is 0,
// unparseable text is NaN, dates are milliseconds since the epoch.
func toNumber(v any) float64 {
	switch x := v.(type) {
	case nil:
		return 0
	case float64:
		return x
	case bool:
		if x {
			return 1
		}
		return 0
	case string:
		return parseNumber(x)
	case time.Time:
		return float64(x.UnixMilli())
	case []any:
		switch len(x) {
		case 0:
			return 0
		case 1:
			return toNumber(x[0])
		}
		return math.NaN()
	default:
		return math.NaN()
	}
}

func parseNumber(s string) float64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	switch s {
	case "Infinity", "+Infinity":
		return math.Inf(1)
	case "-Infinity":
		return math.Inf(-1)
	}
	lower := strings.ToLower(s)
	if strings.Contains(lower, "inf") || strings.Contains(lower, "nan") || strings.Contains(s, "_") {
		return math.NaN()
	}
	if strings.HasPrefix(lower, "0x") {
		n, err := strconv.ParseUint(s[2:], 16, 64)
		if err != nil {
			return math.NaN()
		}
		return float64(n)
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return math.NaN()
	}
	return f
}

// toText follows JavaScript's String().
func toText(v any) string {
	switch x := v.(type) {
	case nil:
		return "null"
	case string:
		return x
	case float64:
		return formatNumber(x)
	case bool:
		if x {
			return "true"
		}
		return "false"
	case time.Time:
		return x.Format(time.RFC3339)
	case []any:
		parts := make([]string, len(x))
		for i, item := range x {
			if item == nil {
				continue
			}
			parts[i] = toText(item)
		}
		return strings.Join(parts, ",")
	case map[string]any:
		return "[object Object]"
	default:
		return fmt.Sprint(x)
	}
}

// textOrEmpty is String(v || ''): falsy values become the empty string.
func textOrEmpty(v any) string {
	if !truthy(v) {
		return ""
	}
	return toText(v)
}

func formatNumber(f float64) string {
	switch {
	case math.IsNaN(f):
		return "NaN"
	case math.IsInf(f, 1):
		return "Infinity"
	case math.IsInf(f, -1):
		return "-Infinity"
	case f == 0:
		return "0"
	}
	abs := math.Abs(f)
	if abs >= 1e21 || abs < 1e-6 {
		s := strconv.FormatFloat(f, 'e', -1, 64)
		mantissa, exp, _ := strings.Cut(s, "e")
		sign := exp[:1]
		digits := strings.TrimLeft(exp[1:], "0")
		return mantissa + "e" + sign + digits
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case float64:
		return x != 0 && !math.IsNaN(x)
	case string:
		return x != ""
	default:
		return true
	}
}

// looseEqual follows JavaScript's == for the value set the evaluator produces. Two dates are
// equal when they denote the same instant.
func looseEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	switch x := a.(type) {
	case float64:
		switch y := b.(type) {
		case float64:
			return x == y
		case string, bool:
			return x == toNumber(y)
		case time.Time:
			return x == toNumber(y)
		case []any:
			return looseEqual(x, toText(y))
		}
	case string:
		switch y := b.(type) {
		case string:
			return x == y
		case float64, bool:
			return toNumber(x) == toNumber(y)
		case time.Time:
			return x == toText(y)
		case []any:
			return x == toText(y)
		}
	case bool:
		return looseEqual(toNumber(x), b)
	case time.Time:
		switch y := b.(type) {
		case time.Time:
			return x.Equal(y)
		case bool:
			return toNumber(x) == toNumber(y)
		case []any:
			return toText(x) == toText(y)
		default:
			return looseEqual(y, x)
		}
	case []any:
		if _, ok := b.([]any); ok {
			return false
		}
		return looseEqual(b, a)
	}
	return false
}

func isList(v any) bool {
	_, ok := v.([]any)
	return ok
}

// ToNumber coerces a stored property value the way formula arithmetic does.
func ToNumber(v any) float64 {
	return toNumber(normalize(v))
}

// ToText renders a stored property value the way concat does.
func ToText(v any) string {
	return toText(normalize(v))
}
