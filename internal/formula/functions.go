package formula

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strings"
	"unicode/utf8"
)

type builtin func(ev *evaluator, args []node) (any, error)

// builtins is the entire namespace reachable from a formula. It is filled in init to break
// the reference cycle with the evaluator.
var builtins map[string]builtin

func init() {
	builtins = map[string]builtin{
		"prop": eager(1, fnProp),

		"sum":   eager(0, fnSum),
		"avg":   eager(0, fnAvg),
		"min":   eager(0, fnMin),
		"max":   eager(0, fnMax),
		"round": eager(1, fnRound),
		"ceil":  numeric1(math.Ceil),
		"floor": numeric1(math.Floor),
		"abs":   numeric1(math.Abs),
		"sqrt":  numeric1(math.Sqrt),
		"pow":   eager(2, fnPow),

		"concat":   eager(0, fnConcat),
		"length":   eager(1, fnLength),
		"upper":    eager(1, fnUpper),
		"lower":    eager(1, fnLower),
		"replace":  eager(3, fnReplace),
		"contains": eager(2, fnContains),
		"slice":    eager(2, fnSlice),

		"now":         eager(0, fnNow),
		"today":       eager(0, fnToday),
		"dateAdd":     eager(2, fnDateAdd),
		"dateBetween": eager(2, fnDateBetween),
		"formatDate":  eager(1, fnFormatDate),

		"if":    fnIf,
		"and":   eager(0, fnAnd),
		"or":    eager(0, fnOr),
		"not":   eager(1, fnNot),
		"empty": eager(1, fnEmpty),

		"equal":     eager(2, fnEqual),
		"unequal":   eager(2, fnUnequal),
		"larger":    compare(func(a, b float64) bool { return a > b }),
		"largerEq":  compare(func(a, b float64) bool { return a >= b }),
		"smaller":   compare(func(a, b float64) bool { return a < b }),
		"smallerEq": compare(func(a, b float64) bool { return a <= b }),
	}
}

// Functions lists the callable names, for tooling.
func Functions() []string {
	names := make([]string, 0, len(builtins))
	for name := range builtins {
		names = append(names, name)
	}
	return names
}

// eager evaluates every argument before calling fn and enforces a minimum arity.
func eager(minArgs int, fn func(ev *evaluator, args []any) (any, error)) builtin {
	return func(ev *evaluator, nodes []node) (any, error) {
		if len(nodes) < minArgs {
			return nil, fmt.Errorf("expected at least %d arguments, got %d", minArgs, len(nodes))
		}
		args := make([]any, len(nodes))
		for i, n := range nodes {
			v, err := ev.eval(n)
			if err != nil {
				return nil, err
			}
			args[i] = v
		}
		return fn(ev, args)
	}
}

func numeric1(fn func(float64) float64) builtin {
	return eager(1, func(_ *evaluator, args []any) (any, error) {
		return fn(toNumber(args[0])), nil
	})
}

func compare(fn func(a, b float64) bool) builtin {
	return eager(2, func(_ *evaluator, args []any) (any, error) {
		return fn(toNumber(args[0]), toNumber(args[1])), nil
	})
}

func arg(args []any, i int) any {
	if i < len(args) {
		return args[i]
	}
	return nil
}

// fnProp reads a property by name. Missing and null properties read as 0.
func fnProp(ev *evaluator, args []any) (any, error) {
	v, ok := ev.props[toText(args[0])]
	if !ok || v == nil {
		return float64(0), nil
	}
	return v, nil
}

func flatten(args []any) []float64 {
	var out []float64
	for _, a := range args {
		if list, ok := a.([]any); ok {
			out = append(out, flatten(list)...)
			continue
		}
		out = append(out, toNumber(a))
	}
	return out
}

func fnSum(_ *evaluator, args []any) (any, error) {
	total := 0.0
	for _, n := range flatten(args) {
		total += n
	}
	return total, nil
}

func fnAvg(_ *evaluator, args []any) (any, error) {
	nums := flatten(args)
	if len(nums) == 0 {
		return float64(0), nil
	}
	total := 0.0
	for _, n := range nums {
		total += n
	}
	return total / float64(len(nums)), nil
}

func fnMin(_ *evaluator, args []any) (any, error) {
	result := math.Inf(1)
	for _, n := range flatten(args) {
		if math.IsNaN(n) {
			return math.NaN(), nil
		}
		result = math.Min(result, n)
	}
	return result, nil
}

func fnMax(_ *evaluator, args []any) (any, error) {
	result := math.Inf(-1)
	for _, n := range flatten(args) {
		if math.IsNaN(n) {
			return math.NaN(), nil
		}
		result = math.Max(result, n)
	}
	return result, nil
}

// fnRound rounds half away from zero. Non-numeric input rounds to 0.
func fnRound(_ *evaluator, args []any) (any, error) {
	num, ok := args[0].(float64)
	if !ok {
		return float64(0), nil
	}
	decimals := 0.0
	if len(args) > 1 {
		decimals = math.Trunc(toNumber(args[1]))
	}
	return roundHalfAway(num, decimals), nil
}

func roundHalfAway(num, decimals float64) float64 {
	if math.IsNaN(num) || math.IsInf(num, 0) || math.IsNaN(decimals) {
		return num
	}
	factor := math.Pow(10, decimals)
	scaled := num * factor
	// absorb the binary error of the scaling so 2.345 scales to 234.5, not 234.49999999999997
	scaled += math.Copysign(math.Abs(scaled)*1e-12, scaled)
	return math.Round(scaled) / factor
}

func fnPow(_ *evaluator, args []any) (any, error) {
	return math.Pow(toNumber(args[0]), toNumber(args[1])), nil
}

func fnConcat(_ *evaluator, args []any) (any, error) {
	var b strings.Builder
	for _, a := range args {
		b.WriteString(toText(a))
		if b.Len() > maxTextBytes {
			return nil, errTooLarge
		}
	}
	return b.String(), nil
}

func fnLength(_ *evaluator, args []any) (any, error) {
	return float64(utf8.RuneCountInString(textOrEmpty(args[0]))), nil
}

func fnUpper(_ *evaluator, args []any) (any, error) {
	return strings.ToUpper(textOrEmpty(args[0])), nil
}

func fnLower(_ *evaluator, args []any) (any, error) {
	return strings.ToLower(textOrEmpty(args[0])), nil
}

// fnReplace substitutes every match of the search pattern.
func fnReplace(_ *evaluator, args []any) (any, error) {
	re, err := regexp.Compile(toText(args[1]))
	if err != nil {
		return nil, fmt.Errorf("replace: invalid pattern: %w", err)
	}
	out := re.ReplaceAllString(textOrEmpty(args[0]), expandTemplate(toText(args[2])))
	if len(out) > maxTextBytes {
		return nil, errTooLarge
	}
	return out, nil
}

// expandTemplate rewrites $&, $n and $$ replacement references into regexp syntax and escapes
// every other dollar sign.
func expandTemplate(repl string) string {
	var b strings.Builder
	for i := 0; i < len(repl); i++ {
		c := repl[i]
		if c != '$' {
			b.WriteByte(c)
			continue
		}
		if i+1 >= len(repl) {
			b.WriteString("$$")
			continue
		}
		next := repl[i+1]
		switch {
		case next == '$':
			b.WriteString("$$")
			i++
		case next == '&':
			b.WriteString("${0}")
			i++
		case next >= '0' && next <= '9':
			j := i + 1
			for j < len(repl) && j < i+3 && repl[j] >= '0' && repl[j] <= '9' {
				j++
			}
			b.WriteString("${" + repl[i+1:j] + "}")
			i = j - 1
		default:
			b.WriteString("$$")
		}
	}
	return b.String()
}

func fnContains(_ *evaluator, args []any) (any, error) {
	return strings.Contains(textOrEmpty(args[0]), toText(args[1])), nil
}

// fnSlice takes characters [start, end) with negative positions counted from the end.
func fnSlice(_ *evaluator, args []any) (any, error) {
	runes := []rune(textOrEmpty(args[0]))
	n := len(runes)
	start := sliceIndex(toNumber(args[1]), n)
	end := n
	if len(args) > 2 && args[2] != nil {
		end = sliceIndex(toNumber(args[2]), n)
	}
	if start >= end {
		return "", nil
	}
	return string(runes[start:end]), nil
}

func sliceIndex(f float64, n int) int {
	if math.IsNaN(f) {
		return 0
	}
	f = math.Trunc(f)
	if f < 0 {
		f += float64(n)
		if f < 0 {
			return 0
		}
	}
	if f > float64(n) {
		return n
	}
	return int(f)
}

func fnNow(ev *evaluator, _ []any) (any, error) {
	return ev.now, nil
}

func fnToday(ev *evaluator, _ []any) (any, error) {
	return startOfDay(ev.now), nil
}

// fnDateAdd falls back to now when the date is missing or unreadable.
func fnDateAdd(ev *evaluator, args []any) (any, error) {
	if !truthy(args[0]) {
		return ev.now, nil
	}
	date, ok := parseDate(args[0], ev.engine.location())
	if !ok {
		return ev.now, nil
	}
	amount := toNumber(args[1])
	if math.IsNaN(amount) || math.IsInf(amount, 0) {
		return nil, errors.New("dateAdd: amount is not a number")
	}
	unit := "days"
	if u := arg(args, 2); u != nil {
		unit = toText(u)
	}
	return addToDate(date, int(math.Trunc(amount)), unit, ev.engine.opts.CalendarDates), nil
}

// fnDateBetween is 0 when either date is missing or unreadable.
func fnDateBetween(ev *evaluator, args []any) (any, error) {
	if !truthy(args[0]) || !truthy(args[1]) {
		return float64(0), nil
	}
	start, ok := parseDate(args[0], ev.engine.location())
	if !ok {
		return float64(0), nil
	}
	end, ok := parseDate(args[1], ev.engine.location())
	if !ok {
		return float64(0), nil
	}
	unit := "days"
	if u := arg(args, 2); u != nil {
		unit = toText(u)
	}
	return dateDifference(start, end, unit), nil
}

func fnFormatDate(ev *evaluator, args []any) (any, error) {
	if !truthy(args[0]) {
		return "", nil
	}
	date, ok := parseDate(args[0], ev.engine.location())
	if !ok {
		return "", nil
	}
	pattern := defaultDatePattern
	if p := arg(args, 1); p != nil {
		pattern = toText(p)
	}
	return formatDate(date, pattern)
}

// fnIf evaluates only the selected branch.
func fnIf(ev *evaluator, nodes []node) (any, error) {
	if len(nodes) < 2 {
		return nil, fmt.Errorf("if expects a condition and at least one branch")
	}
	cond, err := ev.eval(nodes[0])
	if err != nil {
		return nil, err
	}
	if truthy(cond) {
		return ev.eval(nodes[1])
	}
	if len(nodes) < 3 {
		return nil, nil
	}
	return ev.eval(nodes[2])
}

func fnAnd(_ *evaluator, args []any) (any, error) {
	for _, a := range args {
		if !truthy(a) {
			return false, nil
		}
	}
	return true, nil
}

func fnOr(_ *evaluator, args []any) (any, error) {
	for _, a := range args {
		if truthy(a) {
			return true, nil
		}
	}
	return false, nil
}

func fnNot(_ *evaluator, args []any) (any, error) {
	return !truthy(args[0]), nil
}

func fnEmpty(_ *evaluator, args []any) (any, error) {
	switch x := args[0].(type) {
	case nil:
		return true, nil
	case string:
		return x == "", nil
	case []any:
		return len(x) == 0, nil
	default:
		return false, nil
	}
}

func fnEqual(_ *evaluator, args []any) (any, error) {
	return looseEqual(args[0], args[1]), nil
}

func fnUnequal(_ *evaluator, args []any) (any, error) {
	return !looseEqual(args[0], args[1]), nil
}
