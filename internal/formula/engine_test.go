package formula

import (
	"math"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2026, 3, 15, 14, 30, 0, 0, time.UTC)

func testEngine(opts ...func(*Options)) (*Engine, *[]Failure) {
	var failures []Failure
	o := DefaultOptions()
	o.Now = func() time.Time { return fixedNow }
	o.Reporter = ReporterFunc(func(f Failure) { failures = append(failures, f) })
	for _, fn := range opts {
		fn(&o)
	}
	return New(o), &failures
}

func TestEvaluateDocumentedExamples(t *testing.T) {
	e, _ := testEngine()
	assert.Nil(t, e.Evaluate("1/0", nil))
	assert.Equal(t, float64(1), e.Evaluate("prop('missing') + 1", nil))
	assert.Equal(t, 2.35, e.Evaluate("round(2.345, 2)", nil))
	assert.Equal(t, float64(6), e.Evaluate("sum(1,2,3)", nil))
	assert.Equal(t, "3", FormatResult(float64(3)))
	assert.Equal(t, "3.50", FormatResult(3.5))
}

func TestEvaluateBlankFormula(t *testing.T) {
	e, failures := testEngine()
	assert.Nil(t, e.Evaluate("", nil))
	assert.Nil(t, e.Evaluate("   ", nil))
	assert.Empty(t, *failures)
}

func TestEvaluateArithmetic(t *testing.T) {
	e, _ := testEngine()
	cases := map[string]any{
		"1 + 2 * 3":        float64(7),
		"(1 + 2) * 3":      float64(9),
		"2 ^ 3 ^ 2":        float64(512),
		"-2 ^ 2":           float64(-4),
		"2 ^ -1":           0.5,
		"7 % 3":            float64(1),
		"-7 mod 3":         float64(2),
		"10 / 4":           2.5,
		"'2' + '3'":        float64(5),
		"true + 1":         float64(2),
		"null + 1":         float64(1),
		"1 < 2":            true,
		"2 >= 3":           false,
		"1 == '1'":         true,
		"1 != 2":           true,
		"true and false":   false,
		"true && 1":        true,
		"0 or ''":          false,
		"not true":         false,
		"!0":               true,
		"1 > 0 ? 'a' : 'b'": "a",
		"0 ? 1 : 0 ? 2 : 3": float64(3),
		"pi > 3.14":        true,
		"e < 3":            true,
		"1.5e2":            float64(150),
	}
	for formula, want := range cases {
		t.Run(formula, func(t *testing.T) {
			assert.Equal(t, want, e.Evaluate(formula, nil))
		})
	}
}

func TestEvaluateProperties(t *testing.T) {
	e, _ := testEngine()
	props := map[string]any{
		"Price":    19.99,
		"Quantity": 3,
		"Name":     "Widget",
		"Done":     true,
		"Tags":     []any{"a", "b"},
		"Empty":    nil,
		"Scores":   []any{float64(1), float64(2), float64(3)},
	}
	assert.Equal(t, 59.97, e.Evaluate("round(prop('Price') * prop('Quantity'), 2)", props))
	assert.Equal(t, "WIDGET", e.Evaluate(`upper(prop("Name"))`, props))
	assert.Equal(t, float64(0), e.Evaluate("prop('Empty')", props))
	assert.Equal(t, "yes", e.Evaluate("if(prop('Done'), 'yes', 'no')", props))
	assert.Equal(t, float64(6), e.Evaluate("sum(prop('Scores'))", props))
	assert.Equal(t, float64(2), e.Evaluate("avg(prop('Scores'))", props))
	assert.Equal(t, float64(3), e.Evaluate("max(prop('Scores'), 1)", props))
	assert.Equal(t, false, e.Evaluate("empty(prop('Tags'))", props))
	assert.Equal(t, "a,b", e.Evaluate("concat(prop('Tags'))", props))
}

func TestMathFunctions(t *testing.T) {
	e, _ := testEngine()
	cases := map[string]any{
		"avg()":              float64(0),
		"avg(1, 2)":          1.5,
		"min(3, 1, 2)":       float64(1),
		"max('4', 2)":        float64(4),
		"round(2.5)":         float64(3),
		"round(-2.5)":        float64(-3),
		"round(1.005, 2)":    1.01,
		"round('2.5')":       float64(0),
		"round(1234, -2)":    float64(1200),
		"ceil(1.2)":          float64(2),
		"floor(-1.2)":        float64(-2),
		"abs(-3)":            float64(3),
		"sqrt(16)":           float64(4),
		"pow(2, 10)":         float64(1024),
		"sum()":              float64(0),
		"sum([1, 2], [3])":   float64(6),
	}
	for formula, want := range cases {
		t.Run(formula, func(t *testing.T) {
			assert.Equal(t, want, e.Evaluate(formula, nil))
		})
	}
}

func TestTextFunctions(t *testing.T) {
	e, _ := testEngine()
	cases := map[string]any{
		"concat('a', 1, true, null)":               "a1truenull",
		"length('héllo')":                          float64(5),
		"length(0)":                                float64(0),
		"upper(prop('missing'))":                   "",
		"lower('MiXeD')":                           "mixed",
		"replace('a-b-c', '-', '+')":               "a+b+c",
		"replace('2026-03-15', '(\\\\d+)-(\\\\d+)-(\\\\d+)', '$3/$2/$1')": "15/03/2026",
		"replace('cost', 'cost', '$$5')":           "$5",
		"replace('ab', 'b', '[$&]')":               "a[b]",
		"contains('hello world', 'world')":         true,
		"contains('hello', 'xyz')":                 false,
		"slice('abcdef', 1, 3)":                    "bc",
		"slice('abcdef', -2)":                      "ef",
		"slice('abcdef', 4, 2)":                    "",
		"slice('abcdef', 2)":                       "cdef",
	}
	for formula, want := range cases {
		t.Run(formula, func(t *testing.T) {
			assert.Equal(t, want, e.Evaluate(formula, nil))
		})
	}
}

func TestLogicAndComparison(t *testing.T) {
	e, _ := testEngine()
	cases := map[string]any{
		"and(1, 'x', true)":    true,
		"and(1, 0)":            false,
		"and()":                true,
		"or(0, '', null)":      false,
		"or(0, 'x')":           true,
		"not('')":              true,
		"empty('')":            true,
		"empty([])":            true,
		"empty(0)":             false,
		"empty(null)":          true,
		"equal(1, '1')":        true,
		"equal('a', 'a')":      true,
		"equal(null, 0)":       false,
		"equal(true, 1)":       true,
		"unequal(1, 2)":        true,
		"larger('10', 9)":      true,
		"largerEq(2, 2)":       true,
		"smaller('a', 1)":      false,
		"smallerEq(1, 2)":      true,
		"if(false, 1/0, 'ok')": "ok",
		"if(false, 1)":         nil,
	}
	for formula, want := range cases {
		t.Run(formula, func(t *testing.T) {
			assert.Equal(t, want, e.Evaluate(formula, nil))
		})
	}
}

func TestDateFunctions(t *testing.T) {
	e, _ := testEngine()

	assert.Equal(t, fixedNow, e.Evaluate("now()", nil))
	assert.Equal(t, time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC), e.Evaluate("today()", nil))

	assert.Equal(t, time.Date(2026, 1, 11, 0, 0, 0, 0, time.UTC), e.Evaluate("dateAdd('2026-01-01', 10, 'days')", nil))
	assert.Equal(t, time.Date(2026, 1, 31, 0, 0, 0, 0, time.UTC), e.Evaluate("dateAdd('2026-01-01', 1, 'months')", nil))
	assert.Equal(t, time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC), e.Evaluate("dateAdd('2026-01-01', 1, 'years')", nil))
	assert.Equal(t, time.Date(2026, 1, 3, 0, 0, 0, 0, time.UTC), e.Evaluate("dateAdd('2026-01-01', 2.9)", nil))
	assert.Equal(t, fixedNow, e.Evaluate("dateAdd('not a date', 3, 'days')", nil))
	assert.Equal(t, fixedNow, e.Evaluate("dateAdd(prop('missing'), 3)", nil))
	assert.Equal(t, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), e.Evaluate("dateAdd('2026-01-01', 3, 'weeks')", nil))

	assert.Equal(t, float64(14), e.Evaluate("dateBetween('2026-01-01', '2026-01-15', 'days')", nil))
	assert.Equal(t, float64(-14), e.Evaluate("dateBetween('2026-01-15', '2026-01-01')", nil))
	assert.Equal(t, float64(1), e.Evaluate("dateBetween('2026-01-31', '2026-03-15', 'months')", nil))
	assert.Equal(t, float64(-1), e.Evaluate("dateBetween('2026-03-15', '2026-01-31', 'months')", nil))
	assert.Equal(t, float64(2), e.Evaluate("dateBetween('2024-02-29', '2026-03-01', 'years')", nil))
	assert.Equal(t, float64(0), e.Evaluate("dateBetween('garbage', '2026-01-01', 'days')", nil))
	assert.Equal(t, float64(0), e.Evaluate("dateBetween('', '2026-01-01')", nil))

	assert.Equal(t, "2026-03-15", e.Evaluate("formatDate(now())", nil))
	assert.Equal(t, "Sunday, March 15 2026 at 02:30 PM", e.Evaluate("formatDate(now(), \"EEEE, MMMM d yyyy 'at' hh:mm a\")", nil))
	assert.Equal(t, "15/03/26", e.Evaluate("formatDate('2026-03-15T10:00:00Z', 'dd/MM/yy')", nil))
	assert.Equal(t, "", e.Evaluate("formatDate('nope')", nil))
	assert.Equal(t, "", e.Evaluate("formatDate(0)", nil))
	assert.Nil(t, e.Evaluate("formatDate(now(), 'yyyy-LL')", nil))
}

func TestCalendarDateArithmetic(t *testing.T) {
	e, _ := testEngine(func(o *Options) { o.CalendarDates = true })
	assert.Equal(t, time.Date(2026, 2, 28, 0, 0, 0, 0, time.UTC), e.Evaluate("dateAdd('2026-01-31', 1, 'months')", nil))
	assert.Equal(t, time.Date(2025, 2, 28, 0, 0, 0, 0, time.UTC), e.Evaluate("dateAdd('2024-02-29', 1, 'years')", nil))
	assert.Equal(t, time.Date(2025, 12, 15, 0, 0, 0, 0, time.UTC), e.Evaluate("dateAdd('2026-03-15', -3, 'months')", nil))
}

func TestTodayUsesConfiguredLocation(t *testing.T) {
	tokyo := time.FixedZone("JST", 9*3600)
	e, _ := testEngine(func(o *Options) {
		o.Location = tokyo
		o.Now = func() time.Time { return time.Date(2026, 3, 15, 20, 0, 0, 0, time.UTC) }
	})
	today, ok := e.Evaluate("today()", nil).(time.Time)
	require.True(t, ok)
	assert.Equal(t, "2026-03-16", today.Format("2006-01-02"))
}

func TestFailuresReturnNilAndReport(t *testing.T) {
	cases := []struct {
		formula string
		reason  string
	}{
		{"1/0", ReasonNonFinite},
		{"0/0", ReasonNonFinite},
		{"min()", ReasonNonFinite},
		{"sqrt(-1)", ReasonNonFinite},
		{"1 +", ReasonSyntax},
		{"(1", ReasonSyntax},
		{"'open", ReasonSyntax},
		{"1 # 2", ReasonSyntax},
		{"unknownFn(1)", ReasonRuntime},
		{"someVariable", ReasonRuntime},
		{"sum", ReasonRuntime},
		{"'abc' * 2", ReasonRuntime},
		{"now() + 1", ReasonRuntime},
		{"replace('a', '(', 'b')", ReasonRuntime},
		{"[1, 2]", ReasonUnsupportedResult},
		{"prop('Tags')", ReasonUnsupportedResult},
	}
	for _, tc := range cases {
		t.Run(tc.formula, func(t *testing.T) {
			e, failures := testEngine()
			props := map[string]any{"Tags": []any{"x"}, "Secret": "hunter2"}
			assert.Nil(t, e.Evaluate(tc.formula, props))
			require.Len(t, *failures, 1)
			f := (*failures)[0]
			assert.Equal(t, tc.reason, f.Reason)
			assert.Equal(t, tc.formula, f.Formula)
			assert.Equal(t, []string{"Secret", "Tags"}, f.PropertyKeys)
			assert.NotContains(t, f.Err.Error(), "hunter2")
		})
	}
}

func TestSandboxDoesNotExposeHostFunctions(t *testing.T) {
	e, _ := testEngine()
	for _, formula := range []string{"import('os')", "eval('1')", "constructor", "prop.constructor", "this"} {
		assert.Nil(t, e.Evaluate(formula, nil), formula)
	}
}

func TestBoundsOnPathologicalFormulas(t *testing.T) {
	e, failures := testEngine(func(o *Options) { o.MaxLength = 64 })
	assert.Nil(t, e.Evaluate(strings.Repeat("1+", 40)+"1", nil))
	require.Len(t, *failures, 1)
	assert.Equal(t, ReasonTooLong, (*failures)[0].Reason)

	e, failures = testEngine()
	deep := strings.Repeat("(", 100) + "1" + strings.Repeat(")", 100)
	assert.Nil(t, e.Evaluate(deep, nil))
	require.Len(t, *failures, 1)
	assert.Equal(t, ReasonTooComplex, (*failures)[0].Reason)

	e, failures = testEngine(func(o *Options) { o.MaxSteps = 50 })
	nested := "concat('x', "
	formula := strings.Repeat(nested, 20) + "'y'" + strings.Repeat(")", 20)
	assert.Equal(t, strings.Repeat("x", 20)+"y", e.Evaluate(formula, nil))
	doubled := "1"
	for i := 0; i < 8; i++ {
		doubled = "sum(" + doubled + "," + doubled + ")"
	}
	assert.Nil(t, e.Evaluate(doubled, nil))
	require.Len(t, *failures, 1)
	assert.Equal(t, ReasonTooComplex, (*failures)[0].Reason)
}

func TestRunReportsCause(t *testing.T) {
	e, failures := testEngine()
	_, err := e.Run("1 +", nil)
	var fe *Error
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, ReasonSyntax, fe.Reason)
	assert.Empty(t, *failures)

	assert.NoError(t, e.Check("round(prop('a'), 2)"))
	assert.Error(t, e.Check("round(prop('a'), 2"))
}

func TestPackageEvaluate(t *testing.T) {
	assert.Equal(t, float64(6), Evaluate("sum(1,2,3)", nil))
	assert.Nil(t, Evaluate("nonsense(", nil))
}

func TestFormatResult(t *testing.T) {
	cases := []struct {
		value any
		want  string
	}{
		{nil, ""},
		{true, "Yes"},
		{false, "No"},
		{float64(3), "3"},
		{3.5, "3.50"},
		{2.345, "2.35"},
		{-0.125, "-0.13"},
		{float64(1e21), "1e+21"},
		{42, "42"},
		{"text", "text"},
		{time.Date(2026, 3, 15, 23, 0, 0, 0, time.UTC), "2026-03-15"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, FormatResult(tc.value), "%v", tc.value)
	}
}

func TestToFixed(t *testing.T) {
	assert.Equal(t, "0.13", ToFixed(0.125, 2))
	assert.Equal(t, "1.00", ToFixed(1.005, 2))
	assert.Equal(t, "-0.00", ToFixed(-0.001, 2))
	assert.Equal(t, "0.05", ToFixed(0.05, 2))
	assert.Equal(t, "12", ToFixed(11.5, 0))
	assert.Equal(t, "3.142", ToFixed(math.Pi, 3))
}
