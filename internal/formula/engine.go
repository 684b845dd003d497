// Package formula evaluates user-written property formulas in a sandbox.
//
// A formula reaches only literals, operators and the functions registered in this package;
// there is no access to ambient state. Evaluation never fails loudly: any error yields nil
// and is handed to the configured Reporter.
package formula

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
)

const (
	ReasonSyntax            = "syntax"
	ReasonRuntime           = "runtime"
	ReasonNonFinite         = "non_finite"
	ReasonTimeout           = "timeout"
	ReasonTooComplex        = "too_complex"
	ReasonTooLong           = "too_long"
	ReasonUnsupportedResult = "unsupported_result"
)

// Error describes why a formula produced no value.
type Error struct {
	Reason string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Reason, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Failure is passed to a Reporter. It carries property keys only, never their values.
type Failure struct {
	Formula      string
	PropertyKeys []string
	Reason       string
	Err          error
}

type Reporter interface {
	ReportFailure(f Failure)
}

type ReporterFunc func(f Failure)

func (fn ReporterFunc) ReportFailure(f Failure) { fn(f) }

type Options struct {
	MaxLength int
	MaxDepth  int
	MaxSteps  int
	Timeout   time.Duration
	// Location is used for today() and for dates written without a zone. Defaults to UTC.
	Location *time.Location
	// CalendarDates switches dateAdd months and years to calendar arithmetic instead of
	// 30 and 365 day multiples.
	CalendarDates bool
	Now           func() time.Time
	Reporter      Reporter
}

func DefaultOptions() Options {
	return Options{
		MaxLength: 4096,
		MaxDepth:  64,
		MaxSteps:  10000,
		Timeout:   100 * time.Millisecond,
		Location:  time.UTC,
		Now:       time.Now,
	}
}

type Engine struct {
	opts Options
}

func New(opts Options) *Engine {
	defaults := DefaultOptions()
	if opts.MaxLength <= 0 {
		opts.MaxLength = defaults.MaxLength
	}
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = defaults.MaxDepth
	}
	if opts.MaxSteps <= 0 {
		opts.MaxSteps = defaults.MaxSteps
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaults.Timeout
	}
	if opts.Location == nil {
		opts.Location = defaults.Location
	}
	if opts.Now == nil {
		opts.Now = defaults.Now
	}
	return &Engine{opts: opts}
}

var defaultEngine = New(DefaultOptions())

// Evaluate runs formula with the default engine.
func Evaluate(formula string, properties map[string]any) Value {
	return defaultEngine.Evaluate(formula, properties)
}

// Evaluate returns the formula's value, or nil when the formula is blank or fails.
func (e *Engine) Evaluate(formula string, properties map[string]any) Value {
	value, err := e.Run(formula, properties)
	if err != nil {
		e.report(formula, properties, err)
		return nil
	}
	return value
}

// Run evaluates formula and returns the cause of any failure as an *Error. A blank formula
// yields nil without error.
func (e *Engine) Run(formula string, properties map[string]any) (Value, error) {
	src := strings.TrimSpace(formula)
	if src == "" {
		return nil, nil
	}
	if len(src) > e.opts.MaxLength {
		return nil, &Error{Reason: ReasonTooLong, Err: fmt.Errorf("formula is longer than %d characters", e.opts.MaxLength)}
	}

	tree, err := parse(src, e.opts.MaxDepth)
	if err != nil {
		if errors.Is(err, errTooDeep) {
			return nil, &Error{Reason: ReasonTooComplex, Err: err}
		}
		return nil, &Error{Reason: ReasonSyntax, Err: err}
	}

	started := time.Now()
	ev := &evaluator{
		props:    normalizeProperties(properties),
		engine:   e,
		now:      e.opts.Now().In(e.opts.Location),
		deadline: started.Add(e.opts.Timeout),
	}
	result, err := ev.eval(tree)
	if err != nil {
		switch {
		case errors.Is(err, errStepBudget), errors.Is(err, errTooLarge):
			return nil, &Error{Reason: ReasonTooComplex, Err: err}
		case errors.Is(err, errDeadline):
			return nil, &Error{Reason: ReasonTimeout, Err: err}
		}
		return nil, &Error{Reason: ReasonRuntime, Err: err}
	}
	if time.Since(started) > e.opts.Timeout {
		return nil, &Error{Reason: ReasonTimeout, Err: errDeadline}
	}
	return validateResult(result)
}

// Check parses formula without evaluating it.
func (e *Engine) Check(formula string) error {
	src := strings.TrimSpace(formula)
	if len(src) > e.opts.MaxLength {
		return &Error{Reason: ReasonTooLong, Err: fmt.Errorf("formula is longer than %d characters", e.opts.MaxLength)}
	}
	if src == "" {
		return nil
	}
	if _, err := parse(src, e.opts.MaxDepth); err != nil {
		if errors.Is(err, errTooDeep) {
			return &Error{Reason: ReasonTooComplex, Err: err}
		}
		return &Error{Reason: ReasonSyntax, Err: err}
	}
	return nil
}

func validateResult(v any) (Value, error) {
	switch x := v.(type) {
	case nil, string, bool, time.Time:
		return x, nil
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return nil, &Error{Reason: ReasonNonFinite, Err: fmt.Errorf("formula produced %v", x)}
		}
		return x, nil
	default:
		return nil, &Error{Reason: ReasonUnsupportedResult, Err: fmt.Errorf("formula produced a %T", v)}
	}
}

func normalizeProperties(properties map[string]any) map[string]any {
	out := make(map[string]any, len(properties))
	for k, v := range properties {
		out[k] = normalize(v)
	}
	return out
}

func (e *Engine) location() *time.Location {
	return e.opts.Location
}

func (e *Engine) report(formula string, properties map[string]any, err error) {
	if e.opts.Reporter == nil {
		return
	}
	reason := ReasonRuntime
	var fe *Error
	if errors.As(err, &fe) {
		reason = fe.Reason
	}
	keys := make([]string, 0, len(properties))
	for k := range properties {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	e.opts.Reporter.ReportFailure(Failure{
		Formula:      strings.TrimSpace(formula),
		PropertyKeys: keys,
		Reason:       reason,
		Err:          err,
	})
}
