package formula

import (
	"errors"
	"fmt"
	"math"
	"time"
)

var (
	errStepBudget = errors.New("formula exceeded its evaluation budget")
	errDeadline   = errors.New("formula exceeded its time limit")
	errTooLarge   = errors.New("formula produced text that is too large")
)

const maxTextBytes = 1 << 20

type evaluator struct {
	props    map[string]any
	engine   *Engine
	now      time.Time
	deadline time.Time
	steps    int
}

func (ev *evaluator) eval(n node) (any, error) {
	ev.steps++
	if ev.steps > ev.engine.opts.MaxSteps {
		return nil, errStepBudget
	}
	if ev.steps%64 == 0 && time.Now().After(ev.deadline) {
		return nil, errDeadline
	}

	switch x := n.(type) {
	case numberLit:
		return x.value, nil
	case stringLit:
		return x.value, nil
	case boolLit:
		return x.value, nil
	case nullLit:
		return nil, nil
	case listLit:
		items := make([]any, 0, len(x.items))
		for _, item := range x.items {
			v, err := ev.eval(item)
			if err != nil {
				return nil, err
			}
			items = append(items, v)
		}
		return items, nil
	case identifier:
		return ev.constant(x)
	case callExpr:
		fn, ok := builtins[x.name]
		if !ok {
			return nil, fmt.Errorf("undefined function %q at %d", x.name, x.at)
		}
		return fn(ev, x.args)
	case unaryExpr:
		return ev.unary(x)
	case binaryExpr:
		return ev.binary(x)
	case conditionalExpr:
		cond, err := ev.eval(x.cond)
		if err != nil {
			return nil, err
		}
		if truthy(cond) {
			return ev.eval(x.then)
		}
		return ev.eval(x.otherwise)
	default:
		return nil, fmt.Errorf("unsupported expression at %d", n.position())
	}
}

func (ev *evaluator) constant(id identifier) (any, error) {
	switch id.name {
	case "pi", "PI":
		return math.Pi, nil
	case "e", "E":
		return math.E, nil
	}
	if _, ok := builtins[id.name]; ok {
		return nil, fmt.Errorf("function %q must be called at %d", id.name, id.at)
	}
	return nil, fmt.Errorf("undefined symbol %q at %d", id.name, id.at)
}

func (ev *evaluator) unary(x unaryExpr) (any, error) {
	v, err := ev.eval(x.operand)
	if err != nil {
		return nil, err
	}
	switch x.op {
	case "!":
		return !truthy(v), nil
	case "-":
		n, err := arithmeticOperand(v)
		if err != nil {
			return nil, err
		}
		return -n, nil
	case "+":
		return arithmeticOperand(v)
	}
	return nil, fmt.Errorf("unknown operator %q", x.op)
}

func (ev *evaluator) binary(x binaryExpr) (any, error) {
	left, err := ev.eval(x.left)
	if err != nil {
		return nil, err
	}

	switch x.op {
	case "and":
		if !truthy(left) {
			return false, nil
		}
		right, err := ev.eval(x.right)
		if err != nil {
			return nil, err
		}
		return truthy(right), nil
	case "or":
		if truthy(left) {
			return true, nil
		}
		right, err := ev.eval(x.right)
		if err != nil {
			return nil, err
		}
		return truthy(right), nil
	}

	right, err := ev.eval(x.right)
	if err != nil {
		return nil, err
	}

	switch x.op {
	case "==":
		return looseEqual(left, right), nil
	case "!=":
		return !looseEqual(left, right), nil
	}

	a, err := arithmeticOperand(left)
	if err != nil {
		return nil, err
	}
	b, err := arithmeticOperand(right)
	if err != nil {
		return nil, err
	}
	switch x.op {
	case "+":
		return a + b, nil
	case "-":
		return a - b, nil
	case "*":
		return a * b, nil
	case "/":
		return a / b, nil
	case "%":
		return modulo(a, b), nil
	case "^":
		return math.Pow(a, b), nil
	case "<":
		return a < b, nil
	case "<=":
		return a <= b, nil
	case ">":
		return a > b, nil
	case ">=":
		return a >= b, nil
	}
	return nil, fmt.Errorf("unknown operator %q", x.op)
}

// arithmeticOperand converts an operator operand to a number. Text that is not numeric, dates
// and lists cannot take part in arithmetic.
func arithmeticOperand(v any) (float64, error) {
	switch x := v.(type) {
	case nil, float64, bool:
		return toNumber(x), nil
	case string:
		n := parseNumber(x)
		if math.IsNaN(n) {
			return 0, errors.New("text operand is not a number")
		}
		return n, nil
	case time.Time:
		return 0, errors.New("dates cannot be used with arithmetic operators")
	case []any:
		return 0, errors.New("lists cannot be used with arithmetic operators")
	default:
		return 0, fmt.Errorf("unsupported operand %T", v)
	}
}

// modulo has the sign of the divisor; x mod 0 is x.
func modulo(x, y float64) float64 {
	if y == 0 {
		return x
	}
	return x - y*math.Floor(x/y)
}
