package formula

import (
	"errors"
	"fmt"
)

type node interface {
	position() int
}

type numberLit struct {
	value float64
	at    int
}

type stringLit struct {
	value string
	at    int
}

type boolLit struct {
	value bool
	at    int
}

type nullLit struct{ at int }

type listLit struct {
	items []node
	at    int
}

type identifier struct {
	name string
	at   int
}

type callExpr struct {
	name string
	args []node
	at   int
}

type unaryExpr struct {
	op      string
	operand node
	at      int
}

type binaryExpr struct {
	op          string
	left, right node
	at          int
}

type conditionalExpr struct {
	cond, then, otherwise node
	at                    int
}

func (n numberLit) position() int       { return n.at }
func (n stringLit) position() int       { return n.at }
func (n boolLit) position() int         { return n.at }
func (n nullLit) position() int         { return n.at }
func (n listLit) position() int         { return n.at }
func (n identifier) position() int      { return n.at }
func (n callExpr) position() int        { return n.at }
func (n unaryExpr) position() int       { return n.at }
func (n binaryExpr) position() int      { return n.at }
func (n conditionalExpr) position() int { return n.at }

var errTooDeep = errors.New("formula nesting too deep")

// Binding powers, lowest first. Power binds tighter than unary minus so -2^2 is -4.
const (
	bpNone = iota
	bpTernary
	bpOr
	bpAnd
	bpEquality
	bpCompare
	bpAdditive
	bpMultiplicative
	bpUnary
	bpPower
)

type parser struct {
	tokens   []token
	pos      int
	depth    int
	maxDepth int
}

func parse(src string, maxDepth int) (node, error) {
	tokens, err := tokenize(src)
	if err != nil {
		return nil, err
	}
	p := &parser{tokens: tokens, maxDepth: maxDepth}
	expr, err := p.expression(bpNone)
	if err != nil {
		return nil, err
	}
	if tok := p.peek(); tok.kind != tokEOF {
		return nil, fmt.Errorf("unexpected %s at %d", tok, tok.pos)
	}
	return expr, nil
}

func (p *parser) peek() token { return p.tokens[p.pos] }

func (p *parser) next() token {
	tok := p.tokens[p.pos]
	if tok.kind != tokEOF {
		p.pos++
	}
	return tok
}

func (p *parser) expect(kind tokenKind, what string) (token, error) {
	tok := p.next()
	if tok.kind != kind {
		return tok, fmt.Errorf("expected %s at %d, got %s", what, tok.pos, tok)
	}
	return tok, nil
}

// infixOperator names the binary operator at the current token, if any. Word operators
// followed by "(" are function calls instead.
func (p *parser) infixOperator() (string, int) {
	tok := p.peek()
	switch tok.kind {
	case tokQuestion:
		return "?", bpTernary
	case tokOp:
		switch tok.text {
		case "||":
			return "or", bpOr
		case "&&":
			return "and", bpAnd
		case "==", "!=":
			return tok.text, bpEquality
		case "<", "<=", ">", ">=":
			return tok.text, bpCompare
		case "+", "-":
			return tok.text, bpAdditive
		case "*", "/", "%":
			return tok.text, bpMultiplicative
		case "^":
			return "^", bpPower
		}
	case tokIdent:
		if p.tokens[p.pos+1].kind == tokLParen {
			return "", bpNone
		}
		switch tok.text {
		case "or":
			return "or", bpOr
		case "and":
			return "and", bpAnd
		case "mod":
			return "%", bpMultiplicative
		}
	}
	return "", bpNone
}

func (p *parser) expression(minBP int) (node, error) {
	p.depth++
	defer func() { p.depth-- }()
	if p.depth > p.maxDepth {
		return nil, errTooDeep
	}

	left, err := p.prefix()
	if err != nil {
		return nil, err
	}

	for {
		op, bp := p.infixOperator()
		if bp == bpNone || bp <= minBP {
			return left, nil
		}
		opTok := p.next()
		if op == "?" {
			then, err := p.expression(bpNone)
			if err != nil {
				return nil, err
			}
			if _, err := p.expect(tokColon, `":"`); err != nil {
				return nil, err
			}
			otherwise, err := p.expression(bpTernary - 1)
			if err != nil {
				return nil, err
			}
			left = conditionalExpr{cond: left, then: then, otherwise: otherwise, at: opTok.pos}
			continue
		}
		rightBP := bp
		if op == "^" {
			rightBP = bp - 1
		}
		right, err := p.expression(rightBP)
		if err != nil {
			return nil, err
		}
		left = binaryExpr{op: op, left: left, right: right, at: opTok.pos}
	}
}

func (p *parser) prefix() (node, error) {
	tok := p.next()
	switch tok.kind {
	case tokNumber:
		return numberLit{value: tok.num, at: tok.pos}, nil
	case tokString:
		return stringLit{value: tok.text, at: tok.pos}, nil
	case tokLParen:
		inner, err := p.expression(bpNone)
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tokRParen, `")"`); err != nil {
			return nil, err
		}
		return inner, nil
	case tokLBracket:
		items, err := p.arguments(tokRBracket, `"]"`)
		if err != nil {
			return nil, err
		}
		return listLit{items: items, at: tok.pos}, nil
	case tokOp:
		switch tok.text {
		case "-", "+", "!":
			return p.unary(tok)
		}
	case tokIdent:
		if p.peek().kind == tokLParen {
			p.next()
			args, err := p.arguments(tokRParen, `")"`)
			if err != nil {
				return nil, err
			}
			return callExpr{name: tok.text, args: args, at: tok.pos}, nil
		}
		switch tok.text {
		case "true":
			return boolLit{value: true, at: tok.pos}, nil
		case "false":
			return boolLit{value: false, at: tok.pos}, nil
		case "null":
			return nullLit{at: tok.pos}, nil
		case "not":
			return p.unary(tok)
		}
		return identifier{name: tok.text, at: tok.pos}, nil
	}
	return nil, fmt.Errorf("unexpected %s at %d", tok, tok.pos)
}

func (p *parser) unary(tok token) (node, error) {
	op := tok.text
	if op == "not" {
		op = "!"
	}
	operand, err := p.expression(bpUnary)
	if err != nil {
		return nil, err
	}
	return unaryExpr{op: op, operand: operand, at: tok.pos}, nil
}

func (p *parser) arguments(closing tokenKind, what string) ([]node, error) {
	var args []node
	if p.peek().kind == closing {
		p.next()
		return args, nil
	}
	for {
		arg, err := p.expression(bpNone)
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
		tok := p.next()
		if tok.kind == closing {
			return args, nil
		}
		if tok.kind != tokComma {
			return nil, fmt.Errorf("expected \",\" or %s at %d, got %s", what, tok.pos, tok)
		}
	}
}
