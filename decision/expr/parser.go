package expr

import (
	"fmt"
	"sort"
)

type node interface{}

type numberNode struct{ v float64 }

type stringNode struct{ v string }

type boolNode struct{ v bool }

type identNode struct{ name string }

type unaryNode struct {
	op string
	x  node
}

type binaryNode struct {
	op   string
	l, r node
}

type callNode struct {
	fn   *function
	args []node
}

// Expr is a compiled expression.
type Expr struct {
	src  string
	root node
	vars []string
}

// Compile parses src. Unknown functions and malformed input are reported here,
// before any evaluation.
func Compile(src string) (*Expr, error) {
	toks, err := tokenize(src)
	if err != nil {
		return nil, err
	}
	p := &parser{src: src, toks: toks, vars: make(map[string]struct{})}
	if p.peek().kind == tokEOF {
		return nil, &SyntaxError{Source: src, Pos: 0, Msg: "empty expression"}
	}
	root, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if t := p.peek(); t.kind != tokEOF {
		return nil, &SyntaxError{Source: src, Pos: t.pos, Msg: fmt.Sprintf("unexpected %q", t.text)}
	}

	vars := make([]string, 0, len(p.vars))
	for v := range p.vars {
		vars = append(vars, v)
	}
	sort.Strings(vars)
	return &Expr{src: src, root: root, vars: vars}, nil
}

// MustCompile is Compile for expressions known to be valid.
func MustCompile(src string) *Expr {
	e, err := Compile(src)
	if err != nil {
		panic(err)
	}
	return e
}

// String returns the source text.
func (e *Expr) String() string { return e.src }

// Vars returns the sorted, de-duplicated names the expression references.
func (e *Expr) Vars() []string {
	out := make([]string, len(e.vars))
	copy(out, e.vars)
	return out
}

type parser struct {
	src  string
	toks []token
	pos  int
	vars map[string]struct{}
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) isOp(ops ...string) (string, bool) {
	t := p.peek()
	if t.kind != tokOp {
		return "", false
	}
	for _, op := range ops {
		if t.text == op {
			return op, true
		}
	}
	return "", false
}

func (p *parser) errorf(t token, format string, args ...any) error {
	return &SyntaxError{Source: p.src, Pos: t.pos, Msg: fmt.Sprintf(format, args...)}
}

// binaryLevel parses a left-associative chain of ops over operands produced by sub.
func (p *parser) binaryLevel(sub func() (node, error), ops ...string) (node, error) {
	left, err := sub()
	if err != nil {
		return nil, err
	}
	for {
		op, ok := p.isOp(ops...)
		if !ok {
			return left, nil
		}
		p.next()
		right, err := sub()
		if err != nil {
			return nil, err
		}
		left = &binaryNode{op: op, l: left, r: right}
	}
}

func (p *parser) parseOr() (node, error) {
	return p.binaryLevel(p.parseAnd, "||")
}

func (p *parser) parseAnd() (node, error) {
	return p.binaryLevel(p.parseEquality, "&&")
}

func (p *parser) parseEquality() (node, error) {
	return p.binaryLevel(p.parseComparison, "==", "!=")
}

func (p *parser) parseComparison() (node, error) {
	return p.binaryLevel(p.parseAdditive, "<", "<=", ">", ">=")
}

func (p *parser) parseAdditive() (node, error) {
	return p.binaryLevel(p.parseMultiplicative, "+", "-")
}

func (p *parser) parseMultiplicative() (node, error) {
	return p.binaryLevel(p.parseUnary, "*", "/")
}

func (p *parser) parseUnary() (node, error) {
	if op, ok := p.isOp("-", "!", "+"); ok {
		p.next()
		x, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		if op == "+" {
			return x, nil
		}
		return &unaryNode{op: op, x: x}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (node, error) {
	t := p.next()
	switch t.kind {
	case tokNumber:
		return &numberNode{v: t.num}, nil
	case tokString:
		return &stringNode{v: t.text}, nil
	case tokLParen:
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if c := p.next(); c.kind != tokRParen {
			return nil, p.errorf(c, "expected ')'")
		}
		return inner, nil
	case tokIdent:
		switch t.text {
		case "true":
			return &boolNode{v: true}, nil
		case "false":
			return &boolNode{v: false}, nil
		}
		if p.peek().kind == tokLParen {
			return p.parseCall(t)
		}
		p.vars[t.text] = struct{}{}
		return &identNode{name: t.text}, nil
	case tokEOF:
		return nil, p.errorf(t, "unexpected end of expression")
	default:
		return nil, p.errorf(t, "unexpected %q", t.text)
	}
}

func (p *parser) parseCall(name token) (node, error) {
	fn, ok := functions[name.text]
	if !ok {
		return nil, p.errorf(name, "unknown function %q", name.text)
	}
	p.next() // (

	var args []node
	if p.peek().kind != tokRParen {
		for {
			arg, err := p.parseOr()
			if err != nil {
				return nil, err
			}
			args = append(args, arg)
			if p.peek().kind != tokComma {
				break
			}
			p.next()
		}
	}
	if c := p.next(); c.kind != tokRParen {
		return nil, p.errorf(c, "expected ')' after arguments to %s", name.text)
	}
	if len(args) < fn.minArgs || (fn.maxArgs >= 0 && len(args) > fn.maxArgs) {
		return nil, p.errorf(name, "%s: wrong number of arguments (%d)", name.text, len(args))
	}
	return &callNode{fn: fn, args: args}, nil
}
