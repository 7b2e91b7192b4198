package expr

import (
	"fmt"
	"math"
	"strconv"

	"construction-cost/pkg/units"
)

// Kind is the dynamic type of a Value.
type Kind int

const (
	KindNumber Kind = iota
	KindString
	KindBool
)

func (k Kind) String() string {
	switch k {
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindBool:
		return "boolean"
	default:
		return "unknown"
	}
}

// Value is a number, string or boolean.
type Value struct {
	kind Kind
	num  float64
	str  string
	b    bool
}

// Number wraps a float.
func Number(v float64) Value { return Value{kind: KindNumber, num: v} }

// String wraps a string.
func String(v string) Value { return Value{kind: KindString, str: v} }

// Bool wraps a boolean.
func Bool(v bool) Value { return Value{kind: KindBool, b: v} }

func (v Value) Kind() Kind { return v.kind }

// Float returns the numeric value and whether v is a number.
func (v Value) Float() (float64, bool) { return v.num, v.kind == KindNumber }

// Text returns the value as a lookup key: strings verbatim, numbers in shortest form,
// booleans as "true"/"false".
func (v Value) Text() string {
	switch v.kind {
	case KindNumber:
		return strconv.FormatFloat(v.num, 'f', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.b)
	default:
		return v.str
	}
}

// Truthy reports whether v counts as true in a predicate.
func (v Value) Truthy() bool {
	switch v.kind {
	case KindBool:
		return v.b
	case KindNumber:
		return v.num != 0
	default:
		return v.str != ""
	}
}

// Any returns the Go representation (float64, string or bool).
func (v Value) Any() any {
	switch v.kind {
	case KindNumber:
		return v.num
	case KindBool:
		return v.b
	default:
		return v.str
	}
}

func (v Value) String() string { return v.Text() }

// Env resolves names during evaluation.
type Env interface {
	Lookup(name string) (Value, bool)
}

// Map is an Env backed by a map.
type Map map[string]Value

// Lookup implements Env.
func (m Map) Lookup(name string) (Value, bool) {
	v, ok := m[name]
	return v, ok
}

// UnknownVariableError reports a reference to a name the context does not define.
type UnknownVariableError struct {
	Name string
}

func (e *UnknownVariableError) Error() string {
	return fmt.Sprintf("undefined variable %q", e.Name)
}

// TypeError reports an operator applied to a value of the wrong kind.
type TypeError struct {
	Op   string
	Want Kind
	Got  Kind
}

func (e *TypeError) Error() string {
	return fmt.Sprintf("operator %s: expected %s, got %s", e.Op, e.Want, e.Got)
}

// NonFiniteError reports a NaN or infinite intermediate result.
type NonFiniteError struct {
	Op string
}

func (e *NonFiniteError) Error() string {
	if e.Op == "/" {
		return "division by zero"
	}
	return fmt.Sprintf("%s produced a non-finite number", e.Op)
}

// Eval evaluates the expression against env.
func (e *Expr) Eval(env Env) (Value, error) {
	return eval(e.root, env)
}

// EvalNumber evaluates and requires a finite number.
func (e *Expr) EvalNumber(env Env) (float64, error) {
	v, err := e.Eval(env)
	if err != nil {
		return 0, err
	}
	f, ok := v.Float()
	if !ok {
		return 0, &TypeError{Op: "result", Want: KindNumber, Got: v.Kind()}
	}
	return f, nil
}

// EvalBool evaluates a predicate.
func (e *Expr) EvalBool(env Env) (bool, error) {
	v, err := e.Eval(env)
	if err != nil {
		return false, err
	}
	return v.Truthy(), nil
}

func eval(n node, env Env) (Value, error) {
	switch n := n.(type) {
	case *numberNode:
		return Number(n.v), nil
	case *stringNode:
		return String(n.v), nil
	case *boolNode:
		return Bool(n.v), nil
	case *identNode:
		v, ok := env.Lookup(n.name)
		if !ok {
			return Value{}, &UnknownVariableError{Name: n.name}
		}
		return v, nil
	case *unaryNode:
		x, err := eval(n.x, env)
		if err != nil {
			return Value{}, err
		}
		if n.op == "!" {
			return Bool(!x.Truthy()), nil
		}
		f, err := number(n.op, x)
		if err != nil {
			return Value{}, err
		}
		return Number(-f), nil
	case *binaryNode:
		return evalBinary(n, env)
	case *callNode:
		args := make([]float64, len(n.args))
		for i, a := range n.args {
			v, err := eval(a, env)
			if err != nil {
				return Value{}, err
			}
			f, err := number(n.fn.name, v)
			if err != nil {
				return Value{}, err
			}
			args[i] = f
		}
		return finite(n.fn.name, n.fn.call(args))
	default:
		return Value{}, fmt.Errorf("unsupported expression node %T", n)
	}
}

func evalBinary(n *binaryNode, env Env) (Value, error) {
	l, err := eval(n.l, env)
	if err != nil {
		return Value{}, err
	}

	// Short-circuit logical operators.
	switch n.op {
	case "&&":
		if !l.Truthy() {
			return Bool(false), nil
		}
		r, err := eval(n.r, env)
		if err != nil {
			return Value{}, err
		}
		return Bool(r.Truthy()), nil
	case "||":
		if l.Truthy() {
			return Bool(true), nil
		}
		r, err := eval(n.r, env)
		if err != nil {
			return Value{}, err
		}
		return Bool(r.Truthy()), nil
	}

	r, err := eval(n.r, env)
	if err != nil {
		return Value{}, err
	}

	switch n.op {
	case "==":
		return Bool(equal(l, r)), nil
	case "!=":
		return Bool(!equal(l, r)), nil
	}

	a, err := number(n.op, l)
	if err != nil {
		return Value{}, err
	}
	b, err := number(n.op, r)
	if err != nil {
		return Value{}, err
	}

	switch n.op {
	case "+":
		return finite(n.op, a+b)
	case "-":
		return finite(n.op, a-b)
	case "*":
		return finite(n.op, a*b)
	case "/":
		if b == 0 {
			return Value{}, &NonFiniteError{Op: "/"}
		}
		return finite(n.op, a/b)
	case "<":
		return Bool(a < b), nil
	case "<=":
		return Bool(a <= b), nil
	case ">":
		return Bool(a > b), nil
	case ">=":
		return Bool(a >= b), nil
	}
	return Value{}, fmt.Errorf("unsupported operator %q", n.op)
}

func equal(l, r Value) bool {
	if l.kind != r.kind {
		// Select values compared against numeric literals: "4" == 4.
		return l.Text() == r.Text()
	}
	switch l.kind {
	case KindNumber:
		return l.num == r.num
	case KindBool:
		return l.b == r.b
	default:
		return l.str == r.str
	}
}

func number(op string, v Value) (float64, error) {
	f, ok := v.Float()
	if !ok {
		return 0, &TypeError{Op: op, Want: KindNumber, Got: v.Kind()}
	}
	return f, nil
}

func finite(op string, f float64) (Value, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return Value{}, &NonFiniteError{Op: op}
	}
	return Number(f), nil
}

type function struct {
	name    string
	minArgs int
	maxArgs int // -1 for variadic
	call    func(args []float64) float64
}

var functions = map[string]*function{
	"round": {name: "round", minArgs: 1, maxArgs: 2, call: func(args []float64) float64 {
		places := 0.0
		if len(args) == 2 {
			places = math.Trunc(args[1])
		}
		pow := math.Pow(10, places)
		return math.Round(args[0]*pow) / pow
	}},
	"max": {name: "max", minArgs: 1, maxArgs: -1, call: func(args []float64) float64 {
		m := args[0]
		for _, a := range args[1:] {
			if a > m {
				m = a
			}
		}
		return m
	}},
	"min": {name: "min", minArgs: 1, maxArgs: -1, call: func(args []float64) float64 {
		m := args[0]
		for _, a := range args[1:] {
			if a < m {
				m = a
			}
		}
		return m
	}},
	"ceil": {name: "ceil", minArgs: 1, maxArgs: 1, call: func(args []float64) float64 {
		return math.Ceil(args[0])
	}},
	"floor": {name: "floor", minArgs: 1, maxArgs: 1, call: func(args []float64) float64 {
		return math.Floor(args[0])
	}},

	// Takeoff helpers. Dimensions are feet except slab thickness, in inches.
	"area": {name: "area", minArgs: 2, maxArgs: 2, call: func(args []float64) float64 {
		return units.Area(args[0], args[1])
	}},
	"cubic_yards": {name: "cubic_yards", minArgs: 3, maxArgs: 3, call: func(args []float64) float64 {
		return units.VolumeCubicYards(args[0], args[1], args[2])
	}},
	"with_waste": {name: "with_waste", minArgs: 2, maxArgs: 2, call: func(args []float64) float64 {
		return units.WithWaste(args[0], args[1])
	}},
}
