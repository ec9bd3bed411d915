package formula

import (
	"math"
)

// Evaluator evaluates parsed formulas against a binding context of resolved
// record field values. The registry is a construction-time dependency, not
// ambient state; two evaluators with the same registry always produce the
// same result for the same inputs.
type Evaluator struct {
	reg *Registry
}

// NewEvaluator creates an evaluator backed by the given registry.
func NewEvaluator(reg *Registry) *Evaluator {
	return &Evaluator{reg: reg}
}

// Eval evaluates the tree against the binding. Unknown field references
// evaluate to nil. The only error it can return is an *EvalError for a call
// to an unregistered function.
func (e *Evaluator) Eval(n Node, binding map[string]any) (any, error) {
	switch x := n.(type) {
	case *Literal:
		return x.Value, nil

	case *FieldRef:
		return Resolve(binding, x.Path), nil

	case *Call:
		args := make([]any, len(x.Args))
		for i, a := range x.Args {
			v, err := e.Eval(a, binding)
			if err != nil {
				return nil, err
			}
			args[i] = v
		}
		return e.reg.Invoke(x.Name, args)

	case *Unary:
		v, err := e.Eval(x.X, binding)
		if err != nil {
			return nil, err
		}
		if x.Op == "!" {
			return !Truthy(v), nil
		}
		return -arith(v), nil

	case *Binary:
		return e.evalBinary(x, binding)
	}
	return nil, nil
}

func (e *Evaluator) evalBinary(b *Binary, binding map[string]any) (any, error) {
	// Logical operators short-circuit.
	switch b.Op {
	case "&&":
		l, err := e.Eval(b.L, binding)
		if err != nil {
			return nil, err
		}
		if !Truthy(l) {
			return false, nil
		}
		r, err := e.Eval(b.R, binding)
		if err != nil {
			return nil, err
		}
		return Truthy(r), nil
	case "||":
		l, err := e.Eval(b.L, binding)
		if err != nil {
			return nil, err
		}
		if Truthy(l) {
			return true, nil
		}
		r, err := e.Eval(b.R, binding)
		if err != nil {
			return nil, err
		}
		return Truthy(r), nil
	}

	l, err := e.Eval(b.L, binding)
	if err != nil {
		return nil, err
	}
	r, err := e.Eval(b.R, binding)
	if err != nil {
		return nil, err
	}

	switch b.Op {
	case "+":
		// String concatenation when either side is a string; numeric
		// addition otherwise.
		if _, ok := l.(string); ok {
			return Str(l) + Str(r), nil
		}
		if _, ok := r.(string); ok {
			return Str(l) + Str(r), nil
		}
		return arith(l) + arith(r), nil
	case "-":
		return arith(l) - arith(r), nil
	case "*":
		return arith(l) * arith(r), nil
	case "/":
		// IEEE-754: x/0 is ±Inf, 0/0 is NaN.
		return arith(l) / arith(r), nil
	case "%":
		return math.Mod(arith(l), arith(r)), nil
	case "==":
		return looseEqual(l, r), nil
	case "!=":
		return !looseEqual(l, r), nil
	case "<":
		return looseLess(l, r), nil
	case ">":
		return looseLess(r, l), nil
	case "<=":
		return !looseLess(r, l), nil
	case ">=":
		return !looseLess(l, r), nil
	}
	return nil, nil
}

// Resolve walks a dotted path through nested maps. A missing step resolves
// to nil, never an error.
func Resolve(binding map[string]any, path []string) any {
	var cur any = binding
	for _, step := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur, ok = m[step]
		if !ok {
			return nil
		}
	}
	return cur
}
