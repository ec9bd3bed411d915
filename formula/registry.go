package formula

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// EvalError reports a formula that called a function name absent from the
// registry. It is the only evaluation-time failure the language produces;
// every value-type mismatch is coerced instead.
type EvalError struct {
	Fn string
}

func (e *EvalError) Error() string {
	return fmt.Sprintf("unknown function %q", e.Fn)
}

// Func is one built-in function. Arity outside [MinArgs, MaxArgs] is
// tolerated: missing arguments arrive as nil, extras are dropped. MaxArgs of
// -1 means variadic.
type Func struct {
	Name    string
	MinArgs int
	MaxArgs int
	Call    func(args []any) any
}

// Registry is the closed table of built-in functions. It is immutable after
// construction; there is no runtime registration.
type Registry struct {
	fns map[string]Func
}

// Lookup returns the named function, or ok=false if it is not registered.
func (r *Registry) Lookup(name string) (Func, bool) {
	f, ok := r.fns[name]
	return f, ok
}

// Invoke calls the named function, normalizing the argument slice to the
// function's declared arity. An unregistered name returns an *EvalError.
func (r *Registry) Invoke(name string, args []any) (any, error) {
	f, ok := r.fns[name]
	if !ok {
		return nil, &EvalError{Fn: name}
	}
	for len(args) < f.MinArgs {
		args = append(args, nil)
	}
	if f.MaxArgs >= 0 && len(args) > f.MaxArgs {
		args = args[:f.MaxArgs]
	}
	return f.Call(args), nil
}

// Names returns the registered function names. Useful for diagnostics.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.fns))
	for n := range r.fns {
		names = append(names, n)
	}
	return names
}

// NewRegistry builds the full built-in function table.
func NewRegistry() *Registry {
	r := &Registry{fns: make(map[string]Func)}
	add := func(name string, min, max int, call func([]any) any) {
		r.fns[name] = Func{Name: name, MinArgs: min, MaxArgs: max, Call: call}
	}

	// Numeric functions. Inputs coerce through Num; results follow IEEE-754.
	add("abs", 1, 1, func(a []any) any { return math.Abs(Num(a[0])) })
	add("ceil", 1, 1, func(a []any) any { return math.Ceil(Num(a[0])) })
	add("floor", 1, 1, func(a []any) any { return math.Floor(Num(a[0])) })
	add("round", 1, 1, func(a []any) any { return math.Round(Num(a[0])) })
	add("sqrt", 1, 1, func(a []any) any { return math.Sqrt(Num(a[0])) })
	add("pow", 2, 2, func(a []any) any { return math.Pow(Num(a[0]), Num(a[1])) })
	add("max", 1, -1, func(a []any) any {
		m := Num(a[0])
		for _, v := range a[1:] {
			m = math.Max(m, Num(v))
		}
		return m
	})
	add("min", 1, -1, func(a []any) any {
		m := Num(a[0])
		for _, v := range a[1:] {
			m = math.Min(m, Num(v))
		}
		return m
	})
	add("num", 1, 1, func(a []any) any { return Num(a[0]) })

	// String functions coerce their input to canonical string form first.
	add("upper", 1, 1, func(a []any) any { return strings.ToUpper(Str(a[0])) })
	add("lower", 1, 1, func(a []any) any { return strings.ToLower(Str(a[0])) })
	add("trim", 1, 1, func(a []any) any { return strings.TrimSpace(Str(a[0])) })
	add("len", 1, 1, func(a []any) any { return float64(len(Str(a[0]))) })
	add("concat", 0, -1, func(a []any) any {
		var b strings.Builder
		for _, v := range a {
			b.WriteString(Str(v))
		}
		return b.String()
	})
	add("substr", 2, 3, func(a []any) any {
		s := Str(a[0])
		start := int(Num(a[1]))
		if start < 0 {
			start = len(s) + start
		}
		if start < 0 {
			start = 0
		}
		if start > len(s) {
			return ""
		}
		end := len(s)
		if len(a) == 3 && a[2] != nil {
			end = start + int(Num(a[2]))
		}
		if end < start {
			end = start
		}
		if end > len(s) {
			end = len(s)
		}
		return s[start:end]
	})

	// Date functions parse ISO-8601. Unparsable input is a data error: it
	// resolves to null and propagates, never failing the formula.
	add("now", 0, 0, func(a []any) any { return time.Now().UTC().Format(time.RFC3339) })
	add("today", 0, 0, func(a []any) any { return time.Now().UTC().Format("2006-01-02") })
	add("year", 1, 1, datePart(func(t time.Time) float64 { return float64(t.Year()) }))
	add("month", 1, 1, datePart(func(t time.Time) float64 { return float64(t.Month()) }))
	add("day", 1, 1, datePart(func(t time.Time) float64 { return float64(t.Day()) }))
	add("daysBetween", 2, 2, func(a []any) any {
		t1, ok1 := parseDate(a[0])
		t2, ok2 := parseDate(a[1])
		if !ok1 || !ok2 {
			return nil
		}
		return math.Trunc(t2.Sub(t1).Hours() / 24)
	})

	// Array functions require an actual sequence; anything else yields the
	// function-specific default.
	add("count", 1, 1, func(a []any) any {
		seq, ok := a[0].([]any)
		if !ok {
			return float64(0)
		}
		return float64(len(seq))
	})
	add("sum", 1, 1, func(a []any) any {
		seq, ok := a[0].([]any)
		if !ok {
			return float64(0)
		}
		var s float64
		for _, v := range seq {
			s += Num(v)
		}
		return s
	})
	add("avg", 1, 1, func(a []any) any {
		seq, ok := a[0].([]any)
		if !ok || len(seq) == 0 {
			return float64(0)
		}
		var s float64
		for _, v := range seq {
			s += Num(v)
		}
		return s / float64(len(seq))
	})
	add("first", 1, 1, func(a []any) any {
		seq, ok := a[0].([]any)
		if !ok || len(seq) == 0 {
			return nil
		}
		return seq[0]
	})
	add("last", 1, 1, func(a []any) any {
		seq, ok := a[0].([]any)
		if !ok || len(seq) == 0 {
			return nil
		}
		return seq[len(seq)-1]
	})
	add("join", 1, 2, func(a []any) any {
		seq, ok := a[0].([]any)
		if !ok {
			return ""
		}
		sep := ","
		if len(a) == 2 && a[1] != nil {
			sep = Str(a[1])
		}
		parts := make([]string, len(seq))
		for i, v := range seq {
			parts[i] = Str(v)
		}
		return strings.Join(parts, sep)
	})

	// Conditionals and type conversion.
	add("if", 3, 3, func(a []any) any {
		if Truthy(a[0]) {
			return a[1]
		}
		return a[2]
	})
	add("coalesce", 0, -1, func(a []any) any {
		for _, v := range a {
			if v != nil {
				return v
			}
		}
		return nil
	})
	add("bool", 1, 1, func(a []any) any { return Truthy(a[0]) })

	return r
}

func datePart(part func(time.Time) float64) func([]any) any {
	return func(a []any) any {
		t, ok := parseDate(a[0])
		if !ok {
			return nil
		}
		return part(t)
	}
}

// parseDate accepts time.Time values and ISO-8601 strings (date-only or full
// timestamps, with or without zone offset).
func parseDate(v any) (time.Time, bool) {
	switch x := v.(type) {
	case time.Time:
		return x, true
	case string:
		for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
			if t, err := time.Parse(layout, x); err == nil {
				return t, true
			}
		}
	}
	return time.Time{}, false
}
