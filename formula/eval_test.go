package formula

import (
	"errors"
	"math"
	"testing"
)

func evalString(t *testing.T, src string, binding map[string]any) any {
	t.Helper()
	n, err := Parse(src)
	if err != nil {
		t.Fatalf("Parse(%q) failed: %v", src, err)
	}
	v, err := NewEvaluator(NewRegistry()).Eval(n, binding)
	if err != nil {
		t.Fatalf("Eval(%q) failed: %v", src, err)
	}
	return v
}

func TestEvalArithmetic(t *testing.T) {
	tests := []struct {
		src  string
		want float64
	}{
		{"1 + 2 * 3", 7},
		{"(1 + 2) * 3", 9},
		{"10 % 3", 1},
		{"-5 + 2", -3},
		{"2 * (3 - 1)", 4},
	}
	for _, tt := range tests {
		if got := evalString(t, tt.src, nil); got != tt.want {
			t.Errorf("eval(%q) = %v, want %v", tt.src, got, tt.want)
		}
	}
}

func TestEvalDivisionByZero(t *testing.T) {
	if got := evalString(t, "1 / 0", nil); !math.IsInf(got.(float64), 1) {
		t.Errorf("1/0 = %v, want +Inf", got)
	}
	got := evalString(t, "0 / 0", nil)
	if f, ok := got.(float64); !ok || !math.IsNaN(f) {
		t.Errorf("0/0 = %v, want NaN", got)
	}
}

func TestEvalStringConcat(t *testing.T) {
	if got := evalString(t, "'a' + 'b'", nil); got != "ab" {
		t.Errorf("'a'+'b' = %v, want ab", got)
	}
	// Cross-type + concatenates when either side is a string.
	if got := evalString(t, "'n=' + 5", nil); got != "n=5" {
		t.Errorf("'n='+5 = %v, want n=5", got)
	}
	if got := evalString(t, "1 + '2'", nil); got != "12" {
		t.Errorf("1+'2' = %v, want 12", got)
	}
}

func TestEvalFieldReferences(t *testing.T) {
	binding := map[string]any{
		"first": "ada",
		"last":  "lovelace",
		"owner": map[string]any{"city": "london"},
	}
	if got := evalString(t, "upper(concat(first, ' ', last))", binding); got != "ADA LOVELACE" {
		t.Errorf("got %v, want ADA LOVELACE", got)
	}
	if got := evalString(t, "owner.city", binding); got != "london" {
		t.Errorf("got %v, want london", got)
	}
}

func TestEvalUnknownFieldIsNull(t *testing.T) {
	if got := evalString(t, "missing", map[string]any{}); got != nil {
		t.Errorf("unknown field = %v, want nil", got)
	}
	if got := evalString(t, "a.b.c", map[string]any{"a": 1.0}); got != nil {
		t.Errorf("unknown nested field = %v, want nil", got)
	}
	// Unknown fields participate in arithmetic as 0.
	if got := evalString(t, "missing + 5", map[string]any{}); got != 5.0 {
		t.Errorf("missing+5 = %v, want 5", got)
	}
}

func TestEvalComparisons(t *testing.T) {
	binding := map[string]any{"age": 16.0}
	tests := []struct {
		src  string
		want bool
	}{
		{"age >= 18", false},
		{"age < 18", true},
		{"age == 16", true},
		{"age != 16", false},
		{"'abc' < 'abd'", true},
		{"'10' > 9", true}, // numeric comparison when one side is a number
	}
	for _, tt := range tests {
		if got := evalString(t, tt.src, binding); got != tt.want {
			t.Errorf("eval(%q) = %v, want %v", tt.src, got, tt.want)
		}
	}
}

func TestEvalLogicalShortCircuit(t *testing.T) {
	// The right side calls an unregistered function; short-circuiting must
	// keep it from being evaluated.
	n, err := Parse("false && nosuchfn()")
	if err != nil {
		t.Fatalf("Parse() failed: %v", err)
	}
	v, err := NewEvaluator(NewRegistry()).Eval(n, nil)
	if err != nil {
		t.Fatalf("short-circuited eval should not fail: %v", err)
	}
	if v != false {
		t.Errorf("got %v, want false", v)
	}
}

func TestEvalUnregisteredFunction(t *testing.T) {
	n, err := Parse("frobnicate(1)")
	if err != nil {
		t.Fatalf("Parse() failed: %v", err)
	}
	_, err = NewEvaluator(NewRegistry()).Eval(n, nil)
	if err == nil {
		t.Fatal("call to unregistered function should fail")
	}
	var ee *EvalError
	if !errors.As(err, &ee) {
		t.Fatalf("error = %T, want *EvalError", err)
	}
	if ee.Fn != "frobnicate" {
		t.Errorf("EvalError.Fn = %q, want frobnicate", ee.Fn)
	}
}

func TestEvalDeterminism(t *testing.T) {
	src := "round(pow(base, 2) / 3) + len(name)"
	binding := map[string]any{"base": 7.0, "name": "widget"}
	first := evalString(t, src, binding)
	for i := 0; i < 50; i++ {
		if got := evalString(t, src, binding); got != first {
			t.Fatalf("evaluation not deterministic: %v then %v", first, got)
		}
	}
}
