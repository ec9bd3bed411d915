package formula

import (
	"errors"
	"testing"
)

func TestParseLiterals(t *testing.T) {
	tests := []struct {
		src  string
		want any
	}{
		{"42", 42.0},
		{"3.5", 3.5},
		{"'hello'", "hello"},
		{`"world"`, "world"},
		{"true", true},
		{"false", false},
		{"null", nil},
	}
	for _, tt := range tests {
		n, err := Parse(tt.src)
		if err != nil {
			t.Fatalf("Parse(%q) failed: %v", tt.src, err)
		}
		lit, ok := n.(*Literal)
		if !ok {
			t.Fatalf("Parse(%q) = %T, want *Literal", tt.src, n)
		}
		if lit.Value != tt.want {
			t.Errorf("Parse(%q) = %v, want %v", tt.src, lit.Value, tt.want)
		}
	}
}

func TestParseFieldPath(t *testing.T) {
	n, err := Parse("owner.address.city")
	if err != nil {
		t.Fatalf("Parse() failed: %v", err)
	}
	ref, ok := n.(*FieldRef)
	if !ok {
		t.Fatalf("got %T, want *FieldRef", n)
	}
	if len(ref.Path) != 3 || ref.Path[0] != "owner" || ref.Path[2] != "city" {
		t.Errorf("unexpected path %v", ref.Path)
	}
}

func TestParsePrecedence(t *testing.T) {
	// 1 + 2 * 3 must parse as 1 + (2 * 3).
	n, err := Parse("1 + 2 * 3")
	if err != nil {
		t.Fatalf("Parse() failed: %v", err)
	}
	top, ok := n.(*Binary)
	if !ok || top.Op != "+" {
		t.Fatalf("top node = %#v, want + binary", n)
	}
	right, ok := top.R.(*Binary)
	if !ok || right.Op != "*" {
		t.Fatalf("right of + = %#v, want * binary", top.R)
	}

	// Comparison binds tighter than &&.
	n, err = Parse("a > 1 && b < 2")
	if err != nil {
		t.Fatalf("Parse() failed: %v", err)
	}
	top, ok = n.(*Binary)
	if !ok || top.Op != "&&" {
		t.Fatalf("top node = %#v, want && binary", n)
	}
}

func TestParseCall(t *testing.T) {
	n, err := Parse("concat(first, ' ', last)")
	if err != nil {
		t.Fatalf("Parse() failed: %v", err)
	}
	call, ok := n.(*Call)
	if !ok {
		t.Fatalf("got %T, want *Call", n)
	}
	if call.Name != "concat" || len(call.Args) != 3 {
		t.Errorf("call = %s/%d args, want concat/3", call.Name, len(call.Args))
	}
}

func TestParseNestedCall(t *testing.T) {
	n, err := Parse("upper(concat(first, ' ', last))")
	if err != nil {
		t.Fatalf("Parse() failed: %v", err)
	}
	call, ok := n.(*Call)
	if !ok || call.Name != "upper" {
		t.Fatalf("got %#v, want upper call", n)
	}
	if _, ok := call.Args[0].(*Call); !ok {
		t.Errorf("argument should be nested call, got %T", call.Args[0])
	}
}

func TestParseSyntaxErrors(t *testing.T) {
	bad := []string{
		"1 +",
		"(1 + 2",
		"foo(",
		"'unterminated",
		"a..b",
		"1 2",
		"@",
		"",
	}
	for _, src := range bad {
		_, err := Parse(src)
		if err == nil {
			t.Errorf("Parse(%q) should fail", src)
			continue
		}
		var se *SyntaxError
		if !errors.As(err, &se) {
			t.Errorf("Parse(%q) error = %T, want *SyntaxError", src, err)
		}
	}
}

func TestParseUnary(t *testing.T) {
	n, err := Parse("!active && -balance < 0")
	if err != nil {
		t.Fatalf("Parse() failed: %v", err)
	}
	if _, ok := n.(*Binary); !ok {
		t.Fatalf("got %T, want *Binary", n)
	}
}
