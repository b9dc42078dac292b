package whenclause

import "testing"

func TestEvalBasic(t *testing.T) {
	cases := []struct {
		expr string
		ctx  Context
		want bool
	}{
		{"true", nil, true},
		{"false", nil, false},
		{"editor.hasSelection", Context{"editor.hasSelection": true}, true},
		{"missing.key", nil, false},
		{"!editor.hasSelection", Context{"editor.hasSelection": true}, false},
		{"a && b", Context{"a": true, "b": false}, false},
		{"a && b", Context{"a": true, "b": true}, true},
		{"a || b", Context{"a": false, "b": true}, true},
		{"(a || b) && c", Context{"a": true, "b": false, "c": true}, true},
		{"(a || b) && c", Context{"a": false, "b": false, "c": true}, false},
		{"!(a && b)", Context{"a": true, "b": true}, false},
	}
	for _, c := range cases {
		if got := Eval(c.expr, c.ctx); got != c.want {
			t.Errorf("Eval(%q, %v) = %v, want %v", c.expr, c.ctx, got, c.want)
		}
	}
}

func TestEvalSyntaxErrorsYieldFalse(t *testing.T) {
	cases := []string{
		"",
		"&&",
		"a &&",
		"(a || b",
		"a ? b",
		"a ||| b",
	}
	for _, expr := range cases {
		if got := Eval(expr, Context{"a": true, "b": true}); got != false {
			t.Errorf("Eval(%q) = %v, want false", expr, got)
		}
	}
}

func TestEvalOperatorPrecedence(t *testing.T) {
	// && binds tighter than ||
	ctx := Context{"a": true, "b": false, "c": false}
	if !Eval("a || b && c", ctx) {
		t.Fatal("expected a || (b && c) to be true since a is true")
	}
}
