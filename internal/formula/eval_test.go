package formula

import (
	"math"
	"testing"
)

func TestEvaluateArithmetic(t *testing.T) {
	f, err := Parse("(temperature * 1.8) + 32")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	got := f.Evaluate(map[string]any{"temperature": 100.0})
	if got != 212 {
		t.Fatalf("got %v, want 212", got)
	}
}

func TestEvaluateMissingAttributeIsNaN(t *testing.T) {
	f, err := Parse("missing + 1")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	got := f.Evaluate(map[string]any{})
	if !math.IsNaN(got) {
		t.Fatalf("got %v, want NaN", got)
	}
}

func TestEvaluateNaNComparisons(t *testing.T) {
	f, err := Parse("missing == missing")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got := f.Evaluate(nil); got != 0 {
		t.Fatalf("NaN == NaN should be false, got %v", got)
	}

	neq, err := Parse("missing != missing")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got := neq.Evaluate(nil); got != 1 {
		t.Fatalf("NaN != NaN should be true, got %v", got)
	}

	lt, err := Parse("missing < 5")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got := lt.Evaluate(nil); got != 1 {
		t.Fatalf("NaN < 5 should be true (NaN is the minimum under <), got %v", got)
	}

	// spec.md §4.4/§9: the NaN-ordering table is deliberately asymmetric.
	// "NaN > 42" is false but "42 > NaN" is true.
	gtNaN, err := Parse("missing > 42")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got := gtNaN.Evaluate(nil); got != 0 {
		t.Fatalf("NaN > 42 should be false, got %v", got)
	}

	naNGt, err := Parse("42 > missing")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got := naNGt.Evaluate(nil); got != 1 {
		t.Fatalf("42 > NaN should be true, got %v", got)
	}
}

func TestEvaluateLogical(t *testing.T) {
	f, err := Parse("(level > 10) && (level < 20)")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got := f.Evaluate(map[string]any{"level": 15.0}); got != 1 {
		t.Fatalf("got %v, want 1", got)
	}
	if got := f.Evaluate(map[string]any{"level": 25.0}); got != 0 {
		t.Fatalf("got %v, want 0", got)
	}
}

func TestFormulaStringRoundTrips(t *testing.T) {
	f, err := Parse("temperature + 1")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got := f.Tree().String(); got != "(temperature + 1)" {
		t.Fatalf("got %q", got)
	}
}
