package workflow

import "testing"

func TestRunConversionFuncSum(t *testing.T) {
	got := RunConversionFunc("return sum(input)", []any{1.0, 2.0, 3.5})
	if got != float64(6.5) {
		t.Fatalf("got %v, want 6.5", got)
	}
}

func TestRunConversionFuncMinMax(t *testing.T) {
	if got := RunConversionFunc("return min(input)", []any{3.0, 1.0, 2.0}); got != float64(1) {
		t.Fatalf("min: got %v, want 1", got)
	}
	if got := RunConversionFunc("return max(input)", []any{3.0, 1.0, 2.0}); got != float64(3) {
		t.Fatalf("max: got %v, want 3", got)
	}
}

func TestRunConversionFuncRange(t *testing.T) {
	got, ok := RunConversionFunc("return range(3)", nil).([]any)
	if !ok || len(got) != 3 {
		t.Fatalf("got %v, want [0 1 2]", got)
	}
}

func TestRunConversionFuncEnumerate(t *testing.T) {
	got, ok := RunConversionFunc("return enumerate(input)", []any{"a", "b"}).([]any)
	if !ok || len(got) != 2 {
		t.Fatalf("got %v, want 2 pairs", got)
	}
}

func TestRunConversionFuncEmptyExpressionPassesThrough(t *testing.T) {
	in := map[string]any{"x": 1}
	got := RunConversionFunc("", in)
	if m, ok := got.(map[string]any); !ok || m["x"] != 1 {
		t.Fatalf("got %v, want input unchanged", got)
	}
}

func TestRunConversionFuncInvalidScriptPassesThrough(t *testing.T) {
	in := map[string]any{"x": 1}
	got := RunConversionFunc("this is not valid javascript (((", in)
	if m, ok := got.(map[string]any); !ok || m["x"] != 1 {
		t.Fatalf("got %v, want input unchanged on compile error", got)
	}
}

func TestRunConversionFuncNoNetworkGlobals(t *testing.T) {
	got := RunConversionFunc("return typeof httpGet", nil)
	if got != "undefined" {
		t.Fatalf("httpGet should not be reachable from the conversion sandbox, got typeof=%v", got)
	}
}
