package workflow

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/dop251/goja"
)

// conversionSandboxTimeout bounds how long a conversion script may run before
// it is interrupted. Unlike SetupGojaVM's scripts (operator-authored, run
// once per workflow save), a conversion script runs on every edge traversal
// with caller-supplied data, so a runaway loop must not stall the executor.
const conversionSandboxTimeout = 2 * time.Second

// conversionMaxPayloadBytes bounds the JSON-encoded size of the value handed
// to a conversion script. This is the sandbox's memory limit: goja itself
// has no byte quota, so the cheapest backstop is refusing to hand it an
// oversized tree in the first place.
const conversionMaxPayloadBytes = 4 << 20 // 4 MiB

// RunConversionFunc evaluates a data-transformation expression against a
// single input value in an isolated, allowlisted-builtins-only Goja runtime.
//
// Unlike SetupGojaVM (used by the script/conditional/loop nodes, which
// deliberately expose httpGet/httpPost/etc. for operator-authored automation
// code), this sandbox never registers network, filesystem, or module-loading
// globals — Goja has none of those by default, so the absence of
// registerGojaHTTPHelpers/registerGojaHelpers is sufficient to guarantee it.
// Only a small set of pure builtins named in the conversion-function contract
// are exposed, plus the input value itself bound to "input".
//
// On any compile error, runtime error, or timeout, the function logs a
// warning and returns the original input unchanged rather than failing the
// edge — a conversion function is a best-effort reshape, not a gate.
func RunConversionFunc(expr string, input any) any {
	if expr == "" {
		return input
	}

	if payload, err := json.Marshal(input); err == nil && len(payload) > conversionMaxPayloadBytes {
		slog.Warn("conversion sandbox: input exceeds size limit, passing through unchanged",
			"bytes", len(payload), "limit", conversionMaxPayloadBytes)
		return input
	}

	vm := goja.New()
	vm.SetFieldNameMapper(goja.UncapFieldNameMapper())

	if err := registerConversionBuiltins(vm); err != nil {
		slog.Warn("conversion sandbox: failed to set up builtins, passing through unchanged", "error", err)
		return input
	}

	if err := vm.Set("input", input); err != nil {
		slog.Warn("conversion sandbox: failed to bind input, passing through unchanged", "error", err)
		return input
	}

	timer := time.AfterFunc(conversionSandboxTimeout, func() {
		vm.Interrupt("conversion function exceeded time limit")
	})
	defer timer.Stop()

	val, err := vm.RunString("(function(){" + expr + "})()")
	if err != nil {
		slog.Warn("conversion sandbox: script failed, passing through unchanged", "error", err)
		return input
	}

	return val.Export()
}

// registerConversionBuiltins sets the allowlisted pure helper functions the
// conversion-function contract names: length, min, max, sum, abs, round,
// enumerate, zip, range. None of them perform I/O.
func registerConversionBuiltins(vm *goja.Runtime) error {
	builtins := map[string]func(goja.FunctionCall) goja.Value{
		"length":    convLength(vm),
		"min":       convMin(vm),
		"max":       convMax(vm),
		"sum":       convSum(vm),
		"abs":       convAbs(vm),
		"round":     convRound(vm),
		"enumerate": convEnumerate(vm),
		"zip":       convZip(vm),
		"range":     convRange(vm),
	}

	for name, fn := range builtins {
		if err := vm.Set(name, fn); err != nil {
			return fmt.Errorf("register %s: %w", name, err)
		}
	}

	return nil
}

func convLength(vm *goja.Runtime) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) == 0 {
			return vm.ToValue(0)
		}
		switch v := call.Arguments[0].Export().(type) {
		case string:
			return vm.ToValue(len([]rune(v)))
		case []any:
			return vm.ToValue(len(v))
		case map[string]any:
			return vm.ToValue(len(v))
		default:
			return vm.ToValue(0)
		}
	}
}

func toFloatSlice(v any) []float64 {
	arr, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]float64, 0, len(arr))
	for _, item := range arr {
		switch n := item.(type) {
		case float64:
			out = append(out, n)
		case int64:
			out = append(out, float64(n))
		}
	}
	return out
}

func convMin(vm *goja.Runtime) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		nums := toFloatSlice(argOrArray(call.Arguments))
		if len(nums) == 0 {
			return goja.Undefined()
		}
		m := nums[0]
		for _, n := range nums[1:] {
			if n < m {
				m = n
			}
		}
		return vm.ToValue(m)
	}
}

func convMax(vm *goja.Runtime) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		nums := toFloatSlice(argOrArray(call.Arguments))
		if len(nums) == 0 {
			return goja.Undefined()
		}
		m := nums[0]
		for _, n := range nums[1:] {
			if n > m {
				m = n
			}
		}
		return vm.ToValue(m)
	}
}

func convSum(vm *goja.Runtime) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		nums := toFloatSlice(argOrArray(call.Arguments))
		var total float64
		for _, n := range nums {
			total += n
		}
		return vm.ToValue(total)
	}
}

// argOrArray lets min/max/sum accept either a single array argument
// (min([1,2,3])) or variadic numeric arguments (min(1,2,3)).
func argOrArray(args []goja.Value) any {
	if len(args) == 1 {
		if arr, ok := args[0].Export().([]any); ok {
			return arr
		}
	}
	arr := make([]any, len(args))
	for i, a := range args {
		arr[i] = a.Export()
	}
	return arr
}

func convAbs(vm *goja.Runtime) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) == 0 {
			return vm.ToValue(0)
		}
		return vm.ToValue(math.Abs(call.Arguments[0].ToFloat()))
	}
}

func convRound(vm *goja.Runtime) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) == 0 {
			return vm.ToValue(0)
		}
		n := call.Arguments[0].ToFloat()
		if len(call.Arguments) > 1 {
			places := call.Arguments[1].ToInteger()
			scale := math.Pow(10, float64(places))
			return vm.ToValue(math.Round(n*scale) / scale)
		}
		return vm.ToValue(math.Round(n))
	}
}

// convEnumerate returns an array of [index, value] pairs, mirroring Python's
// enumerate() — the conversion-function contract's builtins follow that
// naming, not JS's Array.prototype.entries().
func convEnumerate(vm *goja.Runtime) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) == 0 {
			return vm.ToValue([]any{})
		}
		arr, ok := call.Arguments[0].Export().([]any)
		if !ok {
			return vm.ToValue([]any{})
		}
		out := make([]any, len(arr))
		for i, v := range arr {
			out[i] = []any{i, v}
		}
		return vm.ToValue(out)
	}
}

func convZip(vm *goja.Runtime) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		var lists [][]any
		minLen := -1
		for _, arg := range call.Arguments {
			arr, _ := arg.Export().([]any)
			lists = append(lists, arr)
			if minLen == -1 || len(arr) < minLen {
				minLen = len(arr)
			}
		}
		if minLen <= 0 {
			return vm.ToValue([]any{})
		}
		out := make([]any, minLen)
		for i := 0; i < minLen; i++ {
			row := make([]any, len(lists))
			for j, l := range lists {
				row[j] = l[i]
			}
			out[i] = row
		}
		return vm.ToValue(out)
	}
}

func convRange(vm *goja.Runtime) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		var start, stop, step float64 = 0, 0, 1
		switch len(call.Arguments) {
		case 0:
			return vm.ToValue([]any{})
		case 1:
			stop = call.Arguments[0].ToFloat()
		case 2:
			start = call.Arguments[0].ToFloat()
			stop = call.Arguments[1].ToFloat()
		default:
			start = call.Arguments[0].ToFloat()
			stop = call.Arguments[1].ToFloat()
			step = call.Arguments[2].ToFloat()
		}
		if step == 0 {
			return vm.ToValue([]any{})
		}

		var out []any
		if step > 0 {
			for v := start; v < stop; v += step {
				out = append(out, v)
			}
		} else {
			for v := start; v > stop; v += step {
				out = append(out, v)
			}
		}
		return vm.ToValue(out)
	}
}
