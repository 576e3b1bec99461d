package scripting

import (
	"fmt"
	"testing"
)

func TestCallCleanReturn(t *testing.T) {
	b, err := New("inline", `function double_it(x) { return {a0: x * 2, a1: 0}; }`)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	result, err := b.Call("double_it", nil, []uint64{21}, nil)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if result.Fault != nil {
		t.Fatalf("result.Fault = %+v, want nil", result.Fault)
	}
	if result.A0 != 42 {
		t.Fatalf("result.A0 = %d, want 42", result.A0)
	}
}

func TestCallFault(t *testing.T) {
	b, err := New("inline", `function always_faults() { return {fault: {cause: 2, tval: 0}}; }`)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	result, err := b.Call("always_faults", nil, nil, nil)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if result.Fault == nil {
		t.Fatal("result.Fault = nil, want a fault")
	}
	if result.Fault.Cause != 2 {
		t.Fatalf("result.Fault.Cause = %d, want 2", result.Fault.Cause)
	}
}

func TestCallDispatchesCallback(t *testing.T) {
	b, err := New("inline", `
		function calls_back(springboard, arg) {
			var r = host.callback(springboard, [arg + 1]);
			return {a0: r.a0, a1: r.a1};
		}
	`)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var sawSpringboard uint64
	var sawArgs []uint64
	cb := func(springboard uint64, args []uint64) (uint64, uint64, error) {
		sawSpringboard = springboard
		sawArgs = args
		return 0xAAAA, 0xBBBB, nil
	}

	result, err := b.Call("calls_back", nil, []uint64{0x1000, 41}, cb)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if sawSpringboard != 0x1000 {
		t.Fatalf("sawSpringboard = %#x, want 0x1000", sawSpringboard)
	}
	if len(sawArgs) != 1 || sawArgs[0] != 42 {
		t.Fatalf("sawArgs = %v, want [42]", sawArgs)
	}
	if result.A0 != 0xAAAA || result.A1 != 0xBBBB {
		t.Fatalf("result = {a0=%#x a1=%#x}, want {a0=0xaaaa a1=0xbbbb}", result.A0, result.A1)
	}
}

func TestCallUndefinedFunction(t *testing.T) {
	b, err := New("inline", `function exists() { return {a0: 0, a1: 0}; }`)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, err = b.Call("does_not_exist", nil, nil, nil)
	if err == nil {
		t.Fatal("Call: expected an error for an undefined function")
	}
	var undefErr *UndefinedFunctionError
	if !asUndefinedFunctionError(err, &undefErr) {
		t.Fatalf("Call error = %v, want *UndefinedFunctionError", err)
	}
}

func asUndefinedFunctionError(err error, target **UndefinedFunctionError) bool {
	if e, ok := err.(*UndefinedFunctionError); ok {
		*target = e
		return true
	}
	return false
}

func TestCompileError(t *testing.T) {
	_, err := New("broken", `function ( { not valid js`)
	if err == nil {
		t.Fatal("New: expected a compile error")
	}
	if got := fmt.Sprintf("%v", err); got == "" {
		t.Fatal("New: error message empty")
	}
}
