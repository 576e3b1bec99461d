// Package scripting provides a goja-hosted virtual foreign binary: a way
// to define a foreign function's behavior (return values, callback
// invocations, faults) in JavaScript instead of hand-encoded RISC-V
// machine words. It exists because this module cannot ship a
// cross-compiled RISC-V ELF as a test fixture the way the teacher
// repository bundles a real ARM64 .so; scripting.Binary is its
// replacement for that bundled-library role, scoped to in-repo tests and
// the isorun "script" subcommand. It never substitutes for the real
// trampoline path — actual encapsulated binaries are always executed
// through internal/emulator's Unicorn-backed Invoke.
package scripting

import (
	"fmt"

	"github.com/dop251/goja"

	"github.com/omniglot-go/isorun/internal/emulator"
)

// Fault describes a foreign function electing to fault instead of
// returning, mirroring the {cause, tval} pair the real trap handler
// attaches to emulator.InvokeResult.
type Fault struct {
	Cause uint64
	TVal  uint64
}

// Result is a scripted function's outcome: either a clean {a0, a1}
// return or a Fault, never both.
type Result struct {
	A0    uint64
	A1    uint64
	Fault *Fault
}

// ToInvokeResult renders r in the same InvokeResult shape the real
// Unicorn-backed trap handler produces, so callers can exercise
// runtime-façade-adjacent logic against scripted functions without a
// branch for "was this real or scripted".
func (r Result) ToInvokeResult(sp uint64) emulator.InvokeResult {
	if r.Fault != nil {
		return emulator.InvokeResult{Error: emulator.Fault, Cause: r.Fault.Cause, TVal: r.Fault.TVal, SP: sp}
	}
	return emulator.InvokeResult{Error: emulator.NoError, A0: r.A0, A1: r.A1, SP: sp}
}

// CallbackFunc is how a scripted function reaches back into the kernel
// to dispatch a registered callback springboard, the JS-side analogue of
// a foreign function's "jalr ra, 0(a7)" through a callback descriptor.
type CallbackFunc func(springboard uint64, args []uint64) (a0, a1 uint64, err error)

// CompileError wraps a goja compilation failure with the offending
// source name.
type CompileError struct {
	Name string
	Err  error
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("scripting: compile %q: %v", e.Name, e.Err)
}

func (e *CompileError) Unwrap() error { return e.Err }

// UndefinedFunctionError means Call named a function the script never
// defined at the top level.
type UndefinedFunctionError struct {
	Name string
}

func (e *UndefinedFunctionError) Error() string {
	return fmt.Sprintf("scripting: %q is not defined as a function", e.Name)
}

// Binary is a compiled script standing in for an encapsulated binary:
// each top-level JS function it defines is a callable foreign function,
// addressed by name instead of a fixed-table index.
type Binary struct {
	vm     *goja.Runtime
	source string
}

// New compiles source as a goja program and evaluates it once, so its
// top-level function declarations become callable. name is used only
// for error messages.
func New(name, source string) (*Binary, error) {
	vm := goja.New()
	prog, err := goja.Compile(name, source, true)
	if err != nil {
		return nil, &CompileError{Name: name, Err: err}
	}
	if _, err := vm.RunProgram(prog); err != nil {
		return nil, &CompileError{Name: name, Err: err}
	}
	return &Binary{vm: vm, source: source}, nil
}

// host is the bridge object exposed to scripts as the global `host`,
// giving JS the same register/memory accessors real foreign code would
// reach through the emulator for, plus a way to dispatch a registered
// callback.
type host struct {
	emu      *emulator.Emulator
	callback CallbackFunc
}

func (h *host) readU32(addr uint64) uint32 {
	if h.emu == nil {
		return 0
	}
	v, _ := h.emu.ReadU32(addr)
	return v
}

func (h *host) writeU32(addr uint64, val uint32) {
	if h.emu == nil {
		return
	}
	_ = h.emu.WriteU32(addr, val)
}

// callbackJS is the shape host.callback returns to script: {a0, a1}, or
// it throws if the callback itself errors, since a scripted function has
// no other channel to observe a Go-side failure.
func (h *host) callbackJS(springboard uint64, jsArgs []uint64) (map[string]any, error) {
	if h.callback == nil {
		return nil, fmt.Errorf("scripting: no callback registered for this invoke")
	}
	a0, a1, err := h.callback(springboard, jsArgs)
	if err != nil {
		return nil, err
	}
	return map[string]any{"a0": a0, "a1": a1}, nil
}

// Call invokes the script's top-level function fn with args, binding
// `host` for the duration of the call so the script can read/write
// foreign memory through emu and dispatch callback through cb.
//
// args map onto a JS array the script indexes as args[0], args[1], ...;
// the script's return value must be an object shaped either
// {a0, a1} for a clean return or {fault: {cause, tval}} to simulate a
// fault, matching Result's two cases.
func (b *Binary) Call(fn string, emu *emulator.Emulator, args []uint64, cb CallbackFunc) (Result, error) {
	h := &host{emu: emu, callback: cb}
	if err := b.vm.Set("host", map[string]any{
		"readU32":  h.readU32,
		"writeU32": h.writeU32,
		"callback": h.callbackJS,
	}); err != nil {
		return Result{}, fmt.Errorf("scripting: bind host: %w", err)
	}

	value := b.vm.Get(fn)
	if value == nil || goja.IsUndefined(value) {
		return Result{}, &UndefinedFunctionError{Name: fn}
	}
	callable, ok := goja.AssertFunction(value)
	if !ok {
		return Result{}, &UndefinedFunctionError{Name: fn}
	}

	jsArgs := make([]goja.Value, len(args))
	for i, a := range args {
		jsArgs[i] = b.vm.ToValue(a)
	}

	ret, err := callable(goja.Undefined(), jsArgs...)
	if err != nil {
		return Result{}, fmt.Errorf("scripting: call %q: %w", fn, err)
	}

	return decodeResult(b.vm, ret)
}

func decodeResult(vm *goja.Runtime, v goja.Value) (Result, error) {
	obj := v.ToObject(vm)
	if obj == nil {
		return Result{}, fmt.Errorf("scripting: return value is not an object")
	}

	if faultVal := obj.Get("fault"); faultVal != nil && !goja.IsUndefined(faultVal) && !goja.IsNull(faultVal) {
		faultObj := faultVal.ToObject(vm)
		return Result{Fault: &Fault{
			Cause: toUint64(faultObj.Get("cause")),
			TVal:  toUint64(faultObj.Get("tval")),
		}}, nil
	}

	return Result{
		A0: toUint64(obj.Get("a0")),
		A1: toUint64(obj.Get("a1")),
	}, nil
}

func toUint64(v goja.Value) uint64 {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return 0
	}
	return uint64(v.ToInteger())
}
