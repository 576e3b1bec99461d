package runtime

import (
	"testing"

	"github.com/omniglot-go/isorun/internal/alloc"
	"github.com/omniglot-go/isorun/internal/allocator"
	"github.com/omniglot-go/isorun/internal/emulator"
	"github.com/omniglot-go/isorun/internal/header"
)

const (
	riscvRet         = 0x00008067 // jalr x0, 0(ra)
	riscvMvS0Ra      = 0x00008413 // addi s0, ra, 0  (save ra)
	riscvJalrRAViaA7 = 0x000880E7 // jalr ra, 0(a7)  (call through a7)
	riscvMvRaS0      = 0x00040093 // addi ra, s0, 0  (restore ra)
	riscvLwA0A0      = 0x00052503 // lw a0, 0(a0)    (dereference a0 into a0)
	riscvMvA0Sp      = 0x00010513 // addi a0, sp, 0  (return sp)

	initOffset       = 0x20 // 2 instructions: return sp as top of stack, ret
	ubenchNopOffset  = 0x30
	callbackFnOffset = 0x50 // 4 instructions: save ra, call a7, restore ra, ret
	echoPtrOffset    = 0x60 // 2 instructions: dereference a0, ret
	fntabOffset      = 0x70
)

// buildTestBinary writes a minimal encapsulated binary into emu's flash:
// an init that returns the stack pointer it was entered with as the
// top-of-stack, a no-op ubench function (fntab[0]), and a callback-test
// function (fntab[1]) that calls through whatever address a7 holds —
// saving and restoring ra around the call the way any compiled foreign
// function would, since the call itself (like any call) clobbers the
// link register.
func buildTestBinary(t *testing.T, emu *emulator.Emulator) (header.Binary, []byte) {
	t.Helper()
	const binStart = uint64(emulator.FlashBase)
	const binLength = 0x100

	parsed := header.Parsed{
		RuntimeHeaderAddr: binStart,
		InitAddr:          binStart + initOffset,
		FnTableAddr:       binStart + fntabOffset,
		FnTableLength:     3,
	}
	headerBytes := header.Serialize(binStart, parsed)

	if err := emu.LoadFlash(0, headerBytes); err != nil {
		t.Fatalf("write header: %v", err)
	}
	if err := emu.WriteU32(binStart+initOffset, riscvMvA0Sp); err != nil {
		t.Fatalf("write init instr0: %v", err)
	}
	if err := emu.WriteU32(binStart+initOffset+4, riscvRet); err != nil {
		t.Fatalf("write init instr1: %v", err)
	}
	if err := emu.WriteU32(binStart+ubenchNopOffset, riscvRet); err != nil {
		t.Fatalf("write ubench_nop: %v", err)
	}
	if err := emu.WriteU32(binStart+callbackFnOffset, riscvMvS0Ra); err != nil {
		t.Fatalf("write callback fn instr0: %v", err)
	}
	if err := emu.WriteU32(binStart+callbackFnOffset+4, riscvJalrRAViaA7); err != nil {
		t.Fatalf("write callback fn instr1: %v", err)
	}
	if err := emu.WriteU32(binStart+callbackFnOffset+8, riscvMvRaS0); err != nil {
		t.Fatalf("write callback fn instr2: %v", err)
	}
	if err := emu.WriteU32(binStart+callbackFnOffset+12, riscvRet); err != nil {
		t.Fatalf("write callback fn instr3: %v", err)
	}
	if err := emu.WriteU32(binStart+echoPtrOffset, riscvLwA0A0); err != nil {
		t.Fatalf("write echo_ptr instr0: %v", err)
	}
	if err := emu.WriteU32(binStart+echoPtrOffset+4, riscvRet); err != nil {
		t.Fatalf("write echo_ptr instr1: %v", err)
	}
	if err := emu.WriteU32(binStart+fntabOffset, uint32(binStart+ubenchNopOffset)); err != nil {
		t.Fatalf("write fntab[0]: %v", err)
	}
	if err := emu.WriteU32(binStart+fntabOffset+4, uint32(binStart+callbackFnOffset)); err != nil {
		t.Fatalf("write fntab[1]: %v", err)
	}
	if err := emu.WriteU32(binStart+fntabOffset+8, uint32(binStart+echoPtrOffset)); err != nil {
		t.Fatalf("write fntab[2]: %v", err)
	}

	return header.Binary{Start: binStart, Length: binLength}, headerBytes
}

func newTestRuntime(t *testing.T) (*Runtime, *alloc.AllocScope, *alloc.AccessScope) {
	t.Helper()
	emu, err := emulator.New()
	if err != nil {
		t.Fatalf("emulator.New: %v", err)
	}
	t.Cleanup(func() { _ = emu.Close() })

	bin, headerBytes := buildTestBinary(t, emu)

	rt, allocScope, accessScope, err := New(emu, bin, headerBytes, emulator.RAMBase, emulator.RAMSize, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(accessScope.Release)
	return rt, allocScope, accessScope
}

// TestScenarioD_NopInvoke exercises Scenario D through the runtime
// façade end to end: construct, look up ubench_nop, invoke it inside
// Execute, and confirm a clean NoError/a0=0 result with fsp unchanged.
// Every invoke is exactly one trampoline entry (kernel -> foreign) and
// one trap-handler return (foreign -> kernel): the two domain switches
// Scenario D calls for.
func TestScenarioD_NopInvoke(t *testing.T) {
	rt, allocScope, _ := newTestRuntime(t)

	fn, err := rt.LookupSymbol(0)
	if err != nil {
		t.Fatalf("LookupSymbol(0): %v", err)
	}

	fspBefore := rt.Stack().FSP()

	result, err := Execute(rt, allocScope, func() (emulator.InvokeResult, error) {
		return rt.Invoke(fn, nil)
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Error != emulator.NoError {
		t.Fatalf("result.Error = %v, want NoError", result.Error)
	}
	if result.A0 != 0 {
		t.Fatalf("result.A0 = %#x, want 0", result.A0)
	}
	if rt.Stack().FSP() != fspBefore {
		t.Fatalf("fsp after call = %#x, want %#x (unchanged)", rt.Stack().FSP(), fspBefore)
	}
}

// TestScenarioE_CallbackDispatch exercises Scenario E: the foreign side
// jumps to a registered callback's springboard, the closure observes the
// foreign a0, PMP is disabled only for the closure's duration, and the
// closure's return-register writes become the foreign a0/a1 on resume.
func TestScenarioE_CallbackDispatch(t *testing.T) {
	rt, allocScope, _ := newTestRuntime(t)

	const fooArg = uint64(0xABCD)
	const retA0 = uint32(0x111)
	const retA1 = uint32(0x222)

	var invokeCount int
	var sawArg uint32
	var sawArgOK bool
	var mpuDisabledDuringCallback bool

	wrapper := func(context any, cbCtx alloc.CallbackContext, cbRet alloc.CallbackReturn, inner *alloc.Tracker, accessScope *alloc.AccessScope) {
		invokeCount++
		sawArg, sawArgOK = cbCtx.ArgumentRegister(0)
		mpuDisabledDuringCallback = !rt.mpu.Enabled()
		cbRet.SetReturnRegister(0, retA0)
		cbRet.SetReturnRegister(1, retA1)
	}

	fn, err := rt.LookupSymbol(1)
	if err != nil {
		t.Fatalf("LookupSymbol(1): %v", err)
	}

	result, err := SetupCallback(rt, allocScope, wrapper, nil, func(springboard uint64, innerScope *alloc.AllocScope) (emulator.InvokeResult, error) {
		return Execute(rt, innerScope, func() (emulator.InvokeResult, error) {
			args := make([]uint64, 8)
			args[0] = fooArg
			args[7] = springboard
			return rt.Invoke(fn, args)
		})
	})
	if err != nil {
		t.Fatalf("SetupCallback: %v", err)
	}

	if invokeCount != 1 {
		t.Fatalf("invokeCount = %d, want 1", invokeCount)
	}
	if !sawArgOK || uint64(sawArg) != fooArg {
		t.Fatalf("cb_ctx argument 0 = %#x (ok=%v), want %#x", sawArg, sawArgOK, fooArg)
	}
	if !mpuDisabledDuringCallback {
		t.Fatal("MPU was not disabled while the callback closure ran")
	}
	if result.Error != emulator.NoError {
		t.Fatalf("result.Error = %v, want NoError", result.Error)
	}
	if result.A0 != uint64(retA0) || result.A1 != uint64(retA1) {
		t.Fatalf("result = {a0=%#x a1=%#x}, want {a0=%#x a1=%#x}", result.A0, result.A1, retA0, retA1)
	}
}

// TestAllocateStackedPointerArgument exercises the façade-level
// AllocateStacked: a pointer argument is carved out of the shared region,
// written into emulator memory, handed to a foreign function that
// dereferences it, and the frame is gone (fsp restored) once the call
// returns.
func TestAllocateStackedPointerArgument(t *testing.T) {
	rt, allocScope, _ := newTestRuntime(t)

	const want = uint32(0xCAFEF00D)

	fn, err := rt.LookupSymbol(2)
	if err != nil {
		t.Fatalf("LookupSymbol(2): %v", err)
	}

	fspBefore := rt.Stack().FSP()

	result, err := Execute(rt, allocScope, func() (emulator.InvokeResult, error) {
		return AllocateStacked(rt, allocScope, allocator.Layout{Size: 4, Align: 4}, func(ptr uint64, _ *alloc.AllocScope) (emulator.InvokeResult, error) {
			if err := rt.emu.WriteU32(ptr, want); err != nil {
				t.Fatalf("write allocated word: %v", err)
			}
			if ptr < emulator.RAMBase || ptr+4 > rt.Stack().FSP()+4 {
				t.Fatalf("ptr %#x escapes the shared region", ptr)
			}
			return rt.Invoke(fn, []uint64{ptr})
		})
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Error != emulator.NoError {
		t.Fatalf("result.Error = %v, want NoError", result.Error)
	}
	if uint32(result.A0) != want {
		t.Fatalf("result.A0 = %#x, want %#x", result.A0, want)
	}
	if rt.Stack().FSP() != fspBefore {
		t.Fatalf("fsp after call = %#x, want %#x (restored)", rt.Stack().FSP(), fspBefore)
	}
}
