package emulator

import (
	"testing"

	"github.com/omniglot-go/isorun/internal/alloc"
)

// riscvRet is the RISC-V32 encoding of `jalr x0, 0(ra)` — the `ret`
// pseudo-instruction, branching to whatever ra currently holds.
const riscvRet = 0x00008067

func newTestRig(t *testing.T) (*Emulator, *TrapHandler, *alloc.Tracker) {
	t.Helper()
	emu, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = emu.Close() })

	tracker := alloc.NewBase(alloc.NewImprint(),
		alloc.Region{Start: RAMBase, Length: RAMSize},
		alloc.Region{Start: FlashBase, Length: FlashSize})
	active := tracker

	mpu := NewMPU(emu)
	trap, err := NewTrapHandler(emu, mpu, &active)
	if err != nil {
		t.Fatalf("NewTrapHandler: %v", err)
	}
	return emu, trap, tracker
}

func writeU32Flash(t *testing.T, emu *Emulator, addr uint64, word uint32) {
	t.Helper()
	if err := emu.WriteU32(addr, word); err != nil {
		t.Fatalf("WriteU32(%#x): %v", addr, err)
	}
}

// TestScenarioD_NopInvoke implements Scenario D: a foreign function that
// returns immediately.
func TestScenarioD_NopInvoke(t *testing.T) {
	emu, trap, _ := newTestRig(t)

	fn := uint64(FlashBase + 0x100)
	writeU32Flash(t, emu, fn, riscvRet)

	fsp := uint64(RAMBase + RAMSize - 0x100)

	result, err := Invoke(emu, trap, fn, fsp, nil)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if result.Error != NoError {
		t.Fatalf("result.Error = %v, want NoError", result.Error)
	}
	if result.A0 != 0 {
		t.Fatalf("result.A0 = %#x, want 0", result.A0)
	}
	if result.SP != fsp {
		t.Fatalf("result.SP = %#x, want %#x (unchanged)", result.SP, fsp)
	}
}

// TestScenarioF_FaultEncoding implements Scenario F: an illegal
// instruction inside the binary, not at a registered springboard,
// classified as a fault rather than dispatched as a callback.
func TestScenarioF_FaultEncoding(t *testing.T) {
	emu, trap, _ := newTestRig(t)

	const faultPC = uint64(FlashBase + 0x10050)
	writeU32Flash(t, emu, faultPC, 0x00000000) // all-zero word: illegal instruction

	fsp := uint64(RAMBase + RAMSize - 0x100)

	result, err := Invoke(emu, trap, faultPC, fsp, nil)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if result.Error != Fault {
		t.Fatalf("result.Error = %v, want Fault", result.Error)
	}
	if result.Cause != MCauseIllegalInstruction {
		t.Fatalf("result.Cause = %#x, want IllegalInstruction (%#x)", result.Cause, MCauseIllegalInstruction)
	}
	if result.TVal != 0 {
		t.Fatalf("result.TVal = %#x, want 0", result.TVal)
	}
	if result.PC != faultPC {
		t.Fatalf("result.PC = %#x, want %#x", result.PC, faultPC)
	}
}

// TestEncodeReturnIdempotent implements the fault-classification
// idempotence property: EncodeReturn is pure, so calling it twice on the
// same TrapState yields identical results.
func TestEncodeReturnIdempotent(t *testing.T) {
	states := []TrapState{
		{IsEcall: true, A0: 1, A1: 2, SP: 0x1ff0},
		{IsSpringboardFault: true, A0: 3, A1: 4, SP: 0x1fe0},
		{Cause: MCauseIllegalInstruction, TVal: 0, PC: 0x20010050, SP: 0x1fd0},
	}
	for _, s := range states {
		r1 := EncodeReturn(s)
		r2 := EncodeReturn(s)
		if r1 != r2 {
			t.Fatalf("EncodeReturn(%+v) not idempotent: %+v != %+v", s, r1, r2)
		}
	}
}
