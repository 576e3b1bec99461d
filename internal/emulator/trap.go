package emulator

import (
	"fmt"

	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"

	"github.com/omniglot-go/isorun/internal/alloc"
	glog "github.com/omniglot-go/isorun/internal/log"
)

// mcause values the trap handler distinguishes, named identically to the
// reference runtime's constants so the dispatch logic below reads the
// same way: instruction access fault (branching to non-executable code,
// the return-springboard signal), illegal instruction (the callback
// springboard's bit pattern, 0x00000000, the RISC-V "unimp" encoding),
// and an environment call from user mode (the clean-return ecall path).
const (
	MCauseInstructionAccessFault uint64 = 1
	MCauseIllegalInstruction     uint64 = 2
	MCauseEnvCallUMode           uint64 = 8
)

// InvokeErrorKind is the discriminant of InvokeResult.Error.
type InvokeErrorKind int

const (
	// NotCalled is the sentinel value an invoke result starts in;
	// consumers must reject it, since its presence after Invoke returns
	// means the trampoline never completed.
	NotCalled InvokeErrorKind = iota
	NoError
	Fault
)

func (k InvokeErrorKind) String() string {
	switch k {
	case NotCalled:
		return "NotCalled"
	case NoError:
		return "NoError"
	case Fault:
		return "Fault"
	default:
		return "unknown"
	}
}

// InvokeResult is the fixed-layout {error, a0, a1, sp} structure the trap
// handler populates once an invoke completes.
type InvokeResult struct {
	Error InvokeErrorKind
	A0    uint64
	A1    uint64
	SP    uint64

	// Cause, TVal, PC are only meaningful when Error == Fault.
	Cause uint64
	TVal  uint64
	PC    uint64
}

// TrapState is the trap handler's saved context at the moment a trap
// resolves to either a clean return or a fault. EncodeReturn is the pure
// function from TrapState to InvokeResult the testable-properties
// invariant "fault classification idempotence" exercises directly.
type TrapState struct {
	IsEcall            bool
	IsSpringboardFault bool
	Cause, TVal, PC    uint64
	A0, A1, SP         uint64
}

// EncodeReturn decides, from saved trap state alone, whether an invoke
// ended cleanly or in a fault, and builds the corresponding InvokeResult.
// It is pure and side-effect-free: given identical TrapState, it always
// produces an identical InvokeResult.
func EncodeReturn(s TrapState) InvokeResult {
	if s.IsEcall || s.IsSpringboardFault {
		return InvokeResult{Error: NoError, A0: s.A0, A1: s.A1, SP: s.SP}
	}
	return InvokeResult{Error: Fault, Cause: s.Cause, TVal: s.TVal, PC: s.PC, SP: s.SP}
}

// ActiveTrackerError is panicked when a trap arrives with no active
// tracker installed — an invoke attempted outside Execute, which per the
// runtime façade's contract (clearing the tracker pointer after
// construction) must crash deterministically rather than silently
// proceed unprotected.
type ActiveTrackerError struct{}

func (*ActiveTrackerError) Error() string {
	return "emulator: trap arrived with no active allocation tracker installed (invoke outside Execute)"
}

// TrapHandler wires the emulator's hooks into the C7/C8 state machine:
// Idle -> Prepared -> Running -> {interrupt loop, InCallback,
// EncodeReturn} -> Idle. It holds no state of its own across invokes
// beyond the active tracker cell, which the runtime façade owns and
// updates at Execute entry/exit.
type TrapHandler struct {
	emu    *Emulator
	mpu    *MPU
	active **alloc.Tracker // façade-owned cell; nil entry means no active scope

	result InvokeResult
}

// NewTrapHandler installs the trap hooks on emu and returns a handler
// that consults *active to resolve callback dispatch and mpu to
// enable/disable protection around a dispatched callback.
func NewTrapHandler(emu *Emulator, mpu *MPU, active **alloc.Tracker) (*TrapHandler, error) {
	th := &TrapHandler{emu: emu, mpu: mpu, active: active}

	if _, err := emu.mu.HookAdd(uc.HOOK_INSN_INVALID, th.onIllegalInstruction, 1, 0); err != nil {
		return nil, fmt.Errorf("emulator: install illegal-instruction hook: %w", err)
	}
	if _, err := emu.mu.HookAdd(uc.HOOK_INTR, th.onInterrupt, 1, 0); err != nil {
		return nil, fmt.Errorf("emulator: install interrupt hook: %w", err)
	}
	if _, err := emu.mu.HookAdd(uc.HOOK_MEM_FETCH_PROT, th.onFetchProt, 1, 0); err != nil {
		return nil, fmt.Errorf("emulator: install fetch-protection hook: %w", err)
	}
	if _, err := emu.mu.HookAdd(uc.HOOK_MEM_FETCH_UNMAPPED, th.onFetchProt, 1, 0); err != nil {
		return nil, fmt.Errorf("emulator: install fetch-unmapped hook: %w", err)
	}

	return th, nil
}

// Reset clears the saved result before a new invoke begins.
func (th *TrapHandler) Reset() {
	th.result = InvokeResult{Error: NotCalled}
}

// Result returns the invoke result populated by the last trap that ended
// emulation.
func (th *TrapHandler) Result() InvokeResult { return th.result }

func (th *TrapHandler) finish(state TrapState) {
	th.result = EncodeReturn(state)
	th.emu.Stop()
}

// onFetchProt handles any fetch Unicorn denies for protection or mapping
// reasons: an InstructionAccessFault per spec's mcause dispatch. This
// covers both the fixed return-springboard address (the normal-return
// signal) and a callback descriptor's springboard, which per spec §4.6
// is dispatched identically whether the CPU reports it as
// InstructionAccessFault (PMP denies the fetch — the case here, since
// callback springboard words are carved out of the read/write-only RAM
// region and never executable) or IllegalInstruction (handled in
// onIllegalInstruction, for a substrate where the fetch would have
// succeeded and decoding failed instead).
func (th *TrapHandler) onFetchProt(mu uc.Unicorn, accessType int, addr uint64, size int, value int64) bool {
	th.classifyFault(addr, MCauseInstructionAccessFault, addr)
	return true
}

// onInterrupt handles mcause traps Unicorn reports through the interrupt
// hook: an EnvCallUMode ecall, the other clean-return signal, or — for
// any other cause this emulation substrate surfaces via this path — a
// fault. Real hardware interrupts, serviced transparently per spec §4.6,
// have no analogue here since this substrate has no timer/peripheral
// model; any intno other than EnvCallUMode is therefore classified as a
// fault rather than retried.
func (th *TrapHandler) onInterrupt(mu uc.Unicorn, intno uint32) {
	sp := th.emu.SP()
	pc := th.emu.PC()
	a0, a1 := th.emu.A(0), th.emu.A(1)

	if uint64(intno) == MCauseEnvCallUMode {
		if glog.L != nil {
			glog.L.EventSimple("trap", "return", "ecall")
		}
		th.finish(TrapState{IsEcall: true, A0: a0, A1: a1, SP: sp})
		return
	}

	if glog.L != nil {
		glog.L.Fault(uint64(intno), 0, pc)
	}
	th.finish(TrapState{Cause: uint64(intno), PC: pc, SP: sp})
}

// onIllegalInstruction handles the springboard-or-genuine-fault case: if
// the faulting PC matches a registered CallbackDescriptor's springboard
// in the currently active tracker chain, dispatch the callback;
// otherwise encode a genuine illegal-instruction fault.
func (th *TrapHandler) onIllegalInstruction(mu uc.Unicorn) bool {
	pc := th.emu.PC()
	word, _ := th.emu.ReadU32(pc)
	th.classifyFault(pc, MCauseIllegalInstruction, uint64(word))
	return true
}

// classifyFault is the shared mcause dispatch both fetch-protection and
// illegal-instruction traps funnel through: the return springboard's
// fixed address is always a clean return; a faulting address matching
// some registered callback descriptor's springboard is always a
// dispatch; anything else is a genuine fault encoded with cause and
// tval as reported by whichever hook observed it.
func (th *TrapHandler) classifyFault(addr uint64, cause, tval uint64) {
	if addr == ReturnSpringboardAddr {
		sp := th.emu.SP()
		a0, a1 := th.emu.A(0), th.emu.A(1)
		if glog.L != nil {
			glog.L.EventSimple("trap", "return", "springboard fault")
		}
		th.finish(TrapState{IsSpringboardFault: true, A0: a0, A1: a1, SP: sp})
		return
	}

	tracker := *th.active
	if tracker == nil {
		panic(&ActiveTrackerError{})
	}

	if desc, ok := tracker.FindCallback(addr); ok {
		th.dispatchCallback(tracker, desc, addr)
		return
	}

	if glog.L != nil {
		glog.L.Fault(cause, tval, addr)
	}
	th.finish(TrapState{Cause: cause, TVal: tval, PC: addr, SP: th.emu.SP()})
}

func (th *TrapHandler) dispatchCallback(tracker *alloc.Tracker, desc *alloc.CallbackDescriptor, pc uint64) {
	if glog.L != nil {
		glog.L.CallbackDispatch(desc.Springboard, pc)
	}

	if err := th.mpu.Disable(); err != nil {
		panic(fmt.Sprintf("emulator: disable MPU for callback dispatch: %v", err))
	}

	cbCtx := &regArgContext{emu: th.emu}
	cbRet := &regReturn{}
	inner := tracker.Cons()

	// The invoking AccessScope is still held by whoever called into the
	// foreign function (Execute's caller, or an outer dispatchCallback for
	// a re-entrant callback); it is merely paused for the nested call, not
	// released, so suspend its registration rather than tearing it down.
	imprint := tracker.Imprint()
	alloc.SuspendAccessScope(imprint)
	accessScope := alloc.NewAccessScope(imprint)

	desc.Invoke(cbCtx, cbRet, inner, accessScope)
	accessScope.Release()
	alloc.ResumeAccessScope(imprint)

	if err := th.mpu.Enable(); err != nil {
		panic(fmt.Sprintf("emulator: re-enable MPU after callback dispatch: %v", err))
	}

	if v, ok := cbRet.get(0); ok {
		_ = th.emu.SetA(0, uint64(v))
	}
	if v, ok := cbRet.get(1); ok {
		_ = th.emu.SetA(1, uint64(v))
	}
	// The springboard is a standalone illegal-instruction word, not part
	// of the calling foreign function's code; resume where the call that
	// jumped to it intended to return, which is whatever the link
	// register held at the moment of the trap (set by the foreign
	// side's own call instruction, e.g. jalr ra, springboard).
	_ = th.emu.SetPC(th.emu.RA())
}

// regArgContext implements alloc.CallbackContext over the emulator's
// argument registers a0-a7.
type regArgContext struct{ emu *Emulator }

func (c *regArgContext) ArgumentRegister(i int) (uint32, bool) {
	if i < 0 || i >= 8 {
		return 0, false
	}
	return uint32(c.emu.A(i)), true
}

// regReturn implements alloc.CallbackReturn over two scratch registers,
// collected here rather than written directly so dispatchCallback can
// apply them after the MPU is re-enabled.
type regReturn struct {
	vals [2]uint32
	set  [2]bool
}

func (r *regReturn) SetReturnRegister(i int, v uint32) bool {
	if i < 0 || i >= 2 {
		return false
	}
	r.vals[i] = v
	r.set[i] = true
	return true
}

func (r *regReturn) get(i int) (uint32, bool) {
	return r.vals[i], r.set[i]
}
