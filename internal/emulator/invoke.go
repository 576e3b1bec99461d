package emulator

import "fmt"

// maxArgRegisters is the number of general-purpose argument registers
// (RISC-V32's a0-a7) the invoke ABI loads arguments into. Invoke rejects
// calls with more arguments than this; no argument is passed on the
// foreign stack.
const maxArgRegisters = 8

// InvokeError wraps a setup failure that prevented a foreign call from
// ever starting (distinct from InvokeResult.Fault, which reports a trap
// that occurred after the foreign call began running).
type InvokeError struct{ Detail string }

func (e *InvokeError) Error() string { return "emulator: invoke: " + e.Detail }

// Invoke is the C8 entry glue: it loads args into a0-a7 (spilling
// anything beyond eight words is out of scope for this runtime's ABI,
// matching spec's bounded argument-register model), sets sp to fsp, sets
// ra to the return springboard so a normal `ret` faults into the
// clean-return path, sets pc to fn, and runs the emulator until the trap
// handler records a result.
//
// Invoke does not itself manage the MPU or the active tracker cell —
// those are the runtime façade's responsibility (spec §4.7/§4.8); Invoke
// only drives one register-setup + Run + drain-result cycle.
func Invoke(emu *Emulator, trap *TrapHandler, fn uint64, fsp uint64, args []uint64) (InvokeResult, error) {
	if len(args) > maxArgRegisters {
		return InvokeResult{}, &InvokeError{Detail: fmt.Sprintf("%d arguments exceed the %d register ABI", len(args), maxArgRegisters)}
	}

	for i, a := range args {
		if err := emu.SetA(i, a); err != nil {
			return InvokeResult{}, &InvokeError{Detail: fmt.Sprintf("set a%d: %v", i, err)}
		}
	}
	for i := len(args); i < maxArgRegisters; i++ {
		if err := emu.SetA(i, 0); err != nil {
			return InvokeResult{}, &InvokeError{Detail: fmt.Sprintf("clear a%d: %v", i, err)}
		}
	}

	if err := emu.SetSP(fsp); err != nil {
		return InvokeResult{}, &InvokeError{Detail: fmt.Sprintf("set sp: %v", err)}
	}
	if err := emu.SetRA(ReturnSpringboardAddr); err != nil {
		return InvokeResult{}, &InvokeError{Detail: fmt.Sprintf("set ra: %v", err)}
	}
	if err := emu.SetPC(fn); err != nil {
		return InvokeResult{}, &InvokeError{Detail: fmt.Sprintf("set pc: %v", err)}
	}

	trap.Reset()
	if err := emu.Run(fn, 0); err != nil {
		// Unicorn surfaces some faults (e.g. an unmapped fetch with no
		// hook covering it) as a Start() error rather than through a
		// hook; treat these the same as a hook-reported fault so callers
		// see one consistent result shape.
		if trap.Result().Error == NotCalled {
			pc := emu.PC()
			trap.result = EncodeReturn(TrapState{Cause: MCauseInstructionAccessFault, PC: pc, SP: emu.SP()})
		}
	}

	result := trap.Result()
	if result.Error == NotCalled {
		return InvokeResult{}, &InvokeError{Detail: "emulation halted without the trap handler recording a result"}
	}
	return result, nil
}
