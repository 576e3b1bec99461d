// Package emulator provides RISC-V32 emulation, via Unicorn Engine,
// standing in for the hardware PMP-protected core the isolation runtime
// was originally specified against (C7 protection-domain switch and C8
// invoke ABI glue). Where bare-metal RISC-V uses real PMP regions and a
// machine-mode trap handler, this package uses Unicorn memory regions
// and its code/interrupt/invalid-instruction hooks, mirroring how the
// teacher repository this module descends from substitutes Unicorn for
// real ARM64 hardware.
package emulator

import (
	"encoding/binary"
	"fmt"
	"sync"

	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"
)

// Memory layout. Flash holds the encapsulated binary (read+execute); RAM
// is the foreign region the binary's static data, allocator scratch
// space, and stack all live inside (read+write); the return springboard
// is a single unmapped-for-execution word outside both, so that foreign
// code branching there faults instead of running kernel code it was
// never granted access to.
const (
	FlashBase = 0x20000000
	FlashSize = 0x00100000 // 1MB of flash, enough for several concatenated records

	RAMBase = 0x80000000
	RAMSize = 0x00100000 // 1MB foreign RAM region

	ReturnSpringboardAddr = 0xF0000000
	returnSpringboardSize = 0x1000
)

// HookType identifies the category of a registered hook, mirroring the
// teacher repository's categorization even though only HookCode is
// exposed generically here; the trap-specific hooks live in trap.go.
type HookType int

const (
	HookCode HookType = iota
	HookMem
	HookIntr
)

// CodeHookFunc is called for every instruction executed, primarily used
// for trace collection.
type CodeHookFunc func(emu *Emulator, addr uint64, size uint32)

// Emulator wraps a Unicorn RISC-V32 context.
type Emulator struct {
	mu uc.Unicorn

	codeHooks []CodeHookFunc

	stopped bool

	traceMu     sync.Mutex
	traceEvents []TraceEvent

	// trap is the installed trap dispatcher (see trap.go); nil until
	// Emulator is wired into a runtime.
	trap *TrapHandler
}

// TraceEvent records one executed instruction, used by internal/trace to
// build a replayable record of an invoke.
type TraceEvent struct {
	Address uint64
	Size    uint32
	Detail  string
}

// New creates a RISC-V32 emulator with flash and RAM mapped, ready for a
// binary to be loaded into flash and a runtime constructed over it.
func New() (*Emulator, error) {
	mu, err := uc.NewUnicorn(uc.ARCH_RISCV, uc.MODE_RISCV32)
	if err != nil {
		return nil, fmt.Errorf("create unicorn: %w", err)
	}

	emu := &Emulator{mu: mu}

	if err := emu.mapMemory(); err != nil {
		mu.Close()
		return nil, err
	}
	if err := emu.setupHooks(); err != nil {
		mu.Close()
		return nil, err
	}

	return emu, nil
}

func (e *Emulator) mapMemory() error {
	regions := []struct {
		base, size uint64
		prot       int
		name       string
	}{
		{FlashBase, FlashSize, uc.PROT_READ | uc.PROT_EXEC, "flash"},
		{RAMBase, RAMSize, uc.PROT_READ | uc.PROT_WRITE, "ram"},
		{ReturnSpringboardAddr, returnSpringboardSize, uc.PROT_NONE, "return-springboard"},
	}
	for _, r := range regions {
		if err := e.mu.MemMapProt(r.base, r.size, r.prot); err != nil {
			return fmt.Errorf("map %s (0x%x): %w", r.name, r.base, err)
		}
	}
	return nil
}

func (e *Emulator) setupHooks() error {
	_, err := e.mu.HookAdd(uc.HOOK_CODE, func(mu uc.Unicorn, addr uint64, size uint32) {
		if e.stopped {
			e.mu.Stop()
			return
		}
		for _, h := range e.codeHooks {
			h(e, addr, size)
		}
	}, 1, 0)
	return err
}

// Close releases the underlying Unicorn context.
func (e *Emulator) Close() error {
	return e.mu.Close()
}

// LoadFlash writes the encapsulated binary's bytes at offset within the
// flash region.
func (e *Emulator) LoadFlash(offset uint64, data []byte) error {
	return e.mu.MemWrite(FlashBase+offset, data)
}

// ReadAt reads length bytes at addr, satisfying foreignmem.Memory.
func (e *Emulator) ReadAt(addr, length uint64) ([]byte, error) {
	return e.mu.MemRead(addr, length)
}

// WriteAt writes data at addr, satisfying foreignmem.Memory.
func (e *Emulator) WriteAt(addr uint64, data []byte) error {
	return e.mu.MemWrite(addr, data)
}

// ReadU32 reads a little-endian uint32 from memory.
func (e *Emulator) ReadU32(addr uint64) (uint32, error) {
	data, err := e.mu.MemRead(addr, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(data), nil
}

// WriteU32 writes a little-endian uint32 to memory.
func (e *Emulator) WriteU32(addr uint64, val uint32) error {
	data := make([]byte, 4)
	binary.LittleEndian.PutUint32(data, val)
	return e.mu.MemWrite(addr, data)
}

// Reg reads general-purpose register x0-x31.
func (e *Emulator) Reg(n int) uint64 {
	if n < 0 || n > 31 {
		return 0
	}
	val, _ := e.mu.RegRead(riscvX0 + n)
	return val
}

// SetReg writes general-purpose register x0-x31.
func (e *Emulator) SetReg(n int, val uint64) error {
	if n < 0 || n > 31 {
		return fmt.Errorf("invalid register x%d", n)
	}
	return e.mu.RegWrite(riscvX0+n, val)
}

// A returns argument/return register a0-a7 (x10-x17).
func (e *Emulator) A(n int) uint64 {
	if n < 0 || n > 7 {
		return 0
	}
	return e.Reg(10 + n)
}

// SetA writes argument/return register a0-a7 (x10-x17).
func (e *Emulator) SetA(n int, val uint64) error {
	if n < 0 || n > 7 {
		return fmt.Errorf("invalid register a%d", n)
	}
	return e.SetReg(10+n, val)
}

// PC returns the program counter.
func (e *Emulator) PC() uint64 {
	pc, _ := e.mu.RegRead(uc.RISCV_REG_PC)
	return pc
}

// SetPC sets the program counter.
func (e *Emulator) SetPC(val uint64) error {
	return e.mu.RegWrite(uc.RISCV_REG_PC, val)
}

// SP returns the stack pointer (x2).
func (e *Emulator) SP() uint64 { return e.Reg(2) }

// SetSP sets the stack pointer (x2).
func (e *Emulator) SetSP(val uint64) error { return e.SetReg(2, val) }

// RA returns the return address register (x1).
func (e *Emulator) RA() uint64 { return e.Reg(1) }

// SetRA sets the return address register (x1).
func (e *Emulator) SetRA(val uint64) error { return e.SetReg(1, val) }

// HookCode adds a code hook called for every instruction.
func (e *Emulator) HookCode(fn CodeHookFunc) {
	e.codeHooks = append(e.codeHooks, fn)
}

// EnableTrace starts collecting TraceEvents via a code hook.
func (e *Emulator) EnableTrace() {
	e.HookCode(func(emu *Emulator, addr uint64, size uint32) {
		emu.traceMu.Lock()
		defer emu.traceMu.Unlock()
		emu.traceEvents = append(emu.traceEvents, TraceEvent{Address: addr, Size: size})
	})
}

// TraceEvents returns a snapshot of collected trace events.
func (e *Emulator) TraceEvents() []TraceEvent {
	e.traceMu.Lock()
	defer e.traceMu.Unlock()
	return append([]TraceEvent{}, e.traceEvents...)
}

// Run starts emulation from start and runs until the trap handler
// signals a terminal state (normal return or fault) by calling Stop, or
// until end is reached if non-zero.
func (e *Emulator) Run(start, end uint64) error {
	e.stopped = false
	return e.mu.Start(start, end)
}

// Stop halts emulation at the next instruction boundary.
func (e *Emulator) Stop() {
	e.stopped = true
	e.mu.Stop()
}

// riscvX0 is the base register constant; x0..x31 are contiguous from
// here in the Unicorn RISC-V register enum.
const riscvX0 = uc.RISCV_REG_X0
