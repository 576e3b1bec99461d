package alloc

// CallbackContext exposes the foreign call's argument registers to a
// dispatched callback wrapper, per the callback wrapper C-ABI: up to
// eight general-purpose argument registers, a0 through a7.
type CallbackContext interface {
	// ArgumentRegister returns the value of register i (0 <= i < 8) and
	// true, or false if i is out of range.
	ArgumentRegister(i int) (uint32, bool)
}

// CallbackReturn lets a dispatched callback wrapper set the two return
// registers (a0, a1) that resume the foreign domain.
type CallbackReturn interface {
	// SetReturnRegister sets register i (0 <= i < 2) to v, returning
	// false if i is out of range.
	SetReturnRegister(i int, v uint32) bool
}

// Wrapper is the stable C-ABI entry point a closure is erased behind.
// context is the opaque pointer captured at registration time; cb_ctx and
// cb_ret give access to the faulting call's arguments and let the wrapper
// set its return values; accessScope is a fresh capability for reading
// and writing foreign memory during the callback.
type Wrapper func(context any, cbCtx CallbackContext, cbRet CallbackReturn, inner *Tracker, accessScope *AccessScope)

// CallbackDescriptor is a registered callback: {springboard, wrapper,
// context}, per the data model. It exists on the allocation tracker chain
// from the moment setup_callback constructs it; a springboard fault finds
// it only while a chain containing it is the active one installed by
// Execute. Once no such chain is active, a springboard fault can no
// longer find it and the foreign pointer that referenced it must not be
// invoked again.
type CallbackDescriptor struct {
	// Springboard is the address of a word whose bit pattern is an
	// illegal instruction (the RISC-V all-zero word, 0x00000000 — the
	// "unimp" encoding). Foreign code never executes this word directly;
	// it is handed out as a function pointer, and calling it traps.
	Springboard uint64
	Wrapper     Wrapper
	Context     any
}

// Invoke calls the descriptor's wrapper. It is invoked by the trap
// handler (see internal/emulator) once it has matched a faulting program
// counter to this descriptor via Tracker.FindCallback.
func (d *CallbackDescriptor) Invoke(cbCtx CallbackContext, cbRet CallbackReturn, inner *Tracker, accessScope *AccessScope) {
	d.Wrapper(d.Context, cbCtx, cbRet, inner, accessScope)
}
