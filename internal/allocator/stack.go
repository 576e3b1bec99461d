// Package allocator implements the stack-managed foreign allocator (C5):
// a bump allocator inside the shared RAM region whose lifetime is tied to
// closure nesting, generalizing the teacher repository's flat bump
// allocator (Emulator.Malloc) to the LIFO save/restore discipline the
// isolation runtime requires.
package allocator

import (
	"errors"

	"github.com/omniglot-go/isorun/internal/alloc"
	"github.com/omniglot-go/isorun/internal/numeric"
)

// ErrAllocNoMem is returned when the foreign stack pointer would
// underflow the region's bottom.
var ErrAllocNoMem = errors.New("allocator: AllocNoMem")

// Layout is the size and alignment requirement of one stacked
// allocation.
type Layout struct {
	Size  uint64
	Align uint64
}

// Stack is the LIFO scratch zone inside a foreign RAM region. Fsp (the
// foreign stack pointer) starts at the top of the region. It is moved by
// SetFSP and AllocatePermanent, which do not restore it, and by
// AllocateStacked, which restores it unconditionally when its closure
// returns — the one Go-idiomatic way to express "f cannot
// escape the allocated pointer beyond its own scope parameter" without a
// borrow checker: the pointer's only use site is inside f.
//
// Stack assumes the single-threaded, cooperative execution model the
// runtime at large assumes (see the runtime façade): it is not safe for
// concurrent use, and nested AllocateStacked calls are expected to come
// from the same goroutine, synchronously, as the foreign call stack
// unwinds.
type Stack struct {
	fsp    uint64
	bottom uint64
}

// NewStack constructs a Stack with its foreign stack pointer starting at
// top and never allowed to fall below bottom.
func NewStack(top, bottom uint64) *Stack {
	return &Stack{fsp: top, bottom: bottom}
}

// FSP returns the current foreign stack pointer.
func (s *Stack) FSP() uint64 { return s.fsp }

// SetFSP overwrites the foreign stack pointer directly. Used once, by the
// runtime façade, to install the real top-of-stack the foreign init
// function returns (see spec §4.7 step 5); afterwards it is moved only
// by AllocateStacked and AllocatePermanent.
func (s *Stack) SetFSP(fsp uint64) { s.fsp = fsp }

// AllocateStacked moves fsp downward by layout.Size, then further
// downward until aligned to layout.Align; fails with ErrAllocNoMem if fsp
// would fall below the region's bottom. Otherwise it commits fsp, calls
// f(ptr, inner) where inner is outer extended with a Cons node recording
// the nesting, and unconditionally restores the prior fsp once f
// returns — whether f succeeded or failed.
func AllocateStacked[R any](s *Stack, layout Layout, outer *alloc.Tracker, f func(ptr uint64, inner *alloc.Tracker) (R, error)) (R, error) {
	var zero R

	prevFSP := s.fsp
	afterSize, ok := numeric.SubOverflow(prevFSP, layout.Size)
	if !ok {
		return zero, ErrAllocNoMem
	}
	ptr := alignDown(afterSize, layout.Align)
	if ptr < s.bottom {
		return zero, ErrAllocNoMem
	}

	s.fsp = ptr
	defer func() { s.fsp = prevFSP }()

	inner := outer.Cons()
	return f(ptr, inner)
}

// AllocatePermanent moves fsp downward exactly like AllocateStacked, but
// commits the new fsp rather than restoring it: the bytes stay carved
// out of RAM for as long as the runtime lives. Used only for callback
// springboards, whose lifetime is tied to an allocation-tracker chain
// rather than to a single closure's nesting (see SetupCallback).
func (s *Stack) AllocatePermanent(layout Layout) (uint64, error) {
	prevFSP := s.fsp
	afterSize, ok := numeric.SubOverflow(prevFSP, layout.Size)
	if !ok {
		return 0, ErrAllocNoMem
	}
	ptr := alignDown(afterSize, layout.Align)
	if ptr < s.bottom {
		return 0, ErrAllocNoMem
	}
	s.fsp = ptr
	return ptr, nil
}

func alignDown(v, align uint64) uint64 {
	if align <= 1 {
		return v
	}
	return v &^ (align - 1)
}
