package alloc

import "github.com/omniglot-go/isorun/internal/numeric"

// Region is a half-open byte interval [Start, Start+Length) in the
// emulated address space.
type Region struct {
	Start  uint64
	Length uint64
}

// contains reports whether [ptr, ptr+length) lies entirely within r,
// using overflow-checked arithmetic: any overflow in computing the end
// of either interval is treated as "not contained".
func (r Region) contains(ptr, length uint64) bool {
	end, ok := numeric.AddOverflow(ptr, length)
	if !ok {
		return false
	}
	regionEnd, ok := numeric.AddOverflow(r.Start, r.Length)
	if !ok {
		return false
	}
	return ptr >= r.Start && end <= regionEnd
}

// base holds the root allocation tracker's region bounds. Per the data
// model, the base node's intervals never change for the lifetime of the
// runtime that owns it.
type base struct {
	ram   Region
	flash Region
}

// Tracker is one node of the allocation tracker chain: an append-only,
// stack-allocated singly linked structure. The zero value is not a valid
// Tracker; construct one with NewBase.
//
// A Tracker is either:
//   - the root (base != nil, parent == nil): carries the foreign RAM and
//     flash bounds;
//   - a Cons node (parent != nil, callback == nil): a no-op pass-through
//     that exists only to record nesting depth, exactly as
//     context.Context's WithValue nodes exist only to extend a parent
//     chain without altering its deadline or cancellation behavior;
//   - a CallbackDescriptor node (parent != nil, callback != nil): in
//     addition to passing through to its parent, contributes a
//     springboard address that callback dispatch matches against a
//     faulting program counter.
//
// Every node borrows (holds a pointer to) its predecessor for its entire
// lifetime, making the chain a strict stack: a Tracker can only be
// extended, never spliced or rewound except by letting references to its
// descendants go out of scope.
type Tracker struct {
	imprint  Imprint
	parent   *Tracker
	base     *base
	callback *CallbackDescriptor
}

// NewBase constructs the root tracker node for a runtime identified by
// imprint, owning the given RAM and flash regions.
func NewBase(imprint Imprint, ram, flash Region) *Tracker {
	return &Tracker{imprint: imprint, base: &base{ram: ram, flash: flash}}
}

// Imprint returns the brand this tracker (and everything reachable
// through it) belongs to.
func (t *Tracker) Imprint() Imprint { return t.imprint }

// Cons extends t with a pass-through node, recording one level of nesting
// without changing validity semantics. Used when a new AllocScope is
// pushed that does not itself register a callback (e.g. allocate_stacked).
func (t *Tracker) Cons() *Tracker {
	return &Tracker{imprint: t.imprint, parent: t}
}

// WithCallback extends t with a node carrying cb, so that callback
// dispatch can find cb by walking the chain from any descendant.
func (t *Tracker) WithCallback(cb *CallbackDescriptor) *Tracker {
	return &Tracker{imprint: t.imprint, parent: t, callback: cb}
}

// root walks to the base node, which is always reachable since every
// chain is rooted by NewBase.
func (t *Tracker) root() *base {
	n := t
	for n.parent != nil {
		n = n.parent
	}
	return n.base
}

// IsValid reports whether [ptr, ptr+length) lies entirely within the
// root's RAM region or its flash region (flash permits read-only access
// to binary constants). Validity is decided against the base region
// only — callback descriptor nodes contribute nothing to this check,
// only to FindCallback.
func (t *Tracker) IsValid(ptr, length uint64) bool {
	b := t.root()
	return b.ram.contains(ptr, length) || b.flash.contains(ptr, length)
}

// IsValidMut reports whether [ptr, ptr+length) lies entirely within the
// root's RAM region. Flash is never a valid mutation target.
func (t *Tracker) IsValidMut(ptr, length uint64) bool {
	return t.root().ram.contains(ptr, length)
}

// RAM returns the root tracker's RAM region.
func (t *Tracker) RAM() Region { return t.root().ram }

// FindCallback walks the chain from t towards the root looking for a
// CallbackDescriptor node whose springboard address equals addr. This is
// the mechanism the trap handler uses to turn a faulting program counter
// into the registered closure that should run: possession of the
// springboard address, not a separate lookup table, is what authorizes
// the dispatch.
func (t *Tracker) FindCallback(addr uint64) (*CallbackDescriptor, bool) {
	for n := t; n != nil; n = n.parent {
		if n.callback != nil && n.callback.Springboard == addr {
			return n.callback, true
		}
	}
	return nil, false
}
