package alloc

import (
	"fmt"
	"sync"
)

// noCopy is embedded in types that must not be copied after first use.
// go vet's copylocks check flags any value or struct containing one that
// is passed by value or assigned, the same trick sync.WaitGroup and
// sync.Cond use to make accidental copies a build-time lint failure
// rather than a silent bug.
type noCopy struct{}

func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}

// AllocScope is the witness that new allocation frames may be constructed
// inside a tracker chain. It is zero-sized beyond its Tracker pointer
// (which carries the imprint), move-only by convention (embeds noCopy so go vet flags
// accidental copies), and parameterized by the runtime's brand: only
// operations presented with a matching Imprint may use it.
type AllocScope struct {
	_       noCopy
	tracker *Tracker
}

// NewAllocScope wraps tracker in an AllocScope witness.
func NewAllocScope(tracker *Tracker) *AllocScope {
	return &AllocScope{tracker: tracker}
}

// Tracker returns the chain this scope witnesses.
func (s *AllocScope) Tracker() *Tracker { return s.tracker }

// Imprint returns the brand of the runtime this scope belongs to.
func (s *AllocScope) Imprint() Imprint { return s.tracker.Imprint() }

// MismatchedImprintError reports that an operation was asked to combine
// values branded with two different runtime instances.
type MismatchedImprintError struct {
	Have, Want Imprint
}

func (e *MismatchedImprintError) Error() string {
	return fmt.Sprintf("alloc: mismatched imprint: have %d, want %d", e.Have, e.Want)
}

// Require returns an error unless s's imprint equals want.
func (s *AllocScope) Require(want Imprint) error {
	if s.Imprint() != want {
		return &MismatchedImprintError{Have: s.Imprint(), Want: want}
	}
	return nil
}

// accessLive tracks, per Imprint, whether an AccessScope is currently
// held. This enforces invariant 4 (scope uniqueness) at runtime since Go
// has no borrow checker to enforce it statically: "no test program can
// simultaneously hold two live AccessScope values bearing the same Id."
var accessLive sync.Map // Imprint -> struct{}

// AccessScope is the witness that foreign memory references may be read
// or written through. Exactly one AccessScope exists per Imprint at any
// time; NewAccessScope panics if one is already live for imprint, and
// Release must be called to give it up. AccessScope is deliberately a
// separate type from AllocScope: holding one never implies the other, so
// setting up a new allocation frame never grants read/write permission
// and vice versa.
type AccessScope struct {
	_       noCopy
	imprint Imprint
	live    bool
}

// NewAccessScope constructs the unique AccessScope for imprint. It panics
// if one is already live, since that would violate invariant 4 and
// indicates a bug in the caller (normally the runtime façade), not a
// recoverable foreign-side condition.
func NewAccessScope(imprint Imprint) *AccessScope {
	if _, already := accessLive.LoadOrStore(imprint, struct{}{}); already {
		panic(fmt.Sprintf("alloc: AccessScope already live for imprint %d", imprint))
	}
	return &AccessScope{imprint: imprint, live: true}
}

// Imprint returns the brand this scope is valid for.
func (s *AccessScope) Imprint() Imprint { return s.imprint }

// Require returns an error unless s's imprint equals want.
func (s *AccessScope) Require(want Imprint) error {
	if s.imprint != want {
		return &MismatchedImprintError{Have: s.imprint, Want: want}
	}
	return nil
}

// Release gives up the AccessScope, permitting a new one to be
// constructed for the same imprint. Release is idempotent.
func (s *AccessScope) Release() {
	if !s.live {
		return
	}
	s.live = false
	accessLive.Delete(s.imprint)
}

// SuspendAccessScope vacates the unique-AccessScope registration for
// imprint without releasing whatever AccessScope value the caller is
// still holding. It exists for trap-driven callback dispatch: a
// foreign function calling back into the embedder happens while the
// invoking AccessScope is still in scope in Go terms, but that outer
// scope's reads and writes are paused for the callback's duration, the
// same way a Rust borrow is suspended rather than dropped across a
// re-entrant call (see original_source/omniglot-tock's rv32i_c_rt.rs
// trap handler). Suspending the registration — rather than requiring
// the outer AccessScope to be released and reconstructed — lets a
// nested NewAccessScope be constructed for the callback without
// tripping invariant 4, while the outer scope's owner still holds a
// live-in-Go-terms value that ResumeAccessScope makes live again once
// the callback returns.
func SuspendAccessScope(imprint Imprint) {
	accessLive.Delete(imprint)
}

// ResumeAccessScope re-registers imprint as live after a matching
// SuspendAccessScope. It panics if imprint is already registered,
// which would mean the suspend/resume pair was unbalanced or nested —
// a bug in the caller, since dispatch for a given imprint never
// overlaps itself.
func ResumeAccessScope(imprint Imprint) {
	if _, already := accessLive.LoadOrStore(imprint, struct{}{}); already {
		panic(fmt.Sprintf("alloc: ResumeAccessScope found imprint %d already live", imprint))
	}
}
