// Package alloc implements the capability-based memory model (C2
// allocation tracker, C3 capability markers, and the C6 callback
// descriptor chain): the allocation tracker chain, the non-copyable
// AllocScope/AccessScope witness tokens, and the per-runtime brand used
// to keep two runtime instances from mixing capabilities.
package alloc

import "sync/atomic"

// Imprint numerically identifies one runtime instance. Only references
// and scopes bearing the same Imprint may be combined in an operation;
// see MismatchedImprintError.
type Imprint uint64

var nextImprint atomic.Uint64

// NewImprint returns a fresh, process-unique Imprint. Imprints are never
// reused within a process, so a stale reference from a dropped runtime
// can never alias a live one.
func NewImprint() Imprint {
	return Imprint(nextImprint.Add(1))
}
