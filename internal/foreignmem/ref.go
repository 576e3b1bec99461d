// Package foreignmem implements the typed foreign memory wrappers (C4):
// "unvalidated" pointers into a foreign region, upgraded from a raw
// address under an AllocScope, field-projected without a runtime check,
// and only readable/writable under an AccessScope via a Codec that knows
// how to recognize a type's legal bit patterns.
package foreignmem

import (
	"fmt"

	"github.com/omniglot-go/isorun/internal/alloc"
)

// Memory is the narrow interface foreignmem needs from the emulated
// address space: bounded byte reads and writes. internal/emulator
// satisfies it.
type Memory interface {
	ReadAt(addr uint64, length uint64) ([]byte, error)
	WriteAt(addr uint64, data []byte) error
}

// Codec knows how to recognize and produce the legal bit pattern for a
// value of type T. Go generics cannot derive this automatically the way
// a systems language with const-generic layout introspection can, so
// callers supply one explicitly — analogous to encoding.BinaryUnmarshaler
// but parameterized over T so it composes with the generic ref types
// below.
type Codec[T any] interface {
	// Size is the fixed number of bytes a value of T occupies in foreign
	// memory.
	Size() int
	// Decode validates raw (exactly Size() bytes) as a bit pattern of T
	// and returns the decoded value, or BitPatternInvalidError.
	Decode(raw []byte) (T, error)
	// Encode produces the bitwise foreign-memory representation of v.
	Encode(v T) []byte
}

// BitPatternInvalidError reports that validate saw bytes outside a
// type's legal bit patterns (e.g. invalid UTF-8, an illegal enum
// discriminant).
type BitPatternInvalidError struct {
	Type string
	Detail string
}

func (e *BitPatternInvalidError) Error() string {
	return fmt.Sprintf("foreignmem: bit pattern invalid for %s: %s", e.Type, e.Detail)
}

// UnvalidatedRef is a typed handle to one value of T living at Ptr inside
// a foreign region: a raw pointer, a phantom type (T, carried only at the
// Go type level), and the runtime's imprint. Its existence proves that,
// at construction time under some AllocScope, the pointed-to bytes lay
// inside a valid interval — it does not by itself permit reading or
// writing; that requires Validate/Write with a Codec and a matching
// AccessScope.
type UnvalidatedRef[T any] struct {
	Ptr     uint64
	imprint alloc.Imprint
}

// UnvalidatedSlice is the slice analogue of UnvalidatedRef: Len
// contiguous values of T starting at Ptr.
type UnvalidatedSlice[T any] struct {
	Ptr     uint64
	Len     uint64
	imprint alloc.Imprint
}

// UpgradeRef constructs an UnvalidatedRef[T] from a raw foreign address,
// failing unless scope.Tracker().IsValidMut(ptr, codec.Size()) holds.
func UpgradeRef[T any](ptr uint64, scope *alloc.AllocScope, codec Codec[T]) (UnvalidatedRef[T], error) {
	if !scope.Tracker().IsValidMut(ptr, uint64(codec.Size())) {
		return UnvalidatedRef[T]{}, fmt.Errorf("foreignmem: %#x..%#x not a valid mutable range", ptr, ptr+uint64(codec.Size()))
	}
	return UnvalidatedRef[T]{Ptr: ptr, imprint: scope.Imprint()}, nil
}

// UpgradeSlice constructs an UnvalidatedSlice[T] from a raw foreign
// address and element count, failing unless the whole range is valid.
func UpgradeSlice[T any](ptr, count uint64, scope *alloc.AllocScope, codec Codec[T]) (UnvalidatedSlice[T], error) {
	size := uint64(codec.Size()) * count
	if !scope.Tracker().IsValidMut(ptr, size) {
		return UnvalidatedSlice[T]{}, fmt.Errorf("foreignmem: %#x..%#x not a valid mutable range", ptr, ptr+size)
	}
	return UnvalidatedSlice[T]{Ptr: ptr, Len: count, imprint: scope.Imprint()}, nil
}

// Imprint returns the runtime brand this reference was upgraded under.
func (r UnvalidatedRef[T]) Imprint() alloc.Imprint { return r.imprint }

// Field projects a field at byteOffset within the referenced value of T,
// yielding an UnvalidatedRef[F] at Ptr+byteOffset. No runtime check is
// needed: validity of the outer reference over its whole size already
// implies validity of any subrange of it, provided the caller supplies a
// byteOffset such that byteOffset plus the size of F stays within the
// outer reference's extent.
func Field[T, F any](r UnvalidatedRef[T], byteOffset uint64) UnvalidatedRef[F] {
	return UnvalidatedRef[F]{Ptr: r.Ptr + byteOffset, imprint: r.imprint}
}

// Validate reads codec.Size() bytes through mem and decodes them as T,
// requiring a matching AccessScope. It fails with
// *alloc.MismatchedImprintError on an imprint mismatch, or the codec's
// own error (typically *BitPatternInvalidError) if the bytes are not a
// legal T.
func Validate[T any](r UnvalidatedRef[T], access *alloc.AccessScope, mem Memory, codec Codec[T]) (T, error) {
	var zero T
	if err := access.Require(r.imprint); err != nil {
		return zero, err
	}
	raw, err := mem.ReadAt(r.Ptr, uint64(codec.Size()))
	if err != nil {
		return zero, fmt.Errorf("foreignmem: read %#x: %w", r.Ptr, err)
	}
	return codec.Decode(raw)
}

// Write bitwise-copies v into foreign memory at r.Ptr, requiring a
// matching AccessScope.
func Write[T any](r UnvalidatedRef[T], v T, access *alloc.AccessScope, mem Memory, codec Codec[T]) error {
	if err := access.Require(r.imprint); err != nil {
		return err
	}
	return mem.WriteAt(r.Ptr, codec.Encode(v))
}

// ValidateSlice decodes every element of s, requiring a matching
// AccessScope.
func ValidateSlice[T any](s UnvalidatedSlice[T], access *alloc.AccessScope, mem Memory, codec Codec[T]) ([]T, error) {
	if err := access.Require(s.imprint); err != nil {
		return nil, err
	}
	size := uint64(codec.Size())
	out := make([]T, s.Len)
	for i := uint64(0); i < s.Len; i++ {
		raw, err := mem.ReadAt(s.Ptr+i*size, size)
		if err != nil {
			return nil, fmt.Errorf("foreignmem: read element %d: %w", i, err)
		}
		v, err := codec.Decode(raw)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// WriteSlice bitwise-copies every element of vs into foreign memory
// starting at s.Ptr, requiring a matching AccessScope. copy_from_slice in
// the reference design is this operation restricted to vs whose length
// does not exceed s.Len.
func WriteSlice[T any](s UnvalidatedSlice[T], vs []T, access *alloc.AccessScope, mem Memory, codec Codec[T]) error {
	if err := access.Require(s.imprint); err != nil {
		return err
	}
	if uint64(len(vs)) > s.Len {
		return fmt.Errorf("foreignmem: write %d elements exceeds slice length %d", len(vs), s.Len)
	}
	size := uint64(codec.Size())
	for i, v := range vs {
		if err := mem.WriteAt(s.Ptr+uint64(i)*size, codec.Encode(v)); err != nil {
			return fmt.Errorf("foreignmem: write element %d: %w", i, err)
		}
	}
	return nil
}
