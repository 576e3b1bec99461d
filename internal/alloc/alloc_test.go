package alloc

import (
	"errors"
	"testing"
)

func TestTrackerIsValid(t *testing.T) {
	imprint := NewImprint()
	ram := Region{Start: 0x1000, Length: 0x1000}
	flash := Region{Start: 0x20000000, Length: 0x100}
	root := NewBase(imprint, ram, flash)

	cases := []struct {
		name       string
		ptr, len   uint64
		wantValid  bool
		wantMutVal bool
	}{
		{"inside ram", 0x1000, 0x10, true, true},
		{"inside flash", 0x20000000, 0x10, true, false},
		{"outside both", 0x5000, 0x10, false, false},
		{"ram end exclusive", 0x1000 + 0x1000 - 1, 2, false, false},
		{"overflowing length", 0x1000, ^uint64(0), false, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := root.IsValid(c.ptr, c.len); got != c.wantValid {
				t.Errorf("IsValid(%x,%x) = %v, want %v", c.ptr, c.len, got, c.wantValid)
			}
			if got := root.IsValidMut(c.ptr, c.len); got != c.wantMutVal {
				t.Errorf("IsValidMut(%x,%x) = %v, want %v", c.ptr, c.len, got, c.wantMutVal)
			}
		})
	}
}

func TestTrackerChainValidityUnaffectedByDepth(t *testing.T) {
	imprint := NewImprint()
	root := NewBase(imprint, Region{Start: 0x1000, Length: 0x1000}, Region{})
	deep := root.Cons().Cons().Cons()
	if !deep.IsValidMut(0x1000, 0x10) {
		t.Fatal("validity must be decided against the root region regardless of chain depth")
	}
}

func TestFindCallback(t *testing.T) {
	imprint := NewImprint()
	root := NewBase(imprint, Region{Start: 0x1000, Length: 0x1000}, Region{})
	cb := &CallbackDescriptor{Springboard: 0xDEAD0000}
	withCb := root.WithCallback(cb)
	deeper := withCb.Cons()

	if _, ok := root.FindCallback(0xDEAD0000); ok {
		t.Fatal("root must not see a descendant's callback")
	}
	got, ok := deeper.FindCallback(0xDEAD0000)
	if !ok || got != cb {
		t.Fatalf("FindCallback from descendant: got (%v,%v), want (%v,true)", got, ok, cb)
	}
}

// TestScopeUniqueness implements invariant 4.
func TestScopeUniqueness(t *testing.T) {
	imprint := NewImprint()
	s1 := NewAccessScope(imprint)
	defer s1.Release()

	func() {
		defer func() {
			if recover() == nil {
				t.Fatal("expected panic constructing a second live AccessScope for the same imprint")
			}
		}()
		NewAccessScope(imprint)
	}()

	s1.Release()
	s2 := NewAccessScope(imprint)
	defer s2.Release()
}

// TestImprintMismatchRejected implements invariant 5.
func TestImprintMismatchRejected(t *testing.T) {
	a := NewAccessScope(NewImprint())
	defer a.Release()

	other := NewImprint()
	err := a.Require(other)
	var mismatch *MismatchedImprintError
	if !errors.As(err, &mismatch) {
		t.Fatalf("Require: got %v, want *MismatchedImprintError", err)
	}
}
