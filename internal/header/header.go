// Package header parses the encapsulated-binary header (C1): the fixed
// 20-byte prologue that every foreign binary carries, plus the flash
// record format used to locate one binary among several concatenated in
// flash.
package header

import (
	"encoding/binary"
	"fmt"

	"github.com/omniglot-go/isorun/internal/numeric"
)

// Magic is the required value of the first header word: "ENCP" when the
// word is spelled big-endian. Stored little-endian, its bytes are
// 50 43 4E 45 ("PCNE").
const Magic uint32 = 0x454E4350

// HeaderWords is the header length in 32-bit words.
const HeaderWords = 5

// HeaderBytes is the header length in bytes.
const HeaderBytes = HeaderWords * 4

// word offsets into the header, in 32-bit words.
const (
	wordMagic = iota
	wordRuntimeHeaderOffset
	wordInitOffset
	wordFnTableOffset
	wordFnTableLength
)

// LengthInvalidError reports that the binary is too short to contain a
// field the header claims exists.
type LengthInvalidError struct {
	MinExpected uint64
	Actual      uint64
	Desc        string
}

func (e *LengthInvalidError) Error() string {
	return fmt.Sprintf("header: binary length invalid (%s): need at least %d bytes, have %d", e.Desc, e.MinExpected, e.Actual)
}

// AlignError reports that the binary start address does not satisfy the
// header's word-alignment requirement.
type AlignError struct {
	Expected uint64
	Actual   uint64
}

func (e *AlignError) Error() string {
	return fmt.Sprintf("header: alignment error: expected multiple of %d, binary start misaligned by %d", e.Expected, e.Actual)
}

// MagicInvalidError reports that the first header word did not match Magic.
type MagicInvalidError struct{ Got uint32 }

func (e *MagicInvalidError) Error() string {
	return fmt.Sprintf("header: magic invalid: got 0x%08x, want 0x%08x", e.Got, Magic)
}

// SizeOverflowError reports that computing a required extent overflowed.
type SizeOverflowError struct{ Desc string }

func (e *SizeOverflowError) Error() string {
	return fmt.Sprintf("header: size overflow computing %s", e.Desc)
}

// Binary is an unparsed, located binary: its address (as mapped in the
// runtime's address space) and its declared length.
type Binary struct {
	Start  uint64
	Length uint64
}

// Parsed is the result of successfully parsing a Binary's header.
type Parsed struct {
	RuntimeHeaderAddr uint64
	InitAddr          uint64
	FnTableAddr       uint64
	FnTableLength     uint32
}

// Parse validates the 20-byte header embedded at the start of raw (the
// bytes of b, as read from the emulated address space) and returns the
// absolute addresses of the runtime header, init function, and function
// table.
//
// raw must hold at least the HeaderBytes header bytes; Parse reads only
// those, and checks the offsets they contain against b.Length, not
// against len(raw).
func Parse(b Binary, raw []byte) (Parsed, error) {
	if b.Length < HeaderBytes {
		return Parsed{}, &LengthInvalidError{
			MinExpected: HeaderBytes,
			Actual:      b.Length,
			Desc:        "required space for the header",
		}
	}
	if b.Start%4 != 0 {
		return Parsed{}, &AlignError{Expected: 4, Actual: b.Start % 4}
	}
	if uint64(len(raw)) < HeaderBytes {
		return Parsed{}, &LengthInvalidError{
			MinExpected: HeaderBytes,
			Actual:      uint64(len(raw)),
			Desc:        "raw buffer shorter than the header",
		}
	}

	words := make([]uint32, HeaderWords)
	for i := range words {
		words[i] = binary.LittleEndian.Uint32(raw[i*4 : i*4+4])
	}

	if words[wordMagic] != Magic {
		return Parsed{}, &MagicInvalidError{Got: words[wordMagic]}
	}

	maxFieldEnd, ok := numeric.SubOverflow(b.Length, 4)
	if !ok {
		return Parsed{}, &SizeOverflowError{Desc: "binary length minus trailing word"}
	}

	rthdrOffset := uint64(words[wordRuntimeHeaderOffset])
	if rthdrOffset > maxFieldEnd {
		return Parsed{}, &LengthInvalidError{
			Actual:      b.Length,
			MinExpected: numeric.SaturatingAdd(rthdrOffset, 4),
			Desc:        "required space for the runtime header (as indicated by rthdr_offset)",
		}
	}

	initOffset := uint64(words[wordInitOffset])
	if initOffset > maxFieldEnd {
		return Parsed{}, &LengthInvalidError{
			Actual:      b.Length,
			MinExpected: numeric.SaturatingAdd(initOffset, 4),
			Desc:        "required space for the init function (as indicated by init_offset)",
		}
	}

	fntabOffset := uint64(words[wordFnTableOffset])
	if fntabOffset > maxFieldEnd {
		return Parsed{}, &LengthInvalidError{
			Actual:      b.Length,
			MinExpected: numeric.SaturatingAdd(fntabOffset, 4),
			Desc:        "required space for the function table (as indicated by fntab_offset)",
		}
	}
	fntabLength := words[wordFnTableLength]

	tableBytes, ok := numeric.MulOverflow(uint64(fntabLength), 4)
	if !ok {
		return Parsed{}, &SizeOverflowError{Desc: "function table length times pointer size"}
	}
	tableEnd, ok := numeric.AddOverflow(fntabOffset, tableBytes)
	if !ok {
		return Parsed{}, &SizeOverflowError{Desc: "function table offset plus table size"}
	}
	if tableEnd > b.Length {
		return Parsed{}, &LengthInvalidError{
			Actual:      b.Length,
			MinExpected: tableEnd,
			Desc:        "required space for the function table (fntab_offset + fntab_len * pointer size)",
		}
	}

	return Parsed{
		RuntimeHeaderAddr: b.Start + rthdrOffset,
		InitAddr:          b.Start + initOffset,
		FnTableAddr:       b.Start + fntabOffset,
		FnTableLength:     fntabLength,
	}, nil
}

// Serialize encodes p back into a 20-byte header at the given binary
// start. It is the left inverse Parse relies on for the header round-trip
// invariant: Parse(Serialize(p)) == p for any p whose offsets fit.
func Serialize(start uint64, p Parsed) []byte {
	buf := make([]byte, HeaderBytes)
	binary.LittleEndian.PutUint32(buf[0:4], Magic)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(p.RuntimeHeaderAddr-start))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(p.InitAddr-start))
	binary.LittleEndian.PutUint32(buf[12:16], uint32(p.FnTableAddr-start))
	binary.LittleEndian.PutUint32(buf[16:20], p.FnTableLength)
	return buf
}
