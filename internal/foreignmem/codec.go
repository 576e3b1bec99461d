package foreignmem

import (
	"encoding/binary"
	"unicode/utf8"
)

// Uint32LE is a Codec for a little-endian uint32. Bit-pattern validation
// for a plain integer is a no-op: every 4-byte pattern is a legal
// uint32.
type Uint32LE struct{}

func (Uint32LE) Size() int { return 4 }

func (Uint32LE) Decode(raw []byte) (uint32, error) {
	return binary.LittleEndian.Uint32(raw), nil
}

func (Uint32LE) Encode(v uint32) []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, v)
	return buf
}

// Uint64LE is a Codec for a little-endian uint64.
type Uint64LE struct{}

func (Uint64LE) Size() int { return 8 }

func (Uint64LE) Decode(raw []byte) (uint64, error) {
	return binary.LittleEndian.Uint64(raw), nil
}

func (Uint64LE) Encode(v uint64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, v)
	return buf
}

// FixedString is a Codec for a fixed-width, NUL-padded UTF-8 string: the
// one bit-pattern check the data model calls out by name ("a string must
// be valid UTF-8").
type FixedString struct{ Width int }

func (c FixedString) Size() int { return c.Width }

func (c FixedString) Decode(raw []byte) (string, error) {
	n := len(raw)
	for i, b := range raw {
		if b == 0 {
			n = i
			break
		}
	}
	s := string(raw[:n])
	if !utf8.ValidString(s) {
		return "", &BitPatternInvalidError{Type: "string", Detail: "not valid UTF-8"}
	}
	return s, nil
}

func (c FixedString) Encode(v string) []byte {
	buf := make([]byte, c.Width)
	copy(buf, v)
	return buf
}

// Enum8 is a Codec for a single-byte enum discriminant with a declared
// set of legal values ("an enum must be a legal discriminant").
type Enum8 struct{ Legal []byte }

func (Enum8) Size() int { return 1 }

func (c Enum8) Decode(raw []byte) (byte, error) {
	for _, v := range c.Legal {
		if v == raw[0] {
			return raw[0], nil
		}
	}
	return 0, &BitPatternInvalidError{Type: "enum8", Detail: "discriminant not in legal set"}
}

func (Enum8) Encode(v byte) []byte { return []byte{v} }

// RawBytes is a Codec for an opaque, fixed-width byte array: every
// pattern is legal, matching a primitive integer array's no-op check.
type RawBytes struct{ Width int }

func (c RawBytes) Size() int { return c.Width }

func (c RawBytes) Decode(raw []byte) ([]byte, error) {
	out := make([]byte, len(raw))
	copy(out, raw)
	return out, nil
}

func (RawBytes) Encode(v []byte) []byte { return v }
