package header

import (
	"bytes"
	"errors"
	"testing"
)

// scenarioABytes is the literal header from end-to-end Scenario A: magic
// ENCP, rthdr=0, init=32, fntab=16, fntab_length=2, inside a 64-byte
// binary.
var scenarioABytes = []byte{
	0x50, 0x43, 0x4E, 0x45,
	0x00, 0x00, 0x00, 0x00,
	0x20, 0x00, 0x00, 0x00,
	0x10, 0x00, 0x00, 0x00,
	0x02, 0x00, 0x00, 0x00,
}

func scenarioABinary() (Binary, []byte) {
	raw := make([]byte, 64)
	copy(raw, scenarioABytes)
	return Binary{Start: 0x20010000, Length: 64}, raw
}

func TestParseScenarioA(t *testing.T) {
	b, raw := scenarioABinary()
	got, err := Parse(b, raw)
	if err != nil {
		t.Fatalf("Parse: unexpected error: %v", err)
	}
	want := Parsed{
		RuntimeHeaderAddr: b.Start,
		InitAddr:          b.Start + 32,
		FnTableAddr:       b.Start + 16,
		FnTableLength:     2,
	}
	if got != want {
		t.Fatalf("Parse: got %+v, want %+v", got, want)
	}
}

func TestParseScenarioB_MagicRejected(t *testing.T) {
	b, raw := scenarioABinary()
	raw[0] = 0x00
	_, err := Parse(b, raw)
	var magicErr *MagicInvalidError
	if !errors.As(err, &magicErr) {
		t.Fatalf("Parse: got %v, want *MagicInvalidError", err)
	}
}

func TestParseTooShort(t *testing.T) {
	_, err := Parse(Binary{Start: 0x1000, Length: 19}, make([]byte, 19))
	var lenErr *LengthInvalidError
	if !errors.As(err, &lenErr) {
		t.Fatalf("Parse: got %v, want *LengthInvalidError", err)
	}
}

func TestParseMisaligned(t *testing.T) {
	b, raw := scenarioABinary()
	b.Start++
	_, err := Parse(b, raw)
	var alignErr *AlignError
	if !errors.As(err, &alignErr) {
		t.Fatalf("Parse: got %v, want *AlignError", err)
	}
}

func TestParseFnTableOverflow(t *testing.T) {
	b, raw := scenarioABinary()
	raw[16] = 0xFF
	raw[17] = 0xFF
	raw[18] = 0xFF
	raw[19] = 0xFF
	_, err := Parse(b, raw)
	if err == nil {
		t.Fatal("Parse: expected an error for an oversized function table")
	}
	var sizeErr *SizeOverflowError
	var lenErr *LengthInvalidError
	if !errors.As(err, &sizeErr) && !errors.As(err, &lenErr) {
		t.Fatalf("Parse: got %v, want *SizeOverflowError or *LengthInvalidError", err)
	}
}

// TestHeaderRoundTrip implements invariant 6: for every valid header,
// parse(serialize(h)) == h.
func TestHeaderRoundTrip(t *testing.T) {
	cases := []Parsed{
		{RuntimeHeaderAddr: 0x1000, InitAddr: 0x1020, FnTableAddr: 0x1010, FnTableLength: 2},
		{RuntimeHeaderAddr: 0x2000, InitAddr: 0x2000, FnTableAddr: 0x2000, FnTableLength: 0},
		{RuntimeHeaderAddr: 0x3000, InitAddr: 0x3004, FnTableAddr: 0x3008, FnTableLength: 12},
	}
	for _, h := range cases {
		start := h.RuntimeHeaderAddr
		raw := Serialize(start, h)
		// The binary must hold each offset's trailing word and the whole
		// function table.
		length := uint64(HeaderBytes)
		for _, end := range []uint64{
			h.RuntimeHeaderAddr - start + 4,
			h.InitAddr - start + 4,
			h.FnTableAddr - start + 4,
			h.FnTableAddr - start + uint64(h.FnTableLength)*4,
		} {
			if end > length {
				length = end
			}
		}
		padded := make([]byte, length)
		copy(padded, raw)
		raw = padded
		got, err := Parse(Binary{Start: start, Length: length}, raw)
		if err != nil {
			t.Fatalf("round trip: Parse failed: %v", err)
		}
		if got != h {
			t.Fatalf("round trip: got %+v, want %+v", got, h)
		}
	}
}

func TestFindDisabledRecord(t *testing.T) {
	// One enabled decoy record, then the disabled target record.
	decoy := makeRecord(t, "decoy", true, 16, 48)
	target := makeRecord(t, "target", false, 16, 48)

	flash := append(append([]byte{}, decoy...), target...)
	rec, err := Find("target", 0x40000, flash)
	if err != nil {
		t.Fatalf("Find: unexpected error: %v", err)
	}
	if rec.PackageName != "target" || rec.Enabled {
		t.Fatalf("Find: got %+v", rec)
	}
	wantStart := uint64(0x40000) + uint64(len(decoy)) + 16
	if rec.Binary.Start != wantStart {
		t.Fatalf("Find: binary start = 0x%x, want 0x%x", rec.Binary.Start, wantStart)
	}
}

func TestFindNoMatch(t *testing.T) {
	flash := makeRecord(t, "other", false, 16, 48)
	_, err := Find("missing", 0, flash)
	if !errors.Is(err, ErrNoMoreRecords) {
		t.Fatalf("Find: got %v, want ErrNoMoreRecords", err)
	}
}

func makeRecord(t *testing.T, name string, enabled bool, protectedSize, entryLength uint32) []byte {
	t.Helper()
	headerLength := uint16(8 + 5 + len(name) + 1)
	buf := &bytes.Buffer{}
	writeU16(buf, 1)
	writeU16(buf, headerLength)
	writeU32(buf, entryLength)
	if enabled {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
	writeU32(buf, protectedSize)
	buf.WriteString(name)
	buf.WriteByte(0)
	for uint32(buf.Len()) < entryLength {
		buf.WriteByte(0)
	}
	return buf.Bytes()
}

func writeU16(buf *bytes.Buffer, v uint16) {
	buf.WriteByte(byte(v))
	buf.WriteByte(byte(v >> 8))
}

func writeU32(buf *bytes.Buffer, v uint32) {
	buf.WriteByte(byte(v))
	buf.WriteByte(byte(v >> 8))
	buf.WriteByte(byte(v >> 16))
	buf.WriteByte(byte(v >> 24))
}
