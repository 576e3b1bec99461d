package trace

import (
	"bytes"
	"testing"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	s := NewSession()
	e1 := NewEvent(0x1000, Invoke, "ubench_nop", "entry")
	e2 := NewEvent(0x1004, CallbackDispatch, "wrapper", "dispatch")
	e2.Annotate("springboard", "0x80001000")
	s.Record(e1)
	s.Record(e2)

	var buf bytes.Buffer
	if err := Save(&buf, s); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := Load(&buf)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	events := loaded.Events()
	if len(events) != 2 {
		t.Fatalf("len(events) = %d, want 2", len(events))
	}
	if events[0].PC != 0x1000 || events[0].Name != "ubench_nop" {
		t.Fatalf("events[0] = %+v", events[0])
	}
	if events[0].Tags.Primary() != Invoke {
		t.Fatalf("events[0].Tags.Primary() = %q, want %q", events[0].Tags.Primary(), Invoke)
	}
	if events[1].PC != 0x1004 || events[1].Tags.Primary() != CallbackDispatch {
		t.Fatalf("events[1] = %+v", events[1])
	}
}

func TestLoadSkipsBlankLines(t *testing.T) {
	input := "\n\n"
	loaded, err := Load(bytesReader(input))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(loaded.Events()) != 0 {
		t.Fatalf("expected no events from blank input")
	}
}

func bytesReader(s string) *bytes.Reader {
	return bytes.NewReader([]byte(s))
}
