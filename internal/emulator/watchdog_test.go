package emulator

import (
	"errors"
	"testing"
	"time"
)

func TestWatchdogRunCompletesNormally(t *testing.T) {
	emu, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer emu.Close()

	w := NewWatchdog(emu)
	err = w.Run(func() error { return nil })
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestWatchdogRunPropagatesError(t *testing.T) {
	emu, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer emu.Close()

	w := NewWatchdog(emu)
	wantErr := errors.New("boom")
	err = w.Run(func() error { return wantErr })
	if !errors.Is(err, wantErr) {
		t.Fatalf("Run err = %v, want %v", err, wantErr)
	}
}

// TestWatchdogAbortStopsEmulation writes a genuine infinite loop ("jal
// x0, 0", a RISC-V self-jump) into flash and confirms Abort unsticks a
// real in-flight Run rather than only a Go-level block.
func TestWatchdogAbortStopsEmulation(t *testing.T) {
	emu, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer emu.Close()

	const loopAddr = uint64(FlashBase)
	const jalX0Self = 0x0000006F
	if err := emu.WriteU32(loopAddr, jalX0Self); err != nil {
		t.Fatalf("write loop instruction: %v", err)
	}

	w := NewWatchdog(emu)
	go func() {
		time.Sleep(20 * time.Millisecond)
		w.Abort()
	}()

	start := time.Now()
	err = w.Run(func() error {
		return emu.Run(loopAddr, 0)
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("Run took %v, Abort did not stop the infinite loop promptly", elapsed)
	}
}

func TestWatchdogAbortNoOpWithoutRun(t *testing.T) {
	emu, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer emu.Close()

	w := NewWatchdog(emu)
	w.Abort() // must not panic
}
