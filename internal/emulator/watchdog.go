package emulator

import (
	"sync"

	"golang.org/x/sync/errgroup"
)

// Watchdog runs one blocking emulation call (Invoke, or a longer
// Execute-scoped sequence of them) alongside a second goroutine that can
// force it to stop early. This is not automatic pre-emption: nothing
// here time-bounds a call on its own, matching the runtime's
// "cancellation and timeouts: none" contract. It only gives an operator
// who has already decided a foreign function is never coming back a
// safe way to unstick it, the same way a real PMP-protected core would
// need an NMI or external reset to recover from an unbounded busy loop.
type Watchdog struct {
	emu *Emulator

	mu      sync.Mutex
	abortCh chan struct{}
}

// NewWatchdog builds a watchdog over emu's Stop.
func NewWatchdog(emu *Emulator) *Watchdog {
	return &Watchdog{emu: emu}
}

// Run executes fn to completion, unless Abort is called first — in
// which case the underlying Unicorn emulation is force-stopped and fn
// returns whatever that produces. Run must not be called again
// concurrently with an in-flight call on the same Watchdog.
func (w *Watchdog) Run(fn func() error) error {
	done := make(chan struct{})
	abortCh := make(chan struct{})

	w.mu.Lock()
	w.abortCh = abortCh
	w.mu.Unlock()

	var g errgroup.Group
	g.Go(func() error {
		defer close(done)
		return fn()
	})
	g.Go(func() error {
		select {
		case <-abortCh:
			w.emu.Stop()
		case <-done:
		}
		return nil
	})

	return g.Wait()
}

// Abort force-stops the emulation the most recent Run call is blocked
// in, if one is still in flight. It is a no-op otherwise, including
// after the in-flight call has already completed.
func (w *Watchdog) Abort() {
	w.mu.Lock()
	ch := w.abortCh
	w.mu.Unlock()
	if ch == nil {
		return
	}
	select {
	case <-ch:
	default:
		close(ch)
	}
}
