// Package ratelimit bounds per-channel message volume with fixed windows.
//
// Each key's window is anchored at its first activity in the window rather than
// aligned to the wall clock, so a fleet of channels does not reset (and start
// bursting) at the same instant.
package ratelimit

import (
	"sync"
	"time"
)

// Window is a per-key fixed-window counter with two-phase accounting:
// Reserve claims one unit before the send, then Commit confirms it (the unit
// counts against the window) or Release returns it (the send never happened).
//
// The reserve step exists so that concurrent dispatchers can never both claim
// the last unit of a channel's budget: eligibility and reservation are a
// single atomic step under the window lock.
type Window struct {
	mu      sync.Mutex
	length  time.Duration
	now     func() time.Time
	entries map[string]*entry
}

type entry struct {
	start    time.Time // zero until first activity in the window
	sent     int
	reserved int
}

func NewWindow(length time.Duration) *Window {
	if length <= 0 {
		length = time.Hour
	}
	return &Window{
		length:  length,
		now:     time.Now,
		entries: map[string]*entry{},
	}
}

// SetClock overrides the time source. Tests use it to drive window rollover
// without sleeping. Call before the window is shared.
func (w *Window) SetClock(now func() time.Time) {
	if now == nil {
		return
	}
	w.mu.Lock()
	w.now = now
	w.mu.Unlock()
}

// Reserve claims one unit of key's budget if fewer than capacity units are
// sent-or-reserved in the current window. capacity <= 0 means unlimited.
func (w *Window) Reserve(key string, capacity int) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	e := w.roll(key)
	if capacity > 0 && e.sent+e.reserved >= capacity {
		return false
	}
	if e.start.IsZero() {
		e.start = w.now()
	}
	e.reserved++
	return true
}

// Commit converts one reservation into a confirmed send.
func (w *Window) Commit(key string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	e := w.entry(key)
	if e.reserved > 0 {
		e.reserved--
	}
	if e.start.IsZero() {
		e.start = w.now()
	}
	e.sent++
}

// Release returns one reservation without counting a send.
func (w *Window) Release(key string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	e := w.entry(key)
	if e.reserved > 0 {
		e.reserved--
	}
}

// Remaining reports how many units of key's budget are still claimable in the
// current window. capacity <= 0 reports a large budget (unlimited).
func (w *Window) Remaining(key string, capacity int) int {
	w.mu.Lock()
	defer w.mu.Unlock()

	e := w.roll(key)
	if capacity <= 0 {
		return int(^uint(0) >> 1)
	}
	rem := capacity - e.sent - e.reserved
	if rem < 0 {
		rem = 0
	}
	return rem
}

// Sent reports the confirmed send count for the current window.
func (w *Window) Sent(key string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.roll(key).sent
}

// NextReset reports when key's current window rolls over. The zero time means
// the window is idle (no activity yet, budget is fully available).
func (w *Window) NextReset(key string) time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()

	e := w.roll(key)
	if e.start.IsZero() {
		return time.Time{}
	}
	return e.start.Add(w.length)
}

// Forget drops all state for key (e.g. the channel was removed).
func (w *Window) Forget(key string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.entries, key)
}

func (w *Window) entry(key string) *entry {
	e := w.entries[key]
	if e == nil {
		e = &entry{}
		w.entries[key] = e
	}
	return e
}

// roll resets the counter if the window has elapsed. In-flight reservations
// survive a rollover; they belong to sends that will land in the new window.
func (w *Window) roll(key string) *entry {
	e := w.entry(key)
	if !e.start.IsZero() && !w.now().Before(e.start.Add(w.length)) {
		e.sent = 0
		e.start = time.Time{}
	}
	return e
}
