package profile

import (
	"sync"
	"time"
)

// DefaultDebounce is the coalescing delay for profile writes.
const DefaultDebounce = 800 * time.Millisecond

// Debouncer coalesces bursts of [Debouncer.Trigger] calls into one call of
// its function, run delay after the last trigger.
//
// After [Debouncer.Stop] there is no timer left to run on, so Trigger calls
// the function synchronously instead.
type Debouncer struct {
	delay time.Duration
	fn    func()

	mu      sync.Mutex
	timer   *time.Timer
	pending bool
	stopped bool

	// run serializes executions of fn.
	run sync.Mutex
}

// NewDebouncer creates a Debouncer. A non-positive delay uses
// [DefaultDebounce].
func NewDebouncer(delay time.Duration, fn func()) *Debouncer {
	if delay <= 0 {
		delay = DefaultDebounce
	}
	return &Debouncer{delay: delay, fn: fn}
}

// Trigger (re)starts the delay.
func (d *Debouncer) Trigger() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		d.exec()
		return
	}
	d.pending = true
	if d.timer == nil {
		d.timer = time.AfterFunc(d.delay, d.fire)
	} else {
		d.timer.Reset(d.delay)
	}
	d.mu.Unlock()
}

// Retry schedules another call one delay from now. Unlike [Debouncer.Trigger]
// it does nothing after [Debouncer.Stop], so fn may call it.
func (d *Debouncer) Retry() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	d.pending = true
	if d.timer == nil {
		d.timer = time.AfterFunc(d.delay, d.fire)
	} else {
		d.timer.Reset(d.delay)
	}
}

// Flush runs a scheduled call now. It does nothing when nothing is pending.
func (d *Debouncer) Flush() {
	d.mu.Lock()
	if !d.pending {
		d.mu.Unlock()
		return
	}
	d.pending = false
	if d.timer != nil {
		d.timer.Stop()
	}
	d.mu.Unlock()
	d.exec()
}

// Stop flushes a pending call and switches to synchronous mode.
func (d *Debouncer) Stop() {
	d.Flush()
	d.mu.Lock()
	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
	}
	d.mu.Unlock()
}

func (d *Debouncer) fire() {
	d.mu.Lock()
	if !d.pending {
		d.mu.Unlock()
		return
	}
	d.pending = false
	d.mu.Unlock()
	d.exec()
}

func (d *Debouncer) exec() {
	d.run.Lock()
	defer d.run.Unlock()
	d.fn()
}
