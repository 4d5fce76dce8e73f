package session

import "time"

// Default backoff parameters.
const (
	defaultMaxBackoff   = 30 * time.Second
	defaultBackoffDecay = 120 * time.Second

	// maxBackoffStep bounds the exponent; 2^5 s already exceeds the default
	// ceiling.
	maxBackoffStep = 5
)

// Backoff is the per-guild reconnect delay counter. The delay doubles with
// every reconnect attempt up to a ceiling, and the step falls back to zero
// once no attempt has happened for the decay period.
//
// Backoff is not safe for concurrent use; the guard accesses it under the
// guild's lock.
type Backoff struct {
	// Max caps the delay. Defaults to 30s.
	Max time.Duration

	// Decay is the quiet period after which the step resets. Defaults to 120s.
	Decay time.Duration

	step int
	last time.Time
}

// Step returns the current step after applying decay at now.
func (b *Backoff) Step(now time.Time) int {
	b.decay(now)
	return b.step
}

// Delay returns how long the next attempt should wait.
func (b *Backoff) Delay(now time.Time) time.Duration {
	b.decay(now)
	d := time.Duration(1<<b.step) * time.Second
	if ceiling := b.max(); d > ceiling {
		d = ceiling
	}
	return d
}

// Attempt records a reconnect attempt at now and escalates the step.
func (b *Backoff) Attempt(now time.Time) {
	b.decay(now)
	if b.step < maxBackoffStep {
		b.step++
	}
	b.last = now
}

// Reset clears the counter.
func (b *Backoff) Reset() {
	b.step = 0
	b.last = time.Time{}
}

func (b *Backoff) decay(now time.Time) {
	decay := b.Decay
	if decay <= 0 {
		decay = defaultBackoffDecay
	}
	if !b.last.IsZero() && now.Sub(b.last) >= decay {
		b.step = 0
		b.last = time.Time{}
	}
}

func (b *Backoff) max() time.Duration {
	if b.Max <= 0 {
		return defaultMaxBackoff
	}
	return b.Max
}
