// Package resilience provides the circuit breaker placed in front of every
// synthesis backend.
//
// [CircuitBreaker] is a classic three-state breaker (closed → open →
// half-open). Besides the one-shot [CircuitBreaker.Execute] it exposes
// [CircuitBreaker.Allow], which splits admission from outcome reporting so a
// caller that abandons a request (for example the losers of a backend race)
// can release its slot without the cancellation counting as a failure.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] and
// [CircuitBreaker.Allow] when the breaker is in the open state and the reset
// timeout has not yet elapsed.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State represents the current operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed is the normal operating state; all calls are forwarded.
	StateClosed State = iota

	// StateOpen indicates the breaker has tripped due to consecutive failures.
	// Calls are rejected immediately with [ErrCircuitOpen] until the reset
	// timeout elapses.
	StateOpen

	// StateHalfOpen is the probe state entered after the reset timeout. A limited
	// number of calls are allowed through; if they succeed the breaker closes,
	// otherwise it re-opens.
	StateHalfOpen
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Outcome classifies the result of an admitted call.
type Outcome int

const (
	// OutcomeSuccess resets the failure streak.
	OutcomeSuccess Outcome = iota

	// OutcomeFailure counts toward opening the breaker.
	OutcomeFailure

	// OutcomeIgnored releases the slot without affecting any counter. Use it
	// for calls the caller cancelled itself.
	OutcomeIgnored
)

// CircuitBreakerConfig holds tuning knobs for a [CircuitBreaker].
type CircuitBreakerConfig struct {
	// Name is a human-readable label used in log messages.
	Name string

	// MaxFailures is the number of consecutive failures in the closed state
	// before the breaker opens. Default: 5.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open before transitioning to
	// half-open. Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is the maximum number of probe calls allowed in the half-open
	// state before the breaker decides whether to close or re-open. Default: 3.
	HalfOpenMax int

	// OnStateChange, if set, is called after every transition with the
	// breaker's lock released.
	OnStateChange func(name string, from, to State)
}

// CircuitBreaker implements the three-state circuit breaker pattern.
// It is safe for concurrent use from multiple goroutines.
type CircuitBreaker struct {
	name          string
	maxFailures   int
	resetTimeout  time.Duration
	halfOpenMax   int
	onStateChange func(name string, from, to State)

	// now is the clock; replaced in tests.
	now func() time.Time

	mu               sync.Mutex
	state            State
	consecutiveFail  int
	lastFailure      time.Time
	halfOpenInFlight int
	halfOpenSuccess  int
}

// NewCircuitBreaker creates a [CircuitBreaker] with the supplied configuration.
// Zero-value config fields are replaced with sensible defaults.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 3
	}
	return &CircuitBreaker{
		name:          cfg.Name,
		maxFailures:   cfg.MaxFailures,
		resetTimeout:  cfg.ResetTimeout,
		halfOpenMax:   cfg.HalfOpenMax,
		onStateChange: cfg.OnStateChange,
		now:           time.Now,
		state:         StateClosed,
	}
}

// Name returns the label the breaker was created with.
func (cb *CircuitBreaker) Name() string { return cb.name }

// Allow admits one call or returns [ErrCircuitOpen]. On admission the returned
// report function must be called exactly once with the call's [Outcome];
// further calls are ignored.
func (cb *CircuitBreaker) Allow() (report func(Outcome), err error) {
	cb.mu.Lock()
	from := cb.state
	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.lastFailure) < cb.resetTimeout {
			cb.mu.Unlock()
			return nil, ErrCircuitOpen
		}
		cb.state = StateHalfOpen
		cb.halfOpenInFlight = 0
		cb.halfOpenSuccess = 0
		slog.Info("circuit breaker transitioning to half-open", "name", cb.name)
	case StateHalfOpen:
		if cb.halfOpenInFlight+cb.halfOpenSuccess >= cb.halfOpenMax {
			// Probe budget exhausted; wait for the probes to resolve.
			cb.mu.Unlock()
			return nil, ErrCircuitOpen
		}
	}

	inHalfOpen := cb.state == StateHalfOpen
	if inHalfOpen {
		cb.halfOpenInFlight++
	}
	to := cb.state
	cb.mu.Unlock()
	cb.notify(from, to)

	var once sync.Once
	return func(o Outcome) {
		once.Do(func() { cb.record(o, inHalfOpen) })
	}, nil
}

// Execute runs fn if the breaker allows it. In the open state it returns
// [ErrCircuitOpen] without calling fn. Errors wrapping context.Canceled are
// returned to the caller but not counted as failures.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	report, err := cb.Allow()
	if err != nil {
		return err
	}
	err = fn()
	report(Classify(err))
	return err
}

// Classify maps an error to an [Outcome]: nil is a success, cancellation is
// ignored, everything else (including deadline expiry) is a failure.
func Classify(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeSuccess
	case errors.Is(err, context.Canceled):
		return OutcomeIgnored
	default:
		return OutcomeFailure
	}
}

func (cb *CircuitBreaker) record(o Outcome, admittedHalfOpen bool) {
	cb.mu.Lock()
	from := cb.state
	// A probe admitted in half-open only counts while the breaker is still
	// half-open; a concurrent probe may already have decided the state.
	probe := admittedHalfOpen && cb.state == StateHalfOpen
	if probe {
		cb.halfOpenInFlight--
	}

	switch o {
	case OutcomeFailure:
		cb.recordFailure(probe)
	case OutcomeSuccess:
		cb.recordSuccess(probe)
	}
	to := cb.state
	cb.mu.Unlock()
	cb.notify(from, to)
}

// recordFailure handles failure accounting. Must be called with cb.mu held.
func (cb *CircuitBreaker) recordFailure(probe bool) {
	cb.lastFailure = cb.now()

	if probe {
		// Any failure in half-open immediately re-opens.
		cb.state = StateOpen
		cb.consecutiveFail = cb.maxFailures
		slog.Warn("circuit breaker re-opened from half-open", "name", cb.name)
		return
	}
	if cb.state != StateClosed {
		return
	}

	cb.consecutiveFail++
	if cb.consecutiveFail >= cb.maxFailures {
		cb.state = StateOpen
		slog.Warn("circuit breaker opened",
			"name", cb.name,
			"consecutive_failures", cb.consecutiveFail)
	}
}

// recordSuccess handles success accounting. Must be called with cb.mu held.
func (cb *CircuitBreaker) recordSuccess(probe bool) {
	if probe {
		cb.halfOpenSuccess++
		if cb.halfOpenSuccess >= cb.halfOpenMax {
			cb.state = StateClosed
			cb.consecutiveFail = 0
			cb.halfOpenInFlight = 0
			cb.halfOpenSuccess = 0
			slog.Info("circuit breaker closed after successful probes", "name", cb.name)
		}
		return
	}
	if cb.state == StateClosed {
		cb.consecutiveFail = 0
	}
}

func (cb *CircuitBreaker) notify(from, to State) {
	if from != to && cb.onStateChange != nil {
		cb.onStateChange(cb.name, from, to)
	}
}

// State returns the current [State] of the breaker. If the breaker is open and
// the reset timeout has elapsed, the returned state is [StateHalfOpen] (the
// actual transition happens on the next admitted call).
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen && cb.now().Sub(cb.lastFailure) >= cb.resetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Reset manually forces the breaker back to [StateClosed], clearing all failure
// counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	from := cb.state
	cb.state = StateClosed
	cb.consecutiveFail = 0
	cb.halfOpenInFlight = 0
	cb.halfOpenSuccess = 0
	cb.mu.Unlock()

	slog.Info("circuit breaker manually reset", "name", cb.name)
	cb.notify(from, StateClosed)
}
