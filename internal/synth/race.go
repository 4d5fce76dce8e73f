// Package synth fans a speech request out to every configured synthesis
// backend and adopts the first result that is playable.
//
// Backend order carries no priority. Each backend gets its own per-request
// deadline covering every step of its protocol, and the race as a whole is
// bounded by an overall ceiling. Losers are cancelled and their late results
// are dropped on the floor.
package synth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/yomiage/internal/observe"
	"github.com/MrWong99/yomiage/internal/resilience"
	"github.com/MrWong99/yomiage/pkg/audio"
	"github.com/MrWong99/yomiage/pkg/provider/tts"
)

var (
	// ErrTimeout is returned when the overall ceiling passes before any
	// backend produced a valid result.
	ErrTimeout = errors.New("synth: no valid result before the race deadline")

	// ErrAllFailed is returned when every backend errored or returned audio
	// that cannot be played. The per-backend causes are joined onto it.
	ErrAllFailed = errors.New("synth: all backends failed")

	// ErrNoBackends is returned by [New] for an empty backend list.
	ErrNoBackends = errors.New("synth: no backends configured")
)

const (
	defaultPerRequestTimeout = 10 * time.Second
	defaultOverallTimeout    = 15 * time.Second
)

// Backend is one contestant in the race.
type Backend struct {
	// Name labels logs, metrics and error details.
	Name string

	// Provider performs the synthesis.
	Provider tts.Provider

	// Breaker is optional. An open breaker fails the backend immediately.
	Breaker *resilience.CircuitBreaker
}

// Result is the winning synthesis.
type Result struct {
	// WAV is the raw container as returned by the backend.
	WAV []byte

	// Info is the decoded header of WAV.
	Info audio.WAVInfo

	// Backend names the winner.
	Backend string

	// RequestID identifies the race in logs.
	RequestID string
}

// Option configures a [Racer].
type Option func(*Racer)

// WithPerRequestTimeout bounds a single backend request, all protocol steps
// included.
func WithPerRequestTimeout(d time.Duration) Option {
	return func(r *Racer) {
		if d > 0 {
			r.perRequest = d
		}
	}
}

// WithOverallTimeout bounds the whole race.
func WithOverallTimeout(d time.Duration) Option {
	return func(r *Racer) {
		if d > 0 {
			r.overall = d
		}
	}
}

// WithFormat sets the format a result must match to count as valid. Only the
// sample rate is enforced; one or two channels are accepted.
func WithFormat(f audio.Format) Option {
	return func(r *Racer) { r.format = f }
}

// WithMetrics records race instrumentation into m instead of
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(r *Racer) { r.metrics = m }
}

// Racer runs synthesis races over a fixed set of backends. It is safe for
// concurrent use.
type Racer struct {
	backends   []Backend
	perRequest time.Duration
	overall    time.Duration
	format     audio.Format
	metrics    *observe.Metrics
}

// New creates a Racer over backends.
func New(backends []Backend, opts ...Option) (*Racer, error) {
	if len(backends) == 0 {
		return nil, ErrNoBackends
	}
	for i, b := range backends {
		if b.Provider == nil {
			return nil, fmt.Errorf("synth: backend %d (%q) has no provider", i, b.Name)
		}
	}
	r := &Racer{
		backends:   append([]Backend(nil), backends...),
		perRequest: defaultPerRequestTimeout,
		overall:    defaultOverallTimeout,
		format:     audio.TransportFormat,
	}
	for _, o := range opts {
		o(r)
	}
	if r.metrics == nil {
		r.metrics = observe.DefaultMetrics()
	}
	return r, nil
}

// Backends returns a copy of the configured backends.
func (r *Racer) Backends() []Backend {
	return append([]Backend(nil), r.backends...)
}

// attempt is the outcome of one backend request.
type attempt struct {
	backend string
	wav     []byte
	info    audio.WAVInfo
	err     error
}

// Synthesize races text in voice across all backends.
//
// It returns the first valid result, [ErrTimeout] when the overall ceiling
// passes first, or an error wrapping [ErrAllFailed] when every backend failed.
// If ctx ends before any of that, ctx.Err() is returned. Synthesize does not
// wait for losers to observe their cancellation.
func (r *Racer) Synthesize(ctx context.Context, text string, voice tts.Voice) (Result, error) {
	start := time.Now()
	reqID := uuid.NewString()

	ctx, span := observe.StartSpan(ctx, "synth.race",
		trace.WithAttributes(
			attribute.String("request_id", reqID),
			attribute.Int("voice_id", voice.ID),
			attribute.Int("backends", len(r.backends)),
		),
	)
	defer span.End()
	log := observe.Logger(ctx).With("request_id", reqID)

	raceCtx, cancel := context.WithTimeout(ctx, r.overall)
	defer cancel()

	// Buffered so attempts finishing after the race has returned never block.
	results := make(chan attempt, len(r.backends))
	for _, b := range r.backends {
		go r.run(raceCtx, b, text, voice, results)
	}

	var errs []error
	for range r.backends {
		select {
		case a := <-results:
			if a.err != nil {
				if raceCtx.Err() != nil {
					// The attempt was cut short by the race ending.
					return Result{}, r.abort(ctx, span, log, start, len(errs))
				}
				log.Debug("synthesis backend failed", "backend", a.backend, "err", a.err)
				errs = append(errs, fmt.Errorf("%s: %w", a.backend, a.err))
				continue
			}
			r.finish(ctx, start, "ok")
			span.SetAttributes(attribute.String("winner", a.backend))
			res := Result{WAV: a.wav, Info: a.info, Backend: a.backend, RequestID: reqID}
			log.Debug("synthesis race won", "result", res, "elapsed", time.Since(start))
			return res, nil

		case <-raceCtx.Done():
			return Result{}, r.abort(ctx, span, log, start, len(errs))
		}
	}

	r.finish(ctx, start, "all_failed")
	err := fmt.Errorf("%w: %w", ErrAllFailed, errors.Join(errs...))
	observe.FailSpan(span, err, "all backends failed")
	log.Warn("synthesis race failed", "err", err)
	return Result{}, err
}

// abort ends a race whose context is done: the caller's cancellation wins
// over the overall ceiling.
func (r *Racer) abort(ctx context.Context, span trace.Span, log *slog.Logger, start time.Time, failed int) error {
	if err := ctx.Err(); err != nil {
		r.finish(ctx, start, "cancelled")
		span.SetStatus(codes.Error, "cancelled")
		return err
	}
	r.finish(ctx, start, "timeout")
	span.SetStatus(codes.Error, "timeout")
	log.Warn("synthesis race timed out", "timeout", r.overall, "failed", failed)
	return ErrTimeout
}

func (r *Racer) finish(ctx context.Context, start time.Time, outcome string) {
	r.metrics.SynthesisDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(observe.Attr("outcome", outcome)))
}

// run performs one backend request and always delivers exactly one attempt.
func (r *Racer) run(ctx context.Context, b Backend, text string, voice tts.Voice, out chan<- attempt) {
	a := attempt{backend: b.Name}
	status := "ok"
	defer func() {
		r.metrics.RecordBackendResult(context.WithoutCancel(ctx), b.Name, status)
		out <- a
	}()

	call := func(fn func() error) error { return fn() }
	if b.Breaker != nil {
		call = b.Breaker.Execute
	}

	var (
		wav  []byte
		info audio.WAVInfo
	)
	err := call(func() error {
		reqCtx, cancel := context.WithTimeout(ctx, r.perRequest)
		defer cancel()

		var err error
		wav, err = b.Provider.Synthesize(reqCtx, text, voice)
		if err == nil {
			info, err = audio.ValidateWAV(wav, r.format)
		}
		if err != nil && ctx.Err() != nil {
			// Cancelled by the race, not the backend's fault.
			return fmt.Errorf("%w: %w", context.Canceled, err)
		}
		return err
	})

	switch {
	case errors.Is(err, resilience.ErrCircuitOpen):
		a.err, status = err, "circuit_open"
	case err == nil && ctx.Err() != nil:
		// Finished after losing; nobody may adopt it.
		a.err, status = ctx.Err(), "late"
	case err == nil:
		a.wav, a.info = wav, info
	case ctx.Err() != nil:
		a.err, status = err, "cancelled"
	default:
		a.err, status = err, failureStatus(err)
	}
}

func failureStatus(err error) string {
	var fe *audio.FormatError
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.As(err, &fe):
		return "invalid"
	default:
		return "error"
	}
}

// LogValue lets a Result be logged without its payload.
func (res Result) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("backend", res.Backend),
		slog.String("request_id", res.RequestID),
		slog.Int("frames", res.Info.FrameCount),
	)
}
