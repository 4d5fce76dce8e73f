// Package observe provides application-wide observability primitives for
// yomiage: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all yomiage metrics.
const meterName = "github.com/MrWong99/yomiage"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Synthesis ---

	// SynthesisDuration tracks the wall time of one synthesis race. Use with
	// attribute: attribute.String("outcome", "ok"|"timeout"|"all_failed").
	SynthesisDuration metric.Float64Histogram

	// BackendResults counts individual backend attempts inside a race. Use with
	// attributes: attribute.String("backend", ...), attribute.String("status", ...)
	BackendResults metric.Int64Counter

	// BreakerTransitions counts circuit breaker state changes. Use with
	// attributes: attribute.String("backend", ...), attribute.String("state", ...)
	BreakerTransitions metric.Int64Counter

	// --- Playback ---

	// PlaybackItems counts finished playback items. Use with attribute:
	//   attribute.String("outcome", "played"|"failed"|"rejected"|"discarded")
	PlaybackItems metric.Int64Counter

	// QueueDepth tracks the number of queued items across all guilds.
	QueueDepth metric.Int64UpDownCounter

	// --- Voice connection ---

	// Reconnects counts reconnect procedures. Use with attribute:
	//   attribute.String("result", "ok"|"failed")
	Reconnects metric.Int64Counter

	// VoiceStateChanges counts connection state transitions. Use with
	// attribute: attribute.String("state", ...)
	VoiceStateChanges metric.Int64Counter

	// --- Profiles ---

	// ProfileFlushes counts debounced profile writes. Use with attribute:
	//   attribute.String("status", "ok"|"error")
	ProfileFlushes metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) covering
// both sub-second engine replies and the race ceiling.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2, 4, 8, 15, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.SynthesisDuration, err = m.Float64Histogram("yomiage.synthesis.duration",
		metric.WithDescription("Wall time of a synthesis race by outcome."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("yomiage.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.BackendResults, err = m.Int64Counter("yomiage.synthesis.backend.results",
		metric.WithDescription("Synthesis backend attempts by backend and status."),
	); err != nil {
		return nil, err
	}
	if met.BreakerTransitions, err = m.Int64Counter("yomiage.synthesis.breaker.transitions",
		metric.WithDescription("Circuit breaker state changes by backend and new state."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackItems, err = m.Int64Counter("yomiage.playback.items",
		metric.WithDescription("Finished playback items by outcome."),
	); err != nil {
		return nil, err
	}
	if met.Reconnects, err = m.Int64Counter("yomiage.voice.reconnects",
		metric.WithDescription("Voice reconnect procedures by result."),
	); err != nil {
		return nil, err
	}
	if met.VoiceStateChanges, err = m.Int64Counter("yomiage.voice.state_changes",
		metric.WithDescription("Voice connection state transitions by new state."),
	); err != nil {
		return nil, err
	}
	if met.ProfileFlushes, err = m.Int64Counter("yomiage.profile.flushes",
		metric.WithDescription("Voice profile write-backs by status."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.QueueDepth, err = m.Int64UpDownCounter("yomiage.playback.queue_depth",
		metric.WithDescription("Number of playback items waiting across all guilds."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordBackendResult records one backend attempt inside a synthesis race.
func (m *Metrics) RecordBackendResult(ctx context.Context, backend, status string) {
	m.BackendResults.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("backend", backend),
			attribute.String("status", status),
		),
	)
}

// RecordBreakerTransition records a circuit breaker state change.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, backend, state string) {
	m.BreakerTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("backend", backend),
			attribute.String("state", state),
		),
	)
}

// RecordPlaybackItem records a playback item reaching a terminal outcome.
func (m *Metrics) RecordPlaybackItem(ctx context.Context, outcome string) {
	m.PlaybackItems.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordReconnect records the result of one reconnect procedure.
func (m *Metrics) RecordReconnect(ctx context.Context, result string) {
	m.Reconnects.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// RecordVoiceState records a voice connection state transition.
func (m *Metrics) RecordVoiceState(ctx context.Context, state string) {
	m.VoiceStateChanges.Add(ctx, 1, metric.WithAttributes(attribute.String("state", state)))
}

// RecordProfileFlush records one profile write-back.
func (m *Metrics) RecordProfileFlush(ctx context.Context, status string) {
	m.ProfileFlushes.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}
