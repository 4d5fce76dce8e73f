package synth

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/MrWong99/yomiage/internal/observe"
	"github.com/MrWong99/yomiage/internal/resilience"
	"github.com/MrWong99/yomiage/pkg/audio"
	"github.com/MrWong99/yomiage/pkg/provider/tts"
	"github.com/MrWong99/yomiage/pkg/provider/tts/mock"
)

// ─── helpers ─────────────────────────────────────────────────────────────────

var testVoice = tts.Voice{ID: 888753760, Name: "Anneli"}

// validWAV returns a playable mono WAV whose payload is filled with marker so
// that winners can be told apart.
func validWAV(t *testing.T, marker byte) []byte {
	t.Helper()
	pcm := make([]byte, 1920)
	for i := range pcm {
		pcm[i] = marker
	}
	wav, err := audio.EncodeWAV(pcm, audio.Format{SampleRate: audio.SampleRate, Channels: 1})
	if err != nil {
		t.Fatalf("EncodeWAV: %v", err)
	}
	return wav
}

// wrongRateWAV returns a well-formed WAV at 22050 Hz.
func wrongRateWAV(t *testing.T) []byte {
	t.Helper()
	wav, err := audio.EncodeWAV(make([]byte, 882), audio.Format{SampleRate: 22050, Channels: 1})
	if err != nil {
		t.Fatalf("EncodeWAV: %v", err)
	}
	return wav
}

func newTestRacer(t *testing.T, backends []Backend, opts ...Option) (*Racer, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	r, err := New(backends, append([]Option{WithMetrics(m)}, opts...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return r, reader
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// ─── New ─────────────────────────────────────────────────────────────────────

func TestNew(t *testing.T) {
	t.Parallel()

	if _, err := New(nil); !errors.Is(err, ErrNoBackends) {
		t.Errorf("New(nil) err = %v, want ErrNoBackends", err)
	}
	if _, err := New([]Backend{{Name: "empty"}}); err == nil {
		t.Error("expected error for backend without provider")
	}

	r, err := New([]Backend{{Name: "a", Provider: &mock.Provider{}}},
		WithPerRequestTimeout(time.Second),
		WithOverallTimeout(2*time.Second),
		WithPerRequestTimeout(-1),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if r.perRequest != time.Second || r.overall != 2*time.Second {
		t.Errorf("timeouts = %v/%v", r.perRequest, r.overall)
	}
	if r.format != audio.TransportFormat {
		t.Errorf("format = %v, want transport format", r.format)
	}
}

// ─── Race outcomes ───────────────────────────────────────────────────────────

func TestSynthesize_FirstValidWinsAndLosersAreCancelled(t *testing.T) {
	t.Parallel()

	fast := &mock.Provider{SynthesizeResult: validWAV(t, 1), Delay: 10 * time.Millisecond}
	slow := &mock.Provider{SynthesizeResult: validWAV(t, 2), Delay: time.Second}

	r, _ := newTestRacer(t, []Backend{
		{Name: "slow", Provider: slow},
		{Name: "fast", Provider: fast},
	})

	res, err := r.Synthesize(t.Context(), "こんにちは", testVoice)
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if res.Backend != "fast" {
		t.Errorf("winner = %q, want fast", res.Backend)
	}
	if res.RequestID == "" {
		t.Error("missing request id")
	}
	if res.Info.SampleRate != audio.SampleRate || res.Info.Channels != 1 {
		t.Errorf("info = %+v", res.Info)
	}
	waitFor(t, "slow backend cancellation", func() bool { return slow.CancelledCount() == 1 })

	calls := slow.Calls()
	if len(calls) != 1 || calls[0].Text != "こんにちは" || calls[0].Voice != testVoice {
		t.Errorf("slow calls = %+v", calls)
	}
}

func TestSynthesize_InvalidResultDoesNotWin(t *testing.T) {
	t.Parallel()

	r, _ := newTestRacer(t, []Backend{
		{Name: "garbage", Provider: &mock.Provider{SynthesizeResult: []byte("not a wav")}},
		{Name: "wrong-rate", Provider: &mock.Provider{SynthesizeResult: wrongRateWAV(t)}},
		{Name: "good", Provider: &mock.Provider{SynthesizeResult: validWAV(t, 3), Delay: 30 * time.Millisecond}},
	})

	res, err := r.Synthesize(t.Context(), "text", testVoice)
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if res.Backend != "good" {
		t.Errorf("winner = %q, want good", res.Backend)
	}
}

func TestSynthesize_AllFailed(t *testing.T) {
	t.Parallel()

	netErr := &tts.NetworkError{Backend: "down", Endpoint: "http://down/audio_query", StatusCode: 503, Err: errors.New("unavailable")}
	r, reader := newTestRacer(t, []Backend{
		{Name: "down", Provider: &mock.Provider{SynthesizeErr: netErr}},
		{Name: "garbage", Provider: &mock.Provider{SynthesizeResult: []byte("RIFF")}},
	})

	_, err := r.Synthesize(t.Context(), "text", testVoice)
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
	var ne *tts.NetworkError
	if !errors.As(err, &ne) || ne.StatusCode != 503 {
		t.Errorf("err = %v, want wrapped NetworkError", err)
	}
	var fe *audio.FormatError
	if !errors.As(err, &fe) {
		t.Errorf("err = %v, want wrapped FormatError", err)
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if got := backendResults(rm, "invalid"); got != 1 {
		t.Errorf("invalid results = %d, want 1", got)
	}
	if got := backendResults(rm, "error"); got != 1 {
		t.Errorf("error results = %d, want 1", got)
	}
}

func TestSynthesize_OverallTimeout(t *testing.T) {
	t.Parallel()

	p := &mock.Provider{SynthesizeResult: validWAV(t, 1), Delay: 5 * time.Second}
	r, _ := newTestRacer(t, []Backend{{Name: "stuck", Provider: p}},
		WithPerRequestTimeout(10*time.Second),
		WithOverallTimeout(50*time.Millisecond),
	)

	start := time.Now()
	_, err := r.Synthesize(t.Context(), "text", testVoice)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("race took %v, want about 50ms", elapsed)
	}
	waitFor(t, "stuck backend cancellation", func() bool { return p.CancelledCount() == 1 })
}

func TestSynthesize_PerRequestTimeoutIsAFailure(t *testing.T) {
	t.Parallel()

	r, _ := newTestRacer(t, []Backend{
		{Name: "slow", Provider: &mock.Provider{SynthesizeResult: validWAV(t, 1), Delay: time.Second}},
	},
		WithPerRequestTimeout(30*time.Millisecond),
		WithOverallTimeout(5*time.Second),
	)

	_, err := r.Synthesize(t.Context(), "text", testVoice)
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want wrapped DeadlineExceeded", err)
	}
}

func TestSynthesize_CallerCancellation(t *testing.T) {
	t.Parallel()

	r, _ := newTestRacer(t, []Backend{
		{Name: "slow", Provider: &mock.Provider{SynthesizeResult: validWAV(t, 1), Delay: 5 * time.Second}},
	})

	ctx, cancel := context.WithCancel(t.Context())
	time.AfterFunc(20*time.Millisecond, cancel)

	_, err := r.Synthesize(ctx, "text", testVoice)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

// ─── Circuit breakers ────────────────────────────────────────────────────────

func TestSynthesize_OpenBreakerFailsImmediately(t *testing.T) {
	t.Parallel()

	cb := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: "tripped", MaxFailures: 1, ResetTimeout: time.Hour})
	_ = cb.Execute(func() error { return errors.New("boom") })
	if cb.State() != resilience.StateOpen {
		t.Fatalf("breaker state = %v, want open", cb.State())
	}

	p := &mock.Provider{SynthesizeResult: validWAV(t, 1)}
	r, _ := newTestRacer(t, []Backend{{Name: "tripped", Provider: p, Breaker: cb}})

	_, err := r.Synthesize(t.Context(), "text", testVoice)
	if !errors.Is(err, ErrAllFailed) || !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrAllFailed wrapping ErrCircuitOpen", err)
	}
	if n := len(p.Calls()); n != 0 {
		t.Errorf("provider called %d times behind an open breaker", n)
	}
}

func TestSynthesize_LosersDoNotTripBreakers(t *testing.T) {
	t.Parallel()

	slowCB := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: "slow", MaxFailures: 1, ResetTimeout: time.Hour})
	slow := &mock.Provider{SynthesizeResult: validWAV(t, 2), Delay: time.Second}
	r, _ := newTestRacer(t, []Backend{
		{Name: "fast", Provider: &mock.Provider{SynthesizeResult: validWAV(t, 1)}},
		{Name: "slow", Provider: slow, Breaker: slowCB},
	})

	for i := range 3 {
		if _, err := r.Synthesize(t.Context(), "text", testVoice); err != nil {
			t.Fatalf("race %d: %v", i, err)
		}
	}
	waitFor(t, "losers to finish", func() bool { return slow.CancelledCount() == 3 })
	if got := slowCB.State(); got != resilience.StateClosed {
		t.Errorf("loser breaker = %v, want closed", got)
	}
}

// ─── Randomized latencies ────────────────────────────────────────────────────

func TestSynthesize_RandomLatenciesSingleValidWinner(t *testing.T) {
	t.Parallel()

	for trial := range 20 {
		t.Run(fmt.Sprintf("trial-%d", trial), func(t *testing.T) {
			t.Parallel()

			rng := rand.New(rand.NewPCG(uint64(trial), 7))
			winner := rng.IntN(4)
			want := validWAV(t, byte(trial+1))

			var backends []Backend
			var providers []*mock.Provider
			for i := range 4 {
				p := &mock.Provider{Delay: time.Duration(1+rng.IntN(30)) * time.Millisecond}
				switch {
				case i == winner:
					p.SynthesizeResult = want
				case i%2 == 0:
					p.SynthesizeErr = errors.New("engine exploded")
				default:
					p.SynthesizeResult = wrongRateWAV(t)
				}
				providers = append(providers, p)
				backends = append(backends, Backend{Name: fmt.Sprintf("b%d", i), Provider: p})
			}

			r, _ := newTestRacer(t, backends, WithOverallTimeout(2*time.Second))
			res, err := r.Synthesize(t.Context(), "text", testVoice)
			if err != nil {
				t.Fatalf("Synthesize: %v", err)
			}
			if res.Backend != fmt.Sprintf("b%d", winner) {
				t.Errorf("winner = %q, want b%d", res.Backend, winner)
			}
			if !bytes.Equal(res.WAV, want) {
				t.Error("returned bytes differ from the valid backend's output")
			}
			for i, p := range providers {
				if n := len(p.Calls()); n != 1 {
					t.Errorf("backend %d called %d times, want 1", i, n)
				}
			}
		})
	}
}

func backendResults(rm metricdata.ResourceMetrics, status string) int64 {
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "yomiage.synthesis.backend.results" {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			for _, dp := range sum.DataPoints {
				if v, ok := dp.Attributes.Value("status"); ok && v.AsString() == status {
					total += dp.Value
				}
			}
		}
	}
	return total
}

func TestSynthesize_BackendFailureTripsBreaker(t *testing.T) {
	t.Parallel()

	cb := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: "flaky", MaxFailures: 1, ResetTimeout: time.Hour})
	r, _ := newTestRacer(t, []Backend{
		{Name: "flaky", Provider: &mock.Provider{SynthesizeResult: validWAV(t, 1), Delay: time.Second}, Breaker: cb},
	},
		WithPerRequestTimeout(20*time.Millisecond),
		WithOverallTimeout(5*time.Second),
	)

	if _, err := r.Synthesize(t.Context(), "text", testVoice); !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
	if got := cb.State(); got != resilience.StateOpen {
		t.Errorf("breaker = %v, want open after a per-request timeout", got)
	}
}

// ─── Tracing ─────────────────────────────────────────────────────────────────

// Not parallel: installs a global tracer provider and logger.
func TestSynthesize_TracesRace(t *testing.T) {
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	origTP := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	var logs bytes.Buffer
	origLog := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug})))
	t.Cleanup(func() {
		otel.SetTracerProvider(origTP)
		slog.SetDefault(origLog)
		_ = tp.Shutdown(context.Background())
	})

	r, _ := newTestRacer(t, []Backend{
		{Name: "local", Provider: &mock.Provider{SynthesizeResult: validWAV(t, 1)}},
	})
	ctx := observe.WithGuild(t.Context(), "g1")
	res, err := r.Synthesize(ctx, "text", testVoice)
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}

	failing, _ := newTestRacer(t, []Backend{
		{Name: "down", Provider: &mock.Provider{SynthesizeErr: errors.New("connection refused")}},
	})
	if _, err := failing.Synthesize(ctx, "text", testVoice); !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}

	spans := exp.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("spans = %d, want 2", len(spans))
	}
	attrs := map[string]string{}
	for _, kv := range spans[0].Attributes {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	if spans[0].Name != "synth.race" || attrs["request_id"] != res.RequestID || attrs["winner"] != "local" ||
		attrs["guild_id"] != "g1" || attrs["voice_id"] != "888753760" {
		t.Errorf("won span %q attrs = %v", spans[0].Name, attrs)
	}
	if spans[1].Status.Code != codes.Error || len(spans[1].Events) == 0 {
		t.Errorf("failed span status = %+v, events = %d", spans[1].Status, len(spans[1].Events))
	}

	out := logs.String()
	for _, want := range []string{"synthesis race won", "result.backend=local", "result.request_id=" + res.RequestID, "guild_id=g1"} {
		if !strings.Contains(out, want) {
			t.Errorf("logs missing %q:\n%s", want, out)
		}
	}
}
