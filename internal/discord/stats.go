package discord

import (
	"context"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/yomiage/internal/synth"
	"github.com/MrWong99/yomiage/pkg/provider/tts"
)

// Synthesizer is the synthesis entry point the relay calls. [synth.Racer]
// implements it.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string, voice tts.Voice) (synth.Result, error)
}

// SynthesisStats keeps a bounded window of recent synthesis latencies and
// per-backend win counts for the /vstatus embed.
//
// Thread-safe for concurrent use.
type SynthesisStats struct {
	mu       sync.Mutex
	latency  latencyBuffer
	wins     map[string]int64
	spoken   int64
	failures int64
}

// NewSynthesisStats creates a SynthesisStats retaining at most windowSize
// latency samples.
func NewSynthesisStats(windowSize int) *SynthesisStats {
	if windowSize <= 0 {
		windowSize = 100
	}
	return &SynthesisStats{
		latency: newLatencyBuffer(windowSize),
		wins:    make(map[string]int64),
	}
}

// Record adds one finished synthesis. backend is the winner and is ignored
// when err is non-nil.
func (ss *SynthesisStats) Record(backend string, d time.Duration, err error) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	if err != nil {
		ss.failures++
		return
	}
	ss.spoken++
	ss.wins[backend]++
	ss.latency.add(d)
}

// Instrument wraps s so every call is recorded.
func (ss *SynthesisStats) Instrument(s Synthesizer) Synthesizer {
	return &instrumented{next: s, stats: ss}
}

type instrumented struct {
	next  Synthesizer
	stats *SynthesisStats
}

func (i *instrumented) Synthesize(ctx context.Context, text string, voice tts.Voice) (synth.Result, error) {
	start := time.Now()
	res, err := i.next.Synthesize(ctx, text, voice)
	i.stats.Record(res.Backend, time.Since(start), err)
	return res, err
}

// LatencyPercentiles holds p50 and p95 values.
type LatencyPercentiles struct {
	P50 time.Duration
	P95 time.Duration
}

// Snapshot is a point-in-time view of [SynthesisStats].
type Snapshot struct {
	Latency  LatencyPercentiles
	Wins     map[string]int64
	Spoken   int64
	Failures int64
}

// Snapshot returns a copy of the current statistics.
func (ss *SynthesisStats) Snapshot() Snapshot {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	wins := make(map[string]int64, len(ss.wins))
	for k, v := range ss.wins {
		wins[k] = v
	}
	return Snapshot{
		Latency:  ss.latency.percentiles(),
		Wins:     wins,
		Spoken:   ss.spoken,
		Failures: ss.failures,
	}
}

// latencyBuffer is a bounded ring buffer of duration samples.
type latencyBuffer struct {
	data []time.Duration
	pos  int
	full bool
}

func newLatencyBuffer(size int) latencyBuffer {
	return latencyBuffer{data: make([]time.Duration, size)}
}

func (lb *latencyBuffer) add(d time.Duration) {
	lb.data[lb.pos] = d
	lb.pos++
	if lb.pos == len(lb.data) {
		lb.pos = 0
		lb.full = true
	}
}

func (lb *latencyBuffer) percentiles() LatencyPercentiles {
	n := lb.pos
	if lb.full {
		n = len(lb.data)
	}
	if n == 0 {
		return LatencyPercentiles{}
	}
	sorted := slices.Clone(lb.data[:n])
	slices.Sort(sorted)
	return LatencyPercentiles{
		P50: percentile(sorted, 0.50),
		P95: percentile(sorted, 0.95),
	}
}

// percentile returns the nearest-rank value at p (0.0-1.0) of sorted.
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Ceil(p*float64(len(sorted)))) - 1
	idx = max(0, min(idx, len(sorted)-1))
	return sorted[idx]
}
