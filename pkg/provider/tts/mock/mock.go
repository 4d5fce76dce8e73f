// Package mock provides a test double for the tts.Provider interface.
//
// Use Provider to return controlled WAV bytes to consumers and to verify that
// the correct text and voice are passed to the TTS backend.
//
// Example:
//
//	p := &mock.Provider{SynthesizeResult: wavBytes, Delay: 50 * time.Millisecond}
//	wav, err := p.Synthesize(ctx, "こんにちは", tts.Voice{ID: 888753760})
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/yomiage/pkg/provider/tts"
)

// Compile-time interface assertion.
var _ tts.Provider = (*Provider)(nil)

// SynthesizeCall records a single invocation of Synthesize.
type SynthesizeCall struct {
	// Text is the text passed to Synthesize.
	Text string
	// Voice is the voice passed to Synthesize.
	Voice tts.Voice
}

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// SynthesizeResult is returned by Synthesize.
	SynthesizeResult []byte

	// SynthesizeErr, if non-nil, is returned instead of SynthesizeResult.
	SynthesizeErr error

	// SynthesizeFunc, if set, replaces the fixed result and error.
	SynthesizeFunc func(ctx context.Context, text string, voice tts.Voice) ([]byte, error)

	// Delay makes Synthesize wait before answering. The wait observes ctx;
	// a cancelled call returns ctx.Err() and is counted in Cancelled.
	Delay time.Duration

	// --- Call records ---

	// SynthesizeCalls records every call to Synthesize in order.
	SynthesizeCalls []SynthesizeCall

	// Cancelled counts calls that returned because ctx was done.
	Cancelled int

	// Completed counts calls that returned a result or error of their own.
	Completed int
}

// Synthesize implements tts.Provider.
func (p *Provider) Synthesize(ctx context.Context, text string, voice tts.Voice) ([]byte, error) {
	p.mu.Lock()
	p.SynthesizeCalls = append(p.SynthesizeCalls, SynthesizeCall{Text: text, Voice: voice})
	delay, fn := p.Delay, p.SynthesizeFunc
	result, err := p.SynthesizeResult, p.SynthesizeErr
	p.mu.Unlock()

	if delay > 0 {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			p.mu.Lock()
			p.Cancelled++
			p.mu.Unlock()
			return nil, ctx.Err()
		}
	}
	if fn != nil {
		result, err = fn(ctx, text, voice)
	}

	p.mu.Lock()
	p.Completed++
	p.mu.Unlock()
	return result, err
}

// Calls returns a copy of the recorded calls.
func (p *Provider) Calls() []SynthesizeCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]SynthesizeCall(nil), p.SynthesizeCalls...)
}

// CancelledCount returns the number of calls that observed cancellation.
func (p *Provider) CancelledCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Cancelled
}

// Reset clears all recorded calls and counters, preserving configuration.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.SynthesizeCalls = nil
	p.Cancelled = 0
	p.Completed = 0
}
