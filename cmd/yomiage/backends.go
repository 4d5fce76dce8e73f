package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/MrWong99/yomiage/internal/config"
	"github.com/MrWong99/yomiage/internal/observe"
	"github.com/MrWong99/yomiage/internal/resilience"
	"github.com/MrWong99/yomiage/internal/synth"
	"github.com/MrWong99/yomiage/pkg/provider/tts"
	"github.com/MrWong99/yomiage/pkg/provider/tts/coqui"
	"github.com/MrWong99/yomiage/pkg/provider/tts/elevenlabs"
	"github.com/MrWong99/yomiage/pkg/provider/tts/voicevox"
)

// registerBuiltinBackends wires the synthesis backend factories that ship
// with yomiage into reg. Backend-specific settings come from the entry's
// options map.
func registerBuiltinBackends(reg *config.Registry) {
	reg.Register("voicevox", func(entry config.BackendEntry) (tts.Provider, error) {
		var opts []voicevox.Option
		if stereo, ok := entry.OptBool("output_stereo"); ok {
			opts = append(opts, voicevox.WithOutputStereo(stereo))
		}
		if rate := entry.OptInt("output_sampling_rate"); rate > 0 {
			opts = append(opts, voicevox.WithOutputSamplingRate(rate))
		}
		if upspeak, ok := entry.OptBool("interrogative_upspeak"); ok {
			opts = append(opts, voicevox.WithInterrogativeUpspeak(upspeak))
		}
		return provider(voicevox.New(entry.BaseURL, opts...))
	})

	reg.Register("coqui", func(entry config.BackendEntry) (tts.Provider, error) {
		var opts []coqui.Option
		if lang := entry.OptString("language"); lang != "" {
			opts = append(opts, coqui.WithLanguage(lang))
		}
		if mode := entry.OptString("api_mode"); mode != "" {
			opts = append(opts, coqui.WithAPIMode(coqui.APIMode(mode)))
		}
		if speakers := entry.OptVoiceMap("speakers"); speakers != nil {
			opts = append(opts, coqui.WithSpeakers(speakers))
		}
		if speaker := entry.OptString("default_speaker"); speaker != "" {
			opts = append(opts, coqui.WithDefaultSpeaker(speaker))
		}
		return provider(coqui.New(entry.BaseURL, opts...))
	})

	reg.Register("elevenlabs", func(entry config.BackendEntry) (tts.Provider, error) {
		var opts []elevenlabs.Option
		if entry.BaseURL != "" {
			opts = append(opts, elevenlabs.WithBaseURL(entry.BaseURL))
		}
		if model := entry.OptString("model"); model != "" {
			opts = append(opts, elevenlabs.WithModel(model))
		}
		if format := entry.OptString("output_format"); format != "" {
			opts = append(opts, elevenlabs.WithOutputFormat(format))
		}
		if m := entry.OptVoiceMap("voice_map"); m != nil {
			opts = append(opts, elevenlabs.WithVoiceMap(m))
		}
		if v := entry.OptString("default_voice"); v != "" {
			opts = append(opts, elevenlabs.WithDefaultVoice(v))
		}
		return provider(elevenlabs.New(entry.APIKey, opts...))
	})
}

// provider converts a constructor result without leaking a typed nil into
// the interface.
func provider[P tts.Provider](p P, err error) (tts.Provider, error) {
	if err != nil {
		return nil, err
	}
	return p, nil
}

// buildBackends instantiates every configured backend and puts each behind
// its own circuit breaker.
func buildBackends(cfg config.SynthesisConfig, reg *config.Registry, metrics *observe.Metrics) ([]synth.Backend, error) {
	backends := make([]synth.Backend, 0, len(cfg.Backends))
	for _, entry := range cfg.Backends {
		p, err := reg.Create(entry)
		if err != nil {
			return nil, err
		}
		breaker := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:         entry.Name,
			MaxFailures:  cfg.CircuitBreaker.MaxFailures,
			ResetTimeout: cfg.CircuitBreaker.ResetTimeout,
			OnStateChange: func(name string, from, to resilience.State) {
				slog.Warn("synthesis backend breaker changed state", "backend", name, "from", from, "to", to)
				metrics.RecordBreakerTransition(context.Background(), name, to.String())
			},
		})
		backends = append(backends, synth.Backend{Name: entry.Name, Provider: p, Breaker: breaker})
		slog.Info("synthesis backend ready", "backend", entry.Name, "kind", entry.Kind, "base_url", entry.BaseURL)
	}
	if len(backends) == 0 {
		return nil, errors.New("no synthesis backends configured")
	}
	return backends, nil
}

// anyBreakerClosed reports an error when every backend breaker is open.
func anyBreakerClosed(backends []synth.Backend) func(context.Context) error {
	return func(context.Context) error {
		for _, b := range backends {
			if b.Breaker == nil || b.Breaker.State() != resilience.StateOpen {
				return nil
			}
		}
		return fmt.Errorf("all %d synthesis backends are open", len(backends))
	}
}
