// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider wraps one speech synthesis server (a VOICEVOX-compatible
// engine, a Coqui TTS server, ElevenLabs) and renders a complete utterance to
// a WAV file. Several providers are raced against each other by the caller, so
// every implementation must honour ctx cancellation promptly.
//
// Implementations must be safe for concurrent use.
package tts

import (
	"context"
	"strconv"
)

// Voice identifies a speaker in the voice catalog.
type Voice struct {
	// ID is the catalog speaker id. VOICEVOX-style engines use it directly as
	// the speaker parameter; other backends map it to their own identifiers.
	ID int

	// Name is the human-readable voice name.
	Name string
}

// String returns the voice as "Name (id)", or just the id when unnamed.
func (v Voice) String() string {
	if v.Name == "" {
		return strconv.Itoa(v.ID)
	}
	return v.Name + " (" + strconv.Itoa(v.ID) + ")"
}

// Provider is the abstraction over any TTS backend.
//
// Implementations must be safe for concurrent use. Multiple synthesis requests
// may run in parallel, for different guilds or as rivals in one race.
type Provider interface {
	// Synthesize renders text with voice and returns the raw bytes of a WAV
	// file. Implementations should request 48 kHz 16-bit output from the
	// server where the protocol allows it; callers validate the header and
	// discard anything else.
	//
	// Failures to reach the server or non-2xx replies are reported as a
	// *[NetworkError]. The whole call, including any multi-step protocol, is
	// bounded by ctx.
	Synthesize(ctx context.Context, text string, voice Voice) ([]byte, error)
}
