package audio

import (
	"errors"
	"fmt"
)

// ErrNotConnected is wrapped by a [TransportError] when an operation requires
// a live connection and the handle has already been torn down.
var ErrNotConnected = errors.New("audio: not connected")

// ErrAlreadyPlaying is wrapped by a [TransportError] when Play is called while
// another source is still streaming.
var ErrAlreadyPlaying = errors.New("audio: already playing")

// FormatError reports malformed or incompatible audio. Callers must not attempt
// playback of audio that produced a FormatError.
type FormatError struct {
	Reason string
}

func (e *FormatError) Error() string {
	return "audio: unsupported format: " + e.Reason
}

func formatErrorf(format string, args ...any) error {
	return &FormatError{Reason: fmt.Sprintf(format, args...)}
}

// TransportError reports a voice connect or play operation rejected by the
// transport.
type TransportError struct {
	Op      string
	GuildID string
	Err     error
}

func (e *TransportError) Error() string {
	if e.GuildID == "" {
		return fmt.Sprintf("audio: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("audio: %s (guild %s): %v", e.Op, e.GuildID, e.Err)
}

// Unwrap returns the underlying cause.
func (e *TransportError) Unwrap() error { return e.Err }
