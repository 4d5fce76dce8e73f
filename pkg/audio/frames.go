package audio

import (
	"bytes"
	"errors"
	"fmt"
	"io"
)

// Compile-time interface assertion.
var _ FrameSource = (*WAVFrameSource)(nil)

// WAVFrameSource slices the payload of a WAV stream into fixed 20 ms frames in
// a target format. The final partial frame is zero-padded exactly once; every
// call after that returns io.EOF.
//
// A WAVFrameSource is not rewindable. To replay, open the original bytes again.
type WAVFrameSource struct {
	pcm    io.Reader
	src    Format
	target Format
	buf    []byte
	done   bool
}

// OpenWAV parses the WAV header from r and returns a frame source producing
// frames in target format. The source sample rate must equal the target rate
// and samples must be 16-bit; otherwise a *[FormatError] is returned.
func OpenWAV(r io.ReadSeeker, target Format) (*WAVFrameSource, error) {
	info, pcm, err := decodeHeader(r)
	if err != nil {
		return nil, err
	}
	if err := checkPlayable(info, target); err != nil {
		return nil, err
	}
	if target.Channels != 1 && target.Channels != 2 {
		return nil, formatErrorf("target %s is not mono or stereo", target)
	}
	src := info.Format()
	return &WAVFrameSource{
		pcm:    pcm,
		src:    src,
		target: target,
		buf:    make([]byte, src.samplesPerFrame()*src.Channels*2),
	}, nil
}

// OpenWAVBytes is [OpenWAV] over an in-memory WAV file.
func OpenWAVBytes(wavBytes []byte, target Format) (*WAVFrameSource, error) {
	return OpenWAV(bytes.NewReader(wavBytes), target)
}

// NextFrame implements [FrameSource].
func (s *WAVFrameSource) NextFrame() ([]byte, error) {
	if s.done {
		return nil, io.EOF
	}

	n, err := io.ReadFull(s.pcm, s.buf)
	switch {
	case errors.Is(err, io.EOF):
		s.done = true
		return nil, io.EOF
	case errors.Is(err, io.ErrUnexpectedEOF):
		// Short tail: pad with silence and make this the last frame.
		clear(s.buf[n:])
		s.done = true
	case err != nil:
		s.done = true
		return nil, fmt.Errorf("audio: read pcm: %w", err)
	}

	frame := make([]byte, len(s.buf))
	copy(frame, s.buf)
	return convertChannels(frame, s.src.Channels, s.target.Channels), nil
}
