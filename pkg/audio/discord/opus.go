package discord

import (
	"fmt"

	"layeh.com/gopus"
)

// Discord voice uses 48 kHz stereo Opus at 20 ms frame size.
const (
	opusSampleRate  = 48000
	opusChannels    = 2
	opusFrameSizeMs = 20
	// opusFrameSize is the number of samples per channel per 20 ms frame.
	opusFrameSize = opusSampleRate * opusFrameSizeMs / 1000 // 960

	// opusFrameBytes is the exact PCM input size for one Opus frame:
	// 960 samples/channel × 2 channels × 2 bytes/sample = 3840 bytes.
	opusFrameBytes = opusFrameSize * opusChannels * 2
)

// opusEncoder wraps a gopus Opus encoder for the output stream.
type opusEncoder struct {
	enc *gopus.Encoder
}

// newOpusEncoder creates a new Opus encoder configured for Discord audio.
func newOpusEncoder() (*opusEncoder, error) {
	enc, err := gopus.NewEncoder(opusSampleRate, opusChannels, gopus.Audio)
	if err != nil {
		return nil, fmt.Errorf("discord: create opus encoder: %w", err)
	}
	return &opusEncoder{enc: enc}, nil
}

// encode encodes one transport frame of interleaved little-endian PCM into an
// Opus packet. Frames of any other size are rejected; gopus would otherwise
// read past the slice.
func (e *opusEncoder) encode(pcmBytes []byte) ([]byte, error) {
	if len(pcmBytes) != opusFrameBytes {
		return nil, fmt.Errorf("discord: opus encode: frame is %d bytes, want %d", len(pcmBytes), opusFrameBytes)
	}
	pcm := bytesToInt16s(pcmBytes)
	opus, err := e.enc.Encode(pcm, opusFrameSize, len(pcmBytes))
	if err != nil {
		return nil, fmt.Errorf("discord: opus encode: %w", err)
	}
	return opus, nil
}

// bytesToInt16s converts little-endian bytes to a slice of int16 PCM samples.
func bytesToInt16s(b []byte) []int16 {
	pcm := make([]int16, len(b)/2)
	for i := range pcm {
		pcm[i] = int16(b[i*2]) | int16(b[i*2+1])<<8
	}
	return pcm
}
