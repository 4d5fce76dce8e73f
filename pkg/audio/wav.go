package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// Transport format. Discord voice carries 48 kHz stereo Opus in 20 ms packets,
// so every frame handed to a [Connection] is 960 samples per channel.
const (
	SampleRate      = 48000
	Channels        = 2
	BitDepth        = 16
	FrameDurationMs = 20

	// FrameBytes is the size of one transport frame:
	// 960 samples/channel × 2 channels × 2 bytes/sample = 3840 bytes.
	FrameBytes = SampleRate * FrameDurationMs / 1000 * Channels * 2
)

// wavFormatPCM and wavFormatExtensible are the RIFF audio format tags accepted
// for integer PCM payloads.
const (
	wavFormatPCM        = 1
	wavFormatExtensible = 0xFFFE
)

// Format describes the sample rate and channel count of a PCM stream.
type Format struct {
	SampleRate int
	Channels   int
}

// TransportFormat is the format every frame source produces.
var TransportFormat = Format{SampleRate: SampleRate, Channels: Channels}

// String returns e.g. "48000Hz stereo".
func (f Format) String() string { return formatString(f.SampleRate, f.Channels) }

// samplesPerFrame returns the per-channel sample count of one frame at f.
func (f Format) samplesPerFrame() int { return f.SampleRate * FrameDurationMs / 1000 }

// WAVInfo describes a parsed WAV header.
type WAVInfo struct {
	SampleRate int
	Channels   int
	BitDepth   int

	// FrameCount is the number of sample frames declared by the data chunk.
	FrameCount int
}

// Format returns the PCM format described by the header.
func (i WAVInfo) Format() Format {
	return Format{SampleRate: i.SampleRate, Channels: i.Channels}
}

// Inspect parses the RIFF header of wav without reading the sample payload.
// It returns a *[FormatError] for anything that is not an integer PCM WAV.
func Inspect(wavBytes []byte) (WAVInfo, error) {
	info, _, err := decodeHeader(bytes.NewReader(wavBytes))
	return info, err
}

// ValidateWAV checks that wavBytes is a 16-bit WAV at the sample rate of want
// with one or two channels. The channel count of want is not enforced; mono
// input is upmixed during framing.
func ValidateWAV(wavBytes []byte, want Format) (WAVInfo, error) {
	info, err := Inspect(wavBytes)
	if err != nil {
		return info, err
	}
	return info, checkPlayable(info, want)
}

// DecodeWAV parses wavBytes and returns its header together with the raw
// little-endian PCM payload. Only 16-bit payloads are accepted.
func DecodeWAV(wavBytes []byte) (WAVInfo, []byte, error) {
	info, r, err := decodeHeader(bytes.NewReader(wavBytes))
	if err != nil {
		return info, nil, err
	}
	if info.BitDepth != BitDepth {
		return info, nil, formatErrorf("%d-bit samples, want %d-bit", info.BitDepth, BitDepth)
	}
	pcm, err := io.ReadAll(r)
	if err != nil {
		return info, nil, fmt.Errorf("audio: read pcm: %w", err)
	}
	// Drop a trailing partial sample frame.
	if blockAlign := info.Channels * 2; len(pcm)%blockAlign != 0 {
		pcm = pcm[:len(pcm)-len(pcm)%blockAlign]
	}
	return info, pcm, nil
}

func checkPlayable(info WAVInfo, want Format) error {
	if info.SampleRate != want.SampleRate {
		return formatErrorf("sample rate %d Hz, want %d Hz", info.SampleRate, want.SampleRate)
	}
	if info.BitDepth != BitDepth {
		return formatErrorf("%d-bit samples, want %d-bit", info.BitDepth, BitDepth)
	}
	if info.Channels < 1 || info.Channels > 2 {
		return formatErrorf("%d channels, want mono or stereo", info.Channels)
	}
	return nil
}

// decodeHeader reads the WAV headers from r and positions a reader on the
// first byte of the data chunk. The returned reader is bounded to the declared
// payload size.
func decodeHeader(r io.ReadSeeker) (WAVInfo, io.Reader, error) {
	dec := wav.NewDecoder(r)
	dec.ReadInfo()
	if err := dec.Err(); err != nil {
		return WAVInfo{}, nil, &FormatError{Reason: "invalid header: " + err.Error()}
	}
	info := WAVInfo{
		SampleRate: int(dec.SampleRate),
		Channels:   int(dec.NumChans),
		BitDepth:   int(dec.BitDepth),
	}
	if info.Channels == 0 || info.SampleRate == 0 {
		return info, nil, formatErrorf("missing fmt chunk")
	}
	if dec.WavAudioFormat != wavFormatPCM && dec.WavAudioFormat != wavFormatExtensible {
		return info, nil, formatErrorf("audio format tag %#x is not integer PCM", dec.WavAudioFormat)
	}
	if err := dec.FwdToPCM(); err != nil || dec.PCMChunk == nil {
		return info, nil, formatErrorf("missing data chunk")
	}
	if blockAlign := info.Channels * info.BitDepth / 8; blockAlign > 0 {
		info.FrameCount = dec.PCMSize / blockAlign
	}
	return info, io.LimitReader(dec.PCMChunk, int64(dec.PCMSize)), nil
}

// EncodeWAV wraps little-endian 16-bit PCM in a canonical RIFF/WAVE container.
func EncodeWAV(pcm []byte, f Format) ([]byte, error) {
	if len(pcm)%2 != 0 {
		return nil, errors.New("audio: encode wav: pcm payload not aligned")
	}
	buf := &goaudio.IntBuffer{
		Format: &goaudio.Format{NumChannels: f.Channels, SampleRate: f.SampleRate},
		Data:   make([]int, len(pcm)/2),
	}
	for i := range buf.Data {
		buf.Data[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}

	out := &memWriteSeeker{}
	enc := wav.NewEncoder(out, f.SampleRate, BitDepth, f.Channels, wavFormatPCM)
	if err := enc.Write(buf); err != nil {
		return nil, fmt.Errorf("audio: encode wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("audio: encode wav: close: %w", err)
	}
	return out.buf, nil
}

// memWriteSeeker is the in-memory io.WriteSeeker the WAV encoder needs to
// patch chunk sizes after the payload is written.
type memWriteSeeker struct {
	buf []byte
	pos int
}

func (m *memWriteSeeker) Write(p []byte) (int, error) {
	end := m.pos + len(p)
	if end > len(m.buf) {
		m.buf = append(m.buf, make([]byte, end-len(m.buf))...)
	}
	copy(m.buf[m.pos:], p)
	m.pos = end
	return len(p), nil
}

func (m *memWriteSeeker) Seek(offset int64, whence int) (int64, error) {
	var base int64
	switch whence {
	case io.SeekStart:
	case io.SeekCurrent:
		base = int64(m.pos)
	case io.SeekEnd:
		base = int64(len(m.buf))
	default:
		return 0, fmt.Errorf("audio: seek: invalid whence %d", whence)
	}
	next := base + offset
	if next < 0 {
		return 0, errors.New("audio: seek: negative position")
	}
	m.pos = int(next)
	return next, nil
}
