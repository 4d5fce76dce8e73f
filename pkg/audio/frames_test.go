package audio_test

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"math/rand/v2"
	"testing"

	"github.com/MrWong99/yomiage/pkg/audio"
)

// rawWAV builds a minimal RIFF/WAVE file with an arbitrary header, so tests can
// produce formats that [audio.EncodeWAV] refuses to write.
func rawWAV(rate, channels, bits int, payload []byte) []byte {
	var b bytes.Buffer
	le := binary.LittleEndian
	blockAlign := channels * bits / 8

	b.WriteString("RIFF")
	_ = binary.Write(&b, le, uint32(36+len(payload)))
	b.WriteString("WAVE")
	b.WriteString("fmt ")
	_ = binary.Write(&b, le, uint32(16))
	_ = binary.Write(&b, le, uint16(1))
	_ = binary.Write(&b, le, uint16(channels))
	_ = binary.Write(&b, le, uint32(rate))
	_ = binary.Write(&b, le, uint32(rate*blockAlign))
	_ = binary.Write(&b, le, uint16(blockAlign))
	_ = binary.Write(&b, le, uint16(bits))
	b.WriteString("data")
	_ = binary.Write(&b, le, uint32(len(payload)))
	b.Write(payload)
	return b.Bytes()
}

// drain collects frames until io.EOF, failing on any other error.
func drain(t *testing.T, src audio.FrameSource) [][]byte {
	t.Helper()
	var frames [][]byte
	for range 1000 {
		f, err := src.NextFrame()
		if errors.Is(err, io.EOF) {
			return frames
		}
		if err != nil {
			t.Fatalf("NextFrame: %v", err)
		}
		frames = append(frames, f)
	}
	t.Fatal("frame source never reported io.EOF")
	return nil
}

func TestWAVFrameSource_PadsFinalFrameOnce(t *testing.T) {
	t.Parallel()

	// Two full 20 ms frames plus half a frame of mono samples.
	samples := make([]int16, 960*2+480)
	for i := range samples {
		samples[i] = int16(i%1000 + 1)
	}
	wav := rawWAV(48000, 1, 16, samplesToBytes(samples))

	src, err := audio.OpenWAVBytes(wav, audio.TransportFormat)
	if err != nil {
		t.Fatalf("OpenWAVBytes: %v", err)
	}
	frames := drain(t, src)

	if len(frames) != 3 {
		t.Fatalf("frames = %d, want 3", len(frames))
	}
	for i, f := range frames {
		if len(f) != audio.FrameBytes {
			t.Errorf("frame %d: %d bytes, want %d", i, len(f), audio.FrameBytes)
		}
	}

	// Second half of the last frame is silence.
	last := frames[2]
	for i := 480 * 4; i < len(last); i++ {
		if last[i] != 0 {
			t.Fatalf("byte %d of padded frame = %d, want 0", i, last[i])
		}
	}
	if last[0] == 0 && last[1] == 0 {
		t.Error("audio in the partial frame was lost")
	}

	for range 3 {
		if _, err := src.NextFrame(); !errors.Is(err, io.EOF) {
			t.Fatalf("after END: err = %v, want io.EOF", err)
		}
	}
}

func TestWAVFrameSource_ExactMultiple(t *testing.T) {
	t.Parallel()

	stereo := samplesToBytes(make([]int16, 960*2*2))
	src, err := audio.OpenWAVBytes(rawWAV(48000, 2, 16, stereo), audio.TransportFormat)
	if err != nil {
		t.Fatalf("OpenWAVBytes: %v", err)
	}
	if got := len(drain(t, src)); got != 2 {
		t.Errorf("frames = %d, want 2", got)
	}
}

func TestWAVFrameSource_EmptyPayload(t *testing.T) {
	t.Parallel()

	src, err := audio.OpenWAVBytes(rawWAV(48000, 1, 16, nil), audio.TransportFormat)
	if err != nil {
		t.Fatalf("OpenWAVBytes: %v", err)
	}
	if got := len(drain(t, src)); got != 0 {
		t.Errorf("frames = %d, want 0", got)
	}
}

func TestWAVFrameSource_UpmixIsSampleExact(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewPCG(1, 2))
	mono := make([]byte, 960*2*3)
	for i := range mono {
		mono[i] = byte(rng.IntN(256))
	}

	src, err := audio.OpenWAVBytes(rawWAV(48000, 1, 16, mono), audio.TransportFormat)
	if err != nil {
		t.Fatalf("OpenWAVBytes: %v", err)
	}
	out := bytes.Join(drain(t, src), nil)
	if len(out) != len(mono)*2 {
		t.Fatalf("output %d bytes, want %d", len(out), len(mono)*2)
	}
	for i := 0; i < len(mono)/2; i++ {
		in := mono[2*i : 2*i+2]
		left := out[4*i : 4*i+2]
		right := out[4*i+2 : 4*i+4]
		if !bytes.Equal(left, in) || !bytes.Equal(right, in) {
			t.Fatalf("sample %d: in=%v left=%v right=%v", i, in, left, right)
		}
	}
}

func TestOpenWAV_RejectsIncompatibleAudio(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		wav  []byte
	}{
		{name: "wrong sample rate", wav: rawWAV(44100, 1, 16, make([]byte, 64))},
		{name: "8-bit samples", wav: rawWAV(48000, 1, 8, make([]byte, 64))},
		{name: "too many channels", wav: rawWAV(48000, 6, 16, make([]byte, 64))},
		{name: "not a wav", wav: []byte("definitely not a riff file at all")},
		{name: "empty", wav: nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := audio.OpenWAVBytes(tt.wav, audio.TransportFormat)
			var fe *audio.FormatError
			if !errors.As(err, &fe) {
				t.Fatalf("err = %v, want *audio.FormatError", err)
			}
		})
	}
}

func TestEncodeWAV_InspectsAsWritten(t *testing.T) {
	t.Parallel()

	pcm := samplesToBytes([]int16{1, -1, 2, -2, 3, -3})
	wav, err := audio.EncodeWAV(pcm, audio.Format{SampleRate: 48000, Channels: 2})
	if err != nil {
		t.Fatalf("EncodeWAV: %v", err)
	}
	info, err := audio.ValidateWAV(wav, audio.TransportFormat)
	if err != nil {
		t.Fatalf("ValidateWAV: %v", err)
	}
	if info.Channels != 2 || info.SampleRate != 48000 || info.BitDepth != 16 {
		t.Errorf("info = %+v", info)
	}
	if info.FrameCount != 3 {
		t.Errorf("FrameCount = %d, want 3", info.FrameCount)
	}

	if _, err := audio.EncodeWAV([]byte{1, 2, 3}, audio.TransportFormat); err == nil {
		t.Error("expected error for unaligned payload")
	}
}
