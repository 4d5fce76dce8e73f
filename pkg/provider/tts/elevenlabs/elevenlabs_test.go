package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/MrWong99/yomiage/pkg/audio"
	"github.com/MrWong99/yomiage/pkg/provider/tts"
	"github.com/coder/websocket"
)

// ---- fake stream-input server ----

type fakeServer struct {
	chunks  [][]byte
	failMsg string

	mu       sync.Mutex
	path     string
	query    string
	received []textMessage
}

func (f *fakeServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.path = r.URL.Path
	f.query = r.URL.RawQuery
	f.mu.Unlock()

	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer c.CloseNow()
	ctx := r.Context()

	// Read until the empty end-of-input message.
	for {
		_, data, err := c.Read(ctx)
		if err != nil {
			return
		}
		var m textMessage
		_ = json.Unmarshal(data, &m)
		f.mu.Lock()
		f.received = append(f.received, m)
		f.mu.Unlock()
		if m.Text == "" {
			break
		}
	}

	if f.failMsg != "" {
		out, _ := json.Marshal(audioResponse{Error: "quota_exceeded", Message: f.failMsg})
		_ = c.Write(ctx, websocket.MessageText, out)
		return
	}
	for _, chunk := range f.chunks {
		out, _ := json.Marshal(audioResponse{Audio: base64.StdEncoding.EncodeToString(chunk)})
		_ = c.Write(ctx, websocket.MessageText, out)
	}
	out, _ := json.Marshal(audioResponse{IsFinal: true})
	_ = c.Write(ctx, websocket.MessageText, out)
	_ = c.Close(websocket.StatusNormalClosure, "")
}

func startFake(t *testing.T, f *fakeServer) string {
	t.Helper()
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// ---- Constructor tests ----

func TestNew(t *testing.T) {
	t.Parallel()

	if _, err := New(""); err == nil {
		t.Error("expected error for empty API key")
	}
	if _, err := New("key", WithOutputFormat("mp3_44100_128")); err == nil {
		t.Error("expected error for non-PCM output format")
	}

	p, err := New("key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.model != defaultModel || p.outputFormat != defaultOutputFmt || p.sampleRate != 48000 {
		t.Errorf("defaults = %q %q %d", p.model, p.outputFormat, p.sampleRate)
	}

	p, err = New("key", WithModel("eleven_multilingual_v2"), WithOutputFormat("pcm_24000"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.model != "eleven_multilingual_v2" || p.sampleRate != 24000 {
		t.Errorf("options not applied: %q %d", p.model, p.sampleRate)
	}
}

func TestBuildStreamURL(t *testing.T) {
	t.Parallel()

	got := buildStreamURL(defaultBaseURL, "voice-abc123", "eleven_flash_v2_5", "pcm_48000")
	for _, want := range []string{"wss://", "/v1/text-to-speech/voice-abc123/stream-input", "model_id=eleven_flash_v2_5", "output_format=pcm_48000"} {
		if !strings.Contains(got, want) {
			t.Errorf("URL %q does not contain %q", got, want)
		}
	}
}

// ---- Synthesize ----

func TestSynthesize_WrapsPCMAsWAV(t *testing.T) {
	t.Parallel()

	f := &fakeServer{chunks: [][]byte{make([]byte, 960), make([]byte, 960)}}
	base := startFake(t, f)

	p, err := New("secret",
		WithBaseURL(base),
		WithVoiceMap(map[int]string{888753760: "el-voice"}),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	wav, err := p.Synthesize(t.Context(), "こんにちは", tts.Voice{ID: 888753760, Name: "Anneli"})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}

	info, err := audio.ValidateWAV(wav, audio.TransportFormat)
	if err != nil {
		t.Fatalf("ValidateWAV: %v", err)
	}
	if info.Channels != 1 || info.FrameCount != 960 {
		t.Errorf("info = %+v, want mono with 960 sample frames", info)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.path != "/v1/text-to-speech/el-voice/stream-input" {
		t.Errorf("path = %q", f.path)
	}
	if !strings.Contains(f.query, "output_format=pcm_48000") {
		t.Errorf("query = %q", f.query)
	}
	if len(f.received) != 3 {
		t.Fatalf("received %d messages, want 3", len(f.received))
	}
	if f.received[0].XiAPIKey != "secret" || f.received[0].Text != " " {
		t.Errorf("first message = %+v", f.received[0])
	}
	if f.received[1].Text != "こんにちは " || !f.received[1].Flush {
		t.Errorf("text message = %+v", f.received[1])
	}
}

func TestSynthesize_UnmappedVoice(t *testing.T) {
	t.Parallel()

	p, _ := New("secret", WithBaseURL("ws://127.0.0.1:1"))
	if _, err := p.Synthesize(t.Context(), "hi", tts.Voice{ID: 7}); err == nil {
		t.Error("expected error for unmapped voice without default")
	}
}

func TestSynthesize_ServerErrorIsNetworkError(t *testing.T) {
	t.Parallel()

	base := startFake(t, &fakeServer{failMsg: "out of credits"})
	p, _ := New("secret", WithBaseURL(base), WithDefaultVoice("v"))

	_, err := p.Synthesize(t.Context(), "hi", tts.Voice{ID: 7})
	var ne *tts.NetworkError
	if !errors.As(err, &ne) {
		t.Fatalf("err = %v, want *tts.NetworkError", err)
	}
	if !strings.Contains(err.Error(), "out of credits") {
		t.Errorf("err = %v, want server message", err)
	}
}

func TestSynthesize_DialFailure(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	base := "ws" + strings.TrimPrefix(srv.URL, "http")
	srv.Close()

	p, _ := New("secret", WithBaseURL(base), WithDefaultVoice("v"))
	_, err := p.Synthesize(context.Background(), "hi", tts.Voice{ID: 7})
	var ne *tts.NetworkError
	if !errors.As(err, &ne) {
		t.Fatalf("err = %v, want *tts.NetworkError", err)
	}
}
