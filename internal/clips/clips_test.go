package clips

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/yomiage/internal/synth"
	"github.com/MrWong99/yomiage/pkg/audio"
	"github.com/MrWong99/yomiage/pkg/provider/tts"
)

// ─── fakeSynth ───────────────────────────────────────────────────────────────

type fakeSynth struct {
	mu    sync.Mutex
	calls []string
	voice []tts.Voice
	Delay time.Duration
	Err   error
	n     atomic.Int32
	wav   []byte
}

func (f *fakeSynth) Synthesize(ctx context.Context, text string, voice tts.Voice) (synth.Result, error) {
	f.n.Add(1)
	f.mu.Lock()
	f.calls = append(f.calls, text)
	f.voice = append(f.voice, voice)
	f.mu.Unlock()
	if f.Delay > 0 {
		select {
		case <-time.After(f.Delay):
		case <-ctx.Done():
			return synth.Result{}, ctx.Err()
		}
	}
	if f.Err != nil {
		return synth.Result{}, f.Err
	}
	return synth.Result{WAV: f.wav, Backend: "fake"}, nil
}

func (f *fakeSynth) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// ─── helpers ─────────────────────────────────────────────────────────────────

func testWAV(t *testing.T, rate int) []byte {
	t.Helper()
	wav, err := audio.EncodeWAV(make([]byte, rate/50*2), audio.Format{SampleRate: rate, Channels: 1})
	if err != nil {
		t.Fatalf("EncodeWAV: %v", err)
	}
	return wav
}

func writeClip(t *testing.T, dir, name string, data []byte) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name+".wav"), data, 0o644); err != nil {
		t.Fatal(err)
	}
}

// ─── fixed clips ─────────────────────────────────────────────────────────────

func TestVerify(t *testing.T) {
	t.Parallel()

	t.Run("all present", func(t *testing.T) {
		t.Parallel()
		dir := t.TempDir()
		for _, name := range Fixed {
			writeClip(t, dir, name, testWAV(t, audio.SampleRate))
		}
		l := New(dir, t.TempDir(), &fakeSynth{})
		if err := l.Verify(t.Context()); err != nil {
			t.Errorf("Verify: %v", err)
		}
	})

	t.Run("missing clips are skipped", func(t *testing.T) {
		t.Parallel()
		dir := t.TempDir()
		writeClip(t, dir, BotJoin, testWAV(t, audio.SampleRate))
		l := New(dir, t.TempDir(), &fakeSynth{})
		if err := l.Verify(t.Context()); err != nil {
			t.Errorf("Verify: %v", err)
		}
	})

	t.Run("wrong rate reported, missing ignored", func(t *testing.T) {
		t.Parallel()
		dir := t.TempDir()
		writeClip(t, dir, BotJoin, testWAV(t, audio.SampleRate))
		writeClip(t, dir, URL, testWAV(t, 22050))
		l := New(dir, t.TempDir(), &fakeSynth{})

		err := l.Verify(t.Context())
		if err == nil {
			t.Fatal("expected error")
		}
		if errors.Is(err, os.ErrNotExist) {
			t.Errorf("missing attachment clip reported as error: %v", err)
		}
		var fe *audio.FormatError
		if !errors.As(err, &fe) {
			t.Errorf("wrong-rate url clip not reported: %v", err)
		}
	})
}

func TestLoad(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	want := testWAV(t, audio.SampleRate)
	writeClip(t, dir, Attachment, want)
	l := New(dir, t.TempDir(), &fakeSynth{})

	got, err := l.Load(Attachment)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if string(got) != string(want) {
		t.Error("Load returned different bytes")
	}
	if _, err := l.Load("nope"); err == nil {
		t.Error("expected error for unknown clip")
	}
}

// ─── notifications ───────────────────────────────────────────────────────────

func TestEvent(t *testing.T) {
	t.Parallel()

	if got := Join.Text("たろう"); got != "たろう さんが入室しました。" {
		t.Errorf("Join.Text = %q", got)
	}
	if got := Leave.Text("たろう"); got != "たろう さんが退室しました。" {
		t.Errorf("Leave.Text = %q", got)
	}
	if Join.String() != "join" || Leave.String() != "leave" {
		t.Errorf("String = %q/%q", Join, Leave)
	}
}

func TestNotification_SynthesizesOnceThenCaches(t *testing.T) {
	t.Parallel()

	cache := t.TempDir()
	voice := tts.Voice{ID: 888753760, Name: "Anneli"}
	s := &fakeSynth{wav: testWAV(t, audio.SampleRate)}
	l := New(t.TempDir(), cache, s, WithNotificationVoice(voice))

	for range 3 {
		got, err := l.Notification(t.Context(), Join, "g1", "u1", "たろう")
		if err != nil {
			t.Fatalf("Notification: %v", err)
		}
		if string(got) != string(s.wav) {
			t.Fatal("unexpected clip bytes")
		}
	}
	if calls := s.Calls(); len(calls) != 1 || calls[0] != "たろう さんが入室しました。" {
		t.Errorf("synth calls = %q", calls)
	}
	if s.voice[0] != voice {
		t.Errorf("voice = %+v, want %+v", s.voice[0], voice)
	}
	if _, err := os.Stat(filepath.Join(cache, "join_g1_u1.wav")); err != nil {
		t.Errorf("cache file missing: %v", err)
	}
}

func TestNotification_ConcurrentCallsShareSynthesis(t *testing.T) {
	t.Parallel()

	s := &fakeSynth{wav: testWAV(t, audio.SampleRate), Delay: 50 * time.Millisecond}
	l := New(t.TempDir(), t.TempDir(), s)

	var wg sync.WaitGroup
	for range 8 {
		wg.Go(func() {
			if _, err := l.Notification(t.Context(), Leave, "g", "u", "n"); err != nil {
				t.Errorf("Notification: %v", err)
			}
		})
	}
	wg.Wait()
	if got := s.n.Load(); got != 1 {
		t.Errorf("synth calls = %d, want 1", got)
	}
}

func TestNotification_SynthesisErrorIsNotCached(t *testing.T) {
	t.Parallel()

	cache := t.TempDir()
	s := &fakeSynth{Err: synth.ErrAllFailed}
	l := New(t.TempDir(), cache, s)

	if _, err := l.Notification(t.Context(), Join, "g", "u", "n"); !errors.Is(err, synth.ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
	entries, _ := os.ReadDir(cache)
	if len(entries) != 0 {
		t.Errorf("cache has entries after failure: %v", entries)
	}
}

func TestNotification_InvalidCacheEntryIsReplaced(t *testing.T) {
	t.Parallel()

	cache := t.TempDir()
	s := &fakeSynth{wav: testWAV(t, audio.SampleRate)}
	l := New(t.TempDir(), cache, s)
	if err := os.WriteFile(l.NotificationPath(Join, "g", "u"), []byte("garbage"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Notification(t.Context(), Join, "g", "u", "n"); err != nil {
		t.Fatalf("Notification: %v", err)
	}
	if got := s.n.Load(); got != 1 {
		t.Errorf("synth calls = %d, want 1", got)
	}
}

func TestInvalidate(t *testing.T) {
	t.Parallel()

	cache := t.TempDir()
	s := &fakeSynth{wav: testWAV(t, audio.SampleRate)}
	l := New(t.TempDir(), cache, s)

	for _, g := range []string{"g1", "g2"} {
		for _, ev := range []Event{Join, Leave} {
			if _, err := l.Notification(t.Context(), ev, g, "u1", "old"); err != nil {
				t.Fatal(err)
			}
		}
	}
	if _, err := l.Notification(t.Context(), Join, "g1", "u2", "other"); err != nil {
		t.Fatal(err)
	}

	if err := l.Invalidate("u1"); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	entries, _ := os.ReadDir(cache)
	if len(entries) != 1 || entries[0].Name() != "join_g1_u2.wav" {
		t.Errorf("remaining cache = %v", entries)
	}

	if _, err := l.Notification(t.Context(), Join, "g1", "u1", "new"); err != nil {
		t.Fatal(err)
	}
	calls := s.Calls()
	if last := calls[len(calls)-1]; last != "new さんが入室しました。" {
		t.Errorf("resynthesized with %q", last)
	}
}

func TestSetNotificationVoice(t *testing.T) {
	t.Parallel()

	l := New(t.TempDir(), t.TempDir(), &fakeSynth{})
	v := tts.Voice{ID: 1, Name: "x"}
	l.SetNotificationVoice(v)
	if l.NotificationVoice() != v {
		t.Errorf("NotificationVoice = %+v", l.NotificationVoice())
	}
}

func TestNotification_RenamedUserIsResynthesized(t *testing.T) {
	t.Parallel()

	s := &fakeSynth{wav: testWAV(t, audio.SampleRate)}
	l := New(t.TempDir(), t.TempDir(), s)

	for _, name := range []string{"old", "old", "new"} {
		if _, err := l.Notification(t.Context(), Join, "g", "u", name); err != nil {
			t.Fatal(err)
		}
	}
	calls := s.Calls()
	if len(calls) != 2 || calls[1] != "new さんが入室しました。" {
		t.Errorf("synth calls = %q", calls)
	}
}
