// Package clips serves the pre-recorded WAV clips and the cached per-user
// join/leave notifications.
//
// Fixed clips live in one directory as {name}.wav and must already be in the
// transport sample rate. Notification clips are synthesized on first use,
// written to the cache directory as {join|leave}_{guild}_{user}.wav and
// reused until [Library.Invalidate] removes them.
package clips

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/MrWong99/yomiage/internal/synth"
	"github.com/MrWong99/yomiage/pkg/audio"
	"github.com/MrWong99/yomiage/pkg/provider/tts"
)

// Names of the fixed clips.
const (
	BotJoin    = "bot_join"
	Attachment = "attachment"
	URL        = "url"
)

// Fixed lists every clip [Library.Verify] checks.
var Fixed = []string{BotJoin, Attachment, URL}

// Event is a voice-channel presence change announced with a notification.
type Event int

const (
	Join Event = iota
	Leave
)

// String returns the file name prefix of the event.
func (e Event) String() string {
	if e == Leave {
		return "leave"
	}
	return "join"
}

// Text returns the sentence spoken for displayName.
func (e Event) Text(displayName string) string {
	if e == Leave {
		return displayName + " さんが退室しました。"
	}
	return displayName + " さんが入室しました。"
}

// Synthesizer produces speech. *[synth.Racer] implements it.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string, voice tts.Voice) (synth.Result, error)
}

// Option configures a [Library].
type Option func(*Library)

// WithNotificationVoice sets the voice used for notifications.
func WithNotificationVoice(v tts.Voice) Option {
	return func(l *Library) { l.voice = v }
}

// WithFormat overrides the format clips must match. Default:
// [audio.TransportFormat].
func WithFormat(f audio.Format) Option {
	return func(l *Library) { l.format = f }
}

// Library loads fixed clips and manages the notification cache. It is safe for
// concurrent use.
type Library struct {
	clipsDir string
	cacheDir string
	synth    Synthesizer
	format   audio.Format

	mu    sync.RWMutex
	voice tts.Voice
	// names remembers the display name each cache entry was made for.
	names map[string]string

	group singleflight.Group
}

// New creates a Library. The cache directory is created on first write.
func New(clipsDir, cacheDir string, s Synthesizer, opts ...Option) *Library {
	l := &Library{
		clipsDir: clipsDir,
		cacheDir: cacheDir,
		synth:    s,
		format:   audio.TransportFormat,
		names:    make(map[string]string),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// SetNotificationVoice swaps the notification voice. Already cached clips keep
// the voice they were made with.
func (l *Library) SetNotificationVoice(v tts.Voice) {
	l.mu.Lock()
	l.voice = v
	l.mu.Unlock()
}

// NotificationVoice returns the current notification voice.
func (l *Library) NotificationVoice() tts.Voice {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.voice
}

// Path returns the file path of the fixed clip name.
func (l *Library) Path(name string) string {
	return filepath.Join(l.clipsDir, name+".wav")
}

// Load reads and validates the fixed clip name.
func (l *Library) Load(name string) ([]byte, error) {
	data, err := os.ReadFile(l.Path(name))
	if err != nil {
		return nil, fmt.Errorf("clips: load %s: %w", name, err)
	}
	if _, err := audio.ValidateWAV(data, l.format); err != nil {
		return nil, fmt.Errorf("clips: load %s: %w", name, err)
	}
	return data, nil
}

// Verify checks all [Fixed] clips concurrently. A missing clip is logged and
// skipped at playback; a clip that exists but is not valid audio in the
// library format is an error.
func (l *Library) Verify(ctx context.Context) error {
	errs := make([]error, len(Fixed))
	g, ctx := errgroup.WithContext(ctx)
	for i, name := range Fixed {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			_, err := l.Load(name)
			if errors.Is(err, fs.ErrNotExist) {
				slog.Warn("clip not installed, it will be skipped", "clip", name, "path", l.Path(name))
				return nil
			}
			errs[i] = err
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return errors.Join(errs...)
}

// NotificationPath returns the cache file of a notification.
func (l *Library) NotificationPath(ev Event, guildID, userID string) string {
	return filepath.Join(l.cacheDir, fmt.Sprintf("%s_%s_%s.wav", ev, guildID, userID))
}

// Notification returns the notification clip for the user, synthesizing and
// caching it on a miss. Concurrent calls for the same clip share one
// synthesis. An entry made for a different display name during this process
// lifetime counts as a miss.
func (l *Library) Notification(ctx context.Context, ev Event, guildID, userID, displayName string) ([]byte, error) {
	path := l.NotificationPath(ev, guildID, userID)
	if data, ok := l.cached(path, displayName); ok {
		return data, nil
	}

	v, err, _ := l.group.Do(path+"\x00"+displayName, func() (any, error) {
		if data, ok := l.cached(path, displayName); ok {
			return data, nil
		}
		res, err := l.synth.Synthesize(ctx, ev.Text(displayName), l.NotificationVoice())
		if err != nil {
			return nil, err
		}
		if err := l.store(path, res.WAV); err != nil {
			// The clip is still playable; only the cache is lost.
			slog.Warn("failed to cache notification clip", "path", path, "err", err)
		}
		l.mu.Lock()
		l.names[path] = displayName
		l.mu.Unlock()
		return res.WAV, nil
	})
	if err != nil {
		return nil, fmt.Errorf("clips: %s notification for %s: %w", ev, userID, err)
	}
	return v.([]byte), nil
}

// Invalidate removes every cached notification of userID in any guild.
func (l *Library) Invalidate(userID string) error {
	var errs []error
	for _, ev := range []Event{Join, Leave} {
		matches, err := filepath.Glob(filepath.Join(l.cacheDir, fmt.Sprintf("%s_*_%s.wav", ev, userID)))
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, m := range matches {
			if err := os.Remove(m); err != nil && !errors.Is(err, fs.ErrNotExist) {
				errs = append(errs, err)
			}
			l.mu.Lock()
			delete(l.names, m)
			l.mu.Unlock()
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("clips: invalidate %s: %w", userID, err)
	}
	return nil
}

// cached returns a valid cache entry made for displayName. Unreadable or
// invalid entries are treated as misses.
func (l *Library) cached(path, displayName string) ([]byte, bool) {
	l.mu.RLock()
	name, known := l.names[path]
	l.mu.RUnlock()
	if known && name != displayName {
		return nil, false
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}
	if _, err := audio.ValidateWAV(data, l.format); err != nil {
		slog.Warn("discarding invalid cached clip", "path", path, "err", err)
		return nil, false
	}
	return data, true
}

func (l *Library) store(path string, data []byte) error {
	if err := os.MkdirAll(l.cacheDir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(l.cacheDir, ".clip-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
