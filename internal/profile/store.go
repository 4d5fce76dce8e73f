package profile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/yomiage/internal/observe"
	"github.com/MrWong99/yomiage/pkg/provider/tts"
)

// saveTimeout bounds one write-back.
const saveTimeout = 10 * time.Second

// ErrUnknownVoice is returned by [Store.Set] for a voice outside the catalog.
var ErrUnknownVoice = errors.New("profile: voice is not in the catalog")

// StoreOption configures a [Store].
type StoreOption func(*Store)

// WithDebounce sets the write coalescing delay. Default: [DefaultDebounce].
func WithDebounce(d time.Duration) StoreOption {
	return func(s *Store) { s.debounce = d }
}

// WithMetrics records flush instrumentation into m instead of
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) StoreOption {
	return func(s *Store) { s.metrics = m }
}

// WithRandomVoice replaces the voice picker used for first-time users.
func WithRandomVoice(pick func() tts.Voice) StoreOption {
	return func(s *Store) { s.pick = pick }
}

// Store is the in-memory profile map with debounced write-back. It is safe
// for concurrent use.
type Store struct {
	backend  Backend
	catalog  *Catalog
	metrics  *observe.Metrics
	debounce time.Duration
	pick     func() tts.Voice
	flusher  *Debouncer

	// saveMu keeps write-backs in snapshot order.
	saveMu sync.Mutex

	mu       sync.Mutex
	profiles map[string]Profile
	dirty    bool
}

// NewStore creates an empty Store. Call [Store.Load] to read the backend.
func NewStore(backend Backend, catalog *Catalog, opts ...StoreOption) *Store {
	s := &Store{
		backend:  backend,
		catalog:  catalog,
		debounce: DefaultDebounce,
		profiles: make(map[string]Profile),
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	if s.pick == nil {
		s.pick = catalog.Random
	}
	s.flusher = NewDebouncer(s.debounce, func() {
		ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
		defer cancel()
		if err := s.Flush(ctx); err != nil {
			slog.Error("failed to persist voice profiles, retrying", "retry_in", s.debounce, "err", err)
			s.flusher.Retry()
		}
	})
	return s
}

// Load replaces the in-memory map with the backend's contents. When the
// backend cannot be read the map is left empty and a *[PersistenceError] is
// returned; the store stays usable. Legacy records are upgraded and a
// write-back is scheduled.
func (s *Store) Load(ctx context.Context) error {
	profiles, err := s.backend.Load(ctx)

	s.mu.Lock()
	s.profiles = make(map[string]Profile, len(profiles))
	upgraded := 0
	for _, p := range profiles {
		if p.Legacy {
			p.Legacy = false
			upgraded++
		}
		s.profiles[p.UserID] = p
	}
	if upgraded > 0 {
		s.dirty = true
	}
	s.mu.Unlock()

	if err != nil {
		return err
	}
	if upgraded > 0 {
		slog.Info("upgrading legacy voice profiles", "count", upgraded)
		s.flusher.Trigger()
	}
	return nil
}

// Voice returns the voice of userID. A user seen for the first time gets a
// random catalog voice, which is persisted with the next flush. A changed
// displayName is recorded as well.
func (s *Store) Voice(userID, displayName string) tts.Voice {
	s.mu.Lock()
	p, ok := s.profiles[userID]
	changed := false
	switch {
	case !ok:
		p = Profile{UserID: userID, VoiceID: s.pick().ID, DisplayName: displayName}
		changed = true
		slog.Info("assigned voice to new user", "user_id", userID, "voice_id", p.VoiceID)
	case displayName != "" && p.DisplayName != displayName:
		p.DisplayName = displayName
		changed = true
	}
	if changed {
		s.profiles[userID] = p
		s.dirty = true
	}
	s.mu.Unlock()

	if changed {
		s.flusher.Trigger()
	}
	return s.catalog.Voice(p.VoiceID)
}

// Set assigns voiceID to userID.
func (s *Store) Set(userID string, voiceID int, displayName string) error {
	if _, ok := s.catalog.Lookup(voiceID); !ok {
		return fmt.Errorf("%w: %d", ErrUnknownVoice, voiceID)
	}
	s.mu.Lock()
	p := s.profiles[userID]
	p.UserID = userID
	p.VoiceID = voiceID
	if displayName != "" {
		p.DisplayName = displayName
	}
	s.profiles[userID] = p
	s.dirty = true
	s.mu.Unlock()

	s.flusher.Trigger()
	return nil
}

// UpdateDisplayName records name for an existing user and reports whether it
// changed. Unknown users are ignored.
func (s *Store) UpdateDisplayName(userID, name string) bool {
	s.mu.Lock()
	p, ok := s.profiles[userID]
	if !ok || name == "" || p.DisplayName == name {
		s.mu.Unlock()
		return false
	}
	p.DisplayName = name
	s.profiles[userID] = p
	s.dirty = true
	s.mu.Unlock()

	s.flusher.Trigger()
	return true
}

// Profile returns the stored profile of userID.
func (s *Store) Profile(userID string) (Profile, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[userID]
	return p, ok
}

// Len returns the number of known users.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.profiles)
}

// Flush writes the current profiles if anything changed since the last
// successful write. A failed write keeps the changes for the next attempt.
func (s *Store) Flush(ctx context.Context) error {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	s.mu.Lock()
	if !s.dirty {
		s.mu.Unlock()
		return nil
	}
	snapshot := slices.SortedFunc(maps.Values(s.profiles), func(a, b Profile) int {
		return strings.Compare(a.UserID, b.UserID)
	})
	s.dirty = false
	s.mu.Unlock()

	if err := s.backend.Save(ctx, snapshot); err != nil {
		s.mu.Lock()
		s.dirty = true
		s.mu.Unlock()
		s.metrics.RecordProfileFlush(context.WithoutCancel(ctx), "error")
		return err
	}
	s.metrics.RecordProfileFlush(ctx, "ok")
	return nil
}

// Ping checks that the backend is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.backend.Ping(ctx)
}

// Close flushes pending changes synchronously and closes the backend.
// Mutations after Close are written synchronously.
func (s *Store) Close() error {
	s.flusher.Stop()
	return s.backend.Close()
}
