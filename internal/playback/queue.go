package playback

import (
	"context"
	"log/slog"
	"sync"

	"github.com/MrWong99/yomiage/pkg/audio"
)

// Item is one unit of audio waiting for its turn on a guild's connection.
type Item struct {
	// Frames is the audio to stream.
	Frames audio.FrameSource

	// Label describes the item in logs (e.g. "message 1234" or "clip bot_join").
	Label string

	// Cleanup, if set, runs exactly once after the item leaves the queue,
	// whether it played, failed, was rejected or was discarded.
	Cleanup func()
}

type slotState int

const (
	slotPending slotState = iota
	slotReady
	slotDropped
)

// Slot is a reserved position in a guild queue. A slot holds back every item
// behind it until it is filled or dropped, so audio plays in reservation
// order regardless of how long each item took to produce.
type Slot struct {
	q     *Queue
	label string

	// Guarded by q.mu.
	state   slotState
	item    Item
	cleanup func()
}

// Fill hands the reserved slot its audio. conn becomes the connection the
// guild queue plays through. Filling a slot that was already discarded runs
// the item's cleanup immediately.
func (s *Slot) Fill(conn audio.Connection, item Item) {
	s.q.fill(s, conn, item)
}

// Label returns the label given at reservation.
func (s *Slot) Label() string { return s.label }

// Drop abandons the reservation so later items may play.
func (s *Slot) Drop() {
	s.q.drop(s)
}

// Queue is the playback queue of a single guild. Items play strictly one at a
// time in FIFO order.
type Queue struct {
	guildID string
	m       *Manager

	mu      sync.Mutex
	conn    audio.Connection
	entries []*Slot
	playing bool
	current *Slot
}

// GuildID returns the guild this queue belongs to.
func (q *Queue) GuildID() string { return q.guildID }

// Len returns the number of queued entries, reserved slots included.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// IsPlaying reports whether a play call was issued whose completion has not
// fired yet.
func (q *Queue) IsPlaying() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.playing
}

func (q *Queue) reserve(label string) *Slot {
	s := &Slot{q: q, label: label}
	q.mu.Lock()
	q.entries = append(q.entries, s)
	q.mu.Unlock()
	q.m.metrics.QueueDepth.Add(context.Background(), 1)
	return s
}

func (q *Queue) enqueue(conn audio.Connection, item Item) {
	s := &Slot{q: q, label: item.Label, state: slotReady, item: item, cleanup: onceFunc(item.Cleanup)}
	q.mu.Lock()
	q.conn = conn
	q.entries = append(q.entries, s)
	q.m.metrics.QueueDepth.Add(context.Background(), 1)
	q.playNextLocked()
	q.mu.Unlock()
}

func (q *Queue) fill(s *Slot, conn audio.Connection, item Item) {
	cleanup := onceFunc(item.Cleanup)

	q.mu.Lock()
	if s.state != slotPending {
		q.mu.Unlock()
		cleanup()
		return
	}
	s.state = slotReady
	s.item = item
	s.cleanup = cleanup
	if conn != nil {
		q.conn = conn
	}
	q.playNextLocked()
	q.mu.Unlock()
}

func (q *Queue) drop(s *Slot) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if s.state != slotPending {
		return
	}
	s.state = slotDropped
	q.playNextLocked()
}

// playNext is run by the manager's dispatcher after a completion.
func (q *Queue) playNext() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.playNextLocked()
}

// clear discards every entry. A currently playing item is not interrupted.
func (q *Queue) clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.discardLocked()
}

// playNextLocked starts the head of the queue if nothing is playing. Must be
// called with q.mu held.
func (q *Queue) playNextLocked() {
	for {
		if q.playing || len(q.entries) == 0 {
			return
		}

		// A queue that has not been handed a connection yet only holds
		// reservations; those wait for their first Fill.
		head := q.entries[0]
		switch head.state {
		case slotPending:
			return
		case slotDropped:
			q.popLocked()
			continue
		}

		if q.conn == nil || !q.conn.IsConnected() {
			// Stale audio must not surface after a reconnect.
			if n := q.discardLocked(); n > 0 {
				slog.Info("discarded playback queue of disconnected guild", "guild_id", q.guildID, "items", n)
			}
			return
		}
		if q.conn.IsPlaying() || q.conn.IsPaused() {
			return
		}
		q.popLocked()

		conn := q.conn
		q.playing = true
		q.current = head
		err := conn.Play(head.item.Frames, func(err error) { q.complete(head, err) })
		if err != nil {
			q.playing = false
			q.current = nil
			slog.Warn("transport rejected playback", "guild_id", q.guildID, "item", head.label, "err", err)
			q.m.metrics.RecordPlaybackItem(context.Background(), "rejected")
			go head.cleanup()
			continue
		}
		slog.Debug("playback started", "guild_id", q.guildID, "item", head.label)
	}
}

// complete is the transport's completion callback. It only releases the
// playing flag and posts the follow-up to the dispatcher.
func (q *Queue) complete(s *Slot, err error) {
	q.mu.Lock()
	if q.current == s {
		q.playing = false
		q.current = nil
	}
	q.mu.Unlock()

	outcome := "played"
	if err != nil {
		outcome = "failed"
		slog.Warn("playback ended with error", "guild_id", q.guildID, "item", s.label, "err", err)
	}
	q.m.metrics.RecordPlaybackItem(context.Background(), outcome)

	go s.cleanup()
	q.m.post(q)
}

// discardLocked drops every entry, running cleanups for filled ones. Must be
// called with q.mu held.
func (q *Queue) discardLocked() int {
	n := len(q.entries)
	for _, s := range q.entries {
		if s.state == slotReady {
			q.m.metrics.RecordPlaybackItem(context.Background(), "discarded")
			go s.cleanup()
		}
		s.state = slotDropped
	}
	q.entries = nil
	if n > 0 {
		q.m.metrics.QueueDepth.Add(context.Background(), -int64(n))
	}
	return n
}

func (q *Queue) popLocked() {
	q.entries[0] = nil
	q.entries = q.entries[1:]
	q.m.metrics.QueueDepth.Add(context.Background(), -1)
}

func onceFunc(f func()) func() {
	if f == nil {
		return func() {}
	}
	return sync.OnceFunc(f)
}
