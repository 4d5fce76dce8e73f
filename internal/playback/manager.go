// Package playback serializes audio delivery into each guild's voice
// connection.
//
// A [Manager] owns one [Queue] per guild, created on first use. Items play
// strictly one after another in the order they were enqueued or reserved.
// Transport completion callbacks never run queue logic themselves: they post
// the guild to the manager's dispatch goroutine, which starts the next item.
package playback

import (
	"sync"

	"github.com/MrWong99/yomiage/internal/observe"
	"github.com/MrWong99/yomiage/pkg/audio"
)

// Option configures a [Manager].
type Option func(*Manager)

// WithMetrics records queue instrumentation into m instead of
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(mgr *Manager) { mgr.metrics = m }
}

// Manager is the registry of guild queues. All methods are safe for
// concurrent use.
type Manager struct {
	metrics *observe.Metrics

	mu     sync.Mutex
	queues map[string]*Queue

	// Dispatcher mailbox.
	postMu  sync.Mutex
	pending []*Queue
	notify  chan struct{}
	done    chan struct{}
	closed  bool
	wg      sync.WaitGroup
}

// NewManager creates a Manager and starts its dispatch goroutine. Call
// [Manager.Close] to stop it.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		queues: make(map[string]*Queue),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	for _, o := range opts {
		o(m)
	}
	if m.metrics == nil {
		m.metrics = observe.DefaultMetrics()
	}
	m.wg.Add(1)
	go m.dispatch()
	return m
}

// Queue returns the queue of guildID, creating it if needed.
func (m *Manager) Queue(guildID string) *Queue {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[guildID]
	if !ok {
		q = &Queue{guildID: guildID, m: m}
		m.queues[guildID] = q
	}
	return q
}

// Enqueue appends item to the queue of guildID and starts playback through
// conn when the transport is idle.
func (m *Manager) Enqueue(guildID string, conn audio.Connection, item Item) {
	m.Queue(guildID).enqueue(conn, item)
}

// Reserve appends an empty slot to the queue of guildID. Items queued after
// it wait until the slot is filled or dropped.
func (m *Manager) Reserve(guildID, label string) *Slot {
	return m.Queue(guildID).reserve(label)
}

// Clear discards everything queued for guildID and returns the number of
// discarded entries. The item currently playing, if any, keeps playing.
func (m *Manager) Clear(guildID string) int {
	m.mu.Lock()
	q, ok := m.queues[guildID]
	m.mu.Unlock()
	if !ok {
		return 0
	}
	return q.clear()
}

// Len returns the number of entries queued for guildID.
func (m *Manager) Len(guildID string) int {
	m.mu.Lock()
	q, ok := m.queues[guildID]
	m.mu.Unlock()
	if !ok {
		return 0
	}
	return q.Len()
}

// Close stops the dispatch goroutine. Completions arriving afterwards start
// the next item on their own goroutine.
func (m *Manager) Close() error {
	m.postMu.Lock()
	if m.closed {
		m.postMu.Unlock()
		return nil
	}
	m.closed = true
	m.postMu.Unlock()

	close(m.done)
	m.wg.Wait()

	m.postMu.Lock()
	batch := m.pending
	m.pending = nil
	m.postMu.Unlock()
	for _, q := range batch {
		go q.playNext()
	}
	return nil
}

// post schedules q.playNext on the dispatch goroutine. It never blocks.
func (m *Manager) post(q *Queue) {
	m.postMu.Lock()
	if m.closed {
		m.postMu.Unlock()
		go q.playNext()
		return
	}
	m.pending = append(m.pending, q)
	m.postMu.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}
}

// dispatch runs posted continuations until Close.
func (m *Manager) dispatch() {
	defer m.wg.Done()
	for {
		select {
		case <-m.done:
			return
		case <-m.notify:
		}

		m.postMu.Lock()
		batch := m.pending
		m.pending = nil
		m.postMu.Unlock()

		for _, q := range batch {
			q.playNext()
		}
	}
}
