// Package session keeps each guild's voice connection alive.
//
// A [Guard] tracks one connection per guild through the states Disconnected,
// Connecting, Connected, Ghost and Reconnecting. A ghost is a guild where the
// voice server still lists the bot in a channel although no usable local
// handle exists; [Guard.Restart] recovers it by clearing the server-side
// membership, waiting out the guild's backoff and rejoining with bounded
// retries.
//
// All transitions for a guild run under that guild's lock, so concurrent
// connect and restart requests serialize instead of racing.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/yomiage/internal/observe"
	"github.com/MrWong99/yomiage/pkg/audio"
)

// Default connection parameters.
const (
	defaultConnectTimeout = 8 * time.Second
	defaultConnectRetries = 2
)

// ErrNoChannel is returned by [Guard.Restart] when no target channel was
// given and none is remembered for the guild.
var ErrNoChannel = errors.New("session: no voice channel to join")

// State is the connection state of one guild.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected

	// StateGhost: the server lists the bot in a channel but no usable local
	// handle exists.
	StateGhost

	// StateReconnecting: a restart procedure is in flight.
	StateReconnecting
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateGhost:
		return "ghost"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// GuardConfig configures a [Guard].
type GuardConfig struct {
	// Platform is the voice transport. Required.
	Platform audio.Platform

	// ConnectTimeout bounds each connect attempt. Defaults to 8s.
	ConnectTimeout time.Duration

	// ConnectRetries is the number of extra attempts after a failed connect
	// during a restart. Defaults to 2; a negative value disables retries.
	ConnectRetries int

	// MaxBackoff caps the restart delay. Defaults to 30s.
	MaxBackoff time.Duration

	// BackoffDecay is the quiet period after which the backoff step resets.
	// Defaults to 120s.
	BackoffDecay time.Duration

	// Metrics receives state and reconnect instrumentation. Defaults to
	// [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

// guild is the owned state of one guild.
type guild struct {
	// op serializes transitions. Held for the whole of a connect, disconnect
	// or restart.
	op sync.Mutex

	// mu guards the fields below so readers never wait behind a restart.
	mu          sync.Mutex
	state       State
	conn        audio.Connection
	lastChannel string
	backoff     Backoff
}

// Guard is the registry of per-guild voice connections. It is safe for
// concurrent use.
type Guard struct {
	platform       audio.Platform
	connectTimeout time.Duration
	connectRetries int
	maxBackoff     time.Duration
	backoffDecay   time.Duration
	metrics        *observe.Metrics

	// now and sleep are replaced in tests.
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	mu     sync.Mutex
	guilds map[string]*guild
}

// NewGuard creates a Guard.
func NewGuard(cfg GuardConfig) *Guard {
	g := &Guard{
		platform:       cfg.Platform,
		connectTimeout: cfg.ConnectTimeout,
		connectRetries: cfg.ConnectRetries,
		maxBackoff:     cfg.MaxBackoff,
		backoffDecay:   cfg.BackoffDecay,
		metrics:        cfg.Metrics,
		now:            time.Now,
		sleep:          sleepCtx,
		guilds:         make(map[string]*guild),
	}
	if g.connectTimeout <= 0 {
		g.connectTimeout = defaultConnectTimeout
	}
	if g.connectRetries == 0 {
		g.connectRetries = defaultConnectRetries
	}
	if g.connectRetries < 0 {
		g.connectRetries = 0
	}
	if g.maxBackoff <= 0 {
		g.maxBackoff = defaultMaxBackoff
	}
	if g.backoffDecay <= 0 {
		g.backoffDecay = defaultBackoffDecay
	}
	if g.metrics == nil {
		g.metrics = observe.DefaultMetrics()
	}
	return g
}

func (g *Guard) guild(guildID string) *guild {
	g.mu.Lock()
	defer g.mu.Unlock()
	st, ok := g.guilds[guildID]
	if !ok {
		st = &guild{backoff: Backoff{Max: g.maxBackoff, Decay: g.backoffDecay}}
		g.guilds[guildID] = st
	}
	return st
}

// State returns the recorded state of guildID.
func (g *Guard) State(guildID string) State {
	st := g.guild(guildID)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.state
}

// Connection returns the live connection of guildID, or nil when there is no
// usable local handle.
func (g *Guard) Connection(guildID string) audio.Connection {
	st := g.guild(guildID)
	st.mu.Lock()
	conn := st.conn
	st.mu.Unlock()
	if conn == nil || !conn.IsConnected() {
		return nil
	}
	return conn
}

// ChannelID returns the channel the guild's live connection is in, or "".
func (g *Guard) ChannelID(guildID string) string {
	if conn := g.Connection(guildID); conn != nil {
		return conn.ChannelID()
	}
	return ""
}

// LastChannel returns the most recent channel the guild was connected to.
func (g *Guard) LastChannel(guildID string) string {
	st := g.guild(guildID)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.lastChannel
}

// BackoffStep returns the guild's current backoff step.
func (g *Guard) BackoffStep(guildID string) int {
	st := g.guild(guildID)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.backoff.Step(g.now())
}

// Connect joins channelID in guildID. An existing connection to the same
// channel is returned as is; a connection elsewhere is left first. A failed
// attempt clears any server-side membership it may have left behind.
func (g *Guard) Connect(ctx context.Context, guildID, channelID string) (audio.Connection, error) {
	st := g.guild(guildID)
	st.op.Lock()
	defer st.op.Unlock()

	st.mu.Lock()
	cur := st.conn
	st.mu.Unlock()
	if cur != nil && cur.IsConnected() {
		if cur.ChannelID() == channelID {
			return cur, nil
		}
		if err := cur.Disconnect(false); err != nil {
			slog.Warn("failed to leave previous voice channel", "guild_id", guildID, "err", err)
		}
	}

	g.setState(ctx, guildID, st, StateConnecting, nil)
	conn, err := g.dial(ctx, guildID, channelID)
	if err != nil {
		g.forceClear(ctx, guildID)
		g.setState(ctx, guildID, st, StateDisconnected, nil)
		return nil, err
	}
	g.connected(ctx, guildID, st, conn, channelID)
	slog.Info("joined voice channel", "guild_id", guildID, "channel_id", channelID)
	return conn, nil
}

// Disconnect leaves the guild's channel. With force set the server-side
// membership is cleared as well, even when no local handle exists.
func (g *Guard) Disconnect(ctx context.Context, guildID string, force bool) error {
	st := g.guild(guildID)
	st.op.Lock()
	defer st.op.Unlock()
	return g.disconnectLocked(ctx, guildID, st, force)
}

// Vacate leaves the guild's channel because no listener is left. It reports
// whether a connection was torn down.
func (g *Guard) Vacate(ctx context.Context, guildID string) bool {
	st := g.guild(guildID)
	st.op.Lock()
	defer st.op.Unlock()

	st.mu.Lock()
	conn := st.conn
	st.mu.Unlock()
	if conn == nil || !conn.IsConnected() {
		return false
	}
	slog.Info("leaving empty voice channel", "guild_id", guildID, "channel_id", conn.ChannelID())
	if err := g.disconnectLocked(ctx, guildID, st, false); err != nil {
		slog.Warn("failed to leave empty voice channel", "guild_id", guildID, "err", err)
	}
	return true
}

func (g *Guard) disconnectLocked(ctx context.Context, guildID string, st *guild, force bool) error {
	st.mu.Lock()
	conn := st.conn
	st.mu.Unlock()

	var err error
	switch {
	case conn != nil:
		err = conn.Disconnect(force)
	case force:
		err = g.platform.ForceClearServerState(ctx, guildID)
	}
	g.setState(ctx, guildID, st, StateDisconnected, nil)
	if err != nil {
		return fmt.Errorf("session: disconnect guild %s: %w", guildID, err)
	}
	return nil
}

// DetectGhost checks whether guildID is a ghost: no usable local handle while
// the voice server still names a channel for the bot. A detected ghost moves
// the guild into [StateGhost]. A guild with a transition in flight is never
// reported.
func (g *Guard) DetectGhost(ctx context.Context, guildID string) bool {
	st := g.guild(guildID)
	if !st.op.TryLock() {
		return false
	}
	defer st.op.Unlock()

	st.mu.Lock()
	conn, state := st.conn, st.state
	st.mu.Unlock()

	if conn != nil && conn.IsConnected() {
		return false
	}
	server := g.platform.ServerVoiceChannel(guildID)
	if server == "" {
		if state == StateConnected {
			// The handle died and the server agrees.
			g.setState(ctx, guildID, st, StateDisconnected, nil)
		}
		return false
	}
	if state != StateGhost {
		slog.Warn("ghost voice connection detected", "guild_id", guildID, "server_channel_id", server)
		g.setState(ctx, guildID, st, StateGhost, nil)
	}
	return true
}

// Restart runs the reconnect procedure for guildID: clear the server-side
// membership, wait the guild's backoff delay, then join channelID (or the
// last known channel when empty) with bounded retries. Every failed attempt
// clears the server side again before the next one.
//
// On success the guild is Connected; when every attempt fails it is
// Disconnected and the last connect error is returned.
func (g *Guard) Restart(ctx context.Context, guildID, channelID string) (audio.Connection, error) {
	st := g.guild(guildID)
	st.op.Lock()
	defer st.op.Unlock()

	st.mu.Lock()
	if channelID == "" {
		channelID = st.lastChannel
	}
	old := st.conn
	delay := st.backoff.Delay(g.now())
	st.backoff.Attempt(g.now())
	st.mu.Unlock()

	if channelID == "" {
		return nil, ErrNoChannel
	}

	g.setState(ctx, guildID, st, StateReconnecting, nil)
	log := slog.With("guild_id", guildID, "channel_id", channelID)
	log.Info("restarting voice connection", "backoff", delay)

	if old != nil {
		if err := old.Disconnect(false); err != nil {
			log.Debug("stale voice handle teardown failed", "err", err)
		}
	}
	g.forceClear(ctx, guildID)

	if err := g.sleep(ctx, delay); err != nil {
		g.setState(ctx, guildID, st, StateDisconnected, nil)
		g.metrics.RecordReconnect(context.WithoutCancel(ctx), "failed")
		return nil, fmt.Errorf("session: restart guild %s: %w", guildID, err)
	}

	var lastErr error
	for attempt := 0; attempt <= g.connectRetries; attempt++ {
		conn, err := g.dial(ctx, guildID, channelID)
		if err == nil {
			g.connected(ctx, guildID, st, conn, channelID)
			g.metrics.RecordReconnect(ctx, "ok")
			log.Info("voice connection restarted", "attempt", attempt+1)
			return conn, nil
		}
		lastErr = err
		log.Warn("reconnect attempt failed", "attempt", attempt+1, "max_attempts", g.connectRetries+1, "err", err)
		g.forceClear(ctx, guildID)
		if ctx.Err() != nil {
			break
		}
	}

	g.setState(ctx, guildID, st, StateDisconnected, nil)
	g.metrics.RecordReconnect(context.WithoutCancel(ctx), "failed")
	log.Error("voice connection restart failed", "err", lastErr)
	return nil, fmt.Errorf("session: restart guild %s: %w", guildID, lastErr)
}

// Close disconnects every guild.
func (g *Guard) Close(ctx context.Context) error {
	g.mu.Lock()
	ids := make([]string, 0, len(g.guilds))
	for id := range g.guilds {
		ids = append(ids, id)
	}
	g.mu.Unlock()

	var errs []error
	for _, id := range ids {
		if g.Connection(id) == nil {
			continue
		}
		if err := g.Disconnect(ctx, id, false); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// dial makes one connect attempt bounded by the connect timeout.
func (g *Guard) dial(ctx context.Context, guildID, channelID string) (audio.Connection, error) {
	cctx, cancel := context.WithTimeout(ctx, g.connectTimeout)
	defer cancel()
	return g.platform.Connect(cctx, guildID, channelID)
}

func (g *Guard) forceClear(ctx context.Context, guildID string) {
	if err := g.platform.ForceClearServerState(ctx, guildID); err != nil {
		slog.Warn("failed to clear server voice state", "guild_id", guildID, "err", err)
	}
}

func (g *Guard) connected(ctx context.Context, guildID string, st *guild, conn audio.Connection, channelID string) {
	st.mu.Lock()
	st.lastChannel = channelID
	st.mu.Unlock()
	g.setState(ctx, guildID, st, StateConnected, conn)
}

// setState records a transition. conn replaces the stored handle; it is nil
// for every state but Connected.
func (g *Guard) setState(ctx context.Context, guildID string, st *guild, to State, conn audio.Connection) {
	st.mu.Lock()
	from := st.state
	st.state = to
	st.conn = conn
	st.mu.Unlock()

	if from != to {
		slog.Debug("voice state changed", "guild_id", guildID, "from", from, "to", to)
		g.metrics.RecordVoiceState(context.WithoutCancel(ctx), to.String())
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
