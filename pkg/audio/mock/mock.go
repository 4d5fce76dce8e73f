// Package mock provides in-memory mock implementations of the [audio.Platform]
// and [audio.Connection] interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	platform := &mock.Platform{AutoComplete: true}
//	conn, err := platform.Connect(ctx, "guild-1", "voice-42")
//	// ... play through conn ...
//	got := platform.Connections[0].PlayCount()
package mock

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/MrWong99/yomiage/pkg/audio"
)

// Compile-time interface assertions.
var (
	_ audio.Connection = (*Connection)(nil)
	_ audio.Platform   = (*Platform)(nil)
)

// ─── Connection ───────────────────────────────────────────────────────────────

// Connection is a mock implementation of [audio.Connection].
// Set the exported fields before use; inspect the Call* fields after.
//
// By default a played source stays "playing" until the test calls
// [Connection.Finish]. With AutoComplete set, sources are drained on a
// goroutine and completion is reported as soon as they hit io.EOF.
type Connection struct {
	mu sync.Mutex

	// GuildIDValue and ChannelIDValue are returned by GuildID and ChannelID.
	GuildIDValue   string
	ChannelIDValue string

	// Disconnected makes IsConnected report false. Disconnect sets it.
	Disconnected bool

	// PlayError, when non-nil, is returned by Play and the source is not started.
	PlayError error

	// AutoComplete drains every accepted source and reports completion.
	AutoComplete bool

	// DisconnectError is returned by Disconnect.
	DisconnectError error

	// PlayCalls records every source passed to Play, accepted or not.
	PlayCalls []audio.FrameSource

	// DisconnectCalls records the force flag of every Disconnect call.
	DisconnectCalls []bool

	playing  bool
	pending  func(error)
	platform *Platform
}

// GuildID implements [audio.Connection].
func (c *Connection) GuildID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.GuildIDValue
}

// ChannelID implements [audio.Connection].
func (c *Connection) ChannelID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ChannelIDValue
}

// IsConnected implements [audio.Connection].
func (c *Connection) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.Disconnected
}

// IsPlaying implements [audio.Connection].
func (c *Connection) IsPlaying() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.playing
}

// IsPaused implements [audio.Connection]. Always false.
func (c *Connection) IsPaused() bool { return false }

// Play implements [audio.Connection].
func (c *Connection) Play(src audio.FrameSource, onComplete func(error)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.PlayCalls = append(c.PlayCalls, src)

	if c.PlayError != nil {
		return c.PlayError
	}
	if c.Disconnected {
		return &audio.TransportError{Op: "play", GuildID: c.GuildIDValue, Err: audio.ErrNotConnected}
	}
	if c.playing {
		return &audio.TransportError{Op: "play", GuildID: c.GuildIDValue, Err: audio.ErrAlreadyPlaying}
	}

	c.playing = true
	c.pending = onComplete
	if c.AutoComplete {
		go func() {
			c.finish(drain(src))
		}()
	}
	return nil
}

// Disconnect implements [audio.Connection]. An in-flight playback completes
// with [audio.ErrNotConnected].
func (c *Connection) Disconnect(force bool) error {
	c.mu.Lock()
	c.DisconnectCalls = append(c.DisconnectCalls, force)
	c.Disconnected = true
	err := c.DisconnectError
	guildID, p := c.GuildIDValue, c.platform
	c.mu.Unlock()

	// Leaving voice clears the server-side membership too.
	if p != nil {
		p.SetServerChannel(guildID, "")
	}

	c.finish(&audio.TransportError{Op: "play", GuildID: guildID, Err: audio.ErrNotConnected})
	return err
}

// Finish completes the current playback with err. It reports false when
// nothing is playing.
func (c *Connection) Finish(err error) bool {
	return c.finish(err)
}

// PlayCount returns the number of Play calls so far.
func (c *Connection) PlayCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.PlayCalls)
}

// Sources returns a copy of the sources passed to Play, in call order.
func (c *Connection) Sources() []audio.FrameSource {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]audio.FrameSource(nil), c.PlayCalls...)
}

func (c *Connection) finish(err error) bool {
	c.mu.Lock()
	cb := c.pending
	wasPlaying := c.playing
	c.pending = nil
	c.playing = false
	c.mu.Unlock()

	if !wasPlaying {
		return false
	}
	if cb != nil {
		cb(err)
	}
	return true
}

// drain reads src to the end. It returns nil on io.EOF.
func drain(src audio.FrameSource) error {
	for {
		_, err := src.NextFrame()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// ─── Platform ─────────────────────────────────────────────────────────────────

// ConnectCall records the arguments of a single [Platform.Connect] invocation.
type ConnectCall struct {
	GuildID   string
	ChannelID string
}

// Platform is a mock implementation of [audio.Platform].
//
// When ConnectResult is nil, every successful Connect creates a fresh
// [Connection] and appends it to Connections. Successful connects also set the
// server-side channel; ForceClearServerState and Disconnect on a created
// Connection remove it.
type Platform struct {
	mu sync.Mutex

	// ConnectResult is the [audio.Connection] returned by Connect, if set.
	ConnectResult audio.Connection

	// ConnectError is returned by Connect once ConnectErrors is exhausted.
	ConnectError error

	// ConnectErrors are consumed one per Connect call before ConnectError
	// applies. A nil entry lets that attempt succeed.
	ConnectErrors []error

	// ConnectBlocks makes Connect wait for ctx to expire.
	ConnectBlocks bool

	// AutoComplete is copied into every Connection created by Connect.
	AutoComplete bool

	// ForceClearError is returned by ForceClearServerState.
	ForceClearError error

	// ServerChannels maps guild ID to the channel the server reports.
	ServerChannels map[string]string

	// ConnectCalls records all Connect invocations.
	ConnectCalls []ConnectCall

	// ForceClearCalls records the guild of every ForceClearServerState call.
	ForceClearCalls []string

	// Connections holds the connections created by Connect.
	Connections []*Connection
}

// Connect implements [audio.Platform].
func (p *Platform) Connect(ctx context.Context, guildID, channelID string) (audio.Connection, error) {
	p.mu.Lock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{GuildID: guildID, ChannelID: channelID})
	blocks := p.ConnectBlocks
	p.mu.Unlock()

	if blocks {
		<-ctx.Done()
		return nil, &audio.TransportError{Op: "connect", GuildID: guildID, Err: ctx.Err()}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	err := p.ConnectError
	if len(p.ConnectErrors) > 0 {
		err = p.ConnectErrors[0]
		p.ConnectErrors = p.ConnectErrors[1:]
	}
	if err != nil {
		return nil, err
	}

	p.setServerChannelLocked(guildID, channelID)
	if p.ConnectResult != nil {
		return p.ConnectResult, nil
	}
	conn := &Connection{
		GuildIDValue:   guildID,
		ChannelIDValue: channelID,
		AutoComplete:   p.AutoComplete,
		platform:       p,
	}
	p.Connections = append(p.Connections, conn)
	return conn, nil
}

// ForceClearServerState implements [audio.Platform].
func (p *Platform) ForceClearServerState(_ context.Context, guildID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ForceClearCalls = append(p.ForceClearCalls, guildID)
	if p.ForceClearError != nil {
		return p.ForceClearError
	}
	delete(p.ServerChannels, guildID)
	return nil
}

// ServerVoiceChannel implements [audio.Platform].
func (p *Platform) ServerVoiceChannel(guildID string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ServerChannels[guildID]
}

// SetServerChannel overrides the server-side channel for guildID. An empty
// channelID clears it.
func (p *Platform) SetServerChannel(guildID, channelID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.setServerChannelLocked(guildID, channelID)
}

// LastConnection returns the most recent Connection created by Connect, or nil.
func (p *Platform) LastConnection() *Connection {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.Connections) == 0 {
		return nil
	}
	return p.Connections[len(p.Connections)-1]
}

// ConnectCount returns the number of Connect calls so far.
func (p *Platform) ConnectCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ConnectCalls)
}

// ForceClearCount returns the number of ForceClearServerState calls so far.
func (p *Platform) ForceClearCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ForceClearCalls)
}

func (p *Platform) setServerChannelLocked(guildID, channelID string) {
	if channelID == "" {
		delete(p.ServerChannels, guildID)
		return
	}
	if p.ServerChannels == nil {
		p.ServerChannels = make(map[string]string)
	}
	p.ServerChannels[guildID] = channelID
}
