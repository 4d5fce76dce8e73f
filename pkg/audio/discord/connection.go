package discord

import (
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/MrWong99/yomiage/pkg/audio"
	"github.com/bwmarrin/discordgo"
)

// Compile-time interface assertion.
var _ audio.Connection = (*Connection)(nil)

// Connection wraps a discordgo.VoiceConnection and adapts it to the
// [audio.Connection] interface. Each call to [Connection.Play] streams one
// [audio.FrameSource] on its own goroutine, encoding frames to Opus and
// pushing them into the voice connection's send channel.
//
// Connection is safe for concurrent use.
type Connection struct {
	vc        *discordgo.VoiceConnection
	guildID   string
	channelID string

	mu      sync.Mutex
	playing bool

	done      chan struct{}
	closeOnce sync.Once

	// disconnectVC is called during Disconnect to tear down the voice connection.
	// Defaults to vc.Disconnect; overridden in tests.
	disconnectVC func() error

	// forceClear asks the gateway to drop the bot's voice state. Defaults to a
	// null-channel voice state update; overridden in tests.
	forceClear func() error

	// attached reports whether the session still tracks vc for this guild.
	// A nil attached is treated as always attached.
	attached func() bool

	// speaking sends the speaking flag. Defaults to vc.Speaking.
	speaking func(bool) error
}

// newConnection wraps an already-joined voice connection.
func newConnection(vc *discordgo.VoiceConnection, p *Platform, guildID, channelID string) *Connection {
	return &Connection{
		vc:           vc,
		guildID:      guildID,
		channelID:    channelID,
		done:         make(chan struct{}),
		disconnectVC: vc.Disconnect,
		forceClear:   func() error { return p.clearVoiceState(guildID) },
		attached: func() bool {
			p.session.RLock()
			defer p.session.RUnlock()
			return p.session.VoiceConnections[guildID] == vc
		},
		speaking: vc.Speaking,
	}
}

// GuildID implements [audio.Connection].
func (c *Connection) GuildID() string { return c.guildID }

// ChannelID implements [audio.Connection].
func (c *Connection) ChannelID() string { return c.channelID }

// IsConnected implements [audio.Connection]. A connection that discordgo has
// replaced or dropped from its session map is reported as disconnected.
func (c *Connection) IsConnected() bool {
	select {
	case <-c.done:
		return false
	default:
	}
	if c.attached == nil {
		return true
	}
	return c.attached()
}

// IsPlaying implements [audio.Connection].
func (c *Connection) IsPlaying() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.playing
}

// IsPaused implements [audio.Connection]. Discord playback is never paused.
func (c *Connection) IsPaused() bool { return false }

// Play implements [audio.Connection].
func (c *Connection) Play(src audio.FrameSource, onComplete func(error)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.IsConnected() {
		return &audio.TransportError{Op: "play", GuildID: c.guildID, Err: audio.ErrNotConnected}
	}
	if c.playing {
		return &audio.TransportError{Op: "play", GuildID: c.guildID, Err: audio.ErrAlreadyPlaying}
	}
	enc, err := newOpusEncoder()
	if err != nil {
		return &audio.TransportError{Op: "play", GuildID: c.guildID, Err: err}
	}

	c.playing = true
	go c.stream(src, enc, onComplete)
	return nil
}

// Disconnect implements [audio.Connection]. The local teardown runs once; a
// forced disconnect always clears the server-side voice state, even when the
// connection was already closed.
func (c *Connection) Disconnect(force bool) error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		if c.disconnectVC != nil {
			err = c.disconnectVC()
		}
	})
	if force && c.forceClear != nil {
		if fErr := c.forceClear(); fErr != nil {
			err = errors.Join(err, fErr)
		}
	}
	if err != nil {
		return &audio.TransportError{Op: "disconnect", GuildID: c.guildID, Err: err}
	}
	return nil
}

// stream drives one playback from start to completion.
func (c *Connection) stream(src audio.FrameSource, enc *opusEncoder, onComplete func(error)) {
	c.setSpeaking(true)
	err := c.sendFrames(src, enc)
	c.setSpeaking(false)

	c.mu.Lock()
	c.playing = false
	c.mu.Unlock()

	if err != nil {
		slog.Debug("discord: playback stopped", "guild_id", c.guildID, "err", err)
	}
	if onComplete != nil {
		onComplete(err)
	}
}

// sendFrames pulls frames from src until io.EOF, encodes them to Opus and
// hands them to the voice connection.
func (c *Connection) sendFrames(src audio.FrameSource, enc *opusEncoder) error {
	for {
		frame, err := src.NextFrame()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		opus, err := enc.encode(frame)
		if err != nil {
			return err
		}

		select {
		case c.vc.OpusSend <- opus:
		case <-c.done:
			return &audio.TransportError{Op: "play", GuildID: c.guildID, Err: audio.ErrNotConnected}
		}
	}
}

// setSpeaking sends a speaking notification to Discord, logging any errors.
func (c *Connection) setSpeaking(b bool) {
	if c.speaking == nil {
		return
	}
	if err := c.speaking(b); err != nil {
		slog.Warn("discord: speaking notification error", "guild_id", c.guildID, "speaking", b, "err", err)
	}
}
