// Package audio defines the voice transport abstraction used by yomiage and
// the PCM framing layer that feeds it.
//
// The primary abstractions are:
//
//   - [Platform] joins voice channels and exposes the server-side view of the
//     bot's voice membership.
//   - [Connection] is the local handle on one joined channel; it plays a
//     [FrameSource] and reports completion through a callback.
//   - [FrameSource] is a lazy, finite sequence of fixed-size PCM frames, usually
//     produced by [OpenWAV].
//
// Implementations of these interfaces live in platform-specific adapter
// packages (e.g., audio/discord). This package lives under pkg/ because a
// third-party transport is expected to implement [Platform] and [Connection].
package audio

import (
	"context"
)

// FrameSource yields fixed-size PCM frames in transport format.
//
// NextFrame returns the next frame, or io.EOF once the source is exhausted.
// After the first io.EOF every subsequent call returns io.EOF again. Any other
// error is terminal. Implementations are not safe for concurrent use; a frame
// source is consumed by exactly one player.
type FrameSource interface {
	NextFrame() ([]byte, error)
}

// Connection represents the local handle on a joined voice channel.
//
// Implementations must be safe for concurrent use.
type Connection interface {
	// GuildID returns the guild this connection belongs to.
	GuildID() string

	// ChannelID returns the voice channel currently joined.
	ChannelID() string

	// IsConnected reports whether the local handle is still usable.
	IsConnected() bool

	// IsPlaying reports whether a [FrameSource] is currently being streamed.
	IsPlaying() bool

	// IsPaused reports whether playback is paused.
	IsPaused() bool

	// Play starts streaming src on a transport-owned goroutine and returns
	// immediately. onComplete is invoked exactly once from that goroutine: with
	// nil when src reached io.EOF, or with the error that stopped playback.
	//
	// If playback cannot start (not connected, already playing) Play returns a
	// *[TransportError] and onComplete is never called.
	Play(src FrameSource, onComplete func(error)) error

	// Disconnect leaves the channel. With force set the server-side voice
	// state is cleared as well, even if the local teardown fails. Calling
	// Disconnect more than once is safe.
	Disconnect(force bool) error
}

// Platform is the entry point for a voice provider.
//
// Implementations must be safe for concurrent use.
type Platform interface {
	// Connect joins channelID in guildID and returns an active [Connection].
	// ctx bounds the connection attempt only.
	Connect(ctx context.Context, guildID, channelID string) (Connection, error)

	// ForceClearServerState asks the voice server to drop any membership it
	// still holds for the bot in guildID, without requiring a local handle.
	ForceClearServerState(ctx context.Context, guildID string) error

	// ServerVoiceChannel returns the channel the voice server reports for the
	// bot in guildID, or "" when the server believes the bot is not connected.
	ServerVoiceChannel(guildID string) string
}
