// Package discord provides an [audio.Platform] implementation backed by
// Discord voice channels via the bwmarrin/discordgo library. It bridges the
// PCM frame sources produced by package audio with Discord's Opus transport.
//
// The platform requires an active *discordgo.Session owned by the bot layer.
// Each call to [Platform.Connect] joins a voice channel and returns a
// [Connection] that plays one frame source at a time.
package discord

import (
	"context"
	"fmt"

	"github.com/MrWong99/yomiage/pkg/audio"
	"github.com/bwmarrin/discordgo"
)

// Compile-time interface assertion.
var _ audio.Platform = (*Platform)(nil)

// Platform implements [audio.Platform] using discordgo voice connections.
//
// Platform is safe for concurrent use.
type Platform struct {
	session *discordgo.Session
}

// New creates a new Discord Platform for the given session.
func New(session *discordgo.Session) *Platform {
	return &Platform{session: session}
}

// Connect joins the voice channel identified by channelID and returns an active
// [audio.Connection]. The supplied ctx bounds the join handshake only; once the
// Connection is returned it lives until [Connection.Disconnect] is called.
//
// discordgo's join blocks without a context, so it runs on its own goroutine.
// A join that completes after ctx expired is torn down immediately.
func (p *Platform) Connect(ctx context.Context, guildID, channelID string) (audio.Connection, error) {
	type result struct {
		vc  *discordgo.VoiceConnection
		err error
	}
	ch := make(chan result, 1)
	go func() {
		// mute=false (we send audio), deaf=true (we never receive).
		vc, err := p.session.ChannelVoiceJoin(guildID, channelID, false, true)
		ch <- result{vc: vc, err: err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, &audio.TransportError{
				Op:      "connect",
				GuildID: guildID,
				Err:     fmt.Errorf("join voice channel %q: %w", channelID, r.err),
			}
		}
		return newConnection(r.vc, p, guildID, channelID), nil
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.vc != nil {
				_ = r.vc.Disconnect()
			}
		}()
		return nil, &audio.TransportError{Op: "connect", GuildID: guildID, Err: ctx.Err()}
	}
}

// ForceClearServerState implements [audio.Platform]. It sends a voice state
// update with a null channel and drops any stale local voice connection that
// discordgo still tracks for the guild.
func (p *Platform) ForceClearServerState(_ context.Context, guildID string) error {
	if err := p.clearVoiceState(guildID); err != nil {
		return &audio.TransportError{Op: "force clear", GuildID: guildID, Err: err}
	}
	return nil
}

// ServerVoiceChannel implements [audio.Platform] from the gateway state cache.
func (p *Platform) ServerVoiceChannel(guildID string) string {
	st := p.session.State
	if st == nil || st.User == nil {
		return ""
	}
	vs, err := st.VoiceState(guildID, st.User.ID)
	if err != nil || vs == nil {
		return ""
	}
	return vs.ChannelID
}

func (p *Platform) clearVoiceState(guildID string) error {
	p.session.Lock()
	stale, ok := p.session.VoiceConnections[guildID]
	if ok {
		delete(p.session.VoiceConnections, guildID)
	}
	p.session.Unlock()
	if stale != nil {
		stale.Close()
	}
	// An empty channel ID is sent as null, which leaves voice.
	if err := p.session.ChannelVoiceJoinManual(guildID, "", false, true); err != nil {
		return fmt.Errorf("leave voice: %w", err)
	}
	return nil
}
