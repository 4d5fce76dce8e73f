package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/MrWong99/yomiage/internal/clips"
	"github.com/MrWong99/yomiage/internal/observe"
	"github.com/MrWong99/yomiage/internal/session"
)

// VoiceState is a member's voice channel change. An empty channel means
// "not in voice".
type VoiceState struct {
	GuildID     string
	UserID      string
	DisplayName string
	Bot         bool
	Before      string
	After       string
}

func (v VoiceState) moved() bool { return v.Before != v.After }

// HandleVoiceState applies the presence policy to one voice state change:
//
//  1. Bot members are ignored.
//  2. A ghost connection is restarted into the channel the member went to.
//  3. When not connected, the bot follows a member into their new channel.
//  4. A member arriving in the bot's channel is announced.
//  5. A member leaving the bot's channel is announced, unless nobody else is
//     left, in which case the bot leaves silently.
//  6. The bot never stays alone in a channel.
func (r *Relay) HandleVoiceState(ctx context.Context, ev VoiceState) error {
	if ev.Bot || ev.GuildID == "" || !ev.moved() {
		return nil
	}
	ctx = observe.WithGuild(ctx, ev.GuildID)
	log := observe.Logger(ctx).With("user_id", ev.UserID)
	r.noteDisplayName(ev.UserID, ev.DisplayName)

	if r.guard.DetectGhost(ctx, ev.GuildID) {
		if ev.After == "" {
			log.Info("ghost connection detected, no target channel to restart into")
			return nil
		}
		log.Info("ghost connection detected, restarting", "channel_id", ev.After)
		return r.restart(ctx, ev.GuildID, ev.After)
	}

	conn := r.guard.Connection(ev.GuildID)
	if conn == nil {
		if ev.After == "" {
			return nil
		}
		if st := r.guard.State(ev.GuildID); st == session.StateConnecting || st == session.StateReconnecting {
			return nil
		}
		return r.join(ctx, ev.GuildID, ev.After)
	}

	var err error
	botChannel := conn.ChannelID()
	switch {
	case ev.After == botChannel:
		err = r.announce(ctx, ev.GuildID, clips.Join, ev.UserID, ev.DisplayName)
	case ev.Before == botChannel:
		if r.members.HumanCount(ev.GuildID, botChannel) == 0 {
			r.vacate(ctx, ev.GuildID)
			return nil
		}
		err = r.announce(ctx, ev.GuildID, clips.Leave, ev.UserID, ev.DisplayName)
	}

	if conn := r.guard.Connection(ev.GuildID); conn != nil && r.members.HumanCount(ev.GuildID, conn.ChannelID()) == 0 {
		r.vacate(ctx, ev.GuildID)
	}
	return err
}

// Join connects to channelID and plays the greeting clip. It fails with
// [ErrAlreadyConnected] when the guild already has a live connection.
func (r *Relay) Join(ctx context.Context, guildID, channelID string) error {
	if channelID == "" {
		return ErrNoVoiceChannel
	}
	if r.guard.Connection(guildID) != nil {
		return ErrAlreadyConnected
	}
	return r.join(ctx, guildID, channelID)
}

// Leave disconnects the guild. textChannelID must be the text chat of the
// bot's voice channel.
func (r *Relay) Leave(ctx context.Context, guildID, textChannelID string) error {
	conn := r.guard.Connection(guildID)
	if conn == nil {
		return ErrNotConnected
	}
	if conn.ChannelID() != textChannelID {
		return ErrWrongChannel
	}
	return r.leave(ctx, guildID)
}

// Restart runs the reconnect procedure into channelID, or the last known
// channel when channelID is empty, and plays the greeting clip.
func (r *Relay) Restart(ctx context.Context, guildID, channelID string) error {
	return r.restart(ctx, guildID, channelID)
}

// State returns the connection state of the guild.
func (r *Relay) State(guildID string) session.State {
	return r.guard.State(guildID)
}

// Status is a point-in-time view of one guild's voice relay.
type Status struct {
	State       session.State
	ChannelID   string
	LastChannel string
	QueueLen    int
	BackoffStep int
}

// Status reports the guild's connection and queue state.
func (r *Relay) Status(guildID string) Status {
	return Status{
		State:       r.guard.State(guildID),
		ChannelID:   r.guard.ChannelID(guildID),
		LastChannel: r.guard.LastChannel(guildID),
		QueueLen:    r.queues.Len(guildID),
		BackoffStep: r.guard.BackoffStep(guildID),
	}
}

func (r *Relay) join(ctx context.Context, guildID, channelID string) error {
	if _, err := r.guard.Connect(ctx, guildID, channelID); err != nil {
		return fmt.Errorf("app: join %s: %w", channelID, err)
	}
	return r.playClip(guildID, clips.BotJoin)
}

func (r *Relay) leave(ctx context.Context, guildID string) error {
	if n := r.queues.Clear(guildID); n > 0 {
		slog.Debug("dropped queued audio on leave", "guild_id", guildID, "items", n)
	}
	if err := r.guard.Disconnect(ctx, guildID, false); err != nil {
		return fmt.Errorf("app: leave: %w", err)
	}
	slog.Info("left voice channel", "guild_id", guildID)
	return nil
}

// vacate leaves a channel nobody listens in any more. Queued audio is
// discarded without being played.
func (r *Relay) vacate(ctx context.Context, guildID string) {
	r.queues.Clear(guildID)
	r.guard.Vacate(ctx, guildID)
}

func (r *Relay) restart(ctx context.Context, guildID, channelID string) error {
	r.queues.Clear(guildID)
	if _, err := r.guard.Restart(ctx, guildID, channelID); err != nil {
		return fmt.Errorf("app: restart: %w", err)
	}
	return r.playClip(guildID, clips.BotJoin)
}
