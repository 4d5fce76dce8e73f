// Package commands implements the slash command handlers of yomiage.
package commands

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/yomiage/internal/app"
	"github.com/MrWong99/yomiage/internal/discord"
	"github.com/MrWong99/yomiage/internal/session"
)

// commandTimeout bounds a connect, leave or restart started from a command.
// A restart may sit out a long backoff first.
const commandTimeout = 90 * time.Second

// Relay is the part of [app.Relay] the voice commands drive.
type Relay interface {
	Join(ctx context.Context, guildID, channelID string) error
	Leave(ctx context.Context, guildID, textChannelID string) error
	Restart(ctx context.Context, guildID, channelID string) error
	State(guildID string) session.State
}

var _ Relay = (*app.Relay)(nil)

// Presence locates users in voice channels. [discord.Members] implements it.
type Presence interface {
	VoiceChannel(guildID, userID string) string
}

// VoiceCommands holds the dependencies of /vjoin, /vleave and /vrestart.
type VoiceCommands struct {
	relay    Relay
	presence Presence
	perms    *discord.PermissionChecker
}

// NewVoiceCommands creates VoiceCommands and registers them with router.
func NewVoiceCommands(router *discord.CommandRouter, relay Relay, presence Presence, perms *discord.PermissionChecker) *VoiceCommands {
	vc := &VoiceCommands{relay: relay, presence: presence, perms: perms}
	vc.Register(router)
	return vc
}

// Register registers the voice commands with the router.
func (vc *VoiceCommands) Register(router *discord.CommandRouter) {
	router.RegisterCommand(&discordgo.ApplicationCommand{
		Name:        "vjoin",
		Description: "ボイスチャットにボットを追加。",
	}, vc.handleJoin)
	router.RegisterCommand(&discordgo.ApplicationCommand{
		Name:        "vleave",
		Description: "ボイスチャットから切断します。",
	}, vc.handleLeave)
	router.RegisterCommand(&discordgo.ApplicationCommand{
		Name:        "vrestart",
		Description: "ボイスチャットへの接続をやり直します。",
	}, vc.handleRestart)
}

func (vc *VoiceCommands) handleJoin(s discord.Responder, i *discordgo.InteractionCreate) {
	channelID := vc.presence.VoiceChannel(i.GuildID, interactionUserID(i))
	if channelID == "" {
		discord.RespondEphemeral(s, i, "先に、ボイスチャンネルに接続してください。")
		return
	}
	if vc.relay.State(i.GuildID) == session.StateConnected {
		discord.RespondEphemeral(s, i, "ボットは既にボイスチャンネルに接続しています。")
		return
	}

	discord.DeferReply(s, i, false)
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	err := vc.relay.Join(ctx, i.GuildID, channelID)
	switch {
	case err == nil:
		discord.FollowUp(s, i, "ボイスチャンネルに接続しました。", false)
	case errors.Is(err, app.ErrAlreadyConnected):
		discord.FollowUp(s, i, "ボットは既にボイスチャンネルに接続しています。", true)
	default:
		slog.Warn("vjoin failed", "guild_id", i.GuildID, "channel_id", channelID, "err", err)
		discord.FollowUp(s, i, "ボイスチャンネルに接続できませんでした。", true)
	}
}

func (vc *VoiceCommands) handleLeave(s discord.Responder, i *discordgo.InteractionCreate) {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	err := vc.relay.Leave(ctx, i.GuildID, i.ChannelID)
	switch {
	case err == nil:
		discord.Respond(s, i, "切断しました。")
	case errors.Is(err, app.ErrWrongChannel):
		discord.RespondEphemeral(s, i, "ボットが存在するチャンネルでコマンドを使用してください。")
	case errors.Is(err, app.ErrNotConnected):
		discord.RespondEphemeral(s, i, "ボットはボイスチャットに接続していません。")
	default:
		slog.Warn("vleave failed", "guild_id", i.GuildID, "err", err)
		discord.RespondEphemeral(s, i, "切断に失敗しました。")
	}
}

func (vc *VoiceCommands) handleRestart(s discord.Responder, i *discordgo.InteractionCreate) {
	if !vc.perms.IsAdmin(i) {
		discord.RespondEphemeral(s, i, "このコマンドを使用する権限がありません。")
		return
	}
	// Empty falls back to the last channel the bot was in.
	channelID := vc.presence.VoiceChannel(i.GuildID, interactionUserID(i))

	discord.DeferReply(s, i, true)
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	err := vc.relay.Restart(ctx, i.GuildID, channelID)
	switch {
	case err == nil:
		discord.FollowUp(s, i, "ボイスチャンネルに再接続しました。", true)
	case errors.Is(err, session.ErrNoChannel):
		discord.FollowUp(s, i, "再接続先のボイスチャンネルがありません。先に、ボイスチャンネルに接続してください。", true)
	default:
		slog.Warn("vrestart failed", "guild_id", i.GuildID, "channel_id", channelID, "err", err)
		discord.FollowUp(s, i, "再接続に失敗しました。", true)
	}
}

// interactionUserID extracts the user ID from an interaction, handling
// both guild (Member) and DM (User) contexts.
func interactionUserID(i *discordgo.InteractionCreate) string {
	if i.Member != nil && i.Member.User != nil {
		return i.Member.User.ID
	}
	if i.User != nil {
		return i.User.ID
	}
	return ""
}

// interactionDisplayName returns the caller's guild display name.
func interactionDisplayName(i *discordgo.InteractionCreate) string {
	if i.Member != nil && i.Member.User != nil {
		return i.Member.DisplayName()
	}
	if i.User != nil {
		return i.User.DisplayName()
	}
	return ""
}
