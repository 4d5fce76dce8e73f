package discord

import (
	"context"
	"log/slog"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/yomiage/internal/app"
)

// EventHandler consumes translated gateway events. [app.Relay] implements it.
type EventHandler interface {
	HandleMessage(ctx context.Context, msg app.Message) error
	HandleVoiceState(ctx context.Context, ev app.VoiceState) error
}

var _ EventHandler = (*app.Relay)(nil)

// Names resolves display names for event translation. [Members] implements
// it.
type Names interface {
	DisplayName(guildID, userID string) string
	RoleName(guildID, roleID string) string
}

// MessageFromEvent translates a gateway message into an [app.Message].
// Mentioned users and roles are resolved to display names; a mention that
// cannot be resolved is left out of the maps.
func MessageFromEvent(m *discordgo.MessageCreate, names Names) app.Message {
	msg := app.Message{
		GuildID:        m.GuildID,
		ChannelID:      m.ChannelID,
		Content:        m.Content,
		HasAttachments: len(m.Attachments) > 0,
	}
	if m.Author != nil {
		msg.AuthorID = m.Author.ID
		msg.AuthorBot = m.Author.Bot
		msg.AuthorName = m.Author.DisplayName()
	}
	if m.Member != nil && m.Member.Nick != "" {
		msg.AuthorName = m.Member.Nick
	}

	for _, u := range m.Mentions {
		if u == nil {
			continue
		}
		name := names.DisplayName(m.GuildID, u.ID)
		if name == "" {
			name = u.DisplayName()
		}
		if name == "" {
			continue
		}
		if msg.Users == nil {
			msg.Users = make(map[string]string, len(m.Mentions))
		}
		msg.Users[u.ID] = name
	}
	for _, id := range m.MentionRoles {
		name := names.RoleName(m.GuildID, id)
		if name == "" {
			continue
		}
		if msg.Roles == nil {
			msg.Roles = make(map[string]string, len(m.MentionRoles))
		}
		msg.Roles[id] = name
	}
	return msg
}

// VoiceStateFromEvent translates a gateway voice state update into an
// [app.VoiceState]. The previous channel comes from the state cache copy
// discordgo attaches to the event.
func VoiceStateFromEvent(v *discordgo.VoiceStateUpdate, names Names) app.VoiceState {
	ev := app.VoiceState{
		GuildID: v.GuildID,
		UserID:  v.UserID,
		After:   v.ChannelID,
	}
	if v.BeforeUpdate != nil {
		ev.Before = v.BeforeUpdate.ChannelID
	}
	if v.Member != nil && v.Member.User != nil {
		ev.Bot = v.Member.User.Bot
		ev.DisplayName = v.Member.DisplayName()
	}
	if ev.DisplayName == "" {
		ev.DisplayName = names.DisplayName(v.GuildID, v.UserID)
	}
	return ev
}

// Bind routes message and voice state events of the bot's session to h.
// Events from the bot's own user are dropped.
func (b *Bot) Bind(h EventHandler) {
	b.session.AddHandler(func(s *discordgo.Session, m *discordgo.MessageCreate) {
		if m.Author == nil || m.Author.ID == b.selfID() {
			return
		}
		msg := MessageFromEvent(m, b.members)
		if err := h.HandleMessage(context.Background(), msg); err != nil {
			slog.Warn("discord: message not spoken", "guild_id", m.GuildID, "message_id", m.ID, "err", err)
		}
	})
	b.session.AddHandler(func(s *discordgo.Session, v *discordgo.VoiceStateUpdate) {
		if v.UserID == b.selfID() {
			return
		}
		ev := VoiceStateFromEvent(v, b.members)
		if err := h.HandleVoiceState(context.Background(), ev); err != nil {
			slog.Warn("discord: voice state handling failed", "guild_id", v.GuildID, "user_id", v.UserID, "err", err)
		}
	})
}
