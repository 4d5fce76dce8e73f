package discord

import (
	"github.com/bwmarrin/discordgo"
)

// Members answers voice occupancy and display name questions from the
// gateway state cache. The cache must track guilds, members and voice
// states, which is the discordgo default.
type Members struct {
	state *discordgo.State
}

// NewMembers creates a Members view over state.
func NewMembers(state *discordgo.State) *Members {
	return &Members{state: state}
}

// HumanCount returns how many non-bot members are in the voice channel. The
// bot's own user never counts.
func (m *Members) HumanCount(guildID, channelID string) int {
	if channelID == "" {
		return 0
	}
	g, err := m.state.Guild(guildID)
	if err != nil {
		return 0
	}

	self := m.selfID()
	m.state.RLock()
	var users []string
	var members []*discordgo.Member
	for _, vs := range g.VoiceStates {
		if vs.ChannelID != channelID || vs.UserID == self {
			continue
		}
		users = append(users, vs.UserID)
		members = append(members, vs.Member)
	}
	m.state.RUnlock()

	n := 0
	for i, id := range users {
		if !m.isBot(guildID, id, members[i]) {
			n++
		}
	}
	return n
}

// VoiceChannel returns the voice channel userID is in, or "".
func (m *Members) VoiceChannel(guildID, userID string) string {
	vs, err := m.state.VoiceState(guildID, userID)
	if err != nil || vs == nil {
		return ""
	}
	return vs.ChannelID
}

// DisplayName returns the guild display name of userID, falling back to the
// global name and then the username. It returns "" for unknown users.
func (m *Members) DisplayName(guildID, userID string) string {
	mem, err := m.state.Member(guildID, userID)
	if err != nil || mem == nil || mem.User == nil {
		return ""
	}
	return mem.DisplayName()
}

// RoleName returns the name of roleID, or "".
func (m *Members) RoleName(guildID, roleID string) string {
	r, err := m.state.Role(guildID, roleID)
	if err != nil || r == nil {
		return ""
	}
	return r.Name
}

func (m *Members) isBot(guildID, userID string, fromVoice *discordgo.Member) bool {
	if fromVoice != nil && fromVoice.User != nil {
		return fromVoice.User.Bot
	}
	mem, err := m.state.Member(guildID, userID)
	if err != nil || mem == nil || mem.User == nil {
		// Unknown members count as people so the bot never leaves a
		// listener behind.
		return false
	}
	return mem.User.Bot
}

func (m *Members) selfID() string {
	m.state.RLock()
	defer m.state.RUnlock()
	if m.state.User == nil {
		return ""
	}
	return m.state.User.ID
}
