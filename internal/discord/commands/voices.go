package commands

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/yomiage/internal/discord"
	"github.com/MrWong99/yomiage/internal/profile"
)

// maxChoices is the Discord limit on autocomplete choices.
const maxChoices = 25

// Profiles is the part of [profile.Store] the voice selection commands use.
type Profiles interface {
	Set(userID string, voiceID int, displayName string) error
	Profile(userID string) (profile.Profile, bool)
}

var _ Profiles = (*profile.Store)(nil)

// VoiceProfileCommands holds the dependencies of /list_voices and /set_voice.
type VoiceProfileCommands struct {
	profiles Profiles
	catalog  *profile.Catalog
}

// NewVoiceProfileCommands creates VoiceProfileCommands and registers them with
// router.
func NewVoiceProfileCommands(router *discord.CommandRouter, profiles Profiles, catalog *profile.Catalog) *VoiceProfileCommands {
	vp := &VoiceProfileCommands{profiles: profiles, catalog: catalog}
	vp.Register(router)
	return vp
}

// Register registers the commands and the voice_id autocomplete.
func (vp *VoiceProfileCommands) Register(router *discord.CommandRouter) {
	router.RegisterCommand(&discordgo.ApplicationCommand{
		Name:        "list_voices",
		Description: "利用可能な声線を一覧表示します",
	}, vp.handleList)
	router.RegisterCommand(&discordgo.ApplicationCommand{
		Name:        "set_voice",
		Description: "声線を設定します",
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:         discordgo.ApplicationCommandOptionInteger,
				Name:         "voice_id",
				Description:  "声線 ID",
				Required:     true,
				Autocomplete: true,
			},
		},
	}, vp.handleSet)
	router.RegisterAutocomplete("set_voice", vp.handleAutocomplete)
}

func (vp *VoiceProfileCommands) handleList(s discord.Responder, i *discordgo.InteractionCreate) {
	current := -1
	if p, ok := vp.profiles.Profile(interactionUserID(i)); ok {
		current = p.VoiceID
	}

	var b strings.Builder
	for _, v := range vp.catalog.Voices() {
		fmt.Fprintf(&b, "%s\t%d", v.Name, v.ID)
		if v.ID == current {
			b.WriteString(" （現在の声線）")
		}
		b.WriteByte('\n')
	}
	discord.RespondEmbed(s, i, &discordgo.MessageEmbed{
		Title:       "キャラクター名\tID",
		Description: b.String(),
	})
}

func (vp *VoiceProfileCommands) handleSet(s discord.Responder, i *discordgo.InteractionCreate) {
	var voiceID int
	for _, opt := range i.ApplicationCommandData().Options {
		if opt.Name == "voice_id" {
			voiceID = int(opt.IntValue())
		}
	}

	err := vp.profiles.Set(interactionUserID(i), voiceID, interactionDisplayName(i))
	switch {
	case errors.Is(err, profile.ErrUnknownVoice):
		discord.RespondEphemeral(s, i, "無効な声線 ID です。利用可能な声線リストを確認してください。")
		return
	case err != nil:
		slog.Warn("set_voice failed", "user_id", interactionUserID(i), "voice_id", voiceID, "err", err)
		discord.RespondEphemeral(s, i, "声線を設定できませんでした。")
		return
	}
	v := vp.catalog.Voice(voiceID)
	discord.RespondEphemeral(s, i, fmt.Sprintf("あなたの声線は (ID: %d %s) に設定されました。", v.ID, v.Name))
}

// handleAutocomplete offers catalog voices ranked against what the user has
// typed so far.
func (vp *VoiceProfileCommands) handleAutocomplete(s discord.Responder, i *discordgo.InteractionCreate) {
	var query string
	for _, opt := range i.ApplicationCommandData().Options {
		if opt.Focused {
			query = optionText(opt.Value)
		}
	}

	voices := vp.catalog.Search(query, maxChoices)
	choices := make([]*discordgo.ApplicationCommandOptionChoice, 0, len(voices))
	for _, v := range voices {
		choices = append(choices, &discordgo.ApplicationCommandOptionChoice{
			Name:  v.String(),
			Value: v.ID,
		})
	}
	discord.RespondChoices(s, i, choices)
}

// optionText renders a partially typed option value. Discord sends integer
// options as strings or numbers while they are being typed.
func optionText(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatInt(int64(x), 10)
	case nil:
		return ""
	default:
		return fmt.Sprint(x)
	}
}
