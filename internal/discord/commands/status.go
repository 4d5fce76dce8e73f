package commands

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/yomiage/internal/app"
	"github.com/MrWong99/yomiage/internal/discord"
	"github.com/MrWong99/yomiage/internal/session"
	"github.com/MrWong99/yomiage/internal/synth"
)

const (
	embedColorGreen  = 0x2ECC71
	embedColorYellow = 0xF1C40F
	embedColorRed    = 0xE74C3C
)

// StatusReporter reports one guild's relay state. [app.Relay] implements it.
type StatusReporter interface {
	Status(guildID string) app.Status
}

var _ StatusReporter = (*app.Relay)(nil)

// StatusCommand renders /vstatus.
type StatusCommand struct {
	relay    StatusReporter
	backends []synth.Backend
	stats    *discord.SynthesisStats
	profiles interface{ Len() int }
	now      func() time.Time
}

// NewStatusCommand creates the /vstatus command and registers it with
// router. stats and profiles may be nil.
func NewStatusCommand(router *discord.CommandRouter, relay StatusReporter, backends []synth.Backend, stats *discord.SynthesisStats, profiles interface{ Len() int }) *StatusCommand {
	sc := &StatusCommand{relay: relay, backends: backends, stats: stats, profiles: profiles, now: time.Now}
	router.RegisterCommand(&discordgo.ApplicationCommand{
		Name:        "vstatus",
		Description: "読み上げボットの状態を表示します。",
	}, sc.handle)
	return sc
}

func (sc *StatusCommand) handle(s discord.Responder, i *discordgo.InteractionCreate) {
	discord.RespondEmbed(s, i, sc.buildEmbed(i.GuildID))
}

// buildEmbed renders the guild's voice state, synthesis backends and recent
// synthesis latency.
func (sc *StatusCommand) buildEmbed(guildID string) *discordgo.MessageEmbed {
	st := sc.relay.Status(guildID)

	channel := "-"
	if st.ChannelID != "" {
		channel = fmt.Sprintf("<#%s>", st.ChannelID)
	} else if st.LastChannel != "" {
		channel = fmt.Sprintf("(<#%s>)", st.LastChannel)
	}

	fields := []*discordgo.MessageEmbedField{
		{Name: "接続状態", Value: st.State.String(), Inline: true},
		{Name: "チャンネル", Value: channel, Inline: true},
		{Name: "再生待ち", Value: fmt.Sprintf("%d", st.QueueLen), Inline: true},
		{Name: "バックオフ", Value: fmt.Sprintf("%d", st.BackoffStep), Inline: true},
	}
	if sc.profiles != nil {
		fields = append(fields, &discordgo.MessageEmbedField{
			Name: "登録ユーザー", Value: fmt.Sprintf("%d", sc.profiles.Len()), Inline: true,
		})
	}

	var snap discord.Snapshot
	if sc.stats != nil {
		snap = sc.stats.Snapshot()
		fields = append(fields, &discordgo.MessageEmbedField{
			Name:   "読み上げ",
			Value:  fmt.Sprintf("%d (失敗 %d)", snap.Spoken, snap.Failures),
			Inline: true,
		})
	}
	if backends := formatBackends(sc.backends, snap.Wins); backends != "" {
		fields = append(fields, &discordgo.MessageEmbedField{Name: "音声合成", Value: backends})
	}
	if snap.Latency.P50 > 0 || snap.Latency.P95 > 0 {
		fields = append(fields, &discordgo.MessageEmbedField{
			Name:  "合成レイテンシ",
			Value: fmt.Sprintf("```\np50=%s p95=%s\n```", formatMs(snap.Latency.P50), formatMs(snap.Latency.P95)),
		})
	}

	return &discordgo.MessageEmbed{
		Title:     "読み上げステータス",
		Color:     stateColor(st.State),
		Fields:    fields,
		Timestamp: sc.now().UTC().Format(time.RFC3339),
	}
}

func stateColor(s session.State) int {
	switch s {
	case session.StateConnected:
		return embedColorGreen
	case session.StateConnecting, session.StateGhost, session.StateReconnecting:
		return embedColorYellow
	default:
		return embedColorRed
	}
}

// formatBackends lists each backend with its breaker state and win count.
func formatBackends(backends []synth.Backend, wins map[string]int64) string {
	if len(backends) == 0 {
		return ""
	}
	lines := make([]string, 0, len(backends))
	for _, b := range backends {
		state := "closed"
		if b.Breaker != nil {
			state = b.Breaker.State().String()
		}
		lines = append(lines, fmt.Sprintf("%s: %s, %d wins", b.Name, state, wins[b.Name]))
	}
	slices.Sort(lines)
	return "```\n" + strings.Join(lines, "\n") + "\n```"
}

// formatMs formats a duration as milliseconds with one decimal place.
func formatMs(d time.Duration) string {
	return fmt.Sprintf("%.1fms", float64(d)/float64(time.Millisecond))
}
