// Package app wires the relay together: it turns chat messages and voice
// presence changes into queued speech.
//
// The [Relay] owns no goroutines of its own. Each handler runs on the caller's
// goroutine and may block for the duration of a synthesis race; the Discord
// session dispatches events concurrently, so a slow message never delays the
// next one. Play order is still arrival order because every message reserves
// its queue slot before synthesis starts.
package app

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/yomiage/internal/clips"
	"github.com/MrWong99/yomiage/internal/observe"
	"github.com/MrWong99/yomiage/internal/playback"
	"github.com/MrWong99/yomiage/internal/profile"
	"github.com/MrWong99/yomiage/internal/session"
	"github.com/MrWong99/yomiage/internal/textnorm"
	"github.com/MrWong99/yomiage/pkg/audio"
)

// Errors returned by the command operations.
var (
	ErrAlreadyConnected = errors.New("app: already connected")
	ErrNotConnected     = errors.New("app: not connected")
	ErrWrongChannel     = errors.New("app: command must be used in the bot's channel")
	ErrNoVoiceChannel   = errors.New("app: caller is not in a voice channel")
)

// Members reports voice channel occupancy.
type Members interface {
	// HumanCount returns how many non-bot members are in channelID.
	HumanCount(guildID, channelID string) int
}

// Config holds the collaborators of a [Relay]. All fields are required.
type Config struct {
	Guard    *session.Guard
	Queues   *playback.Manager
	Synth    clips.Synthesizer
	Profiles *profile.Store
	Text     *textnorm.Normalizer
	Clips    *clips.Library
	Members  Members
}

// Relay handles messages, presence changes and voice commands.
type Relay struct {
	guard    *session.Guard
	queues   *playback.Manager
	synth    clips.Synthesizer
	profiles *profile.Store
	text     *textnorm.Normalizer
	clips    *clips.Library
	members  Members
}

// New validates cfg and creates a Relay.
func New(cfg Config) (*Relay, error) {
	var errs []error
	if cfg.Guard == nil {
		errs = append(errs, errors.New("guard is required"))
	}
	if cfg.Queues == nil {
		errs = append(errs, errors.New("queue manager is required"))
	}
	if cfg.Synth == nil {
		errs = append(errs, errors.New("synthesizer is required"))
	}
	if cfg.Profiles == nil {
		errs = append(errs, errors.New("profile store is required"))
	}
	if cfg.Text == nil {
		errs = append(errs, errors.New("text normalizer is required"))
	}
	if cfg.Clips == nil {
		errs = append(errs, errors.New("clip library is required"))
	}
	if cfg.Members == nil {
		errs = append(errs, errors.New("members is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	return &Relay{
		guard:    cfg.Guard,
		queues:   cfg.Queues,
		synth:    cfg.Synth,
		profiles: cfg.Profiles,
		text:     cfg.Text,
		clips:    cfg.Clips,
		members:  cfg.Members,
	}, nil
}

// Message is a chat message as seen by the relay.
type Message struct {
	GuildID    string
	ChannelID  string
	AuthorID   string
	AuthorName string
	AuthorBot  bool
	Content    string
	// Users and Roles map mentioned ids to display names.
	Users          map[string]string
	Roles          map[string]string
	HasAttachments bool
}

// HandleMessage speaks msg when it was posted in the text chat of the voice
// channel the bot is in. Messages elsewhere, from bots, or filtered by the
// text pipeline are ignored and return nil.
func (r *Relay) HandleMessage(ctx context.Context, msg Message) error {
	if msg.AuthorBot || msg.GuildID == "" {
		return nil
	}
	conn := r.guard.Connection(msg.GuildID)
	if conn == nil || conn.ChannelID() != msg.ChannelID {
		return nil
	}

	r.noteDisplayName(msg.AuthorID, msg.AuthorName)
	voice := r.profiles.Voice(msg.AuthorID, msg.AuthorName)

	res := r.text.Normalize(textnorm.Message{
		Content:        msg.Content,
		Users:          msg.Users,
		Roles:          msg.Roles,
		HasAttachments: msg.HasAttachments,
	})
	switch res.Kind {
	case textnorm.KindSkip:
		slog.Debug("message not spoken", "guild_id", msg.GuildID, "reason", res.Reason)
		return nil
	case textnorm.KindURL:
		return r.playClip(msg.GuildID, clips.URL)
	case textnorm.KindAttachment:
		return r.playClip(msg.GuildID, clips.Attachment)
	}

	ctx, span := observe.StartSpan(observe.WithGuild(ctx, msg.GuildID), "relay.message",
		trace.WithAttributes(attribute.Int("voice_id", voice.ID)),
	)
	defer span.End()

	slot := r.queues.Reserve(msg.GuildID, "message-"+uuid.NewString())
	result, err := r.synth.Synthesize(ctx, res.Text, voice)
	if err != nil {
		slot.Drop()
		observe.FailSpan(span, err, "synthesis failed")
		return fmt.Errorf("app: speak message: %w", err)
	}
	return r.fill(msg.GuildID, slot, result.WAV)
}

// fill decodes wav into the reserved slot, or drops the slot when the audio
// cannot be opened.
func (r *Relay) fill(guildID string, slot *playback.Slot, wav []byte) error {
	src, err := audio.OpenWAVBytes(wav, audio.TransportFormat)
	if err != nil {
		slot.Drop()
		return fmt.Errorf("app: open audio: %w", err)
	}
	slot.Fill(r.guard.Connection(guildID), playback.Item{Frames: src, Label: slot.Label()})
	return nil
}

// playClip queues the fixed clip name on the guild's current connection. A
// clip missing from disk is skipped.
func (r *Relay) playClip(guildID, name string) error {
	wav, err := r.clips.Load(name)
	if errors.Is(err, fs.ErrNotExist) {
		slog.Debug("clip not installed, skipping", "guild_id", guildID, "clip", name)
		return nil
	}
	if err != nil {
		return fmt.Errorf("app: play clip: %w", err)
	}
	src, err := audio.OpenWAVBytes(wav, audio.TransportFormat)
	if err != nil {
		return fmt.Errorf("app: play clip %s: %w", name, err)
	}
	r.queues.Enqueue(guildID, r.guard.Connection(guildID), playback.Item{Frames: src, Label: name})
	return nil
}

// announce queues a join or leave notification for the user.
func (r *Relay) announce(ctx context.Context, guildID string, ev clips.Event, userID, name string) error {
	slot := r.queues.Reserve(guildID, fmt.Sprintf("%s-%s", ev, userID))
	wav, err := r.clips.Notification(ctx, ev, guildID, userID, name)
	if err != nil {
		slot.Drop()
		return fmt.Errorf("app: announce: %w", err)
	}
	return r.fill(guildID, slot, wav)
}

// noteDisplayName records a changed display name and drops the user's stale
// notification clips.
func (r *Relay) noteDisplayName(userID, name string) {
	if !r.profiles.UpdateDisplayName(userID, name) {
		return
	}
	if err := r.clips.Invalidate(userID); err != nil {
		slog.Warn("failed to invalidate notification clips", "user_id", userID, "err", err)
	}
}
