// Package discord provides the Discord bot layer of yomiage. It owns the
// discordgo.Session lifecycle, translates gateway events for the relay,
// routes slash command interactions to registered handlers, and checks the
// admin role.
package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/yomiage/pkg/audio"
	discordaudio "github.com/MrWong99/yomiage/pkg/audio/discord"
)

// ErrNotReady is returned by [Bot.Ready] while the gateway is not connected.
var ErrNotReady = errors.New("discord: gateway not ready")

// Config holds Discord bot configuration.
type Config struct {
	// Token is the bot token without the "Bot " prefix.
	Token string

	// ApplicationID owns the slash commands. Empty uses the bot user id.
	ApplicationID string

	// GuildID restricts command registration to one guild. Empty registers
	// global commands.
	GuildID string

	// AdminRoleID is the role allowed to run privileged commands.
	AdminRoleID string
}

// Bot owns the Discord gateway connection and routes interactions
// to registered command handlers.
type Bot struct {
	mu        sync.Mutex
	session   *discordgo.Session
	platform  *discordaudio.Platform
	router    *CommandRouter
	perms     *PermissionChecker
	members   *Members
	appID     string
	guildID   string
	commands  []*discordgo.ApplicationCommand
	ready     atomic.Bool
	closeOnce sync.Once
}

// New creates a Bot. The gateway connection is opened by [Bot.Open], after
// handlers and commands have been registered.
func New(cfg Config) (*Bot, error) {
	if cfg.Token == "" {
		return nil, errors.New("discord: token is required")
	}
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("discord: create session: %w", err)
	}

	session.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsGuildVoiceStates |
		discordgo.IntentsGuildMembers |
		discordgo.IntentsMessageContent

	b := &Bot{
		session:  session,
		platform: discordaudio.New(session),
		router:   NewCommandRouter(),
		perms:    NewPermissionChecker(cfg.AdminRoleID),
		members:  NewMembers(session.State),
		appID:    cfg.ApplicationID,
		guildID:  cfg.GuildID,
	}

	session.AddHandler(func(s *discordgo.Session, i *discordgo.InteractionCreate) {
		b.router.Handle(s, i)
	})
	session.AddHandler(func(_ *discordgo.Session, r *discordgo.Ready) {
		b.ready.Store(true)
		slog.Info("discord gateway ready", "user", r.User.Username, "guilds", len(r.Guilds))
	})
	session.AddHandler(func(_ *discordgo.Session, _ *discordgo.Resumed) {
		b.ready.Store(true)
		slog.Info("discord gateway resumed")
	})
	session.AddHandler(func(_ *discordgo.Session, _ *discordgo.Disconnect) {
		b.ready.Store(false)
		slog.Warn("discord gateway disconnected")
	})

	return b, nil
}

// Platform returns the audio.Platform for voice channel connections.
func (b *Bot) Platform() audio.Platform {
	return b.platform
}

// Members returns the voice occupancy view of the gateway state.
func (b *Bot) Members() *Members {
	return b.members
}

// Router returns the command router for registering handlers.
func (b *Bot) Router() *CommandRouter {
	return b.router
}

// Permissions returns the permission checker.
func (b *Bot) Permissions() *PermissionChecker {
	return b.perms
}

// Ready reports whether the gateway connection is up. It has the signature
// of a readiness check.
func (b *Bot) Ready(context.Context) error {
	if !b.ready.Load() {
		return ErrNotReady
	}
	return nil
}

// Open connects to the gateway and registers the router's slash commands.
func (b *Bot) Open(ctx context.Context) error {
	if err := b.session.Open(); err != nil {
		return fmt.Errorf("discord: open session: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	appID := b.appID
	if appID == "" {
		appID = b.selfID()
	}

	cmds := b.router.ApplicationCommands()
	if len(cmds) == 0 {
		return nil
	}
	registered, err := b.session.ApplicationCommandBulkOverwrite(appID, b.guildID, cmds, discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("discord: register commands: %w", err)
	}

	b.mu.Lock()
	b.appID = appID
	b.commands = registered
	b.mu.Unlock()
	slog.Info("discord commands registered", "count", len(registered), "guild_id", b.guildID)
	return nil
}

// Close disconnects from Discord. Guild-scoped commands are unregistered;
// global commands stay, since they take up to an hour to propagate.
func (b *Bot) Close() error {
	var closeErr error
	b.closeOnce.Do(func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		if b.guildID != "" {
			for _, cmd := range b.commands {
				if err := b.session.ApplicationCommandDelete(b.appID, b.guildID, cmd.ID); err != nil {
					slog.Warn("discord: failed to delete command", "name", cmd.Name, "err", err)
				}
			}
		}

		b.ready.Store(false)
		if err := b.session.Close(); err != nil {
			closeErr = fmt.Errorf("discord: close session: %w", err)
		}
		slog.Info("discord bot closed")
	})
	return closeErr
}

func (b *Bot) selfID() string {
	st := b.session.State
	st.RLock()
	defer st.RUnlock()
	if st.User == nil {
		return ""
	}
	return st.User.ID
}
