package discord

import (
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/bwmarrin/discordgo"
)

// HandlerFunc is the signature for slash command and autocomplete handlers.
type HandlerFunc func(s Responder, i *discordgo.InteractionCreate)

// commandEntry stores a command definition along with its handler.
type commandEntry struct {
	command *discordgo.ApplicationCommand
	handler HandlerFunc
}

// CommandRouter dispatches Discord interactions to registered handlers.
type CommandRouter struct {
	mu           sync.RWMutex
	commands     map[string]commandEntry // command name → entry
	autocomplete map[string]HandlerFunc  // command name → handler
}

// NewCommandRouter creates an empty router.
func NewCommandRouter() *CommandRouter {
	return &CommandRouter{
		commands:     make(map[string]commandEntry),
		autocomplete: make(map[string]HandlerFunc),
	}
}

// RegisterCommand registers a handler for the slash command cmd.
func (r *CommandRouter) RegisterCommand(cmd *discordgo.ApplicationCommand, handler HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands[cmd.Name] = commandEntry{command: cmd, handler: handler}
}

// RegisterAutocomplete registers an autocomplete handler for the command name.
func (r *CommandRouter) RegisterAutocomplete(name string, handler HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.autocomplete[name] = handler
}

// ApplicationCommands returns the command definitions sorted by name, for
// registration with the Discord API.
func (r *CommandRouter) ApplicationCommands() []*discordgo.ApplicationCommand {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cmds := make([]*discordgo.ApplicationCommand, 0, len(r.commands))
	for _, entry := range r.commands {
		cmds = append(cmds, entry.command)
	}
	slices.SortFunc(cmds, func(a, b *discordgo.ApplicationCommand) int {
		return strings.Compare(a.Name, b.Name)
	})
	return cmds
}

// Handle dispatches an interaction to the appropriate handler.
func (r *CommandRouter) Handle(s Responder, i *discordgo.InteractionCreate) {
	switch i.Type {
	case discordgo.InteractionApplicationCommand:
		r.handleApplicationCommand(s, i)
	case discordgo.InteractionApplicationCommandAutocomplete:
		r.handleAutocomplete(s, i)
	default:
		slog.Debug("discord: unhandled interaction type", "type", i.Type)
	}
}

func (r *CommandRouter) handleApplicationCommand(s Responder, i *discordgo.InteractionCreate) {
	name := i.ApplicationCommandData().Name

	r.mu.RLock()
	entry, ok := r.commands[name]
	r.mu.RUnlock()

	if !ok {
		slog.Warn("discord: unknown command", "name", name)
		RespondEphemeral(s, i, "不明なコマンドです。")
		return
	}
	entry.handler(s, i)
}

func (r *CommandRouter) handleAutocomplete(s Responder, i *discordgo.InteractionCreate) {
	name := i.ApplicationCommandData().Name

	r.mu.RLock()
	handler, ok := r.autocomplete[name]
	r.mu.RUnlock()

	if !ok {
		slog.Debug("discord: no autocomplete handler", "name", name)
		RespondChoices(s, i, nil)
		return
	}
	handler(s, i)
}
