// Package discord is the chat-platform adapter. It owns the discordgo
// session lifecycle, routes slash command interactions to registered
// handlers, bridges gateway voice events to the voice transport, and posts
// playback notifications to text channels.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bwmarrin/discordgo"
)

// Config holds Discord bot configuration.
type Config struct {
	// Token is the bot token, without the "Bot " prefix.
	Token string

	// GuildID scopes slash command registration to one guild, which makes
	// commands available immediately. Empty registers them globally.
	GuildID string

	// RequireManageServer gates /stop and /settings set behind the Manage
	// Server permission. Off, everyone may use them.
	RequireManageServer bool

	// Logger receives gateway lifecycle logs. Defaults to slog.Default().
	Logger *slog.Logger
}

// Bot owns the gateway connection and routes interactions to registered
// command handlers.
type Bot struct {
	log     *slog.Logger
	router  *CommandRouter
	bridge  *Bridge
	perms   *PermissionChecker
	guildID string

	mu        sync.RWMutex
	session   *discordgo.Session
	commands  []*discordgo.ApplicationCommand
	closeOnce sync.Once
}

// New creates a Bot, connects to the gateway, and registers the interaction
// and voice event handlers.
func New(cfg Config) (*Bot, error) {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("discord: create session: %w", err)
	}

	// GuildVoiceStates keeps channel occupancy and the bot's own voice
	// session in the state cache; Guilds populates the guild list itself.
	session.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildVoiceStates

	if err := session.Open(); err != nil {
		return nil, fmt.Errorf("discord: open session: %w", err)
	}

	bridge := newBridge(log, session.State, func(guildID, channelID string, selfMute, selfDeaf bool) error {
		return session.ChannelVoiceJoinManual(guildID, channelID, selfMute, selfDeaf)
	})

	b := &Bot{
		log:     log,
		session: session,
		router:  NewCommandRouter(),
		bridge:  bridge,
		perms:   NewPermissionChecker(cfg.RequireManageServer),
		guildID: cfg.GuildID,
	}

	session.AddHandler(func(s *discordgo.Session, i *discordgo.InteractionCreate) {
		b.router.Handle(s, i)
	})
	session.AddHandler(func(_ *discordgo.Session, e *discordgo.VoiceStateUpdate) {
		b.bridge.onVoiceStateUpdate(e)
	})
	session.AddHandler(func(_ *discordgo.Session, e *discordgo.VoiceServerUpdate) {
		b.bridge.onVoiceServerUpdate(e)
	})

	return b, nil
}

// Session returns the underlying discordgo session. Used by subsystems that
// need direct API access, like the notifier posting channel messages.
func (b *Bot) Session() *discordgo.Session {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.session
}

// Router returns the command router for registering handlers.
func (b *Bot) Router() *CommandRouter {
	return b.router
}

// Bridge returns the voice event bridge. It serves as the credentials
// provider for the voice transport and the occupancy source for the
// auto-leave monitor.
func (b *Bot) Bridge() *Bridge {
	return b.bridge
}

// Permissions returns the permission checker.
func (b *Bot) Permissions() *PermissionChecker {
	return b.perms
}

// Run registers slash commands with the Discord API and blocks until ctx is
// cancelled.
func (b *Bot) Run(ctx context.Context) error {
	b.mu.RLock()
	appID := b.session.State.User.ID
	b.mu.RUnlock()

	cmds := b.router.ApplicationCommands()
	if len(cmds) > 0 {
		registered, err := b.session.ApplicationCommandBulkOverwrite(appID, b.guildID, cmds)
		if err != nil {
			return fmt.Errorf("discord: register commands: %w", err)
		}
		b.mu.Lock()
		b.commands = registered
		b.mu.Unlock()
		b.log.Info("discord commands registered", "count", len(registered), "guild_id", b.guildID)
	}

	<-ctx.Done()
	return ctx.Err()
}

// Close unregisters commands and disconnects from the gateway.
func (b *Bot) Close() error {
	var closeErr error
	b.closeOnce.Do(func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		if b.session != nil && len(b.commands) > 0 {
			appID := b.session.State.User.ID
			for _, cmd := range b.commands {
				if err := b.session.ApplicationCommandDelete(appID, b.guildID, cmd.ID); err != nil {
					b.log.Warn("discord: failed to delete command", "name", cmd.Name, "err", err)
				}
			}
		}

		if b.session != nil {
			if err := b.session.Close(); err != nil {
				closeErr = fmt.Errorf("discord: close session: %w", err)
			}
		}

		b.log.Info("discord bot closed")
	})
	return closeErr
}
