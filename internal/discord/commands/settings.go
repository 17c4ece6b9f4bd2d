package commands

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/bwmarrin/discordgo"

	"github.com/perkola/aulos/internal/discord"
	"github.com/perkola/aulos/internal/store"
)

// SettingsCommands handles the /settings slash command group.
type SettingsCommands struct {
	perms *discord.PermissionChecker
	store *store.Store
}

// NewSettingsCommands creates a SettingsCommands handler.
func NewSettingsCommands(perms *discord.PermissionChecker, st *store.Store) *SettingsCommands {
	return &SettingsCommands{
		perms: perms,
		store: st,
	}
}

// Register registers the /settings subcommands with the router.
func (sc *SettingsCommands) Register(router *discord.CommandRouter) {
	def := sc.Definition()
	router.RegisterCommand("settings", def, func(s *discordgo.Session, i *discordgo.InteractionCreate) {
		discord.RespondEphemeral(s, i, "Please use a subcommand: `/settings view` or `/settings set`.")
	})
	router.RegisterHandler("settings/view", sc.handleView)
	router.RegisterHandler("settings/set", sc.handleSet)
}

// Definition returns the /settings ApplicationCommand for Discord registration.
func (sc *SettingsCommands) Definition() *discordgo.ApplicationCommand {
	return &discordgo.ApplicationCommand{
		Name:         "settings",
		Description:  "View or change this server's audio settings",
		DMPermission: &dmDenied,
		Options: []*discordgo.ApplicationCommandOption{
			{
				Name:        "view",
				Description: "Show the current audio settings",
				Type:        discordgo.ApplicationCommandOptionSubCommand,
			},
			{
				Name:        "set",
				Description: "Change audio settings",
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Options: []*discordgo.ApplicationCommandOption{
					{
						Name:        "audio_enabled",
						Description: "Allow sound playback",
						Type:        discordgo.ApplicationCommandOptionBoolean,
					},
					{
						Name:        "queue_enabled",
						Description: "Queue sounds instead of rejecting while busy",
						Type:        discordgo.ApplicationCommandOptionBoolean,
					},
					{
						Name:        "silent_playback",
						Description: "Suppress playback announcements",
						Type:        discordgo.ApplicationCommandOptionBoolean,
					},
					{
						Name:        "auto_leave_minutes",
						Description: "Minutes of inactivity before the bot leaves, 0 to disable",
						Type:        discordgo.ApplicationCommandOptionInteger,
					},
					{
						Name:        "max_duration_seconds",
						Description: "Longest playable sound, 0 for unlimited",
						Type:        discordgo.ApplicationCommandOptionInteger,
					},
					{
						Name:        "max_file_size_mb",
						Description: "Largest playable file in MiB, 0 for unlimited",
						Type:        discordgo.ApplicationCommandOptionInteger,
					},
					{
						Name:        "max_queue_length",
						Description: "Most sounds the queue holds, 0 for unlimited",
						Type:        discordgo.ApplicationCommandOptionInteger,
					},
				},
			},
		},
	}
}

// handleView handles /settings view.
func (sc *SettingsCommands) handleView(s *discordgo.Session, i *discordgo.InteractionCreate) {
	ctx, cancel := context.WithTimeout(context.Background(), lookupTimeout)
	defer cancel()

	settings, err := sc.store.Settings(ctx, i.GuildID)
	if err != nil {
		slog.Warn("settings lookup failed", "guild_id", i.GuildID, "err", err)
		discord.RespondEphemeral(s, i, "Something went wrong. Try again.")
		return
	}
	discord.RespondEmbed(s, i, settingsEmbed(settings))
}

// handleSet handles /settings set with any combination of options.
func (sc *SettingsCommands) handleSet(s *discordgo.Session, i *discordgo.InteractionCreate) {
	if !sc.perms.CanManage(i) {
		discord.RespondEphemeral(s, i, "You need the Manage Server permission to change settings.")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), lookupTimeout)
	defer cancel()

	settings, err := sc.store.Settings(ctx, i.GuildID)
	if err != nil {
		slog.Warn("settings lookup failed", "guild_id", i.GuildID, "err", err)
		discord.RespondEphemeral(s, i, "Something went wrong. Try again.")
		return
	}

	changed, err := applySettingsOptions(&settings, i)
	if err != nil {
		discord.RespondEphemeral(s, i, err.Error())
		return
	}
	if !changed {
		discord.RespondEphemeral(s, i, "Nothing to update.")
		return
	}

	if err := sc.store.UpdateSettings(ctx, settings); err != nil {
		slog.Warn("settings update failed", "guild_id", i.GuildID, "err", err)
		discord.RespondEphemeral(s, i, "Something went wrong. Try again.")
		return
	}
	discord.RespondEmbed(s, i, settingsEmbed(settings))
}

// applySettingsOptions folds the provided subcommand options into settings.
// Reports whether anything actually changed. Options the user left out are
// untouched.
func applySettingsOptions(settings *store.Settings, i *discordgo.InteractionCreate) (bool, error) {
	data := i.ApplicationCommandData()
	if len(data.Options) == 0 || data.Options[0].Type != discordgo.ApplicationCommandOptionSubCommand {
		return false, nil
	}

	changed := false
	for _, opt := range data.Options[0].Options {
		switch opt.Name {
		case "audio_enabled":
			settings.AudioEnabled = opt.BoolValue()
		case "queue_enabled":
			settings.QueueEnabled = opt.BoolValue()
		case "silent_playback":
			settings.SilentPlayback = opt.BoolValue()
		case "auto_leave_minutes":
			v := opt.IntValue()
			if v < 0 {
				return false, fmt.Errorf("auto_leave_minutes must not be negative")
			}
			settings.AutoLeaveTimeoutMinutes = int(v)
		case "max_duration_seconds":
			v := opt.IntValue()
			if v < 0 {
				return false, fmt.Errorf("max_duration_seconds must not be negative")
			}
			settings.MaxDurationSeconds = int(v)
		case "max_file_size_mb":
			v := opt.IntValue()
			if v < 0 {
				return false, fmt.Errorf("max_file_size_mb must not be negative")
			}
			settings.MaxFileSizeBytes = v * 1024 * 1024
		case "max_queue_length":
			v := opt.IntValue()
			if v < 0 {
				return false, fmt.Errorf("max_queue_length must not be negative")
			}
			settings.MaxQueueLength = int(v)
		default:
			continue
		}
		changed = true
	}
	return changed, nil
}

// settingsEmbed renders the guild's settings in human terms.
func settingsEmbed(st store.Settings) *discordgo.MessageEmbed {
	return &discordgo.MessageEmbed{
		Title: "Audio Settings",
		Color: embedColor,
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Audio", Value: onOff(st.AudioEnabled), Inline: true},
			{Name: "Queueing", Value: onOff(st.QueueEnabled), Inline: true},
			{Name: "Silent playback", Value: onOff(st.SilentPlayback), Inline: true},
			{Name: "Auto-leave", Value: minutesOrOff(st.AutoLeaveTimeoutMinutes), Inline: true},
			{Name: "Max duration", Value: secondsOrUnlimited(st.MaxDurationSeconds), Inline: true},
			{Name: "Max file size", Value: sizeOrUnlimited(st.MaxFileSizeBytes), Inline: true},
			{Name: "Max queue length", Value: countOrUnlimited(st.MaxQueueLength), Inline: true},
		},
	}
}

func onOff(v bool) string {
	if v {
		return "on"
	}
	return "off"
}

func minutesOrOff(v int) string {
	if v <= 0 {
		return "off"
	}
	return fmt.Sprintf("%d min", v)
}

func secondsOrUnlimited(v int) string {
	if v <= 0 {
		return "unlimited"
	}
	return fmt.Sprintf("%d s", v)
}

func sizeOrUnlimited(v int64) string {
	if v <= 0 {
		return "unlimited"
	}
	return fmt.Sprintf("%d MiB", v/(1024*1024))
}

func countOrUnlimited(v int) string {
	if v <= 0 {
		return "unlimited"
	}
	return strconv.Itoa(v)
}
