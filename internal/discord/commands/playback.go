// Package commands implements the bot's slash commands on top of the
// playback pipeline and the track store.
package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/perkola/aulos/internal/discord"
	"github.com/perkola/aulos/internal/pipeline"
	"github.com/perkola/aulos/internal/store"
	"github.com/perkola/aulos/internal/transcode"
)

const (
	// playTimeout bounds one play request end to end, including a cold
	// voice handshake.
	playTimeout = 15 * time.Second

	// lookupTimeout bounds store reads made from interaction handlers.
	// Autocomplete in particular has to answer within Discord's three
	// second interaction window.
	lookupTimeout = 2500 * time.Millisecond

	// maxSoundsListed caps the /sounds embed before it truncates.
	maxSoundsListed = 25

	embedColor = 0x5865F2
)

// dmDenied disables command use in DMs; every command here needs a guild.
var dmDenied = false

// PlaybackCommands handles the /play, /stop, /skip, /queue, and /sounds
// slash commands.
type PlaybackCommands struct {
	perms    *discord.PermissionChecker
	engine   *pipeline.Engine
	store    *store.Store
	notifier *discord.Notifier
}

// NewPlaybackCommands creates a PlaybackCommands handler.
func NewPlaybackCommands(perms *discord.PermissionChecker, engine *pipeline.Engine, st *store.Store, notifier *discord.Notifier) *PlaybackCommands {
	return &PlaybackCommands{
		perms:    perms,
		engine:   engine,
		store:    st,
		notifier: notifier,
	}
}

// Register registers the playback commands with the router.
func (pc *PlaybackCommands) Register(router *discord.CommandRouter) {
	router.RegisterCommand("play", pc.playDefinition(), pc.handlePlay)
	router.RegisterAutocomplete("play", pc.handleAutocomplete)
	router.RegisterCommand("stop", pc.stopDefinition(), pc.handleStop)
	router.RegisterCommand("skip", pc.skipDefinition(), pc.handleSkip)
	router.RegisterCommand("queue", pc.queueDefinition(), pc.handleQueue)
	router.RegisterCommand("sounds", pc.soundsDefinition(), pc.handleSounds)
}

func (pc *PlaybackCommands) playDefinition() *discordgo.ApplicationCommand {
	filterChoices := make([]*discordgo.ApplicationCommandOptionChoice, 0, len(transcode.Filters()))
	for _, name := range transcode.Filters() {
		filterChoices = append(filterChoices, &discordgo.ApplicationCommandOptionChoice{Name: name, Value: name})
	}

	return &discordgo.ApplicationCommand{
		Name:         "play",
		Description:  "Play a sound in your voice channel",
		DMPermission: &dmDenied,
		Options: []*discordgo.ApplicationCommandOption{
			{
				Name:         "name",
				Description:  "Sound name",
				Type:         discordgo.ApplicationCommandOptionString,
				Required:     true,
				Autocomplete: true,
			},
			{
				Name:        "filter",
				Description: "Playback filter",
				Type:        discordgo.ApplicationCommandOptionString,
				Choices:     filterChoices,
			},
			{
				Name:        "mode",
				Description: "Queue behind the current sound or replace it",
				Type:        discordgo.ApplicationCommandOptionString,
				Choices: []*discordgo.ApplicationCommandOptionChoice{
					{Name: "queue", Value: pipeline.ModeQueue.String()},
					{Name: "replace", Value: pipeline.ModeReplace.String()},
				},
			},
		},
	}
}

func (pc *PlaybackCommands) stopDefinition() *discordgo.ApplicationCommand {
	return &discordgo.ApplicationCommand{
		Name:         "stop",
		Description:  "Stop playback and clear the queue",
		DMPermission: &dmDenied,
	}
}

func (pc *PlaybackCommands) skipDefinition() *discordgo.ApplicationCommand {
	return &discordgo.ApplicationCommand{
		Name:         "skip",
		Description:  "Skip the current sound",
		DMPermission: &dmDenied,
	}
}

func (pc *PlaybackCommands) queueDefinition() *discordgo.ApplicationCommand {
	return &discordgo.ApplicationCommand{
		Name:         "queue",
		Description:  "Show the current queue",
		DMPermission: &dmDenied,
	}
}

func (pc *PlaybackCommands) soundsDefinition() *discordgo.ApplicationCommand {
	return &discordgo.ApplicationCommand{
		Name:         "sounds",
		Description:  "List this server's sounds",
		DMPermission: &dmDenied,
	}
}

// handlePlay handles /play <name> [filter] [mode].
func (pc *PlaybackCommands) handlePlay(s *discordgo.Session, i *discordgo.InteractionCreate) {
	name := stringOption(i, "name")
	filter := stringOption(i, "filter")
	mode := pipeline.ModeQueue
	if stringOption(i, "mode") == pipeline.ModeReplace.String() {
		mode = pipeline.ModeReplace
	}

	// A cold start joins the voice channel first, which can take several
	// seconds. Defer so the interaction survives past Discord's window.
	discord.DeferReply(s, i)

	channelID := requesterVoiceChannel(s, i)
	if channelID == "" && !pc.hasLiveSession(i.GuildID) {
		discord.FollowUp(s, i, "Join a voice channel first.")
		return
	}

	requestedBy := ""
	if i.Member != nil && i.Member.User != nil {
		requestedBy = i.Member.User.Username
	}

	ctx, cancel := context.WithTimeout(context.Background(), playTimeout)
	defer cancel()

	outcome, err := pc.engine.Play(ctx, pipeline.PlayRequest{
		GuildID:     i.GuildID,
		ChannelID:   channelID,
		TrackName:   name,
		Filter:      filter,
		RequestedBy: requestedBy,
		Mode:        mode,
	})
	if err != nil {
		pc.replyPlayError(s, i, name, err)
		return
	}

	// Announcements for this guild go to the channel the command came from.
	pc.notifier.BindChannel(i.GuildID, i.ChannelID)

	if outcome.Queued {
		discord.FollowUp(s, i, fmt.Sprintf("Queued **%s** at position %d.", outcome.Track.Name, outcome.Position))
		return
	}
	discord.FollowUp(s, i, fmt.Sprintf("Playing **%s**.", outcome.Track.Name))
}

func (pc *PlaybackCommands) replyPlayError(s *discordgo.Session, i *discordgo.InteractionCreate, name string, err error) {
	if errors.Is(err, store.ErrNotFound) {
		msg := fmt.Sprintf("No sound named **%s**.", name)
		if hint := pc.didYouMean(i.GuildID, name); hint != "" {
			msg += fmt.Sprintf(" Did you mean **%s**?", hint)
		}
		discord.FollowUp(s, i, msg)
		return
	}

	slog.Warn("play failed", "guild_id", i.GuildID, "track", name, "err", err)
	discord.FollowUp(s, i, userMessage(err))
}

// didYouMean suggests the closest existing track name, or "".
func (pc *PlaybackCommands) didYouMean(guildID, input string) string {
	ctx, cancel := context.WithTimeout(context.Background(), lookupTimeout)
	defer cancel()

	tracks, err := pc.store.ListTracks(ctx, guildID)
	if err != nil {
		return ""
	}
	return closest(input, trackNames(tracks))
}

// handleStop handles /stop.
func (pc *PlaybackCommands) handleStop(s *discordgo.Session, i *discordgo.InteractionCreate) {
	if !pc.perms.CanManage(i) {
		discord.RespondEphemeral(s, i, "You need the Manage Server permission to stop playback.")
		return
	}

	if pc.engine.Stop(i.GuildID) {
		discord.RespondEphemeral(s, i, "Stopped playback and cleared the queue.")
		return
	}
	discord.RespondEphemeral(s, i, "Nothing is playing.")
}

// handleSkip handles /skip.
func (pc *PlaybackCommands) handleSkip(s *discordgo.Session, i *discordgo.InteractionCreate) {
	if pc.engine.Skip(i.GuildID) {
		discord.RespondEphemeral(s, i, "Skipped.")
		return
	}
	discord.RespondEphemeral(s, i, "Nothing is playing.")
}

// handleQueue handles /queue.
func (pc *PlaybackCommands) handleQueue(s *discordgo.Session, i *discordgo.InteractionCreate) {
	var active *pipeline.SessionInfo
	for _, info := range pc.engine.ActiveSessions() {
		if info.GuildID == i.GuildID {
			active = &info
			break
		}
	}

	pending := pc.engine.QueueSnapshot(i.GuildID)
	if active == nil && len(pending) == 0 {
		discord.RespondEphemeral(s, i, "Nothing is playing.")
		return
	}
	discord.RespondEmbed(s, i, queueEmbed(active, pending))
}

// handleSounds handles /sounds.
func (pc *PlaybackCommands) handleSounds(s *discordgo.Session, i *discordgo.InteractionCreate) {
	ctx, cancel := context.WithTimeout(context.Background(), lookupTimeout)
	defer cancel()

	tracks, err := pc.store.ListTracks(ctx, i.GuildID)
	if err != nil {
		slog.Warn("sound list failed", "guild_id", i.GuildID, "err", err)
		discord.RespondEphemeral(s, i, "Something went wrong. Try again.")
		return
	}
	if len(tracks) == 0 {
		discord.RespondEphemeral(s, i, "No sounds uploaded yet.")
		return
	}
	discord.RespondEmbed(s, i, soundsEmbed(tracks))
}

// handleAutocomplete suggests track names for the /play name option.
func (pc *PlaybackCommands) handleAutocomplete(s *discordgo.Session, i *discordgo.InteractionCreate) {
	partial := ""
	for _, opt := range i.ApplicationCommandData().Options {
		if opt.Focused {
			partial = opt.StringValue()
			break
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), lookupTimeout)
	defer cancel()

	tracks, err := pc.store.ListTracks(ctx, i.GuildID)
	if err != nil {
		discord.RespondChoices(s, i, nil)
		return
	}

	// Discord limits autocomplete to 25 choices.
	var choices []*discordgo.ApplicationCommandOptionChoice
	for _, name := range rankNames(partial, trackNames(tracks), 25) {
		choices = append(choices, &discordgo.ApplicationCommandOptionChoice{Name: name, Value: name})
	}
	discord.RespondChoices(s, i, choices)
}

func (pc *PlaybackCommands) hasLiveSession(guildID string) bool {
	for _, info := range pc.engine.ActiveSessions() {
		if info.GuildID == guildID {
			return true
		}
	}
	return false
}

// requesterVoiceChannel returns the voice channel the interaction author is
// currently in, or "".
func requesterVoiceChannel(s *discordgo.Session, i *discordgo.InteractionCreate) string {
	if i.Member == nil || i.Member.User == nil {
		return ""
	}
	vs, err := s.State.VoiceState(i.GuildID, i.Member.User.ID)
	if err != nil {
		return ""
	}
	return vs.ChannelID
}

// queueEmbed renders the active track and the pending queue.
func queueEmbed(active *pipeline.SessionInfo, pending []pipeline.QueuedTrack) *discordgo.MessageEmbed {
	var lines []string
	if active != nil && active.Track != "" {
		lines = append(lines, fmt.Sprintf("▶️ **%s**", active.Track))
	}
	for n, item := range pending {
		line := fmt.Sprintf("%d. **%s**", n+1, item.Track.Name)
		if item.Filter != "" {
			line += fmt.Sprintf(" (%s)", item.Filter)
		}
		if item.RequestedBy != "" {
			line += fmt.Sprintf(" · %s", item.RequestedBy)
		}
		lines = append(lines, line)
	}
	if len(lines) == 0 {
		lines = append(lines, "The queue is empty.")
	}

	return &discordgo.MessageEmbed{
		Title:       "Queue",
		Description: strings.Join(lines, "\n"),
		Color:       embedColor,
	}
}

// soundsEmbed renders the track list, truncated past maxSoundsListed.
func soundsEmbed(tracks []store.Track) *discordgo.MessageEmbed {
	var lines []string
	for n, tr := range tracks {
		if n == maxSoundsListed {
			lines = append(lines, fmt.Sprintf("…and %d more", len(tracks)-maxSoundsListed))
			break
		}
		lines = append(lines, fmt.Sprintf("**%s** · %ds · played %d×", tr.Name, tr.DurationSeconds, tr.PlayCount))
	}

	return &discordgo.MessageEmbed{
		Title:       fmt.Sprintf("Sounds (%d)", len(tracks)),
		Description: strings.Join(lines, "\n"),
		Color:       embedColor,
	}
}

func trackNames(tracks []store.Track) []string {
	names := make([]string, 0, len(tracks))
	for _, tr := range tracks {
		names = append(names, tr.Name)
	}
	return names
}

// stringOption extracts a string option from a top-level command interaction.
func stringOption(i *discordgo.InteractionCreate, name string) string {
	for _, opt := range i.ApplicationCommandData().Options {
		if opt.Name == name {
			return opt.StringValue()
		}
	}
	return ""
}
