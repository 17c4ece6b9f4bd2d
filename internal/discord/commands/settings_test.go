package commands

import (
	"testing"

	"github.com/bwmarrin/discordgo"

	"github.com/perkola/aulos/internal/discord"
	"github.com/perkola/aulos/internal/store"
)

func settingsSetInteraction(opts []*discordgo.ApplicationCommandInteractionDataOption) *discordgo.InteractionCreate {
	return &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{
			Type: discordgo.InteractionApplicationCommand,
			Data: discordgo.ApplicationCommandInteractionData{
				Name: "settings",
				Options: []*discordgo.ApplicationCommandInteractionDataOption{
					{
						Name:    "set",
						Type:    discordgo.ApplicationCommandOptionSubCommand,
						Options: opts,
					},
				},
			},
		},
	}
}

func TestSettingsDefinition(t *testing.T) {
	t.Parallel()

	sc := NewSettingsCommands(discord.NewPermissionChecker(false), nil)
	def := sc.Definition()

	if def.Name != "settings" {
		t.Errorf("Name = %q, want settings", def.Name)
	}
	if len(def.Options) != 2 {
		t.Fatalf("expected 2 subcommands, got %d", len(def.Options))
	}
	if def.Options[0].Name != "view" || def.Options[1].Name != "set" {
		t.Errorf("subcommands = %q, %q; want view, set", def.Options[0].Name, def.Options[1].Name)
	}
	if len(def.Options[1].Options) != 7 {
		t.Errorf("expected 7 options on settings set, got %d", len(def.Options[1].Options))
	}
}

func TestSettingsRegister(t *testing.T) {
	t.Parallel()

	sc := NewSettingsCommands(discord.NewPermissionChecker(false), nil)
	router := discord.NewCommandRouter()
	sc.Register(router)

	cmds := router.ApplicationCommands()
	if len(cmds) != 1 {
		t.Fatalf("expected 1 registered command, got %d", len(cmds))
	}
	if cmds[0].Name != "settings" {
		t.Errorf("command = %q, want settings", cmds[0].Name)
	}
}

func TestApplySettingsOptions(t *testing.T) {
	t.Parallel()

	settings := store.DefaultSettings("g1")
	i := settingsSetInteraction([]*discordgo.ApplicationCommandInteractionDataOption{
		{Name: "audio_enabled", Type: discordgo.ApplicationCommandOptionBoolean, Value: false},
		{Name: "max_file_size_mb", Type: discordgo.ApplicationCommandOptionInteger, Value: float64(8)},
		{Name: "auto_leave_minutes", Type: discordgo.ApplicationCommandOptionInteger, Value: float64(10)},
	})

	changed, err := applySettingsOptions(&settings, i)
	if err != nil {
		t.Fatalf("applySettingsOptions: %v", err)
	}
	if !changed {
		t.Fatal("expected changed = true")
	}
	if settings.AudioEnabled {
		t.Error("AudioEnabled = true, want false")
	}
	if settings.MaxFileSizeBytes != 8*1024*1024 {
		t.Errorf("MaxFileSizeBytes = %d, want %d", settings.MaxFileSizeBytes, 8*1024*1024)
	}
	if settings.AutoLeaveTimeoutMinutes != 10 {
		t.Errorf("AutoLeaveTimeoutMinutes = %d, want 10", settings.AutoLeaveTimeoutMinutes)
	}

	// Options the user left out keep their previous values.
	if !settings.QueueEnabled {
		t.Error("QueueEnabled flipped without being set")
	}
	if settings.MaxQueueLength != store.DefaultSettings("g1").MaxQueueLength {
		t.Errorf("MaxQueueLength = %d, want the default", settings.MaxQueueLength)
	}
}

func TestApplySettingsOptionsRejectsNegatives(t *testing.T) {
	t.Parallel()

	settings := store.DefaultSettings("g1")
	i := settingsSetInteraction([]*discordgo.ApplicationCommandInteractionDataOption{
		{Name: "max_queue_length", Type: discordgo.ApplicationCommandOptionInteger, Value: float64(-3)},
	})

	if _, err := applySettingsOptions(&settings, i); err == nil {
		t.Fatal("expected an error for a negative value")
	}
}

func TestApplySettingsOptionsNothingProvided(t *testing.T) {
	t.Parallel()

	settings := store.DefaultSettings("g1")
	changed, err := applySettingsOptions(&settings, settingsSetInteraction(nil))
	if err != nil {
		t.Fatalf("applySettingsOptions: %v", err)
	}
	if changed {
		t.Error("expected changed = false with no options")
	}
}

func TestSettingsEmbed(t *testing.T) {
	t.Parallel()

	embed := settingsEmbed(store.Settings{
		GuildID:                 "g1",
		AudioEnabled:            true,
		AutoLeaveTimeoutMinutes: 5,
		MaxFileSizeBytes:        8 * 1024 * 1024,
	})

	fields := make(map[string]string, len(embed.Fields))
	for _, f := range embed.Fields {
		fields[f.Name] = f.Value
	}

	if fields["Audio"] != "on" {
		t.Errorf("Audio = %q, want on", fields["Audio"])
	}
	if fields["Queueing"] != "off" {
		t.Errorf("Queueing = %q, want off", fields["Queueing"])
	}
	if fields["Auto-leave"] != "5 min" {
		t.Errorf("Auto-leave = %q, want 5 min", fields["Auto-leave"])
	}
	if fields["Max file size"] != "8 MiB" {
		t.Errorf("Max file size = %q, want 8 MiB", fields["Max file size"])
	}
	if fields["Max duration"] != "unlimited" {
		t.Errorf("Max duration = %q, want unlimited", fields["Max duration"])
	}
	if fields["Max queue length"] != "unlimited" {
		t.Errorf("Max queue length = %q, want unlimited", fields["Max queue length"])
	}
}
