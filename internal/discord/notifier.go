package discord

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/bwmarrin/discordgo"

	"github.com/perkola/aulos/internal/event"
)

// ChannelPoster posts a message to a text channel. *discordgo.Session
// satisfies it.
type ChannelPoster interface {
	ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// NotifierConfig configures a [Notifier].
type NotifierConfig struct {
	// Bus is the pipeline event bus to consume. Required.
	Bus *event.Bus

	// Poster sends the announcement messages. Required.
	Poster ChannelPoster

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Notifier turns pipeline events into channel announcements. Each guild is
// bound to the text channel its last /play came from; events for unbound
// guilds are dropped. The pipeline already withholds start and finish events
// for guilds with silent playback enabled, so no settings check happens here.
type Notifier struct {
	log    *slog.Logger
	poster ChannelPoster
	events <-chan event.Event
	cancel func()

	mu       sync.Mutex
	channels map[string]string // guildID → text channel ID

	done     chan struct{}
	stopOnce sync.Once
}

// NewNotifier subscribes to the bus and starts the posting loop.
func NewNotifier(cfg NotifierConfig) (*Notifier, error) {
	if cfg.Bus == nil {
		return nil, fmt.Errorf("discord: notifier requires an event bus")
	}
	if cfg.Poster == nil {
		return nil, fmt.Errorf("discord: notifier requires a poster")
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	events, cancel := cfg.Bus.Subscribe()
	n := &Notifier{
		log:      log,
		poster:   cfg.Poster,
		events:   events,
		cancel:   cancel,
		channels: make(map[string]string),
		done:     make(chan struct{}),
	}
	go n.run()
	return n, nil
}

// BindChannel routes future announcements for a guild to the given text
// channel. Called by the /play handler so notifications land where the
// command was issued.
func (n *Notifier) BindChannel(guildID, channelID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.channels[guildID] = channelID
}

// Close cancels the bus subscription and waits for the loop to drain.
func (n *Notifier) Close() {
	n.stopOnce.Do(func() {
		n.cancel()
		<-n.done
	})
}

func (n *Notifier) run() {
	defer close(n.done)

	for ev := range n.events {
		msg := messageFor(ev)
		if msg == "" {
			continue
		}

		n.mu.Lock()
		channelID, ok := n.channels[ev.GuildID]
		n.mu.Unlock()
		if !ok {
			continue
		}

		if _, err := n.poster.ChannelMessageSend(channelID, msg); err != nil {
			n.log.Warn("failed to post announcement", "guild_id", ev.GuildID, "channel_id", channelID, "err", err)
		}
	}
}

// messageFor renders an event as announcement text. An empty string means
// the event type is not announced.
func messageFor(ev event.Event) string {
	switch ev.Type {
	case event.PlaybackStarted:
		p, ok := ev.Payload.(event.TrackPayload)
		if !ok {
			return ""
		}
		msg := fmt.Sprintf("🔊 Now playing **%s**", p.Name)
		if p.Filter != "" {
			msg += fmt.Sprintf(" (%s filter)", p.Filter)
		}
		if p.RequestedBy != "" {
			msg += fmt.Sprintf(", requested by %s", p.RequestedBy)
		}
		return msg

	case event.PlaybackFailed:
		p, ok := ev.Payload.(event.FailurePayload)
		if !ok || p.Name == "" {
			return "⚠️ Could not play that sound"
		}
		return fmt.Sprintf("⚠️ Could not play **%s**", p.Name)

	case event.AudioDisconnected:
		p, ok := ev.Payload.(event.DisconnectPayload)
		if ok && p.Fatal {
			return "🔌 Lost the voice connection and gave up reconnecting"
		}
		return ""

	default:
		return ""
	}
}
