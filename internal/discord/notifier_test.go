package discord

import (
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/perkola/aulos/internal/event"
)

type postedMessage struct {
	channelID string
	content   string
}

type fakePoster struct {
	posts chan postedMessage
}

func newFakePoster() *fakePoster {
	return &fakePoster{posts: make(chan postedMessage, 16)}
}

func (f *fakePoster) ChannelMessageSend(channelID, content string, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	f.posts <- postedMessage{channelID: channelID, content: content}
	return &discordgo.Message{}, nil
}

func waitPost(t *testing.T, f *fakePoster) postedMessage {
	t.Helper()
	select {
	case p := <-f.posts:
		return p
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for a posted message")
		return postedMessage{}
	}
}

func TestNewNotifierValidation(t *testing.T) {
	t.Parallel()

	if _, err := NewNotifier(NotifierConfig{Poster: newFakePoster()}); err == nil {
		t.Error("expected error without a bus")
	}
	if _, err := NewNotifier(NotifierConfig{Bus: event.NewBus(event.BusConfig{})}); err == nil {
		t.Error("expected error without a poster")
	}
}

func TestNotifierPostsToBoundChannel(t *testing.T) {
	t.Parallel()

	bus := event.NewBus(event.BusConfig{Logger: slog.Default()})
	defer bus.Close()
	poster := newFakePoster()

	n, err := NewNotifier(NotifierConfig{Bus: bus, Poster: poster, Logger: slog.Default()})
	if err != nil {
		t.Fatalf("NewNotifier: %v", err)
	}
	defer n.Close()

	n.BindChannel("g1", "chan-1")
	bus.Publish(event.Event{
		Type:    event.PlaybackStarted,
		GuildID: "g1",
		Payload: event.TrackPayload{Name: "airhorn", Filter: "bass", RequestedBy: "max"},
	})

	post := waitPost(t, poster)
	if post.channelID != "chan-1" {
		t.Errorf("posted to %q, want chan-1", post.channelID)
	}
	want := "🔊 Now playing **airhorn** (bass filter), requested by max"
	if post.content != want {
		t.Errorf("content = %q, want %q", post.content, want)
	}
}

func TestNotifierSkipsUnboundGuild(t *testing.T) {
	t.Parallel()

	bus := event.NewBus(event.BusConfig{Logger: slog.Default()})
	defer bus.Close()
	poster := newFakePoster()

	n, err := NewNotifier(NotifierConfig{Bus: bus, Poster: poster, Logger: slog.Default()})
	if err != nil {
		t.Fatalf("NewNotifier: %v", err)
	}
	defer n.Close()

	n.BindChannel("g1", "chan-1")

	// The unbound guild's event is processed first; if it produced a post it
	// would arrive before g1's.
	bus.Publish(event.Event{
		Type:    event.PlaybackStarted,
		GuildID: "g-unbound",
		Payload: event.TrackPayload{Name: "quack"},
	})
	bus.Publish(event.Event{
		Type:    event.PlaybackStarted,
		GuildID: "g1",
		Payload: event.TrackPayload{Name: "airhorn"},
	})

	post := waitPost(t, poster)
	if post.channelID != "chan-1" || !strings.Contains(post.content, "airhorn") {
		t.Errorf("unexpected post %+v, want the bound guild's announcement", post)
	}
}

func TestNotifierFailureHidesReason(t *testing.T) {
	t.Parallel()

	bus := event.NewBus(event.BusConfig{Logger: slog.Default()})
	defer bus.Close()
	poster := newFakePoster()

	n, err := NewNotifier(NotifierConfig{Bus: bus, Poster: poster, Logger: slog.Default()})
	if err != nil {
		t.Fatalf("NewNotifier: %v", err)
	}
	defer n.Close()

	n.BindChannel("g1", "chan-1")
	bus.Publish(event.Event{
		Type:    event.PlaybackFailed,
		GuildID: "g1",
		Payload: event.FailurePayload{Name: "airhorn", Reason: "opus encoder exploded"},
	})

	post := waitPost(t, poster)
	if !strings.Contains(post.content, "airhorn") {
		t.Errorf("content = %q, want the track name", post.content)
	}
	if strings.Contains(post.content, "opus encoder exploded") {
		t.Errorf("content = %q leaks the internal failure reason", post.content)
	}
}

func TestNotifierClose(t *testing.T) {
	t.Parallel()

	bus := event.NewBus(event.BusConfig{Logger: slog.Default()})
	defer bus.Close()

	n, err := NewNotifier(NotifierConfig{Bus: bus, Poster: newFakePoster(), Logger: slog.Default()})
	if err != nil {
		t.Fatalf("NewNotifier: %v", err)
	}

	n.Close()
	n.Close() // safe to call twice

	// Publishing after close must not panic; the subscription is gone.
	bus.Publish(event.Event{Type: event.PlaybackStarted, GuildID: "g1"})
}

func TestMessageFor(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		ev   event.Event
		want string
	}{
		{
			name: "started with filter and requester",
			ev: event.Event{
				Type:    event.PlaybackStarted,
				Payload: event.TrackPayload{Name: "airhorn", Filter: "nightcore", RequestedBy: "max"},
			},
			want: "🔊 Now playing **airhorn** (nightcore filter), requested by max",
		},
		{
			name: "started bare",
			ev: event.Event{
				Type:    event.PlaybackStarted,
				Payload: event.TrackPayload{Name: "quack"},
			},
			want: "🔊 Now playing **quack**",
		},
		{
			name: "failed with name",
			ev: event.Event{
				Type:    event.PlaybackFailed,
				Payload: event.FailurePayload{Name: "quack", Reason: "io timeout"},
			},
			want: "⚠️ Could not play **quack**",
		},
		{
			name: "failed without name",
			ev: event.Event{
				Type:    event.PlaybackFailed,
				Payload: event.FailurePayload{Reason: "io timeout"},
			},
			want: "⚠️ Could not play that sound",
		},
		{
			name: "fatal disconnect",
			ev: event.Event{
				Type:    event.AudioDisconnected,
				Payload: event.DisconnectPayload{Reason: "retries exhausted", Fatal: true},
			},
			want: "🔌 Lost the voice connection and gave up reconnecting",
		},
		{
			name: "graceful disconnect is silent",
			ev: event.Event{
				Type:    event.AudioDisconnected,
				Payload: event.DisconnectPayload{Reason: "requested"},
			},
			want: "",
		},
		{
			name: "progress is silent",
			ev: event.Event{
				Type:    event.PlaybackProgress,
				Payload: event.ProgressPayload{Name: "airhorn", ElapsedSeconds: 3},
			},
			want: "",
		},
		{
			name: "queue updates are silent",
			ev: event.Event{
				Type:    event.QueueUpdated,
				Payload: event.QueuePayload{Length: 2, Pending: []string{"a", "b"}},
			},
			want: "",
		},
		{
			name: "finished is silent",
			ev: event.Event{
				Type:    event.PlaybackFinished,
				Payload: event.TrackPayload{Name: "airhorn"},
			},
			want: "",
		},
		{
			name: "connected is silent",
			ev:   event.Event{Type: event.AudioConnected},
			want: "",
		},
		{
			name: "started with wrong payload type",
			ev: event.Event{
				Type:    event.PlaybackStarted,
				Payload: "not a track payload",
			},
			want: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := messageFor(tt.ev); got != tt.want {
				t.Errorf("messageFor() = %q, want %q", got, tt.want)
			}
		})
	}
}
