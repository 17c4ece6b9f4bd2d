package event_test

import (
	"testing"
	"time"

	"github.com/perkola/aulos/internal/event"
)

func TestBus_PublishReachesAllSubscribers(t *testing.T) {
	t.Parallel()

	bus := event.NewBus(event.BusConfig{})
	defer bus.Close()

	ch1, cancel1 := bus.Subscribe()
	defer cancel1()
	ch2, cancel2 := bus.Subscribe()
	defer cancel2()

	bus.Publish(event.Event{Type: event.PlaybackStarted, GuildID: "g1"})

	for i, ch := range []<-chan event.Event{ch1, ch2} {
		select {
		case ev := <-ch:
			if ev.Type != event.PlaybackStarted || ev.GuildID != "g1" {
				t.Errorf("subscriber %d: got %+v", i, ev)
			}
			if ev.At.IsZero() {
				t.Errorf("subscriber %d: At not stamped", i)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d: no event", i)
		}
	}
}

func TestBus_SlowSubscriberDropsOldest(t *testing.T) {
	t.Parallel()

	bus := event.NewBus(event.BusConfig{Buffer: 2})
	defer bus.Close()

	ch, cancel := bus.Subscribe()
	defer cancel()

	bus.Publish(event.Event{Type: event.PlaybackStarted, GuildID: "1"})
	bus.Publish(event.Event{Type: event.PlaybackProgress, GuildID: "2"})
	bus.Publish(event.Event{Type: event.PlaybackFinished, GuildID: "3"})

	if got := bus.Dropped(); got != 1 {
		t.Errorf("Dropped() = %d, want 1", got)
	}

	// The oldest event was evicted; the two newest remain in order.
	first := <-ch
	second := <-ch
	if first.GuildID != "2" || second.GuildID != "3" {
		t.Errorf("got %q then %q, want 2 then 3", first.GuildID, second.GuildID)
	}
}

func TestBus_CancelStopsDelivery(t *testing.T) {
	t.Parallel()

	bus := event.NewBus(event.BusConfig{})
	defer bus.Close()

	ch, cancel := bus.Subscribe()
	cancel()
	cancel() // safe to call twice

	if _, ok := <-ch; ok {
		t.Error("channel should be closed after cancel")
	}

	// Publishing after cancel must not panic.
	bus.Publish(event.Event{Type: event.QueueUpdated, GuildID: "g"})
}

func TestBus_Close(t *testing.T) {
	t.Parallel()

	bus := event.NewBus(event.BusConfig{})
	ch, cancel := bus.Subscribe()
	defer cancel()

	bus.Close()
	bus.Close() // idempotent

	if _, ok := <-ch; ok {
		t.Error("channel should be closed after bus Close")
	}

	// Subscribe after Close returns a closed channel.
	late, lateCancel := bus.Subscribe()
	defer lateCancel()
	if _, ok := <-late; ok {
		t.Error("late subscription should be closed immediately")
	}

	// Publish after Close is a no-op.
	bus.Publish(event.Event{Type: event.PlaybackStarted})
}
