package event

import (
	"log/slog"
	"sync"
	"time"
)

// defaultBuffer is the per-subscriber channel capacity.
const defaultBuffer = 64

// Bus fans events out to subscribers. Publishing never blocks: when a
// subscriber's buffer is full the oldest queued event is evicted to make room
// for the new one, so consumers always see the most recent state.
//
// Thread-safe for concurrent use.
type Bus struct {
	log    *slog.Logger
	buffer int

	mu      sync.Mutex
	subs    map[int]chan Event
	nextID  int
	dropped uint64
	closed  bool
}

// BusConfig holds dependencies for creating a [Bus].
type BusConfig struct {
	Logger *slog.Logger
	Buffer int // per-subscriber capacity. Default: 64.
}

// NewBus creates a Bus.
func NewBus(cfg BusConfig) *Bus {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	buffer := cfg.Buffer
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Bus{
		log:    log,
		buffer: buffer,
		subs:   make(map[int]chan Event),
	}
}

// Subscribe registers a new consumer. The cancel function removes the
// subscription and closes the channel; it is safe to call more than once.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.buffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}

	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if _, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(ch)
			}
		})
	}
	return ch, cancel
}

// Publish delivers ev to every subscriber. A zero At is stamped with the
// current time. No-op after Close.
func (b *Bus) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}

	for id, ch := range b.subs {
		select {
		case ch <- ev:
			continue
		default:
		}

		// Full buffer: evict the oldest queued event and retry once. If the
		// consumer drained concurrently the retry just succeeds.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- ev:
		default:
		}
		b.dropped++
		b.log.Warn("event bus: slow subscriber, dropped oldest event",
			"subscriber", id,
			"type", ev.Type,
			"guild_id", ev.GuildID,
			"total_dropped", b.dropped,
		)
	}
}

// Dropped reports how many events have been evicted due to slow subscribers.
func (b *Bus) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Close closes all subscriber channels. Subsequent Publish calls are no-ops
// and subsequent Subscribe calls return an already-closed channel.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
