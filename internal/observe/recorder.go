package observe

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/perkola/aulos/internal/event"
	"github.com/perkola/aulos/internal/pipeline"
)

// Recorder keeps the playback instruments current. Bus events drive the
// session gauge, the queue depth gauge and the reconnect counter; the frame
// and per-track counters arrive through direct calls because the pacing loop
// emits no events at that granularity (and silent mode suppresses the
// per-track ones entirely).
type Recorder struct {
	log *slog.Logger
	met *Metrics

	done     chan struct{}
	finished chan struct{}
	stopOnce sync.Once

	mu       sync.Mutex
	sessions map[string]bool
	depths   map[string]int64
}

var _ pipeline.Stats = (*Recorder)(nil)

// RecorderConfig holds dependencies for creating a [Recorder].
type RecorderConfig struct {
	Bus     *event.Bus
	Metrics *Metrics     // default: [DefaultMetrics]
	Logger  *slog.Logger // default: slog.Default()
}

// NewRecorder creates a recorder and starts consuming bus events in a
// background goroutine.
func NewRecorder(cfg RecorderConfig) (*Recorder, error) {
	if cfg.Bus == nil {
		return nil, errors.New("observe: event bus is required")
	}
	met := cfg.Metrics
	if met == nil {
		met = DefaultMetrics()
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	events, cancel := cfg.Bus.Subscribe()
	r := &Recorder{
		log:      log,
		met:      met,
		done:     make(chan struct{}),
		finished: make(chan struct{}),
		sessions: make(map[string]bool),
		depths:   make(map[string]int64),
	}
	go r.run(events, cancel)
	return r, nil
}

// Stop ends event consumption and waits for the consumer goroutine to exit.
// Safe to call more than once.
func (r *Recorder) Stop() {
	r.stopOnce.Do(func() { close(r.done) })
	<-r.finished
}

func (r *Recorder) run(events <-chan event.Event, cancel func()) {
	defer close(r.finished)
	defer cancel()

	for {
		select {
		case <-r.done:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			r.apply(ev)
		}
	}
}

func (r *Recorder) apply(ev event.Event) {
	ctx := context.Background()

	switch ev.Type {
	case event.AudioConnected:
		r.mu.Lock()
		fresh := !r.sessions[ev.GuildID]
		r.sessions[ev.GuildID] = true
		r.mu.Unlock()
		// Reconnects re-announce an existing session; only count new ones.
		if fresh {
			r.met.ActiveSessions.Add(ctx, 1)
		}

	case event.AudioDisconnected:
		r.mu.Lock()
		live := r.sessions[ev.GuildID]
		delete(r.sessions, ev.GuildID)
		depth := r.depths[ev.GuildID]
		delete(r.depths, ev.GuildID)
		r.mu.Unlock()
		if live {
			r.met.ActiveSessions.Add(ctx, -1)
		}
		// The engine drops pending tracks with the session without a queue
		// event, so settle the gauge here.
		if depth != 0 {
			r.met.QueueDepth.Add(ctx, -depth)
		}

	case event.AudioReconnecting:
		r.met.Reconnects.Add(ctx, 1)

	case event.QueueUpdated:
		payload, ok := ev.Payload.(event.QueuePayload)
		if !ok {
			r.log.Warn("queue event with unexpected payload",
				"guild_id", ev.GuildID)
			return
		}
		r.mu.Lock()
		prev := r.depths[ev.GuildID]
		r.depths[ev.GuildID] = int64(payload.Length)
		r.mu.Unlock()
		if diff := int64(payload.Length) - prev; diff != 0 {
			r.met.QueueDepth.Add(ctx, diff)
		}
	}
}

// FrameSent implements [pipeline.Stats].
func (r *Recorder) FrameSent() {
	r.met.FramesSent.Add(context.Background(), 1)
}

// SilenceSubstituted implements [pipeline.Stats].
func (r *Recorder) SilenceSubstituted() {
	r.met.SilenceFrames.Add(context.Background(), 1)
}

// FilterFallback implements [pipeline.Stats].
func (r *Recorder) FilterFallback(filter string) {
	r.met.RecordTranscodeFallback(context.Background(), filter)
}

// TrackDone implements [pipeline.Stats].
func (r *Recorder) TrackDone(status string, elapsed time.Duration) {
	r.met.RecordPlayback(context.Background(), status, elapsed)
}
