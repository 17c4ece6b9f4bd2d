package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/perkola/aulos/internal/event"
	"github.com/perkola/aulos/pkg/audio"
)

// defaultProgressInterval is how much played audio passes between
// PlaybackProgress events.
const defaultProgressInterval = 5 * time.Second

// Engine runs playback for all guilds. One Engine serves the whole bot;
// methods are safe for concurrent use.
type Engine struct {
	log        *slog.Logger
	store      Store
	assets     Assets
	transcoder Transcoder
	voice      Connector
	bus        *event.Bus
	stats      Stats

	frameInterval  time.Duration
	progressFrames int

	mu       sync.Mutex
	sessions map[string]*session
}

// EngineConfig holds dependencies for creating an [Engine].
type EngineConfig struct {
	Store      Store
	Assets     Assets
	Transcoder Transcoder
	Voice      Connector
	Bus        *event.Bus
	Logger     *slog.Logger

	// Stats receives frame and playback counters. Optional; nil discards
	// them.
	Stats Stats

	// FrameInterval is the pacing tick. Default: [audio.FrameDuration].
	// Shorter intervals are for tests only.
	FrameInterval time.Duration

	// ProgressInterval is how much played audio passes between progress
	// events. Default: 5s.
	ProgressInterval time.Duration
}

// NewEngine creates an Engine.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Store == nil {
		return nil, errors.New("pipeline: store is required")
	}
	if cfg.Assets == nil {
		return nil, errors.New("pipeline: assets is required")
	}
	if cfg.Transcoder == nil {
		return nil, errors.New("pipeline: transcoder is required")
	}
	if cfg.Voice == nil {
		return nil, errors.New("pipeline: voice connector is required")
	}
	if cfg.Bus == nil {
		return nil, errors.New("pipeline: event bus is required")
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	stats := cfg.Stats
	if stats == nil {
		stats = nopStats{}
	}
	frameInterval := cfg.FrameInterval
	if frameInterval <= 0 {
		frameInterval = audio.FrameDuration
	}
	progressInterval := cfg.ProgressInterval
	if progressInterval <= 0 {
		progressInterval = defaultProgressInterval
	}
	progressFrames := int(progressInterval / audio.FrameDuration)
	if progressFrames < 1 {
		progressFrames = 1
	}

	return &Engine{
		log:            log,
		store:          cfg.Store,
		assets:         cfg.Assets,
		transcoder:     cfg.Transcoder,
		voice:          cfg.Voice,
		bus:            cfg.Bus,
		stats:          stats,
		frameInterval:  frameInterval,
		progressFrames: progressFrames,
		sessions:       make(map[string]*session),
	}, nil
}

// Play admits and executes one play request. The returned outcome says
// whether the track started or was queued.
//
// Admission errors are [ErrAudioDisabled], [store.ErrNotFound],
// [ErrTrackTooLarge], [ErrQueueFull] and [ErrAlreadyPlaying].
func (e *Engine) Play(ctx context.Context, req PlayRequest) (PlayOutcome, error) {
	if req.GuildID == "" || req.TrackName == "" {
		return PlayOutcome{}, errors.New("pipeline: guild id and track name are required")
	}

	settings, err := e.store.Settings(ctx, req.GuildID)
	if err != nil {
		return PlayOutcome{}, fmt.Errorf("pipeline: read guild settings: %w", err)
	}
	if !settings.AudioEnabled {
		return PlayOutcome{}, ErrAudioDisabled
	}

	track, err := e.store.TrackByName(ctx, req.GuildID, req.TrackName)
	if err != nil {
		return PlayOutcome{}, err
	}
	if settings.MaxFileSizeBytes > 0 && track.SizeBytes > settings.MaxFileSizeBytes {
		return PlayOutcome{}, fmt.Errorf("%w: %d > %d bytes",
			ErrTrackTooLarge, track.SizeBytes, settings.MaxFileSizeBytes)
	}

	return e.session(req.GuildID).play(ctx, req, track, settings)
}

// Stop halts the active track and empties the queue. The bot stays in the
// voice channel. Reports whether anything was actually playing or pending.
func (e *Engine) Stop(guildID string) bool {
	s := e.lookup(guildID)
	if s == nil {
		return false
	}
	return s.stop()
}

// Skip ends the active track early; the queue advances naturally. False when
// nothing was playing.
func (e *Engine) Skip(guildID string) bool {
	s := e.lookup(guildID)
	if s == nil {
		return false
	}
	return s.skip()
}

// QueueSnapshot returns the pending tracks for a guild in play order,
// excluding the active track.
func (e *Engine) QueueSnapshot(guildID string) []QueuedTrack {
	s := e.lookup(guildID)
	if s == nil {
		return nil
	}
	return s.snapshotQueue()
}

// Leave halts playback, empties the queue and disconnects from the guild's
// voice channel. No-op when the guild has no session.
func (e *Engine) Leave(guildID string) {
	if s := e.lookup(guildID); s != nil {
		s.leave()
	}
}

// SessionInfo describes one guild's live voice presence.
type SessionInfo struct {
	GuildID      string
	ChannelID    string
	Track        string // active track name, "" when idle
	Playing      bool
	QueueLength  int
	LastActivity time.Time
}

// ActiveSessions lists the guilds with a live voice connection, sorted by
// guild id. Feeds the auto-leave monitor and the dashboard snapshot.
func (e *Engine) ActiveSessions() []SessionInfo {
	e.mu.Lock()
	sessions := make([]*session, 0, len(e.sessions))
	for _, s := range e.sessions {
		sessions = append(sessions, s)
	}
	e.mu.Unlock()

	var infos []SessionInfo
	for _, s := range sessions {
		conn, ok := s.connected()
		if !ok {
			continue
		}
		name, playing := s.playing()
		infos = append(infos, SessionInfo{
			GuildID:      s.guildID,
			ChannelID:    conn.ChannelID(),
			Track:        name,
			Playing:      playing,
			QueueLength:  len(s.snapshotQueue()),
			LastActivity: s.lastActivity(),
		})
	}
	slices.SortFunc(infos, func(a, b SessionInfo) int {
		return strings.Compare(a.GuildID, b.GuildID)
	})
	return infos
}

// Close leaves every guild. The engine must not be used afterwards.
func (e *Engine) Close() {
	e.mu.Lock()
	sessions := make([]*session, 0, len(e.sessions))
	for _, s := range e.sessions {
		sessions = append(sessions, s)
	}
	e.mu.Unlock()

	for _, s := range sessions {
		s.leave()
	}
}

// session returns the guild's session, creating it on first use. Sessions are
// never removed; an idle session holds no resources.
func (e *Engine) session(guildID string) *session {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[guildID]
	if !ok {
		s = &session{
			guildID:    guildID,
			eng:        e,
			log:        e.log,
			lastActive: time.Now(),
		}
		e.sessions[guildID] = s
	}
	return s
}

func (e *Engine) lookup(guildID string) *session {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessions[guildID]
}

func (e *Engine) publish(guildID string, typ event.Type, payload any) {
	e.bus.Publish(event.Event{Type: typ, GuildID: guildID, Payload: payload})
}
