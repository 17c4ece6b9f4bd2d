// Package pipeline is the playback engine. It owns one session per guild and
// drives the full path from a play request to paced Opus frames on the voice
// connection:
//
//   - request admission (audio enabled, track exists, size limit)
//   - the per-guild queue with replace/queue semantics
//   - frame pacing at the 20 ms cadence, with silence substitution on
//     underrun and truncation at the guild's duration cap
//   - lifecycle events on the bus for notifiers and the dashboard
//
// Engine methods serialize per guild: two requests for the same guild never
// interleave, and a replace fully cancels the old stream before the new one
// starts. Requests for different guilds proceed independently.
package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/perkola/aulos/internal/store"
	"github.com/perkola/aulos/internal/transcode"
	"github.com/perkola/aulos/internal/voice"
	"github.com/perkola/aulos/pkg/audio"
)

var (
	// ErrAudioDisabled reports a guild whose settings turn playback off.
	ErrAudioDisabled = errors.New("pipeline: audio playback is disabled for this guild")

	// ErrTrackTooLarge reports a track over the guild's file size limit.
	ErrTrackTooLarge = errors.New("pipeline: track exceeds the guild's size limit")

	// ErrQueueFull reports a queue at the guild's capacity.
	ErrQueueFull = errors.New("pipeline: queue is full")

	// ErrAlreadyPlaying reports a queue-mode request against a guild with
	// queueing disabled while a track is active.
	ErrAlreadyPlaying = errors.New("pipeline: a track is already playing and queueing is disabled")
)

// Store is the persistence surface the engine reads and updates.
type Store interface {
	Settings(ctx context.Context, guildID string) (store.Settings, error)
	TrackByName(ctx context.Context, guildID, name string) (store.Track, error)
	IncrementPlayCount(ctx context.Context, trackID string) error
}

// Assets builds lazy sources for stored track content.
type Assets interface {
	Source(storagePath, contentType string) transcode.Source
}

// TrackStream produces the frames of one opened track. Frames is closed at
// end of stream; Err is valid after that.
type TrackStream interface {
	Frames() <-chan audio.Frame
	Err() error
	Filtered() bool
	Close()
}

// Transcoder opens track streams.
type Transcoder interface {
	Open(ctx context.Context, src transcode.Source, filter string) (TrackStream, error)
}

// NewTranscoder adapts the concrete transcode worker to the engine seam.
func NewTranscoder(w *transcode.Worker) Transcoder { return workerTranscoder{w} }

type workerTranscoder struct{ w *transcode.Worker }

func (a workerTranscoder) Open(ctx context.Context, src transcode.Source, filter string) (TrackStream, error) {
	s, err := a.w.Open(ctx, src, filter)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Conn is the voice transport surface the engine drives. Satisfied by
// [voice.Conn].
type Conn interface {
	Send(frame audio.Frame) error
	Speaking(on bool) error
	State() voice.State
	StateChanges() <-chan voice.StateChange
	ChannelID() string
	Disconnect()
}

// Connector joins guild voice channels.
type Connector interface {
	Connect(ctx context.Context, guildID, channelID string) (Conn, error)
}

// NewConnector adapts the concrete voice manager to the engine seam.
func NewConnector(m *voice.Manager) Connector { return managerConnector{m} }

type managerConnector struct{ m *voice.Manager }

func (a managerConnector) Connect(ctx context.Context, guildID, channelID string) (Conn, error) {
	conn, err := a.m.Connect(ctx, guildID, channelID)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Stats receives the playback counters that have no bus representation: frame
// delivery is far too granular for events, and silent mode suppresses the
// per-track ones. Implementations must not block; the pacing loop calls them
// on the hot path.
type Stats interface {
	// FrameSent is called for every frame written to a voice connection,
	// silence included.
	FrameSent()

	// SilenceSubstituted is called when a tick found no decoded frame ready
	// and silence went out instead.
	SilenceSubstituted()

	// FilterFallback is called when a track requested the named filter but
	// started unfiltered.
	FilterFallback(filter string)

	// TrackDone is called once per started track with its outcome
	// ("played", "stopped" or "failed") and how much audio actually played.
	TrackDone(status string, elapsed time.Duration)
}

type nopStats struct{}

func (nopStats) FrameSent()                      {}
func (nopStats) SilenceSubstituted()             {}
func (nopStats) FilterFallback(string)           {}
func (nopStats) TrackDone(string, time.Duration) {}

// Mode selects how a play request interacts with an active track.
type Mode int

const (
	// ModeQueue appends behind the active track, or starts immediately when
	// the guild is idle.
	ModeQueue Mode = iota

	// ModeReplace cancels the active track and clears the queue, then starts
	// the requested track.
	ModeReplace
)

func (m Mode) String() string {
	switch m {
	case ModeQueue:
		return "queue"
	case ModeReplace:
		return "replace"
	default:
		return "unknown"
	}
}

// PlayRequest asks the engine to play one named track in a guild.
type PlayRequest struct {
	GuildID     string
	ChannelID   string // voice channel to join; "" reuses the current connection
	TrackName   string
	Filter      string // playback filter name, "" for none
	RequestedBy string
	Mode        Mode
}

// PlayOutcome reports what a play request did.
type PlayOutcome struct {
	Track    store.Track
	Queued   bool // true when the track went to the queue instead of starting
	Position int  // 1-based queue position when Queued
}
