package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/perkola/aulos/internal/event"
	"github.com/perkola/aulos/internal/store"
	"github.com/perkola/aulos/internal/voice"
	"github.com/perkola/aulos/pkg/audio"
)

// silenceTrailFrames is how many silence frames are paced after a track ends
// so the far end's jitter buffer drains before the stream goes quiet.
const silenceTrailFrames = 5

// errTrackActive reports a start attempt while another track holds the slot.
var errTrackActive = errors.New("pipeline: a track is already active")

// errNoConnection reports a start attempt after the connection went away.
var errNoConnection = errors.New("pipeline: session has no voice connection")

// activeTrack is the playback state of the track currently being paced.
type activeTrack struct {
	item      QueuedTrack
	stream    TrackStream
	silent    bool
	maxFrames int // truncation point, 0 means unlimited

	// advance distinguishes a skip (queue advances) from a stop.
	advance  atomic.Bool
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func (at *activeTrack) halt() {
	at.stopOnce.Do(func() { close(at.stop) })
}

// appliedFilter returns the filter name when it actually took effect.
func (at *activeTrack) appliedFilter() string {
	if at.stream.Filtered() {
		return at.item.Filter
	}
	return ""
}

// session is the per-guild playback state. opMu serializes caller-facing
// operations; mu guards the mutable fields and is never held across blocking
// calls.
type session struct {
	guildID string
	eng     *Engine
	log     *slog.Logger

	opMu sync.Mutex

	mu         sync.Mutex
	conn       Conn
	current    *activeTrack
	queue      queue
	lastActive time.Time
}

// play handles one admitted request. settings is the snapshot the engine
// admitted the request under; queue capacity comes from it.
func (s *session) play(ctx context.Context, req PlayRequest, track store.Track, settings store.Settings) (PlayOutcome, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	item := QueuedTrack{
		Track:       track,
		Filter:      req.Filter,
		RequestedBy: req.RequestedBy,
		EnqueuedAt:  time.Now().UTC(),
	}

	s.mu.Lock()
	// A non-empty queue with no current track is a transient mid-advance
	// state; joining the queue keeps ordering intact either way. A dead
	// connection means nothing will drain the queue, so fall through and
	// start fresh instead.
	if req.Mode == ModeQueue && s.conn != nil && (s.current != nil || s.queue.len() > 0) {
		if !settings.QueueEnabled {
			s.mu.Unlock()
			return PlayOutcome{}, ErrAlreadyPlaying
		}
		s.queue.max = settings.MaxQueueLength
		if err := s.queue.push(item); err != nil {
			s.mu.Unlock()
			return PlayOutcome{}, err
		}
		pos := s.queue.len()
		payload := s.queuePayloadLocked()
		s.mu.Unlock()

		s.eng.publish(s.guildID, event.QueueUpdated, payload)
		return PlayOutcome{Track: track, Queued: true, Position: pos}, nil
	}

	halted := s.current
	if halted != nil {
		// Replace: drop everything pending before cancelling, so the old
		// track's teardown cannot advance into a stale queue.
		s.queue.clear()
	}
	s.mu.Unlock()

	if halted != nil {
		halted.halt()
		<-halted.done
	}

	if err := s.ensureConnected(ctx, req.ChannelID); err != nil {
		return PlayOutcome{}, err
	}
	if err := s.start(ctx, item); err != nil {
		return PlayOutcome{}, err
	}
	return PlayOutcome{Track: track}, nil
}

// ensureConnected joins channelID unless the live connection already serves
// it. A new connection gets a watcher goroutine.
func (s *session) ensureConnected(ctx context.Context, channelID string) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()

	if conn != nil && conn.State() == voice.StateConnected &&
		(channelID == "" || conn.ChannelID() == channelID) {
		return nil
	}

	fresh, err := s.eng.voice.Connect(ctx, s.guildID, channelID)
	if err != nil {
		return fmt.Errorf("pipeline: join voice channel: %w", err)
	}

	s.mu.Lock()
	same := s.conn == fresh
	s.conn = fresh
	s.lastActive = time.Now()
	s.mu.Unlock()

	if !same {
		go s.watch(fresh)
	}
	return nil
}

// start opens the track's stream and hands it to a pacing goroutine. Settings
// are re-read so silent mode and the duration cap are current even for tracks
// that sat in the queue.
func (s *session) start(ctx context.Context, item QueuedTrack) error {
	settings, err := s.eng.store.Settings(ctx, s.guildID)
	if err != nil {
		return fmt.Errorf("pipeline: read guild settings: %w", err)
	}

	// The stream must outlive the request that started it; the worker's own
	// start timeout bounds the open.
	src := s.eng.assets.Source(item.Track.StoragePath, item.Track.ContentType)
	stream, err := s.eng.transcoder.Open(context.WithoutCancel(ctx), src, item.Filter)
	if err != nil {
		return err
	}

	at := &activeTrack{
		item:   item,
		stream: stream,
		silent: settings.SilentPlayback,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	if settings.MaxDurationSeconds > 0 {
		at.maxFrames = settings.MaxDurationSeconds * int(time.Second/audio.FrameDuration)
	}

	s.mu.Lock()
	if s.conn == nil {
		s.mu.Unlock()
		stream.Close()
		return errNoConnection
	}
	if s.current != nil {
		s.mu.Unlock()
		stream.Close()
		return errTrackActive
	}
	s.current = at
	s.lastActive = time.Now()
	s.mu.Unlock()

	if item.Filter != "" && !stream.Filtered() {
		s.eng.stats.FilterFallback(item.Filter)
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.eng.store.IncrementPlayCount(ctx, item.Track.ID); err != nil {
			s.log.Warn("play count increment failed",
				"guild_id", s.guildID, "track", item.Track.Name, "err", err)
		}
	}()

	if !at.silent {
		s.eng.publish(s.guildID, event.PlaybackStarted, event.TrackPayload{
			Name:            item.Track.Name,
			Filter:          at.appliedFilter(),
			RequestedBy:     item.RequestedBy,
			DurationSeconds: item.Track.DurationSeconds,
		})
	}

	go s.pace(at)
	return nil
}

// pace sends one frame per tick until the track ends or is halted. While the
// connection is down frames stay in the stream's buffer; playback resumes
// where it left off once the transport is back.
func (s *session) pace(at *activeTrack) {
	defer close(at.done)

	ticker := time.NewTicker(s.eng.frameInterval)
	defer ticker.Stop()

	sent := 0
	for {
		select {
		case <-at.stop:
			s.finishTrack(at, sent, nil, !at.advance.Load())
			return
		case <-ticker.C:
		}

		if !s.connReady() {
			continue
		}

		select {
		case frame, ok := <-at.stream.Frames():
			if !ok {
				s.trailSilence(ticker, at)
				s.finishTrack(at, sent, at.stream.Err(), false)
				return
			}
			s.sendFrame(frame)
			sent++
		default:
			// Underrun: keep cadence with silence, do not advance playback.
			s.sendFrame(audio.SilenceOpus())
			s.eng.stats.SilenceSubstituted()
			continue
		}

		if at.maxFrames > 0 && sent >= at.maxFrames {
			s.trailSilence(ticker, at)
			s.finishTrack(at, sent, nil, false)
			return
		}
		if s.eng.progressFrames > 0 && !at.silent && sent%s.eng.progressFrames == 0 {
			elapsed := time.Duration(sent) * audio.FrameDuration
			s.eng.publish(s.guildID, event.PlaybackProgress, event.ProgressPayload{
				Name:           at.item.Track.Name,
				ElapsedSeconds: int(elapsed.Seconds()),
			})
		}
	}
}

// trailSilence paces a few silence frames at the end of a track.
func (s *session) trailSilence(ticker *time.Ticker, at *activeTrack) {
	for i := 0; i < silenceTrailFrames; i++ {
		select {
		case <-at.stop:
			return
		case <-ticker.C:
			s.sendFrame(audio.SilenceOpus())
		}
	}
}

// finishTrack releases the stream, reports how the track ended and, unless
// the track was stopped outright, advances the queue. sent is the number of
// real frames that went out, which is also the playback position.
func (s *session) finishTrack(at *activeTrack, sent int, streamErr error, stopped bool) {
	at.stream.Close()

	s.mu.Lock()
	if s.current == at {
		s.current = nil
		s.lastActive = time.Now()
	}
	s.mu.Unlock()

	status := "played"
	switch {
	case streamErr != nil:
		status = "failed"
	case stopped:
		status = "stopped"
	}
	s.eng.stats.TrackDone(status, time.Duration(sent)*audio.FrameDuration)

	if streamErr != nil {
		// Failures always surface, silent playback or not.
		s.eng.publish(s.guildID, event.PlaybackFailed, event.FailurePayload{
			Name:   at.item.Track.Name,
			Reason: streamErr.Error(),
		})
	} else if !at.silent {
		s.eng.publish(s.guildID, event.PlaybackFinished, event.TrackPayload{
			Name:            at.item.Track.Name,
			Filter:          at.appliedFilter(),
			RequestedBy:     at.item.RequestedBy,
			DurationSeconds: at.item.Track.DurationSeconds,
		})
	}

	if stopped {
		s.goIdle()
		return
	}
	s.advanceQueue()
}

// advanceQueue starts queued tracks until one sticks or the queue drains.
// Tracks that fail to open are reported and skipped.
func (s *session) advanceQueue() {
	for {
		s.mu.Lock()
		item, ok := s.queue.pop()
		var payload event.QueuePayload
		if ok {
			payload = s.queuePayloadLocked()
		}
		connected := s.conn != nil
		s.mu.Unlock()

		if !ok || !connected {
			s.goIdle()
			return
		}
		s.eng.publish(s.guildID, event.QueueUpdated, payload)

		err := s.start(context.Background(), item)
		if err == nil {
			return
		}
		if errors.Is(err, errTrackActive) {
			// A concurrent request won the slot. Put the track back so it
			// plays when the winner finishes.
			s.mu.Lock()
			s.queue.pushFront(item)
			s.mu.Unlock()
			return
		}
		s.eng.publish(s.guildID, event.PlaybackFailed, event.FailurePayload{
			Name:   item.Track.Name,
			Reason: err.Error(),
		})
	}
}

// goIdle clears the speaking flag after playback winds down.
func (s *session) goIdle() {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return
	}
	if err := conn.Speaking(false); err != nil && !errors.Is(err, voice.ErrNotConnected) {
		s.log.Debug("clear speaking failed", "guild_id", s.guildID, "err", err)
	}
}

// watch relays connection state to the bus. Only a terminal loss tears the
// session down; graceful closes (leave, channel move) change nothing here.
func (s *session) watch(conn Conn) {
	for change := range conn.StateChanges() {
		switch change.State {
		case voice.StateConnected:
			s.eng.publish(s.guildID, event.AudioConnected, nil)
		case voice.StateReconnecting:
			s.eng.publish(s.guildID, event.AudioReconnecting, event.DisconnectPayload{
				Reason: errText(change.Err),
			})
		case voice.StateDisconnected:
			fatal := change.Err != nil
			s.eng.publish(s.guildID, event.AudioDisconnected, event.DisconnectPayload{
				Reason: errText(change.Err),
				Fatal:  fatal,
			})
			if fatal {
				s.abandon(conn, change.Err)
			}
		}
	}
}

// abandon clears all playback state after a terminal connection loss.
func (s *session) abandon(conn Conn, cause error) {
	s.mu.Lock()
	if s.conn != conn {
		s.mu.Unlock()
		return
	}
	s.conn = nil
	halted := s.current
	s.queue.clear()
	s.lastActive = time.Now()
	s.mu.Unlock()

	if halted != nil {
		halted.halt()
		<-halted.done
	}
	s.log.Warn("voice session abandoned", "guild_id", s.guildID, "err", cause)
}

// stop halts the active track and empties the queue. The connection stays up.
func (s *session) stop() bool {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	halted := s.current
	hadPending := s.queue.len() > 0
	s.queue.clear()
	payload := s.queuePayloadLocked()
	s.mu.Unlock()

	if halted != nil {
		halted.halt()
		<-halted.done
	}
	if hadPending {
		s.eng.publish(s.guildID, event.QueueUpdated, payload)
	}
	return halted != nil || hadPending
}

// skip ends the active track early and lets the queue advance.
func (s *session) skip() bool {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	at := s.current
	s.mu.Unlock()
	if at == nil {
		return false
	}
	at.advance.Store(true)
	at.halt()
	<-at.done
	return true
}

// leave halts playback, empties the queue and closes the voice connection.
func (s *session) leave() {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	halted := s.current
	s.queue.clear()
	conn := s.conn
	s.conn = nil
	s.lastActive = time.Now()
	s.mu.Unlock()

	if halted != nil {
		halted.halt()
		<-halted.done
	}
	if conn != nil {
		conn.Disconnect()
	}
}

func (s *session) connReady() bool {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	return conn != nil && conn.State() == voice.StateConnected
}

func (s *session) sendFrame(frame audio.Frame) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return
	}
	if err := conn.Send(frame); err != nil {
		if !errors.Is(err, voice.ErrNotConnected) {
			s.log.Warn("frame send failed", "guild_id", s.guildID, "err", err)
		}
		return
	}
	s.eng.stats.FrameSent()
}

func (s *session) queuePayloadLocked() event.QueuePayload {
	items := s.queue.items
	names := make([]string, len(items))
	for i, it := range items {
		names[i] = it.Track.Name
	}
	return event.QueuePayload{Length: len(items), Pending: names}
}

// lastActivity is the moment the session last did something useful. A session
// mid-playback is always active now.
func (s *session) lastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil {
		return time.Now()
	}
	return s.lastActive
}

func (s *session) snapshotQueue() []QueuedTrack {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.snapshot()
}

// playing reports the active track's name, if any.
func (s *session) playing() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return "", false
	}
	return s.current.item.Track.Name, true
}

func (s *session) connected() (Conn, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil, false
	}
	return s.conn, true
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
