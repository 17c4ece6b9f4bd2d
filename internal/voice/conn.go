package voice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/perkola/aulos/pkg/audio"
)

// Conn is one guild's live voice session. Send carries a single frame end to
// end; StateChanges reports lifecycle transitions, ending with a terminal
// Disconnected. Manager.Connect is the only way to build a Conn.
type Conn struct {
	guildID   string
	channelID string
	mgr       *Manager
	log       *slog.Logger

	// ctx is cancelled on shutdown to abort in-flight reconnect handshakes.
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	state     State
	transport *transport
	enc       *opusEncoder
	finished  bool
	changes   chan StateChange

	stop     chan struct{}
	stopOnce sync.Once
	supDone  chan struct{}
}

func newConn(mgr *Manager, guildID, channelID string, enc *opusEncoder) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		guildID:   guildID,
		channelID: channelID,
		mgr:       mgr,
		log:       mgr.log,
		ctx:       ctx,
		cancel:    cancel,
		enc:       enc,
		changes:   make(chan StateChange, 8),
		stop:      make(chan struct{}),
		supDone:   make(chan struct{}),
	}
	c.mu.Lock()
	c.setStateLocked(StateConnecting, nil)
	c.mu.Unlock()
	return c
}

// GuildID returns the guild this session belongs to.
func (c *Conn) GuildID() string { return c.guildID }

// ChannelID returns the voice channel the session joined.
func (c *Conn) ChannelID() string { return c.channelID }

// State returns the current lifecycle state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// StateChanges reports lifecycle transitions in order. The channel closes
// after the final Disconnected transition has been delivered.
func (c *Conn) StateChanges() <-chan StateChange { return c.changes }

// setStateLocked records a transition and pushes it to the subscriber. When
// the subscriber lags, the oldest buffered transition is dropped so the
// newest, including the terminal one, always fits.
func (c *Conn) setStateLocked(s State, err error) {
	c.state = s
	if c.finished {
		return
	}
	change := StateChange{State: s, Err: err}
	for {
		select {
		case c.changes <- change:
			return
		default:
		}
		select {
		case <-c.changes:
		default:
		}
	}
}

func (c *Conn) finishLocked() {
	if !c.finished {
		c.finished = true
		close(c.changes)
	}
}

// Send encodes (when the frame is PCM), seals and transmits one frame. It
// fails with ErrNotConnected outside the Connected state. Transient UDP
// write errors come back wrapped but leave the session up; the heartbeat is
// the liveness authority.
func (c *Conn) Send(frame audio.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateConnected || c.transport == nil {
		return ErrNotConnected
	}

	payload := frame.Data
	if frame.Encoding == audio.PCM {
		var err error
		payload, err = c.enc.encode(frame.Data)
		if err != nil {
			return err
		}
	}

	err := c.transport.sendFrame(payload)
	if errors.Is(err, ErrNonceExhausted) {
		// The session key has no nonces left. The whole session dies
		// rather than seal two frames under one nonce.
		go c.shutdown(fmt.Errorf("%w: %w", ErrSessionTerminated, err))
	}
	return err
}

// Speaking announces or clears the speaking flag on the control channel. The
// playback engine clears it once trailing silence has ended a track.
func (c *Conn) Speaking(on bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateConnected || c.transport == nil {
		return ErrNotConnected
	}
	return c.transport.setSpeaking(on)
}

// Disconnect gracefully ends the session: the transport is closed, the main
// gateway is told to leave the channel, and the state channel closes after a
// final Disconnected transition. Safe to call more than once.
func (c *Conn) Disconnect() { c.shutdown(nil) }

func (c *Conn) shutdown(cause error) {
	c.stopOnce.Do(func() {
		close(c.stop)
		c.cancel()

		c.mu.Lock()
		t := c.transport
		c.transport = nil
		c.setStateLocked(StateDisconnected, cause)
		c.finishLocked()
		c.mu.Unlock()

		if t != nil {
			t.close()
		}
		<-c.supDone

		c.mgr.leaveQuietly(c.guildID)
		c.mgr.remove(c.guildID, c)
	})
}

// abort discards a connection whose initial handshake never completed.
func (c *Conn) abort() {
	c.cancel()
	c.mu.Lock()
	c.setStateLocked(StateDisconnected, nil)
	c.finishLocked()
	c.mu.Unlock()
}

// supervise watches the live transport and drives the reconnect cycle when
// it is lost. It exits once the session ends, deliberately or terminally.
func (c *Conn) supervise() {
	defer close(c.supDone)

	for {
		c.mu.Lock()
		t := c.transport
		c.mu.Unlock()
		if t == nil {
			return
		}

		select {
		case <-c.stop:
			return
		case err := <-t.Lost():
			if !c.reconnect(t, err) {
				return
			}
		}
	}
}

// reconnect replaces a lost transport, doubling the wait between attempts.
// It reports whether the session is live again; false means it ended.
func (c *Conn) reconnect(old *transport, cause error) bool {
	c.log.Warn("voice: connection lost", "guild_id", c.guildID, "err", cause)

	c.mu.Lock()
	c.transport = nil
	c.setStateLocked(StateReconnecting, cause)
	c.mu.Unlock()
	old.close()

	backoff := c.mgr.backoff
	lastErr := cause
	for attempt := 1; attempt <= c.mgr.maxRetries; attempt++ {
		select {
		case <-c.stop:
			return false
		case <-time.After(backoff):
		}

		c.log.Info("voice: reconnecting",
			"guild_id", c.guildID,
			"attempt", attempt,
			"max_attempts", c.mgr.maxRetries,
			"waited", backoff)

		t, err := c.mgr.establish(c.ctx, c.guildID, c.channelID)
		if err == nil {
			c.mu.Lock()
			select {
			case <-c.stop:
				c.mu.Unlock()
				t.close()
				return false
			default:
			}
			c.transport = t
			c.setStateLocked(StateConnected, nil)
			c.mu.Unlock()
			c.log.Info("voice: reconnected", "guild_id", c.guildID, "attempt", attempt)
			return true
		}

		lastErr = err
		c.log.Warn("voice: reconnect attempt failed",
			"guild_id", c.guildID, "attempt", attempt, "err", err)

		backoff *= 2
		if backoff > c.mgr.maxBackoff {
			backoff = c.mgr.maxBackoff
		}
	}

	c.terminate(fmt.Errorf("%w: %d attempts failed, last: %w", ErrSessionTerminated, c.mgr.maxRetries, lastErr))
	return false
}

// terminate ends the session from inside the supervisor after reconnection
// is exhausted.
func (c *Conn) terminate(cause error) {
	c.mu.Lock()
	c.setStateLocked(StateDisconnected, cause)
	c.finishLocked()
	c.mu.Unlock()

	c.mgr.leaveQuietly(c.guildID)
	c.mgr.remove(c.guildID, c)
	c.log.Error("voice: session terminated", "guild_id", c.guildID, "err", cause)
}
