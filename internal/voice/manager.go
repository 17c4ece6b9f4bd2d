package voice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Manager hands out and supervises guild voice connections, at most one per
// guild. Lifecycle calls for the same guild must not race each other; the
// playback engine serializes them per guild.
type Manager struct {
	log   *slog.Logger
	creds CredentialsProvider

	phaseTimeout time.Duration
	maxRetries   int
	backoff      time.Duration
	maxBackoff   time.Duration

	mu    sync.Mutex
	conns map[string]*Conn
}

// ManagerConfig configures a [Manager]. Credentials is required; zero values
// elsewhere fall back to defaults.
type ManagerConfig struct {
	// Credentials bridges to the platform's main gateway.
	Credentials CredentialsProvider

	// Logger receives connection lifecycle logs. Defaults to slog.Default().
	Logger *slog.Logger

	// HandshakeTimeout bounds each phase of the voice handshake.
	// Defaults to 10s.
	HandshakeTimeout time.Duration

	// MaxRetries is how many reconnect attempts a lost session gets before
	// it is declared terminal. Defaults to 3.
	MaxRetries int

	// Backoff is the wait before the first reconnect attempt. It doubles
	// per attempt, capped at MaxBackoff. Defaults are 1s and 30s.
	Backoff    time.Duration
	MaxBackoff time.Duration
}

// NewManager validates cfg and builds a Manager.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Credentials == nil {
		return nil, errors.New("voice: ManagerConfig.Credentials is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	return &Manager{
		log:          cfg.Logger,
		creds:        cfg.Credentials,
		phaseTimeout: cfg.HandshakeTimeout,
		maxRetries:   cfg.MaxRetries,
		backoff:      cfg.Backoff,
		maxBackoff:   cfg.MaxBackoff,
		conns:        make(map[string]*Conn),
	}, nil
}

// Connect joins the guild's voice channel and returns a live connection. An
// existing healthy connection to the same channel is returned as is; one to
// a different channel is dropped first, which is how channel moves happen.
func (m *Manager) Connect(ctx context.Context, guildID, channelID string) (*Conn, error) {
	if existing := m.Get(guildID); existing != nil {
		if existing.ChannelID() == channelID && existing.State() == StateConnected {
			return existing, nil
		}
		existing.Disconnect()
	}

	enc, err := newOpusEncoder()
	if err != nil {
		return nil, err
	}
	c := newConn(m, guildID, channelID, enc)

	t, err := m.establish(ctx, guildID, channelID)
	if err != nil {
		c.abort()
		m.leaveQuietly(guildID)
		return nil, err
	}

	c.mu.Lock()
	c.transport = t
	c.setStateLocked(StateConnected, nil)
	c.mu.Unlock()

	m.mu.Lock()
	m.conns[guildID] = c
	m.mu.Unlock()

	go c.supervise()
	m.log.Info("voice: connected", "guild_id", guildID, "channel_id", channelID)
	return c, nil
}

// establish acquires fresh credentials and runs the full handshake, ending
// with the priming silence frame that precedes any real audio. Credentials
// are requested anew on every call so reconnects never reuse expired tokens.
func (m *Manager) establish(ctx context.Context, guildID, channelID string) (*transport, error) {
	joinCtx, cancel := context.WithTimeout(ctx, m.phaseTimeout)
	creds, err := m.creds.Join(joinCtx, guildID, channelID)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("voice: acquire credentials: %w", err)
	}
	if creds.GuildID == "" {
		creds.GuildID = guildID
	}

	t, err := connectTransport(ctx, creds, m.phaseTimeout, m.log)
	if err != nil {
		return nil, err
	}
	if err := t.primeSilence(); err != nil {
		t.close()
		return nil, err
	}
	return t, nil
}

// Get returns the guild's connection, or nil when there is none.
func (m *Manager) Get(guildID string) *Conn {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conns[guildID]
}

// Disconnect gracefully ends the guild's session, if any.
func (m *Manager) Disconnect(guildID string) {
	if c := m.Get(guildID); c != nil {
		c.Disconnect()
	}
}

// Close disconnects every guild session and waits for their teardown.
func (m *Manager) Close() {
	m.mu.Lock()
	conns := make([]*Conn, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()

	for _, c := range conns {
		c.Disconnect()
	}
}

// remove drops the registration if c is still the guild's current conn.
func (m *Manager) remove(guildID string, c *Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conns[guildID] == c {
		delete(m.conns, guildID)
	}
}

// leaveQuietly tells the main gateway to drop the bot from voice, logging
// instead of failing; the session is already gone either way.
func (m *Manager) leaveQuietly(guildID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.creds.Leave(ctx, guildID); err != nil {
		m.log.Warn("voice: leave notification failed", "guild_id", guildID, "err", err)
	}
}
