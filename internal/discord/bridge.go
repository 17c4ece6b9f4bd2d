package discord

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bwmarrin/discordgo"

	"github.com/perkola/aulos/internal/autoleave"
	"github.com/perkola/aulos/internal/voice"
)

// Bridge forwards gateway voice events to the voice transport. Joining a
// voice channel happens in two halves: the bot asks the main gateway for a
// channel via a voice state update, then waits for the VOICE_STATE_UPDATE
// and VOICE_SERVER_UPDATE events carrying the session ID, token, and
// endpoint the voice gateway handshake needs.
//
// Bridge is the [voice.CredentialsProvider] for the transport and the
// [autoleave.Occupancy] source for the auto-leave monitor.
type Bridge struct {
	log         *slog.Logger
	state       *discordgo.State
	stateUpdate func(guildID, channelID string, selfMute, selfDeaf bool) error

	mu       sync.Mutex
	pending  map[string]*pendingJoin // guildID → in-flight join
	sessions map[string]string       // guildID → bot's voice session ID
}

var (
	_ voice.CredentialsProvider = (*Bridge)(nil)
	_ autoleave.Occupancy       = (*Bridge)(nil)
)

func newBridge(log *slog.Logger, state *discordgo.State, stateUpdate func(guildID, channelID string, selfMute, selfDeaf bool) error) *Bridge {
	return &Bridge{
		log:         log,
		state:       state,
		stateUpdate: stateUpdate,
		pending:     make(map[string]*pendingJoin),
		sessions:    make(map[string]string),
	}
}

// pendingJoin collects the two gateway events a voice handshake needs. The
// ready channel closes once both halves have arrived.
type pendingJoin struct {
	mu        sync.Mutex
	sessionID string
	token     string
	endpoint  string
	hasState  bool
	hasServer bool
	ready     chan struct{}
}

func (p *pendingJoin) setState(sessionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sessionID = sessionID
	p.hasState = true
	p.signalLocked()
}

func (p *pendingJoin) setServer(token, endpoint string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.token = token
	p.endpoint = endpoint
	p.hasServer = true
	p.signalLocked()
}

func (p *pendingJoin) signalLocked() {
	if p.hasState && p.hasServer {
		select {
		case <-p.ready:
		default:
			close(p.ready)
		}
	}
}

// Join requests a voice channel from the main gateway and waits for the
// credential events. The caller bounds the wait through ctx.
func (b *Bridge) Join(ctx context.Context, guildID, channelID string) (voice.Credentials, error) {
	p := &pendingJoin{ready: make(chan struct{})}

	b.mu.Lock()
	// Discord does not re-send VOICE_STATE_UPDATE when the bot rejoins the
	// channel it is already in, so a reconnect would wait forever on that
	// half. The session ID cached from the last self update covers it.
	if sid, ok := b.sessions[guildID]; ok {
		p.sessionID = sid
		p.hasState = true
	}
	b.pending[guildID] = p
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		if b.pending[guildID] == p {
			delete(b.pending, guildID)
		}
		b.mu.Unlock()
	}()

	// Self-deafened: the bot only plays audio, it never listens.
	if err := b.stateUpdate(guildID, channelID, false, true); err != nil {
		return voice.Credentials{}, fmt.Errorf("discord: request voice channel: %w", err)
	}

	select {
	case <-p.ready:
	case <-ctx.Done():
		return voice.Credentials{}, ctx.Err()
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	return voice.Credentials{
		GuildID:   guildID,
		UserID:    b.selfID(),
		SessionID: p.sessionID,
		Token:     p.token,
		Endpoint:  p.endpoint,
	}, nil
}

// Leave asks the main gateway to drop the bot from its voice channel.
func (b *Bridge) Leave(_ context.Context, guildID string) error {
	if err := b.stateUpdate(guildID, "", false, false); err != nil {
		return fmt.Errorf("discord: leave voice channel: %w", err)
	}
	return nil
}

// onVoiceStateUpdate tracks the bot's own voice session and completes the
// state half of pending joins. Other users' updates are ignored here; the
// occupancy queries read them from the session state cache.
func (b *Bridge) onVoiceStateUpdate(e *discordgo.VoiceStateUpdate) {
	if e.UserID != b.selfID() {
		return
	}

	b.mu.Lock()
	if e.ChannelID == "" {
		delete(b.sessions, e.GuildID)
	} else {
		b.sessions[e.GuildID] = e.SessionID
	}
	p := b.pending[e.GuildID]
	b.mu.Unlock()

	if p != nil && e.ChannelID != "" {
		p.setState(e.SessionID)
	}
}

// onVoiceServerUpdate completes the server half of pending joins.
func (b *Bridge) onVoiceServerUpdate(e *discordgo.VoiceServerUpdate) {
	b.mu.Lock()
	p := b.pending[e.GuildID]
	b.mu.Unlock()

	if p == nil {
		// No join in flight: the voice server moved mid-session. The
		// transport notices the dropped connection and redials on its own.
		b.log.Debug("voice server update without pending join", "guild_id", e.GuildID)
		return
	}
	p.setServer(e.Token, e.Endpoint)
}

// HumanCount reports how many non-bot, non-deafened users occupy a voice
// channel. A user whose member record is missing from the cache counts as
// human rather than silently vanishing from the tally.
func (b *Bridge) HumanCount(guildID, channelID string) (int, error) {
	guild, err := b.state.Guild(guildID)
	if err != nil {
		return 0, fmt.Errorf("discord: guild %s not in state: %w", guildID, err)
	}

	selfID := b.selfID()

	// Copy the tuples out under the state lock; Member locks internally and
	// must not be called while we hold it.
	type occupant struct {
		userID string
		deaf   bool
	}
	var occupants []occupant
	b.state.RLock()
	for _, vs := range guild.VoiceStates {
		if vs.ChannelID != channelID || vs.UserID == selfID {
			continue
		}
		occupants = append(occupants, occupant{userID: vs.UserID, deaf: vs.Deaf || vs.SelfDeaf})
	}
	b.state.RUnlock()

	count := 0
	for _, o := range occupants {
		if o.deaf {
			continue
		}
		member, err := b.state.Member(guildID, o.userID)
		if err != nil || member.User == nil || !member.User.Bot {
			count++
		}
	}
	return count, nil
}

func (b *Bridge) selfID() string {
	if b.state.User == nil {
		return ""
	}
	return b.state.User.ID
}
